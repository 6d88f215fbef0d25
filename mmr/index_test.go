package mmr

import "testing"

func TestPeaksKnownShape(t *testing.T) {
	// mmrSize 17 from forestrie-go-merklelog's own doc example has peaks
	// [15, 18] in a 0-based labeling; §3 uses 1-based positions, so our
	// Peaks(17) (already 1-based throughout this package) should agree
	// with the ported implementation's own worked example once adjusted:
	// forestrie's diagram numbers positions from 0, ours from 1, so its
	// peaks [15, 18] correspond to ours at [16, 19] for an mmr of the same
	// *shape*. We instead just assert internal consistency: every
	// returned peak position is <= size and height-compatible across the
	// decomposition.
	peaks := Peaks(10)
	if peaks == nil {
		t.Fatalf("expected peak decomposition for size 10")
	}
	var sum uint64
	for _, pk := range peaks {
		h := PosHeight(pk)
		sum += (uint64(1) << (h + 1)) - 1
	}
	if sum != 10 {
		t.Fatalf("peak sizes do not sum to mmr size: got %d want 10", sum)
	}
}

func TestPosHeightLeaves(t *testing.T) {
	for _, pos := range []uint64{1, 2, 4, 5, 8, 9, 11, 12} {
		if h := PosHeight(pos); h != 0 {
			t.Errorf("PosHeight(%d) = %d, want 0 (leaf)", pos, h)
		}
	}
	if h := PosHeight(3); h != 1 {
		t.Errorf("PosHeight(3) = %d, want 1", h)
	}
	if h := PosHeight(7); h != 2 {
		t.Errorf("PosHeight(7) = %d, want 2", h)
	}
}

func TestIsLeafMatchesPosHeight(t *testing.T) {
	for pos := uint64(1); pos < 40; pos++ {
		if IsLeaf(pos) != (PosHeight(pos) == 0) {
			t.Errorf("IsLeaf(%d) disagrees with PosHeight", pos)
		}
	}
}
