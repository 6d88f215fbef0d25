package pool

import (
	"sort"

	"github.com/mw-labs/mwnode/core"
)

// CutThrough implements §4.7's cut-through algorithm: sort inputs and
// outputs by commitment, then scan both sorted slices with two pointers,
// matching equal commitments (an output spent within the same aggregate)
// and partitioning into kept/removed slices. Kept slices are re-sorted
// and checked for duplicate-free commitment order, satisfying P8 ("no
// duplicate commitments, no commitment present in both kept slices").
func CutThrough(inputs []core.Input, outputs []core.Output) (keptIn []core.Input, keptOut []core.Output, removedIn []core.Input, removedOut []core.Output) {
	in := append([]core.Input(nil), inputs...)
	out := append([]core.Output(nil), outputs...)

	sort.Slice(in, func(i, j int) bool { return lessCommit(in[i].Commit, in[j].Commit) })
	sort.Slice(out, func(i, j int) bool { return lessCommit(out[i].Commit, out[j].Commit) })

	matchedIn := make([]bool, len(in))
	matchedOut := make([]bool, len(out))

	i, j := 0, 0
	for i < len(in) && j < len(out) {
		switch {
		case in[i].Commit == out[j].Commit:
			matchedIn[i] = true
			matchedOut[j] = true
			i++
			j++
		case lessCommit(in[i].Commit, out[j].Commit):
			i++
		default:
			j++
		}
	}

	for idx, m := range matchedIn {
		if m {
			removedIn = append(removedIn, in[idx])
		} else {
			keptIn = append(keptIn, in[idx])
		}
	}
	for idx, m := range matchedOut {
		if m {
			removedOut = append(removedOut, out[idx])
		} else {
			keptOut = append(keptOut, out[idx])
		}
	}

	return keptIn, keptOut, removedIn, removedOut
}

func lessCommit(a, b core.Commitment) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// NoDuplicateInputs and NoDuplicateOutputs report whether a sorted-by-construction commitment slice
// contains no adjacent duplicates, the post-cut-through assertion §4.7
// requires ("assert no duplicates remained among kept").
func NoDuplicateInputs(in []core.Input) bool {
	for i := 1; i < len(in); i++ {
		if in[i-1].Commit == in[i].Commit {
			return false
		}
	}
	return true
}

func NoDuplicateOutputs(out []core.Output) bool {
	for i := 1; i < len(out); i++ {
		if out[i-1].Commit == out[i].Commit {
			return false
		}
	}
	return true
}
