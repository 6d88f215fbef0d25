package chainstore

import (
	"bytes"
	"encoding/binary"

	bolt "go.etcd.io/bbolt"

	"github.com/mw-labs/mwnode/core"
	"github.com/mw-labs/mwnode/errors"
	"github.com/mw-labs/mwnode/hash"
)

// kv is the minimal key-value surface a Batch needs, satisfied both by a
// real *bolt.Tx and by a nested overlay batch — this is what lets
// NewBatch() nest arbitrarily deep while only the outermost Batch ever
// touches the real transaction (§4.4's nested-batch requirement).
type kv interface {
	get(bucket, key []byte) ([]byte, bool, error)
	put(bucket, key, value []byte) error
	del(bucket, key []byte) error
}

// Batch is a single-writer nested batch over the chain store. A root
// Batch wraps a real bbolt transaction; a nested Batch (from NewBatch)
// buffers writes in memory and only applies them to its parent on
// Commit, so a failed inner operation can be discarded by simply
// dropping the nested Batch without disturbing the parent's view.
type Batch struct {
	tx       *bolt.Tx // non-nil only for a root batch
	parent   kv       // non-nil only for a nested batch
	readonly bool

	writes  map[string]map[string][]byte
	deletes map[string]map[string]struct{}
	done    bool
}

func bucketStr(b []byte) string { return string(b) }

// NewBatch opens a nested batch sharing this Batch's eventual commit
// target. Nested batches compose: Commit on an inner batch folds its
// buffered writes into the outer batch's view, and only the outermost
// Commit touches disk.
func (b *Batch) NewBatch() *Batch {
	return &Batch{
		parent:  b,
		writes:  make(map[string]map[string][]byte),
		deletes: make(map[string]map[string]struct{}),
	}
}

func (b *Batch) get(bucket, key []byte) ([]byte, bool, error) {
	bs, ks := bucketStr(bucket), string(key)

	if b.deletes != nil {
		if dels, ok := b.deletes[bs]; ok {
			if _, deleted := dels[ks]; deleted {
				return nil, false, nil
			}
		}
	}
	if b.writes != nil {
		if w, ok := b.writes[bs]; ok {
			if v, ok := w[ks]; ok {
				return v, true, nil
			}
		}
	}

	if b.tx != nil {
		bkt := b.tx.Bucket(bucket)
		if bkt == nil {
			return nil, false, nil
		}
		v := bkt.Get(key)
		if v == nil {
			return nil, false, nil
		}
		cp := make([]byte, len(v))
		copy(cp, v)
		return cp, true, nil
	}

	return b.parent.get(bucket, key)
}

func (b *Batch) put(bucket, key, value []byte) error {
	if b.readonly {
		return errors.New(errors.ERR_STORE, "write attempted on a readonly batch")
	}

	if b.tx != nil {
		bkt := b.tx.Bucket(bucket)
		if bkt == nil {
			return errors.New(errors.ERR_STORE, "bucket %s missing", string(bucket))
		}
		return bkt.Put(key, value)
	}

	bs, ks := bucketStr(bucket), string(key)
	if b.writes[bs] == nil {
		b.writes[bs] = make(map[string][]byte)
	}
	b.writes[bs][ks] = value
	if dels, ok := b.deletes[bs]; ok {
		delete(dels, ks)
	}
	return nil
}

func (b *Batch) del(bucket, key []byte) error {
	if b.readonly {
		return errors.New(errors.ERR_STORE, "delete attempted on a readonly batch")
	}

	if b.tx != nil {
		bkt := b.tx.Bucket(bucket)
		if bkt == nil {
			return nil
		}
		return bkt.Delete(key)
	}

	bs, ks := bucketStr(bucket), string(key)
	if b.deletes[bs] == nil {
		b.deletes[bs] = make(map[string]struct{})
	}
	b.deletes[bs][ks] = struct{}{}
	if w, ok := b.writes[bs]; ok {
		delete(w, ks)
	}
	return nil
}

// Commit applies a nested batch's buffered writes into its parent, or
// (for a root batch) commits the underlying bbolt transaction to disk.
func (b *Batch) Commit() error {
	if b.done {
		return errors.New(errors.ERR_STORE, "batch already committed or rolled back")
	}
	b.done = true

	if b.tx != nil {
		if b.readonly {
			return b.tx.Rollback()
		}
		if err := b.tx.Commit(); err != nil {
			return errors.New(errors.ERR_STORE, "commit chainstore transaction", err)
		}
		return nil
	}

	for bs, dels := range b.deletes {
		for ks := range dels {
			if err := b.parent.del([]byte(bs), []byte(ks)); err != nil {
				return err
			}
		}
	}
	for bs, w := range b.writes {
		for ks, v := range w {
			if err := b.parent.put([]byte(bs), []byte(ks), v); err != nil {
				return err
			}
		}
	}
	return nil
}

// Rollback discards a batch's buffered writes (nested) or aborts the
// underlying transaction (root) entirely, per §4.4's "discards all MMR
// writes and drops the batch" on extension failure.
func (b *Batch) Rollback() error {
	if b.done {
		return nil
	}
	b.done = true

	if b.tx != nil {
		return b.tx.Rollback()
	}

	b.writes = nil
	b.deletes = nil
	return nil
}

// --- Headers ---

func (b *Batch) PutHeader(h *core.BlockHeader) error {
	var buf bytes.Buffer
	if err := core.EncodeHeader(&buf, h); err != nil {
		return errors.New(errors.ERR_STORE, "encode header", err)
	}
	return b.put(bucketHeaders, HashKey(h.Hash()), buf.Bytes())
}

func (b *Batch) GetHeader(hh hash.Hash) (*core.BlockHeader, bool, error) {
	v, ok, err := b.get(bucketHeaders, HashKey(hh))
	if err != nil || !ok {
		return nil, ok, err
	}
	h, err := core.DecodeHeader(bytes.NewReader(v))
	if err != nil {
		return nil, false, errors.New(errors.ERR_STORE, "decode header", err)
	}
	return h, true, nil
}

// --- Full blocks ---

func (b *Batch) PutBlock(blk *core.Block, ver core.WireVersion) error {
	var buf bytes.Buffer
	if err := core.EncodeBlock(&buf, blk, ver); err != nil {
		return errors.New(errors.ERR_STORE, "encode block", err)
	}
	return b.put(bucketBlocks, HashKey(blk.Header.Hash()), buf.Bytes())
}

func (b *Batch) GetBlock(hh hash.Hash, ver core.WireVersion) (*core.Block, bool, error) {
	v, ok, err := b.get(bucketBlocks, HashKey(hh))
	if err != nil || !ok {
		return nil, ok, err
	}
	blk, err := core.DecodeBlock(bytes.NewReader(v), ver)
	if err != nil {
		return nil, false, errors.New(errors.ERR_STORE, "decode block", err)
	}
	return blk, true, nil
}

func (b *Batch) DeleteBlock(hh hash.Hash) error {
	return b.del(bucketBlocks, HashKey(hh))
}

// --- Block sums ---

// BlockSums is the (utxo_sum, kernel_sum) pair I6 requires be present and
// consistent with the kernel offset for every stored block.
type BlockSums struct {
	UTXOSum   core.Commitment
	KernelSum core.Commitment
}

func (bs BlockSums) Bytes() []byte {
	buf := make([]byte, core.CommitmentSize*2)
	copy(buf, bs.UTXOSum[:])
	copy(buf[core.CommitmentSize:], bs.KernelSum[:])
	return buf
}

func blockSumsFromBytes(v []byte) (BlockSums, error) {
	var bs BlockSums
	if len(v) != core.CommitmentSize*2 {
		return bs, errors.New(errors.ERR_STORE, "corrupt block_sums record")
	}
	copy(bs.UTXOSum[:], v[:core.CommitmentSize])
	copy(bs.KernelSum[:], v[core.CommitmentSize:])
	return bs, nil
}

func (b *Batch) PutBlockSums(hh hash.Hash, bs BlockSums) error {
	return b.put(bucketBlockSums, HashKey(hh), bs.Bytes())
}

func (b *Batch) GetBlockSums(hh hash.Hash) (BlockSums, bool, error) {
	v, ok, err := b.get(bucketBlockSums, HashKey(hh))
	if err != nil || !ok {
		return BlockSums{}, ok, err
	}
	bs, err := blockSumsFromBytes(v)
	return bs, err == nil, err
}

// --- Spent index (ordered list of (pos, height) spent by a block) ---

type SpentEntry struct {
	Pos    uint64
	Height uint64
}

func encodeSpentIndex(entries []SpentEntry) []byte {
	buf := make([]byte, 0, len(entries)*16)
	for _, e := range entries {
		buf = binary.BigEndian.AppendUint64(buf, e.Pos)
		buf = binary.BigEndian.AppendUint64(buf, e.Height)
	}
	return buf
}

func decodeSpentIndex(v []byte) ([]SpentEntry, error) {
	if len(v)%16 != 0 {
		return nil, errors.New(errors.ERR_STORE, "corrupt spent_index record")
	}
	entries := make([]SpentEntry, 0, len(v)/16)
	for i := 0; i < len(v); i += 16 {
		entries = append(entries, SpentEntry{
			Pos:    binary.BigEndian.Uint64(v[i : i+8]),
			Height: binary.BigEndian.Uint64(v[i+8 : i+16]),
		})
	}
	return entries, nil
}

func (b *Batch) PutSpentIndex(hh hash.Hash, entries []SpentEntry) error {
	return b.put(bucketSpentIndex, HashKey(hh), encodeSpentIndex(entries))
}

func (b *Batch) GetSpentIndex(hh hash.Hash) ([]SpentEntry, bool, error) {
	v, ok, err := b.get(bucketSpentIndex, HashKey(hh))
	if err != nil || !ok {
		return nil, ok, err
	}
	entries, err := decodeSpentIndex(v)
	return entries, err == nil, err
}

func (b *Batch) DeleteSpentIndex(hh hash.Hash) error {
	return b.del(bucketSpentIndex, HashKey(hh))
}

// --- Output position index (commitment -> (pos, height)) ---

type OutputPos struct {
	Pos    uint64
	Height uint64
}

func (b *Batch) SetOutputPos(commit core.Commitment, op OutputPos) error {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], op.Pos)
	binary.BigEndian.PutUint64(buf[8:16], op.Height)
	return b.put(bucketOutputPos, commit[:], buf[:])
}

func (b *Batch) GetOutputPos(commit core.Commitment) (OutputPos, bool, error) {
	v, ok, err := b.get(bucketOutputPos, commit[:])
	if err != nil || !ok || len(v) != 16 {
		return OutputPos{}, ok && len(v) == 16, err
	}
	return OutputPos{
		Pos:    binary.BigEndian.Uint64(v[0:8]),
		Height: binary.BigEndian.Uint64(v[8:16]),
	}, true, nil
}

// ForEachOutputPos walks every persisted commitment->position entry in
// ascending commitment byte order, used at process startup to rehydrate a freshly-opened
// TxHashSet's in-memory commitment index (§3 I2) from the authoritative
// on-disk copy this bucket holds. Only meaningful on a root batch opened
// directly against the store, before any nested overlay has buffered
// writes that wouldn't yet be visible through the cursor.
func (b *Batch) ForEachOutputPos(fn func(commit core.Commitment, op OutputPos) error) error {
	if b.tx == nil {
		return errors.New(errors.ERR_STORE, "ForEachOutputPos requires a root batch")
	}
	bkt := b.tx.Bucket(bucketOutputPos)
	if bkt == nil {
		return nil
	}
	return bkt.ForEach(func(k, v []byte) error {
		if len(k) != core.CommitmentSize || len(v) != 16 {
			return errors.New(errors.ERR_STORE, "malformed output_pos entry")
		}
		var commit core.Commitment
		copy(commit[:], k)
		op := OutputPos{
			Pos:    binary.BigEndian.Uint64(v[0:8]),
			Height: binary.BigEndian.Uint64(v[8:16]),
		}
		return fn(commit, op)
	})
}

func (b *Batch) DeleteOutputPos(commit core.Commitment) error {
	return b.del(bucketOutputPos, commit[:])
}

// --- NRD recent-kernel index (excess -> stack of (pos, height)) ---

func (b *Batch) PushNRD(excess core.Commitment, entry OutputPos) error {
	stack, _, err := b.getNRDStack(excess)
	if err != nil {
		return err
	}
	stack = append(stack, entry)
	return b.putNRDStack(excess, stack)
}

// PopNRD removes the most recently pushed entry for excess (used by
// rewind to undo a block's NRD kernels in reverse order, §4.4).
func (b *Batch) PopNRD(excess core.Commitment) (OutputPos, bool, error) {
	stack, ok, err := b.getNRDStack(excess)
	if err != nil || !ok || len(stack) == 0 {
		return OutputPos{}, false, err
	}
	top := stack[len(stack)-1]
	stack = stack[:len(stack)-1]
	if len(stack) == 0 {
		return top, true, b.del(bucketNRDIndex, excess[:])
	}
	return top, true, b.putNRDStack(excess, stack)
}

// PeekNRD returns the most recently pushed entry for excess without
// popping it, used by the relative-height admission check (§4.7 I7).
func (b *Batch) PeekNRD(excess core.Commitment) (OutputPos, bool, error) {
	stack, ok, err := b.getNRDStack(excess)
	if err != nil || !ok || len(stack) == 0 {
		return OutputPos{}, false, err
	}
	return stack[len(stack)-1], true, nil
}

func (b *Batch) getNRDStack(excess core.Commitment) ([]OutputPos, bool, error) {
	v, ok, err := b.get(bucketNRDIndex, excess[:])
	if err != nil || !ok {
		return nil, ok, err
	}
	if len(v)%16 != 0 {
		return nil, false, errors.New(errors.ERR_STORE, "corrupt nrd_index record")
	}
	stack := make([]OutputPos, 0, len(v)/16)
	for i := 0; i < len(v); i += 16 {
		stack = append(stack, OutputPos{
			Pos:    binary.BigEndian.Uint64(v[i : i+8]),
			Height: binary.BigEndian.Uint64(v[i+8 : i+16]),
		})
	}
	return stack, true, nil
}

func (b *Batch) putNRDStack(excess core.Commitment, stack []OutputPos) error {
	buf := make([]byte, 0, len(stack)*16)
	for _, e := range stack {
		buf = binary.BigEndian.AppendUint64(buf, e.Pos)
		buf = binary.BigEndian.AppendUint64(buf, e.Height)
	}
	return b.put(bucketNRDIndex, excess[:], buf)
}

// --- Meta: head / header_head / body_tail / pibd_head ---

func (b *Batch) SetHead(hh hash.Hash) error       { return b.put(bucketMeta, keyHead, HashKey(hh)) }
func (b *Batch) SetHeaderHead(hh hash.Hash) error { return b.put(bucketMeta, keyHeaderHead, HashKey(hh)) }
func (b *Batch) SetBodyTail(hh hash.Hash) error   { return b.put(bucketMeta, keyBodyTail, HashKey(hh)) }
func (b *Batch) SetPIBDHead(hh hash.Hash) error   { return b.put(bucketMeta, keyPIBDHead, HashKey(hh)) }

func (b *Batch) getMetaHash(key []byte) (hash.Hash, bool, error) {
	v, ok, err := b.get(bucketMeta, key)
	if err != nil || !ok {
		return hash.Hash{}, ok, err
	}
	h, valid := hash.FromBytes(v)
	if !valid {
		return hash.Hash{}, false, errors.New(errors.ERR_STORE, "corrupt meta hash record")
	}
	return h, true, nil
}

func (b *Batch) Head() (hash.Hash, bool, error)       { return b.getMetaHash(keyHead) }
func (b *Batch) HeaderHead() (hash.Hash, bool, error) { return b.getMetaHash(keyHeaderHead) }
func (b *Batch) BodyTail() (hash.Hash, bool, error)   { return b.getMetaHash(keyBodyTail) }
func (b *Batch) PIBDHead() (hash.Hash, bool, error)   { return b.getMetaHash(keyPIBDHead) }
