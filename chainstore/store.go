// Package chainstore implements C4: a key-value store of headers, full
// blocks, block-sums, spent-index, output-pos index and the NRD
// recent-kernel index, with a nested-batch abstraction so a chain
// extension and its enclosing header extension can share one
// atomically-committed batch (§4.4 "extending... runs f; ...syncs all MMR
// backends to disk and commits the batch").
package chainstore

import (
	"encoding/binary"

	bolt "go.etcd.io/bbolt"

	"github.com/mw-labs/mwnode/errors"
	"github.com/mw-labs/mwnode/hash"
	"github.com/mw-labs/mwnode/ulogger"
)

var (
	bucketHeaders     = []byte("headers")
	bucketBlocks      = []byte("blocks")
	bucketBlockSums   = []byte("block_sums")
	bucketSpentIndex  = []byte("spent_index")
	bucketOutputPos   = []byte("output_pos")
	bucketNRDIndex    = []byte("nrd_index")
	bucketMeta        = []byte("meta")

	allBuckets = [][]byte{
		bucketHeaders, bucketBlocks, bucketBlockSums,
		bucketSpentIndex, bucketOutputPos, bucketNRDIndex, bucketMeta,
	}

	keyHead       = []byte("head")
	keyHeaderHead = []byte("header_head")
	keyBodyTail   = []byte("body_tail")
	keyPIBDHead   = []byte("pibd_head")
)

// Store is the bbolt-backed key-value database of C4, following the
// teacher's `New(logger, path) (Store, error)` on-disk-store constructor
// convention (`stores/blob/file`).
type Store struct {
	logger ulogger.Logger
	db     *bolt.DB
}

// New opens (creating if absent) a chainstore database at path.
func New(logger ulogger.Logger, path string) (*Store, error) {
	db, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, errors.New(errors.ERR_STORE, "open chainstore db at %s", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.New(errors.ERR_STORE, "init chainstore buckets", err)
	}

	return &Store{logger: logger, db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Begin opens a new writable root Batch backed by a real bbolt
// transaction. NewBatch() may be called on the result to open further
// nested batches sharing the same underlying transaction (§5 "the chain
// store exposes a single-writer batch abstraction").
func (s *Store) Begin() (*Batch, error) {
	tx, err := s.db.Begin(true)
	if err != nil {
		return nil, errors.New(errors.ERR_STORE, "begin chainstore transaction", err)
	}
	return &Batch{tx: tx, parent: nil}, nil
}

// View opens a read-only Batch for queries that don't need to mutate
// state (validation, PIBD snapshot building).
func (s *Store) View() (*Batch, error) {
	tx, err := s.db.Begin(false)
	if err != nil {
		return nil, errors.New(errors.ERR_STORE, "begin chainstore read transaction", err)
	}
	return &Batch{tx: tx, parent: nil, readonly: true}, nil
}

func uint64Key(h uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], h)
	return b[:]
}

// HashKey is the canonical bucket key for any header-hash-indexed record.
func HashKey(h hash.Hash) []byte {
	return h[:]
}
