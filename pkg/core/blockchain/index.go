package blockchain

import (
	"encoding/binary"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/BushidoLab/electrum/pkg/core/types"
)

// indexKeyPrefix namespaces identity-hash keys inside the badger store.
const indexKeyPrefix = "header:hash:"

// HeaderIndex is a persistent identity-hash -> height index over every
// accepted header, backed by BadgerDB. It survives restarts and lets
// duplicate detection skip the sequential file scans for never-seen hashes.
type HeaderIndex struct {
	db *badger.DB
}

// NewHeaderIndex creates or opens the index at the given path. An empty path
// opens an in-memory index (for testing).
func NewHeaderIndex(path string) (*HeaderIndex, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	// Reduce logging noise
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &HeaderIndex{db: db}, nil
}

func (ix *HeaderIndex) Close() error {
	return ix.db.Close()
}

func indexKey(hash types.Hash) []byte {
	return []byte(fmt.Sprintf("%s%x", indexKeyPrefix, hash))
}

// Put records the height at which a header hash was accepted.
func (ix *HeaderIndex) Put(hash types.Hash, height int64) error {
	return ix.db.Update(func(txn *badger.Txn) error {
		var val [8]byte
		binary.BigEndian.PutUint64(val[:], uint64(height))
		return txn.Set(indexKey(hash), val[:])
	})
}

// Height returns the recorded height for a header hash. The second return
// value reports whether the hash is known at all.
func (ix *HeaderIndex) Height(hash types.Hash) (int64, bool, error) {
	var height int64
	err := ix.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(indexKey(hash))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			height = int64(binary.BigEndian.Uint64(val))
			return nil
		})
	})
	if err == badger.ErrKeyNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return height, true, nil
}

// IsEmpty reports whether the index holds no entries yet.
func (ix *HeaderIndex) IsEmpty() (bool, error) {
	empty := true
	err := ix.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			Prefix:         []byte(indexKeyPrefix),
			PrefetchValues: false,
		})
		defer it.Close()
		it.Rewind()
		empty = !it.Valid()
		return nil
	})
	return empty, err
}

// IndexBatch accumulates index writes for a whole chunk or rebuild.
type IndexBatch struct {
	wb *badger.WriteBatch
}

// NewBatch starts a write batch.
func (ix *HeaderIndex) NewBatch() *IndexBatch {
	return &IndexBatch{wb: ix.db.NewWriteBatch()}
}

func (b *IndexBatch) Put(hash types.Hash, height int64) error {
	var val [8]byte
	binary.BigEndian.PutUint64(val[:], uint64(height))
	return b.wb.Set(indexKey(hash), val[:])
}

func (b *IndexBatch) Flush() error {
	return b.wb.Flush()
}

func (b *IndexBatch) Cancel() {
	b.wb.Cancel()
}
