// Package metastore provides the durable key-value back-end the scheduler
// uses to persist its snapshot of sector metadata. The default
// implementation wraps go.etcd.io/bbolt: every Put runs inside a single
// read-write transaction and returns only after Tx.Commit has fsync'd the
// file, which is what lets the scheduler promise its callers
// persist-before-acknowledge durability.
package metastore

import (
	"golang.org/x/xerrors"

	bolt "go.etcd.io/bbolt"
)

// Store is the durable key->blob backing store the scheduler reads at
// startup and writes to after every state-mutating step. Implementations
// must be safe for concurrent use by multiple goroutines.
type Store interface {
	// Get returns the value stored under key, or ok == false if no such key
	// exists. The returned slice is the caller's to keep; it is never aliased
	// to implementation-internal memory.
	Get(key []byte) (value []byte, ok bool, err error)

	// Put durably stores value under key, replacing any prior value. Put
	// returns only once the write is guaranteed to survive a crash.
	Put(key, value []byte) error

	// Close releases any resources held by the store.
	Close() error
}

var sectorsBucket = []byte("sectors")

// BoltStore is the default Store, backed by a single bbolt database file
// with one bucket ("sectors") holding every builder's snapshot, keyed by its
// 31-byte prover id.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (creating if absent) a bbolt database at path and
// ensures the sectors bucket exists.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, xerrors.Errorf("metastore: opening %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sectorsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, xerrors.Errorf("metastore: creating bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Get implements Store.
func (s *BoltStore) Get(key []byte) ([]byte, bool, error) {
	var value []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(sectorsBucket)
		v := b.Get(key)
		if v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, xerrors.Errorf("metastore: get: %w", err)
	}

	return value, value != nil, nil
}

// Put implements Store. It returns only after bbolt's commit has synced the
// write to disk.
func (s *BoltStore) Put(key, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sectorsBucket)
		return b.Put(key, value)
	})
	if err != nil {
		return xerrors.Errorf("metastore: put: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
