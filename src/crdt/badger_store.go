package crdt

import (
	"fmt"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/sirupsen/logrus"
)

const recordPrefix = "record"

// BadgerStore is a write-through persistent layer over the in-memory Store.
// Reads are served from memory; every applied record is also written to disk
// so a node restarts with its replica intact.
type BadgerStore struct {
	*Store

	db   *badger.DB
	path string
}

// NewBadgerStore opens (or creates) the database at path and loads any
// existing records into a fresh in-memory store.
func NewBadgerStore(nodeID string, path string, logger *logrus.Entry) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	opts.SyncWrites = false

	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	store := &BadgerStore{
		Store: NewStore(nodeID, logger),
		db:    handle,
		path:  path,
	}

	if err := store.load(); err != nil {
		handle.Close()
		return nil, err
	}

	return store, nil
}

func recordKey(key string) []byte {
	return []byte(fmt.Sprintf("%s_%s", recordPrefix, key))
}

func (s *BadgerStore) load() error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(recordPrefix + "_")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}

			record := new(Record)
			if err := record.Unmarshal(val); err != nil {
				return err
			}

			s.Store.records[record.Key] = record
		}

		return nil
	})
}

func (s *BadgerStore) persist(record *Record) error {
	val, err := record.Marshal()
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(record.Key), val)
	})
}

// Write stores a new local version and persists it.
func (s *BadgerStore) Write(key string, value []byte) (*Record, error) {
	record, err := s.Store.Write(key, value)
	if err != nil {
		return nil, err
	}

	return record, s.persist(record)
}

// Delete writes a tombstone and persists it.
func (s *BadgerStore) Delete(key string) (*Record, error) {
	record, err := s.Store.Delete(key)
	if err != nil {
		return nil, err
	}

	return record, s.persist(record)
}

// Merge applies a remote record and persists the resulting version when it
// changed the stored state.
func (s *BadgerStore) Merge(incoming *Record) (bool, error) {
	applied, err := s.Store.Merge(incoming)
	if err != nil {
		return applied, err
	}

	// The stored record may differ from the incoming one when a concurrent
	// resolution merged clocks, so persist what the store actually holds.
	if stored, ok := s.Store.Get(incoming.Key); ok {
		if err := s.persist(stored); err != nil {
			return applied, err
		}
	}

	return applied, nil
}

// GCTombstones collects expired tombstones from memory and disk.
func (s *BadgerStore) GCTombstones(retention time.Duration) int {
	s.Store.Lock()

	cutoff := time.Now().Add(-retention).UnixNano()
	expired := []string{}
	for key, record := range s.Store.records {
		if record.Tombstone && record.WallClockHint < cutoff {
			delete(s.Store.records, key)
			expired = append(expired, key)
		}
	}

	s.Store.Unlock()

	for _, key := range expired {
		err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(recordKey(key))
		})
		if err != nil {
			s.logger.WithError(err).WithField("key", key).Error("deleting tombstone")
		}
	}

	return len(expired)
}

// Close releases the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
