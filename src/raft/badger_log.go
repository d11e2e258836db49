package raft

import (
	"bytes"
	"fmt"

	"github.com/dgraph-io/badger"
	"github.com/ugorji/go/codec"
)

const (
	entryPrefix  = "entry"
	hardStateKey = "hardstate"
)

// BadgerLogStore implements LogStore on top of a Badger database. A node with
// a corrupted log database must not vote, so any decoding failure during open
// is fatal and surfaces to the caller.
type BadgerLogStore struct {
	db   *badger.DB
	path string
}

// NewBadgerLogStore opens (or creates) the log database at path and verifies
// that the stored entries decode cleanly.
func NewBadgerLogStore(path string) (*BadgerLogStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	opts.SyncWrites = true

	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	store := &BadgerLogStore{
		db:   handle,
		path: path,
	}

	if err := store.verify(); err != nil {
		handle.Close()
		return nil, fmt.Errorf("corrupted raft log: %w", err)
	}

	return store, nil
}

func entryKey(index uint64) []byte {
	return []byte(fmt.Sprintf("%s_%020d", entryPrefix, index))
}

// verify decodes every stored entry once, so corruption is detected at
// startup rather than mid-election.
func (s *BadgerLogStore) verify() error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(entryPrefix + "_")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			entry := new(Entry)
			if err := entry.Unmarshal(val); err != nil {
				return err
			}
		}
		return nil
	})
}

// FirstIndex implements LogStore.
func (s *BadgerLogStore) FirstIndex() (uint64, error) {
	var first uint64
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(entryPrefix + "_")
		it.Seek(prefix)
		if !it.ValidForPrefix(prefix) {
			return nil
		}

		val, err := it.Item().ValueCopy(nil)
		if err != nil {
			return err
		}
		entry := new(Entry)
		if err := entry.Unmarshal(val); err != nil {
			return err
		}
		first = entry.Index
		return nil
	})
	return first, err
}

// LastIndex implements LogStore.
func (s *BadgerLogStore) LastIndex() (uint64, error) {
	var last uint64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(entryPrefix + "_")
		// seek to the end of the prefix range
		it.Seek(append(prefix, 0xFF))
		if !it.ValidForPrefix(prefix) {
			return nil
		}

		val, err := it.Item().ValueCopy(nil)
		if err != nil {
			return err
		}
		entry := new(Entry)
		if err := entry.Unmarshal(val); err != nil {
			return err
		}
		last = entry.Index
		return nil
	})
	return last, err
}

// GetEntry implements LogStore.
func (s *BadgerLogStore) GetEntry(index uint64) (*Entry, error) {
	entry := new(Entry)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(index))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return entry.Unmarshal(val)
	})
	if err == badger.ErrKeyNotFound {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// StoreEntries implements LogStore.
func (s *BadgerLogStore) StoreEntries(entries []*Entry) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, entry := range entries {
			val, err := entry.Marshal()
			if err != nil {
				return err
			}
			if err := txn.Set(entryKey(entry.Index), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteRange implements LogStore.
func (s *BadgerLogStore) DeleteRange(min, max uint64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for i := min; i <= max; i++ {
			if err := txn.Delete(entryKey(i)); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetHardState implements LogStore.
func (s *BadgerLogStore) GetHardState() (*HardState, error) {
	hs := new(HardState)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(hardStateKey))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}

		b := bytes.NewBuffer(val)
		jh := new(codec.JsonHandle)
		jh.Canonical = true
		return codec.NewDecoder(b, jh).Decode(hs)
	})
	if err == badger.ErrKeyNotFound {
		return &HardState{}, nil
	}
	if err != nil {
		return nil, err
	}
	return hs, nil
}

// SetHardState implements LogStore. SyncWrites is enabled on the database so
// the state is durable before the update returns.
func (s *BadgerLogStore) SetHardState(hs *HardState) error {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	if err := codec.NewEncoder(b, jh).Encode(hs); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(hardStateKey), b.Bytes())
	})
}

// Close flushes and releases the underlying database.
func (s *BadgerLogStore) Close() error {
	return s.db.Close()
}
