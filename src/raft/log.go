package raft

import (
	"bytes"
	"errors"
	"sync"

	"github.com/ugorji/go/codec"
)

var (
	// ErrEntryNotFound is returned when a log index is not in the store.
	ErrEntryNotFound = errors.New("log entry not found")
)

// Entry is a single command in the replicated log. An entry is visible to the
// state machine only after a majority of voting members have durably persisted
// it.
type Entry struct {
	Index   uint64 `json:"index"`
	Term    uint64 `json:"term"`
	Command []byte `json:"command"`
}

// Marshal returns the canonical wire encoding of the entry.
func (e *Entry) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(e); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal parses a wire-encoded entry.
func (e *Entry) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	return dec.Decode(e)
}

// HardState is the durable per-node consensus state. It must be persisted
// before responding to any RPC that changes it.
type HardState struct {
	CurrentTerm uint64 `json:"current_term"`
	VotedFor    string `json:"voted_for"`
}

// LogStore provides durable storage for the log and hard state.
type LogStore interface {
	FirstIndex() (uint64, error)
	LastIndex() (uint64, error)
	GetEntry(index uint64) (*Entry, error)
	StoreEntries(entries []*Entry) error

	// DeleteRange removes entries in [min, max] inclusive. It is used to
	// truncate conflicting suffixes.
	DeleteRange(min, max uint64) error

	GetHardState() (*HardState, error)
	SetHardState(hs *HardState) error

	Close() error
}

// InmemLogStore implements LogStore in memory, for tests and for nodes that
// do not enable persistence.
type InmemLogStore struct {
	l         sync.RWMutex
	entries   map[uint64]*Entry
	lowIndex  uint64
	highIndex uint64
	hardState HardState
}

// NewInmemLogStore creates an empty in-memory log store.
func NewInmemLogStore() *InmemLogStore {
	return &InmemLogStore{
		entries: make(map[uint64]*Entry),
	}
}

// FirstIndex implements LogStore.
func (s *InmemLogStore) FirstIndex() (uint64, error) {
	s.l.RLock()
	defer s.l.RUnlock()
	return s.lowIndex, nil
}

// LastIndex implements LogStore.
func (s *InmemLogStore) LastIndex() (uint64, error) {
	s.l.RLock()
	defer s.l.RUnlock()
	return s.highIndex, nil
}

// GetEntry implements LogStore.
func (s *InmemLogStore) GetEntry(index uint64) (*Entry, error) {
	s.l.RLock()
	defer s.l.RUnlock()

	entry, ok := s.entries[index]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return entry, nil
}

// StoreEntries implements LogStore.
func (s *InmemLogStore) StoreEntries(entries []*Entry) error {
	s.l.Lock()
	defer s.l.Unlock()

	for _, entry := range entries {
		s.entries[entry.Index] = entry
		if s.lowIndex == 0 || entry.Index < s.lowIndex {
			s.lowIndex = entry.Index
		}
		if entry.Index > s.highIndex {
			s.highIndex = entry.Index
		}
	}
	return nil
}

// DeleteRange implements LogStore.
func (s *InmemLogStore) DeleteRange(min, max uint64) error {
	s.l.Lock()
	defer s.l.Unlock()

	for i := min; i <= max; i++ {
		delete(s.entries, i)
	}
	if min <= s.lowIndex {
		s.lowIndex = max + 1
	}
	if max >= s.highIndex {
		s.highIndex = min - 1
	}
	if len(s.entries) == 0 {
		s.lowIndex = 0
		s.highIndex = 0
	}
	return nil
}

// GetHardState implements LogStore.
func (s *InmemLogStore) GetHardState() (*HardState, error) {
	s.l.RLock()
	defer s.l.RUnlock()

	hs := s.hardState
	return &hs, nil
}

// SetHardState implements LogStore.
func (s *InmemLogStore) SetHardState(hs *HardState) error {
	s.l.Lock()
	defer s.l.Unlock()

	s.hardState = *hs
	return nil
}

// Close implements LogStore.
func (s *InmemLogStore) Close() error {
	return nil
}
