package crdt

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrKeyNotFound is returned when reading a missing or deleted key.
	ErrKeyNotFound = errors.New("key not found")
)

// Store is the conflict-free replicated key/value store. Applying the same set
// of records in any order, any number of times, yields the same visible state:
// the merge is commutative, associative, and idempotent.
//
// Writes across different keys proceed concurrently; only the application of
// a single record is a critical section.
type Store struct {
	sync.RWMutex

	nodeID  string
	records map[string]*Record
	logger  *logrus.Entry
}

// NewStore creates an empty Store owned by the given node.
func NewStore(nodeID string, logger *logrus.Entry) *Store {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	return &Store{
		nodeID:  nodeID,
		records: make(map[string]*Record),
		logger:  logger.WithField("prefix", "crdt"),
	}
}

// Write stores a new version of key locally and returns the record to be
// disseminated. The new clock derives from the key's current clock with this
// node's counter incremented.
func (s *Store) Write(key string, value []byte) (*Record, error) {
	s.Lock()
	defer s.Unlock()

	clock := NewVectorClock()
	if current, ok := s.records[key]; ok {
		clock = current.Clock.Copy()
	}
	clock.Increment(s.nodeID)

	record := &Record{
		Key:           key,
		Value:         value,
		Clock:         clock,
		Origin:        s.nodeID,
		WallClockHint: time.Now().UnixNano(),
	}

	s.records[key] = record

	return record, nil
}

// Delete writes a tombstone for key. The tombstone propagates like any other
// record so a late-arriving stale write cannot resurrect the key.
func (s *Store) Delete(key string) (*Record, error) {
	s.Lock()
	defer s.Unlock()

	clock := NewVectorClock()
	if current, ok := s.records[key]; ok {
		clock = current.Clock.Copy()
	}
	clock.Increment(s.nodeID)

	record := &Record{
		Key:           key,
		Tombstone:     true,
		Clock:         clock,
		Origin:        s.nodeID,
		WallClockHint: time.Now().UnixNano(),
	}

	s.records[key] = record

	return record, nil
}

// Read returns the visible value for key. Tombstoned keys read as not found.
func (s *Store) Read(key string) ([]byte, error) {
	s.RLock()
	defer s.RUnlock()

	record, ok := s.records[key]
	if !ok || record.Tombstone {
		return nil, ErrKeyNotFound
	}

	return record.Value, nil
}

// Merge applies a record received from a remote node and reports whether it
// changed the visible state. Conflict between concurrent writes is not an
// error: it resolves deterministically through the (wall_clock_hint, origin)
// tie-break and the merged pointwise-max clock.
func (s *Store) Merge(incoming *Record) (bool, error) {
	s.Lock()
	defer s.Unlock()

	current, ok := s.records[incoming.Key]
	if !ok {
		s.records[incoming.Key] = incoming
		return true, nil
	}

	switch incoming.Clock.Compare(current.Clock) {
	case Before, Equal:
		// stale or already applied
		return false, nil
	case After:
		s.records[incoming.Key] = incoming
		return true, nil
	}

	// Concurrent: keep the tie-break winner, but store the merged clock so
	// the resolution dominates both versions at any future comparer.
	merged := current.Clock.Merge(incoming.Clock)

	winner := current
	applied := false
	if incoming.supersedes(current) {
		winner = incoming
		applied = true
	}

	resolved := *winner
	resolved.Clock = merged
	s.records[incoming.Key] = &resolved

	s.logger.WithFields(logrus.Fields{
		"key":    incoming.Key,
		"winner": winner.Origin,
	}).Debug("resolved concurrent write")

	return applied, nil
}

// Get returns the full record for key, tombstones included.
func (s *Store) Get(key string) (*Record, bool) {
	s.RLock()
	defer s.RUnlock()

	record, ok := s.records[key]
	return record, ok
}

// Digest returns a key to clock summary of the full key space, tombstones
// included. It is exchanged during anti-entropy rounds instead of full
// payloads.
func (s *Store) Digest() map[string]VectorClock {
	s.RLock()
	defer s.RUnlock()

	res := make(map[string]VectorClock, len(s.records))
	for key, record := range s.records {
		res[key] = record.Clock.Copy()
	}

	return res
}

// Diff returns the records the remote party is missing or stale on, according
// to its digest.
func (s *Store) Diff(remote map[string]VectorClock) []*Record {
	s.RLock()
	defer s.RUnlock()

	res := []*Record{}
	for key, record := range s.records {
		remoteClock, ok := remote[key]
		if !ok {
			res = append(res, record)
			continue
		}
		switch record.Clock.Compare(remoteClock) {
		case After, Concurrent:
			res = append(res, record)
		}
	}

	return res
}

// GCTombstones removes tombstones older than the retention window, during
// which all live peers are assumed to have observed them. It returns the
// number of keys collected.
func (s *Store) GCTombstones(retention time.Duration) int {
	s.Lock()
	defer s.Unlock()

	cutoff := time.Now().Add(-retention).UnixNano()

	collected := 0
	for key, record := range s.records {
		if record.Tombstone && record.WallClockHint < cutoff {
			delete(s.records, key)
			collected++
		}
	}

	if collected > 0 {
		s.logger.WithField("collected", collected).Debug("tombstone GC")
	}

	return collected
}

// Keys returns all keys, tombstoned ones included.
func (s *Store) Keys() []string {
	s.RLock()
	defer s.RUnlock()

	res := make([]string, 0, len(s.records))
	for key := range s.records {
		res = append(res, key)
	}
	return res
}

// Len returns the number of stored records, tombstones included.
func (s *Store) Len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.records)
}
