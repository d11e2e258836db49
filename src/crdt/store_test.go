package crdt

import (
	"fmt"
	"testing"
	"time"

	"github.com/memorymesh/memorymesh/src/common"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, nodeID string) *Store {
	return NewStore(nodeID, common.NewTestEntry(t))
}

func TestStoreWriteRead(t *testing.T) {
	store := testStore(t, "n1")

	record, err := store.Write("c:1", []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), record.Clock["n1"])

	val, err := store.Read("c:1")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), val)

	_, err = store.Read("missing")
	require.Equal(t, ErrKeyNotFound, err)
}

func TestStoreWriteDerivesClock(t *testing.T) {
	store := testStore(t, "n1")

	remote := &Record{
		Key:    "k",
		Value:  []byte("v0"),
		Clock:  VectorClock{"n2": 4},
		Origin: "n2",
	}
	applied, err := store.Merge(remote)
	require.NoError(t, err)
	require.True(t, applied)

	record, err := store.Write("k", []byte("v1"))
	require.NoError(t, err)
	require.Equal(t, uint64(4), record.Clock["n2"])
	require.Equal(t, uint64(1), record.Clock["n1"])
	require.True(t, record.Clock.Dominates(remote.Clock))
}

func TestStoreMergeStale(t *testing.T) {
	store := testStore(t, "n1")

	store.Merge(&Record{Key: "k", Value: []byte("new"), Clock: VectorClock{"n2": 2}, Origin: "n2"})

	applied, err := store.Merge(&Record{Key: "k", Value: []byte("old"), Clock: VectorClock{"n2": 1}, Origin: "n2"})
	require.NoError(t, err)
	require.False(t, applied)

	val, _ := store.Read("k")
	require.Equal(t, []byte("new"), val)
}

// Concurrent writers resolve to the same winner on every node, and the stored
// clock is the pointwise max of both, so the resolution dominates any future
// comparison.
func TestStoreConcurrentTieBreak(t *testing.T) {
	recA := &Record{
		Key:           "c:42",
		Value:         []byte("A"),
		Clock:         VectorClock{"n1": 1},
		Origin:        "n1",
		WallClockHint: 100,
	}
	recB := &Record{
		Key:           "c:42",
		Value:         []byte("B"),
		Clock:         VectorClock{"n2": 1},
		Origin:        "n2",
		WallClockHint: 200,
	}

	store1 := testStore(t, "n1")
	store1.Merge(recA)
	store1.Merge(recB)

	store2 := testStore(t, "n2")
	store2.Merge(recB)
	store2.Merge(recA)

	// Higher wall clock hint wins on both nodes regardless of arrival order.
	val1, err := store1.Read("c:42")
	require.NoError(t, err)
	val2, err := store2.Read("c:42")
	require.NoError(t, err)
	require.Equal(t, []byte("B"), val1)
	require.Equal(t, val1, val2)

	stored1, _ := store1.Get("c:42")
	stored2, _ := store2.Get("c:42")
	expected := VectorClock{"n1": 1, "n2": 1}
	require.Equal(t, expected, stored1.Clock)
	require.Equal(t, expected, stored2.Clock)
}

func TestStoreConcurrentTieBreakOnOrigin(t *testing.T) {
	recA := &Record{Key: "k", Value: []byte("A"), Clock: VectorClock{"n1": 1}, Origin: "n1", WallClockHint: 100}
	recB := &Record{Key: "k", Value: []byte("B"), Clock: VectorClock{"n2": 1}, Origin: "n2", WallClockHint: 100}

	store := testStore(t, "n3")
	store.Merge(recA)
	store.Merge(recB)

	// Same hint: lexicographically higher origin wins.
	val, err := store.Read("k")
	require.NoError(t, err)
	require.Equal(t, []byte("B"), val)
}

// Applying the same set of records in any order, any number of times, yields
// the same visible state.
func TestStoreConvergencePermutations(t *testing.T) {
	records := []*Record{
		{Key: "k", Value: []byte("v1"), Clock: VectorClock{"n1": 1}, Origin: "n1", WallClockHint: 10},
		{Key: "k", Value: []byte("v2"), Clock: VectorClock{"n1": 1, "n2": 1}, Origin: "n2", WallClockHint: 20},
		{Key: "k", Value: []byte("v3"), Clock: VectorClock{"n1": 2}, Origin: "n1", WallClockHint: 30},
		{Key: "k", Value: []byte("v4"), Clock: VectorClock{"n3": 1}, Origin: "n3", WallClockHint: 5},
	}

	permutations := [][]int{
		{0, 1, 2, 3},
		{3, 2, 1, 0},
		{1, 3, 0, 2},
		{2, 0, 3, 1},
		// duplicates must be idempotent
		{0, 0, 1, 1, 2, 2, 3, 3, 0, 2},
	}

	var reference *Record

	for i, perm := range permutations {
		store := testStore(t, fmt.Sprintf("observer%d", i))
		for _, idx := range perm {
			// Merge may retain the incoming pointer; hand each store its own
			// copy like the wire codec would.
			rec := *records[idx]
			rec.Clock = records[idx].Clock.Copy()
			_, err := store.Merge(&rec)
			require.NoError(t, err)
		}

		stored, ok := store.Get("k")
		require.True(t, ok)

		if reference == nil {
			reference = stored
			continue
		}
		require.Equal(t, reference.Value, stored.Value)
		require.Equal(t, reference.Clock, stored.Clock)
	}
}

func TestStoreTombstoneBlocksResurrection(t *testing.T) {
	store := testStore(t, "n1")

	store.Merge(&Record{Key: "k", Value: []byte("v"), Clock: VectorClock{"n2": 1}, Origin: "n2", WallClockHint: 10})

	tomb, err := store.Delete("k")
	require.NoError(t, err)
	require.True(t, tomb.Tombstone)

	_, err = store.Read("k")
	require.Equal(t, ErrKeyNotFound, err)

	// A stale write from before the deletion must not resurrect the key.
	applied, err := store.Merge(&Record{Key: "k", Value: []byte("stale"), Clock: VectorClock{"n2": 1}, Origin: "n2", WallClockHint: 10})
	require.NoError(t, err)
	require.False(t, applied)

	_, err = store.Read("k")
	require.Equal(t, ErrKeyNotFound, err)
}

func TestStoreTombstoneGC(t *testing.T) {
	store := testStore(t, "n1")

	store.Write("keep", []byte("v"))
	store.Delete("gone")

	// Age the tombstone past the retention window.
	rec, ok := store.Get("gone")
	require.True(t, ok)
	rec.WallClockHint = time.Now().Add(-time.Hour).UnixNano()

	collected := store.GCTombstones(time.Minute)
	require.Equal(t, 1, collected)
	require.Equal(t, 1, store.Len())
}

func TestStoreDigestAndDiff(t *testing.T) {
	store1 := testStore(t, "n1")
	store2 := testStore(t, "n2")

	store1.Write("a", []byte("1"))
	store1.Write("b", []byte("2"))
	store2.Write("c", []byte("3"))

	// store1 is ahead on a and b, store2 on c.
	diff1 := store1.Diff(store2.Digest())
	require.Len(t, diff1, 2)

	diff2 := store2.Diff(store1.Digest())
	require.Len(t, diff2, 1)
	require.Equal(t, "c", diff2[0].Key)

	// Exchange both ways; stores converge and diffs drain.
	for _, rec := range diff1 {
		store2.Merge(rec)
	}
	for _, rec := range diff2 {
		store1.Merge(rec)
	}

	require.Empty(t, store1.Diff(store2.Digest()))
	require.Empty(t, store2.Diff(store1.Digest()))
}
