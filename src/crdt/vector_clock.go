package crdt

// VectorClock maps origin node IDs to monotonic counters. It is used to detect
// causal ordering versus concurrency between two versions of a record.
type VectorClock map[string]uint64

// Ordering is the result of comparing two vector clocks.
type Ordering int

const (
	// Equal means both clocks carry identical counters.
	Equal Ordering = iota
	// Before means the receiver is dominated by the other clock.
	Before
	// After means the receiver dominates the other clock.
	After
	// Concurrent means neither clock dominates the other.
	Concurrent
)

// String ...
func (o Ordering) String() string {
	switch o {
	case Equal:
		return "Equal"
	case Before:
		return "Before"
	case After:
		return "After"
	case Concurrent:
		return "Concurrent"
	default:
		return "Unknown"
	}
}

// NewVectorClock returns an empty clock.
func NewVectorClock() VectorClock {
	return make(VectorClock)
}

// Copy returns a deep copy of the clock.
func (vc VectorClock) Copy() VectorClock {
	res := make(VectorClock, len(vc))
	for id, c := range vc {
		res[id] = c
	}
	return res
}

// Increment bumps the counter of the given origin and returns the clock.
func (vc VectorClock) Increment(nodeID string) VectorClock {
	vc[nodeID]++
	return vc
}

// Merge returns the pointwise max of both clocks. The result dominates (or
// equals) each input, which is what makes conflict resolution itself
// propagate consistently.
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	res := vc.Copy()
	for id, c := range other {
		if c > res[id] {
			res[id] = c
		}
	}
	return res
}

// Compare returns the ordering of vc relative to other.
func (vc VectorClock) Compare(other VectorClock) Ordering {
	greater := false
	smaller := false

	for id, c := range vc {
		oc := other[id]
		if c > oc {
			greater = true
		} else if c < oc {
			smaller = true
		}
	}
	for id, oc := range other {
		if vc[id] < oc {
			smaller = true
		}
	}

	switch {
	case greater && smaller:
		return Concurrent
	case greater:
		return After
	case smaller:
		return Before
	default:
		return Equal
	}
}

// Dominates reports whether vc >= other pointwise and vc != other.
func (vc VectorClock) Dominates(other VectorClock) bool {
	return vc.Compare(other) == After
}
