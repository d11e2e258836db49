package raft

import (
	"errors"
	"sync"
	"sync/atomic"
)

// Role captures the consensus role of a node: Follower, Candidate, or Leader.
// Shutdown is a terminal pseudo-role.
type Role uint32

const (
	//Follower is the initial role of a node.
	Follower Role = iota
	//Candidate is campaigning for leadership
	Candidate
	//Leader replicates the log
	Leader
	//Shutdown is shutdown
	Shutdown
)

// String ...
func (r Role) String() string {
	switch r {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	case Shutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

var (
	// ErrNoLeader is returned by Propose when this node is not the leader and
	// does not know of one.
	ErrNoLeader = errors.New("no leader")

	// ErrNotLeader is returned by Propose on a follower that knows the
	// current leader; the caller should retry against it.
	ErrNotLeader = errors.New("not the leader")

	// ErrNotCommitted is returned when a proposal could not be acknowledged
	// by a majority before the commit timeout. The entry may still commit
	// later; it is never reported as committed without a quorum.
	ErrNotCommitted = errors.New("proposal not committed")

	// ErrShutdown is returned for operations on a stopped node.
	ErrShutdown = errors.New("raft shutdown")
)

// WGLIMIT is the maximum number of goroutines that can be launched through
// state.goFunc.
const WGLIMIT = 20

type state struct {
	role    Role
	wg      sync.WaitGroup
	wgCount int32
}

func (s *state) getRole() Role {
	roleAddr := (*uint32)(&s.role)
	return Role(atomic.LoadUint32(roleAddr))
}

func (s *state) setRole(r Role) {
	roleAddr := (*uint32)(&s.role)
	atomic.StoreUint32(roleAddr, uint32(r))
}

// goFunc starts a goroutine and adds it to the waitgroup.
func (s *state) goFunc(f func()) {
	tempWgCount := atomic.LoadInt32(&s.wgCount)
	if tempWgCount < WGLIMIT {
		s.wg.Add(1)
		atomic.AddInt32(&s.wgCount, 1)
		go func() {
			defer s.wg.Done()
			atomic.AddInt32(&s.wgCount, -1)
			f()
		}()
	}
}

func (s *state) waitRoutines() {
	s.wg.Wait()
}
