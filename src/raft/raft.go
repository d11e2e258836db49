package raft

import (
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/memorymesh/memorymesh/src/peers"
	"github.com/sirupsen/logrus"
)

func formatUint(u uint64) string {
	return strconv.FormatUint(u, 10)
}

// Config groups the consensus timing parameters.
type Config struct {
	// ElectionTimeoutMin and ElectionTimeoutMax bound the randomized timeout
	// after which a Follower that heard no heartbeat starts an election.
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration

	// HeartbeatInterval is the period of leader heartbeats (empty
	// AppendEntries).
	HeartbeatInterval time.Duration

	// CommitTimeout bounds how long Propose waits for a quorum.
	CommitTimeout time.Duration
}

// DefaultConfig returns sensible consensus timings for LAN deployments.
func DefaultConfig() Config {
	return Config{
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
		CommitTimeout:      5 * time.Second,
	}
}

// Raft is a single consensus participant. It maintains a replicated log over
// direct peer links and exposes Propose for commands that need a single
// linear history. All term, vote, log, and commit transitions are serialized
// under one lock: at most one election or append operation is in flight per
// node at any time.
type Raft struct {
	state

	l sync.Mutex

	conf    Config
	id      string
	peerSet *peers.PeerSet
	logs    LogStore
	trans   Transport
	logger  *logrus.Entry

	currentTerm uint64
	votedFor    string
	leaderID    string
	commitIndex uint64
	lastApplied uint64
	lastContact time.Time

	nextIndex  map[string]uint64
	matchIndex map[string]uint64

	// applyFn receives committed entries in log order. Delivery happens on a
	// single dedicated goroutine, so the callback never observes a later
	// entry before an earlier one.
	applyFn func(*Entry)

	applyNotifyCh chan struct{}
	applyDoneCh   chan struct{}

	// onLeader is invoked (outside the lock) when this node wins an
	// election; the engine uses it to announce the new leader on the mesh.
	onLeader func(term uint64)

	notifyCh     chan struct{}
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// NewRaft creates a consensus participant. The voting membership is the given
// peer set (self included) and does not track failure-detector state; only
// operator action changes it. A nil logs store defaults to in-memory.
func NewRaft(
	conf Config,
	id string,
	peerSet *peers.PeerSet,
	logs LogStore,
	trans Transport,
	applyFn func(*Entry),
	logger *logrus.Entry,
) (*Raft, error) {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	if logs == nil {
		logs = NewInmemLogStore()
	}

	hs, err := logs.GetHardState()
	if err != nil {
		return nil, err
	}

	r := &Raft{
		conf:          conf,
		id:            id,
		peerSet:       peerSet,
		logs:          logs,
		trans:         trans,
		applyFn:       applyFn,
		logger:        logger.WithField("prefix", "raft"),
		currentTerm:   hs.CurrentTerm,
		votedFor:      hs.VotedFor,
		nextIndex:     make(map[string]uint64),
		matchIndex:    make(map[string]uint64),
		notifyCh:      make(chan struct{}, 1),
		applyNotifyCh: make(chan struct{}, 1),
		applyDoneCh:   make(chan struct{}),
		shutdownCh:    make(chan struct{}),
	}

	r.setRole(Follower)

	go r.runApply()

	return r, nil
}

// SetApply registers the callback receiving committed entries. Register it
// before Run; entries committed earlier are not replayed.
func (r *Raft) SetApply(fn func(*Entry)) {
	r.l.Lock()
	defer r.l.Unlock()
	r.applyFn = fn
}

// SetLeaderHook registers a callback invoked when this node becomes Leader.
func (r *Raft) SetLeaderHook(fn func(term uint64)) {
	r.onLeader = fn
}

// RunAsync calls Run in a separate goroutine.
func (r *Raft) RunAsync() {
	go r.Run()
}

// Run invokes the role state machine: Follower -> Candidate -> Leader.
func (r *Raft) Run() {
	for {
		role := r.getRole()

		r.logger.WithField("role", role.String()).Debug("Run loop")

		switch role {
		case Follower:
			r.runFollower()
		case Candidate:
			r.runCandidate()
		case Leader:
			r.runLeader()
		case Shutdown:
			return
		}
	}
}

// randomTimeout returns a channel that fires after a random duration in the
// configured election timeout range.
func (r *Raft) randomTimeout() <-chan time.Time {
	min := r.conf.ElectionTimeoutMin
	spread := r.conf.ElectionTimeoutMax - min
	if spread <= 0 {
		// Equal or inverted bounds degrade to a fixed timeout.
		return time.After(min)
	}
	extra := time.Duration(rand.Int63()) % spread
	return time.After(min + extra)
}

func (r *Raft) runFollower() {
	timeout := r.randomTimeout()

	for r.getRole() == Follower {
		select {
		case <-timeout:
			r.l.Lock()
			contact := r.lastContact
			r.l.Unlock()

			if time.Since(contact) >= r.conf.ElectionTimeoutMin {
				r.logger.Debug("heartbeat timeout => Candidate")
				r.setRole(Candidate)
				return
			}
			timeout = r.randomTimeout()
		case <-r.shutdownCh:
			r.setRole(Shutdown)
			return
		}
	}
}

func (r *Raft) runCandidate() {
	// Campaign in a new term with a vote for self.
	r.l.Lock()
	r.currentTerm++
	r.votedFor = r.id
	r.leaderID = ""
	term := r.currentTerm
	if err := r.persistHardState(); err != nil {
		r.l.Unlock()
		r.logger.WithError(err).Error("persisting hard state")
		r.setRole(Shutdown)
		return
	}
	lastIndex, lastTerm := r.lastEntry()
	r.l.Unlock()

	r.logger.WithField("term", term).Debug("ELECTION")

	votesCh := make(chan *RequestVoteResponse, r.peerSet.Len())

	req := &RequestVoteRequest{
		Term:         term,
		CandidateID:  r.id,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
	}

	for _, p := range r.peerSet.ToPeerSlice() {
		if p.ID == r.id {
			continue
		}
		peer := p
		r.goFunc(func() {
			var resp RequestVoteResponse
			if err := r.trans.RequestVote(peer.NetAddr, req, &resp); err != nil {
				r.logger.WithError(err).WithField("peer", peer.ID).Debug("RequestVote failed")
				return
			}
			votesCh <- &resp
		})
	}

	// Self vote.
	granted := 1
	needed := r.quorum()

	// A single-node cluster needs no remote votes.
	if granted >= needed {
		r.becomeLeader(term)
		return
	}

	timeout := r.randomTimeout()

	for r.getRole() == Candidate {
		select {
		case resp := <-votesCh:
			if resp.Term > term {
				r.logger.WithField("term", resp.Term).Debug("higher term => Follower")
				r.stepDown(resp.Term)
				return
			}
			if resp.VoteGranted {
				granted++
			}
			if granted >= needed {
				r.becomeLeader(term)
				return
			}
		case <-timeout:
			// Split vote or unreachable quorum. Stay Candidate; the loop
			// restarts the election with a fresh term.
			r.logger.WithField("term", term).Debug("election timeout")
			return
		case <-r.shutdownCh:
			r.setRole(Shutdown)
			return
		}
	}
}

func (r *Raft) becomeLeader(term uint64) {
	r.l.Lock()

	if r.currentTerm != term {
		r.l.Unlock()
		return
	}

	r.leaderID = r.id
	lastIndex, _ := r.lastEntry()
	for _, p := range r.peerSet.ToPeerSlice() {
		r.nextIndex[p.ID] = lastIndex + 1
		r.matchIndex[p.ID] = 0
	}
	r.matchIndex[r.id] = lastIndex

	r.l.Unlock()

	r.setRole(Leader)

	r.logger.WithField("term", term).Info("LEADER")

	if r.onLeader != nil {
		r.onLeader(term)
	}
}

func (r *Raft) runLeader() {
	heartbeat := time.NewTicker(r.conf.HeartbeatInterval)
	defer heartbeat.Stop()

	// Establish authority immediately.
	r.replicateRound()

	for r.getRole() == Leader {
		select {
		case <-heartbeat.C:
			r.replicateRound()
		case <-r.notifyCh:
			r.replicateRound()
		case <-r.shutdownCh:
			r.setRole(Shutdown)
			return
		}
	}
}

// replicateRound sends AppendEntries to every peer concurrently. A slow or
// unreachable peer never stalls the others: each RPC is bounded by the
// transport timeout and handled in its own goroutine.
func (r *Raft) replicateRound() {
	for _, p := range r.peerSet.ToPeerSlice() {
		if p.ID == r.id {
			continue
		}
		peer := p
		r.goFunc(func() { r.replicateToPeer(peer) })
	}
}

func (r *Raft) replicateToPeer(peer *peers.Peer) {
	r.l.Lock()

	if r.getRole() != Leader {
		r.l.Unlock()
		return
	}

	term := r.currentTerm
	next := r.nextIndex[peer.ID]
	if next == 0 {
		next = 1
	}

	prevIndex := next - 1
	var prevTerm uint64
	if prevIndex > 0 {
		prevEntry, err := r.logs.GetEntry(prevIndex)
		if err != nil {
			r.l.Unlock()
			r.logger.WithError(err).WithField("index", prevIndex).Error("reading log")
			return
		}
		prevTerm = prevEntry.Term
	}

	lastIndex, _ := r.lastEntry()
	entries := []*Entry{}
	for i := next; i <= lastIndex; i++ {
		entry, err := r.logs.GetEntry(i)
		if err != nil {
			r.l.Unlock()
			r.logger.WithError(err).WithField("index", i).Error("reading log")
			return
		}
		entries = append(entries, entry)
	}

	req := &AppendEntriesRequest{
		Term:         term,
		LeaderID:     r.id,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: r.commitIndex,
	}

	r.l.Unlock()

	var resp AppendEntriesResponse
	if err := r.trans.AppendEntries(peer.NetAddr, req, &resp); err != nil {
		r.logger.WithError(err).WithField("peer", peer.ID).Debug("AppendEntries failed")
		return
	}

	r.l.Lock()
	defer r.l.Unlock()

	if resp.Term > r.currentTerm {
		r.l.Unlock()
		r.stepDown(resp.Term)
		r.l.Lock()
		return
	}

	if r.getRole() != Leader || r.currentTerm != term {
		return
	}

	if resp.Success {
		if len(entries) > 0 {
			last := entries[len(entries)-1].Index
			r.nextIndex[peer.ID] = last + 1
			r.matchIndex[peer.ID] = last
			r.advanceCommitIndex()
		}
	} else {
		// Walk back towards the follower's log, using its hint when given.
		if resp.LastLogIndex > 0 && resp.LastLogIndex < next {
			r.nextIndex[peer.ID] = resp.LastLogIndex + 1
		} else if next > 1 {
			r.nextIndex[peer.ID] = next - 1
		}
	}
}

// advanceCommitIndex commits the highest index replicated on a quorum, as
// long as the entry is from the current term. Callers must hold the lock.
func (r *Raft) advanceCommitIndex() {
	lastIndex, _ := r.lastEntry()

	for n := lastIndex; n > r.commitIndex; n-- {
		entry, err := r.logs.GetEntry(n)
		if err != nil || entry.Term != r.currentTerm {
			continue
		}

		count := 0
		for _, p := range r.peerSet.ToPeerSlice() {
			if r.matchIndex[p.ID] >= n {
				count++
			}
		}

		if count >= r.quorum() {
			r.commitIndex = n
			r.notifyApply()
			break
		}
	}
}

// notifyApply wakes the apply loop. Callers must hold the lock.
func (r *Raft) notifyApply() {
	select {
	case r.applyNotifyCh <- struct{}{}:
	default:
	}
}

// runApply delivers committed entries to the apply callback, strictly in log
// order. It is the only place lastApplied advances, and the only goroutine
// that invokes the callback.
func (r *Raft) runApply() {
	defer close(r.applyDoneCh)

	for {
		select {
		case <-r.applyNotifyCh:
		case <-r.shutdownCh:
			return
		}

		for {
			r.l.Lock()
			if r.lastApplied >= r.commitIndex {
				r.l.Unlock()
				break
			}

			next := r.lastApplied + 1
			entry, err := r.logs.GetEntry(next)
			if err != nil {
				r.l.Unlock()
				r.logger.WithError(err).WithField("index", next).Error("reading committed entry")
				break
			}

			r.lastApplied = next
			fn := r.applyFn
			r.l.Unlock()

			if fn != nil {
				fn(entry)
			}
		}
	}
}

// stepDown reverts to Follower in the given (higher) term.
func (r *Raft) stepDown(term uint64) {
	r.l.Lock()
	if term > r.currentTerm {
		r.currentTerm = term
		r.votedFor = ""
		if err := r.persistHardState(); err != nil {
			r.logger.WithError(err).Error("persisting hard state")
		}
	}
	r.leaderID = ""
	r.l.Unlock()

	if r.getRole() != Shutdown {
		r.setRole(Follower)
	}
}

// quorum returns the majority size of the voting membership.
func (r *Raft) quorum() int {
	return r.peerSet.Len()/2 + 1
}

// lastEntry returns the index and term of the last log entry. Callers must
// hold the lock.
func (r *Raft) lastEntry() (uint64, uint64) {
	lastIndex, err := r.logs.LastIndex()
	if err != nil || lastIndex == 0 {
		return 0, 0
	}
	entry, err := r.logs.GetEntry(lastIndex)
	if err != nil {
		return lastIndex, 0
	}
	return lastIndex, entry.Term
}

// persistHardState writes term and vote to durable storage. Callers must hold
// the lock.
func (r *Raft) persistHardState() error {
	return r.logs.SetHardState(&HardState{
		CurrentTerm: r.currentTerm,
		VotedFor:    r.votedFor,
	})
}

// Propose submits a command for total ordering. It returns the committed
// index once a majority has durably persisted the entry, or an explicit
// error: no partial or ambiguous commit is ever reported as success.
func (r *Raft) Propose(command []byte) (uint64, error) {
	if r.getRole() == Shutdown {
		return 0, ErrShutdown
	}

	r.l.Lock()

	if r.getRole() != Leader {
		leader := r.leaderID
		r.l.Unlock()
		if leader == "" {
			return 0, ErrNoLeader
		}
		return 0, ErrNotLeader
	}

	lastIndex, _ := r.lastEntry()
	entry := &Entry{
		Index:   lastIndex + 1,
		Term:    r.currentTerm,
		Command: command,
	}

	if err := r.logs.StoreEntries([]*Entry{entry}); err != nil {
		r.l.Unlock()
		return 0, err
	}
	r.matchIndex[r.id] = entry.Index

	r.l.Unlock()

	// Kick the leader loop.
	select {
	case r.notifyCh <- struct{}{}:
	default:
	}

	// Wait for the commit index to reach the entry.
	deadline := time.After(r.conf.CommitTimeout)
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			r.l.Lock()
			committed := r.commitIndex >= entry.Index
			sameTerm := r.currentTerm == entry.Term
			r.l.Unlock()

			if committed {
				return entry.Index, nil
			}
			if !sameTerm || r.getRole() != Leader {
				return 0, ErrNotCommitted
			}
		case <-deadline:
			return 0, ErrNotCommitted
		case <-r.shutdownCh:
			return 0, ErrShutdown
		}
	}
}

// HandleRequestVote answers a vote request from a candidate.
func (r *Raft) HandleRequestVote(req *RequestVoteRequest) *RequestVoteResponse {
	r.l.Lock()
	defer r.l.Unlock()

	resp := &RequestVoteResponse{Term: r.currentTerm}

	if req.Term < r.currentTerm {
		return resp
	}

	if req.Term > r.currentTerm {
		r.currentTerm = req.Term
		r.votedFor = ""
		r.leaderID = ""
		if r.getRole() != Shutdown {
			r.setRole(Follower)
		}
		if err := r.persistHardState(); err != nil {
			r.logger.WithError(err).Error("persisting hard state")
			return resp
		}
		resp.Term = r.currentTerm
	}

	// At most one vote per term.
	if r.votedFor != "" && r.votedFor != req.CandidateID {
		return resp
	}

	// Reject candidates with stale logs.
	lastIndex, lastTerm := r.lastEntry()
	if req.LastLogTerm < lastTerm ||
		(req.LastLogTerm == lastTerm && req.LastLogIndex < lastIndex) {
		return resp
	}

	r.votedFor = req.CandidateID
	if err := r.persistHardState(); err != nil {
		r.logger.WithError(err).Error("persisting hard state")
		return resp
	}

	r.lastContact = time.Now()
	resp.VoteGranted = true

	r.logger.WithFields(logrus.Fields{
		"candidate": req.CandidateID,
		"term":      req.Term,
	}).Debug("vote granted")

	return resp
}

// HandleAppendEntries answers a replication request (or heartbeat) from the
// leader.
func (r *Raft) HandleAppendEntries(req *AppendEntriesRequest) *AppendEntriesResponse {
	r.l.Lock()
	defer r.l.Unlock()

	lastIndex, _ := r.lastEntry()
	resp := &AppendEntriesResponse{Term: r.currentTerm, LastLogIndex: lastIndex}

	if req.Term < r.currentTerm {
		return resp
	}

	if req.Term > r.currentTerm {
		r.currentTerm = req.Term
		r.votedFor = ""
		if err := r.persistHardState(); err != nil {
			r.logger.WithError(err).Error("persisting hard state")
			return resp
		}
		resp.Term = r.currentTerm
	}

	// A valid leader for this term exists; discovering it demotes Candidates.
	if r.getRole() != Shutdown && r.getRole() != Follower {
		r.setRole(Follower)
	}
	r.leaderID = req.LeaderID
	r.lastContact = time.Now()

	// Consistency check on the previous entry.
	if req.PrevLogIndex > 0 {
		prevEntry, err := r.logs.GetEntry(req.PrevLogIndex)
		if err != nil || prevEntry.Term != req.PrevLogTerm {
			return resp
		}
	}

	// Truncate conflicting suffix, then append.
	for _, entry := range req.Entries {
		existing, err := r.logs.GetEntry(entry.Index)
		if err == nil && existing.Term != entry.Term {
			if err := r.logs.DeleteRange(entry.Index, lastIndex); err != nil {
				r.logger.WithError(err).Error("truncating log")
				return resp
			}
		}
	}
	if len(req.Entries) > 0 {
		if err := r.logs.StoreEntries(req.Entries); err != nil {
			r.logger.WithError(err).Error("storing entries")
			return resp
		}
	}

	lastIndex, _ = r.lastEntry()

	if req.LeaderCommit > r.commitIndex {
		r.commitIndex = req.LeaderCommit
		if lastIndex < r.commitIndex {
			r.commitIndex = lastIndex
		}
		r.notifyApply()
	}

	resp.Success = true
	resp.LastLogIndex = lastIndex

	return resp
}

// Leader returns the ID of the current known leader, if any.
func (r *Raft) Leader() string {
	r.l.Lock()
	defer r.l.Unlock()
	return r.leaderID
}

// CurrentTerm returns the node's current term.
func (r *Raft) CurrentTerm() uint64 {
	r.l.Lock()
	defer r.l.Unlock()
	return r.currentTerm
}

// CommitIndex returns the highest committed log index.
func (r *Raft) CommitIndex() uint64 {
	r.l.Lock()
	defer r.l.Unlock()
	return r.commitIndex
}

// Role returns the node's current role.
func (r *Raft) Role() Role {
	return r.getRole()
}

// Stats returns consensus counters for the HTTP service.
func (r *Raft) Stats() map[string]string {
	r.l.Lock()
	defer r.l.Unlock()

	lastIndex, lastTerm := r.lastEntry()

	return map[string]string{
		"id":           r.id,
		"role":         r.getRole().String(),
		"term":         formatUint(r.currentTerm),
		"leader":       r.leaderID,
		"commit_index": formatUint(r.commitIndex),
		"last_applied": formatUint(r.lastApplied),
		"last_index":   formatUint(lastIndex),
		"last_term":    formatUint(lastTerm),
		"voting_peers": formatUint(uint64(r.peerSet.Len())),
	}
}

// Shutdown stops the participant. The log store is flushed and closed before
// returning, so shutdown is only acknowledged with the log durably persisted.
func (r *Raft) Shutdown() {
	r.shutdownOnce.Do(func() {
		r.logger.Debug("Shutdown")

		r.setRole(Shutdown)
		close(r.shutdownCh)

		r.waitRoutines()

		// The apply loop reads the log store; wait for it before closing.
		<-r.applyDoneCh

		if err := r.logs.Close(); err != nil {
			r.logger.WithError(err).Error("closing log store")
		}
	})
}
