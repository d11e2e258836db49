package raft

// RequestVoteRequest is sent by a Candidate to gather votes.
type RequestVoteRequest struct {
	Term         uint64 `json:"term"`
	CandidateID  string `json:"candidate_id"`
	LastLogIndex uint64 `json:"last_log_index"`
	LastLogTerm  uint64 `json:"last_log_term"`
}

// RequestVoteResponse indicates whether the vote was granted.
type RequestVoteResponse struct {
	Term        uint64 `json:"term"`
	VoteGranted bool   `json:"vote_granted"`
}

// AppendEntriesRequest replicates log entries; with no entries it doubles as
// the leader heartbeat.
type AppendEntriesRequest struct {
	Term         uint64   `json:"term"`
	LeaderID     string   `json:"leader_id"`
	PrevLogIndex uint64   `json:"prev_log_index"`
	PrevLogTerm  uint64   `json:"prev_log_term"`
	Entries      []*Entry `json:"entries"`
	LeaderCommit uint64   `json:"leader_commit"`
}

// AppendEntriesResponse indicates whether the follower accepted the entries.
// LastLogIndex helps the leader converge nextIndex faster after a rejection.
type AppendEntriesResponse struct {
	Term         uint64 `json:"term"`
	Success      bool   `json:"success"`
	LastLogIndex uint64 `json:"last_log_index"`
}

// Transport sends consensus RPCs over direct peer links. Consensus requires
// point-to-point, not epidemic, delivery, so this is deliberately narrower
// than the gossip transport. The network transport implements it.
type Transport interface {
	RequestVote(target string, args *RequestVoteRequest, resp *RequestVoteResponse) error
	AppendEntries(target string, args *AppendEntriesRequest, resp *AppendEntriesResponse) error
}
