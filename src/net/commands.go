package net

import (
	"github.com/memorymesh/memorymesh/src/crdt"
	"github.com/memorymesh/memorymesh/src/peers"
)

// JoinRequest is the admission handshake of a node that wants to enter the
// mesh. Credential is the admission secret presented to claim the privileged
// tier; it may be empty, in which case only the default tier can be granted.
type JoinRequest struct {
	FromID      string `json:"from_id"`
	NetAddr     string `json:"net_addr"`
	PubKeyHex   string `json:"pub_key"`
	Moniker     string `json:"moniker"`
	Credential  string `json:"credential"`
	Incarnation uint64 `json:"incarnation"`
}

// JoinResponse contains the admission verdict. On acceptance it carries the
// granted tier and the responder's current peer list so the joiner can seed
// its own membership.
type JoinResponse struct {
	FromID   string        `json:"from_id"`
	Accepted bool          `json:"accepted"`
	Reason   string        `json:"reason,omitempty"`
	Tier     string        `json:"tier,omitempty"`
	Peers    []*peers.Peer `json:"peers,omitempty"`
}

// HeartbeatRequest reports liveness and load to a peer's coordinator.
type HeartbeatRequest struct {
	FromID          string  `json:"from_id"`
	Incarnation     uint64  `json:"incarnation"`
	ActiveRequests  int     `json:"active_requests"`
	ObservedLatency float64 `json:"observed_latency_ms"`
}

// HeartbeatResponse acknowledges a heartbeat.
type HeartbeatResponse struct {
	FromID  string `json:"from_id"`
	Success bool   `json:"success"`
}

// GossipRequest forwards one gossip message to a peer (the push part of the
// protocol).
type GossipRequest struct {
	FromID  string         `json:"from_id"`
	Message *GossipMessage `json:"message"`
}

// GossipResponse acknowledges a gossip push.
type GossipResponse struct {
	FromID  string `json:"from_id"`
	Success bool   `json:"success"`
}

// SyncRequest is the pull part of anti-entropy: the requester sends a digest
// of its key space (key to vector-clock summary) instead of full payloads.
type SyncRequest struct {
	FromID string                      `json:"from_id"`
	Digest map[string]crdt.VectorClock `json:"digest"`
}

// SyncResponse returns the records the requester is missing or stale on,
// together with the responder's own digest so the requester can push back its
// side of the divergence.
type SyncResponse struct {
	FromID  string                      `json:"from_id"`
	Records []*crdt.Record              `json:"records"`
	Digest  map[string]crdt.VectorClock `json:"digest"`
}

// PushRequest streams records the responder of a SyncRequest turned out to be
// missing.
type PushRequest struct {
	FromID  string         `json:"from_id"`
	Records []*crdt.Record `json:"records"`
}

// PushResponse acknowledges a record push.
type PushResponse struct {
	FromID  string `json:"from_id"`
	Success bool   `json:"success"`
}
