package net

import (
	"github.com/memorymesh/memorymesh/src/raft"
)

// Transport provides an interface for network transports to allow a node to
// communicate with other nodes. It carries both the mesh RPCs and the
// consensus RPCs; the latter always travel over direct peer links, never
// epidemically.
type Transport interface {

	// Listen starts the transport listening
	Listen()

	// Consumer returns a channel that can be used to consume and respond to
	// RPC requests.
	Consumer() <-chan RPC

	// LocalAddr is used to return our local address
	LocalAddr() string

	// AdvertiseAddr is used to return our advertise address where other peers
	// can reach us
	AdvertiseAddr() string

	// Join, Heartbeat, Gossip, Sync, and Push send the corresponding mesh
	// RPC to the target node.

	Join(target string, args *JoinRequest, resp *JoinResponse) error

	Heartbeat(target string, args *HeartbeatRequest, resp *HeartbeatResponse) error

	Gossip(target string, args *GossipRequest, resp *GossipResponse) error

	Sync(target string, args *SyncRequest, resp *SyncResponse) error

	Push(target string, args *PushRequest, resp *PushResponse) error

	// RequestVote and AppendEntries send consensus RPCs; together they
	// implement raft.Transport.

	RequestVote(target string, args *raft.RequestVoteRequest, resp *raft.RequestVoteResponse) error

	AppendEntries(target string, args *raft.AppendEntriesRequest, resp *raft.AppendEntriesResponse) error

	// Close permanently closes a transport, stopping any associated
	// goroutines and freeing other resources.
	Close() error
}
