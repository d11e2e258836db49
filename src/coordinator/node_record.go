package coordinator

import (
	"sort"
	"time"
)

// Status is the health state of a registry entry.
type Status int

const (
	// Joining is the state between a successful handshake and the first
	// heartbeat ack.
	Joining Status = iota
	// Healthy nodes are eligible for peer selection.
	Healthy
	// Suspected nodes missed enough heartbeats to be excluded from
	// selection, but recover on the next successful heartbeat.
	Suspected
	// Dead nodes are out of the pool entirely and must re-register.
	Dead
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case Joining:
		return "Joining"
	case Healthy:
		return "Healthy"
	case Suspected:
		return "Suspected"
	case Dead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// LoadMetrics is the load sample a node reports with each heartbeat.
type LoadMetrics struct {
	ActiveRequests  int     `json:"active_requests"`
	ObservedLatency float64 `json:"observed_latency_ms"`
}

// NodeRecord is one registry entry. Records are arena-allocated in the
// registry and referenced by node ID only; accessors hand out copies.
type NodeRecord struct {
	NodeID          string      `json:"node_id"`
	Address         string      `json:"address"`
	Status          Status      `json:"status"`
	Tier            string      `json:"tier"`
	Incarnation     uint64      `json:"incarnation"`
	LastHeartbeatAt time.Time   `json:"last_heartbeat_at"`
	JoinedAt        time.Time   `json:"joined_at"`
	Load            LoadMetrics `json:"load_metrics"`

	missed    int
	deadSince time.Time
}

// Event records one status transition, for the observability feed.
type Event struct {
	NodeID string    `json:"node_id"`
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	At     time.Time `json:"at"`
}

func sortRecords(recs []*NodeRecord) {
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].NodeID < recs[j].NodeID
	})
}

func sortSnapshot(recs []NodeRecord) {
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].NodeID < recs[j].NodeID
	})
}
