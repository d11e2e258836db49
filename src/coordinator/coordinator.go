package coordinator

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Selection policies. The policy is chosen at call time, not at construction.
const (
	PolicyRoundRobin    = "round_robin"
	PolicyLeastLoaded   = "least_loaded"
	PolicyLowestLatency = "lowest_latency"
)

// Tiers granted on admission.
const (
	TierDefault    = "default"
	TierPrivileged = "privileged"
)

var (
	// ErrNoHealthyPeer is returned by SelectPeer when the pool is empty.
	ErrNoHealthyPeer = errors.New("no healthy peer available")
	// ErrUnknownPolicy is returned for an unrecognized selection policy.
	ErrUnknownPolicy = errors.New("unknown load-balancing policy")
	// ErrShutdown is returned by operations invoked after Shutdown.
	ErrShutdown = errors.New("coordinator shutdown")
)

// TierLookup is the external billing collaborator consulted for a joining
// node's base tier.
type TierLookup interface {
	GetTier(nodeID string) (string, error)
}

// StaticTierLookup grants every node the same base tier. It stands in when no
// billing integration is configured.
type StaticTierLookup struct {
	Tier string
}

// GetTier implements TierLookup.
func (s *StaticTierLookup) GetTier(nodeID string) (string, error) {
	if s.Tier == "" {
		return TierDefault, nil
	}
	return s.Tier, nil
}

// Config groups the coordinator parameters.
type Config struct {
	// HeartbeatInterval is the expected period between node heartbeats. A
	// record whose last heartbeat is older than this counts a miss at each
	// scan.
	HeartbeatInterval time.Duration

	// ScanInterval is the period of registry health scans. Zero defaults to
	// HeartbeatInterval.
	ScanInterval time.Duration

	// SuspectThreshold is the number of consecutive missed heartbeats after
	// which a node is Suspected.
	SuspectThreshold int

	// DeadThreshold is the number of consecutive missed heartbeats after
	// which a node is Dead.
	DeadThreshold int

	// GracePeriod is how long a Dead record lingers before removal. The node
	// ID stays in the tombstone set afterwards.
	GracePeriod time.Duration

	// AdmissionSecret is the cluster-wide shared secret for the privileged
	// tier. Empty disables privileged admission.
	AdmissionSecret string
}

// DefaultConfig returns the standard coordinator parameters.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 1 * time.Second,
		SuspectThreshold:  3,
		DeadThreshold:     5,
		GracePeriod:       30 * time.Second,
	}
}

// AdmissionResult is the verdict of Register.
type AdmissionResult struct {
	Accepted bool
	Reason   string
	Tier     string
}

// Coordinator owns the node registry. All mutation happens on its own run
// loop; external callers post requests to the loop and read through snapshot
// accessors, so heartbeat processing and registry reads cannot race.
type Coordinator struct {
	conf   Config
	tiers  TierLookup
	logger *logrus.Entry

	reqCh chan func()

	// Owned by the run loop. Never touched from outside it.
	registry   map[string]*NodeRecord
	tombstones map[string]uint64
	rrIndex    int

	subsLock sync.Mutex
	subs     []chan Event

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// NewCoordinator creates a Coordinator and starts its run loop. A nil tiers
// lookup defaults to granting everyone the default tier.
func NewCoordinator(conf Config, tiers TierLookup, logger *logrus.Entry) *Coordinator {
	if tiers == nil {
		tiers = &StaticTierLookup{Tier: TierDefault}
	}

	c := &Coordinator{
		conf:       conf,
		tiers:      tiers,
		logger:     logger.WithField("prefix", "coordinator"),
		reqCh:      make(chan func(), 64),
		registry:   make(map[string]*NodeRecord),
		tombstones: make(map[string]uint64),
		shutdownCh: make(chan struct{}),
	}

	go c.run()

	return c
}

// run is the single-writer loop.
func (c *Coordinator) run() {
	scanInterval := c.conf.ScanInterval
	if scanInterval == 0 {
		scanInterval = c.conf.HeartbeatInterval
	}

	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	for {
		select {
		case fn := <-c.reqCh:
			fn()
		case <-ticker.C:
			c.scan()
		case <-c.shutdownCh:
			return
		}
	}
}

// do posts fn to the run loop and waits for it to execute.
func (c *Coordinator) do(fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}

	select {
	case c.reqCh <- wrapped:
	case <-c.shutdownCh:
		return ErrShutdown
	}

	select {
	case <-done:
		return nil
	case <-c.shutdownCh:
		return ErrShutdown
	}
}

// Shutdown stops the run loop and closes the event feed.
func (c *Coordinator) Shutdown() {
	c.shutdownOnce.Do(func() {
		close(c.shutdownCh)

		c.subsLock.Lock()
		for _, ch := range c.subs {
			close(ch)
		}
		c.subs = nil
		c.subsLock.Unlock()
	})
}

// Register admits a node into the registry. Tier resolution comes from the
// external lookup; presenting the cluster admission secret upgrades to the
// privileged tier, while a wrong secret is rejected outright. A node ID in
// the tombstone set is re-admitted only with a strictly higher incarnation.
func (c *Coordinator) Register(nodeID, address, credential string, incarnation uint64) (AdmissionResult, error) {
	var res AdmissionResult

	err := c.do(func() {
		res = c.admit(nodeID, address, credential, incarnation)
	})

	return res, err
}

// admit runs on the run loop.
func (c *Coordinator) admit(nodeID, address, credential string, incarnation uint64) AdmissionResult {
	if last, ok := c.tombstones[nodeID]; ok && incarnation <= last {
		return AdmissionResult{
			Accepted: false,
			Reason:   "stale incarnation",
		}
	}

	tier, err := c.tiers.GetTier(nodeID)
	if err != nil {
		c.logger.WithField("node", nodeID).WithError(err).Warn("tier lookup failed")
		tier = TierDefault
	}

	if credential != "" {
		if !c.credentialValid(credential) {
			return AdmissionResult{
				Accepted: false,
				Reason:   "invalid admission credential",
			}
		}
		tier = TierPrivileged
	}

	now := time.Now()

	prev, known := c.registry[nodeID]
	rec := &NodeRecord{
		NodeID:      nodeID,
		Address:     address,
		Status:      Joining,
		Tier:        tier,
		Incarnation: incarnation,
		JoinedAt:    now,
	}
	c.registry[nodeID] = rec
	delete(c.tombstones, nodeID)

	from := Joining
	if known {
		from = prev.Status
	}
	c.emit(Event{NodeID: nodeID, From: from, To: Joining, At: now})

	c.logger.WithFields(logrus.Fields{
		"node": nodeID,
		"addr": address,
		"tier": tier,
	}).Debug("node registered")

	return AdmissionResult{Accepted: true, Tier: tier}
}

// credentialValid compares the presented credential with the shared secret in
// constant time. Hashing first normalizes the lengths so the comparison leaks
// nothing about either.
func (c *Coordinator) credentialValid(credential string) bool {
	if c.conf.AdmissionSecret == "" {
		return false
	}

	presented := sha256.Sum256([]byte(credential))
	expected := sha256.Sum256([]byte(c.conf.AdmissionSecret))

	return subtle.ConstantTimeCompare(presented[:], expected[:]) == 1
}

// Heartbeat records a liveness report. It returns false for unknown or Dead
// nodes, which must go through Register again.
func (c *Coordinator) Heartbeat(nodeID string, incarnation uint64, load LoadMetrics) (bool, error) {
	var ok bool

	err := c.do(func() {
		ok = c.applyHeartbeat(nodeID, incarnation, load)
	})

	return ok, err
}

// applyHeartbeat runs on the run loop.
func (c *Coordinator) applyHeartbeat(nodeID string, incarnation uint64, load LoadMetrics) bool {
	rec, known := c.registry[nodeID]
	if !known {
		return false
	}

	if rec.Status == Dead {
		return false
	}

	if incarnation < rec.Incarnation {
		return false
	}

	now := time.Now()
	rec.LastHeartbeatAt = now
	rec.Load = load
	rec.Incarnation = incarnation
	rec.missed = 0

	if rec.Status != Healthy {
		from := rec.Status
		rec.Status = Healthy
		c.emit(Event{NodeID: nodeID, From: from, To: Healthy, At: now})
	}

	return true
}

// scan runs on every heartbeat-interval tick and applies the health state
// machine to each record.
func (c *Coordinator) scan() {
	now := time.Now()

	for id, rec := range c.registry {
		if rec.Status == Dead {
			if now.Sub(rec.deadSince) >= c.conf.GracePeriod {
				c.tombstones[id] = rec.Incarnation
				delete(c.registry, id)
				c.logger.WithField("node", id).Debug("dead node removed from registry")
			}
			continue
		}

		if rec.LastHeartbeatAt.IsZero() {
			// Still Joining, never heartbeated. Count against it anyway so a
			// node that registers and vanishes gets cleaned up.
			rec.missed++
		} else if now.Sub(rec.LastHeartbeatAt) >= c.conf.HeartbeatInterval {
			rec.missed++
		} else {
			continue
		}

		switch {
		case rec.missed >= c.conf.DeadThreshold:
			if rec.Status != Dead {
				from := rec.Status
				rec.Status = Dead
				rec.deadSince = now
				c.emit(Event{NodeID: id, From: from, To: Dead, At: now})
				c.logger.WithField("node", id).Warn("node declared dead")
			}
		case rec.missed >= c.conf.SuspectThreshold:
			if rec.Status == Healthy || rec.Status == Joining {
				from := rec.Status
				rec.Status = Suspected
				c.emit(Event{NodeID: id, From: from, To: Suspected, At: now})
				c.logger.WithField("node", id).Debug("node suspected")
			}
		}
	}
}

// MarkLeaving processes a clean-leave announcement: the node goes straight to
// Dead without waiting out the thresholds.
func (c *Coordinator) MarkLeaving(nodeID string) error {
	return c.do(func() {
		rec, ok := c.registry[nodeID]
		if !ok || rec.Status == Dead {
			return
		}
		from := rec.Status
		rec.Status = Dead
		rec.deadSince = time.Now()
		c.emit(Event{NodeID: nodeID, From: from, To: Dead, At: rec.deadSince})
	})
}

// SelectPeer picks a Healthy node according to the given policy.
func (c *Coordinator) SelectPeer(policy string) (NodeRecord, error) {
	var (
		rec    NodeRecord
		selErr error
	)

	err := c.do(func() {
		rec, selErr = c.selectPeer(policy)
	})
	if err != nil {
		return NodeRecord{}, err
	}

	return rec, selErr
}

// selectPeer runs on the run loop.
func (c *Coordinator) selectPeer(policy string) (NodeRecord, error) {
	healthy := []*NodeRecord{}
	for _, rec := range c.registry {
		if rec.Status == Healthy {
			healthy = append(healthy, rec)
		}
	}

	if len(healthy) == 0 {
		return NodeRecord{}, ErrNoHealthyPeer
	}

	// Map iteration order is random; sort for stable round-robin.
	sortRecords(healthy)

	switch policy {
	case PolicyRoundRobin:
		rec := healthy[c.rrIndex%len(healthy)]
		c.rrIndex++
		return *rec, nil

	case PolicyLeastLoaded:
		best := healthy[0]
		for _, rec := range healthy[1:] {
			if rec.Load.ActiveRequests < best.Load.ActiveRequests {
				best = rec
			}
		}
		return *best, nil

	case PolicyLowestLatency:
		best := healthy[0]
		for _, rec := range healthy[1:] {
			if rec.Load.ObservedLatency < best.Load.ObservedLatency {
				best = rec
			}
		}
		return *best, nil

	default:
		return NodeRecord{}, ErrUnknownPolicy
	}
}

// Status returns a snapshot of every registry entry.
func (c *Coordinator) Status() ([]NodeRecord, error) {
	var res []NodeRecord

	err := c.do(func() {
		res = make([]NodeRecord, 0, len(c.registry))
		for _, rec := range c.registry {
			res = append(res, *rec)
		}
	})
	if err != nil {
		return nil, err
	}

	sortSnapshot(res)

	return res, nil
}

// Get returns a snapshot of one record.
func (c *Coordinator) Get(nodeID string) (NodeRecord, bool, error) {
	var (
		rec NodeRecord
		ok  bool
	)

	err := c.do(func() {
		r, found := c.registry[nodeID]
		if found {
			rec = *r
			ok = true
		}
	})

	return rec, ok, err
}

// Subscribe returns a channel of status transitions. The channel is closed on
// Shutdown. Slow subscribers drop events rather than stalling the registry.
func (c *Coordinator) Subscribe() <-chan Event {
	ch := make(chan Event, 32)

	c.subsLock.Lock()
	c.subs = append(c.subs, ch)
	c.subsLock.Unlock()

	return ch
}

func (c *Coordinator) emit(ev Event) {
	c.subsLock.Lock()
	defer c.subsLock.Unlock()

	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
