package coordinator

import (
	"testing"
	"time"

	"github.com/memorymesh/memorymesh/src/common"
	"github.com/stretchr/testify/require"
)

func testCoordinator(t *testing.T, conf Config) *Coordinator {
	return NewCoordinator(conf, nil, common.NewTestEntry(t))
}

func slowScanConfig() Config {
	// The scan ticker is parked so tests drive scans explicitly; any elapsed
	// time since a heartbeat then counts as a miss.
	return Config{
		HeartbeatInterval: time.Nanosecond,
		ScanInterval:      time.Hour,
		SuspectThreshold:  3,
		DeadThreshold:     5,
		GracePeriod:       time.Hour,
		AdmissionSecret:   "s3cret",
	}
}

func TestAdmissionDefaultTier(t *testing.T) {
	c := testCoordinator(t, slowScanConfig())
	defer c.Shutdown()

	// No credential: admitted with the default tier.
	res, err := c.Register("n1", "addr1", "", 1)
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.Equal(t, TierDefault, res.Tier)

	rec, ok, err := c.Get("n1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, TierDefault, rec.Tier)
	require.Equal(t, Joining, rec.Status)
}

func TestAdmissionPrivilegedTier(t *testing.T) {
	c := testCoordinator(t, slowScanConfig())
	defer c.Shutdown()

	res, err := c.Register("n1", "addr1", "s3cret", 1)
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.Equal(t, TierPrivileged, res.Tier)

	rec, ok, _ := c.Get("n1")
	require.True(t, ok)
	require.Equal(t, TierPrivileged, rec.Tier)
}

func TestAdmissionInvalidCredential(t *testing.T) {
	c := testCoordinator(t, slowScanConfig())
	defer c.Shutdown()

	res, err := c.Register("n1", "addr1", "wrong", 1)
	require.NoError(t, err)
	require.False(t, res.Accepted)
	require.Equal(t, "invalid admission credential", res.Reason)

	_, ok, _ := c.Get("n1")
	require.False(t, ok)
}

func TestHeartbeatPromotesToHealthy(t *testing.T) {
	c := testCoordinator(t, slowScanConfig())
	defer c.Shutdown()

	c.Register("n1", "addr1", "", 1)

	ok, err := c.Heartbeat("n1", 1, LoadMetrics{ActiveRequests: 2})
	require.NoError(t, err)
	require.True(t, ok)

	rec, _, _ := c.Get("n1")
	require.Equal(t, Healthy, rec.Status)
	require.Equal(t, 2, rec.Load.ActiveRequests)
}

func TestHeartbeatUnknownNode(t *testing.T) {
	c := testCoordinator(t, slowScanConfig())
	defer c.Shutdown()

	ok, err := c.Heartbeat("ghost", 1, LoadMetrics{})
	require.NoError(t, err)
	require.False(t, ok)
}

// Missing 3 heartbeats suspects a node; missing 5 kills it. A Suspected node
// recovers on the next heartbeat, a Dead one does not.
func TestHealthStateMachineThresholds(t *testing.T) {
	conf := slowScanConfig()
	c := testCoordinator(t, conf)
	defer c.Shutdown()

	c.Register("n1", "addr1", "", 1)
	c.Heartbeat("n1", 1, LoadMetrics{})

	// Two missed scans: still Healthy.
	c.tick(t, 2)
	rec, _, _ := c.Get("n1")
	require.Equal(t, Healthy, rec.Status)

	// Third: Suspected, excluded from selection.
	c.tick(t, 1)
	rec, _, _ = c.Get("n1")
	require.Equal(t, Suspected, rec.Status)

	_, err := c.SelectPeer(PolicyRoundRobin)
	require.Equal(t, ErrNoHealthyPeer, err)

	// A heartbeat while Suspected recovers.
	ok, _ := c.Heartbeat("n1", 1, LoadMetrics{})
	require.True(t, ok)
	rec, _, _ = c.Get("n1")
	require.Equal(t, Healthy, rec.Status)

	// Five consecutive misses: Dead.
	c.tick(t, 5)
	rec, _, _ = c.Get("n1")
	require.Equal(t, Dead, rec.Status)

	// Dead nodes do not recover via heartbeat; they must re-register.
	ok, _ = c.Heartbeat("n1", 1, LoadMetrics{})
	require.False(t, ok)
	rec, _, _ = c.Get("n1")
	require.Equal(t, Dead, rec.Status)

	res, err := c.Register("n1", "addr1", "", 2)
	require.NoError(t, err)
	require.True(t, res.Accepted)
	rec, _, _ = c.Get("n1")
	require.Equal(t, Joining, rec.Status)
}

// tick runs the health scan on the coordinator loop. The heartbeat interval
// is huge in tests, so each call counts as one missed beat.
func (c *Coordinator) tick(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, c.do(c.scan))
	}
}

func TestDeadNodeRemovedAfterGracePeriod(t *testing.T) {
	conf := slowScanConfig()
	conf.GracePeriod = 0
	c := testCoordinator(t, conf)
	defer c.Shutdown()

	c.Register("n1", "addr1", "", 3)
	c.Heartbeat("n1", 3, LoadMetrics{})

	c.tick(t, 5)
	rec, _, _ := c.Get("n1")
	require.Equal(t, Dead, rec.Status)

	// Next scan collects the record into the tombstone set.
	c.tick(t, 1)
	_, ok, _ := c.Get("n1")
	require.False(t, ok)

	// A stale re-announcement with the old incarnation is rejected.
	res, err := c.Register("n1", "addr1", "", 3)
	require.NoError(t, err)
	require.False(t, res.Accepted)
	require.Equal(t, "stale incarnation", res.Reason)

	// A higher incarnation gets back in.
	res, err = c.Register("n1", "addr1", "", 4)
	require.NoError(t, err)
	require.True(t, res.Accepted)
}

func TestSelectPeerPolicies(t *testing.T) {
	c := testCoordinator(t, slowScanConfig())
	defer c.Shutdown()

	c.Register("n1", "addr1", "", 1)
	c.Register("n2", "addr2", "", 1)
	c.Register("n3", "addr3", "", 1)

	c.Heartbeat("n1", 1, LoadMetrics{ActiveRequests: 5, ObservedLatency: 10})
	c.Heartbeat("n2", 1, LoadMetrics{ActiveRequests: 1, ObservedLatency: 30})
	c.Heartbeat("n3", 1, LoadMetrics{ActiveRequests: 3, ObservedLatency: 5})

	// Round robin cycles through all healthy nodes.
	seen := map[string]int{}
	for i := 0; i < 6; i++ {
		rec, err := c.SelectPeer(PolicyRoundRobin)
		require.NoError(t, err)
		seen[rec.NodeID]++
	}
	require.Equal(t, map[string]int{"n1": 2, "n2": 2, "n3": 2}, seen)

	rec, err := c.SelectPeer(PolicyLeastLoaded)
	require.NoError(t, err)
	require.Equal(t, "n2", rec.NodeID)

	rec, err = c.SelectPeer(PolicyLowestLatency)
	require.NoError(t, err)
	require.Equal(t, "n3", rec.NodeID)

	_, err = c.SelectPeer("bogus")
	require.Equal(t, ErrUnknownPolicy, err)
}

func TestSelectPeerSkipsUnhealthy(t *testing.T) {
	c := testCoordinator(t, slowScanConfig())
	defer c.Shutdown()

	c.Register("n1", "addr1", "", 1)
	c.Register("n2", "addr2", "", 1)

	// n1 heartbeats, n2 stays Joining.
	c.Heartbeat("n1", 1, LoadMetrics{})

	for i := 0; i < 4; i++ {
		rec, err := c.SelectPeer(PolicyRoundRobin)
		require.NoError(t, err)
		require.Equal(t, "n1", rec.NodeID)
	}
}

func TestSubscribeReceivesTransitions(t *testing.T) {
	c := testCoordinator(t, slowScanConfig())
	defer c.Shutdown()

	events := c.Subscribe()

	c.Register("n1", "addr1", "", 1)
	c.Heartbeat("n1", 1, LoadMetrics{})

	ev := <-events
	require.Equal(t, "n1", ev.NodeID)
	require.Equal(t, Joining, ev.To)

	ev = <-events
	require.Equal(t, Healthy, ev.To)
}

func TestStatusSnapshot(t *testing.T) {
	c := testCoordinator(t, slowScanConfig())
	defer c.Shutdown()

	c.Register("n2", "addr2", "", 1)
	c.Register("n1", "addr1", "", 1)

	records, err := c.Status()
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "n1", records[0].NodeID)
	require.Equal(t, "n2", records[1].NodeID)
}

func TestMarkLeaving(t *testing.T) {
	c := testCoordinator(t, slowScanConfig())
	defer c.Shutdown()

	c.Register("n1", "addr1", "", 1)
	c.Heartbeat("n1", 1, LoadMetrics{})

	require.NoError(t, c.MarkLeaving("n1"))

	rec, _, _ := c.Get("n1")
	require.Equal(t, Dead, rec.Status)
}
