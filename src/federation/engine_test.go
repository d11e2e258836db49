package federation

import (
	"fmt"
	"testing"
	"time"

	"github.com/memorymesh/memorymesh/src/config"
	"github.com/memorymesh/memorymesh/src/coordinator"
	"github.com/memorymesh/memorymesh/src/crypto/keys"
	"github.com/memorymesh/memorymesh/src/raft"
	"github.com/stretchr/testify/require"
)

func testEngine(t *testing.T, port int, seeds []string) *Engine {
	conf := config.NewTestConfig(t)
	conf.SetDataDir(t.TempDir())
	conf.BindAddr = fmt.Sprintf("127.0.0.1:%d", port)
	conf.NoService = true
	conf.DiscoverySeeds = seeds
	conf.DirectoryRefreshInterval = 100 * time.Millisecond
	conf.HeartbeatInterval = 100 * time.Millisecond
	conf.AntiEntropyInterval = 200 * time.Millisecond

	key, err := keys.GenerateKey()
	require.NoError(t, err)
	conf.Key = key

	engine := NewEngine(conf)
	require.NoError(t, engine.Init())

	return engine
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal(msg)
}

// Three nodes where each only seeds the previous one still end up with full
// membership: the third node learns about the first through the peer list
// returned on join and through gossiped announcements.
func TestTransitiveMembership(t *testing.T) {
	e1 := testEngine(t, 10401, nil)
	e2 := testEngine(t, 10402, []string{"127.0.0.1:10401"})
	e3 := testEngine(t, 10403, []string{"127.0.0.1:10402"})

	engines := []*Engine{e1, e2, e3}
	for _, e := range engines {
		go e.Run()
		defer e.Shutdown()
	}

	for _, e := range engines {
		e := e
		waitUntil(t, 10*time.Second, func() bool {
			return e.Peers.Len() == 3
		}, fmt.Sprintf("node %s never saw all 3 peers", e.Moniker))

		waitUntil(t, 10*time.Second, func() bool {
			records, err := e.Status()
			return err == nil && len(records) == 3
		}, fmt.Sprintf("node %s registry never reached 3 entries", e.Moniker))
	}

	// Heartbeats promote everyone to Healthy everywhere.
	for _, e := range engines {
		e := e
		waitUntil(t, 10*time.Second, func() bool {
			records, err := e.Status()
			if err != nil {
				return false
			}
			healthy := 0
			for _, rec := range records {
				if rec.Status == coordinator.Healthy {
					healthy++
				}
			}
			return healthy == 3
		}, fmt.Sprintf("node %s never saw 3 healthy peers", e.Moniker))
	}
}

// A record written on one node becomes readable on all others, through the
// gossip broadcast or the anti-entropy fallback.
func TestReplicationAcrossNodes(t *testing.T) {
	e1 := testEngine(t, 10411, nil)
	e2 := testEngine(t, 10412, []string{"127.0.0.1:10411"})
	e3 := testEngine(t, 10413, []string{"127.0.0.1:10412"})

	engines := []*Engine{e1, e2, e3}
	for _, e := range engines {
		go e.Run()
		defer e.Shutdown()
	}

	for _, e := range engines {
		e := e
		waitUntil(t, 10*time.Second, func() bool {
			return e.Peers.Len() == 3
		}, "membership never converged")
	}

	require.NoError(t, e1.Write("greeting", []byte("hello")))

	for _, e := range []*Engine{e2, e3} {
		e := e
		waitUntil(t, 10*time.Second, func() bool {
			value, err := e.Read("greeting")
			return err == nil && string(value) == "hello"
		}, fmt.Sprintf("record never reached node %s", e.Moniker))
	}

	// Deletion propagates as a tombstone.
	require.NoError(t, e2.Delete("greeting"))

	for _, e := range []*Engine{e1, e3} {
		e := e
		waitUntil(t, 10*time.Second, func() bool {
			_, err := e.Read("greeting")
			return err != nil
		}, fmt.Sprintf("deletion never reached node %s", e.Moniker))
	}
}

// A callback registered on the engine observes committed consensus entries.
func TestApplyCallbackOnEngine(t *testing.T) {
	e1 := testEngine(t, 10431, nil)

	applied := make(chan []byte, 4)
	e1.SetApply(func(entry *raft.Entry) {
		applied <- entry.Command
	})

	go e1.Run()
	defer e1.Shutdown()

	// Single node: self-election, then the proposal commits locally.
	waitUntil(t, 10*time.Second, func() bool {
		_, err := e1.Propose([]byte("command"))
		return err == nil
	}, "proposal never accepted")

	select {
	case cmd := <-applied:
		require.Equal(t, []byte("command"), cmd)
	case <-time.After(5 * time.Second):
		t.Fatal("committed entry never applied")
	}
}

// A seed that is not listening yet when it is discovered is still joined once
// it comes up: failed handshakes are retried with backoff.
func TestLateSeedJoin(t *testing.T) {
	e2 := testEngine(t, 10442, []string{"127.0.0.1:10441"})

	go e2.Run()
	defer e2.Shutdown()

	// Let the first handshake attempts fail against the dead address.
	time.Sleep(1 * time.Second)

	e1 := testEngine(t, 10441, nil)
	go e1.Run()
	defer e1.Shutdown()

	for _, e := range []*Engine{e1, e2} {
		e := e
		waitUntil(t, 15*time.Second, func() bool {
			return e.Peers.Len() == 2
		}, fmt.Sprintf("node %s never saw both peers", e.Moniker))
	}
}

// Heartbeat round-trips populate the latency metric, so the lowest_latency
// policy has something to discriminate on.
func TestObservedLatencyPopulated(t *testing.T) {
	e1 := testEngine(t, 10451, nil)
	e2 := testEngine(t, 10452, []string{"127.0.0.1:10451"})

	engines := []*Engine{e1, e2}
	for _, e := range engines {
		go e.Run()
		defer e.Shutdown()
	}

	for _, e := range engines {
		e := e
		waitUntil(t, 10*time.Second, func() bool {
			return e.Peers.Len() == 2
		}, "membership never converged")
	}

	waitUntil(t, 10*time.Second, func() bool {
		records, err := e1.Status()
		if err != nil {
			return false
		}
		for _, rec := range records {
			if rec.Load.ObservedLatency > 0 {
				return true
			}
		}
		return false
	}, "no registry record ever carried a latency sample")
}

// A consensus command proposed on the elected leader commits.
func TestConsensusAcrossNodes(t *testing.T) {
	e1 := testEngine(t, 10421, nil)
	e2 := testEngine(t, 10422, []string{"127.0.0.1:10421"})

	engines := []*Engine{e1, e2}
	for _, e := range engines {
		go e.Run()
		defer e.Shutdown()
	}

	for _, e := range engines {
		e := e
		waitUntil(t, 10*time.Second, func() bool {
			return e.Peers.Len() == 2
		}, "membership never converged")
	}

	// Find whichever node became leader and propose there.
	var index uint64
	waitUntil(t, 10*time.Second, func() bool {
		for _, e := range engines {
			i, err := e.Propose([]byte("command"))
			if err == nil {
				index = i
				return true
			}
		}
		return false
	}, "no node accepted the proposal")

	require.Equal(t, uint64(1), index)
}
