package discovery

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/memorymesh/memorymesh/src/common"
	"github.com/stretchr/testify/require"
)

type stubResolver struct {
	srvs []*net.SRV
	err  error
}

func (s *stubResolver) LookupSRV(service, proto, name string) (string, []*net.SRV, error) {
	return "", s.srvs, s.err
}

type stubProber struct {
	addrs []string
	err   error
}

func (s *stubProber) Probe(timeout time.Duration) ([]string, error) {
	return s.addrs, s.err
}

func testConfig() Config {
	return Config{
		Seeds:             []string{"10.0.0.1:1337", "10.0.0.2:1337"},
		DirectoryDomain:   "mesh.example.com",
		RefreshInterval:   time.Hour,
		LocalProbeEnabled: true,
		SourceTimeout:     time.Second,
		SelfAddr:          "10.0.0.9:1337",
	}
}

func TestDiscoverNowUnionsSources(t *testing.T) {
	resolver := &stubResolver{srvs: []*net.SRV{
		{Target: "node3.mesh.example.com", Port: 1337},
	}}
	prober := &stubProber{addrs: []string{"10.0.0.4:1337"}}

	d := NewDiscovery(testConfig(), resolver, prober, common.NewTestEntry(t))

	candidates := d.DiscoverNow()
	require.Len(t, candidates, 4)

	byAddr := map[string]Method{}
	for _, c := range candidates {
		byAddr[c.Address] = c.Method
	}
	require.Equal(t, MethodBootstrap, byAddr["10.0.0.1:1337"])
	require.Equal(t, MethodBootstrap, byAddr["10.0.0.2:1337"])
	require.Equal(t, MethodDirectory, byAddr["node3.mesh.example.com:1337"])
	require.Equal(t, MethodLocalProbe, byAddr["10.0.0.4:1337"])
}

func TestDiscoverNowDeduplicates(t *testing.T) {
	// The directory returns an address already in the seeds.
	resolver := &stubResolver{srvs: []*net.SRV{
		{Target: "10.0.0.1", Port: 1337},
	}}

	conf := testConfig()
	conf.Seeds = []string{"10.0.0.1:1337"}
	conf.LocalProbeEnabled = false

	d := NewDiscovery(conf, resolver, nil, common.NewTestEntry(t))

	candidates := d.DiscoverNow()
	require.Len(t, candidates, 1)

	// Repeating the round never grows the set.
	candidates = d.DiscoverNow()
	require.Len(t, candidates, 1)
}

func TestDiscoverNowExcludesSelf(t *testing.T) {
	conf := testConfig()
	conf.Seeds = []string{conf.SelfAddr, "10.0.0.1:1337"}
	conf.DirectoryDomain = ""
	conf.LocalProbeEnabled = false

	d := NewDiscovery(conf, nil, nil, common.NewTestEntry(t))

	candidates := d.DiscoverNow()
	require.Len(t, candidates, 1)
	require.Equal(t, "10.0.0.1:1337", candidates[0].Address)
}

// A failing source is logged and does not block the others.
func TestDirectoryFailureDoesNotBlockSeeds(t *testing.T) {
	resolver := &stubResolver{err: errors.New("SERVFAIL")}
	prober := &stubProber{err: errors.New("no broadcast")}

	d := NewDiscovery(testConfig(), resolver, prober, common.NewTestEntry(t))

	candidates := d.DiscoverNow()
	require.Len(t, candidates, 2)
}

func TestCandidateChannelDeliversNewOnly(t *testing.T) {
	conf := testConfig()
	conf.DirectoryDomain = ""
	conf.LocalProbeEnabled = false
	conf.Seeds = nil

	d := NewDiscovery(conf, nil, nil, common.NewTestEntry(t))

	d.AddCandidate("10.0.0.5:1337", MethodGossip)
	d.AddCandidate("10.0.0.5:1337", MethodGossip)

	select {
	case c := <-d.Candidates():
		require.Equal(t, "10.0.0.5:1337", c.Address)
		require.Equal(t, MethodGossip, c.Method)
	default:
		t.Fatal("expected a candidate")
	}

	// The duplicate was absorbed.
	select {
	case c := <-d.Candidates():
		t.Fatalf("unexpected candidate: %v", c)
	default:
	}
}

func TestStartRunsPeriodically(t *testing.T) {
	conf := testConfig()
	conf.DirectoryDomain = ""
	conf.LocalProbeEnabled = false
	conf.Seeds = []string{"10.0.0.1:1337"}
	conf.RefreshInterval = 10 * time.Millisecond

	d := NewDiscovery(conf, nil, nil, common.NewTestEntry(t))
	d.Start()
	defer d.Stop()

	select {
	case c := <-d.Candidates():
		require.Equal(t, "10.0.0.1:1337", c.Address)
	case <-time.After(time.Second):
		t.Fatal("discovery never ran")
	}
}
