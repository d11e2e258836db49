package discovery

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Method records how a candidate address was learned.
type Method string

const (
	// MethodBootstrap is the static seed list.
	MethodBootstrap Method = "bootstrap"
	// MethodDirectory is the periodic SRV directory lookup.
	MethodDirectory Method = "directory"
	// MethodLocalProbe is the local-subnet broadcast probe.
	MethodLocalProbe Method = "local-probe"
	// MethodGossip marks addresses relayed through peer announcements.
	MethodGossip Method = "gossip-relayed"
)

// Candidate is a peer address worth attempting a handshake with. The
// Coordinator decides whether to act on it.
type Candidate struct {
	Address  string
	Method   Method
	LastSeen time.Time
}

// SRVResolver abstracts the DNS SRV lookup so tests can stub the directory.
type SRVResolver interface {
	LookupSRV(service, proto, name string) (string, []*net.SRV, error)
}

// Prober abstracts the local-subnet probe.
type Prober interface {
	Probe(timeout time.Duration) ([]string, error)
}

type dnsResolver struct{}

func (dnsResolver) LookupSRV(service, proto, name string) (string, []*net.SRV, error) {
	return net.LookupSRV(service, proto, name)
}

// Config groups the discovery options.
type Config struct {
	// Seeds is the static bootstrap address list.
	Seeds []string

	// DirectoryDomain is the DNS domain queried for _memorymesh._tcp SRV
	// records. Empty disables the directory source.
	DirectoryDomain string

	// RefreshInterval is the period between discovery rounds.
	RefreshInterval time.Duration

	// LocalProbeEnabled activates the subnet broadcast probe.
	LocalProbeEnabled bool

	// SourceTimeout bounds each individual source query within a round.
	SourceTimeout time.Duration

	// SelfAddr is excluded from results.
	SelfAddr string
}

// Discovery combines three independent candidate sources: static seeds, a
// periodically refreshed directory lookup, and a local-subnet broadcast
// probe. Results are unioned and de-duplicated by address. A failing source
// is logged and never blocks the others.
type Discovery struct {
	sync.Mutex

	conf     Config
	resolver SRVResolver
	prober   Prober
	logger   *logrus.Entry

	known map[string]Candidate
	out   chan Candidate

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// NewDiscovery creates a Discovery. A nil resolver defaults to the system
// DNS; a nil prober disables the probe source regardless of configuration.
func NewDiscovery(conf Config, resolver SRVResolver, prober Prober, logger *logrus.Entry) *Discovery {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	if resolver == nil {
		resolver = dnsResolver{}
	}

	if conf.SourceTimeout == 0 {
		conf.SourceTimeout = 2 * time.Second
	}

	return &Discovery{
		conf:       conf,
		resolver:   resolver,
		prober:     prober,
		logger:     logger.WithField("prefix", "discovery"),
		known:      make(map[string]Candidate),
		out:        make(chan Candidate, 64),
		shutdownCh: make(chan struct{}),
	}
}

// Candidates returns the channel on which newly discovered candidates are
// delivered.
func (d *Discovery) Candidates() <-chan Candidate {
	return d.out
}

// Start runs discovery on a timer until Stop is called. The first round runs
// immediately.
func (d *Discovery) Start() {
	go func() {
		d.DiscoverNow()

		ticker := time.NewTicker(d.conf.RefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				d.DiscoverNow()
			case <-d.shutdownCh:
				return
			}
		}
	}()
}

// Stop terminates the discovery loop.
func (d *Discovery) Stop() {
	d.shutdownOnce.Do(func() {
		close(d.shutdownCh)
	})
}

// DiscoverNow queries all sources concurrently and returns the full known
// candidate set. Each source is independently timed out.
func (d *Discovery) DiscoverNow() []Candidate {
	var g errgroup.Group

	var mu sync.Mutex
	found := map[string]Method{}

	collect := func(addrs []string, method Method) {
		mu.Lock()
		defer mu.Unlock()
		for _, addr := range addrs {
			if addr == "" || addr == d.conf.SelfAddr {
				continue
			}
			if _, ok := found[addr]; !ok {
				found[addr] = method
			}
		}
	}

	g.Go(func() error {
		collect(d.conf.Seeds, MethodBootstrap)
		return nil
	})

	if d.conf.DirectoryDomain != "" {
		g.Go(func() error {
			addrs, err := d.lookupDirectory()
			if err != nil {
				d.logger.WithError(err).Debug("directory lookup failed")
				return nil
			}
			collect(addrs, MethodDirectory)
			return nil
		})
	}

	if d.conf.LocalProbeEnabled && d.prober != nil {
		g.Go(func() error {
			addrs, err := d.prober.Probe(d.conf.SourceTimeout)
			if err != nil {
				d.logger.WithError(err).Debug("local probe failed")
				return nil
			}
			collect(addrs, MethodLocalProbe)
			return nil
		})
	}

	g.Wait()

	for addr, method := range found {
		d.AddCandidate(addr, method)
	}

	return d.Known()
}

// lookupDirectory queries SRV records with a bounded timeout. net.LookupSRV
// has no context variant on the plain resolver, so the query runs in a
// goroutine raced against the timeout.
func (d *Discovery) lookupDirectory() ([]string, error) {
	type result struct {
		addrs []string
		err   error
	}

	resCh := make(chan result, 1)

	go func() {
		_, srvs, err := d.resolver.LookupSRV("memorymesh", "tcp", d.conf.DirectoryDomain)
		if err != nil {
			resCh <- result{err: err}
			return
		}
		addrs := []string{}
		for _, srv := range srvs {
			addrs = append(addrs, fmt.Sprintf("%s:%d", srv.Target, srv.Port))
		}
		resCh <- result{addrs: addrs}
	}()

	select {
	case res := <-resCh:
		return res.addrs, res.err
	case <-time.After(d.conf.SourceTimeout):
		return nil, fmt.Errorf("directory lookup timed out")
	}
}

// AddCandidate records a candidate learned out-of-band, typically a peer
// announcement relayed through gossip. New addresses are delivered on the
// candidate channel.
func (d *Discovery) AddCandidate(address string, method Method) {
	if address == "" || address == d.conf.SelfAddr {
		return
	}

	d.Lock()
	_, seen := d.known[address]
	candidate := Candidate{
		Address:  address,
		Method:   method,
		LastSeen: time.Now(),
	}
	d.known[address] = candidate
	d.Unlock()

	if seen {
		return
	}

	select {
	case d.out <- candidate:
	default:
		d.logger.WithField("address", address).Warn("candidate channel full, dropping")
	}
}

// Known returns a snapshot of every candidate discovered so far.
func (d *Discovery) Known() []Candidate {
	d.Lock()
	defer d.Unlock()

	res := make([]Candidate, 0, len(d.known))
	for _, c := range d.known {
		res = append(res, c)
	}
	return res
}
