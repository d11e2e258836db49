package federation

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/memorymesh/memorymesh/src/common"
	"github.com/memorymesh/memorymesh/src/config"
	"github.com/memorymesh/memorymesh/src/coordinator"
	"github.com/memorymesh/memorymesh/src/crdt"
	"github.com/memorymesh/memorymesh/src/crypto/keys"
	"github.com/memorymesh/memorymesh/src/discovery"
	"github.com/memorymesh/memorymesh/src/gossip"
	"github.com/memorymesh/memorymesh/src/net"
	"github.com/memorymesh/memorymesh/src/peers"
	"github.com/memorymesh/memorymesh/src/raft"
	"github.com/memorymesh/memorymesh/src/service"
	"github.com/sirupsen/logrus"
)

// Store is the replicated key/value surface the engine exposes to the
// application. Both the in-memory and the badger-backed CRDT stores satisfy
// it.
type Store interface {
	Write(key string, value []byte) (*crdt.Record, error)
	Read(key string) ([]byte, error)
	Delete(key string) (*crdt.Record, error)
	Merge(incoming *crdt.Record) (bool, error)
	Digest() map[string]crdt.VectorClock
	Diff(remote map[string]crdt.VectorClock) []*crdt.Record
	GCTombstones(retention time.Duration) int
	Len() int
}

// Engine assembles the full coordination substrate: discovery feeds the
// coordinator, the coordinator governs the peer set, the mesh disseminates
// CRDT records and liveness, and raft orders control-plane commands over
// direct peer links.
type Engine struct {
	Config *config.Config

	ID          string
	PubKeyHex   string
	Moniker     string
	Incarnation uint64

	Peers       *peers.PeerSet
	Store       Store
	Transport   net.Transport
	Mesh        *gossip.Mesh
	Raft        *raft.Raft
	Coordinator *coordinator.Coordinator
	Discovery   *discovery.Discovery
	Service     *service.Service

	logger *logrus.Entry

	// activeRequests is the load metric reported in heartbeats.
	activeRequests int64

	// observedLatency holds math.Float64bits of the last heartbeat
	// round-trip time, in milliseconds.
	observedLatency uint64

	storeCloser func() error
	prober      *discovery.UDPProbe

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// NewEngine creates an engine from the configuration. Call Init before Run.
func NewEngine(conf *config.Config) *Engine {
	return &Engine{
		Config:      conf,
		Incarnation: uint64(time.Now().UnixNano()),
		shutdownCh:  make(chan struct{}),
	}
}

// Init wires all components together in dependency order.
func (e *Engine) Init() error {
	e.logger = e.Config.Logger()

	if err := e.initKey(); err != nil {
		return err
	}

	if err := e.initPeers(); err != nil {
		return err
	}

	if err := e.initStore(); err != nil {
		return err
	}

	if err := e.initTransport(); err != nil {
		return err
	}

	if err := e.initComponents(); err != nil {
		return err
	}

	if err := e.initDiscovery(); err != nil {
		return err
	}

	if err := e.initService(); err != nil {
		return err
	}

	return nil
}

func (e *Engine) initKey() error {
	if e.Config.Key == nil {
		keyfile := keys.NewSimpleKeyfile(e.Config.Keyfile())

		privKey, err := keyfile.ReadKey()
		if err != nil {
			e.logger.WithError(err).Warn("Cannot read private key from file")

			privKey, err = keys.GenerateKey()
			if err != nil {
				return err
			}

			if err := keyfile.WriteKey(privKey); err != nil {
				return err
			}

			e.logger.WithField("file", e.Config.Keyfile()).Info("Created a new key")
		}

		e.Config.Key = privKey
	}

	e.PubKeyHex = keys.PublicKeyHex(&e.Config.Key.PublicKey)
	e.ID = peers.Fingerprint(keys.FromPublicKey(&e.Config.Key.PublicKey))

	e.Moniker = e.Config.Moniker
	if e.Moniker == "" {
		e.Moniker = e.ID[:8]
	}

	return nil
}

func (e *Engine) initPeers() error {
	jsonPeerSet := peers.NewJSONPeerSet(e.Config.DataDir)

	peerSet, err := jsonPeerSet.PeerSet()
	if err != nil {
		e.logger.WithError(err).Debug("no peers.json, starting with self only")
		peerSet = peers.NewPeerSet()
	}

	advertise := e.Config.AdvertiseAddr
	if advertise == "" {
		advertise = e.Config.BindAddr
	}

	self := &peers.Peer{
		ID:        e.ID,
		NetAddr:   advertise,
		PubKeyHex: e.PubKeyHex,
		Moniker:   e.Moniker,
	}
	peerSet.AddPeer(self)

	e.Peers = peerSet

	return nil
}

func (e *Engine) initStore() error {
	if !e.Config.Store {
		e.Store = crdt.NewStore(e.ID, e.logger)
		e.storeCloser = func() error { return nil }

		e.logger.Debug("created new in-mem store")

		return nil
	}

	path := e.Config.DatabaseDir + "/records"

	e.logger.WithField("path", path).Debug("Attempting to load or create database")

	badgerStore, err := crdt.NewBadgerStore(e.ID, path, e.logger)
	if err != nil {
		return err
	}

	e.Store = badgerStore
	e.storeCloser = badgerStore.Close

	return nil
}

func (e *Engine) initTransport() error {
	transport, err := net.NewTCPTransport(
		e.Config.BindAddr,
		e.Config.AdvertiseAddr,
		e.Config.MaxPool,
		e.Config.TCPTimeout,
		e.Config.JoinTimeout,
		e.logger,
	)
	if err != nil {
		return err
	}

	e.Transport = transport

	return nil
}

func (e *Engine) initComponents() error {
	e.Coordinator = coordinator.NewCoordinator(
		coordinator.Config{
			HeartbeatInterval: e.Config.HeartbeatInterval,
			SuspectThreshold:  e.Config.SuspectThreshold,
			DeadThreshold:     e.Config.DeadThreshold,
			GracePeriod:       e.Config.GracePeriod,
			AdmissionSecret:   e.Config.AdmissionSecret,
		},
		nil,
		e.logger,
	)

	e.Mesh = gossip.NewMesh(
		gossip.Config{
			Fanout:              e.Config.MeshFanout,
			MaxTTLHops:          e.Config.MaxTTLHops,
			AntiEntropyInterval: e.Config.AntiEntropyInterval,
			DedupCacheSize:      e.Config.DedupCacheSize,
			DedupCacheTTL:       e.Config.DedupCacheTTL,
		},
		e.ID,
		e.PubKeyHex,
		e.Config.Key,
		e.Peers,
		e.Transport,
		e.Store,
		e.logger,
	)

	var logs raft.LogStore
	if e.Config.Store {
		badgerLogs, err := raft.NewBadgerLogStore(e.Config.DatabaseDir + "/raft")
		if err != nil {
			return fmt.Errorf("opening raft log: %w", err)
		}
		logs = badgerLogs
	}

	consensus, err := raft.NewRaft(
		raft.Config{
			ElectionTimeoutMin: e.Config.ElectionTimeoutMin,
			ElectionTimeoutMax: e.Config.ElectionTimeoutMax,
			HeartbeatInterval:  e.Config.RaftHeartbeatInterval,
			CommitTimeout:      e.Config.JoinTimeout,
		},
		e.ID,
		e.Peers,
		logs,
		e.Transport,
		nil,
		e.logger,
	)
	if err != nil {
		return err
	}

	consensus.SetLeaderHook(func(term uint64) {
		payload, err := gossip.EncodeLeaderNotice(&gossip.LeaderNoticePayload{
			LeaderID: e.ID,
			Term:     term,
		})
		if err != nil {
			return
		}
		e.Mesh.Broadcast(net.KindLeaderNotice, payload)
	})

	e.Raft = consensus

	e.registerGossipHandlers()

	return nil
}

func (e *Engine) initDiscovery() error {
	advertise := e.Transport.AdvertiseAddr()

	var prober discovery.Prober
	if e.Config.LocalProbeEnabled {
		udpProbe, err := discovery.NewUDPProbe(e.Config.LocalProbePort, advertise, e.logger)
		if err != nil {
			return err
		}
		e.prober = udpProbe
		prober = udpProbe
	}

	seeds := append([]string{}, e.Config.DiscoverySeeds...)
	if fileSeeds, err := discovery.ReadSeedsFile(e.Config.SeedsFile()); err == nil {
		seeds = append(seeds, fileSeeds...)
	}

	e.Discovery = discovery.NewDiscovery(
		discovery.Config{
			Seeds:             seeds,
			DirectoryDomain:   e.Config.DirectoryDomain,
			RefreshInterval:   e.Config.DirectoryRefreshInterval,
			LocalProbeEnabled: e.Config.LocalProbeEnabled,
			SelfAddr:          advertise,
		},
		nil,
		prober,
		e.logger,
	)

	return nil
}

func (e *Engine) initService() error {
	if !e.Config.NoService && e.Config.ServiceAddr != "" {
		e.Service = service.NewService(e.Config.ServiceAddr, e, e.logger)
	}
	return nil
}

// registerGossipHandlers connects the mesh message kinds to the components
// that consume them.
func (e *Engine) registerGossipHandlers() {
	e.Mesh.RegisterHandler(net.KindHeartbeat, func(msg *net.GossipMessage) {
		hb, err := gossip.DecodeHeartbeat(msg.Payload)
		if err != nil {
			return
		}
		e.Coordinator.Heartbeat(hb.NodeID, hb.Incarnation, coordinator.LoadMetrics{
			ActiveRequests:  hb.ActiveRequests,
			ObservedLatency: hb.ObservedLatency,
		})
	})

	e.Mesh.RegisterHandler(net.KindPeerAnnounce, func(msg *net.GossipMessage) {
		peer, err := gossip.DecodePeerAnnounce(msg.Payload)
		if err != nil {
			return
		}
		if peer.ID == e.ID {
			return
		}
		// Transitive membership: gossip-relayed peers enter the candidate
		// pool, and the handshake loop decides whether to admit them.
		e.Discovery.AddCandidate(peer.NetAddr, discovery.MethodGossip)
		e.Peers.AddPeer(peer)
	})

	e.Mesh.RegisterHandler(net.KindStatePush, func(msg *net.GossipMessage) {
		record := new(crdt.Record)
		if err := record.Unmarshal(msg.Payload); err != nil {
			e.logger.WithError(err).Warn("undecodable state push")
			return
		}
		if _, err := e.Store.Merge(record); err != nil {
			e.logger.WithError(err).WithField("key", record.Key).Error("merge failed")
		}
	})

	e.Mesh.RegisterHandler(net.KindLeaving, func(msg *net.GossipMessage) {
		e.Coordinator.MarkLeaving(msg.OriginID)
		e.Peers.RemovePeerByID(msg.OriginID)
	})

	e.Mesh.RegisterHandler(net.KindLeaderNotice, func(msg *net.GossipMessage) {
		ln, err := gossip.DecodeLeaderNotice(msg.Payload)
		if err != nil {
			return
		}
		e.logger.WithFields(logrus.Fields{
			"leader": ln.LeaderID,
			"term":   ln.Term,
		}).Debug("leader notice")
	})
}

// Run starts every background loop and blocks until Shutdown.
func (e *Engine) Run() {
	if e.Service != nil {
		go e.Service.Serve()
	}

	go e.Transport.Listen()
	go e.dispatchRPC()

	e.Discovery.Start()
	go e.handshakeLoop()

	e.Mesh.Start()
	e.Raft.RunAsync()

	// Admit self so the local registry always has an entry.
	e.Coordinator.Register(e.ID, e.Transport.AdvertiseAddr(), e.Config.AdmissionSecret, e.Incarnation)

	go e.heartbeatLoop()
	go e.gcLoop()

	<-e.shutdownCh
}

// dispatchRPC routes inbound transport RPCs to the owning component.
func (e *Engine) dispatchRPC() {
	for {
		select {
		case rpc, ok := <-e.Transport.Consumer():
			if !ok {
				return
			}
			e.handleRPC(rpc)
		case <-e.shutdownCh:
			return
		}
	}
}

func (e *Engine) handleRPC(rpc net.RPC) {
	switch cmd := rpc.Command.(type) {
	case *net.JoinRequest:
		resp := e.handleJoin(cmd)
		rpc.Respond(resp, nil)

	case *net.HeartbeatRequest:
		ok, err := e.Coordinator.Heartbeat(cmd.FromID, cmd.Incarnation, coordinator.LoadMetrics{
			ActiveRequests:  cmd.ActiveRequests,
			ObservedLatency: cmd.ObservedLatency,
		})
		rpc.Respond(&net.HeartbeatResponse{FromID: e.ID, Success: ok}, err)

	case *net.GossipRequest:
		resp, err := e.Mesh.HandleGossip(cmd)
		rpc.Respond(resp, err)

	case *net.SyncRequest:
		resp, err := e.Mesh.HandleSync(cmd)
		rpc.Respond(resp, err)

	case *net.PushRequest:
		resp, err := e.Mesh.HandlePush(cmd)
		rpc.Respond(resp, err)

	case *raft.RequestVoteRequest:
		rpc.Respond(e.Raft.HandleRequestVote(cmd), nil)

	case *raft.AppendEntriesRequest:
		rpc.Respond(e.Raft.HandleAppendEntries(cmd), nil)

	default:
		rpc.Respond(nil, fmt.Errorf("unexpected command"))
	}
}

// handleJoin admits a remote node through the coordinator and, on success,
// adds it to the peer set and announces it on the mesh.
func (e *Engine) handleJoin(req *net.JoinRequest) *net.JoinResponse {
	res, err := e.Coordinator.Register(req.FromID, req.NetAddr, req.Credential, req.Incarnation)
	if err != nil {
		return &net.JoinResponse{FromID: e.ID, Accepted: false, Reason: err.Error()}
	}

	if !res.Accepted {
		return &net.JoinResponse{FromID: e.ID, Accepted: false, Reason: res.Reason}
	}

	peer := &peers.Peer{
		ID:        req.FromID,
		NetAddr:   req.NetAddr,
		PubKeyHex: req.PubKeyHex,
		Tier:      res.Tier,
		Moniker:   req.Moniker,
	}
	e.Peers.AddPeer(peer)

	go e.Mesh.Announce(peer)

	return &net.JoinResponse{
		FromID:   e.ID,
		Accepted: true,
		Tier:     res.Tier,
		Peers:    e.Peers.ToPeerSlice(),
	}
}

// handshakeLoop attempts a Join against every discovered candidate.
func (e *Engine) handshakeLoop() {
	for {
		select {
		case candidate, ok := <-e.Discovery.Candidates():
			if !ok {
				return
			}
			if _, found := e.Peers.GetByAddr(candidate.Address); found {
				continue
			}
			go e.handshake(candidate)
		case <-e.shutdownCh:
			return
		}
	}
}

// errJoinRejected marks a handshake the remote coordinator turned down;
// retrying would only be rejected again.
var errJoinRejected = errors.New("join rejected")

// maxJoinAttempts bounds handshake retries against an unreachable candidate.
const maxJoinAttempts = 8

// handshake joins a candidate, retrying transport failures with exponential
// backoff. Candidates are delivered once, so a seed that is not listening yet
// must be retried here rather than rediscovered.
func (e *Engine) handshake(candidate discovery.Candidate) {
	backoff := common.Backoff{Base: 500 * time.Millisecond, Max: 30 * time.Second}

	for attempt := 1; attempt <= maxJoinAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(backoff.Duration(attempt - 2)):
			case <-e.shutdownCh:
				return
			}
			if _, found := e.Peers.GetByAddr(candidate.Address); found {
				return
			}
		}

		err := e.tryJoin(candidate.Address)
		if err == nil {
			return
		}
		if errors.Is(err, errJoinRejected) {
			return
		}

		e.logger.WithFields(logrus.Fields{
			"addr":    candidate.Address,
			"attempt": attempt,
		}).WithError(err).Debug("handshake failed")
	}

	e.logger.WithField("addr", candidate.Address).Warn("giving up on candidate")
}

func (e *Engine) tryJoin(address string) error {
	req := &net.JoinRequest{
		FromID:      e.ID,
		NetAddr:     e.Transport.AdvertiseAddr(),
		PubKeyHex:   e.PubKeyHex,
		Moniker:     e.Moniker,
		Credential:  e.Config.AdmissionSecret,
		Incarnation: e.Incarnation,
	}

	var resp net.JoinResponse
	if err := e.Transport.Join(address, req, &resp); err != nil {
		return err
	}

	if !resp.Accepted {
		e.logger.WithFields(logrus.Fields{
			"addr":   address,
			"reason": resp.Reason,
		}).Warn("handshake rejected")
		return errJoinRejected
	}

	for _, peer := range resp.Peers {
		if peer.ID == e.ID {
			continue
		}
		e.Peers.AddPeer(peer)
		e.Coordinator.Register(peer.ID, peer.NetAddr, "", 0)
	}

	e.logger.WithFields(logrus.Fields{
		"addr": address,
		"tier": resp.Tier,
	}).Debug("joined")

	return nil
}

// heartbeatLoop broadcasts this node's liveness and load on the mesh.
func (e *Engine) heartbeatLoop() {
	ticker := time.NewTicker(e.Config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			go e.sampleLatency()

			payload, err := gossip.EncodeHeartbeat(&gossip.HeartbeatPayload{
				NodeID:          e.ID,
				Incarnation:     e.Incarnation,
				ActiveRequests:  int(atomic.LoadInt64(&e.activeRequests)),
				ObservedLatency: e.latencyMillis(),
			})
			if err != nil {
				continue
			}
			e.Mesh.Broadcast(net.KindHeartbeat, payload)

			// Keep the local record fresh too.
			e.Coordinator.Heartbeat(e.ID, e.Incarnation, coordinator.LoadMetrics{
				ActiveRequests:  int(atomic.LoadInt64(&e.activeRequests)),
				ObservedLatency: e.latencyMillis(),
			})
		case <-e.shutdownCh:
			return
		}
	}
}

// sampleLatency measures a direct heartbeat round-trip to one random peer and
// records it as this node's observed latency.
func (e *Engine) sampleLatency() {
	candidates := []*peers.Peer{}
	for _, peer := range e.Peers.ToPeerSlice() {
		if peer.ID != e.ID {
			candidates = append(candidates, peer)
		}
	}
	if len(candidates) == 0 {
		return
	}

	peer := candidates[rand.Intn(len(candidates))]

	req := &net.HeartbeatRequest{
		FromID:          e.ID,
		Incarnation:     e.Incarnation,
		ActiveRequests:  int(atomic.LoadInt64(&e.activeRequests)),
		ObservedLatency: e.latencyMillis(),
	}

	start := time.Now()

	var resp net.HeartbeatResponse
	if err := e.Transport.Heartbeat(peer.NetAddr, req, &resp); err != nil {
		e.logger.WithField("addr", peer.NetAddr).WithError(err).Debug("latency sample failed")
		return
	}

	rtt := float64(time.Since(start)) / float64(time.Millisecond)
	atomic.StoreUint64(&e.observedLatency, math.Float64bits(rtt))
}

func (e *Engine) latencyMillis() float64 {
	return math.Float64frombits(atomic.LoadUint64(&e.observedLatency))
}

// gcLoop periodically collects expired CRDT tombstones.
func (e *Engine) gcLoop() {
	ticker := time.NewTicker(e.Config.TombstoneRetention)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.Store.GCTombstones(e.Config.TombstoneRetention)
		case <-e.shutdownCh:
			return
		}
	}
}

// Write publishes a new version of key to the mesh.
func (e *Engine) Write(key string, value []byte) error {
	atomic.AddInt64(&e.activeRequests, 1)
	defer atomic.AddInt64(&e.activeRequests, -1)

	record, err := e.Store.Write(key, value)
	if err != nil {
		return err
	}

	return e.broadcastRecord(record)
}

// Read returns the locally visible value for key.
func (e *Engine) Read(key string) ([]byte, error) {
	atomic.AddInt64(&e.activeRequests, 1)
	defer atomic.AddInt64(&e.activeRequests, -1)

	return e.Store.Read(key)
}

// Delete tombstones key and publishes the deletion.
func (e *Engine) Delete(key string) error {
	atomic.AddInt64(&e.activeRequests, 1)
	defer atomic.AddInt64(&e.activeRequests, -1)

	record, err := e.Store.Delete(key)
	if err != nil {
		return err
	}

	return e.broadcastRecord(record)
}

func (e *Engine) broadcastRecord(record *crdt.Record) error {
	payload, err := record.Marshal()
	if err != nil {
		return err
	}
	return e.Mesh.Broadcast(net.KindStatePush, payload)
}

// SetApply registers the callback receiving committed consensus entries, in
// log order. Register it after Init and before Run.
func (e *Engine) SetApply(fn func(*raft.Entry)) {
	e.Raft.SetApply(fn)
}

// Propose submits a command to the consensus log and returns its committed
// index.
func (e *Engine) Propose(command []byte) (uint64, error) {
	atomic.AddInt64(&e.activeRequests, 1)
	defer atomic.AddInt64(&e.activeRequests, -1)

	return e.Raft.Propose(command)
}

// SelectPeer picks a healthy peer with the configured policy, or the one
// given at call time.
func (e *Engine) SelectPeer(policy string) (coordinator.NodeRecord, error) {
	if policy == "" {
		policy = e.Config.LoadBalancePolicy
	}
	return e.Coordinator.SelectPeer(policy)
}

// Status returns a snapshot of the node registry.
func (e *Engine) Status() ([]coordinator.NodeRecord, error) {
	return e.Coordinator.Status()
}

// Subscribe returns the coordinator's status-transition feed.
func (e *Engine) Subscribe() <-chan coordinator.Event {
	return e.Coordinator.Subscribe()
}

// GetPeers returns the current peer set.
func (e *Engine) GetPeers() []*peers.Peer {
	return e.Peers.ToPeerSlice()
}

// RaftStats exposes consensus counters.
func (e *Engine) RaftStats() map[string]string {
	return e.Raft.Stats()
}

// Stats aggregates counters from every component.
func (e *Engine) Stats() map[string]string {
	stats := map[string]string{
		"id":              e.ID,
		"moniker":         e.Moniker,
		"addr":            e.Transport.AdvertiseAddr(),
		"peers":           fmt.Sprint(e.Peers.Len()),
		"records":         fmt.Sprint(e.Store.Len()),
		"gossip_seen":     fmt.Sprint(e.Mesh.SeenCount()),
		"active_requests": fmt.Sprint(atomic.LoadInt64(&e.activeRequests)),
	}

	for k, v := range e.RaftStats() {
		stats["raft_"+k] = v
	}

	return stats
}

// Leave broadcasts a best-effort leaving announcement, then shuts down.
func (e *Engine) Leave() {
	e.Mesh.Broadcast(net.KindLeaving, nil)
	e.Shutdown()
}

// Shutdown stops every loop. Raft is stopped first so its log is flushed and
// durably persisted before the stores close.
func (e *Engine) Shutdown() {
	e.shutdownOnce.Do(func() {
		e.logger.Debug("Shutdown")

		close(e.shutdownCh)

		e.Raft.Shutdown()
		e.Mesh.Shutdown()
		e.Discovery.Stop()
		e.Coordinator.Shutdown()

		if e.prober != nil {
			e.prober.Close()
		}

		e.Transport.Close()

		if e.storeCloser != nil {
			if err := e.storeCloser(); err != nil {
				e.logger.WithError(err).Error("closing store")
			}
		}
	})
}
