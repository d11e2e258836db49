package gossip

import (
	"crypto/ecdsa"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/memorymesh/memorymesh/src/common"
	"github.com/memorymesh/memorymesh/src/crdt"
	"github.com/memorymesh/memorymesh/src/net"
	"github.com/memorymesh/memorymesh/src/peers"
)

var (
	// ErrMeshShutdown is returned by operations invoked after Shutdown.
	ErrMeshShutdown = errors.New("mesh shutdown")
)

// Replicator is the state the mesh anti-entropy rounds reconcile. The CRDT
// store implements it.
type Replicator interface {
	// Digest summarizes the key space as key to vector-clock.
	Digest() map[string]crdt.VectorClock

	// Diff returns the local records that are ahead of, or unknown to, the
	// given remote digest.
	Diff(remote map[string]crdt.VectorClock) []*crdt.Record

	// Merge applies a remote record and reports whether it changed local
	// state.
	Merge(rec *crdt.Record) (bool, error)
}

// Handler processes a verified, de-duplicated gossip message. Handlers run on
// the receiving RPC goroutine and must not block.
type Handler func(msg *net.GossipMessage)

// Config groups the mesh protocol parameters.
type Config struct {
	// Fanout is the number of peers contacted per dissemination and per
	// anti-entropy round.
	Fanout int

	// MaxTTLHops bounds how many times a message is relayed.
	MaxTTLHops int

	// AntiEntropyInterval is the base period between sync rounds. The
	// effective period is jittered up to 2x.
	AntiEntropyInterval time.Duration

	// DedupCacheSize bounds the message-ID cache.
	DedupCacheSize int

	// DedupCacheTTL expires message IDs from the cache.
	DedupCacheTTL time.Duration
}

// DefaultConfig returns the standard mesh parameters.
func DefaultConfig() Config {
	return Config{
		Fanout:              3,
		MaxTTLHops:          4,
		AntiEntropyInterval: 1 * time.Second,
		DedupCacheSize:      50000,
		DedupCacheTTL:       60 * time.Second,
	}
}

// Mesh implements epidemic dissemination over the peer set: push broadcast
// with a hop budget and message-ID de-duplication, plus periodic pull
// anti-entropy against the Replicator. Broadcast gives no delivery guarantee
// by itself; anti-entropy is what makes replicated state converge.
type Mesh struct {
	conf Config

	localID   string
	pubKeyHex string
	key       *ecdsa.PrivateKey

	peerSet *peers.PeerSet
	trans   net.Transport
	repl    Replicator

	seen *common.DedupCache

	handlers     map[net.MessageKind]Handler
	handlersLock sync.RWMutex

	syncTimer *ControlTimer

	logger *logrus.Entry

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// NewMesh creates a Mesh. The peer set is shared with the other components
// and may grow after creation.
func NewMesh(
	conf Config,
	localID string,
	pubKeyHex string,
	key *ecdsa.PrivateKey,
	peerSet *peers.PeerSet,
	trans net.Transport,
	repl Replicator,
	logger *logrus.Entry,
) *Mesh {
	return &Mesh{
		conf:       conf,
		localID:    localID,
		pubKeyHex:  pubKeyHex,
		key:        key,
		peerSet:    peerSet,
		trans:      trans,
		repl:       repl,
		seen:       common.NewDedupCache(conf.DedupCacheSize, conf.DedupCacheTTL),
		handlers:   make(map[net.MessageKind]Handler),
		syncTimer:  NewRandomControlTimer(),
		logger:     logger.WithField("prefix", "gossip"),
		shutdownCh: make(chan struct{}),
	}
}

// RegisterHandler installs the handler for a message kind. The last handler
// registered for a kind wins.
func (m *Mesh) RegisterHandler(kind net.MessageKind, h Handler) {
	m.handlersLock.Lock()
	defer m.handlersLock.Unlock()
	m.handlers[kind] = h
}

// Start launches the anti-entropy loop.
func (m *Mesh) Start() {
	go m.syncTimer.Run(m.conf.AntiEntropyInterval)

	go func() {
		for {
			select {
			case <-m.syncTimer.tickCh:
				m.antiEntropyRound()
				select {
				case m.syncTimer.resetCh <- m.conf.AntiEntropyInterval:
				case <-m.shutdownCh:
					return
				}
			case <-m.shutdownCh:
				return
			}
		}
	}()
}

// Shutdown stops the anti-entropy loop. In-flight forwards are abandoned.
func (m *Mesh) Shutdown() {
	m.shutdownOnce.Do(func() {
		close(m.shutdownCh)
		m.syncTimer.Shutdown()
	})
}

// AddPeer adds a peer to the mesh membership.
func (m *Mesh) AddPeer(peer *peers.Peer) {
	m.peerSet.AddPeer(peer)
}

// Announce broadcasts a peer_announce for the given peer, which relays
// membership transitively to nodes the peer never contacted directly.
func (m *Mesh) Announce(peer *peers.Peer) error {
	payload, err := peerAnnouncePayload(peer)
	if err != nil {
		return err
	}
	return m.Broadcast(net.KindPeerAnnounce, payload)
}

// Broadcast originates a message: it is assigned a fresh ID, signed with the
// node key, stamped with the full hop budget, and pushed to a random subset
// of peers. The local de-dup cache records the ID so a reflected copy is not
// reprocessed.
func (m *Mesh) Broadcast(kind net.MessageKind, payload []byte) error {
	select {
	case <-m.shutdownCh:
		return ErrMeshShutdown
	default:
	}

	msg := &net.GossipMessage{
		MessageID:    uuid.New().String(),
		Kind:         kind,
		TTLHops:      m.conf.MaxTTLHops,
		OriginID:     m.localID,
		OriginPubKey: m.pubKeyHex,
		Payload:      payload,
	}

	if err := msg.Sign(m.key); err != nil {
		return err
	}

	m.seen.Seen(msg.MessageID)

	m.forward(msg, m.localID)

	return nil
}

// HandleGossip processes an incoming gossip push: verify the origin
// signature, drop duplicates, dispatch to the registered handler, then relay
// with a decremented hop budget. A message arriving with no budget left is
// applied but never forwarded.
func (m *Mesh) HandleGossip(req *net.GossipRequest) (*net.GossipResponse, error) {
	resp := &net.GossipResponse{FromID: m.localID}

	msg := req.Message
	if msg == nil {
		return resp, errors.New("empty gossip request")
	}

	if err := msg.Verify(); err != nil {
		m.logger.WithFields(logrus.Fields{
			"origin": msg.OriginID,
			"kind":   msg.Kind,
		}).WithError(err).Warn("dropping unverifiable gossip message")
		return resp, err
	}

	if m.seen.Seen(msg.MessageID) {
		resp.Success = true
		return resp, nil
	}

	m.dispatch(msg)

	if msg.TTLHops > 0 {
		fwd := *msg
		fwd.TTLHops = msg.TTLHops - 1
		go m.forward(&fwd, req.FromID)
	}

	resp.Success = true
	return resp, nil
}

func (m *Mesh) dispatch(msg *net.GossipMessage) {
	m.handlersLock.RLock()
	h, ok := m.handlers[msg.Kind]
	m.handlersLock.RUnlock()

	if !ok {
		m.logger.WithField("kind", msg.Kind).Debug("no handler for gossip kind")
		return
	}

	h(msg)
}

// forward pushes msg to a bounded random subset of peers, skipping the
// origin, the sender we got it from, and ourselves. The cap of twice the
// fanout keeps the per-message network cost bounded regardless of mesh size.
func (m *Mesh) forward(msg *net.GossipMessage, sender string) {
	targets := m.selectPeers(2*m.conf.Fanout, msg.OriginID, sender)

	var g errgroup.Group
	for _, p := range targets {
		p := p
		g.Go(func() error {
			req := &net.GossipRequest{FromID: m.localID, Message: msg}
			var resp net.GossipResponse
			if err := m.trans.Gossip(p.NetAddr, req, &resp); err != nil {
				m.logger.WithFields(logrus.Fields{
					"peer": p.ID,
					"kind": msg.Kind,
				}).WithError(err).Debug("gossip push failed")
			}
			return nil
		})
	}
	g.Wait()
}

// selectPeers draws up to max random peers, excluding the given IDs and the
// local node.
func (m *Mesh) selectPeers(max int, exclude ...string) []*peers.Peer {
	skip := map[string]bool{m.localID: true}
	for _, id := range exclude {
		skip[id] = true
	}

	candidates := []*peers.Peer{}
	for _, p := range m.peerSet.ToPeerSlice() {
		if !skip[p.ID] {
			candidates = append(candidates, p)
		}
	}

	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	if len(candidates) > max {
		candidates = candidates[:max]
	}

	return candidates
}

// antiEntropyRound reconciles the replicator with a few random peers: pull
// what they have that we lack, then push back what we have that they lack.
// This repairs any divergence the push path dropped on the floor.
func (m *Mesh) antiEntropyRound() {
	if m.repl == nil {
		return
	}

	targets := m.selectPeers(m.conf.Fanout)
	if len(targets) == 0 {
		return
	}

	digest := m.repl.Digest()

	var g errgroup.Group
	for _, p := range targets {
		p := p
		g.Go(func() error {
			m.syncWithPeer(p, digest)
			return nil
		})
	}
	g.Wait()
}

func (m *Mesh) syncWithPeer(p *peers.Peer, digest map[string]crdt.VectorClock) {
	req := &net.SyncRequest{FromID: m.localID, Digest: digest}
	var resp net.SyncResponse
	if err := m.trans.Sync(p.NetAddr, req, &resp); err != nil {
		m.logger.WithField("peer", p.ID).WithError(err).Debug("sync failed")
		return
	}

	for _, rec := range resp.Records {
		if _, err := m.repl.Merge(rec); err != nil {
			m.logger.WithFields(logrus.Fields{
				"peer": p.ID,
				"key":  rec.Key,
			}).WithError(err).Error("merge failed")
		}
	}

	// Push back our side of the divergence.
	missing := m.repl.Diff(resp.Digest)
	if len(missing) == 0 {
		return
	}

	pushReq := &net.PushRequest{FromID: m.localID, Records: missing}
	var pushResp net.PushResponse
	if err := m.trans.Push(p.NetAddr, pushReq, &pushResp); err != nil {
		m.logger.WithField("peer", p.ID).WithError(err).Debug("push failed")
	}
}

// HandleSync serves the pull side of a peer's anti-entropy round.
func (m *Mesh) HandleSync(req *net.SyncRequest) (*net.SyncResponse, error) {
	resp := &net.SyncResponse{FromID: m.localID}

	if m.repl == nil {
		return resp, errors.New("no replicator configured")
	}

	resp.Records = m.repl.Diff(req.Digest)
	resp.Digest = m.repl.Digest()

	return resp, nil
}

// HandlePush applies records pushed by a peer after it served our digest.
func (m *Mesh) HandlePush(req *net.PushRequest) (*net.PushResponse, error) {
	resp := &net.PushResponse{FromID: m.localID}

	if m.repl == nil {
		return resp, errors.New("no replicator configured")
	}

	for _, rec := range req.Records {
		if _, err := m.repl.Merge(rec); err != nil {
			return resp, err
		}
	}

	resp.Success = true
	return resp, nil
}

// SeenCount reports the number of message IDs currently tracked.
func (m *Mesh) SeenCount() int {
	return m.seen.Len()
}
