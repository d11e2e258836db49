package peers

import (
	"sort"
	"sync"
)

// PeerSet is a thread-safe arena of Peers indexed by ID and by address.
type PeerSet struct {
	sync.RWMutex
	Sorted []*Peer
	ByID   map[string]*Peer
	ByAddr map[string]*Peer
}

// NewPeerSet creates an empty PeerSet.
func NewPeerSet() *PeerSet {
	return &PeerSet{
		ByID:   make(map[string]*Peer),
		ByAddr: make(map[string]*Peer),
	}
}

// NewPeerSetFromSlice creates a PeerSet from a list of Peers.
func NewPeerSetFromSlice(source []*Peer) *PeerSet {
	peerSet := NewPeerSet()

	for _, peer := range source {
		peerSet.addPeerRaw(peer)
	}

	peerSet.internalSort()

	return peerSet
}

// addPeerRaw adds a peer without sorting the set. Not protected by the mutex;
// handle with care.
func (p *PeerSet) addPeerRaw(peer *Peer) {
	if peer.ID == "" {
		peer.computeID()
	}

	p.ByID[peer.ID] = peer
	p.ByAddr[peer.NetAddr] = peer
}

// AddPeer adds a peer and re-sorts the set.
func (p *PeerSet) AddPeer(peer *Peer) {
	p.Lock()
	defer p.Unlock()

	p.addPeerRaw(peer)

	p.internalSort()
}

func (p *PeerSet) internalSort() {
	res := []*Peer{}

	for _, peer := range p.ByID {
		res = append(res, peer)
	}

	sort.Sort(ByID(res))

	p.Sorted = res
}

// RemovePeer removes a peer from the set.
func (p *PeerSet) RemovePeer(peer *Peer) {
	p.Lock()
	defer p.Unlock()

	if _, ok := p.ByID[peer.ID]; !ok {
		return
	}

	delete(p.ByID, peer.ID)
	delete(p.ByAddr, peer.NetAddr)

	p.internalSort()
}

// RemovePeerByID removes the peer with the given ID.
func (p *PeerSet) RemovePeerByID(id string) {
	p.RLock()
	peer, ok := p.ByID[id]
	p.RUnlock()

	if ok {
		p.RemovePeer(peer)
	}
}

// GetByAddr returns the peer listening on the given address.
func (p *PeerSet) GetByAddr(addr string) (*Peer, bool) {
	p.RLock()
	defer p.RUnlock()

	peer, ok := p.ByAddr[addr]
	return peer, ok
}

// Get returns the peer with the given ID.
func (p *PeerSet) Get(id string) (*Peer, bool) {
	p.RLock()
	defer p.RUnlock()

	peer, ok := p.ByID[id]
	return peer, ok
}

// ToPeerSlice returns the sorted peers.
func (p *PeerSet) ToPeerSlice() []*Peer {
	p.RLock()
	defer p.RUnlock()

	res := make([]*Peer, len(p.Sorted))
	copy(res, p.Sorted)

	return res
}

// ToIDSlice returns the sorted peer IDs.
func (p *PeerSet) ToIDSlice() []string {
	p.RLock()
	defer p.RUnlock()

	res := []string{}

	for _, peer := range p.Sorted {
		res = append(res, peer.ID)
	}

	return res
}

// Len returns the number of peers in the set.
func (p *PeerSet) Len() int {
	p.RLock()
	defer p.RUnlock()

	return len(p.ByID)
}

// ByID implements sort.Interface for []*Peer based on the ID field.
type ByID []*Peer

func (a ByID) Len() int      { return len(a) }
func (a ByID) Swap(i, j int) { a[i], a[j] = a[j], a[i] }
func (a ByID) Less(i, j int) bool {
	return a[i].ID < a[j].ID
}
