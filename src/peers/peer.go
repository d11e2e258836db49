package peers

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/memorymesh/memorymesh/src/common"
)

// Peer is the identity of a cluster member as exchanged on the wire. The ID is
// an opaque stable string derived from the peer's public key; peer
// relationships are always expressed as ID lookups, never as embedded object
// references.
type Peer struct {
	ID        string `json:"id"`
	NetAddr   string `json:"net_addr"`
	PubKeyHex string `json:"pub_key"`
	Tier      string `json:"tier,omitempty"`
	Moniker   string `json:"moniker,omitempty"`
}

// NewPeer creates a Peer and computes its ID from the public key.
func NewPeer(pubKeyHex, netAddr, moniker string) *Peer {
	peer := &Peer{
		PubKeyHex: pubKeyHex,
		NetAddr:   netAddr,
		Moniker:   moniker,
	}

	peer.computeID()

	return peer
}

// PubKeyBytes returns the decoded public key.
func (p *Peer) PubKeyBytes() ([]byte, error) {
	return common.DecodeFromString(p.PubKeyHex)
}

func (p *Peer) computeID() error {
	pubKey, err := p.PubKeyBytes()
	if err != nil {
		return err
	}

	p.ID = Fingerprint(pubKey)

	return nil
}

// Fingerprint derives a stable node ID from raw public key bytes.
func Fingerprint(pubKey []byte) string {
	digest := sha256.Sum256(pubKey)
	return hex.EncodeToString(digest[:8])
}

// ExcludePeer is used to exclude a single peer from a list of peers.
func ExcludePeer(peers []*Peer, id string) (int, []*Peer) {
	index := -1
	otherPeers := make([]*Peer, 0, len(peers))
	for i, p := range peers {
		if p.ID != id {
			otherPeers = append(otherPeers, p)
		} else {
			index = i
		}
	}
	return index, otherPeers
}
