package net

import (
	"bytes"
	"crypto/ecdsa"
	"errors"

	"github.com/memorymesh/memorymesh/src/common"
	"github.com/memorymesh/memorymesh/src/crypto/keys"
	"github.com/ugorji/go/codec"
)

// MessageKind discriminates the fixed, versioned set of gossip payloads.
type MessageKind string

const (
	// KindHeartbeat carries liveness and load metrics.
	KindHeartbeat MessageKind = "heartbeat"
	// KindPeerAnnounce advertises a member to the rest of the mesh.
	KindPeerAnnounce MessageKind = "peer_announce"
	// KindStatePush carries replicated records.
	KindStatePush MessageKind = "state_push"
	// KindLeaderNotice announces a newly elected consensus leader.
	KindLeaderNotice MessageKind = "leader_notice"
	// KindLeaving is a best-effort clean-leave announcement. Abrupt death is
	// still detected via missed heartbeats.
	KindLeaving MessageKind = "leaving"
)

var (
	// ErrBadSignature is returned when a gossip message fails verification.
	ErrBadSignature = errors.New("invalid gossip message signature")
)

// GossipMessage is the envelope disseminated over the mesh. Messages are
// authenticated, not trusted: the signature covers everything except itself,
// so a relaying node cannot tamper with the payload, and the message ID in
// the de-dup cache stops replays within the cache TTL.
type GossipMessage struct {
	MessageID    string      `json:"message_id"`
	Kind         MessageKind `json:"kind"`
	TTLHops      int         `json:"ttl_hops"`
	OriginID     string      `json:"origin_id"`
	OriginPubKey string      `json:"origin_pub_key"`
	Payload      []byte      `json:"payload"`
	Signature    string      `json:"signature"`
}

// signable returns the canonical encoding of the message without its
// signature and without TTLHops, which legitimately changes at every hop.
func (m *GossipMessage) signable() ([]byte, error) {
	shadow := GossipMessage{
		MessageID:    m.MessageID,
		Kind:         m.Kind,
		OriginID:     m.OriginID,
		OriginPubKey: m.OriginPubKey,
		Payload:      m.Payload,
	}

	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	if err := codec.NewEncoder(b, jh).Encode(shadow); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Sign signs the message with the origin's private key.
func (m *GossipMessage) Sign(key *ecdsa.PrivateKey) error {
	data, err := m.signable()
	if err != nil {
		return err
	}

	r, s, err := keys.Sign(key, data)
	if err != nil {
		return err
	}

	m.Signature = keys.EncodeSignature(r, s)

	return nil
}

// Verify checks the signature against the embedded origin public key.
func (m *GossipMessage) Verify() error {
	pubBytes, err := common.DecodeFromString(m.OriginPubKey)
	if err != nil {
		return err
	}

	pub := keys.ToPublicKey(pubBytes)
	if pub == nil {
		return ErrBadSignature
	}

	data, err := m.signable()
	if err != nil {
		return err
	}

	r, s, err := keys.DecodeSignature(m.Signature)
	if err != nil {
		return err
	}

	if !keys.Verify(pub, data, r, s) {
		return ErrBadSignature
	}

	return nil
}
