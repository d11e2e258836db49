package gossip

import (
	"bytes"

	"github.com/ugorji/go/codec"

	"github.com/memorymesh/memorymesh/src/peers"
)

// HeartbeatPayload is the body of a heartbeat gossip message.
type HeartbeatPayload struct {
	NodeID          string  `json:"node_id"`
	Incarnation     uint64  `json:"incarnation"`
	ActiveRequests  int     `json:"active_requests"`
	ObservedLatency float64 `json:"observed_latency_ms"`
}

// LeaderNoticePayload is the body of a leader_notice gossip message.
type LeaderNoticePayload struct {
	LeaderID string `json:"leader_id"`
	Term     uint64 `json:"term"`
}

func encodePayload(v interface{}) ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	if err := codec.NewEncoder(b, jh).Encode(v); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func decodePayload(data []byte, v interface{}) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	return codec.NewDecoder(b, jh).Decode(v)
}

func peerAnnouncePayload(peer *peers.Peer) ([]byte, error) {
	return encodePayload(peer)
}

// DecodePeerAnnounce decodes a peer_announce payload.
func DecodePeerAnnounce(data []byte) (*peers.Peer, error) {
	peer := new(peers.Peer)
	if err := decodePayload(data, peer); err != nil {
		return nil, err
	}
	return peer, nil
}

// EncodeHeartbeat encodes a heartbeat payload.
func EncodeHeartbeat(hb *HeartbeatPayload) ([]byte, error) {
	return encodePayload(hb)
}

// DecodeHeartbeat decodes a heartbeat payload.
func DecodeHeartbeat(data []byte) (*HeartbeatPayload, error) {
	hb := new(HeartbeatPayload)
	if err := decodePayload(data, hb); err != nil {
		return nil, err
	}
	return hb, nil
}

// EncodeLeaderNotice encodes a leader_notice payload.
func EncodeLeaderNotice(ln *LeaderNoticePayload) ([]byte, error) {
	return encodePayload(ln)
}

// DecodeLeaderNotice decodes a leader_notice payload.
func DecodeLeaderNotice(data []byte) (*LeaderNoticePayload, error) {
	ln := new(LeaderNoticePayload)
	if err := decodePayload(data, ln); err != nil {
		return nil, err
	}
	return ln, nil
}
