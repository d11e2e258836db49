package crdt

import (
	"bytes"

	"github.com/ugorji/go/codec"
)

// Record is a versioned key/value entry of the replicated store. The payload
// is opaque; any anonymization transform has already been applied by the
// caller before the record enters the replication layer. WallClockHint is used
// only to break ties between concurrent versions, never as an authoritative
// order.
type Record struct {
	Key           string      `json:"key"`
	Value         []byte      `json:"value"`
	Clock         VectorClock `json:"clock"`
	Tombstone     bool        `json:"tombstone"`
	Origin        string      `json:"origin"`
	WallClockHint int64       `json:"wall_clock_hint"`
}

// Marshal returns the canonical wire encoding of the record.
func (r *Record) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(r); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal parses a wire-encoded record.
func (r *Record) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	return dec.Decode(r)
}

// supersedes reports whether r wins the deterministic tie-break against other.
// It is only meaningful for concurrent records of the same key.
func (r *Record) supersedes(other *Record) bool {
	if r.WallClockHint != other.WallClockHint {
		return r.WallClockHint > other.WallClockHint
	}
	return r.Origin > other.Origin
}
