package peers

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
)

const jsonPeerPath = "peers.json"

// JSONPeerSet provides peer persistence on disk in the form of a JSON file. It
// seeds the initial membership, including the Raft voting set.
type JSONPeerSet struct {
	l    sync.Mutex
	path string
}

// NewJSONPeerSet creates a JSONPeerSet with reference to the base directory
// where the JSON file resides.
func NewJSONPeerSet(base string) *JSONPeerSet {
	return &JSONPeerSet{
		path: filepath.Join(base, jsonPeerPath),
	}
}

// PeerSet reads and parses the underlying file.
func (j *JSONPeerSet) PeerSet() (*PeerSet, error) {
	j.l.Lock()
	defer j.l.Unlock()

	buf, err := ioutil.ReadFile(j.path)
	if err != nil {
		return nil, err
	}

	var peers []*Peer
	if err := json.Unmarshal(buf, &peers); err != nil {
		return nil, err
	}

	return NewPeerSetFromSlice(peers), nil
}

// Write persists a PeerSet to the underlying file.
func (j *JSONPeerSet) Write(peerSet *PeerSet) error {
	j.l.Lock()
	defer j.l.Unlock()

	b, err := json.MarshalIndent(peerSet.ToPeerSlice(), "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(j.path), 0700); err != nil {
		return err
	}

	return ioutil.WriteFile(j.path, b, 0600)
}
