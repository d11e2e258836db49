package peers

import (
	"fmt"
	"io/ioutil"
	"os"
	"reflect"
	"testing"

	"github.com/memorymesh/memorymesh/src/crypto/keys"
)

func testPeers(n int) []*Peer {
	res := []*Peer{}
	for i := 0; i < n; i++ {
		key, _ := keys.GenerateKey()
		res = append(res, NewPeer(
			keys.PublicKeyHex(&key.PublicKey),
			fmt.Sprintf("addr%d", i),
			fmt.Sprintf("peer%d", i),
		))
	}
	return res
}

func TestPeerSetIndexes(t *testing.T) {
	source := testPeers(3)
	peerSet := NewPeerSetFromSlice(source)

	if peerSet.Len() != 3 {
		t.Fatalf("Len should be 3, not %d", peerSet.Len())
	}

	for _, p := range source {
		byID, ok := peerSet.Get(p.ID)
		if !ok || byID != p {
			t.Fatalf("Get(%s) did not return the peer", p.ID)
		}

		byAddr, ok := peerSet.GetByAddr(p.NetAddr)
		if !ok || byAddr != p {
			t.Fatalf("GetByAddr(%s) did not return the peer", p.NetAddr)
		}
	}

	sorted := peerSet.ToPeerSlice()
	for i := 1; i < len(sorted); i++ {
		if sorted[i-1].ID >= sorted[i].ID {
			t.Fatalf("Sorted peers out of order: %s >= %s", sorted[i-1].ID, sorted[i].ID)
		}
	}
}

func TestPeerSetAddRemove(t *testing.T) {
	source := testPeers(3)
	peerSet := NewPeerSetFromSlice(source[:2])

	peerSet.AddPeer(source[2])
	if peerSet.Len() != 3 {
		t.Fatalf("Len should be 3, not %d", peerSet.Len())
	}

	peerSet.RemovePeer(source[0])
	if peerSet.Len() != 2 {
		t.Fatalf("Len should be 2, not %d", peerSet.Len())
	}
	if _, ok := peerSet.Get(source[0].ID); ok {
		t.Fatalf("peer %s should be gone", source[0].ID)
	}
	if _, ok := peerSet.GetByAddr(source[0].NetAddr); ok {
		t.Fatalf("peer addr %s should be gone", source[0].NetAddr)
	}

	peerSet.RemovePeerByID(source[1].ID)
	if peerSet.Len() != 1 {
		t.Fatalf("Len should be 1, not %d", peerSet.Len())
	}

	// Removing an unknown peer is a no-op.
	peerSet.RemovePeerByID("nonexistent")
	if peerSet.Len() != 1 {
		t.Fatalf("Len should still be 1, not %d", peerSet.Len())
	}
}

func TestPeerIDFromPubKey(t *testing.T) {
	key, _ := keys.GenerateKey()
	pubHex := keys.PublicKeyHex(&key.PublicKey)

	p1 := NewPeer(pubHex, "addr1", "monika")
	p2 := NewPeer(pubHex, "addr2", "karl")

	if p1.ID == "" {
		t.Fatal("ID should not be empty")
	}
	if p1.ID != p2.ID {
		t.Fatalf("same key should give same ID: %s != %s", p1.ID, p2.ID)
	}

	pubBytes, err := p1.PubKeyBytes()
	if err != nil {
		t.Fatal(err)
	}
	pub := keys.ToPublicKey(pubBytes)
	if !reflect.DeepEqual(*pub, key.PublicKey) {
		t.Fatal("PublicKey not parsed correctly")
	}
}

func TestExcludePeer(t *testing.T) {
	source := testPeers(3)

	index, rest := ExcludePeer(source, source[1].ID)
	if index != 1 {
		t.Fatalf("index should be 1, not %d", index)
	}
	if len(rest) != 2 {
		t.Fatalf("rest should have 2 peers, not %d", len(rest))
	}

	index, rest = ExcludePeer(source, "nonexistent")
	if index != -1 {
		t.Fatalf("index should be -1, not %d", index)
	}
	if len(rest) != 3 {
		t.Fatalf("rest should have 3 peers, not %d", len(rest))
	}
}

func TestJSONPeerSet(t *testing.T) {
	dir, err := ioutil.TempDir("", "memorymesh")
	if err != nil {
		t.Fatalf("err: %v ", err)
	}
	defer os.RemoveAll(dir)

	store := NewJSONPeerSet(dir)

	// Try a read, should get nothing
	peerSet, err := store.PeerSet()
	if err == nil {
		t.Fatalf("store.PeerSet() should generate an error")
	}
	if peerSet != nil {
		t.Fatalf("peerSet: %v", peerSet)
	}

	source := testPeers(3)
	if err := store.Write(NewPeerSetFromSlice(source)); err != nil {
		t.Fatalf("err: %v", err)
	}

	// Try a read, should find 3 peers
	peerSet, err = store.PeerSet()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if peerSet.Len() != 3 {
		t.Fatalf("peers: %v", peerSet.ToPeerSlice())
	}

	want := NewPeerSetFromSlice(source).ToPeerSlice()
	got := peerSet.ToPeerSlice()

	for i := 0; i < 3; i++ {
		if got[i].NetAddr != want[i].NetAddr {
			t.Fatalf("peers[%d] NetAddr should be %s, not %s", i,
				want[i].NetAddr, got[i].NetAddr)
		}
		if got[i].Moniker != want[i].Moniker {
			t.Fatalf("peers[%d] Moniker should be %s, not %s", i,
				want[i].Moniker, got[i].Moniker)
		}
		if got[i].PubKeyHex != want[i].PubKeyHex {
			t.Fatalf("peers[%d] PubKeyHex should be %s, not %s", i,
				want[i].PubKeyHex, got[i].PubKeyHex)
		}
	}
}
