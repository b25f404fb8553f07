package peer

import (
	"net"
	"testing"

	"github.com/theseus-dht/theseus/internal/bencode"
	"github.com/theseus-dht/theseus/internal/contact"
	"github.com/theseus-dht/theseus/internal/hasher"
	"github.com/theseus-dht/theseus/internal/kad"
)

type fakeRouting struct {
	inserted int
}

func (f *fakeRouting) Insert(c contact.Info, na kad.Addr, entry contact.RoutingEntry) error {
	f.inserted++
	return nil
}

func TestApplyRemoteInfoRejectsBadListenPort(t *testing.T) {
	p := &Policy{Tracker: NewTracker(), Routing: &fakeRouting{}, Hasher: hasher.New()}
	err := p.ApplyRemoteInfo(net.IPv4(1, 2, 3, 4), bencode.Dict{
		"listen_port": bencode.Int(80),
	})
	if err == nil {
		t.Fatal("expected error for out-of-range listen_port")
	}
}

func TestApplyRemoteInfoRejectsBadPeerKeyLength(t *testing.T) {
	p := &Policy{Tracker: NewTracker(), Routing: &fakeRouting{}, Hasher: hasher.New()}
	err := p.ApplyRemoteInfo(net.IPv4(1, 2, 3, 4), bencode.Dict{
		"peer_key": bencode.Bytes("short"),
	})
	if err == nil {
		t.Fatal("expected error for bad peer_key length")
	}
}

func TestApplyRemoteInfoRegistersContactOnValidListenPortAndKey(t *testing.T) {
	tr := NewTracker()
	p := &Policy{Tracker: tr, Routing: &fakeRouting{}, Hasher: hasher.New()}
	host := net.IPv4(9, 9, 9, 9)
	var key [32]byte
	key[0] = 1
	err := p.ApplyRemoteInfo(host, bencode.Dict{
		"listen_port": bencode.Int(5000),
		"peer_key":    bencode.Bytes(key[:]),
	})
	if err != nil {
		t.Fatalf("ApplyRemoteInfo: %v", err)
	}
	c := contact.Info{Host: host, Port: 5000, Key: key}
	if _, ok := tr.StateFor(c); !ok {
		t.Error("expected contact to be registered")
	}
}

func TestResolveLocalInfoReturnsRequestedKeysOnly(t *testing.T) {
	p := &Policy{
		Tracker: NewTracker(),
		Self:    contact.Info{Port: 1234},
	}
	all := p.ResolveLocalInfo(nil)
	if _, ok := all["listen_port"]; !ok {
		t.Fatal("expected listen_port in full resolve")
	}
	subset := p.ResolveLocalInfo([]string{"listen_port"})
	if len(subset) != 1 {
		t.Errorf("subset = %#v, want exactly listen_port", subset)
	}
}
