package dht

import (
	"net"
	"testing"

	"github.com/theseus-dht/theseus/internal/bencode"
	"github.com/theseus-dht/theseus/internal/contact"
	"github.com/theseus-dht/theseus/internal/datastore"
	"github.com/theseus-dht/theseus/internal/kad"
)

type fakeRouting struct {
	entries []contact.RoutingEntry
}

func (f *fakeRouting) Query(target kad.Addr, m int) []contact.RoutingEntry {
	if len(f.entries) > m {
		return f.entries[:m]
	}
	return f.entries
}

func (f *fakeRouting) Insert(c contact.Info, na kad.Addr, entry contact.RoutingEntry) error {
	f.entries = append(f.entries, entry)
	return nil
}

type fakeInfoPolicy struct {
	applied bencode.Dict
}

func (f *fakeInfoPolicy) ApplyRemoteInfo(host net.IP, info bencode.Dict) error {
	f.applied = info
	return nil
}

func (f *fakeInfoPolicy) ResolveLocalInfo(keys []string) bencode.Dict {
	return bencode.Dict{}
}

func TestHandleFindReturnsNodes(t *testing.T) {
	r := &fakeRouting{entries: []contact.RoutingEntry{{}}}
	s := &Server{Routing: r, Store: datastore.New(), Info: &fakeInfoPolicy{}}
	var addr kad.Addr
	resp, err := s.Handle("find", bencode.Dict{"addr": bencode.Bytes(addr[:])})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	nodes, ok := resp["nodes"].(bencode.List)
	if !ok || len(nodes) != 1 {
		t.Errorf("nodes = %#v", resp["nodes"])
	}
}

func TestHandleGetUnsetAddrIsError(t *testing.T) {
	s := &Server{Routing: &fakeRouting{}, Store: datastore.New(), Info: &fakeInfoPolicy{}}
	_, err := s.Handle("get", bencode.Dict{})
	if err == nil {
		t.Fatal("expected error for unset addr")
	}
}

func TestHandlePutThenGet(t *testing.T) {
	s := &Server{Routing: &fakeRouting{}, Store: datastore.New(), Info: &fakeInfoPolicy{}}
	var addr kad.Addr
	addr[0] = 7
	_, err := s.Handle("put", bencode.Dict{
		"addr": bencode.Bytes(addr[:]),
		"data": bencode.Bytes("payload"),
		"t":    bencode.Int(60),
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	resp, err := s.Handle("get", bencode.Dict{"addr": bencode.Bytes(addr[:])})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, ok := resp["data"]; !ok {
		t.Errorf("get response missing data: %#v", resp)
	}
}

func TestHandlePutSynthesizesIPAndPortTags(t *testing.T) {
	s := &Server{
		Routing:    &fakeRouting{},
		Store:      datastore.New(),
		Info:       &fakeInfoPolicy{},
		RemoteHost: net.IPv4(1, 2, 3, 4),
		RemotePort: 9999,
	}
	var addr kad.Addr
	resp, err := s.Handle("put", bencode.Dict{
		"addr": bencode.Bytes(addr[:]),
		"data": bencode.Bytes("x"),
		"t":    bencode.Int(60),
		"tags": bencode.List{bencode.Bytes("ip"), bencode.Bytes("port")},
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	tags, ok := resp["tags"].(bencode.Dict)
	if !ok {
		t.Fatalf("response missing tags dict: %#v", resp)
	}
	ip, ok := tags["ip"].(bencode.Bytes)
	if !ok || string(ip) != string([]byte{1, 2, 3, 4}) {
		t.Errorf("ip tag = %v", ip)
	}
	port, ok := tags["port"].(bencode.Bytes)
	if !ok || len(port) != 2 {
		t.Errorf("port tag = %v", port)
	}
}

func TestHandleInfoAppliesRemoteAndResolvesLocal(t *testing.T) {
	policy := &fakeInfoPolicy{}
	s := &Server{Routing: &fakeRouting{}, Store: datastore.New(), Info: policy}
	resp, err := s.Handle("info", bencode.Dict{
		"info": bencode.Dict{"max_version": bencode.Int(1)},
		"keys": bencode.List{},
	})
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if policy.applied == nil {
		t.Error("ApplyRemoteInfo was not called")
	}
	if _, ok := resp["info"]; !ok {
		t.Errorf("response missing info: %#v", resp)
	}
}

func TestHandleUnknownMethod(t *testing.T) {
	s := &Server{Routing: &fakeRouting{}, Store: datastore.New(), Info: &fakeInfoPolicy{}}
	_, err := s.Handle("bogus", bencode.Dict{})
	if err == nil {
		t.Fatal("expected error for unknown method")
	}
}
