package dht

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/theseus-dht/theseus/internal/bencode"
	"github.com/theseus-dht/theseus/internal/contact"
	"github.com/theseus-dht/theseus/internal/datastore"
	"github.com/theseus-dht/theseus/internal/kad"
	"github.com/theseus-dht/theseus/internal/krpc"
)

// IdleTimeout closes a connection after this much inactivity, per
// spec.md §4.6.
const IdleTimeout = 34 * time.Second

// RoutingTable is the subset of *routing.Table the protocol consumes.
type RoutingTable interface {
	Query(target kad.Addr, m int) []contact.RoutingEntry
	Insert(c contact.Info, na kad.Addr, entry contact.RoutingEntry) error
}

// InfoPolicy resolves and validates the `info` query's advertised and
// requested keys; it is implemented by internal/peer so the protocol layer
// never reaches into peer-tracker internals directly.
type InfoPolicy interface {
	// ApplyRemoteInfo validates and applies info entries a remote peer
	// advertised about itself, from remoteHost.
	ApplyRemoteInfo(remoteHost net.IP, info bencode.Dict) error
	// ResolveLocalInfo answers a request for the given keys (or, if keys
	// is empty, every key this peer is willing to advertise).
	ResolveLocalInfo(keys []string) bencode.Dict
}

// Server dispatches the four DHT query methods against a routing table, a
// local data store, and an info policy.
type Server struct {
	Routing    RoutingTable
	Store      *datastore.Store
	Info       InfoPolicy
	RemoteHost net.IP
	RemotePort uint16
	K          int
}

// Handle implements the krpc.Conn.Dispatch handler signature.
func (s *Server) Handle(method string, args bencode.Dict) (bencode.Dict, *krpc.KrpcError) {
	switch method {
	case "find":
		return s.handleFind(args)
	case "get":
		return s.handleGet(args)
	case "put":
		return s.handlePut(args)
	case "info":
		return s.handleInfo(args)
	default:
		return nil, &krpc.KrpcError{Code: krpc.ErrMethodUnknown, Info: "unknown method: " + method}
	}
}

func addrFromArgs(args bencode.Dict) (kad.Addr, bool) {
	b, ok := args["addr"].(bencode.Bytes)
	if !ok || len(b) != kad.AddrLen {
		return kad.Addr{}, false
	}
	var a kad.Addr
	copy(a[:], b)
	return a, true
}

func tagsFromArgs(args bencode.Dict) []string {
	l, ok := args["tags"].(bencode.List)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(l))
	for _, v := range l {
		if b, ok := v.(bencode.Bytes); ok {
			out = append(out, string(b))
		}
	}
	return out
}

func encodeNodes(entries []contact.RoutingEntry) bencode.List {
	out := make(bencode.List, 0, len(entries))
	for _, e := range entries {
		out = append(out, bencode.Bytes(e.Encode()))
	}
	return out
}

func (s *Server) handleFind(args bencode.Dict) (bencode.Dict, *krpc.KrpcError) {
	addr, ok := addrFromArgs(args)
	if !ok {
		return nil, ErrBadAddressLength
	}
	k := s.K
	if k == 0 {
		k = kad.K
	}
	entries := s.Routing.Query(addr, k)
	return bencode.Dict{"nodes": encodeNodes(entries)}, nil
}

// handleGet returns locally-stored data for (addr, tags) if present;
// otherwise it behaves as find. An unset addr is always an error, per the
// Open Question resolution in spec.md §9.
func (s *Server) handleGet(args bencode.Dict) (bencode.Dict, *krpc.KrpcError) {
	addr, ok := addrFromArgs(args)
	if !ok {
		return nil, ErrUnsetAddress
	}
	tags := tagsFromArgs(args)
	if data := s.Store.Get(addr, tags); data != nil {
		out := make(bencode.Dict, len(data))
		list := make(bencode.List, 0, len(data))
		for _, v := range data {
			list = append(list, bencode.Bytes(v))
		}
		out["data"] = list
		return out, nil
	}
	return s.handleFind(args)
}

// handlePut stores data under addr, synthesizing server-side tag values
// (`ip`, `port`) when requested and returning empty bytes for any other
// requested tag name.
func (s *Server) handlePut(args bencode.Dict) (bencode.Dict, *krpc.KrpcError) {
	addr, ok := addrFromArgs(args)
	if !ok {
		return nil, ErrBadAddressLength
	}
	data, ok := args["data"].(bencode.Bytes)
	if !ok {
		return nil, &krpc.KrpcError{Code: krpc.ErrInvalidDHT, Info: "put requires data"}
	}
	suggested := time.Duration(0)
	if t, ok := args["t"].(bencode.Int); ok {
		suggested = time.Duration(t) * time.Second
	}

	tag := "" // default/unnamed tag
	if tl := tagsFromArgs(args); len(tl) == 1 {
		tag = tl[0]
	}
	granted := s.Store.Put(addr, tag, data, suggested)

	resp := bencode.Dict{"d": bencode.Int(granted)}
	if wantTags, ok := args["tags"].(bencode.List); ok && len(wantTags) > 0 {
		tagResp := make(bencode.Dict, len(wantTags))
		for _, v := range wantTags {
			name, ok := v.(bencode.Bytes)
			if !ok {
				continue
			}
			tagResp[string(name)] = synthesizeTag(string(name), s.RemoteHost, s.RemotePort)
		}
		resp["tags"] = tagResp
	}
	return resp, nil
}

func synthesizeTag(name string, host net.IP, port uint16) bencode.Bytes {
	switch name {
	case "ip":
		v4 := host.To4()
		if v4 == nil {
			return bencode.Bytes{}
		}
		return bencode.Bytes(v4)
	case "port":
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], port)
		return bencode.Bytes(b[:])
	default:
		return bencode.Bytes{}
	}
}

func (s *Server) handleInfo(args bencode.Dict) (bencode.Dict, *krpc.KrpcError) {
	if remoteInfo, ok := args["info"].(bencode.Dict); ok && len(remoteInfo) > 0 {
		if err := s.Info.ApplyRemoteInfo(s.RemoteHost, remoteInfo); err != nil {
			return nil, &krpc.KrpcError{Code: krpc.ErrInvalidDHT, Info: err.Error()}
		}
	}
	var keys []string
	if kl, ok := args["keys"].(bencode.List); ok {
		for _, v := range kl {
			if b, ok := v.(bencode.Bytes); ok {
				keys = append(keys, string(b))
			}
		}
	}
	return bencode.Dict{"info": s.Info.ResolveLocalInfo(keys)}, nil
}

// InetAton encodes a dotted-quad IPv4 address as a big-endian uint32, the
// form `ip`-tag values and preimage bytes use.
func InetAton(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}
