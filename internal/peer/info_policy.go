package peer

import (
	"context"
	"fmt"
	"net"

	"github.com/theseus-dht/theseus/internal/bencode"
	"github.com/theseus-dht/theseus/internal/contact"
	"github.com/theseus-dht/theseus/internal/dht"
	"github.com/theseus-dht/theseus/internal/hasher"
	"github.com/theseus-dht/theseus/internal/kad"
	"github.com/theseus-dht/theseus/internal/nodeaddr"
	"github.com/theseus-dht/theseus/internal/stats"
	"github.com/theseus-dht/theseus/logger"
	"github.com/theseus-dht/theseus/logger/glog"
	"github.com/theseus-dht/theseus/plugins"
)

// Hashing priorities used across the peer package: re-verifying a remote
// peer's advertised addresses runs at the lowest priority, since it is not
// on any caller's critical path.
const (
	PriorityLow    = 0
	PriorityNormal = 5
	PriorityHigh   = 10
)

// Routing is the subset of *routing.Table the info policy consumes.
type Routing interface {
	Insert(c contact.Info, na kad.Addr, entry contact.RoutingEntry) error
}

// Policy implements dht.InfoPolicy: it validates info a remote peer
// advertises about itself (§4.8's table) and answers local info requests
// from this peer's own state plus any registered InfoProvider plugins.
type Policy struct {
	Tracker  *Tracker
	Routing  Routing
	Hasher   *hasher.Hasher
	Stats    *stats.Tracker
	Self     contact.Info
	LocalAddrs func() []nodeaddr.NodeAddress
	MaxVersion int
	Providers  []plugins.InfoProvider
}

var _ dht.InfoPolicy = (*Policy)(nil)

// ApplyRemoteInfo validates and applies the info dict a remote peer at
// remoteHost advertised about itself.
func (p *Policy) ApplyRemoteInfo(remoteHost net.IP, info bencode.Dict) error {
	state := p.Tracker.EnsureState(remoteHost, Responder)

	if lp, ok := info["listen_port"].(bencode.Int); ok {
		port := int(lp)
		if port < 1024 || port > 65535 {
			return fmt.Errorf("peer: listen_port %d out of range", port)
		}
		state.Info.ListenPort = uint16(port)
	}

	var haveKey bool
	if keyBytes, ok := info["peer_key"].(bencode.Bytes); ok {
		if len(keyBytes) != 32 {
			return fmt.Errorf("peer: peer_key must be 32 bytes")
		}
		copy(state.Info.PeerKey[:], keyBytes)
		haveKey = true
	}

	if state.Info.ListenPort != 0 && haveKey {
		c := contact.Info{Host: remoteHost, Port: state.Info.ListenPort, Key: state.Info.PeerKey}
		if err := p.Tracker.RegisterContact(c, state); err != nil {
			return err
		}
	}

	if mv, ok := info["max_version"].(bencode.Int); ok {
		state.Info.MaxVersion = int(mv) // reserved; accepted without further validation
	}

	if addrsList, ok := info["addrs"].(bencode.List); ok {
		for _, v := range addrsList {
			b, ok := v.(bencode.Bytes)
			if !ok || len(b) != nodeaddr.WireLen {
				p.Tracker.Blacklist(remoteHost)
				continue
			}
			na, err := nodeaddr.Decode(b)
			if err != nil {
				p.Tracker.Blacklist(remoteHost)
				continue
			}
			if na.Preimage.IP().String() != remoteHost.String() {
				p.Tracker.Blacklist(remoteHost)
				continue
			}
			ok2, err := p.Hasher.Check(context.Background(), na.Addr, na.Preimage, PriorityLow)
			if err != nil || !ok2 {
				p.Tracker.Blacklist(remoteHost)
				continue
			}
			na.Verified = true
			c := contact.Info{Host: remoteHost, Port: state.Info.ListenPort, Key: state.Info.PeerKey}
			entry := contact.RoutingEntry{Contact: c, NodeAddr: na}
			if err := p.Routing.Insert(c, na.Addr, entry); err != nil {
				glog.V(logger.Debug).Infof("peer: routing insert failed for %v: %v", remoteHost, err)
				continue
			}
			p.Tracker.RegisterAddr(na.Addr, c)
		}
	}

	return nil
}

// ResolveLocalInfo answers a request for keys (or every advertisable key,
// if keys is empty) from local state and registered InfoProvider plugins.
func (p *Policy) ResolveLocalInfo(keys []string) bencode.Dict {
	all := bencode.Dict{
		"listen_port": bencode.Int(p.Self.Port),
		"peer_key":    bencode.Bytes(p.Self.Key[:]),
		"max_version": bencode.Int(p.MaxVersion),
	}
	if p.LocalAddrs != nil {
		var list bencode.List
		for _, na := range p.LocalAddrs() {
			list = append(list, bencode.Bytes(na.Encode()))
		}
		all["addrs"] = list
	}
	if p.Stats != nil {
		all["stats"] = bencode.Int(int64(p.Stats.EstimateSize()))
	}
	for _, provider := range p.Providers {
		for key := range provider.Provided() {
			if _, exists := all[key]; exists {
				continue
			}
			v, err := provider.Get(key)
			if err != nil {
				continue
			}
			all[key] = bencode.Bytes(v)
		}
	}

	if len(keys) == 0 {
		return all
	}
	out := make(bencode.Dict, len(keys))
	for _, k := range keys {
		if v, ok := all[k]; ok {
			out[k] = v
		}
	}
	return out
}
