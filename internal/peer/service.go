package peer

import (
	"context"
	cryptorand "crypto/rand"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"

	"github.com/theseus-dht/theseus/config"
	"github.com/theseus-dht/theseus/internal/contact"
	"github.com/theseus-dht/theseus/internal/datastore"
	"github.com/theseus-dht/theseus/internal/hasher"
	"github.com/theseus-dht/theseus/internal/kad"
	"github.com/theseus-dht/theseus/internal/nodeaddr"
	"github.com/theseus-dht/theseus/internal/routing"
	"github.com/theseus-dht/theseus/internal/stats"
	"github.com/theseus-dht/theseus/logger"
	"github.com/theseus-dht/theseus/logger/glog"
	"github.com/theseus-dht/theseus/plugins"
)

// DefaultNumNodes is how many local node-addresses a Service generates at
// startup, per spec.md §4.8.
const DefaultNumNodes = 5

// LocalNode pairs one local node-address with the data store it owns.
type LocalNode struct {
	Addr  nodeaddr.NodeAddress
	Store *datastore.Store
}

// Service is the startup/listen/address-rotation orchestrator: it binds a
// Hasher, a routing Table, a Tracker, and the peer-source/info-provider
// plugins together. Lookups and the rotation timer are driven by
// cmd/theseus, which calls into Service.
//
// Grounded on original_source/theseus/app.py's startup sequence, folded
// (per SPEC_FULL.md §4.12) into a single object rather than a separate
// dispatcher, matching the teacher's cmd/bootnode composition-root style.
type Service struct {
	Config      *config.Config
	Hasher      *hasher.Hasher
	Tracker     *Tracker
	Stats       *stats.Tracker
	PeerSources []plugins.PeerSource
	Providers   []plugins.InfoProvider
	PublicIP    net.IP
	StaticKey   noise.DHKey

	mu         sync.Mutex
	nodes      []LocalNode
	routingTbl *routing.Table
	listenPort uint16
	listener   net.Listener
}

// GenerateStaticKey produces the local X25519 static keypair used for all
// Noise handshakes.
func GenerateStaticKey() (noise.DHKey, error) {
	return noise.DH25519.GenerateKeypair(cryptorand.Reader)
}

// GenerateNodeAddress produces one new local node-address, hashing via the
// Hasher at PriorityHigh since it's on the startup critical path.
func (s *Service) GenerateNodeAddress() (nodeaddr.NodeAddress, error) {
	var entropy [6]byte
	if _, err := cryptorand.Read(entropy[:]); err != nil {
		return nodeaddr.NodeAddress{}, err
	}
	ts := uint32(nowFunc().Unix())
	pre := nodeaddr.NewPreimage(ts, s.PublicIP, entropy)

	ch := s.Hasher.Enqueue(context.Background(), pre, PriorityHigh)
	res := <-ch
	if res.Err != nil {
		return nodeaddr.NodeAddress{}, res.Err
	}
	return nodeaddr.NodeAddress{Addr: res.Addr, Preimage: pre, Verified: true}, nil
}

var nowFunc = time.Now

// GenerateLocalNodes spawns n node-address generations, each with its own
// data store, per spec.md §4.8 step 2. It initializes the routing table if
// this is the first call; RotateAddresses reuses the existing table via
// Reload instead.
func (s *Service) GenerateLocalNodes(n int) error {
	nodes := make([]LocalNode, 0, n)
	for i := 0; i < n; i++ {
		na, err := s.GenerateNodeAddress()
		if err != nil {
			return fmt.Errorf("peer: generating node address %d: %w", i, err)
		}
		nodes = append(nodes, LocalNode{Addr: na, Store: datastore.New()})
	}
	s.mu.Lock()
	s.nodes = nodes
	if s.routingTbl == nil {
		s.routingTbl = routing.New(s.localAddrs())
	}
	s.mu.Unlock()
	return nil
}

// localAddrs must be called with s.mu held.
func (s *Service) localAddrs() []kad.Addr {
	out := make([]kad.Addr, len(s.nodes))
	for i, n := range s.nodes {
		out[i] = n.Addr.Addr
	}
	return out
}

// LocalAddrs returns the current local node-addresses, usable as a
// Policy.LocalAddrs callback.
func (s *Service) LocalAddrs() []nodeaddr.NodeAddress {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]nodeaddr.NodeAddress, len(s.nodes))
	for i, n := range s.nodes {
		out[i] = n.Addr
	}
	return out
}

// RoutingTable returns the current routing table.
func (s *Service) RoutingTable() *routing.Table {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.routingTbl
}

// Store returns the data store backing this peer's first local
// node-address. Each local node-address owns its own store (see
// GenerateLocalNodes); only the first one's is returned here.
func (s *Service) Store() *datastore.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.nodes) == 0 {
		return nil
	}
	return s.nodes[0].Store
}

// ChooseListenPort binds a TCP listener on a uniform-random port within
// cfg's configured range, skipping ports in cfg.PortsToAvoid, retrying
// until bind succeeds or 1000 draws have been made, after which it
// returns an error.
func (s *Service) ChooseListenPort() (net.Listener, error) {
	low, high := s.Config.ListenPortRange[0], s.Config.ListenPortRange[1]
	avoid := make(map[int]struct{}, len(s.Config.PortsToAvoid))
	for _, p := range s.Config.PortsToAvoid {
		avoid[p] = struct{}{}
	}
	span := big.NewInt(int64(high - low + 1))
	for attempt := 0; attempt < 1000; attempt++ {
		n, err := cryptorand.Int(cryptorand.Reader, span)
		if err != nil {
			return nil, err
		}
		port := low + int(n.Int64())
		if _, skip := avoid[port]; skip {
			continue
		}
		ln, err := net.Listen("tcp4", fmt.Sprintf(":%d", port))
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.listenPort = uint16(port)
		s.listener = ln
		s.mu.Unlock()
		glog.V(logger.Info).Infof("peer: listening on port %d", port)
		return ln, nil
	}
	return nil, fmt.Errorf("peer: exhausted port candidates in [%d,%d]", low, high)
}

// ListenPort returns the currently bound listen port, or 0 if none.
func (s *Service) ListenPort() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenPort
}

// BootstrapFromSources pulls an initial contact list from each configured
// PeerSource (propagating the paranoid flag) and advertises self back to
// each source.
func (s *Service) BootstrapFromSources(self contact.Info, paranoid plugins.Paranoid) []contact.Info {
	var all []contact.Info
	for _, src := range s.PeerSources {
		contacts, err := src.Get(paranoid)
		if err != nil {
			glog.V(logger.Warn).Infof("peer: source Get failed: %v", err)
			continue
		}
		glog.V(logger.Debug).Infof("peer: got %d bootstrap contacts", len(contacts))
		all = append(all, contacts...)
		if err := src.Put(self, paranoid); err != nil {
			glog.V(logger.Warn).Infof("peer: source Put failed: %v", err)
		}
	}
	return all
}

// RotateAddresses regenerates n local node-addresses and reloads the
// routing table under the new set, preserving entries that remain
// insertable. Callers should launch a self-lookup per returned address.
func (s *Service) RotateAddresses(n int) ([]nodeaddr.NodeAddress, error) {
	if err := s.GenerateLocalNodes(n); err != nil {
		return nil, err
	}
	s.mu.Lock()
	tbl := s.routingTbl
	addrs := s.localAddrs()
	s.mu.Unlock()
	tbl.Reload(addrs, nil)
	return s.LocalAddrs(), nil
}
