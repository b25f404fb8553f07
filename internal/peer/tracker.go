package peer

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/theseus-dht/theseus/internal/contact"
	"github.com/theseus-dht/theseus/internal/kad"
	"github.com/theseus-dht/theseus/internal/netutil"
)

// BlacklistSize bounds the append-only blacklist ring, per spec.md §5.
const BlacklistSize = 500

// SubnetPrefixBits and SubnetLimit bound how many contacts a single /24-ish
// network may contribute to this tracker, independent of the routing
// table's own k-bucket cap — grounded on the teacher's p2p/netutil subnet
// throttling (now internal/netutil.DistinctNetSet), adapted from per-bucket
// to per-tracker scope.
const (
	SubnetPrefixBits = 24
	SubnetLimit      = 10
)

// ErrSubnetLimitExceeded is returned when a contact's subnet has already
// contributed SubnetLimit contacts.
var ErrSubnetLimitExceeded = errors.New("peer: subnet contact limit exceeded")

var (
	// ErrBlacklisted is returned when a contact is currently blacklisted.
	ErrBlacklisted = errors.New("peer: contact is blacklisted")
	// ErrSharedListenPort is returned when a listen_port advertisement
	// collides with another peer-state already claiming it at the same
	// host.
	ErrSharedListenPort = errors.New("peer: listen_port already claimed at this host")
	// ErrSelfContact is returned when a contact is this peer's own.
	ErrSelfContact = errors.New("peer: contact is self")
	// ErrDuplicateContact is returned when registering a contact that is
	// already registered under a different state.
	ErrDuplicateContact = errors.New("peer: duplicate contact")
)

func hostKey(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return string(v4)
	}
	return string(ip)
}

func contactKey(c contact.Info) string {
	h := c.HostKey()
	return string(h[:]) + string([]byte{byte(c.Port >> 8), byte(c.Port)}) + string(c.Key[:])
}

// Tracker owns the addr→contact and contact→state registries and the
// blacklist ring; it is single-owner/event-loop-serial (the mutex here
// exists only to make the package safely callable from the hasher's
// completion goroutines, not to model real concurrent table access).
type Tracker struct {
	mu sync.Mutex

	addrToContact map[kad.Addr]contact.Info
	contactToState map[string]*PeerState

	blacklist    [BlacklistSize]string
	blacklistPos int
	blacklistSet map[string]struct{}

	subnets netutil.DistinctNetSet
}

// NewTracker constructs an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		addrToContact:  make(map[kad.Addr]contact.Info),
		contactToState: make(map[string]*PeerState),
		blacklistSet:   make(map[string]struct{}),
		subnets:        netutil.DistinctNetSet{Subnet: SubnetPrefixBits, Limit: SubnetLimit},
	}
}

// Blacklist appends host to the blacklist ring, evicting the oldest entry
// once full.
func (t *Tracker) Blacklist(host net.IP) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := hostKey(host)
	if _, ok := t.blacklistSet[k]; ok {
		return
	}
	old := t.blacklist[t.blacklistPos]
	if old != "" {
		delete(t.blacklistSet, old)
	}
	t.blacklist[t.blacklistPos] = k
	t.blacklistSet[k] = struct{}{}
	t.blacklistPos = (t.blacklistPos + 1) % BlacklistSize
}

// IsBlacklisted reports whether host is currently in the blacklist ring.
func (t *Tracker) IsBlacklisted(host net.IP) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.blacklistSet[hostKey(host)]
	return ok
}

// IsContactBlacklisted is a plugins/lookup-friendly adapter over
// IsBlacklisted.
func (t *Tracker) IsContactBlacklisted(c contact.Info) bool {
	return t.IsBlacklisted(c.Host)
}

// RegisterContact associates c with state, detecting collisions: another
// state already registered for a different contact at the same
// (host, listen_port). It rejects hosts in LAN/reserved ranges (never
// dialable as a remote peer) and enforces the per-subnet contact cap.
func (t *Tracker) RegisterContact(c contact.Info, state *PeerState) error {
	if netutil.IsLAN(c.Host) || netutil.IsSpecialNetwork(c.Host) {
		return fmt.Errorf("peer: host %s is not a routable remote address", c.Host)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	key := contactKey(c)
	if existing, ok := t.contactToState[key]; ok && existing != state {
		return ErrDuplicateContact
	}
	for k, s := range t.contactToState {
		if s == state {
			continue
		}
		if s.Host.Equal(c.Host) && s.Info.ListenPort == c.Port && k != key {
			return ErrSharedListenPort
		}
	}
	if !t.subnets.Contains(c.Host) {
		if !t.subnets.Add(c.Host) {
			return ErrSubnetLimitExceeded
		}
	}
	t.contactToState[key] = state
	return nil
}

// RegisterAddr associates a routing-table node address with the contact
// that advertised it.
func (t *Tracker) RegisterAddr(addr kad.Addr, c contact.Info) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addrToContact[addr] = c
}

// StateFor returns the tracked PeerState for c, if any.
func (t *Tracker) StateFor(c contact.Info) (*PeerState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.contactToState[contactKey(c)]
	return s, ok
}

// EnsureState returns the existing PeerState for host, or creates and
// registers a new disconnected one.
func (t *Tracker) EnsureState(host net.IP, role Role) *PeerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.contactToState {
		if s.Host.Equal(host) {
			return s
		}
	}
	s := &PeerState{Host: host, Role: role, ConnState: Disconnected}
	// Not yet contactable (no listen_port/peer_key known): keyed
	// provisionally by host only, reconciled once RegisterContact runs.
	t.contactToState[hostKey(host)] = s
	return s
}
