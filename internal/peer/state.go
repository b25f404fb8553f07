// Package peer implements the per-remote-peer lifecycle (PeerState,
// Tracker), the info advertisement policy, and the Service that binds
// local node-addresses, their data stores, and the routing table
// together and regenerates the addresses on request.
//
// Grounded on original_source/theseus/peertracker.py (PeerState/Tracker),
// original_source/theseus/dispatcher.py (info policy), and
// original_source/theseus/node.go-equivalent app.py (startup sequencing).
package peer

import (
	"net"

	"github.com/theseus-dht/theseus/internal/contact"
	"github.com/theseus-dht/theseus/internal/kad"
	"github.com/theseus-dht/theseus/internal/krpc"
)

// Role is which side of the handshake a peer connection took.
type Role int

const (
	Initiator Role = iota
	Responder
)

// ConnState is the lifecycle stage of a remote peer connection.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

// Info is the remote-advertised state a peer has told us about itself.
type Info struct {
	ListenPort uint16
	PeerKey    [32]byte
	Addrs      []kad.Addr
	MaxVersion int
}

// PeerState is a per-remote-peer record. Exactly one connection attempt is
// in flight at a time; ConnState == Connected implies Cnxn is non-nil.
type PeerState struct {
	Host      net.IP
	Role      Role
	ConnState ConnState
	Cnxn      *krpc.Conn
	Info      Info
}

// Contact derives the ContactInfo this state corresponds to, once its
// listen port and peer key are known.
func (s *PeerState) Contact() contact.Info {
	return contact.Info{Host: s.Host, Port: s.Info.ListenPort, Key: s.Info.PeerKey}
}
