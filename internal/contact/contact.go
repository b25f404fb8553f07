// Package contact defines ContactInfo, the wire identity of a remote peer,
// and RoutingEntry, the (contact, node-address) pair stored in the routing
// table.
package contact

import (
	"encoding/binary"
	"errors"
	"net"

	"github.com/theseus-dht/theseus/internal/nodeaddr"
)

// Info is a remote peer's identity: host, port, and static X25519 public
// key. Equality is on all three fields.
type Info struct {
	Host net.IP
	Port uint16
	Key  [32]byte
}

// Equal reports whether a and b identify the same contact.
func (a Info) Equal(b Info) bool {
	return a.Host.Equal(b.Host) && a.Port == b.Port && a.Key == b.Key
}

// HostKey returns the IPv4 form of Host's address suitable for use as a map
// key (net.IP slices are not comparable).
func (a Info) HostKey() [4]byte {
	var k [4]byte
	copy(k[:], a.Host.To4())
	return k
}

// RoutingEntry is a single (contact, node-address) pairing held by the
// routing table. A contact may occupy multiple entries, one per
// node-address it advertises.
type RoutingEntry struct {
	Contact  Info
	NodeAddr nodeaddr.NodeAddress
}

// WireLen is the encoded RoutingEntry size: node_addr(34) || port(2 BE) ||
// peer_key(32).
const WireLen = nodeaddr.WireLen + 2 + 32

var errWireLen = errors.New("contact: routing entry wire form must be 68 bytes")

// Encode serializes e to its 68-byte wire form. Contact.Host is not
// written: the wire form does not carry the IP, which is implied by the
// connection or advertisement context it arrives in (see Decode).
func (e RoutingEntry) Encode() []byte {
	buf := make([]byte, 0, WireLen)
	buf = append(buf, e.NodeAddr.Encode()...)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], e.Contact.Port)
	buf = append(buf, portBuf[:]...)
	buf = append(buf, e.Contact.Key[:]...)
	return buf
}

// Decode parses a 68-byte wire form. host supplies the IP that the wire
// form itself omits.
func Decode(b []byte, host net.IP) (RoutingEntry, error) {
	if len(b) != WireLen {
		return RoutingEntry{}, errWireLen
	}
	na, err := nodeaddr.Decode(b[:nodeaddr.WireLen])
	if err != nil {
		return RoutingEntry{}, err
	}
	rest := b[nodeaddr.WireLen:]
	port := binary.BigEndian.Uint16(rest[:2])
	var key [32]byte
	copy(key[:], rest[2:])
	return RoutingEntry{
		Contact:  Info{Host: host, Port: port, Key: key},
		NodeAddr: na,
	}, nil
}
