// Package nodeaddr defines the Preimage and NodeAddress types and their
// wire encoding. A node address anchors a peer to a slot in the 160-bit
// Kademlia keyspace: it is a memory-hard hash of a timestamped, IP-bound
// preimage, recomputed and compared on verification.
package nodeaddr

import (
	"encoding/binary"
	"errors"
	"net"
	"time"

	"github.com/theseus-dht/theseus/internal/kad"
)

// PreimageLen is the byte length of a Preimage: ts(4) || ip4(4) || entropy(6).
const PreimageLen = 14

// TimeoutWindow is the lifetime of a local node-address: cmd/theseus
// regenerates its local addresses once per TimeoutWindow. No code rejects
// a remote address against it; Hasher.Check's expiry test uses
// VerificationWindow.
const TimeoutWindow = time.Hour

// Preimage is the 14-byte input hashed to produce a NodeAddress.
type Preimage [PreimageLen]byte

// NewPreimage builds a Preimage from a timestamp, an IPv4 address, and 6
// bytes of entropy.
func NewPreimage(ts uint32, ip net.IP, entropy [6]byte) Preimage {
	var p Preimage
	binary.BigEndian.PutUint32(p[0:4], ts)
	v4 := ip.To4()
	copy(p[4:8], v4)
	copy(p[8:14], entropy[:])
	return p
}

func (p Preimage) Timestamp() uint32 { return binary.BigEndian.Uint32(p[0:4]) }
func (p Preimage) IP() net.IP        { return net.IPv4(p[4], p[5], p[6], p[7]).To4() }

// Age reports how far p's timestamp is from now (absolute value).
func (p Preimage) Age(now time.Time) time.Duration {
	ts := int64(p.Timestamp())
	n := now.Unix()
	d := n - ts
	if d < 0 {
		d = -d
	}
	return time.Duration(d) * time.Second
}

// KDFInput is the 24-byte Argon2id input: preimage || zeros(10), i.e.
// ts||ip||entropy||zeros(10).
func (p Preimage) KDFInput() []byte {
	buf := make([]byte, 0, PreimageLen+10)
	buf = append(buf, p[:]...)
	buf = append(buf, make([]byte, 10)...)
	return buf
}

// NodeAddress pairs a keyspace address with the preimage it was derived
// from.
type NodeAddress struct {
	Addr     kad.Addr
	Preimage Preimage
	Verified bool
}

// WireLen is the encoded size: preimage(14) || addr(20).
const WireLen = PreimageLen + kad.AddrLen

var errWireLen = errors.New("nodeaddr: wire form must be 34 bytes")

// Encode serializes na to its 34-byte wire form.
func (na NodeAddress) Encode() []byte {
	buf := make([]byte, 0, WireLen)
	buf = append(buf, na.Preimage[:]...)
	buf = append(buf, na.Addr[:]...)
	return buf
}

// Decode parses a 34-byte wire form. The result's Verified flag is false;
// callers verify the address with a Hasher's Check before setting it.
func Decode(b []byte) (NodeAddress, error) {
	if len(b) != WireLen {
		return NodeAddress{}, errWireLen
	}
	var na NodeAddress
	copy(na.Preimage[:], b[0:PreimageLen])
	copy(na.Addr[:], b[PreimageLen:])
	return na, nil
}

// ErrExpiredTimestamp is returned by a Hasher's Check when the preimage's
// timestamp age exceeds 2^16 seconds.
var ErrExpiredTimestamp = errors.New("nodeaddr: expired timestamp")

// VerificationWindow is the maximum preimage age (2^16 seconds) accepted by
// Check before failing with ErrExpiredTimestamp.
const VerificationWindow = (1 << 16) * time.Second
