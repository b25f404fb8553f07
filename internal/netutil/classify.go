// Package netutil classifies and rate-limits the IPv4 addresses the DHT core
// deals with: the preimage-bound host of a node address, and the host a
// contact advertises itself on. The core is IPv4-only on the wire (see
// Non-goals), so only v4 ranges are tracked.
package netutil

import (
	"bytes"
	"fmt"
	"net"
	"sort"
)

var lan4, special4 netlist

// netlist is a list of IPv4 networks.
type netlist []net.IPNet

func init() {
	// RFC 5735, RFC 5156, https://www.iana.org/assignments/iana-ipv4-special-registry/
	lan4.add("0.0.0.0/8")     // "This" network
	lan4.add("10.0.0.0/8")    // Private use
	lan4.add("172.16.0.0/12") // Private use
	lan4.add("192.168.0.0/16")

	special4.add("192.0.0.0/29")
	special4.add("192.0.0.170/32")
	special4.add("192.0.0.171/32")
	special4.add("192.0.2.0/24")   // TEST-NET-1
	special4.add("192.88.99.0/24") // 6to4 relay anycast
	special4.add("198.18.0.0/15")
	special4.add("198.51.100.0/24") // TEST-NET-2
	special4.add("203.0.113.0/24")  // TEST-NET-3
	special4.add("255.255.255.255/32")
}

func (l *netlist) add(cidr string) {
	_, n, err := net.ParseCIDR(cidr)
	if err != nil {
		panic(err)
	}
	*l = append(*l, *n)
}

func (l netlist) contains(ip net.IP) bool {
	for _, n := range l {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// IsLAN reports whether ip is a loopback or private-use address.
func IsLAN(ip net.IP) bool {
	if ip.IsLoopback() {
		return true
	}
	if v4 := ip.To4(); v4 != nil {
		return lan4.contains(v4)
	}
	return false
}

// IsSpecialNetwork reports whether ip falls in a reserved or
// documentation-only range that should never be dialed or advertised.
func IsSpecialNetwork(ip net.IP) bool {
	if ip.IsMulticast() || ip.IsUnspecified() {
		return true
	}
	if v4 := ip.To4(); v4 != nil {
		return special4.contains(v4)
	}
	return true // not an IPv4 address at all; wire is IPv4-only
}

// DistinctNetSet tracks IPs, capping how many may share a common address
// prefix. Used by the peer tracker to throttle how many contacts a single
// subnet can contribute, independent of the routing table's own k-bucket cap.
type DistinctNetSet struct {
	Subnet uint // number of common prefix bits
	Limit  uint // maximum number of IPs sharing that prefix

	members map[string]uint
}

// Add reports whether ip was admitted: false means the subnet is already at
// its limit and ip was not recorded.
func (s *DistinctNetSet) Add(ip net.IP) bool {
	key := s.key(ip)
	n := s.members[key]
	if n < s.Limit {
		s.members[key] = n + 1
		return true
	}
	return false
}

// Remove removes one occurrence of ip from the set.
func (s *DistinctNetSet) Remove(ip net.IP) {
	key := s.key(ip)
	if n, ok := s.members[key]; ok {
		if n <= 1 {
			delete(s.members, key)
		} else {
			s.members[key] = n - 1
		}
	}
}

// Contains reports whether ip's subnet is currently tracked.
func (s DistinctNetSet) Contains(ip net.IP) bool {
	_, ok := s.members[s.key(ip)]
	return ok
}

// Len returns the number of tracked IPs across all subnets.
func (s DistinctNetSet) Len() uint {
	n := uint(0)
	for _, i := range s.members {
		n += i
	}
	return n
}

func (s *DistinctNetSet) key(ip net.IP) string {
	if s.members == nil {
		s.members = make(map[string]uint)
	}
	v4 := ip.To4()
	if v4 == nil {
		v4 = ip
	}
	bits := s.Subnet
	if bits > uint(len(v4)*8) {
		bits = uint(len(v4) * 8)
	}
	nb := int(bits / 8)
	mask := ^byte(0xFF >> (bits % 8))
	buf := append([]byte{}, v4[:nb]...)
	if nb < len(v4) && mask != 0 {
		buf = append(buf, v4[nb]&mask)
	}
	return string(buf)
}

// String implements fmt.Stringer, mostly for debug logging.
func (s DistinctNetSet) String() string {
	var buf bytes.Buffer
	buf.WriteString("{")
	keys := make([]string, 0, len(s.members))
	for k := range s.members {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		fmt.Fprintf(&buf, "%v×%d", net.IP([]byte(k)), s.members[k])
		if i != len(keys)-1 {
			buf.WriteString(" ")
		}
	}
	buf.WriteString("}")
	return buf.String()
}
