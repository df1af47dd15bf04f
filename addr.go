package sockio

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// Family is a socket address family.
type Family int

const (
	// FamilyIPv4 is the IPv4 address family.
	FamilyIPv4 Family = iota + 1
	// FamilyIPv6 is the IPv6 address family.
	FamilyIPv6
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return "family(" + strconv.Itoa(int(f)) + ")"
	}
}

// Type is a socket type.
type Type int

const (
	// TypeStream is a connection-oriented byte stream (TCP).
	TypeStream Type = iota + 1
	// TypeDatagram is a connectionless datagram socket (UDP).
	TypeDatagram
)

func (t Type) String() string {
	switch t {
	case TypeStream:
		return "stream"
	case TypeDatagram:
		return "datagram"
	default:
		return "type(" + strconv.Itoa(int(t)) + ")"
	}
}

// SockAddr is an IPv4 or IPv6 endpoint. The zero value is an unset address.
// SockAddr is comparable and can be used as a map key.
type SockAddr struct {
	family Family
	port   uint16
	addr   [16]byte
}

// SockAddr4 returns an IPv4 endpoint.
func SockAddr4(ip [4]byte, port uint16) SockAddr {
	a := SockAddr{family: FamilyIPv4, port: port}
	copy(a.addr[:], ip[:])
	return a
}

// SockAddr6 returns an IPv6 endpoint.
func SockAddr6(ip [16]byte, port uint16) SockAddr {
	return SockAddr{family: FamilyIPv6, port: port, addr: ip}
}

// SockAddrFromAddrPort converts a netip.AddrPort. IPv4-mapped IPv6
// addresses are unmapped.
func SockAddrFromAddrPort(ap netip.AddrPort) SockAddr {
	ip := ap.Addr().Unmap()
	if ip.Is4() {
		return SockAddr4(ip.As4(), ap.Port())
	}
	return SockAddr6(ip.As16(), ap.Port())
}

// ParseSockAddr parses "host:port" where host is a literal IP address.
func ParseSockAddr(s string) (SockAddr, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return SockAddr{}, fmt.Errorf("parse sockaddr %q: %w", s, err)
	}
	return SockAddrFromAddrPort(ap), nil
}

// Loopback returns the loopback endpoint of the given family.
func Loopback(family Family, port uint16) SockAddr {
	if family == FamilyIPv6 {
		return SockAddr6(netip.IPv6Loopback().As16(), port)
	}
	return SockAddr4([4]byte{127, 0, 0, 1}, port)
}

// Any returns the unspecified endpoint of the given family.
func Any(family Family, port uint16) SockAddr {
	if family == FamilyIPv6 {
		return SockAddr6([16]byte{}, port)
	}
	return SockAddr4([4]byte{}, port)
}

// Family returns the address family.
func (a SockAddr) Family() Family { return a.family }

// Port returns the port number.
func (a SockAddr) Port() uint16 { return a.port }

// IsZero reports whether the address is unset.
func (a SockAddr) IsZero() bool { return a == SockAddr{} }

// WithPort returns a copy of a with the port replaced.
func (a SockAddr) WithPort(port uint16) SockAddr {
	a.port = port
	return a
}

// IP4 returns the IPv4 address bytes. Only meaningful for FamilyIPv4.
func (a SockAddr) IP4() [4]byte {
	var ip [4]byte
	copy(ip[:], a.addr[:4])
	return ip
}

// IP16 returns the IPv6 address bytes. Only meaningful for FamilyIPv6.
func (a SockAddr) IP16() [16]byte { return a.addr }

// AddrPort converts the address to a netip.AddrPort.
func (a SockAddr) AddrPort() netip.AddrPort {
	switch a.family {
	case FamilyIPv4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.IP4()), a.port)
	case FamilyIPv6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.addr), a.port)
	default:
		return netip.AddrPort{}
	}
}

func (a SockAddr) String() string {
	if a.family == 0 {
		return "<nil>"
	}
	return a.AddrPort().String()
}

// HostAddr returns the first non-loopback IPv4 address of the host.
func HostAddr() (SockAddr, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return SockAddr{}, err
	}

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return SockAddr4([4]byte(ip4), 0), nil
		}
	}

	return SockAddr{}, fmt.Errorf("no non-loopback ipv4 address")
}
