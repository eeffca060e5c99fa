package proto

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
)

// category orders the three kinds of remote address a peer can be reached
// at. Resolves the Open Question in the design about In4Addr/In6Addr/
// NameAddr using asymmetric comparators: here every Addr carries the same
// category tag and the same fixed-width byte representation, so Less is a
// total, symmetric order regardless of which category either side has.
type category uint8

const (
	catIPv4 category = iota
	catIPv6
	catName
)

// Addr is a comparable, totally-ordered remote socket address. It is the
// stable key used by PeerSet and the bookkeeper to identify "the peer at
// this address" (spec's getRmtAddr()).
type Addr struct {
	cat  category
	ip   [16]byte
	name string
	port uint16
}

// ParseAddr parses a "host:port" string, preferring a literal IP address and
// falling back to treating host as an opaque name.
func ParseAddr(hostport string) (Addr, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Addr{}, fmt.Errorf("parse address %q: %w", hostport, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Addr{}, fmt.Errorf("parse port in %q: %w", hostport, err)
	}

	a := Addr{port: uint16(port)}
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			a.cat = catIPv4
			copy(a.ip[:], v4)
		} else {
			a.cat = catIPv6
			copy(a.ip[:], ip.To16())
		}
		return a, nil
	}

	a.cat = catName
	a.name = host
	return a, nil
}

// AddrFromNetAddr converts a net.Addr (e.g. a connection's RemoteAddr) into
// an Addr, via ParseAddr on its string form. Some net.Conn implementations
// used in tests (net.Pipe's in particular) report a bare, portless name;
// those are kept as a catName Addr with port 0 rather than rejected.
func AddrFromNetAddr(na net.Addr) (Addr, error) {
	a, err := ParseAddr(na.String())
	if err == nil {
		return a, nil
	}
	if _, _, splitErr := net.SplitHostPort(na.String()); splitErr != nil {
		return Addr{cat: catName, name: na.Network() + ":" + na.String()}, nil
	}
	return Addr{}, err
}

// Less implements the total order: category tag first, then raw bytes
// (IP bytes or name), then port.
func (a Addr) Less(b Addr) bool {
	if a.cat != b.cat {
		return a.cat < b.cat
	}
	switch a.cat {
	case catName:
		if a.name != b.name {
			return a.name < b.name
		}
	default:
		if c := bytes.Compare(a.ip[:], b.ip[:]); c != 0 {
			return c < 0
		}
	}
	return a.port < b.port
}

func (a Addr) String() string {
	switch a.cat {
	case catIPv4:
		ip := net.IP(a.ip[:4])
		return net.JoinHostPort(ip.String(), strconv.Itoa(int(a.port)))
	case catIPv6:
		ip := net.IP(a.ip[:])
		return net.JoinHostPort(ip.String(), strconv.Itoa(int(a.port)))
	default:
		return net.JoinHostPort(a.name, strconv.Itoa(int(a.port)))
	}
}
