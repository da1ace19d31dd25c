package svcd

import (
	"fmt"
	"net"
	"strings"
)

// SocketKindTag selects which LISTEN* directive produced a
// SocketConfig, mirroring rustysd's SocketKind enum
// (original_source/src/unit_parser.rs).
type SocketKindTag int

const (
	SockStream SocketKindTag = iota
	SockDatagram
	SockSequential
)

func (k SocketKindTag) String() string {
	switch k {
	case SockStream:
		return "stream"
	case SockDatagram:
		return "datagram"
	default:
		return "sequential"
	}
}

// SocketKind pairs the directive tag with the literal address string
// as written in the unit (before address-family classification).
type SocketKind struct {
	Tag  SocketKindTag
	Addr string
}

// AddressFamily is the lexically-derived family of a socket address,
// computed per spec.md §6: a leading "/" or "./" is Unix; otherwise an
// IPv4 or IPv6 `host:port` parse is attempted in that order.
type AddressFamily int

const (
	FamilyUnix AddressFamily = iota
	FamilyTCP
	FamilyUDP
)

// SpecializedSocketConfig carries the address-family-specific fields
// derived from a SocketKind's address. The Tag determines whether this
// ends up on the TCP or UDP side for Stream/Datagram kinds; Sequential
// is Unix-only (SOCK_SEQPACKET has no IP equivalent).
type SpecializedSocketConfig struct {
	Family AddressFamily
	Path   string // set when Family == FamilyUnix
	Addr   *net.TCPAddr
	UDP    *net.UDPAddr
}

// ClassifyAddress implements the address classification invariant
// tested by property 6 in spec.md §8: a leading "/" or "./" is always
// Unix, regardless of whether the rest of the string would also parse
// as an IPv4/IPv6 host:port. Once the lexical Unix check is past, the
// Tcp/Udp choice is NOT a further guess from the address shape: it
// comes from the directive's own Tag (original_source/src/unit_parser.rs's
// parse_socket_section maps SocketKind::Stream to Tcp and
// SocketKind::Datagram to Udp), since a bare host:port parses as both
// a TCP and a UDP address and the string alone can't disambiguate.
func ClassifyAddress(kind SocketKind) (AddressFamily, error) {
	addr := kind.Addr
	if strings.HasPrefix(addr, "/") || strings.HasPrefix(addr, "./") {
		return FamilyUnix, nil
	}
	switch kind.Tag {
	case SockSequential:
		return 0, fmt.Errorf("address %q: SOCK_SEQPACKET sockets must be a unix path", addr)
	case SockDatagram:
		if _, err := net.ResolveUDPAddr("udp", addr); err != nil {
			return 0, fmt.Errorf("address %q is not a valid host:port: %w", addr, err)
		}
		return FamilyUDP, nil
	default:
		if _, err := net.ResolveTCPAddr("tcp", addr); err != nil {
			return 0, fmt.Errorf("address %q is not a valid host:port: %w", addr, err)
		}
		return FamilyTCP, nil
	}
}

// SocketConfig is one LISTEN* entry belonging to a Socket unit, in the
// order it was declared (order is significant: it determines fd
// hand-off order, spec.md §6).
type SocketConfig struct {
	Kind         SocketKind
	Specialized  SpecializedSocketConfig
	fd           int // 0 means "not yet bound"; real fds are never 0 in this supervisor (stdin is never reused)
}

// Socket is the specialized payload of a Unit with Kind==KindSocket.
type Socket struct {
	Name     string
	Sockets  []SocketConfig
	Services []string // names of Service units that may consume this socket

	// Activated is true once a starting service has consumed this
	// socket's descriptors (spec.md §3/§4.4). It is reset to false by
	// ReactivateUnit on restart without re-binding.
	Activated bool
}
