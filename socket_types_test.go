package svcd

import "testing"

// TestClassifyAddress covers testable property 6 (spec.md §8): a
// leading "/" or "./" always classifies as Unix, even when the
// remainder would otherwise also parse as a host:port. Past that
// lexical check, the Tcp/Udp choice follows the directive's own Tag
// (SockStream -> Tcp, SockDatagram -> Udp), since a bare host:port
// parses equally well as either.
func TestClassifyAddress(t *testing.T) {
	tests := []struct {
		name string
		tag  SocketKindTag
		addr string
		want AddressFamily
		ok   bool
	}{
		{"absolute_unix_path", SockStream, "/run/sshd.sock", FamilyUnix, true},
		{"relative_unix_path", SockStream, "./sshd.sock", FamilyUnix, true},
		{"unix_path_that_looks_like_host_port", SockStream, "/8080", FamilyUnix, true},
		{"ipv4_host_port_stream_is_tcp", SockStream, "127.0.0.1:8080", FamilyTCP, true},
		{"ipv4_wildcard_stream_is_tcp", SockStream, "0.0.0.0:80", FamilyTCP, true},
		{"ipv6_host_port_stream_is_tcp", SockStream, "[::1]:8080", FamilyTCP, true},
		{"bare_port_stream_is_tcp_wildcard", SockStream, ":8080", FamilyTCP, true},
		{"ipv4_host_port_datagram_is_udp", SockDatagram, "127.0.0.1:8080", FamilyUDP, true},
		{"bare_port_datagram_is_udp_wildcard", SockDatagram, ":8080", FamilyUDP, true},
		{"unix_path_wins_even_for_datagram", SockDatagram, "/run/syslog.sock", FamilyUnix, true},
		{"sequential_requires_unix_path", SockSequential, ":8080", 0, false},
		{"garbage", SockStream, "not a valid address!!", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ClassifyAddress(SocketKind{Tag: tt.tag, Addr: tt.addr})
			if tt.ok && err != nil {
				t.Fatalf("ClassifyAddress(%q): unexpected error: %v", tt.addr, err)
			}
			if !tt.ok && err == nil {
				t.Fatalf("ClassifyAddress(%q): expected an error, got family %v", tt.addr, got)
			}
			if tt.ok && got != tt.want {
				t.Errorf("ClassifyAddress(%q) = %v, want %v", tt.addr, got, tt.want)
			}
		})
	}
}
