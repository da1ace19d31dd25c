package svcd

import (
	"fmt"
	"net"
	"os"

	"github.com/tuxdude/zzzlogi"
	"golang.org/x/sys/unix"
)

// SocketActivator implements C5: binding the listening endpoints a
// Socket unit declares, and publishing the resulting descriptors into
// the FDStore (C2) so that a starting service can inherit them.
type SocketActivator struct {
	log     zzzlogi.Logger
	fdStore *FDStore
}

// NewSocketActivator constructs a SocketActivator backed by store.
func NewSocketActivator(log zzzlogi.Logger, store *FDStore) *SocketActivator {
	return &SocketActivator{log: log, fdStore: store}
}

// ActivateSocket binds every SocketConfig on sock and stores the
// resulting descriptors in the FDStore keyed by sock.Name, preserving
// declared order. It is a no-op if the FDStore already has an entry
// for this name (re-activation after a restart must not re-bind,
// spec.md §4.4/testable property 5).
func (a *SocketActivator) ActivateSocket(sock *Socket) error {
	if a.fdStore.Has(sock.Name) {
		a.log.Debugf("socketactivator: %q already has descriptors, not re-binding", sock.Name)
		return nil
	}

	fds := make([]int, 0, len(sock.Sockets))
	for i := range sock.Sockets {
		fd, err := a.bindOne(&sock.Sockets[i])
		if err != nil {
			for _, done := range fds {
				_ = unix.Close(done)
			}
			return fmt.Errorf("binding socket %q entry %d: %w", sock.Name, i, err)
		}
		sock.Sockets[i].fd = fd
		fds = append(fds, fd)
	}

	a.fdStore.Put(sock.Name, fds)
	sock.Activated = false
	a.log.Infof("socketactivator: bound %d descriptor(s) for %q", len(fds), sock.Name)
	return nil
}

// DeactivateSocket closes and forgets the descriptors for sock.
func (a *SocketActivator) DeactivateSocket(sock *Socket) {
	a.fdStore.Remove(sock.Name)
	sock.Activated = false
	for i := range sock.Sockets {
		sock.Sockets[i].fd = 0
	}
}

func (a *SocketActivator) bindOne(cfg *SocketConfig) (int, error) {
	switch cfg.Specialized.Family {
	case FamilyUnix:
		return bindUnix(cfg.Kind.Tag, cfg.Specialized.Path)
	case FamilyTCP:
		return bindTCP(cfg.Kind.Tag, cfg.Specialized.Addr)
	default:
		return bindUDP(cfg.Specialized.UDP)
	}
}

func sockTypeFor(tag SocketKindTag) int {
	switch tag {
	case SockStream:
		return unix.SOCK_STREAM
	case SockSequential:
		return unix.SOCK_SEQPACKET
	default:
		return unix.SOCK_DGRAM
	}
}

// bindUnix unlinks a stale, non-listening path entry first (spec.md
// §4.2) then creates, binds, and — for stream/seqpacket kinds —
// listens on a Unix-domain socket. The returned fd is close-on-exec;
// the service lifecycle clears that flag on the dup it hands to the
// child.
func bindUnix(tag SocketKindTag, path string) (int, error) {
	sockType := sockTypeFor(tag)

	if err := removeStaleSocket(path); err != nil {
		return 0, err
	}

	fd, err := unix.Socket(unix.AF_UNIX, sockType|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, fmt.Errorf("socket: %w", err)
	}
	sa := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("bind %q: %w", path, err)
	}
	if sockType != unix.SOCK_DGRAM {
		if err := unix.Listen(fd, listenBacklog); err != nil {
			unix.Close(fd)
			return 0, fmt.Errorf("listen %q: %w", path, err)
		}
	}
	return fd, nil
}

// removeStaleSocket unlinks path if it exists and is a socket that
// nothing is listening on (a fresh bind would otherwise fail with
// EADDRINUSE on a leftover path from a previous, uncleanly terminated
// run).
func removeStaleSocket(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat %q: %w", path, err)
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("refusing to unlink non-socket at %q", path)
	}
	if _, err := net.Dial("unix", path); err == nil {
		return fmt.Errorf("a listener is already active on %q", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("removing stale socket %q: %w", path, err)
	}
	return nil
}

const listenBacklog = 128

func bindTCP(tag SocketKindTag, addr *net.TCPAddr) (int, error) {
	domain := unix.AF_INET
	if addr.IP.To4() == nil {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	sa, err := tcpSockaddr(domain, addr)
	if err != nil {
		unix.Close(fd)
		return 0, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("listen %s: %w", addr, err)
	}
	_ = tag
	return fd, nil
}

func bindUDP(addr *net.UDPAddr) (int, error) {
	domain := unix.AF_INET
	if addr.IP.To4() == nil {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, fmt.Errorf("socket: %w", err)
	}
	sa, err := udpSockaddr(domain, addr)
	if err != nil {
		unix.Close(fd)
		return 0, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("bind %s: %w", addr, err)
	}
	return fd, nil
}

func tcpSockaddr(domain int, addr *net.TCPAddr) (unix.Sockaddr, error) {
	if domain == unix.AF_INET {
		var a [4]byte
		copy(a[:], addr.IP.To4())
		return &unix.SockaddrInet4{Port: addr.Port, Addr: a}, nil
	}
	var a [16]byte
	copy(a[:], addr.IP.To16())
	return &unix.SockaddrInet6{Port: addr.Port, Addr: a}, nil
}

func udpSockaddr(domain int, addr *net.UDPAddr) (unix.Sockaddr, error) {
	if domain == unix.AF_INET {
		var a [4]byte
		copy(a[:], addr.IP.To4())
		return &unix.SockaddrInet4{Port: addr.Port, Addr: a}, nil
	}
	var a [16]byte
	copy(a[:], addr.IP.To16())
	return &unix.SockaddrInet6{Port: addr.Port, Addr: a}, nil
}
