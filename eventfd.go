package svcd

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// EventFd is a thin wrapper around a Linux eventfd, used by the
// activation engine (C7) as the notification channel from unit
// transitions back to the engine's poller: every state change that
// might unblock a dependent writes to all registered event-fds
// (spec.md §5), and the poller is woken by a read becoming ready
// rather than by a channel send, so it can be driven from the same
// select/poll loop that also watches listening sockets for the
// socket-activation hand-off.
type EventFd struct {
	fd int
}

// NewEventFd creates a non-blocking eventfd in semaphore-less counter
// mode (the default): each Notify adds 1, each Drain resets the
// counter to 0.
func NewEventFd() (*EventFd, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &EventFd{fd: fd}, nil
}

// FD returns the raw descriptor, for use in a poll/select set.
func (e *EventFd) FD() int { return e.fd }

// Notify increments the eventfd's counter, waking anything blocked
// reading it.
func (e *EventFd) Notify() error {
	// The kernel reads the 8-byte value in host byte order.
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(e.fd, buf[:])
	return err
}

// Drain resets the counter to 0 without blocking (the fd is
// non-blocking; EAGAIN means there was nothing pending).
func (e *EventFd) Drain() error {
	var buf [8]byte
	_, err := unix.Read(e.fd, buf[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

// Close releases the underlying descriptor.
func (e *EventFd) Close() error {
	return unix.Close(e.fd)
}

// notifyAll calls Notify on every eventfd in fds, logging (but not
// failing on) individual errors — a lagging observer missing one wake
// is not fatal since the engine re-evaluates readiness on each tick.
func notifyAll(fds []*EventFd, onErr func(error)) {
	for _, fd := range fds {
		if err := fd.Notify(); err != nil && onErr != nil {
			onErr(err)
		}
	}
}
