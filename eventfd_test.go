package svcd

import "testing"

func TestEventFdNotifyDrain(t *testing.T) {
	fd, err := NewEventFd()
	if err != nil {
		t.Fatalf("NewEventFd: %v", err)
	}
	defer fd.Close()

	if err := fd.Notify(); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if err := fd.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	// A second Drain with nothing pending must succeed (EAGAIN treated
	// as success), not block or error.
	if err := fd.Drain(); err != nil {
		t.Fatalf("second Drain (nothing pending): %v", err)
	}
}

func TestNotifyAllIgnoresIndividualErrors(t *testing.T) {
	fd1, err := NewEventFd()
	if err != nil {
		t.Fatalf("NewEventFd: %v", err)
	}
	defer fd1.Close()

	fd2, err := NewEventFd()
	if err != nil {
		t.Fatalf("NewEventFd: %v", err)
	}
	fd2.Close() // force Notify on fd2 to fail

	var errs []error
	notifyAll([]*EventFd{fd1, fd2}, func(err error) { errs = append(errs, err) })

	if len(errs) != 1 {
		t.Fatalf("expected exactly 1 error from the closed eventfd, got %v", errs)
	}
}
