package svcd

import (
	"testing"

	"golang.org/x/sys/unix"
)

func newTestLifecycle(t *testing.T) (*ServiceLifecycle, *PidTable, *FDStore) {
	log := newTestLogger(t)
	pt := NewPidTable(log)
	fds := NewFDStore(log)
	lc := NewServiceLifecycle(log, pt, fds, noopCgroupController{}, t.TempDir())
	return lc, pt, fds
}

func TestServiceLifecycleStartStopSimple(t *testing.T) {
	lc, pt, _ := newTestLifecycle(t)

	svc := &Service{Config: ServiceConfig{Exec: "/bin/sleep 5", Type: Simple}}

	result, err := lc.Start(1, "sleep.service", svc, nil, false)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if result != Started {
		t.Fatalf("expected Started, got %v", result)
	}
	if svc.Runtime.PID == 0 {
		t.Fatal("expected a live pid after Start")
	}
	if svc.Runtime.ProcessGroup != svc.Runtime.PID {
		t.Errorf("expected ProcessGroup to equal PID (Setpgid), got pid=%d pgid=%d", svc.Runtime.PID, svc.Runtime.ProcessGroup)
	}

	entry, ok := pt.Get(svc.Runtime.PID)
	if !ok {
		t.Fatal("expected the pid table to have an entry for the started pid")
	}
	if entry.Kind != PidService || entry.SrvType != Simple {
		t.Errorf("expected PidService/Simple entry, got %v", entry)
	}

	if err := lc.Stop(1, "sleep.service", svc); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if svc.Runtime.PID != 0 || svc.Runtime.ProcessGroup != 0 {
		t.Error("expected pid/pgid cleared after Stop")
	}
}

func TestServiceLifecycleStartRejectsAlreadyRunning(t *testing.T) {
	lc, _, _ := newTestLifecycle(t)

	svc := &Service{Runtime: ServiceRuntime{PID: 1234}}
	_, err := lc.Start(1, "already-running.service", svc, nil, false)
	if err == nil {
		t.Fatal("expected an error starting a service that already has a pid")
	}
	var serr *ServiceError
	if se, ok := err.(*ServiceError); ok {
		serr = se
	} else {
		t.Fatalf("expected *ServiceError, got %T", err)
	}
	if serr.Kind != ErrAlreadyHasPID {
		t.Errorf("expected ErrAlreadyHasPID, got %v", serr.Kind)
	}
}

func TestServiceLifecycleStartRejectsAccept(t *testing.T) {
	lc, _, _ := newTestLifecycle(t)

	svc := &Service{Config: ServiceConfig{Accept: true}}
	_, err := lc.Start(1, "inetd.service", svc, nil, false)
	if err == nil {
		t.Fatal("expected Accept=true to be rejected")
	}
}

// TestServiceLifecycleWaitingForSocket covers the deferred-start half of
// testable property 5 (spec.md §8): a service with SocketNames and
// allowIgnore=true does not fork at all, and every event-fd is notified.
func TestServiceLifecycleWaitingForSocket(t *testing.T) {
	lc, pt, _ := newTestLifecycle(t)

	efd, err := NewEventFd()
	if err != nil {
		t.Fatalf("NewEventFd: %v", err)
	}
	defer efd.Close()

	svc := &Service{
		Config:      ServiceConfig{Exec: "/bin/sleep 5", Type: Simple},
		SocketNames: []string{"web.socket"},
	}

	result, err := lc.Start(1, "web.service", svc, []*EventFd{efd}, true)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if result != WaitingForSocket {
		t.Fatalf("expected WaitingForSocket, got %v", result)
	}
	if svc.Runtime.PID != 0 {
		t.Error("expected no pid to be forked while waiting for socket activation")
	}
	if pt.CountForUnit(1) != 0 {
		t.Error("expected no pid-table entries while waiting for socket activation")
	}

	// A raw read, unlike Drain, fails with EAGAIN when nothing is pending.
	var buf [8]byte
	if _, err := unix.Read(efd.FD(), buf[:]); err != nil {
		t.Errorf("expected the event-fd to have been notified: %v", err)
	}
}

func TestServiceLifecycleOneShotSuccess(t *testing.T) {
	lc, pt, _ := newTestLifecycle(t)

	svc := &Service{Config: ServiceConfig{Exec: "/bin/true", Type: OneShot}}
	result, err := lc.Start(1, "once.service", svc, nil, false)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if result != Started {
		t.Fatalf("expected Started, got %v", result)
	}
	if _, ok := pt.Get(svc.Runtime.PID); !ok {
		t.Fatal("expected a pid-table entry right after forking a oneshot service")
	}
}
