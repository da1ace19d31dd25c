package svcd

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestReaperDispatchHelperIsPostedNotRemoved(t *testing.T) {
	pt := NewPidTable(newTestLogger(t))
	pt.Insert(1, PidEntry{Kind: PidHelper, Unit: 1, CmdName: "/bin/true"})

	r := NewSignalReaper(newTestLogger(t), pt)
	r.dispatch(1, ChildTermination{Kind: Exited, Code: 0})

	entry, ok := pt.Get(1)
	if !ok {
		t.Fatal("expected the helper entry to still be present")
	}
	if entry.Kind != PidHelperExited {
		t.Errorf("expected PidHelperExited, got %v", entry.Kind)
	}
}

func TestReaperDispatchStopIsRemoved(t *testing.T) {
	pt := NewPidTable(newTestLogger(t))
	pt.Insert(2, PidEntry{Kind: PidStop, Unit: 1})

	r := NewSignalReaper(newTestLogger(t), pt)
	r.dispatch(2, ChildTermination{Kind: Exited, Code: 0})

	if _, ok := pt.Get(2); ok {
		t.Error("expected a Stop entry to be removed once reaped")
	}
}

func TestReaperDispatchServiceCallsOnServiceExit(t *testing.T) {
	pt := NewPidTable(newTestLogger(t))
	pt.Insert(3, PidEntry{Kind: PidService, Unit: 7, SrvType: Simple})

	r := NewSignalReaper(newTestLogger(t), pt)
	var gotUnit UnitId
	var gotPid int
	r.onServiceExit = func(unit UnitId, pid int, term ChildTermination) {
		gotUnit, gotPid = unit, pid
	}
	r.dispatch(3, ChildTermination{Kind: Signaled, Signal: 9})

	if gotUnit != 7 || gotPid != 3 {
		t.Errorf("expected onServiceExit(7, 3, ...), got (%d, %d)", gotUnit, gotPid)
	}
	if _, ok := pt.Get(3); ok {
		t.Error("expected the service entry to be removed once reaped")
	}
}

func TestReaperDispatchOneshotCallsOnOneshotExit(t *testing.T) {
	pt := NewPidTable(newTestLogger(t))
	pt.Insert(4, PidEntry{Kind: PidService, Unit: 8, SrvType: OneShot})

	r := NewSignalReaper(newTestLogger(t), pt)
	called := false
	r.onOneshotExit = func(unit UnitId, pid int, term ChildTermination) {
		called = true
	}
	r.dispatch(4, ChildTermination{Kind: Exited, Code: 0})

	if !called {
		t.Fatal("expected onOneshotExit to be called")
	}
	entry, ok := pt.Get(4)
	if !ok || entry.Kind != PidOneshotExited {
		t.Errorf("expected the entry to remain as PidOneshotExited, got %v, ok=%v", entry, ok)
	}
}

func TestReaperDispatchUntrackedPidIsIgnored(t *testing.T) {
	pt := NewPidTable(newTestLogger(t))
	r := NewSignalReaper(newTestLogger(t), pt)

	// Must not panic despite no onServiceExit/onOneshotExit having been set.
	r.dispatch(12345, ChildTermination{Kind: Exited, Code: 0})
}

func TestTerminationFromWaitStatusExited(t *testing.T) {
	term := terminationFromWaitStatus(unix.WaitStatus(0))
	if !term.Success() {
		t.Errorf("expected a raw wait status of 0 (exited with code 0) to be a success, got %v", term)
	}
}
