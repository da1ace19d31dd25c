package svcd

import (
	"fmt"
	"sync"

	"github.com/tuxdude/zzzlogi"
)

// ChildTerminationKind tags how a child process ended, mirroring
// rustysd's ChildTermination (referenced throughout
// original_source/src/services/services.rs).
type ChildTerminationKind int

const (
	Exited ChildTerminationKind = iota
	Signaled
	Stopped
	Continued
)

// ChildTermination is the normalized outcome of waiting on a pid.
type ChildTermination struct {
	Kind   ChildTerminationKind
	Code   int // exit code when Kind==Exited
	Signal int // signal number when Kind==Signaled
}

// Success reports whether the termination was a clean `exited(0)`,
// used by RestartOnFailure to decide whether to respawn.
func (c ChildTermination) Success() bool {
	return c.Kind == Exited && c.Code == 0
}

func (c ChildTermination) String() string {
	switch c.Kind {
	case Exited:
		return fmt.Sprintf("exited(%d)", c.Code)
	case Signaled:
		return fmt.Sprintf("signaled(%d)", c.Signal)
	case Stopped:
		return "stopped"
	default:
		return "continued"
	}
}

// PidEntryKind tags which role a pid-table entry plays, per spec.md §3.
type PidEntryKind int

const (
	PidService PidEntryKind = iota
	PidHelper
	PidHelperExited
	PidOneshotExited
	PidStop
)

// PidEntry is a single row of the pid table (C3): a tagged variant
// with payload fields gated by Kind, matching the teacher's own
// reapedProcInfo{pid, waitStatus} shape rather than a Go interface —
// every caller here already switches on Kind for logging, so an
// interface would just add an allocation and a type assertion back to
// the same switch.
type PidEntry struct {
	Kind PidEntryKind

	Unit UnitId
	// SrvType is set when Kind==PidService.
	SrvType ServiceType
	// CmdName is set when Kind==PidHelper.
	CmdName string
	// Termination is set when Kind is PidHelperExited or PidOneshotExited.
	Termination ChildTermination
}

func (e PidEntry) String() string {
	switch e.Kind {
	case PidService:
		return fmt.Sprintf("Service(unit=%d, type=%s)", e.Unit, e.SrvType)
	case PidHelper:
		return fmt.Sprintf("Helper(unit=%d, cmd=%q)", e.Unit, e.CmdName)
	case PidHelperExited:
		return fmt.Sprintf("HelperExited(%s)", e.Termination)
	case PidOneshotExited:
		return fmt.Sprintf("OneshotExited(%s)", e.Termination)
	default:
		return fmt.Sprintf("Stop(unit=%d)", e.Unit)
	}
}

// PidTable (C3) maps live child pid -> PidEntry. A single mutex guards
// it and is held only briefly (spec.md §5): look things up, mutate,
// release, then act on a snapshot.
type PidTable struct {
	log zzzlogi.Logger

	mu      sync.Mutex
	entries map[int]PidEntry
}

// NewPidTable constructs an empty pid table.
func NewPidTable(log zzzlogi.Logger) *PidTable {
	return &PidTable{
		log:     log,
		entries: make(map[int]PidEntry),
	}
}

// Insert records a new live pid. Callers that fork a process must call
// this while still holding whatever lock prevents the child from being
// reaped before the entry exists (spec.md §5 ordering guarantee);
// PidTable itself does not provide that guarantee, it only stores the
// mapping.
func (t *PidTable) Insert(pid int, e PidEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[pid] = e
}

// Get returns a copy of the entry for pid, if any.
func (t *PidTable) Get(pid int) (PidEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[pid]
	return e, ok
}

// Remove deletes the entry for pid, returning it if present.
func (t *PidTable) Remove(pid int) (PidEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[pid]
	if ok {
		delete(t.entries, pid)
	}
	return e, ok
}

// MarkHelperExited transitions a PidHelper entry to PidHelperExited in
// place, as posted by the reaper (C8). It is a no-op (logged) if the
// entry is missing or not a PidHelper, since by the time the reaper
// runs the command runner might already have given up and removed it
// after a timeout-triggered kill.
func (t *PidTable) MarkHelperExited(pid int, term ChildTermination) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[pid]
	if !ok {
		t.log.Debugf("pidtable: no entry for reaped helper pid %d", pid)
		return
	}
	if e.Kind != PidHelper {
		t.log.Warnf("pidtable: pid %d reaped as helper but entry was %v", pid, e)
		return
	}
	e.Kind = PidHelperExited
	e.Termination = term
	t.entries[pid] = e
}

// MarkOneshotExited transitions a PidService(OneShot) entry to
// PidOneshotExited in place.
func (t *PidTable) MarkOneshotExited(pid int, term ChildTermination) (PidEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[pid]
	if !ok {
		return PidEntry{}, false
	}
	e.Kind = PidOneshotExited
	e.Termination = term
	t.entries[pid] = e
	return e, true
}

// LiveServicePids returns the pids of every entry currently tagged
// PidService — since every service is started with Setpgid=true, each
// of these pids doubles as its own process group id, which is what the
// reaper's signal-forwarding path (Multicast) needs.
func (t *PidTable) LiveServicePids() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var pids []int
	for pid, e := range t.entries {
		if e.Kind == PidService {
			pids = append(pids, pid)
		}
	}
	return pids
}

// CountForUnit returns the number of live (non-exited) entries
// belonging to unit, used by tests and diagnostics only.
func (t *PidTable) CountForUnit(unit UnitId) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.entries {
		if e.Unit == unit && (e.Kind == PidService || e.Kind == PidHelper) {
			n++
		}
	}
	return n
}
