package svcd

import (
	"os"
	"os/signal"
	"time"

	"github.com/tuxdude/zzzlogi"
	"golang.org/x/sys/unix"
)

// listeningSigs is the full catchable signal set except SIGURG,
// matching the teacher's own set in service_manager.go: SIGCHLD drives
// reaping, every other signal is forwarded to every running service's
// process group (Multicast). SIGKILL and SIGSTOP are listed for the
// same reason the teacher lists them — signal.Notify accepts them
// without error, it simply never delivers them.
var listeningSigs = []os.Signal{
	unix.SIGHUP, unix.SIGINT, unix.SIGQUIT, unix.SIGILL, unix.SIGTRAP,
	unix.SIGABRT, unix.SIGIOT, unix.SIGBUS, unix.SIGFPE, unix.SIGKILL,
	unix.SIGUSR1, unix.SIGSEGV, unix.SIGUSR2, unix.SIGPIPE, unix.SIGALRM,
	unix.SIGTERM, unix.SIGSTKFLT, unix.SIGCHLD, unix.SIGCONT, unix.SIGSTOP,
	unix.SIGTSTP, unix.SIGTTIN, unix.SIGTTOU, unix.SIGXCPU, unix.SIGXFSZ,
	unix.SIGVTALRM, unix.SIGPROF, unix.SIGWINCH, unix.SIGIO, unix.SIGPWR,
	unix.SIGSYS,
}

// reapedChild is one SIGCHLD-reaped pid paired with its normalized
// termination, mirroring the teacher's reapedProcInfo{pid, waitStatus}.
type reapedChild struct {
	pid  int
	term ChildTermination
}

// SignalReaper implements C8: a dedicated goroutine that owns
// SIGCHLD and the rest of listeningSigs, reaps every exited child with
// WNOHANG on each SIGCHLD, posts the outcome into the pid table, and
// dispatches per spec.md §4.5 — mirroring service_manager.go's
// signalHandler/handleProcTermination split directly, generalized from
// one flat service list to the pid table.
type SignalReaper struct {
	log      zzzlogi.Logger
	pidTable *PidTable

	onServiceExit func(unit UnitId, pid int, term ChildTermination)
	onOneshotExit func(unit UnitId, pid int, term ChildTermination)

	sigCh            chan os.Signal
	sigHandlerDoneCh chan struct{}
}

// NewSignalReaper constructs a reaper bound to pidTable. The dispatch
// callbacks are supplied to Start rather than the constructor so the
// activation engine (which needs the reaper's pid table reference
// too) can be built in either order.
func NewSignalReaper(log zzzlogi.Logger, pidTable *PidTable) *SignalReaper {
	return &SignalReaper{log: log, pidTable: pidTable}
}

// Start registers listeningSigs and begins the reaper goroutine.
// onServiceExit/onOneshotExit are called with the pid-table lock
// already released (the pid table is only ever touched long enough to
// snapshot-and-mutate an entry, per spec.md §5's lock-ordering
// discipline) so they're free to call back into unit logic, including
// re-locking the pid table themselves, without risking an AB/BA
// deadlock against a concurrent Start/Stop on the same unit.
func (r *SignalReaper) Start(onServiceExit, onOneshotExit func(unit UnitId, pid int, term ChildTermination)) {
	r.onServiceExit = onServiceExit
	r.onOneshotExit = onOneshotExit
	r.sigCh = make(chan os.Signal, 64)
	r.sigHandlerDoneCh = make(chan struct{})

	signal.Notify(r.sigCh, listeningSigs...)
	go r.loop()
}

func (r *SignalReaper) loop() {
	for {
		osSig, ok := <-r.sigCh
		if !ok {
			r.log.Debugf("reaper: signal handler is exiting")
			close(r.sigHandlerDoneCh)
			return
		}

		sig := osSig.(unix.Signal)
		if sig == unix.SIGCHLD {
			for _, child := range r.reapAll() {
				r.dispatch(child.pid, child.term)
			}
		} else {
			go r.Multicast(sig)
		}
	}
}

// reapAll drains every exited child with WNOHANG, matching the
// teacher's zombieReaper.reap() loop shape.
func (r *SignalReaper) reapAll() []reapedChild {
	var out []reapedChild
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil {
			if err != unix.ECHILD {
				r.log.Warnf("reaper: wait4: %v", err)
			}
			break
		}
		if pid <= 0 {
			break
		}
		out = append(out, reapedChild{pid: pid, term: terminationFromWaitStatus(ws)})
	}
	return out
}

func terminationFromWaitStatus(ws unix.WaitStatus) ChildTermination {
	switch {
	case ws.Exited():
		return ChildTermination{Kind: Exited, Code: ws.ExitStatus()}
	case ws.Signaled():
		return ChildTermination{Kind: Signaled, Signal: int(ws.Signal())}
	case ws.Stopped():
		return ChildTermination{Kind: Stopped}
	default:
		return ChildTermination{Kind: Continued}
	}
}

// dispatch looks up the reaped pid's entry and handles it per
// spec.md §4.5: a Helper is posted as exited but not removed, letting
// the waiting runCmd poller observe it; Stop entries are simply
// forgotten; a OneShot service transitions to PidOneshotExited; any
// other service entry is removed and its termination handed to
// onServiceExit.
func (r *SignalReaper) dispatch(pid int, term ChildTermination) {
	entry, ok := r.pidTable.Get(pid)
	if !ok {
		r.log.Debugf("reaper: reaped untracked pid %d (%s), likely an orphaned grandchild", pid, term)
		return
	}

	switch entry.Kind {
	case PidHelper:
		r.pidTable.MarkHelperExited(pid, term)
	case PidStop:
		r.pidTable.Remove(pid)
	case PidService:
		if entry.SrvType == OneShot {
			r.pidTable.MarkOneshotExited(pid, term)
			if r.onOneshotExit != nil {
				r.onOneshotExit(entry.Unit, pid, term)
			}
			return
		}
		r.pidTable.Remove(pid)
		if r.onServiceExit != nil {
			r.onServiceExit(entry.Unit, pid, term)
		}
	default:
		r.log.Warnf("reaper: pid %d reaped in unexpected pid-table state %v", pid, entry)
	}
}

// Multicast forwards sig to every running service's process group,
// generalizing service_manager.go's multicastSig from a flat pid list
// to the pid table's live PidService entries.
func (r *SignalReaper) Multicast(sig unix.Signal) int {
	pids := r.pidTable.LiveServicePids()
	if len(pids) > 0 {
		r.log.Infof("reaper: multicasting signal %s to %d service(s)", unix.SignalName(sig), len(pids))
	}
	for _, pid := range pids {
		if err := unix.Kill(-pid, sig); err != nil && err != unix.ESRCH {
			r.log.Warnf("reaper: error sending signal %s to process group %d: %v", unix.SignalName(sig), pid, err)
		}
	}
	return len(pids)
}

// Stop unregisters every signal and waits briefly for the reaper
// goroutine to exit, matching shutDownSignalHandler's 100ms grace
// window in the teacher.
func (r *SignalReaper) Stop() {
	signal.Reset()
	close(r.sigCh)

	timeout := time.NewTimer(100 * time.Millisecond)
	defer timeout.Stop()
	select {
	case <-r.sigHandlerDoneCh:
		r.log.Debugf("reaper: signal handler has exited")
	case <-timeout.C:
		r.log.Debugf("reaper: signal handler did not exit in time, proceeding anyway")
	}
}
