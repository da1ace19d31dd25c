package svcd

import (
	"fmt"
	"sync"

	"github.com/tuxdude/zzzlogi"
	"golang.org/x/sys/unix"
)

// ActivationEngine implements C7: it walks a dependency-ordered unit
// list activating targets, sockets, and services, defers a service's
// real start until its socket is first connected to when the service
// is itself socket-activated, and reacts to the reaper's exit
// notifications with restart or cascading deactivation.
type ActivationEngine struct {
	log zzzlogi.Logger

	units     *UnitSet
	fdStore   *FDStore
	activator *SocketActivator
	lifecycle *ServiceLifecycle
	eventfds  []*EventFd

	waitingMu sync.Mutex
	waiting   map[UnitId]bool
}

// NewActivationEngine wires the engine to its collaborators. eventfds
// are notified when a service start is deferred to socket activation
// and when a service process is forked; stops and socket unbinds do
// not notify them. The introspection server (SPEC_FULL.md §6) is the
// expected consumer when one is attached.
func NewActivationEngine(log zzzlogi.Logger, units *UnitSet, fdStore *FDStore, activator *SocketActivator, lifecycle *ServiceLifecycle, eventfds []*EventFd) *ActivationEngine {
	return &ActivationEngine{
		log:       log,
		units:     units,
		fdStore:   fdStore,
		activator: activator,
		lifecycle: lifecycle,
		eventfds:  eventfds,
		waiting:   make(map[UnitId]bool),
	}
}

// Activate runs every unit in order through its activation step.
// Targets are pure synchronization points (a no-op beyond having
// already been ordered after their dependencies); sockets bind;
// services start, or defer to socket activation when they declare
// SocketNames.
func (e *ActivationEngine) Activate(order []UnitId) error {
	for _, id := range order {
		if err := e.activateUnit(id); err != nil {
			return fmt.Errorf("activating %s: %w", e.units.Units[id].Name(), err)
		}
	}
	return nil
}

func (e *ActivationEngine) activateUnit(id UnitId) error {
	u := e.units.Units[id]
	u.Mu.Lock()
	defer u.Mu.Unlock()

	switch u.Spec.Kind {
	case KindTarget:
		return nil
	case KindSocket:
		return e.activator.ActivateSocket(u.Spec.Socket)
	case KindService:
		return e.startService(id, u, false)
	default:
		return fmt.Errorf("unknown unit kind %v", u.Spec.Kind)
	}
}

// startService runs Service.Start. forceStart bypasses the
// WaitingForSocket short-circuit even when the service declares
// SocketNames, used both for unconditional restarts and for the
// transition out of the waiting state once PollSocketWaiters observes
// a pending connection. Caller must hold u.Mu.
func (e *ActivationEngine) startService(id UnitId, u *Unit, forceStart bool) error {
	svc := u.Spec.Service
	allowIgnore := !forceStart && len(svc.SocketNames) > 0

	result, err := e.lifecycle.Start(id, u.Name(), svc, e.eventfds, allowIgnore)
	if err != nil {
		return err
	}
	if result == WaitingForSocket {
		e.log.Debugf("unit %s: deferring start until its socket is connected to", u.Name())
		e.waitingMu.Lock()
		e.waiting[id] = true
		e.waitingMu.Unlock()
		return nil
	}

	// C6 actually consumed the inherited descriptors: mark every Socket
	// this service listens on activated (spec.md:71).
	for _, name := range svc.SocketNames {
		if sid, ok := e.units.lookup(KindSocket, name); ok {
			if sock := e.units.Units[sid].Spec.Socket; sock != nil {
				sock.Activated = true
			}
		}
	}
	return nil
}

// ReactivateUnit implements the restart-without-rebinding half of
// testable property 5 (spec.md §8): a service's inherited sockets are
// re-armed (Activated reset to false so they can be consumed again)
// without touching the FDStore entry, then the service is started.
func (e *ActivationEngine) ReactivateUnit(id UnitId) error {
	u := e.units.Units[id]
	u.Mu.Lock()
	defer u.Mu.Unlock()

	if u.Spec.Kind != KindService {
		return fmt.Errorf("reactivate: %s is not a service", u.Name())
	}
	svc := u.Spec.Service
	for _, name := range svc.SocketNames {
		if sid, ok := e.units.lookup(KindSocket, name); ok {
			if sock := e.units.Units[sid].Spec.Socket; sock != nil {
				sock.Activated = false
			}
		}
	}
	return e.startService(id, u, true)
}

// PollSocketWaiters checks every deferred (WaitingForSocket) service's
// inherited descriptors for a pending connection and, for any that
// have one, starts the service for real (scenario S2, spec.md §8).
// Intended to be called from the same poll/select loop that drains
// event-fds, so socket-activation hand-off and event-fd notification
// share one wakeup path (SPEC_FULL.md §4.4).
func (e *ActivationEngine) PollSocketWaiters() {
	e.waitingMu.Lock()
	ids := make([]UnitId, 0, len(e.waiting))
	for id := range e.waiting {
		ids = append(ids, id)
	}
	e.waitingMu.Unlock()

	for _, id := range ids {
		u := e.units.Units[id]
		u.Mu.Lock()
		svc := u.Spec.Service
		ready := e.anySocketReadable(svc.SocketNames)
		var err error
		if ready {
			err = e.startService(id, u, true)
		}
		u.Mu.Unlock()

		if !ready {
			continue
		}
		if err != nil {
			e.log.Errorf("unit %s: starting on socket activation: %v", u.Name(), err)
			continue
		}
		e.waitingMu.Lock()
		delete(e.waiting, id)
		e.waitingMu.Unlock()
	}
}

// anySocketReadable peeks (non-blocking) whether any descriptor
// registered for one of names has a pending connection/datagram.
func (e *ActivationEngine) anySocketReadable(names []string) bool {
	for _, name := range names {
		fds, ok := e.fdStore.Get(name)
		if !ok || len(fds) == 0 {
			continue
		}
		pfds := make([]unix.PollFd, len(fds))
		for i, fd := range fds {
			pfds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
		}
		n, err := unix.Poll(pfds, 0)
		if err != nil {
			e.log.Warnf("engine: poll on socket %q: %v", name, err)
			continue
		}
		if n > 0 {
			return true
		}
	}
	return false
}

// CascadeDeactivate implements scenario S6 (spec.md §8): when a unit
// fails unrecoverably, every unit that RequiredBy it is stopped (for
// services) or unbound (for sockets), and the cascade continues
// transitively up the RequiredBy chain.
func (e *ActivationEngine) CascadeDeactivate(id UnitId) {
	u := e.units.Units[id]
	u.Mu.Lock()
	dependents := append([]UnitId(nil), u.Install.RequiredBy...)
	u.Mu.Unlock()

	for _, dep := range dependents {
		du := e.units.Units[dep]
		du.Mu.Lock()
		switch du.Spec.Kind {
		case KindService:
			if du.Spec.Service.IsActive() {
				e.log.Infof("cascading deactivation: stopping %s because %s failed", du.Name(), u.Name())
				if err := e.lifecycle.Stop(dep, du.Name(), du.Spec.Service); err != nil {
					e.log.Warnf("cascading deactivation: stopping %s: %v", du.Name(), err)
				}
			}
		case KindSocket:
			e.activator.DeactivateSocket(du.Spec.Socket)
		}
		du.Mu.Unlock()

		e.CascadeDeactivate(dep)
	}
}

// HandleServiceExit is the reaper's callback (C8 -> C7) for a
// non-OneShot service's termination: it clears the live pid/pgid,
// applies the restart policy, and cascades deactivation when the
// service neither restarts nor exits successfully.
func (e *ActivationEngine) HandleServiceExit(unit UnitId, pid int, term ChildTermination) {
	u := e.units.Units[unit]
	u.Mu.Lock()
	svc := u.Spec.Service
	svc.Runtime.PID = 0
	svc.Runtime.ProcessGroup = 0
	restart := svc.Config.Restart
	name := u.Name()
	u.Mu.Unlock()

	e.log.Infof("service %s (pid %d) exited: %s", name, pid, term)

	shouldRestart := restart == RestartAlways || (restart == RestartOnFailure && !term.Success())
	if shouldRestart {
		u.Mu.Lock()
		svc.Runtime.RuntimeInfo.Restarted++
		u.Mu.Unlock()

		// ReactivateUnit (not startService directly) re-arms every
		// inherited socket before respawning, per scenario S5 (spec.md
		// §8): a restart must be able to consume the same descriptors
		// again, not find them still marked activated from last time.
		err := e.ReactivateUnit(unit)
		if err != nil {
			e.log.Errorf("service %s: restart failed: %v", name, err)
			e.CascadeDeactivate(unit)
		} else {
			e.log.Infof("service %s: restarted (policy=%s)", name, restart)
		}
		return
	}

	if !term.Success() {
		e.log.Warnf("service %s: exited unsuccessfully with no applicable restart policy, cascading deactivation", name)
		e.CascadeDeactivate(unit)
	}
}

// HandleOneshotExit is the reaper's callback for a OneShot service's
// termination: a non-zero exit cascades deactivation exactly like any
// other unrecoverable failure, but a clean exit is the expected,
// successful end of the unit's lifetime rather than something to
// restart (spec.md §4.5).
func (e *ActivationEngine) HandleOneshotExit(unit UnitId, pid int, term ChildTermination) {
	u := e.units.Units[unit]
	u.Mu.Lock()
	svc := u.Spec.Service
	svc.Runtime.PID = 0
	svc.Runtime.ProcessGroup = 0
	name := u.Name()
	u.Mu.Unlock()

	if !term.Success() {
		e.log.Warnf("oneshot service %s (pid %d) failed: %s", name, pid, term)
		e.CascadeDeactivate(unit)
		return
	}
	e.log.Infof("oneshot service %s (pid %d) completed successfully", name, pid)
}
