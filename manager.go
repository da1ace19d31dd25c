package svcd

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/tuxdude/zzzlogi"
)

// Option configures a Supervisor at construction time, generalizing
// the teacher's NewServiceManager(log, services...) positional-args
// shape to a functional-option constructor now that there is more than
// one orthogonal knob (notification socket directory, cgroup support,
// pre-built eventfds for an introspection server to watch).
type Option func(*supervisorConfig)

type supervisorConfig struct {
	notifySocketDir string
	cgroups         CgroupController
	eventfds        []*EventFd
}

// WithNotifySocketDir sets the directory notification datagram sockets
// are created under for Notify-type services. Defaults to os.TempDir().
func WithNotifySocketDir(dir string) Option {
	return func(c *supervisorConfig) { c.notifySocketDir = dir }
}

// WithCgroupController overrides the platform-default cgroup
// controller, primarily for tests that need a fake.
func WithCgroupController(ctrl CgroupController) Option {
	return func(c *supervisorConfig) { c.cgroups = ctrl }
}

// WithEventFd registers an additional event-fd to be notified whenever
// a service start is deferred to socket activation or a service process
// is forked, e.g. one owned by the introspection server's /events
// stream.
func WithEventFd(fd *EventFd) Option {
	return func(c *supervisorConfig) { c.eventfds = append(c.eventfds, fd) }
}

// Supervisor is the top-level facade tying the unit set, pid table, fd
// store, socket activator, service lifecycle, activation engine, and
// signal reaper together. It replaces service_manager.go's
// serviceManagerImpl, generalized from a flat []*ServiceInfo to a full
// dependency-ordered UnitSet.
type Supervisor struct {
	log zzzlogi.Logger
	id  uuid.UUID

	units *UnitSet
	order []UnitId

	pidTable  *PidTable
	fdStore   *FDStore
	activator *SocketActivator
	lifecycle *ServiceLifecycle
	engine    *ActivationEngine
	reaper    *SignalReaper

	stateMu      sync.Mutex
	shuttingDown bool
	doneCh       chan struct{}
}

// New constructs a Supervisor for the given, already dependency-loaded
// unit set (see Loader.Finish). It does not start anything; call Run
// to begin activation.
func New(log zzzlogi.Logger, units *UnitSet, order []UnitId, opts ...Option) *Supervisor {
	cfg := &supervisorConfig{cgroups: NewCgroupController()}
	for _, opt := range opts {
		opt(cfg)
	}

	pidTable := NewPidTable(log)
	fdStore := NewFDStore(log)
	activator := NewSocketActivator(log, fdStore)
	lifecycle := NewServiceLifecycle(log, pidTable, fdStore, cfg.cgroups, cfg.notifySocketDir)
	engine := NewActivationEngine(log, units, fdStore, activator, lifecycle, cfg.eventfds)
	reaper := NewSignalReaper(log, pidTable)

	return &Supervisor{
		log:       log,
		id:        uuid.New(),
		units:     units,
		order:     order,
		pidTable:  pidTable,
		fdStore:   fdStore,
		activator: activator,
		lifecycle: lifecycle,
		engine:    engine,
		reaper:    reaper,
		doneCh:    make(chan struct{}),
	}
}

// ID returns the instance UUID this Supervisor includes in its own
// activation and shutdown log lines, letting multiple instances' output
// be told apart in an aggregate logging pipeline. Log lines from the
// other components and the introspection responses do not carry it.
func (s *Supervisor) ID() uuid.UUID { return s.id }

// Run activates every unit in dependency order and starts the signal
// reaper. It returns once activation has completed; long-running
// supervision continues on the reaper's goroutine until Shutdown or
// the process exits.
func (s *Supervisor) Run() error {
	s.log.Infof("supervisor %s: activating %d unit(s)", s.id, len(s.order))

	s.reaper.Start(s.handleServiceExit, s.handleOneshotExit)

	if err := s.engine.Activate(s.order); err != nil {
		s.reaper.Stop()
		return fmt.Errorf("activation failed: %w", err)
	}
	return nil
}

func (s *Supervisor) handleServiceExit(unit UnitId, pid int, term ChildTermination) {
	s.engine.HandleServiceExit(unit, pid, term)
}

func (s *Supervisor) handleOneshotExit(unit UnitId, pid int, term ChildTermination) {
	s.engine.HandleOneshotExit(unit, pid, term)
}

// PollSocketWaiters re-evaluates every service deferred on socket
// activation. Callers drive this from their own event loop alongside
// whatever else they select/poll on (SPEC_FULL.md §4.4); Supervisor
// does not run an internal poller of its own so that embedders keep
// full control over their process's I/O multiplexing.
func (s *Supervisor) PollSocketWaiters() {
	s.engine.PollSocketWaiters()
}

// Units exposes the underlying UnitSet, e.g. for the introspection
// server to enumerate.
func (s *Supervisor) Units() *UnitSet { return s.units }

// Shutdown stops every active service (in reverse activation order, so
// dependents stop before their dependencies) and then stops the
// reaper. It is safe to call more than once; only the first call does
// anything.
func (s *Supervisor) Shutdown() {
	s.stateMu.Lock()
	if s.shuttingDown {
		s.stateMu.Unlock()
		return
	}
	s.shuttingDown = true
	s.stateMu.Unlock()

	for i := len(s.order) - 1; i >= 0; i-- {
		id := s.order[i]
		u := s.units.Units[id]
		u.Mu.Lock()
		if u.Spec.Kind == KindService && u.Spec.Service.IsActive() {
			s.log.Infof("supervisor %s: stopping %s", s.id, u.Name())
			if err := s.lifecycle.Kill(id, u.Name(), u.Spec.Service); err != nil {
				s.log.Warnf("supervisor %s: stopping %s: %v", s.id, u.Name(), err)
			}
		}
		u.Mu.Unlock()
	}

	s.reaper.Stop()
	close(s.doneCh)
}

// Done returns a channel closed once Shutdown has finished tearing
// everything down.
func (s *Supervisor) Done() <-chan struct{} { return s.doneCh }
