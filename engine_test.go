package svcd

import (
	"os"
	"testing"
)

// registerTestSocketFd puts one real descriptor into the engine's FD
// store under name, as ActivateSocket would, so a consuming Start has
// something to hand to the child.
func registerTestSocketFd(t *testing.T, engine *ActivationEngine, name string) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	t.Cleanup(func() { r.Close(); w.Close() })
	engine.fdStore.Put(name, []int{int(r.Fd())})
}

func newTestEngine(t *testing.T) (*ActivationEngine, *UnitSet) {
	log := newTestLogger(t)
	units := NewUnitSet()
	pt := NewPidTable(log)
	fds := NewFDStore(log)
	activator := NewSocketActivator(log, fds)
	lifecycle := NewServiceLifecycle(log, pt, fds, noopCgroupController{}, t.TempDir())
	engine := NewActivationEngine(log, units, fds, activator, lifecycle, nil)
	return engine, units
}

// TestCascadeDeactivateStopsRequiredBy covers scenario S6 (spec.md §8):
// when a required unit fails, every unit that RequiredBy it is stopped.
func TestCascadeDeactivateStopsRequiredBy(t *testing.T) {
	engine, units := newTestEngine(t)

	// b.service requires a.service: Install.RequiredBy on a points at b.
	a := &Unit{
		Id:   1,
		Conf: UnitConfig{Name: "a.service"},
		Spec: UnitSpecialized{Kind: KindService, Service: &Service{Config: ServiceConfig{Exec: "/bin/sleep 5", Type: Simple}}},
	}
	b := &Unit{
		Id:   2,
		Conf: UnitConfig{Name: "b.service"},
		Spec: UnitSpecialized{Kind: KindService, Service: &Service{Config: ServiceConfig{Exec: "/bin/sleep 5", Type: Simple}}},
	}
	a.Install.RequiredBy = []UnitId{2}
	b.Install.Requires = []UnitId{1}
	units.Add(a)
	units.Add(b)

	// Simulate b already running without actually forking a real process.
	b.Spec.Service.Runtime.PID = 99999999
	b.Spec.Service.Runtime.ProcessGroup = 99999999

	engine.CascadeDeactivate(1)

	if b.Spec.Service.Runtime.PID != 0 {
		t.Errorf("expected b.service's pid to be cleared by cascading Stop, got %d", b.Spec.Service.Runtime.PID)
	}
}

func TestCascadeDeactivateDeactivatesRequiredBySocket(t *testing.T) {
	engine, units := newTestEngine(t)

	a := &Unit{
		Id:   1,
		Conf: UnitConfig{Name: "a.service"},
		Spec: UnitSpecialized{Kind: KindService, Service: &Service{Config: ServiceConfig{Exec: "/bin/sleep 5", Type: Simple}}},
	}
	sock := &Unit{
		Id:   2,
		Conf: UnitConfig{Name: "web.socket"},
		Spec: UnitSpecialized{Kind: KindSocket, Socket: &Socket{Name: "web.socket", Activated: true}},
	}
	a.Install.RequiredBy = []UnitId{2}
	units.Add(a)
	units.Add(sock)

	engine.CascadeDeactivate(1)

	if sock.Spec.Socket.Activated {
		t.Error("expected the dependent socket to be deactivated")
	}
}

// TestHandleServiceExitRestartsAlways covers the restart half of the
// exit-handling contract (spec.md §4.5): RestartAlways respawns
// regardless of exit code.
func TestHandleServiceExitRestartsAlways(t *testing.T) {
	engine, units := newTestEngine(t)

	u := &Unit{
		Id:   1,
		Conf: UnitConfig{Name: "a.service"},
		Spec: UnitSpecialized{Kind: KindService, Service: &Service{Config: ServiceConfig{Exec: "/bin/true", Type: Simple, Restart: RestartAlways}}},
	}
	units.Add(u)

	engine.HandleServiceExit(1, 12345, ChildTermination{Kind: Exited, Code: 0})

	if u.Spec.Service.Runtime.PID == 0 {
		t.Error("expected RestartAlways to have respawned the service")
	}
	if u.Spec.Service.Runtime.RuntimeInfo.Restarted != 1 {
		t.Errorf("expected Restarted=1, got %d", u.Spec.Service.Runtime.RuntimeInfo.Restarted)
	}
}

// TestStartServiceMarksSocketActivated covers spec.md:71: once a
// starting service actually consumes its inherited descriptors (a
// non-WaitingForSocket Start), the Socket it was activated from flips
// to Activated=true.
func TestStartServiceMarksSocketActivated(t *testing.T) {
	engine, units := newTestEngine(t)

	sock := &Unit{
		Id:   1,
		Conf: UnitConfig{Name: "web.socket"},
		Spec: UnitSpecialized{Kind: KindSocket, Socket: &Socket{Name: "web.socket"}},
	}
	svc := &Unit{
		Id:   2,
		Conf: UnitConfig{Name: "web.service"},
		Spec: UnitSpecialized{Kind: KindService, Service: &Service{
			Config:      ServiceConfig{Exec: "/bin/true", Type: OneShot},
			SocketNames: []string{"web.socket"},
		}},
	}
	units.Add(sock)
	units.Add(svc)
	registerTestSocketFd(t, engine, "web.socket")

	svc.Mu.Lock()
	err := engine.startService(2, svc, true)
	svc.Mu.Unlock()
	if err != nil {
		t.Fatalf("startService: %v", err)
	}

	if !sock.Spec.Socket.Activated {
		t.Error("expected web.socket to be marked Activated after a consuming start")
	}
}

// TestHandleServiceExitRestartsReArmsSocket covers scenario S5 (spec.md
// §8): a RestartAlways respawn goes through ReactivateUnit, which must
// re-arm (reset to false, then re-mark true on the new start) every
// socket the service is activated from rather than leaving it stuck at
// whatever value the previous run left it in.
func TestHandleServiceExitRestartsReArmsSocket(t *testing.T) {
	engine, units := newTestEngine(t)

	sock := &Unit{
		Id:   1,
		Conf: UnitConfig{Name: "web.socket"},
		Spec: UnitSpecialized{Kind: KindSocket, Socket: &Socket{Name: "web.socket", Activated: true}},
	}
	svc := &Unit{
		Id:   2,
		Conf: UnitConfig{Name: "web.service"},
		Spec: UnitSpecialized{Kind: KindService, Service: &Service{
			Config:      ServiceConfig{Exec: "/bin/true", Type: OneShot, Restart: RestartAlways},
			SocketNames: []string{"web.socket"},
		}},
	}
	units.Add(sock)
	units.Add(svc)
	registerTestSocketFd(t, engine, "web.socket")

	engine.HandleServiceExit(2, 12345, ChildTermination{Kind: Exited, Code: 0})

	if svc.Spec.Service.Runtime.RuntimeInfo.Restarted != 1 {
		t.Errorf("expected Restarted=1, got %d", svc.Spec.Service.Runtime.RuntimeInfo.Restarted)
	}
	if !sock.Spec.Socket.Activated {
		t.Error("expected web.socket to be re-marked Activated after the restart consumed it again")
	}
}

func TestHandleServiceExitNoRestartCascades(t *testing.T) {
	engine, units := newTestEngine(t)

	a := &Unit{
		Id:   1,
		Conf: UnitConfig{Name: "a.service"},
		Spec: UnitSpecialized{Kind: KindService, Service: &Service{Config: ServiceConfig{Exec: "/bin/false", Type: Simple, Restart: RestartNo}}},
	}
	b := &Unit{
		Id:   2,
		Conf: UnitConfig{Name: "b.service"},
		Spec: UnitSpecialized{Kind: KindService, Service: &Service{Config: ServiceConfig{Exec: "/bin/sleep 5", Type: Simple}}},
	}
	a.Install.RequiredBy = []UnitId{2}
	units.Add(a)
	units.Add(b)
	b.Spec.Service.Runtime.PID = 424242
	b.Spec.Service.Runtime.ProcessGroup = 424242

	engine.HandleServiceExit(1, 111, ChildTermination{Kind: Exited, Code: 1})

	if b.Spec.Service.Runtime.PID != 0 {
		t.Error("expected the unsuccessful, non-restarting exit to cascade-deactivate b.service")
	}
}
