package svcd

import (
	"net"
	"os"
	"sync"
	"time"
)

// ServiceType selects the readiness protocol a service uses.
type ServiceType int

const (
	// Simple services are considered started as soon as they fork/exec.
	Simple ServiceType = iota
	// Forking services background themselves. No pidfile is read: the
	// pid forked by the supervisor is tracked as the main pid, and
	// readiness and exit handling are the same as for Simple.
	Forking
	// OneShot services are expected to run to completion; their exit
	// is not a failure by itself.
	OneShot
	// Notify services report readiness over the notification socket.
	Notify
	// Dbus services are considered ready once BusName appears on the
	// configured bus.
	Dbus
)

func (t ServiceType) String() string {
	switch t {
	case Simple:
		return "simple"
	case Forking:
		return "forking"
	case OneShot:
		return "oneshot"
	case Notify:
		return "notify"
	case Dbus:
		return "dbus"
	default:
		return "unknown"
	}
}

// RestartPolicy controls whether the exit handler (C8) respawns a
// service after it terminates.
type RestartPolicy int

const (
	RestartNo RestartPolicy = iota
	RestartAlways
	RestartOnFailure
)

func (r RestartPolicy) String() string {
	switch r {
	case RestartAlways:
		return "always"
	case RestartOnFailure:
		return "on-failure"
	default:
		return "no"
	}
}

// Timeout models `Duration(d) | Infinity`: a zero-value Timeout with
// Infinite=false and Duration=0 is NOT used anywhere — callers always
// construct either TimeoutDuration or TimeoutInfinite.
type Timeout struct {
	Duration time.Duration
	Infinite bool
}

// TimeoutDuration returns a finite Timeout of d.
func TimeoutDuration(d time.Duration) Timeout { return Timeout{Duration: d} }

// TimeoutInfinite returns a Timeout with no deadline.
func TimeoutInfinite() Timeout { return Timeout{Infinite: true} }

// resolve returns (deadline, ok): ok is false for an unset Timeout
// (nil pointer upstream) or an explicit TimeoutInfinite.
func (t *Timeout) resolve() (time.Duration, bool) {
	if t == nil || t.Infinite {
		return 0, false
	}
	return t.Duration, true
}

// ServiceConfig is the immutable, load-time configuration of a
// service. Per the "Service struct as a god-object" design note, the
// mutable runtime state lives in ServiceRuntime/ServiceIO instead of
// here.
type ServiceConfig struct {
	StartPre  []string
	StartPost []string
	Stop      []string
	StopPost  []string
	Exec      string

	Accept bool // inetd-style activation; always rejected at Start, see spec.md §4.3

	Type    ServiceType
	Restart RestartPolicy

	StartTimeout   *Timeout
	StopTimeout    *Timeout
	GeneralTimeout *Timeout

	User          string
	Group         string
	SupplementaryGroups []string

	// BusName is consulted only when Type == Dbus: the name this
	// service is expected to acquire on the bus before it is
	// considered ready (see SPEC_FULL.md §7).
	BusName string
	// BusAddress, if empty, uses the session bus default.
	BusAddress string
}

func (c *ServiceConfig) startTimeout() (time.Duration, bool) {
	if d, ok := c.StartTimeout.resolve(); ok {
		return d, true
	}
	if c.StartTimeout != nil && c.StartTimeout.Infinite {
		return 0, false
	}
	return c.GeneralTimeout.resolve()
}

func (c *ServiceConfig) stopTimeout() (time.Duration, bool) {
	if d, ok := c.StopTimeout.resolve(); ok {
		return d, true
	}
	if c.StopTimeout != nil && c.StopTimeout.Infinite {
		return 0, false
	}
	return c.GeneralTimeout.resolve()
}

// ServiceRuntimeInfo tracks restart bookkeeping across the service's
// lifetime, surviving across individual start/stop cycles.
type ServiceRuntimeInfo struct {
	Restarted uint64
	UpSince   *time.Time
}

// PlatformFields holds the platform-specific capability handle (cgroup
// membership on Linux, a no-op elsewhere). See cgroup.go /
// cgroup_linux.go / cgroup_other.go.
type PlatformFields struct {
	CgroupPath string // empty means "no cgroup membership configured"
}

// ServiceRuntime is the mutable part of a running (or stopped) Service:
// pid/pgid, buffered output, and the restart counters. Split out of
// Service per the god-object design note so the lifecycle state
// machine has one clear struct to mutate under the owning Unit's Mu.
type ServiceRuntime struct {
	PID           int // 0 means unset
	ProcessGroup  int // 0 means unset
	SignaledReady bool
	RuntimeInfo   ServiceRuntimeInfo

	StatusMsgs []string

	// outputMu guards StdoutBuf/StderrBuf: runCmd appends to them
	// synchronously, but the main process's output is drained by the
	// background goroutines fork starts, so both need the same lock.
	outputMu  sync.Mutex
	StdoutBuf []byte
	StderrBuf []byte
}

// maxBufferedOutput caps how much of a service's stdout/stderr is kept
// in memory; older bytes are dropped once a stream exceeds it, so a
// noisy long-running service can't grow its buffer without bound.
const maxBufferedOutput = 64 * 1024

func (r *ServiceRuntime) appendStdout(b []byte) {
	r.outputMu.Lock()
	r.StdoutBuf = capAppend(r.StdoutBuf, b, maxBufferedOutput)
	r.outputMu.Unlock()
}

func (r *ServiceRuntime) appendStderr(b []byte) {
	r.outputMu.Lock()
	r.StderrBuf = capAppend(r.StderrBuf, b, maxBufferedOutput)
	r.outputMu.Unlock()
}

func capAppend(buf, add []byte, max int) []byte {
	buf = append(buf, add...)
	if len(buf) > max {
		buf = buf[len(buf)-max:]
	}
	return buf
}

// ServiceIO holds the file-descriptor-shaped resources a running
// service owns: its notification datagram socket and the read ends of
// the stdout/stderr pipes the supervisor reads from. Split out of
// Service per the god-object design note.
type ServiceIO struct {
	NotifyConn     *net.UnixConn
	NotifyPath     string
	StdoutReader   *os.File
	StderrReader   *os.File
}

// Service is the specialized payload of a Unit with Kind==KindService.
// An instance is "active" iff Runtime.PID != 0 (spec.md §3 invariant).
type Service struct {
	Config ServiceConfig

	// SocketNames lists the Socket units (by Name) whose descriptors
	// this service consumes on start, in declared order.
	SocketNames []string

	Runtime  ServiceRuntime
	IO       ServiceIO
	Platform PlatformFields

	UID       int
	GID       int
	SuppGIDs  []int
}

// IsActive reports whether the service currently has a live pid,
// matching the spec.md §3/§8 invariant.
func (s *Service) IsActive() bool {
	return s.Runtime.PID != 0
}
