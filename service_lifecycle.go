package svcd

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/tuxdude/zzzlogi"
)

// StartResult is the outcome of a successful Start call.
type StartResult int

const (
	Started StartResult = iota
	WaitingForSocket
)

// ServiceLifecycle implements C6: fork/exec, hook execution, readiness
// waiting, stop, kill, and restart bookkeeping for a single service
// unit. One ServiceLifecycle is shared by every service; the per-unit
// state it mutates lives on the Service itself, guarded by the owning
// Unit's mutex.
type ServiceLifecycle struct {
	log      zzzlogi.Logger
	pidTable *PidTable
	fdStore  *FDStore
	cgroups  CgroupController

	// NotifySocketDir is the directory notification sockets are
	// created under. Configuration of runtime directories is out of
	// scope (spec.md §1); this is supplied by the embedder, not read
	// from any config file this package owns.
	NotifySocketDir string
}

// NewServiceLifecycle constructs a ServiceLifecycle.
func NewServiceLifecycle(log zzzlogi.Logger, pidTable *PidTable, fdStore *FDStore, cgroups CgroupController, notifySocketDir string) *ServiceLifecycle {
	return &ServiceLifecycle{
		log:             log,
		pidTable:        pidTable,
		fdStore:         fdStore,
		cgroups:         cgroups,
		NotifySocketDir: notifySocketDir,
	}
}

// Start implements the `start` contract of spec.md §4.3.
func (l *ServiceLifecycle) Start(id UnitId, name string, svc *Service, eventfds []*EventFd, allowIgnore bool) (StartResult, error) {
	if svc.Runtime.PID != 0 {
		return 0, &ServiceError{Kind: ErrAlreadyHasPID, PID: svc.Runtime.PID}
	}
	if svc.Runtime.ProcessGroup != 0 {
		return 0, &ServiceError{Kind: ErrAlreadyHasPGID, PID: svc.Runtime.ProcessGroup}
	}
	if svc.Config.Accept {
		return 0, &ServiceError{Kind: ErrGeneric, Msg: "inetd-style activation is not supported"}
	}

	if allowIgnore && len(svc.SocketNames) > 0 {
		l.log.Debugf("service %s: deferring start, waiting for socket activation", name)
		notifyAll(eventfds, func(err error) { l.log.Warnf("service %s: notifying event-fd: %v", name, err) })
		return WaitingForSocket, nil
	}

	l.log.Debugf("service %s: starting", name)

	extraFiles, err := l.prepareExtraFiles(svc)
	if err != nil {
		return 0, &ServiceError{Kind: ErrPreparingFailed, Msg: err.Error()}
	}

	if svc.Config.Type == Notify {
		conn, path, err := createNotifySocket(l.notifyDir(), name)
		if err != nil {
			return 0, &ServiceError{Kind: ErrPreparingFailed, Msg: err.Error()}
		}
		svc.IO.NotifyConn = conn
		svc.IO.NotifyPath = path
	}

	if err := l.runPrestart(id, name, svc); err != nil {
		poststopErr := l.runPoststop(id, name, svc)
		return 0, withPoststop(ErrPrestartFailed, ErrPrestartAndPoststopFailed, err, poststopErr)
	}

	if err := l.fork(id, name, svc, extraFiles, eventfds); err != nil {
		poststopErr := l.runPoststop(id, name, svc)
		return 0, withPoststop(ErrStartFailed, ErrStartAndPoststopFailed, err, poststopErr)
	}

	if err := l.waitReady(name, svc); err != nil {
		poststopErr := l.runPoststop(id, name, svc)
		return 0, withPoststop(ErrStartFailed, ErrStartAndPoststopFailed, err, poststopErr)
	}

	if err := l.runPoststart(id, name, svc); err != nil {
		poststopErr := l.runPoststop(id, name, svc)
		return 0, withPoststop(ErrPoststartFailed, ErrPoststartAndPoststopFailed, err, poststopErr)
	}

	now := time.Now()
	svc.Runtime.RuntimeInfo.UpSince = &now
	return Started, nil
}

// notifyDir returns NotifySocketDir, defaulting to os.TempDir() if
// unset (constructing runtime directory configuration is out of
// scope, spec.md §1, so a sane fallback keeps tests and minimal
// embedders working without forcing configuration).
func (l *ServiceLifecycle) notifyDir() string {
	if l.NotifySocketDir != "" {
		return l.NotifySocketDir
	}
	return os.TempDir()
}

// prepareExtraFiles resolves the inherited listening descriptors for
// svc.SocketNames, in order, as *os.File wrappers suitable for
// exec.Cmd.ExtraFiles (which Go places starting at fd 3 in the
// child).
func (l *ServiceLifecycle) prepareExtraFiles(svc *Service) ([]*os.File, error) {
	files := make([]*os.File, 0, len(svc.SocketNames))
	for _, name := range svc.SocketNames {
		fds, ok := l.fdStore.Get(name)
		if !ok {
			return nil, fmt.Errorf("no descriptors registered for socket %q", name)
		}
		for _, fd := range fds {
			dup, err := syscall.Dup(fd)
			if err != nil {
				return nil, fmt.Errorf("dup fd for socket %q: %w", name, err)
			}
			files = append(files, os.NewFile(uintptr(dup), name))
		}
	}
	return files, nil
}

// fork starts the main command under the pid table's lock, so the
// child's pid is registered as PidService before it can possibly be
// reaped (spec.md §5 ordering guarantee). Per spec.md:89's "duplicate
// stdout/stderr pipes" prepare step, the child's stdout/stderr are
// piped back to the parent rather than inherited, so svc.IO carries a
// live read end and svc.Runtime.StdoutBuf/StderrBuf accumulate output
// the same way runCmd's helper-command output does.
func (l *ServiceLifecycle) fork(id UnitId, name string, svc *Service, extraFiles []*os.File, eventfds []*EventFd) error {
	cmd, err := buildCmd(svc.Config.Exec, svc, extraFiles)
	if err != nil {
		return err
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("creating stdout pipe for %q: %w", name, err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return fmt.Errorf("creating stderr pipe for %q: %w", name, err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	l.pidTable.mu.Lock()
	startErr := cmd.Start()
	if startErr != nil {
		l.pidTable.mu.Unlock()
		for _, f := range extraFiles {
			f.Close()
		}
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return fmt.Errorf("starting %q: %w", svc.Config.Exec, startErr)
	}
	pid := cmd.Process.Pid
	l.pidTable.entries[pid] = PidEntry{Kind: PidService, Unit: id, SrvType: svc.Config.Type}
	l.pidTable.mu.Unlock()

	for _, f := range extraFiles {
		f.Close()
	}
	// The write ends now belong to the child; holding them open in the
	// parent would stop the read ends from ever seeing EOF.
	stdoutW.Close()
	stderrW.Close()

	svc.IO.StdoutReader = stdoutR
	svc.IO.StderrReader = stderrR
	go drainOutput(stdoutR, svc.Runtime.appendStdout)
	go drainOutput(stderrR, svc.Runtime.appendStderr)

	svc.Runtime.PID = pid
	svc.Runtime.ProcessGroup = pid
	l.log.Infof("service %s: started pid=%d", name, pid)
	notifyAll(eventfds, func(err error) { l.log.Warnf("service %s: notifying event-fd: %v", name, err) })

	go reapCmdQuietly(cmd)
	return nil
}

// drainOutput copies r in small chunks to append until the child
// closes its end (normal exit) or the parent closes the read end
// itself (killAllRemaining), at which point Read returns an error and
// the goroutine exits.
func drainOutput(r *os.File, sink func([]byte)) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			sink(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// reapCmdQuietly calls cmd.Wait in the background purely to release
// the exec package's internal bookkeeping; the actual exit status this
// supervisor cares about comes from the signal reaper (C8)/pid table,
// not from this Wait's return value, since the reaper may well collect
// the child first.
func reapCmdQuietly(cmd *exec.Cmd) {
	_ = cmd.Wait()
}

// waitReady performs the readiness wait for Notify- and Dbus-type
// services. Simple, Forking, and OneShot services are considered
// ready as soon as they've forked.
func (l *ServiceLifecycle) waitReady(name string, svc *Service) error {
	timeout, hasDeadline := svc.Config.startTimeout()
	var deadline time.Duration
	if hasDeadline {
		deadline = timeout
	}

	switch svc.Config.Type {
	case Notify:
		if svc.IO.NotifyConn == nil {
			return nil
		}
		if err := waitForReady(svc.IO.NotifyConn, deadline, &svc.Runtime.StatusMsgs); err != nil {
			return err
		}
		svc.Runtime.SignaledReady = true
		return nil
	case Dbus:
		if svc.Config.BusName == "" {
			return nil
		}
		if err := waitForBusName(svc.Config.BusName, svc.Config.BusAddress, deadline); err != nil {
			return err
		}
		svc.Runtime.SignaledReady = true
		return nil
	default:
		return nil
	}
}

// Stop implements the `stop` contract: run stop[] commands, then (for
// non-OneShot services) kill the process group and, on Linux as root,
// freeze/kill/thaw the cgroup. pid/pgid are cleared unconditionally.
func (l *ServiceLifecycle) Stop(id UnitId, name string, svc *Service) error {
	stopErr := l.runStop(id, name, svc)

	if svc.Config.Type != OneShot {
		l.killAllRemaining(name, svc)
	}

	svc.Runtime.PID = 0
	svc.Runtime.ProcessGroup = 0
	return stopErr
}

// Kill wraps Stop with poststop cleanup, matching spec.md §9's
// resolved Open Question: the stop failure here maps to StopFailed,
// not PrestartFailed (the teacher's run_poststop mislabels this in
// original_source's kill()).
func (l *ServiceLifecycle) Kill(id UnitId, name string, svc *Service) error {
	if err := l.Stop(id, name, svc); err != nil {
		poststopErr := l.runPoststop(id, name, svc)
		return withPoststop(ErrStopFailed, ErrStopAndPoststopFailed, err, poststopErr)
	}
	return l.runPoststop(id, name, svc)
}

func (l *ServiceLifecycle) killAllRemaining(name string, svc *Service) {
	if svc.Runtime.ProcessGroup != 0 {
		if err := syscall.Kill(-svc.Runtime.ProcessGroup, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
			l.log.Errorf("service %s: error killing process group %d: %v", name, svc.Runtime.ProcessGroup, err)
		}
	} else {
		l.log.Debugf("service %s: no process group to kill, might leave orphans", name)
	}
	if svc.Platform.CgroupPath != "" {
		if err := l.cgroups.FreezeKillThaw(svc.Platform.CgroupPath, syscall.SIGKILL); err != nil {
			l.log.Errorf("service %s: error freeze-kill-thaw on cgroup %q: %v", name, svc.Platform.CgroupPath, err)
		}
	}
	if svc.IO.NotifyConn != nil {
		svc.IO.NotifyConn.Close()
		removeNotifySocket(svc.IO.NotifyPath)
		svc.IO.NotifyConn = nil
		svc.IO.NotifyPath = ""
	}
	if svc.IO.StdoutReader != nil {
		svc.IO.StdoutReader.Close()
		svc.IO.StdoutReader = nil
	}
	if svc.IO.StderrReader != nil {
		svc.IO.StderrReader.Close()
		svc.IO.StderrReader = nil
	}
}

func (l *ServiceLifecycle) runPrestart(id UnitId, name string, svc *Service) error {
	if len(svc.Config.StartPre) == 0 {
		return nil
	}
	timeout, hasDeadline := svc.Config.startTimeout()
	return l.runAll(id, name, svc, svc.Config.StartPre, timeout, hasDeadline)
}

func (l *ServiceLifecycle) runPoststart(id UnitId, name string, svc *Service) error {
	if len(svc.Config.StartPost) == 0 {
		return nil
	}
	timeout, hasDeadline := svc.Config.startTimeout()
	return l.runAll(id, name, svc, svc.Config.StartPost, timeout, hasDeadline)
}

func (l *ServiceLifecycle) runStop(id UnitId, name string, svc *Service) error {
	if len(svc.Config.Stop) == 0 {
		return nil
	}
	timeout, hasDeadline := svc.Config.stopTimeout()
	return l.runAll(id, name, svc, svc.Config.Stop, timeout, hasDeadline)
}

// runPoststop guards on Config.StopPost, resolving spec.md §9's other
// Open Question: the teacher's second service module guards this on
// startpost.is_empty() instead, plausibly a copy-paste bug.
func (l *ServiceLifecycle) runPoststop(id UnitId, name string, svc *Service) error {
	if len(svc.Config.StopPost) == 0 {
		return nil
	}
	timeout, hasDeadline := svc.Config.startTimeout()
	return l.runAll(id, name, svc, svc.Config.StopPost, timeout, hasDeadline)
}

func (l *ServiceLifecycle) runAll(id UnitId, name string, svc *Service, cmds []string, timeout time.Duration, hasDeadline bool) error {
	for _, cmdStr := range cmds {
		if err := l.runCmd(id, name, svc, cmdStr, timeout, hasDeadline); err != nil {
			return err
		}
	}
	return nil
}

// runCmd forks a single helper command, registers it in the pid table
// as PidHelper, then polls for its exit with the exponential backoff
// described in spec.md §4.3, buffering its stdout/stderr onto svc once
// it's done.
func (l *ServiceLifecycle) runCmd(id UnitId, name string, svc *Service, cmdStr string, timeout time.Duration, hasDeadline bool) error {
	parts := strings.Fields(cmdStr)
	if len(parts) == 0 {
		return nil
	}
	cmd := exec.Command(parts[0], parts[1:]...)
	cmd.Stdin = nil
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &RunCmdError{Kind: RunCmdSpawnError, Cmd: cmdStr, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &RunCmdError{Kind: RunCmdSpawnError, Cmd: cmdStr, Err: err}
	}

	l.pidTable.mu.Lock()
	startErr := cmd.Start()
	var pid int
	if startErr == nil {
		pid = cmd.Process.Pid
		l.pidTable.entries[pid] = PidEntry{Kind: PidHelper, Unit: id, CmdName: cmdStr}
	}
	l.pidTable.mu.Unlock()
	if startErr != nil {
		return &RunCmdError{Kind: RunCmdSpawnError, Cmd: cmdStr, Err: startErr}
	}

	l.log.Debugf("service %s: running %q (pid=%d)", name, cmdStr, pid)

	term, waitErr := l.waitForHelper(pid, timeout, hasDeadline)
	if waitErr == errHelperTimedOut {
		// Kill before draining: the reads below only return once the
		// child has closed its stdout/stderr.
		_ = cmd.Process.Kill()
	}

	outBuf, _ := io.ReadAll(stdout)
	errBuf, _ := io.ReadAll(stderr)
	svc.Runtime.appendStdout(outBuf)
	svc.Runtime.appendStderr(errBuf)
	_ = cmd.Wait()

	if waitErr != nil {
		if waitErr == errHelperTimedOut {
			l.pidTable.Remove(pid)
			return &RunCmdError{Kind: RunCmdTimeout, Cmd: cmdStr}
		}
		return &RunCmdError{Kind: RunCmdWaitError, Cmd: cmdStr, Err: waitErr}
	}

	if !term.Success() {
		return &RunCmdError{Kind: RunCmdBadExitCode, Cmd: cmdStr, Termination: &term}
	}
	return nil
}

var errHelperTimedOut = fmt.Errorf("helper command timed out")

// waitForHelper polls the pid table with exponential backoff
// (spec.md §4.3: start at 50µs, double each iteration, cap at 10ms)
// until the entry transitions to PidHelperExited, returning its
// termination, or until timeout elapses first.
func (l *ServiceLifecycle) waitForHelper(pid int, timeout time.Duration, hasDeadline bool) (ChildTermination, error) {
	start := time.Now()
	sleep := 50 * time.Microsecond
	const cap_ = 10 * time.Millisecond

	for {
		if hasDeadline && time.Since(start) >= timeout {
			return ChildTermination{}, errHelperTimedOut
		}

		l.pidTable.mu.Lock()
		entry, ok := l.pidTable.entries[pid]
		if ok && entry.Kind == PidHelperExited {
			delete(l.pidTable.entries, pid)
			l.pidTable.mu.Unlock()
			return entry.Termination, nil
		}
		l.pidTable.mu.Unlock()

		time.Sleep(sleep)
		if sleep < cap_ {
			sleep *= 2
			if sleep > cap_ {
				sleep = cap_
			}
		}
	}
}

// buildCmd constructs the exec.Cmd for the service's main process,
// wiring socket-activation environment variables and uid/gid
// resolution per spec.md §6.
func buildCmd(execLine string, svc *Service, extraFiles []*os.File) (*exec.Cmd, error) {
	parts := strings.Fields(execLine)
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty Exec= command line")
	}
	cmd := exec.Command(parts[0], parts[1:]...)
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.ExtraFiles = extraFiles

	env := os.Environ()
	if len(extraFiles) > 0 {
		// LISTEN_PID is deliberately omitted: the systemd convention has
		// the child itself set it between fork and exec (Rust's
		// Command::pre_exec gives rustysd that hook), but os/exec offers
		// no equivalent — any code between fork and exec in the child
		// must be async-signal-safe, which rules out arbitrary Go.
		// Children are expected to trust LISTEN_FDS unconditionally.
		env = append(env,
			fmt.Sprintf("LISTEN_FDS=%d", len(extraFiles)),
			fmt.Sprintf("LISTEN_FDNAMES=%s", strings.Join(expandFdNames(svc.SocketNames, len(extraFiles)), ":")),
		)
	}
	if svc.Config.Type == Notify && svc.IO.NotifyPath != "" {
		env = append(env, fmt.Sprintf("%s=%s", NotifySocketEnvVar, svc.IO.NotifyPath))
	}
	if svc.Config.Type == Dbus && svc.Config.BusAddress != "" {
		env = append(env, fmt.Sprintf("DBUS_SESSION_BUS_ADDRESS=%s", svc.Config.BusAddress))
	}
	cmd.Env = env

	if creds, err := resolveCredentials(svc); err != nil {
		return nil, err
	} else if creds != nil {
		cmd.SysProcAttr.Credential = creds
	}

	return cmd, nil
}

// expandFdNames maps each socket name to one LISTEN_FDNAMES entry per
// descriptor it contributed, since a single socket unit may declare
// more than one LISTEN* address.
func expandFdNames(socketNames []string, total int) []string {
	if len(socketNames) == 0 {
		names := make([]string, total)
		for i := range names {
			names[i] = "unknown"
		}
		return names
	}
	names := make([]string, 0, total)
	per := total / len(socketNames)
	if per == 0 {
		per = 1
	}
	for _, n := range socketNames {
		for i := 0; i < per && len(names) < total; i++ {
			names = append(names, n)
		}
	}
	for len(names) < total {
		names = append(names, socketNames[len(socketNames)-1])
	}
	return names
}

func resolveCredentials(svc *Service) (*syscall.Credential, error) {
	if svc.Config.User == "" && svc.Config.Group == "" {
		return nil, nil
	}
	uid := svc.UID
	gid := svc.GID
	if svc.Config.User != "" && svc.UID == 0 {
		u, err := user.Lookup(svc.Config.User)
		if err != nil {
			return nil, fmt.Errorf("resolving user %q: %w", svc.Config.User, err)
		}
		n, _ := strconv.Atoi(u.Uid)
		uid = n
	}
	if svc.Config.Group != "" && svc.GID == 0 {
		g, err := user.LookupGroup(svc.Config.Group)
		if err != nil {
			return nil, fmt.Errorf("resolving group %q: %w", svc.Config.Group, err)
		}
		n, _ := strconv.Atoi(g.Gid)
		gid = n
	}
	supp := make([]uint32, len(svc.SuppGIDs))
	for i, g := range svc.SuppGIDs {
		supp[i] = uint32(g)
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid), Groups: supp}, nil
}
