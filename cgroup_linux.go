//go:build linux

package svcd

import (
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// linuxCgroupController implements CgroupController against cgroup v2
// (the "freeze" file under the cgroup directory). It is only engaged
// when the caller is root, mirroring kill_os_specific.rs's
// `nix::unistd::getuid().is_root()` guard.
type linuxCgroupController struct{}

// NewCgroupController returns the Linux cgroup-v2-backed controller if
// the process is running as root, or the no-op controller otherwise.
func NewCgroupController() CgroupController {
	if os.Geteuid() != 0 {
		return noopCgroupController{}
	}
	return linuxCgroupController{}
}

func (linuxCgroupController) FreezeKillThaw(path string, sig unix.Signal) error {
	if path == "" {
		return nil
	}
	if err := writeCgroupFile(path, "cgroup.freeze", "1"); err != nil {
		return err
	}
	// Give the kernel a moment to actually stop the tasks before we
	// enumerate and signal them.
	time.Sleep(10 * time.Millisecond)

	pids, err := readCgroupPids(path)
	if err != nil {
		_ = writeCgroupFile(path, "cgroup.freeze", "0")
		return err
	}
	var firstErr error
	for _, pid := range pids {
		if err := unix.Kill(pid, sig); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := writeCgroupFile(path, "cgroup.freeze", "0"); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func writeCgroupFile(cgroupPath, file, value string) error {
	return os.WriteFile(filepath.Join(cgroupPath, file), []byte(value), 0o644)
}

func readCgroupPids(cgroupPath string) ([]int, error) {
	data, err := os.ReadFile(filepath.Join(cgroupPath, "cgroup.procs"))
	if err != nil {
		return nil, err
	}
	var pids []int
	n := 0
	neg := false
	started := false
	flush := func() {
		if started {
			if neg {
				n = -n
			}
			pids = append(pids, n)
		}
		n, neg, started = 0, false, false
	}
	for _, b := range data {
		switch {
		case b >= '0' && b <= '9':
			started = true
			n = n*10 + int(b-'0')
		case b == '\n':
			flush()
		default:
			// ignore stray whitespace
		}
	}
	flush()
	return pids, nil
}
