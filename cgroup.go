package svcd

import "golang.org/x/sys/unix"

// CgroupController confines the concrete cgroup manipulation behind a
// small capability interface (spec.md §9 design note: "Cgroup control:
// confined behind a capability trait so non-Linux targets get a no-op
// implementation; on Linux, root-only freeze/kill/thaw"). kill_os_specific
// (original_source/src/services/kill_os_specific.rs) is the direct
// ancestor of this split: it already gates the whole operation behind
// `cfg(target_os = "linux")` and a root check.
type CgroupController interface {
	// FreezeKillThaw atomically freezes every process in the cgroup at
	// path, sends sig to all of them, then thaws the (now hopefully
	// empty) cgroup so any stray processes can be scheduled again to
	// receive the signal. Implementations that don't support cgroups
	// return nil unconditionally.
	FreezeKillThaw(path string, sig unix.Signal) error
}

// noopCgroupController is used whenever platform support is missing
// or the caller (non-root) could not use cgroups anyway.
type noopCgroupController struct{}

func (noopCgroupController) FreezeKillThaw(string, unix.Signal) error { return nil }
