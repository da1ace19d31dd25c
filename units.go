// Package svcd implements the activation engine and process supervisor
// described by the unit model: a dependency-ordered loader, a
// socket-activation hand-off, a service lifecycle state machine, and a
// signal-driven reaper that ties child exits back to their owning unit.
package svcd

import (
	"fmt"
	"sync"
)

// UnitId is a dense integer identity assigned at load time. It is
// stable for the lifetime of the Supervisor that produced it.
type UnitId uint32

// UnitKind distinguishes the three specializations a Unit can carry.
type UnitKind int

const (
	KindService UnitKind = iota
	KindSocket
	KindTarget
)

func (k UnitKind) String() string {
	switch k {
	case KindService:
		return "service"
	case KindSocket:
		return "socket"
	case KindTarget:
		return "target"
	default:
		return "unknown"
	}
}

// UnitConfig carries the pre-resolution declared dependencies of a
// unit, as handed in by the loader. Human-readable names are resolved
// to UnitIds by the dependency resolver (C4).
type UnitConfig struct {
	// Name is the unit's human-readable name, e.g. "sshd.service". Two
	// units may share a Name only if they differ in Kind.
	Name string
	// SourcePath is informational, used only for diagnostics.
	SourcePath string

	Wants    []string
	Requires []string
	Before   []string
	After    []string
}

// InstallConfig is the pre-resolution declared install-section data:
// who wants/requires this unit.
type InstallConfig struct {
	WantedBy    []string
	RequiredBy []string
}

// Install is the post-resolution dependency closure, expressed in
// UnitIds. The invariants from spec.md §3 hold once the resolver (C4)
// has run:
//
//	x ∈ y.RequiredBy  ⇔  y ∈ x.Requires   (and the same for Wants)
//	x ∈ y.Before      ⇔  y ∈ x.After
type Install struct {
	Wants      []UnitId
	WantedBy   []UnitId
	Requires   []UnitId
	RequiredBy []UnitId
	Before     []UnitId
	After      []UnitId
}

func (i *Install) addWants(id UnitId)      { i.Wants = appendUnique(i.Wants, id) }
func (i *Install) addWantedBy(id UnitId)   { i.WantedBy = appendUnique(i.WantedBy, id) }
func (i *Install) addRequires(id UnitId)   { i.Requires = appendUnique(i.Requires, id) }
func (i *Install) addRequiredBy(id UnitId) { i.RequiredBy = appendUnique(i.RequiredBy, id) }
func (i *Install) addBefore(id UnitId)     { i.Before = appendUnique(i.Before, id) }
func (i *Install) addAfter(id UnitId)      { i.After = appendUnique(i.After, id) }

func appendUnique(ids []UnitId, id UnitId) []UnitId {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

// UnitSpecialized tags which of Service, Socket, or Target a Unit is.
// Kind selects the payload: Service is set for KindService, Socket for
// KindSocket, and neither for KindTarget — the same "tag + gated
// payload" shape PidEntry uses in pidtable.go, rather than a Go
// interface, since every caller that branches
// on this needs Kind anyway for logging and error messages.
type UnitSpecialized struct {
	Kind    UnitKind
	Service *Service
	Socket  *Socket
	// Target carries no data: it is a pure synchronization point.
}

// Unit is a managed entity: a Service, Socket, or Target plus its
// dependency data. Unit is created once by the loader and lives for
// the Supervisor's lifetime; mutation of the specialized payload is
// gated by Mu.
type Unit struct {
	Id      UnitId
	Conf    UnitConfig
	Spec    UnitSpecialized
	Mu      sync.Mutex
	Install Install

	installConfig InstallConfig
}

// Name returns the unit's human-readable name for logging.
func (u *Unit) Name() string { return u.Conf.Name }

func (u *Unit) String() string {
	return fmt.Sprintf("%s(%s, id=%d)", u.Conf.Name, u.Spec.Kind, u.Id)
}
