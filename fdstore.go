package svcd

import (
	"fmt"
	"sync"

	"github.com/tuxdude/zzzlogi"
	"golang.org/x/sys/unix"
)

// FDStore (C2) maps a socket unit's name to the ordered, inheritable
// listening descriptors bound for it. Descriptors persist across
// service restarts (spec.md §3) so the kernel never drops a listening
// socket between a crash and a respawn; many readers may borrow an
// entry for the duration of a fork, one writer binds/unbinds at a
// time.
type FDStore struct {
	log zzzlogi.Logger

	mu      sync.RWMutex
	sockets map[string][]int
}

// NewFDStore constructs an empty fd store.
func NewFDStore(log zzzlogi.Logger) *FDStore {
	return &FDStore{
		log:     log,
		sockets: make(map[string][]int),
	}
}

// Put records the descriptors for a socket unit, in declared order.
// Overwrites any previous entry for the same name (used when a store
// caller has already confirmed no live entry exists).
func (s *FDStore) Put(name string, fds []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]int, len(fds))
	copy(cp, fds)
	s.sockets[name] = cp
}

// Get returns the descriptors stored for name, if any. The returned
// slice is owned by the caller's stack frame; callers must not retain
// it past the point they're done borrowing it for a fork.
func (s *FDStore) Get(name string) ([]int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fds, ok := s.sockets[name]
	if !ok {
		return nil, false
	}
	cp := make([]int, len(fds))
	copy(cp, fds)
	return cp, true
}

// Has reports whether name has any descriptors registered, without
// copying them.
func (s *FDStore) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sockets[name]
	return ok
}

// Remove closes and forgets the descriptors for name. Errors closing
// individual fds are logged and otherwise ignored, matching the
// teacher's "best effort" treatment of cleanup failures
// (multicastSig/shutDown swallow per-pid Kill errors the same way).
func (s *FDStore) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fds, ok := s.sockets[name]
	if !ok {
		return
	}
	for _, fd := range fds {
		if err := unix.Close(fd); err != nil {
			s.log.Warnf("fdstore: error closing fd %d for socket %q: %v", fd, name, err)
		}
	}
	delete(s.sockets, name)
}

// Names returns the currently registered socket-unit names, for
// diagnostics/introspection.
func (s *FDStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.sockets))
	for n := range s.sockets {
		names = append(names, n)
	}
	return names
}

func (s *FDStore) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("FDStore{%d sockets}", len(s.sockets))
}
