package svcd

import (
	"fmt"
	"sort"
)

// UnitSet is the loader's output before dependency resolution: dense
// ids already assigned, names indexed, but Install fields still empty.
// ResolveDependencies (C4) fills Install and returns an activation
// order.
type UnitSet struct {
	Units map[UnitId]*Unit
	// byName indexes by (kind, name) since two units may share a name
	// only if disambiguated by kind (spec.md §3).
	byName map[nameKey]UnitId
}

type nameKey struct {
	kind UnitKind
	name string
}

// NewUnitSet builds an empty UnitSet ready to have units added to it.
func NewUnitSet() *UnitSet {
	return &UnitSet{
		Units:  make(map[UnitId]*Unit),
		byName: make(map[nameKey]UnitId),
	}
}

// Add inserts a fully-constructed Unit (with its dense Id already
// assigned by the caller/loader) into the set.
func (s *UnitSet) Add(u *Unit) {
	s.Units[u.Id] = u
	s.byName[nameKey{u.Spec.Kind, u.Conf.Name}] = u.Id
}

func (s *UnitSet) lookup(kind UnitKind, name string) (UnitId, bool) {
	id, ok := s.byName[nameKey{kind, name}]
	return id, ok
}

// lookupAny resolves name against every kind, used for Wants/Requires/
// Before/After which don't carry a kind tag in the unit file format
// (spec.md §6) — the name itself carries the suffix convention
// (".service", ".socket", ".target") that a real loader would use to
// pick the kind; since parsing that text format is out of scope here,
// we resolve by matching whatever kind happens to own that name,
// erroring if it's ambiguous.
func (s *UnitSet) lookupAny(name string) (UnitId, error) {
	var found []UnitId
	for k, id := range s.byName {
		if k.name == name {
			found = append(found, id)
		}
	}
	switch len(found) {
	case 0:
		return 0, fmt.Errorf("unit %q not found", name)
	case 1:
		return found[0], nil
	default:
		return 0, fmt.Errorf("unit name %q is ambiguous across kinds", name)
	}
}

// ResolveDependencies implements C4: for every A.wants b it inserts
// B.wanted_by a (and symmetrically for requires), normalizes before/
// after in both directions, detects cycles in the after relation, and
// returns a topological activation order with ties broken by
// ascending UnitId.
func ResolveDependencies(set *UnitSet) ([]UnitId, error) {
	ids := make([]UnitId, 0, len(set.Units))
	for id := range set.Units {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		u := set.Units[id]
		if err := wireList(set, id, u.Conf.Wants, (*Install).addWants, (*Install).addWantedBy); err != nil {
			return nil, err
		}
		if err := wireList(set, id, u.Conf.Requires, (*Install).addRequires, (*Install).addRequiredBy); err != nil {
			return nil, err
		}
		if err := wireList(set, id, u.Conf.Before, (*Install).addBefore, (*Install).addAfter); err != nil {
			return nil, err
		}
		if err := wireList(set, id, u.Conf.After, (*Install).addAfter, (*Install).addBefore); err != nil {
			return nil, err
		}
		// Install-section WantedBy/RequiredBy run the same wiring in
		// the opposite direction: this unit is wanted/required by the
		// named units.
		if err := wireReverseList(set, id, u.installConfig.WantedBy, (*Install).addWantedBy, (*Install).addWants); err != nil {
			return nil, err
		}
		if err := wireReverseList(set, id, u.installConfig.RequiredBy, (*Install).addRequiredBy, (*Install).addRequires); err != nil {
			return nil, err
		}
	}

	if cycle := findAfterCycle(set, ids); cycle != nil {
		names := make([]string, len(cycle))
		for i, id := range cycle {
			names[i] = set.Units[id].Name()
		}
		return nil, &CycleError{Members: names}
	}

	return topoOrder(set, ids)
}

func wireList(set *UnitSet, from UnitId, names []string, setForward, setBackward func(*Install, UnitId)) error {
	for _, name := range names {
		to, err := set.lookupAny(name)
		if err != nil {
			return &LoadError{Unit: set.Units[from].Name(), Msg: err.Error()}
		}
		setForward(&set.Units[from].Install, to)
		setBackward(&set.Units[to].Install, from)
	}
	return nil
}

func wireReverseList(set *UnitSet, thisUnit UnitId, names []string, setOnThis, setOnOther func(*Install, UnitId)) error {
	for _, name := range names {
		other, err := set.lookupAny(name)
		if err != nil {
			return &LoadError{Unit: set.Units[thisUnit].Name(), Msg: err.Error()}
		}
		setOnThis(&set.Units[thisUnit].Install, other)
		setOnOther(&set.Units[other].Install, thisUnit)
	}
	return nil
}

// findAfterCycle runs a DFS gray/black coloring over the `after` edges
// and returns the member ids of the first cycle found, or nil.
func findAfterCycle(set *UnitSet, ids []UnitId) []UnitId {
	const (
		white = iota
		gray
		black
	)
	color := make(map[UnitId]int, len(ids))
	var stack []UnitId
	var cycle []UnitId

	var visit func(UnitId) bool
	visit = func(id UnitId) bool {
		color[id] = gray
		stack = append(stack, id)
		after := append([]UnitId(nil), set.Units[id].Install.After...)
		sort.Slice(after, func(i, j int) bool { return after[i] < after[j] })
		for _, dep := range after {
			switch color[dep] {
			case white:
				if visit(dep) {
					return true
				}
			case gray:
				// Found the cycle: the suffix of stack from dep onward.
				for i, s := range stack {
					if s == dep {
						cycle = append(cycle, stack[i:]...)
						break
					}
				}
				return true
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range ids {
		if color[id] == white {
			if visit(id) {
				return cycle
			}
		}
	}
	return nil
}

// topoOrder produces an order such that for every edge A after B, B
// precedes A, via Kahn's algorithm with a frontier re-sorted by id
// before each pick for determinism.
func topoOrder(set *UnitSet, ids []UnitId) ([]UnitId, error) {
	indegree := make(map[UnitId]int, len(ids))
	dependents := make(map[UnitId][]UnitId, len(ids)) // B -> [A : A after B]

	for _, id := range ids {
		indegree[id] = len(set.Units[id].Install.After)
		for _, dep := range set.Units[id].Install.After {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var frontier []UnitId
	for _, id := range ids {
		if indegree[id] == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Slice(frontier, func(i, j int) bool { return frontier[i] < frontier[j] })

	order := make([]UnitId, 0, len(ids))
	for len(frontier) > 0 {
		sort.Slice(frontier, func(i, j int) bool { return frontier[i] < frontier[j] })
		next := frontier[0]
		frontier = frontier[1:]
		order = append(order, next)

		deps := append([]UnitId(nil), dependents[next]...)
		sort.Slice(deps, func(i, j int) bool { return deps[i] < deps[j] })
		for _, dep := range deps {
			indegree[dep]--
			if indegree[dep] == 0 {
				frontier = append(frontier, dep)
			}
		}
	}

	if len(order) != len(ids) {
		// Should be unreachable: findAfterCycle already rejected any
		// cycle in `after` before we get here.
		return nil, fmt.Errorf("internal error: topological sort left %d of %d units unordered", len(ids)-len(order), len(ids))
	}
	return order, nil
}
