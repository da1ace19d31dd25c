package svcd

// Unit-file *text* parsing (the ini-like format) is out of scope for
// this package (spec.md §1): callers already have the abstract unit
// structures in hand (typically produced by a separate ini-loader) and
// hand them to Loader, which is responsible only for assigning dense
// UnitIds and handing the result to ResolveDependencies (C4).

// ServiceDecl is the abstract, already-parsed description of a service
// unit, as the loader would deliver it after reading a `.service`
// file's sections.
type ServiceDecl struct {
	Name    string
	Source  string
	Unit    UnitConfig
	Install InstallConfig
	Service ServiceConfig

	// SocketNames lists the Socket units this service consumes
	// descriptors from on start (declared via the socket's own
	// [Socket] SERVICE= entries, or implicitly by convention).
	SocketNames []string

	UID      int
	GID      int
	SuppGIDs []int
}

// SocketDecl is the abstract, already-parsed description of a socket
// unit.
type SocketDecl struct {
	Name    string
	Source  string
	Unit    UnitConfig
	Install InstallConfig

	FDName   string
	Listen   []SocketKind
	Services []string
}

// TargetDecl is the abstract, already-parsed description of a target
// unit (a pure synchronization point).
type TargetDecl struct {
	Name   string
	Source string
	Unit   UnitConfig
}

// Loader assembles a UnitSet from already-parsed declarations and
// assigns dense UnitIds in insertion order, matching the teacher's
// convention of a monotonically increasing id counter
// (original_source/src/unit_parser.rs's `last_id`).
type Loader struct {
	set    *UnitSet
	nextID UnitId
}

// NewLoader constructs an empty Loader.
func NewLoader() *Loader {
	return &Loader{set: NewUnitSet(), nextID: 1}
}

func (l *Loader) allocID() UnitId {
	id := l.nextID
	l.nextID++
	return id
}

// AddService registers a service declaration, rejecting inetd-style
// (Accept=true) services at load time per spec.md §9 design note.
func (l *Loader) AddService(d ServiceDecl) error {
	if d.Service.Accept {
		return &LoadError{Unit: d.Name, Msg: "inetd-style activation (Accept=true) is not supported"}
	}
	u := &Unit{
		Id: l.allocID(),
		Conf: UnitConfig{
			Name:       d.Name,
			SourcePath: d.Source,
			Wants:      d.Unit.Wants,
			Requires:   d.Unit.Requires,
			Before:     d.Unit.Before,
			After:      d.Unit.After,
		},
		Spec: UnitSpecialized{
			Kind: KindService,
			Service: &Service{
				Config:      d.Service,
				SocketNames: d.SocketNames,
				UID:         d.UID,
				GID:         d.GID,
				SuppGIDs:    d.SuppGIDs,
			},
		},
		installConfig: d.Install,
	}
	l.set.Add(u)
	return nil
}

// AddSocket registers a socket declaration, classifying each LISTEN*
// address per spec.md §6 and rejecting any address that is neither a
// unix path nor a valid host:port.
func (l *Loader) AddSocket(d SocketDecl) error {
	configs := make([]SocketConfig, 0, len(d.Listen))
	for _, kind := range d.Listen {
		family, err := ClassifyAddress(kind)
		if err != nil {
			return &LoadError{Unit: d.Name, Msg: err.Error()}
		}
		spec, err := specializeSocket(kind, family)
		if err != nil {
			return &LoadError{Unit: d.Name, Msg: err.Error()}
		}
		configs = append(configs, SocketConfig{Kind: kind, Specialized: spec})
	}
	u := &Unit{
		Id: l.allocID(),
		Conf: UnitConfig{
			Name:       d.Name,
			SourcePath: d.Source,
			Wants:      d.Unit.Wants,
			Requires:   d.Unit.Requires,
			Before:     d.Unit.Before,
			After:      d.Unit.After,
		},
		Spec: UnitSpecialized{
			Kind: KindSocket,
			Socket: &Socket{
				Name:     unitSocketName(d),
				Sockets:  configs,
				Services: d.Services,
			},
		},
		installConfig: d.Install,
	}
	l.set.Add(u)
	return nil
}

func unitSocketName(d SocketDecl) string {
	if d.FDName != "" {
		return d.FDName
	}
	return d.Name
}

// AddTarget registers a target declaration.
func (l *Loader) AddTarget(name, source string, unit UnitConfig, install InstallConfig) {
	u := &Unit{
		Id: l.allocID(),
		Conf: UnitConfig{
			Name:       name,
			SourcePath: source,
			Wants:      unit.Wants,
			Requires:   unit.Requires,
			Before:     unit.Before,
			After:      unit.After,
		},
		Spec:          UnitSpecialized{Kind: KindTarget},
		installConfig: install,
	}
	l.set.Add(u)
}

// Finish resolves dependencies and returns the UnitSet together with
// its activation order.
func (l *Loader) Finish() (*UnitSet, []UnitId, error) {
	order, err := ResolveDependencies(l.set)
	if err != nil {
		return nil, nil, err
	}
	return l.set, order, nil
}

func specializeSocket(kind SocketKind, family AddressFamily) (SpecializedSocketConfig, error) {
	switch family {
	case FamilyUnix:
		return SpecializedSocketConfig{Family: FamilyUnix, Path: kind.Addr}, nil
	case FamilyTCP:
		addr, err := resolveTCP(kind.Addr)
		if err != nil {
			return SpecializedSocketConfig{}, err
		}
		return SpecializedSocketConfig{Family: FamilyTCP, Addr: addr}, nil
	default:
		addr, err := resolveUDP(kind.Addr)
		if err != nil {
			return SpecializedSocketConfig{}, err
		}
		return SpecializedSocketConfig{Family: FamilyUDP, UDP: addr}, nil
	}
}
