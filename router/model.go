// Package router implements the crosspoint matrix shared by every
// protocol front-end: a multi-level routing table, per-destination
// locks scoped to connection lifetime, and the event bus that fans
// mutations out to wire peers and UI subscribers alike.
package router

import (
	"fmt"
	"sync"
)

// ConnID is an opaque, stable handle identifying a connection for the
// purposes of lock ownership. The model never retains a reference to
// the connection itself, only this handle, so it does not need to know
// anything about sockets, readers, or writers. Zero is reserved to mean
// "unowned"; engines must assign nonzero handles at accept time.
type ConnID uint64

// LockOp is the operation requested against a destination's lock.
type LockOp int

const (
	// LockOwn takes ownership of dest, overwriting any existing owner.
	// This reproduces observed VideoHub firmware behavior: a non-owner
	// requesting a lock on an already-locked port still succeeds and
	// transfers ownership.
	LockOwn LockOp = iota
	// LockUnlock releases dest iff the caller is the current owner, or
	// it is already unlocked. Rejected otherwise.
	LockUnlock
	// LockForce unconditionally releases dest regardless of owner.
	LockForce
)

// ModelConfig bounds a freshly created Model.
type ModelConfig struct {
	Levels  int
	Inputs  int
	Outputs int
}

// Model is the crosspoint matrix. All public methods are atomic with
// respect to concurrent access: a single mutex guards the entire
// struct, and subscriber callbacks are invoked synchronously while the
// mutex is held so that the order callbacks observe is a linearization
// of the order mutations were applied (spec §4.1, §5).
type Model struct {
	mu sync.Mutex

	levels  int
	inputs  int
	outputs int

	// route[level][dest] = source
	route [][]int

	inputLabels  []string
	outputLabels []string
	levelNames   []string

	// locks[dest] = owning ConnID, or 0 if unlocked.
	locks []ConnID

	subs   map[int]func(Event)
	nextID int
}

// NewModel builds a Model with the default identity routing described
// in spec.md §3: source(level, d) = d if d < inputs, else 0.
func NewModel(cfg ModelConfig) *Model {
	if cfg.Levels < 1 {
		cfg.Levels = 1
	}
	m := &Model{
		levels:       cfg.Levels,
		inputs:       cfg.Inputs,
		outputs:      cfg.Outputs,
		route:        make([][]int, cfg.Levels),
		inputLabels:  make([]string, cfg.Inputs),
		outputLabels: make([]string, cfg.Outputs),
		levelNames:   make([]string, cfg.Levels),
		locks:        make([]ConnID, cfg.Outputs),
		subs:         make(map[int]func(Event)),
	}
	for l := 0; l < cfg.Levels; l++ {
		row := make([]int, cfg.Outputs)
		for d := 0; d < cfg.Outputs; d++ {
			if d < cfg.Inputs {
				row[d] = d
			}
		}
		m.route[l] = row
	}
	for i := range m.inputLabels {
		m.inputLabels[i] = fmt.Sprintf("Input %d", i+1)
	}
	for o := range m.outputLabels {
		m.outputLabels[o] = fmt.Sprintf("Output %d", o+1)
	}
	for l := range m.levelNames {
		m.levelNames[l] = defaultLevelName(l)
	}
	return m
}

// defaultLevelName matches spec.md §3: "Video", "Audio 1", "Audio 2", …
func defaultLevelName(level int) string {
	if level == 0 {
		return "Video"
	}
	return fmt.Sprintf("Audio %d", level)
}

// Levels, Inputs and Outputs report the fixed bounds of the matrix.
func (m *Model) Levels() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels
}

func (m *Model) Inputs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inputs
}

func (m *Model) Outputs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outputs
}

// LockView is how a single destination's lock renders for a specific
// viewer: Owned if the viewer holds it, Locked if someone else holds
// it, Unlocked otherwise. This is the "O/U/L" rendering from spec §3.
type LockView int

const (
	ViewUnlocked LockView = iota
	ViewLocked
	ViewOwned
)

// Status is a point-in-time, peer-relative snapshot of the full model.
type Status struct {
	Levels       int
	Inputs       int
	Outputs      int
	LevelNames   []string
	InputLabels  []string
	OutputLabels []string
	// Routes[level][dest] = source
	Routes [][]int
	// Locks[dest] is the lock view relative to the requesting peer.
	Locks []LockView
}

// Snapshot returns a deep copy of the full model state, with locks
// rendered relative to peer (spec §4.1 get_full_snapshot).
func (m *Model) Snapshot(peer ConnID) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(peer)
}

func (m *Model) snapshotLocked(peer ConnID) Status {
	s := Status{
		Levels:       m.levels,
		Inputs:       m.inputs,
		Outputs:      m.outputs,
		LevelNames:   append([]string(nil), m.levelNames...),
		InputLabels:  append([]string(nil), m.inputLabels...),
		OutputLabels: append([]string(nil), m.outputLabels...),
		Routes:       make([][]int, m.levels),
		Locks:        make([]LockView, m.outputs),
	}
	for l := range s.Routes {
		s.Routes[l] = append([]int(nil), m.route[l]...)
	}
	for d, owner := range m.locks {
		s.Locks[d] = m.viewLocked(owner, peer)
	}
	return s
}

func (m *Model) viewLocked(owner, peer ConnID) LockView {
	switch {
	case owner == 0:
		return ViewUnlocked
	case owner == peer:
		return ViewOwned
	default:
		return ViewLocked
	}
}

// lockedByOther reports whether dest is held by a connection other than
// caller, without bounds checking;
// callers must hold m.mu and have validated dest already.
func (m *Model) lockedByOther(dest int, caller ConnID) bool {
	owner := m.locks[dest]
	return owner != 0 && owner != caller
}

// SetRoute writes source(level, dest) = src iff level/dest/src are all
// in range and dest's lock is not held by a connection other than
// caller. Returns applied=true, err=nil for a no-op write that is in
// range but the value is already current (no event is published) —
// treated as success per the "no-ops still report Ok" rule in spec §4.1.
func (m *Model) SetRoute(level, dest, src int, caller ConnID) (applied bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if level < 0 || level >= m.levels || dest < 0 || dest >= m.outputs {
		return false, &BoundsError{Field: "dest", Value: dest, Max: m.outputs}
	}
	if src < 0 || src >= m.inputs {
		return false, &BoundsError{Field: "src", Value: src, Max: m.inputs}
	}
	if m.lockedByOther(dest, caller) {
		return false, &LockError{Dest: dest}
	}
	if m.route[level][dest] == src {
		return true, nil
	}
	m.route[level][dest] = src
	m.publishLocked(RoutingChanged{Changes: []RouteEntry{{Level: level, Dest: dest, Source: src}}})
	return true, nil
}

// RouteEntry is one (level, destination, source) triple.
type RouteEntry struct {
	Level  int
	Dest   int
	Source int
}

// SetRoutes applies a batch of dest->src writes on a single level under
// one critical section, returning which entries were applied and which
// were rejected (and why). This backs VideoHub's "ACK if at least one
// entry succeeds".
func (m *Model) SetRoutes(level int, entries map[int]int, caller ConnID) (applied map[int]int, rejected map[int]error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	applied = make(map[int]int)
	rejected = make(map[int]error)
	if level < 0 || level >= m.levels {
		for d := range entries {
			rejected[d] = &BoundsError{Field: "level", Value: level, Max: m.levels}
		}
		return applied, rejected
	}
	var changes []RouteEntry
	for dest, src := range entries {
		if dest < 0 || dest >= m.outputs {
			rejected[dest] = &BoundsError{Field: "dest", Value: dest, Max: m.outputs}
			continue
		}
		if src < 0 || src >= m.inputs {
			rejected[dest] = &BoundsError{Field: "src", Value: src, Max: m.inputs}
			continue
		}
		if m.lockedByOther(dest, caller) {
			rejected[dest] = &LockError{Dest: dest}
			continue
		}
		if m.route[level][dest] != src {
			m.route[level][dest] = src
			changes = append(changes, RouteEntry{Level: level, Dest: dest, Source: src})
		}
		applied[dest] = src
	}
	if len(changes) > 0 {
		m.publishLocked(RoutingChanged{Changes: changes})
	}
	return applied, rejected
}

// SetLock applies op to dest's lock on behalf of caller.
func (m *Model) SetLock(dest int, op LockOp, caller ConnID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dest < 0 || dest >= m.outputs {
		return &BoundsError{Field: "dest", Value: dest, Max: m.outputs}
	}
	before := m.locks[dest]
	switch op {
	case LockOwn:
		m.locks[dest] = caller
	case LockUnlock:
		if before != 0 && before != caller {
			return &LockError{Dest: dest}
		}
		m.locks[dest] = 0
	case LockForce:
		m.locks[dest] = 0
	default:
		return fmt.Errorf("router: unknown lock op %d", op)
	}
	if before != m.locks[dest] {
		m.publishLocked(LocksChanged{Dests: []int{dest}})
	}
	return nil
}

// SetInputLabel and SetOutputLabel write a single label by index.
func (m *Model) SetInputLabel(i int, s string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= m.inputs {
		return &BoundsError{Field: "input", Value: i, Max: m.inputs}
	}
	if m.inputLabels[i] == s {
		return nil
	}
	m.inputLabels[i] = s
	m.publishLocked(InputLabelsChanged{Indices: []int{i}})
	return nil
}

func (m *Model) SetOutputLabel(o int, s string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o < 0 || o >= m.outputs {
		return &BoundsError{Field: "output", Value: o, Max: m.outputs}
	}
	if m.outputLabels[o] == s {
		return nil
	}
	m.outputLabels[o] = s
	m.publishLocked(OutputLabelsChanged{Indices: []int{o}})
	return nil
}

// SetInputLabels/SetOutputLabels apply a batch of label writes under a
// single critical section, matching VideoHub's INPUT/OUTPUT LABELS
// blocks which may update many indices in one message.
func (m *Model) SetInputLabels(entries map[int]string) (applied map[int]string, rejected map[int]error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	applied = make(map[int]string)
	rejected = make(map[int]error)
	var idx []int
	for i, s := range entries {
		if i < 0 || i >= m.inputs {
			rejected[i] = &BoundsError{Field: "input", Value: i, Max: m.inputs}
			continue
		}
		if m.inputLabels[i] != s {
			m.inputLabels[i] = s
			idx = append(idx, i)
		}
		applied[i] = s
	}
	if len(idx) > 0 {
		m.publishLocked(InputLabelsChanged{Indices: idx})
	}
	return applied, rejected
}

func (m *Model) SetOutputLabels(entries map[int]string) (applied map[int]string, rejected map[int]error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	applied = make(map[int]string)
	rejected = make(map[int]error)
	var idx []int
	for o, s := range entries {
		if o < 0 || o >= m.outputs {
			rejected[o] = &BoundsError{Field: "output", Value: o, Max: m.outputs}
			continue
		}
		if m.outputLabels[o] != s {
			m.outputLabels[o] = s
			idx = append(idx, o)
		}
		applied[o] = s
	}
	if len(idx) > 0 {
		m.publishLocked(OutputLabelsChanged{Indices: idx})
	}
	return applied, rejected
}

// SetLevelName writes the display name of a routing level.
func (m *Model) SetLevelName(l int, s string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l < 0 || l >= m.levels {
		return &BoundsError{Field: "level", Value: l, Max: m.levels}
	}
	m.levelNames[l] = s
	return nil
}

// ReleaseLocksHeldBy drops every lock owned by caller (used on
// disconnect) and returns the destinations that changed.
func (m *Model) ReleaseLocksHeldBy(caller ConnID) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var changed []int
	for d, owner := range m.locks {
		if owner == caller {
			m.locks[d] = 0
			changed = append(changed, d)
		}
	}
	if len(changed) > 0 {
		m.publishLocked(LocksChanged{Dests: changed})
	}
	return changed
}

// Subscribe registers fn to receive every mutation event. fn is called
// synchronously while the model's mutex is held, so it must not block
// or call back into the model; the expected pattern is a non-blocking
// enqueue onto a bounded channel (see Bus). The returned func
// unsubscribes.
func (m *Model) Subscribe(fn func(Event)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// publishLocked invokes every subscriber; caller must hold m.mu.
func (m *Model) publishLocked(ev Event) {
	for _, fn := range m.subs {
		fn(ev)
	}
}
