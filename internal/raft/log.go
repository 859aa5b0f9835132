package raft

import (
	"fmt"
	"sync/atomic"
)

// Type tags what change a log record represents (spec.md §4.11). Go's GC
// keeps a record alive for as long as any goroutine holds a pointer to it,
// so unlike the original's heap-allocated, refcounted log, Refs here is a
// diagnostic borrow counter only — never a free trigger (see DESIGN.md).
type Type uint8

const (
	TypeOld Type = iota
	TypeAdjust
	TypeShrink
	TypeChangeAvailable
	TypeGrowComplete
	TypeGrowTransform
	TypeGrow
	TypeGrowChangeAvailable
)

// unstableMask/jointMask mirror the original's bit bookkeeping but as plain
// predicates over the Type enum, since Go doesn't need the packed bitfield.
// Unstable reports whether t carries a real new half not yet promoted to
// sole configuration — every type except TypeOld (already stable) and
// TypeGrowTransform (the deterministic, unvoted merge step between GROW's
// two joint phases; see MallocGrowTransform, never itself replicated as a
// pending entry).
func (t Type) Unstable() bool {
	switch t {
	case TypeOld, TypeGrowTransform:
		return false
	default:
		return true
	}
}

// Joint reports whether t requires counting acks against both an old and a
// new half for commit (Raft §6's joint-consensus quorum rule), a narrower
// predicate than Unstable: TypeChangeAvailable and TypeGrowChangeAvailable
// carry an old+new split on the wire (CompleteChangeAvailable populates
// NewMachines) but commit on the old half's majority alone, since
// availability-only entries never change who the members are.
func (t Type) Joint() bool {
	switch t {
	case TypeAdjust, TypeShrink, TypeGrow, TypeGrowComplete:
		return true
	default:
		return false
	}
}

// Log is one entry in the Raft configuration log: an old half (the
// currently-committed configuration) and, while unstable, a new half being
// voted into joint consensus (spec.md §4.11).
type Log struct {
	refs atomic.Int64

	Index              uint64
	Term               uint64
	Version            uint64
	NextMachineVersion uint64
	NextMachineID      uint32
	Type               Type
	OldMachines        []Machine
	NewMachines        []Machine
	DistinctMachinesN  uint64
}

// Borrow/Release track live references for diagnostics and tests; neither
// is load-bearing for memory safety under Go's GC.
func (l *Log) Borrow()  { l.refs.Add(1) }
func (l *Log) Release() { l.refs.Add(-1) }
func (l *Log) Refs() int64 { return l.refs.Load() }

// AllMachines returns the old half followed by the new half (empty for a
// stable log), in on-the-wire order.
func (l *Log) AllMachines() []Machine {
	out := make([]Machine, 0, len(l.OldMachines)+len(l.NewMachines))
	out = append(out, l.OldMachines...)
	out = append(out, l.NewMachines...)
	return out
}

// FindMachine, FindOld, FindNew mirror log_machines_find{,_old,_new}.
func (l *Log) FindMachine(id uint32) (Machine, bool) { return FindByID(l.AllMachines(), id) }
func (l *Log) FindOld(id uint32) (Machine, bool)     { return FindByID(l.OldMachines, id) }
func (l *Log) FindNew(id uint32) (Machine, bool)     { return FindByID(l.NewMachines, id) }

// AtLeastUpToDate implements Raft §5.4.1: a candidate's (index, term) is at
// least as up to date as l if its term is later, or equal with index ≥.
func (l *Log) AtLeastUpToDate(index, term uint64) bool {
	return term > l.Term || (term == l.Term && index >= l.Index)
}

func (l *Log) nextMachineVersion() uint64 {
	v := l.NextMachineVersion
	l.NextMachineVersion++
	return v
}

func (l *Log) nextMachineID() uint32 {
	id := l.NextMachineID
	l.NextMachineID++
	return id
}

func (l *Log) initMachine(m *Machine) {
	m.ID = l.nextMachineID()
	m.SetAvailable(true)
	m.Version = l.nextMachineVersion()
}

// MallocInit builds the bootstrap log (term=index=1, version=1) from a
// raw, as-yet-unnumbered old-only machine list (spec.md §4.11's
// log_malloc_init).
func MallocInit(machines []Machine) (*Log, error) {
	if !MachinesSizeValid(len(machines)) {
		return nil, fmt.Errorf("raft: invalid initial machine count %d", len(machines))
	}
	return &Log{
		Index:              1,
		Term:               1,
		Version:            1,
		NextMachineVersion: 1,
		NextMachineID:      1,
		Type:               TypeOld,
		OldMachines:        append([]Machine(nil), machines...),
		DistinctMachinesN:  uint64(len(machines)),
	}, nil
}

// CompleteInit assigns ids/versions/availability to a freshly built
// MallocInit log, sorts by address, and rejects duplicate addresses
// (log_complete_init).
func (l *Log) CompleteInit() error {
	for i := range l.OldMachines {
		l.initMachine(&l.OldMachines[i])
	}
	SortByAddr(l.OldMachines)
	if HasDuplicateAddr(l.OldMachines) {
		return fmt.Errorf("raft: duplicate machine address in initial cluster")
	}
	return nil
}

// completeUnstable copies the bookkeeping fields a new log inherits from
// its predecessor, the shared prologue of every *_complete_* function
// (__log_complete_unstable).
func (l *Log) completeUnstable(old *Log, term uint64) {
	l.Index = old.Index + 1
	l.Term = term
	l.Version = old.Version
	l.NextMachineVersion = old.NextMachineVersion
	l.NextMachineID = old.NextMachineID
	l.OldMachines = append([]Machine(nil), old.OldMachines...)
}

// MallocStable promotes a committed unstable (joint) log into a stable one:
// the new half becomes the sole configuration, index and version advance
// (log_malloc_stable).
func MallocStable(unstable *Log) *Log {
	return &Log{
		Index:              unstable.Index + 1,
		Term:               unstable.Term,
		Version:            unstable.Version + 1,
		NextMachineVersion: unstable.NextMachineVersion,
		NextMachineID:      unstable.NextMachineID,
		Type:               stableType(unstable.Type),
		OldMachines:        append([]Machine(nil), unstable.NewMachines...),
		DistinctMachinesN:  uint64(len(unstable.NewMachines)),
	}
}

// stableType is always TypeOld: once a joint log's new half has been
// promoted to sole configuration, whatever produced it (adjust, shrink,
// change-available, or a grow's second joint step) no longer matters —
// the result is just the base configuration, ready for the next change.
func stableType(Type) Type { return TypeOld }

// MallocGrowTransform merges a committed GROW proposal's two (disjoint)
// halves — the old configuration and the newly added machines — into a
// single stable configuration holding their union. This is the
// deterministic, unvoted step between GROW's two joint-consensus phases:
// it runs after the TypeGrow entry has committed and produces the input
// MallocGrowComplete re-votes into place.
// There is no same-named function in the original source to port from —
// the original's log_malloc_grow_complete conflates this merge step with
// the second phase below; splitting them here makes both phases explicit.
func MallocGrowTransform(unstable *Log) *Log {
	l := &Log{Type: TypeGrowTransform}
	l.Index = unstable.Index + 1
	l.Term = unstable.Term
	l.Version = unstable.Version + 1
	l.NextMachineVersion = unstable.NextMachineVersion
	l.NextMachineID = unstable.NextMachineID
	l.OldMachines = append(append([]Machine(nil), unstable.OldMachines...), unstable.NewMachines...)
	l.DistinctMachinesN = uint64(len(l.OldMachines))
	return l
}

// MallocGrowComplete builds the second joint-consensus step a GROW change
// requires: the already-doubled configuration (as merged by
// MallocGrowTransform) is mirrored into both halves, with the first half's
// machines given fresh versions, so committing it proves the full,
// doubled membership now holds quorum among itself before it becomes the
// sole configuration (log_malloc_grow_complete).
func MallocGrowComplete(transform *Log, term uint64) (*Log, error) {
	n := len(transform.OldMachines)
	if n%2 != 0 {
		return nil, fmt.Errorf("raft: grow-complete from odd machine count %d", n)
	}
	l := &Log{Type: TypeGrowComplete}
	l.completeUnstable(transform, term)
	l.NewMachines = append([]Machine(nil), transform.OldMachines...)

	k := n / 2
	for i := 0; i < k; i++ {
		l.NewMachines[i].Version = l.nextMachineVersion()
	}
	l.DistinctMachinesN = uint64(n)
	return l, nil
}

// CompleteChange validates and finalizes a proposed reconfiguration against
// old (the currently committed log), dispatching to adjust/shrink/grow by
// comparing sizes (log_complete_change). newMachines must already be
// populated by the caller before calling this.
func (l *Log) CompleteChange(old *Log, term uint64, newMachines []Machine) error {
	l.completeUnstable(old, term)
	oldN := len(old.OldMachines)
	newN := len(newMachines)

	switch {
	case newN == oldN:
		l.Type = TypeAdjust
		return l.completeAdjust(old, newMachines)
	case newN == oldN/2:
		l.Type = TypeShrink
		return l.completeShrink(old, newMachines)
	case newN == oldN*2:
		l.Type = TypeGrow
		return l.completeGrow(newMachines)
	default:
		return fmt.Errorf("raft: proposed cluster size %d is not half, equal, or double of %d", newN, oldN)
	}
}

// completeAdjust implements __log_complete_adjust: the new list must keep
// at least half (but not all) of the old addresses; carried-over machines
// keep their identity, genuinely new addresses get fresh ids, and the
// version of every machine whose availability or identity effectively
// changed (from the first divergence onward) is bumped.
func (l *Log) completeAdjust(old *Log, proposed []Machine) error {
	n := len(proposed)
	sortedProposed := append([]Machine(nil), proposed...)
	SortByAddr(sortedProposed)
	oldMachines := old.OldMachines

	newMachines := make([]Machine, n)
	keeps := 0
	for i, np := range sortedProposed {
		if i < len(oldMachines) && addrCmp(np, oldMachines[i]) == 0 {
			newMachines[i] = oldMachines[i]
			keeps++
			continue
		}
		if existing, ok := SearchAddr(np, oldMachines); ok {
			newMachines[i] = existing
			continue
		}
		newMachines[i] = np
		l.initMachine(&newMachines[i])
	}
	if keeps == n || keeps < n/2 {
		return fmt.Errorf("raft: adjust must keep at least half but not all of the old configuration")
	}

	resorted := append([]Machine(nil), newMachines...)
	SortByAddr(resorted)
	if HasDuplicateAddr(resorted) {
		return fmt.Errorf("raft: adjust produced a duplicate machine address")
	}

	l.NewMachines = newMachines
	l.OldMachines = append([]Machine(nil), oldMachines...)

	// From the first point where an id or availability diverges between old
	// and new (scanning from the end), every machine from there on gets a
	// fresh version; this marks exactly the changed suffix as upgraded.
	i, j := 0, 0
	for i < len(oldMachines) && j < len(newMachines) &&
		oldMachines[i].ID == newMachines[j].ID && !oldMachines[i].Available() {
		i++
		j++
	}
	upgrade := i >= len(oldMachines) || j >= len(newMachines) || oldMachines[i].ID != newMachines[j].ID
	for k := n - 1; k >= 0; k-- {
		if oldMachines[k].ID != newMachines[k].ID {
			upgrade = true
		} else if newMachines[k].Available() {
			upgrade = false
		}
		if upgrade {
			newMachines[k].Version = l.nextMachineVersion()
		}
	}

	l.DistinctMachinesN = uint64(n) + uint64(countNew(newMachines, oldMachines))
	return nil
}

func countNew(newMachines, oldMachines []Machine) int {
	n := 0
	for _, m := range newMachines {
		if _, ok := FindByID(oldMachines, m.ID); !ok {
			n++
		}
	}
	return n
}

// completeShrink implements __log_complete_shrink: the proposed (smaller)
// list must be exactly a prefix of the old, address-sorted configuration.
func (l *Log) completeShrink(old *Log, proposed []Machine) error {
	if !MachinesEqual(old.OldMachines[:len(proposed)], proposed) {
		return fmt.Errorf("raft: shrink target is not a prefix of the current configuration")
	}
	l.NewMachines = append([]Machine(nil), proposed...)
	l.OldMachines = append([]Machine(nil), old.OldMachines...)
	l.DistinctMachinesN = uint64(len(old.OldMachines))
	return nil
}

// completeGrow implements __log_complete_grow: the proposed (larger) list
// must begin with exactly the old configuration, and the appended machines
// must have addresses disjoint from it.
func (l *Log) completeGrow(proposed []Machine) error {
	n := len(l.OldMachines)
	if !MachinesEqual(l.OldMachines, proposed[:n]) {
		return fmt.Errorf("raft: grow target must begin with the current configuration")
	}
	added := append([]Machine(nil), proposed[n:]...)
	SortByAddr(added)
	if HasDuplicateAddr(added) {
		return fmt.Errorf("raft: grow proposal has a duplicate new machine address")
	}
	sortedOld := append([]Machine(nil), l.OldMachines...)
	SortByAddr(sortedOld)
	i, j := 0, 0
	for i < len(sortedOld) && j < len(added) {
		switch c := addrCmp(sortedOld[i], added[j]); {
		case c < 0:
			i++
		case c > 0:
			j++
		default:
			return fmt.Errorf("raft: grow proposal reuses an existing machine address")
		}
	}
	for k := range added {
		l.initMachine(&added[k])
	}
	l.NewMachines = added
	l.DistinctMachinesN = uint64(len(proposed))
	return nil
}

// CompleteChangeAvailable builds a log that only flips availability bits in
// place (the leader's per-interval liveness reconciliation), bumping the
// version of every machine whose availability changed relative to its
// suffix-stable point (log_complete_change_available).
func (l *Log) CompleteChangeAvailable(old *Log, term uint64, newAvailability []bool) error {
	if len(newAvailability) != len(old.OldMachines) {
		return fmt.Errorf("raft: availability vector length mismatch")
	}
	l.completeUnstable(old, term)
	switch old.Type {
	case TypeOld:
		l.Type = TypeChangeAvailable
	case TypeGrowTransform:
		l.Type = TypeGrowChangeAvailable
	default:
		return fmt.Errorf("raft: change-available must originate from a stable or grow-transform log")
	}

	n := len(old.OldMachines)
	newMachines := append([]Machine(nil), old.OldMachines...)
	for i := range newMachines {
		newMachines[i].SetAvailable(newAvailability[i])
	}

	i := 0
	for i < n && !old.OldMachines[i].Available() && !newMachines[i].Available() {
		i++
	}
	upgrade := i >= n || old.OldMachines[i].Available() != newMachines[i].Available()
	for k := n - 1; k >= 0; k-- {
		available := old.OldMachines[k].Available()
		if newMachines[k].Available() != available {
			upgrade = true
		} else if available {
			upgrade = false
		}
		if upgrade {
			newMachines[k].Version = l.nextMachineVersion()
		}
	}

	l.NewMachines = newMachines
	l.DistinctMachinesN = uint64(n)
	return nil
}
