package ptree

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrDuplicatePid is returned when a pid is inserted while an earlier
	// process with the same pid is still tracked.
	ErrDuplicatePid = errors.New("pid is already tracked")

	// ErrUnknownPid is returned when an operation names a pid that is not
	// tracked.
	ErrUnknownPid = errors.New("pid is not tracked")
)

// State is the lifecycle state of a tracked process.
type State int

const (
	// Running processes contribute their RSS to the tree total.
	Running State = iota

	// Exited processes have passed their exit point and are only waiting to
	// be reaped. They no longer contribute to the tree total.
	Exited
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Exited:
		return "exited"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Process is a copy of what a Tree knows about one tracked pid. Values
// returned by the tree are snapshots; changing them has no effect on the
// tree.
type Process struct {
	Pid int

	// ParentPid is the pid whose fork or clone produced this process, or
	// zero for the root. The link is historical: the parent may have been
	// removed since.
	ParentPid int

	// Unit identifies the address space the process is accounted under.
	// Processes sharing a unit share their memory and are counted once.
	Unit int

	// SharedWith is the pid that owns the address space this process
	// shares, or zero if the process has its own.
	SharedWith int

	// RSS is the last known resident set size in bytes, zero before the
	// first successful sample.
	RSS uint64

	// Seq is the ordinal of the sample that produced RSS.
	Seq uint64

	// PeakRSS is the largest RSS ever sampled for this process.
	PeakRSS uint64

	// AtPeak is what this process contributed to the tree total when
	// MarkPeak was last called. Only one member of a unit contributes.
	AtPeak uint64

	State    State
	Children []int

	born uint64
}

// Unit is a group of running processes sharing one address space.
type Unit struct {
	ID   int
	Pids []int
}

// Tree is a registry of the live processes of one traced process tree. It
// is not safe for concurrent use; it is meant to be owned by the goroutine
// driving the tracer.
type Tree struct {
	root     int
	nextUnit int
	born     uint64
	procs    map[int]*Process
	history  []Process
}

// New returns a tree containing only `root`.
func New(root int) *Tree {
	t := &Tree{
		root:  root,
		procs: make(map[int]*Process),
	}
	t.add(&Process{Pid: root, Unit: t.newUnit()})
	return t
}

func (t *Tree) newUnit() int {
	t.nextUnit++
	return t.nextUnit
}

func (t *Tree) add(p *Process) {
	t.born++
	p.born = t.born
	t.procs[p.Pid] = p
}

// Root returns the pid the tree was created for.
func (t *Tree) Root() int {
	return t.root
}

// Len returns the number of tracked pids.
func (t *Tree) Len() int {
	return len(t.procs)
}

// Empty reports whether every tracked process has been removed.
func (t *Tree) Empty() bool {
	return len(t.procs) == 0
}

// Has reports whether `pid` is tracked.
func (t *Tree) Has(pid int) bool {
	_, ok := t.procs[pid]
	return ok
}

// Get returns a snapshot of the tracked process `pid`.
func (t *Tree) Get(pid int) (Process, bool) {
	p, ok := t.procs[pid]
	if !ok {
		return Process{}, false
	}
	return p.clone(), true
}

// Insert starts tracking `pid` as a child of `parent`. If `shared` is set the
// child joins the parent's address space, otherwise it gets its own.
func (t *Tree) Insert(pid, parent int, shared bool) error {
	if _, ok := t.procs[pid]; ok {
		return fmt.Errorf("inserting %d: %w", pid, ErrDuplicatePid)
	}
	pp, ok := t.procs[parent]
	if !ok {
		return fmt.Errorf("inserting %d under %d: %w", pid, parent, ErrUnknownPid)
	}

	p := &Process{Pid: pid, ParentPid: parent}
	if shared {
		p.Unit = pp.Unit
		p.SharedWith = parent
		if pp.SharedWith != 0 {
			p.SharedWith = pp.SharedWith
		}
	} else {
		p.Unit = t.newUnit()
	}
	pp.Children = append(pp.Children, pid)
	t.add(p)
	return nil
}

// Unshare gives `pid` an address space of its own, as happens on exec.
func (t *Tree) Unshare(pid int) error {
	p, ok := t.procs[pid]
	if !ok {
		return fmt.Errorf("unsharing %d: %w", pid, ErrUnknownPid)
	}
	if p.SharedWith == 0 && t.unitSize(p.Unit) == 1 {
		return nil
	}
	p.Unit = t.newUnit()
	p.SharedWith = 0
	return nil
}

func (t *Tree) unitSize(unit int) int {
	n := 0
	for _, p := range t.procs {
		if p.Unit == unit {
			n++
		}
	}
	return n
}

// SetState records the lifecycle state of `pid`.
func (t *Tree) SetState(pid int, state State) error {
	p, ok := t.procs[pid]
	if !ok {
		return fmt.Errorf("setting state of %d: %w", pid, ErrUnknownPid)
	}
	p.State = state
	return nil
}

// Update records a successful RSS sample of `pid` taken at ordinal `seq`.
func (t *Tree) Update(pid int, rss, seq uint64) error {
	p, ok := t.procs[pid]
	if !ok {
		return fmt.Errorf("updating %d: %w", pid, ErrUnknownPid)
	}
	p.RSS = rss
	p.Seq = seq
	if rss > p.PeakRSS {
		p.PeakRSS = rss
	}
	return nil
}

// Remove stops tracking `pid` and returns its final snapshot. After Remove
// the pid may be inserted again, since the kernel is free to reuse it.
func (t *Tree) Remove(pid int) (Process, error) {
	p, ok := t.procs[pid]
	if !ok {
		return Process{}, fmt.Errorf("removing %d: %w", pid, ErrUnknownPid)
	}
	delete(t.procs, pid)
	snap := p.clone()
	snap.State = Exited
	t.history = append(t.history, snap)
	return snap, nil
}

// Pids returns the tracked pids in ascending order.
func (t *Tree) Pids() []int {
	pids := make([]int, 0, len(t.procs))
	for pid := range t.procs {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

// Units returns the address spaces that have at least one running member,
// ordered by unit id, each with its running members in ascending order.
func (t *Tree) Units() []Unit {
	byID := make(map[int][]int)
	for pid, p := range t.procs {
		if p.State != Running {
			continue
		}
		byID[p.Unit] = append(byID[p.Unit], pid)
	}

	units := make([]Unit, 0, len(byID))
	for id, pids := range byID {
		sort.Ints(pids)
		units = append(units, Unit{ID: id, Pids: pids})
	}
	sort.Slice(units, func(i, j int) bool { return units[i].ID < units[j].ID })
	return units
}

// UnitRSS returns the resident size of a unit: the freshest sample among
// its running members, together with the member that produced it.
func (t *Tree) UnitRSS(u Unit) (pid int, rss uint64) {
	var seq uint64
	for _, member := range u.Pids {
		p, ok := t.procs[member]
		if !ok {
			continue
		}
		if pid == 0 || p.Seq > seq || (p.Seq == seq && p.RSS > rss) {
			pid, rss, seq = member, p.RSS, p.Seq
		}
	}
	return pid, rss
}

// TotalRSS returns the sum of the resident sizes of all running address
// spaces in the tree.
func (t *Tree) TotalRSS() uint64 {
	var total uint64
	for _, u := range t.Units() {
		_, rss := t.UnitRSS(u)
		total += rss
	}
	return total
}

// MarkPeak records the current contribution of every process as its
// AtPeak, forgetting whatever was recorded by earlier calls.
func (t *Tree) MarkPeak() {
	for i := range t.history {
		t.history[i].AtPeak = 0
	}
	for _, p := range t.procs {
		p.AtPeak = 0
	}
	for _, u := range t.Units() {
		pid, rss := t.UnitRSS(u)
		if p, ok := t.procs[pid]; ok {
			p.AtPeak = rss
		}
	}
}

// Total returns the number of pids ever tracked, removed ones included.
func (t *Tree) Total() int {
	return len(t.history) + len(t.procs)
}

// All returns a snapshot of every process ever tracked, in the order they
// were inserted. Removed processes are reported in their final state.
func (t *Tree) All() []Process {
	all := make([]Process, 0, t.Total())
	all = append(all, t.history...)
	for _, p := range t.procs {
		all = append(all, p.clone())
	}
	sort.Slice(all, func(i, j int) bool { return all[i].born < all[j].born })
	return all
}

func (p *Process) clone() Process {
	c := *p
	c.Children = append([]int(nil), p.Children...)
	return c
}
