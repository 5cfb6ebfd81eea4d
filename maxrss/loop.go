package maxrss

import (
	"context"
	"fmt"
	"sync/atomic"
	"syscall"

	"github.com/github/go-maxrss/internal/ptrace"
	"github.com/github/go-maxrss/internal/ptree"
)

// tracer is the part of *ptrace.Tracer the loop drives.
type tracer interface {
	NextEvent() (ptrace.Event, error)
	Resume(pid int, sig syscall.Signal) error
	Detach(pids []int) error
}

// sampler reads the current resident size of a process.
type sampler interface {
	Sample(pid int) (uint64, error)
}

// loop follows one traced tree from its first tracee until the tree is
// empty. All of its methods run on the tracer's thread, apart from wakePid.
type loop struct {
	command string
	tracer  tracer
	sampler sampler
	events  func(*Event)
	verbose bool

	tree    *ptree.Tree
	agg     aggregator
	ordinal uint64
	misses  uint64

	// Consecutive failed samples, per pid, for rate-limiting events.
	failing map[int]int

	exitCode     int
	rusageMaxRSS uint64

	// The tracee left in a stop by the event being handled.
	unresumed int

	// A live tracee that can be interrupted to wake NextEvent up.
	wake atomic.Int64
}

// newLoop returns a loop reporting to `events`, which may be nil. Only a
// non-nil handler is told about every trace event.
func newLoop(command string, t tracer, s sampler, events func(*Event)) *loop {
	l := &loop{
		command:  command,
		tracer:   t,
		sampler:  s,
		events:   events,
		verbose:  events != nil,
		failing:  make(map[int]int),
		exitCode: -1,
	}
	if events == nil {
		l.events = emptyEventHandler
	}
	return l
}

// launched starts the tree from a freshly launched, stopped root.
func (l *loop) launched(root int) error {
	l.tree = ptree.New(root)
	l.wake.Store(int64(root))
	l.sample()
	return l.resume(root, 0)
}

// attached starts the tree from the stopped tasks found by an attach. The
// first entry is the root.
func (l *loop) attached(tasks []ptrace.Attached) error {
	if len(tasks) == 0 {
		return fmt.Errorf("nothing was attached")
	}

	l.tree = ptree.New(tasks[0].Pid)
	l.wake.Store(int64(tasks[0].Pid))
	for _, a := range tasks[1:] {
		if err := l.tree.Insert(a.Pid, a.Parent, a.SharesMemory); err != nil {
			return err
		}
	}
	l.sample()

	for _, a := range tasks {
		if err := l.resume(a.Pid, 0); err != nil {
			return err
		}
	}
	return nil
}

// wakePid returns a tracee that was alive when last checked, or 0. It is
// safe to call from any goroutine.
func (l *loop) wakePid() int {
	return int(l.wake.Load())
}

// run handles events until the tree is empty or `ctx` is done. On
// cancellation every remaining tracee is detached and left running.
func (l *loop) run(ctx context.Context) (*Result, error) {
	for !l.tree.Empty() {
		if l.unresumed != 0 {
			panic(fmt.Sprintf("tracee %d is still stopped", l.unresumed))
		}

		ev, err := l.tracer.NextEvent()
		if err != nil {
			return nil, l.fail(err)
		}

		if err := l.handle(ev); err != nil {
			return nil, l.fail(err)
		}

		if ctx.Err() != nil && !l.tree.Empty() {
			return nil, l.cancel(ctx.Err())
		}

		if ev.InStop() {
			if err := l.resume(ev.Pid, ev.Signal); err != nil {
				return nil, l.fail(err)
			}
		}
	}

	l.wake.Store(0)
	l.report()
	return l.result(), nil
}

// handle applies one event: structural changes first, then a sample of the
// whole tree, then the removal of anything that is gone.
func (l *loop) handle(ev ptrace.Event) error {
	if ev.InStop() {
		l.unresumed = ev.Pid
	}

	if l.verbose {
		l.events(&Event{
			Command: l.command,
			Msg:     "trace event",
			Context: map[string]interface{}{
				"event": ev.String(),
			},
		})
	}

	switch ev.Kind {
	case ptrace.Forked, ptrace.VForked, ptrace.Cloned:
		if err := l.tree.Insert(ev.Child, ev.Pid, ev.SharesMemory); err != nil {
			return err
		}

	case ptrace.Exec:
		if ev.Former != 0 && l.tree.Has(ev.Former) {
			if _, err := l.tree.Remove(ev.Former); err != nil {
				return err
			}
		}
		// An exec by a non-leader thread revives the leader's pid.
		if err := l.tree.SetState(ev.Pid, ptree.Running); err != nil {
			return err
		}
		if err := l.tree.Unshare(ev.Pid); err != nil {
			return err
		}
	}

	l.sample()

	switch ev.Kind {
	case ptrace.Exiting:
		if err := l.tree.SetState(ev.Pid, ptree.Exited); err != nil {
			return err
		}

	case ptrace.Exited, ptrace.Signaled:
		if ev.Pid == l.tree.Root() {
			l.rusageMaxRSS = ev.MaxRSS
			l.exitCode = ev.Status
			if ev.Kind == ptrace.Signaled {
				l.exitCode = 128 + int(ev.Signal)
			}
		}
		if _, err := l.tree.Remove(ev.Pid); err != nil {
			return err
		}
		delete(l.failing, ev.Pid)
		l.updateWake(ev.Pid)
	}
	return nil
}

// sample re-reads every running address space in the tree and feeds the
// new total to the aggregator.
func (l *loop) sample() {
	l.ordinal++

	for _, u := range l.tree.Units() {
		for _, pid := range u.Pids {
			rss, err := l.sampler.Sample(pid)
			if err != nil {
				l.miss(pid, err)
				continue
			}
			delete(l.failing, pid)
			_ = l.tree.Update(pid, rss, l.ordinal)
			break
		}
	}

	s := PeakSample{Ordinal: l.ordinal, TotalRSS: l.tree.TotalRSS()}
	if l.agg.Observe(s) {
		l.tree.MarkPeak()
	}
}

func (l *loop) miss(pid int, err error) {
	l.misses++
	l.failing[pid]++

	// A process that is just going away fails once; only complain about
	// one that keeps failing.
	if l.failing[pid] == 2 {
		l.events(&Event{
			Command: l.command,
			Msg:     "error getting RSS",
			Err:     err,
			Context: map[string]interface{}{
				"pid": pid,
			},
		})
	}
}

func (l *loop) resume(pid int, sig syscall.Signal) error {
	if err := l.tracer.Resume(pid, sig); err != nil {
		return err
	}
	if l.unresumed == pid {
		l.unresumed = 0
	}
	return nil
}

func (l *loop) updateWake(gone int) {
	if l.wakePid() != gone {
		return
	}
	next := 0
	if root := l.tree.Root(); l.tree.Has(root) {
		next = root
	} else if pids := l.tree.Pids(); len(pids) > 0 {
		next = pids[0]
	}
	l.wake.Store(int64(next))
}

func (l *loop) fail(err error) error {
	l.unresumed = 0
	l.wake.Store(0)
	return &TraceError{Err: err, Partial: l.result()}
}

func (l *loop) cancel(cause error) error {
	l.unresumed = 0
	l.wake.Store(0)

	pids := l.tree.Pids()
	if err := l.tracer.Detach(pids); err != nil {
		l.events(&Event{
			Command: l.command,
			Msg:     "error detaching from traced processes",
			Err:     err,
		})
	}
	l.events(&Event{
		Command: l.command,
		Msg:     "stopped tracing",
		Err:     cause,
		Context: map[string]interface{}{
			"detached": len(pids),
		},
	})
	return &TraceError{Err: cause, Partial: l.result()}
}

func (l *loop) report() {
	l.events(&Event{
		Command: l.command,
		Msg:     "peak memory usage",
		Context: map[string]interface{}{
			"max_rss_bytes": l.agg.Max(),
			"samples":       l.agg.Samples(),
			"errors":        l.misses,
			"pids":          l.tree.Total(),
		},
	})
}

func (l *loop) result() *Result {
	peak := l.agg.MaxSample()
	r := &Result{
		MaxRSS:       peak.TotalRSS,
		PeakOrdinal:  peak.Ordinal,
		Samples:      l.agg.Samples(),
		Misses:       l.misses,
		TotalPids:    l.tree.Total(),
		Root:         l.tree.Root(),
		ExitCode:     l.exitCode,
		RusageMaxRSS: l.rusageMaxRSS,
	}
	for _, p := range l.tree.All() {
		r.Processes = append(r.Processes, ProcessReport{
			Pid:        p.Pid,
			ParentPid:  p.ParentPid,
			SharedWith: p.SharedWith,
			PeakRSS:    p.PeakRSS,
			RSSAtPeak:  p.AtPeak,
			Children:   p.Children,
		})
	}
	return r
}
