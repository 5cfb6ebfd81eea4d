package maxrss

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/github/go-maxrss/internal/ptrace"
	"github.com/github/go-maxrss/internal/ptree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mib = 1 << 20

var (
	errGone      = errors.New("no such process")
	errExhausted = errors.New("script exhausted")
)

// step is one scripted event, together with the memory every live pid has
// while it is handled. Pids missing from rss fail to sample.
type step struct {
	ev  ptrace.Event
	rss map[int]uint64
	err error
}

type memory struct {
	rss map[int]uint64
}

func (m *memory) Sample(pid int) (uint64, error) {
	rss, ok := m.rss[pid]
	if !ok {
		return 0, fmt.Errorf("pid %d: %w", pid, errGone)
	}
	return rss, nil
}

type resumption struct {
	pid int
	sig syscall.Signal
}

// fakeTracer follows the contract of *ptrace.Tracer: a stopped tracee keeps
// the signal of its stop until it is resumed or detached, and detaching
// hands that signal back unless the stop was the tracer's own.
type fakeTracer struct {
	steps    []step
	next     int
	mem      *memory
	stopped  map[int]syscall.Signal
	resumed  []resumption
	detached []int
	// Signal delivered to each detached pid.
	handedBack map[int]syscall.Signal
	onStep     func(i int)
}

func newFakeTracer(mem *memory, steps []step, stopped ...int) *fakeTracer {
	f := &fakeTracer{
		steps:      steps,
		mem:        mem,
		stopped:    make(map[int]syscall.Signal),
		handedBack: make(map[int]syscall.Signal),
	}
	for _, pid := range stopped {
		f.stopped[pid] = 0
	}
	return f
}

func (f *fakeTracer) NextEvent() (ptrace.Event, error) {
	if f.next >= len(f.steps) {
		return ptrace.Event{}, errExhausted
	}
	s := f.steps[f.next]
	f.next++

	f.mem.rss = s.rss
	if s.ev.InStop() && s.err == nil {
		f.stopped[s.ev.Pid] = s.ev.Signal
	}
	if f.onStep != nil {
		f.onStep(f.next - 1)
	}
	return s.ev, s.err
}

func (f *fakeTracer) Resume(pid int, sig syscall.Signal) error {
	if _, ok := f.stopped[pid]; !ok {
		return fmt.Errorf("resuming %d, which is not stopped", pid)
	}
	delete(f.stopped, pid)
	f.resumed = append(f.resumed, resumption{pid, sig})
	return nil
}

func (f *fakeTracer) Detach(pids []int) error {
	for _, pid := range pids {
		sig := f.stopped[pid]
		if sig == syscall.SIGSTOP || sig == syscall.SIGTRAP {
			sig = 0
		}
		delete(f.stopped, pid)
		f.detached = append(f.detached, pid)
		f.handedBack[pid] = sig
	}
	return nil
}

func fork(parent, child int) ptrace.Event {
	return ptrace.Event{Kind: ptrace.Forked, Pid: parent, Child: child}
}

func thread(parent, child int) ptrace.Event {
	return ptrace.Event{Kind: ptrace.Cloned, Pid: parent, Child: child, SharesMemory: true}
}

func stop(pid int) ptrace.Event {
	return ptrace.Event{Kind: ptrace.Stopped, Pid: pid}
}

func exiting(pid int) ptrace.Event {
	return ptrace.Event{Kind: ptrace.Exiting, Pid: pid}
}

func exited(pid, status int) ptrace.Event {
	return ptrace.Event{Kind: ptrace.Exited, Pid: pid, Status: status}
}

type script struct {
	root    int
	initial map[int]uint64
	steps   []step
	onStep  func(i int)
	events  func(*Event)
}

func (s script) run(ctx context.Context) (*Result, *fakeTracer, error) {
	mem := &memory{rss: s.initial}
	f := newFakeTracer(mem, s.steps, s.root)
	f.onStep = s.onStep

	l := newLoop("test", f, mem, s.events)
	if err := l.launched(s.root); err != nil {
		return nil, f, err
	}
	res, err := l.run(ctx)
	return res, f, err
}

func runScript(t *testing.T, s script) (*Result, *fakeTracer) {
	t.Helper()
	res, f, err := s.run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, f.stopped, "every stop is resumed")
	return res, f
}

func report(t *testing.T, res *Result, pid int) ProcessReport {
	t.Helper()
	for _, p := range res.Processes {
		if p.Pid == pid {
			return p
		}
	}
	require.Failf(t, "missing process", "pid %d", pid)
	return ProcessReport{}
}

func TestSingleProcessPeak(t *testing.T) {
	res, _ := runScript(t, script{
		root:    1,
		initial: map[int]uint64{1: 1 * mib},
		steps: []step{
			{ev: stop(1), rss: map[int]uint64{1: 8 * mib}},
			{ev: stop(1), rss: map[int]uint64{1: 3 * mib}},
			{ev: exiting(1), rss: map[int]uint64{1: 5 * mib}},
			{ev: exited(1, 0)},
		},
	})

	assert.Equal(t, uint64(8*mib), res.MaxRSS)
	assert.Equal(t, uint64(2), res.PeakOrdinal)
	assert.Equal(t, uint64(5), res.Samples)
	assert.Zero(t, res.Misses, "an exited process is not sampled")
	assert.Equal(t, 1, res.TotalPids)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, uint64(8*mib), report(t, res, 1).PeakRSS)
}

func TestImmediateExit(t *testing.T) {
	res, f := runScript(t, script{
		root:    1,
		initial: map[int]uint64{1: 4 * mib},
		steps: []step{
			{ev: exiting(1), rss: map[int]uint64{1: 4 * mib}},
			{ev: exited(1, 7)},
		},
	})

	assert.Equal(t, uint64(4*mib), res.MaxRSS)
	assert.Equal(t, 7, res.ExitCode)
	assert.Equal(t, 1, res.TotalPids)
	assert.Equal(t, []resumption{{1, 0}, {1, 0}}, f.resumed)
}

func TestDescendantsSampledTogether(t *testing.T) {
	res, _ := runScript(t, script{
		root:    1,
		initial: map[int]uint64{1: 10 * mib},
		steps: []step{
			{ev: fork(1, 2), rss: map[int]uint64{1: 10 * mib, 2: 10 * mib}},
			{ev: stop(2), rss: map[int]uint64{1: 10 * mib, 2: 20 * mib}},
			{ev: fork(2, 3), rss: map[int]uint64{1: 10 * mib, 2: 20 * mib, 3: 20 * mib}},
			{ev: stop(3), rss: map[int]uint64{1: 10 * mib, 2: 20 * mib, 3: 30 * mib}},
			{ev: exited(3, 0), rss: map[int]uint64{1: 10 * mib, 2: 20 * mib}},
			{ev: exited(2, 0), rss: map[int]uint64{1: 10 * mib}},
			{ev: exited(1, 0)},
		},
	})

	// The last known size of a process that exits without an exit stop
	// still counts in the sample taken for its exit.
	assert.Equal(t, uint64(60*mib), res.MaxRSS)
	assert.Equal(t, 3, res.TotalPids)
	assert.Equal(t, uint64(10*mib), report(t, res, 1).RSSAtPeak)
	assert.Equal(t, uint64(20*mib), report(t, res, 2).RSSAtPeak)
	assert.Equal(t, uint64(30*mib), report(t, res, 3).RSSAtPeak)
	assert.Equal(t, []int{2}, report(t, res, 1).Children)
	assert.Equal(t, 2, report(t, res, 3).ParentPid)
}

func TestForkThenGrow(t *testing.T) {
	// The parent allocates 10 MiB and forks a child that allocates some
	// more and exits. Then the parent grows. The peak is whichever of the
	// two instants is larger, never the sum of everything ever allocated.
	for _, tc := range []struct {
		name        string
		child       uint64
		parentLater uint64
		expected    uint64
	}{
		{"concurrent instant is larger", 15 * mib, 20 * mib, 25 * mib},
		{"later parent is larger", 10 * mib, 25 * mib, 25 * mib},
		{"tie", 10 * mib, 20 * mib, 20 * mib},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			res, _ := runScript(t, script{
				root:    1,
				initial: map[int]uint64{1: 10 * mib},
				steps: []step{
					{ev: fork(1, 2), rss: map[int]uint64{1: 10 * mib, 2: 0}},
					{ev: stop(2), rss: map[int]uint64{1: 10 * mib, 2: tc.child}},
					{ev: exiting(2), rss: map[int]uint64{1: 10 * mib, 2: tc.child}},
					{ev: exited(2, 0), rss: map[int]uint64{1: 10 * mib}},
					{ev: stop(1), rss: map[int]uint64{1: tc.parentLater}},
					{ev: exiting(1), rss: map[int]uint64{1: tc.parentLater}},
					{ev: exited(1, 0)},
				},
			})
			assert.Equal(t, tc.expected, res.MaxRSS)
		})
	}
}

func TestSampleMissKeepsLastKnown(t *testing.T) {
	var errs []*Event
	res, _ := runScript(t, script{
		root:    1,
		initial: map[int]uint64{1: 5 * mib},
		events: func(e *Event) {
			if e.Err != nil {
				errs = append(errs, e)
			}
		},
		steps: []step{
			{ev: fork(1, 2), rss: map[int]uint64{1: 5 * mib, 2: 10 * mib}},
			// Pid 2 vanishes before it can be read, twice.
			{ev: stop(1), rss: map[int]uint64{1: 6 * mib}},
			{ev: stop(1), rss: map[int]uint64{1: 7 * mib}},
			{ev: exited(2, 0), rss: map[int]uint64{1: 7 * mib}},
			{ev: exited(1, 0)},
		},
	})

	assert.Equal(t, uint64(17*mib), res.MaxRSS)
	assert.Equal(t, uint64(4), res.Misses)
	assert.Equal(t, uint64(10*mib), report(t, res, 2).PeakRSS)

	require.Len(t, errs, 1, "a single failure is not worth reporting")
	assert.ErrorIs(t, errs[0].Err, errGone)
	assert.Equal(t, 2, errs[0].Context["pid"])
}

func TestThreadsShareAddressSpace(t *testing.T) {
	res, _ := runScript(t, script{
		root:    1,
		initial: map[int]uint64{1: 10 * mib},
		steps: []step{
			{ev: thread(1, 2), rss: map[int]uint64{1: 10 * mib, 2: 10 * mib}},
			{ev: stop(2), rss: map[int]uint64{1: 12 * mib, 2: 12 * mib}},
			{ev: fork(1, 3), rss: map[int]uint64{1: 12 * mib, 2: 12 * mib, 3: 12 * mib}},
			{ev: exited(3, 0), rss: map[int]uint64{1: 12 * mib, 2: 12 * mib}},
			{ev: exiting(2), rss: map[int]uint64{1: 12 * mib, 2: 12 * mib}},
			{ev: exited(2, 0), rss: map[int]uint64{1: 12 * mib}},
			{ev: exited(1, 0)},
		},
	})

	assert.Equal(t, uint64(24*mib), res.MaxRSS)
	assert.Equal(t, 1, report(t, res, 2).SharedWith)
	assert.Zero(t, report(t, res, 3).SharedWith)
	assert.Equal(t, uint64(12*mib), report(t, res, 1).RSSAtPeak+report(t, res, 2).RSSAtPeak)
}

func TestVforkSharesUntilExec(t *testing.T) {
	res, _ := runScript(t, script{
		root:    1,
		initial: map[int]uint64{1: 10 * mib},
		steps: []step{
			{
				ev:  ptrace.Event{Kind: ptrace.VForked, Pid: 1, Child: 2, SharesMemory: true},
				rss: map[int]uint64{1: 10 * mib, 2: 10 * mib},
			},
			{ev: stop(2), rss: map[int]uint64{1: 10 * mib, 2: 10 * mib}},
			{ev: ptrace.Event{Kind: ptrace.Exec, Pid: 2}, rss: map[int]uint64{1: 10 * mib, 2: 1 * mib}},
			{ev: exited(2, 0), rss: map[int]uint64{1: 10 * mib}},
			{ev: exited(1, 0)},
		},
	})

	assert.Equal(t, uint64(11*mib), res.MaxRSS)
	assert.Zero(t, report(t, res, 2).SharedWith)
}

func TestExecByThreadRetiresFormerTid(t *testing.T) {
	res, _ := runScript(t, script{
		root:    1,
		initial: map[int]uint64{1: 10 * mib},
		steps: []step{
			{ev: thread(1, 2), rss: map[int]uint64{1: 10 * mib, 2: 10 * mib}},
			{ev: exiting(1), rss: map[int]uint64{1: 10 * mib, 2: 10 * mib}},
			{ev: ptrace.Event{Kind: ptrace.Exec, Pid: 1, Former: 2}, rss: map[int]uint64{1: 2 * mib}},
			{ev: exiting(1), rss: map[int]uint64{1: 3 * mib}},
			{ev: exited(1, 0)},
		},
	})

	assert.Equal(t, uint64(10*mib), res.MaxRSS)
	assert.Equal(t, 2, res.TotalPids)
	assert.Equal(t, uint64(10*mib), report(t, res, 1).PeakRSS)
}

func TestSignalsAreForwarded(t *testing.T) {
	_, f := runScript(t, script{
		root:    1,
		initial: map[int]uint64{1: mib},
		steps: []step{
			{ev: ptrace.Event{Kind: ptrace.Stopped, Pid: 1, Signal: syscall.SIGUSR1}, rss: map[int]uint64{1: mib}},
			{ev: exited(1, 0)},
		},
	})

	assert.Equal(t, []resumption{{1, 0}, {1, syscall.SIGUSR1}}, f.resumed)
}

func TestSignaledRootExitCode(t *testing.T) {
	res, _ := runScript(t, script{
		root:    1,
		initial: map[int]uint64{1: mib},
		steps: []step{
			{ev: ptrace.Event{Kind: ptrace.Signaled, Pid: 1, Signal: syscall.SIGKILL, MaxRSS: 3 * mib}},
		},
	})

	assert.Equal(t, 128+9, res.ExitCode)
	assert.Equal(t, uint64(3*mib), res.RusageMaxRSS)
	assert.Equal(t, uint64(mib), res.MaxRSS)
}

func TestRootExitsBeforeChildren(t *testing.T) {
	res, _ := runScript(t, script{
		root:    1,
		initial: map[int]uint64{1: mib},
		steps: []step{
			{ev: fork(1, 2), rss: map[int]uint64{1: mib, 2: mib}},
			{ev: exited(1, 4), rss: map[int]uint64{2: mib}},
			{ev: stop(2), rss: map[int]uint64{2: 5 * mib}},
			{ev: exited(2, 0)},
		},
	})

	assert.Equal(t, uint64(5*mib), res.MaxRSS)
	assert.Equal(t, 4, res.ExitCode)
}

func TestCancelDetachesEverything(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stopped *Event
	res, f, err := script{
		root:    1,
		initial: map[int]uint64{1: mib},
		steps: []step{
			{ev: fork(1, 2), rss: map[int]uint64{1: mib, 2: mib}},
			{ev: stop(2), rss: map[int]uint64{1: mib, 2: 2 * mib}},
		},
		onStep: func(i int) {
			if i == 1 {
				cancel()
			}
		},
		events: func(e *Event) {
			if e.Msg == "stopped tracing" {
				stopped = e
			}
		},
	}.run(ctx)

	assert.Nil(t, res)
	require.ErrorIs(t, err, context.Canceled)

	var traceErr *TraceError
	require.ErrorAs(t, err, &traceErr)
	require.NotNil(t, traceErr.Partial)
	assert.Equal(t, uint64(3*mib), traceErr.Partial.MaxRSS)
	assert.Equal(t, -1, traceErr.Partial.ExitCode)

	assert.Equal(t, []int{1, 2}, f.detached)
	assert.NotContains(t, f.resumed, resumption{2, 0}, "the tracee is detached, not resumed")

	require.NotNil(t, stopped)
	assert.Equal(t, 2, stopped.Context["detached"])
}

func TestCancelAfterLastExit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, f, err := script{
		root:    1,
		initial: map[int]uint64{1: mib},
		steps:   []step{{ev: exited(1, 0)}},
		onStep:  func(int) { cancel() },
	}.run(ctx)

	require.NoError(t, err)
	assert.Equal(t, uint64(mib), res.MaxRSS)
	assert.Empty(t, f.detached)
}

func TestTracerFailureKeepsPartialResult(t *testing.T) {
	res, _, err := script{
		root:    1,
		initial: map[int]uint64{1: 2 * mib},
		steps: []step{
			{ev: fork(1, 2), rss: map[int]uint64{1: 2 * mib, 2: 2 * mib}},
		},
	}.run(context.Background())

	assert.Nil(t, res)
	require.ErrorIs(t, err, errExhausted)

	var traceErr *TraceError
	require.ErrorAs(t, err, &traceErr)
	assert.Equal(t, uint64(4*mib), traceErr.Partial.MaxRSS)
	assert.Equal(t, 2, traceErr.Partial.TotalPids)
}

func TestEventForUnknownPid(t *testing.T) {
	_, _, err := script{
		root:    1,
		initial: map[int]uint64{1: mib},
		steps:   []step{{ev: exited(99, 0)}},
	}.run(context.Background())

	assert.ErrorIs(t, err, ptree.ErrUnknownPid)
}

func TestAttachedTreeIsResumed(t *testing.T) {
	mem := &memory{rss: map[int]uint64{1: 4 * mib, 2: 4 * mib, 3: 2 * mib}}
	f := newFakeTracer(mem, []step{
		{ev: exited(3, 0), rss: map[int]uint64{1: 4 * mib, 2: 4 * mib}},
		{ev: exited(2, 0), rss: map[int]uint64{1: 4 * mib}},
		{ev: exited(1, 0)},
	}, 1, 2, 3)

	l := newLoop("pid 1", f, mem, emptyEventHandler)
	require.NoError(t, l.attached([]ptrace.Attached{
		{Pid: 1},
		{Pid: 2, Parent: 1, Thread: true, SharesMemory: true},
		{Pid: 3, Parent: 1},
	}))
	assert.Equal(t, []resumption{{1, 0}, {2, 0}, {3, 0}}, f.resumed)

	res, err := l.run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(6*mib), res.MaxRSS)
	assert.Equal(t, 3, res.TotalPids)
}

func TestWakePidFollowsLiveTracees(t *testing.T) {
	var wakes []int
	var l *loop

	mem := &memory{rss: map[int]uint64{1: mib}}
	f := newFakeTracer(mem, []step{
		{ev: fork(1, 2), rss: map[int]uint64{1: mib, 2: mib}},
		{ev: exited(1, 0), rss: map[int]uint64{2: mib}},
		{ev: exited(2, 0)},
	}, 1)
	f.onStep = func(int) { wakes = append(wakes, l.wakePid()) }

	l = newLoop("test", f, mem, emptyEventHandler)
	require.NoError(t, l.launched(1))
	_, err := l.run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{1, 1, 2}, wakes)
	assert.Zero(t, l.wakePid())
}

func TestUnresumedStopPanics(t *testing.T) {
	mem := &memory{rss: map[int]uint64{1: mib}}
	f := newFakeTracer(mem, []step{{ev: stop(1)}}, 1)

	l := newLoop("test", f, mem, emptyEventHandler)
	require.NoError(t, l.launched(1))
	l.unresumed = 1

	assert.PanicsWithValue(t, "tracee 1 is still stopped", func() {
		_, _ = l.run(context.Background())
	})
}

func TestCancelHandsBackPendingSignal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, f, err := script{
		root:    1,
		initial: map[int]uint64{1: mib},
		steps: []step{
			{ev: fork(1, 2), rss: map[int]uint64{1: mib, 2: mib}},
			{
				ev:  ptrace.Event{Kind: ptrace.Stopped, Pid: 2, Signal: syscall.SIGTERM},
				rss: map[int]uint64{1: mib, 2: mib},
			},
		},
		onStep: func(i int) {
			if i == 1 {
				cancel()
			}
		},
	}.run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, map[int]syscall.Signal{1: 0, 2: syscall.SIGTERM}, f.handedBack)
	assert.Empty(t, f.stopped, "no tracee is left in a stop")
	assert.NotContains(t, f.resumed, resumption{2, syscall.SIGTERM}, "the signal is handed over once")
}

func TestCancelOnWakeStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, f, err := script{
		root:    1,
		initial: map[int]uint64{1: mib},
		steps: []step{
			{
				ev:  ptrace.Event{Kind: ptrace.Stopped, Pid: 1, Signal: syscall.SIGSTOP},
				rss: map[int]uint64{1: mib},
			},
		},
	}.run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, map[int]syscall.Signal{1: 0}, f.handedBack)
	assert.Empty(t, f.resumed[1:], "only the launch stop is resumed")
	assert.Empty(t, f.stopped)
}

func TestTraceEventsNeedAHandler(t *testing.T) {
	assert.Nil(t, New().loopEvents())
	assert.Nil(t, New(WithEventHandler(nil)).loopEvents())

	var msgs []string
	m := New(WithEventHandler(func(e *Event) { msgs = append(msgs, e.Msg) }))
	require.NotNil(t, m.loopEvents())

	s := script{
		root:    1,
		initial: map[int]uint64{1: mib},
		steps:   []step{{ev: exited(1, 0)}},
	}
	_, _, err := s.run(context.Background())
	require.NoError(t, err)

	s.events = m.loopEvents()
	_, _, err = s.run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"trace event", "peak memory usage"}, msgs)
}
