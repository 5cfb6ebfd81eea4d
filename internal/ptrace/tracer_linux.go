//go:build linux

// Package ptrace drives ptrace(2) over a whole process tree and reports what
// happens in it as a stream of Events.
package ptrace

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/github/go-maxrss/internal/procmem"
	"github.com/github/go-maxrss/internal/ptree"
)

const traceOptions = unix.PTRACE_O_TRACEFORK |
	unix.PTRACE_O_TRACEVFORK |
	unix.PTRACE_O_TRACECLONE |
	unix.PTRACE_O_TRACEEXEC |
	unix.PTRACE_O_TRACEEXIT

// From <linux/kcmp.h>.
const kcmpVM = 1

// ErrNoTracees is returned by NextEvent when the kernel has nothing left to
// report although tracees were still expected.
var ErrNoTracees = errors.New("no tracees left to wait for")

type waitResult struct {
	status unix.WaitStatus
	rusage unix.Rusage
}

// Tracer is the single owner of a traced process tree. The kernel only
// accepts ptrace requests from the thread that attached a tracee, so every
// method must be called from the same OS thread; callers pin their goroutine
// with runtime.LockOSThread before Launch or Attach.
type Tracer struct {
	known   map[int]bool // announced to the caller
	started map[int]bool // initial stop consumed
	stopped map[int]syscall.Signal // reported in a stop and not yet resumed, with the signal it carries
	held    map[int]waitResult
	queue   []Event
}

// New returns a tracer with no tracees.
func New() *Tracer {
	return &Tracer{
		known:   make(map[int]bool),
		started: make(map[int]bool),
		stopped: make(map[int]syscall.Signal),
		held:    make(map[int]waitResult),
	}
}

// Launch starts `cmd` as a tracee. On success the new process has completed
// its exec and is stopped before running any of its own code.
func (t *Tracer) Launch(cmd *exec.Cmd) (int, error) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Ptrace = true

	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid

	var wr waitResult
	if _, err := wait4(pid, &wr); err != nil {
		return 0, fmt.Errorf("waiting for %d to exec: %w", pid, err)
	}
	if !wr.status.Stopped() {
		return 0, fmt.Errorf("process %d did not stop after exec (status %#x)", pid, uint32(wr.status))
	}

	t.known[pid] = true
	t.started[pid] = true
	t.stopped[pid] = 0
	return pid, nil
}

// Attach stops `pid`, every thread of it, and every existing descendant
// along with their threads. Failing to attach to `pid` itself is an error;
// descendants that cannot be attached are skipped together with their own
// descendants. All attached tasks are left stopped.
func (t *Tracer) Attach(pid int) ([]Attached, error) {
	var attached []Attached
	if err := t.attachProcess(pid, 0, &attached); err != nil {
		pids := make([]int, 0, len(attached))
		for _, a := range attached {
			pids = append(pids, a.Pid)
		}
		_ = t.Detach(pids)
		return nil, err
	}

	ptree.WalkChildren(pid, func(parent, child int) {
		if !t.known[parent] {
			return
		}
		_ = t.attachProcess(child, parent, &attached)
	})
	return attached, nil
}

func (t *Tracer) attachProcess(pid, parent int, out *[]Attached) error {
	tids, err := ptree.Tasks(pid)
	if err != nil {
		return fmt.Errorf("listing threads of %d: %w", pid, err)
	}

	// The leader goes first, so that its threads have somewhere to hang.
	if err := t.attachTask(pid); err != nil {
		return err
	}
	a := Attached{Pid: pid, Parent: parent}
	if parent != 0 {
		a.SharesMemory = sharesMemory(parent, pid)
	}
	*out = append(*out, a)

	for _, tid := range tids {
		if tid == pid {
			continue
		}
		if err := t.attachTask(tid); err != nil {
			continue
		}
		*out = append(*out, Attached{Pid: tid, Parent: pid, Thread: true, SharesMemory: true})
	}
	return nil
}

func (t *Tracer) attachTask(tid int) error {
	if err := unix.PtraceAttach(tid); err != nil {
		return fmt.Errorf("attaching to %d: %w", tid, err)
	}

	for {
		var wr waitResult
		if _, err := wait4(tid, &wr); err != nil {
			return fmt.Errorf("waiting for %d to stop: %w", tid, err)
		}
		ws := wr.status
		if ws.Exited() || ws.Signaled() {
			return fmt.Errorf("attaching to %d: %w", tid, unix.ESRCH)
		}
		if !ws.Stopped() {
			continue
		}
		if ws.StopSignal() == unix.SIGSTOP {
			break
		}
		// Some other signal got there first. Let it through and keep
		// waiting for the attach stop.
		if err := unix.PtraceCont(tid, int(ws.StopSignal())); err != nil {
			return fmt.Errorf("attaching to %d: %w", tid, err)
		}
	}

	if err := t.EnableChildTracing(tid); err != nil {
		_ = unix.PtraceDetach(tid)
		return err
	}
	t.known[tid] = true
	t.started[tid] = true
	t.stopped[tid] = 0
	return nil
}

// EnableChildTracing asks the kernel to report fork, vfork, clone, exec and
// exit of the stopped tracee `pid`. Children inherit the setting.
func (t *Tracer) EnableChildTracing(pid int) error {
	if err := unix.PtraceSetOptions(pid, traceOptions); err != nil {
		return fmt.Errorf("setting trace options on %d: %w", pid, err)
	}
	return nil
}

// NextEvent blocks until some tracee changes state. A child's Forked,
// VForked or Cloned event is always returned before any event of the child
// itself.
func (t *Tracer) NextEvent() (Event, error) {
	for {
		if len(t.queue) > 0 {
			ev := t.queue[0]
			t.queue = t.queue[1:]
			return t.deliver(ev), nil
		}

		var wr waitResult
		pid, err := wait4(-1, &wr)
		if err != nil {
			if errors.Is(err, unix.ECHILD) {
				return Event{}, ErrNoTracees
			}
			return Event{}, fmt.Errorf("waiting for tracees: %w", err)
		}

		ev, ok, err := t.decode(pid, wr)
		if err != nil {
			return Event{}, err
		}
		if ok {
			return t.deliver(ev), nil
		}
	}
}

func (t *Tracer) deliver(ev Event) Event {
	if ev.InStop() {
		t.stopped[ev.Pid] = ev.Signal
	}
	return ev
}

func (t *Tracer) decode(pid int, wr waitResult) (Event, bool, error) {
	ws := wr.status

	if !t.known[pid] {
		// A new child may be reported before its parent's fork event.
		// Keep the status until the parent catches up.
		if ws.Stopped() || ws.Exited() || ws.Signaled() {
			t.held[pid] = wr
		}
		return Event{}, false, nil
	}

	switch {
	case ws.Exited():
		t.forget(pid)
		return Event{Kind: Exited, Pid: pid, Status: ws.ExitStatus(), MaxRSS: maxRSS(&wr.rusage)}, true, nil
	case ws.Signaled():
		t.forget(pid)
		return Event{Kind: Signaled, Pid: pid, Signal: ws.Signal(), MaxRSS: maxRSS(&wr.rusage)}, true, nil
	case !ws.Stopped():
		return Event{}, false, nil
	}

	sig := ws.StopSignal()
	if cause := ws.TrapCause(); cause > 0 {
		return t.decodeTrap(pid, cause)
	}

	switch {
	case !t.started[pid]:
		t.started[pid] = true
		return Event{Kind: Stopped, Pid: pid}, true, nil
	case groupStop(pid):
		return Event{Kind: Stopped, Pid: pid}, true, nil
	default:
		return Event{Kind: Stopped, Pid: pid, Signal: sig}, true, nil
	}
}

func (t *Tracer) decodeTrap(pid, cause int) (Event, bool, error) {
	switch cause {
	case unix.PTRACE_EVENT_FORK, unix.PTRACE_EVENT_VFORK, unix.PTRACE_EVENT_CLONE:
		msg, err := unix.PtraceGetEventMsg(pid)
		if err != nil {
			return Event{}, false, fmt.Errorf("reading new child of %d: %w", pid, err)
		}
		child := int(msg)

		ev := Event{Pid: pid, Child: child}
		switch cause {
		case unix.PTRACE_EVENT_FORK:
			ev.Kind = Forked
		case unix.PTRACE_EVENT_VFORK:
			ev.Kind = VForked
			ev.SharesMemory = true
		default:
			ev.Kind = Cloned
			ev.SharesMemory = sharesMemory(pid, child)
		}

		t.known[child] = true
		if wr, ok := t.held[child]; ok {
			delete(t.held, child)
			next, ok, err := t.decode(child, wr)
			if err != nil {
				return Event{}, false, err
			}
			if ok {
				t.queue = append(t.queue, next)
			}
		}
		return ev, true, nil

	case unix.PTRACE_EVENT_EXEC:
		ev := Event{Kind: Exec, Pid: pid}
		if msg, err := unix.PtraceGetEventMsg(pid); err == nil && int(msg) != pid {
			ev.Former = int(msg)
			t.forget(ev.Former)
		}
		return ev, true, nil

	case unix.PTRACE_EVENT_EXIT:
		return Event{Kind: Exiting, Pid: pid}, true, nil

	default:
		return Event{Kind: Stopped, Pid: pid}, true, nil
	}
}

func (t *Tracer) forget(pid int) {
	delete(t.known, pid)
	delete(t.started, pid)
	delete(t.stopped, pid)
}

// Resume restarts the stopped tracee `pid`, delivering `sig` unless it is
// zero. A tracee that was killed while stopped is not an error; its death
// is reported by a later event.
func (t *Tracer) Resume(pid int, sig syscall.Signal) error {
	delete(t.stopped, pid)
	if err := unix.PtraceCont(pid, int(sig)); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("resuming %d: %w", pid, err)
	}
	return nil
}

// Detach lets go of `pids`, and of any child they are found to have created
// while being detached, leaving them running untraced.
func (t *Tracer) Detach(pids []int) error {
	pending := append([]int(nil), pids...)
	for pid := range t.held {
		pending = append(pending, pid)
	}

	var errs []error
	done := make(map[int]bool)
	for len(pending) > 0 {
		pid := pending[0]
		pending = pending[1:]
		if done[pid] {
			continue
		}
		done[pid] = true

		children, err := t.detach(pid)
		if err != nil {
			errs = append(errs, err)
		}
		pending = append(pending, children...)
	}
	t.queue = nil
	return errors.Join(errs...)
}

func (t *Tracer) detach(pid int) ([]int, error) {
	defer t.forget(pid)

	sig, stopped := t.stopped[pid]
	if _, ok := t.held[pid]; ok {
		// Only initial stops and deaths are held; neither carries a signal.
		delete(t.held, pid)
		sig, stopped = 0, true
	}
	sig = handback(sig)

	if !stopped {
		if err := Interrupt(pid); err != nil {
			if errors.Is(err, unix.ESRCH) {
				return nil, nil
			}
			return nil, fmt.Errorf("stopping %d: %w", pid, err)
		}
	}

	var children []int
	for {
		if !stopped {
			var wr waitResult
			if _, err := wait4(pid, &wr); err != nil {
				if errors.Is(err, unix.ECHILD) {
					return children, nil
				}
				return children, fmt.Errorf("waiting for %d to stop: %w", pid, err)
			}
			ws := wr.status
			if ws.Exited() || ws.Signaled() {
				return children, nil
			}
			if !ws.Stopped() {
				continue
			}
			stopped = true

			sig = 0
			switch cause := ws.TrapCause(); cause {
			case unix.PTRACE_EVENT_FORK, unix.PTRACE_EVENT_VFORK, unix.PTRACE_EVENT_CLONE:
				if msg, err := unix.PtraceGetEventMsg(pid); err == nil {
					children = append(children, int(msg))
				}
			case -1:
				if !groupStop(pid) {
					sig = handback(ws.StopSignal())
				}
			}
		}

		// A SIGSTOP sent to wake the tracer or to stop the tracee for
		// detaching may still be queued. Once detached, it would stop the
		// tracee for good, so let it be taken while the tracee is traced.
		if pending, err := stopPending(pid); err == nil && pending {
			if err := unix.PtraceCont(pid, int(sig)); err != nil {
				if errors.Is(err, unix.ESRCH) {
					return children, nil
				}
				return children, fmt.Errorf("draining stop of %d: %w", pid, err)
			}
			stopped = false
			continue
		}
		return children, detachSignal(pid, sig)
	}
}

// handback returns the signal a tracee stopped with `sig` should receive
// when it is let go. SIGSTOP and SIGTRAP are the tracer's own doing.
func handback(sig syscall.Signal) syscall.Signal {
	if sig == unix.SIGSTOP || sig == unix.SIGTRAP {
		return 0
	}
	return sig
}

// Kill terminates the stopped tracee `pid` and reaps it.
func (t *Tracer) Kill(pid int) error {
	defer t.forget(pid)

	if err := unix.Kill(pid, unix.SIGKILL); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return fmt.Errorf("killing %d: %w", pid, err)
	}
	for {
		var wr waitResult
		if _, err := wait4(pid, &wr); err != nil {
			if errors.Is(err, unix.ECHILD) {
				return nil
			}
			return fmt.Errorf("reaping %d: %w", pid, err)
		}
		if wr.status.Exited() || wr.status.Signaled() {
			return nil
		}
		if wr.status.Stopped() {
			_ = unix.PtraceCont(pid, 0)
		}
	}
}

// Interrupt sends SIGSTOP to the task `tid`, forcing the tracer to see a
// stop. Unlike the other methods it may be called from any goroutine.
func Interrupt(tid int) error {
	if _, _, errno := unix.Syscall(unix.SYS_TKILL, uintptr(tid), uintptr(unix.SIGSTOP), 0); errno != 0 {
		return errno
	}
	return nil
}

func detachSignal(pid int, sig syscall.Signal) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_DETACH, uintptr(pid), 0, uintptr(sig), 0, 0)
	if errno != 0 && errno != unix.ESRCH {
		return fmt.Errorf("detaching from %d: %w", pid, errno)
	}
	return nil
}

// groupStop reports whether the stopped tracee `pid` is in a group-stop
// rather than a signal-delivery-stop. The kernel has no siginfo to hand out
// for the former.
func groupStop(pid int) bool {
	var info unix.Siginfo
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_GETSIGINFO, uintptr(pid), 0, uintptr(unsafe.Pointer(&info)), 0, 0)
	return errno == unix.EINVAL
}

// sharesMemory reports whether `a` and `b` use the same address space.
func sharesMemory(a, b int) bool {
	r, _, errno := unix.Syscall6(unix.SYS_KCMP, uintptr(a), uintptr(b), kcmpVM, 0, 0, 0)
	if errno == 0 {
		return r == 0
	}

	// Without kcmp, fall back to whether they are threads of one process.
	ta, err := procmem.Tgid(a)
	if err != nil {
		return false
	}
	tb, err := procmem.Tgid(b)
	if err != nil {
		return false
	}
	return ta == tb
}

func maxRSS(ru *unix.Rusage) uint64 {
	if ru.Maxrss <= 0 {
		return 0
	}
	return uint64(ru.Maxrss) * 1024
}

// wait4 waits for tracees created by the calling thread only, so that the
// tracer never reaps children started elsewhere in the program.
func wait4(pid int, wr *waitResult) (int, error) {
	for {
		wpid, err := unix.Wait4(pid, &wr.status, unix.WALL|unix.WNOTHREAD, &wr.rusage)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return wpid, err
	}
}
