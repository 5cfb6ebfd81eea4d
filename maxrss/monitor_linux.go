//go:build linux

package maxrss

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/github/go-maxrss/internal/procmem"
	"github.com/github/go-maxrss/internal/ptrace"
)

// Run launches `command` with `args`, traces it and everything it starts
// until all of them have exited, and returns the peak total resident size
// of the tree.
//
// If `ctx` is done before the tree finishes, every traced process is
// detached and left running, and a *TraceError wrapping `ctx.Err()` is
// returned along with what was measured so far. A command that cannot be
// started yields a *SpawnError.
func (m *Monitor) Run(ctx context.Context, command string, args ...string) (*Result, error) {
	if len(command) == 0 {
		panic("attempt to run an empty command")
	}

	cmd := exec.Command(command, args...)
	m.setupEnv(ctx, cmd)

	ios, err := m.setupStdio(cmd)
	if err != nil {
		return nil, &SpawnError{Command: command, Err: err}
	}

	return onTracerThread(func() (*Result, error) {
		t := ptrace.New()

		pid, err := t.Launch(cmd)
		if err != nil {
			ios.abort()
			return nil, &SpawnError{Command: command, Err: err}
		}
		ios.started()

		if err := m.prepare(ctx, t, pid); err != nil {
			_ = t.Kill(pid)
			ios.abort()
			return nil, &SpawnError{Command: command, Err: err}
		}

		l := newLoop(command, t, procmem.Sampler{}, m.loopEvents())
		if err := l.launched(pid); err != nil {
			_ = t.Kill(pid)
			ios.abort()
			m.teardown(ctx, command)
			return nil, &TraceError{Err: err, Partial: l.result()}
		}

		res, err := m.trace(ctx, l)
		m.teardown(ctx, command)

		if err != nil {
			// What is left of the tree has been detached and may run for
			// a long time yet.
			ios.abort()
			go func() {
				_, _ = cmd.Process.Wait()
			}()
			return res, err
		}

		if ioErr := ios.wait(); ioErr != nil {
			m.eventHandler(&Event{
				Command: command,
				Msg:     "error copying standard streams",
				Err:     ioErr,
			})
		}
		_ = cmd.Process.Release()
		return res, err
	})
}

// Attach traces the running process `pid`, its threads and its existing
// descendants, along with anything they start from now on, until all of
// them have exited. Cancellation works as for Run.
func (m *Monitor) Attach(ctx context.Context, pid int) (*Result, error) {
	name := fmt.Sprintf("pid %d", pid)

	return onTracerThread(func() (*Result, error) {
		t := ptrace.New()

		attached, err := t.Attach(pid)
		if err != nil {
			return nil, &SpawnError{Command: name, Err: err}
		}

		l := newLoop(name, t, procmem.Sampler{}, m.loopEvents())
		if err := l.attached(attached); err != nil {
			pids := make([]int, 0, len(attached))
			for _, a := range attached {
				pids = append(pids, a.Pid)
			}
			_ = t.Detach(pids)
			return nil, &TraceError{Err: err, Partial: l.result()}
		}

		return m.trace(ctx, l)
	})
}

// prepare readies the stopped root before it runs any code of its own.
func (m *Monitor) prepare(ctx context.Context, t *ptrace.Tracer, pid int) error {
	if err := t.EnableChildTracing(pid); err != nil {
		return err
	}
	if m.isolation != nil {
		if err := m.isolation.Setup(ctx, pid); err != nil {
			return fmt.Errorf("isolating process %d: %w", pid, err)
		}
	}
	return nil
}

func (m *Monitor) teardown(ctx context.Context, command string) {
	if m.isolation == nil {
		return
	}
	if err := m.isolation.Teardown(context.WithoutCancel(ctx)); err != nil {
		m.eventHandler(&Event{
			Command: command,
			Msg:     "error tearing down isolation",
			Err:     err,
		})
	}
}

// trace runs `l` to completion, waking it up if `ctx` is done while it is
// waiting for the traced tree.
func (m *Monitor) trace(ctx context.Context, l *loop) (*Result, error) {
	stop := watch(ctx, l.wakePid)
	defer stop()

	return l.run(ctx)
}

// watch arranges for the tracer to notice cancellation, by stopping a
// traced process so that NextEvent returns.
func watch(ctx context.Context, wakePid func() int) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()

		select {
		case <-ctx.Done():
		case <-done:
			return
		}

		t := time.NewTicker(wakeInterval)
		defer t.Stop()

		for {
			if pid := wakePid(); pid != 0 {
				_ = ptrace.Interrupt(pid)
			}
			select {
			case <-t.C:
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}

var errTracerExited = errors.New("tracer thread exited unexpectedly")

// onTracerThread runs `fn` on a goroutine locked to an OS thread of its own,
// since the kernel ties tracees to the thread that traces them. The thread
// is never unlocked, so the runtime discards it once `fn` returns, and with
// it any tracee still attached.
func onTracerThread(fn func() (*Result, error)) (*Result, error) {
	type outcome struct {
		res *Result
		err error
	}
	ch := make(chan outcome, 1)

	go func() {
		runtime.LockOSThread()
		o := outcome{err: errTracerExited}
		defer func() { ch <- o }()
		o.res, o.err = fn()
	}()

	o := <-ch
	return o.res, o.err
}
