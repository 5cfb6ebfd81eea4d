package ptrace

import (
	"fmt"
	"syscall"
)

// Kind identifies a lifecycle transition of a tracee.
type Kind int

const (
	// Forked reports that Pid created Child with fork(2).
	Forked Kind = iota + 1

	// VForked reports that Pid created Child with vfork(2). The child runs
	// in its parent's address space until it execs or exits.
	VForked

	// Cloned reports that Pid created Child with clone(2). SharesMemory
	// tells whether the child is thread-like.
	Cloned

	// Exec reports that Pid completed an execve(2). If the exec was
	// performed by a non-leader thread, Former is that thread's old tid.
	Exec

	// Exiting reports that Pid is about to exit. Its address space is
	// still mapped.
	Exiting

	// Exited reports that Pid has exited with Status.
	Exited

	// Signaled reports that Pid was killed by Signal.
	Signaled

	// Stopped reports a signal-delivery-stop or group-stop of Pid. Signal
	// is what should be delivered when the tracee is resumed.
	Stopped
)

func (k Kind) String() string {
	switch k {
	case Forked:
		return "fork"
	case VForked:
		return "vfork"
	case Cloned:
		return "clone"
	case Exec:
		return "exec"
	case Exiting:
		return "exiting"
	case Exited:
		return "exited"
	case Signaled:
		return "signaled"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Event is one lifecycle transition in the traced tree.
type Event struct {
	Kind Kind
	Pid  int

	// Child is the new tracee for Forked, VForked and Cloned.
	Child int

	// SharesMemory is set for VForked and for Cloned children that share
	// their parent's address space.
	SharesMemory bool

	// Former is the tid that performed an Exec, if it differs from Pid.
	Former int

	// Status is the exit status for Exited.
	Status int

	// Signal is the fatal signal for Signaled, or the signal to deliver on
	// resume for Stopped.
	Signal syscall.Signal

	// MaxRSS is ru_maxrss in bytes as reported by wait4 for Exited and
	// Signaled.
	MaxRSS uint64
}

// InStop reports whether the tracee is left in a trace-stop by this event
// and must be resumed before it can run again.
func (e Event) InStop() bool {
	switch e.Kind {
	case Exited, Signaled:
		return false
	default:
		return true
	}
}

// Created reports whether the event introduces a new tracee.
func (e Event) Created() bool {
	switch e.Kind {
	case Forked, VForked, Cloned:
		return true
	default:
		return false
	}
}

func (e Event) String() string {
	switch {
	case e.Created():
		return fmt.Sprintf("%s %d -> %d", e.Kind, e.Pid, e.Child)
	case e.Kind == Exited:
		return fmt.Sprintf("%s %d status %d", e.Kind, e.Pid, e.Status)
	case e.Kind == Signaled, e.Kind == Stopped:
		return fmt.Sprintf("%s %d %s", e.Kind, e.Pid, e.Signal)
	default:
		return fmt.Sprintf("%s %d", e.Kind, e.Pid)
	}
}

// Attached describes a task stopped by Attach.
type Attached struct {
	Pid    int
	Parent int

	// Thread is set when Pid is a non-leader thread of Parent.
	Thread bool

	// SharesMemory is set when Pid uses Parent's address space, which
	// is always the case for threads.
	SharesMemory bool
}
