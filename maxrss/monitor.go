// Package maxrss measures the peak resident memory of a process together
// with every process it creates, by tracing the whole tree and sampling it
// each time the tree changes shape.
package maxrss

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrUnsupported is returned on platforms where processes cannot be traced.
var ErrUnsupported = errors.New("tracing processes is not supported on this platform")

// How often a cancelled monitor pokes the traced tree until the tracer
// notices the cancellation.
const wakeInterval = 50 * time.Millisecond

// Env represents the environment that a traced command should run in.
type Env struct {
	// The directory in which the command should be executed.
	Dir string

	// Vars are extra environment variables. These will override any
	// environment variables that would be inherited from the current
	// process.
	Vars []AppendVars
}

type AppendVars func(context.Context, []EnvVar) []EnvVar

// EnvVar represents an environment variable that will be provided to the
// traced command.
type EnvVar struct {
	// The name of the environment variable.
	Key string
	// The value.
	Value string
}

type ContextValueFunc func(context.Context) (string, bool)

type ContextValuesFunc func(context.Context) []EnvVar

// Monitor runs or attaches to processes and reports their peak memory use.
// A Monitor may be reused, and used from several goroutines at once; every
// run is traced from an OS thread of its own.
type Monitor struct {
	env Env

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	isolation IsolationPolicy

	eventHandler func(e *Event)
	// Set once a handler is installed; per-event notifications are only
	// built for someone who listens.
	listening bool
}

var emptyEventHandler = func(e *Event) {}

// New returns a Monitor with all of the `options` applied.
func New(options ...Option) *Monitor {
	m := &Monitor{
		eventHandler: emptyEventHandler,
	}

	for _, option := range options {
		option(m)
	}

	return m
}

// Option is a type alias for Monitor functional options.
type Option func(*Monitor)

// WithDir sets the directory the traced command runs in.
func WithDir(dir string) Option {
	return func(m *Monitor) {
		m.env.Dir = dir
	}
}

// WithStdin assigns the traced command's stdin. If `stdin` is not an
// `*os.File`, its contents are copied into a pipe, and Run does not return
// until `stdin` is exhausted or every traced process has closed the pipe.
func WithStdin(stdin io.Reader) Option {
	return func(m *Monitor) {
		m.stdin = stdin
	}
}

// WithStdout assigns the traced command's stdout. An `*os.File` is handed
// to the command directly; anything else is fed through a pipe.
func WithStdout(stdout io.Writer) Option {
	return func(m *Monitor) {
		m.stdout = stdout
	}
}

// WithStderr assigns the traced command's stderr, like WithStdout.
func WithStderr(stderr io.Writer) Option {
	return func(m *Monitor) {
		m.stderr = stderr
	}
}

// WithEnvVar appends an environment variable for the traced command.
func WithEnvVar(key, value string) Option {
	return func(m *Monitor) {
		m.env.Vars = append(m.env.Vars, func(_ context.Context, vars []EnvVar) []EnvVar {
			return append(vars, EnvVar{Key: key, Value: value})
		})
	}
}

// WithEnvVars appends several environment variable for the traced command.
func WithEnvVars(b []EnvVar) Option {
	return func(m *Monitor) {
		m.env.Vars = append(m.env.Vars, func(_ context.Context, a []EnvVar) []EnvVar {
			return append(a, b...)
		})
	}
}

// WithEnvVarFunc appends a context-based environment variable for the
// traced command.
func WithEnvVarFunc(key string, valueFunc ContextValueFunc) Option {
	return func(m *Monitor) {
		m.env.Vars = append(m.env.Vars, func(ctx context.Context, vars []EnvVar) []EnvVar {
			if val, ok := valueFunc(ctx); ok {
				return append(vars, EnvVar{Key: key, Value: val})
			}
			return vars
		})
	}
}

// WithEnvVarsFunc appends several context-based environment variables for
// the traced command.
func WithEnvVarsFunc(valuesFunc ContextValuesFunc) Option {
	return func(m *Monitor) {
		m.env.Vars = append(m.env.Vars, func(ctx context.Context, vars []EnvVar) []EnvVar {
			return append(vars, valuesFunc(ctx)...)
		})
	}
}

// WithIsolation confines commands started by Run with `policy`. The policy
// is set up before the command runs any of its own code, so every process
// it creates is confined too. It has no effect on Attach.
func WithIsolation(policy IsolationPolicy) Option {
	return func(m *Monitor) {
		m.isolation = policy
	}
}

// Event represents anything that could happen while a tree is traced.
type Event struct {
	Command string
	Msg     string
	Err     error
	Context map[string]interface{}
}

// WithEventHandler sets a handler for the monitor. Setting one will emit
// events for the traced tree's lifecycle, for failed samples and for the
// final peak.
func WithEventHandler(handler func(e *Event)) Option {
	return func(m *Monitor) {
		if handler == nil {
			m.eventHandler, m.listening = emptyEventHandler, false
			return
		}
		m.eventHandler, m.listening = handler, true
	}
}

// loopEvents returns the handler for a traced tree's loop, or nil if no
// handler was installed.
func (m *Monitor) loopEvents() func(*Event) {
	if !m.listening {
		return nil
	}
	return m.eventHandler
}
