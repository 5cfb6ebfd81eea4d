//go:build !linux

package maxrss

import (
	"context"
)

// Run is only supported on Linux.
func (m *Monitor) Run(ctx context.Context, command string, args ...string) (*Result, error) {
	if len(command) == 0 {
		panic("attempt to run an empty command")
	}
	return nil, &SpawnError{Command: command, Err: ErrUnsupported}
}

// Attach is only supported on Linux.
func (m *Monitor) Attach(ctx context.Context, pid int) (*Result, error) {
	return nil, &SpawnError{Command: "attach", Err: ErrUnsupported}
}
