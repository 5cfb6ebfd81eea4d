package maxrss

import "fmt"

// SpawnError is returned when the target could not be launched or attached
// to. No memory was measured.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("starting %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// TraceError is returned when tracing had to stop before the traced tree
// finished, either because the kernel reported something the tracer cannot
// follow or because the context was cancelled. Partial holds what was
// measured up to that point.
type TraceError struct {
	Err     error
	Partial *Result
}

func (e *TraceError) Error() string {
	return fmt.Sprintf("tracing stopped: %v", e.Err)
}

func (e *TraceError) Unwrap() error {
	return e.Err
}
