package maxrss

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sync/errgroup"
)

// stdio connects a launched command to the monitor's stdin, stdout and
// stderr. Files are handed to the command as they are; anything else is
// copied through a pipe by a goroutine of our own, since the command is
// never waited for through exec.Cmd.
type stdio struct {
	wg errgroup.Group

	// The stdin copy may be stuck reading from the caller's reader, so it
	// is only waited for when the command finished normally.
	stdinWg errgroup.Group

	// The command's ends of the pipes, closed once it has started.
	childEnds []io.Closer

	// Our ends of the pipes, closed when we are done with them.
	ours []io.Closer
}

func (m *Monitor) setupStdio(cmd *exec.Cmd) (*stdio, error) {
	s := &stdio{}

	in, err := s.input(m.stdin)
	if err != nil {
		s.abort()
		return nil, err
	}
	out, err := s.output(m.stdout)
	if err != nil {
		s.abort()
		return nil, err
	}
	errOut, err := s.output(m.stderr)
	if err != nil {
		s.abort()
		return nil, err
	}

	// Leave nil streams alone, so exec.Cmd connects them to the null device.
	if in != nil {
		cmd.Stdin = in
	}
	if out != nil {
		cmd.Stdout = out
	}
	if errOut != nil {
		cmd.Stderr = errOut
	}
	return s, nil
}

func (s *stdio) input(r io.Reader) (*os.File, error) {
	if r == nil {
		return nil, nil
	}
	if f, ok := r.(*os.File); ok {
		return f, nil
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	s.childEnds = append(s.childEnds, pr)
	s.ours = append(s.ours, pw)

	s.stdinWg.Go(func() error {
		_, err := io.Copy(pw, r)
		_ = pw.Close()
		// The command is free not to read all of its input.
		if err != nil && !errors.Is(err, syscall.EPIPE) && !errors.Is(err, os.ErrClosed) {
			return err
		}
		return nil
	})
	return pr, nil
}

func (s *stdio) output(w io.Writer) (*os.File, error) {
	if w == nil {
		return nil, nil
	}
	if f, ok := w.(*os.File); ok {
		return f, nil
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	s.childEnds = append(s.childEnds, pw)
	s.ours = append(s.ours, pr)

	s.wg.Go(func() error {
		_, err := io.Copy(w, pr)
		// We don't consider `ErrClosed` an error, since that is how an
		// abandoned command's output is cut off.
		if err != nil && !errors.Is(err, os.ErrClosed) {
			return err
		}
		return nil
	})
	return pw, nil
}

// started closes our copies of the command's ends of the pipes, so that
// the copies see EOF once every traced process has closed them.
func (s *stdio) started() {
	for _, c := range s.childEnds {
		_ = c.Close()
	}
	s.childEnds = nil
}

// wait waits for all of the input and output to be copied.
func (s *stdio) wait() error {
	err := s.wg.Wait()
	if inErr := s.stdinWg.Wait(); err == nil {
		err = inErr
	}
	for _, c := range s.ours {
		_ = c.Close()
	}
	return err
}

// abort stops copying, whether or not the command is still running.
func (s *stdio) abort() {
	s.started()
	for _, c := range s.ours {
		_ = c.Close()
	}
	_ = s.wg.Wait()
}
