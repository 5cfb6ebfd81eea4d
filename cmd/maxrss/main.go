// Command maxrss runs a command, or attaches to a running process, and
// reports the peak resident memory of it together with every process it
// creates. Results are written to a JSON file so that they never mix with
// the command's own output.
//
// Usage:
//
//	maxrss [flags] [--] COMMAND [ARGS...]
//	maxrss [flags] --pid PID
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/github/go-maxrss/maxrss"
)

func main() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stderr))
}

// exitError carries the traced command's failure out to the exit status.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("command exited with status %d", e.code)
}

type measureFunc func(ctx context.Context, cfg config, command []string) error

func execute(ctx context.Context, args []string, stderr io.Writer) int {
	logger := newLogger(stderr)

	cmd := newRootCommand(func(ctx context.Context, cfg config, command []string) error {
		return measure(ctx, cfg, command, logger, stderr)
	})
	cmd.SetArgs(args)
	cmd.SetOut(stderr)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)

	var exitErr *exitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &exitErr):
		logger.WithField("exit_code", exitErr.code).Error("command failed")
		return exitErr.code
	default:
		logger.WithError(err).Error("maxrss failed")
		return 1
	}
}

func newRootCommand(run measureFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maxrss [flags] [--] COMMAND [ARGS...]",
		Short: "Measure the peak resident memory of a process tree",
		Long: `maxrss traces COMMAND and every process it starts, samples their resident
memory each time one of them forks, execs or exits, and writes the largest
total it saw to a JSON file.

Every flag can also be set through the environment, for example
MAXRSS_OUTPUT or MAXRSS_CGROUP_CPU_WEIGHT.`,
		Example: `  maxrss sleep 1
  maxrss --return-result --output ./results.json -- find .
  maxrss --pid 1234 --timeout 1m`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.Flags()
	// Everything from the command on belongs to the command.
	flags.SetInterspersed(false)
	addFlags(flags)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		v, err := newViper(cmd.Flags())
		if err != nil {
			return err
		}
		cfg, err := loadConfig(v, cmd.Flags())
		if err != nil {
			return err
		}

		switch {
		case cfg.Pid == 0 && len(args) == 0:
			return errors.New("no command was given")
		case cfg.Pid != 0 && len(args) > 0:
			return errors.New("a command cannot be given together with --pid")
		case cfg.Pid < 0:
			return fmt.Errorf("invalid pid %d", cfg.Pid)
		}

		return run(cmd.Context(), cfg, args)
	}
	return cmd
}

func measure(ctx context.Context, cfg config, command []string, logger *logrus.Logger, stderr io.Writer) error {
	if cfg.Debug {
		logger.SetLevel(logrus.DebugLevel)
	}

	options := []maxrss.Option{
		maxrss.WithStdin(os.Stdin),
		maxrss.WithStdout(os.Stdout),
		maxrss.WithStderr(os.Stderr),
		maxrss.WithEventHandler(logEvents(logger)),
	}

	if cfg.Cgroup.Name != "" {
		ip, done, err := cfg.Cgroup.isolation(logger)
		if err != nil {
			return fmt.Errorf("setting up cgroup %q: %w", cfg.Cgroup.Name, err)
		}
		defer done()
		options = append(options, maxrss.WithIsolation(ip))
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	ctx, stop := withSignals(ctx, cfg.Pid != 0)
	defer stop()

	m := maxrss.New(options...)

	var (
		res *maxrss.Result
		err error
	)
	if cfg.Pid != 0 {
		res, err = m.Attach(ctx, cfg.Pid)
	} else {
		res, err = m.Run(ctx, command[0], command[1:]...)
	}

	if err != nil {
		var traceErr *maxrss.TraceError
		if !errors.As(err, &traceErr) || traceErr.Partial == nil {
			return err
		}
		res = traceErr.Partial
		logger.WithError(err).Warn("writing partial results")
	}

	r := newReport(res)
	if werr := writeReport(cfg.Output, r); werr != nil {
		return errors.Join(err, werr)
	}
	printSummary(stderr, r)

	if err != nil {
		return err
	}
	if cfg.ReturnResult && res.ExitCode > 0 {
		return &exitError{code: res.ExitCode}
	}
	return nil
}

// withSignals cancels `ctx` when maxrss is asked to terminate. A command we
// started shares our terminal and gets its interrupts itself, so those are
// swallowed and tracing goes on while the command handles them. An attached
// process does not, and there an interrupt stops tracing.
func withSignals(ctx context.Context, attached bool) (context.Context, func()) {
	cancelOn := []os.Signal{syscall.SIGTERM, syscall.SIGHUP}
	if attached {
		cancelOn = append(cancelOn, os.Interrupt)
	}
	ctx, stop := signal.NotifyContext(ctx, cancelOn...)
	if attached {
		return ctx, stop
	}

	swallowed := make(chan os.Signal, 1)
	signal.Notify(swallowed, os.Interrupt, syscall.SIGQUIT)
	return ctx, func() {
		signal.Stop(swallowed)
		stop()
	}
}
