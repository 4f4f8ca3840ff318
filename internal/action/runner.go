package action

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/mattjoyce/batchlistener/internal/log"
)

const (
	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

var (
	// ErrLaunch means the action could not be started at all.
	ErrLaunch = errors.New("action launch failed")
	// ErrTimeout means the action outlived its configured timeout and was killed.
	ErrTimeout = errors.New("action timed out")
)

//go:generate mockgen -destination=../listener/mocks/mock_runner.go -package=mocks github.com/mattjoyce/batchlistener/internal/action Runner

// Runner executes the batch action once and reports how it ended.
type Runner interface {
	Run(ctx context.Context) Outcome
}

// Outcome describes one action invocation. ExitCode is -1 when the
// process never ran or was killed by a signal.
type Outcome struct {
	ExitCode int
	Duration time.Duration
	Err      error
}

// Success reports whether the action ran and exited 0.
func (o Outcome) Success() bool {
	return o.Err == nil && o.ExitCode == 0
}

// Exec runs an executable with an empty argument list, no stdin and the
// listener's environment.
type Exec struct {
	Path string
	Dir  string
	// Timeout bounds the run; zero waits forever.
	Timeout time.Duration
	// Blake3 is the expected hex digest of Path, verified before every launch.
	Blake3 string
	// Output receives the child's stdout and stderr. It must never be the
	// protocol stream. Defaults to os.Stderr.
	Output io.Writer

	grace  time.Duration
	logger *slog.Logger
}

// NewExec builds an Exec runner for path.
func NewExec(path string) *Exec {
	return &Exec{
		Path:   path,
		Output: os.Stderr,
		grace:  terminationGracePeriod,
		logger: log.WithComponent("action"),
	}
}

// Run starts the action and waits for it to exit.
func (e *Exec) Run(ctx context.Context) Outcome {
	start := time.Now()
	out := Outcome{ExitCode: -1}

	if e.Blake3 != "" {
		if err := VerifyFileHash(e.Path, e.Blake3); err != nil {
			out.Err = fmt.Errorf("%w: %w", ErrLaunch, err)
			out.Duration = time.Since(start)
			return out
		}
	}

	cmd := exec.Command(e.Path)
	cmd.Dir = e.Dir
	cmd.Stdout = e.output()
	cmd.Stderr = e.output()
	// Grandchildren holding the output pipe must not stall Wait forever.
	cmd.WaitDelay = e.gracePeriod()

	e.log().Debug("starting action", "path", e.Path, "dir", e.Dir, "timeout", e.Timeout)
	if err := cmd.Start(); err != nil {
		out.Err = fmt.Errorf("%w: %w", ErrLaunch, err)
		out.Duration = time.Since(start)
		return out
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var timeoutC <-chan time.Time
	if e.Timeout > 0 {
		timer := time.NewTimer(e.Timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	var err error
	select {
	case err = <-waitErr:
	case <-timeoutC:
		e.log().Warn("action timed out, sending SIGTERM", "timeout", e.Timeout)
		e.terminate(cmd, waitErr)
		out.Err = fmt.Errorf("%w after %v", ErrTimeout, e.Timeout)
		out.Duration = time.Since(start)
		return out
	case <-ctx.Done():
		e.log().Warn("context cancelled, sending SIGTERM")
		e.terminate(cmd, waitErr)
		out.Err = ctx.Err()
		out.Duration = time.Since(start)
		return out
	}

	out.Duration = time.Since(start)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
			return out
		}
		out.Err = fmt.Errorf("wait for action: %w", err)
		return out
	}
	out.ExitCode = 0
	return out
}

// terminate sends SIGTERM, waits out the grace period, then SIGKILLs.
func (e *Exec) terminate(cmd *exec.Cmd, waitErr <-chan error) {
	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			e.log().Error("failed to send SIGTERM", "error", err)
		}
	}

	grace := time.NewTimer(e.gracePeriod())
	defer grace.Stop()

	select {
	case <-waitErr:
		e.log().Info("action exited after SIGTERM")
	case <-grace.C:
		e.log().Warn("action did not exit after SIGTERM, sending SIGKILL")
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				e.log().Error("failed to send SIGKILL", "error", err)
			}
		}
		<-waitErr
	}
}

func (e *Exec) output() io.Writer {
	if e.Output == nil {
		return os.Stderr
	}
	return e.Output
}

func (e *Exec) gracePeriod() time.Duration {
	if e.grace <= 0 {
		return terminationGracePeriod
	}
	return e.grace
}

func (e *Exec) log() *slog.Logger {
	if e.logger == nil {
		e.logger = log.WithComponent("action")
	}
	return e.logger
}
