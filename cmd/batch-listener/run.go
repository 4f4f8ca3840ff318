package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/mattjoyce/batchlistener/internal/action"
	"github.com/mattjoyce/batchlistener/internal/api"
	"github.com/mattjoyce/batchlistener/internal/config"
	"github.com/mattjoyce/batchlistener/internal/history"
	"github.com/mattjoyce/batchlistener/internal/listener"
	"github.com/mattjoyce/batchlistener/internal/lock"
	"github.com/mattjoyce/batchlistener/internal/log"
	"github.com/mattjoyce/batchlistener/internal/storage"
)

// shutdownWait bounds how long a signal waits for an in-flight action.
const shutdownWait = 10 * time.Second

func runListener(args []string) int {
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file (.yaml or .toml)")
	actionPath := fs.String("action", "", "Executable to run per event (overrides action.path)")
	if code, stop := parseFlags(fs, args); stop {
		return code
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *actionPath != "" {
		cfg.Action.Path = *actionPath
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("batch-listener starting", "version", version, "config", configSource(cfg), "action", cfg.Action.Path)

	if term.IsTerminal(int(os.Stdout.Fd())) {
		logger.Warn("stdout is a terminal; batch-listener expects to be started by supervisord as an eventlistener")
	}

	if cfg.Service.LockPath != "" {
		pidLock, err := lock.AcquirePIDLock(cfg.Service.LockPath)
		if err != nil {
			logger.Error("failed to acquire PID lock (another instance may be running)", "path", cfg.Service.LockPath, "error", err)
			return 1
		}
		defer pidLock.Release()
		logger.Info("acquired PID lock", "path", pidLock.Path())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, protocolInput(cfg, logger), os.Stdout); err != nil {
		logger.Error("listener stopped", "error", err)
		return 1
	}
	logger.Info("batch-listener stopped")
	return 0
}

// serve wires the configured components around one session and blocks
// until the session fails, a component fails, or ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) error {
	logger := log.WithComponent("main")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts := []listener.Option{
		listener.WithReplyMode(cfg.Listener.ReplyMode),
		listener.WithMaxPayload(cfg.Listener.MaxPayloadBytes),
		listener.WithPayloadTimeout(cfg.Listener.PayloadTimeout),
	}
	if !cfg.Listener.MirrorDiagnostics {
		opts = append(opts, listener.WithDiagnostics(nil))
	}

	var hist *history.Store
	if cfg.History.Path != "" {
		db, err := storage.OpenSQLite(ctx, cfg.History.Path)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		defer db.Close()
		hist = history.NewStore(db)
		logger.Info("history enabled", "path", cfg.History.Path)

		if cfg.History.Retention > 0 {
			n, err := hist.Prune(ctx, cfg.History.Retention)
			if err != nil {
				logger.Warn("failed to prune history", "error", err)
			} else if n > 0 {
				logger.Info("pruned history", "removed", n, "retention", cfg.History.Retention)
			}
		}
		opts = append(opts, listener.WithRecorder(hist))
	}

	runner := newRunner(cfg)
	checkAction(cfg, logger)
	session := listener.New(in, out, runner, opts...)

	errCh := make(chan error, 2)
	sessionDone := make(chan error, 1)

	if cfg.API.Listen != "" {
		var reader api.HistoryReader
		if hist != nil {
			reader = hist
		}
		apiServer := api.New(api.Config{Listen: cfg.API.Listen}, session, reader, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("status API enabled", "listen", cfg.API.Listen)
	}

	go func() {
		sessionDone <- session.RunForever(ctx)
	}()

	select {
	case err := <-sessionDone:
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil
		}
		return err
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("received shutdown signal", "state", session.State().String())
		// An idle session is parked on a read that nothing can interrupt.
		if session.State() != listener.Processing {
			return nil
		}
		select {
		case <-sessionDone:
		case <-time.After(shutdownWait):
			logger.Warn("in-flight action did not finish before shutdown")
		}
		return nil
	}
}

func newRunner(cfg *config.Config) *action.Exec {
	runner := action.NewExec(cfg.Action.Path)
	runner.Dir = cfg.Action.Dir
	runner.Timeout = cfg.Action.Timeout
	runner.Blake3 = cfg.Action.Blake3
	return runner
}

// checkAction warns early about an action that will fail on every event.
// The listener keeps acknowledging events either way.
func checkAction(cfg *config.Config, logger *slog.Logger) {
	for _, problem := range actionProblems(cfg) {
		logger.Warn("action check failed", "path", cfg.Action.Path, "problem", problem)
	}
}

func actionProblems(cfg *config.Config) []string {
	info, err := os.Stat(cfg.Action.Path)
	if err != nil {
		return []string{err.Error()}
	}
	var problems []string
	if info.IsDir() {
		problems = append(problems, "path is a directory")
	} else if info.Mode().Perm()&0o111 == 0 {
		problems = append(problems, "file is not executable")
	}
	if cfg.Action.Blake3 != "" {
		if err := action.VerifyFileHash(cfg.Action.Path, cfg.Action.Blake3); err != nil {
			problems = append(problems, err.Error())
		}
	}
	return problems
}

// protocolInput returns stdin, made pollable when a payload timeout is
// configured so read deadlines work on pipes.
func protocolInput(cfg *config.Config, logger *slog.Logger) io.Reader {
	if cfg.Listener.PayloadTimeout <= 0 {
		return os.Stdin
	}
	// os.Stdin.Fd() would switch the descriptor back to blocking mode.
	if err := unix.SetNonblock(0, true); err != nil {
		logger.Warn("cannot make stdin non-blocking, payload timeout disabled", "error", err)
		return os.Stdin
	}
	return os.NewFile(0, "stdin")
}
