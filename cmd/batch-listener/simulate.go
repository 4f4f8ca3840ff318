package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/mattjoyce/batchlistener/internal/action"
	"github.com/mattjoyce/batchlistener/internal/listener"
	"github.com/mattjoyce/batchlistener/internal/log"
	"github.com/mattjoyce/batchlistener/internal/protocol"
)

func runSimulate(args []string) int {
	fs := pflag.NewFlagSet("simulate", pflag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file (.yaml or .toml)")
	actionPath := fs.String("action", "", "Executable to run per event (overrides action.path)")
	events := fs.IntP("events", "n", 1, "Number of events to send")
	eventName := fs.String("eventname", "TICK_60", "eventname header to send")
	payload := fs.String("payload", "", "Payload bytes to send with each event")
	if code, stop := parseFlags(fs, args); stop {
		return code
	}
	if *events < 1 {
		fmt.Fprintln(os.Stderr, "--events must be at least 1")
		return 1
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

	opts := []listener.Option{
		listener.WithReplyMode(cfg.Listener.ReplyMode),
		listener.WithMaxPayload(cfg.Listener.MaxPayloadBytes),
	}
	if !cfg.Listener.MirrorDiagnostics {
		opts = append(opts, listener.WithDiagnostics(nil))
	}

	results, err := simulate(context.Background(), newRunner(cfg), *events, *eventName, []byte(*payload), opts...)
	for i, r := range results {
		fmt.Printf("event %d: RESULT %d %s\n", i+1, len(r), r)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Simulation failed: %v\n", err)
		return 1
	}
	fmt.Printf("%d event(s) acknowledged\n", len(results))
	return 0
}

// simulate plays the supervisord side of the handshake against a session
// over in-memory pipes and returns the result payloads it received.
func simulate(ctx context.Context, runner action.Runner, n int, eventName string, payload []byte, opts ...listener.Option) ([][]byte, error) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	session := listener.New(inR, outW, runner, opts...)
	done := make(chan error, 1)
	go func() {
		err := session.RunForever(ctx)
		_ = outW.CloseWithError(err)
		_ = inR.CloseWithError(err)
		done <- err
	}()

	ctrl := bufio.NewReader(outR)
	var results [][]byte
	for i := 1; i <= n; i++ {
		if err := protocol.ExpectReady(ctrl); err != nil {
			_ = inW.Close()
			return results, fmt.Errorf("event %d: %w", i, err)
		}
		header := fmt.Sprintf("ver:3.0 server:simulate serial:%d pool:batch-listener poolserial:%d eventname:%s len:%d\n",
			i, i, eventName, len(payload))
		// One write per event: an empty pipe write would block until the
		// session's next read.
		if _, err := inW.Write(append([]byte(header), payload...)); err != nil {
			return results, fmt.Errorf("event %d: write event: %w", i, err)
		}
		res, err := protocol.DecodeResult(ctrl)
		if err != nil {
			_ = inW.Close()
			return results, fmt.Errorf("event %d: %w", i, err)
		}
		results = append(results, res)
	}

	// Closing after the next READY is how a controller hangs up.
	if err := protocol.ExpectReady(ctrl); err != nil {
		_ = inW.Close()
		return results, err
	}
	_ = inW.Close()
	if err := <-done; !errors.Is(err, protocol.ErrStreamClosed) {
		return results, fmt.Errorf("listener ended with %v", err)
	}
	return results, nil
}
