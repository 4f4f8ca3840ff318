package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/batchlistener/internal/action"
	"github.com/mattjoyce/batchlistener/internal/config"
	"github.com/mattjoyce/batchlistener/internal/history"
	"github.com/mattjoyce/batchlistener/internal/log"
	"github.com/mattjoyce/batchlistener/internal/protocol"
	"github.com/mattjoyce/batchlistener/internal/storage"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json") // Suppress logs in tests
	os.Exit(m.Run())
}

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func captureRun(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	return captureOutputWithExitCode(t, func() int { return run(args) })
}

func writeScript(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "batches.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestRunDispatch(t *testing.T) {
	code, _, stderr := captureRun(t, "bogus")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Unknown command: bogus")

	code, stdout, _ := captureRun(t, "version")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "batch-listener version "+version)

	code, stdout, _ = captureRun(t, "help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "config check")

	code, _, _ = captureRun(t)
	assert.Equal(t, 1, code)

	code, _, stderr = captureRun(t, "config", "frobnicate")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Unknown config action")
}

func TestRunSubcommandHelp(t *testing.T) {
	for _, cmd := range [][]string{{"run", "--help"}, {"history", "-h"}, {"simulate", "--help"}, {"config", "check", "--help"}} {
		code, _, _ := captureRun(t, cmd...)
		assert.Equal(t, 0, code, "command %v", cmd)
	}
}

func TestConfigCheck(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "exit 0\n")
	sum, err := action.ComputeBlake3Hash(script)
	require.NoError(t, err)

	tests := []struct {
		name     string
		yaml     string
		args     []string
		wantCode int
		wantOut  string
	}{
		{
			name:     "valid",
			yaml:     fmt.Sprintf("action:\n  path: %s\n  blake3: %s\n", script, sum),
			wantCode: 0,
			wantOut:  "Configuration OK",
		},
		{
			name:     "invalid reply mode",
			yaml:     fmt.Sprintf("action:\n  path: %s\nlistener:\n  reply_mode: loud\n", script),
			wantCode: 1,
			wantOut:  "Configuration INVALID",
		},
		{
			name:     "missing action is a warning",
			yaml:     "action:\n  path: " + filepath.Join(dir, "absent.sh") + "\n",
			wantCode: 0,
			wantOut:  "WARN",
		},
		{
			name:     "missing action fails strict",
			yaml:     "action:\n  path: " + filepath.Join(dir, "absent.sh") + "\n",
			args:     []string{"--strict"},
			wantCode: 2,
			wantOut:  "WARN",
		},
		{
			name:     "pin mismatch",
			yaml:     fmt.Sprintf("action:\n  path: %s\n  blake3: %s\n", script, strings.Repeat("0", 64)),
			args:     []string{"--strict"},
			wantCode: 2,
			wantOut:  "integrity",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfgPath := writeConfig(t, t.TempDir(), tt.yaml)
			args := append([]string{"config", "check", "--config", cfgPath}, tt.args...)
			code, stdout, _ := captureRun(t, args...)
			assert.Equal(t, tt.wantCode, code, stdout)
			assert.Contains(t, stdout, tt.wantOut)
		})
	}
}

func TestConfigCheckJSON(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "exit 0\n")
	cfgPath := writeConfig(t, dir, "action:\n  path: "+script+"\n")

	code, stdout, _ := captureRun(t, "config", "check", "--config", cfgPath, "--json")
	require.Equal(t, 0, code)

	var res checkResult
	require.NoError(t, json.Unmarshal([]byte(stdout), &res))
	assert.True(t, res.Valid)
	assert.Equal(t, cfgPath, res.Source)
	assert.Empty(t, res.Warnings)
}

func TestConfigPin(t *testing.T) {
	script := writeScript(t, t.TempDir(), "echo pinned\n")
	want, err := action.ComputeBlake3Hash(script)
	require.NoError(t, err)

	code, stdout, _ := captureRun(t, "config", "pin", "--action", script)
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "blake3: "+want)

	code, _, stderr := captureRun(t, "config", "pin", "--action", filepath.Join(t.TempDir(), "nope"))
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Failed to hash")
}

func TestSimulate(t *testing.T) {
	dir := t.TempDir()
	counter := filepath.Join(dir, "runs")
	script := writeScript(t, dir, "echo run >> "+counter+"\n")
	cfgPath := writeConfig(t, dir, "listener:\n  mirror_diagnostics: false\n")

	code, stdout, stderr := captureRun(t, "simulate", "--config", cfgPath, "--action", script, "--events", "3", "--payload", "hello")
	require.Equal(t, 0, code, stderr)
	assert.Equal(t, 3, strings.Count(stdout, "RESULT 2 OK"))
	assert.Contains(t, stdout, "3 event(s) acknowledged")

	runs, err := os.ReadFile(counter)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(runs), "run"))
}

func TestSimulateStatusReplyMode(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "exit 3\n")
	cfgPath := writeConfig(t, dir, "listener:\n  mirror_diagnostics: false\n  reply_mode: status\naction:\n  path: "+script+"\n")

	code, stdout, _ := captureRun(t, "simulate", "--config", cfgPath)
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "RESULT 4 FAIL")
}

func TestSimulateOversizedPayload(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "exit 0\n")
	cfgPath := writeConfig(t, dir, "listener:\n  mirror_diagnostics: false\n  max_payload_bytes: 4\naction:\n  path: "+script+"\n")

	code, _, stderr := captureRun(t, "simulate", "--config", cfgPath, "--payload", "hello world")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Simulation failed")
}

func TestSimulateRejectsZeroEvents(t *testing.T) {
	code, _, stderr := captureRun(t, "simulate", "--events", "0")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "--events")
}

func TestServeRecordsHistory(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Action.Path = writeScript(t, dir, "exit 3\n")
	cfg.History.Path = filepath.Join(dir, "history.db")
	cfg.Listener.MirrorDiagnostics = false
	cfg.Listener.ReplyMode = config.ReplyStatus

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	done := make(chan error, 1)
	go func() { done <- serve(context.Background(), cfg, inR, outW) }()

	ctrl := bufio.NewReader(outR)
	require.NoError(t, protocol.ExpectReady(ctrl))
	_, err := io.WriteString(inW, "ver:3.0 server:supervisor serial:7 pool:batch poolserial:7 eventname:TICK_60 len:3\nabc")
	require.NoError(t, err)

	res, err := protocol.DecodeResult(ctrl)
	require.NoError(t, err)
	assert.Equal(t, "FAIL", string(res))

	require.NoError(t, protocol.ExpectReady(ctrl))
	require.NoError(t, inW.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, protocol.ErrStreamClosed)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after the stream closed")
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.History.Path)
	require.NoError(t, err)
	defer db.Close()

	recs, err := history.NewStore(db).Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "7", recs[0].Serial)
	assert.Equal(t, "TICK_60", recs[0].EventName)
	assert.Equal(t, 3, recs[0].PayloadLen)
	assert.Equal(t, 3, recs[0].ExitCode)
	assert.Equal(t, "FAIL", recs[0].Reply)
}

func TestServeStopsWhenIdleOnCancel(t *testing.T) {
	cfg := config.Defaults()
	cfg.Action.Path = writeScript(t, t.TempDir(), "exit 0\n")
	cfg.Listener.MirrorDiagnostics = false

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	t.Cleanup(func() { _ = inW.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, inR, outW) }()

	require.NoError(t, protocol.ExpectReady(bufio.NewReader(outR)))
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestServePayloadTimeoutOnPipe(t *testing.T) {
	cfg := config.Defaults()
	cfg.Action.Path = writeScript(t, t.TempDir(), "exit 0\n")
	cfg.Listener.MirrorDiagnostics = false
	cfg.Listener.PayloadTimeout = 100 * time.Millisecond

	// A real pipe supports read deadlines, like stdin under supervisord.
	inR, inW, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = inR.Close()
		_ = inW.Close()
	})
	outR, outW := io.Pipe()

	done := make(chan error, 1)
	go func() { done <- serve(context.Background(), cfg, inR, outW) }()

	require.NoError(t, protocol.ExpectReady(bufio.NewReader(outR)))
	_, err = io.WriteString(inW, "ver:3.0 server:supervisor serial:1 pool:batch poolserial:1 eventname:TICK_60 len:10\nabc")
	require.NoError(t, err)

	start := time.Now()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, protocol.ErrReadTimeout)
		assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not time out the short payload")
	}
}

func TestProtocolInputWithoutTimeout(t *testing.T) {
	cfg := config.Defaults()
	cfg.Listener.PayloadTimeout = 0

	assert.Same(t, os.Stdin, protocolInput(cfg, log.WithComponent("main")))
}

func TestServeWaitsForInFlightActionOnCancel(t *testing.T) {
	dir := t.TempDir()
	started := filepath.Join(dir, "started")
	finished := filepath.Join(dir, "finished")
	cfg := config.Defaults()
	cfg.Action.Path = writeScript(t, dir, fmt.Sprintf(
		"trap 'touch %q; exit 143' TERM\ntouch %q\nwhile :; do sleep 0.05; done\n", finished, started))
	cfg.Listener.MirrorDiagnostics = false

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	t.Cleanup(func() { _ = inW.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, inR, outW) }()

	ctrl := bufio.NewReader(outR)
	require.NoError(t, protocol.ExpectReady(ctrl))
	_, err := io.WriteString(inW, "ver:3.0 server:supervisor serial:1 pool:batch poolserial:1 eventname:TICK_60 len:0\n")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := os.Stat(started)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond, "action never started")

	results := make(chan []byte, 1)
	go func() {
		res, _ := protocol.DecodeResult(ctrl)
		results <- res
		_, _ = io.Copy(io.Discard, outR)
	}()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(shutdownWait):
		t.Fatal("serve did not return after the action was terminated")
	}
	assert.FileExists(t, finished, "serve returned before the action handled SIGTERM")
	assert.Equal(t, "OK", string(<-results))
}

func TestHistoryMissingDatabase(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "typo", "history.db")
	cfgPath := writeConfig(t, dir, "history:\n  path: "+dbPath+"\n")

	code, stdout, stderr := captureRun(t, "history", "--config", cfgPath)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Failed to open history")
	assert.Contains(t, stderr, dbPath)
	assert.NotContains(t, stdout, "0 events")
	assert.NoDirExists(t, filepath.Join(dir, "typo"))
}

func TestHistoryCommand(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "history.db")

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, dbPath)
	require.NoError(t, err)
	store := history.NewStore(db)
	start := time.Now().Add(-time.Minute)
	require.NoError(t, store.Record(ctx, history.Record{
		Serial:     "1",
		EventName:  "TICK_60",
		Header:     "len:0",
		Reply:      "OK",
		StartedAt:  start,
		FinishedAt: start.Add(time.Second),
	}))
	require.NoError(t, store.Record(ctx, history.Record{
		Serial:      "2",
		EventName:   "TICK_3600",
		Header:      "len:0",
		Reply:       "OK",
		ExitCode:    -1,
		ActionError: "action launch failed: no such file",
		StartedAt:   start.Add(time.Second),
		FinishedAt:  start.Add(2 * time.Second),
	}))
	require.NoError(t, db.Close())

	cfgPath := writeConfig(t, dir, "history:\n  path: "+dbPath+"\n")

	code, stdout, stderr := captureRun(t, "history", "--config", cfgPath)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "2 events, 1 failed")
	assert.Contains(t, stdout, "TICK_3600")
	assert.Contains(t, stdout, "action launch failed")
	assert.Less(t, strings.Index(stdout, "TICK_3600"), strings.Index(stdout, "TICK_60 "))

	code, stdout, _ = captureRun(t, "history", "--config", cfgPath, "--json", "--limit", "1")
	require.Equal(t, 0, code)
	var recs []history.Record
	require.NoError(t, json.Unmarshal([]byte(stdout), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "2", recs[0].Serial)
}

func TestHistoryDisabled(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir(), "service:\n  name: test\n")

	code, _, stderr := captureRun(t, "history", "--config", cfgPath)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "History is disabled")
}

func TestRenderHistoryEmpty(t *testing.T) {
	var b strings.Builder
	renderHistory(&b, newTheme(), nil, history.Stats{})
	assert.Contains(t, b.String(), "0 events, 0 failed")
	assert.Contains(t, b.String(), "no events recorded")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "PROCESS_…", truncate("PROCESS_STATE_RUNNING", 9))
	assert.Equal(t, "P", truncate("PROCESS", 1))
}
