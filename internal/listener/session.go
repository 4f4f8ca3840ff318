package listener

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/mattjoyce/batchlistener/internal/action"
	"github.com/mattjoyce/batchlistener/internal/config"
	"github.com/mattjoyce/batchlistener/internal/history"
	"github.com/mattjoyce/batchlistener/internal/log"
	"github.com/mattjoyce/batchlistener/internal/protocol"
)

// State is where the session sits in the handshake.
type State int

const (
	// AwaitingEvent: READY has been sent, blocked on the header read.
	AwaitingEvent State = iota
	// Processing: the event is fully read and the reply is not yet sent.
	Processing
)

func (s State) String() string {
	switch s {
	case AwaitingEvent:
		return "awaiting_event"
	case Processing:
		return "processing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

//go:generate mockgen -destination=mocks/mock_recorder.go -package=mocks github.com/mattjoyce/batchlistener/internal/listener Recorder

// Recorder persists one processed event.
type Recorder interface {
	Record(ctx context.Context, rec history.Record) error
}

type deadlineSetter interface {
	SetReadDeadline(t time.Time) error
}

// Snapshot is a point-in-time view of a session for status reporting.
type Snapshot struct {
	State          string     `json:"state"`
	Cycles         uint64     `json:"cycles"`
	ActionFailures uint64     `json:"action_failures"`
	LastEventAt    *time.Time `json:"last_event_at,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
}

// Session drives the controller handshake over one input/output pair.
// It is not safe for concurrent RunOnce calls; Snapshot may be called
// from any goroutine.
type Session struct {
	in       *bufio.Reader
	deadline deadlineSetter
	out      *bufio.Writer
	runner   action.Runner

	diag           io.Writer
	replyMode      string
	maxPayload     int
	payloadTimeout time.Duration
	recorder       Recorder
	logger         *slog.Logger

	mu          sync.Mutex
	state       State
	cycles      uint64
	failures    uint64
	lastEventAt time.Time
	startedAt   time.Time
}

// Option configures a Session.
type Option func(*Session)

// WithDiagnostics mirrors raw header lines and payloads to w. nil disables.
func WithDiagnostics(w io.Writer) Option {
	return func(s *Session) { s.diag = w }
}

// WithReplyMode selects config.ReplyFixed or config.ReplyStatus.
func WithReplyMode(mode string) Option {
	return func(s *Session) { s.replyMode = mode }
}

// WithMaxPayload rejects headers announcing more than n bytes. n <= 0 disables.
func WithMaxPayload(n int) Option {
	return func(s *Session) { s.maxPayload = n }
}

// WithPayloadTimeout bounds the payload read when the input supports read deadlines.
func WithPayloadTimeout(d time.Duration) Option {
	return func(s *Session) { s.payloadTimeout = d }
}

// WithRecorder records every completed cycle.
func WithRecorder(r Recorder) Option {
	return func(s *Session) { s.recorder = r }
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// New creates a session reading events from in and writing frames to out.
func New(in io.Reader, out io.Writer, runner action.Runner, opts ...Option) *Session {
	s := &Session{
		in:        bufio.NewReader(in),
		out:       bufio.NewWriter(out),
		runner:    runner,
		diag:      os.Stderr,
		replyMode: config.ReplyFixed,
		logger:    log.WithComponent("listener"),
		startedAt: time.Now(),
	}
	if d, ok := in.(deadlineSetter); ok {
		s.deadline = d
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunForever repeats RunOnce until it fails. ctx is checked between
// cycles; a blocked read is not interrupted.
func (s *Session) RunForever(ctx context.Context) error {
	s.logger.Info("listener started", "reply_mode", s.replyMode)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.RunOnce(ctx); err != nil {
			return err
		}
	}
}

// RunOnce performs one READY / event / action / RESULT cycle.
func (s *Session) RunOnce(ctx context.Context) error {
	s.setState(AwaitingEvent)
	if err := protocol.WriteReady(s.out); err != nil {
		return fmt.Errorf("signal ready: %w", err)
	}

	ev, err := s.readEvent()
	s.mirror(ev.Header)
	if err != nil {
		return err
	}
	s.mirror(ev.Payload)

	startedAt := time.Now()
	s.mu.Lock()
	s.state = Processing
	s.lastEventAt = startedAt
	s.mu.Unlock()

	logger := log.WithEvent(s.logger, ev.Headers.Serial(), ev.Headers.EventName())
	logger.Debug("event received", "len", ev.Len)

	outcome := s.runner.Run(ctx)
	if !outcome.Success() {
		logger.Warn("action failed", "exit_code", outcome.ExitCode, "error", outcome.Err, "duration", outcome.Duration)
	} else {
		logger.Debug("action finished", "duration", outcome.Duration)
	}

	reply := s.reply(outcome)
	if err := protocol.WriteResult(s.out, reply); err != nil {
		return fmt.Errorf("send result: %w", err)
	}

	s.mu.Lock()
	s.cycles++
	if !outcome.Success() {
		s.failures++
	}
	s.mu.Unlock()

	s.record(ctx, ev, outcome, reply, startedAt)
	return nil
}

// State reports the current handshake state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns counters for status reporting.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		State:          s.state.String(),
		Cycles:         s.cycles,
		ActionFailures: s.failures,
		StartedAt:      s.startedAt,
	}
	if !s.lastEventAt.IsZero() {
		t := s.lastEventAt
		snap.LastEventAt = &t
	}
	return snap
}

// readEvent frames one event. Only the payload read is bounded by the
// deadline; the header may take hours to arrive.
func (s *Session) readEvent() (protocol.Event, error) {
	if s.payloadTimeout <= 0 || s.deadline == nil {
		return protocol.ReadEvent(s.in, s.maxPayload)
	}
	ev, err := protocol.ReadEventHeader(s.in, s.maxPayload)
	if err != nil {
		return ev, err
	}
	ev.Payload, err = s.readBoundedPayload(ev.Len)
	return ev, err
}

func (s *Session) readBoundedPayload(n int) ([]byte, error) {
	if n == 0 {
		return protocol.ReadPayload(s.in, n)
	}
	if err := s.deadline.SetReadDeadline(time.Now().Add(s.payloadTimeout)); err != nil {
		if errors.Is(err, os.ErrNoDeadline) {
			s.logger.Warn("input does not support read deadlines, payload timeout disabled")
			s.deadline = nil
			return protocol.ReadPayload(s.in, n)
		}
		return nil, fmt.Errorf("set payload deadline: %w", err)
	}
	payload, err := protocol.ReadPayload(s.in, n)
	if derr := s.deadline.SetReadDeadline(time.Time{}); derr != nil && err == nil {
		return nil, fmt.Errorf("clear payload deadline: %w", derr)
	}
	return payload, err
}

func (s *Session) reply(o action.Outcome) []byte {
	if s.replyMode == config.ReplyStatus && !o.Success() {
		return []byte(protocol.ResultFail)
	}
	return []byte(protocol.ResultOK)
}

// mirror copies raw protocol bytes to the diagnostic stream, best effort.
func (s *Session) mirror(b []byte) {
	if s.diag == nil || len(b) == 0 {
		return
	}
	_, _ = s.diag.Write(b)
}

func (s *Session) record(ctx context.Context, ev protocol.Event, o action.Outcome, reply []byte, startedAt time.Time) {
	if s.recorder == nil {
		return
	}
	rec := history.Record{
		Serial:     ev.Headers.Serial(),
		Pool:       ev.Headers.Pool(),
		EventName:  ev.Headers.EventName(),
		Header:     string(bytes.TrimRight(ev.Header, "\r\n")),
		PayloadLen: ev.Len,
		ExitCode:   o.ExitCode,
		Reply:      string(reply),
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
	}
	if o.Err != nil {
		rec.ActionError = o.Err.Error()
	}
	if err := s.recorder.Record(ctx, rec); err != nil {
		s.logger.Error("failed to record event", "error", err)
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}
