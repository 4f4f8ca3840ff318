package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultRecentLimit caps Recent when the caller passes a non-positive limit.
const DefaultRecentLimit = 50

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Record is one processed event as it went through the listener.
type Record struct {
	ID          string    `json:"id"`
	Serial      string    `json:"serial,omitempty"`
	Pool        string    `json:"pool,omitempty"`
	EventName   string    `json:"event_name,omitempty"`
	Header      string    `json:"header"`
	PayloadLen  int       `json:"payload_len"`
	ExitCode    int       `json:"exit_code"`
	ActionError string    `json:"action_error,omitempty"`
	Reply       string    `json:"reply"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Stats summarises the event log.
type Stats struct {
	Total    int        `json:"total"`
	Failures int        `json:"failures"`
	Last     *time.Time `json:"last,omitempty"`
}

// Store persists Records in the event_log table.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record inserts rec, assigning an ID when it has none.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.StartedAt.IsZero() {
		return fmt.Errorf("record started_at is zero")
	}
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = rec.StartedAt
	}

	var actionErr any
	if rec.ActionError != "" {
		actionErr = rec.ActionError
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO event_log(
  id, serial, pool, event_name, header, payload_len, exit_code, action_error, reply,
  started_at, finished_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, rec.ID, rec.Serial, rec.Pool, rec.EventName, rec.Header, rec.PayloadLen, rec.ExitCode, actionErr, rec.Reply,
		rec.StartedAt.UTC().Format(timeFormat), rec.FinishedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, serial, pool, event_name, header, payload_len, exit_code, action_error, reply, started_at, finished_at
FROM event_log
ORDER BY started_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query event log: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r                     Record
			serial, pool, name    sql.NullString
			actionErr             sql.NullString
			startedAtS, finishedS string
		)
		if err := rows.Scan(&r.ID, &serial, &pool, &name, &r.Header, &r.PayloadLen, &r.ExitCode, &actionErr, &r.Reply, &startedAtS, &finishedS); err != nil {
			return nil, fmt.Errorf("scan event log: %w", err)
		}
		r.Serial = serial.String
		r.Pool = pool.String
		r.EventName = name.String
		r.ActionError = actionErr.String
		if t, err := time.Parse(timeFormat, startedAtS); err == nil {
			r.StartedAt = t
		}
		if t, err := time.Parse(timeFormat, finishedS); err == nil {
			r.FinishedAt = t
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event log: %w", err)
	}
	return out, nil
}

// Prune deletes records that started before now-retention.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-retention).UTC().Format(timeFormat)
	res, err := s.db.ExecContext(ctx, `DELETE FROM event_log WHERE started_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune event log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune event log: %w", err)
	}
	return n, nil
}

// Stats counts records and action failures.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var (
		st   Stats
		last sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
SELECT
  COUNT(*),
  COALESCE(SUM(CASE WHEN exit_code != 0 OR action_error IS NOT NULL THEN 1 ELSE 0 END), 0),
  MAX(started_at)
FROM event_log;
`).Scan(&st.Total, &st.Failures, &last)
	if err != nil {
		return Stats{}, fmt.Errorf("event log stats: %w", err)
	}
	if last.Valid {
		if t, err := time.Parse(timeFormat, last.String); err == nil {
			st.Last = &t
		}
	}
	return st, nil
}
