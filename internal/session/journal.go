package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/danarchy-io/stargaze-gateway/internal/infrastructure/database"
)

// Cycle is one connect, run and disconnect pass of the coordinator.
type Cycle struct {
	ID          string    `json:"id"`
	ClientID    string    `json:"client_id"`
	StartedAt   time.Time `json:"started_at"`
	IssuedAt    time.Time `json:"issued_at,omitzero"`
	ExpiresAt   time.Time `json:"expires_at,omitzero"`
	ConnectedAt time.Time `json:"connected_at,omitzero"`
	EndedAt     time.Time `json:"ended_at,omitzero"`
	Outcome     string    `json:"outcome,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Journal records session cycles.
type Journal interface {
	CycleStarted(ctx context.Context, c Cycle) error
	CycleEnded(ctx context.Context, c Cycle) error
	Recent(ctx context.Context, limit int) ([]Cycle, error)
}

// SQLiteJournal stores cycles in the session_cycles table.
type SQLiteJournal struct {
	db *database.DB
}

// NewSQLiteJournal creates a journal on a migrated database.
func NewSQLiteJournal(db *database.DB) *SQLiteJournal {
	return &SQLiteJournal{db: db}
}

// CycleStarted inserts a new cycle row.
func (j *SQLiteJournal) CycleStarted(ctx context.Context, c Cycle) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO session_cycles (id, client_id, started_at) VALUES (?, ?, ?)`,
		c.ID, c.ClientID, formatTime(c.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("recording cycle start: %w", err)
	}
	return nil
}

// CycleEnded fills in the credential, connection and outcome columns of a cycle.
func (j *SQLiteJournal) CycleEnded(ctx context.Context, c Cycle) error {
	_, err := j.db.ExecContext(ctx,
		`UPDATE session_cycles
		    SET issued_at = ?, expires_at = ?, connected_at = ?, ended_at = ?, outcome = ?, error = ?
		  WHERE id = ?`,
		nullTime(c.IssuedAt), nullTime(c.ExpiresAt), nullTime(c.ConnectedAt), nullTime(c.EndedAt),
		c.Outcome, nullString(c.Error), c.ID,
	)
	if err != nil {
		return fmt.Errorf("recording cycle end: %w", err)
	}
	return nil
}

// Recent returns the latest cycles, newest first.
func (j *SQLiteJournal) Recent(ctx context.Context, limit int) ([]Cycle, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, client_id, started_at, issued_at, expires_at, connected_at, ended_at, outcome, error
		   FROM session_cycles
		  ORDER BY started_at DESC, rowid DESC
		  LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying cycles: %w", err)
	}
	defer rows.Close()

	var cycles []Cycle
	for rows.Next() {
		var (
			c                                       Cycle
			started                                 string
			issued, expires, connected, ended, errs sql.NullString
			outcome                                 sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.ClientID, &started, &issued, &expires, &connected, &ended, &outcome, &errs); err != nil {
			return nil, fmt.Errorf("scanning cycle: %w", err)
		}
		c.StartedAt = parseTime(started)
		c.IssuedAt = parseTime(issued.String)
		c.ExpiresAt = parseTime(expires.String)
		c.ConnectedAt = parseTime(connected.String)
		c.EndedAt = parseTime(ended.String)
		c.Outcome = outcome.String
		c.Error = errs.String
		cycles = append(cycles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating cycles: %w", err)
	}
	return cycles, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
