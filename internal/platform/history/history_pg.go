package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MigrationSubmissionHistory is the SQL DDL for the submission_history
// table. It is safe to execute multiple times (uses IF NOT EXISTS). Callers
// can run this at application startup as an auto-migration step.
const MigrationSubmissionHistory = `
CREATE TABLE IF NOT EXISTS submission_history (
    id           TEXT PRIMARY KEY,
    subject      TEXT NOT NULL,
    role         TEXT NOT NULL DEFAULT '',
    session_id   TEXT NOT NULL,
    test_date    DATE NOT NULL,
    lab_name     TEXT NOT NULL DEFAULT '',
    doctor_name  TEXT NOT NULL DEFAULT '',
    record_count INTEGER NOT NULL,
    accepted     BOOLEAN NOT NULL,
    error        TEXT NOT NULL DEFAULT '',
    submitted_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_submission_history_subject
    ON submission_history (subject, submitted_at DESC);
`

// ---------------------------------------------------------------------------
// pgRow / pgRows / pgConn abstractions (allow unit testing without a real DB)
// ---------------------------------------------------------------------------

// pgRow represents a single row returned by QueryRow.
type pgRow interface {
	Scan(dest ...any) error
}

// pgRows represents a row set returned by Query.
type pgRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// pgConn is the minimal database interface required by PGRecorder. Both
// *pgxpool.Pool (via a thin adapter) and test mocks implement this.
type pgConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgRow
	Query(ctx context.Context, sql string, args ...any) (pgRows, error)
	Exec(ctx context.Context, sql string, args ...any) error
}

// ---------------------------------------------------------------------------
// PGRecorder
// ---------------------------------------------------------------------------

// PGRecorder is a PostgreSQL-backed Recorder.
type PGRecorder struct {
	db pgConn
}

// NewPGRecorder creates a PG-backed recorder. The db parameter must satisfy
// the pgConn interface -- use NewPGRecorderFromPool to wrap a *pgxpool.Pool,
// or pass a mock in tests.
func NewPGRecorder(db pgConn) *PGRecorder {
	return &PGRecorder{db: db}
}

// Record implements Recorder.
func (r *PGRecorder) Record(ctx context.Context, sub *Submission) error {
	id := sub.ID
	if id == "" {
		id = newID()
	}
	submittedAt := sub.SubmittedAt
	if submittedAt.IsZero() {
		submittedAt = time.Now().UTC()
	}

	const query = `INSERT INTO submission_history
(id, subject, role, session_id, test_date, lab_name, doctor_name, record_count, accepted, error, submitted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	if err := r.db.Exec(ctx, query,
		id, sub.Subject, sub.Role, sub.SessionID, sub.TestDate,
		sub.LabName, sub.DoctorName, sub.RecordCount,
		sub.Accepted, sub.Error, submittedAt,
	); err != nil {
		return fmt.Errorf("record submission: %w", err)
	}
	return nil
}

// ListBySubject implements Recorder.
func (r *PGRecorder) ListBySubject(ctx context.Context, subject string, limit, offset int) ([]*Submission, int, error) {
	if limit <= 0 {
		limit = 20
	}

	const countQuery = `SELECT count(*) FROM submission_history WHERE subject = $1`
	var total int
	if err := r.db.QueryRow(ctx, countQuery, subject).Scan(&total); err != nil {
		if isNoRows(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("count submissions: %w", err)
	}

	const query = `SELECT id, subject, role, session_id, test_date, lab_name, doctor_name,
record_count, accepted, error, submitted_at
FROM submission_history
WHERE subject = $1
ORDER BY submitted_at DESC
LIMIT $2 OFFSET $3`

	rows, err := r.db.Query(ctx, query, subject, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	var out []*Submission
	for rows.Next() {
		var s Submission
		if err := rows.Scan(
			&s.ID, &s.Subject, &s.Role, &s.SessionID, &s.TestDate,
			&s.LabName, &s.DoctorName, &s.RecordCount,
			&s.Accepted, &s.Error, &s.SubmittedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan submission: %w", err)
		}
		out = append(out, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list submissions: %w", err)
	}
	return out, total, nil
}

// isNoRows returns true when the error represents a "no rows" condition. It
// works with both pgx (pgx.ErrNoRows) and the mock used in tests.
func isNoRows(err error) bool {
	if err == pgx.ErrNoRows {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "no rows")
}

// ---------------------------------------------------------------------------
// pgxPoolWrapper adapts *pgxpool.Pool to the pgConn interface
// ---------------------------------------------------------------------------

// pgxPoolWrapper wraps a *pgxpool.Pool so it satisfies the pgConn interface.
// The adapter is necessary because pgxpool.Pool.Exec returns
// (pgconn.CommandTag, error) whereas pgConn.Exec returns only error.
type pgxPoolWrapper struct {
	pool *pgxpool.Pool
}

func (w *pgxPoolWrapper) QueryRow(ctx context.Context, sql string, args ...any) pgRow {
	return w.pool.QueryRow(ctx, sql, args...)
}

func (w *pgxPoolWrapper) Query(ctx context.Context, sql string, args ...any) (pgRows, error) {
	rows, err := w.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (w *pgxPoolWrapper) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := w.pool.Exec(ctx, sql, args...)
	return err
}

// NewPGRecorderFromPool creates a PG-backed recorder directly from a
// *pgxpool.Pool. This is the recommended constructor for production use.
func NewPGRecorderFromPool(pool *pgxpool.Pool) *PGRecorder {
	return &PGRecorder{db: &pgxPoolWrapper{pool: pool}}
}
