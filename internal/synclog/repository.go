package synclog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists sessions and entries.
type Repository interface {
	Open(ctx context.Context, s Session) (Session, error)
	Close(ctx context.Context, id int64, status Status, detail string, endedAt time.Time) (Session, error)
	Append(ctx context.Context, e Entry) error
	Get(ctx context.Context, id int64) (Session, error)
	FindByTicket(ctx context.Context, ticket string) (Session, error)
	List(ctx context.Context, companyID int64, limit int) ([]Session, error)
	Entries(ctx context.Context, sessionID int64) ([]Entry, error)
}

// PGRepository stores the log in sync_sessions and sync_log_entries.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PGRepository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const sessionColumns = `id, ticket, company_id, operation, direction, status, sent_count, completed_count,
	failed_count, discarded_count, error_detail, started_at, ended_at, duration_ms`

func scanSession(row pgx.Row) (Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.Ticket, &s.CompanyID, &s.Operation, &s.Direction, &s.Status, &s.SentCount,
		&s.CompletedCount, &s.FailedCount, &s.DiscardedCount, &s.ErrorDetail, &s.StartedAt, &s.EndedAt, &s.DurationMS)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	return s, err
}

// Open inserts a new session row.
func (r *PGRepository) Open(ctx context.Context, s Session) (Session, error) {
	out, err := scanSession(r.pool.QueryRow(ctx, `
		INSERT INTO sync_sessions (ticket, company_id, operation, direction, status, started_at)
		VALUES ($1, $2, $3, $4, 'open', $5)
		RETURNING `+sessionColumns, s.Ticket, s.CompanyID, s.Operation, s.Direction, s.StartedAt))
	if err != nil {
		return Session{}, fmt.Errorf("synclog: open: %w", err)
	}
	return out, nil
}

// Close ends an open session; closing twice keeps the first result.
func (r *PGRepository) Close(ctx context.Context, id int64, status Status, detail string, endedAt time.Time) (Session, error) {
	s, err := scanSession(r.pool.QueryRow(ctx, `
		UPDATE sync_sessions
		SET status = $2, error_detail = $3, ended_at = $4,
			duration_ms = GREATEST(0, (EXTRACT(EPOCH FROM ($4 - started_at)) * 1000)::bigint)
		WHERE id = $1 AND status = 'open'
		RETURNING `+sessionColumns, id, status, detail, endedAt))
	if errors.Is(err, ErrSessionNotFound) {
		return r.Get(ctx, id)
	}
	return s, err
}

// Append records an outcome row and bumps the matching session counter.
func (r *PGRepository) Append(ctx context.Context, e Entry) error {
	batch := &pgx.Batch{}
	batch.Queue(`INSERT INTO sync_log_entries (session_id, item_id, outcome, detail, recorded_at) VALUES ($1, $2, $3, $4, $5)`,
		e.SessionID, e.ItemID, e.Outcome, e.Detail, e.RecordedAt)
	if column := counterColumn(e.Outcome); column != "" {
		batch.Queue(`UPDATE sync_sessions SET `+column+` = `+column+` + 1 WHERE id = $1`, e.SessionID)
	}
	return r.pool.SendBatch(ctx, batch).Close()
}

func counterColumn(o Outcome) string {
	switch o {
	case OutcomeSent:
		return "sent_count"
	case OutcomeCompleted:
		return "completed_count"
	case OutcomeFailed:
		return "failed_count"
	case OutcomeDiscarded:
		return "discarded_count"
	}
	return ""
}

// Get loads a session by id.
func (r *PGRepository) Get(ctx context.Context, id int64) (Session, error) {
	return scanSession(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sync_sessions WHERE id = $1`, id))
}

// FindByTicket loads a session by its ticket.
func (r *PGRepository) FindByTicket(ctx context.Context, ticket string) (Session, error) {
	return scanSession(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sync_sessions WHERE ticket = $1`, ticket))
}

// List returns the most recent sessions of a company.
func (r *PGRepository) List(ctx context.Context, companyID int64, limit int) ([]Session, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+sessionColumns+` FROM sync_sessions WHERE company_id = $1 ORDER BY started_at DESC, id DESC LIMIT $2`, companyID, limit)
	if err != nil {
		return nil, fmt.Errorf("synclog: list: %w", err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Entries returns outcome rows of a session in order.
func (r *PGRepository) Entries(ctx context.Context, sessionID int64) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, session_id, item_id, outcome, detail, recorded_at
		FROM sync_log_entries WHERE session_id = $1 ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("synclog: entries: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.ItemID, &e.Outcome, &e.Detail, &e.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
