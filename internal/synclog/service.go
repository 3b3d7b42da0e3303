package synclog

import (
	"context"
	"log/slog"
	"time"
)

// Log records session lifecycles and item outcomes.
type Log struct {
	repo   Repository
	logger *slog.Logger
	now    func() time.Time
}

// NewLog constructs a Log.
func NewLog(repo Repository, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{repo: repo, logger: logger, now: time.Now}
}

// WithClock overrides the time source.
func (l *Log) WithClock(now func() time.Time) *Log {
	l.now = now
	return l
}

// Open starts a session for a company.
func (l *Log) Open(ctx context.Context, companyID int64, ticket, operation string, direction Direction) (Session, error) {
	return l.repo.Open(ctx, Session{
		Ticket:    ticket,
		CompanyID: companyID,
		Operation: operation,
		Direction: direction,
		Status:    StatusOpen,
		StartedAt: l.now(),
	})
}

// Close ends a session. A non-empty errorDetail closes it in error.
func (l *Log) Close(ctx context.Context, sessionID int64, errorDetail string) (Session, error) {
	status := StatusClosed
	if errorDetail != "" {
		status = StatusError
	}
	s, err := l.repo.Close(ctx, sessionID, status, errorDetail, l.now())
	if err != nil {
		return Session{}, err
	}
	l.logger.Info("sync session closed",
		slog.Int64("session_id", s.ID),
		slog.Int64("company_id", s.CompanyID),
		slog.String("status", string(s.Status)),
		slog.Int("sent", s.SentCount),
		slog.Int("completed", s.CompletedCount),
		slog.Int("failed", s.FailedCount),
		slog.Int("discarded", s.DiscardedCount),
		slog.Int64("duration_ms", s.DurationMS),
	)
	return s, nil
}

// RecordOutcome appends an item outcome. itemID may be zero for exchanges
// that could not be tied to an item.
func (l *Log) RecordOutcome(ctx context.Context, sessionID, itemID int64, outcome Outcome, detail string) error {
	var item *int64
	if itemID > 0 {
		item = &itemID
	}
	return l.repo.Append(ctx, Entry{
		SessionID:  sessionID,
		ItemID:     item,
		Outcome:    outcome,
		Detail:     detail,
		RecordedAt: l.now(),
	})
}

// Get loads a session.
func (l *Log) Get(ctx context.Context, sessionID int64) (Session, error) {
	return l.repo.Get(ctx, sessionID)
}

// FindByTicket loads the session a ticket was issued for.
func (l *Log) FindByTicket(ctx context.Context, ticket string) (Session, error) {
	return l.repo.FindByTicket(ctx, ticket)
}

// List returns recent sessions of a company.
func (l *Log) List(ctx context.Context, companyID int64, limit int) ([]Session, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return l.repo.List(ctx, companyID, limit)
}

// Entries returns the outcomes recorded for a session.
func (l *Log) Entries(ctx context.Context, sessionID int64) ([]Entry, error) {
	return l.repo.Entries(ctx, sessionID)
}
