package syncqueue

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/payroll-sync/internal/shared"
)

// Config tunes retry and lease behaviour.
type Config struct {
	MaxAttempts int
	StaleAfter  time.Duration
	// RetryBackoff holds an item returned to pending after a failed attempt
	// back from claims until this long after that attempt. Zero retries at
	// once.
	RetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 15 * time.Minute
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	return c
}

// Service orchestrates queue operations.
type Service struct {
	repo     Repository
	cfg      Config
	validate *validator.Validate
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewService builds a queue service.
func NewService(repo Repository, cfg Config, metrics *Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		cfg:      cfg.withDefaults(),
		validate: validator.New(),
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// StaleAfter reports the processing lease length.
func (s *Service) StaleAfter() time.Duration { return s.cfg.StaleAfter }

// Prepare validates the payload against its tagged schema and fills defaults.
// The result can be persisted by any Repository, including one bound to a
// caller's transaction.
func (s *Service) Prepare(in NewItem) (Prepared, error) {
	if in.CompanyID <= 0 {
		return Prepared{}, shared.ValidationError("syncqueue: company id required")
	}
	if in.ReferenceType == "" || in.ReferenceID == "" {
		return Prepared{}, shared.ValidationError("syncqueue: reference required")
	}
	raw, err := validatePayload(s.validate, in.Type, in.Action, in.Payload)
	if err != nil {
		return Prepared{}, err
	}
	if in.MaxAttempts <= 0 {
		in.MaxAttempts = s.cfg.MaxAttempts
	}
	if in.Priority == 0 {
		in.Priority = defaultPriority(in.Type)
	}
	return Prepared{NewItem: in, RawPayload: raw}, nil
}

func defaultPriority(t ItemType) int {
	switch t {
	case TypeEmployee:
		return PriorityEmployee
	case TypePaycheckQuery:
		return PriorityPaycheckQuery
	default:
		return PriorityTimeEntry
	}
}

// Enqueue validates and stores an item. Repeating the call for the same
// reference refreshes the pending item rather than duplicating it.
func (s *Service) Enqueue(ctx context.Context, in NewItem) (Item, error) {
	prepared, err := s.Prepare(in)
	if err != nil {
		return Item{}, err
	}
	item, created, err := s.repo.Upsert(ctx, prepared, s.now())
	if err != nil {
		return Item{}, err
	}
	s.metrics.observeEnqueue(item)
	s.logger.Debug("queue item enqueued", slog.Int64("item_id", item.ID), slog.String("type", string(item.Type)),
		slog.String("reference", item.ReferenceType+":"+item.ReferenceID), slog.Bool("created", created))
	return item, nil
}

// Observe records metrics for items persisted outside Enqueue.
func (s *Service) Observe(items ...Item) {
	for _, item := range items {
		s.metrics.observeEnqueue(item)
	}
}

// ClaimBatch hands at most p.Max items to a session, ordered by priority then
// age. Processing items whose lease lapsed are eligible again while they have
// attempts left. Pending retries wait out the configured backoff.
func (s *Service) ClaimBatch(ctx context.Context, p ClaimParams) ([]Item, error) {
	if p.CompanyID <= 0 {
		return nil, shared.ValidationError("syncqueue: company id required")
	}
	if p.Max < 1 {
		return nil, shared.ValidationError("syncqueue: claim size must be positive")
	}
	if len(p.Types) == 0 {
		p.Types = AllTypes
	}
	now := s.now()
	staleBefore := now.Add(-s.cfg.StaleAfter)
	if _, err := s.expire(ctx, staleBefore, now); err != nil {
		return nil, err
	}
	items, err := s.repo.Claim(ctx, p, ClaimWindow{
		Now:         now,
		StaleBefore: staleBefore,
		RetryBefore: now.Add(-s.cfg.RetryBackoff),
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	s.metrics.observeClaim(items)
	return items, nil
}

// RecordRequest stores the wire document sent for the claimed attempt.
func (s *Service) RecordRequest(ctx context.Context, item Item, doc string) error {
	return s.repo.SetRequestPayload(ctx, item.ID, item.Attempts, doc)
}

// Resolve records the outcome of one attempt. Transient failures go back to
// pending until the attempt budget is spent; anything else is final.
func (s *Service) Resolve(ctx context.Context, res Resolution) (Item, error) {
	if res.ItemID <= 0 || res.Attempt <= 0 {
		return Item{}, shared.ValidationError("syncqueue: resolution needs item and attempt")
	}
	in := ResolveInput{
		ItemID:   res.ItemID,
		Attempt:  res.Attempt,
		Response: res.Response,
		At:       s.now(),
	}
	switch res.Outcome {
	case OutcomeSuccess:
		in.Success = true
	case OutcomeFailure:
		in.Retryable = errors.Is(res.Err, shared.ErrTransientSync)
		in.Message = "unknown failure"
		var syncErr *shared.SyncError
		if errors.As(res.Err, &syncErr) {
			in.ErrorCode = syncErr.Code
		}
		if res.Err != nil {
			in.Message = res.Err.Error()
		}
	default:
		return Item{}, shared.ValidationError("syncqueue: unknown outcome %q", res.Outcome)
	}
	item, err := s.repo.Resolve(ctx, in)
	if err != nil {
		if errors.Is(err, ErrStaleResolution) {
			s.logger.Info("stale resolution discarded", slog.Int64("item_id", res.ItemID), slog.Int("attempt", res.Attempt))
		}
		return Item{}, err
	}
	s.metrics.observeResolution(item)
	if item.Status == StatusFailed {
		s.logger.Warn("queue item failed", slog.Int64("item_id", item.ID), slog.String("type", string(item.Type)),
			slog.Int("attempts", item.Attempts), slog.String("error", item.LastError))
	}
	return item, nil
}

// ExpireStale fails processing items whose lease lapsed and have no attempts
// left.
func (s *Service) ExpireStale(ctx context.Context) (int64, error) {
	now := s.now()
	return s.expire(ctx, now.Add(-s.cfg.StaleAfter), now)
}

func (s *Service) expire(ctx context.Context, staleBefore, now time.Time) (int64, error) {
	n, err := s.repo.ExpireStale(ctx, staleBefore, now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.metrics.observeExpired(n)
		s.logger.Warn("expired stale queue items", slog.Int64("count", n))
	}
	return n, nil
}

// Get returns one item.
func (s *Service) Get(ctx context.Context, id int64) (Item, error) {
	return s.repo.Get(ctx, id)
}

// BatchCounts aggregates statuses for one batch key.
func (s *Service) BatchCounts(ctx context.Context, batchKey string) (Counts, error) {
	return s.repo.BatchCounts(ctx, batchKey)
}

// Counts aggregates statuses for a company.
func (s *Service) Counts(ctx context.Context, companyID int64) (Counts, error) {
	return s.repo.CompanyCounts(ctx, companyID)
}

// ListFailed returns failed items for operator review.
func (s *Service) ListFailed(ctx context.Context, companyID int64, limit int) ([]Item, error) {
	return s.List(ctx, ListFilter{CompanyID: companyID, Status: StatusFailed, Limit: limit})
}

// List returns items matching filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Item, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return s.repo.List(ctx, filter)
}
