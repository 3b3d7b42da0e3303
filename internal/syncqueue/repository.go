package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/payroll-sync/internal/platform/db"
)

// Repository is the persistence boundary of the queue.
type Repository interface {
	Upsert(ctx context.Context, in Prepared, now time.Time) (Item, bool, error)
	Claim(ctx context.Context, p ClaimParams, w ClaimWindow) ([]Item, error)
	SetRequestPayload(ctx context.Context, id int64, attempt int, doc string) error
	Resolve(ctx context.Context, in ResolveInput) (Item, error)
	Get(ctx context.Context, id int64) (Item, error)
	BatchCounts(ctx context.Context, batchKey string) (Counts, error)
	CompanyCounts(ctx context.Context, companyID int64) (Counts, error)
	List(ctx context.Context, filter ListFilter) ([]Item, error)
	ExpireStale(ctx context.Context, staleBefore, now time.Time) (int64, error)
}

// ResolveInput is the persisted form of a Resolution.
type ResolveInput struct {
	ItemID    int64
	Attempt   int
	Success   bool
	Retryable bool
	Response  string
	ErrorCode string
	Message   string
	At        time.Time
}

// ListFilter narrows item listings.
type ListFilter struct {
	CompanyID int64
	Status    Status
	BatchKey  string
	Limit     int
}

// PGRepository implements Repository over any pgx connection, pool, or
// transaction.
type PGRepository struct {
	db db.DBTX
}

// NewRepository constructs a PGRepository.
func NewRepository(conn db.DBTX) *PGRepository {
	return &PGRepository{db: conn}
}

const itemColumns = `id, company_id, item_type, action, reference_type, reference_id, batch_key,
	payload::text, request_payload, response_payload, status, priority, attempts, max_attempts,
	session_id, last_error, error_code, last_attempt_at, completed_at, created_at, updated_at`

func scanItem(row pgx.Row, extra ...any) (Item, error) {
	var (
		item    Item
		payload string
	)
	dest := []any{
		&item.ID, &item.CompanyID, &item.Type, &item.Action, &item.ReferenceType, &item.ReferenceID, &item.BatchKey,
		&payload, &item.RequestPayload, &item.ResponsePayload, &item.Status, &item.Priority, &item.Attempts, &item.MaxAttempts,
		&item.SessionID, &item.LastError, &item.ErrorCode, &item.LastAttemptAt, &item.CompletedAt, &item.CreatedAt, &item.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return Item{}, err
	}
	item.Payload = []byte(payload)
	return item, nil
}

func collectItems(rows pgx.Rows) ([]Item, error) {
	defer rows.Close()
	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

const upsertBatchedSQL = `
INSERT INTO sync_queue_items (company_id, item_type, action, reference_type, reference_id, batch_key, payload, priority, max_attempts, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10, $10)
ON CONFLICT (batch_key, reference_type, reference_id, item_type) WHERE batch_key <> ''
DO UPDATE SET
	action = EXCLUDED.action,
	payload = EXCLUDED.payload,
	priority = EXCLUDED.priority,
	updated_at = EXCLUDED.updated_at,
	status = 'pending',
	attempts = CASE WHEN sync_queue_items.status = 'failed' THEN 0 ELSE sync_queue_items.attempts END,
	max_attempts = CASE WHEN sync_queue_items.status = 'failed' THEN EXCLUDED.max_attempts ELSE sync_queue_items.max_attempts END,
	last_error = CASE WHEN sync_queue_items.status = 'failed' THEN '' ELSE sync_queue_items.last_error END,
	error_code = CASE WHEN sync_queue_items.status = 'failed' THEN '' ELSE sync_queue_items.error_code END
WHERE sync_queue_items.status = 'pending' OR (sync_queue_items.status = 'failed' AND $11)
RETURNING ` + itemColumns + `, (xmax = 0)`

const upsertActiveSQL = `
INSERT INTO sync_queue_items (company_id, item_type, action, reference_type, reference_id, batch_key, payload, priority, max_attempts, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, '', $6::jsonb, $7, $8, $9, $9)
ON CONFLICT (reference_type, reference_id, item_type) WHERE batch_key = '' AND status IN ('pending', 'processing')
DO UPDATE SET
	action = EXCLUDED.action,
	payload = EXCLUDED.payload,
	priority = EXCLUDED.priority,
	updated_at = EXCLUDED.updated_at
WHERE sync_queue_items.status = 'pending'
RETURNING ` + itemColumns + `, (xmax = 0)`

// Upsert inserts the item or refreshes its pending twin. The boolean reports
// whether a new row was created. A twin that is processing or completed, or
// failed without ResetFailed, is returned unchanged.
func (r *PGRepository) Upsert(ctx context.Context, in Prepared, now time.Time) (Item, bool, error) {
	var row pgx.Row
	if in.BatchKey != "" {
		row = r.db.QueryRow(ctx, upsertBatchedSQL,
			in.CompanyID, in.Type, in.Action, in.ReferenceType, in.ReferenceID, in.BatchKey,
			string(in.RawPayload), in.Priority, in.MaxAttempts, now, in.ResetFailed)
	} else {
		row = r.db.QueryRow(ctx, upsertActiveSQL,
			in.CompanyID, in.Type, in.Action, in.ReferenceType, in.ReferenceID,
			string(in.RawPayload), in.Priority, in.MaxAttempts, now)
	}
	var inserted bool
	item, err := scanItem(row, &inserted)
	if err == nil {
		return item, inserted, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Item{}, false, fmt.Errorf("syncqueue: upsert: %w", err)
	}
	existing, err := r.findTwin(ctx, in)
	if err != nil {
		return Item{}, false, err
	}
	return existing, false, nil
}

func (r *PGRepository) findTwin(ctx context.Context, in Prepared) (Item, error) {
	var row pgx.Row
	if in.BatchKey != "" {
		row = r.db.QueryRow(ctx, `SELECT `+itemColumns+` FROM sync_queue_items
			WHERE batch_key = $1 AND reference_type = $2 AND reference_id = $3 AND item_type = $4`,
			in.BatchKey, in.ReferenceType, in.ReferenceID, in.Type)
	} else {
		row = r.db.QueryRow(ctx, `SELECT `+itemColumns+` FROM sync_queue_items
			WHERE batch_key = '' AND reference_type = $1 AND reference_id = $2 AND item_type = $3
			AND status IN ('pending', 'processing')`,
			in.ReferenceType, in.ReferenceID, in.Type)
	}
	item, err := scanItem(row)
	if err != nil {
		return Item{}, fmt.Errorf("syncqueue: load existing item: %w", err)
	}
	return item, nil
}

const claimSQL = `
WITH candidates AS (
	SELECT id AS candidate_id FROM sync_queue_items
	WHERE company_id = $1
		AND item_type = ANY($2::text[])
		AND attempts < max_attempts
		AND ((status = 'pending' AND (attempts = 0 OR last_attempt_at IS NULL OR last_attempt_at <= $7))
			OR (status = 'processing' AND last_attempt_at < $3))
	ORDER BY priority, created_at, id
	LIMIT $4
	FOR UPDATE SKIP LOCKED
)
UPDATE sync_queue_items q
SET status = 'processing',
	attempts = q.attempts + 1,
	last_attempt_at = $5,
	session_id = $6,
	request_payload = '',
	updated_at = $5
FROM candidates
WHERE q.id = candidates.candidate_id
RETURNING ` + itemColumns

// Claim moves up to p.Max eligible items to processing. Rows locked by a
// concurrent claim are skipped, so no item is handed out twice.
func (r *PGRepository) Claim(ctx context.Context, p ClaimParams, w ClaimWindow) ([]Item, error) {
	types := make([]string, 0, len(p.Types))
	for _, t := range p.Types {
		types = append(types, string(t))
	}
	var session *int64
	if p.SessionID > 0 {
		session = &p.SessionID
	}
	rows, err := r.db.Query(ctx, claimSQL, p.CompanyID, types, w.StaleBefore, p.Max, w.Now, session, w.RetryBefore)
	if err != nil {
		return nil, fmt.Errorf("syncqueue: claim: %w", err)
	}
	items, err := collectItems(rows)
	if err != nil {
		return nil, fmt.Errorf("syncqueue: claim: %w", err)
	}
	return items, nil
}

// SetRequestPayload stores the rendered wire document for the live attempt.
func (r *PGRepository) SetRequestPayload(ctx context.Context, id int64, attempt int, doc string) error {
	_, err := r.db.Exec(ctx, `UPDATE sync_queue_items SET request_payload = $3
		WHERE id = $1 AND attempts = $2 AND status = 'processing'`, id, attempt, doc)
	return err
}

const resolveSQL = `
UPDATE sync_queue_items SET
	status = CASE
		WHEN $3 THEN 'completed'
		WHEN $4 AND attempts < max_attempts THEN 'pending'
		ELSE 'failed' END,
	response_payload = $5,
	error_code = CASE WHEN $3 THEN '' ELSE $6 END,
	last_error = CASE WHEN $3 THEN '' ELSE $7 END,
	completed_at = CASE WHEN $3 THEN $8 ELSE completed_at END,
	updated_at = $8
WHERE id = $1 AND status = 'processing' AND attempts = $2
RETURNING ` + itemColumns

// Resolve applies an attempt outcome. It only touches the row when it is still
// processing the same attempt.
func (r *PGRepository) Resolve(ctx context.Context, in ResolveInput) (Item, error) {
	item, err := scanItem(r.db.QueryRow(ctx, resolveSQL,
		in.ItemID, in.Attempt, in.Success, in.Retryable, in.Response, in.ErrorCode, in.Message, in.At))
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Item{}, fmt.Errorf("syncqueue: resolve: %w", err)
	}
	if _, err := r.Get(ctx, in.ItemID); err != nil {
		return Item{}, err
	}
	return Item{}, ErrStaleResolution
}

// Get loads one item.
func (r *PGRepository) Get(ctx context.Context, id int64) (Item, error) {
	item, err := scanItem(r.db.QueryRow(ctx, `SELECT `+itemColumns+` FROM sync_queue_items WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Item{}, ErrItemNotFound
	}
	if err != nil {
		return Item{}, fmt.Errorf("syncqueue: get: %w", err)
	}
	return item, nil
}

// BatchCounts aggregates statuses within one batch.
func (r *PGRepository) BatchCounts(ctx context.Context, batchKey string) (Counts, error) {
	return r.counts(ctx, `SELECT status, COUNT(*) FROM sync_queue_items WHERE batch_key = $1 GROUP BY status`, batchKey)
}

// CompanyCounts aggregates statuses for a company.
func (r *PGRepository) CompanyCounts(ctx context.Context, companyID int64) (Counts, error) {
	return r.counts(ctx, `SELECT status, COUNT(*) FROM sync_queue_items WHERE company_id = $1 GROUP BY status`, companyID)
}

func (r *PGRepository) counts(ctx context.Context, query string, arg any) (Counts, error) {
	rows, err := r.db.Query(ctx, query, arg)
	if err != nil {
		return Counts{}, fmt.Errorf("syncqueue: counts: %w", err)
	}
	defer rows.Close()
	var c Counts
	for rows.Next() {
		var (
			status Status
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, err
		}
		c.add(status, n)
	}
	return c, rows.Err()
}

// List returns items matching the filter, newest first.
func (r *PGRepository) List(ctx context.Context, filter ListFilter) ([]Item, error) {
	query := `SELECT ` + itemColumns + ` FROM sync_queue_items WHERE company_id = $1`
	args := []any{filter.CompanyID}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.BatchKey != "" {
		args = append(args, filter.BatchKey)
		query += fmt.Sprintf(" AND batch_key = $%d", len(args))
	}
	args = append(args, filter.Limit)
	query += fmt.Sprintf(" ORDER BY updated_at DESC, id DESC LIMIT $%d", len(args))
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("syncqueue: list: %w", err)
	}
	return collectItems(rows)
}

// ExpireStale fails processing items whose lease lapsed with no attempts left.
func (r *PGRepository) ExpireStale(ctx context.Context, staleBefore, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `UPDATE sync_queue_items
		SET status = 'failed', error_code = 'timeout', last_error = 'processing timed out', updated_at = $2
		WHERE status = 'processing' AND last_attempt_at < $1 AND attempts >= max_attempts`, staleBefore, now)
	if err != nil {
		return 0, fmt.Errorf("syncqueue: expire stale: %w", err)
	}
	return tag.RowsAffected(), nil
}
