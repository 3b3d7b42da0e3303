package connection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/payroll-sync/internal/platform/db"
	"github.com/odyssey-erp/payroll-sync/internal/shared"
)

// Repository persists connection records.
type Repository interface {
	GetByCompany(ctx context.Context, companyID int64) (Connection, error)
	GetByUsername(ctx context.Context, username string) (Connection, error)
	Save(ctx context.Context, in SaveInput, secretHash string) (Connection, error)
	MarkStatus(ctx context.Context, companyID int64, status Status, lastError string, contactAt *time.Time) error
	MarkIdleDisconnected(ctx context.Context, now time.Time) (int64, error)
}

// PGRepository stores connections in bookkeeping_connections.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PGRepository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const connectionColumns = `id, company_id, company_name, agent_username, secret_hash, sync_time_entries, sync_pay_stubs,
	sync_employees, auto_sync_minutes, regular_pay_item, overtime_pay_item, enabled, status, last_error,
	last_contact_at, created_at, updated_at`

func scanConnection(row pgx.Row) (Connection, error) {
	var c Connection
	err := row.Scan(&c.ID, &c.CompanyID, &c.CompanyName, &c.AgentUsername, &c.SecretHash, &c.SyncTimeEntries,
		&c.SyncPayStubs, &c.SyncEmployees, &c.AutoSyncMinutes, &c.RegularPayItem, &c.OvertimePayItem, &c.Enabled,
		&c.Status, &c.LastError, &c.LastContactAt, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Connection{}, ErrConnectionNotFound
	}
	return c, err
}

// GetByCompany loads the connection of a company.
func (r *PGRepository) GetByCompany(ctx context.Context, companyID int64) (Connection, error) {
	return scanConnection(r.pool.QueryRow(ctx, `SELECT `+connectionColumns+` FROM bookkeeping_connections WHERE company_id = $1`, companyID))
}

// GetByUsername loads the connection an agent authenticates against.
func (r *PGRepository) GetByUsername(ctx context.Context, username string) (Connection, error) {
	return scanConnection(r.pool.QueryRow(ctx, `SELECT `+connectionColumns+` FROM bookkeeping_connections WHERE agent_username = $1`, username))
}

// Save upserts the connection; an empty secretHash keeps the stored one.
func (r *PGRepository) Save(ctx context.Context, in SaveInput, secretHash string) (Connection, error) {
	c, err := scanConnection(r.pool.QueryRow(ctx, `
		INSERT INTO bookkeeping_connections (company_id, company_name, agent_username, secret_hash, sync_time_entries,
			sync_pay_stubs, sync_employees, auto_sync_minutes, regular_pay_item, overtime_pay_item, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (company_id) DO UPDATE SET
			company_name = EXCLUDED.company_name,
			agent_username = EXCLUDED.agent_username,
			secret_hash = CASE WHEN EXCLUDED.secret_hash = '' THEN bookkeeping_connections.secret_hash ELSE EXCLUDED.secret_hash END,
			sync_time_entries = EXCLUDED.sync_time_entries,
			sync_pay_stubs = EXCLUDED.sync_pay_stubs,
			sync_employees = EXCLUDED.sync_employees,
			auto_sync_minutes = EXCLUDED.auto_sync_minutes,
			regular_pay_item = EXCLUDED.regular_pay_item,
			overtime_pay_item = EXCLUDED.overtime_pay_item,
			enabled = EXCLUDED.enabled,
			updated_at = NOW()
		RETURNING `+connectionColumns,
		in.CompanyID, in.CompanyName, in.AgentUsername, secretHash, in.SyncTimeEntries, in.SyncPayStubs,
		in.SyncEmployees, in.AutoSyncMinutes, in.RegularPayItem, in.OvertimePayItem, in.Enabled))
	if err != nil && db.IsUniqueViolation(err) {
		return Connection{}, shared.ValidationError("agent username %q already in use", in.AgentUsername)
	}
	if err != nil {
		return Connection{}, fmt.Errorf("connection: save: %w", err)
	}
	return c, nil
}

// MarkStatus records the link state. A nil contactAt keeps the last contact.
func (r *PGRepository) MarkStatus(ctx context.Context, companyID int64, status Status, lastError string, contactAt *time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE bookkeeping_connections
		SET status = $2, last_error = $3, last_contact_at = COALESCE($4, last_contact_at), updated_at = NOW()
		WHERE company_id = $1`, companyID, status, lastError, contactAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConnectionNotFound
	}
	return nil
}

// MarkIdleDisconnected flips connected links to disconnected when the agent
// missed three auto-sync intervals.
func (r *PGRepository) MarkIdleDisconnected(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE bookkeeping_connections
		SET status = 'disconnected', updated_at = $1
		WHERE status = 'connected' AND auto_sync_minutes > 0 AND last_contact_at IS NOT NULL
			AND last_contact_at < $1 - make_interval(mins => auto_sync_minutes * 3)`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
