package mapping

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/payroll-sync/internal/platform/db"
)

// Repository persists mappings.
type Repository interface {
	GetActive(ctx context.Context, personnelID int64) (Mapping, error)
	GetLatest(ctx context.Context, personnelID int64) (Mapping, error)
	List(ctx context.Context, companyID int64) ([]Mapping, error)
	Save(ctx context.Context, companyID, personnelID int64, displayName string) (Mapping, error)
	ApplyExternalIdentity(ctx context.Context, personnelID int64, externalID, editSequence string) (Mapping, error)
	SetStatus(ctx context.Context, personnelID int64, status SyncStatus) error
	Deactivate(ctx context.Context, personnelID int64) (Mapping, error)
}

// PGRepository stores mappings in employee_mappings.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PGRepository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const mappingColumns = `id, company_id, personnel_id, external_id, display_name, edit_sequence, sync_status, active, created_at, updated_at`

func scanMapping(row pgx.Row) (Mapping, error) {
	var m Mapping
	err := row.Scan(&m.ID, &m.CompanyID, &m.PersonnelID, &m.ExternalID, &m.DisplayName, &m.EditSequence,
		&m.SyncStatus, &m.Active, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Mapping{}, ErrMappingNotFound
	}
	return m, err
}

// GetActive loads the active mapping for a personnel record.
func (r *PGRepository) GetActive(ctx context.Context, personnelID int64) (Mapping, error) {
	return scanMapping(r.pool.QueryRow(ctx, `SELECT `+mappingColumns+` FROM employee_mappings WHERE personnel_id = $1 AND active`, personnelID))
}

const latestMappingSQL = `SELECT id FROM employee_mappings WHERE personnel_id = $1
	ORDER BY active DESC, id DESC LIMIT 1`

// GetLatest loads the active mapping, or the most recently retired one when the
// personnel record no longer has an active mapping.
func (r *PGRepository) GetLatest(ctx context.Context, personnelID int64) (Mapping, error) {
	return scanMapping(r.pool.QueryRow(ctx, `SELECT `+mappingColumns+` FROM employee_mappings
		WHERE id = (`+latestMappingSQL+`)`, personnelID))
}

// List returns active mappings for a company.
func (r *PGRepository) List(ctx context.Context, companyID int64) ([]Mapping, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+mappingColumns+` FROM employee_mappings WHERE company_id = $1 AND active ORDER BY display_name, id`, companyID)
	if err != nil {
		return nil, fmt.Errorf("mapping: list: %w", err)
	}
	defer rows.Close()
	var out []Mapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Save creates the active mapping or renames it, marking it pending sync.
func (r *PGRepository) Save(ctx context.Context, companyID, personnelID int64, displayName string) (Mapping, error) {
	now := time.Now()
	m, err := scanMapping(r.pool.QueryRow(ctx, `
		INSERT INTO employee_mappings (company_id, personnel_id, display_name, sync_status, active, created_at, updated_at)
		VALUES ($1, $2, $3, 'pending', TRUE, $4, $4)
		ON CONFLICT (personnel_id) WHERE active
		DO UPDATE SET display_name = EXCLUDED.display_name, sync_status = 'pending', updated_at = EXCLUDED.updated_at
		RETURNING `+mappingColumns, companyID, personnelID, displayName, now))
	if err != nil && db.IsUniqueViolation(err) {
		return r.GetActive(ctx, personnelID)
	}
	return m, err
}

// ApplyExternalIdentity stores the ledger's list id and edit sequence on the
// latest mapping. A retired mapping still receives the answer to its final
// inactive modify.
func (r *PGRepository) ApplyExternalIdentity(ctx context.Context, personnelID int64, externalID, editSequence string) (Mapping, error) {
	return scanMapping(r.pool.QueryRow(ctx, `
		UPDATE employee_mappings
		SET external_id = $2, edit_sequence = $3, sync_status = 'synced', updated_at = NOW()
		WHERE id = (`+latestMappingSQL+`)
		RETURNING `+mappingColumns, personnelID, externalID, editSequence))
}

// SetStatus updates the sync status of the latest mapping.
func (r *PGRepository) SetStatus(ctx context.Context, personnelID int64, status SyncStatus) error {
	_, err := r.pool.Exec(ctx, `UPDATE employee_mappings SET sync_status = $2, updated_at = NOW()
		WHERE id = (`+latestMappingSQL+`)`, personnelID, status)
	return err
}

// Deactivate retires the active mapping and returns its final state.
func (r *PGRepository) Deactivate(ctx context.Context, personnelID int64) (Mapping, error) {
	return scanMapping(r.pool.QueryRow(ctx, `
		UPDATE employee_mappings SET active = FALSE, updated_at = NOW()
		WHERE personnel_id = $1 AND active
		RETURNING `+mappingColumns, personnelID))
}
