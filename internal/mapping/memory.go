package mapping

import (
	"context"
	"sync"
	"time"
)

// MemoryRepository keeps mapping rows in memory. Deactivated rows stay in
// the history so the latest state of a retired employee can still be read.
type MemoryRepository struct {
	mu     sync.Mutex
	nextID int64
	rows   []Mapping
	now    func() time.Time
}

// NewMemoryRepository constructs an empty in-memory mapping store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{now: time.Now}
}

// latest returns the index of the active row, or of the most recent
// inactive one when the personnel record was retired.
func (r *MemoryRepository) latest(personnelID int64) int {
	found := -1
	for i, m := range r.rows {
		if m.PersonnelID != personnelID {
			continue
		}
		if m.Active {
			return i
		}
		found = i
	}
	return found
}

func (r *MemoryRepository) active(personnelID int64) int {
	idx := r.latest(personnelID)
	if idx < 0 || !r.rows[idx].Active {
		return -1
	}
	return idx
}

// GetActive returns the active mapping.
func (r *MemoryRepository) GetActive(_ context.Context, personnelID int64) (Mapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.active(personnelID)
	if idx < 0 {
		return Mapping{}, ErrMappingNotFound
	}
	return r.rows[idx], nil
}

// GetLatest returns the active mapping or the most recently retired one.
func (r *MemoryRepository) GetLatest(_ context.Context, personnelID int64) (Mapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.latest(personnelID)
	if idx < 0 {
		return Mapping{}, ErrMappingNotFound
	}
	return r.rows[idx], nil
}

// List returns active mappings of a company.
func (r *MemoryRepository) List(_ context.Context, companyID int64) ([]Mapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Mapping
	for _, m := range r.rows {
		if m.CompanyID == companyID && m.Active {
			out = append(out, m)
		}
	}
	return out, nil
}

// Save creates the active mapping or renames it.
func (r *MemoryRepository) Save(_ context.Context, companyID, personnelID int64, displayName string) (Mapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	idx := r.active(personnelID)
	if idx < 0 {
		r.nextID++
		r.rows = append(r.rows, Mapping{ID: r.nextID, CompanyID: companyID, PersonnelID: personnelID, Active: true, CreatedAt: now})
		idx = len(r.rows) - 1
	}
	m := &r.rows[idx]
	m.DisplayName = displayName
	m.SyncStatus = SyncPending
	m.UpdatedAt = now
	return *m, nil
}

// ApplyExternalIdentity updates the latest row.
func (r *MemoryRepository) ApplyExternalIdentity(_ context.Context, personnelID int64, externalID, editSequence string) (Mapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.latest(personnelID)
	if idx < 0 {
		return Mapping{}, ErrMappingNotFound
	}
	m := &r.rows[idx]
	m.ExternalID = externalID
	m.EditSequence = editSequence
	m.SyncStatus = SyncSynced
	m.UpdatedAt = r.now()
	return *m, nil
}

// SetStatus updates the sync status of the latest row.
func (r *MemoryRepository) SetStatus(_ context.Context, personnelID int64, status SyncStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.latest(personnelID)
	if idx < 0 {
		return ErrMappingNotFound
	}
	r.rows[idx].SyncStatus = status
	r.rows[idx].UpdatedAt = r.now()
	return nil
}

// Deactivate retires the active row.
func (r *MemoryRepository) Deactivate(_ context.Context, personnelID int64) (Mapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.active(personnelID)
	if idx < 0 {
		return Mapping{}, ErrMappingNotFound
	}
	r.rows[idx].Active = false
	r.rows[idx].UpdatedAt = r.now()
	return r.rows[idx], nil
}
