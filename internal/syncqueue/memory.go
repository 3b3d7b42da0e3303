package syncqueue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is an in-process Repository with the same claim and
// resolve semantics as the Postgres store. It backs tests and local runs.
type MemoryRepository struct {
	mu     sync.Mutex
	nextID int64
	items  map[int64]*Item
}

// NewMemoryRepository returns an empty store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{items: make(map[int64]*Item)}
}

func (m *MemoryRepository) twin(in Prepared) *Item {
	for _, item := range m.items {
		if item.ReferenceType != in.ReferenceType || item.ReferenceID != in.ReferenceID || item.Type != in.Type {
			continue
		}
		if in.BatchKey != "" && item.BatchKey == in.BatchKey {
			return item
		}
		if in.BatchKey == "" && item.BatchKey == "" && (item.Status == StatusPending || item.Status == StatusProcessing) {
			return item
		}
	}
	return nil
}

// Upsert implements Repository.
func (m *MemoryRepository) Upsert(_ context.Context, in Prepared, now time.Time) (Item, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.twin(in); existing != nil {
		switch {
		case existing.Status == StatusPending:
			existing.Action = in.Action
			existing.Payload = append([]byte(nil), in.RawPayload...)
			existing.Priority = in.Priority
			existing.UpdatedAt = now
		case existing.Status == StatusFailed && in.ResetFailed:
			existing.Action = in.Action
			existing.Payload = append([]byte(nil), in.RawPayload...)
			existing.Priority = in.Priority
			existing.Status = StatusPending
			existing.Attempts = 0
			existing.MaxAttempts = in.MaxAttempts
			existing.LastError = ""
			existing.ErrorCode = ""
			existing.UpdatedAt = now
		}
		return *existing, false, nil
	}
	m.nextID++
	item := &Item{
		ID:            m.nextID,
		CompanyID:     in.CompanyID,
		Type:          in.Type,
		Action:        in.Action,
		ReferenceType: in.ReferenceType,
		ReferenceID:   in.ReferenceID,
		BatchKey:      in.BatchKey,
		Payload:       append([]byte(nil), in.RawPayload...),
		Status:        StatusPending,
		Priority:      in.Priority,
		MaxAttempts:   in.MaxAttempts,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.items[item.ID] = item
	return *item, true, nil
}

// Claim implements Repository.
func (m *MemoryRepository) Claim(_ context.Context, p ClaimParams, w ClaimWindow) ([]Item, error) {
	now := w.Now
	m.mu.Lock()
	defer m.mu.Unlock()
	allowed := make(map[ItemType]bool, len(p.Types))
	for _, t := range p.Types {
		allowed[t] = true
	}
	var candidates []*Item
	for _, item := range m.items {
		if item.CompanyID != p.CompanyID || !allowed[item.Type] || item.Attempts >= item.MaxAttempts {
			continue
		}
		stale := item.Status == StatusProcessing && item.LastAttemptAt != nil && item.LastAttemptAt.Before(w.StaleBefore)
		ready := item.Status == StatusPending &&
			(item.Attempts == 0 || item.LastAttemptAt == nil || !item.LastAttemptAt.After(w.RetryBefore))
		if ready || stale {
			candidates = append(candidates, item)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if len(candidates) > p.Max {
		candidates = candidates[:p.Max]
	}
	out := make([]Item, 0, len(candidates))
	for _, item := range candidates {
		at := now
		item.Status = StatusProcessing
		item.Attempts++
		item.LastAttemptAt = &at
		item.RequestPayload = ""
		item.UpdatedAt = now
		if p.SessionID > 0 {
			session := p.SessionID
			item.SessionID = &session
		}
		out = append(out, *item)
	}
	return out, nil
}

// SetRequestPayload implements Repository.
func (m *MemoryRepository) SetRequestPayload(_ context.Context, id int64, attempt int, doc string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item, ok := m.items[id]; ok && item.Attempts == attempt && item.Status == StatusProcessing {
		item.RequestPayload = doc
	}
	return nil
}

// Resolve implements Repository.
func (m *MemoryRepository) Resolve(_ context.Context, in ResolveInput) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[in.ItemID]
	if !ok {
		return Item{}, ErrItemNotFound
	}
	if item.Status != StatusProcessing || item.Attempts != in.Attempt {
		return Item{}, ErrStaleResolution
	}
	item.ResponsePayload = in.Response
	item.UpdatedAt = in.At
	switch {
	case in.Success:
		at := in.At
		item.Status = StatusCompleted
		item.CompletedAt = &at
		item.LastError = ""
		item.ErrorCode = ""
	case in.Retryable && item.Attempts < item.MaxAttempts:
		item.Status = StatusPending
		item.LastError = in.Message
		item.ErrorCode = in.ErrorCode
	default:
		item.Status = StatusFailed
		item.LastError = in.Message
		item.ErrorCode = in.ErrorCode
	}
	return *item, nil
}

// Get implements Repository.
func (m *MemoryRepository) Get(_ context.Context, id int64) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return Item{}, ErrItemNotFound
	}
	return *item, nil
}

// BatchCounts implements Repository.
func (m *MemoryRepository) BatchCounts(_ context.Context, batchKey string) (Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c Counts
	for _, item := range m.items {
		if item.BatchKey == batchKey {
			c.add(item.Status, 1)
		}
	}
	return c, nil
}

// CompanyCounts implements Repository.
func (m *MemoryRepository) CompanyCounts(_ context.Context, companyID int64) (Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c Counts
	for _, item := range m.items {
		if item.CompanyID == companyID {
			c.add(item.Status, 1)
		}
	}
	return c, nil
}

// List implements Repository.
func (m *MemoryRepository) List(_ context.Context, filter ListFilter) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Item
	for _, item := range m.items {
		if item.CompanyID != filter.CompanyID {
			continue
		}
		if filter.Status != "" && item.Status != filter.Status {
			continue
		}
		if filter.BatchKey != "" && item.BatchKey != filter.BatchKey {
			continue
		}
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ExpireStale implements Repository.
func (m *MemoryRepository) ExpireStale(_ context.Context, staleBefore, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, item := range m.items {
		if item.Status != StatusProcessing || item.LastAttemptAt == nil || !item.LastAttemptAt.Before(staleBefore) {
			continue
		}
		if item.Attempts < item.MaxAttempts {
			continue
		}
		item.Status = StatusFailed
		item.ErrorCode = "timeout"
		item.LastError = "processing timed out"
		item.UpdatedAt = now
		n++
	}
	return n, nil
}
