package synclog

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository keeps the log in process memory.
type MemoryRepository struct {
	mu       sync.Mutex
	sessions []Session
	entries  []Entry
}

// NewMemoryRepository returns an empty log store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

// Open implements Repository.
func (m *MemoryRepository) Open(_ context.Context, s Session) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = int64(len(m.sessions) + 1)
	s.Status = StatusOpen
	m.sessions = append(m.sessions, s)
	return s, nil
}

// Close implements Repository.
func (m *MemoryRepository) Close(_ context.Context, id int64, status Status, detail string, endedAt time.Time) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookup(id)
	if err != nil {
		return Session{}, err
	}
	if s.Status == StatusOpen {
		s.Status = status
		s.ErrorDetail = detail
		s.EndedAt = &endedAt
		s.DurationMS = endedAt.Sub(s.StartedAt).Milliseconds()
	}
	return *s, nil
}

// Append implements Repository.
func (m *MemoryRepository) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookup(e.SessionID)
	if err != nil {
		return err
	}
	e.ID = int64(len(m.entries) + 1)
	m.entries = append(m.entries, e)
	switch e.Outcome {
	case OutcomeSent:
		s.SentCount++
	case OutcomeCompleted:
		s.CompletedCount++
	case OutcomeFailed:
		s.FailedCount++
	case OutcomeDiscarded:
		s.DiscardedCount++
	}
	return nil
}

// Get implements Repository.
func (m *MemoryRepository) Get(_ context.Context, id int64) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookup(id)
	if err != nil {
		return Session{}, err
	}
	return *s, nil
}

// FindByTicket implements Repository.
func (m *MemoryRepository) FindByTicket(_ context.Context, ticket string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.Ticket == ticket {
			return s, nil
		}
	}
	return Session{}, ErrSessionNotFound
}

// List implements Repository.
func (m *MemoryRepository) List(_ context.Context, companyID int64, limit int) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, s := range m.sessions {
		if s.CompanyID == companyID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Entries implements Repository.
func (m *MemoryRepository) Entries(_ context.Context, sessionID int64) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryRepository) lookup(id int64) (*Session, error) {
	if id <= 0 || int(id) > len(m.sessions) {
		return nil, ErrSessionNotFound
	}
	return &m.sessions[id-1], nil
}
