// Package synclog is the append-only trail of agent sessions and item
// outcomes.
package synclog

import (
	"time"

	"github.com/odyssey-erp/payroll-sync/internal/shared"
)

// Direction of data flow within a session.
type Direction string

const (
	DirectionExport Direction = "export"
	DirectionImport Direction = "import"
)

// Status of a session.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
	StatusError  Status = "error"
)

// Outcome of one item exchange within a session.
type Outcome string

const (
	OutcomeSent       Outcome = "sent"
	OutcomeCompleted  Outcome = "completed"
	OutcomeRetry      Outcome = "retry"
	OutcomeFailed     Outcome = "failed"
	OutcomeDiscarded  Outcome = "discarded"
	OutcomeAgentError Outcome = "agent_error"
)

// ErrSessionNotFound is returned for unknown session ids or tickets.
var ErrSessionNotFound = shared.NotFoundError("sync session not found")

// Session is one authenticated polling round.
type Session struct {
	ID             int64      `json:"id"`
	Ticket         string     `json:"ticket"`
	CompanyID      int64      `json:"company_id"`
	Operation      string     `json:"operation"`
	Direction      Direction  `json:"direction"`
	Status         Status     `json:"status"`
	SentCount      int        `json:"sent_count"`
	CompletedCount int        `json:"completed_count"`
	FailedCount    int        `json:"failed_count"`
	DiscardedCount int        `json:"discarded_count"`
	ErrorDetail    string     `json:"error_detail,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	DurationMS     int64      `json:"duration_ms"`
}

// Closed reports whether the session has ended.
func (s Session) Closed() bool {
	return s.Status != StatusOpen
}

// Entry records one item outcome.
type Entry struct {
	ID         int64     `json:"id"`
	SessionID  int64     `json:"session_id"`
	ItemID     *int64    `json:"item_id,omitempty"`
	Outcome    Outcome   `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}
