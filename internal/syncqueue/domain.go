// Package syncqueue is the durable outbound work queue towards the external
// bookkeeping system. Items are claimed exclusively by polling sessions and
// resolved exactly once per delivery attempt.
package syncqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/odyssey-erp/payroll-sync/internal/shared"
)

// ItemType tags the kind of outbound operation.
type ItemType string

const (
	TypeTimeEntry     ItemType = "time_entry"
	TypeEmployee      ItemType = "employee"
	TypePaycheckQuery ItemType = "paycheck_query"
)

// AllTypes lists every item type in serving preference.
var AllTypes = []ItemType{TypeEmployee, TypeTimeEntry, TypePaycheckQuery}

// Action is the operation requested against the external record.
type Action string

const (
	ActionAdd    Action = "add"
	ActionModify Action = "modify"
	ActionQuery  Action = "query"
)

// Status captures the lifecycle of a queue item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Outcome is the result reported for one delivery attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Reference types used by producers.
const (
	ReferencePersonnel = "personnel"
	ReferencePayPeriod = "pay_period"
)

// Default priorities; lower is served first. Employees go before time entries
// so a fresh mapping exists by the time hours are posted.
const (
	PriorityEmployee      = 10
	PriorityTimeEntry     = 50
	PriorityPaycheckQuery = 90
)

var (
	// ErrStaleResolution is returned when an item is no longer awaiting the
	// resolved attempt (already resolved, reclaimed, or never claimed).
	ErrStaleResolution = errors.New("syncqueue: item not awaiting this attempt")
	// ErrBadCorrelation indicates an echoed correlation id could not be parsed.
	ErrBadCorrelation = errors.New("syncqueue: malformed correlation id")
	// ErrItemNotFound is returned when the referenced item does not exist.
	ErrItemNotFound = shared.NotFoundError("sync queue item not found")
)

// Item is one unit of outbound work.
type Item struct {
	ID              int64           `json:"id"`
	CompanyID       int64           `json:"company_id"`
	Type            ItemType        `json:"type"`
	Action          Action          `json:"action"`
	ReferenceType   string          `json:"reference_type"`
	ReferenceID     string          `json:"reference_id"`
	BatchKey        string          `json:"batch_key,omitempty"`
	Payload         json.RawMessage `json:"payload"`
	RequestPayload  string          `json:"request_payload,omitempty"`
	ResponsePayload string          `json:"response_payload,omitempty"`
	Status          Status          `json:"status"`
	Priority        int             `json:"priority"`
	Attempts        int             `json:"attempts"`
	MaxAttempts     int             `json:"max_attempts"`
	SessionID       *int64          `json:"session_id,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	ErrorCode       string          `json:"error_code,omitempty"`
	LastAttemptAt   *time.Time      `json:"last_attempt_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// CorrelationID is echoed by the agent so responses map back to the attempt.
func (i Item) CorrelationID() string {
	return fmt.Sprintf("q%d-a%d", i.ID, i.Attempts)
}

// ParseCorrelationID splits a correlation id into item id and attempt.
func ParseCorrelationID(raw string) (int64, int, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "q") {
		return 0, 0, ErrBadCorrelation
	}
	idPart, attemptPart, ok := strings.Cut(raw[1:], "-a")
	if !ok {
		return 0, 0, ErrBadCorrelation
	}
	// sub-requests append their own suffix after the attempt, e.g. q12-a1-ot
	if cut, _, found := strings.Cut(attemptPart, "-"); found {
		attemptPart = cut
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id <= 0 {
		return 0, 0, ErrBadCorrelation
	}
	attempt, err := strconv.Atoi(attemptPart)
	if err != nil || attempt <= 0 {
		return 0, 0, ErrBadCorrelation
	}
	return id, attempt, nil
}

// PayPeriodBatchKey scopes export items to one pay period.
func PayPeriodBatchKey(payPeriodID int64) string {
	return ReferencePayPeriod + ":" + strconv.FormatInt(payPeriodID, 10)
}

// ParsePayPeriodBatchKey extracts the pay period id from an export batch key.
func ParsePayPeriodBatchKey(key string) (int64, bool) {
	raw, ok := strings.CutPrefix(key, ReferencePayPeriod+":")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// PaycheckBatchKey scopes paycheck queries to one pay period.
func PaycheckBatchKey(payPeriodID int64) string {
	return "paychecks:" + strconv.FormatInt(payPeriodID, 10)
}

// NewItem describes work to enqueue. Payload must be the schema registered for
// (Type, Action).
type NewItem struct {
	CompanyID     int64
	Type          ItemType
	Action        Action
	ReferenceType string
	ReferenceID   string
	BatchKey      string
	Payload       any
	Priority      int
	MaxAttempts   int
	// ResetFailed revives a failed item of the same reference with a fresh
	// attempt budget instead of leaving it failed.
	ResetFailed bool
}

// Prepared is a validated NewItem ready to persist.
type Prepared struct {
	NewItem
	RawPayload json.RawMessage
}

// ClaimWindow carries the clock cut-offs of one claim.
type ClaimWindow struct {
	Now time.Time
	// StaleBefore makes processing items whose attempt started earlier
	// claimable again.
	StaleBefore time.Time
	// RetryBefore keeps pending items attempted later than this unclaimed.
	RetryBefore time.Time
}

// ClaimParams scopes a claim to one company and set of enabled types.
type ClaimParams struct {
	CompanyID int64
	Types     []ItemType
	Max       int
	SessionID int64
}

// Resolution reports the outcome of one delivery attempt.
type Resolution struct {
	ItemID   int64
	Attempt  int
	Outcome  Outcome
	Response string
	Err      error
}

// Counts aggregates items per status.
type Counts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Total returns the number of items counted.
func (c Counts) Total() int {
	return c.Pending + c.Processing + c.Completed + c.Failed
}

// AllCompleted reports whether every counted item completed.
func (c Counts) AllCompleted() bool {
	return c.Total() > 0 && c.Completed == c.Total()
}

func (c *Counts) add(status Status, n int) {
	switch status {
	case StatusPending:
		c.Pending += n
	case StatusProcessing:
		c.Processing += n
	case StatusCompleted:
		c.Completed += n
	case StatusFailed:
		c.Failed += n
	}
}
