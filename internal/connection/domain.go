// Package connection stores the per-company configuration of the bookkeeping
// agent link.
package connection

import (
	"time"

	"github.com/odyssey-erp/payroll-sync/internal/shared"
	"github.com/odyssey-erp/payroll-sync/internal/syncqueue"
)

// Status is the live state of the agent link.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// ErrConnectionNotFound is returned when a company has no connection record.
var ErrConnectionNotFound = shared.NotFoundError("bookkeeping connection not found")

// Connection is the single configuration record per company.
type Connection struct {
	ID              int64      `json:"id"`
	CompanyID       int64      `json:"company_id"`
	CompanyName     string     `json:"company_name"`
	AgentUsername   string     `json:"agent_username"`
	SecretHash      string     `json:"-"`
	SyncTimeEntries bool       `json:"sync_time_entries"`
	SyncPayStubs    bool       `json:"sync_pay_stubs"`
	SyncEmployees   bool       `json:"sync_employees"`
	AutoSyncMinutes int        `json:"auto_sync_minutes"`
	RegularPayItem  string     `json:"regular_pay_item"`
	OvertimePayItem string     `json:"overtime_pay_item"`
	Enabled         bool       `json:"enabled"`
	Status          Status     `json:"status"`
	LastError       string     `json:"last_error,omitempty"`
	LastContactAt   *time.Time `json:"last_contact_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// EnabledTypes lists the queue item types the agent may be served.
func (c Connection) EnabledTypes() []syncqueue.ItemType {
	var types []syncqueue.ItemType
	if c.SyncEmployees {
		types = append(types, syncqueue.TypeEmployee)
	}
	if c.SyncTimeEntries {
		types = append(types, syncqueue.TypeTimeEntry)
	}
	if c.SyncPayStubs {
		types = append(types, syncqueue.TypePaycheckQuery)
	}
	return types
}

// SaveInput creates or updates a connection. Secret may be empty on update to
// keep the stored hash.
type SaveInput struct {
	CompanyID       int64  `json:"company_id" validate:"required,gt=0"`
	CompanyName     string `json:"company_name" validate:"required,max=200"`
	AgentUsername   string `json:"agent_username" validate:"required,max=100"`
	Secret          string `json:"secret" validate:"omitempty,min=8,max=72"`
	SyncTimeEntries bool   `json:"sync_time_entries"`
	SyncPayStubs    bool   `json:"sync_pay_stubs"`
	SyncEmployees   bool   `json:"sync_employees"`
	AutoSyncMinutes int    `json:"auto_sync_minutes" validate:"min=0,max=1440"`
	RegularPayItem  string `json:"regular_pay_item" validate:"max=31"`
	OvertimePayItem string `json:"overtime_pay_item" validate:"max=31"`
	Enabled         bool   `json:"enabled"`
}
