// Package mapping binds internal personnel records to employee identities in
// the external ledger.
package mapping

import (
	"time"

	"github.com/odyssey-erp/payroll-sync/internal/shared"
)

// SyncStatus tracks whether the external record reflects the latest change.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncError   SyncStatus = "error"
)

// ErrMappingNotFound is returned when no active mapping exists.
var ErrMappingNotFound = shared.NotFoundError("employee mapping not found")

// Mapping is the active link between a personnel record and its external
// employee. EditSequence is opaque and echoed on every modify.
type Mapping struct {
	ID           int64      `json:"id"`
	CompanyID    int64      `json:"company_id"`
	PersonnelID  int64      `json:"personnel_id"`
	ExternalID   string     `json:"external_id,omitempty"`
	DisplayName  string     `json:"display_name"`
	EditSequence string     `json:"edit_sequence,omitempty"`
	SyncStatus   SyncStatus `json:"sync_status"`
	Active       bool       `json:"active"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Linked reports whether the external ledger assigned an identity.
func (m Mapping) Linked() bool {
	return m.ExternalID != ""
}

// UpsertInput requests a mapping refresh for one personnel record.
type UpsertInput struct {
	PersonnelID int64  `json:"personnel_id" validate:"required"`
	DisplayName string `json:"display_name" validate:"max=100"`
}
