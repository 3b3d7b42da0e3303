// Package integration reacts to personnel changes from the HR records module
// and keeps the external employee roster in step.
package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/odyssey-erp/payroll-sync/internal/connection"
	"github.com/odyssey-erp/payroll-sync/internal/mapping"
	"github.com/odyssey-erp/payroll-sync/internal/shared"
)

// EventKind names a personnel lifecycle change.
type EventKind string

const (
	EventHired      EventKind = "hired"
	EventUpdated    EventKind = "updated"
	EventTerminated EventKind = "terminated"
)

// PersonnelEvent is published when a personnel record changes.
type PersonnelEvent struct {
	// EventID deduplicates redeliveries when set.
	EventID     string    `json:"event_id" validate:"max=100"`
	Kind        EventKind `json:"kind" validate:"required,oneof=hired updated terminated"`
	CompanyID   int64     `json:"company_id" validate:"required,gt=0"`
	PersonnelID int64     `json:"personnel_id" validate:"required,gt=0"`
	DisplayName string    `json:"display_name" validate:"max=100"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// MappingService maintains employee mappings.
type MappingService interface {
	Upsert(ctx context.Context, in mapping.UpsertInput) (mapping.Mapping, error)
	Deactivate(ctx context.Context, personnelID int64) (mapping.Mapping, error)
}

// ConnectionLookup loads the company's bookkeeping connection.
type ConnectionLookup interface {
	Get(ctx context.Context, companyID int64) (connection.Connection, error)
}

// KeyStore claims event ids so each is applied once.
type KeyStore interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key, module string) error
}

const eventModule = "personnel_events"

// Hooks wires personnel events into the employee roster sync.
type Hooks struct {
	mappings    MappingService
	connections ConnectionLookup
	keys        KeyStore
	logger      *slog.Logger
}

// NewHooks constructs integration hooks.
func NewHooks(mappings MappingService, connections ConnectionLookup, logger *slog.Logger) *Hooks {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hooks{mappings: mappings, connections: connections, logger: logger}
}

// WithKeyStore enables event id deduplication.
func (h *Hooks) WithKeyStore(keys KeyStore) *Hooks {
	h.keys = keys
	return h
}

// Dispatch routes an event to its handler. An event id seen before is
// acknowledged without effect; a failed event releases its id for redelivery.
func (h *Hooks) Dispatch(ctx context.Context, evt PersonnelEvent) error {
	if h.keys == nil || evt.EventID == "" {
		return h.dispatch(ctx, evt)
	}
	if err := h.keys.CheckAndInsert(ctx, evt.EventID, eventModule); err != nil {
		if errors.Is(err, shared.ErrIdempotencyConflict) {
			h.logger.Debug("personnel event already applied", slog.String("event_id", evt.EventID))
			return nil
		}
		return err
	}
	if err := h.dispatch(ctx, evt); err != nil {
		if delErr := h.keys.Delete(ctx, evt.EventID, eventModule); delErr != nil {
			h.logger.Warn("release personnel event id", slog.String("event_id", evt.EventID), slog.Any("error", delErr))
		}
		return err
	}
	return nil
}

func (h *Hooks) dispatch(ctx context.Context, evt PersonnelEvent) error {
	switch evt.Kind {
	case EventHired, EventUpdated:
		return h.HandlePersonnelChanged(ctx, evt)
	case EventTerminated:
		return h.HandlePersonnelTerminated(ctx, evt)
	default:
		return shared.ValidationError("unknown personnel event %q", evt.Kind)
	}
}

// HandlePersonnelChanged refreshes the mapping, which queues an employee add or
// modify. Companies without roster sync are skipped.
func (h *Hooks) HandlePersonnelChanged(ctx context.Context, evt PersonnelEvent) error {
	if h == nil || h.mappings == nil {
		return nil
	}
	if evt.PersonnelID <= 0 {
		return errors.New("integration: personnel id required")
	}
	enabled, err := h.rosterSyncEnabled(ctx, evt.CompanyID)
	if err != nil || !enabled {
		return err
	}
	m, err := h.mappings.Upsert(ctx, mapping.UpsertInput{PersonnelID: evt.PersonnelID, DisplayName: evt.DisplayName})
	if err != nil {
		return fmt.Errorf("integration: upsert mapping for personnel %d: %w", evt.PersonnelID, err)
	}
	h.logger.Info("personnel change queued",
		slog.Int64("personnel_id", evt.PersonnelID), slog.String("kind", string(evt.Kind)), slog.Bool("linked", m.Linked()))
	return nil
}

// HandlePersonnelTerminated retires the mapping. Personnel that never had one
// are ignored.
func (h *Hooks) HandlePersonnelTerminated(ctx context.Context, evt PersonnelEvent) error {
	if h == nil || h.mappings == nil {
		return nil
	}
	if evt.PersonnelID <= 0 {
		return errors.New("integration: personnel id required")
	}
	enabled, err := h.rosterSyncEnabled(ctx, evt.CompanyID)
	if err != nil || !enabled {
		return err
	}
	if _, err := h.mappings.Deactivate(ctx, evt.PersonnelID); err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("integration: deactivate mapping for personnel %d: %w", evt.PersonnelID, err)
	}
	h.logger.Info("personnel termination queued", slog.Int64("personnel_id", evt.PersonnelID))
	return nil
}

func (h *Hooks) rosterSyncEnabled(ctx context.Context, companyID int64) (bool, error) {
	if h.connections == nil {
		return true, nil
	}
	conn, err := h.connections.Get(ctx, companyID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return conn.Enabled && conn.SyncEmployees, nil
}
