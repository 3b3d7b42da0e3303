package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/odyssey-erp/payroll-sync/internal/connection"
	"github.com/odyssey-erp/payroll-sync/internal/mapping"
	"github.com/odyssey-erp/payroll-sync/internal/qbxml"
	"github.com/odyssey-erp/payroll-sync/internal/shared"
	"github.com/odyssey-erp/payroll-sync/internal/syncqueue"
)

// Suffixes of the sub-requests a time entry expands into.
const (
	suffixRegular  = "reg"
	suffixOvertime = "ot"
)

func errUnmapped(personnelID int64) error {
	return shared.TerminalSyncError("unmapped", fmt.Sprintf("unmapped employee %d", personnelID))
}

// render builds the request document for a claimed item. Data problems come
// back as terminal sync errors; anything else is an infrastructure failure.
func (s *Service) render(ctx context.Context, conn connection.Connection, item syncqueue.Item) (string, error) {
	payload, err := syncqueue.DecodePayload(item)
	if err != nil {
		return "", err
	}
	switch p := payload.(type) {
	case syncqueue.TimeEntryPayload:
		return s.renderTimeEntry(ctx, conn, item, p)
	case syncqueue.EmployeePayload:
		return s.renderEmployee(ctx, item, p)
	case syncqueue.PaycheckQueryPayload:
		return qbxml.Render(qbxml.OnErrorContinue, qbxml.CheckQueryRq{
			RequestID: item.CorrelationID(),
			TxnDateRangeFilter: qbxml.DateRange{
				FromTxnDate: qbxml.Date(p.PeriodStart),
				ToTxnDate:   qbxml.Date(p.PeriodEnd),
			},
		})
	default:
		return "", shared.TerminalSyncError("unsupported_operation", fmt.Sprintf("no renderer for %s/%s", item.Type, item.Action))
	}
}

func (s *Service) linkedMapping(ctx context.Context, personnelID int64) (mapping.Mapping, error) {
	m, err := s.mappings.Latest(ctx, personnelID)
	if errors.Is(err, shared.ErrNotFound) {
		return mapping.Mapping{}, errUnmapped(personnelID)
	}
	if err != nil {
		return mapping.Mapping{}, err
	}
	return m, nil
}

// timeEntryParts returns the suffixes of the sub-requests a time entry
// renders to. Zero-hour halves are left out.
func timeEntryParts(p syncqueue.TimeEntryPayload) []string {
	var parts []string
	if !p.RegularHours.IsZero() {
		parts = append(parts, suffixRegular)
	}
	if !p.OvertimeHours.IsZero() {
		parts = append(parts, suffixOvertime)
	}
	return parts
}

// renderTimeEntry posts regular and overtime hours as separate transactions
// against their wage items. Zero-hour halves are omitted.
func (s *Service) renderTimeEntry(ctx context.Context, conn connection.Connection, item syncqueue.Item, p syncqueue.TimeEntryPayload) (string, error) {
	m, err := s.linkedMapping(ctx, p.PersonnelID)
	if err != nil {
		return "", err
	}
	if !m.Linked() {
		return "", errUnmapped(p.PersonnelID)
	}
	notes := qbxml.NormalizeName(p.Memo, qbxml.MaxNotesLength)
	entity := qbxml.Ref{ListID: m.ExternalID}
	key := strconv.FormatInt(p.PayPeriodID, 10) + "|" + strconv.FormatInt(p.PersonnelID, 10)

	var reqs []any
	for _, suffix := range timeEntryParts(p) {
		h, kind, wageItem := p.RegularHours, "regular", conn.RegularPayItem
		if suffix == suffixOvertime {
			h, kind, wageItem = p.OvertimeHours, "overtime", conn.OvertimePayItem
		}
		rq := qbxml.TimeTrackingAddRq{
			RequestID: item.CorrelationID() + "-" + suffix,
			Add: qbxml.TimeTrackingAdd{
				TxnDate:        qbxml.Date(p.PeriodEnd),
				EntityRef:      entity,
				Duration:       qbxml.Duration(h),
				Notes:          notes,
				BillableStatus: "NotBillable",
				ExternalGUID:   qbxml.ExternalGUID(key, kind),
			},
		}
		if wageItem != "" {
			rq.Add.PayrollItemWageRef = &qbxml.Ref{FullName: wageItem}
		}
		reqs = append(reqs, rq)
	}
	if len(reqs) == 0 {
		return "", shared.TerminalSyncError("empty_entry", "time entry carries no hours")
	}
	return qbxml.Render(qbxml.OnErrorStop, reqs...)
}

// renderEmployee sends an add until the ledger assigned a list id, then a mod
// echoing the stored edit sequence.
func (s *Service) renderEmployee(ctx context.Context, item syncqueue.Item, p syncqueue.EmployeePayload) (string, error) {
	m, err := s.linkedMapping(ctx, p.PersonnelID)
	if err != nil {
		return "", err
	}
	printAs := qbxml.NormalizeName(p.DisplayName, qbxml.MaxNameLength)
	if !m.Linked() {
		return qbxml.Render(qbxml.OnErrorStop, qbxml.EmployeeAddRq{
			RequestID: item.CorrelationID(),
			Add: qbxml.EmployeeAdd{
				IsActive:  p.Active,
				FirstName: p.FirstName,
				LastName:  p.LastName,
				PrintAs:   printAs,
			},
		})
	}
	return qbxml.Render(qbxml.OnErrorStop, qbxml.EmployeeModRq{
		RequestID: item.CorrelationID(),
		Mod: qbxml.EmployeeMod{
			ListID:       m.ExternalID,
			EditSequence: m.EditSequence,
			IsActive:     p.Active,
			FirstName:    p.FirstName,
			LastName:     p.LastName,
			PrintAs:      printAs,
		},
	})
}
