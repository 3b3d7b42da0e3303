// Package gateway serves the polling bookkeeping agent: it authenticates
// sessions, hands out one queued item per request and folds responses back
// into the queue, the employee mappings and the pay-period ledger.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/payroll-sync/internal/connection"
	"github.com/odyssey-erp/payroll-sync/internal/mapping"
	"github.com/odyssey-erp/payroll-sync/internal/qbxml"
	"github.com/odyssey-erp/payroll-sync/internal/shared"
	"github.com/odyssey-erp/payroll-sync/internal/synclog"
	"github.com/odyssey-erp/payroll-sync/internal/syncqueue"
)

// Operation names the kind of session recorded in the sync log.
const Operation = "payroll_export"

// ConnectionStore loads and updates agent connections.
type ConnectionStore interface {
	Authenticate(ctx context.Context, username, secret string) (connection.Connection, error)
	Get(ctx context.Context, companyID int64) (connection.Connection, error)
	MarkStatus(ctx context.Context, companyID int64, status connection.Status, lastError string) error
}

// Queue is the slice of the sync queue the gateway drives.
type Queue interface {
	ClaimBatch(ctx context.Context, p syncqueue.ClaimParams) ([]syncqueue.Item, error)
	RecordRequest(ctx context.Context, item syncqueue.Item, doc string) error
	Resolve(ctx context.Context, res syncqueue.Resolution) (syncqueue.Item, error)
	Counts(ctx context.Context, companyID int64) (syncqueue.Counts, error)
	Get(ctx context.Context, id int64) (syncqueue.Item, error)
}

// MappingStore resolves and refreshes employee identities. Latest falls back
// to a retired mapping so work queued before a deactivation still renders.
type MappingStore interface {
	Latest(ctx context.Context, personnelID int64) (mapping.Mapping, error)
	ApplyExternalIdentity(ctx context.Context, personnelID int64, externalID, editSequence string) (mapping.Mapping, error)
	MarkError(ctx context.Context, personnelID int64) error
}

// SessionLog records sessions and item outcomes.
type SessionLog interface {
	Open(ctx context.Context, companyID int64, ticket, operation string, direction synclog.Direction) (synclog.Session, error)
	Close(ctx context.Context, sessionID int64, errorDetail string) (synclog.Session, error)
	RecordOutcome(ctx context.Context, sessionID, itemID int64, outcome synclog.Outcome, detail string) error
	FindByTicket(ctx context.Context, ticket string) (synclog.Session, error)
}

// PeriodNotifier is told when an export item of a pay period completes.
type PeriodNotifier interface {
	MarkExportedIfComplete(ctx context.Context, periodID int64) (bool, error)
}

// Config tunes the gateway.
type Config struct {
	TicketTTL time.Duration
	// MaxSkips bounds how many unrenderable items one request may fail
	// before answering with no work.
	MaxSkips int
}

func (c Config) withDefaults() Config {
	if c.TicketTTL <= 0 {
		c.TicketTTL = 2 * time.Hour
	}
	if c.MaxSkips <= 0 {
		c.MaxSkips = 10
	}
	return c
}

// Deps groups the collaborators of a Service.
type Deps struct {
	Connections ConnectionStore
	Queue       Queue
	Mappings    MappingStore
	Log         SessionLog
	Periods     PeriodNotifier
	Tickets     TicketStore
	Metrics     *Metrics
	Logger      *slog.Logger
}

// Service implements the agent protocol on top of the queue.
type Service struct {
	connections ConnectionStore
	queue       Queue
	mappings    MappingStore
	log         SessionLog
	periods     PeriodNotifier
	tickets     TicketStore
	metrics     *Metrics
	logger      *slog.Logger
	cfg         Config
	newTicket   func() string
}

// NewService wires the gateway.
func NewService(deps Deps, cfg Config) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		connections: deps.Connections,
		queue:       deps.Queue,
		mappings:    deps.Mappings,
		log:         deps.Log,
		periods:     deps.Periods,
		tickets:     deps.Tickets,
		metrics:     deps.Metrics,
		logger:      logger,
		cfg:         cfg.withDefaults(),
		newTicket:   uuid.NewString,
	}
}

// BeginSession authenticates the agent and opens a session.
func (s *Service) BeginSession(ctx context.Context, username, secret string) (string, error) {
	conn, err := s.connections.Authenticate(ctx, username, secret)
	if err != nil {
		s.metrics.session("rejected")
		s.logger.Warn("agent authentication rejected", slog.String("username", username), slog.Any("error", err))
		return "", err
	}
	ticket := s.newTicket()
	sess, err := s.log.Open(ctx, conn.CompanyID, ticket, Operation, synclog.DirectionExport)
	if err != nil {
		return "", err
	}
	if err := s.tickets.Put(ctx, Ticket{Value: ticket, SessionID: sess.ID, CompanyID: conn.CompanyID}, s.cfg.TicketTTL); err != nil {
		return "", err
	}
	if err := s.connections.MarkStatus(ctx, conn.CompanyID, connection.StatusConnected, ""); err != nil {
		s.logger.Warn("mark connection status", slog.Int64("company_id", conn.CompanyID), slog.Any("error", err))
	}
	s.metrics.session("accepted")
	s.logger.Info("agent session opened", slog.Int64("company_id", conn.CompanyID), slog.Int64("session_id", sess.ID))
	return ticket, nil
}

// ticket loads a live ticket. Tickets of closed sessions are rejected as a
// replay.
func (s *Service) ticket(ctx context.Context, value string) (Ticket, error) {
	t, err := s.tickets.Get(ctx, value)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, ErrTicketNotFound) {
		return Ticket{}, err
	}
	sess, lerr := s.log.FindByTicket(ctx, value)
	if lerr == nil && sess.Closed() {
		return Ticket{}, shared.AuthError("ticket belongs to a closed session")
	}
	return Ticket{}, shared.AuthError("unknown or expired ticket")
}

// NextRequest claims the next deliverable item and returns its request
// document, or "" when there is no work. Items that cannot be rendered fail
// immediately and the next one is tried.
func (s *Service) NextRequest(ctx context.Context, ticket string) (string, error) {
	t, err := s.ticket(ctx, ticket)
	if err != nil {
		return "", err
	}
	conn, err := s.connections.Get(ctx, t.CompanyID)
	if err != nil {
		return "", err
	}
	types := conn.EnabledTypes()
	if len(types) == 0 {
		return "", nil
	}
	for range s.cfg.MaxSkips {
		items, err := s.queue.ClaimBatch(ctx, syncqueue.ClaimParams{
			CompanyID: t.CompanyID,
			Types:     types,
			Max:       1,
			SessionID: t.SessionID,
		})
		if err != nil {
			return "", err
		}
		if len(items) == 0 {
			return "", nil
		}
		item := items[0]
		doc, err := s.render(ctx, conn, item)
		if err != nil {
			var syncErr *shared.SyncError
			if !errors.As(err, &syncErr) {
				return "", err
			}
			if err := s.failUnrenderable(ctx, t, item, syncErr); err != nil {
				return "", err
			}
			continue
		}
		if err := s.queue.RecordRequest(ctx, item, doc); err != nil {
			return "", err
		}
		if err := s.tickets.SetOutstanding(ctx, t.Value, item.ID, item.Attempts); err != nil {
			return "", err
		}
		s.record(ctx, t.SessionID, item.ID, synclog.OutcomeSent, item.CorrelationID())
		s.metrics.request(string(item.Type))
		return doc, nil
	}
	return "", nil
}

func (s *Service) failUnrenderable(ctx context.Context, t Ticket, item syncqueue.Item, cause *shared.SyncError) error {
	_, err := s.queue.Resolve(ctx, syncqueue.Resolution{
		ItemID:  item.ID,
		Attempt: item.Attempts,
		Outcome: syncqueue.OutcomeFailure,
		Err:     cause,
	})
	if err != nil && !isDiscard(err) {
		return err
	}
	s.logger.Warn("queue item not deliverable", slog.Int64("item_id", item.ID), slog.String("code", cause.Code), slog.String("error", cause.Message))
	s.record(ctx, t.SessionID, item.ID, synclog.OutcomeFailed, cause.Message)
	s.metrics.response(string(synclog.OutcomeFailed))
	return nil
}

// ReceiveResponse resolves the items a response document answers and
// returns the percentage of the company's queue that is settled.
func (s *Service) ReceiveResponse(ctx context.Context, ticket, doc string) (int, error) {
	t, err := s.ticket(ctx, ticket)
	if err != nil {
		return 0, err
	}
	responses, err := qbxml.Parse(doc)
	if err != nil {
		s.setLastError(ctx, t, err.Error())
		if t.ItemID > 0 {
			return -1, s.resolveOutstanding(ctx, t, shared.TransientSyncError("bad_response", err.Error()), synclog.OutcomeRetry)
		}
		return -1, shared.ValidationError("%v", err)
	}

	type attemptKey struct {
		id      int64
		attempt int
	}
	var order []attemptKey
	grouped := make(map[attemptKey][]qbxml.Response)
	for _, rs := range responses {
		id, attempt, err := syncqueue.ParseCorrelationID(rs.RequestID)
		if err != nil {
			s.logger.Info("response without correlation discarded", slog.String("request_id", rs.RequestID), slog.String("element", rs.Element))
			s.record(ctx, t.SessionID, 0, synclog.OutcomeDiscarded, "unrecognised request id "+rs.RequestID)
			s.metrics.response(string(synclog.OutcomeDiscarded))
			continue
		}
		k := attemptKey{id, attempt}
		if _, seen := grouped[k]; !seen {
			order = append(order, k)
		}
		grouped[k] = append(grouped[k], rs)
	}
	for _, k := range order {
		if err := s.settle(ctx, t, k.id, k.attempt, grouped[k], doc); err != nil {
			return -1, err
		}
	}
	return s.progress(ctx, t.CompanyID)
}

// settle resolves one attempt from its response elements. A time entry whose
// halves disagree, or whose answer lacks a half that was sent, is failed
// terminally since retrying would double-post the half that landed.
func (s *Service) settle(ctx context.Context, t Ticket, itemID int64, attempt int, rs []qbxml.Response, doc string) error {
	var (
		failed  error
		okCount int
	)
	for _, r := range rs {
		if err := r.Err(); err != nil {
			if failed == nil {
				failed = err
			}
			continue
		}
		okCount++
	}
	missing, err := s.missingParts(ctx, itemID, attempt, rs)
	if err != nil {
		return err
	}
	switch {
	case failed != nil && okCount > 0:
		failed = shared.TerminalSyncError("partial_post", "part of the time entry was posted: "+failed.Error())
	case failed == nil && len(missing) > 0:
		failed = shared.TerminalSyncError("partial_post",
			"part of the time entry was posted: no response for "+strings.Join(missing, ", "))
	}

	res := syncqueue.Resolution{ItemID: itemID, Attempt: attempt, Outcome: syncqueue.OutcomeSuccess, Response: doc}
	if failed != nil {
		res.Outcome = syncqueue.OutcomeFailure
		res.Err = failed
	}
	item, err := s.queue.Resolve(ctx, res)
	if err != nil {
		if isDiscard(err) {
			s.logger.Info("late response discarded", slog.Int64("item_id", itemID), slog.Int("attempt", attempt))
			s.record(ctx, t.SessionID, itemID, synclog.OutcomeDiscarded, fmt.Sprintf("attempt %d no longer current", attempt))
			s.metrics.response(string(synclog.OutcomeDiscarded))
			return nil
		}
		return err
	}

	outcome := outcomeFor(item)
	detail := ""
	if failed != nil {
		detail = failed.Error()
		s.setLastError(ctx, t, detail)
	}
	if item.Status == syncqueue.StatusCompleted {
		detail = completionDetail(rs)
	}
	s.record(ctx, t.SessionID, item.ID, outcome, detail)
	s.metrics.response(string(outcome))
	return s.afterResolve(ctx, item, rs)
}

// missingParts lists the sub-requests of a time entry attempt that the
// response does not answer. Items that are gone or moved on to another
// attempt report nothing; Resolve discards those.
func (s *Service) missingParts(ctx context.Context, itemID int64, attempt int, rs []qbxml.Response) ([]string, error) {
	item, err := s.queue.Get(ctx, itemID)
	if errors.Is(err, shared.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if item.Type != syncqueue.TypeTimeEntry || item.Attempts != attempt {
		return nil, nil
	}
	payload, err := syncqueue.DecodePayload(item)
	if err != nil {
		return nil, nil
	}
	p, ok := payload.(syncqueue.TimeEntryPayload)
	if !ok {
		return nil, nil
	}
	answered := make(map[string]bool, len(rs))
	prefix := item.CorrelationID() + "-"
	for _, r := range rs {
		answered[strings.TrimPrefix(r.RequestID, prefix)] = true
	}
	var missing []string
	for _, part := range timeEntryParts(p) {
		if !answered[part] {
			missing = append(missing, part)
		}
	}
	return missing, nil
}

func (s *Service) afterResolve(ctx context.Context, item syncqueue.Item, rs []qbxml.Response) error {
	switch item.Type {
	case syncqueue.TypeEmployee:
		personnelID, err := parseReference(item)
		if err != nil {
			return err
		}
		if item.Status == syncqueue.StatusCompleted {
			for _, r := range rs {
				if r.Employee != nil && r.Employee.ListID != "" {
					if _, err := s.mappings.ApplyExternalIdentity(ctx, personnelID, r.Employee.ListID, r.Employee.EditSequence); err != nil {
						return err
					}
				}
			}
			return nil
		}
		if item.Status == syncqueue.StatusFailed {
			return s.mappings.MarkError(ctx, personnelID)
		}
	case syncqueue.TypeTimeEntry:
		if item.Status != syncqueue.StatusCompleted {
			return nil
		}
		periodID, ok := syncqueue.ParsePayPeriodBatchKey(item.BatchKey)
		if !ok || s.periods == nil {
			return nil
		}
		if _, err := s.periods.MarkExportedIfComplete(ctx, periodID); err != nil {
			return err
		}
	}
	return nil
}

// ReportError records an agent-side failure of the outstanding item as
// transient and flags the connection.
func (s *Service) ReportError(ctx context.Context, ticket, hresult, message string) error {
	t, err := s.ticket(ctx, ticket)
	if err != nil {
		return err
	}
	detail := strings.TrimSpace(hresult + " " + message)
	if detail == "" {
		detail = "agent reported an unspecified error"
	}
	s.setLastError(ctx, t, detail)
	if err := s.connections.MarkStatus(ctx, t.CompanyID, connection.StatusError, detail); err != nil {
		s.logger.Warn("mark connection status", slog.Int64("company_id", t.CompanyID), slog.Any("error", err))
	}
	if t.ItemID == 0 {
		s.record(ctx, t.SessionID, 0, synclog.OutcomeAgentError, detail)
		return nil
	}
	return s.resolveOutstanding(ctx, t, shared.TransientSyncError(hresult, detail), synclog.OutcomeAgentError)
}

func (s *Service) resolveOutstanding(ctx context.Context, t Ticket, cause error, outcome synclog.Outcome) error {
	_, err := s.queue.Resolve(ctx, syncqueue.Resolution{
		ItemID:  t.ItemID,
		Attempt: t.Attempt,
		Outcome: syncqueue.OutcomeFailure,
		Err:     cause,
	})
	if err != nil {
		if isDiscard(err) {
			outcome = synclog.OutcomeDiscarded
		} else {
			return err
		}
	}
	s.record(ctx, t.SessionID, t.ItemID, outcome, cause.Error())
	s.metrics.response(string(outcome))
	return nil
}

// LastError returns the most recent error of the session, if any.
func (s *Service) LastError(ctx context.Context, ticket string) (string, error) {
	t, err := s.ticket(ctx, ticket)
	if err != nil {
		return "", err
	}
	return t.LastError, nil
}

// EndSession closes the session and retires its ticket.
func (s *Service) EndSession(ctx context.Context, ticket string) (synclog.Session, error) {
	t, err := s.ticket(ctx, ticket)
	if err != nil {
		return synclog.Session{}, err
	}
	sess, err := s.log.Close(ctx, t.SessionID, t.LastError)
	if err != nil {
		return synclog.Session{}, err
	}
	if err := s.tickets.Delete(ctx, t.Value); err != nil {
		return synclog.Session{}, err
	}
	status, lastErr := connection.StatusConnected, ""
	if t.LastError != "" {
		status, lastErr = connection.StatusError, t.LastError
	}
	if err := s.connections.MarkStatus(ctx, t.CompanyID, status, lastErr); err != nil {
		s.logger.Warn("mark connection status", slog.Int64("company_id", t.CompanyID), slog.Any("error", err))
	}
	s.metrics.closed(time.Duration(sess.DurationMS) * time.Millisecond)
	return sess, nil
}

func (s *Service) progress(ctx context.Context, companyID int64) (int, error) {
	counts, err := s.queue.Counts(ctx, companyID)
	if err != nil {
		return -1, err
	}
	open := counts.Pending + counts.Processing
	if open == 0 || counts.Total() == 0 {
		return 100, nil
	}
	return (counts.Total() - open) * 100 / counts.Total(), nil
}

func (s *Service) setLastError(ctx context.Context, t Ticket, message string) {
	if err := s.tickets.SetLastError(ctx, t.Value, message); err != nil {
		s.logger.Warn("store session error", slog.Int64("session_id", t.SessionID), slog.Any("error", err))
	}
}

func (s *Service) record(ctx context.Context, sessionID, itemID int64, outcome synclog.Outcome, detail string) {
	if err := s.log.RecordOutcome(ctx, sessionID, itemID, outcome, detail); err != nil {
		s.logger.Warn("sync log append failed", slog.Int64("session_id", sessionID), slog.Int64("item_id", itemID), slog.Any("error", err))
	}
}

func isDiscard(err error) bool {
	return errors.Is(err, syncqueue.ErrStaleResolution) || errors.Is(err, shared.ErrNotFound)
}

func outcomeFor(item syncqueue.Item) synclog.Outcome {
	switch item.Status {
	case syncqueue.StatusCompleted:
		return synclog.OutcomeCompleted
	case syncqueue.StatusPending:
		return synclog.OutcomeRetry
	default:
		return synclog.OutcomeFailed
	}
}

func completionDetail(rs []qbxml.Response) string {
	for _, r := range rs {
		if len(r.Checks) > 0 {
			return fmt.Sprintf("%d paychecks returned", len(r.Checks))
		}
	}
	return ""
}

func parseReference(item syncqueue.Item) (int64, error) {
	id, err := strconv.ParseInt(item.ReferenceID, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("gateway: item %d has invalid personnel reference %q", item.ID, item.ReferenceID)
	}
	return id, nil
}
