package mapping

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/odyssey-erp/payroll-sync/internal/qbxml"
	"github.com/odyssey-erp/payroll-sync/internal/shared"
	"github.com/odyssey-erp/payroll-sync/internal/syncqueue"
	"github.com/odyssey-erp/payroll-sync/internal/timeclock"
)

// Directory resolves personnel records.
type Directory interface {
	GetPersonnel(ctx context.Context, personnelID int64) (timeclock.Personnel, error)
	ListPersonnel(ctx context.Context, companyID int64) ([]timeclock.Personnel, error)
}

// Enqueuer accepts outbound queue work.
type Enqueuer interface {
	Enqueue(ctx context.Context, in syncqueue.NewItem) (syncqueue.Item, error)
}

// Service maintains mappings and queues the matching employee upserts.
type Service struct {
	repo      Repository
	directory Directory
	queue     Enqueuer
	logger    *slog.Logger
}

// NewService constructs a mapping service.
func NewService(repo Repository, directory Directory, queue Enqueuer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, directory: directory, queue: queue, logger: logger}
}

// Get returns the active mapping of a personnel record.
func (s *Service) Get(ctx context.Context, personnelID int64) (Mapping, error) {
	return s.repo.GetActive(ctx, personnelID)
}

// Latest returns the active mapping, falling back to the most recently retired
// one. Queue items created before a deactivation render against it.
func (s *Service) Latest(ctx context.Context, personnelID int64) (Mapping, error) {
	return s.repo.GetLatest(ctx, personnelID)
}

// List returns active mappings for a company.
func (s *Service) List(ctx context.Context, companyID int64) ([]Mapping, error) {
	return s.repo.List(ctx, companyID)
}

// Upsert refreshes the mapping from the personnel record and enqueues an
// employee add (no external identity yet) or modify.
func (s *Service) Upsert(ctx context.Context, in UpsertInput) (Mapping, error) {
	if in.PersonnelID <= 0 {
		return Mapping{}, shared.ValidationError("personnel id required")
	}
	person, err := s.directory.GetPersonnel(ctx, in.PersonnelID)
	if err != nil {
		return Mapping{}, err
	}
	name := in.DisplayName
	if name == "" {
		name = person.DisplayName()
	}
	name = qbxml.NormalizeName(name, qbxml.MaxNameLength)
	if name == "" {
		return Mapping{}, shared.ValidationError("personnel %d has no usable name", in.PersonnelID)
	}
	m, err := s.repo.Save(ctx, person.CompanyID, person.ID, name)
	if err != nil {
		return Mapping{}, err
	}
	if err := s.enqueueEmployee(ctx, person, m, true); err != nil {
		return Mapping{}, err
	}
	return m, nil
}

// SyncRoster upserts a mapping for every personnel record of a company and
// returns how many were queued.
func (s *Service) SyncRoster(ctx context.Context, companyID int64) (int, error) {
	roster, err := s.directory.ListPersonnel(ctx, companyID)
	if err != nil {
		return 0, err
	}
	for _, person := range roster {
		if _, err := s.Upsert(ctx, UpsertInput{PersonnelID: person.ID}); err != nil {
			return 0, err
		}
	}
	s.logger.Info("employee roster queued", slog.Int64("company_id", companyID), slog.Int("count", len(roster)))
	return len(roster), nil
}

// ApplyExternalIdentity records the identity returned by the ledger.
func (s *Service) ApplyExternalIdentity(ctx context.Context, personnelID int64, externalID, editSequence string) (Mapping, error) {
	if externalID == "" {
		return Mapping{}, shared.ValidationError("external id required")
	}
	return s.repo.ApplyExternalIdentity(ctx, personnelID, externalID, editSequence)
}

// MarkError flags the mapping after a rejected employee upsert.
func (s *Service) MarkError(ctx context.Context, personnelID int64) error {
	return s.repo.SetStatus(ctx, personnelID, SyncError)
}

// Deactivate retires the mapping. A linked employee is marked inactive in the
// ledger.
func (s *Service) Deactivate(ctx context.Context, personnelID int64) (Mapping, error) {
	m, err := s.repo.Deactivate(ctx, personnelID)
	if err != nil {
		return Mapping{}, err
	}
	if !m.Linked() {
		return m, nil
	}
	person, err := s.directory.GetPersonnel(ctx, personnelID)
	if err != nil {
		return Mapping{}, err
	}
	if err := s.enqueueEmployee(ctx, person, m, false); err != nil {
		return Mapping{}, err
	}
	return m, nil
}

func (s *Service) enqueueEmployee(ctx context.Context, person timeclock.Personnel, m Mapping, active bool) error {
	action := syncqueue.ActionAdd
	if m.Linked() {
		action = syncqueue.ActionModify
	}
	first := qbxml.NormalizeName(person.FirstName, qbxml.MaxFirstLength)
	if first == "" {
		first = qbxml.NormalizeName(m.DisplayName, qbxml.MaxFirstLength)
	}
	item, err := s.queue.Enqueue(ctx, syncqueue.NewItem{
		CompanyID:     m.CompanyID,
		Type:          syncqueue.TypeEmployee,
		Action:        action,
		ReferenceType: syncqueue.ReferencePersonnel,
		ReferenceID:   strconv.FormatInt(person.ID, 10),
		Priority:      syncqueue.PriorityEmployee,
		Payload: syncqueue.EmployeePayload{
			PersonnelID: person.ID,
			FirstName:   first,
			LastName:    qbxml.NormalizeName(person.LastName, qbxml.MaxFirstLength),
			DisplayName: m.DisplayName,
			Active:      active,
		},
	})
	if err != nil {
		return err
	}
	s.logger.Debug("employee upsert queued", slog.Int64("personnel_id", person.ID),
		slog.String("action", string(action)), slog.Int64("item_id", item.ID))
	return nil
}
