package mapping

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/payroll-sync/internal/shared"
	"github.com/odyssey-erp/payroll-sync/internal/syncqueue"
	"github.com/odyssey-erp/payroll-sync/internal/timeclock"
)

type stubDirectory map[int64]timeclock.Personnel

func (d stubDirectory) GetPersonnel(_ context.Context, id int64) (timeclock.Personnel, error) {
	p, ok := d[id]
	if !ok {
		return timeclock.Personnel{}, shared.NotFoundError("personnel %d not found", id)
	}
	return p, nil
}

func (d stubDirectory) ListPersonnel(_ context.Context, companyID int64) ([]timeclock.Personnel, error) {
	var out []timeclock.Personnel
	for _, p := range d {
		if p.CompanyID == companyID {
			out = append(out, p)
		}
	}
	return out, nil
}

func newFixture() (*Service, *MemoryRepository, *syncqueue.Service) {
	repo := NewMemoryRepository()
	dir := stubDirectory{
		1: {ID: 1, CompanyID: 7, FirstName: "Ana", LastName: "Diaz"},
		2: {ID: 2, CompanyID: 7, FirstName: "Bo", LastName: "Chen"},
	}
	queue := syncqueue.NewService(syncqueue.NewMemoryRepository(), syncqueue.Config{}, nil, nil)
	return NewService(repo, dir, queue, nil), repo, queue
}

func TestUpsertQueuesEmployeeAddForUnlinkedMapping(t *testing.T) {
	svc, _, queue := newFixture()
	ctx := context.Background()

	m, err := svc.Upsert(ctx, UpsertInput{PersonnelID: 1})
	require.NoError(t, err)
	assert.Equal(t, "Ana Diaz", m.DisplayName)
	assert.Equal(t, SyncPending, m.SyncStatus)

	items, err := queue.ClaimBatch(ctx, syncqueue.ClaimParams{CompanyID: 7, Max: 5})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, syncqueue.TypeEmployee, items[0].Type)
	assert.Equal(t, syncqueue.ActionAdd, items[0].Action)
	assert.Equal(t, syncqueue.PriorityEmployee, items[0].Priority)
}

func TestUpsertAfterLinkQueuesModify(t *testing.T) {
	svc, _, queue := newFixture()
	ctx := context.Background()

	_, err := svc.Upsert(ctx, UpsertInput{PersonnelID: 1})
	require.NoError(t, err)
	claimed, err := queue.ClaimBatch(ctx, syncqueue.ClaimParams{CompanyID: 7, Max: 1})
	require.NoError(t, err)
	_, err = queue.Resolve(ctx, syncqueue.Resolution{ItemID: claimed[0].ID, Attempt: 1, Outcome: syncqueue.OutcomeSuccess})
	require.NoError(t, err)

	_, err = svc.ApplyExternalIdentity(ctx, 1, "80000001-1", "100")
	require.NoError(t, err)

	m, err := svc.Upsert(ctx, UpsertInput{PersonnelID: 1, DisplayName: "Ana  María Diaz"})
	require.NoError(t, err)
	assert.Equal(t, "Ana María Diaz", m.DisplayName)

	items, err := queue.ClaimBatch(ctx, syncqueue.ClaimParams{CompanyID: 7, Max: 5})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, syncqueue.ActionModify, items[0].Action)
}

func TestRepeatedUpsertRefreshesPendingItem(t *testing.T) {
	svc, _, queue := newFixture()
	ctx := context.Background()

	_, err := svc.Upsert(ctx, UpsertInput{PersonnelID: 1})
	require.NoError(t, err)
	_, err = svc.Upsert(ctx, UpsertInput{PersonnelID: 1, DisplayName: "A. Diaz"})
	require.NoError(t, err)

	counts, err := queue.Counts(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Pending)
}

func TestSyncRosterQueuesEveryPersonnel(t *testing.T) {
	svc, _, _ := newFixture()
	n, err := svc.SyncRoster(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	listed, err := svc.List(context.Background(), 7)
	require.NoError(t, err)
	assert.Len(t, listed, 2)
}

func TestDeactivateUnlinkedMappingQueuesNothing(t *testing.T) {
	svc, _, queue := newFixture()
	ctx := context.Background()
	_, err := svc.Upsert(ctx, UpsertInput{PersonnelID: 2})
	require.NoError(t, err)
	before, err := queue.Counts(ctx, 7)
	require.NoError(t, err)

	m, err := svc.Deactivate(ctx, 2)
	require.NoError(t, err)
	assert.False(t, m.Active)

	after, err := queue.Counts(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	_, err = svc.Get(ctx, 2)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestUpsertUnknownPersonnel(t *testing.T) {
	svc, _, _ := newFixture()
	_, err := svc.Upsert(context.Background(), UpsertInput{PersonnelID: 99})
	assert.ErrorIs(t, err, shared.ErrNotFound)
	_, err = svc.Upsert(context.Background(), UpsertInput{})
	assert.ErrorIs(t, err, shared.ErrValidation)
}

func TestDeactivateLinkedMappingQueuesInactiveModify(t *testing.T) {
	svc, _, queue := newFixture()
	ctx := context.Background()
	_, err := svc.Upsert(ctx, UpsertInput{PersonnelID: 1})
	require.NoError(t, err)
	claimed, err := queue.ClaimBatch(ctx, syncqueue.ClaimParams{CompanyID: 7, Max: 1})
	require.NoError(t, err)
	_, err = queue.Resolve(ctx, syncqueue.Resolution{ItemID: claimed[0].ID, Attempt: 1, Outcome: syncqueue.OutcomeSuccess})
	require.NoError(t, err)
	_, err = svc.ApplyExternalIdentity(ctx, 1, "80000001-1", "100")
	require.NoError(t, err)

	m, err := svc.Deactivate(ctx, 1)
	require.NoError(t, err)
	assert.False(t, m.Active)

	items, err := queue.ClaimBatch(ctx, syncqueue.ClaimParams{CompanyID: 7, Max: 5})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, syncqueue.ActionModify, items[0].Action)
	decoded, err := syncqueue.DecodePayload(items[0])
	require.NoError(t, err)
	payload, ok := decoded.(syncqueue.EmployeePayload)
	require.True(t, ok)
	assert.False(t, payload.Active)

	_, err = svc.Get(ctx, 1)
	assert.ErrorIs(t, err, shared.ErrNotFound)
	latest, err := svc.Latest(ctx, 1)
	require.NoError(t, err)
	assert.False(t, latest.Active)
	assert.Equal(t, "80000001-1", latest.ExternalID)
	assert.Equal(t, "100", latest.EditSequence)

	_, err = svc.ApplyExternalIdentity(ctx, 1, "80000001-1", "101")
	require.NoError(t, err)
	latest, err = svc.Latest(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "101", latest.EditSequence)
}

func TestUpsertAfterDeactivateStartsNewMapping(t *testing.T) {
	svc, _, _ := newFixture()
	ctx := context.Background()
	first, err := svc.Upsert(ctx, UpsertInput{PersonnelID: 2})
	require.NoError(t, err)
	_, err = svc.Deactivate(ctx, 2)
	require.NoError(t, err)

	second, err := svc.Upsert(ctx, UpsertInput{PersonnelID: 2})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	latest, err := svc.Latest(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
	assert.True(t, latest.Active)
}
