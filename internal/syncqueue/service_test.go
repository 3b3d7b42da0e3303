package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/payroll-sync/internal/shared"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T, maxAttempts int) (*Service, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 2, 3, 9, 0, 0, 0, time.UTC)}
	svc := NewService(NewMemoryRepository(), Config{MaxAttempts: maxAttempts, StaleAfter: 10 * time.Minute}, nil, nil)
	svc.WithClock(clock.Now)
	return svc, clock
}

func timeEntryItem(personnelID int64, regular string) NewItem {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return NewItem{
		CompanyID:     1,
		Type:          TypeTimeEntry,
		Action:        ActionAdd,
		ReferenceType: ReferencePersonnel,
		ReferenceID:   fmt.Sprint(personnelID),
		BatchKey:      PayPeriodBatchKey(9),
		Payload: TimeEntryPayload{
			PayPeriodID:  9,
			PersonnelID:  personnelID,
			PeriodStart:  start,
			PeriodEnd:    start.AddDate(0, 0, 13),
			RegularHours: decimal.RequireFromString(regular),
		},
	}
}

func claimOne(t *testing.T, svc *Service) Item {
	t.Helper()
	items, err := svc.ClaimBatch(context.Background(), ClaimParams{CompanyID: 1, Max: 1})
	require.NoError(t, err)
	require.Len(t, items, 1)
	return items[0]
}

func TestEnqueueRejectsPayloadOfWrongSchema(t *testing.T) {
	svc, _ := newTestService(t, 5)
	in := timeEntryItem(1, "8")
	in.Type = TypeEmployee
	_, err := svc.Enqueue(context.Background(), in)
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrValidation)
}

func TestEnqueueRejectsNegativeHours(t *testing.T) {
	svc, _ := newTestService(t, 5)
	_, err := svc.Enqueue(context.Background(), timeEntryItem(1, "-1"))
	assert.ErrorIs(t, err, shared.ErrValidation)
}

func TestEnqueueIsIdempotentPerBatchReference(t *testing.T) {
	svc, _ := newTestService(t, 5)
	ctx := context.Background()

	first, err := svc.Enqueue(ctx, timeEntryItem(1, "8"))
	require.NoError(t, err)
	second, err := svc.Enqueue(ctx, timeEntryItem(1, "9.5"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	counts, err := svc.BatchCounts(ctx, PayPeriodBatchKey(9))
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Pending)

	payload, err := DecodePayload(second)
	require.NoError(t, err)
	assert.Equal(t, "9.5", payload.(TimeEntryPayload).RegularHours.String())
}

func TestEnqueueLeavesCompletedItemUntouched(t *testing.T) {
	svc, _ := newTestService(t, 5)
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, timeEntryItem(1, "8"))
	require.NoError(t, err)
	claimed := claimOne(t, svc)
	_, err = svc.Resolve(ctx, Resolution{ItemID: claimed.ID, Attempt: claimed.Attempts, Outcome: OutcomeSuccess})
	require.NoError(t, err)

	again, err := svc.Enqueue(ctx, timeEntryItem(1, "8"))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, again.Status)
}

func TestClaimBatchOrdersByPriorityThenAge(t *testing.T) {
	svc, clock := newTestService(t, 5)
	ctx := context.Background()

	entry, err := svc.Enqueue(ctx, timeEntryItem(1, "8"))
	require.NoError(t, err)
	clock.Advance(time.Second)
	employee, err := svc.Enqueue(ctx, NewItem{
		CompanyID:     1,
		Type:          TypeEmployee,
		Action:        ActionAdd,
		ReferenceType: ReferencePersonnel,
		ReferenceID:   "1",
		Payload:       EmployeePayload{PersonnelID: 1, FirstName: "Ana", LastName: "Diaz", DisplayName: "Ana Diaz", Active: true},
	})
	require.NoError(t, err)

	items, err := svc.ClaimBatch(ctx, ClaimParams{CompanyID: 1, Max: 5})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, employee.ID, items[0].ID)
	assert.Equal(t, entry.ID, items[1].ID)
	assert.Equal(t, StatusProcessing, items[0].Status)
	assert.Equal(t, 1, items[0].Attempts)
}

func TestClaimBatchRespectsTypeFilterAndMax(t *testing.T) {
	svc, _ := newTestService(t, 5)
	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		_, err := svc.Enqueue(ctx, timeEntryItem(i, "8"))
		require.NoError(t, err)
	}

	items, err := svc.ClaimBatch(ctx, ClaimParams{CompanyID: 1, Max: 5, Types: []ItemType{TypeEmployee}})
	require.NoError(t, err)
	assert.Empty(t, items)

	items, err = svc.ClaimBatch(ctx, ClaimParams{CompanyID: 1, Max: 2})
	require.NoError(t, err)
	assert.Len(t, items, 2)

	_, err = svc.ClaimBatch(ctx, ClaimParams{CompanyID: 1, Max: 0})
	assert.ErrorIs(t, err, shared.ErrValidation)
}

func TestConcurrentClaimsNeverShareAnItem(t *testing.T) {
	svc, _ := newTestService(t, 5)
	ctx := context.Background()
	const total = 60
	for i := int64(1); i <= total; i++ {
		_, err := svc.Enqueue(ctx, timeEntryItem(i, "8"))
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = make(map[int64]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(session int64) {
			defer wg.Done()
			for {
				items, err := svc.ClaimBatch(ctx, ClaimParams{CompanyID: 1, Max: 3, SessionID: session})
				if err != nil || len(items) == 0 {
					return
				}
				mu.Lock()
				for _, item := range items {
					seen[item.ID]++
				}
				mu.Unlock()
			}
		}(int64(w + 1))
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "item %d claimed %d times", id, n)
	}
}

func TestTransientFailureRetriesUntilBudgetSpent(t *testing.T) {
	svc, _ := newTestService(t, 3)
	ctx := context.Background()
	_, err := svc.Enqueue(ctx, timeEntryItem(1, "8"))
	require.NoError(t, err)

	var last Item
	for attempt := 1; attempt <= 3; attempt++ {
		claimed := claimOne(t, svc)
		require.Equal(t, attempt, claimed.Attempts)
		last, err = svc.Resolve(ctx, Resolution{
			ItemID:  claimed.ID,
			Attempt: claimed.Attempts,
			Outcome: OutcomeFailure,
			Err:     shared.TransientSyncError("3175", "record in use"),
		})
		require.NoError(t, err)
	}

	assert.Equal(t, StatusFailed, last.Status)
	assert.Equal(t, 3, last.Attempts)
	assert.Equal(t, "3175", last.ErrorCode)

	items, err := svc.ClaimBatch(ctx, ClaimParams{CompanyID: 1, Max: 5})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestTransientFailureWaitsOutRetryBackoff(t *testing.T) {
	clock := &testClock{now: time.Date(2025, 2, 3, 9, 0, 0, 0, time.UTC)}
	svc := NewService(NewMemoryRepository(), Config{MaxAttempts: 3, StaleAfter: 10 * time.Minute, RetryBackoff: time.Minute}, nil, nil).
		WithClock(clock.Now)
	ctx := context.Background()
	_, err := svc.Enqueue(ctx, timeEntryItem(1, "8"))
	require.NoError(t, err)

	claimed := claimOne(t, svc)
	_, err = svc.Resolve(ctx, Resolution{
		ItemID:  claimed.ID,
		Attempt: claimed.Attempts,
		Outcome: OutcomeFailure,
		Err:     shared.TransientSyncError("3175", "record in use"),
	})
	require.NoError(t, err)

	fresh, err := svc.Enqueue(ctx, timeEntryItem(2, "6"))
	require.NoError(t, err)
	next := claimOne(t, svc)
	assert.Equal(t, fresh.ID, next.ID, "never attempted items are not held back")

	items, err := svc.ClaimBatch(ctx, ClaimParams{CompanyID: 1, Max: 5})
	require.NoError(t, err)
	assert.Empty(t, items)

	clock.Advance(30 * time.Second)
	items, err = svc.ClaimBatch(ctx, ClaimParams{CompanyID: 1, Max: 5})
	require.NoError(t, err)
	assert.Empty(t, items)

	clock.Advance(30 * time.Second)
	retried := claimOne(t, svc)
	assert.Equal(t, claimed.ID, retried.ID)
	assert.Equal(t, 2, retried.Attempts)
}

func TestTerminalFailureFailsImmediately(t *testing.T) {
	svc, _ := newTestService(t, 5)
	ctx := context.Background()
	_, err := svc.Enqueue(ctx, timeEntryItem(1, "8"))
	require.NoError(t, err)

	claimed := claimOne(t, svc)
	item, err := svc.Resolve(ctx, Resolution{
		ItemID:  claimed.ID,
		Attempt: claimed.Attempts,
		Outcome: OutcomeFailure,
		Err:     shared.TerminalSyncError("3100", "name already in use"),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, item.Status)
	assert.Equal(t, 1, item.Attempts)
	assert.Equal(t, "name already in use", item.LastError)
}

func TestResolveTwiceIsStale(t *testing.T) {
	svc, _ := newTestService(t, 5)
	ctx := context.Background()
	_, err := svc.Enqueue(ctx, timeEntryItem(1, "8"))
	require.NoError(t, err)

	claimed := claimOne(t, svc)
	res := Resolution{ItemID: claimed.ID, Attempt: claimed.Attempts, Outcome: OutcomeSuccess}
	_, err = svc.Resolve(ctx, res)
	require.NoError(t, err)

	_, err = svc.Resolve(ctx, res)
	assert.True(t, errors.Is(err, ErrStaleResolution))

	_, err = svc.Resolve(ctx, Resolution{ItemID: 999, Attempt: 1, Outcome: OutcomeSuccess})
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestStaleProcessingItemIsReclaimedAndLateResponseDiscarded(t *testing.T) {
	svc, clock := newTestService(t, 5)
	ctx := context.Background()
	_, err := svc.Enqueue(ctx, timeEntryItem(1, "8"))
	require.NoError(t, err)

	first := claimOne(t, svc)
	items, err := svc.ClaimBatch(ctx, ClaimParams{CompanyID: 1, Max: 1})
	require.NoError(t, err)
	assert.Empty(t, items, "lease still held")

	clock.Advance(11 * time.Minute)
	second := claimOne(t, svc)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Attempts)

	_, err = svc.Resolve(ctx, Resolution{ItemID: first.ID, Attempt: first.Attempts, Outcome: OutcomeSuccess})
	assert.ErrorIs(t, err, ErrStaleResolution)

	done, err := svc.Resolve(ctx, Resolution{ItemID: second.ID, Attempt: second.Attempts, Outcome: OutcomeSuccess})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
}

func TestExpireStaleFailsExhaustedItems(t *testing.T) {
	svc, clock := newTestService(t, 1)
	ctx := context.Background()
	_, err := svc.Enqueue(ctx, timeEntryItem(1, "8"))
	require.NoError(t, err)
	claimed := claimOne(t, svc)

	clock.Advance(11 * time.Minute)
	n, err := svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	item, err := svc.Get(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, item.Status)
	assert.Equal(t, "processing timed out", item.LastError)
}

func TestResetFailedRevivesWithFreshBudget(t *testing.T) {
	svc, _ := newTestService(t, 1)
	ctx := context.Background()
	_, err := svc.Enqueue(ctx, timeEntryItem(1, "8"))
	require.NoError(t, err)
	claimed := claimOne(t, svc)
	_, err = svc.Resolve(ctx, Resolution{ItemID: claimed.ID, Attempt: 1, Outcome: OutcomeFailure, Err: errors.New("boom")})
	require.NoError(t, err)

	untouched, err := svc.Enqueue(ctx, timeEntryItem(1, "8"))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, untouched.Status)

	in := timeEntryItem(1, "8")
	in.ResetFailed = true
	revived, err := svc.Enqueue(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, claimed.ID, revived.ID)
	assert.Equal(t, StatusPending, revived.Status)
	assert.Equal(t, 0, revived.Attempts)

	failed, err := svc.ListFailed(ctx, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, failed)
}
