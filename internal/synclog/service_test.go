package synclog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/payroll-sync/internal/shared"
)

func TestSessionLifecycleCountsOutcomes(t *testing.T) {
	now := time.Date(2025, 1, 15, 8, 0, 0, 0, time.UTC)
	log := NewLog(NewMemoryRepository(), nil).WithClock(func() time.Time { return now })
	ctx := context.Background()

	s, err := log.Open(ctx, 4, "ticket-1", "poll", DirectionExport)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, s.Status)

	require.NoError(t, log.RecordOutcome(ctx, s.ID, 10, OutcomeSent, ""))
	require.NoError(t, log.RecordOutcome(ctx, s.ID, 10, OutcomeCompleted, ""))
	require.NoError(t, log.RecordOutcome(ctx, s.ID, 11, OutcomeSent, ""))
	require.NoError(t, log.RecordOutcome(ctx, s.ID, 11, OutcomeFailed, "unmapped employee"))
	require.NoError(t, log.RecordOutcome(ctx, s.ID, 0, OutcomeDiscarded, "unknown correlation"))

	now = now.Add(90 * time.Second)
	closed, err := log.Close(ctx, s.ID, "")
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, closed.Status)
	assert.Equal(t, 2, closed.SentCount)
	assert.Equal(t, 1, closed.CompletedCount)
	assert.Equal(t, 1, closed.FailedCount)
	assert.Equal(t, 1, closed.DiscardedCount)
	assert.Equal(t, int64(90000), closed.DurationMS)

	entries, err := log.Entries(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.Nil(t, entries[4].ItemID)
}

func TestCloseTwiceKeepsFirstResult(t *testing.T) {
	log := NewLog(NewMemoryRepository(), nil)
	ctx := context.Background()
	s, err := log.Open(ctx, 4, "ticket-2", "poll", DirectionExport)
	require.NoError(t, err)

	first, err := log.Close(ctx, s.ID, "agent reported 0x80040408")
	require.NoError(t, err)
	assert.Equal(t, StatusError, first.Status)

	second, err := log.Close(ctx, s.ID, "")
	require.NoError(t, err)
	assert.Equal(t, StatusError, second.Status)
	assert.True(t, second.Closed())

	found, err := log.FindByTicket(ctx, "ticket-2")
	require.NoError(t, err)
	assert.True(t, found.Closed())
}

func TestUnknownSession(t *testing.T) {
	log := NewLog(NewMemoryRepository(), nil)
	_, err := log.FindByTicket(context.Background(), "nope")
	assert.ErrorIs(t, err, shared.ErrNotFound)
	assert.ErrorIs(t, log.RecordOutcome(context.Background(), 9, 1, OutcomeSent, ""), shared.ErrNotFound)
}
