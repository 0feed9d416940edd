package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rillcall/internal/core/domain"
)

func TestMemoryCallRecordRepository_Outcomes(t *testing.T) {
	repo := NewMemoryCallRecordRepository()
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	require.NoError(t, repo.SaveOutcome(ctx, &domain.CallRecord{CallID: "c1", CallerID: "alice", CalleeID: "bob", Status: domain.CallStatusMissed, StartTime: base}))
	require.NoError(t, repo.SaveOutcome(ctx, &domain.CallRecord{CallID: "c2", CallerID: "bob", CalleeID: "carol", Status: domain.CallStatusCompleted, StartTime: base.Add(time.Minute)}))
	require.NoError(t, repo.SaveOutcome(ctx, &domain.CallRecord{CallID: "c1", Status: domain.CallStatusCompleted}))

	got, err := repo.GetOutcome(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusMissed, got.Status, "first outcome wins")

	_, err = repo.GetOutcome(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrCallNotFound)

	bobs, err := repo.ListByUser(ctx, "bob", 0)
	require.NoError(t, err)
	require.Len(t, bobs, 2)
	assert.Equal(t, domain.CallID("c2"), bobs[0].CallID)

	limited, err := repo.ListByUser(ctx, "bob", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestMemoryCallRecordRepository_Stats(t *testing.T) {
	repo := NewMemoryCallRecordRepository()
	ctx := context.Background()

	_, err := repo.GetStats(ctx, "c1")
	assert.ErrorIs(t, err, domain.ErrCallStatsNotFound)

	require.NoError(t, repo.SaveStats(ctx, &domain.CallStats{CallID: "c1", TotalSamples: 4, ReportedBy: "alice"}))
	stats, err := repo.GetStats(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 4, stats[0].TotalSamples)
	assert.Equal(t, domain.UserID("alice"), stats[0].ReportedBy)
}

func TestMemoryCallRecordRepository_StatsPerReporter(t *testing.T) {
	repo := NewMemoryCallRecordRepository()
	ctx := context.Background()

	require.NoError(t, repo.SaveStats(ctx, &domain.CallStats{CallID: "c1", ReportedBy: "alice", TotalSamples: 7}))
	require.NoError(t, repo.SaveStats(ctx, &domain.CallStats{CallID: "c1", ReportedBy: "bob", TotalSamples: 3}))
	require.NoError(t, repo.SaveStats(ctx, &domain.CallStats{CallID: "c2", ReportedBy: "bob", TotalSamples: 1}))

	stats, err := repo.GetStats(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, domain.UserID("alice"), stats[0].ReportedBy)
	assert.Equal(t, 7, stats[0].TotalSamples)
	assert.Equal(t, domain.UserID("bob"), stats[1].ReportedBy)
	assert.Equal(t, 3, stats[1].TotalSamples)

	// A later report from the same party replaces only that party's report.
	require.NoError(t, repo.SaveStats(ctx, &domain.CallStats{CallID: "c1", ReportedBy: "bob", TotalSamples: 5}))
	stats, err = repo.GetStats(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, 7, stats[0].TotalSamples)
	assert.Equal(t, 5, stats[1].TotalSamples)
}
