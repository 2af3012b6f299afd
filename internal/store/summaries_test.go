package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/childguard/daemon/internal/domain"
)

func TestDailySummaryUpsertRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateProfile(ctx, &domain.Profile{ID: "p1", SystemUser: "alex", State: domain.ProfileActive, CreatedAt: time.Now()}))

	sum := &domain.DailySummary{ProfileID: "p1", Date: "2026-07-01", ScreenSeconds: 3600, ActiveSeconds: 3000, IdleSeconds: 600, SessionCount: 2}
	require.NoError(t, s.UpsertDailySummary(ctx, sum))

	sum.ScreenSeconds = 7200
	sum.SessionCount = 3
	require.NoError(t, s.UpsertDailySummary(ctx, sum))

	got, err := s.DailySummaries(ctx, "p1", "2026-07-01", "2026-07-01")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(7200), got[0].ScreenSeconds)
	assert.Equal(t, 3, got[0].SessionCount)
}

func TestDailySummariesFiltersByDateRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateProfile(ctx, &domain.Profile{ID: "p1", SystemUser: "alex", State: domain.ProfileActive, CreatedAt: time.Now()}))

	require.NoError(t, s.UpsertDailySummary(ctx, &domain.DailySummary{ProfileID: "p1", Date: "2026-06-30"}))
	require.NoError(t, s.UpsertDailySummary(ctx, &domain.DailySummary{ProfileID: "p1", Date: "2026-07-01"}))
	require.NoError(t, s.UpsertDailySummary(ctx, &domain.DailySummary{ProfileID: "p1", Date: "2026-07-02"}))

	got, err := s.DailySummaries(ctx, "p1", "2026-07-01", "2026-07-02")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "2026-07-01", got[0].Date)
	assert.Equal(t, "2026-07-02", got[1].Date)
}
