package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/FinBot/internal/models"
)

func TestUsage_FreeQuotaScenario(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)
	users := newMemUsers(freeUser(1))
	l := NewUsageLimiter(testConfig(), testLogger(), users)

	for i := 1; i <= 5; i++ {
		d, err := l.RecordSend(ctx, 1, now)
		require.NoError(t, err, "message %d", i)
		assert.True(t, d.Allowed)
		assert.Equal(t, 5-i, d.Remaining)
	}
	assert.Equal(t, 5, users.user(1).DailyMessageCount)

	d, err := l.CanSend(ctx, 1, now)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonQuotaExceeded, d.Reason)
	assert.Zero(t, d.Remaining)

	d, err = l.RecordSend(ctx, 1, now)
	require.ErrorIs(t, err, ErrQuotaExceeded)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonQuotaExceeded, d.Reason)
	assert.Zero(t, d.Remaining)
	assert.Equal(t, 5, users.user(1).DailyMessageCount, "denied message is not counted")
}

func TestUsage_LowNoticeWhenOneRemains(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)
	l := NewUsageLimiter(testConfig(), testLogger(), newMemUsers(freeUser(1)))

	var notices []int
	for i := 1; i <= 5; i++ {
		d, err := l.Consume(ctx, 1, now)
		require.NoError(t, err)
		if d.LowNotice {
			notices = append(notices, i)
		}
	}
	assert.Equal(t, []int{4}, notices)
}

func TestUsage_LazyDailyReset(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)
	u := freeUser(1)
	u.DailyMessageCount = 5
	u.DailyCountResetDate = "2026-04-09"
	users := newMemUsers(u)
	l := NewUsageLimiter(testConfig(), testLogger(), users)

	d, err := l.CanSend(ctx, 1, now)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 5, d.Remaining)
	stored := users.user(1)
	assert.Zero(t, stored.DailyMessageCount)
	assert.Equal(t, "2026-04-10", stored.DailyCountResetDate)

	_, err = l.RecordSend(ctx, 1, now)
	require.NoError(t, err)
	assert.Equal(t, 1, users.user(1).DailyMessageCount)
}

func TestUsage_ResetFollowsReferenceTimezone(t *testing.T) {
	ctx := context.Background()
	msk, err := time.LoadLocation("Europe/Moscow")
	require.NoError(t, err)
	cfg := testConfig()
	cfg.Location = msk

	u := freeUser(1)
	u.DailyMessageCount = 5
	u.DailyCountResetDate = "2026-04-10"
	users := newMemUsers(u)
	l := NewUsageLimiter(cfg, testLogger(), users)

	// 21:30 UTC is already the next day in Moscow.
	d, err := l.CanSend(ctx, 1, time.Date(2026, 4, 10, 21, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, "2026-04-11", users.user(1).DailyCountResetDate)
}

func TestUsage_TrialAndPremiumAreUnlimited(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)
	ends := now.Add(72 * time.Hour)
	u := freeUser(1)
	u.Tier = models.TierTrial
	u.TrialEndsAt = &ends
	u.DailyMessageCount = 3
	u.DailyCountResetDate = "2026-04-01"
	users := newMemUsers(u)
	l := NewUsageLimiter(testConfig(), testLogger(), users)

	for i := 0; i < 20; i++ {
		d, err := l.RecordSend(ctx, 1, now)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, Unlimited, d.Remaining)
	}
	stored := users.user(1)
	assert.Equal(t, 3, stored.DailyMessageCount, "daily counter untouched")
	assert.Equal(t, "2026-04-01", stored.DailyCountResetDate)
	assert.Equal(t, 20, stored.PeriodMessageCount)
}

func TestUsage_ExpiredTrialFallsBackToQuota(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)
	ends := now.Add(-time.Second)
	u := freeUser(1)
	u.Tier = models.TierTrial
	u.TrialEndsAt = &ends
	users := newMemUsers(u)
	l := NewUsageLimiter(testConfig(), testLogger(), users)

	d, err := l.RecordSend(ctx, 1, now)
	require.NoError(t, err)
	assert.Equal(t, models.TierFree, d.Tier)
	assert.Equal(t, 4, d.Remaining)
	assert.Equal(t, models.TierFree, users.user(1).Tier)
}

func TestUsage_StoreFailureDenies(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)
	users := newMemUsers(freeUser(1))
	users.failErr = errors.New("connection refused")
	l := NewUsageLimiter(testConfig(), testLogger(), users)

	d, err := l.CanSend(ctx, 1, now)
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonStoreUnavailable, d.Reason)

	d, err = l.RecordSend(ctx, 1, now)
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.False(t, d.Allowed)
}

func TestUsage_ConcurrentSendsNeverExceedQuota(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)
	u := freeUser(1)
	u.DailyMessageCount = 4
	u.DailyCountResetDate = "2026-04-10"
	users := newMemUsers(u)
	l := NewUsageLimiter(testConfig(), testLogger(), users)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Consume(ctx, 1, now)
			assert.NoError(t, err)
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, allowed, "only the last slot may be taken")
	assert.Equal(t, 5, users.user(1).DailyMessageCount)
}
