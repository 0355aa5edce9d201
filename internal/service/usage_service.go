package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/digkill/FinBot/internal/config"
	"github.com/digkill/FinBot/internal/models"
)

var ErrQuotaExceeded = errors.New("daily message quota exceeded")

const (
	ReasonQuotaExceeded    = "quota exceeded"
	ReasonStoreUnavailable = "store unavailable"

	// Unlimited is reported as Remaining for tiers without a daily quota.
	Unlimited = -1
)

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed   bool
	Reason    string
	Tier      models.Tier
	Used      int
	Remaining int
	// LowNotice is set when the recorded message left exactly one for today.
	LowNotice bool
}

type UsageLimiter struct {
	cfg   config.Config
	log   *slog.Logger
	users UserStore
}

func NewUsageLimiter(cfg config.Config, log *slog.Logger, users UserStore) *UsageLimiter {
	return &UsageLimiter{cfg: cfg, log: log, users: users}
}

// CanSend reports whether the user may send a message now without consuming
// quota. Lapsed tiers and stale daily counters are persisted on the way.
func (l *UsageLimiter) CanSend(ctx context.Context, telegramID int64, now time.Time) (Decision, error) {
	today := localDay(now, l.cfg.Location)

	user, err := l.users.Get(ctx, telegramID)
	if err != nil {
		return l.denyOnError("get user", telegramID, err)
	}
	tier, expired := user.EffectiveTier(now)
	if !expired && (tier != models.TierFree || user.DailyCountResetDate == today) {
		return l.decide(user, tier, today), nil
	}

	var decision Decision
	_, err = l.users.AtomicUpdate(ctx, telegramID, func(u *models.User) error {
		changed := u.ApplyExpiry(now)
		if u.Tier == models.TierFree && u.ResetDailyIfStale(today) {
			changed = true
		}
		decision = l.decide(u, u.Tier, today)
		if !changed {
			return errNothingToDo
		}
		return nil
	})
	if err != nil && !errors.Is(err, errNothingToDo) {
		return l.denyOnError("refresh user", telegramID, err)
	}
	return decision, nil
}

// RecordSend consumes one message for the user. It checks and increments in
// one atomic update so concurrent messages cannot both take the last slot.
func (l *UsageLimiter) RecordSend(ctx context.Context, telegramID int64, now time.Time) (Decision, error) {
	decision, err := l.Consume(ctx, telegramID, now)
	if err != nil {
		return decision, err
	}
	if !decision.Allowed {
		return decision, ErrQuotaExceeded
	}
	return decision, nil
}

// Consume is RecordSend that reports a denial in the Decision instead of
// as an error. Store failures deny.
func (l *UsageLimiter) Consume(ctx context.Context, telegramID int64, now time.Time) (Decision, error) {
	today := localDay(now, l.cfg.Location)

	var decision Decision
	_, err := l.users.AtomicUpdate(ctx, telegramID, func(u *models.User) error {
		changed := u.ApplyExpiry(now)
		if u.Tier != models.TierFree {
			u.PeriodMessageCount++
			decision = l.decide(u, u.Tier, today)
			return nil
		}
		if u.ResetDailyIfStale(today) {
			changed = true
		}
		decision = l.decide(u, u.Tier, today)
		if !decision.Allowed {
			if !changed {
				return errNothingToDo
			}
			return nil
		}
		u.DailyMessageCount++
		u.PeriodMessageCount++
		decision = l.decide(u, u.Tier, today)
		decision.Allowed = true
		decision.Reason = ""
		decision.LowNotice = decision.Remaining == 1
		return nil
	})
	if err != nil && !errors.Is(err, errNothingToDo) {
		return l.denyOnError("record send", telegramID, err)
	}
	return decision, nil
}

func (l *UsageLimiter) decide(u *models.User, tier models.Tier, today string) Decision {
	if tier != models.TierFree {
		return Decision{Allowed: true, Tier: tier, Remaining: Unlimited}
	}
	used := u.DailyCount(today)
	remaining := l.cfg.FreeDailyMessages - used
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{Tier: tier, Used: used, Remaining: remaining, Allowed: remaining > 0}
	if !d.Allowed {
		d.Reason = ReasonQuotaExceeded
	}
	return d
}

func (l *UsageLimiter) denyOnError(op string, telegramID int64, err error) (Decision, error) {
	err = storeErr(op, err)
	if errors.Is(err, ErrStoreUnavailable) {
		l.log.Error("usage check failed, denying", "user", telegramID, "err", err)
	}
	return Decision{Allowed: false, Reason: ReasonStoreUnavailable, Remaining: 0}, fmt.Errorf("usage limiter: %w", err)
}
