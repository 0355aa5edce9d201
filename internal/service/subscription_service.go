package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/digkill/FinBot/internal/models"
)

// wowDelay is how long after a trial or premium start the value report goes out.
const wowDelay = 24 * time.Hour

// monthLength approximates a billing month; premium is not calendar accurate.
const monthLength = 30 * 24 * time.Hour

type TrialResult struct {
	Started bool
	// AlreadyElevated means the user was on trial or premium and nothing changed.
	AlreadyElevated bool
	Tier            models.Tier
	User            *models.User
}

type PremiumResult struct {
	FromTier models.Tier
	User     *models.User
}

// SubscriptionService owns the forward tier transitions. Downgrades only
// happen through lazy expiry in TierResolver.
type SubscriptionService struct {
	log   *slog.Logger
	users UserStore
	jobs  JobScheduler
}

func NewSubscriptionService(log *slog.Logger, users UserStore, jobs JobScheduler) *SubscriptionService {
	return &SubscriptionService{log: log, users: users, jobs: jobs}
}

// StartTrial moves a free user onto a trial of days and schedules the trial
// campaign. Users already on trial or premium get AlreadyElevated.
func (s *SubscriptionService) StartTrial(ctx context.Context, telegramID int64, days int, now time.Time) (TrialResult, error) {
	if days <= 0 {
		return TrialResult{}, ErrInvalidDuration
	}

	var res TrialResult
	updated, err := s.users.AtomicUpdate(ctx, telegramID, func(u *models.User) error {
		res = TrialResult{}
		expired := u.ApplyExpiry(now)
		if u.Tier != models.TierFree {
			res.AlreadyElevated = true
			if !expired {
				return errNothingToDo
			}
			return nil
		}
		endsAt := now.Add(time.Duration(days) * 24 * time.Hour)
		u.Tier = models.TierTrial
		u.TrialStartedAt = timeRef(now)
		u.TrialEndsAt = timeRef(endsAt)
		u.PeriodMessageCount = 0
		res.Started = true
		return nil
	})
	if errors.Is(err, errNothingToDo) {
		updated, err = s.users.Get(ctx, telegramID)
	}
	if err != nil {
		return TrialResult{}, fmt.Errorf("start trial: %w", storeErr("update user", err))
	}

	res.User = updated
	res.Tier = updated.Tier
	if !res.Started {
		s.log.Info("trial not started, already elevated", "user", telegramID, "tier", updated.Tier)
		return res, nil
	}

	s.log.Info("trial started", "user", telegramID, "ends_at", updated.TrialEndsAt)
	s.scheduleTrialJobs(ctx, telegramID, now, *updated.TrialEndsAt)
	return res, nil
}

// scheduleTrialJobs is best effort. Jobs validate state when they fire and
// expiry is lazy, so a lost registration only costs a message.
func (s *SubscriptionService) scheduleTrialJobs(ctx context.Context, telegramID int64, now, endsAt time.Time) {
	s.schedule(ctx, models.JobWowMoment, telegramID, now.Add(wowDelay))

	reminderAt := endsAt.Add(-24 * time.Hour)
	if reminderAt.After(now) {
		s.schedule(ctx, models.JobTrialDay6Reminder, telegramID, reminderAt)
	} else {
		s.log.Info("trial reminder skipped, time already passed", "user", telegramID, "reminder_at", reminderAt)
	}

	s.schedule(ctx, models.JobTrialEnded, telegramID, endsAt)
}

func (s *SubscriptionService) schedule(ctx context.Context, kind models.JobKind, telegramID int64, fireAt time.Time) {
	if err := s.jobs.ScheduleOnce(ctx, kind, telegramID, fireAt); err != nil {
		s.log.Error("failed to schedule job", "user", telegramID, "kind", kind, "err", err)
	}
}

// UpgradeToPremium grants premium for months (30-day months) from any tier.
// The period always starts at now, so a renewal replaces the remaining time
// instead of adding to it. In-flight trial jobs are left alone and abort
// themselves when they fire.
func (s *SubscriptionService) UpgradeToPremium(ctx context.Context, telegramID int64, months int, now time.Time) (PremiumResult, error) {
	if months <= 0 {
		return PremiumResult{}, ErrInvalidDuration
	}

	var res PremiumResult
	updated, err := s.users.AtomicUpdate(ctx, telegramID, func(u *models.User) error {
		u.ApplyExpiry(now)
		res.FromTier = u.Tier
		u.Tier = models.TierPremium
		u.PremiumStartedAt = timeRef(now)
		u.PremiumExpiresAt = timeRef(now.Add(time.Duration(months) * monthLength))
		u.TrialEndsAt = nil
		if res.FromTier != models.TierPremium {
			u.PeriodMessageCount = 0
		}
		return nil
	})
	if err != nil {
		return PremiumResult{}, fmt.Errorf("upgrade to premium: %w", storeErr("update user", err))
	}
	res.User = updated

	s.log.Info("premium granted", "user", telegramID, "from", res.FromTier, "expires_at", updated.PremiumExpiresAt)
	if res.FromTier != models.TierPremium {
		s.schedule(ctx, models.JobWowMoment, telegramID, now.Add(wowDelay))
	}
	return res, nil
}
