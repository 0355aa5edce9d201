package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/digkill/FinBot/internal/config"
	"github.com/digkill/FinBot/internal/lock"
	"github.com/digkill/FinBot/internal/models"
	"github.com/digkill/FinBot/internal/repository"
)

const (
	sweepLockKey = "super_vip_decay_sweep"
	sweepLockTTL = 30 * time.Minute
)

// CampaignKinds lists the job kinds HandleJob understands.
var CampaignKinds = []models.JobKind{
	models.JobWowMoment,
	models.JobTrialDay6Reminder,
	models.JobTrialEnded,
	models.JobSuperVIPDecaySweep,
}

type SweepReport struct {
	Scanned    int
	Warned     int
	Downgraded int
	Failed     int
}

type decayAction int

const (
	decayNone decayAction = iota
	decayWarned
	decayDowngraded
)

// campaignPlan is what a job would send, and the start of the episode it
// belongs to. A delivery mark at or after since means it already went out.
type campaignPlan struct {
	since time.Time
	note  models.Notification
}

// CampaignService runs the scheduled lifecycle jobs. Every job re-reads the
// user and quietly does nothing when the state it was scheduled for is gone.
type CampaignService struct {
	cfg      config.Config
	log      *slog.Logger
	users    UserStore
	lister   SuperVIPLister
	locker   lock.Locker
	notifier Notifier
}

func NewCampaignService(cfg config.Config, log *slog.Logger, users UserStore, lister SuperVIPLister, locker lock.Locker, notifier Notifier) *CampaignService {
	return &CampaignService{
		cfg:      cfg,
		log:      log,
		users:    users,
		lister:   lister,
		locker:   locker,
		notifier: notifier,
	}
}

// HandleJob dispatches a fired job to its handler.
func (s *CampaignService) HandleJob(ctx context.Context, job models.Job, now time.Time) error {
	switch job.Kind {
	case models.JobWowMoment:
		return s.WowMoment(ctx, job.UserID, now)
	case models.JobTrialDay6Reminder:
		return s.TrialReminder(ctx, job.UserID, now)
	case models.JobTrialEnded:
		return s.TrialEnded(ctx, job.UserID, now)
	case models.JobSuperVIPDecaySweep:
		_, err := s.SuperVIPDecaySweep(ctx, now)
		return err
	}
	return fmt.Errorf("unsupported job kind %q", job.Kind)
}

// WowMoment sends the first value report of a trial or premium period.
func (s *CampaignService) WowMoment(ctx context.Context, telegramID int64, now time.Time) error {
	return s.deliver(ctx, models.JobWowMoment, telegramID, now, func(u *models.User) *campaignPlan {
		if u.Tier != models.TierTrial && u.Tier != models.TierPremium {
			return nil
		}
		since := periodStart(u)
		report := ComputeValue(u.PeriodMessageCount, elapsedDays(since, now), s.cfg)
		return &campaignPlan{
			since: since,
			note: models.Notification{
				Kind:        models.NotifyWowMoment,
				TelegramID:  u.TelegramID,
				Tier:        u.Tier,
				Value:       &report,
				TrialEndsAt: u.TrialEndsAt,
				ExpiresAt:   u.PremiumExpiresAt,
				CreatedAt:   now,
			},
		}
	})
}

// TrialReminder urges conversion a day before the trial ends. It is silent
// for anyone no longer on a running trial.
func (s *CampaignService) TrialReminder(ctx context.Context, telegramID int64, now time.Time) error {
	return s.deliver(ctx, models.JobTrialDay6Reminder, telegramID, now, func(u *models.User) *campaignPlan {
		if u.Tier != models.TierTrial || u.TrialStartedAt == nil || u.TrialEndsAt == nil {
			return nil
		}
		if !now.Before(*u.TrialEndsAt) {
			return nil
		}
		report := ComputeValue(u.PeriodMessageCount, elapsedDays(*u.TrialStartedAt, now), s.cfg)
		return &campaignPlan{
			since: *u.TrialStartedAt,
			note: models.Notification{
				Kind:        models.NotifyTrialReminder,
				TelegramID:  u.TelegramID,
				Tier:        u.Tier,
				Value:       &report,
				TrialEndsAt: u.TrialEndsAt,
				DaysLeft:    int(math.Ceil(u.TrialEndsAt.Sub(now).Hours() / 24)),
				CreatedAt:   now,
			},
		}
	})
}

// TrialEnded tells the user their trial is over. The downgrade itself is
// left to lazy expiry.
func (s *CampaignService) TrialEnded(ctx context.Context, telegramID int64, now time.Time) error {
	return s.deliver(ctx, models.JobTrialEnded, telegramID, now, func(u *models.User) *campaignPlan {
		if u.Tier == models.TierPremium || u.TrialEndsAt == nil || now.Before(*u.TrialEndsAt) {
			return nil
		}
		since := *u.TrialEndsAt
		days := 1
		if u.TrialStartedAt != nil {
			since = *u.TrialStartedAt
			days = elapsedDays(*u.TrialStartedAt, *u.TrialEndsAt)
		}
		report := ComputeValue(u.PeriodMessageCount, days, s.cfg)
		return &campaignPlan{
			since: since,
			note: models.Notification{
				Kind:        models.NotifyTrialEnded,
				TelegramID:  u.TelegramID,
				Tier:        models.TierFree,
				Value:       &report,
				TrialEndsAt: u.TrialEndsAt,
				CreatedAt:   now,
			},
		}
	})
}

// deliver claims the campaign mark for kind under the user lock, sends the
// notification, and gives the mark back if sending failed so a retry can go out.
func (s *CampaignService) deliver(ctx context.Context, kind models.JobKind, telegramID int64, now time.Time, build func(*models.User) *campaignPlan) error {
	log := s.log.With("user", telegramID, "kind", kind)

	var (
		plan      *campaignPlan
		previous  *time.Time
		duplicate bool
	)
	_, err := s.users.AtomicUpdate(ctx, telegramID, func(u *models.User) error {
		plan, previous, duplicate = nil, nil, false
		expired := u.ApplyExpiry(now)
		plan = build(u)
		switch {
		case plan == nil:
		case u.CampaignSentSince(kind, plan.since):
			duplicate = true
		default:
			if at, ok := u.CampaignMarks[kind]; ok {
				previous = timeRef(at)
			}
			u.MarkCampaign(kind, now)
			return nil
		}
		if !expired {
			return errNothingToDo
		}
		return nil
	})
	if err != nil && !errors.Is(err, errNothingToDo) {
		if errors.Is(err, repository.ErrUserNotFound) {
			log.Info("stale job, user not found")
			return nil
		}
		return fmt.Errorf("%s: %w", kind, storeErr("claim campaign", err))
	}

	switch {
	case plan == nil:
		log.Info("stale job, skipping")
		return nil
	case duplicate:
		log.Info("campaign already delivered for this period")
		return nil
	}

	if err := s.notifier.Notify(ctx, plan.note); err != nil {
		s.releaseMark(ctx, kind, telegramID, now, previous)
		return fmt.Errorf("deliver %s: %w", kind, err)
	}
	log.Info("campaign delivered")
	return nil
}

func (s *CampaignService) releaseMark(ctx context.Context, kind models.JobKind, telegramID int64, claimedAt time.Time, previous *time.Time) {
	_, err := s.users.AtomicUpdate(context.WithoutCancel(ctx), telegramID, func(u *models.User) error {
		at, ok := u.CampaignMarks[kind]
		if !ok || !at.Equal(claimedAt) {
			return errNothingToDo
		}
		u.UnmarkCampaign(kind, previous)
		return nil
	})
	if err != nil && !errors.Is(err, errNothingToDo) {
		s.log.Error("failed to release campaign mark", "user", telegramID, "kind", kind, "err", err)
	}
}

// SuperVIPDecaySweep warns and then demotes Super VIP users who stopped
// showing up. Users are processed in parallel; one replica sweeps at a time.
func (s *CampaignService) SuperVIPDecaySweep(ctx context.Context, now time.Time) (SweepReport, error) {
	release, ok, err := s.locker.TryLock(ctx, sweepLockKey, sweepLockTTL)
	if err != nil {
		return SweepReport{}, fmt.Errorf("acquire sweep lock: %w", err)
	}
	if !ok {
		s.log.Info("decay sweep already running elsewhere")
		return SweepReport{}, nil
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn("failed to release sweep lock", "err", err)
		}
	}()

	ids, err := s.lister.ListSuperVIPIDs(ctx)
	if err != nil {
		return SweepReport{}, fmt.Errorf("list super vip users: %w", err)
	}

	var (
		mu     sync.Mutex
		report = SweepReport{Scanned: len(ids)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.cfg.SweepConcurrency, 1))
	for _, id := range ids {
		id := id
		g.Go(func() error {
			action, err := s.decayUser(gctx, id, now)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failed++
				s.log.Error("decay check failed", "user", id, "err", err)
			case action == decayWarned:
				report.Warned++
			case action == decayDowngraded:
				report.Downgraded++
			}
			return nil
		})
	}
	_ = g.Wait()

	s.log.Info("decay sweep finished",
		"scanned", report.Scanned,
		"warned", report.Warned,
		"downgraded", report.Downgraded,
		"failed", report.Failed,
	)
	if err := ctx.Err(); err != nil {
		return report, err
	}
	if report.Failed > 0 {
		return report, fmt.Errorf("decay sweep: %d of %d users failed", report.Failed, report.Scanned)
	}
	return report, nil
}

func (s *CampaignService) decayUser(ctx context.Context, telegramID int64, now time.Time) (decayAction, error) {
	var (
		action   decayAction
		inactive int
	)
	// DATETIME columns keep whole seconds; store the value unwarn will look for.
	warnedAt := now.Truncate(time.Second)
	_, err := s.users.AtomicUpdate(ctx, telegramID, func(u *models.User) error {
		action, inactive = decayNone, 0
		if u.SuperVIPSince == nil {
			return errNothingToDo
		}
		lastActive := *u.SuperVIPSince
		if u.LastActivityAt != nil && u.LastActivityAt.After(lastActive) {
			lastActive = *u.LastActivityAt
		}
		inactive = int(now.Sub(lastActive) / (24 * time.Hour))

		switch {
		case inactive >= s.cfg.SuperVIPDowngradeDays:
			u.SuperVIPSince = nil
			u.SuperVIPWarnedAt = nil
			action = decayDowngraded
		case inactive >= s.cfg.SuperVIPWarnDays && u.SuperVIPWarnedAt == nil:
			u.SuperVIPWarnedAt = timeRef(warnedAt)
			action = decayWarned
		default:
			return errNothingToDo
		}
		return nil
	})
	if errors.Is(err, errNothingToDo) || errors.Is(err, repository.ErrUserNotFound) {
		return decayNone, nil
	}
	if err != nil {
		return decayNone, storeErr("update super vip", err)
	}

	switch action {
	case decayWarned:
		s.log.Info("super vip inactivity warning", "user", telegramID, "days_inactive", inactive)
		err := s.notifier.Notify(ctx, models.Notification{
			Kind:         models.NotifySuperVIPWarning,
			TelegramID:   telegramID,
			DaysInactive: inactive,
			DaysLeft:     s.cfg.SuperVIPDowngradeDays - inactive,
			CreatedAt:    now,
		})
		if err != nil {
			s.unwarn(ctx, telegramID, warnedAt)
			return action, fmt.Errorf("send super vip warning: %w", err)
		}
	case decayDowngraded:
		s.log.Info("super vip downgraded", "user", telegramID, "days_inactive", inactive)
		err := s.notifier.Notify(ctx, models.Notification{
			Kind:         models.NotifySuperVIPDowngrade,
			TelegramID:   telegramID,
			DaysInactive: inactive,
			CreatedAt:    now,
		})
		if err != nil {
			s.log.Warn("super vip downgrade notice failed", "user", telegramID, "err", err)
		}
	}
	return action, nil
}

// unwarn clears a warning marker that was set for a notice that never went out.
func (s *CampaignService) unwarn(ctx context.Context, telegramID int64, warnedAt time.Time) {
	_, err := s.users.AtomicUpdate(context.WithoutCancel(ctx), telegramID, func(u *models.User) error {
		if u.SuperVIPWarnedAt == nil || u.SuperVIPWarnedAt.Sub(warnedAt).Abs() >= time.Second {
			return errNothingToDo
		}
		u.SuperVIPWarnedAt = nil
		return nil
	})
	if err != nil && !errors.Is(err, errNothingToDo) {
		s.log.Error("failed to clear super vip warning", "user", telegramID, "err", err)
	}
}

// periodStart is the beginning of the current paid or trial period.
func periodStart(u *models.User) time.Time {
	var since time.Time
	if u.TrialStartedAt != nil {
		since = *u.TrialStartedAt
	}
	if u.PremiumStartedAt != nil && u.PremiumStartedAt.After(since) {
		since = *u.PremiumStartedAt
	}
	if since.IsZero() {
		since = u.CreatedAt
	}
	return since
}
