package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/digkill/FinBot/internal/config"
	"github.com/digkill/FinBot/internal/models"
)

type ActivityResult struct {
	StreakDays    int
	NewMilestones []int
}

// ActivityService records user-initiated actions. Activity feeds the daily
// streak and ends any Super VIP inactivity episode.
type ActivityService struct {
	cfg      config.Config
	log      *slog.Logger
	users    UserStore
	notifier Notifier
}

func NewActivityService(cfg config.Config, log *slog.Logger, users UserStore, notifier Notifier) *ActivityService {
	return &ActivityService{cfg: cfg, log: log, users: users, notifier: notifier}
}

func (s *ActivityService) RecordActivity(ctx context.Context, telegramID int64, now time.Time) (ActivityResult, error) {
	today := localDay(now, s.cfg.Location)

	var res ActivityResult
	_, err := s.users.AtomicUpdate(ctx, telegramID, func(u *models.User) error {
		res = ActivityResult{}
		u.LastActivityAt = timeRef(now)
		u.SuperVIPWarnedAt = nil

		switch u.StreakDate {
		case today:
		case previousDay(today):
			u.StreakDays++
		default:
			u.StreakDays = 1
		}
		u.StreakDate = today

		for _, m := range models.Milestones {
			if u.StreakDays >= m && !u.HasMilestone(m) {
				u.MilestonesAchieved = append(u.MilestonesAchieved, m)
				res.NewMilestones = append(res.NewMilestones, m)
			}
		}
		res.StreakDays = u.StreakDays
		return nil
	})
	if err != nil {
		return ActivityResult{}, fmt.Errorf("record activity: %w", storeErr("update user", err))
	}

	for _, m := range res.NewMilestones {
		s.log.Info("streak milestone reached", "user", telegramID, "days", m)
		if s.notifier == nil {
			continue
		}
		n := models.Notification{
			Kind:       models.NotifyMilestone,
			TelegramID: telegramID,
			Milestone:  m,
			CreatedAt:  now,
		}
		if err := s.notifier.Notify(ctx, n); err != nil {
			s.log.Warn("milestone notification failed", "user", telegramID, "days", m, "err", err)
		}
	}
	return res, nil
}
