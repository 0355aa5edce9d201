package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/digkill/FinBot/internal/config"
	"github.com/digkill/FinBot/internal/models"
)

type ReferralResult struct {
	Count int
	// Unlocked is true only on the referral that crossed the unlock threshold.
	Unlocked        bool
	SuperVIPGranted bool
}

type ReferralService struct {
	cfg      config.Config
	log      *slog.Logger
	users    UserStore
	notifier Notifier
}

func NewReferralService(cfg config.Config, log *slog.Logger, users UserStore, notifier Notifier) *ReferralService {
	return &ReferralService{cfg: cfg, log: log, users: users, notifier: notifier}
}

// RecordReferral credits referrerID with one completed referral and fires the
// one-time unlock and Super VIP messages when a threshold is crossed.
func (s *ReferralService) RecordReferral(ctx context.Context, referrerID int64, now time.Time) (ReferralResult, error) {
	var res ReferralResult
	updated, err := s.users.AtomicUpdate(ctx, referrerID, func(u *models.User) error {
		res = ReferralResult{}
		u.ReferralCount++
		if !u.IsUnlocked && u.ReferralCount >= s.cfg.ReferralUnlockThreshold {
			u.IsUnlocked = true
			res.Unlocked = true
		}
		if u.IsUnlocked && u.SuperVIPSince == nil && u.ReferralCount >= s.cfg.SuperVIPReferralThreshold {
			u.SuperVIPSince = timeRef(now)
			u.SuperVIPWarnedAt = nil
			if u.LastActivityAt == nil {
				u.LastActivityAt = timeRef(now)
			}
			res.SuperVIPGranted = true
		}
		res.Count = u.ReferralCount
		return nil
	})
	if err != nil {
		return ReferralResult{}, fmt.Errorf("record referral: %w", storeErr("update referrer", err))
	}

	s.log.Info("referral recorded", "referrer", referrerID, "count", res.Count, "unlocked", res.Unlocked, "super_vip", res.SuperVIPGranted)

	if res.Unlocked {
		s.notify(ctx, models.Notification{
			Kind:       models.NotifyReferralUnlocked,
			TelegramID: updated.TelegramID,
			Referrals:  res.Count,
			CreatedAt:  now,
		})
	}
	if res.SuperVIPGranted {
		s.notify(ctx, models.Notification{
			Kind:       models.NotifySuperVIPGranted,
			TelegramID: updated.TelegramID,
			Referrals:  res.Count,
			CreatedAt:  now,
		})
	}
	return res, nil
}

// notify is best effort: the transition is already persisted and must not be
// reported as failed because a message could not be delivered.
func (s *ReferralService) notify(ctx context.Context, n models.Notification) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.log.Warn("referral notification failed", "user", n.TelegramID, "kind", n.Kind, "err", err)
	}
}
