package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/digkill/FinBot/internal/models"
)

type UserService struct {
	log       *slog.Logger
	users     UserDirectory
	referrals ReferralRecorder
}

func NewUserService(log *slog.Logger, users UserDirectory, referrals ReferralRecorder) *UserService {
	return &UserService{log: log, users: users, referrals: referrals}
}

func (s *UserService) Ensure(ctx context.Context, telegramID int64, username, firstName, lastName string) (*models.User, bool, error) {
	user, created, err := s.users.Ensure(ctx, telegramID, username, firstName, lastName)
	if err != nil {
		return nil, false, fmt.Errorf("ensure user: %w", err)
	}
	return user, created, nil
}

// Register ensures the user exists and, for a brand new user arriving via a
// referral link, credits the referrer. Self-referrals and unknown referrers
// are ignored.
func (s *UserService) Register(ctx context.Context, telegramID int64, username, firstName, lastName string, referrerID int64, now time.Time) (*models.User, bool, error) {
	user, created, err := s.Ensure(ctx, telegramID, username, firstName, lastName)
	if err != nil {
		return nil, false, err
	}
	if !created || referrerID == 0 || referrerID == telegramID {
		return user, created, nil
	}

	if _, err := s.users.Get(ctx, referrerID); err != nil {
		s.log.Warn("referrer lookup failed", "user", telegramID, "referrer", referrerID, "err", err)
		return user, created, nil
	}
	linked, err := s.users.SetReferredBy(ctx, telegramID, referrerID)
	if err != nil {
		return user, created, fmt.Errorf("link referrer: %w", err)
	}
	if !linked {
		return user, created, nil
	}
	user.ReferredBy = &referrerID

	if _, err := s.referrals.RecordReferral(ctx, referrerID, now); err != nil {
		return user, created, err
	}
	return user, created, nil
}

func (s *UserService) Get(ctx context.Context, telegramID int64) (*models.User, error) {
	return s.users.Get(ctx, telegramID)
}

func (s *UserService) GetByID(ctx context.Context, id int64) (*models.User, error) {
	return s.users.GetByID(ctx, id)
}

func (s *UserService) ListTelegramIDs(ctx context.Context) ([]int64, error) {
	ids, err := s.users.ListTelegramIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list telegram ids: %w", err)
	}
	return ids, nil
}
