package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/digkill/FinBot/internal/models"
)

// TierResolver maps a user to the tier that governs them right now.
type TierResolver struct {
	log   *slog.Logger
	users UserStore
}

func NewTierResolver(log *slog.Logger, users UserStore) *TierResolver {
	return &TierResolver{log: log, users: users}
}

// Resolve returns the effective tier of user at now. A lapsed trial or
// premium is downgraded to free and persisted here (lazy expiry), so this
// call may write. user is refreshed in place after a downgrade.
// On a store failure the effective tier is still returned alongside the error.
func (r *TierResolver) Resolve(ctx context.Context, user *models.User, now time.Time) (models.Tier, error) {
	tier, expired := user.EffectiveTier(now)
	if !expired {
		return tier, nil
	}

	var previous models.Tier
	updated, err := r.users.AtomicUpdate(ctx, user.TelegramID, func(u *models.User) error {
		previous = u.Tier
		if !u.ApplyExpiry(now) {
			return errNothingToDo
		}
		return nil
	})
	switch {
	case errors.Is(err, errNothingToDo):
		fresh, getErr := r.users.Get(ctx, user.TelegramID)
		if getErr != nil {
			return tier, storeErr("reload user", getErr)
		}
		*user = *fresh
		current, _ := fresh.EffectiveTier(now)
		return current, nil
	case err != nil:
		return tier, storeErr("persist expiry", err)
	}

	r.log.Info("tier expired", "user", user.TelegramID, "from", previous, "to", updated.Tier)
	*user = *updated
	return updated.Tier, nil
}

// ResolveByID loads the user and resolves their tier.
func (r *TierResolver) ResolveByID(ctx context.Context, telegramID int64, now time.Time) (*models.User, models.Tier, error) {
	user, err := r.users.Get(ctx, telegramID)
	if err != nil {
		return nil, models.TierFree, storeErr("get user", err)
	}
	tier, err := r.Resolve(ctx, user, now)
	return user, tier, err
}
