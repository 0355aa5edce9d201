package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/digkill/FinBot/internal/models"
	"github.com/digkill/FinBot/internal/repository"
)

var (
	ErrStoreUnavailable = errors.New("user store unavailable")
	ErrInvalidDuration  = errors.New("duration must be positive")
)

// errNothingToDo aborts an AtomicUpdate without writing when the mutator
// finds the record already in the desired state.
var errNothingToDo = errors.New("nothing to do")

// UserStore is the per-user record store. AtomicUpdate must serialise all
// mutations of one user (repository.UserRepository uses SELECT ... FOR UPDATE).
type UserStore interface {
	Get(ctx context.Context, telegramID int64) (*models.User, error)
	AtomicUpdate(ctx context.Context, telegramID int64, mutate func(*models.User) error) (*models.User, error)
}

type SuperVIPLister interface {
	ListSuperVIPIDs(ctx context.Context) ([]int64, error)
}

// JobScheduler registers one-shot lifecycle jobs. Re-registering a kind for
// the same user replaces the earlier job.
type JobScheduler interface {
	ScheduleOnce(ctx context.Context, kind models.JobKind, userID int64, fireAt time.Time) error
	Cancel(ctx context.Context, kind models.JobKind, userID int64) error
}

// UserDirectory is the part of the user repository that registration and
// payment lookups need on top of UserStore.
type UserDirectory interface {
	Ensure(ctx context.Context, telegramID int64, username, firstName, lastName string) (*models.User, bool, error)
	Get(ctx context.Context, telegramID int64) (*models.User, error)
	GetByID(ctx context.Context, id int64) (*models.User, error)
	SetReferredBy(ctx context.Context, telegramID, referrerID int64) (bool, error)
	ListTelegramIDs(ctx context.Context) ([]int64, error)
}

type ReferralRecorder interface {
	RecordReferral(ctx context.Context, referrerID int64, now time.Time) (ReferralResult, error)
}

// PaymentStore persists payment attempts. MarkPaid must flip a payment to
// paid at most once.
type PaymentStore interface {
	Create(ctx context.Context, payment *models.Payment) error
	UpdateStatus(ctx context.Context, paymentID int64, status string, payload string) error
	MarkPaid(ctx context.Context, paymentID int64, payload string) (bool, error)
	FindByProviderCharge(ctx context.Context, provider, chargeID string) (*models.Payment, error)
}

type PayerLookup interface {
	GetByID(ctx context.Context, id int64) (*models.User, error)
}

type PlanCatalog interface {
	GetDefault(ctx context.Context) (*models.Plan, error)
	GetByID(ctx context.Context, id int64) (*models.Plan, error)
}

type PremiumGranter interface {
	UpgradeToPremium(ctx context.Context, telegramID int64, months int, now time.Time) (PremiumResult, error)
}

// Notifier hands a structured payload to the messaging layer.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// storeErr marks infrastructure failures so callers can fail closed.
// Business outcomes from the store (user not found) pass through untouched.
func storeErr(op string, err error) error {
	if errors.Is(err, repository.ErrUserNotFound) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// localDay formats now as a calendar date in the reference timezone.
func localDay(now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return now.In(loc).Format(time.DateOnly)
}

func previousDay(day string) string {
	t, err := time.Parse(time.DateOnly, day)
	if err != nil {
		return ""
	}
	return t.AddDate(0, 0, -1).Format(time.DateOnly)
}

func timeRef(t time.Time) *time.Time {
	return &t
}
