package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/digkill/FinBot/internal/config"
	"github.com/digkill/FinBot/internal/models"
	"github.com/digkill/FinBot/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.Config {
	return config.Config{
		Location:                  time.UTC,
		FreeDailyMessages:         5,
		ReferralUnlockThreshold:   2,
		SuperVIPReferralThreshold: 5,
		TrialDurationDays:         7,
		PremiumDurationMonths:     12,
		SuperVIPWarnDays:          7,
		SuperVIPDowngradeDays:     14,
		HourlyValue:               500,
		MinutesSavedPerMessage:    2,
		PremiumMonthlyPrice:       299,
		SweepConcurrency:          4,
	}
}

// memUsers is a UserStore that serialises updates with one mutex, the way the
// MySQL store serialises them with row locks.
type memUsers struct {
	mu      sync.Mutex
	users   map[int64]*models.User
	writes  int
	failErr error
	// wholeSeconds rounds stored timestamps to the second like a DATETIME column.
	wholeSeconds bool
}

func newMemUsers(users ...*models.User) *memUsers {
	m := &memUsers{users: make(map[int64]*models.User)}
	for _, u := range users {
		m.users[u.TelegramID] = u.Clone()
	}
	return m
}

func (m *memUsers) Get(_ context.Context, telegramID int64) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, m.failErr
	}
	u, ok := m.users[telegramID]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	return u.Clone(), nil
}

func (m *memUsers) AtomicUpdate(_ context.Context, telegramID int64, mutate func(*models.User) error) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, m.failErr
	}
	u, ok := m.users[telegramID]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	next := u.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if !next.Tier.Valid() {
		return nil, errors.New("invalid tier")
	}
	if m.wholeSeconds {
		roundTimes(next)
	}
	m.users[telegramID] = next
	m.writes++
	return next.Clone(), nil
}

func roundTimes(u *models.User) {
	for _, t := range []**time.Time{
		&u.TrialStartedAt, &u.TrialEndsAt, &u.PremiumStartedAt, &u.PremiumExpiresAt,
		&u.LastActivityAt, &u.SuperVIPSince, &u.SuperVIPWarnedAt,
	} {
		if *t != nil {
			*t = timeRef((**t).Round(time.Second))
		}
	}
}

func (m *memUsers) ListSuperVIPIDs(context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, u := range m.users {
		if u.SuperVIPSince != nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memUsers) user(telegramID int64) *models.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[telegramID].Clone()
}

func (m *memUsers) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

type recordingJobs struct {
	mu   sync.Mutex
	jobs map[string]models.Job
	regs int
}

func newRecordingJobs() *recordingJobs {
	return &recordingJobs{jobs: make(map[string]models.Job)}
}

func (r *recordingJobs) ScheduleOnce(_ context.Context, kind models.JobKind, userID int64, fireAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := models.JobID(kind, userID)
	r.jobs[id] = models.Job{ID: id, Kind: kind, UserID: userID, FireAt: fireAt}
	r.regs++
	return nil
}

func (r *recordingJobs) Cancel(_ context.Context, kind models.JobKind, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, models.JobID(kind, userID))
	return nil
}

func (r *recordingJobs) job(kind models.JobKind, userID int64) (models.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[models.JobID(kind, userID)]
	return job, ok
}

func (r *recordingJobs) forUser(userID int64) []models.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Job
	for _, job := range r.jobs {
		if job.UserID == userID {
			out = append(out, job)
		}
	}
	return out
}

type recordingNotifier struct {
	mu       sync.Mutex
	sent     []models.Notification
	failures int
}

func (n *recordingNotifier) Notify(_ context.Context, note models.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failures > 0 {
		n.failures--
		return errors.New("telegram unavailable")
	}
	n.sent = append(n.sent, note)
	return nil
}

func (n *recordingNotifier) ofKind(kind models.NotificationKind) []models.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []models.Notification
	for _, note := range n.sent {
		if note.Kind == kind {
			out = append(out, note)
		}
	}
	return out
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func freeUser(telegramID int64) *models.User {
	return &models.User{
		ID:         telegramID,
		TelegramID: telegramID,
		Tier:       models.TierFree,
		CreatedAt:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// memDirectory adds the registration queries to memUsers and shares its data.
type memDirectory struct {
	*memUsers
}

func (d memDirectory) Ensure(_ context.Context, telegramID int64, username, firstName, lastName string) (*models.User, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u, ok := d.users[telegramID]; ok {
		return u.Clone(), false, nil
	}
	u := freeUser(telegramID)
	u.Username, u.FirstName, u.LastName = username, firstName, lastName
	d.users[telegramID] = u
	return u.Clone(), true, nil
}

func (d memDirectory) GetByID(_ context.Context, id int64) (*models.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range d.users {
		if u.ID == id {
			return u.Clone(), nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (d memDirectory) SetReferredBy(_ context.Context, telegramID, referrerID int64) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[telegramID]
	if !ok || u.ReferredBy != nil {
		return false, nil
	}
	u.ReferredBy = &referrerID
	return true, nil
}

func (d memDirectory) ListTelegramIDs(context.Context) ([]int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]int64, 0, len(d.users))
	for id := range d.users {
		ids = append(ids, id)
	}
	return ids, nil
}
