// Package scheduler runs persisted one-shot and recurring jobs.
//
// Jobs live in the database, keyed by "{kind}:{user_id}", so registering the
// same kind for the same user again replaces the earlier registration and a
// restart loses nothing. Cancellation is best effort: handlers must re-check
// current state before acting.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/digkill/FinBot/internal/models"
)

const maxBackoff = time.Hour

var ErrNoHandler = errors.New("no handler registered for job kind")

// Store is the persistence the scheduler needs. repository.JobRepository implements it.
type Store interface {
	Get(ctx context.Context, id string) (*models.Job, error)
	Upsert(ctx context.Context, job models.Job) error
	Delete(ctx context.Context, id string) error
	ClaimDue(ctx context.Context, owner string, now, leaseUntil time.Time, limit int) ([]models.Job, error)
	Complete(ctx context.Context, id, owner string) error
	Reschedule(ctx context.Context, id, owner string, fireAt time.Time, attempts int, lastError string) error
}

// Handler executes one fired job. now is the time the runner picked it up.
type Handler func(ctx context.Context, job models.Job, now time.Time) error

type Options struct {
	PollInterval time.Duration
	BatchSize    int
	Lease        time.Duration
	MaxAttempts  int
	Location     *time.Location
}

type Scheduler struct {
	store    Store
	log      *slog.Logger
	opts     Options
	parser   cron.Parser
	now      func() time.Time
	mu       sync.RWMutex
	handlers map[models.JobKind]Handler
}

func New(store Store, log *slog.Logger, opts Options) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 15 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Lease <= 0 {
		opts.Lease = 2 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Scheduler{
		store:    store,
		log:      log,
		opts:     opts,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:      func() time.Time { return time.Now().UTC() },
		handlers: make(map[models.JobKind]Handler),
	}
}

// Handle registers the handler for a job kind, replacing any previous one.
func (s *Scheduler) Handle(kind models.JobKind, h Handler) {
	s.mu.Lock()
	s.handlers[kind] = h
	s.mu.Unlock()
}

// ScheduleOnce registers a one-shot job for the user at fireAt.
func (s *Scheduler) ScheduleOnce(ctx context.Context, kind models.JobKind, userID int64, fireAt time.Time) error {
	job := models.Job{
		ID:     models.JobID(kind, userID),
		Kind:   kind,
		UserID: userID,
		FireAt: fireAt.UTC(),
	}
	if err := s.store.Upsert(ctx, job); err != nil {
		return fmt.Errorf("schedule %s: %w", job.ID, err)
	}
	return nil
}

// ScheduleRecurring registers (or replaces) a global recurring job.
func (s *Scheduler) ScheduleRecurring(ctx context.Context, kind models.JobKind, spec string) error {
	next, err := s.nextRun(spec, s.now())
	if err != nil {
		return err
	}
	job := models.Job{
		ID:       models.GlobalJobID(kind),
		Kind:     kind,
		FireAt:   next,
		CronSpec: spec,
	}
	if err := s.store.Upsert(ctx, job); err != nil {
		return fmt.Errorf("schedule recurring %s: %w", job.ID, err)
	}
	return nil
}

// EnsureRecurring registers the recurring job unless the same spec is already
// stored. Keeping the stored fire time means a run missed during a restart
// still happens on the next poll.
func (s *Scheduler) EnsureRecurring(ctx context.Context, kind models.JobKind, spec string) error {
	existing, err := s.store.Get(ctx, models.GlobalJobID(kind))
	if err != nil {
		return fmt.Errorf("load recurring %s: %w", kind, err)
	}
	if existing != nil && existing.CronSpec == spec {
		return nil
	}
	return s.ScheduleRecurring(ctx, kind, spec)
}

// Cancel removes the user's job of the given kind if it is still pending.
func (s *Scheduler) Cancel(ctx context.Context, kind models.JobKind, userID int64) error {
	if err := s.store.Delete(ctx, models.JobID(kind, userID)); err != nil {
		return fmt.Errorf("cancel %s: %w", models.JobID(kind, userID), err)
	}
	return nil
}

// Run polls for due jobs until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	s.log.Info("scheduler started", "poll_interval", s.opts.PollInterval.String())
	for {
		if _, err := s.RunDue(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("scheduler poll failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunDue claims one batch of due jobs and executes them. It returns how many
// jobs were picked up.
func (s *Scheduler) RunDue(ctx context.Context) (int, error) {
	now := s.now()
	owner := uuid.NewString()
	jobs, err := s.store.ClaimDue(ctx, owner, now, now.Add(s.opts.Lease), s.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			return len(jobs), ctx.Err()
		}
		s.execute(ctx, owner, job, now)
	}
	return len(jobs), nil
}

func (s *Scheduler) execute(ctx context.Context, owner string, job models.Job, now time.Time) {
	s.mu.RLock()
	handler, ok := s.handlers[job.Kind]
	s.mu.RUnlock()

	var runErr error
	if !ok {
		runErr = fmt.Errorf("%w: %s", ErrNoHandler, job.Kind)
	} else {
		runErr = s.invoke(ctx, handler, job, now)
	}

	log := s.log.With("job", job.ID, "kind", job.Kind)

	if runErr == nil {
		if job.Recurring() {
			s.advanceRecurring(ctx, owner, job, now, 0, "")
			return
		}
		if err := s.store.Complete(ctx, job.ID, owner); err != nil {
			log.Error("complete job", "err", err)
		}
		return
	}

	attempts := job.Attempts + 1
	if errors.Is(runErr, ErrNoHandler) || attempts >= s.opts.MaxAttempts {
		log.Error("job failed permanently", "attempts", attempts, "err", runErr)
		if job.Recurring() {
			s.advanceRecurring(ctx, owner, job, now, 0, runErr.Error())
			return
		}
		if err := s.store.Complete(ctx, job.ID, owner); err != nil {
			log.Error("drop failed job", "err", err)
		}
		return
	}

	retryAt := now.Add(backoff(attempts))
	log.Warn("job failed, retrying", "attempts", attempts, "retry_at", retryAt, "err", runErr)
	if err := s.store.Reschedule(ctx, job.ID, owner, retryAt, attempts, runErr.Error()); err != nil {
		log.Error("reschedule failed job", "err", err)
	}
}

func (s *Scheduler) invoke(ctx context.Context, h Handler, job models.Job, now time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return h(ctx, job, now)
}

func (s *Scheduler) advanceRecurring(ctx context.Context, owner string, job models.Job, now time.Time, attempts int, lastErr string) {
	next, err := s.nextRun(job.CronSpec, now)
	if err != nil {
		s.log.Error("recurring job has invalid spec", "job", job.ID, "spec", job.CronSpec, "err", err)
		next = now.Add(24 * time.Hour)
	}
	if err := s.store.Reschedule(ctx, job.ID, owner, next, attempts, lastErr); err != nil {
		s.log.Error("advance recurring job", "job", job.ID, "err", err)
	}
}

func (s *Scheduler) nextRun(spec string, after time.Time) (time.Time, error) {
	expr := strings.TrimSpace(spec)
	if !strings.HasPrefix(expr, "TZ=") && !strings.HasPrefix(expr, "CRON_TZ=") {
		expr = "CRON_TZ=" + s.opts.Location.String() + " " + expr
	}
	schedule, err := s.parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron spec %q: %w", spec, err)
	}
	next := schedule.Next(after)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron spec %q never fires", spec)
	}
	return next.UTC(), nil
}

func backoff(attempts int) time.Duration {
	d := 30 * time.Second
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}
