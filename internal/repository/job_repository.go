package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/digkill/FinBot/internal/models"
)

// JobRepository persists scheduled jobs so they survive restarts.
type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `id, kind, user_id, fire_at, cron_spec, attempts, COALESCE(locked_by, ''), locked_until, COALESCE(last_error, ''), created_at, updated_at`

// Upsert inserts the job or replaces the registration with the same id.
// A replacement drops any lease held by a runner, so that runner will not
// delete the new registration when it finishes.
func (r *JobRepository) Upsert(ctx context.Context, job models.Job) error {
	const query = `
INSERT INTO scheduled_jobs (id, kind, user_id, fire_at, cron_spec, attempts)
VALUES (?, ?, ?, ?, ?, 0)
ON DUPLICATE KEY UPDATE
    kind = VALUES(kind),
    user_id = VALUES(user_id),
    fire_at = VALUES(fire_at),
    cron_spec = VALUES(cron_spec),
    attempts = 0,
    locked_by = NULL,
    locked_until = NULL,
    last_error = NULL,
    updated_at = NOW()`
	if _, err := r.db.ExecContext(ctx, query, job.ID, job.Kind, job.UserID, job.FireAt.UTC(), job.CronSpec); err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

func (r *JobRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

func (r *JobRepository) Get(ctx context.Context, id string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM scheduled_jobs WHERE id = ?`
	job, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ClaimDue leases up to limit due jobs to owner until leaseUntil and returns them.
func (r *JobRepository) ClaimDue(ctx context.Context, owner string, now, leaseUntil time.Time, limit int) ([]models.Job, error) {
	const claim = `
UPDATE scheduled_jobs
SET locked_by = ?, locked_until = ?
WHERE fire_at <= ? AND (locked_until IS NULL OR locked_until < ?)
ORDER BY fire_at ASC
LIMIT ?`
	if _, err := r.db.ExecContext(ctx, claim, owner, leaseUntil.UTC(), now.UTC(), now.UTC(), limit); err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}

	query := `SELECT ` + jobColumns + ` FROM scheduled_jobs WHERE locked_by = ? ORDER BY fire_at ASC`
	rows, err := r.db.QueryContext(ctx, query, owner)
	if err != nil {
		return nil, fmt.Errorf("list claimed jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// Complete deletes a finished one-shot job if owner still holds its lease.
func (r *JobRepository) Complete(ctx context.Context, id, owner string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ? AND locked_by = ?`, id, owner); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// Reschedule moves a job held by owner to fireAt and releases the lease.
func (r *JobRepository) Reschedule(ctx context.Context, id, owner string, fireAt time.Time, attempts int, lastError string) error {
	const query = `
UPDATE scheduled_jobs
SET fire_at = ?, attempts = ?, last_error = NULLIF(?, ''), locked_by = NULL, locked_until = NULL, updated_at = NOW()
WHERE id = ? AND locked_by = ?`
	if _, err := r.db.ExecContext(ctx, query, fireAt.UTC(), attempts, lastError, id, owner); err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	return nil
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job         models.Job
		kind        string
		lockedUntil sql.NullTime
	)
	if err := row.Scan(&job.ID, &kind, &job.UserID, &job.FireAt, &job.CronSpec, &job.Attempts, &job.LockedBy, &lockedUntil, &job.LastError, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	job.Kind = models.JobKind(kind)
	job.FireAt = job.FireAt.UTC()
	job.LockedUntil = timePtr(lockedUntil)
	return &job, nil
}
