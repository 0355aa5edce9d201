package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/digkill/FinBot/internal/models"
)

var (
	ErrUserNotFound           = errors.New("user not found")
	ErrConcurrentModification = errors.New("concurrent modification")
)

const maxUpdateAttempts = 3

// MySQL error numbers that mean another transaction held the row.
const (
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
)

const userColumns = `id, telegram_id, COALESCE(username, ''), COALESCE(first_name, ''), COALESCE(last_name, ''),
tier, trial_started_at, trial_ends_at, premium_started_at, premium_expires_at,
daily_message_count, daily_count_reset_date, period_message_count, referral_count, is_unlocked, referred_by,
last_activity_at, super_vip_since, super_vip_warned_at, streak_days, streak_date,
milestones_achieved, COALESCE(campaign_marks, ''), created_at, updated_at`

type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

// Get returns the user with the given telegram id or ErrUserNotFound.
func (r *UserRepository) Get(ctx context.Context, telegramID int64) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE telegram_id = ?`
	user, err := scanUser(r.db.QueryRowContext(ctx, query, telegramID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

// GetByID looks a user up by the internal primary key stored on payments.
func (r *UserRepository) GetByID(ctx context.Context, id int64) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = ?`
	user, err := scanUser(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user by id: %w", err)
	}
	return user, nil
}

// Ensure creates the user on first contact (tier free, everything else unset)
// or refreshes the profile of an existing one. created reports a fresh insert.
func (r *UserRepository) Ensure(ctx context.Context, telegramID int64, username, firstName, lastName string) (*models.User, bool, error) {
	const query = `
INSERT INTO users (telegram_id, username, first_name, last_name, tier, milestones_achieved)
VALUES (?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), 'free', '[]')
ON DUPLICATE KEY UPDATE
    username = VALUES(username),
    first_name = VALUES(first_name),
    last_name = VALUES(last_name)`
	res, err := r.db.ExecContext(ctx, query, telegramID, username, firstName, lastName)
	if err != nil {
		return nil, false, fmt.Errorf("ensure user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("ensure user rows affected: %w", err)
	}
	user, err := r.Get(ctx, telegramID)
	if err != nil {
		return nil, false, err
	}
	// MySQL reports 1 for an insert and 2 (or 0 when unchanged) for the update branch.
	return user, affected == 1, nil
}

// SetReferredBy records the referrer of a freshly created user. It never
// overwrites an existing referrer.
func (r *UserRepository) SetReferredBy(ctx context.Context, telegramID, referrerID int64) (bool, error) {
	const query = `UPDATE users SET referred_by = ?, updated_at = NOW() WHERE telegram_id = ? AND referred_by IS NULL`
	res, err := r.db.ExecContext(ctx, query, referrerID, telegramID)
	if err != nil {
		return false, fmt.Errorf("set referred by: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("referred by rows affected: %w", err)
	}
	return affected > 0, nil
}

// AtomicUpdate loads the row under SELECT ... FOR UPDATE, applies mutate to a
// copy and writes the result in the same transaction. Lock conflicts are
// retried with fresh state; mutate must therefore be safe to call more than
// once. An error returned by mutate aborts the transaction and is returned as is.
func (r *UserRepository) AtomicUpdate(ctx context.Context, telegramID int64, mutate func(*models.User) error) (*models.User, error) {
	var lastErr error
	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		user, err := r.updateOnce(ctx, telegramID, mutate)
		if err == nil {
			return user, nil
		}
		if !isLockConflict(err) {
			return nil, err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt*25) * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrConcurrentModification, lastErr)
}

func (r *UserRepository) updateOnce(ctx context.Context, telegramID int64, mutate func(*models.User) error) (*models.User, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + userColumns + ` FROM users WHERE telegram_id = ? FOR UPDATE`
	current, err := scanUser(tx.QueryRowContext(ctx, query, telegramID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("lock user: %w", err)
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if !next.Tier.Valid() {
		return nil, fmt.Errorf("refusing to persist invalid tier %q", next.Tier)
	}

	milestones, err := json.Marshal(nonNilInts(next.MilestonesAchieved))
	if err != nil {
		return nil, fmt.Errorf("encode milestones: %w", err)
	}
	marks, err := encodeMarks(next.CampaignMarks)
	if err != nil {
		return nil, err
	}

	const update = `
UPDATE users SET
    tier = ?, trial_started_at = ?, trial_ends_at = ?, premium_started_at = ?, premium_expires_at = ?,
    daily_message_count = ?, daily_count_reset_date = ?, period_message_count = ?,
    referral_count = ?, is_unlocked = ?, referred_by = ?,
    last_activity_at = ?, super_vip_since = ?, super_vip_warned_at = ?,
    streak_days = ?, streak_date = ?, milestones_achieved = ?, campaign_marks = ?,
    updated_at = NOW()
WHERE id = ?`
	if _, err := tx.ExecContext(ctx, update,
		next.Tier, nullTime(next.TrialStartedAt), nullTime(next.TrialEndsAt), nullTime(next.PremiumStartedAt), nullTime(next.PremiumExpiresAt),
		next.DailyMessageCount, next.DailyCountResetDate, next.PeriodMessageCount,
		next.ReferralCount, next.IsUnlocked, nullInt64(next.ReferredBy),
		nullTime(next.LastActivityAt), nullTime(next.SuperVIPSince), nullTime(next.SuperVIPWarnedAt),
		next.StreakDays, next.StreakDate, string(milestones), marks,
		current.ID,
	); err != nil {
		return nil, fmt.Errorf("update user: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit user update: %w", err)
	}
	return next, nil
}

// ListSuperVIPIDs returns telegram ids of every user currently holding Super VIP.
func (r *UserRepository) ListSuperVIPIDs(ctx context.Context) ([]int64, error) {
	return r.listIDs(ctx, `SELECT telegram_id FROM users WHERE super_vip_since IS NOT NULL`)
}

func (r *UserRepository) ListTelegramIDs(ctx context.Context) ([]int64, error) {
	return r.listIDs(ctx, `SELECT telegram_id FROM users`)
}

func (r *UserRepository) listIDs(ctx context.Context, query string) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list telegram ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan telegram id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var (
		u              models.User
		tier           string
		trialStarted   sql.NullTime
		trialEnds      sql.NullTime
		premStarted    sql.NullTime
		premEnds       sql.NullTime
		lastActivity   sql.NullTime
		superVIPSince  sql.NullTime
		superVIPWarned sql.NullTime
		referredBy     sql.NullInt64
		milestones     string
		marks          string
	)
	if err := row.Scan(
		&u.ID, &u.TelegramID, &u.Username, &u.FirstName, &u.LastName,
		&tier, &trialStarted, &trialEnds, &premStarted, &premEnds,
		&u.DailyMessageCount, &u.DailyCountResetDate, &u.PeriodMessageCount, &u.ReferralCount, &u.IsUnlocked, &referredBy,
		&lastActivity, &superVIPSince, &superVIPWarned, &u.StreakDays, &u.StreakDate,
		&milestones, &marks, &u.CreatedAt, &u.UpdatedAt,
	); err != nil {
		return nil, err
	}
	u.Tier = models.Tier(tier)
	u.TrialStartedAt = timePtr(trialStarted)
	u.TrialEndsAt = timePtr(trialEnds)
	u.PremiumStartedAt = timePtr(premStarted)
	u.PremiumExpiresAt = timePtr(premEnds)
	u.LastActivityAt = timePtr(lastActivity)
	u.SuperVIPSince = timePtr(superVIPSince)
	u.SuperVIPWarnedAt = timePtr(superVIPWarned)
	if referredBy.Valid {
		v := referredBy.Int64
		u.ReferredBy = &v
	}
	if milestones != "" {
		if err := json.Unmarshal([]byte(milestones), &u.MilestonesAchieved); err != nil {
			return nil, fmt.Errorf("decode milestones: %w", err)
		}
	}
	decoded, err := decodeMarks(marks)
	if err != nil {
		return nil, err
	}
	u.CampaignMarks = decoded
	return &u, nil
}

func encodeMarks(marks map[models.JobKind]time.Time) (string, error) {
	if len(marks) == 0 {
		return "{}", nil
	}
	raw := make(map[string]time.Time, len(marks))
	for k, v := range marks {
		raw[string(k)] = v.UTC()
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("encode campaign marks: %w", err)
	}
	return string(b), nil
}

func decodeMarks(raw string) (map[models.JobKind]time.Time, error) {
	marks := make(map[models.JobKind]time.Time)
	if raw == "" {
		return marks, nil
	}
	var decoded map[string]time.Time
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("decode campaign marks: %w", err)
	}
	for k, v := range decoded {
		marks[models.JobKind(k)] = v
	}
	return marks, nil
}

func isLockConflict(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDeadlock || myErr.Number == mysqlLockWaitTimeout
	}
	return false
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nonNilInts(v []int) []int {
	if v == nil {
		return []int{}
	}
	return v
}
