package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/FinBot/internal/models"
)

const planColumns = `id, title, COALESCE(description, ''), currency, price_minor_units, duration_months, is_active, created_at, updated_at`

// PlanRepository stores the premium pricing plans offered in invoices.
type PlanRepository struct {
	db *sql.DB
}

func NewPlanRepository(db *sql.DB) *PlanRepository {
	return &PlanRepository{db: db}
}

func (r *PlanRepository) List(ctx context.Context) ([]models.Plan, error) {
	const query = `SELECT ` + planColumns + ` FROM pricing_plans ORDER BY id ASC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var plans []models.Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("list plans: %w", err)
		}
		plans = append(plans, *plan)
	}
	return plans, rows.Err()
}

// GetDefault returns the active plan with the lowest id, or nil when every
// plan is disabled.
func (r *PlanRepository) GetDefault(ctx context.Context) (*models.Plan, error) {
	const query = `SELECT ` + planColumns + ` FROM pricing_plans WHERE is_active = 1 ORDER BY id ASC LIMIT 1`
	return r.queryOne(ctx, "get default plan", query)
}

func (r *PlanRepository) GetByID(ctx context.Context, id int64) (*models.Plan, error) {
	const query = `SELECT ` + planColumns + ` FROM pricing_plans WHERE id = ?`
	return r.queryOne(ctx, "get plan", query, id)
}

func (r *PlanRepository) queryOne(ctx context.Context, op, query string, args ...any) (*models.Plan, error) {
	plan, err := scanPlan(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return plan, nil
}

func (r *PlanRepository) Create(ctx context.Context, plan *models.Plan) (*models.Plan, error) {
	const query = `
INSERT INTO pricing_plans (title, description, currency, price_minor_units, duration_months, is_active)
VALUES (?, NULLIF(?, ''), ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query, planArgs(plan)...)
	if err != nil {
		return nil, fmt.Errorf("create plan: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("plan last insert id: %w", err)
	}
	plan.ID = id
	return r.GetByID(ctx, id)
}

// Update overwrites every editable field and returns the stored row, or nil
// when the plan does not exist.
func (r *PlanRepository) Update(ctx context.Context, plan *models.Plan) (*models.Plan, error) {
	const query = `
UPDATE pricing_plans
SET title = ?, description = NULLIF(?, ''), currency = ?, price_minor_units = ?, duration_months = ?, is_active = ?, updated_at = NOW()
WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, append(planArgs(plan), plan.ID)...); err != nil {
		return nil, fmt.Errorf("update plan: %w", err)
	}
	return r.GetByID(ctx, plan.ID)
}

func (r *PlanRepository) Delete(ctx context.Context, id int64) error {
	const query = `DELETE FROM pricing_plans WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete plan: %w", err)
	}
	return nil
}

func planArgs(plan *models.Plan) []any {
	return []any{plan.Title, plan.Description, plan.Currency, plan.PriceMinorUnits, plan.DurationMonths, plan.IsActive}
}

func scanPlan(row rowScanner) (*models.Plan, error) {
	var plan models.Plan
	if err := row.Scan(
		&plan.ID,
		&plan.Title,
		&plan.Description,
		&plan.Currency,
		&plan.PriceMinorUnits,
		&plan.DurationMonths,
		&plan.IsActive,
		&plan.CreatedAt,
		&plan.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("scan plan: %w", err)
	}
	return &plan, nil
}
