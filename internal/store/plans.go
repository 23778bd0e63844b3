package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/bishopkbb/access-edu-ng-sub000/internal/domain"
	"github.com/jackc/pgx/v5"
)

const planColumns = `plan_code, COALESCE(catalog_key, ''), name, amount, currency, interval, description, created_at`

// GetPlan retrieves a plan by its gateway plan code.
func (r *Repository) GetPlan(ctx context.Context, planCode string) (*domain.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE plan_code = $1`
	plan, err := scanPlan(r.db.QueryRow(ctx, query, planCode))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPlanNotFound
		}
		return nil, err
	}
	return plan, nil
}

// GetPlanByKey retrieves a plan by its catalog key ("monthly", "yearly").
func (r *Repository) GetPlanByKey(ctx context.Context, key string) (*domain.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE catalog_key = $1`
	plan, err := scanPlan(r.db.QueryRow(ctx, query, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPlanNotFound
		}
		return nil, err
	}
	return plan, nil
}

// ListPlans returns every stored plan ordered by amount.
func (r *Repository) ListPlans(ctx context.Context) ([]domain.Plan, error) {
	rows, err := r.db.Query(ctx, `SELECT `+planColumns+` FROM plans ORDER BY amount ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	plans := []domain.Plan{}
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, *plan)
	}
	return plans, rows.Err()
}

// CreatePlan stores a plan created at the gateway. An existing row with the same
// plan code is refreshed in place.
func (r *Repository) CreatePlan(ctx context.Context, plan *domain.Plan) (*domain.Plan, error) {
	query := `
		INSERT INTO plans (plan_code, catalog_key, name, amount, currency, interval, description)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7)
		ON CONFLICT (plan_code) DO UPDATE SET
			catalog_key = COALESCE(EXCLUDED.catalog_key, plans.catalog_key),
			name = EXCLUDED.name,
			amount = EXCLUDED.amount,
			currency = EXCLUDED.currency,
			interval = EXCLUDED.interval,
			description = EXCLUDED.description
		RETURNING ` + planColumns
	saved, err := scanPlan(r.db.QueryRow(ctx, query,
		plan.PlanCode, plan.Key, plan.Name, plan.Amount, plan.Currency, string(plan.Interval), plan.Description,
	))
	if err != nil {
		return nil, fmt.Errorf("create plan %s: %w", plan.PlanCode, err)
	}
	return saved, nil
}

func scanPlan(row pgx.Row) (*domain.Plan, error) {
	var (
		plan     domain.Plan
		interval string
	)
	if err := row.Scan(&plan.PlanCode, &plan.Key, &plan.Name, &plan.Amount, &plan.Currency, &interval, &plan.Description, &plan.CreatedAt); err != nil {
		return nil, err
	}
	plan.Interval = domain.Interval(interval)
	plan.DisplayAmount = domain.FormatMinorUnits(plan.Amount)
	return &plan, nil
}
