package app

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/bishopkbb/access-edu-ng-sub000/internal/domain"
	"github.com/bishopkbb/access-edu-ng-sub000/internal/store"
)

// PlanStore persists plans created through the internal plan endpoint.
type PlanStore interface {
	GetPlan(ctx context.Context, planCode string) (*domain.Plan, error)
	GetPlanByKey(ctx context.Context, key string) (*domain.Plan, error)
	ListPlans(ctx context.Context) ([]domain.Plan, error)
	CreatePlan(ctx context.Context, plan *domain.Plan) (*domain.Plan, error)
}

// PlanCatalog resolves the plan a client asks for. Plans configured through the
// environment take precedence over plans stored in the database.
type PlanCatalog struct {
	configured []domain.Plan
	repo       PlanStore
}

// NewPlanCatalog creates a catalog from configured plans and an optional plan store.
func NewPlanCatalog(configured []domain.Plan, repo PlanStore) *PlanCatalog {
	plans := make([]domain.Plan, 0, len(configured))
	for _, p := range configured {
		if p.PlanCode == "" || p.Amount <= 0 {
			continue
		}
		p.Key = strings.ToLower(strings.TrimSpace(p.Key))
		p.DisplayAmount = domain.FormatMinorUnits(p.Amount)
		plans = append(plans, p)
	}
	return &PlanCatalog{configured: plans, repo: repo}
}

// Lookup resolves a catalog key ("monthly") or a gateway plan code ("PLN_xxx").
func (c *PlanCatalog) Lookup(ctx context.Context, ref string) (*domain.Plan, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, &domain.ValidationError{Field: "planCode", Message: "planCode is required"}
	}

	key := strings.ToLower(ref)
	for i := range c.configured {
		p := c.configured[i]
		if p.Key == key || p.PlanCode == ref {
			return &p, nil
		}
	}

	if c.repo != nil {
		plan, err := c.repo.GetPlanByKey(ctx, key)
		if err == nil {
			return plan, nil
		}
		if !errors.Is(err, store.ErrPlanNotFound) {
			return nil, err
		}
		plan, err = c.repo.GetPlan(ctx, ref)
		if err == nil {
			return plan, nil
		}
		if !errors.Is(err, store.ErrPlanNotFound) {
			return nil, err
		}
	}
	return nil, &domain.NotFoundError{Resource: "plan", ID: ref}
}

// List returns every purchasable plan, cheapest first.
func (c *PlanCatalog) List(ctx context.Context) ([]domain.Plan, error) {
	seen := make(map[string]bool, len(c.configured))
	plans := make([]domain.Plan, 0, len(c.configured))
	for _, p := range c.configured {
		seen[p.PlanCode] = true
		plans = append(plans, p)
	}

	if c.repo != nil {
		stored, err := c.repo.ListPlans(ctx)
		if err != nil {
			return nil, err
		}
		for _, p := range stored {
			if seen[p.PlanCode] {
				continue
			}
			seen[p.PlanCode] = true
			plans = append(plans, p)
		}
	}

	sort.SliceStable(plans, func(i, j int) bool { return plans[i].Amount < plans[j].Amount })
	return plans, nil
}
