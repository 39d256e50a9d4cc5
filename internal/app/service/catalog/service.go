// Package catalog serves the configured plans and billing cycles.
package catalog

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/fx"

	cfgpkg "github.com/fatflowers/billing/pkg/config"
	"github.com/fatflowers/billing/pkg/types"
)

var (
	ErrPlanNotFound         = errors.New("plan not found")
	ErrBillingCycleNotFound = errors.New("billing cycle not found")
)

var Module = fx.Options(
	fx.Provide(New),
)

type Service struct {
	plans  map[string]*types.Plan
	cycles map[string]*types.BillingCycle
}

// New indexes the catalog and rejects plans priced in unknown cycles.
func New(cfg *cfgpkg.Config) (*Service, error) {
	s := &Service{
		plans:  make(map[string]*types.Plan, len(cfg.Plans)),
		cycles: make(map[string]*types.BillingCycle, len(cfg.BillingCycles)),
	}
	for _, c := range cfg.BillingCycles {
		if c.Key == "" || c.NumMonths <= 0 {
			return nil, fmt.Errorf("invalid billing cycle %q: key and num_months are required", c.Key)
		}
		if _, dup := s.cycles[c.Key]; dup {
			return nil, fmt.Errorf("duplicate billing cycle %q", c.Key)
		}
		s.cycles[c.Key] = c
	}
	for _, p := range cfg.Plans {
		if p.Key == "" {
			return nil, fmt.Errorf("plan key is required")
		}
		if _, dup := s.plans[p.Key]; dup {
			return nil, fmt.Errorf("duplicate plan %q", p.Key)
		}
		for cycleKey := range p.Prices {
			cycle, ok := s.cycles[cycleKey]
			if !ok {
				return nil, fmt.Errorf("plan %q is priced in unknown billing cycle %q", p.Key, cycleKey)
			}
			if _, err := p.GetPrice(cycle); err != nil {
				return nil, err
			}
		}
		s.plans[p.Key] = p
	}
	return s, nil
}

func (s *Service) Plan(key string) (*types.Plan, error) {
	p, ok := s.plans[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, key)
	}
	return p, nil
}

func (s *Service) BillingCycle(key string) (*types.BillingCycle, error) {
	c, ok := s.cycles[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBillingCycleNotFound, key)
	}
	return c, nil
}

func (s *Service) PlanOf(v types.HasPlan) (*types.Plan, error) {
	return s.Plan(v.GetPlanKey())
}

func (s *Service) CycleOf(v types.HasBillingCycle) (*types.BillingCycle, error) {
	return s.BillingCycle(v.GetBillingCycleKey())
}

// Price resolves plan and cycle keys to the plan's price for that cycle.
func (s *Service) Price(planKey, cycleKey string) (decimal.Decimal, error) {
	plan, err := s.Plan(planKey)
	if err != nil {
		return decimal.Zero, err
	}
	cycle, err := s.BillingCycle(cycleKey)
	if err != nil {
		return decimal.Zero, err
	}
	return plan.GetPrice(cycle)
}

// Plans lists plans by ascending level.
func (s *Service) Plans() []*types.Plan {
	out := make([]*types.Plan, 0, len(s.plans))
	for _, p := range s.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].Key < out[j].Key
	})
	return out
}
