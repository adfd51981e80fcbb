package budget

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"mercator-hq/costgate/pkg/config"
)

// Plan is a subscription tier's monthly allowance.
type Plan struct {
	Name          string
	MonthlyBudget decimal.Decimal
	Credits       decimal.Decimal
}

// Plans is an immutable set of tiers with a default.
type Plans struct {
	plans       map[string]Plan
	defaultPlan string
}

// NewPlans builds the tier set from configuration.
func NewPlans(cfg config.BudgetConfig) *Plans {
	p := &Plans{
		plans:       make(map[string]Plan, len(cfg.Plans)),
		defaultPlan: cfg.DefaultPlan,
	}
	for name, pc := range cfg.Plans {
		p.plans[name] = Plan{Name: name, MonthlyBudget: pc.MonthlyBudget, Credits: pc.Credits}
	}
	return p
}

// DefaultPlans returns the built-in tiers with starter as default.
func DefaultPlans() *Plans {
	return NewPlans(config.BudgetConfig{Plans: config.DefaultPlans(), DefaultPlan: config.DefaultPlan})
}

// Lookup returns the named tier. An empty name selects the default.
func (p *Plans) Lookup(name string) (Plan, error) {
	if name == "" {
		name = p.defaultPlan
	}
	plan, ok := p.plans[name]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", ErrUnknownPlan, name)
	}
	return plan, nil
}

// Names returns the tier names in order.
func (p *Plans) Names() []string {
	names := make([]string, 0, len(p.plans))
	for name := range p.plans {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
