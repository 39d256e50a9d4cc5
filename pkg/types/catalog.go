package types

import (
	"fmt"
	"slices"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// BillingCycle describes how often a subscription is charged.
type BillingCycle struct {
	Key       string `json:"key" mapstructure:"key"`
	Name      string `json:"name" mapstructure:"name"`
	NumMonths int    `json:"num_months" mapstructure:"num_months"`
	// NumDaysGracePeriod is how long an overdue subscription keeps access after a failed charge.
	NumDaysGracePeriod int `json:"num_days_grace_period" mapstructure:"num_days_grace_period"`
	// NotifyUpcomingTransactionWithinDays enables the upcoming renewal notice when > 0.
	NotifyUpcomingTransactionWithinDays int  `json:"notify_upcoming_transaction_within_days" mapstructure:"notify_upcoming_transaction_within_days"`
	Enabled                             bool `json:"enabled" mapstructure:"enabled"`
}

// NextTs returns t advanced by one cycle.
func (c *BillingCycle) NextTs(t time.Time) time.Time {
	return t.AddDate(0, c.NumMonths, 0)
}

// PreviousTs returns t moved back by one cycle.
func (c *BillingCycle) PreviousTs(t time.Time) time.Time {
	return t.AddDate(0, -c.NumMonths, 0)
}

func (c *BillingCycle) GracePeriod() time.Duration {
	return time.Duration(c.NumDaysGracePeriod) * 24 * time.Hour
}

// Plan is a purchasable tier. Higher Level means more access.
type Plan struct {
	Key   string `json:"key" mapstructure:"key"`
	Name  string `json:"name" mapstructure:"name"`
	Level int    `json:"level" mapstructure:"level"`
	// Prices maps billing cycle key to a decimal price string, e.g. "50.00".
	Prices map[string]string `json:"prices" mapstructure:"prices"`
}

func (p *Plan) BillingCycleIsCompatible(cycle *BillingCycle) bool {
	if p == nil || cycle == nil || !cycle.Enabled {
		return false
	}
	_, ok := p.Prices[cycle.Key]
	return ok
}

// GetPrice returns the plan price for one billing cycle.
func (p *Plan) GetPrice(cycle *BillingCycle) (decimal.Decimal, error) {
	if cycle == nil {
		return decimal.Zero, fmt.Errorf("billing cycle is nil")
	}
	raw, ok := p.Prices[cycle.Key]
	if !ok {
		return decimal.Zero, fmt.Errorf("plan %s has no price for billing cycle %s", p.Key, cycle.Key)
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid price %q for plan %s: %w", raw, p.Key, err)
	}
	return price, nil
}

// CycleKeys lists the billing cycles the plan has a price for, sorted.
func (p *Plan) CycleKeys() []string {
	keys := lo.Keys(p.Prices)
	slices.Sort(keys)
	return keys
}

// AppleProduct maps an App Store product id onto a plan and billing cycle.
type AppleProduct struct {
	ProductID       string `json:"product_id" mapstructure:"product_id"`
	PlanKey         string `json:"plan_key" mapstructure:"plan_key"`
	BillingCycleKey string `json:"billing_cycle_key" mapstructure:"billing_cycle_key"`
}
