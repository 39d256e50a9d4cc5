package subscription

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/types"
)

// Quote is the price breakdown of one charge: plan price, then voucher, then credit.
type Quote struct {
	Plan       *types.Plan
	Cycle      *types.BillingCycle
	BasePrice  decimal.Decimal
	Voucher    *models.VoucherCode
	Discounted decimal.Decimal
	// CreditPlan names the plan whose unused time is credited.
	CreditPlan string
	Credit     decimal.Decimal
	Final      decimal.Decimal
}

// NewQuote prices plan in cycle from base. voucher may be nil; credit is
// subtracted after the voucher and the result is floored at zero.
func NewQuote(plan *types.Plan, cycle *types.BillingCycle, base decimal.Decimal, voucher *models.VoucherCode, creditPlan string, credit decimal.Decimal) *Quote {
	q := &Quote{
		Plan:       plan,
		Cycle:      cycle,
		BasePrice:  types.RoundMoney(base),
		Voucher:    voucher,
		Discounted: types.RoundMoney(base),
		CreditPlan: creditPlan,
		Credit:     types.RoundMoney(credit),
	}
	if voucher != nil {
		q.Discounted = voucher.ApplyToPrice(base)
	}
	q.Final = types.RoundMoney(decimal.Max(decimal.Zero, q.Discounted.Sub(q.Credit)))
	return q
}

// Discount is everything taken off the base price.
func (q *Quote) Discount() decimal.Decimal {
	return types.RoundMoney(q.BasePrice.Sub(q.Final))
}

func (q *Quote) Description() string {
	return Describe(q.Plan, q.Cycle)
}

// LineItems itemizes the quote. The amounts always sum to Final.
func (q *Quote) LineItems() []models.LineItem {
	items := []models.LineItem{{Description: q.Description(), Amount: q.BasePrice}}
	if off := q.BasePrice.Sub(q.Discounted); off.IsPositive() {
		items = append(items, models.LineItem{
			Description: fmt.Sprintf("Voucher %s (%d%% off)", q.Voucher.Code, q.Voucher.DiscountPercentage),
			Amount:      off.Neg(),
		})
	}
	if applied := q.Discounted.Sub(q.Final); applied.IsPositive() {
		items = append(items, models.LineItem{
			Description: fmt.Sprintf("Credit for unused time on %s", q.CreditPlan),
			Amount:      applied.Neg(),
		})
	}
	return items
}

// Describe renders "Plan (Cycle)".
func Describe(plan *types.Plan, cycle *types.BillingCycle) string {
	planName, cycleName := plan.Name, cycle.Name
	if planName == "" {
		planName = plan.Key
	}
	if cycleName == "" {
		cycleName = cycle.Key
	}
	return fmt.Sprintf("%s (%s)", planName, cycleName)
}
