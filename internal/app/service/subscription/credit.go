package subscription

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/types"
)

const day = 24 * time.Hour

// creditAmount prorates price over the paid window that is still unused at now.
//
// The window runs from paidFrom (the first paid charge, or StartAt) to the
// earliest of EndAt and NextTransactionAt, falling back to one cycle from
// StartAt. It never spans more than one cycle.
func creditAmount(sub *models.Subscription, cycle *types.BillingCycle, price decimal.Decimal, paidFrom *time.Time, now time.Time) decimal.Decimal {
	if sub.NextTransactionAt != nil && !sub.NextTransactionAt.After(now) {
		return decimal.Zero
	}

	var end time.Time
	for _, t := range []*time.Time{sub.EndAt, sub.NextTransactionAt} {
		if t != nil && (end.IsZero() || t.Before(end)) {
			end = *t
		}
	}
	if end.IsZero() {
		end = cycle.NextTs(sub.StartAt)
	}
	if !end.After(now) {
		return decimal.Zero
	}

	start := sub.StartAt
	if paidFrom != nil {
		start = *paidFrom
	}
	if floor := cycle.PreviousTs(end); start.Before(floor) {
		start = floor
	}

	daysLeft := math.Ceil(float64(end.Sub(now)) / float64(day))
	totalDays := math.Ceil(float64(end.Sub(start)) / float64(day))
	if totalDays <= 0 {
		return decimal.Zero
	}
	if daysLeft > totalDays {
		daysLeft = totalDays
	}

	credit := price.Mul(decimal.NewFromFloat(daysLeft)).Div(decimal.NewFromFloat(totalDays))
	credit = decimal.Min(price, decimal.Max(decimal.Zero, credit))
	return types.RoundMoney(credit)
}

// CreditAmount is the value of sub's unused paid time at now.
func (s *Service) CreditAmount(ctx context.Context, sub *models.Subscription, now time.Time) (decimal.Decimal, error) {
	plan, cycle, err := s.planAndCycle(sub)
	if err != nil {
		return decimal.Zero, err
	}
	price, err := plan.GetPrice(cycle)
	if err != nil {
		return decimal.Zero, err
	}
	txs, err := s.store.ListSubscriptionTransactions(ctx, sub.ID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to list transactions: %w", err)
	}
	var paidFrom *time.Time
	for _, tx := range txs {
		if tx.IsPaid() {
			paidFrom = &tx.CreatedAt
			break
		}
	}
	return creditAmount(sub, cycle, price, paidFrom, now), nil
}

// Credit is a subscription whose unused time can pay toward another one.
type Credit struct {
	Subscription *models.Subscription
	Plan         *types.Plan
	Amount       decimal.Decimal
}

// FindCreditableSubscription returns the user's paid, mutable subscription with
// the highest credit whose plan level does not exceed level. excludeID skips
// the subscription being charged. It returns nil when nothing is creditable.
func (s *Service) FindCreditableSubscription(ctx context.Context, userID string, level int, excludeID string, now time.Time) (*Credit, error) {
	if userID == "" {
		return nil, nil
	}
	subs, err := s.store.ListUserSubscriptions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	var best *Credit
	for _, sub := range subs {
		if sub.ID == excludeID || !sub.GrantsAccessAt(now) || !s.IsMutable(sub) {
			continue
		}
		if sub.NumTransactions == 0 || !sub.LastTransactionAmount.IsPositive() {
			continue
		}
		plan, err := s.catalog.PlanOf(sub)
		if err != nil || plan.Level > level {
			continue
		}
		amount, err := s.CreditAmount(ctx, sub, now)
		if err != nil {
			return nil, err
		}
		if !amount.IsPositive() {
			continue
		}
		if best == nil || amount.GreaterThan(best.Amount) {
			best = &Credit{Subscription: sub, Plan: plan, Amount: amount}
		}
	}
	return best, nil
}
