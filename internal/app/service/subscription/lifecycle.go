package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/fatflowers/billing/internal/app/store"
	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/logctx"
	"github.com/fatflowers/billing/pkg/types"
)

// endTime is when an ended subscription stops granting access. An immediate end
// stops at now; otherwise the user keeps everything already paid for.
func endTime(sub *models.Subscription, cycle *types.BillingCycle, now time.Time, immediate bool) time.Time {
	if immediate {
		return now
	}
	end := now
	candidates := []*time.Time{sub.EndAt, sub.NextTransactionAt}
	if cycle != nil {
		// zero-cost subscriptions never set NextTransactionAt
		next := cycle.NextTs(sub.StartAt)
		candidates = append(candidates, &next)
	}
	for _, c := range candidates {
		if c != nil && c.After(end) {
			end = *c
		}
	}
	return end
}

// applyEnd marks sub ended. It does not persist anything.
func applyEnd(sub *models.Subscription, cycle *types.BillingCycle, reason types.EndReason, now time.Time, immediate bool) {
	end := endTime(sub, cycle, now, immediate)
	if end.Before(sub.StartAt) {
		// an immediately ended subscription that had not started yet
		sub.StartAt = end
	}
	sub.EndAt = &end
	sub.EndReason = reason
	sub.Active = false
	sub.NextTransactionAt = nil
	sub.NextTransactionAmount = decimal.NullDecimal{}
}

// End ends sub and reorganizes the user's remaining subscriptions.
func (s *Service) End(ctx context.Context, sub *models.Subscription, reason types.EndReason, immediate bool) error {
	if err := s.end(ctx, s.store, sub, reason, immediate); err != nil {
		return err
	}
	if err := s.ReorganizeUser(ctx, sub.UserID); err != nil {
		return fmt.Errorf("failed to reorganize after end: %w", err)
	}
	return nil
}

// Cancel ends a subscription at the user's request. Access lasts until the paid period is over.
func (s *Service) Cancel(ctx context.Context, user types.User, subscriptionID string) (*models.Subscription, error) {
	sub, err := s.Get(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.UserID != user.GetID() && !user.HasRole(types.RoleAdmin) {
		return nil, fmt.Errorf("subscription %s: %w", subscriptionID, store.ErrNotFound)
	}
	if err := s.End(ctx, sub, types.EndReasonUserCancelled, false); err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *Service) end(ctx context.Context, st store.Store, sub *models.Subscription, reason types.EndReason, immediate bool) error {
	if !s.IsMutable(sub) {
		return fmt.Errorf("cannot end subscription %s on %s: %w", sub.ID, sub.Gateway, ErrGatewayImmutable)
	}
	if sub.IsEnded() && !immediate {
		return fmt.Errorf("subscription %s: %w", sub.ID, ErrAlreadyEnded)
	}
	cycle, err := s.catalog.CycleOf(sub)
	if err != nil {
		logctx.FromCtx(ctx, s.log).Warnw("ending subscription with unknown billing cycle", "subscription_id", sub.ID, "error", err)
	}

	before := sub.Clone()
	applyEnd(sub, cycle, reason, s.now(), immediate)
	if err := s.save(ctx, st, before, sub, types.SubscriptionChangeReasonEnd, datatypes.JSONMap{
		"end_reason": string(reason),
		"immediate":  immediate,
	}); err != nil {
		return err
	}
	s.metrics.ObserveEnd(string(reason))
	logctx.FromCtx(ctx, s.log).Infow("subscription ended", "subscription_id", sub.ID, "user_id", sub.UserID, "reason", reason, "end_at", sub.EndAt)
	return nil
}

// HasOverduePayment reports an active open-ended subscription whose charge is due.
func HasOverduePayment(sub *models.Subscription, now time.Time) bool {
	return sub.Active && !sub.IsEnded() && sub.IsOpenEnded() &&
		sub.NextTransactionAt != nil && !sub.NextTransactionAt.After(now)
}

// InGracePeriod reports a failed charge whose grace period has not elapsed yet.
func InGracePeriod(sub *models.Subscription, cycle *types.BillingCycle, now time.Time) bool {
	if sub.LastTransactionFailureAt == nil || sub.NextTransactionAt == nil {
		return false
	}
	return now.Before(graceEndsAt(*sub.NextTransactionAt, cycle))
}

// BeyondGracePeriod reports an overdue subscription whose failed charge was not
// recovered within the billing cycle's grace period.
func BeyondGracePeriod(sub *models.Subscription, cycle *types.BillingCycle, now time.Time) bool {
	if !HasOverduePayment(sub, now) || sub.LastTransactionFailureAt == nil {
		return false
	}
	return !now.Before(graceEndsAt(*sub.NextTransactionAt, cycle))
}

func (s *Service) InGracePeriod(sub *models.Subscription) bool {
	cycle, err := s.catalog.CycleOf(sub)
	if err != nil {
		return false
	}
	return InGracePeriod(sub, cycle, s.now())
}

func (s *Service) BeyondGracePeriod(sub *models.Subscription) bool {
	cycle, err := s.catalog.CycleOf(sub)
	if err != nil {
		return false
	}
	return BeyondGracePeriod(sub, cycle, s.now())
}

func (s *Service) HasOverduePayment(sub *models.Subscription) bool {
	return HasOverduePayment(sub, s.now())
}
