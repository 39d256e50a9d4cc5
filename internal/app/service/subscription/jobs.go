package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/fatflowers/billing/internal/app/service/notifier"
	"github.com/fatflowers/billing/pkg/logctx"
	"github.com/fatflowers/billing/pkg/types"
)

// NotifyUpcomingRenewals emails users whose renewal falls within their billing
// cycle's notice window and pins the amount they were told about.
func (s *Service) NotifyUpcomingRenewals(ctx context.Context) (int, error) {
	log := logctx.FromCtx(ctx, s.log)
	now := s.now()
	subs, err := s.store.ListOpenEndedSubscriptions(ctx, s.gateways.RecurringKeys())
	if err != nil {
		return 0, fmt.Errorf("failed to list renewing subscriptions: %w", err)
	}

	notified := 0
	for _, sub := range subs {
		if !sub.Active || sub.IsEnded() || sub.NextTransactionAt == nil || sub.UpcomingTransactionNotifiedAt != nil {
			continue
		}
		cycle, err := s.catalog.CycleOf(sub)
		if err != nil || cycle.NotifyUpcomingTransactionWithinDays <= 0 {
			continue
		}
		window := now.AddDate(0, 0, cycle.NotifyUpcomingTransactionWithinDays)
		if !sub.NextTransactionAt.After(now) || sub.NextTransactionAt.After(window) {
			continue
		}

		quote, err := s.renewalQuote(ctx, sub, now)
		if err != nil {
			log.Warnw("cannot price upcoming renewal", "subscription_id", sub.ID, "error", err)
			continue
		}
		before := sub.Clone()
		sub.NextTransactionAmount = decimal.NewNullDecimal(quote.Final)
		sub.UpcomingTransactionNotifiedAt = &now
		if err := s.save(ctx, s.store, before, sub, types.SubscriptionChangeReasonUpcomingNotice, nil); err != nil {
			return notified, err
		}
		s.emailUser(ctx, sub.UserID, notifier.TemplateUpcomingRenewal, notifier.Vars{
			"PlanName":          quote.Plan.Name,
			"CycleName":         quote.Cycle.Name,
			"Amount":            types.FormatMoney(quote.Final),
			"NextTransactionAt": notifier.FormatDate(*sub.NextTransactionAt),
		})
		notified++
	}
	log.Infow("upcoming renewal notices sent", "count", notified)
	return notified, nil
}

// EndExpiredGracePeriods ends renewing subscriptions whose failed charge was
// not recovered within the grace period.
func (s *Service) EndExpiredGracePeriods(ctx context.Context) (int, error) {
	log := logctx.FromCtx(ctx, s.log)
	now := s.now()
	subs, err := s.store.ListOpenEndedSubscriptions(ctx, s.gateways.RecurringKeys())
	if err != nil {
		return 0, fmt.Errorf("failed to list renewing subscriptions: %w", err)
	}

	ended := 0
	for _, sub := range subs {
		plan, cycle, err := s.planAndCycle(sub)
		if err != nil || !BeyondGracePeriod(sub, cycle, now) {
			continue
		}
		if err := s.End(ctx, sub, types.EndReasonPaymentFailed, false); err != nil {
			log.Errorw("failed to end subscription past grace period", "subscription_id", sub.ID, "error", err)
			continue
		}
		s.emailUser(ctx, sub.UserID, notifier.TemplatePaymentFailedFinal, notifier.Vars{"PlanName": plan.Name})
		ended++
	}
	log.Infow("grace period sweep finished", "ended", ended)
	return ended, nil
}

// ExpireFixedTermSubscriptions marks subscriptions whose end date has passed as expired.
func (s *Service) ExpireFixedTermSubscriptions(ctx context.Context) (int, error) {
	log := logctx.FromCtx(ctx, s.log)
	now := s.now()
	subs, err := s.store.ListLapsedFixedTermSubscriptions(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list lapsed subscriptions: %w", err)
	}

	users := map[string]struct{}{}
	for _, sub := range subs {
		before := sub.Clone()
		sub.EndReason = types.EndReasonExpired
		sub.Active = false
		sub.NextTransactionAt = nil
		if err := s.save(ctx, s.store, before, sub, types.SubscriptionChangeReasonEnd, datatypes.JSONMap{"end_reason": string(types.EndReasonExpired)}); err != nil {
			return 0, err
		}
		s.metrics.ObserveEnd(string(types.EndReasonExpired))
		users[sub.UserID] = struct{}{}
	}
	for userID := range users {
		if err := s.accounts.SubscriptionsChanged(ctx, userID); err != nil {
			log.Errorw("failed to sync account after expiry", "user_id", userID, "error", err)
		}
	}
	log.Infow("expiry sweep finished", "expired", len(subs))
	return len(subs), nil
}

// graceEndsAt is the last moment an overdue subscription keeps access.
func graceEndsAt(next time.Time, cycle *types.BillingCycle) time.Time {
	return next.Add(cycle.GracePeriod())
}
