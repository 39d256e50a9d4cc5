package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/fatflowers/billing/internal/app/service/notifier"
	"github.com/fatflowers/billing/internal/app/store"
	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/internal/platform/gateway"
	platformredis "github.com/fatflowers/billing/internal/platform/redis"
	"github.com/fatflowers/billing/pkg/logctx"
	"github.com/fatflowers/billing/pkg/tool"
	"github.com/fatflowers/billing/pkg/types"
)

type RecurOptions struct {
	PaymentToken string
	DeviceData   string
	// Unattended is set by the scheduler; the user is not emailed about a failure
	// here because the batch job sends its own notice.
	Unattended bool
}

func chargeLockKey(subscriptionID string) string {
	return "recur:sub:" + subscriptionID
}

// chargeAttemptKey identifies one charge of one due window. A retry after a
// recorded failure gets a new key.
func chargeAttemptKey(sub *models.Subscription) string {
	var due, failed int64
	if sub.NextTransactionAt != nil {
		due = sub.NextTransactionAt.Unix()
	}
	if sub.LastTransactionFailureAt != nil {
		failed = sub.LastTransactionFailureAt.Unix()
	}
	return fmt.Sprintf("%s:%d:%d", sub.ID, due, failed)
}

func (s *Service) checkRecurrable(sub *models.Subscription, now time.Time) error {
	verr := types.NewValidationError()
	if !sub.Active || sub.IsEnded() {
		verr.Add("Subscription is not active.")
	}
	if !sub.IsOpenEnded() {
		verr.Add("Subscription has a fixed end date and does not renew.")
	}
	if sub.NextTransactionAt == nil || sub.NextTransactionAt.After(now) {
		verr.Add("Subscription is not due for renewal yet.")
	}
	if !s.gateways.IsRecurring(sub.Gateway) {
		verr.Add(fmt.Sprintf("Payment gateway %q does not support recurring charges.", sub.Gateway))
	}
	return verr.OrNil()
}

// renewalQuote prices the next charge of sub without upgrade credit. A pinned
// NextTransactionAmount wins over the current plan price and voucher.
func (s *Service) renewalQuote(ctx context.Context, sub *models.Subscription, now time.Time) (*Quote, error) {
	plan, cycle, err := s.planAndCycle(sub)
	if err != nil {
		return nil, err
	}
	if sub.NextTransactionAmount.Valid {
		return NewQuote(plan, cycle, sub.NextTransactionAmount.Decimal, nil, "", decimal.Zero), nil
	}
	price, err := plan.GetPrice(cycle)
	if err != nil {
		return nil, err
	}
	var v *models.VoucherCode
	if sub.VoucherCodeID != nil {
		v, err = s.vouchers.Get(ctx, *sub.VoucherCodeID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if v != nil && (!v.AppliesToTransactionNumber(sub.NumTransactions) || !now.Before(v.EndAt)) {
			v = nil
		}
	}
	return NewQuote(plan, cycle, price, v, "", decimal.Zero), nil
}

// RecurBilling charges the next renewal of sub. Declines are recorded on the
// subscription and returned as ErrPaymentFailed.
func (s *Service) RecurBilling(ctx context.Context, sub *models.Subscription, opts RecurOptions) (*models.Transaction, error) {
	log := logctx.FromCtx(ctx, s.log).With("subscription_id", sub.ID, "user_id", sub.UserID)
	now := s.now()

	if err := s.checkRecurrable(sub, now); err != nil {
		return nil, err
	}
	if _, err := s.accounts.Get(ctx, sub.UserID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, types.NewValidationError(fmt.Sprintf("User %s of subscription %s no longer exists.", sub.UserID, sub.ID)).WithCause(err)
		}
		return nil, err
	}

	unlock, err := s.locker.Lock(ctx, chargeLockKey(sub.ID), s.cfg.Billing.LockTTL)
	if err != nil {
		if errors.Is(err, platformredis.ErrLockHeld) {
			return nil, fmt.Errorf("subscription %s: %w", sub.ID, ErrChargeInProgress)
		}
		return nil, err
	}
	defer unlock()

	// re-read under the lock; another worker may have charged it already
	fresh, err := s.store.GetSubscription(ctx, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload subscription: %w", err)
	}
	*sub = *fresh
	if err := s.checkRecurrable(sub, now); err != nil {
		return nil, err
	}
	attemptKey := chargeAttemptKey(sub)
	reserved, err := s.store.ReserveChargeAttempt(ctx, &models.ChargeAttempt{
		ID:             tool.GenerateUUIDV7(),
		SubscriptionID: sub.ID,
		AttemptKey:     attemptKey,
		CreatedAt:      now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reserve charge attempt: %w", err)
	}
	if !reserved {
		return nil, fmt.Errorf("subscription %s: %w", sub.ID, ErrChargeInProgress)
	}
	// The reservation outlives this call only while we hold money for the
	// window: a recorded renewal, or a charge whose refund failed.
	keepAttempt := false
	defer func() {
		if keepAttempt {
			return
		}
		if err := s.store.ReleaseChargeAttempt(context.WithoutCancel(ctx), attemptKey); err != nil {
			log.Errorw("failed to release charge attempt", "attempt_key", attemptKey, "error", err)
		}
	}()

	quote, err := s.renewalQuote(ctx, sub, now)
	if err != nil {
		return nil, fmt.Errorf("failed to price renewal: %w", err)
	}
	credit, err := s.FindCreditableSubscription(ctx, sub.UserID, quote.Plan.Level, sub.ID, now)
	if err != nil {
		return nil, err
	}
	if credit != nil {
		quote = NewQuote(quote.Plan, quote.Cycle, quote.BasePrice, quote.Voucher, credit.Plan.Name, credit.Amount)
	}

	g, err := s.gateways.Of(sub)
	if err != nil {
		return nil, err
	}
	tx := &models.Transaction{
		ID:             tool.GenerateUUIDV7(),
		UserID:         sub.UserID,
		Gateway:        sub.Gateway,
		Type:           types.TransactionTypeRenewal,
		Status:         types.TransactionStatusPending,
		SubscriptionID: tool.Ptr(sub.ID),
		VoucherCodeID:  sub.VoucherCodeID,
		Amount:         quote.Final,
		Currency:       s.currency(),
		LineItems:      datatypes.NewJSONType(quote.LineItems()),
		CreatedAt:      now,
	}
	if quote.Voucher == nil {
		tx.VoucherCodeID = nil
	}
	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	res, err := g.Execute(ctx, &gateway.ExecuteRequest{
		Reference:    tx.ID,
		UserID:       sub.UserID,
		Merchant:     s.merchant(),
		Currency:     tx.Currency,
		LineItems:    tx.LineItems.Data(),
		PaymentToken: opts.PaymentToken,
		DeviceData:   opts.DeviceData,
	})
	if err != nil || !res.Success {
		msg := "The payment was declined."
		if err != nil {
			msg = err.Error()
		} else if res.Message != "" {
			msg = res.Message
		}
		return nil, s.recordRenewalFailure(ctx, sub, quote, tx, msg, opts)
	}

	before := sub.Clone()
	next := quote.Cycle.NextTs(*sub.NextTransactionAt)
	sub.NextTransactionAt = &next
	sub.NextTransactionAmount = decimal.NullDecimal{}
	sub.UpcomingTransactionNotifiedAt = nil
	sub.LastTransactionFailureAt = nil
	sub.NumTransactions++
	sub.LastTransactionAmount = quote.Final
	sub.LastTransactionAt = &now

	tx.Status = types.TransactionStatusSuccess
	tx.GatewayTransactionID = res.GatewayTransactionID

	err = s.store.WithTx(ctx, func(st store.Store) error {
		if err := st.SaveTransaction(ctx, tx); err != nil {
			return err
		}
		return st.SaveSubscription(ctx, sub)
	})
	if err != nil {
		log.Errorw("failed to record renewal, refunding charge", "transaction_id", tx.ID, "error", err)
		if !s.RefundCharge(ctx, g, tx) {
			keepAttempt = true
			return nil, fmt.Errorf("failed to record renewal of %s: %w", sub.ID, err)
		}
		// the charge is void; retry and grace handling take over from here
		failed := before.Clone()
		failed.LastTransactionFailureAt = &now
		if serr := s.save(ctx, s.store, before, failed, types.SubscriptionChangeReasonPaymentFailed, datatypes.JSONMap{"transaction_id": tx.ID, "message": "refunded after save failure"}); serr != nil {
			log.Errorw("failed to record refunded renewal", "error", serr)
		}
		*sub = *failed
		return nil, fmt.Errorf("failed to record renewal of %s: %w", sub.ID, err)
	}
	keepAttempt = true
	s.LogChange(ctx, before, sub, types.SubscriptionChangeReasonRenewal, datatypes.JSONMap{"transaction_id": tx.ID})
	s.metrics.ObserveCharge(string(sub.Gateway), string(types.TransactionTypeRenewal), true)
	log.Infow("renewal charged", "transaction_id", tx.ID, "amount", tx.Amount.StringFixed(2), "next_transaction_at", next)

	if credit != nil {
		if err := s.end(ctx, s.store, credit.Subscription, types.EndReasonUpgraded, true); err != nil {
			log.Warnw("failed to end credited subscription", "credited_subscription_id", credit.Subscription.ID, "error", err)
		}
	}
	if err := s.ReorganizeUser(ctx, sub.UserID); err != nil {
		log.Errorw("failed to reorganize after renewal", "error", err)
	}
	s.emailUser(ctx, sub.UserID, notifier.TemplateSubscriptionReceipt, ReceiptVars(quote, tx, sub.NextTransactionAt))
	return tx, nil
}

func (s *Service) recordRenewalFailure(ctx context.Context, sub *models.Subscription, quote *Quote, tx *models.Transaction, msg string, opts RecurOptions) error {
	log := logctx.FromCtx(ctx, s.log).With("subscription_id", sub.ID, "user_id", sub.UserID)
	now := s.now()

	tx.Status = types.TransactionStatusFailed
	tx.ErrorMessage = msg
	if err := s.store.SaveTransaction(ctx, tx); err != nil {
		log.Errorw("failed to save failed transaction", "transaction_id", tx.ID, "error", err)
	}

	before := sub.Clone()
	sub.LastTransactionFailureAt = &now
	if err := s.save(ctx, s.store, before, sub, types.SubscriptionChangeReasonPaymentFailed, datatypes.JSONMap{"transaction_id": tx.ID, "message": msg}); err != nil {
		log.Errorw("failed to record payment failure", "error", err)
	}
	s.metrics.ObserveCharge(string(sub.Gateway), string(types.TransactionTypeRenewal), false)
	log.Infow("renewal charge failed", "transaction_id", tx.ID, "message", msg)

	if !opts.Unattended {
		s.emailPaymentFailed(ctx, sub, quote, msg)
	}
	return fmt.Errorf("%w: %s", ErrPaymentFailed, msg)
}

// failureMessage returns the gateway message carried by an ErrPaymentFailed.
func failureMessage(err error) string {
	return strings.TrimPrefix(err.Error(), ErrPaymentFailed.Error()+": ")
}

func (s *Service) emailPaymentFailed(ctx context.Context, sub *models.Subscription, quote *Quote, msg string) {
	vars := notifier.Vars{
		"PlanName": quote.Plan.Name,
		"Amount":   types.FormatMoney(quote.Final),
		"Message":  msg,
	}
	if sub.NextTransactionAt != nil {
		vars["GraceEndsAt"] = notifier.FormatDate(graceEndsAt(*sub.NextTransactionAt, quote.Cycle))
	}
	s.emailUser(ctx, sub.UserID, notifier.TemplatePaymentFailed, vars)
}

// ReceiptVars are the template variables of a receipt email.
func ReceiptVars(quote *Quote, tx *models.Transaction, next *time.Time) notifier.Vars {
	items := make([]map[string]string, 0, len(tx.LineItems.Data()))
	for _, li := range tx.LineItems.Data() {
		items = append(items, map[string]string{"Description": li.Description, "Amount": types.FormatMoney(li.Amount)})
	}
	vars := notifier.Vars{
		"PlanName":      quote.Plan.Name,
		"CycleName":     quote.Cycle.Name,
		"Amount":        types.FormatMoney(tx.Amount),
		"TransactionID": tx.ID,
		"LineItems":     items,
	}
	if next != nil {
		vars["NextTransactionAt"] = notifier.FormatDate(*next)
	}
	return vars
}

// GetRecurringDueSubscriptions corrects each renewing subscription's
// NextTransactionAt and returns those due for a charge at now.
//
// Users with any transaction in the idempotency lookback window are skipped so
// overlapping runs cannot charge twice.
func (s *Service) GetRecurringDueSubscriptions(ctx context.Context, now time.Time) ([]*models.Subscription, error) {
	log := logctx.FromCtx(ctx, s.log)
	subs, err := s.store.ListOpenEndedSubscriptions(ctx, s.gateways.RecurringKeys())
	if err != nil {
		return nil, fmt.Errorf("failed to list renewing subscriptions: %w", err)
	}

	var (
		due         []*models.Subscription
		recentUsers = map[string]bool{}
	)
	for _, sub := range subs {
		if !sub.IsActivated() || sub.IsEnded() || !sub.Active {
			continue
		}
		cycle, err := s.catalog.CycleOf(sub)
		if err != nil {
			log.Warnw("skipping subscription with unknown billing cycle", "subscription_id", sub.ID, "error", err)
			continue
		}

		next := cycle.NextTs(sub.StartAt)
		if sub.LastTransactionAt != nil {
			if n := cycle.NextTs(*sub.LastTransactionAt); n.After(next) {
				next = n
			}
		}
		if sub.NextTransactionAt == nil || !sub.NextTransactionAt.Equal(next) {
			before := sub.Clone()
			sub.NextTransactionAt = &next
			if err := s.save(ctx, s.store, before, sub, types.SubscriptionChangeReasonRefresh, nil); err != nil {
				return nil, err
			}
		}

		if sub.StartAt.After(now) || next.After(now) {
			continue
		}
		if sub.LastTransactionFailureAt != nil && now.Before(sub.LastTransactionFailureAt.Add(s.cfg.Billing.RetryInterval)) {
			continue
		}
		if BeyondGracePeriod(sub, cycle, now) {
			continue
		}

		recent, checked := recentUsers[sub.UserID]
		if !checked {
			recent, err = s.store.HasUserTransactionSince(ctx, sub.UserID, now.Add(-s.cfg.Billing.IdempotencyLookback))
			if err != nil {
				return nil, fmt.Errorf("failed to check recent transactions: %w", err)
			}
			recentUsers[sub.UserID] = recent
		}
		if recent {
			log.Infow("skipping due subscription, user has a recent transaction", "subscription_id", sub.ID, "user_id", sub.UserID)
			s.metrics.ObserveSkip("recent_transaction")
			continue
		}
		due = append(due, sub)
	}
	return due, nil
}

// RunSummary counts the outcomes of one recurring billing run.
type RunSummary struct {
	Due     int `json:"due"`
	Charged int `json:"charged"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

// RunRecurringBilling charges every due subscription in turn. One record's
// failure never stops the batch.
func (s *Service) RunRecurringBilling(ctx context.Context) (*RunSummary, error) {
	log := logctx.FromCtx(ctx, s.log)
	now := s.now()
	due, err := s.GetRecurringDueSubscriptions(ctx, now)
	if err != nil {
		return nil, err
	}

	summary := &RunSummary{Due: len(due)}
	for _, sub := range due {
		_, err := s.RecurBilling(ctx, sub, RecurOptions{Unattended: true})
		if verr, ok := types.AsValidationError(err); ok {
			log.Infow("skipping subscription", "subscription_id", sub.ID, "reasons", verr.Messages)
			summary.Skipped++
			continue
		}
		switch {
		case err == nil:
			summary.Charged++
		case errors.Is(err, ErrPaymentFailed):
			summary.Failed++
			if quote, qerr := s.renewalQuote(ctx, sub, now); qerr == nil {
				s.emailPaymentFailed(ctx, sub, quote, failureMessage(err))
			}
		case errors.Is(err, ErrChargeInProgress):
			log.Infow("skipping subscription, charge in progress", "subscription_id", sub.ID)
			s.metrics.ObserveSkip("in_progress")
			summary.Skipped++
		default:
			log.Errorw("recurring billing failed", "subscription_id", sub.ID, "error", err)
			summary.Errors++
		}
	}
	log.Infow("recurring billing run finished", "due", summary.Due, "charged", summary.Charged, "failed", summary.Failed, "skipped", summary.Skipped, "errors", summary.Errors)
	return summary, nil
}
