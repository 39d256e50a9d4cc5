package subscription

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fatflowers/billing/internal/app/service/notifier"
	"github.com/fatflowers/billing/internal/app/store"
	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/tool"
	"github.com/fatflowers/billing/pkg/types"
)

func TestRecurBilling_Success(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, date(2025, 5, 1))
	sub := env.renewing(t, basic, date(2025, 4, 1))

	tx, err := env.svc.RecurBilling(ctx, sub, RecurOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.TransactionStatusSuccess, tx.Status)
	assert.Equal(t, "50", tx.Amount.String())
	assert.Equal(t, "ch_"+tx.ID, tx.GatewayTransactionID)
	require.Len(t, env.card.charges, 1)
	assert.Equal(t, "50", env.card.charges[0].Total().String())

	got := env.reload(t, sub.ID)
	assert.Equal(t, date(2025, 6, 1), *got.NextTransactionAt)
	assert.Equal(t, 2, got.NumTransactions)
	assert.Equal(t, date(2025, 5, 1), *got.LastTransactionAt)
	assert.Nil(t, got.LastTransactionFailureAt)
	assert.Equal(t, []string{string(notifier.TemplateSubscriptionReceipt)}, env.sender.tags())
}

func TestRecurBilling_Declined(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, date(2025, 5, 1))
	sub := env.renewing(t, basic, date(2025, 4, 1))
	env.card.decline("Insufficient funds.")

	_, err := env.svc.RecurBilling(ctx, sub, RecurOptions{})
	require.ErrorIs(t, err, ErrPaymentFailed)
	assert.Equal(t, "Insufficient funds.", failureMessage(err))

	got := env.reload(t, sub.ID)
	require.NotNil(t, got.LastTransactionFailureAt)
	assert.Equal(t, date(2025, 5, 1), *got.NextTransactionAt, "next charge date is kept for the retry")
	assert.Equal(t, 1, got.NumTransactions)
	assert.True(t, got.Active)
	assert.Equal(t, []string{string(notifier.TemplatePaymentFailed)}, env.sender.tags())

	txs, err := env.store.ListSubscriptionTransactions(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	var failed *models.Transaction
	for _, tx := range txs {
		if tx.Type == types.TransactionTypeRenewal {
			failed = tx
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, types.TransactionStatusFailed, failed.Status)
	assert.Equal(t, "Insufficient funds.", failed.ErrorMessage)
}

func TestRecurBilling_NotRecurrable(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, date(2025, 4, 20))
	sub := env.renewing(t, basic, date(2025, 4, 1))

	_, err := env.svc.RecurBilling(ctx, sub, RecurOptions{})
	verr, ok := types.AsValidationError(err)
	require.True(t, ok)
	assert.Equal(t, []string{"Subscription is not due for renewal yet."}, verr.Messages)
	assert.Empty(t, env.card.charges)

	sub.Gateway = types.GatewayFree
	sub.EndAt = tool.Ptr(date(2025, 6, 1))
	env.clock.Set(date(2025, 5, 2))
	_, err = env.svc.RecurBilling(ctx, sub, RecurOptions{})
	verr, ok = types.AsValidationError(err)
	require.True(t, ok)
	assert.Equal(t, []string{
		"Subscription has a fixed end date and does not renew.",
		`Payment gateway "free" does not support recurring charges.`,
	}, verr.Messages)
}

func TestRecurBilling_AlreadyAttempted(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, date(2025, 5, 1))
	sub := env.renewing(t, basic, date(2025, 4, 1))

	reserved, err := env.store.ReserveChargeAttempt(ctx, &models.ChargeAttempt{
		ID: tool.GenerateUUIDV7(), SubscriptionID: sub.ID, AttemptKey: chargeAttemptKey(sub),
	})
	require.NoError(t, err)
	require.True(t, reserved)

	_, err = env.svc.RecurBilling(ctx, sub, RecurOptions{})
	require.ErrorIs(t, err, ErrChargeInProgress)
	assert.Empty(t, env.card.charges)
}

func TestRecurBilling_CommitFailureRefunds(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, date(2025, 5, 1))
	sub := env.renewing(t, basic, date(2025, 4, 1))
	env.store.FailNextCommit(errors.New("connection reset"))

	_, err := env.svc.RecurBilling(ctx, sub, RecurOptions{})
	require.Error(t, err)
	require.Len(t, env.card.refunds, 1)

	got := env.reload(t, sub.ID)
	assert.Equal(t, 1, got.NumTransactions)
	assert.Equal(t, date(2025, 5, 1), *got.NextTransactionAt)
	require.NotNil(t, got.LastTransactionFailureAt, "the refunded charge counts as a failure")
	assert.Equal(t, date(2025, 5, 1), *got.LastTransactionFailureAt)

	// past the retry interval and the lookback window the renewal goes through
	env.clock.Set(date(2025, 5, 3))
	summary, err := env.svc.RunRecurringBilling(ctx)
	require.NoError(t, err)
	assert.Equal(t, RunSummary{Due: 1, Charged: 1}, *summary)

	got = env.reload(t, sub.ID)
	assert.Equal(t, 2, got.NumTransactions)
	assert.Equal(t, date(2025, 6, 1), *got.NextTransactionAt)
	assert.Nil(t, got.LastTransactionFailureAt)
	assert.Len(t, env.card.charges, 2)
}

func TestRecurBilling_ErrorBeforeChargeReleasesAttempt(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, date(2025, 5, 1))
	sub := env.renewing(t, basic, date(2025, 4, 1))

	sub.PlanKey = "retired"
	require.NoError(t, env.store.SaveSubscription(ctx, sub))
	_, err := env.svc.RecurBilling(ctx, sub, RecurOptions{})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrChargeInProgress)
	assert.Empty(t, env.card.charges)

	sub.PlanKey = basic.Key
	require.NoError(t, env.store.SaveSubscription(ctx, sub))
	tx, err := env.svc.RecurBilling(ctx, sub, RecurOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.TransactionStatusSuccess, tx.Status)
	assert.Len(t, env.card.charges, 1)
}

func TestRecurBilling_UnknownUser(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, date(2025, 5, 1))
	sub := env.renewing(t, basic, date(2025, 4, 1))
	sub.UserID = "ghost"

	_, err := env.svc.RecurBilling(ctx, sub, RecurOptions{})
	verr, ok := types.AsValidationError(err)
	require.True(t, ok)
	assert.Contains(t, verr.Messages[0], "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetRecurringDueSubscriptions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, date(2025, 5, 2))

	due := env.renewing(t, basic, date(2025, 4, 1))

	drifted := env.renewing(t, basic, date(2025, 4, 1))
	drifted.NextTransactionAt = tool.Ptr(date(2025, 6, 15))
	require.NoError(t, env.store.SaveSubscription(ctx, drifted))

	retrying := env.renewing(t, basic, date(2025, 4, 1))
	retrying.LastTransactionFailureAt = tool.Ptr(date(2025, 5, 1).Add(12 * time.Hour))
	require.NoError(t, env.store.SaveSubscription(ctx, retrying))

	// all three belong to u1; a second user has a charge within the lookback window
	require.NoError(t, env.store.SaveAccount(ctx, &models.Account{ID: "u2", Email: "u2@example.com"}))
	env.renewingFor(t, "u2", basic, date(2025, 4, 1))
	require.NoError(t, env.store.CreateTransaction(ctx, &models.Transaction{
		ID: tool.GenerateUUIDV7(), UserID: "u2", Gateway: types.GatewayCard, Type: types.TransactionTypePurchase,
		Status: types.TransactionStatusSuccess, CreatedAt: date(2025, 5, 1).Add(18 * time.Hour),
	}))

	got, err := env.svc.GetRecurringDueSubscriptions(ctx, env.clock.Now())
	require.NoError(t, err)

	ids := make([]string, 0, len(got))
	for _, s := range got {
		ids = append(ids, s.ID)
	}
	assert.ElementsMatch(t, []string{due.ID, drifted.ID}, ids)
	assert.Equal(t, date(2025, 5, 1), *env.reload(t, drifted.ID).NextTransactionAt, "drifted date is corrected")
}

func TestRunRecurringBilling(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, date(2025, 5, 1))
	require.NoError(t, env.store.SaveAccount(ctx, &models.Account{ID: "u2", Email: "u2@example.com"}))

	ok := env.renewing(t, basic, date(2025, 4, 1))
	env.renewingFor(t, "u2", basic, date(2025, 4, 1))

	summary, err := env.svc.RunRecurringBilling(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Due)
	assert.Equal(t, 2, summary.Charged)
	assert.Equal(t, date(2025, 6, 1), *env.reload(t, ok.ID).NextTransactionAt)

	env.clock.Set(date(2025, 6, 1))
	env.card.decline("Card expired.")
	env.card.decline("Card expired.")
	summary, err = env.svc.RunRecurringBilling(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Failed)
	assert.Equal(t, 0, summary.Charged)
	assert.Contains(t, env.sender.tags(), string(notifier.TemplatePaymentFailed))

	// failures are not retried before the retry interval has passed
	summary, err = env.svc.RunRecurringBilling(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Due)
}
