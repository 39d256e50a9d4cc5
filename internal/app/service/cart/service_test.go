package cart

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fatflowers/billing/internal/app/service/gift"
	"github.com/fatflowers/billing/internal/app/service/notifier"
	"github.com/fatflowers/billing/internal/app/service/servicetest"
	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/tool"
	"github.com/fatflowers/billing/pkg/types"
)

var date = servicetest.Date

type testEnv struct {
	*servicetest.Env
	svc  *Service
	user *models.Account
}

func newTestEnv(t *testing.T, now time.Time) *testEnv {
	t.Helper()
	env := servicetest.NewEnv(t, now)
	gifts := gift.NewService(gift.ServiceParam{
		Config:        env.Config,
		Store:         env.Store,
		Catalog:       env.Catalog,
		Subscriptions: env.Subscriptions,
		Accounts:      env.Accounts,
		Notifier:      env.Notifier,
		Log:           env.Log,
	})
	svc := NewService(ServiceParam{
		Config:        env.Config,
		Store:         env.Store,
		Catalog:       env.Catalog,
		Vouchers:      env.Vouchers,
		Subscriptions: env.Subscriptions,
		Gifts:         gifts,
		Gateways:      env.Gateways,
		Accounts:      env.Accounts,
		Notifier:      env.Notifier,
		Log:           env.Log,
	})
	user, err := env.Accounts.Get(context.Background(), "u1")
	require.NoError(t, err)
	return &testEnv{Env: env, svc: svc, user: user}
}

func (e *testEnv) selectPlan(t *testing.T, plan, cycle string) *models.Cart {
	t.Helper()
	cart, err := e.svc.UpdateSubscriptionPurchase(context.Background(), e.user, &UpdatePurchaseRequest{PlanKey: plan, BillingCycleKey: cycle})
	require.NoError(t, err)
	return cart
}

func (e *testEnv) checkout(price string) (*CheckoutResult, error) {
	return e.svc.Checkout(context.Background(), e.user, &CheckoutRequest{
		PaymentToken:  "tok_visa",
		DeviceData:    "fp-1",
		ExpectedPrice: decimal.RequireFromString(price),
	})
}

func messages(t *testing.T, err error) []string {
	t.Helper()
	verr, ok := types.AsValidationError(err)
	require.True(t, ok, "expected a validation error, got %v", err)
	return verr.Messages
}

func TestCheckout_PriceMustMatch(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, date(2025, 4, 11))
	cart := env.selectPlan(t, "basic", "monthly")
	assert.Equal(t, "50", cart.FinalPrice.String())
	assert.Equal(t, date(2025, 5, 11), *cart.RenewalAt)

	_, err := env.checkout("50.01")
	assert.Equal(t, []string{
		"The price of your order changed from $50.01 to $50.00 since the page was loaded. Please review your order and try again.",
	}, messages(t, err))
	assert.Empty(t, env.Card.Charges)

	out, err := env.checkout("50.00")
	require.NoError(t, err)
	require.NotNil(t, out.Subscription)
	assert.Equal(t, types.TransactionStatusSuccess, out.Transaction.Status)
	assert.Equal(t, "50", out.Transaction.Amount.String())
	assert.True(t, env.Card.Charges[0].Voidable)

	sub := out.Subscription
	assert.True(t, sub.Active)
	assert.Equal(t, "basic", sub.PlanKey)
	assert.Equal(t, date(2025, 4, 11), sub.StartAt)
	assert.Equal(t, date(2025, 5, 11), *sub.NextTransactionAt)
	assert.Equal(t, 1, sub.NumTransactions)

	done, err := env.Store.GetCart(ctx, cart.ID)
	require.NoError(t, err)
	assert.True(t, done.IsCheckedOut())
	assert.Equal(t, out.Transaction.ID, *done.TransactionID)

	acc, err := env.Accounts.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "basic", acc.PlanKey)
	assert.Equal(t, []string{string(notifier.TemplateSubscriptionReceipt)}, env.Sender.To("u1@example.com"))

	next, err := env.svc.GetOrCreate(ctx, env.user)
	require.NoError(t, err)
	assert.NotEqual(t, cart.ID, next.ID, "a checked out cart is never reused")
}

func TestCheckout_UpgradeWithCredit(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, date(2025, 4, 11))
	basic := env.Subscribe(t, "u1", "basic", date(2025, 4, 1))

	cart := env.selectPlan(t, "pro", "monthly")
	assert.Equal(t, "80", cart.BasePrice.String())
	assert.Equal(t, "33.33", cart.CreditAmount.String())
	assert.Equal(t, "46.67", cart.FinalPrice.String())
	assert.Equal(t, "33.33", cart.Discount.String())
	assert.Equal(t, basic.ID, *cart.CreditSubscriptionID)

	out, err := env.checkout("46.67")
	require.NoError(t, err)
	assert.Equal(t, "46.67", env.Card.Charges[0].Total().String())
	require.Len(t, out.Transaction.LineItems.Data(), 2)
	assert.Equal(t, "Credit for unused time on Basic", out.Transaction.LineItems.Data()[1].Description)

	old, err := env.Store.GetSubscription(ctx, basic.ID)
	require.NoError(t, err)
	assert.Equal(t, types.EndReasonUpgraded, old.EndReason)
	assert.Equal(t, date(2025, 4, 11), *old.EndAt)
	require.NotNil(t, old.NextSubscriptionID)
	assert.Equal(t, out.Subscription.ID, *old.NextSubscriptionID)

	acc, err := env.Accounts.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "pro", acc.PlanKey)
}

func TestCheckout_FreeAfterCredit(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, date(2025, 4, 11))
	sub := env.Subscribe(t, "u1", "basic", date(2025, 4, 1))
	sub.BillingCycleKey = "yearly"
	sub.NextTransactionAt = tool.Ptr(date(2026, 4, 1))
	sub.LastTransactionAmount = decimal.NewFromInt(500)
	require.NoError(t, env.Store.SaveSubscription(ctx, sub))

	cart := env.selectPlan(t, "pro", "monthly")
	assert.True(t, cart.FinalPrice.IsZero())

	_, err := env.checkout("0")
	assert.Equal(t, []string{"This purchase would be free; please choose a longer billing cycle instead."}, messages(t, err))
	assert.Empty(t, env.Card.Charges)
}

func TestUpdateSubscriptionPurchase(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, date(2025, 4, 11))
	env.Subscribe(t, "u1", "pro", date(2025, 4, 1))

	tests := []struct {
		name, plan, cycle string
		want              string
	}{
		{"same subscription", "pro", "monthly", "You are already subscribed to Pro (Monthly)."},
		{"downgrade", "basic", "monthly", "Your current Pro (Monthly) subscription already includes Basic (Monthly)."},
		{"unknown plan", "gold", "monthly", `Plan "gold" does not exist.`},
		{"disabled cycle", "pro", "quarterly", "The Quarterly billing cycle is not available."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.UpdateSubscriptionPurchase(ctx, env.user, &UpdatePurchaseRequest{PlanKey: tt.plan, BillingCycleKey: tt.cycle})
			assert.Equal(t, []string{tt.want}, messages(t, err))
		})
	}

	cart := env.selectPlan(t, "pro", "yearly")
	assert.Equal(t, "53.33", cart.CreditAmount.String())
	assert.Equal(t, "746.67", cart.FinalPrice.String())

	_, err := env.svc.UpdateGift(ctx, env.user, &UpdateGiftRequest{IsGift: true, RecipientEmail: "friend@example.com"})
	require.NoError(t, err)
	cart = env.selectPlan(t, "basic", "monthly")
	assert.Equal(t, "50", cart.FinalPrice.String(), "anything can be gifted")
}

func TestUpdateVoucherCode(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, date(2025, 4, 11))
	require.NoError(t, env.Store.CreateVoucherCode(ctx, &models.VoucherCode{
		ID: "v1", Name: "Pro launch", Code: "PRO20", DiscountPercentage: 20,
		StartAt: date(2025, 4, 1), EndAt: date(2025, 5, 1), PlanKeys: "pro",
	}))

	env.selectPlan(t, "basic", "monthly")
	_, err := env.svc.UpdateVoucherCode(ctx, env.user, "PRO20")
	assert.Equal(t, []string{`Voucher code "PRO20" cannot be applied to the plan Basic.`}, messages(t, err))

	_, err = env.svc.UpdateVoucherCode(ctx, env.user, "NOPE")
	assert.Equal(t, []string{`Voucher code "NOPE" is not valid or has expired.`}, messages(t, err))

	env.selectPlan(t, "pro", "monthly")
	cart, err := env.svc.UpdateVoucherCode(ctx, env.user, " pro20 ")
	require.NoError(t, err)
	assert.Equal(t, "PRO20", cart.VoucherCode)
	assert.Equal(t, "64", cart.FinalPrice.String())
	assert.Equal(t, "16", cart.Discount.String())

	out, err := env.checkout("64.00")
	require.NoError(t, err)
	assert.Equal(t, "v1", *out.Subscription.VoucherCodeID)
	usages := env.Store.VoucherUsages()
	require.Len(t, usages, 1)
	assert.Equal(t, "PRO20", usages[0].Code)
}

func TestUpdateVoucherCode_DroppedWhenPlanChanges(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, date(2025, 4, 11))
	require.NoError(t, env.Store.CreateVoucherCode(ctx, &models.VoucherCode{
		ID: "v1", Name: "Pro launch", Code: "PRO20", DiscountPercentage: 20,
		StartAt: date(2025, 4, 1), EndAt: date(2025, 5, 1), PlanKeys: "pro",
	}))
	env.selectPlan(t, "pro", "monthly")
	_, err := env.svc.UpdateVoucherCode(ctx, env.user, "PRO20")
	require.NoError(t, err)

	cart := env.selectPlan(t, "basic", "monthly")
	assert.Empty(t, cart.VoucherCode)
	assert.Equal(t, "50", cart.FinalPrice.String())
}

func TestUpdateSubscriptionPurchase_ReferralCode(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, date(2025, 4, 11))
	require.NoError(t, env.Store.CreateVoucherCode(ctx, &models.VoucherCode{
		ID: "v1", Name: "Friends", Code: "FRIEND10", DiscountPercentage: 10,
		StartAt: date(2025, 4, 1), EndAt: date(2025, 5, 1), PlanKeys: "basic,pro",
	}))
	cart, err := env.svc.UpdateSubscriptionPurchase(ctx, env.user, &UpdatePurchaseRequest{PlanKey: "basic", BillingCycleKey: "monthly", ReferralCode: "FRIEND10"})
	require.NoError(t, err)
	assert.Equal(t, "FRIEND10", cart.VoucherCode)
	assert.Equal(t, "45", cart.FinalPrice.String())
}

func TestCheckout_Declined(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, date(2025, 4, 11))
	cart := env.selectPlan(t, "basic", "monthly")
	env.Card.Decline("Card declined.")

	_, err := env.checkout("50.00")
	assert.Equal(t, []string{"Card declined. " + paymentHint}, messages(t, err))

	open, err := env.Store.GetCart(ctx, cart.ID)
	require.NoError(t, err)
	assert.False(t, open.IsCheckedOut())
	subs, err := env.Store.ListUserSubscriptions(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, subs)

	_, err = env.checkout("50.00")
	require.NoError(t, err, "the same cart can be retried")
}

func TestCheckout_CommitFailureRefunds(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, date(2025, 4, 11))
	env.selectPlan(t, "basic", "monthly")
	env.Store.FailNextCommit(errors.New("connection reset"))

	_, err := env.checkout("50.00")
	require.Error(t, err)
	require.Len(t, env.Card.Refunds, 1)

	subs, err := env.Store.ListUserSubscriptions(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestCheckout_Validation(t *testing.T) {
	env := newTestEnv(t, date(2025, 4, 11))
	_, err := env.svc.Checkout(context.Background(), env.user, &CheckoutRequest{PaymentToken: "tok"})
	assert.Equal(t, []string{
		"Your browser did not send the device data needed to verify the payment. Please reload the page and try again.",
		"Please choose a plan and billing cycle.",
	}, messages(t, err))
}

func TestCheckout_Gift(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, date(2025, 4, 11))
	_, err := env.svc.UpdateGift(ctx, env.user, &UpdateGiftRequest{IsGift: true, RecipientEmail: "not-an-email"})
	assert.Equal(t, []string{"Please enter a valid recipient email address."}, messages(t, err))

	cart, err := env.svc.UpdateGift(ctx, env.user, &UpdateGiftRequest{IsGift: true, RecipientEmail: "friend@example.com", Message: "Enjoy!"})
	require.NoError(t, err)
	assert.Equal(t, "u1@example.com", cart.GifterEmail)
	env.selectPlan(t, "basic", "monthly")

	out, err := env.checkout("50.00")
	require.NoError(t, err)
	require.NotNil(t, out.Gift)
	assert.Nil(t, out.Subscription)
	assert.Equal(t, types.TransactionTypeGift, out.Transaction.Type)
	assert.Equal(t, out.Gift.ID, *out.Transaction.GiftSubscriptionID)

	g, err := env.Store.GetGift(ctx, out.Gift.ID)
	require.NoError(t, err)
	assert.True(t, g.Redeemable())
	assert.Equal(t, types.GiftTypePurchased, g.Type)
	assert.Equal(t, "50", g.TransactionAmount.String())
	assert.NotNil(t, g.EmailLastSentToRecipientAt)
	assert.Equal(t, []string{string(notifier.TemplateGiftRecipient)}, env.Sender.To("friend@example.com"))

	subs, err := env.Store.ListUserSubscriptions(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, subs, "the gifter gets no subscription")
}

func TestSendAbandonedCartReminders(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, date(2025, 4, 11))
	env.selectPlan(t, "basic", "monthly")

	n, err := env.svc.SendAbandonedCartReminders(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.Clock.Set(date(2025, 4, 13))
	n, err = env.svc.SendAbandonedCartReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{string(notifier.TemplateCartAbandoned)}, env.Sender.To("u1@example.com"))

	n, err = env.svc.SendAbandonedCartReminders(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "each cart is reminded once")
}
