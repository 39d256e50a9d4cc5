package cart

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/fatflowers/billing/internal/app/service/notifier"
	"github.com/fatflowers/billing/internal/app/service/subscription"
	"github.com/fatflowers/billing/internal/app/store"
	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/internal/platform/gateway"
	"github.com/fatflowers/billing/pkg/logctx"
	"github.com/fatflowers/billing/pkg/tool"
	"github.com/fatflowers/billing/pkg/types"
)

const paymentHint = "Please check your payment details or try a different payment method."

type CheckoutRequest struct {
	PaymentToken string `json:"payment_token" binding:"required"`
	DeviceData   string `json:"device_data"`
	// ExpectedPrice is the price the user was shown, e.g. "46.67".
	ExpectedPrice decimal.Decimal `json:"expected_price" swaggertype:"string"`
}

type CheckoutResult struct {
	Transaction  *models.Transaction      `json:"transaction"`
	Subscription *models.Subscription     `json:"subscription,omitempty"`
	Gift         *models.GiftSubscription `json:"gift,omitempty"`
}

func (s *Service) checkCheckout(ctx context.Context, user types.User, cart *models.Cart, req *CheckoutRequest) error {
	verr := types.NewValidationError()
	if !cart.IsGift && types.IsAnonymous(user) {
		return types.NewValidationError("Please sign in to buy a subscription for yourself.")
	}
	if cart.IsGift && (cart.GifterEmail == "" || cart.RecipientEmail == "") {
		verr.Add("Please enter both your email address and the recipient's email address.")
	}
	if req.DeviceData == "" {
		verr.Add("Your browser did not send the device data needed to verify the payment. Please reload the page and try again.")
	}
	if !cart.HasSelection() {
		verr.Add("Please choose a plan and billing cycle.")
	}
	if err := verr.OrNil(); err != nil {
		return err
	}
	plan, cycle, err := s.checkSelection(cart.PlanKey, cart.BillingCycleKey)
	if err != nil {
		return err
	}
	if !cart.IsGift {
		return s.checkAccess(ctx, user.GetID(), plan, cycle)
	}
	return nil
}

// Checkout charges the cart and activates what it buys: a subscription for the
// user, or a gift for the recipient. The price must match expectedPrice to the cent.
func (s *Service) Checkout(ctx context.Context, user types.User, req *CheckoutRequest) (*CheckoutResult, error) {
	log := logctx.FromCtx(ctx, s.log).With("cart_owner", OwnerOf(user))
	cart, err := s.GetOrCreate(ctx, user)
	if err != nil {
		return nil, err
	}
	if err := s.checkCheckout(ctx, user, cart, req); err != nil {
		return nil, err
	}

	now := s.subs.Now()
	q, credit, err := s.quote(ctx, cart, now)
	if err != nil {
		return nil, fmt.Errorf("failed to price cart %s: %w", cart.ID, err)
	}
	expected := types.RoundMoney(req.ExpectedPrice)
	if !q.Final.Equal(expected) {
		return nil, types.NewValidationError(fmt.Sprintf(
			"The price of your order changed from %s to %s since the page was loaded. Please review your order and try again.",
			types.FormatMoney(expected), types.FormatMoney(q.Final)))
	}
	if !q.Final.IsPositive() {
		return nil, types.NewValidationError("This purchase would be free; please choose a longer billing cycle instead.")
	}

	g, err := s.gateways.Get(s.cfg.Gateways.Checkout)
	if err != nil {
		return nil, err
	}
	txType := types.TransactionTypePurchase
	if cart.IsGift {
		txType = types.TransactionTypeGift
	}
	tx := &models.Transaction{
		ID:        tool.GenerateUUIDV7(),
		UserID:    user.GetID(),
		Gateway:   g.Key(),
		Type:      txType,
		Status:    types.TransactionStatusPending,
		Amount:    q.Final,
		Currency:  s.currency(),
		LineItems: datatypes.NewJSONType(q.LineItems()),
		CreatedAt: now,
	}
	if q.Voucher != nil {
		tx.VoucherCodeID = tool.Ptr(q.Voucher.ID)
	}
	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	res, err := g.Execute(ctx, &gateway.ExecuteRequest{
		Reference:    tx.ID,
		UserID:       user.GetID(),
		Merchant:     gateway.MerchantInfo{Name: s.cfg.Billing.MerchantName},
		Currency:     tx.Currency,
		LineItems:    tx.LineItems.Data(),
		PaymentToken: req.PaymentToken,
		DeviceData:   req.DeviceData,
		Voidable:     true,
	})
	if err != nil || !res.Success {
		msg := "The payment was declined."
		if err != nil {
			log.Errorw("checkout charge errored", "transaction_id", tx.ID, "error", err)
			msg = "The payment could not be processed."
		} else if res.Message != "" {
			msg = res.Message
		}
		tx.Status = types.TransactionStatusFailed
		tx.ErrorMessage = msg
		if err := s.store.SaveTransaction(ctx, tx); err != nil {
			log.Errorw("failed to save failed transaction", "transaction_id", tx.ID, "error", err)
		}
		s.metrics.ObserveCharge(string(g.Key()), string(txType), false)
		return nil, types.NewValidationError(msg + " " + paymentHint)
	}
	tx.Status = types.TransactionStatusSuccess
	tx.GatewayTransactionID = res.GatewayTransactionID

	out := &CheckoutResult{Transaction: tx}
	if cart.IsGift {
		out.Gift = s.gifts.NewPurchased(cart, tx.ID, q.Final)
		tx.GiftSubscriptionID = tool.Ptr(out.Gift.ID)
	} else {
		next := q.Cycle.NextTs(now)
		out.Subscription = &models.Subscription{
			ID:                    tool.GenerateUUIDV7(),
			UserID:                user.GetID(),
			PlanKey:               q.Plan.Key,
			BillingCycleKey:       q.Cycle.Key,
			Gateway:               g.Key(),
			VoucherCodeID:         tx.VoucherCodeID,
			StartAt:               now,
			Active:                true,
			ActivatedAt:           &now,
			NextTransactionAt:     &next,
			NumTransactions:       1,
			LastTransactionAmount: q.Final,
			LastTransactionAt:     &now,
			CreatedAt:             now,
		}
		tx.SubscriptionID = tool.Ptr(out.Subscription.ID)
	}
	cart.TransactionID = tool.Ptr(tx.ID)
	cart.CheckedOutAt = &now
	cart.FinalPrice = q.Final

	err = s.store.WithTx(ctx, func(st store.Store) error {
		if err := st.SaveTransaction(ctx, tx); err != nil {
			return err
		}
		if out.Gift != nil {
			if err := st.CreateGift(ctx, out.Gift); err != nil {
				return err
			}
		} else if err := st.CreateSubscription(ctx, out.Subscription); err != nil {
			return err
		}
		return st.SaveCart(ctx, cart)
	})
	if err != nil {
		log.Errorw("failed to record checkout, refunding charge", "transaction_id", tx.ID, "error", err)
		s.subs.RefundCharge(ctx, g, tx)
		return nil, fmt.Errorf("failed to record checkout of cart %s: %w", cart.ID, err)
	}
	s.metrics.ObserveCharge(string(g.Key()), string(txType), true)
	log.Infow("cart checked out", "cart_id", cart.ID, "transaction_id", tx.ID, "amount", tx.Amount.StringFixed(2), "gift", cart.IsGift)

	if q.Voucher != nil {
		if err := s.accounts.UsedVoucherCode(ctx, user, q.Voucher); err != nil {
			log.Warnw("failed to record voucher usage", "code", q.Voucher.Code, "error", err)
		}
	}
	if out.Gift != nil {
		if err := s.gifts.SendRecipientEmail(ctx, out.Gift); err != nil {
			log.Warnw("failed to email gift recipient", "gift_id", out.Gift.ID, "error", err)
		}
		buyer := user.GetEmail()
		if buyer == "" {
			buyer = cart.GifterEmail
		}
		s.notifier.SendFromTemplate(ctx, notifier.TemplateSubscriptionReceipt, buyer, s.receiptVars(user, q, tx, nil))
		return out, nil
	}

	sub := out.Subscription
	s.subs.LogChange(ctx, nil, sub, types.SubscriptionChangeReasonPurchase, datatypes.JSONMap{"transaction_id": tx.ID, "cart_id": cart.ID})
	if credit != nil {
		// End reorganizes the remaining subscriptions.
		if err := s.subs.End(ctx, credit.Subscription, types.EndReasonUpgraded, true); err != nil {
			log.Warnw("failed to end credited subscription", "credited_subscription_id", credit.Subscription.ID, "error", err)
			credit = nil
		}
	}
	if credit == nil {
		if err := s.subs.ReorganizeUser(ctx, sub.UserID); err != nil {
			log.Errorw("failed to reorganize after checkout", "error", err)
		}
	}
	if fresh, err := s.subs.Get(ctx, sub.ID); err == nil {
		out.Subscription = fresh
	}
	s.notifier.SendFromTemplate(ctx, notifier.TemplateSubscriptionReceipt, user.GetEmail(), s.receiptVars(user, q, tx, out.Subscription.NextTransactionAt))
	return out, nil
}

func (s *Service) receiptVars(user types.User, q *subscription.Quote, tx *models.Transaction, next *time.Time) notifier.Vars {
	vars := subscription.ReceiptVars(q, tx, next)
	vars["Username"] = user.GetUsername()
	return vars
}

func (s *Service) currency() string {
	if s.cfg.Billing.Currency == "" {
		return types.DefaultCurrency
	}
	return s.cfg.Billing.Currency
}
