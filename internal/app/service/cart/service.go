// Package cart prices and checks out subscription purchases.
package cart

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fatflowers/billing/internal/app/service/account"
	"github.com/fatflowers/billing/internal/app/service/catalog"
	"github.com/fatflowers/billing/internal/app/service/gift"
	"github.com/fatflowers/billing/internal/app/service/notifier"
	"github.com/fatflowers/billing/internal/app/service/subscription"
	"github.com/fatflowers/billing/internal/app/service/voucher"
	"github.com/fatflowers/billing/internal/app/store"
	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/internal/platform/gateway"
	cfgpkg "github.com/fatflowers/billing/pkg/config"
	"github.com/fatflowers/billing/pkg/logctx"
	"github.com/fatflowers/billing/pkg/metrics"
	"github.com/fatflowers/billing/pkg/tool"
	"github.com/fatflowers/billing/pkg/types"
)

var Module = fx.Options(
	fx.Provide(NewService),
)

type ServiceParam struct {
	fx.In

	Config        *cfgpkg.Config
	Store         store.Store
	Catalog       *catalog.Service
	Vouchers      *voucher.Service
	Subscriptions *subscription.Service
	Gifts         *gift.Service
	Gateways      *gateway.Registry
	Accounts      *account.Service
	Notifier      *notifier.Service
	Metrics       *metrics.Billing
	Log           *zap.SugaredLogger
}

type Service struct {
	cfg      *cfgpkg.Config
	store    store.Store
	catalog  *catalog.Service
	vouchers *voucher.Service
	subs     *subscription.Service
	gifts    *gift.Service
	gateways *gateway.Registry
	accounts *account.Service
	notifier *notifier.Service
	metrics  *metrics.Billing
	log      *zap.SugaredLogger
}

func NewService(p ServiceParam) *Service {
	return &Service{
		cfg:      p.Config,
		store:    p.Store,
		catalog:  p.Catalog,
		vouchers: p.Vouchers,
		subs:     p.Subscriptions,
		gifts:    p.Gifts,
		gateways: p.Gateways,
		accounts: p.Accounts,
		notifier: p.Notifier,
		metrics:  p.Metrics,
		log:      p.Log,
	}
}

// OwnerOf is the cart owner key of user: the user id, or a prefixed visitor key
// for anonymous shoppers.
func OwnerOf(user types.User) string {
	if v, ok := user.(*types.Visitor); ok {
		return "visitor:" + v.Key
	}
	return user.GetID()
}

// GetOrCreate returns the user's open cart, creating an empty one on first use.
// The price is recomputed so credits and vouchers reflect the current time.
func (s *Service) GetOrCreate(ctx context.Context, user types.User) (*models.Cart, error) {
	owner := OwnerOf(user)
	cart, err := s.store.GetOpenCart(ctx, owner)
	if errors.Is(err, store.ErrNotFound) {
		now := s.subs.Now()
		cart = &models.Cart{
			ID:        tool.GenerateUUIDV7(),
			Owner:     owner,
			UserID:    user.GetID(),
			LastAt:    now,
			CreatedAt: now,
		}
		if err := s.store.SaveCart(ctx, cart); err != nil {
			return nil, fmt.Errorf("failed to create cart: %w", err)
		}
		return cart, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cart: %w", err)
	}
	if err := s.updateFinalPrice(ctx, cart); err != nil {
		return nil, err
	}
	return cart, nil
}

func (s *Service) save(ctx context.Context, cart *models.Cart) error {
	cart.LastAt = s.subs.Now()
	if err := s.store.SaveCart(ctx, cart); err != nil {
		return fmt.Errorf("failed to save cart %s: %w", cart.ID, err)
	}
	return nil
}

type UpdatePurchaseRequest struct {
	PlanKey         string `json:"plan_key" binding:"required"`
	BillingCycleKey string `json:"billing_cycle_key" binding:"required"`
	// ReferralCode is a voucher carried over from the visitor's referral link.
	ReferralCode string `json:"referral_code"`
}

// UpdateSubscriptionPurchase selects the plan and billing cycle to buy.
func (s *Service) UpdateSubscriptionPurchase(ctx context.Context, user types.User, req *UpdatePurchaseRequest) (*models.Cart, error) {
	cart, err := s.GetOrCreate(ctx, user)
	if err != nil {
		return nil, err
	}
	plan, cycle, err := s.checkSelection(req.PlanKey, req.BillingCycleKey)
	if err != nil {
		return nil, err
	}
	// visitors own nothing to conflict with until they sign in
	if !cart.IsGift && !types.IsAnonymous(user) {
		if err := s.checkAccess(ctx, user.GetID(), plan, cycle); err != nil {
			return nil, err
		}
	}

	now := s.subs.Now()
	cart.PlanKey = plan.Key
	cart.BillingCycleKey = cycle.Key
	cart.RenewalAt = tool.Ptr(cycle.NextTs(now))
	if cart.VoucherCode == "" && req.ReferralCode != "" {
		v, err := s.vouchers.GetActiveFromCode(ctx, req.ReferralCode, now)
		if err != nil {
			return nil, err
		}
		if v != nil && v.CanApplyToPlan(cart, now) {
			cart.VoucherCode = v.Code
		}
	}
	if err := s.updateFinalPrice(ctx, cart); err != nil {
		return nil, err
	}
	if err := s.save(ctx, cart); err != nil {
		return nil, err
	}
	logctx.FromCtx(ctx, s.log).Infow("cart purchase updated", "cart_id", cart.ID, "plan_key", plan.Key, "billing_cycle_key", cycle.Key, "final_price", cart.FinalPrice.StringFixed(2))
	return cart, nil
}

func (s *Service) checkSelection(planKey, cycleKey string) (*types.Plan, *types.BillingCycle, error) {
	plan, err := s.catalog.Plan(planKey)
	if err != nil {
		return nil, nil, types.NewValidationError(fmt.Sprintf("Plan %q does not exist.", planKey)).WithCause(err)
	}
	cycle, err := s.catalog.BillingCycle(cycleKey)
	if err != nil {
		return nil, nil, types.NewValidationError(fmt.Sprintf("Billing cycle %q does not exist.", cycleKey)).WithCause(err)
	}
	if !cycle.Enabled {
		return nil, nil, types.NewValidationError(fmt.Sprintf("The %s billing cycle is not available.", cycle.Name))
	}
	if !plan.BillingCycleIsCompatible(cycle) {
		return nil, nil, types.NewValidationError(fmt.Sprintf("The %s plan cannot be billed %s. Available billing cycles: %s.",
			plan.Name, strings.ToLower(cycle.Name), strings.Join(plan.CycleKeys(), ", ")))
	}
	return plan, cycle, nil
}

// checkAccess rejects buying what the user already has: a current subscription
// of the same or a higher level on the same or a longer cycle.
func (s *Service) checkAccess(ctx context.Context, userID string, plan *types.Plan, cycle *types.BillingCycle) error {
	subs, err := s.subs.ListUser(ctx, userID)
	if err != nil {
		return err
	}
	now := s.subs.Now()
	for _, sub := range subs {
		if sub.IsEnded() || !sub.GrantsAccessAt(now) {
			continue
		}
		curPlan, err := s.catalog.PlanOf(sub)
		if err != nil {
			continue
		}
		curCycle, err := s.catalog.CycleOf(sub)
		if err != nil {
			continue
		}
		if curPlan.Level < plan.Level || curCycle.NumMonths < cycle.NumMonths {
			continue
		}
		if curPlan.Key == plan.Key && curCycle.Key == cycle.Key {
			return types.NewValidationError(fmt.Sprintf("You are already subscribed to %s.", subscription.Describe(plan, cycle)))
		}
		return types.NewValidationError(fmt.Sprintf("Your current %s subscription already includes %s.", subscription.Describe(curPlan, curCycle), subscription.Describe(plan, cycle)))
	}
	return nil
}

// UpdateVoucherCode applies code to the cart. An empty code removes the voucher.
func (s *Service) UpdateVoucherCode(ctx context.Context, user types.User, code string) (*models.Cart, error) {
	cart, err := s.GetOrCreate(ctx, user)
	if err != nil {
		return nil, err
	}
	code = strings.TrimSpace(code)
	if strings.EqualFold(code, cart.VoucherCode) {
		return cart, nil
	}
	if code != "" {
		now := s.subs.Now()
		v, err := s.vouchers.GetActiveFromCode(ctx, code, now)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, types.NewValidationError(fmt.Sprintf("Voucher code %q is not valid or has expired.", code))
		}
		if cart.HasSelection() && !v.CanApplyToPlan(cart, now) {
			planName := cart.PlanKey
			if plan, err := s.catalog.PlanOf(cart); err == nil {
				planName = plan.Name
			}
			return nil, types.NewValidationError(fmt.Sprintf("Voucher code %q cannot be applied to the plan %s.", code, planName))
		}
		code = v.Code
	}
	cart.VoucherCode = code
	if err := s.updateFinalPrice(ctx, cart); err != nil {
		return nil, err
	}
	if err := s.save(ctx, cart); err != nil {
		return nil, err
	}
	return cart, nil
}

type UpdateGiftRequest struct {
	IsGift         bool   `json:"is_gift"`
	GifterEmail    string `json:"gifter_email"`
	RecipientEmail string `json:"recipient_email"`
	Message        string `json:"message"`
}

// UpdateGift turns the cart into a gift purchase or back into a purchase for the user.
func (s *Service) UpdateGift(ctx context.Context, user types.User, req *UpdateGiftRequest) (*models.Cart, error) {
	cart, err := s.GetOrCreate(ctx, user)
	if err != nil {
		return nil, err
	}
	if req.IsGift {
		verr := types.NewValidationError()
		gifter := strings.TrimSpace(req.GifterEmail)
		if gifter == "" {
			gifter = user.GetEmail()
		}
		recipient := strings.TrimSpace(req.RecipientEmail)
		if gifter != "" && !s.gifts.ValidEmail(gifter) {
			verr.Add(fmt.Sprintf("%q is not a valid email address.", gifter))
		}
		if !s.gifts.ValidEmail(recipient) {
			verr.Add("Please enter a valid recipient email address.")
		}
		if err := verr.OrNil(); err != nil {
			return nil, err
		}
		cart.GifterEmail, cart.RecipientEmail, cart.GiftMessage = gifter, recipient, strings.TrimSpace(req.Message)
	} else {
		cart.GifterEmail, cart.RecipientEmail, cart.GiftMessage = "", "", ""
	}
	cart.IsGift = req.IsGift
	if err := s.updateFinalPrice(ctx, cart); err != nil {
		return nil, err
	}
	if err := s.save(ctx, cart); err != nil {
		return nil, err
	}
	return cart, nil
}

// quote prices the cart at now: plan price, voucher, then upgrade credit for
// non-gift purchases. An inapplicable voucher is dropped from the cart.
func (s *Service) quote(ctx context.Context, cart *models.Cart, now time.Time) (*subscription.Quote, *subscription.Credit, error) {
	plan, err := s.catalog.PlanOf(cart)
	if err != nil {
		return nil, nil, err
	}
	cycle, err := s.catalog.CycleOf(cart)
	if err != nil {
		return nil, nil, err
	}
	price, err := plan.GetPrice(cycle)
	if err != nil {
		return nil, nil, err
	}

	var v *models.VoucherCode
	if cart.VoucherCode != "" {
		v, err = s.vouchers.GetActiveFromCode(ctx, cart.VoucherCode, now)
		if err != nil {
			return nil, nil, err
		}
		if v == nil || !v.CanApplyToPlan(cart, now) {
			logctx.FromCtx(ctx, s.log).Infow("dropping voucher no longer applicable to cart", "cart_id", cart.ID, "code", cart.VoucherCode)
			cart.VoucherCode = ""
			v = nil
		}
	}

	var credit *subscription.Credit
	if !cart.IsGift && cart.UserID != "" {
		credit, err = s.subs.FindCreditableSubscription(ctx, cart.UserID, plan.Level, "", now)
		if err != nil {
			return nil, nil, err
		}
	}
	if credit == nil {
		return subscription.NewQuote(plan, cycle, price, v, "", decimal.Zero), nil, nil
	}
	return subscription.NewQuote(plan, cycle, price, v, credit.Plan.Name, credit.Amount), credit, nil
}

// updateFinalPrice recomputes every derived price field of cart.
func (s *Service) updateFinalPrice(ctx context.Context, cart *models.Cart) error {
	if !cart.HasSelection() {
		cart.ResetPricing()
		return nil
	}
	q, credit, err := s.quote(ctx, cart, s.subs.Now())
	if err != nil {
		return fmt.Errorf("failed to price cart %s: %w", cart.ID, err)
	}
	cart.ClearCredit()
	if credit != nil {
		cart.CreditSubscriptionID = tool.Ptr(credit.Subscription.ID)
		cart.CreditPlanKey = credit.Plan.Key
		cart.CreditAmount = q.Credit
	}
	cart.BasePrice = q.BasePrice
	cart.Discount = q.Discount()
	cart.FinalPrice = q.Final
	return nil
}
