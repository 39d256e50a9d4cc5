// Package gift issues and redeems gift subscriptions.
package gift

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/fatflowers/billing/internal/app/service/account"
	"github.com/fatflowers/billing/internal/app/service/catalog"
	"github.com/fatflowers/billing/internal/app/service/notifier"
	"github.com/fatflowers/billing/internal/app/service/subscription"
	"github.com/fatflowers/billing/internal/app/store"
	"github.com/fatflowers/billing/internal/models"
	cfgpkg "github.com/fatflowers/billing/pkg/config"
	"github.com/fatflowers/billing/pkg/logctx"
	"github.com/fatflowers/billing/pkg/tool"
	"github.com/fatflowers/billing/pkg/types"
)

var Module = fx.Options(
	fx.Provide(NewService),
)

const defaultResendInterval = time.Hour

type ServiceParam struct {
	fx.In

	Config        *cfgpkg.Config
	Store         store.Store
	Catalog       *catalog.Service
	Subscriptions *subscription.Service
	Accounts      *account.Service
	Notifier      *notifier.Service
	Log           *zap.SugaredLogger
}

type Service struct {
	cfg      *cfgpkg.Config
	store    store.Store
	catalog  *catalog.Service
	subs     *subscription.Service
	accounts *account.Service
	notifier *notifier.Service
	validate *validator.Validate
	log      *zap.SugaredLogger
}

func NewService(p ServiceParam) *Service {
	return &Service{
		cfg:      p.Config,
		store:    p.Store,
		catalog:  p.Catalog,
		subs:     p.Subscriptions,
		accounts: p.Accounts,
		notifier: p.Notifier,
		validate: validator.New(),
		log:      p.Log,
	}
}

func (s *Service) GetByKey(ctx context.Context, key string) (*models.GiftSubscription, error) {
	g, err := s.store.GetGiftByKey(ctx, strings.TrimSpace(key))
	if err != nil {
		return nil, fmt.Errorf("failed to get gift %s: %w", key, err)
	}
	return g, nil
}

// ValidEmail reports whether addr is a single well-formed email address.
func (s *Service) ValidEmail(addr string) bool {
	return s.validate.Var(addr, "required,email") == nil
}

// NewPurchased builds the gift bought by a checked-out cart. The caller persists it.
func (s *Service) NewPurchased(cart *models.Cart, transactionID string, amount decimal.Decimal) *models.GiftSubscription {
	return &models.GiftSubscription{
		ID:                tool.GenerateUUIDV7(),
		Key:               tool.GenerateRedeemKey(),
		Type:              types.GiftTypePurchased,
		Active:            true,
		GifterEmail:       cart.GifterEmail,
		RecipientEmail:    cart.RecipientEmail,
		Message:           cart.GiftMessage,
		PlanKey:           cart.PlanKey,
		BillingCycleKey:   cart.BillingCycleKey,
		Duration:          1,
		TransactionAmount: amount,
		TransactionID:     tool.Ptr(transactionID),
		CreatedAt:         s.subs.Now(),
	}
}

type ComplimentaryRequest struct {
	PlanKey         string `json:"plan_key" binding:"required"`
	BillingCycleKey string `json:"billing_cycle_key" binding:"required"`
	Duration        int    `json:"duration" binding:"required"`
	Reason          string `json:"reason"`
	// Emails is a comma or newline separated list of recipients.
	Emails string `json:"emails" binding:"required"`
}

type ComplimentaryResult struct {
	InvalidEmails []string `json:"invalid_emails"`
	FailedEmails  []string `json:"failed_emails"`
	SuccessEmails []string `json:"success_emails"`
	CreatedIDs    []string `json:"created_ids"`
}

func splitEmails(raw string) []string {
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == '\n' || r == '\r'
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return lo.Uniq(out)
}

func (s *Service) checkGrant(planKey, cycleKey string, duration int) (*types.Plan, *types.BillingCycle, error) {
	verr := types.NewValidationError()
	plan, err := s.catalog.Plan(planKey)
	if err != nil {
		verr.Add(fmt.Sprintf("Plan %q does not exist.", planKey))
	}
	cycle, err := s.catalog.BillingCycle(cycleKey)
	if err != nil {
		verr.Add(fmt.Sprintf("Billing cycle %q does not exist.", cycleKey))
	}
	if duration <= 0 {
		verr.Add("Duration must be at least one billing cycle.")
	}
	if err := verr.OrNil(); err != nil {
		return nil, nil, err
	}
	return plan, cycle, nil
}

// CreateComplimentarySubscriptions issues one complimentary gift per valid
// address in req.Emails. Each address succeeds or fails on its own.
func (s *Service) CreateComplimentarySubscriptions(ctx context.Context, req *ComplimentaryRequest) (*ComplimentaryResult, error) {
	log := logctx.FromCtx(ctx, s.log)
	plan, cycle, err := s.checkGrant(req.PlanKey, req.BillingCycleKey, req.Duration)
	if err != nil {
		return nil, err
	}

	res := &ComplimentaryResult{
		InvalidEmails: []string{},
		FailedEmails:  []string{},
		SuccessEmails: []string{},
		CreatedIDs:    []string{},
	}
	for _, addr := range splitEmails(req.Emails) {
		if !s.ValidEmail(addr) {
			res.InvalidEmails = append(res.InvalidEmails, addr)
			continue
		}
		g := &models.GiftSubscription{
			ID:              tool.GenerateUUIDV7(),
			Key:             tool.GenerateRedeemKey(),
			Type:            types.GiftTypeComplimentary,
			Active:          true,
			RecipientEmail:  addr,
			Reason:          req.Reason,
			PlanKey:         plan.Key,
			BillingCycleKey: cycle.Key,
			Duration:        req.Duration,
			CreatedAt:       s.subs.Now(),
		}
		if err := s.store.CreateGift(ctx, g); err != nil {
			log.Errorw("failed to create complimentary gift", "email", addr, "error", err)
			res.FailedEmails = append(res.FailedEmails, addr)
			continue
		}
		res.SuccessEmails = append(res.SuccessEmails, addr)
		res.CreatedIDs = append(res.CreatedIDs, g.ID)

		if s.notifier.SendFromTemplate(ctx, notifier.TemplateGiftComplimentary, addr, s.giftVars(g, plan, cycle)) {
			s.markSent(ctx, g)
		}
	}
	log.Infow("complimentary gifts created",
		"plan_key", plan.Key,
		"created", len(res.CreatedIDs),
		"invalid", len(res.InvalidEmails),
		"failed", len(res.FailedEmails),
	)
	return res, nil
}

func (s *Service) giftVars(g *models.GiftSubscription, plan *types.Plan, cycle *types.BillingCycle) notifier.Vars {
	return notifier.Vars{
		"Key":         g.Key,
		"PlanName":    plan.Name,
		"CycleName":   cycle.Name,
		"Duration":    g.Duration,
		"GifterEmail": g.GifterEmail,
		"Message":     g.Message,
		"Reason":      g.Reason,
	}
}

func (s *Service) markSent(ctx context.Context, g *models.GiftSubscription) {
	now := s.subs.Now()
	g.EmailLastSentToRecipientAt = &now
	if err := s.store.SaveGift(ctx, g); err != nil {
		logctx.FromCtx(ctx, s.log).Warnw("failed to record gift email", "gift_id", g.ID, "error", err)
	}
}

func (s *Service) resendInterval() time.Duration {
	if s.cfg.Billing.GiftResendInterval > 0 {
		return s.cfg.Billing.GiftResendInterval
	}
	return defaultResendInterval
}

// SendRecipientEmail emails the gift key to its recipient. Resends are
// throttled and a claimed gift is never sent again.
func (s *Service) SendRecipientEmail(ctx context.Context, g *models.GiftSubscription) error {
	if g.Claimed {
		return types.NewValidationError("This gift has already been redeemed.")
	}
	now := s.subs.Now()
	if last := g.EmailLastSentToRecipientAt; last != nil && now.Before(last.Add(s.resendInterval())) {
		return types.NewValidationError("The gift email was sent recently. Please wait before sending it again.")
	}
	plan, err := s.catalog.PlanOf(g)
	if err != nil {
		return err
	}
	cycle, err := s.catalog.CycleOf(g)
	if err != nil {
		return err
	}
	tpl := notifier.TemplateGiftRecipient
	if g.Type == types.GiftTypeComplimentary {
		tpl = notifier.TemplateGiftComplimentary
	}
	if !s.notifier.SendFromTemplate(ctx, tpl, g.RecipientEmail, s.giftVars(g, plan, cycle)) {
		return fmt.Errorf("failed to send gift email to %s", g.RecipientEmail)
	}
	s.markSent(ctx, g)
	return nil
}

// ResendRecipientEmail sends the recipient email of gift id again. Only the
// gifter or an admin may resend; anyone else sees store.ErrNotFound.
func (s *Service) ResendRecipientEmail(ctx context.Context, user types.User, id string) error {
	g, err := s.store.GetGift(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get gift %s: %w", id, err)
	}
	if !user.HasRole(types.RoleAdmin) && !strings.EqualFold(g.GifterEmail, user.GetEmail()) {
		return fmt.Errorf("gift %s: %w", id, store.ErrNotFound)
	}
	return s.SendRecipientEmail(ctx, g)
}

func endAfter(cycle *types.BillingCycle, from time.Time, n int) time.Time {
	end := from
	for range n {
		end = cycle.NextTs(end)
	}
	return end
}

// Redeem turns the gift with key into an active subscription for user. The
// subscription and the claim are committed together.
func (s *Service) Redeem(ctx context.Context, user types.User, key string) (*models.Subscription, error) {
	log := logctx.FromCtx(ctx, s.log).With("user_id", user.GetID())
	g, err := s.GetByKey(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, types.NewValidationError("This gift code does not exist.").WithCause(err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get gift: %w", err)
	}
	if !g.Active {
		return nil, types.NewValidationError("This gift is not active.")
	}
	if g.Claimed {
		return nil, types.NewValidationError("This gift has already been redeemed.")
	}
	plan, cycle, err := s.checkGrant(g.PlanKey, g.BillingCycleKey, g.Duration)
	if err != nil {
		return nil, err
	}

	now := s.subs.Now()
	end := endAfter(cycle, now, g.Duration)
	sub := &models.Subscription{
		ID:                 tool.GenerateUUIDV7(),
		UserID:             user.GetID(),
		PlanKey:            plan.Key,
		BillingCycleKey:    cycle.Key,
		Gateway:            types.GatewayFree,
		GiftSubscriptionID: tool.Ptr(g.ID),
		StartAt:            now,
		EndAt:              &end,
		Active:             true,
		ActivatedAt:        &now,
		CreatedAt:          now,
	}

	err = s.store.WithTx(ctx, func(st store.Store) error {
		if err := st.CreateSubscription(ctx, sub); err != nil {
			return err
		}
		// the claim only succeeds for one of several concurrent redemptions
		claimed, err := st.ClaimGift(ctx, g.ID, user.GetID(), sub.ID, now)
		if err != nil {
			return err
		}
		if !claimed {
			return types.NewValidationError("This gift has already been redeemed.")
		}
		return nil
	})
	if err != nil {
		if _, ok := types.AsValidationError(err); ok {
			return nil, err
		}
		return nil, fmt.Errorf("failed to redeem gift %s: %w", g.ID, err)
	}
	g.Claimed = true
	g.ClaimedByUserID = tool.Ptr(user.GetID())
	g.ClaimedAt = &now
	g.SubscriptionID = tool.Ptr(sub.ID)
	s.subs.LogChange(ctx, nil, sub, types.SubscriptionChangeReasonGift, datatypes.JSONMap{"gift_id": g.ID})
	log.Infow("gift redeemed", "gift_id", g.ID, "subscription_id", sub.ID, "end_at", end)

	if err := s.subs.ReorganizeUser(ctx, sub.UserID); err != nil {
		log.Errorw("failed to reorganize after gift redemption", "error", err)
	}
	if reorganized, err := s.subs.Get(ctx, sub.ID); err == nil {
		sub = reorganized
	}

	if g.GifterEmail != "" {
		s.notifier.SendFromTemplate(ctx, notifier.TemplateGiftGifterRedeemed, g.GifterEmail, notifier.Vars{
			"PlanName":       plan.Name,
			"RecipientEmail": user.GetEmail(),
		})
	}
	s.notifier.SendFromTemplate(ctx, notifier.TemplateGiftRecipientRedeemed, user.GetEmail(), notifier.Vars{
		"Username": user.GetUsername(),
		"PlanName": plan.Name,
		"EndAt":    notifier.FormatDate(*sub.EndAt),
	})
	return sub, nil
}
