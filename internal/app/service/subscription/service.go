// Package subscription owns the subscription lifecycle: renewal charges, ending,
// grace periods, upgrade credit and reorganization of a user's subscriptions.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/fatflowers/billing/internal/app/service/account"
	"github.com/fatflowers/billing/internal/app/service/catalog"
	"github.com/fatflowers/billing/internal/app/service/notifier"
	"github.com/fatflowers/billing/internal/app/service/voucher"
	"github.com/fatflowers/billing/internal/app/store"
	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/internal/platform/gateway"
	platformredis "github.com/fatflowers/billing/internal/platform/redis"
	cfgpkg "github.com/fatflowers/billing/pkg/config"
	"github.com/fatflowers/billing/pkg/logctx"
	"github.com/fatflowers/billing/pkg/metrics"
	"github.com/fatflowers/billing/pkg/tool"
	"github.com/fatflowers/billing/pkg/types"
)

var (
	ErrAlreadyEnded     = errors.New("subscription already ended")
	ErrGatewayImmutable = errors.New("subscription is managed by an immutable gateway")
	ErrPaymentFailed    = errors.New("payment failed")
	ErrChargeInProgress = errors.New("charge already in progress for this billing window")
)

type ServiceParam struct {
	fx.In

	Config   *cfgpkg.Config
	Store    store.Store
	Catalog  *catalog.Service
	Vouchers *voucher.Service
	Gateways *gateway.Registry
	Apple    *gateway.Apple
	Accounts *account.Service
	Notifier *notifier.Service
	Locker   platformredis.Locker
	Metrics  *metrics.Billing
	Log      *zap.SugaredLogger

	// Now defaults to time.Now.
	Now func() time.Time `optional:"true"`
}

type Service struct {
	cfg      *cfgpkg.Config
	store    store.Store
	catalog  *catalog.Service
	vouchers *voucher.Service
	gateways *gateway.Registry
	apple    *gateway.Apple
	accounts *account.Service
	notifier *notifier.Service
	locker   platformredis.Locker
	metrics  *metrics.Billing
	log      *zap.SugaredLogger
	now      func() time.Time
}

func NewService(p ServiceParam) *Service {
	now := p.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		cfg:      p.Config,
		store:    p.Store,
		catalog:  p.Catalog,
		vouchers: p.Vouchers,
		gateways: p.Gateways,
		apple:    p.Apple,
		accounts: p.Accounts,
		notifier: p.Notifier,
		locker:   p.Locker,
		metrics:  p.Metrics,
		log:      p.Log,
		now:      now,
	}
}

// Now is the service clock.
func (s *Service) Now() time.Time {
	return s.now()
}

func (s *Service) Get(ctx context.Context, id string) (*models.Subscription, error) {
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription %s: %w", id, err)
	}
	return sub, nil
}

func (s *Service) ListUser(ctx context.Context, userID string) ([]*models.Subscription, error) {
	subs, err := s.store.ListUserSubscriptions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions of %s: %w", userID, err)
	}
	return subs, nil
}

// IsMutable reports whether the system may end or reshape sub.
func (s *Service) IsMutable(sub *models.Subscription) bool {
	return s.gateways.IsMutable(sub.Gateway)
}

// Level is the plan level of v, or 0 for plans no longer in the catalog.
func (s *Service) Level(v types.HasPlan) int {
	plan, err := s.catalog.PlanOf(v)
	if err != nil {
		return 0
	}
	return plan.Level
}

// LogChange writes a before/after snapshot asynchronously. Both snapshots are
// copied so callers may keep mutating their records.
func (s *Service) LogChange(ctx context.Context, before, after *models.Subscription, reason types.SubscriptionChangeReason, extra datatypes.JSONMap) {
	if extra == nil {
		extra = datatypes.JSONMap{}
	}
	entry := &models.SubscriptionLog{
		ID:             tool.GenerateUUIDV7(),
		UserID:         after.UserID,
		SubscriptionID: after.ID,
		Reason:         reason,
		TraceID:        logctx.TraceID(ctx),
		Before:         datatypes.NewJSONType(before.Clone()),
		After:          datatypes.NewJSONType(after.Clone()),
		Extra:          extra,
		CreatedAt:      s.now(),
	}
	go func(ctx context.Context) {
		if err := s.store.CreateSubscriptionLog(ctx, entry); err != nil {
			logctx.FromCtx(ctx, s.log).Errorw("failed to save subscription log", "subscription_id", entry.SubscriptionID, "error", err)
		}
	}(context.WithoutCancel(ctx))
}

// save persists sub through st and logs the change.
func (s *Service) save(ctx context.Context, st store.Store, before, sub *models.Subscription, reason types.SubscriptionChangeReason, extra datatypes.JSONMap) error {
	if err := st.SaveSubscription(ctx, sub); err != nil {
		return fmt.Errorf("failed to save subscription %s: %w", sub.ID, err)
	}
	s.LogChange(ctx, before, sub, reason, extra)
	return nil
}

func (s *Service) planAndCycle(sub *models.Subscription) (*types.Plan, *types.BillingCycle, error) {
	plan, err := s.catalog.PlanOf(sub)
	if err != nil {
		return nil, nil, err
	}
	cycle, err := s.catalog.CycleOf(sub)
	if err != nil {
		return nil, nil, err
	}
	return plan, cycle, nil
}

// emailUser sends tpl to the subscription owner. Unknown users are logged and skipped.
func (s *Service) emailUser(ctx context.Context, userID string, tpl notifier.Template, vars notifier.Vars) {
	acc, err := s.accounts.Get(ctx, userID)
	if err != nil {
		logctx.FromCtx(ctx, s.log).Warnw("cannot email user", "user_id", userID, "template", tpl, "error", err)
		return
	}
	if vars == nil {
		vars = notifier.Vars{}
	}
	vars["Username"] = acc.Username
	s.notifier.SendFromTemplate(ctx, tpl, acc.Email, vars)
}

func (s *Service) merchant() gateway.MerchantInfo {
	return gateway.MerchantInfo{Name: s.cfg.Billing.MerchantName}
}

func (s *Service) currency() string {
	if s.cfg.Billing.Currency == "" {
		return types.DefaultCurrency
	}
	return s.cfg.Billing.Currency
}
