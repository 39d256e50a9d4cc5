// Package servicetest wires billing services over the in-memory store for
// tests of the packages built on top of subscription.
package servicetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fatflowers/billing/internal/app/service/account"
	"github.com/fatflowers/billing/internal/app/service/catalog"
	"github.com/fatflowers/billing/internal/app/service/notifier"
	"github.com/fatflowers/billing/internal/app/service/subscription"
	"github.com/fatflowers/billing/internal/app/service/voucher"
	"github.com/fatflowers/billing/internal/app/store"
	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/internal/platform/email"
	"github.com/fatflowers/billing/internal/platform/gateway"
	platformredis "github.com/fatflowers/billing/internal/platform/redis"
	cfgpkg "github.com/fatflowers/billing/pkg/config"
	"github.com/fatflowers/billing/pkg/tool"
	"github.com/fatflowers/billing/pkg/types"
)

func Date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type Clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// Gateway is a recurring, mutable card gateway that approves unless a decline is queued.
type Gateway struct {
	mu       sync.Mutex
	declines []string
	Charges  []*gateway.ExecuteRequest
	Refunds  []string
}

func (g *Gateway) Key() types.GatewayKey { return types.GatewayCard }
func (g *Gateway) Mutable() bool         { return true }
func (g *Gateway) Recurring() bool       { return true }

func (g *Gateway) Execute(_ context.Context, req *gateway.ExecuteRequest) (*gateway.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Charges = append(g.Charges, req)
	if len(g.declines) > 0 {
		msg := g.declines[0]
		g.declines = g.declines[1:]
		return &gateway.Result{Success: false, Message: msg}, nil
	}
	return &gateway.Result{Success: true, GatewayTransactionID: "ch_" + req.Reference, Amount: req.Total()}, nil
}

func (g *Gateway) Refund(_ context.Context, id string, _ decimal.Decimal) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Refunds = append(g.Refunds, id)
	return nil
}

func (g *Gateway) Decline(msg string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.declines = append(g.declines, msg)
}

type Sender struct {
	mu   sync.Mutex
	Sent []email.Message
}

func (s *Sender) Send(_ context.Context, msg email.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Sent = append(s.Sent, msg)
	return nil
}

// To returns the templates sent to addr, in order.
func (s *Sender) To(addr string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tags []string
	for _, m := range s.Sent {
		if m.To == addr {
			tags = append(tags, m.Tag)
		}
	}
	return tags
}

type Env struct {
	Config        *cfgpkg.Config
	Store         *store.Memory
	Clock         *Clock
	Card          *Gateway
	Sender        *Sender
	Catalog       *catalog.Service
	Vouchers      *voucher.Service
	Accounts      *account.Service
	Notifier      *notifier.Service
	Gateways      *gateway.Registry
	Subscriptions *subscription.Service
	Log           *zap.SugaredLogger
}

// NewEnv builds the services with basic (level 1, 50/500) and pro (level 2,
// 80/800) plans on monthly and yearly cycles, and one account "u1".
func NewEnv(t *testing.T, now time.Time) *Env {
	t.Helper()
	cfg := &cfgpkg.Config{
		BillingCycles: []*types.BillingCycle{
			{Key: "monthly", Name: "Monthly", NumMonths: 1, NumDaysGracePeriod: 7, NotifyUpcomingTransactionWithinDays: 7, Enabled: true},
			{Key: "yearly", Name: "Yearly", NumMonths: 12, NumDaysGracePeriod: 14, Enabled: true},
			{Key: "quarterly", Name: "Quarterly", NumMonths: 3, Enabled: false},
		},
		Plans: []*types.Plan{
			{Key: "basic", Name: "Basic", Level: 1, Prices: map[string]string{"monthly": "50.00", "yearly": "500.00"}},
			{Key: "pro", Name: "Pro", Level: 2, Prices: map[string]string{"monthly": "80.00", "yearly": "800.00"}},
		},
		Gateways: cfgpkg.GatewaysConfig{Checkout: types.GatewayCard},
		Billing: cfgpkg.BillingConfig{
			MerchantName:        "Example",
			Currency:            "USD",
			IdempotencyLookback: 24 * time.Hour,
			RetryInterval:       24 * time.Hour,
			ChainTolerance:      24 * time.Hour,
			LockTTL:             time.Minute,
			GiftResendInterval:  time.Hour,
			CartReminderAfter:   24 * time.Hour,
		},
	}
	log := zap.NewNop().Sugar()
	env := &Env{
		Config: cfg,
		Store:  store.NewMemory(),
		Clock:  &Clock{t: now},
		Card:   &Gateway{},
		Sender: &Sender{},
		Log:    log,
	}
	var err error
	env.Catalog, err = catalog.New(cfg)
	require.NoError(t, err)
	env.Notifier, err = notifier.NewService(cfg, env.Sender, env.Store, nil, log)
	require.NoError(t, err)
	env.Vouchers = voucher.NewService(env.Store, env.Catalog, log)
	env.Accounts = account.NewService(env.Store, env.Catalog, log, account.WithClock(env.Clock.Now))
	env.Gateways = gateway.NewRegistry(env.Card, gateway.NewFree(), gateway.NewAppleWithClient(nil, false))
	env.Subscriptions = subscription.NewService(subscription.ServiceParam{
		Config:   cfg,
		Store:    env.Store,
		Catalog:  env.Catalog,
		Vouchers: env.Vouchers,
		Gateways: env.Gateways,
		Apple:    gateway.NewAppleWithClient(nil, false),
		Accounts: env.Accounts,
		Notifier: env.Notifier,
		Locker:   platformredis.NewLocalLocker(),
		Log:      log,
		Now:      env.Clock.Now,
	})
	env.AddAccount(t, "u1", "ann")
	return env
}

// AddAccount stores an account with email <id>@example.com.
func (e *Env) AddAccount(t *testing.T, id, username string) *models.Account {
	t.Helper()
	acc := &models.Account{ID: id, Email: id + "@example.com", Username: username}
	require.NoError(t, e.Store.SaveAccount(context.Background(), acc))
	return acc
}

// Subscribe stores an activated monthly card subscription of planKey for
// userID started at start and paid once.
func (e *Env) Subscribe(t *testing.T, userID, planKey string, start time.Time) *models.Subscription {
	t.Helper()
	ctx := context.Background()
	plan, err := e.Catalog.Plan(planKey)
	require.NoError(t, err)
	cycle, err := e.Catalog.BillingCycle("monthly")
	require.NoError(t, err)
	price, err := plan.GetPrice(cycle)
	require.NoError(t, err)
	sub := &models.Subscription{
		ID:                    tool.GenerateUUIDV7(),
		UserID:                userID,
		PlanKey:               planKey,
		BillingCycleKey:       cycle.Key,
		Gateway:               types.GatewayCard,
		StartAt:               start,
		Active:                true,
		ActivatedAt:           tool.Ptr(start),
		NextTransactionAt:     tool.Ptr(cycle.NextTs(start)),
		NumTransactions:       1,
		LastTransactionAmount: price,
		LastTransactionAt:     tool.Ptr(start),
		CreatedAt:             start,
	}
	require.NoError(t, e.Store.CreateSubscription(ctx, sub))
	require.NoError(t, e.Store.CreateTransaction(ctx, &models.Transaction{
		ID: tool.GenerateUUIDV7(), UserID: userID, Gateway: types.GatewayCard, Type: types.TransactionTypePurchase,
		Status: types.TransactionStatusSuccess, SubscriptionID: tool.Ptr(sub.ID), Amount: price, Currency: "USD",
		GatewayTransactionID: "ch_" + sub.ID, CreatedAt: start,
	}))
	return sub
}
