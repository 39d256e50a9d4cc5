package subscription

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

var (
	monthly = &types.BillingCycle{Key: "monthly", Name: "Monthly", NumMonths: 1, NumDaysGracePeriod: 7, NotifyUpcomingTransactionWithinDays: 7, Enabled: true}
	yearly  = &types.BillingCycle{Key: "yearly", Name: "Yearly", NumMonths: 12, NumDaysGracePeriod: 14, Enabled: true}
	basic   = &types.Plan{Key: "basic", Name: "Basic", Level: 1, Prices: map[string]string{"monthly": "50.00", "yearly": "500.00"}}
	pro     = &types.Plan{Key: "pro", Name: "Pro", Level: 2, Prices: map[string]string{"monthly": "80.00", "yearly": "800.00"}}
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// stubGateway answers charges from a queue of results; an empty queue approves.
type stubGateway struct {
	mu        sync.Mutex
	key       types.GatewayKey
	mutable   bool
	recurring bool
	results   []*gateway.Result
	charges   []*gateway.ExecuteRequest
	refunds   []string
}

func (g *stubGateway) Key() types.GatewayKey { return g.key }
func (g *stubGateway) Mutable() bool         { return g.mutable }
func (g *stubGateway) Recurring() bool       { return g.recurring }

func (g *stubGateway) Execute(_ context.Context, req *gateway.ExecuteRequest) (*gateway.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.charges = append(g.charges, req)
	if len(g.results) > 0 {
		res := g.results[0]
		g.results = g.results[1:]
		return res, nil
	}
	return &gateway.Result{Success: true, GatewayTransactionID: "ch_" + req.Reference, Amount: req.Total()}, nil
}

func (g *stubGateway) Refund(_ context.Context, id string, _ decimal.Decimal) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds = append(g.refunds, id)
	return nil
}

func (g *stubGateway) decline(msg string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.results = append(g.results, &gateway.Result{Success: false, Message: msg})
}

type recordingSender struct {
	mu   sync.Mutex
	sent []email.Message
}

func (r *recordingSender) Send(_ context.Context, msg email.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingSender) tags() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sent))
	for _, m := range r.sent {
		out = append(out, m.Tag)
	}
	return out
}

type testEnv struct {
	svc    *Service
	store  *store.Memory
	clock  *testClock
	card   *stubGateway
	sender *recordingSender
	cfg    *cfgpkg.Config
}

func newTestEnv(t *testing.T, now time.Time) *testEnv {
	t.Helper()
	cfg := &cfgpkg.Config{
		BillingCycles: []*types.BillingCycle{monthly, yearly},
		Plans:         []*types.Plan{basic, pro},
		Billing: cfgpkg.BillingConfig{
			MerchantName:        "Example",
			Currency:            "USD",
			IdempotencyLookback: 24 * time.Hour,
			RetryInterval:       24 * time.Hour,
			ChainTolerance:      24 * time.Hour,
			LockTTL:             time.Minute,
		},
		Gateways: cfgpkg.GatewaysConfig{Apple: cfgpkg.AppleIAPConfig{Products: []types.AppleProduct{
			{ProductID: "com.example.pro.monthly", PlanKey: "pro", BillingCycleKey: "monthly"},
		}}},
	}
	log := zap.NewNop().Sugar()
	clock := &testClock{t: now}
	st := store.NewMemory()
	cat, err := catalog.New(cfg)
	require.NoError(t, err)
	sender := &recordingSender{}
	notes, err := notifier.NewService(cfg, sender, st, nil, log)
	require.NoError(t, err)
	card := &stubGateway{key: types.GatewayCard, mutable: true, recurring: true}

	svc := NewService(ServiceParam{
		Config:   cfg,
		Store:    st,
		Catalog:  cat,
		Vouchers: voucher.NewService(st, cat, log),
		Gateways: gateway.NewRegistry(card, gateway.NewFree(), gateway.NewAppleWithClient(nil, false)),
		Apple:    gateway.NewAppleWithClient(nil, false),
		Accounts: account.NewService(st, cat, log, account.WithClock(clock.Now)),
		Notifier: notes,
		Locker:   platformredis.NewLocalLocker(),
		Log:      log,
		Now:      clock.Now,
	})
	require.NoError(t, st.SaveAccount(context.Background(), &models.Account{ID: "u1", Email: "u1@example.com", Username: "ann"}))
	return &testEnv{svc: svc, store: st, clock: clock, card: card, sender: sender, cfg: cfg}
}

// renewing creates an activated card subscription for u1 started at start and paid once.
func (e *testEnv) renewing(t *testing.T, plan *types.Plan, start time.Time) *models.Subscription {
	t.Helper()
	return e.renewingFor(t, "u1", plan, start)
}

func (e *testEnv) renewingFor(t *testing.T, userID string, plan *types.Plan, start time.Time) *models.Subscription {
	t.Helper()
	ctx := context.Background()
	price, err := plan.GetPrice(monthly)
	require.NoError(t, err)
	sub := &models.Subscription{
		ID:                    tool.GenerateUUIDV7(),
		UserID:                userID,
		PlanKey:               plan.Key,
		BillingCycleKey:       monthly.Key,
		Gateway:               types.GatewayCard,
		StartAt:               start,
		Active:                true,
		ActivatedAt:           tool.Ptr(start),
		NextTransactionAt:     tool.Ptr(monthly.NextTs(start)),
		NumTransactions:       1,
		LastTransactionAmount: price,
		LastTransactionAt:     tool.Ptr(start),
		CreatedAt:             start,
	}
	require.NoError(t, e.store.CreateSubscription(ctx, sub))
	require.NoError(t, e.store.CreateTransaction(ctx, &models.Transaction{
		ID: tool.GenerateUUIDV7(), UserID: userID, Gateway: types.GatewayCard, Type: types.TransactionTypePurchase,
		Status: types.TransactionStatusSuccess, SubscriptionID: tool.Ptr(sub.ID), Amount: price, Currency: "USD",
		GatewayTransactionID: "ch_initial", CreatedAt: start,
	}))
	return sub
}

func (e *testEnv) reload(t *testing.T, id string) *models.Subscription {
	t.Helper()
	sub, err := e.store.GetSubscription(context.Background(), id)
	require.NoError(t, err)
	return sub
}
