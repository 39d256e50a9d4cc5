package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/tool"
	"github.com/fatflowers/billing/pkg/types"
)

func TestEndTime(t *testing.T) {
	now := date(2025, 4, 11)
	tests := []struct {
		name      string
		sub       *models.Subscription
		immediate bool
		want      time.Time
	}{
		{"immediate", &models.Subscription{StartAt: date(2025, 4, 1), NextTransactionAt: tool.Ptr(date(2025, 5, 1))}, true, now},
		{"keeps paid period", &models.Subscription{StartAt: date(2025, 4, 1), NextTransactionAt: tool.Ptr(date(2025, 5, 1))}, false, date(2025, 5, 1)},
		{"zero cost covers one cycle", &models.Subscription{StartAt: date(2025, 4, 5)}, false, date(2025, 5, 5)},
		{"never shortens a fixed end", &models.Subscription{StartAt: date(2025, 4, 1), EndAt: tool.Ptr(date(2025, 7, 1))}, false, date(2025, 7, 1)},
		{"overdue ends now", &models.Subscription{StartAt: date(2025, 2, 1), NextTransactionAt: tool.Ptr(date(2025, 4, 1))}, false, now},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, endTime(tt.sub, monthly, now, tt.immediate))
		})
	}
}

func TestEnd(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, date(2025, 4, 11))
	sub := env.renewing(t, basic, date(2025, 4, 1))

	require.NoError(t, env.svc.End(ctx, sub, types.EndReasonUserCancelled, false))
	got := env.reload(t, sub.ID)
	assert.Equal(t, types.EndReasonUserCancelled, got.EndReason)
	assert.False(t, got.Active)
	assert.Nil(t, got.NextTransactionAt)
	require.NotNil(t, got.EndAt)
	assert.Equal(t, date(2025, 5, 1), *got.EndAt)
	assert.True(t, got.GrantsAccessAt(env.clock.Now()), "cancelled subscriptions keep access until the paid period ends")

	err := env.svc.End(ctx, got, types.EndReasonUserCancelled, false)
	require.ErrorIs(t, err, ErrAlreadyEnded)

	require.NoError(t, env.svc.End(ctx, got, types.EndReasonRefunded, true))
	got = env.reload(t, sub.ID)
	assert.Equal(t, types.EndReasonRefunded, got.EndReason)
	assert.Equal(t, date(2025, 4, 11), *got.EndAt)

	acc, err := env.svc.accounts.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, acc.PlanKey)

	require.Eventually(t, func() bool { return len(env.store.SubscriptionLogs()) >= 2 }, time.Second, 10*time.Millisecond)
}

func TestEnd_ImmutableGateway(t *testing.T) {
	env := newTestEnv(t, date(2025, 4, 11))
	sub := &models.Subscription{ID: "a1", UserID: "u1", PlanKey: "pro", BillingCycleKey: "monthly", Gateway: types.GatewayApple, StartAt: date(2025, 4, 1)}
	err := env.svc.End(context.Background(), sub, types.EndReasonUpgraded, true)
	require.ErrorIs(t, err, ErrGatewayImmutable)
	assert.Empty(t, sub.EndReason)
}

func TestCancel_OtherUser(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, date(2025, 4, 11))
	sub := env.renewing(t, basic, date(2025, 4, 1))

	_, err := env.svc.Cancel(ctx, &models.Account{ID: "u2"}, sub.ID)
	require.Error(t, err)

	got, err := env.svc.Cancel(ctx, &models.Account{ID: "u1"}, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, types.EndReasonUserCancelled, got.EndReason)
}

func TestGracePeriod(t *testing.T) {
	due := date(2025, 5, 1)
	failed := tool.Ptr(date(2025, 5, 1).Add(time.Hour))
	tests := []struct {
		name                     string
		sub                      *models.Subscription
		now                      time.Time
		overdue, inGrace, beyond bool
	}{
		{"not due", &models.Subscription{Active: true, NextTransactionAt: &due}, date(2025, 4, 20), false, false, false},
		{"due, no failure yet", &models.Subscription{Active: true, NextTransactionAt: &due}, date(2025, 5, 2), true, false, false},
		{"failed, within grace", &models.Subscription{Active: true, NextTransactionAt: &due, LastTransactionFailureAt: failed}, date(2025, 5, 7), true, true, false},
		{"failed, grace over", &models.Subscription{Active: true, NextTransactionAt: &due, LastTransactionFailureAt: failed}, date(2025, 5, 8), true, false, true},
		{"fixed term is never overdue", &models.Subscription{Active: true, NextTransactionAt: &due, EndAt: tool.Ptr(date(2025, 6, 1))}, date(2025, 5, 2), false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.overdue, HasOverduePayment(tt.sub, tt.now))
			assert.Equal(t, tt.inGrace, InGracePeriod(tt.sub, monthly, tt.now))
			assert.Equal(t, tt.beyond, BeyondGracePeriod(tt.sub, monthly, tt.now))
		})
	}
}
