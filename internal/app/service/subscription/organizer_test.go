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

func renewingSub(id string, start time.Time) *models.Subscription {
	return &models.Subscription{
		ID:                id,
		StartAt:           start,
		Active:            true,
		ActivatedAt:       tool.Ptr(start),
		NextTransactionAt: tool.Ptr(monthly.NextTs(start)),
	}
}

func fixedSub(id string, start, end time.Time) *models.Subscription {
	return &models.Subscription{
		ID:          id,
		StartAt:     start,
		EndAt:       tool.Ptr(end),
		Active:      true,
		ActivatedAt: tool.Ptr(start),
	}
}

func TestReorganize_LowerPlanWaitsForHigher(t *testing.T) {
	now := date(2025, 4, 11)
	low := renewingSub("low", date(2025, 4, 1))
	high := fixedSub("high", now, date(2025, 7, 11))

	reorganize([]*organizerEntry{
		{sub: low, level: 1, mutable: true, cycle: monthly},
		{sub: high, level: 2, mutable: true, cycle: monthly},
	}, now)

	assert.Equal(t, now, high.StartAt)
	assert.Equal(t, types.EndReasonReorganization, high.EndReason)
	assert.Equal(t, date(2025, 7, 11), *high.EndAt, "paid time is never shortened")

	assert.Empty(t, low.EndReason)
	assert.Equal(t, date(2025, 7, 11), low.StartAt)
	assert.Equal(t, date(2025, 8, 10), *low.NextTransactionAt)
}

func TestReorganize_SameLevelGiftAfterPaidPeriod(t *testing.T) {
	now := date(2025, 4, 11)
	paid := renewingSub("paid", date(2025, 4, 1))
	gift := fixedSub("gift", now, date(2025, 7, 11))

	reorganize([]*organizerEntry{
		{sub: gift, level: 1, mutable: true, cycle: monthly},
		{sub: paid, level: 1, mutable: true, cycle: monthly},
	}, now)

	assert.Equal(t, types.EndReasonReorganization, paid.EndReason)
	assert.Nil(t, paid.NextTransactionAt)
	require.NotNil(t, paid.EndAt)
	assert.Equal(t, date(2025, 5, 1), *paid.EndAt)

	assert.Equal(t, date(2025, 5, 1), gift.StartAt)
	assert.Equal(t, date(2025, 7, 31), *gift.EndAt, "gift keeps its length")
}

func TestReorganize_ImmutableFirst(t *testing.T) {
	now := date(2025, 4, 11)
	apple := fixedSub("apple", date(2025, 4, 10), date(2025, 5, 10))
	card := renewingSub("card", date(2025, 4, 11))

	reorganize([]*organizerEntry{
		{sub: card, level: 2, mutable: true, cycle: monthly},
		{sub: apple, level: 2, mutable: false, cycle: monthly},
	}, now)

	assert.Equal(t, date(2025, 4, 10), apple.StartAt)
	assert.Equal(t, date(2025, 5, 10), card.StartAt)
	assert.Equal(t, date(2025, 6, 9), *card.NextTransactionAt)
	assert.Empty(t, apple.EndReason)
}

func TestReorganize_EndedPredecessorNotEndedAgain(t *testing.T) {
	now := date(2025, 4, 11)
	cancelled := fixedSub("cancelled", date(2025, 4, 1), date(2025, 5, 1))
	cancelled.EndReason = types.EndReasonUserCancelled
	next := renewingSub("next", now)

	reorganize([]*organizerEntry{
		{sub: cancelled, level: 1, mutable: true, cycle: monthly},
		{sub: next, level: 1, mutable: true, cycle: monthly},
	}, now)

	assert.Equal(t, types.EndReasonUserCancelled, cancelled.EndReason)
	assert.Equal(t, date(2025, 5, 1), next.StartAt)
}

func TestShiftStart(t *testing.T) {
	sub := renewingSub("s", date(2025, 4, 1))
	shiftStart(sub, date(2025, 3, 1))
	assert.Equal(t, date(2025, 4, 1), sub.StartAt, "never moves backwards")

	shiftStart(sub, date(2025, 4, 3))
	assert.Equal(t, date(2025, 4, 3), sub.StartAt)
	assert.Equal(t, date(2025, 5, 3), *sub.NextTransactionAt)
}

func TestRelink(t *testing.T) {
	a := fixedSub("a", date(2025, 1, 1), date(2025, 2, 1))
	b := fixedSub("b", date(2025, 2, 1).Add(2*time.Hour), date(2025, 3, 1))
	c := fixedSub("c", date(2025, 4, 1), date(2025, 5, 1))
	pending := &models.Subscription{ID: "pending", StartAt: date(2025, 3, 1)}
	c.PreviousSubscriptionID = tool.Ptr("stale")

	relink([]*models.Subscription{c, pending, b, a}, 24*time.Hour)

	assert.Nil(t, a.PreviousSubscriptionID)
	assert.Equal(t, "b", *a.NextSubscriptionID)
	assert.Equal(t, "a", *b.PreviousSubscriptionID)
	assert.Nil(t, b.NextSubscriptionID, "gap to c is beyond tolerance")
	assert.Nil(t, c.PreviousSubscriptionID)
	assert.Nil(t, pending.PreviousSubscriptionID)
}

func TestReorganizeUser(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, date(2025, 4, 11))
	paid := env.renewing(t, basic, date(2025, 4, 1))

	gift := &models.Subscription{
		ID: "gift", UserID: "u1", PlanKey: "basic", BillingCycleKey: "monthly", Gateway: types.GatewayFree,
		StartAt: date(2025, 4, 11), EndAt: tool.Ptr(date(2025, 5, 11)), Active: true, ActivatedAt: tool.Ptr(date(2025, 4, 11)),
	}
	require.NoError(t, env.store.CreateSubscription(ctx, gift))
	require.NoError(t, env.svc.ReorganizeUser(ctx, "u1"))

	gotPaid := env.reload(t, paid.ID)
	gotGift := env.reload(t, gift.ID)
	assert.Equal(t, types.EndReasonReorganization, gotPaid.EndReason)
	assert.Equal(t, date(2025, 5, 1), gotGift.StartAt)
	assert.Equal(t, date(2025, 5, 31), *gotGift.EndAt)
	require.NotNil(t, gotPaid.NextSubscriptionID)
	assert.Equal(t, gift.ID, *gotPaid.NextSubscriptionID)

	start, err := env.svc.ChainStart(ctx, gotGift)
	require.NoError(t, err)
	assert.Equal(t, paid.ID, start.ID)
	end, err := env.svc.ChainEnd(ctx, gotPaid)
	require.NoError(t, err)
	assert.Equal(t, gift.ID, end.ID)

	acc, err := env.svc.accounts.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "basic", acc.PlanKey)
	require.NotNil(t, acc.AccessExpireAt)
	assert.Equal(t, date(2025, 5, 31), *acc.AccessExpireAt)

	require.NoError(t, env.svc.ReorganizeUser(ctx, "u1"), "reorganizing twice is a no-op")
	assert.Equal(t, date(2025, 5, 1), env.reload(t, gift.ID).StartAt)
}
