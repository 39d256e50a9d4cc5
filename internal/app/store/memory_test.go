package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/types"
)

func TestMemory_WithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CreateGift(ctx, &models.GiftSubscription{Key: "K1", Active: true}))

	boom := errors.New("boom")
	err := m.WithTx(ctx, func(tx Store) error {
		g, err := tx.GetGiftByKey(ctx, "K1")
		require.NoError(t, err)
		g.Claimed = true
		require.NoError(t, tx.SaveGift(ctx, g))
		require.NoError(t, tx.CreateSubscription(ctx, &models.Subscription{UserID: "u1"}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	g, err := m.GetGiftByKey(ctx, "K1")
	require.NoError(t, err)
	assert.False(t, g.Claimed)
	subs, err := m.ListUserSubscriptions(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestMemory_FailNextCommit(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	commitErr := errors.New("commit failed")
	m.FailNextCommit(commitErr)

	err := m.WithTx(ctx, func(tx Store) error {
		return tx.SaveCart(ctx, &models.Cart{Owner: "o1"})
	})
	require.ErrorIs(t, err, commitErr)
	_, err = m.GetOpenCart(ctx, "o1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.WithTx(ctx, func(tx Store) error {
		return tx.SaveCart(ctx, &models.Cart{Owner: "o1"})
	}))
	_, err = m.GetOpenCart(ctx, "o1")
	require.NoError(t, err)
}

func TestMemory_ReserveChargeAttempt(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	ok, err := m.ReserveChargeAttempt(ctx, &models.ChargeAttempt{SubscriptionID: "s1", AttemptKey: "s1:100:0"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.ReserveChargeAttempt(ctx, &models.ChargeAttempt{SubscriptionID: "s1", AttemptKey: "s1:100:0"})
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.ReleaseChargeAttempt(ctx, "s1:100:0"))
	require.NoError(t, m.ReleaseChargeAttempt(ctx, "s1:100:0"))
	ok, err = m.ReserveChargeAttempt(ctx, &models.ChargeAttempt{SubscriptionID: "s1", AttemptKey: "s1:100:0"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemory_CopiesRecords(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	sub := &models.Subscription{UserID: "u1", PlanKey: "basic"}
	require.NoError(t, m.CreateSubscription(ctx, sub))

	sub.PlanKey = "pro"
	got, err := m.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "basic", got.PlanKey)
}

func TestMemory_SubscriptionQueries(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2025, 4, 11, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)

	require.NoError(t, m.CreateSubscription(ctx, &models.Subscription{ID: "open", UserID: "u1", Active: true, Gateway: types.GatewayCard, StartAt: now}))
	require.NoError(t, m.CreateSubscription(ctx, &models.Subscription{ID: "apple", UserID: "u1", Active: true, Gateway: types.GatewayApple, StartAt: now}))
	require.NoError(t, m.CreateSubscription(ctx, &models.Subscription{ID: "lapsed", UserID: "u2", Active: true, Gateway: types.GatewayFree, EndAt: &past, StartAt: now}))

	open, err := m.ListOpenEndedSubscriptions(ctx, []types.GatewayKey{types.GatewayCard})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "open", open[0].ID)

	lapsed, err := m.ListLapsedFixedTermSubscriptions(ctx, now)
	require.NoError(t, err)
	require.Len(t, lapsed, 1)
	assert.Equal(t, "lapsed", lapsed[0].ID)
}

func TestMemory_ScanTransactions(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		user := "u1"
		if i%2 == 1 {
			user = "u2"
		}
		require.NoError(t, m.CreateTransaction(ctx, &models.Transaction{
			UserID:    user,
			Status:    types.TransactionStatusSuccess,
			Amount:    decimal.NewFromInt(int64(i)),
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	res, err := m.ScanTransactions(ctx, &ScanTransactionsRequest{
		Filters: []*types.CommonFilter{{Field: "user_id", Operator: types.CommonFilterOperatorEq, Values: []any{"u1"}}},
		Size:    2,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Total)
	require.Len(t, res.Items, 2)
	assert.True(t, res.Items[0].CreatedAt.After(res.Items[1].CreatedAt))

	since, err := m.HasUserTransactionSince(ctx, "u2", base.Add(4*time.Hour))
	require.NoError(t, err)
	assert.False(t, since)
}
