package transaction

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fatflowers/billing/internal/app/service/servicetest"
	"github.com/fatflowers/billing/internal/app/service/subscription"
	"github.com/fatflowers/billing/internal/app/store"
	"github.com/fatflowers/billing/pkg/types"
)

func newTestManager(t *testing.T) (Manager, *servicetest.Env) {
	t.Helper()
	env := servicetest.NewEnv(t, servicetest.Date(2025, 4, 11))
	env.AddAccount(t, "u2", "bob")
	return NewService(env.Log, env.Store, env.Subscriptions), env
}

func TestScan(t *testing.T) {
	ctx := context.Background()
	m, env := newTestManager(t)
	env.Subscribe(t, "u1", "basic", servicetest.Date(2025, 4, 1))
	env.Subscribe(t, "u2", "pro", servicetest.Date(2025, 4, 2))
	env.Subscribe(t, "u2", "basic", servicetest.Date(2025, 4, 3))

	res, err := m.Scan(ctx, &store.ScanTransactionsRequest{
		Filters:   []*types.CommonFilter{{Field: "user_id", Operator: types.CommonFilterOperatorEq, Values: []any{"u2"}}},
		SortOrder: "ASC",
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Total)
	require.Len(t, res.Items, 2)
	assert.True(t, res.Items[0].CreatedAt.Before(res.Items[1].CreatedAt))

	_, err = m.Scan(ctx, &store.ScanTransactionsRequest{
		Filters:   []*types.CommonFilter{{Field: "1=1 OR user_id", Operator: types.CommonFilterOperatorEq, Values: []any{"x"}}},
		SortOrder: "sideways",
	})
	verr, ok := types.AsValidationError(err)
	require.True(t, ok)
	assert.Equal(t, []string{
		`Cannot filter transactions by "1=1 OR user_id".`,
		`Sort order "sideways" must be asc or desc.`,
	}, verr.Messages)

	_, err = m.Scan(ctx, &store.ScanTransactionsRequest{
		Filters: []*types.CommonFilter{{Operator: types.CommonFilterOperatorOr, Filters: []types.CommonFilter{
			{Field: "user_id", Operator: types.CommonFilterOperatorEq, Values: []any{"u2"}},
			{Field: "password", Operator: types.CommonFilterOperatorEq, Values: []any{"x"}},
		}}},
	})
	verr, ok = types.AsValidationError(err)
	require.True(t, ok)
	assert.Equal(t, []string{`Cannot filter transactions by "password".`}, verr.Messages)
}

func TestGetAndRefund(t *testing.T) {
	ctx := context.Background()
	m, env := newTestManager(t)
	sub := env.Subscribe(t, "u1", "basic", servicetest.Date(2025, 4, 1))

	res, err := m.Scan(ctx, &store.ScanTransactionsRequest{})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	txID := res.Items[0].ID

	detail, err := m.Get(ctx, txID)
	require.NoError(t, err)
	require.NotNil(t, detail.Subscription)
	assert.Equal(t, sub.ID, detail.Subscription.ID)

	tx, err := m.Refund(ctx, &subscription.RefundRequest{TransactionID: txID})
	require.NoError(t, err)
	assert.Equal(t, types.TransactionStatusRefunded, tx.Status)
	assert.Equal(t, []string{"ch_" + sub.ID}, env.Card.Refunds)

	_, err = m.Get(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
