package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fatflowers/billing/pkg/types"
)

func day(d int) time.Time {
	return time.Date(2025, 4, d, 0, 0, 0, 0, time.UTC)
}

func TestVoucherCode_ApplyToPrice(t *testing.T) {
	tests := []struct {
		pct   int
		price string
		want  string
	}{
		{pct: 20, price: "50.00", want: "40"},
		{pct: 15, price: "80.00", want: "68"},
		{pct: 33, price: "9.99", want: "6.69"},
		{pct: 99, price: "1.00", want: "0.01"},
	}
	for _, tt := range tests {
		v := &VoucherCode{DiscountPercentage: tt.pct}
		got := v.ApplyToPrice(decimal.RequireFromString(tt.price))
		assert.True(t, decimal.RequireFromString(tt.want).Equal(got), "pct=%d price=%s got=%s", tt.pct, tt.price, got)
	}
}

func TestVoucherCode_CanApplyToPlan(t *testing.T) {
	v := &VoucherCode{
		Code:     "SPRING",
		StartAt:  day(1),
		EndAt:    day(20),
		PlanKeys: "basic, pro",
	}
	basic := &Subscription{PlanKey: "basic"}
	team := &Subscription{PlanKey: "team"}

	assert.True(t, v.CanApplyToPlan(basic, day(5)))
	assert.False(t, v.CanApplyToPlan(team, day(5)))
	assert.False(t, v.CanApplyToPlan(basic, day(20)))
	assert.False(t, v.CanApplyToPlan(basic, day(1).Add(-time.Second)))
	assert.Equal(t, []string{"basic", "pro"}, v.EligiblePlans())
}

func TestVoucherCode_AppliesToTransactionNumber(t *testing.T) {
	unlimited := &VoucherCode{}
	assert.True(t, unlimited.AppliesToTransactionNumber(100))

	firstTwo := &VoucherCode{NumTransactions: 2}
	assert.True(t, firstTwo.AppliesToTransactionNumber(0))
	assert.True(t, firstTwo.AppliesToTransactionNumber(1))
	assert.False(t, firstTwo.AppliesToTransactionNumber(2))
}

func TestSubscription_GrantsAccessAt(t *testing.T) {
	end := day(10)
	activated := day(1)
	sub := &Subscription{StartAt: day(2), EndAt: &end}

	assert.False(t, sub.GrantsAccessAt(day(5)), "not activated")

	sub.ActivatedAt = &activated
	assert.False(t, sub.GrantsAccessAt(day(1)), "before start")
	assert.True(t, sub.GrantsAccessAt(day(2)))
	assert.False(t, sub.GrantsAccessAt(day(10)), "end is exclusive")

	sub.EndAt = nil
	assert.True(t, sub.GrantsAccessAt(day(30)))
}

func TestSubscription_EffectiveEndAt(t *testing.T) {
	next := day(15)
	sub := &Subscription{NextTransactionAt: &next}
	require.NotNil(t, sub.EffectiveEndAt())
	assert.Equal(t, next, *sub.EffectiveEndAt())

	end := day(12)
	sub.EndAt = &end
	assert.Equal(t, end, *sub.EffectiveEndAt())

	cp := sub.Clone()
	cp.EndReason = types.EndReasonExpired
	assert.False(t, sub.IsEnded())
	assert.True(t, cp.IsEnded())
}

func TestCart_ResetPricing(t *testing.T) {
	id := "sub-1"
	c := &Cart{
		CreditSubscriptionID: &id,
		CreditPlanKey:        "basic",
		CreditAmount:         decimal.NewFromInt(10),
		BasePrice:            decimal.NewFromInt(50),
		FinalPrice:           decimal.NewFromInt(40),
	}
	c.ResetPricing()
	assert.Nil(t, c.CreditSubscriptionID)
	assert.True(t, c.FinalPrice.IsZero())
	assert.True(t, c.BasePrice.IsZero())
}

func TestAccount_HasRole(t *testing.T) {
	a := &Account{Roles: []string{types.RoleAdmin}}
	assert.True(t, a.HasRole(types.RoleAdmin))
	assert.False(t, a.HasRole("support"))
}
