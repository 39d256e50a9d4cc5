package models

import (
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fatflowers/billing/pkg/types"
)

// VoucherCode is a percentage discount limited to a validity window and a set of plans.
type VoucherCode struct {
	ID                 string    `gorm:"column:id;type:uuid;primary_key" json:"id"`
	Name               string    `gorm:"column:name;type:varchar(128);not null" json:"name"`
	Code               string    `gorm:"column:code;type:varchar(64);not null;uniqueIndex" json:"code"`
	DiscountPercentage int       `gorm:"column:discount_percentage;not null" json:"discount_percentage"`
	StartAt            time.Time `gorm:"column:start_at;not null" json:"start_at"`
	EndAt              time.Time `gorm:"column:end_at;not null" json:"end_at"`
	// NumTransactions limits how many charges of a subscription get the discount. 0 means unlimited.
	NumTransactions int `gorm:"column:num_transactions;not null;default:0" json:"num_transactions"`
	// PlanKeys is a comma separated list of eligible plans.
	PlanKeys  string    `gorm:"column:plan_keys;type:varchar(512);not null" json:"plan_keys"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (VoucherCode) TableName() string {
	return "voucher_code"
}

// ApplyToPrice returns price reduced by the discount percentage, rounded to cents.
func (v *VoucherCode) ApplyToPrice(price decimal.Decimal) decimal.Decimal {
	pct := decimal.NewFromInt(int64(100 - v.DiscountPercentage))
	return types.RoundMoney(price.Mul(pct).Div(decimal.NewFromInt(100)))
}

func (v *VoucherCode) IsValidAt(t time.Time) bool {
	return !t.Before(v.StartAt) && t.Before(v.EndAt)
}

func (v *VoucherCode) EligiblePlans() []string {
	var keys []string
	for _, k := range strings.Split(v.PlanKeys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func (v *VoucherCode) CanApplyToPlan(plan types.HasPlan, now time.Time) bool {
	return v.IsValidAt(now) && slices.Contains(v.EligiblePlans(), plan.GetPlanKey())
}

// AppliesToTransactionNumber reports whether the n-th charge (0-based) of a
// subscription still receives the discount.
func (v *VoucherCode) AppliesToTransactionNumber(n int) bool {
	return v.NumTransactions == 0 || n < v.NumTransactions
}

// VoucherUsage records that a user redeemed a voucher at checkout.
type VoucherUsage struct {
	ID            string    `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID        string    `gorm:"column:user_id;type:varchar(64);not null;index" json:"user_id"`
	VoucherCodeID string    `gorm:"column:voucher_code_id;type:uuid;not null;index" json:"voucher_code_id"`
	Code          string    `gorm:"column:code;type:varchar(64);not null" json:"code"`
	CreatedAt     time.Time `json:"created_at"`
}

func (VoucherUsage) TableName() string {
	return "voucher_usage"
}
