package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/fatflowers/billing/pkg/types"
)

// Subscription is one contiguous entitlement to a plan for a user.
//
// Lifecycle: created inactive, activated once paid (or granted), ended with a reason.
// An open-ended subscription has EndAt == nil and renews at NextTransactionAt.
type Subscription struct {
	ID              string           `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID          string           `gorm:"column:user_id;type:varchar(64);not null;index" json:"user_id"`
	PlanKey         string           `gorm:"column:plan_key;type:varchar(64);not null" json:"plan_key"`
	BillingCycleKey string           `gorm:"column:billing_cycle_key;type:varchar(64);not null" json:"billing_cycle_key"`
	Gateway         types.GatewayKey `gorm:"column:gateway;type:varchar(32);not null;index" json:"gateway"`
	// GatewaySubscriptionID is the gateway's own id, e.g. the App Store original transaction id.
	GatewaySubscriptionID string  `gorm:"column:gateway_subscription_id;type:varchar(128)" json:"gateway_subscription_id,omitempty"`
	VoucherCodeID         *string `gorm:"column:voucher_code_id;type:uuid" json:"voucher_code_id"`
	GiftSubscriptionID    *string `gorm:"column:gift_subscription_id;type:uuid;uniqueIndex" json:"gift_subscription_id"`

	StartAt     time.Time       `gorm:"column:start_at;not null" json:"start_at"`
	EndAt       *time.Time      `gorm:"column:end_at;default:null;index" json:"end_at"`
	Active      bool            `gorm:"column:active;not null;default:false" json:"active"`
	ActivatedAt *time.Time      `gorm:"column:activated_at;default:null" json:"activated_at"`
	EndReason   types.EndReason `gorm:"column:end_reason;type:varchar(32)" json:"end_reason,omitempty"`

	NextTransactionAt *time.Time `gorm:"column:next_transaction_at;default:null;index" json:"next_transaction_at"`
	// NextTransactionAmount pins the renewal amount once the user has been notified of it.
	NextTransactionAmount         decimal.NullDecimal `gorm:"column:next_transaction_amount;type:numeric(12,2)" json:"next_transaction_amount"`
	UpcomingTransactionNotifiedAt *time.Time          `gorm:"column:upcoming_transaction_notified_at;default:null" json:"upcoming_transaction_notified_at"`
	NumTransactions               int                 `gorm:"column:num_transactions;not null;default:0" json:"num_transactions"`
	LastTransactionAmount         decimal.Decimal     `gorm:"column:last_transaction_amount;type:numeric(12,2);not null;default:0" json:"last_transaction_amount"`
	LastTransactionAt             *time.Time          `gorm:"column:last_transaction_at;default:null" json:"last_transaction_at"`
	LastTransactionFailureAt      *time.Time          `gorm:"column:last_transaction_failure_at;default:null" json:"last_transaction_failure_at"`

	PreviousSubscriptionID *string `gorm:"column:previous_subscription_id;type:uuid" json:"previous_subscription_id"`
	NextSubscriptionID     *string `gorm:"column:next_subscription_id;type:uuid" json:"next_subscription_id"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Subscription) TableName() string {
	return "subscription"
}

func (s *Subscription) GetPlanKey() string              { return s.PlanKey }
func (s *Subscription) GetBillingCycleKey() string      { return s.BillingCycleKey }
func (s *Subscription) GetGatewayKey() types.GatewayKey { return s.Gateway }
func (s *Subscription) GetUserID() string               { return s.UserID }

func (s *Subscription) IsEnded() bool {
	return s.EndReason != ""
}

func (s *Subscription) IsOpenEnded() bool {
	return s.EndAt == nil
}

func (s *Subscription) IsActivated() bool {
	return s.ActivatedAt != nil
}

// EffectiveEndAt is EndAt for fixed-term subscriptions and NextTransactionAt for
// recurring ones. nil means no known end.
func (s *Subscription) EffectiveEndAt() *time.Time {
	if s.EndAt != nil {
		return s.EndAt
	}
	return s.NextTransactionAt
}

// GrantsAccessAt reports whether the subscription entitles its user at t.
func (s *Subscription) GrantsAccessAt(t time.Time) bool {
	if !s.IsActivated() || s.StartAt.After(t) {
		return false
	}
	return s.EndAt == nil || s.EndAt.After(t)
}

// Clone returns a shallow copy, enough for before/after snapshots since
// pointer fields are replaced rather than mutated in place.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}
