package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/fatflowers/billing/pkg/types"
)

// GiftSubscription is a redeemable entitlement. It stays unclaimed until the
// recipient redeems its Key, after which ClaimedByUserID is always set.
type GiftSubscription struct {
	ID              string         `gorm:"column:id;type:uuid;primary_key" json:"id"`
	Key             string         `gorm:"column:key;type:varchar(32);not null;uniqueIndex" json:"key"`
	Type            types.GiftType `gorm:"column:type;type:varchar(32);not null" json:"type"`
	Active          bool           `gorm:"column:active;not null;default:false" json:"active"`
	Claimed         bool           `gorm:"column:claimed;not null;default:false" json:"claimed"`
	ClaimedByUserID *string        `gorm:"column:claimed_by_user_id;type:varchar(64)" json:"claimed_by_user_id"`
	ClaimedAt       *time.Time     `gorm:"column:claimed_at;default:null" json:"claimed_at"`
	SubscriptionID  *string        `gorm:"column:subscription_id;type:uuid" json:"subscription_id"`

	GifterEmail    string `gorm:"column:gifter_email;type:varchar(255)" json:"gifter_email"`
	RecipientEmail string `gorm:"column:recipient_email;type:varchar(255);not null;index" json:"recipient_email"`
	Message        string `gorm:"column:message;type:text" json:"message"`
	Reason         string `gorm:"column:reason;type:varchar(255)" json:"reason"`

	PlanKey         string `gorm:"column:plan_key;type:varchar(64);not null" json:"plan_key"`
	BillingCycleKey string `gorm:"column:billing_cycle_key;type:varchar(64);not null" json:"billing_cycle_key"`
	// Duration is the number of billing cycles granted.
	Duration          int             `gorm:"column:duration;not null" json:"duration"`
	TransactionAmount decimal.Decimal `gorm:"column:transaction_amount;type:numeric(12,2);not null;default:0" json:"transaction_amount"`
	TransactionID     *string         `gorm:"column:transaction_id;type:uuid" json:"transaction_id"`

	EmailLastSentToRecipientAt *time.Time `gorm:"column:email_last_sent_to_recipient_at;default:null" json:"email_last_sent_to_recipient_at"`
	CreatedAt                  time.Time  `json:"created_at"`
	UpdatedAt                  time.Time  `json:"updated_at"`
}

func (GiftSubscription) TableName() string {
	return "gift_subscription"
}

func (g *GiftSubscription) GetPlanKey() string         { return g.PlanKey }
func (g *GiftSubscription) GetBillingCycleKey() string { return g.BillingCycleKey }

func (g *GiftSubscription) Redeemable() bool {
	return g.Active && !g.Claimed
}
