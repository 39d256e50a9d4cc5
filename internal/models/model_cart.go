package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Cart is a pending purchase. Owner is the user id for signed-in shoppers and
// "visitor:" plus the visitor id or IP otherwise, with UserID left empty. At
// most one open (not checked out) cart exists per owner.
type Cart struct {
	ID     string `gorm:"column:id;type:uuid;primary_key" json:"id"`
	Owner  string `gorm:"column:owner;type:varchar(128);not null;index" json:"owner"`
	UserID string `gorm:"column:user_id;type:varchar(64);index" json:"user_id"`

	PlanKey         string `gorm:"column:plan_key;type:varchar(64)" json:"plan_key"`
	BillingCycleKey string `gorm:"column:billing_cycle_key;type:varchar(64)" json:"billing_cycle_key"`
	VoucherCode     string `gorm:"column:voucher_code;type:varchar(64)" json:"voucher_code"`

	IsGift         bool   `gorm:"column:is_gift;not null;default:false" json:"is_gift"`
	GifterEmail    string `gorm:"column:gifter_email;type:varchar(255)" json:"gifter_email"`
	RecipientEmail string `gorm:"column:recipient_email;type:varchar(255)" json:"recipient_email"`
	GiftMessage    string `gorm:"column:gift_message;type:text" json:"gift_message"`

	// Credit applied from an existing subscription the purchase replaces.
	CreditSubscriptionID *string         `gorm:"column:credit_subscription_id;type:uuid" json:"credit_subscription_id"`
	CreditPlanKey        string          `gorm:"column:credit_plan_key;type:varchar(64)" json:"credit_plan_key"`
	CreditAmount         decimal.Decimal `gorm:"column:credit_amount;type:numeric(12,2);not null;default:0" json:"credit_amount"`

	BasePrice  decimal.Decimal `gorm:"column:base_price;type:numeric(12,2);not null;default:0" json:"base_price"`
	Discount   decimal.Decimal `gorm:"column:discount;type:numeric(12,2);not null;default:0" json:"discount"`
	FinalPrice decimal.Decimal `gorm:"column:final_price;type:numeric(12,2);not null;default:0" json:"final_price"`
	RenewalAt  *time.Time      `gorm:"column:renewal_at;default:null" json:"renewal_at"`

	TransactionID   *string    `gorm:"column:transaction_id;type:uuid" json:"transaction_id"`
	CheckedOutAt    *time.Time `gorm:"column:checked_out_at;default:null;index" json:"checked_out_at"`
	EmailedReminder bool       `gorm:"column:emailed_reminder;not null;default:false" json:"emailed_reminder"`
	LastAt          time.Time  `gorm:"column:last_at;not null" json:"last_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (Cart) TableName() string {
	return "cart"
}

func (c *Cart) GetPlanKey() string         { return c.PlanKey }
func (c *Cart) GetBillingCycleKey() string { return c.BillingCycleKey }
func (c *Cart) GetUserID() string          { return c.UserID }

func (c *Cart) IsCheckedOut() bool {
	return c.CheckedOutAt != nil
}

func (c *Cart) HasSelection() bool {
	return c.PlanKey != "" && c.BillingCycleKey != ""
}

// ClearCredit drops any applied upgrade credit.
func (c *Cart) ClearCredit() {
	c.CreditSubscriptionID = nil
	c.CreditPlanKey = ""
	c.CreditAmount = decimal.Zero
}

// ResetPricing zeroes every derived price field.
func (c *Cart) ResetPricing() {
	c.ClearCredit()
	c.BasePrice = decimal.Zero
	c.Discount = decimal.Zero
	c.FinalPrice = decimal.Zero
	c.RenewalAt = nil
}
