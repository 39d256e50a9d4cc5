package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/fatflowers/billing/pkg/types"
)

// LineItem is one charged line as sent to the gateway.
type LineItem struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
}

// Transaction is one attempt to move money through a gateway.
type Transaction struct {
	ID                 string                  `gorm:"column:id;primary_key;type:uuid;index:idx_user_id_id,priority:2,sort:desc" json:"id"`
	UserID             string                  `gorm:"column:user_id;type:varchar(64);not null;index:idx_user_id_id,priority:1;index:idx_user_created,priority:1" json:"user_id"`
	Gateway            types.GatewayKey        `gorm:"column:gateway;type:varchar(32);not null" json:"gateway"`
	Type               types.TransactionType   `gorm:"column:type;type:varchar(32);not null" json:"type"`
	Status             types.TransactionStatus `gorm:"column:status;type:varchar(32);not null" json:"status"`
	SubscriptionID     *string                 `gorm:"column:subscription_id;type:uuid;index" json:"subscription_id"`
	GiftSubscriptionID *string                 `gorm:"column:gift_subscription_id;type:uuid" json:"gift_subscription_id"`
	VoucherCodeID      *string                 `gorm:"column:voucher_code_id;type:uuid" json:"voucher_code_id"`
	Amount             decimal.Decimal         `gorm:"column:amount;type:numeric(12,2);not null" json:"amount"`
	Currency           string                  `gorm:"column:currency;type:varchar(8);not null" json:"currency"`
	// GatewayTransactionID is the processor reference used for refunds.
	GatewayTransactionID string                         `gorm:"column:gateway_transaction_id;type:varchar(128)" json:"gateway_transaction_id"`
	ErrorMessage         string                         `gorm:"column:error_message;type:text" json:"error_message,omitempty"`
	LineItems            datatypes.JSONType[[]LineItem] `gorm:"column:line_items;type:jsonb;default:'[]'" json:"line_items"`
	RefundedAt           *time.Time                     `gorm:"column:refunded_at;default:null" json:"refunded_at"`
	CreatedAt            time.Time                      `gorm:"index:idx_user_created,priority:2" json:"created_at"`
	UpdatedAt            time.Time                      `json:"updated_at"`
}

func (Transaction) TableName() string {
	return "transaction"
}

func (t *Transaction) GetUserID() string               { return t.UserID }
func (t *Transaction) GetGatewayKey() types.GatewayKey { return t.Gateway }

// IsPaid reports a successful, non-refunded charge.
func (t *Transaction) IsPaid() bool {
	return t.Status == types.TransactionStatusSuccess && t.RefundedAt == nil
}

// ChargeAttempt reserves one charge per subscription due window. The unique
// AttemptKey makes a second concurrent charge for the same window fail to insert.
type ChargeAttempt struct {
	ID             string    `gorm:"column:id;type:uuid;primary_key"`
	SubscriptionID string    `gorm:"column:subscription_id;type:uuid;not null;index"`
	AttemptKey     string    `gorm:"column:attempt_key;type:varchar(160);not null;uniqueIndex"`
	CreatedAt      time.Time
}

func (ChargeAttempt) TableName() string {
	return "charge_attempt"
}
