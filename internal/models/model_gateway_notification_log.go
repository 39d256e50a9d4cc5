package models

import (
	"time"

	"gorm.io/datatypes"
)

type GatewayNotificationStatus string

const (
	GatewayNotificationStatusReceived     GatewayNotificationStatus = "received"
	GatewayNotificationStatusHandled      GatewayNotificationStatus = "handled"
	GatewayNotificationStatusIgnored      GatewayNotificationStatus = "ignored"
	GatewayNotificationStatusHandleFailed GatewayNotificationStatus = "handle_failed"
)

// GatewayNotificationLog records a server-to-server notification from a payment
// gateway. Each notification gets a received row and a row with its outcome.
type GatewayNotificationLog struct {
	ID             string                    `gorm:"column:id;type:uuid;primary_key" json:"id"`
	Gateway        string                    `gorm:"column:gateway;type:varchar(32);not null" json:"gateway"`
	NotificationID string                    `gorm:"column:notification_id;type:varchar(128);index" json:"notification_id"`
	Type           string                    `gorm:"column:type;type:varchar(64)" json:"type"`
	UserID         *string                   `gorm:"column:user_id;type:varchar(64)" json:"user_id"`
	TraceID        string                    `gorm:"column:trace_id;type:varchar(128)" json:"trace_id"`
	TransactionID  string                    `gorm:"column:transaction_id;type:varchar(128)" json:"transaction_id"`
	Data           datatypes.JSON            `gorm:"column:data;type:jsonb" json:"data"`
	Result         *datatypes.JSON           `gorm:"column:result;type:jsonb" json:"result"`
	Status         GatewayNotificationStatus `gorm:"column:status;type:varchar(32);not null" json:"status"`
	CreatedAt      time.Time                 `json:"created_at"`
}

func (GatewayNotificationLog) TableName() string { return "gateway_notification_log" }
