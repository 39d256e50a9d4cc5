package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/fatflowers/billing/pkg/types"
)

// SubscriptionLog is an append-only before/after snapshot of one subscription
// write. Before is null when the subscription was created.
type SubscriptionLog struct {
	ID             string                         `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID         string                         `gorm:"column:user_id;type:varchar(64);index:idx_subscription_log_user,priority:1;not null" json:"user_id"`
	SubscriptionID string                         `gorm:"column:subscription_id;type:uuid;index" json:"subscription_id"`
	Reason         types.SubscriptionChangeReason `gorm:"column:reason;type:varchar(64);not null" json:"reason"`
	// TraceID ties the change to the request or job run that made it.
	TraceID string                            `gorm:"column:trace_id;type:varchar(64);index" json:"trace_id"`
	Before  datatypes.JSONType[*Subscription] `gorm:"column:before;type:jsonb;default:'null'" json:"before"`
	After   datatypes.JSONType[*Subscription] `gorm:"column:after;type:jsonb;default:'null'" json:"after"`
	// Extra holds the end reason, gateway ids and similar context.
	Extra     datatypes.JSONMap `gorm:"column:extra;type:jsonb;default:'{}'" json:"extra"`
	CreatedAt time.Time         `gorm:"index:idx_subscription_log_user,priority:2" json:"created_at"`
}

func (SubscriptionLog) TableName() string {
	return "subscription_log"
}
