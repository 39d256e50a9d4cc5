package models

import (
	"time"

	"gorm.io/datatypes"
)

type EmailLogStatus string

const (
	EmailLogStatusSent   EmailLogStatus = "sent"
	EmailLogStatusFailed EmailLogStatus = "failed"
)

// EmailLog keeps one row per template email attempt.
type EmailLog struct {
	ID        string         `gorm:"column:id;type:uuid;primary_key" json:"id"`
	Template  string         `gorm:"column:template;type:varchar(64);not null;index" json:"template"`
	Recipient string         `gorm:"column:recipient;type:varchar(255);not null;index" json:"recipient"`
	TraceID   string         `gorm:"column:trace_id;type:varchar(128)" json:"trace_id"`
	Subject   string         `gorm:"column:subject;type:varchar(255)" json:"subject"`
	Variables datatypes.JSON `gorm:"column:variables;type:jsonb" json:"variables"`
	Status    EmailLogStatus `gorm:"column:status;type:varchar(32);not null" json:"status"`
	Error     string         `gorm:"column:error;type:text" json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func (EmailLog) TableName() string { return "email_log" }
