package models

import (
	"slices"
	"time"

	"gorm.io/datatypes"
)

// Account is the user context the billing engine keeps in sync. Access fields
// are derived from the user's subscriptions and rewritten on every change.
type Account struct {
	ID       string                      `gorm:"column:id;type:varchar(64);primary_key" json:"id"`
	Email    string                      `gorm:"column:email;type:varchar(255);not null;uniqueIndex" json:"email"`
	Username string                      `gorm:"column:username;type:varchar(128)" json:"username"`
	Roles    datatypes.JSONSlice[string] `gorm:"column:roles;type:jsonb;default:'[]'" json:"roles"`

	PlanKey              string     `gorm:"column:plan_key;type:varchar(64)" json:"plan_key"`
	ActiveSubscriptionID *string    `gorm:"column:active_subscription_id;type:uuid" json:"active_subscription_id"`
	AccessExpireAt       *time.Time `gorm:"column:access_expire_at;default:null" json:"access_expire_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Account) TableName() string {
	return "account"
}

func (a *Account) GetID() string       { return a.ID }
func (a *Account) GetEmail() string    { return a.Email }
func (a *Account) GetUsername() string { return a.Username }

func (a *Account) HasRole(role string) bool {
	return slices.Contains([]string(a.Roles), role)
}
