// Package store persists billing records. Gorm is the production backend; the
// in-memory backend mirrors its semantics for service tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/types"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

// ScanTransactionsRequest is an admin listing query.
type ScanTransactionsRequest struct {
	Filters   []*types.CommonFilter `json:"filters"`
	From      int                   `json:"from"`
	Size      int                   `json:"size"`
	SortBy    string                `json:"sort_by"`
	SortOrder string                `json:"sort_order"`
}

type ScanTransactionsResponse struct {
	Items []*models.Transaction `json:"items"`
	Total int64                 `json:"total"`
}

type Store interface {
	// WithTx runs fn inside one database transaction. fn must only use the Store it receives.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	CreateSubscription(ctx context.Context, sub *models.Subscription) error
	SaveSubscription(ctx context.Context, sub *models.Subscription) error
	GetSubscription(ctx context.Context, id string) (*models.Subscription, error)
	ListUserSubscriptions(ctx context.Context, userID string) ([]*models.Subscription, error)
	// ListOpenEndedSubscriptions returns active subscriptions without an end on the given gateways.
	ListOpenEndedSubscriptions(ctx context.Context, gateways []types.GatewayKey) ([]*models.Subscription, error)
	// ListLapsedFixedTermSubscriptions returns active, not yet ended subscriptions whose EndAt <= at.
	ListLapsedFixedTermSubscriptions(ctx context.Context, at time.Time) ([]*models.Subscription, error)
	CreateSubscriptionLog(ctx context.Context, log *models.SubscriptionLog) error

	CreateTransaction(ctx context.Context, tx *models.Transaction) error
	SaveTransaction(ctx context.Context, tx *models.Transaction) error
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	// ListSubscriptionTransactions returns the subscription's transactions oldest first.
	ListSubscriptionTransactions(ctx context.Context, subscriptionID string) ([]*models.Transaction, error)
	HasUserTransactionSince(ctx context.Context, userID string, since time.Time) (bool, error)
	ScanTransactions(ctx context.Context, req *ScanTransactionsRequest) (*ScanTransactionsResponse, error)
	// ReserveChargeAttempt inserts the attempt and reports false if its key already exists.
	ReserveChargeAttempt(ctx context.Context, attempt *models.ChargeAttempt) (bool, error)
	// ReleaseChargeAttempt frees key for another attempt. Unknown keys are ignored.
	ReleaseChargeAttempt(ctx context.Context, key string) error

	GetOpenCart(ctx context.Context, owner string) (*models.Cart, error)
	GetCart(ctx context.Context, id string) (*models.Cart, error)
	SaveCart(ctx context.Context, cart *models.Cart) error
	// ListAbandonedCarts returns open carts of known users idle since before idleBefore and not yet reminded.
	ListAbandonedCarts(ctx context.Context, idleBefore time.Time) ([]*models.Cart, error)

	CreateVoucherCode(ctx context.Context, v *models.VoucherCode) error
	GetVoucherCode(ctx context.Context, id string) (*models.VoucherCode, error)
	GetVoucherCodeByCode(ctx context.Context, code string) (*models.VoucherCode, error)
	CreateVoucherUsage(ctx context.Context, u *models.VoucherUsage) error

	CreateGift(ctx context.Context, g *models.GiftSubscription) error
	SaveGift(ctx context.Context, g *models.GiftSubscription) error
	GetGift(ctx context.Context, id string) (*models.GiftSubscription, error)
	GetGiftByKey(ctx context.Context, key string) (*models.GiftSubscription, error)
	// ClaimGift marks an unclaimed gift as redeemed into subscriptionID and
	// reports false when it was already claimed.
	ClaimGift(ctx context.Context, id, userID, subscriptionID string, at time.Time) (bool, error)

	GetAccount(ctx context.Context, id string) (*models.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*models.Account, error)
	SaveAccount(ctx context.Context, a *models.Account) error

	CreateEmailLog(ctx context.Context, log *models.EmailLog) error
	CreateGatewayNotificationLog(ctx context.Context, log *models.GatewayNotificationLog) error
}

var (
	_ Store = (*Gorm)(nil)
	_ Store = (*Memory)(nil)
)
