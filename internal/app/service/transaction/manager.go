package transaction

import (
	"context"

	"github.com/fatflowers/billing/internal/app/service/subscription"
	"github.com/fatflowers/billing/internal/app/store"
	"github.com/fatflowers/billing/internal/models"
)

// Detail is a transaction with the subscription it paid for, if any.
type Detail struct {
	Transaction  *models.Transaction  `json:"transaction"`
	Subscription *models.Subscription `json:"subscription,omitempty"`
}

type ImportAppleRequest struct {
	TransactionID string `json:"transaction_id" binding:"required"`
}

// Manager is the administrative view of charges.
type Manager interface {
	// Scan lists transactions for the admin pages.
	Scan(ctx context.Context, req *store.ScanTransactionsRequest) (*store.ScanTransactionsResponse, error)
	Get(ctx context.Context, id string) (*Detail, error)
	// Refund refunds a successful charge through its gateway.
	Refund(ctx context.Context, req *subscription.RefundRequest) (*models.Transaction, error)
	// ImportApple records an App Store transaction looked up by id.
	ImportApple(ctx context.Context, req *ImportAppleRequest) (*models.Subscription, error)
}
