package subscription

import (
	"context"
	"fmt"

	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/internal/platform/gateway"
	"github.com/fatflowers/billing/pkg/logctx"
	"github.com/fatflowers/billing/pkg/types"
)

// RefundCharge returns a charge whose bookkeeping could not be committed and
// records the outcome on tx. Failures are logged for manual follow-up.
func (s *Service) RefundCharge(ctx context.Context, g gateway.Gateway, tx *models.Transaction) bool {
	log := logctx.FromCtx(ctx, s.log).With("transaction_id", tx.ID, "gateway", g.Key())
	if err := g.Refund(ctx, tx.GatewayTransactionID, tx.Amount); err != nil {
		log.Errorw("failed to refund charge, manual refund required", "gateway_transaction_id", tx.GatewayTransactionID, "amount", tx.Amount.StringFixed(2), "error", err)
		return false
	}
	now := s.now()
	tx.Status = types.TransactionStatusRefunded
	tx.RefundedAt = &now
	if err := s.store.SaveTransaction(ctx, tx); err != nil {
		log.Errorw("charge refunded but transaction not updated", "error", err)
	}
	log.Infow("charge refunded", "amount", tx.Amount.StringFixed(2))
	return true
}

type RefundRequest struct {
	TransactionID string `json:"transaction_id" binding:"required"`
	// EndSubscription also ends the paid subscription immediately.
	EndSubscription bool `json:"end_subscription"`
}

// RefundTransaction is the administrative refund of a successful charge.
func (s *Service) RefundTransaction(ctx context.Context, req *RefundRequest) (*models.Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, req.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction %s: %w", req.TransactionID, err)
	}
	if !tx.IsPaid() {
		return nil, types.NewValidationError(fmt.Sprintf("Transaction %s is not a successful, unrefunded charge.", tx.ID))
	}
	if !tx.Amount.IsPositive() {
		return nil, types.NewValidationError(fmt.Sprintf("Transaction %s has nothing to refund.", tx.ID))
	}
	g, err := s.gateways.Of(tx)
	if err != nil {
		return nil, err
	}
	if err := g.Refund(ctx, tx.GatewayTransactionID, tx.Amount); err != nil {
		return nil, fmt.Errorf("failed to refund transaction %s: %w", tx.ID, err)
	}
	now := s.now()
	tx.Status = types.TransactionStatusRefunded
	tx.RefundedAt = &now
	if err := s.store.SaveTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("transaction %s refunded but not saved: %w", tx.ID, err)
	}
	logctx.FromCtx(ctx, s.log).Infow("transaction refunded", "transaction_id", tx.ID, "amount", tx.Amount.StringFixed(2))

	if req.EndSubscription && tx.SubscriptionID != nil {
		sub, err := s.Get(ctx, *tx.SubscriptionID)
		if err != nil {
			return tx, err
		}
		if err := s.End(ctx, sub, types.EndReasonRefunded, true); err != nil {
			return tx, fmt.Errorf("refunded but failed to end subscription: %w", err)
		}
	}
	return tx, nil
}
