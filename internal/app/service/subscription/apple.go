package subscription

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/datatypes"

	"github.com/fatflowers/billing/internal/app/store"
	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/logctx"
	"github.com/fatflowers/billing/pkg/tool"
	"github.com/fatflowers/billing/pkg/types"
)

// ImportAppleTransaction records a verified App Store purchase as an immutable
// subscription, or refreshes the one already imported for its original transaction.
func (s *Service) ImportAppleTransaction(ctx context.Context, transactionID string) (*models.Subscription, error) {
	log := logctx.FromCtx(ctx, s.log)
	at, err := s.apple.Verify(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to verify apple transaction: %w", err)
	}
	product, err := s.cfg.GetAppleProduct(at.ProductID)
	if err != nil {
		return nil, types.NewValidationError(fmt.Sprintf("Unknown App Store product %q.", at.ProductID)).WithCause(err)
	}
	plan, err := s.catalog.Plan(product.PlanKey)
	if err != nil {
		return nil, err
	}
	cycle, err := s.catalog.BillingCycle(product.BillingCycleKey)
	if err != nil {
		return nil, err
	}
	if _, err := s.accounts.Get(ctx, at.UserID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, types.NewValidationError(fmt.Sprintf("User %s does not exist.", at.UserID)).WithCause(err)
		}
		return nil, err
	}

	now := s.now()
	endAt := cycle.NextTs(at.PurchasedAt)
	if at.ExpiresAt != nil {
		endAt = *at.ExpiresAt
	}

	subs, err := s.store.ListUserSubscriptions(ctx, at.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	var sub *models.Subscription
	for _, existing := range subs {
		if existing.Gateway == types.GatewayApple && existing.GatewaySubscriptionID == at.OriginalTransactionID {
			sub = existing
			break
		}
	}

	var before *models.Subscription
	if sub == nil {
		sub = &models.Subscription{
			ID:                    tool.GenerateUUIDV7(),
			UserID:                at.UserID,
			PlanKey:               plan.Key,
			BillingCycleKey:       cycle.Key,
			Gateway:               types.GatewayApple,
			GatewaySubscriptionID: at.OriginalTransactionID,
			StartAt:               at.PurchasedAt,
			Active:                true,
			ActivatedAt:           &now,
			CreatedAt:             now,
		}
	} else {
		before = sub.Clone()
		txs, err := s.store.ListSubscriptionTransactions(ctx, sub.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list transactions: %w", err)
		}
		for _, tx := range txs {
			if tx.GatewayTransactionID == at.TransactionID && at.RevokedAt == nil {
				log.Infow("apple transaction already imported", "transaction_id", at.TransactionID, "subscription_id", sub.ID)
				return sub, nil
			}
		}
	}

	if sub.EndAt == nil || endAt.After(*sub.EndAt) {
		sub.EndAt = &endAt
	}
	if at.RevokedAt != nil {
		sub.EndAt = at.RevokedAt
		sub.EndReason = types.EndReasonRefunded
		sub.Active = false
	} else {
		sub.NumTransactions++
		sub.LastTransactionAmount = at.Amount
		sub.LastTransactionAt = &at.PurchasedAt
	}
	if sub.EndAt.Before(sub.StartAt) {
		start := sub.StartAt
		sub.EndAt = &start
	}

	tx := &models.Transaction{
		ID:                   tool.GenerateUUIDV7(),
		UserID:               at.UserID,
		Gateway:              types.GatewayApple,
		Type:                 types.TransactionTypeImport,
		Status:               types.TransactionStatusSuccess,
		SubscriptionID:       tool.Ptr(sub.ID),
		Amount:               at.Amount,
		Currency:             at.Currency,
		GatewayTransactionID: at.TransactionID,
		LineItems: datatypes.NewJSONType([]models.LineItem{
			{Description: Describe(plan, cycle), Amount: at.Amount},
		}),
		CreatedAt: now,
	}
	if at.RevokedAt != nil {
		tx.Status = types.TransactionStatusRefunded
		tx.RefundedAt = at.RevokedAt
	}

	err = s.store.WithTx(ctx, func(st store.Store) error {
		if before == nil {
			if err := st.CreateSubscription(ctx, sub); err != nil {
				return err
			}
		} else if err := st.SaveSubscription(ctx, sub); err != nil {
			return err
		}
		return st.CreateTransaction(ctx, tx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to import apple transaction: %w", err)
	}
	s.LogChange(ctx, before, sub, types.SubscriptionChangeReasonImport, datatypes.JSONMap{"transaction_id": at.TransactionID})
	log.Infow("apple transaction imported", "transaction_id", at.TransactionID, "subscription_id", sub.ID, "end_at", sub.EndAt)

	if err := s.ReorganizeUser(ctx, sub.UserID); err != nil {
		log.Errorw("failed to reorganize after apple import", "user_id", sub.UserID, "error", err)
	}
	return sub, nil
}
