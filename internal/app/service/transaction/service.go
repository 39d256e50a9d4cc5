package transaction

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/fatflowers/billing/internal/app/service/subscription"
	"github.com/fatflowers/billing/internal/app/store"
	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/logctx"
	"github.com/fatflowers/billing/pkg/types"
)

// scanFields are the columns admin filters may reference.
var scanFields = []string{"user_id", "status", "gateway", "type", "currency", "subscription_id", "created_at", "amount"}

type Service struct {
	log    *zap.SugaredLogger
	store  store.Store
	subSvc *subscription.Service
}

func NewService(log *zap.SugaredLogger, st store.Store, sub *subscription.Service) Manager {
	return &Service{log: log, store: st, subSvc: sub}
}

func (s *Service) Scan(ctx context.Context, req *store.ScanTransactionsRequest) (*store.ScanTransactionsResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	verr := types.NewValidationError()
	for _, f := range req.Filters {
		for _, field := range f.Fields() {
			if !lo.Contains(scanFields, field) {
				verr.Add(fmt.Sprintf("Cannot filter transactions by %q.", field))
			}
		}
	}
	if req.SortOrder != "" && !strings.EqualFold(req.SortOrder, "asc") && !strings.EqualFold(req.SortOrder, "desc") {
		verr.Add(fmt.Sprintf("Sort order %q must be asc or desc.", req.SortOrder))
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	req.SortOrder = strings.ToLower(req.SortOrder)
	res, err := s.store.ScanTransactions(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to scan transactions: %w", err)
	}
	return res, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Detail, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction %s: %w", id, err)
	}
	out := &Detail{Transaction: tx}
	if tx.SubscriptionID != nil {
		sub, err := s.subSvc.Get(ctx, *tx.SubscriptionID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		out.Subscription = sub
	}
	return out, nil
}

func (s *Service) Refund(ctx context.Context, req *subscription.RefundRequest) (*models.Transaction, error) {
	tx, err := s.subSvc.RefundTransaction(ctx, req)
	if err != nil {
		return nil, err
	}
	logctx.FromCtx(ctx, s.log).Infow("transaction refunded by admin", "transaction_id", tx.ID, "end_subscription", req.EndSubscription)
	return tx, nil
}

func (s *Service) ImportApple(ctx context.Context, req *ImportAppleRequest) (*models.Subscription, error) {
	return s.subSvc.ImportAppleTransaction(ctx, strings.TrimSpace(req.TransactionID))
}
