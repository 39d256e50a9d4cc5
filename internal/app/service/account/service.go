// Package account keeps the user context in sync with the user's subscriptions.
package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fatflowers/billing/internal/app/service/catalog"
	"github.com/fatflowers/billing/internal/app/store"
	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/logctx"
	"github.com/fatflowers/billing/pkg/tool"
	"github.com/fatflowers/billing/pkg/types"
)

var Module = fx.Options(
	fx.Provide(NewService),
)

type Service struct {
	store   store.Store
	catalog *catalog.Service
	log     *zap.SugaredLogger
	now     func() time.Time
}

type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(st store.Store, cat *catalog.Service, log *zap.SugaredLogger, opts ...Option) *Service {
	s := &Service{store: st, catalog: cat, log: log, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Get(ctx context.Context, id string) (*models.Account, error) {
	a, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get account %s: %w", id, err)
	}
	return a, nil
}

func (s *Service) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	a, err := s.store.GetAccountByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to get account by email: %w", err)
	}
	return a, nil
}

// SubscriptionsChanged recomputes the account's plan and access window from its
// subscriptions. Users without an account row are skipped.
func (s *Service) SubscriptionsChanged(ctx context.Context, userID string) error {
	log := logctx.FromCtx(ctx, s.log)
	acc, err := s.store.GetAccount(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warnw("subscriptions changed for unknown account", "user_id", userID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get account: %w", err)
	}
	subs, err := s.store.ListUserSubscriptions(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to list subscriptions: %w", err)
	}

	now := s.now()
	var (
		current      *models.Subscription
		currentLevel int
		expireAt     *time.Time
	)
	for _, sub := range subs {
		if !sub.IsActivated() {
			continue
		}
		end := sub.EffectiveEndAt()
		if sub.GrantsAccessAt(now) {
			level := 0
			if plan, err := s.catalog.PlanOf(sub); err == nil {
				level = plan.Level
			}
			if current == nil || level > currentLevel {
				current, currentLevel = sub, level
			}
		} else if sub.StartAt.Before(now) {
			continue
		}
		if end != nil && (expireAt == nil || end.After(*expireAt)) {
			expireAt = end
		}
	}

	acc.PlanKey = ""
	acc.ActiveSubscriptionID = nil
	acc.AccessExpireAt = nil
	if current != nil {
		acc.PlanKey = current.PlanKey
		acc.ActiveSubscriptionID = tool.Ptr(current.ID)
		acc.AccessExpireAt = expireAt
	}
	if err := s.store.SaveAccount(ctx, acc); err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	log.Infow("account access updated", "user_id", userID, "plan_key", acc.PlanKey, "access_expire_at", acc.AccessExpireAt)
	return nil
}

// UsedVoucherCode records that user redeemed voucher.
func (s *Service) UsedVoucherCode(ctx context.Context, user types.User, voucher *models.VoucherCode) error {
	usage := &models.VoucherUsage{
		ID:            tool.GenerateUUIDV7(),
		UserID:        user.GetID(),
		VoucherCodeID: voucher.ID,
		Code:          voucher.Code,
		CreatedAt:     s.now(),
	}
	if err := s.store.CreateVoucherUsage(ctx, usage); err != nil {
		return fmt.Errorf("failed to record voucher usage: %w", err)
	}
	return nil
}
