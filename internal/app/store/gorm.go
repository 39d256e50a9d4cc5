package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/fx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/tool"
	"github.com/fatflowers/billing/pkg/types"
)

// Gorm is the postgres-backed Store.
type Gorm struct {
	db *gorm.DB
}

func NewGorm(db *gorm.DB) *Gorm {
	return &Gorm{db: db}
}

var Module = fx.Options(
	fx.Provide(fx.Annotate(NewGorm, fx.As(new(Store)))),
)

func (s *Gorm) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func (s *Gorm) WithTx(ctx context.Context, fn func(tx Store) error) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Gorm{db: tx})
	})
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

func first[T any](db *gorm.DB, query string, args ...any) (*T, error) {
	var row T
	if err := db.Where(query, args...).First(&row).Error; err != nil {
		return nil, translate(err)
	}
	return &row, nil
}

// Subscriptions

func (s *Gorm) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	if sub.ID == "" {
		sub.ID = tool.GenerateUUIDV7()
	}
	if err := s.conn(ctx).Create(sub).Error; err != nil {
		return fmt.Errorf("failed to create subscription: %w", translate(err))
	}
	return nil
}

func (s *Gorm) SaveSubscription(ctx context.Context, sub *models.Subscription) error {
	if err := s.conn(ctx).Save(sub).Error; err != nil {
		return fmt.Errorf("failed to save subscription %s: %w", sub.ID, translate(err))
	}
	return nil
}

func (s *Gorm) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	return first[models.Subscription](s.conn(ctx), "id = ?", id)
}

func (s *Gorm) ListUserSubscriptions(ctx context.Context, userID string) ([]*models.Subscription, error) {
	var rows []*models.Subscription
	if err := s.conn(ctx).Where("user_id = ?", userID).Order("start_at asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return rows, nil
}

func (s *Gorm) ListOpenEndedSubscriptions(ctx context.Context, gateways []types.GatewayKey) ([]*models.Subscription, error) {
	var rows []*models.Subscription
	q := s.conn(ctx).Where("active = ? AND end_at IS NULL", true)
	if len(gateways) > 0 {
		q = q.Where("gateway IN ?", gateways)
	}
	if err := q.Order("next_transaction_at asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list open-ended subscriptions: %w", err)
	}
	return rows, nil
}

func (s *Gorm) ListLapsedFixedTermSubscriptions(ctx context.Context, at time.Time) ([]*models.Subscription, error) {
	var rows []*models.Subscription
	err := s.conn(ctx).
		Where("active = ? AND end_at IS NOT NULL AND end_at <= ? AND (end_reason IS NULL OR end_reason = '')", true, at).
		Order("end_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list lapsed subscriptions: %w", err)
	}
	return rows, nil
}

func (s *Gorm) CreateSubscriptionLog(ctx context.Context, log *models.SubscriptionLog) error {
	if log.ID == "" {
		log.ID = tool.GenerateUUIDV7()
	}
	return s.conn(ctx).Create(log).Error
}

// Transactions

func (s *Gorm) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	if tx.ID == "" {
		tx.ID = tool.GenerateUUIDV7()
	}
	if err := s.conn(ctx).Create(tx).Error; err != nil {
		return fmt.Errorf("failed to create transaction: %w", translate(err))
	}
	return nil
}

func (s *Gorm) SaveTransaction(ctx context.Context, tx *models.Transaction) error {
	if err := s.conn(ctx).Save(tx).Error; err != nil {
		return fmt.Errorf("failed to save transaction %s: %w", tx.ID, translate(err))
	}
	return nil
}

func (s *Gorm) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	return first[models.Transaction](s.conn(ctx), "id = ?", id)
}

func (s *Gorm) ListSubscriptionTransactions(ctx context.Context, subscriptionID string) ([]*models.Transaction, error) {
	var rows []*models.Transaction
	if err := s.conn(ctx).Where("subscription_id = ?", subscriptionID).Order("created_at asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list subscription transactions: %w", err)
	}
	return rows, nil
}

func (s *Gorm) HasUserTransactionSince(ctx context.Context, userID string, since time.Time) (bool, error) {
	var count int64
	err := s.conn(ctx).Model(&models.Transaction{}).
		Where("user_id = ? AND created_at >= ?", userID, since).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to count recent transactions: %w", err)
	}
	return count > 0, nil
}

// filtersAnd wraps a list of filters to a single clause.Expression
type filtersAnd struct{ filters []*types.CommonFilter }

func (w filtersAnd) Build(builder clause.Builder) {
	if len(w.filters) == 0 {
		builder.WriteString("1=1")
		return
	}
	for i, f := range w.filters {
		if i > 0 {
			builder.WriteString(" AND ")
		}
		f.Build(builder)
	}
}

func (s *Gorm) ScanTransactions(ctx context.Context, req *ScanTransactionsRequest) (*ScanTransactionsResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	req.normalize()

	tx := s.conn(ctx).Model(&models.Transaction{})
	if len(req.Filters) > 0 {
		tx = tx.Where(clause.Where{Exprs: []clause.Expression{filtersAnd{filters: req.Filters}}})
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count transactions: %w", err)
	}

	q := tx.Limit(req.Size)
	if req.From > 0 {
		q = q.Offset(req.From)
	}
	q = q.Order(clause.OrderBy{Columns: []clause.OrderByColumn{{Column: clause.Column{Name: req.SortBy}, Desc: req.SortOrder != "asc"}}})

	var rows []*models.Transaction
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return &ScanTransactionsResponse{Items: rows, Total: total}, nil
}

func (s *Gorm) ReserveChargeAttempt(ctx context.Context, attempt *models.ChargeAttempt) (bool, error) {
	if attempt.ID == "" {
		attempt.ID = tool.GenerateUUIDV7()
	}
	res := s.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "attempt_key"}},
		DoNothing: true,
	}).Create(attempt)
	if res.Error != nil {
		return false, fmt.Errorf("failed to reserve charge attempt: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Gorm) ReleaseChargeAttempt(ctx context.Context, key string) error {
	if err := s.conn(ctx).Where("attempt_key = ?", key).Delete(&models.ChargeAttempt{}).Error; err != nil {
		return fmt.Errorf("failed to release charge attempt: %w", err)
	}
	return nil
}

// Carts

func (s *Gorm) GetOpenCart(ctx context.Context, owner string) (*models.Cart, error) {
	var cart models.Cart
	err := s.conn(ctx).
		Where("owner = ? AND checked_out_at IS NULL", owner).
		Order("last_at desc").
		First(&cart).Error
	if err != nil {
		return nil, translate(err)
	}
	return &cart, nil
}

func (s *Gorm) GetCart(ctx context.Context, id string) (*models.Cart, error) {
	return first[models.Cart](s.conn(ctx), "id = ?", id)
}

func (s *Gorm) SaveCart(ctx context.Context, cart *models.Cart) error {
	if cart.ID == "" {
		cart.ID = tool.GenerateUUIDV7()
	}
	if err := s.conn(ctx).Save(cart).Error; err != nil {
		return fmt.Errorf("failed to save cart: %w", translate(err))
	}
	return nil
}

func (s *Gorm) ListAbandonedCarts(ctx context.Context, idleBefore time.Time) ([]*models.Cart, error) {
	var rows []*models.Cart
	err := s.conn(ctx).
		Where("checked_out_at IS NULL AND emailed_reminder = ? AND user_id <> '' AND plan_key <> '' AND last_at < ?", false, idleBefore).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list abandoned carts: %w", err)
	}
	return rows, nil
}

// Vouchers

func (s *Gorm) CreateVoucherCode(ctx context.Context, v *models.VoucherCode) error {
	if v.ID == "" {
		v.ID = tool.GenerateUUIDV7()
	}
	if err := s.conn(ctx).Create(v).Error; err != nil {
		return fmt.Errorf("failed to create voucher code: %w", translate(err))
	}
	return nil
}

func (s *Gorm) GetVoucherCode(ctx context.Context, id string) (*models.VoucherCode, error) {
	return first[models.VoucherCode](s.conn(ctx), "id = ?", id)
}

func (s *Gorm) GetVoucherCodeByCode(ctx context.Context, code string) (*models.VoucherCode, error) {
	return first[models.VoucherCode](s.conn(ctx), "UPPER(code) = UPPER(?)", code)
}

func (s *Gorm) CreateVoucherUsage(ctx context.Context, u *models.VoucherUsage) error {
	if u.ID == "" {
		u.ID = tool.GenerateUUIDV7()
	}
	return s.conn(ctx).Create(u).Error
}

// Gifts

func (s *Gorm) CreateGift(ctx context.Context, g *models.GiftSubscription) error {
	if g.ID == "" {
		g.ID = tool.GenerateUUIDV7()
	}
	if err := s.conn(ctx).Create(g).Error; err != nil {
		return fmt.Errorf("failed to create gift: %w", translate(err))
	}
	return nil
}

func (s *Gorm) SaveGift(ctx context.Context, g *models.GiftSubscription) error {
	if err := s.conn(ctx).Save(g).Error; err != nil {
		return fmt.Errorf("failed to save gift %s: %w", g.ID, translate(err))
	}
	return nil
}

func (s *Gorm) GetGift(ctx context.Context, id string) (*models.GiftSubscription, error) {
	return first[models.GiftSubscription](s.conn(ctx), "id = ?", id)
}

func (s *Gorm) GetGiftByKey(ctx context.Context, key string) (*models.GiftSubscription, error) {
	return first[models.GiftSubscription](s.conn(ctx), "key = ?", key)
}

func (s *Gorm) ClaimGift(ctx context.Context, id, userID, subscriptionID string, at time.Time) (bool, error) {
	res := s.conn(ctx).Model(&models.GiftSubscription{}).
		Where("id = ? AND claimed = ?", id, false).
		Updates(map[string]any{
			"claimed":            true,
			"claimed_by_user_id": userID,
			"claimed_at":         at,
			"subscription_id":    subscriptionID,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to claim gift %s: %w", id, translate(res.Error))
	}
	return res.RowsAffected == 1, nil
}

// Accounts

func (s *Gorm) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	return first[models.Account](s.conn(ctx), "id = ?", id)
}

func (s *Gorm) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	return first[models.Account](s.conn(ctx), "lower(email) = lower(?)", email)
}

func (s *Gorm) SaveAccount(ctx context.Context, a *models.Account) error {
	if err := s.conn(ctx).Save(a).Error; err != nil {
		return fmt.Errorf("failed to save account %s: %w", a.ID, translate(err))
	}
	return nil
}

func (s *Gorm) CreateEmailLog(ctx context.Context, log *models.EmailLog) error {
	if log.ID == "" {
		log.ID = tool.GenerateUUIDV7()
	}
	return s.conn(ctx).Create(log).Error
}

func (s *Gorm) CreateGatewayNotificationLog(ctx context.Context, log *models.GatewayNotificationLog) error {
	if log.ID == "" {
		log.ID = tool.GenerateUUIDV7()
	}
	return s.conn(ctx).Create(log).Error
}
