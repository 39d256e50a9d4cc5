package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/tool"
	"github.com/fatflowers/billing/pkg/types"
)

// Memory is an in-process Store. Records are copied on the way in and out so
// callers never share state with the store.
//
// WithTx runs one transaction at a time and restores a snapshot of every
// table if fn fails. Writes outside WithTx are not isolated from a rollback.
type Memory struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	t    tables
}

type tables struct {
	subs         map[string]models.Subscription
	subLogs      []models.SubscriptionLog
	txs          map[string]models.Transaction
	attempts     map[string]models.ChargeAttempt
	carts        map[string]models.Cart
	vouchers     map[string]models.VoucherCode
	usages       []models.VoucherUsage
	gifts        map[string]models.GiftSubscription
	accounts     map[string]models.Account
	emailLogs    []models.EmailLog
	notifLogs    []models.GatewayNotificationLog
	failOnCommit error
}

func NewMemory() *Memory {
	return &Memory{t: tables{
		subs:     map[string]models.Subscription{},
		txs:      map[string]models.Transaction{},
		attempts: map[string]models.ChargeAttempt{},
		carts:    map[string]models.Cart{},
		vouchers: map[string]models.VoucherCode{},
		gifts:    map[string]models.GiftSubscription{},
		accounts: map[string]models.Account{},
	}}
}

func (t tables) clone() tables {
	return tables{
		subs:         maps.Clone(t.subs),
		subLogs:      slices.Clone(t.subLogs),
		txs:          maps.Clone(t.txs),
		attempts:     maps.Clone(t.attempts),
		carts:        maps.Clone(t.carts),
		vouchers:     maps.Clone(t.vouchers),
		usages:       slices.Clone(t.usages),
		gifts:        maps.Clone(t.gifts),
		accounts:     maps.Clone(t.accounts),
		emailLogs:    slices.Clone(t.emailLogs),
		notifLogs:    slices.Clone(t.notifLogs),
		failOnCommit: t.failOnCommit,
	}
}

// FailNextCommit makes the next WithTx roll back with err after fn succeeds.
func (m *Memory) FailNextCommit(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t.failOnCommit = err
}

func (m *Memory) WithTx(ctx context.Context, fn func(tx Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.RLock()
	snapshot := m.t.clone()
	m.mu.RUnlock()

	err := fn(m)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil && m.t.failOnCommit != nil {
		err = m.t.failOnCommit
		snapshot.failOnCommit = nil
	}
	if err != nil {
		m.t = snapshot
		return err
	}
	return nil
}

func stamp(created, updated *time.Time) {
	now := time.Now()
	if created.IsZero() {
		*created = now
	}
	if updated != nil {
		*updated = now
	}
}

// Subscriptions

func (m *Memory) CreateSubscription(_ context.Context, sub *models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub.ID == "" {
		sub.ID = tool.GenerateUUIDV7()
	}
	if _, ok := m.t.subs[sub.ID]; ok {
		return fmt.Errorf("failed to create subscription: %w", ErrDuplicate)
	}
	stamp(&sub.CreatedAt, &sub.UpdatedAt)
	m.t.subs[sub.ID] = *sub
	return nil
}

func (m *Memory) SaveSubscription(_ context.Context, sub *models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stamp(&sub.CreatedAt, &sub.UpdatedAt)
	m.t.subs[sub.ID] = *sub
	return nil
}

func (m *Memory) GetSubscription(_ context.Context, id string) (*models.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.t.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &sub, nil
}

func (m *Memory) filterSubs(keep func(s *models.Subscription) bool) []*models.Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Subscription
	for _, s := range m.t.subs {
		if keep(&s) {
			cp := s
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].StartAt.Equal(out[j].StartAt) {
			return out[i].StartAt.Before(out[j].StartAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Memory) ListUserSubscriptions(_ context.Context, userID string) ([]*models.Subscription, error) {
	return m.filterSubs(func(s *models.Subscription) bool { return s.UserID == userID }), nil
}

func (m *Memory) ListOpenEndedSubscriptions(_ context.Context, gateways []types.GatewayKey) ([]*models.Subscription, error) {
	return m.filterSubs(func(s *models.Subscription) bool {
		return s.Active && s.EndAt == nil && (len(gateways) == 0 || slices.Contains(gateways, s.Gateway))
	}), nil
}

func (m *Memory) ListLapsedFixedTermSubscriptions(_ context.Context, at time.Time) ([]*models.Subscription, error) {
	return m.filterSubs(func(s *models.Subscription) bool {
		return s.Active && s.EndAt != nil && !s.EndAt.After(at) && s.EndReason == ""
	}), nil
}

func (m *Memory) CreateSubscriptionLog(_ context.Context, log *models.SubscriptionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if log.ID == "" {
		log.ID = tool.GenerateUUIDV7()
	}
	stamp(&log.CreatedAt, nil)
	m.t.subLogs = append(m.t.subLogs, *log)
	return nil
}

// SubscriptionLogs returns a copy of all recorded subscription logs.
func (m *Memory) SubscriptionLogs() []models.SubscriptionLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.t.subLogs)
}

// Transactions

func (m *Memory) CreateTransaction(_ context.Context, tx *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx.ID == "" {
		tx.ID = tool.GenerateUUIDV7()
	}
	if _, ok := m.t.txs[tx.ID]; ok {
		return fmt.Errorf("failed to create transaction: %w", ErrDuplicate)
	}
	stamp(&tx.CreatedAt, &tx.UpdatedAt)
	m.t.txs[tx.ID] = *tx
	return nil
}

func (m *Memory) SaveTransaction(_ context.Context, tx *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stamp(&tx.CreatedAt, &tx.UpdatedAt)
	m.t.txs[tx.ID] = *tx
	return nil
}

func (m *Memory) GetTransaction(_ context.Context, id string) (*models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.t.txs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &tx, nil
}

func (m *Memory) allTransactions(keep func(t *models.Transaction) bool) []*models.Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Transaction
	for _, t := range m.t.txs {
		if keep(&t) {
			cp := t
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Memory) ListSubscriptionTransactions(_ context.Context, subscriptionID string) ([]*models.Transaction, error) {
	return m.allTransactions(func(t *models.Transaction) bool {
		return t.SubscriptionID != nil && *t.SubscriptionID == subscriptionID
	}), nil
}

func (m *Memory) HasUserTransactionSince(_ context.Context, userID string, since time.Time) (bool, error) {
	return len(m.allTransactions(func(t *models.Transaction) bool {
		return t.UserID == userID && !t.CreatedAt.Before(since)
	})) > 0, nil
}

// ScanTransactions supports eq filters on user_id, status, gateway and type.
func (m *Memory) ScanTransactions(_ context.Context, req *ScanTransactionsRequest) (*ScanTransactionsResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	req.normalize()
	rows := m.allTransactions(func(t *models.Transaction) bool {
		for _, f := range req.Filters {
			if f.Operator != types.CommonFilterOperatorEq || len(f.Values) == 0 {
				continue
			}
			want := fmt.Sprint(f.Values[0])
			var got string
			switch f.Field {
			case "user_id":
				got = t.UserID
			case "status":
				got = string(t.Status)
			case "gateway":
				got = string(t.Gateway)
			case "type":
				got = string(t.Type)
			default:
				continue
			}
			if got != want {
				return false
			}
		}
		return true
	})
	if req.SortOrder != "asc" {
		slices.Reverse(rows)
	}
	total := int64(len(rows))
	if req.From >= len(rows) {
		return &ScanTransactionsResponse{Total: total}, nil
	}
	rows = rows[req.From:]
	if len(rows) > req.Size {
		rows = rows[:req.Size]
	}
	return &ScanTransactionsResponse{Items: rows, Total: total}, nil
}

func (m *Memory) ReserveChargeAttempt(_ context.Context, attempt *models.ChargeAttempt) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.t.attempts[attempt.AttemptKey]; ok {
		return false, nil
	}
	if attempt.ID == "" {
		attempt.ID = tool.GenerateUUIDV7()
	}
	stamp(&attempt.CreatedAt, nil)
	m.t.attempts[attempt.AttemptKey] = *attempt
	return true, nil
}

func (m *Memory) ReleaseChargeAttempt(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.t.attempts, key)
	return nil
}

// Carts

func (m *Memory) GetOpenCart(_ context.Context, owner string) (*models.Cart, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *models.Cart
	for _, c := range m.t.carts {
		if c.Owner != owner || c.CheckedOutAt != nil {
			continue
		}
		if found == nil || c.LastAt.After(found.LastAt) {
			cp := c
			found = &cp
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (m *Memory) GetCart(_ context.Context, id string) (*models.Cart, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.t.carts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *Memory) SaveCart(_ context.Context, cart *models.Cart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cart.ID == "" {
		cart.ID = tool.GenerateUUIDV7()
	}
	stamp(&cart.CreatedAt, &cart.UpdatedAt)
	m.t.carts[cart.ID] = *cart
	return nil
}

func (m *Memory) ListAbandonedCarts(_ context.Context, idleBefore time.Time) ([]*models.Cart, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Cart
	for _, c := range m.t.carts {
		if c.CheckedOutAt == nil && !c.EmailedReminder && c.UserID != "" && c.PlanKey != "" && c.LastAt.Before(idleBefore) {
			cp := c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Vouchers

func (m *Memory) CreateVoucherCode(_ context.Context, v *models.VoucherCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.t.vouchers {
		if strings.EqualFold(existing.Code, v.Code) {
			return fmt.Errorf("failed to create voucher code: %w", ErrDuplicate)
		}
	}
	if v.ID == "" {
		v.ID = tool.GenerateUUIDV7()
	}
	stamp(&v.CreatedAt, &v.UpdatedAt)
	m.t.vouchers[v.ID] = *v
	return nil
}

func (m *Memory) GetVoucherCode(_ context.Context, id string) (*models.VoucherCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.t.vouchers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &v, nil
}

func (m *Memory) GetVoucherCodeByCode(_ context.Context, code string) (*models.VoucherCode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.t.vouchers {
		if strings.EqualFold(v.Code, code) {
			return &v, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) CreateVoucherUsage(_ context.Context, u *models.VoucherUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == "" {
		u.ID = tool.GenerateUUIDV7()
	}
	stamp(&u.CreatedAt, nil)
	m.t.usages = append(m.t.usages, *u)
	return nil
}

// VoucherUsages returns a copy of all recorded voucher usages.
func (m *Memory) VoucherUsages() []models.VoucherUsage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.t.usages)
}

// Gifts

func (m *Memory) CreateGift(_ context.Context, g *models.GiftSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g.ID == "" {
		g.ID = tool.GenerateUUIDV7()
	}
	for _, existing := range m.t.gifts {
		if existing.Key == g.Key {
			return fmt.Errorf("failed to create gift: %w", ErrDuplicate)
		}
	}
	stamp(&g.CreatedAt, &g.UpdatedAt)
	m.t.gifts[g.ID] = *g
	return nil
}

func (m *Memory) SaveGift(_ context.Context, g *models.GiftSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stamp(&g.CreatedAt, &g.UpdatedAt)
	m.t.gifts[g.ID] = *g
	return nil
}

func (m *Memory) GetGift(_ context.Context, id string) (*models.GiftSubscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.t.gifts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &g, nil
}

func (m *Memory) ClaimGift(_ context.Context, id, userID, subscriptionID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.t.gifts[id]
	if !ok || g.Claimed {
		return false, nil
	}
	g.Claimed = true
	g.ClaimedByUserID = &userID
	g.ClaimedAt = &at
	g.SubscriptionID = &subscriptionID
	g.UpdatedAt = time.Now()
	m.t.gifts[id] = g
	return true, nil
}

func (m *Memory) GetGiftByKey(_ context.Context, key string) (*models.GiftSubscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, g := range m.t.gifts {
		if g.Key == key {
			return &g, nil
		}
	}
	return nil, ErrNotFound
}

// Accounts

func (m *Memory) GetAccount(_ context.Context, id string) (*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.t.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (m *Memory) GetAccountByEmail(_ context.Context, email string) (*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.t.accounts {
		if strings.EqualFold(a.Email, email) {
			return &a, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) SaveAccount(_ context.Context, a *models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stamp(&a.CreatedAt, &a.UpdatedAt)
	m.t.accounts[a.ID] = *a
	return nil
}

func (m *Memory) CreateEmailLog(_ context.Context, log *models.EmailLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if log.ID == "" {
		log.ID = tool.GenerateUUIDV7()
	}
	stamp(&log.CreatedAt, nil)
	m.t.emailLogs = append(m.t.emailLogs, *log)
	return nil
}

// EmailLogs returns a copy of all recorded email logs.
func (m *Memory) EmailLogs() []models.EmailLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.t.emailLogs)
}

func (m *Memory) CreateGatewayNotificationLog(_ context.Context, log *models.GatewayNotificationLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if log.ID == "" {
		log.ID = tool.GenerateUUIDV7()
	}
	stamp(&log.CreatedAt, nil)
	m.t.notifLogs = append(m.t.notifLogs, *log)
	return nil
}

// GatewayNotificationLogs returns a copy of all recorded gateway notifications.
func (m *Memory) GatewayNotificationLogs() []models.GatewayNotificationLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.t.notifLogs)
}
