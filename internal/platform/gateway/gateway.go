// Package gateway defines the payment gateway contract and its implementations.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/shopspring/decimal"
	"go.uber.org/fx"

	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/types"
)

var (
	ErrUnknownGateway = errors.New("unknown payment gateway")
	ErrUnsupported    = errors.New("operation not supported by gateway")
	ErrNotConfigured  = errors.New("gateway not configured")
)

type MerchantInfo struct {
	Name string
}

// ExecuteRequest is one charge. Reference is our transaction id and doubles as
// the processor idempotency key.
type ExecuteRequest struct {
	Reference    string
	UserID       string
	Merchant     MerchantInfo
	Currency     string
	LineItems    []models.LineItem
	PaymentToken string
	DeviceData   string
	// Voidable asks the processor to authorize so the charge can be voided if our commit fails.
	Voidable bool
}

func (r *ExecuteRequest) Total() decimal.Decimal {
	total := decimal.Zero
	for _, li := range r.LineItems {
		total = total.Add(li.Amount)
	}
	return types.RoundMoney(total)
}

// Result is the processor outcome. A declined charge is Success == false with
// a user-presentable Message, not an error.
type Result struct {
	Success              bool
	Message              string
	GatewayTransactionID string
	Amount               decimal.Decimal
}

type Gateway interface {
	Key() types.GatewayKey
	// Mutable gateways let the system end or reshape their subscriptions.
	Mutable() bool
	// Recurring gateways can be charged by the scheduler without the user present.
	Recurring() bool
	Execute(ctx context.Context, req *ExecuteRequest) (*Result, error)
	Refund(ctx context.Context, gatewayTransactionID string, amount decimal.Decimal) error
}

type Registry struct {
	gateways map[types.GatewayKey]Gateway
}

func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[types.GatewayKey]Gateway, len(gateways))}
	for _, g := range gateways {
		r.gateways[g.Key()] = g
	}
	return r
}

func (r *Registry) Get(key types.GatewayKey) (Gateway, error) {
	g, ok := r.gateways[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGateway, key)
	}
	return g, nil
}

// Of returns the gateway a record was paid through.
func (r *Registry) Of(v types.HasGateway) (Gateway, error) {
	return r.Get(v.GetGatewayKey())
}

func (r *Registry) IsMutable(key types.GatewayKey) bool {
	g, ok := r.gateways[key]
	return ok && g.Mutable()
}

func (r *Registry) IsRecurring(key types.GatewayKey) bool {
	g, ok := r.gateways[key]
	return ok && g.Recurring()
}

func (r *Registry) RecurringKeys() []types.GatewayKey {
	var keys []types.GatewayKey
	for k, g := range r.gateways {
		if g.Recurring() {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

func newRegistry(card *Card, free *Free, apple *Apple) *Registry {
	return NewRegistry(card, free, apple)
}

var Module = fx.Options(
	fx.Provide(NewCard, NewFree, NewApple, NewAppleNotificationVerifier, newRegistry),
)
