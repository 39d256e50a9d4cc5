package gateway

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/fatflowers/billing/pkg/tool"
	"github.com/fatflowers/billing/pkg/types"
)

// Free settles zero-amount orders such as redeemed gifts and complimentary grants.
type Free struct{}

func NewFree() *Free { return &Free{} }

func (Free) Key() types.GatewayKey { return types.GatewayFree }
func (Free) Mutable() bool         { return true }
func (Free) Recurring() bool       { return false }

func (Free) Execute(_ context.Context, req *ExecuteRequest) (*Result, error) {
	total := req.Total()
	if !total.IsZero() {
		return &Result{Success: false, Message: fmt.Sprintf("the free gateway cannot charge %s", types.FormatMoney(total))}, nil
	}
	return &Result{Success: true, GatewayTransactionID: "free_" + tool.GenerateUUIDV7(), Amount: decimal.Zero}, nil
}

func (Free) Refund(context.Context, string, decimal.Decimal) error {
	return nil
}
