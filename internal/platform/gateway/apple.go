package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/awa/go-iap/appstore/api"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	cfgpkg "github.com/fatflowers/billing/pkg/config"
	"github.com/fatflowers/billing/pkg/types"
)

// AppleStoreClient is the subset of *api.StoreClient used to verify purchases.
type AppleStoreClient interface {
	GetTransactionInfo(ctx context.Context, transactionId string) (*api.TransactionInfoResponse, error)
	ParseSignedTransaction(transaction string) (*api.JWSTransaction, error)
}

// Apple represents App Store purchases. Apple bills and renews them itself, so
// their subscriptions are immutable here and can only be imported.
type Apple struct {
	client AppleStoreClient
	isProd bool
}

func NewApple(cfg *cfgpkg.Config) *Apple {
	ac := cfg.Gateways.Apple
	if ac.KeyID == "" || ac.KeyContent == "" {
		return &Apple{isProd: ac.IsProd}
	}
	return NewAppleWithClient(api.NewStoreClient(&api.StoreConfig{
		KeyContent: []byte(ac.KeyContent),
		KeyID:      ac.KeyID,
		BundleID:   ac.BundleID,
		Issuer:     ac.Issuer,
		Sandbox:    !ac.IsProd,
	}), ac.IsProd)
}

func NewAppleWithClient(client AppleStoreClient, isProd bool) *Apple {
	return &Apple{client: client, isProd: isProd}
}

func (*Apple) Key() types.GatewayKey { return types.GatewayApple }
func (*Apple) Mutable() bool         { return false }
func (*Apple) Recurring() bool       { return false }

func (*Apple) Execute(context.Context, *ExecuteRequest) (*Result, error) {
	return nil, fmt.Errorf("%w: apple purchases happen in the App Store", ErrUnsupported)
}

func (*Apple) Refund(context.Context, string, decimal.Decimal) error {
	return fmt.Errorf("%w: apple refunds are issued by Apple", ErrUnsupported)
}

// AppleTransaction is a verified App Store transaction.
type AppleTransaction struct {
	TransactionID         string
	OriginalTransactionID string
	ProductID             string
	UserID                string
	AutoRenewable         bool
	PurchasedAt           time.Time
	ExpiresAt             *time.Time
	RevokedAt             *time.Time
	Amount                decimal.Decimal
	Currency              string
}

// Verify fetches and checks a transaction from the App Store Server API.
func (a *Apple) Verify(ctx context.Context, transactionID string) (*AppleTransaction, error) {
	if a.client == nil {
		return nil, fmt.Errorf("%w: apple store credentials are missing", ErrNotConfigured)
	}
	infoResp, err := a.client.GetTransactionInfo(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction info: %w", err)
	}
	ti, err := a.client.ParseSignedTransaction(infoResp.SignedTransactionInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signed transaction: %w", err)
	}
	if a.isProd && ti.Environment != api.Production {
		return nil, fmt.Errorf("transaction is not in production environment")
	}
	if ti.Type != api.AutoRenewable && ti.Type != api.NonRenewable {
		return nil, fmt.Errorf("unsupported transaction type: %s", ti.Type)
	}
	if ti.AppAccountToken == "" {
		return nil, fmt.Errorf("app account token is empty")
	}
	userID, err := UUIDToUserID(ti.AppAccountToken)
	if err != nil {
		return nil, fmt.Errorf("invalid app account token: %w", err)
	}

	res := &AppleTransaction{
		TransactionID:         ti.TransactionID,
		OriginalTransactionID: ti.OriginalTransactionId,
		ProductID:             ti.ProductID,
		UserID:                userID,
		AutoRenewable:         ti.Type == api.AutoRenewable,
		PurchasedAt:           time.UnixMilli(int64(ti.PurchaseDate)),
		// App Store prices are reported in milli-units.
		Amount:   decimal.New(ti.Price, -3),
		Currency: ti.Currency,
	}
	if res.OriginalTransactionID == "" {
		res.OriginalTransactionID = ti.TransactionID
	}
	if ti.ExpiresDate > 0 {
		res.ExpiresAt = lo.ToPtr(time.UnixMilli(int64(ti.ExpiresDate)))
	} else if res.AutoRenewable {
		return nil, fmt.Errorf("auto renew transaction expires date is 0")
	}
	if ti.RevocationDate > 0 {
		res.RevokedAt = lo.ToPtr(time.UnixMilli(int64(ti.RevocationDate)))
	}
	return res, nil
}
