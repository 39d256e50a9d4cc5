package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fatflowers/billing/internal/models"
	cfgpkg "github.com/fatflowers/billing/pkg/config"
	"github.com/fatflowers/billing/pkg/logctx"
	"github.com/fatflowers/billing/pkg/types"
)

// Card charges stored or freshly tokenized cards through an external processor's
// JSON API. Without a PaymentToken the processor charges the card vaulted for
// the customer reference, which is how renewals are billed.
type Card struct {
	endpoint string
	apiKey   string
	client   *http.Client
	log      *zap.SugaredLogger
}

func NewCard(cfg *cfgpkg.Config, log *zap.SugaredLogger) *Card {
	timeout := cfg.Gateways.Card.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Card{
		endpoint: strings.TrimRight(cfg.Gateways.Card.Endpoint, "/"),
		apiKey:   cfg.Gateways.Card.APIKey,
		client:   &http.Client{Timeout: timeout},
		log:      log,
	}
}

func (*Card) Key() types.GatewayKey { return types.GatewayCard }
func (*Card) Mutable() bool         { return true }
func (*Card) Recurring() bool       { return true }

type cardLineItem struct {
	Description string `json:"description"`
	Amount      string `json:"amount"`
}

type cardChargeRequest struct {
	IdempotencyKey    string         `json:"idempotency_key"`
	CustomerReference string         `json:"customer_reference"`
	Descriptor        string         `json:"descriptor"`
	Amount            string         `json:"amount"`
	Currency          string         `json:"currency"`
	PaymentToken      string         `json:"payment_token,omitempty"`
	DeviceData        string         `json:"device_data,omitempty"`
	Capture           bool           `json:"capture"`
	LineItems         []cardLineItem `json:"line_items"`
}

type cardChargeResponse struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Amount  string `json:"amount"`
}

type cardRefundRequest struct {
	ChargeID string `json:"charge_id"`
	Amount   string `json:"amount"`
}

func (c *Card) Execute(ctx context.Context, req *ExecuteRequest) (*Result, error) {
	if c.endpoint == "" {
		return nil, fmt.Errorf("%w: card endpoint is empty", ErrNotConfigured)
	}
	total := req.Total()
	body := cardChargeRequest{
		IdempotencyKey:    req.Reference,
		CustomerReference: req.UserID,
		Descriptor:        req.Merchant.Name,
		Amount:            total.StringFixed(2),
		Currency:          req.Currency,
		PaymentToken:      req.PaymentToken,
		DeviceData:        req.DeviceData,
		// voidable charges are authorized only and captured by the processor later
		Capture: !req.Voidable,
		LineItems: lo.Map(req.LineItems, func(li models.LineItem, _ int) cardLineItem {
			return cardLineItem{Description: li.Description, Amount: li.Amount.StringFixed(2)}
		}),
	}

	var resp cardChargeResponse
	status, err := c.post(ctx, "/charges", body, &resp)
	if err != nil {
		return nil, fmt.Errorf("failed to execute card charge: %w", err)
	}

	log := logctx.FromCtx(ctx, c.log)
	if status >= http.StatusInternalServerError {
		return nil, fmt.Errorf("card processor returned status %d: %s", status, resp.Message)
	}
	if resp.Status != "succeeded" {
		log.Infow("card charge declined", "reference", req.Reference, "status", resp.Status, "message", resp.Message)
		msg := resp.Message
		if msg == "" {
			msg = "The card was declined."
		}
		return &Result{Success: false, Message: msg, GatewayTransactionID: resp.ID}, nil
	}

	amount := total
	if resp.Amount != "" {
		if parsed, err := decimal.NewFromString(resp.Amount); err == nil {
			amount = parsed
		}
	}
	log.Infow("card charge succeeded", "reference", req.Reference, "charge_id", resp.ID, "amount", amount.StringFixed(2))
	return &Result{Success: true, GatewayTransactionID: resp.ID, Amount: amount}, nil
}

func (c *Card) Refund(ctx context.Context, gatewayTransactionID string, amount decimal.Decimal) error {
	if c.endpoint == "" {
		return fmt.Errorf("%w: card endpoint is empty", ErrNotConfigured)
	}
	var resp cardChargeResponse
	status, err := c.post(ctx, "/refunds", cardRefundRequest{ChargeID: gatewayTransactionID, Amount: amount.StringFixed(2)}, &resp)
	if err != nil {
		return fmt.Errorf("failed to refund card charge %s: %w", gatewayTransactionID, err)
	}
	if status >= http.StatusBadRequest || resp.Status != "succeeded" {
		return fmt.Errorf("card refund for %s rejected (status %d): %s", gatewayTransactionID, status, resp.Message)
	}
	return nil
}

func (c *Card) post(ctx context.Context, path string, in, out any) (int, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return 0, fmt.Errorf("failed to encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return 0, err
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return httpResp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return httpResp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return httpResp.StatusCode, nil
}
