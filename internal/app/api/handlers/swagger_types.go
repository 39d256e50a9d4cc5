package handlers

import (
	"github.com/fatflowers/billing/internal/app/service/cart"
	"github.com/fatflowers/billing/internal/app/service/gift"
	"github.com/fatflowers/billing/internal/app/service/statistics"
	"github.com/fatflowers/billing/internal/app/service/transaction"
	"github.com/fatflowers/billing/internal/app/service/webhook"
	"github.com/fatflowers/billing/internal/app/store"
	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/response"
)

// Envelope types below exist for swagger documentation only.

// RespOK is a generic OK envelope for endpoints returning no specific data.
// Validation failures use the same shape with code 40000 and a list of messages as data.
type RespOK struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    interface{}              `json:"data"`
}

type RespStatus struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    map[string]string        `json:"data"`
}

type RespCart struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    models.Cart              `json:"data"`
}

type RespCheckout struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    cart.CheckoutResult      `json:"data"`
}

type RespAccount struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    models.Account           `json:"data"`
}

type RespAccountDetail struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    AccountDetail            `json:"data"`
}

type RespSubscription struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    models.Subscription      `json:"data"`
}

type RespSubscriptions struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    []models.Subscription    `json:"data"`
}

type RespScanTransactions struct {
	Code    response.APIResponseCode       `json:"code"`
	Message string                         `json:"message"`
	Data    store.ScanTransactionsResponse `json:"data"`
}

type RespTransaction struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    models.Transaction       `json:"data"`
}

type RespTransactionDetail struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    transaction.Detail       `json:"data"`
}

type RespStatistics struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    statistics.Response      `json:"data"`
}

type RespComplimentary struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    gift.ComplimentaryResult `json:"data"`
}

type RespVoucher struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    models.VoucherCode       `json:"data"`
}

type RespWebhook struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    webhook.Result           `json:"data"`
}
