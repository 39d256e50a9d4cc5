package handlers

import (
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/fatflowers/billing/internal/app/service/account"
	"github.com/fatflowers/billing/internal/app/service/gift"
	"github.com/fatflowers/billing/internal/app/service/statistics"
	"github.com/fatflowers/billing/internal/app/service/subscription"
	"github.com/fatflowers/billing/internal/app/service/transaction"
	"github.com/fatflowers/billing/internal/app/service/voucher"
	"github.com/fatflowers/billing/internal/app/store"
	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/types"
)

// @Summary      Scan transactions (Admin)
// @Description  Retrieves a paginated and filterable list of transactions.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Security     AdminBearer
// @Param        request body store.ScanTransactionsRequest true "Filters, pagination and sorting"
// @Success      200  {object}  handlers.RespScanTransactions
// @Router       /api/v1/admin/transactions/scan [post]
func ApiScanTransactions(mgr transaction.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req store.ScanTransactionsRequest
		if !bind(c, &req) {
			return
		}
		res, err := mgr.Scan(c.Request.Context(), &req)
		reply(c, res, err)
	}
}

// @Summary      Get transaction (Admin)
// @Tags         Admin
// @Produce      json
// @Security     AdminBearer
// @Param        id path string true "Transaction ID"
// @Success      200  {object}  handlers.RespTransactionDetail
// @Router       /api/v1/admin/transactions/{id} [get]
func ApiGetTransaction(mgr transaction.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := mgr.Get(c.Request.Context(), c.Param("id"))
		reply(c, res, err)
	}
}

// @Summary      Refund transaction (Admin)
// @Description  Refunds a successful charge through its gateway and optionally ends the subscription it paid for.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Security     AdminBearer
// @Param        request body subscription.RefundRequest true "Refund request"
// @Success      200  {object}  handlers.RespTransaction
// @Router       /api/v1/admin/transactions/refund [post]
func ApiRefundTransaction(mgr transaction.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req subscription.RefundRequest
		if !bind(c, &req) {
			return
		}
		res, err := mgr.Refund(c.Request.Context(), &req)
		reply(c, res, err)
	}
}

// @Summary      Import App Store transaction (Admin)
// @Description  Looks up a transaction with the App Store Server API and records its subscription.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Security     AdminBearer
// @Param        request body transaction.ImportAppleRequest true "App Store transaction"
// @Success      200  {object}  handlers.RespSubscription
// @Router       /api/v1/admin/transactions/import_apple [post]
func ApiImportAppleTransaction(mgr transaction.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req transaction.ImportAppleRequest
		if !bind(c, &req) {
			return
		}
		res, err := mgr.ImportApple(c.Request.Context(), &req)
		reply(c, res, err)
	}
}

// @Summary      Billing statistics (Admin)
// @Description  Daily charge counts, revenue in cents and subscription counts.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Security     AdminBearer
// @Param        request body statistics.Request true "Statistics and filters"
// @Success      200  {object}  handlers.RespStatistics
// @Router       /api/v1/admin/statistics [post]
func ApiGetStatistics(svc *statistics.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req statistics.Request
		if !bind(c, &req) {
			return
		}
		res, err := svc.GetStatistics(c.Request.Context(), &req)
		reply(c, res, err)
	}
}

// @Summary      Complimentary subscriptions (Admin)
// @Description  Issues a gift for every address in emails and sends each recipient its code.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Security     AdminBearer
// @Param        request body gift.ComplimentaryRequest true "Grant and recipients"
// @Success      200  {object}  handlers.RespComplimentary
// @Router       /api/v1/admin/gifts/complimentary [post]
func ApiCreateComplimentary(svc *gift.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req gift.ComplimentaryRequest
		if !bind(c, &req) {
			return
		}
		res, err := svc.CreateComplimentarySubscriptions(c.Request.Context(), &req)
		reply(c, res, err)
	}
}

// @Summary      Resend gift email (Admin)
// @Tags         Admin
// @Produce      json
// @Security     AdminBearer
// @Param        id path string true "Gift ID"
// @Success      200  {object}  handlers.RespOK
// @Router       /api/v1/admin/gifts/{id}/resend [post]
func ApiAdminResendGift(svc *gift.Service) gin.HandlerFunc {
	return ApiResendGift(svc)
}

// @Summary      Create voucher (Admin)
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Security     AdminBearer
// @Param        request body voucher.CreateRequest true "Voucher"
// @Success      200  {object}  handlers.RespVoucher
// @Router       /api/v1/admin/vouchers [post]
func ApiCreateVoucher(svc *voucher.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req voucher.CreateRequest
		if !bind(c, &req) {
			return
		}
		res, err := svc.Create(c.Request.Context(), &req)
		reply(c, res, err)
	}
}

// AccountDetail is an account with every subscription it ever had.
type AccountDetail struct {
	Account       *models.Account        `json:"account"`
	Subscriptions []*models.Subscription `json:"subscriptions"`
}

// @Summary      Find account (Admin)
// @Description  Looks an account up by email and lists its subscriptions.
// @Tags         Admin
// @Produce      json
// @Security     AdminBearer
// @Param        email query string true "Account email"
// @Success      200  {object}  handlers.RespAccountDetail
// @Router       /api/v1/admin/accounts [get]
func ApiFindAccount(accounts *account.Service, subs *subscription.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		email := c.Query("email")
		if email == "" {
			reply[any](c, nil, types.NewValidationError("An email address is required."))
			return
		}
		ctx := c.Request.Context()
		acc, err := accounts.GetByEmail(ctx, email)
		if err != nil {
			reply[any](c, nil, err)
			return
		}
		list, err := subs.ListUser(ctx, acc.ID)
		if err != nil {
			reply[any](c, nil, fmt.Errorf("failed to list subscriptions: %w", err))
			return
		}
		reply(c, &AccountDetail{Account: acc, Subscriptions: list}, nil)
	}
}

type AdminServices struct {
	Accounts      *account.Service
	Subscriptions *subscription.Service
	Transactions  transaction.Manager
	Statistics    *statistics.Service
	Gifts         *gift.Service
	Vouchers      *voucher.Service
}

func RegisterAdminRoutes(r gin.IRouter, s AdminServices) {
	r.GET("/accounts", ApiFindAccount(s.Accounts, s.Subscriptions))
	r.POST("/transactions/scan", ApiScanTransactions(s.Transactions))
	r.POST("/transactions/refund", ApiRefundTransaction(s.Transactions))
	r.POST("/transactions/import_apple", ApiImportAppleTransaction(s.Transactions))
	r.GET("/transactions/:id", ApiGetTransaction(s.Transactions))
	r.POST("/statistics", ApiGetStatistics(s.Statistics))
	r.POST("/gifts/complimentary", ApiCreateComplimentary(s.Gifts))
	r.POST("/gifts/:id/resend", ApiAdminResendGift(s.Gifts))
	r.POST("/vouchers", ApiCreateVoucher(s.Vouchers))
}
