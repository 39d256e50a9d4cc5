package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/fatflowers/billing/internal/app/service/cart"
)

type UpdateVoucherRequest struct {
	// Code is the voucher to apply; empty removes the current one.
	Code string `json:"code"`
}

// @Summary      Get cart
// @Description  Returns the caller's open cart with the price recomputed for now.
// @Tags         Cart
// @Produce      json
// @Param        X-User-ID header string false "User ID"
// @Param        X-Visitor-ID header string false "Anonymous visitor ID, used when X-User-ID is absent"
// @Success      200  {object}  handlers.RespCart
// @Router       /api/v1/cart [get]
func ApiGetCart(svc *cart.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := mustUser(c)
		if !ok {
			return
		}
		res, err := svc.GetOrCreate(c.Request.Context(), user)
		reply(c, res, err)
	}
}

// @Summary      Select plan
// @Description  Sets the plan and billing cycle to buy. Credit for an existing subscription is applied automatically.
// @Tags         Cart
// @Accept       json
// @Produce      json
// @Param        X-User-ID header string false "User ID"
// @Param        X-Visitor-ID header string false "Anonymous visitor ID, used when X-User-ID is absent"
// @Param        request body cart.UpdatePurchaseRequest true "Plan selection"
// @Success      200  {object}  handlers.RespCart
// @Router       /api/v1/cart/purchase [post]
func ApiUpdateCartPurchase(svc *cart.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := mustUser(c)
		if !ok {
			return
		}
		var req cart.UpdatePurchaseRequest
		if !bind(c, &req) {
			return
		}
		res, err := svc.UpdateSubscriptionPurchase(c.Request.Context(), user, &req)
		reply(c, res, err)
	}
}

// @Summary      Apply voucher
// @Tags         Cart
// @Accept       json
// @Produce      json
// @Param        X-User-ID header string false "User ID"
// @Param        X-Visitor-ID header string false "Anonymous visitor ID, used when X-User-ID is absent"
// @Param        request body handlers.UpdateVoucherRequest true "Voucher code"
// @Success      200  {object}  handlers.RespCart
// @Router       /api/v1/cart/voucher [post]
func ApiUpdateCartVoucher(svc *cart.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := mustUser(c)
		if !ok {
			return
		}
		var req UpdateVoucherRequest
		if !bind(c, &req) {
			return
		}
		res, err := svc.UpdateVoucherCode(c.Request.Context(), user, req.Code)
		reply(c, res, err)
	}
}

// @Summary      Gift options
// @Description  Turns the cart into a gift purchase, or back into a purchase for the caller.
// @Tags         Cart
// @Accept       json
// @Produce      json
// @Param        X-User-ID header string false "User ID"
// @Param        X-Visitor-ID header string false "Anonymous visitor ID, used when X-User-ID is absent"
// @Param        request body cart.UpdateGiftRequest true "Gift options"
// @Success      200  {object}  handlers.RespCart
// @Router       /api/v1/cart/gift [post]
func ApiUpdateCartGift(svc *cart.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := mustUser(c)
		if !ok {
			return
		}
		var req cart.UpdateGiftRequest
		if !bind(c, &req) {
			return
		}
		res, err := svc.UpdateGift(c.Request.Context(), user, &req)
		reply(c, res, err)
	}
}

// @Summary      Checkout
// @Description  Charges the cart. expected_price must equal the price the caller was shown. Visitors may only check out gifts.
// @Tags         Cart
// @Accept       json
// @Produce      json
// @Param        X-User-ID header string false "User ID"
// @Param        X-Visitor-ID header string false "Anonymous visitor ID, used when X-User-ID is absent"
// @Param        request body cart.CheckoutRequest true "Payment details"
// @Success      200  {object}  handlers.RespCheckout
// @Router       /api/v1/cart/checkout [post]
func ApiCheckout(svc *cart.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := mustUser(c)
		if !ok {
			return
		}
		var req cart.CheckoutRequest
		if !bind(c, &req) {
			return
		}
		res, err := svc.Checkout(c.Request.Context(), user, &req)
		reply(c, res, err)
	}
}

func RegisterCartRoutes(r gin.IRouter, svc *cart.Service) {
	r.GET("", ApiGetCart(svc))
	r.POST("/purchase", ApiUpdateCartPurchase(svc))
	r.POST("/voucher", ApiUpdateCartVoucher(svc))
	r.POST("/gift", ApiUpdateCartGift(svc))
	r.POST("/checkout", ApiCheckout(svc))
}
