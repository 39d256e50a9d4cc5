package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/fatflowers/billing/internal/app/service/gift"
)

type RedeemGiftRequest struct {
	Key string `json:"key" binding:"required"`
}

// @Summary      Redeem gift
// @Description  Turns a gift code into a subscription for the caller.
// @Tags         Gift
// @Accept       json
// @Produce      json
// @Param        X-User-ID header string true "User ID"
// @Param        request body handlers.RedeemGiftRequest true "Gift code"
// @Success      200  {object}  handlers.RespSubscription
// @Router       /api/v1/gifts/redeem [post]
func ApiRedeemGift(svc *gift.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := mustUser(c)
		if !ok {
			return
		}
		var req RedeemGiftRequest
		if !bind(c, &req) {
			return
		}
		res, err := svc.Redeem(c.Request.Context(), user, req.Key)
		reply(c, res, err)
	}
}

// @Summary      Resend gift email
// @Description  Sends the recipient email again. Limited to once per resend interval and only before the gift is redeemed.
// @Tags         Gift
// @Produce      json
// @Param        X-User-ID header string true "User ID"
// @Param        id path string true "Gift ID"
// @Success      200  {object}  handlers.RespOK
// @Router       /api/v1/gifts/{id}/resend [post]
func ApiResendGift(svc *gift.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := mustUser(c)
		if !ok {
			return
		}
		err := svc.ResendRecipientEmail(c.Request.Context(), user, c.Param("id"))
		reply[any](c, nil, err)
	}
}

func RegisterGiftRoutes(r gin.IRouter, svc *gift.Service) {
	r.POST("/redeem", ApiRedeemGift(svc))
	r.POST("/:id/resend", ApiResendGift(svc))
}
