package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fatflowers/billing/internal/app/service/webhook"
	"github.com/fatflowers/billing/pkg/logctx"
	"github.com/fatflowers/billing/pkg/response"
	"github.com/fatflowers/billing/pkg/types"
)

// AppleNotificationRequest is the body App Store Server Notifications V2 are posted with.
type AppleNotificationRequest struct {
	SignedPayload string `json:"signedPayload" binding:"required"`
}

// @Summary      Apple Webhook
// @Description  Handles App Store Server Notifications V2. Import failures answer 500 so the App Store retries.
// @Tags         Webhook
// @Accept       json
// @Produce      json
// @Param        payload body handlers.AppleNotificationRequest true "Signed notification"
// @Success      200  {object}  handlers.RespWebhook
// @Router       /api/v1/webhooks/apple [post]
func ApiAppleWebhook(svc *webhook.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req AppleNotificationRequest
		if !bind(c, &req) {
			return
		}
		res, err := svc.HandleApple(c.Request.Context(), req.SignedPayload)
		if err != nil {
			if _, ok := types.AsValidationError(err); ok {
				c.JSON(http.StatusOK, response.FromError(err))
				return
			}
			logctx.FromGin(c, log).Errorw("webhook_apple_handle_error", "error", err)
			c.JSON(http.StatusInternalServerError, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

func RegisterWebhookRoutes(r gin.IRouter, svc *webhook.Service, log *zap.SugaredLogger) {
	r.POST("/apple", ApiAppleWebhook(svc, log))
}
