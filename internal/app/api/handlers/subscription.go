package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fatflowers/billing/internal/app/service/account"
	"github.com/fatflowers/billing/internal/app/service/subscription"
	"github.com/fatflowers/billing/pkg/response"
)

// @Summary      Current account
// @Description  Returns the caller's account with its derived plan and access window.
// @Tags         Subscription
// @Produce      json
// @Param        X-User-ID header string true "User ID"
// @Success      200  {object}  handlers.RespAccount
// @Router       /api/v1/me [get]
func ApiGetMe(svc *account.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := mustUser(c)
		if !ok {
			return
		}
		res, err := svc.Get(c.Request.Context(), user.GetID())
		reply(c, res, err)
	}
}

// @Summary      List subscriptions
// @Tags         Subscription
// @Produce      json
// @Param        X-User-ID header string true "User ID"
// @Success      200  {object}  handlers.RespSubscriptions
// @Router       /api/v1/subscriptions [get]
func ApiListSubscriptions(svc *subscription.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := mustUser(c)
		if !ok {
			return
		}
		res, err := svc.ListUser(c.Request.Context(), user.GetID())
		reply(c, res, err)
	}
}

// @Summary      Cancel subscription
// @Description  Stops renewal. Access lasts until the paid period ends.
// @Tags         Subscription
// @Produce      json
// @Param        X-User-ID header string true "User ID"
// @Param        id path string true "Subscription ID"
// @Success      200  {object}  handlers.RespSubscription
// @Router       /api/v1/subscriptions/{id}/cancel [post]
func ApiCancelSubscription(svc *subscription.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := mustUser(c)
		if !ok {
			return
		}
		res, err := svc.Cancel(c.Request.Context(), user, c.Param("id"))
		if errors.Is(err, subscription.ErrAlreadyEnded) || errors.Is(err, subscription.ErrGatewayImmutable) {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		reply(c, res, err)
	}
}

func RegisterSubscriptionRoutes(r gin.IRouter, subs *subscription.Service, accounts *account.Service) {
	r.GET("/me", ApiGetMe(accounts))
	r.GET("/subscriptions", ApiListSubscriptions(subs))
	r.POST("/subscriptions/:id/cancel", ApiCancelSubscription(subs))
}
