package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fatflowers/billing/internal/app/store"
	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/logctx"
	"github.com/fatflowers/billing/pkg/response"
	"github.com/fatflowers/billing/pkg/types"
)

const (
	// HeaderUserID carries the id of the user authenticated by the upstream gateway.
	HeaderUserID = "X-User-ID"
	// HeaderVisitorID carries the anonymous visitor id set by the storefront.
	HeaderVisitorID = "X-Visitor-ID"

	ginUserKey = "user"
	// maxVisitorKeyLen keeps visitor owner keys within the cart owner column.
	maxVisitorKeyLen = 64
)

type AccountGetter interface {
	Get(ctx context.Context, id string) (*models.Account, error)
}

// UserContext loads the calling user's account and makes it available to
// handlers through CurrentUser. Requests without a known user are rejected.
func UserContext(accounts AccountGetter, base *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(HeaderUserID)
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeUnauthorized, "missing "+HeaderUserID))
			return
		}
		acc, err := accounts.Get(c.Request.Context(), userID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.AbortWithStatusJSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeUnauthorized, "unknown user"))
				return
			}
			logctx.FromGin(c, base).Errorw("failed to load account", "user_id", userID, "error", err)
			c.AbortWithStatusJSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		setUser(c, acc, base)
		c.Next()
	}
}

// ShopperContext is UserContext for routes anonymous visitors may use as well.
// Without X-User-ID the request shops as a types.Visitor keyed by X-Visitor-ID,
// or by the client IP when that header is missing or too long.
func ShopperContext(accounts AccountGetter, base *zap.SugaredLogger) gin.HandlerFunc {
	users := UserContext(accounts, base)
	return func(c *gin.Context) {
		if c.GetHeader(HeaderUserID) != "" {
			users(c)
			return
		}
		key := c.GetHeader(HeaderVisitorID)
		if key == "" || len(key) > maxVisitorKeyLen {
			key = c.ClientIP()
		}
		c.Set(ginUserKey, &types.Visitor{Key: key})
		setLogger(c, logctx.FromGin(c, base).With("visitor", key))
		c.Next()
	}
}

func setUser(c *gin.Context, u types.User, base *zap.SugaredLogger) {
	c.Set(ginUserKey, u)
	c.Request = c.Request.WithContext(logctx.WithUserID(c.Request.Context(), u.GetID()))
	setLogger(c, logctx.FromGin(c, base).With("user_id", u.GetID()))
}

// CurrentUser returns the user attached by UserContext or AdminAuth.
func CurrentUser(c *gin.Context) (types.User, bool) {
	v, ok := c.Get(ginUserKey)
	if !ok {
		return nil, false
	}
	u, ok := v.(types.User)
	return u, ok
}
