package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	mw "github.com/fatflowers/billing/internal/app/api/middleware"
	"github.com/fatflowers/billing/internal/app/store"
	"github.com/fatflowers/billing/pkg/response"
	"github.com/fatflowers/billing/pkg/types"
)

// mustUser returns the caller or writes an unauthorized envelope.
func mustUser(c *gin.Context) (types.User, bool) {
	u, ok := mw.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeUnauthorized, "no user in request"))
	}
	return u, ok
}

func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
		return false
	}
	return true
}

// reply writes data, or err mapped onto the envelope with store.ErrNotFound as not found.
func reply[T any](c *gin.Context, data T, err error) {
	if err != nil {
		c.JSON(http.StatusOK, response.FromError(err, store.ErrNotFound))
		return
	}
	c.JSON(http.StatusOK, response.OKT(data))
}
