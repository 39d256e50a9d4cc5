package middleware

import (
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt"
	"go.uber.org/zap"

	"github.com/fatflowers/billing/pkg/logctx"
	"github.com/fatflowers/billing/pkg/response"
	"github.com/fatflowers/billing/pkg/types"
)

// AdminClaims is the payload of an operator's bearer token.
type AdminClaims struct {
	Email string   `json:"email"`
	Roles []string `json:"roles"`
	jwt.StandardClaims
}

// Operator is the admin user behind a verified bearer token.
type Operator struct {
	Subject string
	Email   string
	Roles   []string
}

func (o *Operator) GetID() string            { return o.Subject }
func (o *Operator) GetEmail() string         { return o.Email }
func (o *Operator) GetUsername() string      { return o.Subject }
func (o *Operator) HasRole(role string) bool { return slices.Contains(o.Roles, role) }

// AdminAuth accepts HS256 bearer tokens signed with secret whose roles include admin.
// With an empty secret every request is rejected.
func AdminAuth(secret string, base *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		op, err := parseAdminToken(c.GetHeader("Authorization"), secret)
		if err != nil {
			logctx.FromGin(c, base).Warnw("admin auth rejected", "error", err)
			c.AbortWithStatusJSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeUnauthorized, "invalid admin token"))
			return
		}
		setUser(c, op, base)
		c.Next()
	}
}

func parseAdminToken(header, secret string) (*Operator, error) {
	if secret == "" {
		return nil, fmt.Errorf("admin auth is not configured")
	}
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return nil, fmt.Errorf("missing bearer token")
	}
	var claims AdminClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	op := &Operator{Subject: claims.Subject, Email: claims.Email, Roles: claims.Roles}
	if !op.HasRole(types.RoleAdmin) {
		return nil, fmt.Errorf("subject %s is not an admin", claims.Subject)
	}
	return op, nil
}
