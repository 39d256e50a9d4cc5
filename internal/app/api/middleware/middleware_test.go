package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fatflowers/billing/internal/app/store"
	"github.com/fatflowers/billing/internal/models"
	"github.com/fatflowers/billing/pkg/logctx"
	"github.com/fatflowers/billing/pkg/response"
	"github.com/fatflowers/billing/pkg/types"
)

type accountsFunc func(ctx context.Context, id string) (*models.Account, error)

func (f accountsFunc) Get(ctx context.Context, id string) (*models.Account, error) { return f(ctx, id) }

func knownAccounts(accs ...*models.Account) accountsFunc {
	return func(_ context.Context, id string) (*models.Account, error) {
		for _, a := range accs {
			if a.ID == id {
				return a, nil
			}
		}
		if id == "broken" {
			return nil, errors.New("connection refused")
		}
		return nil, store.ErrNotFound
	}
}

func decode(t *testing.T, w *httptest.ResponseRecorder) response.APIResponse[any] {
	t.Helper()
	var body response.APIResponse[any]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(TraceMiddleware(), RequestLoggerMiddleware(zap.NewNop().Sugar()))
	r.Use(handlers...)
	r.GET("/me", func(c *gin.Context) {
		u, ok := CurrentUser(c)
		if !ok {
			c.JSON(http.StatusOK, response.OKT(""))
			return
		}
		c.JSON(http.StatusOK, response.OKT(u.GetID()))
	})
	return r
}

func TestTraceMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(TraceMiddleware())
	var seen string
	r.GET("/", func(c *gin.Context) { seen = logctx.TraceID(c.Request.Context()) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "trace-1")
	r.ServeHTTP(w, req)
	assert.Equal(t, "trace-1", seen)
	assert.Equal(t, "trace-1", w.Header().Get(HeaderRequestID))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.NotEqual(t, "trace-1", seen)
	assert.Equal(t, seen, w.Header().Get(HeaderRequestID))

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, strings.Repeat("x", maxTraceIDLen+1))
	r.ServeHTTP(w, req)
	assert.Len(t, seen, 36)
}

func TestAccessLogMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core).Sugar()
	r := gin.New()
	r.Use(TraceMiddleware(), RequestLoggerMiddleware(base), AccessLogMiddleware(base))
	r.GET("/status/:code", func(c *gin.Context) {
		switch c.Param("code") {
		case "500":
			c.Status(http.StatusInternalServerError)
		case "400":
			c.Status(http.StatusBadRequest)
		default:
			c.Status(http.StatusOK)
		}
	})

	tests := []struct {
		path      string
		wantLevel zapcore.Level
	}{
		{path: "/status/200", wantLevel: zapcore.InfoLevel},
		{path: "/status/400", wantLevel: zapcore.WarnLevel},
		{path: "/status/500", wantLevel: zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			logs.TakeAll()
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			req.Header.Set(HeaderRequestID, "trace-log")
			r.ServeHTTP(httptest.NewRecorder(), req)

			entries := logs.FilterMessage("http_access").All()
			require.Len(t, entries, 1)
			assert.Equal(t, tt.wantLevel, entries[0].Level)
			assert.Equal(t, "/status/:code", entries[0].ContextMap()["route"])
		})
	}
}

func TestUserContext(t *testing.T) {
	r := newRouter(UserContext(knownAccounts(&models.Account{ID: "u1"}), zap.NewNop().Sugar()))

	tests := []struct {
		name     string
		userID   string
		wantCode response.APIResponseCode
		wantData any
	}{
		{name: "known user", userID: "u1", wantCode: response.APIResponseCodeOK, wantData: "u1"},
		{name: "missing header", wantCode: response.APIResponseCodeUnauthorized},
		{name: "unknown user", userID: "ghost", wantCode: response.APIResponseCodeUnauthorized},
		{name: "lookup failure", userID: "broken", wantCode: response.APIResponseCodeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.userID != "" {
				req.Header.Set(HeaderUserID, tt.userID)
			}
			r.ServeHTTP(w, req)
			assert.Equal(t, http.StatusOK, w.Code)
			body := decode(t, w)
			assert.Equal(t, tt.wantCode, body.Code)
			if tt.wantData != nil {
				assert.Equal(t, tt.wantData, body.Data)
			}
		})
	}
}

func signAdmin(t *testing.T, secret string, claims AdminClaims, method jwt.SigningMethod) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestShopperContext(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(TraceMiddleware(), ShopperContext(knownAccounts(&models.Account{ID: "u1"}), zap.NewNop().Sugar()))
	r.GET("/who", func(c *gin.Context) {
		u, _ := CurrentUser(c)
		if v, ok := u.(*types.Visitor); ok {
			c.JSON(http.StatusOK, response.OKT("visitor:"+v.Key))
			return
		}
		c.JSON(http.StatusOK, response.OKT("user:"+u.GetID()))
	})

	tests := []struct {
		name     string
		headers  map[string]string
		wantCode response.APIResponseCode
		wantData any
	}{
		{name: "signed in", headers: map[string]string{HeaderUserID: "u1", HeaderVisitorID: "v1"}, wantCode: response.APIResponseCodeOK, wantData: "user:u1"},
		{name: "unknown user is not downgraded", headers: map[string]string{HeaderUserID: "ghost"}, wantCode: response.APIResponseCodeUnauthorized},
		{name: "visitor id", headers: map[string]string{HeaderVisitorID: "v1"}, wantCode: response.APIResponseCodeOK, wantData: "visitor:v1"},
		{name: "ip fallback", wantCode: response.APIResponseCodeOK, wantData: "visitor:192.0.2.1"},
		{name: "overlong visitor id", headers: map[string]string{HeaderVisitorID: strings.Repeat("v", maxVisitorKeyLen+1)}, wantCode: response.APIResponseCodeOK, wantData: "visitor:192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/who", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			r.ServeHTTP(w, req)
			body := decode(t, w)
			assert.Equal(t, tt.wantCode, body.Code)
			if tt.wantData != nil {
				assert.Equal(t, tt.wantData, body.Data)
			}
		})
	}
}

func TestAdminAuth(t *testing.T) {
	const secret = "s3cret"
	r := newRouter(AdminAuth(secret, zap.NewNop().Sugar()))
	valid := AdminClaims{
		Email:          "ops@example.com",
		Roles:          []string{"admin"},
		StandardClaims: jwt.StandardClaims{Subject: "op-1", ExpiresAt: time.Now().Add(time.Hour).Unix()},
	}
	notAdmin := valid
	notAdmin.Roles = []string{"support"}
	expired := valid
	expired.ExpiresAt = time.Now().Add(-time.Hour).Unix()

	tests := []struct {
		name     string
		header   string
		wantCode response.APIResponseCode
	}{
		{name: "valid", header: "Bearer " + signAdmin(t, secret, valid, jwt.SigningMethodHS256), wantCode: response.APIResponseCodeOK},
		{name: "no header", wantCode: response.APIResponseCodeUnauthorized},
		{name: "wrong secret", header: "Bearer " + signAdmin(t, "other", valid, jwt.SigningMethodHS256), wantCode: response.APIResponseCodeUnauthorized},
		{name: "not admin", header: "Bearer " + signAdmin(t, secret, notAdmin, jwt.SigningMethodHS256), wantCode: response.APIResponseCodeUnauthorized},
		{name: "expired", header: "Bearer " + signAdmin(t, secret, expired, jwt.SigningMethodHS256), wantCode: response.APIResponseCodeUnauthorized},
		{name: "not bearer", header: signAdmin(t, secret, valid, jwt.SigningMethodHS256), wantCode: response.APIResponseCodeUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			r.ServeHTTP(w, req)
			body := decode(t, w)
			assert.Equal(t, tt.wantCode, body.Code)
			if tt.wantCode == response.APIResponseCodeOK {
				assert.Equal(t, "op-1", body.Data)
			}
		})
	}
}

func TestAdminAuth_EmptySecretRejectsAll(t *testing.T) {
	r := newRouter(AdminAuth("", zap.NewNop().Sugar()))
	token := signAdmin(t, "", AdminClaims{Roles: []string{"admin"}, StandardClaims: jwt.StandardClaims{Subject: "op-1"}}, jwt.SigningMethodHS256)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)
	assert.Equal(t, response.APIResponseCodeUnauthorized, decode(t, w).Code)
}
