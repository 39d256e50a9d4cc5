package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fatflowers/billing/pkg/logctx"
)

const (
	HeaderRequestID = "X-Request-ID"
	ginTraceIDKey   = "traceID"
	// maxTraceIDLen keeps trace ids within the trace_id log columns.
	maxTraceIDLen = 64
)

// TraceMiddleware tags the request with the caller's X-Request-ID, or a fresh
// UUID when it is missing or too long, and echoes it in the response.
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(HeaderRequestID)
		if traceID == "" || len(traceID) > maxTraceIDLen {
			traceID = uuid.New().String()
		}

		c.Set(ginTraceIDKey, traceID)
		c.Request = c.Request.WithContext(logctx.WithTraceID(c.Request.Context(), traceID))
		c.Writer.Header().Set(HeaderRequestID, traceID)
		c.Next()
	}
}
