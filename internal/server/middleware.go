package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	headerRequestID     = "X-Request-Id"
	headerTraceID       = "X-Trace-Id"
	requestIDContextKey = "vocabloop_request_id"
	traceIDContextKey   = "vocabloop_trace_id"
)

// attachRequestContext assigns request and trace identifiers and echoes them in response headers.
func attachRequestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.GetHeader(headerRequestID))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		traceID := ""
		if spanContext := trace.SpanContextFromContext(c.Request.Context()); spanContext.HasTraceID() {
			traceID = spanContext.TraceID().String()
		}
		c.Set(requestIDContextKey, requestID)
		c.Writer.Header().Set(headerRequestID, requestID)
		if traceID != "" {
			c.Set(traceIDContextKey, traceID)
			c.Writer.Header().Set(headerTraceID, traceID)
		}
		c.Next()
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startedAt := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(startedAt)),
			zap.String("request_id", c.GetString(requestIDContextKey)),
		}
		if traceID := c.GetString(traceIDContextKey); traceID != "" {
			fields = append(fields, zap.String("trace_id", traceID))
		}

		switch {
		case status >= http.StatusInternalServerError:
			logger.Error("http request", fields...)
		case status >= http.StatusBadRequest:
			logger.Warn("http request", fields...)
		default:
			logger.Info("http request", fields...)
		}
	}
}

// corsMiddleware allows the listed origins. A "*" entry opens the API to every origin
// without credentials; explicit origins may send the session cookie.
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type", headerRequestID},
		ExposeHeaders: []string{headerRequestID, headerTraceID},
		MaxAge:        12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			config.AllowAllOrigins = true
			return cors.New(config)
		}
		if origin != "" {
			origins = append(origins, origin)
		}
	}
	if len(origins) == 0 {
		config.AllowAllOrigins = true
		return cors.New(config)
	}
	config.AllowOrigins = origins
	config.AllowCredentials = true
	return cors.New(config)
}
