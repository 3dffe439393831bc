package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/karryzhang/VocabLoop/internal/auth"
	"github.com/karryzhang/VocabLoop/internal/progress"
	"github.com/karryzhang/VocabLoop/internal/realtime"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

const (
	serviceName              = "vocabloop-api"
	accessTokenQueryKey      = "access_token"
	defaultHeartbeatInterval = 25 * time.Second
	timestampLayout          = "2006-01-02T15:04:05.000Z07:00"
)

var (
	errMissingSyncService   = errors.New("sync service dependency required")
	errMissingAuthenticator = errors.New("authenticator dependency required")
	errMissingTokenSource   = errors.New("token source dependency required")
	errMissingRealtime      = errors.New("realtime dispatcher dependency required")
)

// SyncService executes push, pull and merge requests.
type SyncService interface {
	Execute(ctx context.Context, request progress.Request) (progress.Result, error)
}

// TokenSource extracts a session token from the Authorization header or session cookie.
type TokenSource interface {
	TokenFromRequest(r *http.Request) string
}

// MetricsExporter serves the Prometheus exposition and tracks open event streams.
type MetricsExporter interface {
	Handler() http.Handler
	StreamOpened()
	StreamClosed()
}

type Dependencies struct {
	SyncService       SyncService
	Authenticator     progress.Authenticator
	Tokens            TokenSource
	Realtime          *realtime.Dispatcher
	Metrics           MetricsExporter
	StoreConfigured   bool
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SyncService == nil {
		return nil, errMissingSyncService
	}
	if deps.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenSource
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(attachRequestContext())
	router.Use(requestLogger(logger))
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		syncService:       deps.SyncService,
		authenticator:     deps.Authenticator,
		tokens:            deps.Tokens,
		realtime:          deps.Realtime,
		metrics:           deps.Metrics,
		storeConfigured:   deps.StoreConfigured,
		heartbeatInterval: heartbeat,
		logger:            logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/sync", handler.handleSync)
	router.GET("/sync/stream", handler.handleStream)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	return router, nil
}

type httpHandler struct {
	syncService       SyncService
	authenticator     progress.Authenticator
	tokens            TokenSource
	realtime          *realtime.Dispatcher
	metrics           MetricsExporter
	storeConfigured   bool
	heartbeatInterval time.Duration
	logger            *zap.Logger
}

type syncRequestPayload struct {
	Action string          `json:"action"`
	Token  string          `json:"token"`
	Data   json.RawMessage `json:"data"`
}

type syncResponsePayload struct {
	OK        bool            `json:"ok"`
	Data      json.RawMessage `json:"data,omitempty"`
	UpdatedAt *string         `json:"updatedAt,omitempty"`
	Version   int64           `json:"version,omitempty"`
	Message   string          `json:"message"`
}

type errorResponsePayload struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type healthResponsePayload struct {
	Status          string `json:"status"`
	StoreConfigured bool   `json:"storeConfigured"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponsePayload{Status: "ok", StoreConfigured: h.storeConfigured})
}

func (h *httpHandler) handleSync(c *gin.Context) {
	var request syncRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, errorResponsePayload{
			Error:   "invalid_request",
			Message: "request body must be a JSON object",
		})
		return
	}

	token := strings.TrimSpace(request.Token)
	if token == "" {
		token = h.tokens.TokenFromRequest(c.Request)
	}

	result, err := h.syncService.Execute(c.Request.Context(), progress.Request{
		Action: request.Action,
		Token:  token,
		Data:   request.Data,
	})
	if err != nil {
		status, payload := errorResponse(err)
		c.JSON(status, payload)
		return
	}

	c.JSON(http.StatusOK, successResponse(result))
}

func successResponse(result progress.Result) syncResponsePayload {
	response := syncResponsePayload{
		OK:      true,
		Version: result.Version,
		Message: result.Message,
	}
	switch {
	case result.Action == progress.ActionPull && !result.Found:
		response.Data = json.RawMessage("null")
	case len(result.Data) > 0:
		response.Data = result.Data
	}
	if !result.UpdatedAt.IsZero() {
		formatted := result.UpdatedAt.UTC().Format(timestampLayout)
		response.UpdatedAt = &formatted
	}
	return response
}

// errorResponse maps service failures onto HTTP statuses. Only the not-configured
// message describes the underlying problem.
func errorResponse(err error) (int, errorResponsePayload) {
	payload := errorResponsePayload{}
	var serviceErr *progress.ServiceError
	if errors.As(err, &serviceErr) {
		payload.Code = serviceErr.Code()
	}

	switch {
	case errors.Is(err, progress.ErrValidation):
		switch {
		case strings.HasSuffix(payload.Code, ".invalid_action"):
			payload.Error = "invalid_action"
			payload.Message = "action must be one of push, pull or merge"
		case strings.HasSuffix(payload.Code, ".invalid_data"):
			payload.Error = "invalid_data"
			payload.Message = "data must be a JSON object"
		default:
			payload.Error = "invalid_request"
			payload.Message = "request is invalid"
		}
		return http.StatusBadRequest, payload
	case errors.Is(err, progress.ErrAuthentication):
		payload.Error = "unauthorized"
		payload.Message = "authentication required"
		return http.StatusUnauthorized, payload
	case errors.Is(err, progress.ErrRateLimited):
		payload.Error = "rate_limited"
		payload.Message = "too many requests"
		return http.StatusTooManyRequests, payload
	case errors.Is(err, progress.ErrNotConfigured):
		payload.Error = "storage_not_configured"
		payload.Message = "progress storage is not configured on this server"
		return http.StatusServiceUnavailable, payload
	default:
		payload.Error = "storage_failure"
		payload.Message = "progress storage is unavailable"
		return http.StatusInternalServerError, payload
	}
}

// authenticateStream resolves the stream caller. Browsers cannot attach headers to an
// EventSource, so the access_token query parameter is accepted as a last resort.
func (h *httpHandler) authenticateStream(c *gin.Context) (progress.Principal, bool) {
	token := h.tokens.TokenFromRequest(c.Request)
	if token == "" {
		token = strings.TrimSpace(c.Query(accessTokenQueryKey))
	}

	principal, err := h.authenticator.Authenticate(c.Request.Context(), token)
	if err == nil {
		return principal, true
	}
	if errors.Is(err, progress.ErrAuthentication) {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponsePayload{
			Error:   "unauthorized",
			Message: "authentication required",
		})
		return "", false
	}
	h.logger.Error("stream authentication failed", zap.Error(err))
	c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponsePayload{
		Error:   "storage_failure",
		Message: "progress storage is unavailable",
	})
	return "", false
}
