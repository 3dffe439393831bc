package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/karryzhang/VocabLoop/internal/realtime"
	"go.uber.org/zap"
)

type changeEventPayload struct {
	Action    string `json:"action"`
	Version   int64  `json:"version"`
	UpdatedAt string `json:"updatedAt"`
}

type heartbeatEventPayload struct {
	Timestamp string `json:"timestamp"`
}

// handleStream emits progress-change events for the caller until the client disconnects.
func (h *httpHandler) handleStream(c *gin.Context) {
	principal, ok := h.authenticateStream(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	messages, cleanup := h.realtime.Subscribe(ctx, principal.String())
	defer cleanup()
	if h.metrics != nil {
		h.metrics.StreamOpened()
		defer h.metrics.StreamClosed()
	}

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	if err := writeEvent(c.Writer, realtime.EventHeartbeat, heartbeatEventPayload{Timestamp: time.Now().UTC().Format(timestampLayout)}); err != nil {
		return
	}

	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case message, open := <-messages:
			if !open {
				return
			}
			payload := changeEventPayload{
				Action:    message.Action,
				Version:   message.Version,
				UpdatedAt: message.Timestamp.UTC().Format(timestampLayout),
			}
			if err := writeEvent(c.Writer, message.EventType, payload); err != nil {
				h.logger.Debug("realtime stream closed", zap.String("user_id", principal.String()), zap.Error(err))
				return
			}
		case tick := <-ticker.C:
			if err := writeEvent(c.Writer, realtime.EventHeartbeat, heartbeatEventPayload{Timestamp: tick.UTC().Format(timestampLayout)}); err != nil {
				return
			}
		}
	}
}

func writeEvent(writer gin.ResponseWriter, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(writer, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	writer.Flush()
	return nil
}
