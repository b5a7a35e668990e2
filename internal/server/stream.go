package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/auth"
	"github.com/gin-gonic/gin"
)

const (
	streamEventReady     = "ready"
	streamEventHeartbeat = "heartbeat"
	streamSource         = "courier"
)

type streamStatusPayload struct {
	UserID    int64  `json:"user_id"`
	Source    string `json:"source"`
	Timestamp int64  `json:"timestamp"`
}

// handleStream serves a user's notifications as server-sent events. Subscribers may only open
// their own stream; operators may open any.
func (h *httpHandler) handleStream(c *gin.Context) {
	if h.stream == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "stream_disabled"})
		return
	}
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	claims := claimsFrom(c)
	if claims.Scope != auth.ScopeOperator && claims.Subject != strconv.FormatInt(userID, 10) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	ctx := c.Request.Context()
	events, cleanup := h.stream.Subscribe(ctx, userID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	c.SSEvent(streamEventReady, streamStatusPayload{UserID: userID, Source: streamSource, Timestamp: time.Now().UTC().Unix()})
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-events:
			if !open {
				return
			}
			c.SSEvent(event.EventType, event.Payload)
			c.Writer.Flush()
		case tick := <-heartbeat.C:
			c.SSEvent(streamEventHeartbeat, streamStatusPayload{UserID: userID, Source: streamSource, Timestamp: tick.UTC().Unix()})
			c.Writer.Flush()
		}
	}
}
