package server

import (
	"encoding/json"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/helioworks/syncore/internal/platform"
	"go.uber.org/zap"
)

const (
	eventNameChange    = "change"
	eventNameHeartbeat = "heartbeat"
	heartbeatInterval  = 25 * time.Second
	eventBufferSize    = 16
)

type eventPayload struct {
	Op            string        `json:"op"`
	Record        recordPayload `json:"record"`
	CorrelationID string        `json:"correlation_id,omitempty"`
}

// handleEvents streams the scoped change feed for one collection as
// server-sent events. The subscription is registered before the first byte
// is written and removed when the client disconnects. A slow consumer
// drops events rather than blocking the dispatcher; clients recover with a
// snapshot refetch.
func (h *httpHandler) handleEvents(c *gin.Context) {
	collection := c.Param("name")
	scope := scopeFromQuery(c)

	stream := make(chan platform.Event, eventBufferSize)
	unsubscribe := h.store.Subscribe(collection, scope, func(event platform.Event) {
		select {
		case stream <- event:
		default:
		}
	})
	defer unsubscribe()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	clientGone := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-clientGone:
			return false
		case event := <-stream:
			payload, err := json.Marshal(eventPayload{
				Op:            string(event.Op),
				Record:        toRecordPayload(event.Record),
				CorrelationID: event.CorrelationID,
			})
			if err != nil {
				h.logger.Error("event encoding failed",
					zap.String("collection", collection),
					zap.Error(err))
				return true
			}
			c.SSEvent(eventNameChange, string(payload))
			return true
		case <-heartbeat.C:
			c.SSEvent(eventNameHeartbeat, time.Now().UTC().Format(time.RFC3339))
			return true
		}
	})
}
