package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentbus/agentbus/internal/bus/models"
)

// keepaliveInterval is how often an SSE comment is written to hold idle
// connections open through proxies.
const keepaliveInterval = 15 * time.Second

// wireEvent is the SSE/websocket payload shape: data: {"type":…,"payload":…}.
type wireEvent struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

func encodeEvent(event models.Event) []byte {
	data, err := json.Marshal(wireEvent{Type: string(event.Type), Payload: event.Payload})
	if err != nil {
		return []byte(`{"type":"error","payload":{}}`)
	}
	return data
}

// streamEvents serves the /events SSE stream. One subscriber handle per
// connection; the handle is unsubscribed on disconnect.
func (h *Handlers) streamEvents(c *gin.Context) {
	broker := h.core.Broker()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			fmt.Fprint(c.Writer, ": keepalive\n\n")
			c.Writer.Flush()
		case <-sub.Notify():
			for _, event := range sub.Drain() {
				fmt.Fprintf(c.Writer, "data: %s\n\n", encodeEvent(event))
			}
			c.Writer.Flush()
			if sub.Closed() {
				return
			}
		}
	}
}
