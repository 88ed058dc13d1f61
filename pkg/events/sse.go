package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/argus-audit/argus/pkg/models"
)

// sseSubscriberBuffer is the per-connection buffer handed to the bus.
const sseSubscriberBuffer = 256

// catchupLimit caps how many persisted events a reconnect backfills.
const catchupLimit = 5000

// EventLister backfills persisted events for reconnecting clients. Nil
// disables catch-up: clients only see events published after subscribe.
type EventLister interface {
	EventsSince(ctx context.Context, taskID string, sinceSeq int64, limit int) ([]models.Event, error)
}

// SSEHandler streams a task's live events as Server-Sent Events. The SSE
// id field carries the event sequence so clients can resume with
// Last-Event-ID; the event field carries the kind.
type SSEHandler struct {
	bus     *Bus
	catchup EventLister
}

// NewSSEHandler creates the handler. lister may be nil.
func NewSSEHandler(bus *Bus, lister EventLister) *SSEHandler {
	return &SSEHandler{bus: bus, catchup: lister}
}

// Stream is the gin handler for GET /api/v1/tasks/:id/events.
func (h *SSEHandler) Stream(c *gin.Context) {
	taskID := c.Param("id")

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeaderNow()

	// Subscribe before catch-up so no event falls in the gap; duplicates
	// across the boundary are filtered by sequence below.
	ch, cancel := h.bus.Subscribe(taskID, sseSubscriberBuffer)
	defer cancel()

	lastSeq := int64(-1)
	if sinceHeader := c.GetHeader("Last-Event-ID"); sinceHeader != "" && h.catchup != nil {
		since, parseErr := strconv.ParseInt(sinceHeader, 10, 64)
		if parseErr == nil {
			backfill, err := h.catchup.EventsSince(c.Request.Context(), taskID, since, catchupLimit)
			if err != nil {
				slog.Warn("SSE catch-up query failed", "task_id", taskID, "error", err)
			}
			for _, ev := range backfill {
				if writeErr := writeSSE(c, ev); writeErr != nil {
					return
				}
				if ev.Sequence > lastSeq {
					lastSeq = ev.Sequence
				}
			}
			c.Writer.Flush()
		}
	}

	clientGone := c.Request.Context().Done()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			// Skip live events already delivered by catch-up. Dropped
			// markers carry no meaningful sequence and always pass.
			if ev.Kind != models.EventEventsDropped && ev.Sequence <= lastSeq {
				continue
			}
			if err := writeSSE(c, ev); err != nil {
				return
			}
			if ev.Sequence > lastSeq {
				lastSeq = ev.Sequence
			}
			c.Writer.Flush()
		case <-clientGone:
			return
		}
	}
}

// writeSSE emits one frame: id (sequence), event (kind), data (JSON).
func writeSSE(c *gin.Context, ev models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.Writer, "id: %d\nevent: %s\ndata: %s\n\n", ev.Sequence, ev.Kind, data)
	return err
}
