// ABOUTME: Server-Sent Events stream of a conversation's live events
// ABOUTME: Joins the realtime bus for the request lifetime and forwards each event as it arrives

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/parlor/internal/realtime"
)

// sseHeartbeatInterval keeps idle streams open through proxies.
const sseHeartbeatInterval = 25 * time.Second

// handleEvents streams message.created, lock.acquired, lock.released, and
// conversation.deleted for one conversation. Delivery is at-most-once and
// a client that reconnects gets no replay; it should re-read history.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := g.conversation.CanView(r.Context(), actorFrom(r), id); err != nil {
		g.writeError(w, r, err)
		return
	}

	// Check streaming support before joining (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, _, err := g.bus.Join(r.Context(), id)
	if err != nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	g.writeSSEEvent(w, "connected", map[string]string{"conversation_id": id})
	flusher.Flush()

	g.streamEvents(r.Context(), w, flusher, events)
}

// streamEvents forwards bus events until the client leaves, the bus
// closes the subscription, or the conversation is deleted.
func (g *Gateway) streamEvents(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, events <-chan *realtime.Event) {
	heartbeat := g.clock.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()

		case ev, ok := <-events:
			if !ok {
				return
			}
			g.writeSSEEvent(w, string(ev.Type), ev)
			flusher.Flush()

			if ev.Type == realtime.EventConversationDeleted {
				return
			}
		}
	}
}

// formatSSEEvent formats an SSE event as a string with the standard format:
// event: <eventType>\ndata: <data>\n\n
func formatSSEEvent(eventType, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data)
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	_, _ = fmt.Fprint(w, formatSSEEvent(event, string(dataJSON)))
}
