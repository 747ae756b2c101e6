package events

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/mmdatafocus/procuresight_backend/appctx"
	"github.com/mmdatafocus/procuresight_backend/config"
)

func orgOf(c *gin.Context) string {
	org, _ := appctx.GetString(c.Request.Context(), appctx.ContextKeyOrgId)
	return org
}

// writeSSE writes one event frame. Data is already JSON.
func writeSSE(w http.ResponseWriter, ev Event) error {
	if ev.ID != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", ev.ID); err != nil {
			return err
		}
	}
	data := ev.Data
	if len(data) == 0 {
		data = []byte("{}")
	}
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

// SSEHandler streams the org's events as Server-Sent Events. It opens with
// an `event: hello` frame and sends a `: ping` comment every keepalive.
func SSEHandler(hub *Hub, keepalive time.Duration) gin.HandlerFunc {
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	return func(c *gin.Context) {
		org := orgOf(c)
		if org == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "org id is required"})
			return
		}
		flusher, ok := c.Writer.(http.Flusher)
		if !ok {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
			return
		}

		sub := hub.Subscribe(org)
		defer sub.Close()

		h := c.Writer.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)

		if err := writeSSE(c.Writer, Event{Type: TypeHello}); err != nil {
			return
		}
		flusher.Flush()

		ticker := time.NewTicker(keepalive)
		defer ticker.Stop()
		ctx := c.Request.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.C:
				if !ok {
					if sub.Overflowed() {
						config.GetLogger().WithFields(logrus.Fields{"org_id": org}).Warn("[events.sse] subscriber dropped after buffer overflow")
					}
					return
				}
				if err := writeSSE(c.Writer, ev); err != nil {
					return
				}
				flusher.Flush()
			case <-ticker.C:
				if _, err := fmt.Fprint(c.Writer, ": ping\n\n"); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsMessage struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type"`
	Data any    `json:"data"`
}

// WebsocketHandler serves the same stream over a websocket. Events are sent
// as {"id","type","data"} text frames.
func WebsocketHandler(hub *Hub, keepalive time.Duration) gin.HandlerFunc {
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	return func(c *gin.Context) {
		org := orgOf(c)
		if org == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "org id is required"})
			return
		}
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sub := hub.Subscribe(org)
		defer sub.Close()

		// the read pump only notices the peer going away
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		if err := conn.WriteJSON(wsMessage{Type: TypeHello, Data: struct{}{}}); err != nil {
			return
		}
		ticker := time.NewTicker(keepalive)
		defer ticker.Stop()
		for {
			select {
			case <-closed:
				return
			case ev, ok := <-sub.C:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "subscriber fell behind"),
						time.Now().Add(time.Second))
					return
				}
				if err := conn.WriteJSON(wsMessage{ID: ev.ID, Type: ev.Type, Data: ev.Data}); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					return
				}
			}
		}
	}
}
