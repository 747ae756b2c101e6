package events

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mmdatafocus/procuresight_backend/appctx"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestHubDeliversPerOrg(t *testing.T) {
	hub := NewHub(4)
	a := hub.Subscribe("org-1")
	b := hub.Subscribe("org-2")
	defer a.Close()
	defer b.Close()

	if err := hub.Publish(context.Background(), "org-1", TypeInvoiceProcessed, map[string]int{"invoice_id": 7}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case ev := <-a.C:
		if ev.Type != TypeInvoiceProcessed || string(ev.Data) != `{"invoice_id":7}` || ev.Origin != hub.InstanceId() {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("org-1 subscriber got nothing")
	}
	select {
	case ev := <-b.C:
		t.Fatalf("org-2 received another org's event: %+v", ev)
	default:
	}
}

func TestHubDropsSlowSubscriber(t *testing.T) {
	hub := NewHub(2)
	slow := hub.Subscribe("org-1")
	fast := hub.Subscribe("org-1")

	for i := 0; i < 2; i++ {
		_ = hub.Publish(context.Background(), "org-1", TypeAlertCreated, i)
		<-fast.C
	}
	_ = hub.Publish(context.Background(), "org-1", TypeAlertCreated, 3)

	n := 0
	for range slow.C {
		n++
	}
	if n != 2 || !slow.Overflowed() {
		t.Fatalf("slow subscriber should be dropped after its buffer filled: drained=%d overflowed=%v", n, slow.Overflowed())
	}
	if hub.Subscribers("org-1") != 1 {
		t.Fatalf("subscribers = %d, want 1", hub.Subscribers("org-1"))
	}
	if ev := <-fast.C; string(ev.Data) != "3" {
		t.Fatalf("fast subscriber should keep receiving, got %s", ev.Data)
	}
	fast.Close()
	fast.Close()
	if hub.Subscribers("org-1") != 0 {
		t.Fatalf("closed subscriber still registered")
	}
}

type recordingForwarder struct{ got []Event }

func (f *recordingForwarder) Forward(ctx context.Context, ev Event) error {
	f.got = append(f.got, ev)
	return nil
}

func TestRemoteDeliverySkipsOwnOrigin(t *testing.T) {
	hub := NewHub(4)
	fwd := &recordingForwarder{}
	hub.SetForwarder(fwd)
	sub := hub.Subscribe("org-1")
	defer sub.Close()

	_ = hub.Publish(context.Background(), "org-1", TypeAlertCreated, 1)
	<-sub.C
	if len(fwd.got) != 1 {
		t.Fatalf("event not forwarded")
	}
	if hub.DeliverRemote(fwd.got[0]) {
		t.Fatalf("an instance must not redeliver its own event")
	}

	remote := fwd.got[0]
	remote.Origin = "other-instance"
	if !hub.DeliverRemote(remote) {
		t.Fatalf("remote event not delivered")
	}
	if ev := <-sub.C; ev.ID != remote.ID {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func withOrg(org string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(appctx.Set(c.Request.Context(), appctx.ContextKeyOrgId, org))
		c.Next()
	}
}

func TestPushHandlerDeliversRemoteEvents(t *testing.T) {
	hub := NewHub(4)
	sub := hub.Subscribe("org-1")
	defer sub.Close()

	r := gin.New()
	r.POST("/pubsub", PushHandler(hub))

	ev := Event{ID: "e1", Type: TypeAlertUpdated, OrgId: "org-1", Origin: "elsewhere", Data: json.RawMessage(`{}`)}
	data, _ := json.Marshal(ev)
	var envelope PushEnvelope
	envelope.Message.Data = data
	envelope.Message.ID = "m1"
	body, _ := json.Marshal(envelope)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/pubsub", bytes.NewReader(body)))
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d", w.Code)
	}
	select {
	case got := <-sub.C:
		if got.ID != "e1" {
			t.Fatalf("unexpected event %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("pushed event not delivered")
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/pubsub", strings.NewReader("not json")))
	if w.Code != http.StatusNoContent {
		t.Fatalf("malformed pushes are acknowledged, got %d", w.Code)
	}
}

func readFrame(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	var b strings.Builder
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if line == "\n" {
			return b.String()
		}
		b.WriteString(line)
	}
}

func TestSSEHandler(t *testing.T) {
	hub := NewHub(4)
	r := gin.New()
	r.GET("/api/events", withOrg("org-1"), SSEHandler(hub, 50*time.Millisecond))
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	reader := bufio.NewReader(resp.Body)
	if got := readFrame(t, reader); got != "event: hello\ndata: {}\n" {
		t.Fatalf("hello frame = %q", got)
	}

	_ = hub.Publish(context.Background(), "org-1", TypeDocumentReceived, map[string]int{"document_id": 3})
	sawEvent, sawPing := false, false
	for i := 0; i < 10 && !(sawEvent && sawPing); i++ {
		frame := readFrame(t, reader)
		switch {
		case frame == ": ping\n":
			sawPing = true
		case strings.Contains(frame, "event: document_received\n"):
			if !strings.Contains(frame, `data: {"document_id":3}`) {
				t.Fatalf("event frame = %q", frame)
			}
			sawEvent = true
		default:
			t.Fatalf("unexpected frame %q", frame)
		}
	}
	if !sawEvent || !sawPing {
		t.Fatalf("event=%v ping=%v", sawEvent, sawPing)
	}
}

func TestSSEHandlerRequiresOrg(t *testing.T) {
	r := gin.New()
	r.GET("/api/events", SSEHandler(NewHub(1), time.Second))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/events", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestWebsocketHandler(t *testing.T) {
	hub := NewHub(4)
	r := gin.New()
	r.GET("/api/events/ws", withOrg("org-1"), WebsocketHandler(hub, time.Minute))
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/events/ws", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	var hello map[string]any
	if err := conn.ReadJSON(&hello); err != nil || hello["type"] != TypeHello {
		t.Fatalf("hello = %v, %v", hello, err)
	}
	_ = hub.Publish(context.Background(), "org-1", TypeAlertCreated, map[string]string{"severity": "high"})

	var msg struct {
		Type string            `json:"type"`
		Data map[string]string `json:"data"`
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if msg.Type != TypeAlertCreated || msg.Data["severity"] != "high" {
		t.Fatalf("unexpected message %+v", msg)
	}
}
