package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/naojsoft/datasink/internal/broker"
	"github.com/naojsoft/datasink/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestHandleQueues_ReturnsTopology(t *testing.T) {
	topo := map[string]config.QueueOptions{"hsc": {Priority: 5}}
	h := New(zap.NewNop(), topo)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/queues", nil)
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "hsc") {
		t.Fatalf("expected queue name in response, got %s", w.Body.String())
	}
}

func TestDLXStream_BroadcastsEventToSubscriber(t *testing.T) {
	h := New(zap.NewNop(), nil)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/dlx/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// give the server a moment to register the subscription
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(broker.DLXMessage{RoutingKey: "hsc", Body: []byte(`{"action":"transfer"}`)})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}

	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if evt.RoutingKey != "hsc" {
		t.Fatalf("expected routing key hsc, got %q", evt.RoutingKey)
	}
}
