package handlers

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"shadegate/internal/models"
	"shadegate/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type envelope struct {
	Type  string          `json:"type"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

func dialEvents(t *testing.T, h *Handler) (*websocket.Conn, func()) {
	t.Helper()

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws/events", h.wsEvents)
	srv := httptest.NewServer(r)

	u, _ := url.Parse(srv.URL)
	u.Scheme = "ws"
	u.Path = "/ws/events"

	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial error: %v", err)
	}
	return conn, func() {
		_ = conn.Close()
		srv.Close()
	}
}

func TestWebSocket_EventStream_SnapshotThenEvents(t *testing.T) {
	gw := &mockGateway{
		devices: []models.DeviceRecord{{ChipID: "42", Name: "Shade 42", CurrentPercent: 85, Online: true}},
		events:  make(chan models.DeviceEvent, 1),
	}
	h := NewHandler(&service.Service{Gateway: gw}, nil, Config{})
	conn, cleanup := dialEvents(t, h)
	defer cleanup()

	// Read initial snapshot
	_ = conn.SetReadDeadline(time.Now().Add(1 * time.Second))
	var env envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read initial: %v", err)
	}
	if env.Type != "devices" {
		t.Fatalf("bad envelope: %+v", env)
	}
	var devs []models.DeviceRecord
	if err := json.Unmarshal(env.Data, &devs); err != nil {
		t.Fatalf("unmarshal devices: %v", err)
	}
	if len(devs) != 1 || devs[0].ChipID != "42" || devs[0].CurrentPercent != 85 {
		t.Fatalf("unexpected snapshot: %+v", devs)
	}

	// A registry change is forwarded
	gw.events <- models.DeviceEvent{Type: models.EventOffline, Device: models.DeviceRecord{ChipID: "42", Online: false}}

	_ = conn.SetReadDeadline(time.Now().Add(1 * time.Second))
	env = envelope{}
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if env.Type != "device" || env.Event != models.EventOffline {
		t.Fatalf("expected device/OFFLINE envelope, got %+v", env)
	}
	var d models.DeviceRecord
	_ = json.Unmarshal(env.Data, &d)
	if d.ChipID != "42" || d.Online {
		t.Fatalf("unexpected device: %+v", d)
	}
}

func TestWebSocket_EventStream_ClosesOnShutdown(t *testing.T) {
	gw := &mockGateway{events: make(chan models.DeviceEvent)}
	base, cancel := context.WithCancel(context.Background())
	h := NewHandler(&service.Service{Gateway: gw}, nil, Config{BaseContext: base})
	conn, cleanup := dialEvents(t, h)
	defer cleanup()

	_ = conn.SetReadDeadline(time.Now().Add(1 * time.Second))
	var env envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read initial: %v", err)
	}

	cancel()

	// The server should close once its base context is gone
	_ = conn.SetReadDeadline(time.Now().Add(1 * time.Second))
	var raw json.RawMessage
	if err := conn.ReadJSON(&raw); err == nil {
		t.Fatalf("expected read error (closed), got message: %s", string(raw))
	}
}
