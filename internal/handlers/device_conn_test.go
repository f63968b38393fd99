package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"shadegate/internal/calibration"
	"shadegate/internal/models"
	"shadegate/internal/registry"
	"shadegate/internal/repository"
	"shadegate/internal/repository/db"
	"shadegate/internal/service"
	"shadegate/internal/session"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type gatewayStack struct {
	srv      *httptest.Server
	handler  *Handler
	reg      *registry.Registry
	services *service.Service
	token    string
	// stopSessions cancels the context device sessions run under.
	stopSessions context.CancelFunc
}

// newGatewayStack runs the real router, registry and SQLite storage.
func newGatewayStack(t *testing.T) *gatewayStack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	sqlDB, err := db.Open(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	repos := repository.NewRepository(sqlDB, nil)
	reg := registry.New(repos.Devices, nil, registry.Options{})
	services := service.NewService(repos, reg, calibration.Default(),
		service.AuthConfig{SigningKey: "test-key", TokenTTL: time.Hour}, nil)

	base, cancel := context.WithCancel(context.Background())
	h := NewHandler(services, nil, Config{
		DevicePath:  "/device",
		Sink:        reg,
		Session:     session.Options{SupersedeGrace: 50 * time.Millisecond},
		BaseContext: base,
	})
	srv := httptest.NewServer(h.InitRoutes())
	t.Cleanup(func() {
		cancel()
		srv.Close()
		_ = sqlDB.Close()
	})

	ctx := context.Background()
	if _, err := services.SignUp(ctx, "operator", "secret"); err != nil {
		t.Fatalf("sign up: %v", err)
	}
	token, err := services.GenerateToken(ctx, "operator", "secret")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	return &gatewayStack{srv: srv, handler: h, reg: reg, services: services, token: token, stopSessions: cancel}
}

func (g *gatewayStack) dialDevice(t *testing.T) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/device"
	conn, _, err := (&websocket.Dialer{HandshakeTimeout: 2 * time.Second}).Dial(u, nil)
	if err != nil {
		t.Fatalf("device dial: %v", err)
	}
	return conn
}

func (g *gatewayStack) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, g.srv.URL+path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDeviceSession_EndToEnd(t *testing.T) {
	g := newGatewayStack(t)
	dev := g.dialDevice(t)

	if err := dev.WriteMessage(websocket.TextMessage, []byte(`{"chipID":42,"position":850}`)); err != nil {
		t.Fatalf("write status: %v", err)
	}
	waitFor(t, "device online", func() bool { return g.reg.Health().LiveSessions == 1 })

	devs := g.services.Gateway.ListDevices(context.Background())
	if len(devs) != 1 || devs[0].ChipID != "42" || devs[0].CurrentPercent != 85 || !devs[0].Online {
		t.Fatalf("unexpected devices: %+v", devs)
	}

	resp := g.post(t, "/api/v1/devices/42/percent", `{"percent":50}`)
	var res models.CommandResult
	_ = json.NewDecoder(resp.Body).Decode(&res)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || res.Status != models.DispatchSent || res.Command != 87 {
		t.Fatalf("unexpected command result: code=%d %+v", resp.StatusCode, res)
	}

	_ = dev.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, msg, err := dev.ReadMessage()
	if err != nil {
		t.Fatalf("device read: %v", err)
	}
	if mt != websocket.TextMessage || string(msg) != `{"chipID":42,"command":87}` {
		t.Fatalf("unexpected command frame: type=%d %s", mt, msg)
	}

	_ = dev.Close()
	waitFor(t, "device offline", func() bool { return g.reg.Health().LiveSessions == 0 })

	if h := g.reg.Health(); h.KnownDevices != 1 {
		t.Fatalf("unexpected health: %+v", h)
	}
	d, _ := g.reg.Device("42")
	if d.Online {
		t.Fatalf("device should be offline: %+v", d)
	}

	// the offline device gets no write
	resp = g.post(t, "/api/v1/devices/42/percent", `{"percent":10}`)
	_ = json.NewDecoder(resp.Body).Decode(&res)
	resp.Body.Close()
	if res.Status != models.DispatchOffline {
		t.Fatalf("expected offline, got %+v", res)
	}

	// every step reached the event log; OFFLINE is appended right after the unbind
	want := []string{models.EventOnline, models.EventStatus, models.EventCommand, models.EventOffline}
	var entries []models.LogEntry
	waitFor(t, "event log", func() bool {
		entries, err = g.services.EventLog.List(context.Background(), service.LogFilter{ChipID: "42"})
		if err != nil {
			return false
		}
		seen := map[string]bool{}
		for _, e := range entries {
			seen[e.Type] = true
		}
		for _, typ := range want {
			if !seen[typ] {
				return false
			}
		}
		return true
	})
}

func TestDeviceSession_ReconnectSupersedesOldSession(t *testing.T) {
	g := newGatewayStack(t)

	first := g.dialDevice(t)
	defer first.Close()
	_ = first.WriteMessage(websocket.TextMessage, []byte(`{"chipID":7,"position":100}`))
	waitFor(t, "first session", func() bool { return g.reg.Health().LiveSessions == 1 })

	second := g.dialDevice(t)
	defer second.Close()
	_ = second.WriteMessage(websocket.TextMessage, []byte(`{"chipID":7,"position":200}`))
	waitFor(t, "second status", func() bool {
		d, _ := g.reg.Device("7")
		return d.RawPosition == 200
	})

	// the superseded connection is closed after the grace period
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Fatalf("expected old session to be closed")
	}

	d, _ := g.reg.Device("7")
	if !d.Online || g.reg.Health().LiveSessions != 1 {
		t.Fatalf("new session should stay online: %+v", d)
	}
}

func TestDeviceConnect_MissingKeyClosesWithoutResponse(t *testing.T) {
	g := newGatewayStack(t)

	conn, err := net.Dial("tcp", strings.TrimPrefix(g.srv.URL, "http://"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := "GET /device HTTP/1.1\r\nHost: gateway\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n\r\n"
	if _, err := io.WriteString(conn, req); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, _ := io.ReadAll(bufio.NewReader(conn))
	if len(got) != 0 {
		t.Fatalf("expected no response bytes, got %q", got)
	}
}

func TestDeviceConnect_PlainRequestIsRejected(t *testing.T) {
	g := newGatewayStack(t)

	resp, err := http.Get(g.srv.URL + "/device")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusBadRequest || !bytes.Contains(body, []byte("upgrade")) {
		t.Fatalf("expected 400, got %d %s", resp.StatusCode, body)
	}
}

func TestWaitSessions_ReturnsAfterDevicesAreReleased(t *testing.T) {
	g := newGatewayStack(t)
	dev := g.dialDevice(t)
	defer dev.Close()

	if err := dev.WriteMessage(websocket.TextMessage, []byte(`{"chipID":77,"position":300}`)); err != nil {
		t.Fatalf("write status: %v", err)
	}
	waitFor(t, "device online", func() bool { return g.reg.Health().LiveSessions == 1 })

	g.stopSessions()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := g.handler.WaitSessions(ctx); err != nil {
		t.Fatalf("WaitSessions: %v", err)
	}

	// teardown finished before WaitSessions returned: no polling needed
	if d, _ := g.reg.Device("77"); d.Online {
		t.Fatalf("device still online after drain: %+v", d)
	}
	entries, err := g.services.EventLog.List(ctx, service.LogFilter{ChipID: "77", Type: models.EventOffline})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one OFFLINE entry, got %+v", entries)
	}

	// new device connections are refused once draining started
	u := "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/device"
	_, resp, err := (&websocket.Dialer{HandshakeTimeout: 2 * time.Second}).Dial(u, nil)
	if err == nil {
		t.Fatalf("dial after drain succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after drain, got %+v", resp)
	}
}
