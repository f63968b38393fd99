package handlers

import (
	"context"
	"net/http"
	"sync"

	"shadegate/internal/models"
	"shadegate/internal/service"

	"github.com/gin-gonic/gin"
)

// ---- Service Mocks ----

type mockAuth struct {
	signUpID      int
	signUpErr     error
	genTokenToken string
	genTokenErr   error
	parseID       int
	parseErr      error

	lastSignUpUsername string
	lastSignUpPassword string
	lastGenUsername    string
	lastGenPassword    string
	lastParseToken     string
}

func (m *mockAuth) SignUp(_ context.Context, username, password string) (int, error) {
	m.lastSignUpUsername = username
	m.lastSignUpPassword = password
	return m.signUpID, m.signUpErr
}
func (m *mockAuth) GenerateToken(_ context.Context, username, password string) (string, error) {
	m.lastGenUsername = username
	m.lastGenPassword = password
	return m.genTokenToken, m.genTokenErr
}
func (m *mockAuth) ParseToken(token string) (int, error) {
	m.lastParseToken = token
	return m.parseID, m.parseErr
}

type mockGateway struct {
	mu sync.Mutex

	devices []models.DeviceRecord
	health  models.Health
	result  models.CommandResult
	err     error
	events  chan models.DeviceEvent

	lastID      string
	lastPercent int
	lastCommand int
	calls       int
}

func (m *mockGateway) ListDevices(context.Context) []models.DeviceRecord { return m.devices }

func (m *mockGateway) Device(_ context.Context, id string) (models.DeviceRecord, error) {
	for _, d := range m.devices {
		if d.ChipID == id {
			return d, nil
		}
	}
	return models.DeviceRecord{}, service.ErrDeviceNotFound
}

func (m *mockGateway) Health(context.Context) models.Health { return m.health }

func (m *mockGateway) SetPercent(_ context.Context, id string, percent int) (models.CommandResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.lastID = id
	m.lastPercent = percent
	return m.result, m.err
}

func (m *mockGateway) SetRawCommand(_ context.Context, id string, command int) (models.CommandResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.lastID = id
	m.lastCommand = command
	return m.result, m.err
}

func (m *mockGateway) OnDeviceUpdated(func(models.DeviceEvent)) {}

func (m *mockGateway) Watch(ctx context.Context) <-chan models.DeviceEvent {
	out := make(chan models.DeviceEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-m.events:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

type mockEventLog struct {
	resp       []models.LogEntry
	err        error
	lastFilter service.LogFilter
}

func (m *mockEventLog) List(_ context.Context, f service.LogFilter) ([]models.LogEntry, error) {
	m.lastFilter = f
	return m.resp, m.err
}

func (m *mockEventLog) Record(models.DeviceEvent) {}

// ---- Shared Test Helpers ----

func newTestRouter(s *service.Service) *gin.Engine {
	h := NewHandler(s, nil, Config{})
	gin.SetMode(gin.TestMode)
	return h.InitRoutes()
}

func authHeader(token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}
