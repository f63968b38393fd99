package service

import (
	"context"

	"shadegate/internal/calibration"
	"shadegate/internal/logger"
	"shadegate/internal/models"
	"shadegate/internal/repository"
)

type Authorization interface {
	SignUp(ctx context.Context, username, password string) (int, error)
	GenerateToken(ctx context.Context, username, password string) (string, error)
	ParseToken(accessToken string) (int, error)
}

// Gateway is the control surface over the device registry.
type Gateway interface {
	ListDevices(ctx context.Context) []models.DeviceRecord
	Device(ctx context.Context, id string) (models.DeviceRecord, error)
	Health(ctx context.Context) models.Health
	SetPercent(ctx context.Context, id string, percent int) (models.CommandResult, error)
	SetRawCommand(ctx context.Context, id string, command int) (models.CommandResult, error)
	// OnDeviceUpdated registers fn for every registry change. fn runs
	// synchronously on the registry's publish path.
	OnDeviceUpdated(fn func(models.DeviceEvent))
	// Watch streams registry changes until ctx is done. Slow readers miss
	// events instead of blocking the registry.
	Watch(ctx context.Context) <-chan models.DeviceEvent
}

// EventLog exposes the append-only device history with filtering access.
type EventLog interface {
	List(ctx context.Context, f LogFilter) ([]models.LogEntry, error)
	Record(ev models.DeviceEvent)
}

// Devices is what the gateway needs from the registry.
type Devices interface {
	Snapshot() []models.DeviceRecord
	Device(id string) (models.DeviceRecord, bool)
	Health() models.Health
	Dispatch(ctx context.Context, id string, command int) (string, error)
	Subscribe(fn func(models.DeviceEvent))
}

type Service struct {
	Gateway
	EventLog
	Authorization
}

// NewService wires the repositories and the registry into concrete
// services. Every registry change is appended to the event log.
func NewService(repos *repository.Repository, devices Devices, cal calibration.Range, auth AuthConfig, log *logger.Logger) *Service {
	log = logger.OrNop(log)

	events := NewEventLogService(repos.EventRepo, log)
	gateway := NewGatewayService(devices, cal, repos.EventRepo, log)
	gateway.OnDeviceUpdated(events.Record)

	return &Service{
		Gateway:       gateway,
		EventLog:      events,
		Authorization: NewAuthService(repos.Auth, auth),
	}
}
