package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"shadegate/internal/calibration"
	"shadegate/internal/logger"
	"shadegate/internal/models"
	"shadegate/internal/repository"

	"github.com/google/uuid"
)

var (
	ErrInvalidPercent = errors.New("invalid percent: must be between 0 and 100")
	ErrDeviceNotFound = errors.New("device not found")
)

// watchBuffer is the per-watcher backlog kept before events are dropped.
const watchBuffer = 32

type GatewayService struct {
	devices   Devices
	cal       calibration.Range
	eventRepo repository.EventRepo
	log       *logger.Logger

	mu       sync.Mutex
	watchers map[chan models.DeviceEvent]struct{}
}

func NewGatewayService(devices Devices, cal calibration.Range, eventRepo repository.EventRepo, log *logger.Logger) *GatewayService {
	s := &GatewayService{
		devices:   devices,
		cal:       cal,
		eventRepo: eventRepo,
		log:       logger.OrNop(log).Named("gateway"),
		watchers:  make(map[chan models.DeviceEvent]struct{}),
	}
	devices.Subscribe(s.broadcast)
	return s
}

// ListDevices returns every known device ordered by chip id.
func (s *GatewayService) ListDevices(_ context.Context) []models.DeviceRecord {
	return s.devices.Snapshot()
}

func (s *GatewayService) Device(_ context.Context, id string) (models.DeviceRecord, error) {
	d, ok := s.devices.Device(id)
	if !ok {
		return models.DeviceRecord{}, ErrDeviceNotFound
	}
	return d, nil
}

func (s *GatewayService) Health(_ context.Context) models.Health {
	return s.devices.Health()
}

// SetPercent translates percent through the calibration range and sends the
// resulting command. Unknown and disconnected devices report offline.
func (s *GatewayService) SetPercent(ctx context.Context, id string, percent int) (models.CommandResult, error) {
	if percent < 0 || percent > 100 {
		return models.CommandResult{}, fmt.Errorf("%w: got %d", ErrInvalidPercent, percent)
	}
	cmd := s.cal.PercentToCommand(percent)
	return s.dispatch(ctx, id, cmd, map[string]any{"percent": percent})
}

// SetRawCommand sends command as-is.
func (s *GatewayService) SetRawCommand(ctx context.Context, id string, command int) (models.CommandResult, error) {
	return s.dispatch(ctx, id, command, nil)
}

func (s *GatewayService) OnDeviceUpdated(fn func(models.DeviceEvent)) {
	s.devices.Subscribe(fn)
}

func (s *GatewayService) Watch(ctx context.Context) <-chan models.DeviceEvent {
	ch := make(chan models.DeviceEvent, watchBuffer)

	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()

	context.AfterFunc(ctx, func() {
		s.mu.Lock()
		delete(s.watchers, ch)
		close(ch)
		s.mu.Unlock()
	})
	return ch
}

func (s *GatewayService) broadcast(ev models.DeviceEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.watchers {
		select {
		case ch <- ev:
		default:
			s.log.Debugw("gateway_watch_dropped", "type", ev.Type, "chip_id", ev.Device.ChipID)
		}
	}
}

func (s *GatewayService) dispatch(ctx context.Context, id string, command int, meta map[string]any) (models.CommandResult, error) {
	status, err := s.devices.Dispatch(ctx, id, command)
	if err != nil {
		return models.CommandResult{}, err
	}
	res := models.CommandResult{Status: status, Command: command}

	if meta == nil {
		meta = map[string]any{}
	}
	meta["command"] = command
	meta["status"] = status
	if err := s.eventRepo.Append(ctx, models.LogEntry{
		EventID:     uuid.NewString(),
		OccurredAt:  time.Now().UTC(),
		ChipID:      id,
		Type:        models.EventCommand,
		Description: fmt.Sprintf("Command %d %s", command, status),
		Metadata:    meta,
	}); err != nil {
		s.log.Warnw("gateway_command_log_failed", "chip_id", id, "err", err)
	}
	return res, nil
}
