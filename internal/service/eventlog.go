package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"shadegate/internal/logger"
	"shadegate/internal/models"
	"shadegate/internal/repository"

	"github.com/google/uuid"
)

// recordTimeout bounds a single event log write on the registry's path.
const recordTimeout = 2 * time.Second

type EventLogService struct {
	eventRepo repository.EventRepo
	log       *logger.Logger
}

func NewEventLogService(eventRepo repository.EventRepo, log *logger.Logger) *EventLogService {
	return &EventLogService{eventRepo: eventRepo, log: logger.OrNop(log).Named("eventlog")}
}

var (
	errInvalidTimeRange = errors.New("invalid time range: From must be <= To")
)

// normalizeToUTC returns t in UTC, preserving zero time values.
func normalizeToUTC(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}

// normalizeEventType trims spaces and uppercases the event type filter.
func normalizeEventType(s string) string {
	return strings.TrimSpace(strings.ToUpper(s))
}

// normalizeAndValidateFilter prepares query parameters and validates the time range.
func normalizeAndValidateFilter(f LogFilter) (repository.EventFilter, error) {
	from := normalizeToUTC(f.From)
	to := normalizeToUTC(f.To)

	if !from.IsZero() && !to.IsZero() && from.After(to) {
		return repository.EventFilter{}, errInvalidTimeRange
	}

	return repository.EventFilter{
		From:   from,
		To:     to,
		Type:   normalizeEventType(f.Type),
		ChipID: strings.TrimSpace(f.ChipID),
	}, nil
}

func (s *EventLogService) List(ctx context.Context, f LogFilter) ([]models.LogEntry, error) {
	filter, err := normalizeAndValidateFilter(f)
	if err != nil {
		return nil, err
	}
	return s.eventRepo.List(ctx, filter)
}

// Record appends a registry change to the log. Failures are logged only.
func (s *EventLogService) Record(ev models.DeviceEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	d := ev.Device
	entry := models.LogEntry{
		EventID:     uuid.NewString(),
		OccurredAt:  time.Now().UTC(),
		ChipID:      d.ChipID,
		Type:        ev.Type,
		Description: describe(ev),
	}
	if ev.Type == models.EventStatus {
		entry.Metadata = map[string]any{
			"raw_position":    d.RawPosition,
			"current_percent": d.CurrentPercent,
		}
	}
	if err := s.eventRepo.Append(ctx, entry); err != nil {
		s.log.Warnw("eventlog_append_failed", "type", ev.Type, "chip_id", d.ChipID, "err", err)
	}
}

func describe(ev models.DeviceEvent) string {
	switch ev.Type {
	case models.EventOnline:
		if ev.FirstSight {
			return fmt.Sprintf("%s connected for the first time", ev.Device.Name)
		}
		return fmt.Sprintf("%s connected", ev.Device.Name)
	case models.EventOffline:
		return fmt.Sprintf("%s disconnected", ev.Device.Name)
	case models.EventStatus:
		return fmt.Sprintf("%s at %d%%", ev.Device.Name, ev.Device.CurrentPercent)
	default:
		return ev.Type
	}
}
