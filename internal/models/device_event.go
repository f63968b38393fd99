package models

import "time"

// Device event types.
const (
	EventStatus  = "STATUS"
	EventOnline  = "ONLINE"
	EventOffline = "OFFLINE"
	EventCommand = "COMMAND"
)

// DeviceEvent is emitted by the registry after every ingest or teardown.
// Device is a copy taken at the moment of the change.
type DeviceEvent struct {
	Type       string       `json:"type"`
	Device     DeviceRecord `json:"device"`
	FirstSight bool         `json:"first_sight,omitempty"`
}

// LogEntry is a single row of the device event log.
type LogEntry struct {
	EventID     string    `json:"event_id"`
	OccurredAt  time.Time `json:"occurred_at"`
	ChipID      string    `json:"chip_id"`
	Type        string    `json:"type"`        // STATUS | ONLINE | OFFLINE | COMMAND
	Description string    `json:"description"` // human-readable
	Metadata    any       `json:"metadata,omitempty"`
}
