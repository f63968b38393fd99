package models

import "time"

// DeviceRecord is the persisted state of one shade controller.
type DeviceRecord struct {
	ChipID          string    `json:"chip_id"`
	Name            string    `json:"name"`
	Model           string    `json:"model,omitempty"`
	FirmwareVersion string    `json:"firmware_version,omitempty"`
	RawPosition     int       `json:"raw_position"`    // device scale, roughly 0..1000
	CurrentPercent  int       `json:"current_percent"` // always derived from RawPosition
	Online          bool      `json:"online"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
}

// Health summarizes the registry.
type Health struct {
	LiveSessions int `json:"live_sessions"`
	KnownDevices int `json:"known_devices"`
}

// Dispatch outcomes reported to callers of the control API.
const (
	DispatchSent    = "sent"
	DispatchOffline = "offline"
)

// CommandResult is returned by the control API for every command request.
type CommandResult struct {
	Status  string `json:"status"` // sent | offline
	Command int    `json:"command"`
}
