package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

var errMissingChipID = errors.New("status message has no chipID")

// Status is a decoded device status report.
type Status struct {
	ChipID    int64
	Model     string
	Version   string
	Position  *int // nil when the report carried no position
	FirstLoad bool
}

// Identity returns the registry key for the reporting device.
func (s Status) Identity() string {
	return strconv.FormatInt(s.ChipID, 10)
}

// statusMessage mirrors the JSON the firmware sends.
type statusMessage struct {
	ChipID    *int64          `json:"chipID"`
	Model     json.RawMessage `json:"model,omitempty"`
	Version   json.RawMessage `json:"version,omitempty"`
	Position  *int            `json:"position,omitempty"`
	FirstLoad bool            `json:"firstLoad,omitempty"`
}

// ParseStatus decodes a status payload. chipID is mandatory.
func ParseStatus(payload []byte) (Status, error) {
	var msg statusMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Status{}, fmt.Errorf("decode status: %w", err)
	}
	if msg.ChipID == nil {
		return Status{}, errMissingChipID
	}
	return Status{
		ChipID:    *msg.ChipID,
		Model:     opaqueString(msg.Model),
		Version:   opaqueString(msg.Version),
		Position:  msg.Position,
		FirstLoad: msg.FirstLoad,
	}, nil
}

// opaqueString renders a JSON scalar as text: strings lose their quotes,
// numbers keep their literal form, null becomes empty.
func opaqueString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// commandMessage is the gateway -> device payload.
type commandMessage struct {
	ChipID  int64 `json:"chipID"`
	Command int   `json:"command"`
}

// EncodeCommand builds the JSON command payload for identity.
func EncodeCommand(identity string, command int) ([]byte, error) {
	chip, err := strconv.ParseInt(identity, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("chip id %q: %w", identity, err)
	}
	return json.Marshal(commandMessage{ChipID: chip, Command: command})
}
