package bridge

import "shadegate/internal/models"

func (b *Bridge) stateTopic(id string) string {
	return b.cfg.TopicPrefix + "/" + id + "/state"
}

func (b *Bridge) availabilityTopic(id string) string {
	return b.cfg.TopicPrefix + "/" + id + "/availability"
}

func (b *Bridge) discoveryTopic(id string) string {
	return b.cfg.DiscoveryPrefix + "/cover/" + objectID(id) + "/config"
}

func objectID(id string) string {
	return "shadegate_" + id
}

// coverState is the retained JSON on the state topic.
type coverState struct {
	State       string `json:"state"` // open | closed
	Position    int    `json:"position"`
	RawPosition int    `json:"raw_position"`
	Online      bool   `json:"online"`
}

func stateOf(d models.DeviceRecord) coverState {
	st := "closed"
	if d.CurrentPercent > 0 {
		st = "open"
	}
	return coverState{
		State:       st,
		Position:    d.CurrentPercent,
		RawPosition: d.RawPosition,
		Online:      d.Online,
	}
}

// discoveryDevice groups entities under one device in Home Assistant.
type discoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Model        string   `json:"model,omitempty"`
	SwVersion    string   `json:"sw_version,omitempty"`
	Manufacturer string   `json:"manufacturer"`
}

type availability struct {
	Topic string `json:"topic"`
}

// discoveryConfig is a Home Assistant MQTT cover config payload.
type discoveryConfig struct {
	Name             string          `json:"name"`
	UniqueID         string          `json:"unique_id"`
	DeviceClass      string          `json:"device_class"`
	CommandTopic     string          `json:"command_topic"`
	SetPositionTopic string          `json:"set_position_topic"`
	StateTopic       string          `json:"state_topic"`
	ValueTemplate    string          `json:"value_template"`
	PositionTopic    string          `json:"position_topic"`
	PositionTemplate string          `json:"position_template"`
	PositionOpen     int             `json:"position_open"`
	PositionClosed   int             `json:"position_closed"`
	PayloadOpen      string          `json:"payload_open"`
	PayloadClose     string          `json:"payload_close"`
	PayloadStop      string          `json:"payload_stop"`
	Availability     []availability  `json:"availability"`
	AvailabilityMode string          `json:"availability_mode"`
	Device           discoveryDevice `json:"device"`
}

func (b *Bridge) discoveryConfig(d models.DeviceRecord) discoveryConfig {
	state := b.stateTopic(d.ChipID)
	return discoveryConfig{
		Name:             d.Name,
		UniqueID:         objectID(d.ChipID),
		DeviceClass:      "shade",
		CommandTopic:     b.cfg.TopicPrefix + "/" + d.ChipID + "/set",
		SetPositionTopic: b.cfg.TopicPrefix + "/" + d.ChipID + "/set_position",
		StateTopic:       state,
		ValueTemplate:    "{{ value_json.state }}",
		PositionTopic:    state,
		PositionTemplate: "{{ value_json.position }}",
		PositionOpen:     100,
		PositionClosed:   0,
		PayloadOpen:      cmdOpen,
		PayloadClose:     cmdClose,
		PayloadStop:      cmdStop,
		Availability: []availability{
			{Topic: b.availabilityTopic(d.ChipID)},
			{Topic: b.cfg.bridgeAvailabilityTopic()},
		},
		AvailabilityMode: "all",
		Device: discoveryDevice{
			Identifiers:  []string{objectID(d.ChipID)},
			Name:         d.Name,
			Model:        d.Model,
			SwVersion:    d.FirmwareVersion,
			Manufacturer: "shadegate",
		},
	}
}
