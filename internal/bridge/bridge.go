// Package bridge mirrors device state to an MQTT broker using Home Assistant
// cover discovery and accepts position commands back from it.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"shadegate/internal/logger"
	"shadegate/internal/models"
)

// Availability payloads, shared by devices and the bridge itself.
var (
	payloadOnline  = []byte("online")
	payloadOffline = []byte("offline")
)

// Cover commands accepted on the set topic.
const (
	cmdOpen  = "OPEN"
	cmdClose = "CLOSE"
	cmdStop  = "STOP"
)

// Controller is the gateway surface the bridge drives.
type Controller interface {
	ListDevices(ctx context.Context) []models.DeviceRecord
	Device(ctx context.Context, id string) (models.DeviceRecord, error)
	SetPercent(ctx context.Context, id string, percent int) (models.CommandResult, error)
	OnDeviceUpdated(fn func(models.DeviceEvent))
}

// Bridge publishes registry changes and forwards cover commands.
type Bridge struct {
	client Client
	ctrl   Controller
	cfg    Config
	log    *logger.Logger

	mu        sync.Mutex
	announced map[string]bool
	// pending holds the newest unpublished record per chip. A burst of
	// changes collapses to the last one, which is never lost.
	pending map[string]models.DeviceRecord
	wake    chan struct{}
}

func New(client Client, ctrl Controller, cfg Config, log *logger.Logger) *Bridge {
	return &Bridge{
		client:    client,
		ctrl:      ctrl,
		cfg:       cfg.withDefaults(),
		log:       logger.OrNop(log).Named("bridge"),
		announced: make(map[string]bool),
		pending:   make(map[string]models.DeviceRecord),
		wake:      make(chan struct{}, 1),
	}
}

// Run subscribes to command topics, publishes every known device and then
// follows registry changes until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	b.ctrl.OnDeviceUpdated(b.enqueue)

	if err := b.client.Subscribe(b.cfg.TopicPrefix+"/+/set", b.handleSet(ctx)); err != nil {
		return err
	}
	if err := b.client.Subscribe(b.cfg.TopicPrefix+"/+/set_position", b.handleSetPosition(ctx)); err != nil {
		return err
	}

	for _, d := range b.ctrl.ListDevices(ctx) {
		b.publishDevice(d)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.wake:
			for _, d := range b.takePending() {
				b.publishDevice(d)
			}
		}
	}
}

// enqueue runs on the registry's publish path and must not block.
func (b *Bridge) enqueue(ev models.DeviceEvent) {
	b.mu.Lock()
	b.pending[ev.Device.ChipID] = ev.Device
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Bridge) takePending() []models.DeviceRecord {
	b.mu.Lock()
	batch := b.pending
	b.pending = make(map[string]models.DeviceRecord, len(batch))
	b.mu.Unlock()

	out := make([]models.DeviceRecord, 0, len(batch))
	for _, d := range batch {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChipID < out[j].ChipID })
	return out
}

func (b *Bridge) publishDevice(d models.DeviceRecord) {
	if b.markAnnounced(d.ChipID) {
		if err := b.publishJSON(b.discoveryTopic(d.ChipID), b.discoveryConfig(d)); err != nil {
			b.log.Warnw("bridge_discovery_failed", "chip_id", d.ChipID, "err", err)
			b.unmarkAnnounced(d.ChipID)
		}
	}
	if err := b.publishJSON(b.stateTopic(d.ChipID), stateOf(d)); err != nil {
		b.log.Warnw("bridge_state_failed", "chip_id", d.ChipID, "err", err)
	}
	avail := payloadOffline
	if d.Online {
		avail = payloadOnline
	}
	if err := b.client.Publish(b.availabilityTopic(d.ChipID), avail, true); err != nil {
		b.log.Warnw("bridge_availability_failed", "chip_id", d.ChipID, "err", err)
	}
}

func (b *Bridge) markAnnounced(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.announced[id] {
		return false
	}
	b.announced[id] = true
	return true
}

func (b *Bridge) unmarkAnnounced(id string) {
	b.mu.Lock()
	delete(b.announced, id)
	b.mu.Unlock()
}

func (b *Bridge) publishJSON(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", topic, err)
	}
	return b.client.Publish(topic, payload, true)
}

func (b *Bridge) handleSet(ctx context.Context) func(string, []byte) {
	return func(topic string, payload []byte) {
		id, ok := b.deviceFromTopic(topic, "set")
		if !ok {
			return
		}
		var percent int
		switch strings.ToUpper(strings.TrimSpace(string(payload))) {
		case cmdOpen:
			percent = 100
		case cmdClose:
			percent = 0
		case cmdStop:
			// hold the last reported position
			d, err := b.ctrl.Device(ctx, id)
			if err != nil {
				b.log.Infow("bridge_stop_unknown_device", "chip_id", id)
				return
			}
			percent = clampPercent(d.CurrentPercent)
		default:
			b.log.Infow("bridge_set_invalid", "chip_id", id, "payload", string(payload))
			return
		}
		b.setPercent(ctx, id, percent)
	}
}

func (b *Bridge) handleSetPosition(ctx context.Context) func(string, []byte) {
	return func(topic string, payload []byte) {
		id, ok := b.deviceFromTopic(topic, "set_position")
		if !ok {
			return
		}
		percent, err := strconv.Atoi(strings.TrimSpace(string(payload)))
		if err != nil {
			b.log.Infow("bridge_set_position_invalid", "chip_id", id, "payload", string(payload))
			return
		}
		b.setPercent(ctx, id, percent)
	}
}

func (b *Bridge) setPercent(ctx context.Context, id string, percent int) {
	res, err := b.ctrl.SetPercent(ctx, id, percent)
	if err != nil {
		b.log.Warnw("bridge_command_failed", "chip_id", id, "percent", percent, "err", err)
		return
	}
	b.log.Debugw("bridge_command", "chip_id", id, "percent", percent, "command", res.Command, "status", res.Status)
}

// deviceFromTopic extracts the chip id from <prefix>/<id>/<leaf>.
func (b *Bridge) deviceFromTopic(topic, leaf string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, b.cfg.TopicPrefix+"/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/"+leaf)
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		return "", false
	}
	return id, true
}

func clampPercent(p int) int {
	return max(0, min(100, p))
}
