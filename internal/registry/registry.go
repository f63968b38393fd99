// Package registry is the gateway's single source of truth: which devices
// are known, which of them have a live session, and what they last reported.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"shadegate/internal/calibration"
	"shadegate/internal/logger"
	"shadegate/internal/models"
	"shadegate/internal/repository"
	"shadegate/internal/session"
)

// PersistMode selects when the record store is written.
type PersistMode int

const (
	// PersistSync writes a full snapshot after every mutation.
	PersistSync PersistMode = iota
	// PersistAsync marks the registry dirty and leaves writing to Run.
	PersistAsync
)

const defaultFlushInterval = 2 * time.Second

// Options configure a Registry.
type Options struct {
	Persist       PersistMode
	FlushInterval time.Duration // PersistAsync only
}

// Registry tracks device records and the live session bound to each of them.
//
// Every bound identity has a record, and records are never removed. Changes
// are persisted and published to observers in the order they were applied.
type Registry struct {
	store repository.DeviceStore
	log   *logger.Logger
	opts  Options
	now   func() time.Time

	mu      sync.Mutex
	live    map[string]session.Peer
	bound   map[session.Peer]string
	records map[string]*models.DeviceRecord

	// Each mutation takes a ticket under mu and publishes (persist, then
	// notify) only when its ticket is served, outside mu.
	nextTicket uint64
	turnMu     sync.Mutex
	turn       *sync.Cond
	served     uint64

	obsMu     sync.RWMutex
	observers []func(models.DeviceEvent)

	dirty atomic.Bool
}

var _ session.Sink = (*Registry)(nil)

// New returns an empty registry. store may be nil, in which case nothing is
// persisted.
func New(store repository.DeviceStore, log *logger.Logger, opts Options) *Registry {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	r := &Registry{
		store:   store,
		log:     logger.OrNop(log).Named("registry"),
		opts:    opts,
		now:     time.Now,
		live:    make(map[string]session.Peer),
		bound:   make(map[session.Peer]string),
		records: make(map[string]*models.DeviceRecord),
	}
	r.turn = sync.NewCond(&r.turnMu)
	return r
}

// Load fills the registry from the store. A missing or unreadable store is
// logged and the registry starts empty. Loaded devices are always offline.
func (r *Registry) Load(ctx context.Context) {
	if r.store == nil {
		return
	}
	recs, err := r.store.Load(ctx)
	if err != nil {
		r.log.Warnw("registry_load_failed", "err", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range recs {
		if d.ChipID == "" {
			continue
		}
		d.Online = false
		d.CurrentPercent = calibration.RawToPercent(d.RawPosition)
		rec := d
		r.records[d.ChipID] = &rec
	}
	r.log.Infow("registry_loaded", "devices", len(r.records))
}

// Subscribe registers fn to be called after every change. Observers run
// synchronously, one change at a time, and must not mutate the registry.
func (r *Registry) Subscribe(fn func(models.DeviceEvent)) {
	r.obsMu.Lock()
	r.observers = append(r.observers, fn)
	r.obsMu.Unlock()
}

// Ingest applies a status report received on p. The newest session to
// report an identity owns it; a previous owner is told it was superseded.
func (r *Registry) Ingest(ctx context.Context, p session.Peer, st session.Status) {
	id := st.Identity()
	now := r.now().UTC()

	r.mu.Lock()

	var events []models.DeviceEvent

	// a session that starts reporting a different chip gives up the old one
	if old, ok := r.bound[p]; ok && old != id {
		delete(r.live, old)
		if rec := r.records[old]; rec != nil {
			rec.Online = false
			events = append(events, models.DeviceEvent{Type: models.EventOffline, Device: *rec})
		}
	}

	var superseded session.Peer
	if cur, ok := r.live[id]; ok && cur != p {
		superseded = cur
		delete(r.bound, cur)
	}
	r.live[id] = p
	r.bound[p] = id

	rec, known := r.records[id]
	if !known {
		rec = &models.DeviceRecord{
			ChipID:    id,
			Name:      "Shade " + id,
			FirstSeen: now,
		}
		r.records[id] = rec
	}
	wasOnline := rec.Online

	if st.Model != "" {
		rec.Model = st.Model
	}
	if st.Version != "" {
		rec.FirmwareVersion = st.Version
	}
	if st.Position != nil {
		rec.RawPosition = *st.Position
	}
	rec.CurrentPercent = calibration.RawToPercent(rec.RawPosition)
	rec.Online = true
	rec.LastSeen = now

	if !wasOnline {
		events = append(events, models.DeviceEvent{Type: models.EventOnline, Device: *rec, FirstSight: !known})
	}
	events = append(events, models.DeviceEvent{Type: models.EventStatus, Device: *rec, FirstSight: !known})

	snap := r.snapshotForPersistLocked()
	ticket := r.takeTicketLocked()
	r.mu.Unlock()

	r.waitTurn(ticket)
	defer r.endTurn()

	if superseded != nil {
		r.log.Infow("registry_session_superseded", "chip_id", id, "old", superseded.RemoteAddr(), "new", p.RemoteAddr())
		superseded.Supersede()
	}
	r.persist(ctx, snap)
	r.notify(events)
}

// Release unbinds p. It only affects the identity p still owns, so the
// teardown of a superseded session leaves its successor online.
func (r *Registry) Release(ctx context.Context, p session.Peer) {
	r.mu.Lock()
	id, ok := r.bound[p]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.bound, p)
	if r.live[id] != p {
		r.mu.Unlock()
		return
	}
	delete(r.live, id)

	rec := r.records[id]
	rec.Online = false
	ev := models.DeviceEvent{Type: models.EventOffline, Device: *rec}

	snap := r.snapshotForPersistLocked()
	ticket := r.takeTicketLocked()
	r.mu.Unlock()

	r.waitTurn(ticket)
	defer r.endTurn()

	r.log.Infow("registry_device_offline", "chip_id", id)
	r.persist(ctx, snap)
	r.notify([]models.DeviceEvent{ev})
}

// Dispatch sends command to the live session of id. It reports
// DispatchOffline without writing anything when no session is bound.
// Delivery is fire-and-forget: a failed write is logged and still reported
// as sent, unless the session was already closed.
func (r *Registry) Dispatch(ctx context.Context, id string, command int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	r.mu.Lock()
	p, ok := r.live[id]
	r.mu.Unlock()
	if !ok {
		return models.DispatchOffline, nil
	}

	payload, err := session.EncodeCommand(id, command)
	if err != nil {
		return "", fmt.Errorf("encode command: %w", err)
	}
	if err := p.Send(payload); err != nil {
		if errors.Is(err, session.ErrClosed) {
			return models.DispatchOffline, nil
		}
		r.log.Warnw("registry_dispatch_failed", "chip_id", id, "command", command, "err", err)
	}
	return models.DispatchSent, nil
}

// Device returns a copy of the record for id.
func (r *Registry) Device(id string) (models.DeviceRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return models.DeviceRecord{}, false
	}
	return *rec, true
}

// Snapshot returns copies of all records ordered by chip id.
func (r *Registry) Snapshot() []models.DeviceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Health reports the number of live sessions and known devices.
func (r *Registry) Health() models.Health {
	r.mu.Lock()
	defer r.mu.Unlock()
	return models.Health{LiveSessions: len(r.live), KnownDevices: len(r.records)}
}

// Run flushes dirty state every FlushInterval until ctx is done, then
// flushes once more. In PersistSync mode it only waits for ctx.
func (r *Registry) Run(ctx context.Context) {
	if r.opts.Persist != PersistAsync || r.store == nil {
		<-ctx.Done()
		return
	}

	t := time.NewTicker(r.opts.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Flush(context.WithoutCancel(ctx))
			return
		case <-t.C:
			r.Flush(ctx)
		}
	}
}

// Flush writes the current snapshot if anything changed since the last write.
func (r *Registry) Flush(ctx context.Context) {
	if r.store == nil || !r.dirty.Swap(false) {
		return
	}
	r.mu.Lock()
	snap := r.snapshotLocked()
	ticket := r.takeTicketLocked()
	r.mu.Unlock()

	r.waitTurn(ticket)
	defer r.endTurn()

	r.save(ctx, snap)
}

// takeTicketLocked reserves the next publish slot. Caller holds mu, so
// tickets follow mutation order.
func (r *Registry) takeTicketLocked() uint64 {
	t := r.nextTicket
	r.nextTicket++
	return t
}

// waitTurn blocks until every earlier ticket has been published. It must
// not be called with mu held: readers and Dispatch never wait on storage.
func (r *Registry) waitTurn(ticket uint64) {
	r.turnMu.Lock()
	for r.served != ticket {
		r.turn.Wait()
	}
	r.turnMu.Unlock()
}

func (r *Registry) endTurn() {
	r.turnMu.Lock()
	r.served++
	r.turnMu.Unlock()
	r.turn.Broadcast()
}

func (r *Registry) snapshotLocked() []models.DeviceRecord {
	out := make([]models.DeviceRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChipID < out[j].ChipID })
	return out
}

// snapshotForPersistLocked returns the snapshot a synchronous write needs,
// or nil when writing is deferred to the flusher.
func (r *Registry) snapshotForPersistLocked() []models.DeviceRecord {
	if r.store == nil || r.opts.Persist == PersistAsync {
		return nil
	}
	return r.snapshotLocked()
}

func (r *Registry) persist(ctx context.Context, snap []models.DeviceRecord) {
	if r.store == nil {
		return
	}
	if r.opts.Persist == PersistAsync {
		r.dirty.Store(true)
		return
	}
	r.save(ctx, snap)
}

// save never fails the caller: memory stays authoritative.
func (r *Registry) save(ctx context.Context, snap []models.DeviceRecord) {
	if err := r.store.Save(ctx, snap); err != nil {
		r.log.Errorw("registry_persist_failed", "devices", len(snap), "err", err)
	}
}

func (r *Registry) notify(events []models.DeviceEvent) {
	r.obsMu.RLock()
	observers := r.observers
	r.obsMu.RUnlock()
	for _, ev := range events {
		for _, fn := range observers {
			fn(ev)
		}
	}
}
