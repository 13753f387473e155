// Package control runs the zone control loop.
//
// Each zone has one worker goroutine, so passes for a zone are serialized
// while different zones run concurrently. Requests that arrive while a pass
// is running are coalesced into a single follow-up pass: a newer trigger is
// never lost, and a burst of triggers costs at most one extra pass.
package control

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/sweeney/zone-controller/internal/actuator"
	"github.com/sweeney/zone-controller/internal/guard"
	"github.com/sweeney/zone-controller/internal/logic"
	"github.com/sweeney/zone-controller/internal/metrics"
	"github.com/sweeney/zone-controller/internal/model"
	"github.com/sweeney/zone-controller/internal/sensor"
	"github.com/sweeney/zone-controller/internal/status"
	"github.com/sweeney/zone-controller/internal/store"
	"github.com/sweeney/zone-controller/internal/telemetry"
)

// Actuators binds and drives output devices.
type Actuators interface {
	Bind(d model.Device) (actuator.Set, error)
	Actuate(ctx context.Context, set actuator.Set, on bool) error
	SafeOff(ctx context.Context) error
	Orphans(declared []model.Device) []string
}

// Syncer refreshes a zone from the remote authority.
type Syncer interface {
	Refresh(ctx context.Context, zoneID string) error
	HasRemote() bool
}

// Emitter accepts telemetry without blocking.
type Emitter interface {
	Emit(p telemetry.Point) bool
}

// Config wires a Loop. Store, Sensors and Actuators are required.
type Config struct {
	Store     *store.Store
	Sensors   sensor.Reader
	Actuators Actuators
	Sync      Syncer
	Telemetry Emitter
	Metrics   *metrics.Metrics
	Tracker   *status.Tracker

	// Location is the timezone schedules are evaluated in. Defaults to time.Local.
	Location *time.Location
	// Now defaults to time.Now.
	Now func() time.Time

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type request struct {
	mode    logic.PassMode
	refresh bool
}

func (r request) merge(o request) request {
	if o.mode == logic.ResetPass {
		r.mode = logic.ResetPass
	}
	r.refresh = r.refresh || o.refresh
	return r
}

type worker struct {
	zone    string
	wake    chan struct{}
	pending *request
	started bool
}

// Loop is the control loop.
type Loop struct {
	cfg Config

	mu      sync.Mutex
	workers map[string]*worker
	locks   map[string]*sync.Mutex
	ctx     context.Context
	wg      sync.WaitGroup
	// passDone, if set, is called after every worker pass. Used by tests.
	passDone func(zoneID string)
}

// New creates a Loop.
func New(cfg Config) *Loop {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	return &Loop{
		cfg:     cfg,
		workers: make(map[string]*worker),
		locks:   make(map[string]*sync.Mutex),
	}
}

func (l *Loop) zoneLock(zoneID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	mu, ok := l.locks[zoneID]
	if !ok {
		mu = &sync.Mutex{}
		l.locks[zoneID] = mu
	}
	return mu
}

// Trigger requests an incremental pass for a zone.
func (l *Loop) Trigger(zoneID string) {
	l.enqueue(zoneID, request{mode: logic.IncrementalPass})
}

// Reset requests a reset pass, preceded by a refresh when a remote is configured.
func (l *Loop) Reset(zoneID string) {
	l.enqueue(zoneID, request{mode: logic.ResetPass, refresh: l.hasRemote()})
}

func (l *Loop) hasRemote() bool {
	return l.cfg.Sync != nil && l.cfg.Sync.HasRemote()
}

func (l *Loop) enqueue(zoneID string, req request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.workers[zoneID]
	if !ok {
		w = &worker{zone: zoneID, wake: make(chan struct{}, 1)}
		l.workers[zoneID] = w
	}
	if w.pending == nil {
		w.pending = &req
	} else {
		merged := w.pending.merge(req)
		w.pending = &merged
	}
	if l.ctx != nil && l.ctx.Err() == nil && !w.started {
		l.startLocked(w)
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) startLocked(w *worker) {
	w.started = true
	l.wg.Add(1)
	go l.runWorker(l.ctx, w)
}

func (l *Loop) take(w *worker) (request, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w.pending == nil {
		return request{}, false
	}
	req := *w.pending
	w.pending = nil
	return req, true
}

func (l *Loop) runWorker(ctx context.Context, w *worker) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		}
		req, ok := l.take(w)
		if !ok {
			continue
		}
		l.runRequest(ctx, w.zone, req)
		if l.passDone != nil {
			l.passDone(w.zone)
		}
	}
}

// runRequest executes one request. A panic here or in any goroutine the pass
// starts puts every actuator in its safe state before it propagates.
func (l *Loop) runRequest(ctx context.Context, zoneID string, req request) {
	defer guard.Recover(ctx)
	if req.refresh && l.cfg.Sync != nil {
		// Errors are logged by the sync engine; the pass runs on last-known-good data.
		_ = l.cfg.Sync.Refresh(ctx, zoneID)
	}
	if _, err := l.Pass(ctx, zoneID, req.mode); err != nil {
		log.Printf("control: %v", err)
	}
}

// Run drives the loop until ctx is done. Every known zone first gets a
// refresh and a reset pass. Each tick then requests an incremental pass for
// every zone, and each refreshTick a refresh followed by an incremental pass.
// Either channel may be nil.
func (l *Loop) Run(ctx context.Context, tick, refreshTick <-chan time.Time) error {
	ctx = guard.WithHook(ctx, l.crash)
	l.mu.Lock()
	l.ctx = ctx
	for _, w := range l.workers {
		if !w.started {
			l.startLocked(w)
		}
	}
	l.mu.Unlock()

	for _, id := range l.cfg.Store.ZoneIDs() {
		l.Reset(id)
	}

	for {
		select {
		case <-ctx.Done():
			l.wg.Wait()
			return nil
		case <-tick:
			for _, id := range l.cfg.Store.ZoneIDs() {
				l.Trigger(id)
			}
			l.reportOrphans()
		case <-refreshTick:
			for _, id := range l.cfg.Store.ZoneIDs() {
				l.enqueue(id, request{mode: logic.IncrementalPass, refresh: l.hasRemote()})
			}
		}
	}
}

func (l *Loop) reportOrphans() {
	if l.cfg.Metrics == nil {
		return
	}
	var declared []model.Device
	for _, id := range l.cfg.Store.ZoneIDs() {
		if z, _, ok := l.cfg.Store.Snapshot(id); ok {
			declared = append(declared, z.Devices...)
		}
	}
	l.cfg.Metrics.Orphans(len(l.cfg.Actuators.Orphans(declared)))
}

// crash runs when a pass panics, before the panic takes the process down.
func (l *Loop) crash(r any) {
	log.Printf("control: panic during pass: %v", r)
	l.Shutdown()
}

// Shutdown commands every actuator off, waiting at most ShutdownTimeout.
// Individual failures are logged and do not stop the others.
func (l *Loop) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.ShutdownTimeout)
	defer cancel()
	if err := l.cfg.Actuators.SafeOff(ctx); err != nil {
		log.Printf("control: shutdown: %v", err)
		return
	}
	log.Printf("control: all actuators off")
}
