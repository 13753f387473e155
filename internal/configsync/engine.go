// Package configsync keeps the local zone store consistent with the remote
// authority. Full refreshes pull whole zones; incremental events arriving over
// MQTT are merged field by field. Both paths end in the same place: a store
// write followed by a control pass for the zone.
package configsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sweeney/zone-controller/internal/actuator"
	"github.com/sweeney/zone-controller/internal/metrics"
	"github.com/sweeney/zone-controller/internal/model"
	"github.com/sweeney/zone-controller/internal/mqtt"
	"github.com/sweeney/zone-controller/internal/store"
)

// Source fetches a complete zone, devices included.
type Source interface {
	FetchZone(ctx context.Context, zoneID string) (model.Zone, error)
}

// Saver persists a zone after a successful sync.
type Saver interface {
	Save(ctx context.Context, zone model.Zone, version uint64, at time.Time) error
}

// Binder binds output devices to their lines.
type Binder interface {
	Bind(d model.Device) (actuator.Set, error)
}

// Config wires an Engine. Only Home and Store are required; a nil Source
// makes refresh a no-op (pure static configuration).
type Config struct {
	Home    string
	Store   *store.Store
	Source  Source
	Saver   Saver
	Binder  Binder
	Metrics *metrics.Metrics
	// Timeout bounds one zone fetch. Zero means no extra bound.
	Timeout time.Duration
	// OnState, if set, is called on every sync state transition.
	OnState func(zoneID string, state store.SyncState)
	// Now defaults to time.Now.
	Now func() time.Time
}

// Engine is the sync engine.
type Engine struct {
	cfg Config

	mu      sync.RWMutex
	trigger func(zoneID string)
}

// New creates an Engine.
func New(cfg Config) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{cfg: cfg}
}

// SetTrigger installs the function called after every accepted event.
func (e *Engine) SetTrigger(fn func(zoneID string)) {
	e.mu.Lock()
	e.trigger = fn
	e.mu.Unlock()
}

// HasRemote reports whether refreshes reach a remote authority.
func (e *Engine) HasRemote() bool {
	return e.cfg.Source != nil
}

// Refresh pulls the zone from the authority and replaces the local copy.
// On failure the zone returns to Stale with its last-known-good configuration
// untouched, and a *SyncError is returned.
func (e *Engine) Refresh(ctx context.Context, zoneID string) error {
	if e.cfg.Source == nil {
		return nil
	}
	st := e.cfg.Store
	e.setState(zoneID, store.Refreshing)

	fctx := ctx
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}
	z, err := e.cfg.Source.FetchZone(fctx, zoneID)
	if err == nil {
		z.ID = zoneID
		var version uint64
		version, err = st.Replace(z)
		if err == nil {
			e.cfg.Metrics.Refresh(zoneID, version, nil)
			e.notify(zoneID, store.Consistent)
			log.Printf("sync: zone %s refreshed (version %d, %d devices)", zoneID, version, len(z.Devices))
			e.afterWrite(ctx, zoneID)
			return nil
		}
	}

	e.setState(zoneID, store.Stale)
	e.cfg.Metrics.Refresh(zoneID, 0, err)
	serr := &SyncError{Zone: zoneID, Err: err}
	log.Printf("sync: %v (keeping last known configuration)", serr)
	return serr
}

// RefreshAll refreshes every known zone concurrently and returns every
// failure joined.
func (e *Engine) RefreshAll(ctx context.Context) error {
	ids := e.cfg.Store.ZoneIDs()
	errs := make([]error, len(ids))
	var g errgroup.Group
	g.SetLimit(4)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			errs[i] = e.Refresh(ctx, id)
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

// HandleEvent merges one incremental event. On success it triggers a control
// pass for the zone; on failure the event is dropped, nothing is mutated and a
// *MergeError is returned.
func (e *Engine) HandleEvent(topic string, payload []byte) error {
	zoneID, op, err := mqtt.ParseEventTopic(e.cfg.Home, topic)
	if err != nil {
		merr := &MergeError{Topic: topic, Err: err}
		e.cfg.Metrics.Event("unknown", merr)
		log.Printf("sync: dropping event: %v", merr)
		return merr
	}

	err = e.apply(zoneID, op, payload)
	e.cfg.Metrics.Event(string(op), err)
	if err != nil {
		merr := &MergeError{Topic: topic, Zone: zoneID, Op: string(op), Err: err}
		log.Printf("sync: dropping event: %v", merr)
		return merr
	}
	log.Printf("sync: applied %s on zone %s", op, zoneID)

	e.afterWrite(context.Background(), zoneID)

	e.mu.RLock()
	trigger := e.trigger
	e.mu.RUnlock()
	if trigger != nil {
		trigger(zoneID)
	}
	return nil
}

// Handler adapts HandleEvent to an MQTT subscription handler.
func (e *Engine) Handler() mqtt.Handler {
	return func(topic string, payload []byte) {
		_ = e.HandleEvent(topic, payload)
	}
}

func (e *Engine) apply(zoneID string, op mqtt.Operation, payload []byte) error {
	st := e.cfg.Store
	switch op {
	case mqtt.OpZoneUpdated:
		_, err := st.MergeZone(zoneID, payload)
		return err
	case mqtt.OpDeviceUpdated, mqtt.OpDeviceCreated:
		id, created, err := st.UpsertDevice(zoneID, payload)
		if err != nil {
			return err
		}
		if op == mqtt.OpDeviceUpdated && created {
			log.Printf("sync: zone %s: update for unknown device %s, created it", zoneID, id)
		}
		return nil
	case mqtt.OpDeviceRemoved:
		id, err := removedID(payload)
		if err != nil {
			return err
		}
		_, err = st.RemoveDevice(zoneID, id)
		return err
	default:
		return fmt.Errorf("unsupported operation %q", op)
	}
}

// removedID accepts {"id": "..."} or a bare JSON string.
func removedID(payload []byte) (string, error) {
	payload = bytes.TrimSpace(payload)
	var id string
	if len(payload) > 0 && payload[0] == '"' {
		if err := json.Unmarshal(payload, &id); err != nil {
			return "", fmt.Errorf("decode device id: %w", err)
		}
	} else {
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(payload, &obj); err != nil {
			return "", fmt.Errorf("decode device id: %w", err)
		}
		id = obj.ID
	}
	if id == "" {
		return "", errors.New("missing device id")
	}
	return id, nil
}

func (e *Engine) setState(zoneID string, state store.SyncState) {
	e.cfg.Store.SetState(zoneID, state)
	e.notify(zoneID, state)
}

func (e *Engine) notify(zoneID string, state store.SyncState) {
	if e.cfg.OnState != nil {
		e.cfg.OnState(zoneID, state)
	}
}

// afterWrite rebinds outputs and persists the zone. Failures are logged only:
// the store already holds the new configuration.
func (e *Engine) afterWrite(ctx context.Context, zoneID string) {
	z, version, ok := e.cfg.Store.Snapshot(zoneID)
	if !ok {
		return
	}
	e.cfg.Metrics.Version(zoneID, version)
	if e.cfg.Binder != nil {
		for _, d := range z.Devices {
			if !d.Direction.CanWrite() {
				continue
			}
			if _, err := e.cfg.Binder.Bind(d); err != nil {
				log.Printf("sync: zone %s: %v", zoneID, err)
			}
		}
	}
	if e.cfg.Saver != nil {
		if err := e.cfg.Saver.Save(ctx, z, version, e.cfg.Now()); err != nil {
			log.Printf("sync: persist zone %s: %v", zoneID, err)
		}
	}
}
