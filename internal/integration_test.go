package internal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/zone-controller/internal/actuator"
	"github.com/sweeney/zone-controller/internal/configsync"
	"github.com/sweeney/zone-controller/internal/control"
	"github.com/sweeney/zone-controller/internal/gpio"
	"github.com/sweeney/zone-controller/internal/logic"
	"github.com/sweeney/zone-controller/internal/model"
	"github.com/sweeney/zone-controller/internal/mqtt"
	"github.com/sweeney/zone-controller/internal/persist"
	"github.com/sweeney/zone-controller/internal/remote"
	"github.com/sweeney/zone-controller/internal/sensor"
	"github.com/sweeney/zone-controller/internal/status"
	"github.com/sweeney/zone-controller/internal/store"
	"github.com/sweeney/zone-controller/internal/telemetry"
)

// Monday 2026-03-02 07:00 UTC.
var monday7 = time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)

const zoneJSON = `{
  "id": "living",
  "name": "Living room",
  "schedules": [
    {"days": [1], "start": "06:00", "changes": [{"device": "temp", "value": 21}]}
  ]
}`

const devicesJSON = `[
  {"id": "temp", "direction": "input", "type": "temperature", "threshold": 0.5, "calibration": -0.5,
   "interface": {"type": "ds18x20", "address": "28-1"}},
  {"id": "heater", "direction": "output", "type": "on-off",
   "interface": {"type": "gpio", "addresses": ["17", "27"]},
   "rules": [{"device": "temp", "direction": "increase"}]}
]`

// authority is a fake remote configuration server.
type authority struct {
	mu   sync.Mutex
	down bool
	hits int
}

func (a *authority) setDown(v bool) {
	a.mu.Lock()
	a.down = v
	a.mu.Unlock()
}

func (a *authority) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	a.hits++
	down := a.down
	a.mu.Unlock()
	if down {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	if r.URL.Query().Get("api_key") != "secret" {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/api/homes/h1/zones/living":
		w.Write([]byte(zoneJSON))
	case "/api/homes/h1/zones/living/devices":
		w.Write([]byte(devicesJSON))
	default:
		http.NotFound(w, r)
	}
}

type system struct {
	auth    *authority
	store   *store.Store
	engine  *configsync.Engine
	loop    *control.Loop
	binder  *actuator.Binder
	opener  *gpio.FakeOpener
	reader  *sensor.FakeReader
	client  *mqtt.FakeClient
	emitter *telemetry.Emitter
	snaps   *persist.Store
	tracker *status.Tracker
	dbPath  string
}

func newSystem(t *testing.T) *system {
	t.Helper()
	s := &system{
		auth:    &authority{},
		store:   store.New(func() time.Time { return monday7 }),
		opener:  gpio.NewFakeOpener(),
		reader:  sensor.NewFakeReader(),
		client:  mqtt.NewFakeClient(),
		tracker: status.NewTracker(monday7, status.Config{Home: "h1"}),
		dbPath:  filepath.Join(t.TempDir(), "snapshot.db"),
	}
	srv := httptest.NewServer(s.auth)
	t.Cleanup(srv.Close)

	rc, err := remote.NewClient(srv.URL, "h1", "secret", time.Second)
	if err != nil {
		t.Fatalf("remote client: %v", err)
	}
	s.snaps, err = persist.Open(s.dbPath)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	t.Cleanup(func() { s.snaps.Close() })

	s.binder = actuator.NewBinder(s.opener, "")
	t.Cleanup(func() { s.binder.Close() })

	s.store.Register("living")
	s.engine = configsync.New(configsync.Config{
		Home:    "h1",
		Store:   s.store,
		Source:  rc,
		Saver:   s.snaps,
		Binder:  s.binder,
		Timeout: time.Second,
		Now:     func() time.Time { return monday7 },
	})
	s.emitter = telemetry.NewEmitter(s.client, "h1", 64, nil)
	s.loop = control.New(control.Config{
		Store:        s.store,
		Sensors:      s.reader,
		Actuators:    s.binder,
		Sync:         s.engine,
		Telemetry:    s.emitter,
		Tracker:      s.tracker,
		Location:     time.UTC,
		Now:          func() time.Time { return monday7 },
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	if err := s.client.Subscribe(mqtt.EventFilter("h1"), 1, s.engine.Handler()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return s
}

func (s *system) pass(t *testing.T, mode logic.PassMode) control.Report {
	t.Helper()
	rep, err := s.loop.Pass(context.Background(), "living", mode)
	if err != nil {
		t.Fatalf("pass: %v", err)
	}
	return rep
}

// flushTelemetry drains queued points into the fake client.
func (s *system) flushTelemetry() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.emitter.Run(ctx)
}

func (s *system) lines() (l17, l27 *gpio.FakeLine) {
	return s.opener.Line("17"), s.opener.Line("27")
}

func lastOn(t *testing.T, l *gpio.FakeLine) bool {
	t.Helper()
	if l == nil {
		t.Fatal("line never opened")
	}
	on, known := l.Last()
	if !known {
		t.Fatalf("line %s never written", l.Address)
	}
	return on
}

// TestIntegrationRefreshToActuation runs remote refresh, sensing, decision,
// actuation on both lines, telemetry and persistence together.
func TestIntegrationRefreshToActuation(t *testing.T) {
	s := newSystem(t)
	if err := s.engine.Refresh(context.Background(), "living"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	// 20 - 0.5 calibration = 19.5 <= 21 - 0.5
	s.reader.Set(sensor.KindDS18x20, "28-1", 20)

	rep := s.pass(t, logic.ResetPass)
	if rep.Decisions["heater"] != logic.DecisionOn {
		t.Fatalf("heater decision: got %s, want ON", rep.Decisions["heater"])
	}
	l17, l27 := s.lines()
	if !lastOn(t, l17) || !lastOn(t, l27) {
		t.Error("both heater lines should be on")
	}
	if l17.ActiveHigh || l27.ActiveHigh {
		t.Error("outputs should default to active-low")
	}

	s.flushTelemetry()
	msgs := s.client.PublishedTo(mqtt.TelemetryTopic("h1", "living", "temp", "temperature"))
	if len(msgs) != 1 {
		t.Fatalf("temp telemetry: got %d messages, want 1", len(msgs))
	}
	if !msgs[0].Retained || msgs[0].QoS != 1 {
		t.Errorf("telemetry: retained=%v qos=%d", msgs[0].Retained, msgs[0].QoS)
	}
	var p telemetry.Payload
	if err := json.Unmarshal(msgs[0].Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.Value != 19.5 || p.Target == nil || *p.Target != 21 {
		t.Errorf("payload: value=%v target=%v", p.Value, p.Target)
	}
	if p.Data.Unit != "C" || p.Data.Signal != "increase" || p.Data.Threshold != 0.5 {
		t.Errorf("payload data: %+v", p.Data)
	}
	if p.Time != "2026-03-02T07:00:00Z" {
		t.Errorf("payload time: %s", p.Time)
	}
	if n := len(s.client.PublishedTo(mqtt.TelemetryTopic("h1", "living", "heater", "on-off"))); n != 1 {
		t.Errorf("heater decision telemetry: got %d, want 1", n)
	}

	snap, ok, err := s.snaps.Load(context.Background(), "living")
	if err != nil || !ok {
		t.Fatalf("snapshot: ok=%v err=%v", ok, err)
	}
	if len(snap.Zone.Devices) != 2 || snap.Version != 1 {
		t.Errorf("snapshot: %d devices, version %d", len(snap.Zone.Devices), snap.Version)
	}
}

// TestIntegrationRefreshFailureKeepsLastKnownGood: a failed pull leaves the
// zone Stale with its previous devices and targets, and control continues.
func TestIntegrationRefreshFailureKeepsLastKnownGood(t *testing.T) {
	s := newSystem(t)
	if err := s.engine.Refresh(context.Background(), "living"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	s.reader.Set(sensor.KindDS18x20, "28-1", 25)
	before := s.pass(t, logic.IncrementalPass)

	s.auth.setDown(true)
	err := s.engine.Refresh(context.Background(), "living")
	var serr *configsync.SyncError
	if !errors.As(err, &serr) {
		t.Fatalf("refresh error: got %v, want SyncError", err)
	}
	var httpErr *remote.StatusError
	if !errors.As(err, &httpErr) || httpErr.Code != http.StatusBadGateway {
		t.Errorf("refresh error should wrap the 502: %v", err)
	}
	info, _ := s.store.Info("living")
	if info.State != store.Stale {
		t.Errorf("state: got %s, want STALE", info.State)
	}

	after := s.pass(t, logic.IncrementalPass)
	if after.Version != before.Version {
		t.Errorf("version changed: %d -> %d", before.Version, after.Version)
	}
	if after.Targets["temp"] != before.Targets["temp"] || after.Signals["temp"] != before.Signals["temp"] {
		t.Errorf("evaluation changed: before %+v after %+v", before.Signals, after.Signals)
	}
	if after.Decisions["heater"] != logic.DecisionOff {
		t.Errorf("heater: got %s, want OFF", after.Decisions["heater"])
	}

	s.auth.setDown(false)
	if err := s.engine.Refresh(context.Background(), "living"); err != nil {
		t.Fatalf("refresh after recovery: %v", err)
	}
	info, _ = s.store.Info("living")
	if info.State != store.Consistent {
		t.Errorf("state after recovery: got %s, want CONSISTENT", info.State)
	}
}

// TestIntegrationDeviceRemovedLeavesActuator: removing an output over MQTT
// drops it from the zone but leaves its lines at the last commanded level
// until shutdown turns them off.
func TestIntegrationDeviceRemovedLeavesActuator(t *testing.T) {
	s := newSystem(t)
	if err := s.engine.Refresh(context.Background(), "living"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	s.reader.Set(sensor.KindDS18x20, "28-1", 18)
	s.pass(t, logic.ResetPass)

	n := s.client.Deliver(mqtt.EventTopic("h1", "living", mqtt.OpDeviceRemoved), []byte(`{"id":"heater"}`))
	if n != 1 {
		t.Fatalf("delivered to %d handlers", n)
	}
	z, _, _ := s.store.Snapshot("living")
	if z.Device("heater") != nil {
		t.Fatal("heater still in zone")
	}

	s.pass(t, logic.ResetPass)
	l17, l27 := s.lines()
	if !lastOn(t, l17) || !lastOn(t, l27) {
		t.Error("removed device's lines should keep their last level")
	}
	orphans := s.binder.Orphans(z.Devices)
	if len(orphans) != 2 {
		t.Errorf("orphans: got %v, want both heater lines", orphans)
	}

	s.loop.Shutdown()
	if lastOn(t, l17) || lastOn(t, l27) {
		t.Error("shutdown should turn orphaned lines off")
	}
}

// TestIntegrationIncrementalEvents applies device and zone events and checks
// the merged result drives the next pass.
func TestIntegrationIncrementalEvents(t *testing.T) {
	s := newSystem(t)
	if err := s.engine.Refresh(context.Background(), "living"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	s.reader.Set(sensor.KindDS18x20, "28-1", 21)
	s.reader.Set(sensor.KindDS18x20, "28-9", 30)

	events := []struct {
		op      mqtt.Operation
		payload string
	}{
		{mqtt.OpDeviceCreated, `{"id":"probe","direction":"input","type":"temperature","threshold":1,"interface":{"type":"ds18x20","address":"28-9"}}`},
		{mqtt.OpZoneUpdated, `{"schedules":[{"days":[1],"start":"05:00","changes":[{"device":"temp","value":21},{"device":"probe","value":{"value":24,"unit":"C"}}]}]}`},
		{mqtt.OpDeviceUpdated, `{"id":"heater","rules":[{"device":"probe","direction":"decrease"}]}`},
		{mqtt.OpDeviceUpdated, `not json`},
	}
	for _, e := range events {
		s.client.Deliver(mqtt.EventTopic("h1", "living", e.op), []byte(e.payload))
	}

	rep := s.pass(t, logic.IncrementalPass)
	if rep.Targets["probe"] != 24 {
		t.Errorf("probe target: got %v, want 24", rep.Targets["probe"])
	}
	if rep.Signals["probe"] != model.SignalDecrease {
		t.Errorf("probe signal: got %s, want decrease", rep.Signals["probe"])
	}
	if rep.Decisions["heater"] != logic.DecisionOn {
		t.Errorf("heater: got %s, want ON", rep.Decisions["heater"])
	}
	info, _ := s.store.Info("living")
	if info.State != store.Consistent {
		t.Errorf("state: got %s, want CONSISTENT", info.State)
	}
	if info.Version != 4 {
		t.Errorf("version: got %d, want 4 (refresh + three accepted events)", info.Version)
	}
}

// TestIntegrationRestartFromSnapshot seeds a fresh store from the snapshot a
// previous run wrote and controls without the remote.
func TestIntegrationRestartFromSnapshot(t *testing.T) {
	s := newSystem(t)
	if err := s.engine.Refresh(context.Background(), "living"); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	saved, err := s.snaps.LoadAll(context.Background())
	if err != nil || len(saved) != 1 {
		t.Fatalf("load: %d snapshots, err %v", len(saved), err)
	}
	if saved[0].Zone.Devices[0].Current != nil || saved[0].Zone.Devices[0].Target != nil {
		t.Error("runtime state should not be persisted")
	}

	fresh := store.New(func() time.Time { return monday7 })
	if ok, err := fresh.Seed(saved[0].Zone); err != nil || !ok {
		t.Fatalf("seed: ok=%v err=%v", ok, err)
	}
	opener := gpio.NewFakeOpener()
	binder := actuator.NewBinder(opener, "")
	defer binder.Close()
	loop := control.New(control.Config{
		Store:     fresh,
		Sensors:   s.reader,
		Actuators: binder,
		Location:  time.UTC,
		Now:       func() time.Time { return monday7 },
	})
	s.reader.Set(sensor.KindDS18x20, "28-1", 19)
	rep, err := loop.Pass(context.Background(), "living", logic.ResetPass)
	if err != nil {
		t.Fatalf("pass: %v", err)
	}
	if rep.Decisions["heater"] != logic.DecisionOn {
		t.Errorf("heater: got %s, want ON", rep.Decisions["heater"])
	}
	info, _ := fresh.Info("living")
	if info.State != store.Stale {
		t.Errorf("seeded zone state: got %s, want STALE", info.State)
	}
}
