package control

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sweeney/zone-controller/internal/guard"
	"github.com/sweeney/zone-controller/internal/logic"
	"github.com/sweeney/zone-controller/internal/model"
	"github.com/sweeney/zone-controller/internal/sensor"
	"github.com/sweeney/zone-controller/internal/status"
	"github.com/sweeney/zone-controller/internal/store"
	"github.com/sweeney/zone-controller/internal/telemetry"
)

// ErrNoConfig is returned by Pass for a zone that has never been populated.
var ErrNoConfig = errors.New("zone has no configuration")

// Report is the outcome of one pass.
type Report struct {
	// ID tags the pass in logs.
	ID        string
	Zone      string
	Version   uint64
	Mode      logic.PassMode
	Time      time.Time
	Targets   map[string]float64
	Signals   map[string]model.Signal
	Decisions map[string]logic.Decision
	// Errors holds the read or write error of each failed device.
	Errors map[string]error
}

// Pass runs one resolution, evaluation and actuation cycle for a zone.
// Per-device failures are recorded in the report and never abort the pass.
// Passes for the same zone never overlap.
func (l *Loop) Pass(ctx context.Context, zoneID string, mode logic.PassMode) (Report, error) {
	mu := l.zoneLock(zoneID)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	z, version, ok := l.cfg.Store.Snapshot(zoneID)
	if !ok {
		return Report{}, fmt.Errorf("zone %s: %w", zoneID, ErrNoConfig)
	}
	now := l.cfg.Now().In(l.cfg.Location)
	rep := Report{
		ID:        uuid.NewString()[:8],
		Zone:      zoneID,
		Version:   version,
		Mode:      mode,
		Time:      now,
		Decisions: make(map[string]logic.Decision),
		Errors:    make(map[string]error),
	}

	rep.Targets = logic.ResolveTargets(z, now)
	logic.ApplyTargets(&z, rep.Targets)

	tag := "zone " + zoneID + " pass " + rep.ID
	readings := l.readInputs(ctx, tag, &z, rep.Errors)

	var indeterminate []string
	rep.Signals, indeterminate = logic.EvaluateZone(z)
	for _, id := range indeterminate {
		if d := z.Device(id); d != nil && d.Direction.CanRead() && rep.Errors[id] == nil {
			log.Printf("control: %s: no decision possible for %s (missing reading or target)", tag, id)
		}
	}

	for _, d := range z.Devices {
		if !d.Direction.CanWrite() {
			continue
		}
		dec := logic.Decide(d, rep.Signals, mode)
		rep.Decisions[d.ID] = dec
		on, act := dec.Value()
		if !act {
			continue
		}
		if err := l.actuate(ctx, tag, zoneID, d, on); err != nil {
			rep.Errors[d.ID] = err
		}
		l.emit(telemetry.Point{
			Zone: zoneID, Device: d.ID, Type: d.Type, Kind: telemetry.KindDecision, Time: now,
			Value: boolValue(on), Target: d.Target, Threshold: d.Threshold, Signal: string(signalOf(rep.Signals, d.ID)),
		})
	}

	for _, d := range z.Devices {
		if r := readings[d.ID]; r != nil {
			l.emit(telemetry.Point{
				Zone: zoneID, Device: d.ID, Type: d.Type, Kind: telemetry.KindReading, Time: now,
				Value: r.Value, Unit: r.Unit, Target: d.Target, Threshold: d.Threshold, Signal: string(signalOf(rep.Signals, d.ID)),
			})
		}
	}

	if err := l.cfg.Store.RecordPass(zoneID, store.PassResult{Readings: readings, Targets: rep.Targets}); err != nil {
		log.Printf("control: %s: record pass: %v", tag, err)
	}
	if len(rep.Errors) > 0 {
		log.Printf("control: %s (%s): %d of %d devices failed", tag, mode, len(rep.Errors), len(z.Devices))
	}
	l.track(z, rep)
	l.cfg.Metrics.Pass(zoneID, mode.String(), time.Since(start))
	return rep, nil
}

// readInputs reads every input-capable device concurrently, each under its
// own timeout, and stores the results on z. Failed reads map to nil.
func (l *Loop) readInputs(ctx context.Context, tag string, z *model.Zone, errs map[string]error) map[string]*model.Reading {
	readings := make(map[string]*model.Reading)
	var mu sync.Mutex
	var g errgroup.Group
	for i := range z.Devices {
		d := &z.Devices[i]
		if !d.Direction.CanRead() {
			continue
		}
		g.Go(func() error {
			defer guard.Recover(ctx)
			v, err := sensor.ReadDevice(ctx, l.cfg.Sensors, *d, l.cfg.ReadTimeout)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Printf("control: %s: %v", tag, err)
				l.cfg.Metrics.SensorError(z.ID, d.ID)
				errs[d.ID] = err
				d.Current = nil
				readings[d.ID] = nil
				return nil
			}
			d.Current = &v
			readings[d.ID] = &v
			return nil
		})
	}
	g.Wait()
	return readings
}

func (l *Loop) actuate(ctx context.Context, tag, zoneID string, d model.Device, on bool) error {
	set, err := l.cfg.Actuators.Bind(d)
	if err != nil {
		log.Printf("control: %s: %v", tag, err)
		if len(set.Handles) == 0 {
			l.cfg.Metrics.ActuatorWrite(zoneID, on, err)
			return err
		}
	}
	wctx := ctx
	if l.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, l.cfg.WriteTimeout)
		defer cancel()
	}
	werr := l.cfg.Actuators.Actuate(wctx, set, on)
	if werr != nil {
		log.Printf("control: %s: %v", tag, werr)
	}
	err = errors.Join(err, werr)
	l.cfg.Metrics.ActuatorWrite(zoneID, on, err)
	return err
}

func (l *Loop) emit(p telemetry.Point) {
	if l.cfg.Telemetry != nil {
		l.cfg.Telemetry.Emit(p)
	}
}

func (l *Loop) track(z model.Zone, rep Report) {
	if l.cfg.Tracker == nil {
		return
	}
	zs := status.ZoneStatus{
		ID:       z.ID,
		Name:     z.Name,
		Version:  rep.Version,
		Mode:     rep.Mode.String(),
		LastPass: rep.Time,
	}
	if info, ok := l.cfg.Store.Info(z.ID); ok {
		zs.SyncState = info.State.String()
	}
	for _, d := range z.Devices {
		ds := status.DeviceStatus{
			ID:        d.ID,
			Name:      d.Name,
			Type:      d.Type,
			Direction: d.Direction,
			Current:   d.Current,
			Target:    d.Target,
			Signal:    signalOf(rep.Signals, d.ID),
		}
		if dec, ok := rep.Decisions[d.ID]; ok {
			ds.Decision = dec.String()
		}
		if err := rep.Errors[d.ID]; err != nil {
			ds.Error = err.Error()
		}
		zs.Devices = append(zs.Devices, ds)
	}
	l.cfg.Tracker.UpdateZone(zs)
}

func signalOf(signals map[string]model.Signal, id string) model.Signal {
	if s, ok := signals[id]; ok {
		return s
	}
	return model.SignalIndeterminate
}

func boolValue(on bool) float64 {
	if on {
		return 1
	}
	return 0
}
