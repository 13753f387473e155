// Package store holds the authoritative local copy of every zone.
//
// All writes go through the merge API below and are serialized by one lock.
// Every configuration write validates the result, normalizes schedule and
// override order and bumps the zone's version. Readers only ever see deep
// copies.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sweeney/zone-controller/internal/model"
)

var (
	// ErrUnknownZone is returned for writes against a zone the store has never seen.
	ErrUnknownZone = errors.New("unknown zone")
	// ErrUnknownDevice is returned when removing a device that does not exist.
	ErrUnknownDevice = errors.New("unknown device")
)

// SyncState tracks how a zone's local copy relates to the remote authority.
type SyncState int

const (
	Stale SyncState = iota
	Refreshing
	Consistent
)

func (s SyncState) String() string {
	switch s {
	case Stale:
		return "STALE"
	case Refreshing:
		return "REFRESHING"
	case Consistent:
		return "CONSISTENT"
	default:
		return fmt.Sprintf("SyncState(%d)", int(s))
	}
}

// Info describes a zone entry without copying its configuration.
type Info struct {
	ID        string
	Version   uint64
	State     SyncState
	UpdatedAt time.Time
	// HasConfig is false for zones registered but never populated.
	HasConfig bool
}

type entry struct {
	zone      model.Zone
	version   uint64
	state     SyncState
	updatedAt time.Time
	populated bool
}

// Store is a versioned, single-writer zone store. It is safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	zones map[string]*entry
	now   func() time.Time
}

// New creates an empty Store. now may be nil, in which case time.Now is used.
func New(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{zones: make(map[string]*entry), now: now}
}

// Register makes a zone id known without configuration, in the Stale state.
// Registering a known zone is a no-op.
func (s *Store) Register(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.zones[id]; !ok {
		s.zones[id] = &entry{state: Stale}
	}
}

// ZoneIDs returns every known zone id, sorted.
func (s *Store) ZoneIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.zones))
	for id := range s.zones {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns a deep copy of the zone and its version.
// ok is false if the zone is unknown or has never been populated.
func (s *Store) Snapshot(id string) (zone model.Zone, version uint64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, found := s.zones[id]
	if !found || !e.populated {
		return model.Zone{}, 0, false
	}
	return e.zone.Clone(), e.version, true
}

// Info returns the metadata for one zone.
func (s *Store) Info(id string) (Info, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.zones[id]
	if !ok {
		return Info{}, false
	}
	return e.info(id), true
}

// Infos returns metadata for every zone, sorted by id.
func (s *Store) Infos() []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Info, 0, len(s.zones))
	for id, e := range s.zones {
		out = append(out, e.info(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *entry) info(id string) Info {
	return Info{ID: id, Version: e.version, State: e.state, UpdatedAt: e.updatedAt, HasConfig: e.populated}
}

// SetState moves a zone to the given sync state, registering it if needed.
func (s *Store) SetState(id string, state SyncState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.zones[id]
	if !ok {
		e = &entry{}
		s.zones[id] = e
	}
	e.state = state
}

// Replace installs zone wholesale as the result of an authoritative refresh
// and marks it Consistent. The last reading and target of devices that keep
// their id are carried over until the next pass overwrites them.
func (s *Store) Replace(zone model.Zone) (uint64, error) {
	v, _, err := s.put(zone, Consistent, true)
	return v, err
}

// Seed installs zone only if the store has no configuration for it yet.
// Seeded zones stay Stale until a refresh succeeds. It reports whether the
// zone was installed.
func (s *Store) Seed(zone model.Zone) (bool, error) {
	_, installed, err := s.put(zone, Stale, false)
	return installed, err
}

func (s *Store) put(zone model.Zone, state SyncState, overwrite bool) (uint64, bool, error) {
	z := zone.Clone()
	if err := z.Validate(); err != nil {
		return 0, false, err
	}
	z.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.zones[z.ID]
	if !ok {
		e = &entry{}
		s.zones[z.ID] = e
	}
	if e.populated && !overwrite {
		return e.version, false, nil
	}
	if e.populated {
		carryRuntime(&z, e.zone)
	}
	e.zone = z
	e.populated = true
	e.state = state
	e.version++
	e.updatedAt = s.now()
	return e.version, true, nil
}

func carryRuntime(dst *model.Zone, prev model.Zone) {
	for i := range dst.Devices {
		d := &dst.Devices[i]
		old := prev.Device(d.ID)
		if old == nil {
			continue
		}
		if d.Current == nil && old.Current != nil {
			r := *old.Current
			d.Current = &r
		}
		if d.Target == nil && old.Target != nil {
			v := *old.Target
			d.Target = &v
		}
	}
}

// zone-level fields an update event may not touch.
var zoneFixed = map[string]bool{"id": true, "devices": true}

// device-level fields owned by the control loop, never by events.
var deviceRuntime = map[string]bool{"id": true, "current": true, "target": true}

// MergeZone overlays the top-level fields present in patch onto the zone.
// Devices are managed only through UpsertDevice and RemoveDevice.
// On any error the zone is left untouched.
func (s *Store) MergeZone(id string, patch json.RawMessage) (uint64, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(patch, &fields); err != nil {
		return 0, fmt.Errorf("decode zone patch: %w", err)
	}
	if raw, ok := fields["id"]; ok {
		var pid string
		if err := json.Unmarshal(raw, &pid); err != nil || (pid != "" && pid != id) {
			return 0, fmt.Errorf("zone patch id %s does not match zone %s", raw, id)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.zones[id]
	if !ok || !e.populated {
		return 0, fmt.Errorf("zone %s: %w", id, ErrUnknownZone)
	}

	base, err := toFields(e.zone)
	if err != nil {
		return 0, err
	}
	for k, v := range fields {
		if !zoneFixed[k] {
			base[k] = v
		}
	}
	var merged model.Zone
	if err := fromFields(base, &merged); err != nil {
		return 0, fmt.Errorf("apply zone patch: %w", err)
	}
	// Devices are carried over by value so runtime state survives untouched.
	merged.ID = id
	merged.Devices = e.zone.Clone().Devices
	if err := merged.Validate(); err != nil {
		return 0, err
	}
	merged.Normalize()

	e.zone = merged
	e.version++
	e.updatedAt = s.now()
	return e.version, nil
}

// UpsertDevice merges patch into the device whose id the patch names, or
// appends a new device when the zone has none with that id. Runtime fields
// (current reading and target) are never taken from the patch.
func (s *Store) UpsertDevice(zoneID string, patch json.RawMessage) (deviceID string, created bool, err error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(patch, &fields); err != nil {
		return "", false, fmt.Errorf("decode device patch: %w", err)
	}
	raw, ok := fields["id"]
	if !ok {
		return "", false, errors.New("device patch: missing id")
	}
	if err := json.Unmarshal(raw, &deviceID); err != nil || deviceID == "" {
		return "", false, fmt.Errorf("device patch: invalid id %s", raw)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.zones[zoneID]
	if !ok || !e.populated {
		return deviceID, false, fmt.Errorf("zone %s: %w", zoneID, ErrUnknownZone)
	}

	next := e.zone.Clone()
	cur := next.Device(deviceID)
	created = cur == nil

	var base map[string]json.RawMessage
	if created {
		base = map[string]json.RawMessage{}
	} else if base, err = toFields(*cur); err != nil {
		return deviceID, false, err
	}
	for k, v := range fields {
		if !deviceRuntime[k] {
			base[k] = v
		}
	}
	var d model.Device
	if err := fromFields(base, &d); err != nil {
		return deviceID, false, fmt.Errorf("apply device patch: %w", err)
	}
	d.ID = deviceID
	if created {
		d.Current, d.Target = nil, nil
		next.Devices = append(next.Devices, d)
	} else {
		d.Current, d.Target = cur.Current, cur.Target
		*cur = d
	}
	if err := next.Validate(); err != nil {
		return deviceID, false, err
	}

	e.zone = next
	e.version++
	e.updatedAt = s.now()
	return deviceID, created, nil
}

// RemoveDevice deletes a device from a zone.
func (s *Store) RemoveDevice(zoneID, deviceID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.zones[zoneID]
	if !ok || !e.populated {
		return 0, fmt.Errorf("zone %s: %w", zoneID, ErrUnknownZone)
	}
	for i, d := range e.zone.Devices {
		if d.ID == deviceID {
			devs := make([]model.Device, 0, len(e.zone.Devices)-1)
			devs = append(devs, e.zone.Devices[:i]...)
			devs = append(devs, e.zone.Devices[i+1:]...)
			e.zone.Devices = devs
			e.version++
			e.updatedAt = s.now()
			return e.version, nil
		}
	}
	return 0, fmt.Errorf("zone %s device %s: %w", zoneID, deviceID, ErrUnknownDevice)
}

// PassResult is the runtime state computed by one control pass.
type PassResult struct {
	// Readings holds the reading of every input-capable device; nil means
	// the read failed and the current value is now undefined.
	Readings map[string]*model.Reading
	// Targets holds every resolved target. Devices absent here have none.
	Targets map[string]float64
}

// RecordPass writes the runtime state of a pass back to the zone. Devices
// added or removed since the pass started are skipped. It does not bump the
// version, which tracks configuration only.
func (s *Store) RecordPass(zoneID string, res PassResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.zones[zoneID]
	if !ok || !e.populated {
		return fmt.Errorf("zone %s: %w", zoneID, ErrUnknownZone)
	}
	for i := range e.zone.Devices {
		d := &e.zone.Devices[i]
		if r, ok := res.Readings[d.ID]; ok {
			if r == nil {
				d.Current = nil
			} else {
				v := *r
				d.Current = &v
			}
		}
		if t, ok := res.Targets[d.ID]; ok {
			d.Target = &t
		} else {
			d.Target = nil
		}
	}
	return nil
}

func toFields(v any) (map[string]json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return fields, nil
}

func fromFields(fields map[string]json.RawMessage, v any) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
