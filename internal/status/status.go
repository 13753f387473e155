// Package status provides a thread-safe status tracker for the zone controller.
// It is read by the HTTP handlers and written after every control pass.
package status

import (
	"sort"
	"sync"
	"time"

	"github.com/sweeney/zone-controller/internal/model"
)

// Config contains daemon configuration for display.
type Config struct {
	Home      string
	Timezone  string
	Broker    string
	Remote    string // empty when running on static configuration
	HTTPAddr  string
	PollMs    int64
	RefreshMs int64
}

// DeviceStatus is the outcome of the last pass for one device.
type DeviceStatus struct {
	ID        string
	Name      string
	Type      string
	Direction model.Direction
	Current   *model.Reading
	Target    *float64
	Signal    model.Signal // empty for devices that are not evaluated
	Decision  string       // ON, OFF or NONE for output-capable devices
	Error     string       // last read or write error, if any
}

// ZoneStatus is the outcome of the last pass for one zone.
type ZoneStatus struct {
	ID        string
	Name      string
	Version   uint64
	SyncState string
	Mode      string
	LastPass  time.Time
	Devices   []DeviceStatus
}

func (z ZoneStatus) clone() ZoneStatus {
	c := z
	c.Devices = make([]DeviceStatus, len(z.Devices))
	for i, d := range z.Devices {
		if d.Current != nil {
			r := *d.Current
			d.Current = &r
		}
		if d.Target != nil {
			v := *d.Target
			d.Target = &v
		}
		c.Devices[i] = d
	}
	return c
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type and safe to use after the lock is released.
type Snapshot struct {
	Zones         []ZoneStatus // sorted by id
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Zone returns the status of one zone.
func (s Snapshot) Zone(id string) (ZoneStatus, bool) {
	for _, z := range s.Zones {
		if z.ID == id {
			return z, true
		}
	}
	return ZoneStatus{}, false
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu        sync.RWMutex
	zones     map[string]ZoneStatus
	startTime time.Time
	mqtt      bool
	cfg       Config
	now       func() time.Time
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		zones:     make(map[string]ZoneStatus),
		startTime: startTime,
		cfg:       cfg,
		now:       time.Now,
	}
}

// UpdateZone replaces the status of one zone.
// Called by the control loop after every pass.
func (t *Tracker) UpdateZone(z ZoneStatus) {
	c := z.clone()
	t.mu.Lock()
	t.zones[z.ID] = c
	t.mu.Unlock()
}

// SetSyncState updates the sync state of a zone without a pass.
func (t *Tracker) SetSyncState(zoneID, state string) {
	t.mu.Lock()
	z := t.zones[zoneID]
	z.ID = zoneID
	z.SyncState = state
	t.zones[zoneID] = z
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.mqtt = connected
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := Snapshot{
		Zones:         make([]ZoneStatus, 0, len(t.zones)),
		StartTime:     t.startTime,
		MQTTConnected: t.mqtt,
		Config:        t.cfg,
	}
	for _, z := range t.zones {
		s.Zones = append(s.Zones, z.clone())
	}
	now := t.now
	t.mu.RUnlock()
	sort.Slice(s.Zones, func(i, j int) bool { return s.Zones[i].ID < s.Zones[j].ID })
	s.Now = now()
	return s
}
