// Package model defines the zone, device, schedule and override records shared
// by the store, the sync engine and the control loop.
// It has no dependencies on hardware, transport or wall-clock time.
package model

import (
	"fmt"
	"sort"
	"time"
)

// Direction describes which way a device moves data.
type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
	DirectionInOut  Direction = "in/out"
)

// CanRead reports whether the device produces readings.
func (d Direction) CanRead() bool {
	return d == DirectionInput || d == DirectionInOut
}

// CanWrite reports whether the device drives an actuator.
func (d Direction) CanWrite() bool {
	return d == DirectionOutput || d == DirectionInOut
}

// Signal is the directional output of hysteresis evaluation.
// Rules reuse the increase/decrease values to name the signal they react to.
type Signal string

const (
	SignalIncrease      Signal = "increase"
	SignalDecrease      Signal = "decrease"
	SignalHold          Signal = "hold"
	SignalIndeterminate Signal = "indeterminate"
)

// Opposite returns the reverse of an increase/decrease signal.
// Hold and indeterminate have no opposite and are returned unchanged.
func (s Signal) Opposite() Signal {
	switch s {
	case SignalIncrease:
		return SignalDecrease
	case SignalDecrease:
		return SignalIncrease
	default:
		return s
	}
}

// Reading kinds with a known default unit.
const (
	TypeTemperature = "temperature"
	TypeHumidity    = "humidity"
	TypeOnOff       = "on-off"
)

// DefaultUnit returns the unit used when a driver reports none.
func DefaultUnit(deviceType string) string {
	switch deviceType {
	case TypeTemperature:
		return "C"
	case TypeHumidity:
		return "%"
	default:
		return ""
	}
}

// Interface describes how a device is attached to the host.
type Interface struct {
	Kind      string   `json:"type" yaml:"type"`
	Address   string   `json:"address,omitempty" yaml:"address,omitempty"`
	Addresses []string `json:"addresses,omitempty" yaml:"addresses,omitempty"`
	// Outputs are active-low unless ActiveHigh is set.
	ActiveHigh bool `json:"active_high,omitempty" yaml:"active_high,omitempty"`
}

// AddressList returns every declared physical address, deduplicated, in
// declaration order. Address comes first when both forms are used.
func (i Interface) AddressList() []string {
	var out []string
	seen := make(map[string]bool)
	add := func(a string) {
		if a == "" || seen[a] {
			return
		}
		seen[a] = true
		out = append(out, a)
	}
	add(i.Address)
	for _, a := range i.Addresses {
		add(a)
	}
	return out
}

// Rule makes a device's actuator react to another device's signal.
type Rule struct {
	Device    string `json:"device" yaml:"device"`
	Direction Signal `json:"direction" yaml:"direction"`
}

// Reading is a calibrated sensor value.
type Reading struct {
	Value float64 `json:"value" yaml:"value"`
	Unit  string  `json:"unit,omitempty" yaml:"unit,omitempty"`
}

// Device is a sensor, an actuator or both.
//
// Actuator handles are not part of the record: they live in the actuator
// registry keyed by physical address, so no rewrite of a Device can lose or
// duplicate them.
type Device struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name,omitempty" yaml:"name,omitempty"`
	Direction   Direction `json:"direction" yaml:"direction"`
	Type        string    `json:"type" yaml:"type"`
	Interface   Interface `json:"interface" yaml:"interface"`
	Calibration float64   `json:"calibration,omitempty" yaml:"calibration,omitempty"`
	Threshold   float64   `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Rules       []Rule    `json:"rules,omitempty" yaml:"rules,omitempty"`

	Current *Reading `json:"current,omitempty" yaml:"-"`
	Target  *float64 `json:"target,omitempty" yaml:"-"`
}

// Clone returns a deep copy of the device.
func (d Device) Clone() Device {
	c := d
	c.Interface.Addresses = append([]string(nil), d.Interface.Addresses...)
	c.Rules = append([]Rule(nil), d.Rules...)
	if d.Current != nil {
		r := *d.Current
		c.Current = &r
	}
	if d.Target != nil {
		v := *d.Target
		c.Target = &v
	}
	return c
}

// Change sets one device's desired value.
type Change struct {
	Device string  `json:"device" yaml:"device"`
	Value  float64 `json:"value" yaml:"value"`
	Unit   string  `json:"unit,omitempty" yaml:"unit,omitempty"`
}

// Schedule is a recurring, day/time-keyed set of changes.
// Days use time.Weekday numbering (0 = Sunday). Start is "HH:MM" local time.
type Schedule struct {
	Days    []int    `json:"days" yaml:"days"`
	Start   string   `json:"start" yaml:"start"`
	Changes []Change `json:"changes" yaml:"changes"`
}

// StartMinutes returns the start time as minutes after midnight.
func (s Schedule) StartMinutes() (int, error) {
	return ParseClock(s.Start)
}

// OnDay reports whether the schedule applies on the given weekday.
func (s Schedule) OnDay(day time.Weekday) bool {
	for _, d := range s.Days {
		if d == int(day) {
			return true
		}
	}
	return false
}

// Override is a time window whose changes beat any schedule.
type Override struct {
	Start   time.Time `json:"start" yaml:"start"`
	End     time.Time `json:"end" yaml:"end"`
	Changes []Change  `json:"changes" yaml:"changes"`
}

// Active reports whether now falls inside the window, both ends inclusive.
func (o Override) Active(now time.Time) bool {
	return !now.Before(o.Start) && !now.After(o.End)
}

// Zone groups devices that share one schedule set.
type Zone struct {
	ID        string     `json:"id" yaml:"id"`
	Name      string     `json:"name,omitempty" yaml:"name,omitempty"`
	Schedules []Schedule `json:"schedules,omitempty" yaml:"schedules,omitempty"`
	Overrides []Override `json:"overrides,omitempty" yaml:"overrides,omitempty"`
	Devices   []Device   `json:"devices,omitempty" yaml:"devices,omitempty"`
}

// Device returns a pointer to the device with the given id, or nil.
func (z *Zone) Device(id string) *Device {
	for i := range z.Devices {
		if z.Devices[i].ID == id {
			return &z.Devices[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the zone.
func (z Zone) Clone() Zone {
	c := z
	c.Schedules = make([]Schedule, len(z.Schedules))
	for i, s := range z.Schedules {
		s.Days = append([]int(nil), s.Days...)
		s.Changes = append([]Change(nil), s.Changes...)
		c.Schedules[i] = s
	}
	c.Overrides = make([]Override, len(z.Overrides))
	for i, o := range z.Overrides {
		o.Changes = append([]Change(nil), o.Changes...)
		c.Overrides[i] = o
	}
	c.Devices = make([]Device, len(z.Devices))
	for i, d := range z.Devices {
		c.Devices[i] = d.Clone()
	}
	return c
}

// Validate checks the invariants the resolver and the store rely on.
func (z Zone) Validate() error {
	if z.ID == "" {
		return fmt.Errorf("zone: missing id")
	}
	seen := make(map[string]bool, len(z.Devices))
	for _, d := range z.Devices {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("zone %s: %w", z.ID, err)
		}
		if seen[d.ID] {
			return fmt.Errorf("zone %s: duplicate device id %q", z.ID, d.ID)
		}
		seen[d.ID] = true
	}
	for i, s := range z.Schedules {
		if _, err := s.StartMinutes(); err != nil {
			return fmt.Errorf("zone %s: schedule %d: %w", z.ID, i, err)
		}
	}
	for i, o := range z.Overrides {
		if o.End.Before(o.Start) {
			return fmt.Errorf("zone %s: override %d ends before it starts", z.ID, i)
		}
	}
	return nil
}

// Validate checks a single device record.
func (d Device) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("device: missing id")
	}
	switch d.Direction {
	case DirectionInput, DirectionOutput, DirectionInOut:
	default:
		return fmt.Errorf("device %s: invalid direction %q", d.ID, d.Direction)
	}
	for _, r := range d.Rules {
		if r.Direction != SignalIncrease && r.Direction != SignalDecrease {
			return fmt.Errorf("device %s: rule on %s has invalid direction %q", d.ID, r.Device, r.Direction)
		}
	}
	return nil
}

// Normalize sorts schedules ascending by start time and overrides by start
// then end. Both sorts are stable. Schedules with an unparsable start sort last.
func (z *Zone) Normalize() {
	sort.SliceStable(z.Schedules, func(i, j int) bool {
		return scheduleKey(z.Schedules[i]) < scheduleKey(z.Schedules[j])
	})
	sort.SliceStable(z.Overrides, func(i, j int) bool {
		a, b := z.Overrides[i], z.Overrides[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		return a.End.Before(b.End)
	})
}

func scheduleKey(s Schedule) int {
	m, err := s.StartMinutes()
	if err != nil {
		return 24 * 60
	}
	return m
}

// ParseClock parses "HH:MM" (or "H:MM") into minutes after midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
