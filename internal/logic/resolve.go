// Package logic contains the pure control logic: schedule resolution,
// hysteresis evaluation and rule aggregation.
// This package has NO external dependencies (no GPIO, MQTT, OS, or time.Sleep).
// Time is always injectable via time.Time parameters.
package logic

import (
	"time"

	"github.com/sweeney/zone-controller/internal/model"
)

// ResolveTargets computes each device's desired value for the zone at now.
//
// Schedules must already be sorted ascending by start time (the store
// normalizes every zone it accepts). For today's schedules, every one whose
// start has been reached applies its changes in order; the first one still in
// the future ends the scan. Active overrides are applied afterwards in stored
// order and always win. Devices with no contributor are absent from the map.
//
// now is interpreted in its own location; callers convert to the zone's
// timezone first.
func ResolveTargets(zone model.Zone, now time.Time) map[string]float64 {
	targets := make(map[string]float64)
	day := now.Weekday()
	minute := now.Hour()*60 + now.Minute()

	for _, s := range zone.Schedules {
		if !s.OnDay(day) {
			continue
		}
		start, err := s.StartMinutes()
		if err != nil || start > minute {
			break
		}
		for _, c := range s.Changes {
			targets[c.Device] = c.Value
		}
	}

	for _, o := range zone.Overrides {
		if !o.Active(now) {
			continue
		}
		for _, c := range o.Changes {
			targets[c.Device] = c.Value
		}
	}

	return targets
}

// ApplyTargets overwrites every device's Target from the resolved map.
// Devices without a resolved value get a nil target.
func ApplyTargets(zone *model.Zone, targets map[string]float64) {
	for i := range zone.Devices {
		d := &zone.Devices[i]
		if v, ok := targets[d.ID]; ok {
			v := v
			d.Target = &v
		} else {
			d.Target = nil
		}
	}
}
