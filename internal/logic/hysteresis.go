package logic

import "github.com/sweeney/zone-controller/internal/model"

// Evaluate compares a reading with its target using a dead band of
// ±threshold. Both band edges belong to the outside: a reading exactly at
// target-threshold asks for an increase, exactly at target+threshold for a
// decrease. With threshold 0 both edges collapse onto the target and an
// exact match holds.
func Evaluate(current *model.Reading, target *float64, threshold float64) model.Signal {
	if current == nil || target == nil {
		return model.SignalIndeterminate
	}
	switch {
	case threshold == 0 && current.Value == *target:
		return model.SignalHold
	case current.Value <= *target-threshold:
		return model.SignalIncrease
	case current.Value >= *target+threshold:
		return model.SignalDecrease
	default:
		return model.SignalHold
	}
}

// EvaluateDevice applies Evaluate to a device's own current, target and threshold.
func EvaluateDevice(d model.Device) model.Signal {
	return Evaluate(d.Current, d.Target, d.Threshold)
}

// EvaluateZone returns the signal of every device that has one.
// Indeterminate devices are left out of the map and listed separately.
func EvaluateZone(zone model.Zone) (signals map[string]model.Signal, indeterminate []string) {
	signals = make(map[string]model.Signal, len(zone.Devices))
	for _, d := range zone.Devices {
		s := EvaluateDevice(d)
		if s == model.SignalIndeterminate {
			indeterminate = append(indeterminate, d.ID)
			continue
		}
		signals[d.ID] = s
	}
	return signals, indeterminate
}
