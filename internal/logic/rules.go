package logic

import "github.com/sweeney/zone-controller/internal/model"

// PassMode selects how an output with no applicable rule is treated.
type PassMode int

const (
	// IncrementalPass leaves outputs without an applicable rule untouched.
	IncrementalPass PassMode = iota
	// ResetPass commands outputs without an applicable rule off, so every
	// actuator reaches a known state at startup or after an explicit reset.
	ResetPass
)

func (m PassMode) String() string {
	switch m {
	case IncrementalPass:
		return "incremental"
	case ResetPass:
		return "reset"
	default:
		return "unknown"
	}
}

// Decision is the actuation outcome for one output device.
type Decision int

const (
	DecisionNone Decision = iota
	DecisionOff
	DecisionOn
)

func (d Decision) String() string {
	switch d {
	case DecisionOn:
		return "ON"
	case DecisionOff:
		return "OFF"
	default:
		return "NONE"
	}
}

// Value reports the boolean actuator state for On/Off. ok is false for None.
func (d Decision) Value() (on bool, ok bool) {
	switch d {
	case DecisionOn:
		return true, true
	case DecisionOff:
		return false, true
	default:
		return false, false
	}
}

// Decide aggregates the signals referenced by the device's rules.
//
// A rule whose referenced device signals the rule's direction votes on; one
// whose referenced device signals the opposite direction votes off. Votes are
// OR-ed, so any on vote wins and every rule is visited. Hold and missing
// signals do not vote. With no vote the result is DecisionNone, except in
// ResetPass where it becomes DecisionOff.
func Decide(d model.Device, signals map[string]model.Signal, mode PassMode) Decision {
	decision := DecisionNone
	for _, r := range d.Rules {
		s, ok := signals[r.Device]
		if !ok {
			continue
		}
		switch s {
		case r.Direction:
			decision = DecisionOn
		case r.Direction.Opposite():
			if decision == DecisionNone {
				decision = DecisionOff
			}
		}
	}
	if decision == DecisionNone && mode == ResetPass {
		return DecisionOff
	}
	return decision
}
