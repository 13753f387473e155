//go:build linux

package gpio

import (
	"fmt"
	"sync"

	"github.com/warthog618/go-gpiocdev"
)

// RealOpener requests output lines from Linux GPIO character devices.
// Chips are opened on first use and shared by every line on them.
type RealOpener struct {
	mu    sync.Mutex
	chip  string
	chips map[string]*gpiocdev.Chip
}

// NewRealOpener creates an opener for actual hardware. Bare line offsets are
// requested on chip, or DefaultChip if chip is empty.
func NewRealOpener(chip string) *RealOpener {
	if chip == "" {
		chip = DefaultChip
	}
	return &RealOpener{chip: chip, chips: make(map[string]*gpiocdev.Chip)}
}

// Open requests the line as an output driven to its inactive level.
// Lines are active-low unless activeHigh is set, so a relay board wired to
// pull in on a low level switches on with Set(true).
func (o *RealOpener) Open(address string, activeHigh bool) (Line, error) {
	chipName, offset, err := resolve(address, o.chip)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	chip, ok := o.chips[chipName]
	if !ok {
		chip, err = gpiocdev.NewChip(chipName)
		if err != nil {
			return nil, fmt.Errorf("open gpio chip %s: %w", chipName, err)
		}
		o.chips[chipName] = chip
	}

	opts := []gpiocdev.LineReqOption{gpiocdev.AsOutput(0)}
	if !activeHigh {
		opts = append(opts, gpiocdev.AsActiveLow)
	}
	l, err := chip.RequestLine(offset, opts...)
	if err != nil {
		return nil, fmt.Errorf("request line %s: %w", address, err)
	}
	return &RealLine{line: l, address: address}, nil
}

// Close releases every chip opened so far.
func (o *RealOpener) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var errs []error
	for name, chip := range o.chips {
		if err := chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip %s: %w", name, err))
		}
		delete(o.chips, name)
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// RealLine is an output line on actual hardware.
type RealLine struct {
	line    *gpiocdev.Line
	address string
}

// Set drives the line to its logical level.
func (l *RealLine) Set(on bool) error {
	v := 0
	if on {
		v = 1
	}
	if err := l.line.SetValue(v); err != nil {
		return fmt.Errorf("set line %s: %w", l.address, err)
	}
	return nil
}

// Close drives the line inactive, then reconfigures it as an input with
// pull-down (matching Pi boot defaults) before releasing it.
func (l *RealLine) Close() error {
	var errs []error
	if err := l.line.SetValue(0); err != nil {
		errs = append(errs, fmt.Errorf("set line %s off: %w", l.address, err))
	}
	if err := l.line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
		errs = append(errs, fmt.Errorf("reconfigure line %s: %w", l.address, err))
	}
	if err := l.line.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close line %s: %w", l.address, err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
