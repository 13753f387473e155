// Package gpio provides GPIO output lines with hardware abstraction.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultChip is used when an address names only a line offset.
const DefaultChip = "gpiochip0"

// Line is a single requested output line.
type Line interface {
	// Set drives the line to its logical on or off level.
	// Polarity (active-low or active-high) is fixed when the line is opened.
	Set(on bool) error

	// Close releases the line.
	Close() error
}

// Opener requests output lines by physical address.
type Opener interface {
	// Open requests the line at address as an output, initially off.
	Open(address string, activeHigh bool) (Line, error)

	// Close releases any chip resources held by the opener.
	Close() error
}

// ParseAddress splits "17" or "gpiochip1:17" into chip name and line offset.
func ParseAddress(address string) (string, int, error) {
	chip := DefaultChip
	off := address
	if i := strings.LastIndex(address, ":"); i >= 0 {
		chip, off = address[:i], address[i+1:]
		if chip == "" {
			return "", 0, fmt.Errorf("gpio: empty chip in address %q", address)
		}
	}
	n, err := strconv.Atoi(off)
	if err != nil || n < 0 {
		return "", 0, fmt.Errorf("gpio: invalid line offset in address %q", address)
	}
	return chip, n, nil
}

// Canonical returns address as "chip:offset", naming chip for a bare offset.
// Two addresses of the same physical line canonicalize identically.
func Canonical(address, chip string) (string, error) {
	name, off, err := resolve(address, chip)
	if err != nil {
		return "", err
	}
	return name + ":" + strconv.Itoa(off), nil
}

// resolve is ParseAddress with chip standing in for DefaultChip.
func resolve(address, chip string) (string, int, error) {
	name, off, err := ParseAddress(address)
	if err != nil {
		return "", 0, err
	}
	if !strings.Contains(address, ":") && chip != "" {
		name = chip
	}
	return name, off, nil
}
