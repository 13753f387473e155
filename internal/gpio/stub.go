//go:build !linux

package gpio

import "errors"

// RealOpener is not available on non-Linux platforms.
type RealOpener struct{}

// NewRealOpener returns an opener whose Open always fails.
func NewRealOpener(chip string) *RealOpener {
	return &RealOpener{}
}

// Open is not implemented on non-Linux platforms.
func (o *RealOpener) Open(address string, activeHigh bool) (Line, error) {
	return nil, errors.New("gpio: not supported on this platform (requires Linux)")
}

// Close is not implemented on non-Linux platforms.
func (o *RealOpener) Close() error {
	return nil
}
