package gpio

import (
	"fmt"
	"sync"
)

// FakeOpener is a test double that hands out FakeLines and records them.
type FakeOpener struct {
	mu sync.Mutex

	// Lines contains every line opened, keyed by address.
	Lines map[string]*FakeLine

	// Opens counts Open calls per address, successful or not.
	Opens map[string]int

	// OpenErrors, if set for an address, is returned by Open.
	OpenErrors map[string]error

	// Closed tracks if Close was called.
	Closed bool
}

// NewFakeOpener creates an empty FakeOpener.
func NewFakeOpener() *FakeOpener {
	return &FakeOpener{
		Lines:      make(map[string]*FakeLine),
		Opens:      make(map[string]int),
		OpenErrors: make(map[string]error),
	}
}

// Open returns a new FakeLine for address. Opening an address that is
// already held fails, like a busy character-device line.
func (f *FakeOpener) Open(address string, activeHigh bool) (Line, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Opens[address]++
	if err := f.OpenErrors[address]; err != nil {
		return nil, err
	}
	if l, ok := f.Lines[address]; ok && !l.IsClosed() {
		return nil, fmt.Errorf("gpio: line %s busy", address)
	}
	l := &FakeLine{Address: address, ActiveHigh: activeHigh}
	f.Lines[address] = l
	return l, nil
}

// Line returns the line opened for address, or nil.
func (f *FakeOpener) Line(address string) *FakeLine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Lines[address]
}

// OpenCount returns how many times address was opened.
func (f *FakeOpener) OpenCount(address string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Opens[address]
}

// Close marks the opener as closed.
func (f *FakeOpener) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}

// FakeLine records every level it is set to.
type FakeLine struct {
	Address    string
	ActiveHigh bool

	mu       sync.Mutex
	states   []bool
	setError error
	closed   bool
}

// Set records the level, or returns the configured error.
func (l *FakeLine) Set(on bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.setError != nil {
		return l.setError
	}
	l.states = append(l.states, on)
	return nil
}

// Close marks the line as released.
func (l *FakeLine) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

// SetError makes subsequent Set calls fail with err (nil clears it).
func (l *FakeLine) SetError(err error) {
	l.mu.Lock()
	l.setError = err
	l.mu.Unlock()
}

// States returns a copy of every level successfully set, oldest first.
func (l *FakeLine) States() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool(nil), l.states...)
}

// Last returns the most recent level and whether any was set.
func (l *FakeLine) Last() (bool, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.states) == 0 {
		return false, false
	}
	return l.states[len(l.states)-1], true
}

// IsClosed reports whether Close was called.
func (l *FakeLine) IsClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
