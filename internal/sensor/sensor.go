// Package sensor reads physical inputs through pluggable drivers.
package sensor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sweeney/zone-controller/internal/guard"
	"github.com/sweeney/zone-controller/internal/model"
)

// Reader reads a raw value from the input at address on an interface kind.
type Reader interface {
	Read(ctx context.Context, kind, address string) (model.Reading, error)
}

// Driver reads one interface kind.
type Driver interface {
	Read(ctx context.Context, address string) (model.Reading, error)
}

// ReadError reports a failed read for one device.
type ReadError struct {
	Device  string
	Kind    string
	Address string
	Err     error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %s (%s %s): %v", e.Device, e.Kind, e.Address, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// Registry dispatches reads to the driver registered for each kind.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// Register installs d for kind, replacing any previous driver.
func (r *Registry) Register(kind string, d Driver) {
	r.mu.Lock()
	r.drivers[kind] = d
	r.mu.Unlock()
}

// Read implements Reader.
func (r *Registry) Read(ctx context.Context, kind, address string) (model.Reading, error) {
	r.mu.RLock()
	d, ok := r.drivers[kind]
	r.mu.RUnlock()
	if !ok {
		return model.Reading{}, fmt.Errorf("no driver for interface %q", kind)
	}
	return d.Read(ctx, address)
}

// ReadDevice reads a device's first declared address under timeout, adds the
// calibration offset and fills in the unit from the device type when the
// driver reports none. Errors are always *ReadError.
func ReadDevice(ctx context.Context, r Reader, d model.Device, timeout time.Duration) (model.Reading, error) {
	addrs := d.Interface.AddressList()
	if len(addrs) == 0 {
		return model.Reading{}, &ReadError{Device: d.ID, Kind: d.Interface.Kind, Err: fmt.Errorf("no input address")}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	v, err := r.Read(ctx, d.Interface.Kind, addrs[0])
	if err != nil {
		return model.Reading{}, &ReadError{Device: d.ID, Kind: d.Interface.Kind, Address: addrs[0], Err: err}
	}
	v.Value += d.Calibration
	if v.Unit == "" {
		v.Unit = model.DefaultUnit(d.Type)
	}
	return v, nil
}

// blocking runs fn in a goroutine and abandons it when ctx ends first.
func blocking(ctx context.Context, fn func() (model.Reading, error)) (model.Reading, error) {
	type result struct {
		v   model.Reading
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer guard.Recover(ctx)
		v, err := fn()
		done <- result{v, err}
	}()
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		return model.Reading{}, ctx.Err()
	}
}
