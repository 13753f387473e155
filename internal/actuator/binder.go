// Package actuator binds devices to physical output lines and drives them.
//
// Handles live in a registry keyed by interface kind and physical address, not
// on device records. Rebinding a device after any configuration change
// therefore reuses the live line for every address it still declares, and a
// line is only ever requested once per process.
package actuator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sweeney/zone-controller/internal/gpio"
	"github.com/sweeney/zone-controller/internal/guard"
	"github.com/sweeney/zone-controller/internal/model"
)

// KindGPIO is the only interface kind with output support.
const KindGPIO = "gpio"

// Handle is a live output line. Writes to one handle are serialized.
type Handle struct {
	Key        string
	Address    string
	activeHigh bool

	mu    sync.Mutex
	line  gpio.Line
	known bool
	last  bool
}

// Last returns the last successfully written level and whether one exists.
func (h *Handle) Last() (on bool, known bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last, h.known
}

func (h *Handle) set(ctx context.Context, on bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		defer guard.Recover(ctx)
		h.mu.Lock()
		defer h.mu.Unlock()
		// A caller that gave up must not have its level land after a later write.
		if err := ctx.Err(); err != nil {
			done <- err
			return
		}
		err := h.line.Set(on)
		if err == nil {
			h.last, h.known = on, true
		}
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Set is the group of handles bound to one device.
type Set struct {
	Device  string
	Handles []*Handle
}

// Binder owns the address registry.
type Binder struct {
	opener gpio.Opener
	chip   string

	mu      sync.Mutex
	handles map[string]*Handle
}

// NewBinder creates a Binder that requests lines from opener. chip names the
// chip of bare line offsets and must match the opener's; empty means
// gpio.DefaultChip.
func NewBinder(opener gpio.Opener, chip string) *Binder {
	if chip == "" {
		chip = gpio.DefaultChip
	}
	return &Binder{opener: opener, chip: chip, handles: make(map[string]*Handle)}
}

// registryKey names the physical line, so "17" and "gpiochip0:17" share a key.
func (b *Binder) registryKey(kind, address string) (string, error) {
	line, err := gpio.Canonical(address, b.chip)
	if err != nil {
		return "", err
	}
	return kind + ":" + line, nil
}

// Bind returns the handles for every address the device declares, opening
// lines only for addresses not yet in the registry. It is idempotent: binding
// the same device twice yields the same handles. Devices that cannot write
// bind to an empty set.
//
// Addresses that fail to open are reported in the error; the returned set
// still holds every address that did bind.
func (b *Binder) Bind(d model.Device) (Set, error) {
	set := Set{Device: d.ID}
	if !d.Direction.CanWrite() {
		return set, nil
	}
	addrs := d.Interface.AddressList()
	if len(addrs) == 0 {
		return set, fmt.Errorf("bind %s: no output address", d.ID)
	}
	if d.Interface.Kind != KindGPIO {
		return set, fmt.Errorf("bind %s: unsupported output interface %q", d.ID, d.Interface.Kind)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for _, addr := range addrs {
		h, err := b.handleLocked(d.Interface.Kind, addr, d.Interface.ActiveHigh)
		if err != nil {
			errs = append(errs, fmt.Errorf("bind %s: %w", d.ID, err))
			continue
		}
		set.Handles = append(set.Handles, h)
	}
	return set, errors.Join(errs...)
}

func (b *Binder) handleLocked(kind, addr string, activeHigh bool) (*Handle, error) {
	key, err := b.registryKey(kind, addr)
	if err != nil {
		return nil, err
	}
	if h, ok := b.handles[key]; ok {
		if h.activeHigh == activeHigh {
			return h, nil
		}
		// Polarity is fixed when a line is requested, so a flip needs a new request.
		log.Printf("actuator: polarity of %s changed, re-requesting line", key)
		h.mu.Lock()
		err := h.line.Close()
		h.mu.Unlock()
		if err != nil {
			log.Printf("actuator: release %s: %v", key, err)
		}
		delete(b.handles, key)
	}
	line, err := b.opener.Open(addr, activeHigh)
	if err != nil {
		return nil, err
	}
	h := &Handle{Key: key, Address: addr, activeHigh: activeHigh, line: line}
	b.handles[key] = h
	return h, nil
}

// Actuate writes on to every handle in the set concurrently. Each line is
// attempted regardless of the others; failures are returned as an
// *ActuateError listing only the lines that failed.
func (b *Binder) Actuate(ctx context.Context, set Set, on bool) error {
	failures := make([]*WriteError, len(set.Handles))
	var g errgroup.Group
	for i, h := range set.Handles {
		i, h := i, h
		g.Go(func() error {
			defer guard.Recover(ctx)
			if err := h.set(ctx, on); err != nil {
				failures[i] = &WriteError{Address: h.Address, Err: err}
			}
			return nil
		})
	}
	g.Wait()
	return collect(set.Device, len(set.Handles), failures)
}

// SafeOff commands every registered line off, including lines no device
// declares any more. Individual failures are logged and returned together.
func (b *Binder) SafeOff(ctx context.Context) error {
	all := b.snapshot()
	failures := make([]*WriteError, len(all))
	var g errgroup.Group
	for i, h := range all {
		i, h := i, h
		g.Go(func() error {
			defer guard.Recover(ctx)
			if err := h.set(ctx, false); err != nil {
				log.Printf("actuator: safe-off %s: %v", h.Key, err)
				failures[i] = &WriteError{Address: h.Address, Err: err}
			}
			return nil
		})
	}
	g.Wait()
	return collect("all", len(all), failures)
}

// Orphans returns the registry keys of lines that no device in declared binds.
// declared holds the output-capable devices of every zone.
func (b *Binder) Orphans(declared []model.Device) []string {
	live := make(map[string]bool)
	for _, d := range declared {
		if !d.Direction.CanWrite() {
			continue
		}
		for _, a := range d.Interface.AddressList() {
			if key, err := b.registryKey(d.Interface.Kind, a); err == nil {
				live[key] = true
			}
		}
	}
	var out []string
	for _, h := range b.snapshot() {
		if !live[h.Key] {
			out = append(out, h.Key)
		}
	}
	return out
}

// Handles returns every registered handle, sorted by key.
func (b *Binder) Handles() []*Handle {
	return b.snapshot()
}

func (b *Binder) snapshot() []*Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Handle, 0, len(b.handles))
	for _, h := range b.handles {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Close releases every line and the opener. Call SafeOff first.
func (b *Binder) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for key, h := range b.handles {
		h.mu.Lock()
		if err := h.line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", key, err))
		}
		h.mu.Unlock()
		delete(b.handles, key)
	}
	if err := b.opener.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func collect(device string, lines int, failures []*WriteError) error {
	var failed []*WriteError
	for _, f := range failures {
		if f != nil {
			failed = append(failed, f)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return &ActuateError{Device: device, Lines: lines, Failures: failed}
}
