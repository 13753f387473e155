package sensor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sweeney/zone-controller/internal/model"
)

// FakeReader returns canned readings for test assertions.
type FakeReader struct {
	mu       sync.Mutex
	values   map[string]model.Reading
	errs     map[string]error
	delay    time.Duration
	requests []string
}

// NewFakeReader creates an empty FakeReader. Unset addresses fail.
func NewFakeReader() *FakeReader {
	return &FakeReader{values: make(map[string]model.Reading), errs: make(map[string]error)}
}

// Set makes kind/address read as v.
func (f *FakeReader) Set(kind, address string, v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[kind+":"+address] = model.Reading{Value: v}
	delete(f.errs, kind+":"+address)
}

// Fail makes kind/address return err.
func (f *FakeReader) Fail(kind, address string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[kind+":"+address] = err
}

// SetDelay makes every read block for d or until ctx ends.
func (f *FakeReader) SetDelay(d time.Duration) {
	f.mu.Lock()
	f.delay = d
	f.mu.Unlock()
}

// Requests returns every kind:address read so far.
func (f *FakeReader) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

// Read implements Reader.
func (f *FakeReader) Read(ctx context.Context, kind, address string) (model.Reading, error) {
	key := kind + ":" + address
	f.mu.Lock()
	f.requests = append(f.requests, key)
	delay := f.delay
	v, ok := f.values[key]
	err := f.errs[key]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return model.Reading{}, ctx.Err()
		}
	}
	if err != nil {
		return model.Reading{}, err
	}
	if !ok {
		return model.Reading{}, fmt.Errorf("no reading for %s", key)
	}
	return v, nil
}
