// Package guard carries a last-resort action on a context so that a panic in
// any goroutine started for that context runs it before the process dies.
package guard

import (
	"context"
	"sync"
)

type hookKey struct{}

type hook struct {
	once sync.Once
	fn   func(r any)
}

// WithHook returns a context whose guarded goroutines run fn before a panic
// propagates. fn runs at most once per context tree; concurrent panickers
// wait for it to finish before they crash.
func WithHook(ctx context.Context, fn func(r any)) context.Context {
	return context.WithValue(ctx, hookKey{}, &hook{fn: fn})
}

// Recover must be deferred directly, as the first defer of a goroutine
// working on behalf of ctx. A recovered panic runs the context's hook and is
// then raised again. Without a hook the panic passes through untouched.
func Recover(ctx context.Context) {
	r := recover()
	if r == nil {
		return
	}
	if h, ok := ctx.Value(hookKey{}).(*hook); ok {
		h.once.Do(func() { h.fn(r) })
	}
	panic(r)
}
