// Package syncbridge lets blocking, context-free callers drive the
// context-based client API.
//
// A bridged call marks its context as active. When bridged code calls
// back into the bridge with that context, the inner call must not be
// bounded or cancelled by the outer one, so it runs on an isolated
// worker goroutine with its own context and deadline while only the
// calling goroutine blocks.
package syncbridge

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// DefaultTimeout bounds a bridged call when the Bridge is created with
// a zero timeout.
const DefaultTimeout = 5 * time.Minute

type activeKey struct{}

// Active reports whether ctx belongs to an in-progress bridged call.
func Active(ctx context.Context) bool {
	v, _ := ctx.Value(activeKey{}).(bool)
	return v
}

// Bridge runs context-based work on behalf of synchronous callers.
type Bridge struct {
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a Bridge whose calls are each bounded by timeout. A
// negative timeout disables the bound.
func New(timeout time.Duration, logger *slog.Logger) *Bridge {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{timeout: timeout, logger: logger}
}

// Do runs fn to completion on the calling goroutine under a fresh
// context bounded by the bridge timeout.
func (b *Bridge) Do(fn func(ctx context.Context) error) error {
	return b.DoContext(context.Background(), fn)
}

// DoContext is Do for callers that already hold a context. Outside a
// bridged call fn runs directly, bounded by ctx and the bridge timeout.
// Inside one, fn runs on an isolated worker: its context keeps ctx's
// values but not its cancellation, carries its own timeout, and a
// panic in fn is returned as an error.
func (b *Bridge) DoContext(ctx context.Context, fn func(ctx context.Context) error) error {
	if Active(ctx) {
		return b.isolated(ctx, fn)
	}
	runCtx, cancel := b.bound(ctx)
	defer cancel()
	return fn(context.WithValue(runCtx, activeKey{}, true))
}

func (b *Bridge) isolated(ctx context.Context, fn func(ctx context.Context) error) error {
	workCtx, cancel := b.bound(context.WithoutCancel(ctx))
	defer cancel()

	b.logger.Debug("bridged call nested in an active call, running on isolated worker")

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("bridged call panicked",
					"panic", r, "stack", string(debug.Stack()))
				done <- fmt.Errorf("bridged call panicked: %v", r)
			}
		}()
		done <- fn(workCtx)
	}()
	return <-done
}

func (b *Bridge) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.timeout < 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, b.timeout)
}

// Call is DoContext for functions returning a value.
func Call[T any](b *Bridge, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := b.DoContext(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
