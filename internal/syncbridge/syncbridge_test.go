package syncbridge

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBridge(timeout time.Duration) *Bridge {
	return New(timeout, slog.New(slog.DiscardHandler))
}

func TestDo_RunsDirectlyWithDeadline(t *testing.T) {
	b := newTestBridge(time.Minute)

	var sawDeadline, sawActive bool
	err := b.Do(func(ctx context.Context) error {
		_, sawDeadline = ctx.Deadline()
		sawActive = Active(ctx)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, sawDeadline, "bridged context should carry the bridge timeout")
	assert.True(t, sawActive)
}

func TestDo_PropagatesError(t *testing.T) {
	b := newTestBridge(time.Minute)
	want := errors.New("tool failed")
	assert.ErrorIs(t, b.Do(func(context.Context) error { return want }), want)
}

func TestDo_TimeoutBoundsCall(t *testing.T) {
	b := newTestBridge(20 * time.Millisecond)
	err := b.Do(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDoContext_NestedRunsIsolated(t *testing.T) {
	b := newTestBridge(time.Minute)
	type key struct{}

	var innerErr error
	var innerValue any
	err := b.DoContext(context.Background(), func(outer context.Context) error {
		outer, cancel := context.WithCancel(context.WithValue(outer, key{}, "kept"))
		cancel()

		return b.DoContext(outer, func(inner context.Context) error {
			innerErr = inner.Err()
			innerValue = inner.Value(key{})
			return nil
		})
	})
	require.NoError(t, err)
	assert.NoError(t, innerErr, "outer cancellation must not reach the isolated worker")
	assert.Equal(t, "kept", innerValue)
}

func TestDoContext_NestedHasOwnTimeout(t *testing.T) {
	b := newTestBridge(30 * time.Millisecond)

	err := b.Do(func(outer context.Context) error {
		outerDeadline, _ := outer.Deadline()
		time.Sleep(10 * time.Millisecond)
		return b.DoContext(outer, func(inner context.Context) error {
			innerDeadline, ok := inner.Deadline()
			assert.True(t, ok)
			assert.True(t, innerDeadline.After(outerDeadline), "worker deadline should be its own")
			return nil
		})
	})
	require.NoError(t, err)
}

func TestDoContext_NestedPanicBecomesError(t *testing.T) {
	b := newTestBridge(time.Minute)

	err := b.Do(func(ctx context.Context) error {
		return b.DoContext(ctx, func(context.Context) error {
			panic("boom")
		})
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestCall_ReturnsValue(t *testing.T) {
	b := newTestBridge(time.Minute)

	got, err := Call(b, context.Background(), func(ctx context.Context) (int, error) {
		return Call(b, ctx, func(context.Context) (int, error) { return 41, nil })
	})
	require.NoError(t, err)
	assert.Equal(t, 41, got)

	_, err = Call(b, context.Background(), func(context.Context) (string, error) {
		return "", errors.New("nope")
	})
	assert.EqualError(t, err, "nope")
}

func TestActive(t *testing.T) {
	assert.False(t, Active(context.Background()))
}
