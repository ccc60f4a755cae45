package connwatch

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

const testInterval = 5 * time.Millisecond

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestWatcher_HealthyStaysReady(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var readyCalled, failures atomic.Int32

	m := NewManager(slog.Default())
	w := m.Watch(ctx, WatcherConfig{
		Name:      "test-healthy",
		Probe:     func(ctx context.Context) error { return nil },
		Interval:  testInterval,
		OnReady:   func() { readyCalled.Add(1) },
		OnFailure: func(context.Context, error) { failures.Add(1) },
	})

	waitFor(t, "several probes", func() bool { return w.Status().Probes >= 3 })

	if !w.IsReady() {
		t.Error("expected IsReady() == true while probes succeed")
	}
	if w.LastError() != nil {
		t.Errorf("expected nil LastError, got %v", w.LastError())
	}
	// Ready from the start, so no transition is reported.
	if n := readyCalled.Load(); n != 0 {
		t.Errorf("OnReady called %d times, want 0", n)
	}
	if n := failures.Load(); n != 0 {
		t.Errorf("OnFailure called %d times, want 0", n)
	}
}

func TestWatcher_FirstProbeWaitsForInterval(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var probes atomic.Int32

	m := NewManager(slog.Default())
	m.Watch(ctx, WatcherConfig{
		Name:     "test-sleep-first",
		Probe:    func(ctx context.Context) error { probes.Add(1); return nil },
		Interval: time.Hour,
	})

	time.Sleep(20 * time.Millisecond)
	if n := probes.Load(); n != 0 {
		t.Errorf("probe ran %d times before the first interval elapsed", n)
	}
}

func TestWatcher_FailureInvokesOnFailure(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errDown := errors.New("went down")
	var shouldFail atomic.Bool
	shouldFail.Store(true)

	var downCalled, readyCalled atomic.Int32
	gotErr := make(chan error, 1)

	m := NewManager(slog.Default())
	w := m.Watch(ctx, WatcherConfig{
		Name: "test-goes-down",
		Probe: func(ctx context.Context) error {
			if shouldFail.Load() {
				return errDown
			}
			return nil
		},
		Interval: testInterval,
		OnFailure: func(_ context.Context, err error) {
			// The "reconnect" fixes the service.
			shouldFail.Store(false)
			select {
			case gotErr <- err:
			default:
			}
		},
		OnDown:  func(error) { downCalled.Add(1) },
		OnReady: func() { readyCalled.Add(1) },
	})

	select {
	case err := <-gotErr:
		if !errors.Is(err, errDown) {
			t.Errorf("OnFailure error = %v, want %v", err, errDown)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnFailure was not called")
	}

	waitFor(t, "recovery", func() bool { return w.IsReady() && readyCalled.Load() == 1 })

	if n := downCalled.Load(); n != 1 {
		t.Errorf("OnDown called %d times, want 1", n)
	}
	if s := w.Status(); s.Failures != 1 {
		t.Errorf("Failures = %d, want 1", s.Failures)
	}
}

func TestWatcher_StillDownReportsOnce(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var downCalled, failures atomic.Int32

	m := NewManager(slog.Default())
	w := m.Watch(ctx, WatcherConfig{
		Name:      "test-still-down",
		Probe:     func(ctx context.Context) error { return errors.New("unreachable") },
		Interval:  testInterval,
		OnDown:    func(error) { downCalled.Add(1) },
		OnFailure: func(context.Context, error) { failures.Add(1) },
	})

	waitFor(t, "repeated failures", func() bool { return failures.Load() >= 3 })

	if w.IsReady() {
		t.Error("expected not ready")
	}
	if n := downCalled.Load(); n != 1 {
		t.Errorf("OnDown called %d times, want exactly 1", n)
	}
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(slog.Default())
	w := m.Watch(ctx, WatcherConfig{
		Name: "test-probe-timeout",
		Probe: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Interval:     testInterval,
		ProbeTimeout: 5 * time.Millisecond,
	})

	waitFor(t, "timed-out probe", func() bool { return w.LastError() != nil })

	if !errors.Is(w.LastError(), context.DeadlineExceeded) {
		t.Errorf("LastError = %v, want deadline exceeded", w.LastError())
	}
}

func TestWatcher_ContextCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())

	m := NewManager(slog.Default())
	w := m.Watch(ctx, WatcherConfig{
		Name:     "test-cancel",
		Probe:    func(ctx context.Context) error { return nil },
		Interval: time.Hour,
	})

	cancel()

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop after context cancellation")
	}
}

func TestWatcher_CancelDuringProbeSkipsOnFailure(t *testing.T) {
	t.Parallel()

	probing := make(chan struct{})
	var failures atomic.Int32

	m := NewManager(slog.Default())
	w := m.Watch(context.Background(), WatcherConfig{
		Name: "test-cancel-mid-probe",
		Probe: func(ctx context.Context) error {
			close(probing)
			<-ctx.Done()
			return ctx.Err()
		},
		Interval:     testInterval,
		ProbeTimeout: time.Hour,
		OnFailure:    func(context.Context, error) { failures.Add(1) },
	})

	<-probing
	m.Unwatch("test-cancel-mid-probe")

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("watcher did not exit after Unwatch")
	}
	if n := failures.Load(); n != 0 {
		t.Errorf("OnFailure called %d times after cancellation, want 0", n)
	}
}

func TestManager_WatchIsIdempotentPerName(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(slog.Default())
	cfg := WatcherConfig{
		Name:     "svc",
		Probe:    func(ctx context.Context) error { return nil },
		Interval: time.Hour,
	}
	w1 := m.Watch(ctx, cfg)
	w2 := m.Watch(ctx, cfg)

	if w1 != w2 {
		t.Error("second Watch for a running name should return the existing watcher")
	}

	m.Unwatch("svc")
	<-w1.Done()

	w3 := m.Watch(ctx, cfg)
	if w3 == w1 {
		t.Error("Watch after Unwatch should start a fresh watcher")
	}
}

func TestManager_UnwatchUnknownIsNoop(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	m.Unwatch("nope")
	if m.Watcher("nope") != nil {
		t.Error("Watcher for unknown name should be nil")
	}
}

func TestManager_Status(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(slog.Default())

	m.Watch(ctx, WatcherConfig{
		Name:     "healthy-svc",
		Probe:    func(ctx context.Context) error { return nil },
		Interval: testInterval,
	})
	down := m.Watch(ctx, WatcherConfig{
		Name:     "down-svc",
		Probe:    func(ctx context.Context) error { return errors.New("unreachable") },
		Interval: testInterval,
	})

	if !down.IsReady() {
		t.Error("a fresh watcher should report ready before its first probe")
	}
	waitFor(t, "down-svc failure", func() bool { return down.Status().Failures > 0 && !down.IsReady() })

	status := m.Status()
	if len(status) != 2 {
		t.Fatalf("expected 2 entries in Status, got %d", len(status))
	}
	if s := status["healthy-svc"]; !s.Ready || s.LastError != "" {
		t.Errorf("healthy-svc status = %+v", s)
	}
	if s := status["down-svc"]; s.Ready || s.LastError == "" {
		t.Errorf("down-svc status = %+v", s)
	}
}

func TestManager_StopDoesNotBlock(t *testing.T) {
	t.Parallel()

	probing := make(chan struct{})
	m := NewManager(slog.Default())

	// A probe that ignores cancellation must not hold up Stop.
	w := m.Watch(context.Background(), WatcherConfig{
		Name: "svc-stuck",
		Probe: func(ctx context.Context) error {
			close(probing)
			time.Sleep(200 * time.Millisecond)
			return nil
		},
		Interval: testInterval,
	})
	m.Watch(context.Background(), WatcherConfig{
		Name:     "svc-idle",
		Probe:    func(ctx context.Context) error { return nil },
		Interval: time.Hour,
	})

	<-probing

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(50 * time.Millisecond):
		t.Fatal("Manager.Stop blocked on a running probe")
	}
	if len(m.Status()) != 0 {
		t.Error("Status should be empty after Stop")
	}

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("stuck watcher never exited")
	}
}
