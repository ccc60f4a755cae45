// Package ratelimit implements sliding-window admission control for
// outbound tool calls.
//
// Each category (messages, chats, search, ...) keeps its own window of
// admission timestamps covering the last minute. [Limiter.Wait] blocks
// until a call may proceed under both the category's per-minute ceiling
// and the per-second ceiling, then records the admission. Admissions
// are serialized across all callers sharing a Limiter, so within a
// category calls are admitted in the order they reached the front of
// the queue.
package ratelimit

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Window is the span over which per-minute ceilings are enforced.
const Window = time.Minute

// Categories used by the WhatsApp caller.
const (
	CategoryMessages = "messages"
	CategoryChats    = "chats"
	CategoryAuth     = "auth"
	CategoryStatus   = "status"
	CategorySearch   = "search"
	CategoryInfo     = "info"
	CategoryExport   = "export"
)

// Limits configures the ceilings. A zero or negative ceiling disables
// that check.
type Limits struct {
	// PerMinute holds per-category ceilings. Categories not listed use
	// DefaultPerMinute.
	PerMinute        map[string]int
	DefaultPerMinute int
	// PerSecond caps admissions per category within any one second.
	PerSecond int
}

// DefaultLimits returns the ceilings WhatsApp Web tolerates without
// flagging the account: 60 message reads and 30 chat listings per
// minute, 30 for everything else, at most 2 per second.
func DefaultLimits() Limits {
	return Limits{
		PerMinute: map[string]int{
			CategoryMessages: 60,
			CategoryChats:    30,
		},
		DefaultPerMinute: 30,
		PerSecond:        2,
	}
}

func (l Limits) perMinute(category string) int {
	if n, ok := l.PerMinute[category]; ok {
		return n
	}
	return l.DefaultPerMinute
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the time source and the sleep used while waiting
// for a window to open. sleep must return ctx.Err() when ctx ends
// first.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) {
		l.now = now
		l.sleep = sleep
	}
}

// Limiter admits calls per category. It is safe for concurrent use.
type Limiter struct {
	limits Limits
	logger *slog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	// turn is held by the caller currently running check-and-record.
	// A channel rather than a mutex so waiting honours ctx.
	turn chan struct{}

	mu      sync.Mutex // guards windows
	windows map[string][]time.Time
}

// New creates a Limiter. A nil logger uses slog.Default().
func New(limits Limits, logger *slog.Logger, opts ...Option) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Limiter{
		limits:  limits,
		logger:  logger,
		now:     time.Now,
		sleep:   sleepCtx,
		turn:    make(chan struct{}, 1),
		windows: make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Wait blocks until a call in category may proceed and records its
// admission. It returns ctx.Err() if ctx ends first, in which case
// nothing is recorded.
func (l *Limiter) Wait(ctx context.Context, category string) error {
	select {
	case l.turn <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.turn }()

	if ceiling := l.limits.perMinute(category); ceiling > 0 {
		now := l.now()
		window := l.prune(category, now)
		if len(window) >= ceiling {
			// The admission that must age out for one slot to open.
			wait := window[len(window)-ceiling].Add(Window).Sub(now)
			if wait > 0 {
				l.logger.Info("rate limit reached",
					"category", category, "ceiling", ceiling, "wait", wait.Round(time.Millisecond))
				if err := l.sleep(ctx, wait); err != nil {
					return err
				}
			}
		}
	}

	if ceiling := l.limits.PerSecond; ceiling > 0 {
		now := l.now()
		window := l.prune(category, now)
		var recent []time.Time
		for _, ts := range window {
			if now.Sub(ts) < time.Second {
				recent = append(recent, ts)
			}
		}
		if len(recent) >= ceiling {
			wait := recent[len(recent)-ceiling].Add(time.Second).Sub(now)
			if wait > 0 {
				l.logger.Debug("per-second limit reached",
					"category", category, "wait", wait.Round(time.Millisecond))
				if err := l.sleep(ctx, wait); err != nil {
					return err
				}
			}
		}
	}

	l.mu.Lock()
	l.windows[category] = append(l.windows[category], l.now())
	l.mu.Unlock()
	return nil
}

// prune drops admissions older than Window and returns what remains.
func (l *Limiter) prune(category string, now time.Time) []time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	window := l.windows[category]
	i := 0
	for i < len(window) && now.Sub(window[i]) >= Window {
		i++
	}
	window = window[i:]
	if len(window) == 0 {
		delete(l.windows, category)
		return nil
	}
	l.windows[category] = window
	return append([]time.Time(nil), window...)
}

// CategoryStats summarizes one category's window.
type CategoryStats struct {
	Category string `json:"category"`
	// Recent counts admissions within the last Window.
	Recent    int       `json:"recent"`
	Ceiling   int       `json:"ceiling"`
	LastAdmit time.Time `json:"last_admit"`
}

// Stats returns a snapshot of every category with admissions in the
// current window, sorted by category.
func (l *Limiter) Stats() []CategoryStats {
	now := l.now()

	l.mu.Lock()
	categories := make([]string, 0, len(l.windows))
	for c := range l.windows {
		categories = append(categories, c)
	}
	l.mu.Unlock()
	sort.Strings(categories)

	stats := make([]CategoryStats, 0, len(categories))
	for _, c := range categories {
		window := l.prune(c, now)
		if len(window) == 0 {
			continue
		}
		stats = append(stats, CategoryStats{
			Category:  c,
			Recent:    len(window),
			Ceiling:   l.limits.perMinute(c),
			LastAdmit: window[len(window)-1],
		})
	}
	return stats
}

// Limits returns the limiter's configured ceilings.
func (l *Limiter) Limits() Limits {
	return l.limits
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
