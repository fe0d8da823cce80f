// Package dedup remembers which webhook events were already processed so
// at-least-once deliveries are acted on once.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/careline/server/internal/metrics"
)

// Store is a set of processed event ids
type Store interface {
	HasBeenProcessed(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID string) error
}

type timerFunc func(d time.Duration) (<-chan time.Time, func() bool)

func realTimer(d time.Duration) (<-chan time.Time, func() bool) {
	t := time.NewTimer(d)
	return t.C, t.Stop
}

// Guard is a process-local Store that forgets everything at each local midnight.
// The set is not durable: a restart starts empty.
type Guard struct {
	mu   sync.Mutex
	seen map[string]struct{}

	zone    Zone
	now     func() time.Time
	timer   timerFunc
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// GuardOption configures a Guard
type GuardOption func(*Guard)

// WithZone sets the zone whose midnight triggers the reset
func WithZone(z Zone) GuardOption {
	return func(g *Guard) { g.zone = z }
}

// WithGuardLogger sets the logger
func WithGuardLogger(logger zerolog.Logger) GuardOption {
	return func(g *Guard) { g.logger = logger.With().Str("component", "dedup").Logger() }
}

// WithGuardMetrics counts resets
func WithGuardMetrics(m *metrics.Metrics) GuardOption {
	return func(g *Guard) { g.metrics = m }
}

// NewGuard creates an empty in-memory guard
func NewGuard(opts ...GuardOption) *Guard {
	g := &Guard{
		seen:   make(map[string]struct{}),
		zone:   Pacific,
		now:    time.Now,
		timer:  realTimer,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// HasBeenProcessed reports whether eventID was marked since the last reset
func (g *Guard) HasBeenProcessed(_ context.Context, eventID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.seen[eventID]
	return ok, nil
}

// MarkProcessed adds eventID to the set
func (g *Guard) MarkProcessed(_ context.Context, eventID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seen[eventID] = struct{}{}
	return nil
}

// Len returns the number of remembered ids
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

// Reset forgets every id
func (g *Guard) Reset() {
	g.mu.Lock()
	n := len(g.seen)
	g.seen = make(map[string]struct{})
	g.mu.Unlock()

	g.metrics.DedupReset()
	g.logger.Info().Int("cleared", n).Msg("processed-event set reset")
}

// NextReset returns the instant of the next reset after now
func (g *Guard) NextReset() time.Time {
	return g.zone.NextMidnight(g.now())
}

// Run arms a single-shot timer for the next local midnight, resets the set when
// it fires and re-arms, until ctx is done. Midnight-to-midnight spans 23 to 25
// hours across DST changes, so each wait is computed afresh.
func (g *Guard) Run(ctx context.Context) {
	var last time.Time
	for {
		from := g.now()
		if !from.After(last) {
			from = last
		}
		next := g.zone.NextMidnight(from)
		wait := next.Sub(g.now())
		if wait < 0 {
			wait = 0
		}
		g.logger.Debug().Time("next_reset", next).Dur("in", wait).Msg("dedup reset armed")

		fired, stop := g.timer(wait)
		select {
		case <-ctx.Done():
			stop()
			return
		case <-fired:
			g.Reset()
			last = next
		}
	}
}
