// Package liveness ages out devices that stopped sending heartbeats.
//
// Only the sweep moves a device from online to offline. The opposite
// transition happens synchronously when a device registers or sends a
// heartbeat.
package liveness

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zuri-labs/zuri/internal/events"
)

const (
	DefaultGrace    = 5 * time.Minute
	DefaultInterval = 5 * time.Minute
)

// Registry is the subset of the device registry the sweep needs.
type Registry interface {
	StaleOnline(ctx context.Context, cutoff time.Time) ([]string, error)
	MarkOffline(ctx context.Context, deviceID string, cutoff time.Time) (bool, error)
}

// Tracker runs the periodic offline sweep.
type Tracker struct {
	log      zerolog.Logger
	reg      Registry
	pub      events.Publisher
	grace    time.Duration
	interval time.Duration
	now      func() time.Time

	running sync.Mutex
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithPublisher reports devices that went offline.
func WithPublisher(p events.Publisher) Option {
	return func(t *Tracker) { t.pub = p }
}

// New creates a Tracker. Zero durations fall back to the defaults.
func New(log zerolog.Logger, reg Registry, grace, interval time.Duration, opts ...Option) *Tracker {
	if grace <= 0 {
		grace = DefaultGrace
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	t := &Tracker{
		log:      log.With().Str("component", "liveness").Logger(),
		reg:      reg,
		pub:      events.Discard,
		grace:    grace,
		interval: interval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	t.log.Info().
		Dur("grace", t.grace).
		Dur("interval", t.interval).
		Msg("liveness sweep started")

	t.Sweep(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.Sweep(ctx)
		}
	}
}

// Sweep marks every online device silent for longer than the grace window
// as offline and returns how many changed. A sweep that starts while
// another is running returns -1 without doing anything.
func (t *Tracker) Sweep(ctx context.Context) int {
	if !t.running.TryLock() {
		t.log.Debug().Msg("sweep already running, skipped")
		return -1
	}
	defer t.running.Unlock()

	cutoff := t.now().Add(-t.grace)
	stale, err := t.reg.StaleOnline(ctx, cutoff)
	if err != nil {
		t.log.Error().Err(err).Msg("failed to list stale devices")
		return 0
	}

	changed := 0
	for _, id := range stale {
		ok, err := t.reg.MarkOffline(ctx, id, cutoff)
		if err != nil {
			t.log.Error().Err(err).Str("device", id).Msg("failed to mark device offline")
			continue
		}
		if !ok {
			// heartbeat landed after the scan
			continue
		}
		changed++
		t.log.Info().Str("device", id).Msg("device offline")
		_ = t.pub.Publish(ctx, events.Event{
			Kind:     events.DeviceUpdate,
			DeviceID: id,
			Reason:   "offline",
			Data:     map[string]any{"is_online": false},
			At:       t.now().UTC(),
		})
	}

	if changed > 0 {
		t.log.Info().Int("count", changed).Msg("liveness sweep complete")
	}
	return changed
}
