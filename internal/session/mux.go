// Package session tracks which device currently holds a live channel and
// which observers want state updates.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zuri-labs/zuri/internal/events"
	"github.com/zuri-labs/zuri/internal/protocol"
)

// ErrNoBinding is returned by TryPush when the device has no live channel.
var ErrNoBinding = errors.New("no live channel bound")

// DefaultPushTimeout bounds a single TryPush.
const DefaultPushTimeout = 5 * time.Second

// Channel is a live bidirectional connection to one device. Send returns
// nil only once the transport accepted the frame.
type Channel interface {
	Send(ctx context.Context, data []byte) error
	Close() error
}

// Observer receives state updates. Notify must not block and reports
// whether the frame was queued.
type Observer interface {
	Notify(data []byte) bool
}

// Mux owns the device → channel map and the observer set.
type Mux struct {
	log         zerolog.Logger
	pushTimeout time.Duration

	mu        sync.RWMutex
	devices   map[string]Channel
	observers map[Observer]struct{}
}

// NewMux creates an empty Mux.
func NewMux(log zerolog.Logger, pushTimeout time.Duration) *Mux {
	if pushTimeout <= 0 {
		pushTimeout = DefaultPushTimeout
	}
	return &Mux{
		log:         log.With().Str("component", "session").Logger(),
		pushTimeout: pushTimeout,
		devices:     make(map[string]Channel),
		observers:   make(map[Observer]struct{}),
	}
}

// Bind makes ch the current channel of deviceID. A previously bound channel
// is closed.
func (m *Mux) Bind(deviceID string, ch Channel) {
	m.mu.Lock()
	old := m.devices[deviceID]
	m.devices[deviceID] = ch
	m.mu.Unlock()

	if old != nil && old != ch {
		m.log.Info().Str("device", deviceID).Msg("replacing live channel")
		_ = old.Close()
	}
	m.log.Debug().Str("device", deviceID).Msg("live channel bound")
}

// Unbind removes the binding only when ch is still the current channel, so
// a replaced connection cannot evict its successor.
func (m *Mux) Unbind(deviceID string, ch Channel) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.devices[deviceID]; !ok || cur != ch {
		return false
	}
	delete(m.devices, deviceID)
	m.log.Debug().Str("device", deviceID).Msg("live channel unbound")
	return true
}

// Bound reports whether deviceID has a live channel.
func (m *Mux) Bound(deviceID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.devices[deviceID]
	return ok
}

// TryPush sends data on the device's channel within the push timeout.
func (m *Mux) TryPush(ctx context.Context, deviceID string, data []byte) error {
	m.mu.RLock()
	ch := m.devices[deviceID]
	m.mu.RUnlock()
	if ch == nil {
		return ErrNoBinding
	}

	ctx, cancel := context.WithTimeout(ctx, m.pushTimeout)
	defer cancel()
	if err := ch.Send(ctx, data); err != nil {
		return fmt.Errorf("push to %s: %w", deviceID, err)
	}
	return nil
}

// AddObserver registers o for state updates.
func (m *Mux) AddObserver(o Observer) {
	m.mu.Lock()
	m.observers[o] = struct{}{}
	m.mu.Unlock()
}

// RemoveObserver unregisters o.
func (m *Mux) RemoveObserver(o Observer) {
	m.mu.Lock()
	delete(m.observers, o)
	m.mu.Unlock()
}

// Publish implements events.Publisher by fanning the event out to every
// observer. Observers whose buffer is full miss the update.
func (m *Mux) Publish(_ context.Context, ev events.Event) error {
	data, err := protocol.Encode(string(ev.Kind), ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for o := range m.observers {
		if !o.Notify(data) {
			m.log.Debug().Str("kind", string(ev.Kind)).Msg("observer buffer full, skipped")
		}
	}
	return nil
}

// Counts returns the number of bound devices and registered observers.
func (m *Mux) Counts() (devices, observers int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.devices), len(m.observers)
}
