// Package events carries fleet state changes to observers and brokers.
package events

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Kind identifies what changed.
type Kind string

const (
	DeviceUpdate  Kind = "device_update"
	CommandUpdate Kind = "command_update"
)

// Event describes one state change of a device or one of its commands.
type Event struct {
	Kind     Kind      `json:"kind"`
	DeviceID string    `json:"device_id"`
	Reason   string    `json:"reason,omitempty"`
	Data     any       `json:"data,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher delivers events somewhere. Implementations must not block for
// long; delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event) error

func (f PublisherFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Fanout sends every event to all of its publishers. A failing publisher is
// logged and does not stop the others.
type Fanout struct {
	log  zerolog.Logger
	pubs []Publisher
}

// NewFanout returns a Fanout over pubs. Nil publishers are ignored.
func NewFanout(log zerolog.Logger, pubs ...Publisher) *Fanout {
	f := &Fanout{log: log.With().Str("component", "events").Logger()}
	for _, p := range pubs {
		if p != nil {
			f.pubs = append(f.pubs, p)
		}
	}
	return f
}

// Add registers another publisher.
func (f *Fanout) Add(p Publisher) {
	if p != nil {
		f.pubs = append(f.pubs, p)
	}
}

// Publish implements Publisher. It never returns an error.
func (f *Fanout) Publish(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	for _, p := range f.pubs {
		if err := p.Publish(ctx, ev); err != nil {
			f.log.Warn().Err(err).
				Str("kind", string(ev.Kind)).
				Str("device", ev.DeviceID).
				Msg("event publish failed")
		}
	}
	return nil
}

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(context.Context, Event) error { return nil })
