// Package analytics records what devices play.
package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zuri-labs/zuri/internal/store"
)

// Event is one usage record.
type Event struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	ContentID string    `json:"content_id"`
	Action    string    `json:"action"`
	Duration  int       `json:"duration"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Recorder appends and queries usage events.
type Recorder struct {
	log zerolog.Logger
	db  *sql.DB
	now func() time.Time
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder creates a Recorder backed by db.
func NewRecorder(log zerolog.Logger, db *sql.DB, opts ...Option) *Recorder {
	r := &Recorder{
		log: log.With().Str("component", "analytics").Logger(),
		db:  db,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Log appends an event and returns it with id and timestamp set.
func (r *Recorder) Log(ctx context.Context, ev Event) (*Event, error) {
	if ev.DeviceID == "" || ev.ContentID == "" || ev.Action == "" {
		return nil, fmt.Errorf("device_id, content_id and action are required: %w", store.ErrInvalid)
	}
	if ev.Duration < 0 {
		return nil, fmt.Errorf("negative duration: %w", store.ErrInvalid)
	}
	ev.ID = uuid.NewString()
	ev.Timestamp = store.FromMillis(store.Millis(r.now()))

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO usage_analytics (id, device_id, content_id, action, duration, session_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.DeviceID, ev.ContentID, ev.Action, ev.Duration, store.NullString(ev.SessionID), store.Millis(ev.Timestamp))
	if err != nil {
		return nil, fmt.Errorf("insert usage: %w", err)
	}
	return &ev, nil
}

// ForDevice returns the events of a device not older than since, oldest
// first.
func (r *Recorder) ForDevice(ctx context.Context, deviceID string, since time.Time) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, device_id, content_id, action, duration, session_id, timestamp
		FROM usage_analytics
		WHERE device_id = ? AND timestamp >= ?
		ORDER BY timestamp, id
	`, deviceID, store.Millis(since))
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []Event{}
	for rows.Next() {
		var (
			ev      Event
			session sql.NullString
			ts      int64
		)
		if err := rows.Scan(&ev.ID, &ev.DeviceID, &ev.ContentID, &ev.Action, &ev.Duration, &session, &ts); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		ev.SessionID = session.String
		ev.Timestamp = store.FromMillis(ts)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Window returns the events of the last days days.
func (r *Recorder) Window(ctx context.Context, deviceID string, days int) ([]Event, error) {
	if days <= 0 {
		days = 7
	}
	return r.ForDevice(ctx, deviceID, r.now().AddDate(0, 0, -days))
}
