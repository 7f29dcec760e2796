package analytics_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zuri-labs/zuri/internal/analytics"
	"github.com/zuri-labs/zuri/internal/store"
	"github.com/zuri-labs/zuri/internal/store/storetest"
)

func TestLogAndWindow(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	r := analytics.NewRecorder(zerolog.Nop(), storetest.Open(t), analytics.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	old, err := r.Log(ctx, analytics.Event{DeviceID: "ZR-1", ContentID: "story_001", Action: "play"})
	require.NoError(t, err)
	assert.NotEmpty(t, old.ID)

	now = now.Add(8 * 24 * time.Hour)
	recent, err := r.Log(ctx, analytics.Event{DeviceID: "ZR-1", ContentID: "story_002", Action: "complete", Duration: 300, SessionID: "s-1"})
	require.NoError(t, err)
	_, err = r.Log(ctx, analytics.Event{DeviceID: "ZR-2", ContentID: "story_002", Action: "play"})
	require.NoError(t, err)

	events, err := r.Window(ctx, "ZR-1", 7)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, recent.ID, events[0].ID)
	assert.Equal(t, 300, events[0].Duration)
	assert.Equal(t, "s-1", events[0].SessionID)

	events, err = r.Window(ctx, "ZR-1", 30)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestLog_RejectsIncompleteEvents(t *testing.T) {
	r := analytics.NewRecorder(zerolog.Nop(), storetest.Open(t))

	_, err := r.Log(context.Background(), analytics.Event{DeviceID: "ZR-1", Action: "play"})
	assert.ErrorIs(t, err, store.ErrInvalid)
}
