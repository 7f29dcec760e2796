package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zuri-labs/zuri/internal/store"
	"github.com/zuri-labs/zuri/internal/store/storetest"
)

func TestRetention_PrunesOnlyOldTerminalCommands(t *testing.T) {
	db := storetest.Open(t)
	ctx := context.Background()

	old := store.Millis(time.Now().Add(-48 * time.Hour))
	fresh := store.Millis(time.Now())

	_, err := db.Exec(`INSERT INTO devices (device_id, device_name, last_seen, created_at) VALUES ('ZR-1', 'one', ?, ?)`, fresh, fresh)
	require.NoError(t, err)

	rows := []struct {
		id, status string
		created    int64
	}{
		{"old-done", "completed", old},
		{"old-failed", "failed", old},
		{"old-pending", "pending", old},
		{"old-sent", "sent", old},
		{"new-done", "completed", fresh},
	}
	for i, r := range rows {
		_, err := db.Exec(`INSERT INTO commands (id, device_id, command, status, created_at, seq) VALUES (?, 'ZR-1', 'play', ?, ?, ?)`,
			r.id, r.status, r.created, i+1)
		require.NoError(t, err)
	}

	ret := store.NewRetention(zerolog.Nop(), db, 24*time.Hour, 0)
	deleted, err := ret.CleanupCommands(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	var remaining int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM commands`).Scan(&remaining))
	assert.Equal(t, 3, remaining)

	// Zero usage retention keeps analytics forever
	deleted, err = ret.CleanupUsage(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestRetention_PrunesOldUsageEvents(t *testing.T) {
	db := storetest.Open(t)

	_, err := db.Exec(`INSERT INTO usage_analytics (id, device_id, content_id, action, timestamp) VALUES
		('a', 'ZR-1', 'story_001', 'play', ?),
		('b', 'ZR-1', 'story_001', 'stop', ?)`,
		store.Millis(time.Now().Add(-100*24*time.Hour)), store.Millis(time.Now()))
	require.NoError(t, err)

	ret := store.NewRetention(zerolog.Nop(), db, 0, 90*24*time.Hour)
	deleted, err := ret.CleanupUsage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}
