package commands_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zuri-labs/zuri/internal/commands"
	"github.com/zuri-labs/zuri/internal/registry"
	"github.com/zuri-labs/zuri/internal/store"
	"github.com/zuri-labs/zuri/internal/store/storetest"
)

func newQueue(t *testing.T, devices ...string) *commands.Queue {
	t.Helper()
	db := storetest.Open(t)
	reg := registry.New(zerolog.Nop(), db)
	for _, id := range devices {
		_, err := reg.Register(context.Background(), registry.Registration{DeviceID: id})
		require.NoError(t, err)
	}
	return commands.NewQueue(zerolog.Nop(), db)
}

func TestEnqueue_UnknownDevice(t *testing.T) {
	q := newQueue(t)

	_, err := q.Enqueue(context.Background(), "ZR-NOPE", commands.VerbPlay, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEnqueue_StartsPending(t *testing.T) {
	q := newQueue(t, "ZR-ABC123")

	cmd, err := q.Enqueue(context.Background(), "ZR-ABC123", commands.VerbPlay, json.RawMessage(`{"content_id":"story_001"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, cmd.ID)
	assert.Equal(t, commands.StatusPending, cmd.Status)
	assert.JSONEq(t, `{"content_id":"story_001"}`, string(cmd.Params))

	stored, err := q.Get(context.Background(), cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, commands.StatusPending, stored.Status)
	assert.Nil(t, stored.SentAt)

	// Missing params default to an empty object
	stop, err := q.Enqueue(context.Background(), "ZR-ABC123", commands.VerbStop, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(stop.Params))
}

func TestEnqueueWith_FailedWriteRollsBackBoth(t *testing.T) {
	ctx := context.Background()
	db := storetest.Open(t)
	reg := registry.New(zerolog.Nop(), db)
	_, err := reg.Register(ctx, registry.Registration{DeviceID: "ZR-1"})
	require.NoError(t, err)
	q := commands.NewQueue(zerolog.Nop(), db)

	before, err := reg.Get(ctx, "ZR-1")
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = q.EnqueueWith(ctx, "ZR-1", commands.VerbUpdateSettings, json.RawMessage(`{"volume":0.1}`), func(tx *sql.Tx) error {
		require.NoError(t, reg.UpdateSettingsTx(ctx, tx, "ZR-1", json.RawMessage(`{"volume":0.1}`)))
		return boom
	})
	require.ErrorIs(t, err, boom)

	list, err := q.ListForDevice(ctx, "ZR-1", 10)
	require.NoError(t, err)
	assert.Empty(t, list)

	after, err := reg.Get(ctx, "ZR-1")
	require.NoError(t, err)
	assert.JSONEq(t, string(before.Settings), string(after.Settings), "settings write rolled back")

	cmd, err := q.EnqueueWith(ctx, "ZR-1", commands.VerbUpdateSettings, json.RawMessage(`{"volume":0.2}`), func(tx *sql.Tx) error {
		return reg.UpdateSettingsTx(ctx, tx, "ZR-1", json.RawMessage(`{"volume":0.2}`))
	})
	require.NoError(t, err)
	after, err = reg.Get(ctx, "ZR-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"volume":0.2}`, string(after.Settings))
	assert.JSONEq(t, `{"volume":0.2}`, string(cmd.Params))
}

func TestDrainPending_ExactlyOnceInOrder(t *testing.T) {
	q := newQueue(t, "ZR-1", "ZR-2")
	ctx := context.Background()

	var ids []string
	for _, verb := range []string{commands.VerbPlay, commands.VerbPause, commands.VerbStop} {
		cmd, err := q.Enqueue(ctx, "ZR-1", verb, nil)
		require.NoError(t, err)
		ids = append(ids, cmd.ID)
	}
	other, err := q.Enqueue(ctx, "ZR-2", commands.VerbPlay, nil)
	require.NoError(t, err)

	drained, err := q.DrainPending(ctx, "ZR-1")
	require.NoError(t, err)
	require.Len(t, drained, 3)
	for i, cmd := range drained {
		assert.Equal(t, ids[i], cmd.ID)
		assert.Equal(t, commands.StatusSent, cmd.Status)
		assert.NotNil(t, cmd.SentAt)
	}

	again, err := q.DrainPending(ctx, "ZR-1")
	require.NoError(t, err)
	assert.Empty(t, again)

	// Other devices are untouched
	stored, err := q.Get(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, commands.StatusPending, stored.Status)
}

func TestMarkSent_ExcludesFromDrain(t *testing.T) {
	q := newQueue(t, "ZR-1")
	ctx := context.Background()

	pushed, err := q.Enqueue(ctx, "ZR-1", commands.VerbPlay, nil)
	require.NoError(t, err)
	queued, err := q.Enqueue(ctx, "ZR-1", commands.VerbStop, nil)
	require.NoError(t, err)

	won, err := q.MarkSent(ctx, pushed.ID)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = q.MarkSent(ctx, pushed.ID)
	require.NoError(t, err)
	assert.False(t, won, "second compare-and-set must lose")

	drained, err := q.DrainPending(ctx, "ZR-1")
	require.NoError(t, err)
	require.Len(t, drained, 1)
	assert.Equal(t, queued.ID, drained[0].ID)
}

func TestReportResult_FirstReportWins(t *testing.T) {
	q := newQueue(t, "ZR-1")
	ctx := context.Background()

	cmd, err := q.Enqueue(ctx, "ZR-1", commands.VerbPlay, nil)
	require.NoError(t, err)
	_, err = q.DrainPending(ctx, "ZR-1")
	require.NoError(t, err)

	done, err := q.ReportResult(ctx, cmd.ID, true)
	require.NoError(t, err)
	assert.Equal(t, commands.StatusCompleted, done.Status)
	require.NotNil(t, done.ExecutedAt)

	for _, success := range []bool{true, false} {
		_, err = q.ReportResult(ctx, cmd.ID, success)
		assert.ErrorIs(t, err, commands.ErrAlreadyTerminal)
		assert.ErrorIs(t, err, store.ErrConflict)
	}

	stored, err := q.Get(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, commands.StatusCompleted, stored.Status)
	assert.Equal(t, *done.ExecutedAt, *stored.ExecutedAt)
}

func TestReportResult_Failure(t *testing.T) {
	q := newQueue(t, "ZR-1")
	ctx := context.Background()

	cmd, err := q.Enqueue(ctx, "ZR-1", commands.VerbPlay, nil)
	require.NoError(t, err)

	failed, err := q.ReportResult(ctx, cmd.ID, false)
	require.NoError(t, err)
	assert.Equal(t, commands.StatusFailed, failed.Status)

	// A terminal command is never drained
	drained, err := q.DrainPending(ctx, "ZR-1")
	require.NoError(t, err)
	assert.Empty(t, drained)
}

func TestReportResult_UnknownCommand(t *testing.T) {
	q := newQueue(t)

	_, err := q.ReportResult(context.Background(), "does-not-exist", true)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDrainPending_ConcurrentDrainsNeverShare(t *testing.T) {
	q := newQueue(t, "ZR-1")
	ctx := context.Background()

	const total = 20
	for i := 0; i < total; i++ {
		_, err := q.Enqueue(ctx, "ZR-1", commands.VerbPlay, nil)
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			drained, err := q.DrainPending(ctx, "ZR-1")
			assert.NoError(t, err)
			mu.Lock()
			for _, cmd := range drained {
				seen[cmd.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "command %s drained %d times", id, n)
	}
}

func TestListForDevice_NewestFirst(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	db := storetest.Open(t)
	_, err := registry.New(zerolog.Nop(), db).Register(context.Background(), registry.Registration{DeviceID: "ZR-1"})
	require.NoError(t, err)
	q := commands.NewQueue(zerolog.Nop(), db, commands.WithClock(func() time.Time { return clock }))

	first, err := q.Enqueue(context.Background(), "ZR-1", commands.VerbPlay, nil)
	require.NoError(t, err)
	second, err := q.Enqueue(context.Background(), "ZR-1", commands.VerbStop, nil)
	require.NoError(t, err)

	list, err := q.ListForDevice(context.Background(), "ZR-1", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)

	list, err = q.ListForDevice(context.Background(), "ZR-1", 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
