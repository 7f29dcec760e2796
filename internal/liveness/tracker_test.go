package liveness_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zuri-labs/zuri/internal/events"
	"github.com/zuri-labs/zuri/internal/liveness"
	"github.com/zuri-labs/zuri/internal/registry"
	"github.com/zuri-labs/zuri/internal/store/storetest"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*registry.Registry, *liveness.Tracker, *clock, *[]events.Event) {
	t.Helper()
	c := &clock{t: t0}
	reg := registry.New(zerolog.Nop(), storetest.Open(t), registry.WithClock(c.Now))

	var got []events.Event
	pub := events.PublisherFunc(func(_ context.Context, ev events.Event) error {
		got = append(got, ev)
		return nil
	})
	tr := liveness.New(zerolog.Nop(), reg, 5*time.Minute, time.Minute,
		liveness.WithClock(c.Now), liveness.WithPublisher(pub))
	return reg, tr, c, &got
}

func TestSweep_SilentDeviceGoesOffline(t *testing.T) {
	reg, tr, c, got := setup(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, registry.Registration{DeviceID: "ZR-1"})
	require.NoError(t, err)

	c.Set(t0.Add(4 * time.Minute))
	assert.Equal(t, 0, tr.Sweep(ctx))

	c.Set(t0.Add(6 * time.Minute))
	assert.Equal(t, 1, tr.Sweep(ctx))

	d, err := reg.Get(ctx, "ZR-1")
	require.NoError(t, err)
	assert.False(t, d.Online)

	require.Len(t, *got, 1)
	assert.Equal(t, events.DeviceUpdate, (*got)[0].Kind)
	assert.Equal(t, "ZR-1", (*got)[0].DeviceID)

	// Already offline, nothing to do
	assert.Equal(t, 0, tr.Sweep(ctx))
}

func TestSweep_HeartbeatKeepsDeviceOnline(t *testing.T) {
	reg, tr, c, _ := setup(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, registry.Registration{DeviceID: "ZR-1"})
	require.NoError(t, err)

	c.Set(t0.Add(4 * time.Minute))
	_, err = reg.RecordHeartbeat(ctx, registry.Heartbeat{DeviceID: "ZR-1", Battery: 80})
	require.NoError(t, err)

	c.Set(t0.Add(6 * time.Minute))
	assert.Equal(t, 0, tr.Sweep(ctx))

	d, err := reg.Get(ctx, "ZR-1")
	require.NoError(t, err)
	assert.True(t, d.Online)
}

func TestSweep_HeartbeatAfterOfflineRestoresOnline(t *testing.T) {
	reg, tr, c, _ := setup(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, registry.Registration{DeviceID: "ZR-1"})
	require.NoError(t, err)
	c.Set(t0.Add(10 * time.Minute))
	require.Equal(t, 1, tr.Sweep(ctx))

	d, err := reg.RecordHeartbeat(ctx, registry.Heartbeat{DeviceID: "ZR-1", Battery: 50})
	require.NoError(t, err)
	assert.True(t, d.Online)
}

// blockingRegistry holds the first StaleOnline call until released.
type blockingRegistry struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingRegistry) StaleOnline(context.Context, time.Time) ([]string, error) {
	b.entered <- struct{}{}
	<-b.release
	return nil, nil
}

func (b *blockingRegistry) MarkOffline(context.Context, string, time.Time) (bool, error) {
	return false, nil
}

func TestSweep_DoesNotOverlap(t *testing.T) {
	reg := &blockingRegistry{entered: make(chan struct{}, 1), release: make(chan struct{})}
	tr := liveness.New(zerolog.Nop(), reg, 0, 0)

	done := make(chan int)
	go func() { done <- tr.Sweep(context.Background()) }()
	<-reg.entered

	assert.Equal(t, -1, tr.Sweep(context.Background()))

	close(reg.release)
	assert.Equal(t, 0, <-done)
}
