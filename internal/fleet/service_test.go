package fleet_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zuri-labs/zuri/internal/commands"
	"github.com/zuri-labs/zuri/internal/content"
	"github.com/zuri-labs/zuri/internal/fleet"
	"github.com/zuri-labs/zuri/internal/protocol"
	"github.com/zuri-labs/zuri/internal/registry"
	"github.com/zuri-labs/zuri/internal/session"
	"github.com/zuri-labs/zuri/internal/store"
	"github.com/zuri-labs/zuri/internal/store/storetest"
)

type liveChannel struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (c *liveChannel) Send(_ context.Context, data []byte) error {
	if c.err != nil {
		return c.err
	}
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	var cmd protocol.CommandPayload
	if err := msg.ParsePayload(&cmd); err != nil {
		return err
	}
	c.mu.Lock()
	c.ids = append(c.ids, cmd.ID)
	c.mu.Unlock()
	return nil
}

func (c *liveChannel) Close() error { return nil }

func (c *liveChannel) received() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

type harness struct {
	svc     *fleet.Service
	mux     *session.Mux
	catalog *content.Catalog
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := storetest.Open(t)
	log := zerolog.Nop()
	mux := session.NewMux(log, 200*time.Millisecond)
	catalog := content.NewCatalog(log, db)
	svc := fleet.New(log, fleet.Deps{
		Registry: registry.New(log, db),
		Queue:    commands.NewQueue(log, db),
		Sessions: mux,
		Content:  catalog,
	})
	return &harness{svc: svc, mux: mux, catalog: catalog}
}

func (h *harness) register(t *testing.T, id string) {
	t.Helper()
	_, err := h.svc.RegisterDevice(context.Background(), registry.Registration{DeviceID: id, Name: "Living Room Zuri", IPAddress: "192.168.1.100"})
	require.NoError(t, err)
}

func TestPlaybackScenario_HeartbeatDelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "ZR-ABC123")

	devices, err := h.svc.ListDevices(ctx, "")
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.True(t, devices[0].Online)

	cmd, err := h.svc.Play(ctx, fleet.PlayRequest{DeviceID: "ZR-ABC123", ContentID: "story_001", Action: "play"})
	require.NoError(t, err)
	assert.Equal(t, commands.StatusPending, cmd.Status)
	assert.JSONEq(t, `{"content_id":"story_001"}`, string(cmd.Params))

	reply, err := h.svc.Heartbeat(ctx, registry.Heartbeat{DeviceID: "ZR-ABC123", Battery: 85, WiFiSSID: "HomeNetwork"})
	require.NoError(t, err)
	require.Len(t, reply.Commands, 1)
	assert.Equal(t, cmd.ID, reply.Commands[0].ID)
	assert.Equal(t, commands.VerbPlay, reply.Commands[0].Command)
	assert.True(t, reply.Device.WiFiProvisioned)

	reply, err = h.svc.Heartbeat(ctx, registry.Heartbeat{DeviceID: "ZR-ABC123", Battery: 84})
	require.NoError(t, err)
	assert.Empty(t, reply.Commands)

	done, err := h.svc.ReportCommandResult(ctx, cmd.ID, true)
	require.NoError(t, err)
	assert.Equal(t, commands.StatusCompleted, done.Status)

	_, err = h.svc.ReportCommandResult(ctx, cmd.ID, false)
	assert.ErrorIs(t, err, commands.ErrAlreadyTerminal)
}

func TestEnqueue_LivePushSkipsHeartbeat(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "ZR-1")

	ch := &liveChannel{}
	h.svc.BindLiveConnection("ZR-1", ch)

	cmd, err := h.svc.EnqueueCommand(ctx, "ZR-1", commands.VerbSetLED, json.RawMessage(`{"color":"#5E9CF3"}`))
	require.NoError(t, err)
	assert.Equal(t, commands.StatusSent, cmd.Status)
	assert.NotNil(t, cmd.SentAt)
	assert.Equal(t, []string{cmd.ID}, ch.received())

	reply, err := h.svc.Heartbeat(ctx, registry.Heartbeat{DeviceID: "ZR-1", Battery: 90})
	require.NoError(t, err)
	assert.Empty(t, reply.Commands)

	done, err := h.svc.ReportFromDevice(ctx, "ZR-1", protocol.CommandResultPayload{CommandID: cmd.ID, Success: true})
	require.NoError(t, err)
	assert.Equal(t, commands.StatusCompleted, done.Status)
}

func TestEnqueue_FailedPushFallsBackToHeartbeat(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "ZR-1")
	h.svc.BindLiveConnection("ZR-1", &liveChannel{err: errors.New("connection reset")})

	cmd, err := h.svc.EnqueueCommand(ctx, "ZR-1", commands.VerbStop, nil)
	require.NoError(t, err)
	assert.Equal(t, commands.StatusPending, cmd.Status)

	reply, err := h.svc.Heartbeat(ctx, registry.Heartbeat{DeviceID: "ZR-1", Battery: 90})
	require.NoError(t, err)
	require.Len(t, reply.Commands, 1)
	assert.Equal(t, cmd.ID, reply.Commands[0].ID)
}

func TestEnqueue_UnknownDevice(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.EnqueueCommand(context.Background(), "ZR-NOPE", commands.VerbPlay, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = h.svc.Heartbeat(context.Background(), registry.Heartbeat{DeviceID: "ZR-NOPE", Battery: 10})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReportFromDevice_RejectsForeignCommand(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "ZR-1")
	h.register(t, "ZR-2")

	cmd, err := h.svc.EnqueueCommand(ctx, "ZR-1", commands.VerbPlay, nil)
	require.NoError(t, err)

	_, err = h.svc.ReportFromDevice(ctx, "ZR-2", protocol.CommandResultPayload{CommandID: cmd.ID, Success: true})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = h.svc.ReportFromDevice(ctx, "ZR-1", protocol.CommandResultPayload{CommandID: "missing", Success: true})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDelivery_ExactlyOnceUnderConcurrency(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "ZR-1")

	ch := &liveChannel{}
	const total = 30

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		heartbeat []string
		queued    = make(chan string, total)
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			if i == total/2 {
				h.svc.BindLiveConnection("ZR-1", ch)
			}
			cmd, err := h.svc.EnqueueCommand(ctx, "ZR-1", commands.VerbPlay, nil)
			if assert.NoError(t, err) {
				queued <- cmd.ID
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			reply, err := h.svc.Heartbeat(ctx, registry.Heartbeat{DeviceID: "ZR-1", Battery: 80})
			if assert.NoError(t, err) {
				mu.Lock()
				for _, c := range reply.Commands {
					heartbeat = append(heartbeat, c.ID)
				}
				mu.Unlock()
			}
		}
	}()
	wg.Wait()
	close(queued)

	// Whatever is left goes out with a final heartbeat
	reply, err := h.svc.Heartbeat(ctx, registry.Heartbeat{DeviceID: "ZR-1", Battery: 80})
	require.NoError(t, err)
	for _, c := range reply.Commands {
		heartbeat = append(heartbeat, c.ID)
	}

	delivered := map[string]int{}
	for _, id := range append(heartbeat, ch.received()...) {
		delivered[id]++
	}
	count := 0
	for id := range queued {
		count++
		assert.Equal(t, 1, delivered[id], "command %s delivered %d times", id, delivered[id])
	}
	assert.Equal(t, total, count)
	assert.Len(t, delivered, total)
}

func TestUpdateSettings_PersistsAndQueues(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "ZR-1")

	settings := protocol.DefaultSettings
	settings.Volume = 0.4
	cmd, err := h.svc.UpdateSettings(ctx, "ZR-1", settings)
	require.NoError(t, err)
	assert.Equal(t, commands.VerbUpdateSettings, cmd.Command)

	d, err := h.svc.Device(ctx, "ZR-1")
	require.NoError(t, err)
	var stored protocol.Settings
	require.NoError(t, json.Unmarshal(d.Settings, &stored))
	assert.Equal(t, settings, stored)

	list, err := h.svc.Commands(ctx, "ZR-1", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, cmd.ID, list[0].ID)
}

func TestUpdateSettings_UnknownDeviceWritesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.UpdateSettings(ctx, "ZR-NOPE", protocol.DefaultSettings)
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = h.svc.Device(ctx, "ZR-NOPE")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPlay_Validation(t *testing.T) {
	h := newHarness(t)
	h.register(t, "ZR-1")

	_, err := h.svc.Play(context.Background(), fleet.PlayRequest{DeviceID: "ZR-1", Action: "rewind", ContentID: "x"})
	assert.ErrorIs(t, err, store.ErrInvalid)

	_, err = h.svc.Play(context.Background(), fleet.PlayRequest{DeviceID: "ZR-1"})
	assert.ErrorIs(t, err, store.ErrInvalid)

	cmd, err := h.svc.Stop(context.Background(), "ZR-1")
	require.NoError(t, err)
	assert.Equal(t, commands.VerbStop, cmd.Command)
}

func TestStats(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "ZR-1")
	h.register(t, "ZR-2")
	_, err := h.catalog.Add(ctx, content.Item{ContentID: "story_001", Title: "The Magic Garden", Type: "story", Duration: 300, FileURL: "https://cdn.example/a.mp3"})
	require.NoError(t, err)

	ch := &liveChannel{}
	h.svc.BindLiveConnection("ZR-1", ch)

	s, err := h.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Devices.Total)
	assert.Equal(t, 2, s.Devices.Online)
	assert.Equal(t, 1, s.Content.Total)
	assert.Equal(t, 1, s.Connections.DeviceWebsockets)

	h.svc.UnbindLiveConnection("ZR-1", ch)
	s, err = h.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Connections.DeviceWebsockets)
}

func TestPairWiFiAndFactoryReset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "ZR-1")

	assert.ErrorIs(t, h.svc.PairDevice(ctx, "ZR-1", ""), store.ErrInvalid)
	require.NoError(t, h.svc.PairDevice(ctx, "ZR-1", "user-1"))
	require.NoError(t, h.svc.UpdateWiFi(ctx, "ZR-1", "HomeNetwork", time.Time{}))

	mine, err := h.svc.ListDevices(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.True(t, mine[0].WiFiProvisioned)

	require.NoError(t, h.svc.FactoryReset(ctx, "ZR-1"))
	mine, err = h.svc.ListDevices(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, mine)

	assert.ErrorIs(t, h.svc.FactoryReset(ctx, "ZR-404"), store.ErrNotFound)
}
