// Package device implements the Zuri device client: it registers with the
// fleet API, heartbeats, keeps a live channel for pushed commands and
// executes them against the local hardware and content cache.
package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zuri-labs/zuri/internal/commands"
	"github.com/zuri-labs/zuri/internal/config"
	"github.com/zuri-labs/zuri/internal/protocol"
	"golang.org/x/sync/errgroup"
)

const (
	fullBattery  = 100
	batteryFloor = 10

	// How many executed command ids are remembered to skip redeliveries.
	seenLimit = 256
)

// Agent coordinates the device components.
type Agent struct {
	cfg  *config.Config
	log  zerolog.Logger
	id   string
	api  *Client
	live *LiveChannel
	lib  *Library
	hw   Hardware

	ctx    context.Context
	cancel context.CancelFunc

	// exec serializes command execution across heartbeat and live delivery.
	exec sync.Mutex

	mu       sync.Mutex
	battery  int
	settings protocol.Settings
	playing  string
	seen     map[string]struct{}
	order    []string
}

// New creates an agent for device id.
func New(cfg *config.Config, log zerolog.Logger, id string, api *Client, lib *Library, hw Hardware) *Agent {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		cfg:      cfg,
		log:      log.With().Str("component", "agent").Str("device", id).Logger(),
		id:       id,
		api:      api,
		lib:      lib,
		hw:       hw,
		ctx:      ctx,
		cancel:   cancel,
		battery:  fullBattery,
		settings: protocol.DefaultSettings,
		seen:     make(map[string]struct{}),
	}
	if cfg.LiveChannel {
		a.live = NewLiveChannel(cfg.LiveURL(id), log)
	}
	return a
}

// Run registers the device and then runs the heartbeat, battery and live
// channel loops until Shutdown.
func (a *Agent) Run() error {
	a.log.Info().Str("url", a.cfg.APIURL).Bool("live_channel", a.live != nil).Msg("starting device client")

	if err := a.register(); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	g, ctx := errgroup.WithContext(a.ctx)
	g.Go(func() error { a.heartbeatLoop(ctx); return nil })
	g.Go(func() error { a.batteryLoop(ctx); return nil })
	if a.live != nil {
		g.Go(func() error { a.live.Run(ctx); return nil })
		g.Go(func() error { a.messageLoop(ctx); return nil })
	}
	err := g.Wait()

	a.log.Info().Msg("device client stopped")
	return err
}

// Shutdown initiates graceful shutdown.
func (a *Agent) Shutdown() {
	a.log.Info().Msg("shutting down")
	a.cancel()
	if a.live != nil {
		if err := a.live.Close(); err != nil {
			a.log.Debug().Err(err).Msg("error closing live channel")
		}
	}
}

// register retries until the API accepts the device or the agent stops.
func (a *Agent) register() error {
	name := a.cfg.DeviceName
	if name == "" {
		name = "Zuri Device " + a.id
	}
	firmware := a.cfg.Firmware
	if firmware == "" {
		firmware = Version
	}
	req := protocol.RegisterRequest{
		DeviceID:        a.id,
		DeviceName:      name,
		IPAddress:       localIP(),
		FirmwareVersion: firmware,
	}

	for {
		err := a.api.Register(a.ctx, req)
		if err == nil {
			a.log.Info().Msg("registered")
			return nil
		}
		a.log.Error().Err(err).Dur("retry_in", a.cfg.RegisterRetry).Msg("registration failed")

		select {
		case <-a.ctx.Done():
			return a.ctx.Err()
		case <-time.After(a.cfg.RegisterRetry):
		}
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	a.sendHeartbeat(ctx)

	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sendHeartbeat(ctx)
		}
	}
}

// sendHeartbeat reports liveness and executes every command in the reply.
func (a *Agent) sendHeartbeat(ctx context.Context) {
	req := protocol.HeartbeatRequest{
		BatteryLevel: a.Battery(),
		Status:       "online",
		WiFiSSID:     a.cfg.WiFiSSID,
	}

	cmds, err := a.api.Heartbeat(ctx, a.id, req)
	if err != nil {
		if ctx.Err() == nil {
			a.log.Warn().Err(err).Msg("heartbeat failed")
		}
		return
	}
	a.log.Debug().Int("battery", req.BatteryLevel).Int("commands", len(cmds)).Msg("heartbeat sent")

	for _, cmd := range cmds {
		a.handle(ctx, cmd)
	}
}

func (a *Agent) batteryLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.BatteryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.drainBattery()
		}
	}
}

// drainBattery simulates discharge until a real gauge is wired.
func (a *Agent) drainBattery() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.battery > batteryFloor {
		a.battery--
	}
}

func (a *Agent) messageLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.live.Messages():
			if msg == nil {
				continue
			}
			if msg.Type != protocol.TypeCommand {
				a.log.Debug().Str("type", msg.Type).Msg("ignoring message")
				continue
			}
			var cmd protocol.CommandPayload
			if err := msg.ParsePayload(&cmd); err != nil {
				a.log.Error().Err(err).Msg("failed to parse command payload")
				continue
			}
			a.handle(ctx, cmd)
		}
	}
}

// handle executes cmd once and reports the outcome.
func (a *Agent) handle(ctx context.Context, cmd protocol.CommandPayload) {
	a.exec.Lock()
	defer a.exec.Unlock()

	if !a.markSeen(cmd.ID) {
		a.log.Debug().Str("command_id", cmd.ID).Msg("command already executed")
		return
	}

	a.log.Info().Str("command_id", cmd.ID).Str("command", cmd.Command).Msg("executing command")

	res := protocol.CommandResultPayload{CommandID: cmd.ID, Success: true}
	if err := a.execute(ctx, cmd); err != nil {
		res.Success = false
		res.Message = err.Error()
		a.log.Warn().Err(err).Str("command_id", cmd.ID).Msg("command failed")
	}
	a.report(ctx, res)
}

// report prefers the live channel and falls back to HTTP.
func (a *Agent) report(ctx context.Context, res protocol.CommandResultPayload) {
	if a.live != nil && a.live.IsConnected() {
		err := a.live.Send(protocol.TypeCommandResult, res)
		if err == nil {
			return
		}
		a.log.Debug().Err(err).Msg("live report failed, using HTTP")
	}

	err := a.api.ReportResult(context.WithoutCancel(ctx), res)
	var apiErr *APIError
	switch {
	case err == nil:
	case errors.As(err, &apiErr) && apiErr.Status == 409:
		a.log.Debug().Str("command_id", res.CommandID).Msg("result already recorded")
	default:
		a.log.Error().Err(err).Str("command_id", res.CommandID).Msg("failed to report result")
	}
}

func (a *Agent) markSeen(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.seen[id]; ok {
		return false
	}
	a.seen[id] = struct{}{}
	a.order = append(a.order, id)
	if len(a.order) > seenLimit {
		delete(a.seen, a.order[0])
		a.order = a.order[1:]
	}
	return true
}

type playParams struct {
	ContentID string   `json:"content_id"`
	Volume    *float64 `json:"volume"`
}

type ledParams struct {
	Color      string   `json:"color"`
	Brightness *float64 `json:"brightness"`
}

type volumeParams struct {
	Volume *float64 `json:"volume"`
}

func (a *Agent) execute(ctx context.Context, cmd protocol.CommandPayload) error {
	switch cmd.Command {
	case commands.VerbPlay:
		var p playParams
		if err := decodeParams(cmd.Params, &p); err != nil {
			return err
		}
		return a.play(ctx, p)

	case commands.VerbStop:
		if err := a.hw.Stop(); err != nil {
			return err
		}
		a.setPlaying("")
		return nil

	case commands.VerbPause:
		return a.hw.Pause()

	case commands.VerbUpdateSettings:
		return a.updateSettings(cmd.Params)

	case commands.VerbSyncContent:
		return a.syncContent(ctx)

	case commands.VerbSetLED:
		var p ledParams
		if err := decodeParams(cmd.Params, &p); err != nil {
			return err
		}
		if p.Color == "" {
			return errors.New("color is required")
		}
		brightness := a.Settings().LEDBrightness
		if p.Brightness != nil {
			brightness = *p.Brightness
		}
		return a.hw.SetLED(p.Color, brightness)

	case commands.VerbSetVolume:
		var p volumeParams
		if err := decodeParams(cmd.Params, &p); err != nil {
			return err
		}
		if p.Volume == nil {
			return errors.New("volume is required")
		}
		return a.hw.SetVolume(*p.Volume)

	default:
		return fmt.Errorf("unknown command %q", cmd.Command)
	}
}

func (a *Agent) play(ctx context.Context, p playParams) error {
	if p.ContentID == "" {
		return errors.New("content_id is required")
	}

	lc, ok := a.lib.Get(p.ContentID)
	if !ok {
		var err error
		if lc, err = a.download(ctx, p.ContentID); err != nil {
			return err
		}
	}

	if p.Volume != nil {
		if err := a.hw.SetVolume(*p.Volume); err != nil {
			return err
		}
	}
	if err := a.hw.Play(ctx, lc.FilePath); err != nil {
		return err
	}
	a.setPlaying(p.ContentID)
	return nil
}

func (a *Agent) download(ctx context.Context, contentID string) (LocalContent, error) {
	items, err := a.api.Library(ctx)
	if err != nil {
		return LocalContent{}, fmt.Errorf("list content: %w", err)
	}
	for _, it := range items {
		if it.ContentID == contentID {
			return a.lib.Download(ctx, a.api, it)
		}
	}
	return LocalContent{}, fmt.Errorf("content %s not available", contentID)
}

// updateSettings merges the fields present in raw over the current settings.
func (a *Agent) updateSettings(raw json.RawMessage) error {
	var present map[string]json.RawMessage
	if err := decodeParams(raw, &present); err != nil {
		return err
	}

	a.mu.Lock()
	next := a.settings
	a.mu.Unlock()
	if err := decodeParams(raw, &next); err != nil {
		return err
	}

	if _, ok := present["volume"]; ok {
		if err := a.hw.SetVolume(next.Volume); err != nil {
			return err
		}
	}
	if _, ok := present["led_color"]; ok {
		if err := a.hw.SetLED(next.LEDColor, next.LEDBrightness); err != nil {
			return err
		}
	}

	a.mu.Lock()
	a.settings = next
	a.mu.Unlock()
	a.log.Info().Interface("settings", next).Msg("settings updated")
	return nil
}

// syncContent downloads every catalog item missing from the cache.
func (a *Agent) syncContent(ctx context.Context) error {
	items, err := a.api.Library(ctx)
	if err != nil {
		return fmt.Errorf("list content: %w", err)
	}

	var failed int
	for _, it := range items {
		if _, ok := a.lib.Get(it.ContentID); ok {
			continue
		}
		if _, err := a.lib.Download(ctx, a.api, it); err != nil {
			a.log.Warn().Err(err).Str("content_id", it.ContentID).Msg("sync download failed")
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d items failed to download", failed, len(items))
	}
	a.log.Info().Int("items", len(items)).Msg("content sync completed")
	return nil
}

func (a *Agent) setPlaying(id string) {
	a.mu.Lock()
	a.playing = id
	a.mu.Unlock()
}

// Battery returns the current battery level.
func (a *Agent) Battery() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.battery
}

// Settings returns the applied settings.
func (a *Agent) Settings() protocol.Settings {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settings
}

// Playing returns the content id being played, or "".
func (a *Agent) Playing() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.playing
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

// localIP returns the address used for outbound traffic, or "" offline.
func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return ""
}
