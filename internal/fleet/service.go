// Package fleet is the core service of the Zuri backend. It joins the
// device registry, the command queue and the live sessions, and makes the
// two delivery paths agree:
//
//   - live push: a new command is persisted as pending and, when the device
//     holds a live channel, pushed at once; only a push the transport
//     accepted moves it to sent.
//   - heartbeat pull: every heartbeat drains whatever is still pending.
//
// Both paths run under a per-device lock and change status with a
// compare-and-set, so a command is delivered through one path only.
package fleet

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/zuri-labs/zuri/internal/commands"
	"github.com/zuri-labs/zuri/internal/events"
	"github.com/zuri-labs/zuri/internal/protocol"
	"github.com/zuri-labs/zuri/internal/registry"
	"github.com/zuri-labs/zuri/internal/session"
	"github.com/zuri-labs/zuri/internal/store"
)

// Deps are the components a Service is built from.
type Deps struct {
	Registry *registry.Registry
	Queue    *commands.Queue
	Sessions *session.Mux
	Content  ContentCounter
	// Events receives device and command updates. Defaults to the session
	// observers.
	Events events.Publisher
}

// ContentCounter reports the size of the content library for Stats.
type ContentCounter interface {
	Count(ctx context.Context) (int, error)
}

// Service is the fleet core.
type Service struct {
	log      zerolog.Logger
	reg      *registry.Registry
	queue    *commands.Queue
	sessions *session.Mux
	content  ContentCounter
	events   events.Publisher
	locks    *keyedMutex
}

// New creates a Service.
func New(log zerolog.Logger, deps Deps) *Service {
	pub := deps.Events
	if pub == nil {
		pub = deps.Sessions
	}
	return &Service{
		log:      log.With().Str("component", "fleet").Logger(),
		reg:      deps.Registry,
		queue:    deps.Queue,
		sessions: deps.Sessions,
		content:  deps.Content,
		events:   pub,
		locks:    newKeyedMutex(),
	}
}

// HeartbeatReply is what a device gets back for a heartbeat.
type HeartbeatReply struct {
	Device   *registry.Device
	Commands []commands.Command
}

// Stats summarises the fleet.
type Stats struct {
	Devices     registry.Stats `json:"devices"`
	Content     ContentStats   `json:"content"`
	Connections Connections    `json:"connections"`
}

type ContentStats struct {
	Total int `json:"total"`
}

type Connections struct {
	DeviceWebsockets int `json:"device_websockets"`
	MobileWebsockets int `json:"mobile_websockets"`
}

// RegisterDevice creates or refreshes a device and marks it online.
func (s *Service) RegisterDevice(ctx context.Context, reg registry.Registration) (*registry.Device, error) {
	ctx = context.WithoutCancel(ctx)
	d, err := s.reg.Register(ctx, reg)
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("device", d.DeviceID).Str("firmware", d.FirmwareVersion).Msg("device registered")
	s.publishDevice(ctx, d, "registered")
	return d, nil
}

// Heartbeat records a heartbeat and drains the device's pending commands.
func (s *Service) Heartbeat(ctx context.Context, hb registry.Heartbeat) (*HeartbeatReply, error) {
	ctx = context.WithoutCancel(ctx)
	d, err := s.reg.RecordHeartbeat(ctx, hb)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(hb.DeviceID)
	cmds, err := s.queue.DrainPending(ctx, hb.DeviceID)
	unlock()
	if err != nil {
		return nil, err
	}
	if cmds == nil {
		cmds = []commands.Command{}
	}

	s.publishDevice(ctx, d, "heartbeat")
	for i := range cmds {
		s.publishCommand(ctx, &cmds[i])
	}
	return &HeartbeatReply{Device: d, Commands: cmds}, nil
}

// EnqueueCommand queues a command and pushes it when the device is live.
// The command is returned in its status after the push attempt.
func (s *Service) EnqueueCommand(ctx context.Context, deviceID, verb string, params json.RawMessage) (*commands.Command, error) {
	ctx = context.WithoutCancel(ctx)

	unlock := s.locks.Lock(deviceID)
	defer unlock()

	return s.enqueueLocked(ctx, deviceID, verb, params, nil)
}

// enqueueLocked queues, pushes and publishes. Callers hold the device lock.
func (s *Service) enqueueLocked(ctx context.Context, deviceID, verb string, params json.RawMessage, also func(tx *sql.Tx) error) (*commands.Command, error) {
	cmd, err := s.queue.EnqueueWith(ctx, deviceID, verb, params, also)
	if err != nil {
		return nil, err
	}
	s.push(ctx, cmd)
	s.publishCommand(ctx, cmd)
	return cmd, nil
}

// push tries the live channel. Failures leave the command pending for the
// next heartbeat. Callers hold the device lock.
func (s *Service) push(ctx context.Context, cmd *commands.Command) {
	frame, err := protocol.Encode(protocol.TypeCommand, protocol.CommandPayload{
		ID:      cmd.ID,
		Command: cmd.Command,
		Params:  cmd.Params,
	})
	if err != nil {
		s.log.Error().Err(err).Str("command_id", cmd.ID).Msg("failed to encode command")
		return
	}

	err = s.sessions.TryPush(ctx, cmd.DeviceID, frame)
	if errors.Is(err, session.ErrNoBinding) {
		return
	}
	if err != nil {
		s.log.Warn().Err(err).
			Str("device", cmd.DeviceID).
			Str("command_id", cmd.ID).
			Msg("live push failed, command stays pending")
		return
	}

	won, err := s.queue.MarkSent(ctx, cmd.ID)
	if err != nil {
		// Delivered but not recorded: the next heartbeat hands it out again.
		s.log.Error().Err(err).Str("command_id", cmd.ID).Msg("failed to mark command sent")
		return
	}
	if !won {
		s.log.Debug().Str("command_id", cmd.ID).Msg("result arrived before send was recorded")
	}
	if cur, err := s.queue.Get(ctx, cmd.ID); err == nil {
		*cmd = *cur
	}
}

// ReportCommandResult records a result reported over HTTP.
func (s *Service) ReportCommandResult(ctx context.Context, commandID string, success bool) (*commands.Command, error) {
	ctx = context.WithoutCancel(ctx)
	cmd, err := s.queue.ReportResult(ctx, commandID, success)
	if err != nil {
		return nil, err
	}
	s.publishCommand(ctx, cmd)
	return cmd, nil
}

// ReportFromDevice records a result a device sent over its live channel. A
// device can only report its own commands, and reporting refreshes its
// last_seen.
func (s *Service) ReportFromDevice(ctx context.Context, deviceID string, res protocol.CommandResultPayload) (*commands.Command, error) {
	ctx = context.WithoutCancel(ctx)
	cmd, err := s.queue.Get(ctx, res.CommandID)
	if err != nil {
		return nil, err
	}
	if cmd.DeviceID != deviceID {
		return nil, fmt.Errorf("command %s does not belong to %s: %w", res.CommandID, deviceID, store.ErrNotFound)
	}

	cmd, err = s.queue.ReportResult(ctx, res.CommandID, res.Success)
	if err != nil {
		return nil, err
	}
	if err := s.reg.Touch(ctx, deviceID); err != nil {
		s.log.Warn().Err(err).Str("device", deviceID).Msg("failed to refresh last_seen")
	}

	ev := s.log.Debug()
	if !res.Success {
		ev = s.log.Warn()
	}
	ev.Str("device", deviceID).
		Str("command_id", cmd.ID).
		Str("command", cmd.Command).
		Str("message", res.Message).
		Msg("command result")

	s.publishCommand(ctx, cmd)
	return cmd, nil
}

// BindLiveConnection makes ch the device's live channel.
func (s *Service) BindLiveConnection(deviceID string, ch session.Channel) {
	s.sessions.Bind(deviceID, ch)
	_ = s.events.Publish(context.Background(), events.Event{
		Kind:     events.DeviceUpdate,
		DeviceID: deviceID,
		Reason:   "connected",
		At:       time.Now().UTC(),
	})
}

// UnbindLiveConnection drops ch if it is still the device's live channel.
func (s *Service) UnbindLiveConnection(deviceID string, ch session.Channel) {
	if !s.sessions.Unbind(deviceID, ch) {
		return
	}
	_ = s.events.Publish(context.Background(), events.Event{
		Kind:     events.DeviceUpdate,
		DeviceID: deviceID,
		Reason:   "disconnected",
		At:       time.Now().UTC(),
	})
}

// DeviceExists reports whether deviceID is registered.
func (s *Service) DeviceExists(ctx context.Context, deviceID string) (bool, error) {
	return s.reg.Exists(ctx, deviceID)
}

// ListDevices returns all devices, or those paired with userID.
func (s *Service) ListDevices(ctx context.Context, userID string) ([]registry.Device, error) {
	return s.reg.List(ctx, userID)
}

// Device returns one device.
func (s *Service) Device(ctx context.Context, deviceID string) (*registry.Device, error) {
	return s.reg.Get(ctx, deviceID)
}

// Commands returns the recent commands of a device, newest first.
func (s *Service) Commands(ctx context.Context, deviceID string, limit int) ([]commands.Command, error) {
	if _, err := s.reg.Get(ctx, deviceID); err != nil {
		return nil, err
	}
	return s.queue.ListForDevice(ctx, deviceID, limit)
}

// Stats returns fleet, content and connection counters.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	ds, err := s.reg.Stats(ctx)
	if err != nil {
		return nil, err
	}
	out := &Stats{Devices: ds}
	if s.content != nil {
		if out.Content.Total, err = s.content.Count(ctx); err != nil {
			return nil, err
		}
	}
	out.Connections.DeviceWebsockets, out.Connections.MobileWebsockets = s.sessions.Counts()
	return out, nil
}

// PlayRequest asks a device to start, pause or stop a piece of content.
type PlayRequest struct {
	DeviceID  string   `json:"device_id"`
	ContentID string   `json:"content_id"`
	Action    string   `json:"action"`
	Volume    *float64 `json:"volume,omitempty"`
}

// Play queues a playback command.
func (s *Service) Play(ctx context.Context, req PlayRequest) (*commands.Command, error) {
	verb := req.Action
	if verb == "" {
		verb = commands.VerbPlay
	}
	switch verb {
	case commands.VerbPlay, commands.VerbPause, commands.VerbStop:
	default:
		return nil, fmt.Errorf("unknown playback action %q: %w", verb, store.ErrInvalid)
	}
	if verb == commands.VerbPlay && req.ContentID == "" {
		return nil, fmt.Errorf("content_id is required: %w", store.ErrInvalid)
	}

	params := map[string]any{}
	if req.ContentID != "" {
		params["content_id"] = req.ContentID
	}
	if req.Volume != nil {
		params["volume"] = *req.Volume
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return s.EnqueueCommand(ctx, req.DeviceID, verb, raw)
}

// Stop queues a stop command.
func (s *Service) Stop(ctx context.Context, deviceID string) (*commands.Command, error) {
	return s.EnqueueCommand(ctx, deviceID, commands.VerbStop, nil)
}

// UpdateSettings stores the settings and queues update_settings so the
// device applies them. Both writes commit together or not at all.
func (s *Service) UpdateSettings(ctx context.Context, deviceID string, settings protocol.Settings) (*commands.Command, error) {
	ctx = context.WithoutCancel(ctx)
	raw, err := json.Marshal(settings)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(deviceID)
	defer unlock()

	return s.enqueueLocked(ctx, deviceID, commands.VerbUpdateSettings, raw, func(tx *sql.Tx) error {
		return s.reg.UpdateSettingsTx(ctx, tx, deviceID, raw)
	})
}

// PairDevice assigns the device to a user.
func (s *Service) PairDevice(ctx context.Context, deviceID, userID string) error {
	if userID == "" {
		return fmt.Errorf("user_id is required: %w", store.ErrInvalid)
	}
	ctx = context.WithoutCancel(ctx)
	if err := s.reg.Pair(ctx, deviceID, userID); err != nil {
		return err
	}
	s.log.Info().Str("device", deviceID).Str("user", userID).Msg("device paired")
	s.publishReason(ctx, deviceID, "paired")
	return nil
}

// UpdateWiFi records an administrative WiFi provisioning update.
func (s *Service) UpdateWiFi(ctx context.Context, deviceID, ssid string, provisionedAt time.Time) error {
	if ssid == "" {
		return fmt.Errorf("wifi_ssid is required: %w", store.ErrInvalid)
	}
	ctx = context.WithoutCancel(ctx)
	if err := s.reg.UpdateWiFi(ctx, deviceID, ssid, provisionedAt); err != nil {
		return err
	}
	s.publishReason(ctx, deviceID, "wifi_provisioned")
	return nil
}

// FactoryReset clears pairing, settings and provisioning of a device.
func (s *Service) FactoryReset(ctx context.Context, deviceID string) error {
	ctx = context.WithoutCancel(ctx)
	if err := s.reg.FactoryReset(ctx, deviceID); err != nil {
		return err
	}
	s.log.Warn().Str("device", deviceID).Msg("device factory reset")
	s.publishReason(ctx, deviceID, "factory_reset")
	return nil
}

func (s *Service) publishDevice(ctx context.Context, d *registry.Device, reason string) {
	_ = s.events.Publish(ctx, events.Event{
		Kind:     events.DeviceUpdate,
		DeviceID: d.DeviceID,
		Reason:   reason,
		Data:     d,
		At:       time.Now().UTC(),
	})
}

func (s *Service) publishReason(ctx context.Context, deviceID, reason string) {
	d, err := s.reg.Get(ctx, deviceID)
	if err != nil {
		return
	}
	s.publishDevice(ctx, d, reason)
}

func (s *Service) publishCommand(ctx context.Context, cmd *commands.Command) {
	_ = s.events.Publish(ctx, events.Event{
		Kind:     events.CommandUpdate,
		DeviceID: cmd.DeviceID,
		Reason:   string(cmd.Status),
		Data:     cmd,
		At:       time.Now().UTC(),
	})
}
