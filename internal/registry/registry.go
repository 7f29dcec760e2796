// Package registry is the durable record of known Zuri devices and their
// last-known state.
//
// Liveness writes are split on purpose: Register and RecordHeartbeat are the
// only writers that set online=1, MarkOffline is the only writer that clears
// it.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/zuri-labs/zuri/internal/store"
)

// DefaultFirmware is stored when a registration omits the firmware version.
const DefaultFirmware = "1.0.0"

// Device is a registered Zuri unit.
type Device struct {
	DeviceID        string          `json:"device_id"`
	Name            string          `json:"device_name"`
	UserID          string          `json:"user_id,omitempty"`
	Online          bool            `json:"is_online"`
	LastSeen        time.Time       `json:"last_seen"`
	BatteryLevel    int             `json:"battery_level"`
	IPAddress       string          `json:"ip_address,omitempty"`
	FirmwareVersion string          `json:"firmware_version"`
	WiFiProvisioned bool            `json:"wifi_provisioned"`
	WiFiSSID        string          `json:"wifi_ssid,omitempty"`
	ProvisionedAt   *time.Time      `json:"provisioned_at,omitempty"`
	Settings        json.RawMessage `json:"settings"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Registration is what a device reports when it (re)registers.
type Registration struct {
	DeviceID  string
	Name      string
	IPAddress string
	Firmware  string
}

// Heartbeat is a periodic liveness report. WiFiSSID is empty when the
// device did not report one.
type Heartbeat struct {
	DeviceID string
	Battery  int
	WiFiSSID string
}

// Stats is an aggregate over all devices.
type Stats struct {
	Total         int `json:"total"`
	Online        int `json:"online"`
	Offline       int `json:"offline"`
	Provisioned   int `json:"provisioned"`
	Unprovisioned int `json:"unprovisioned"`
}

// Registry reads and writes device rows.
type Registry struct {
	log zerolog.Logger
	db  *sql.DB
	now func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a Registry backed by db.
func New(log zerolog.Logger, db *sql.DB, opts ...Option) *Registry {
	r := &Registry{
		log: log.With().Str("component", "registry").Logger(),
		db:  db,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

const deviceColumns = `device_id, device_name, user_id, online, last_seen, battery_level, settings,
	ip_address, firmware_version, wifi_provisioned, wifi_ssid, provisioned_at, created_at`

// Register upserts a device and marks it online with a fresh last_seen.
func (r *Registry) Register(ctx context.Context, reg Registration) (*Device, error) {
	if reg.DeviceID == "" {
		return nil, fmt.Errorf("device id is required: %w", store.ErrInvalid)
	}
	firmware := reg.Firmware
	if firmware == "" {
		firmware = DefaultFirmware
	}
	name := reg.Name
	if name == "" {
		name = "Zuri Device " + reg.DeviceID
	}
	now := store.Millis(r.now())

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (device_id, device_name, ip_address, firmware_version, online, last_seen, created_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			device_name = excluded.device_name,
			ip_address = excluded.ip_address,
			firmware_version = excluded.firmware_version,
			online = 1,
			last_seen = MAX(devices.last_seen, excluded.last_seen)
	`, reg.DeviceID, name, store.NullString(reg.IPAddress), firmware, now, now)
	if err != nil {
		return nil, fmt.Errorf("register device: %w", err)
	}

	r.log.Debug().
		Str("device", reg.DeviceID).
		Str("firmware", firmware).
		Msg("device registered")

	return r.Get(ctx, reg.DeviceID)
}

// RecordHeartbeat applies a heartbeat to a registered device. The first
// heartbeat carrying an SSID provisions the device; later ones only update
// the SSID.
func (r *Registry) RecordHeartbeat(ctx context.Context, hb Heartbeat) (*Device, error) {
	now := store.Millis(r.now())

	result, err := r.db.ExecContext(ctx, `
		UPDATE devices SET
			battery_level = ?,
			online = 1,
			last_seen = MAX(last_seen, ?),
			wifi_ssid = COALESCE(?, wifi_ssid),
			provisioned_at = CASE WHEN ? IS NOT NULL AND wifi_provisioned = 0 THEN ? ELSE provisioned_at END,
			wifi_provisioned = CASE WHEN ? IS NOT NULL THEN 1 ELSE wifi_provisioned END
		WHERE device_id = ?
	`, hb.Battery, now,
		store.NullString(hb.WiFiSSID),
		store.NullString(hb.WiFiSSID), now,
		store.NullString(hb.WiFiSSID),
		hb.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("record heartbeat: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("device %s: %w", hb.DeviceID, store.ErrNotFound)
	}

	return r.Get(ctx, hb.DeviceID)
}

// Get returns a single device.
func (r *Registry) Get(ctx context.Context, deviceID string) (*Device, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE device_id = ?`, deviceID)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("device %s: %w", deviceID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return d, nil
}

// Exists reports whether the device is registered.
func (r *Registry) Exists(ctx context.Context, deviceID string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM devices WHERE device_id = ?`, deviceID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("device exists: %w", err)
	}
	return true, nil
}

// List returns all devices, optionally only those paired with userID.
func (r *Registry) List(ctx context.Context, userID string) ([]Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY device_id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	devices := []Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

// StaleOnline returns the ids of online devices last seen before cutoff.
func (r *Registry) StaleOnline(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT device_id FROM devices WHERE online = 1 AND last_seen < ? ORDER BY device_id
	`, store.Millis(cutoff))
	if err != nil {
		return nil, fmt.Errorf("stale devices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan device id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkOffline flips a device offline if it is still online and has not been
// seen since cutoff. It reports whether the row changed.
func (r *Registry) MarkOffline(ctx context.Context, deviceID string, cutoff time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE devices SET online = 0 WHERE device_id = ? AND online = 1 AND last_seen < ?
	`, deviceID, store.Millis(cutoff))
	if err != nil {
		return false, fmt.Errorf("mark offline: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// Touch bumps last_seen of an online device. Offline devices are left alone.
func (r *Registry) Touch(ctx context.Context, deviceID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE devices SET last_seen = MAX(last_seen, ?) WHERE device_id = ? AND online = 1
	`, store.Millis(r.now()), deviceID)
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}

// Pair associates a device with a user.
func (r *Registry) Pair(ctx context.Context, deviceID, userID string) error {
	return r.update(ctx, deviceID, `UPDATE devices SET user_id = ? WHERE device_id = ?`, store.NullString(userID), deviceID)
}

// UpdateWiFi records an administrative provisioning update. A zero
// provisionedAt stamps the current time.
func (r *Registry) UpdateWiFi(ctx context.Context, deviceID, ssid string, provisionedAt time.Time) error {
	if provisionedAt.IsZero() {
		provisionedAt = r.now()
	}
	return r.update(ctx, deviceID, `
		UPDATE devices SET wifi_provisioned = 1, wifi_ssid = ?, provisioned_at = ? WHERE device_id = ?
	`, ssid, store.Millis(provisionedAt), deviceID)
}

// UpdateSettings replaces the opaque settings blob.
func (r *Registry) UpdateSettings(ctx context.Context, deviceID string, settings json.RawMessage) error {
	return updateSettings(ctx, r.db, deviceID, settings)
}

// UpdateSettingsTx is UpdateSettings inside the caller's transaction.
func (r *Registry) UpdateSettingsTx(ctx context.Context, tx *sql.Tx, deviceID string, settings json.RawMessage) error {
	return updateSettings(ctx, tx, deviceID, settings)
}

func updateSettings(ctx context.Context, e execer, deviceID string, settings json.RawMessage) error {
	return exec(ctx, e, deviceID, `UPDATE devices SET settings = ? WHERE device_id = ?`, string(settings), deviceID)
}

// FactoryReset clears pairing, settings and WiFi provisioning. The row and
// its liveness state are kept.
func (r *Registry) FactoryReset(ctx context.Context, deviceID string) error {
	err := r.update(ctx, deviceID, `
		UPDATE devices SET
			user_id = NULL,
			settings = NULL,
			wifi_provisioned = 0,
			wifi_ssid = NULL,
			provisioned_at = NULL
		WHERE device_id = ?
	`, deviceID)
	if err == nil {
		r.log.Info().Str("device", deviceID).Msg("device factory reset")
	}
	return err
}

// Stats aggregates device counts.
func (r *Registry) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(online), 0),
			COALESCE(SUM(wifi_provisioned), 0)
		FROM devices
	`).Scan(&s.Total, &s.Online, &s.Provisioned)
	if err != nil {
		return Stats{}, fmt.Errorf("device stats: %w", err)
	}
	s.Offline = s.Total - s.Online
	s.Unprovisioned = s.Total - s.Provisioned
	return s, nil
}

func (r *Registry) update(ctx context.Context, deviceID, query string, args ...any) error {
	return exec(ctx, r.db, deviceID, query, args...)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// exec runs a single-row update and maps zero affected rows to ErrNotFound.
func exec(ctx context.Context, e execer, deviceID, query string, args ...any) error {
	result, err := e.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update device: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("device %s: %w", deviceID, store.ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(s scanner) (*Device, error) {
	var (
		d                                        Device
		userID, settings, ip, ssid               sql.NullString
		online, provisioned, lastSeen, createdAt int64
		provisionedAt                            sql.NullInt64
	)
	if err := s.Scan(&d.DeviceID, &d.Name, &userID, &online, &lastSeen, &d.BatteryLevel, &settings,
		&ip, &d.FirmwareVersion, &provisioned, &ssid, &provisionedAt, &createdAt); err != nil {
		return nil, err
	}

	d.UserID = userID.String
	d.Online = store.Bool(online)
	d.LastSeen = store.FromMillis(lastSeen)
	d.IPAddress = ip.String
	d.WiFiProvisioned = store.Bool(provisioned)
	d.WiFiSSID = ssid.String
	d.ProvisionedAt = store.TimePtr(provisionedAt)
	d.CreatedAt = store.FromMillis(createdAt)
	d.Settings = json.RawMessage(`{}`)
	if settings.Valid && settings.String != "" {
		d.Settings = json.RawMessage(settings.String)
	}
	return &d, nil
}
