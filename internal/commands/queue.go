// Package commands implements the per-device command queue.
//
// Status only moves forward: pending → sent → completed|failed. Every
// transition is a conditional UPDATE on the current status, so two
// delivery paths racing for the same row cannot both win.
package commands

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zuri-labs/zuri/internal/store"
)

// Status is the delivery state of a command.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Well-known verbs understood by Zuri firmware.
const (
	VerbPlay           = "play"
	VerbStop           = "stop"
	VerbPause          = "pause"
	VerbUpdateSettings = "update_settings"
	VerbSyncContent    = "sync_content"
	VerbSetLED         = "set_led"
	VerbSetVolume      = "set_volume"
)

// ErrAlreadyTerminal is returned when a result is reported for a command
// that already completed or failed.
var ErrAlreadyTerminal = fmt.Errorf("command already terminal: %w", store.ErrConflict)

// Command is a queued remote instruction for one device.
type Command struct {
	ID         string          `json:"id"`
	DeviceID   string          `json:"device_id"`
	Command    string          `json:"command"`
	Params     json.RawMessage `json:"params"`
	Status     Status          `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	SentAt     *time.Time      `json:"sent_at,omitempty"`
	ExecutedAt *time.Time      `json:"executed_at,omitempty"`
}

// Queue persists commands and their status transitions.
type Queue struct {
	log zerolog.Logger
	db  *sql.DB
	now func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// NewQueue creates a Queue backed by db.
func NewQueue(log zerolog.Logger, db *sql.DB, opts ...Option) *Queue {
	q := &Queue{
		log: log.With().Str("component", "command_queue").Logger(),
		db:  db,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

const commandColumns = `id, device_id, command, params, status, created_at, sent_at, executed_at`

// Enqueue stores a new pending command for a registered device.
func (q *Queue) Enqueue(ctx context.Context, deviceID, verb string, params json.RawMessage) (*Command, error) {
	return q.EnqueueWith(ctx, deviceID, verb, params, nil)
}

// EnqueueWith is Enqueue with an extra write committed in the same
// transaction. When also fails nothing is stored.
func (q *Queue) EnqueueWith(ctx context.Context, deviceID, verb string, params json.RawMessage, also func(tx *sql.Tx) error) (*Command, error) {
	if verb == "" {
		return nil, fmt.Errorf("command verb is required: %w", store.ErrInvalid)
	}
	if len(params) == 0 || string(params) == "null" {
		params = json.RawMessage(`{}`)
	}

	cmd := &Command{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		Command:   verb,
		Params:    params,
		Status:    StatusPending,
		CreatedAt: store.FromMillis(store.Millis(q.now())),
	}

	err := store.InTx(ctx, q.db, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM devices WHERE device_id = ?`, deviceID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("device %s: %w", deviceID, store.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lookup device: %w", err)
		}

		if also != nil {
			if err := also(tx); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO commands (id, device_id, command, params, status, created_at, seq)
			VALUES (?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM commands))
		`, cmd.ID, cmd.DeviceID, cmd.Command, string(cmd.Params), string(cmd.Status), store.Millis(cmd.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert command: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	q.log.Debug().
		Str("device", deviceID).
		Str("command_id", cmd.ID).
		Str("command", verb).
		Msg("command queued")

	return cmd, nil
}

// DrainPending returns every pending command of the device in creation
// order and moves each to sent in the same transaction. A command is handed
// out by at most one drain.
func (q *Queue) DrainPending(ctx context.Context, deviceID string) ([]Command, error) {
	var drained []Command
	sentAt := store.FromMillis(store.Millis(q.now()))

	err := store.InTx(ctx, q.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+commandColumns+` FROM commands
			WHERE device_id = ? AND status = 'pending'
			ORDER BY seq
		`, deviceID)
		if err != nil {
			return fmt.Errorf("select pending: %w", err)
		}
		var pending []Command
		for rows.Next() {
			cmd, err := scanCommand(rows)
			if err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan command: %w", err)
			}
			pending = append(pending, *cmd)
		}
		if err := rows.Close(); err != nil {
			return err
		}

		for _, cmd := range pending {
			won, err := casStatus(ctx, tx, cmd.ID, StatusPending, StatusSent, `sent_at`, sentAt)
			if err != nil {
				return err
			}
			if !won {
				continue
			}
			cmd.Status = StatusSent
			cmd.SentAt = &sentAt
			drained = append(drained, cmd)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(drained) > 0 {
		q.log.Debug().Str("device", deviceID).Int("count", len(drained)).Msg("drained pending commands")
	}
	return drained, nil
}

// MarkSent moves a single command from pending to sent. It reports false
// when the command was no longer pending.
func (q *Queue) MarkSent(ctx context.Context, commandID string) (bool, error) {
	sentAt := store.FromMillis(store.Millis(q.now()))
	var won bool
	err := store.InTx(ctx, q.db, func(tx *sql.Tx) error {
		var err error
		won, err = casStatus(ctx, tx, commandID, StatusPending, StatusSent, `sent_at`, sentAt)
		return err
	})
	return won, err
}

// ReportResult records the device-reported outcome. The first report wins;
// later reports get ErrAlreadyTerminal.
func (q *Queue) ReportResult(ctx context.Context, commandID string, success bool) (*Command, error) {
	next := StatusFailed
	if success {
		next = StatusCompleted
	}
	executedAt := store.FromMillis(store.Millis(q.now()))

	var cmd *Command
	err := store.InTx(ctx, q.db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE commands SET status = ?, executed_at = ?
			WHERE id = ? AND status IN ('pending', 'sent')
		`, string(next), store.Millis(executedAt), commandID)
		if err != nil {
			return fmt.Errorf("report result: %w", err)
		}
		n, _ := result.RowsAffected()

		cmd, err = getCommand(ctx, tx, commandID)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("command %s is %s: %w", commandID, cmd.Status, ErrAlreadyTerminal)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	q.log.Debug().
		Str("command_id", commandID).
		Str("device", cmd.DeviceID).
		Str("status", string(cmd.Status)).
		Msg("command result recorded")

	return cmd, nil
}

// Get returns a single command.
func (q *Queue) Get(ctx context.Context, commandID string) (*Command, error) {
	return getCommand(ctx, q.db, commandID)
}

// ListForDevice returns the most recent commands of a device, newest first.
func (q *Queue) ListForDevice(ctx context.Context, deviceID string, limit int) ([]Command, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+commandColumns+` FROM commands
		WHERE device_id = ?
		ORDER BY seq DESC
		LIMIT ?
	`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer func() { _ = rows.Close() }()

	cmds := []Command{}
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		cmds = append(cmds, *cmd)
	}
	return cmds, rows.Err()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getCommand(ctx context.Context, q querier, commandID string) (*Command, error) {
	row := q.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM commands WHERE id = ?`, commandID)
	cmd, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("command %s: %w", commandID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get command: %w", err)
	}
	return cmd, nil
}

// casStatus performs a single compare-and-set status transition and stamps
// the given timestamp column.
func casStatus(ctx context.Context, tx *sql.Tx, commandID string, from, to Status, column string, at time.Time) (bool, error) {
	result, err := tx.ExecContext(ctx,
		`UPDATE commands SET status = ?, `+column+` = ? WHERE id = ? AND status = ?`,
		string(to), store.Millis(at), commandID, string(from))
	if err != nil {
		return false, fmt.Errorf("transition %s→%s: %w", from, to, err)
	}
	n, _ := result.RowsAffected()
	return n == 1, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCommand(s scanner) (*Command, error) {
	var (
		cmd                Command
		params             sql.NullString
		status             string
		createdAt          int64
		sentAt, executedAt sql.NullInt64
	)
	if err := s.Scan(&cmd.ID, &cmd.DeviceID, &cmd.Command, &params, &status, &createdAt, &sentAt, &executedAt); err != nil {
		return nil, err
	}
	cmd.Status = Status(status)
	cmd.CreatedAt = store.FromMillis(createdAt)
	cmd.SentAt = store.TimePtr(sentAt)
	cmd.ExecutedAt = store.TimePtr(executedAt)
	cmd.Params = json.RawMessage(`{}`)
	if params.Valid && params.String != "" {
		cmd.Params = json.RawMessage(params.String)
	}
	return &cmd, nil
}
