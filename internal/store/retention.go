package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Retention periodically prunes old records. Only terminal commands are
// pruned; pending and sent commands are kept regardless of age. A zero
// retention disables pruning for that table.
type Retention struct {
	log      zerolog.Logger
	db       *sql.DB
	Commands time.Duration
	Usage    time.Duration
	now      func() time.Time
}

// NewRetention creates a retention cleaner.
func NewRetention(log zerolog.Logger, db *sql.DB, commands, usage time.Duration) *Retention {
	return &Retention{
		log:      log.With().Str("component", "retention").Logger(),
		db:       db,
		Commands: commands,
		Usage:    usage,
		now:      time.Now,
	}
}

// Run runs cleanup every interval until ctx is cancelled.
func (r *Retention) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.log.Info().Dur("interval", interval).Msg("starting retention cleanup loop")

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("retention cleanup loop stopped")
			return nil
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single cleanup pass.
func (r *Retention) RunOnce(ctx context.Context) {
	cmds, err := r.CleanupCommands(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("command cleanup failed")
	}
	usage, err := r.CleanupUsage(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("usage cleanup failed")
	}

	if cmds > 0 || usage > 0 {
		r.log.Info().
			Int64("commands", cmds).
			Int64("usage_events", usage).
			Msg("retention cleanup complete")
	}
}

// CleanupCommands removes terminal commands older than the command retention.
func (r *Retention) CleanupCommands(ctx context.Context) (int64, error) {
	if r.Commands <= 0 {
		return 0, nil
	}
	cutoff := Millis(r.now().Add(-r.Commands))
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM commands
		WHERE created_at < ? AND status IN ('completed', 'failed')
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup commands: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}

// CleanupUsage removes usage events older than the usage retention.
func (r *Retention) CleanupUsage(ctx context.Context) (int64, error) {
	if r.Usage <= 0 {
		return 0, nil
	}
	cutoff := Millis(r.now().Add(-r.Usage))
	result, err := r.db.ExecContext(ctx, `DELETE FROM usage_analytics WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup usage: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}
