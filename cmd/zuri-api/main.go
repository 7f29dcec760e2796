// Zuri fleet API: device registry, command queue, liveness and live sessions.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/zuri-labs/zuri/internal/analytics"
	"github.com/zuri-labs/zuri/internal/api"
	"github.com/zuri-labs/zuri/internal/commands"
	"github.com/zuri-labs/zuri/internal/content"
	"github.com/zuri-labs/zuri/internal/events"
	"github.com/zuri-labs/zuri/internal/fleet"
	"github.com/zuri-labs/zuri/internal/liveness"
	"github.com/zuri-labs/zuri/internal/registry"
	"github.com/zuri-labs/zuri/internal/session"
	"github.com/zuri-labs/zuri/internal/store"
	"golang.org/x/sync/errgroup"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.BoolVar(showVersion, "v", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("zuri-api " + api.VersionInfo())
		os.Exit(0)
	}

	// Load configuration
	cfg, err := api.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg)
	log.Info().Str("version", api.VersionInfo()).Str("listen", cfg.ListenAddr).Msg("Zuri API starting")

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
	log.Info().Msg("stopped")
}

func run(cfg *api.Config, log zerolog.Logger) error {
	// Initialize database
	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() { _ = db.Close() }()

	mux := session.NewMux(log, cfg.PushTimeout)
	fanout := events.NewFanout(log, mux)

	if cfg.MQTT.Broker != "" {
		pub, err := events.DialMQTT(log, cfg.MQTT)
		if err != nil {
			return err
		}
		defer pub.Close()
		fanout.Add(pub)
	}
	if cfg.NATS.URL != "" {
		pub, err := events.DialNATS(log, cfg.NATS)
		if err != nil {
			return err
		}
		defer pub.Close()
		fanout.Add(pub)
	}

	reg := registry.New(log, db)
	catalog := content.NewCatalog(log, db)
	svc := fleet.New(log, fleet.Deps{
		Registry: reg,
		Queue:    commands.NewQueue(log, db),
		Sessions: mux,
		Content:  catalog,
		Events:   fanout,
	})
	server := api.New(cfg, api.Deps{
		Fleet:     svc,
		Sessions:  mux,
		Content:   catalog,
		Analytics: analytics.NewRecorder(log, db),
	}, log)
	tracker := liveness.New(log, reg, cfg.GraceWindow, cfg.SweepInterval, liveness.WithPublisher(fanout))
	retention := store.NewRetention(log, db, cfg.CommandRetention, cfg.UsageRetention)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx) })
	g.Go(func() error { return tracker.Run(ctx) })
	g.Go(func() error { return retention.Run(ctx, cfg.RetentionInterval) })
	return g.Wait()
}

func newLogger(cfg *api.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.LogFormat == "json" {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}
