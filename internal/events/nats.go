package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSConfig holds the connection settings of the NATS publisher.
type NATSConfig struct {
	URL           string `yaml:"url"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type natsConn interface {
	Publish(subj string, data []byte) error
}

// NATSPublisher publishes events to {prefix}.devices.{id}.{kind}.
type NATSPublisher struct {
	log    zerolog.Logger
	conn   natsConn
	prefix string
	close  func()
}

// DialNATS connects to the NATS server.
func DialNATS(log zerolog.Logger, cfg NATSConfig) (*NATSPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats: url is required")
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "zuri"
	}
	log = log.With().Str("component", "nats").Logger()

	opts := []nats.Option{
		nats.Name("zuri-api"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS connected")

	p := newNATSPublisher(log, nc, cfg.SubjectPrefix)
	p.close = func() {
		_ = nc.Drain()
	}
	return p, nil
}

func newNATSPublisher(log zerolog.Logger, conn natsConn, prefix string) *NATSPublisher {
	return &NATSPublisher{log: log, conn: conn, prefix: prefix}
}

// Subject returns the subject an event is published on.
func (p *NATSPublisher) Subject(ev Event) string {
	return p.prefix + ".devices." + ev.DeviceID + "." + string(ev.Kind)
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(_ context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(ev), payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", ev.Kind, err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	if p.close != nil {
		p.close()
	}
	p.log.Info().Msg("NATS publisher stopped")
}
