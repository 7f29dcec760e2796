package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MQTTConfig holds the broker settings of the MQTT bridge.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

// MQTTPublisher publishes events to {prefix}/devices/{id}/events.
type MQTTPublisher struct {
	log     zerolog.Logger
	client  mqttClient
	prefix  string
	timeout time.Duration
	close   func()
}

// DialMQTT connects to the broker and returns a publisher. The client keeps
// reconnecting on its own after the first successful connect.
func DialMQTT(log zerolog.Logger, cfg MQTTConfig) (*MQTTPublisher, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt: broker is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "zuri-api"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "zuri"
	}
	log = log.With().Str("component", "mqtt").Logger()

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(c pahomqtt.Client) {
			log.Info().Str("broker", cfg.Broker).Msg("MQTT connected")
			c.Publish(cfg.TopicPrefix+"/bridge/state", 1, true, "online")
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			log.Warn().Err(err).Msg("MQTT connection lost")
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	p := newMQTTPublisher(log, client, cfg.TopicPrefix)
	p.close = func() {
		client.Publish(cfg.TopicPrefix+"/bridge/state", 1, true, "offline").WaitTimeout(time.Second)
		client.Disconnect(1000)
	}
	return p, nil
}

func newMQTTPublisher(log zerolog.Logger, client mqttClient, prefix string) *MQTTPublisher {
	return &MQTTPublisher{
		log:     log,
		client:  client,
		prefix:  prefix,
		timeout: 2 * time.Second,
	}
}

// Topic returns the topic events of deviceID are published on.
func (p *MQTTPublisher) Topic(deviceID string) string {
	return p.prefix + "/devices/" + deviceID + "/events"
}

// Publish implements Publisher with QoS 0.
func (p *MQTTPublisher) Publish(_ context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	token := p.client.Publish(p.Topic(ev.DeviceID), 0, false, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("mqtt publish %s: timeout", ev.Kind)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", ev.Kind, err)
	}
	return nil
}

// Close publishes the offline bridge state and disconnects.
func (p *MQTTPublisher) Close() {
	if p.close != nil {
		p.close()
	}
	p.log.Info().Msg("MQTT bridge stopped")
}
