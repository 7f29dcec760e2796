package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func newToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeMQTT struct {
	sent []published
	err  error
}

func (f *fakeMQTT) Publish(topic string, qos byte, _ bool, payload interface{}) pahomqtt.Token {
	f.sent = append(f.sent, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return newToken(f.err)
}

type fakeNATS struct {
	subjects []string
	data     [][]byte
}

func (f *fakeNATS) Publish(subj string, data []byte) error {
	f.subjects = append(f.subjects, subj)
	f.data = append(f.data, data)
	return nil
}

func TestMQTTPublisher_TopicAndPayload(t *testing.T) {
	client := &fakeMQTT{}
	p := newMQTTPublisher(zerolog.Nop(), client, "zuri")

	ev := Event{Kind: DeviceUpdate, DeviceID: "ZR-ABC123", Reason: "offline", At: time.Unix(100, 0).UTC()}
	require.NoError(t, p.Publish(context.Background(), ev))

	require.Len(t, client.sent, 1)
	assert.Equal(t, "zuri/devices/ZR-ABC123/events", client.sent[0].topic)
	assert.Equal(t, byte(0), client.sent[0].qos)

	var got Event
	require.NoError(t, json.Unmarshal(client.sent[0].payload, &got))
	assert.Equal(t, DeviceUpdate, got.Kind)
	assert.Equal(t, "offline", got.Reason)
}

func TestMQTTPublisher_BrokerError(t *testing.T) {
	p := newMQTTPublisher(zerolog.Nop(), &fakeMQTT{err: errors.New("not connected")}, "zuri")

	err := p.Publish(context.Background(), Event{Kind: CommandUpdate, DeviceID: "ZR-1"})
	assert.ErrorContains(t, err, "not connected")
}

func TestNATSPublisher_Subject(t *testing.T) {
	conn := &fakeNATS{}
	p := newNATSPublisher(zerolog.Nop(), conn, "zuri")

	require.NoError(t, p.Publish(context.Background(), Event{Kind: CommandUpdate, DeviceID: "ZR-1"}))
	assert.Equal(t, []string{"zuri.devices.ZR-1.command_update"}, conn.subjects)
}

func TestFanout_ContinuesPastFailures(t *testing.T) {
	var got []Event
	failing := PublisherFunc(func(context.Context, Event) error { return errors.New("boom") })
	recording := PublisherFunc(func(_ context.Context, ev Event) error {
		got = append(got, ev)
		return nil
	})

	f := NewFanout(zerolog.Nop(), failing, nil, recording)
	require.NoError(t, f.Publish(context.Background(), Event{Kind: DeviceUpdate, DeviceID: "ZR-1"}))

	require.Len(t, got, 1)
	assert.False(t, got[0].At.IsZero(), "timestamp is filled in")
}
