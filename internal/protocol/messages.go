// Package protocol defines the wire types shared between the fleet API and
// the device client: the WebSocket envelope and the JSON bodies of the
// device-facing HTTP endpoints.
package protocol

import "encoding/json"

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage creates a message with the given type and payload.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:    msgType,
		Payload: data,
	}, nil
}

// Encode marshals a message with the given type and payload in one step.
func Encode(msgType string, payload any) ([]byte, error) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// ParsePayload unmarshals the payload into the given target.
func (m *Message) ParsePayload(target any) error {
	return json.Unmarshal(m.Payload, target)
}

// Message types (server → device)
const (
	TypeCommand = "command"
)

// Message types (device → server)
const (
	TypeCommandResult = "command_result"
)

// Message types (server → observers)
const (
	TypeDeviceUpdate  = "device_update"
	TypeCommandUpdate = "command_update"
)

// CommandPayload is a command handed to a device, over the live channel or
// in a heartbeat reply.
type CommandPayload struct {
	ID      string          `json:"id"`
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params"`
	Status  string          `json:"status,omitempty"`
}

// CommandResultPayload is the outcome a device reports for a command.
type CommandResultPayload struct {
	CommandID string `json:"command_id"`
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
}

// RegisterRequest is the body of POST /devices/register.
type RegisterRequest struct {
	DeviceID        string `json:"device_id"`
	DeviceName      string `json:"device_name"`
	IPAddress       string `json:"ip_address"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
}

// RegisterResponse confirms a registration.
type RegisterResponse struct {
	Status   string `json:"status"`
	DeviceID string `json:"device_id"`
}

// HeartbeatRequest is the body of POST /devices/{id}/heartbeat.
type HeartbeatRequest struct {
	BatteryLevel int    `json:"battery_level"`
	Status       string `json:"status,omitempty"`
	WiFiSSID     string `json:"wifi_ssid,omitempty"`
}

// HeartbeatResponse carries the commands drained for the device.
type HeartbeatResponse struct {
	Status   string           `json:"status"`
	Commands []CommandPayload `json:"commands"`
}

// ResultRequest is the body of POST /commands/{id}/result.
type ResultRequest struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// DefaultSettings are the device settings applied before any update.
var DefaultSettings = Settings{
	VoiceTone:     "calm",
	VoiceSpeed:    1.0,
	Volume:        0.8,
	LEDColor:      "#5E9CF3",
	LEDBrightness: 0.7,
	LEDPattern:    "steady",
}

// Settings are the user-tunable behaviour of a device.
type Settings struct {
	VoiceTone     string  `json:"voice_tone"`
	VoiceSpeed    float64 `json:"voice_speed"`
	Volume        float64 `json:"volume"`
	LEDColor      string  `json:"led_color"`
	LEDBrightness float64 `json:"led_brightness"`
	LEDPattern    string  `json:"led_pattern"`
}
