package device

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/zuri-labs/zuri/internal/protocol"
)

// ErrNotConnected is returned by Send while the live channel is down.
var ErrNotConnected = errors.New("live channel not connected")

// Connection parameters
const (
	pingInterval     = 30 * time.Second
	pongWait         = 45 * time.Second
	writeWait        = 10 * time.Second
	maxBackoff       = 60 * time.Second
	initialBackoff   = 1 * time.Second
	closeGracePeriod = 5 * time.Second
)

// LiveChannel keeps a WebSocket open to the API so commands can be pushed
// instead of waiting for the next heartbeat.
type LiveChannel struct {
	url string
	log zerolog.Logger

	conn     *websocket.Conn
	mu       sync.Mutex
	messages chan *protocol.Message

	connected bool
	backoff   time.Duration
}

// NewLiveChannel creates a channel that dials url.
func NewLiveChannel(url string, log zerolog.Logger) *LiveChannel {
	return &LiveChannel{
		url:      url,
		log:      log.With().Str("component", "websocket").Logger(),
		messages: make(chan *protocol.Message, 100),
		backoff:  initialBackoff,
	}
}

// Run connects and keeps reconnecting with exponential backoff until ctx
// is cancelled.
func (c *LiveChannel) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			c.log.Debug().Msg("context cancelled, stopping")
			return
		}

		if err := c.connect(ctx); err != nil {
			c.log.Warn().Err(err).Dur("backoff", c.backoff).Msg("connection failed, retrying")
			c.waitBackoff(ctx)
			continue
		}

		c.backoff = initialBackoff
		c.readLoop(ctx)
		c.waitBackoff(ctx)
	}
}

func (c *LiveChannel) connect(ctx context.Context) error {
	c.log.Debug().Str("url", c.url).Msg("connecting")

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	// The server pings; answering resets our read deadline too.
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.pingLoop(ctx, conn)

	c.log.Info().Msg("live channel connected")
	return nil
}

func (c *LiveChannel) readLoop(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	// Unblock ReadMessage on shutdown.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		c.mu.Lock()
		c.connected = false
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
		c.log.Info().Msg("live channel disconnected")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
				c.log.Error().Err(err).Msg("read error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Error().Err(err).Str("data", string(data)).Msg("failed to parse message")
			continue
		}

		c.log.Debug().Str("type", msg.Type).Msg("received message")

		select {
		case c.messages <- &msg:
		default:
			c.log.Warn().Msg("message queue full, dropping message")
		}
	}
}

func (c *LiveChannel) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.conn
			var err error
			if current == conn {
				err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			}
			c.mu.Unlock()

			if current != conn {
				return
			}
			if err != nil {
				c.log.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

func (c *LiveChannel) waitBackoff(ctx context.Context) {
	timer := time.NewTimer(c.backoff)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}

	c.backoff *= 2
	if c.backoff > maxBackoff {
		c.backoff = maxBackoff
	}
}

// Send writes a message to the API.
func (c *LiveChannel) Send(msgType string, payload any) error {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Messages returns the channel of incoming messages.
func (c *LiveChannel) Messages() <-chan *protocol.Message {
	return c.messages
}

// Close closes the connection gracefully.
func (c *LiveChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	err := c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
		time.Now().Add(closeGracePeriod),
	)
	if err != nil {
		_ = c.conn.Close()
		return err
	}
	return c.conn.Close()
}

// IsConnected reports whether the channel is up.
func (c *LiveChannel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
