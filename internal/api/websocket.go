package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/zuri-labs/zuri/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

var errConnClosed = errors.New("connection closed")

// Frame states. A frame is written only if the write pump claims it before
// the sender abandons it.
const (
	frameQueued int32 = iota
	frameClaimed
	frameAbandoned
)

// outFrame is a frame queued for the write pump. done receives the write
// result once the pump has claimed the frame.
type outFrame struct {
	ctx   context.Context
	data  []byte
	done  chan error
	state atomic.Int32
}

// deviceConn is a device's live channel. It implements session.Channel.
type deviceConn struct {
	conn     *websocket.Conn
	deviceID string
	log      zerolog.Logger
	send     chan *outFrame

	closeOnce sync.Once
	closed    chan struct{}
}

func newDeviceConn(conn *websocket.Conn, deviceID string, log zerolog.Logger) *deviceConn {
	return &deviceConn{
		conn:     conn,
		deviceID: deviceID,
		log:      log.With().Str("device", deviceID).Logger(),
		send:     make(chan *outFrame, 16),
		closed:   make(chan struct{}),
	}
}

// Send queues data and waits for the write result. A nil error means the
// whole frame was written; any error means the device never received a
// complete frame.
func (c *deviceConn) Send(ctx context.Context, data []byte) error {
	f := &outFrame{ctx: ctx, data: data, done: make(chan error, 1)}
	select {
	case c.send <- f:
	case <-c.closed:
		return errConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	var giveUp error
	select {
	case err := <-f.done:
		return err
	case <-c.closed:
		giveUp = errConnClosed
	case <-ctx.Done():
		giveUp = ctx.Err()
	}

	if f.state.CompareAndSwap(frameQueued, frameAbandoned) {
		return giveUp
	}
	// Claimed by the pump. Its write is bounded by ctx's deadline.
	return <-f.done
}

// Close tears down the connection. Safe to call more than once.
func (c *deviceConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// writeDeadline is the earlier of writeWait from now and the sender's deadline.
func writeDeadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return d
	}
	return deadline
}

// writePump pumps frames to the WebSocket connection. Abandoned frames are
// skipped. A failed write closes the connection so a partially written frame
// never completes on the device.
func (c *deviceConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()

	for {
		select {
		case f := <-c.send:
			if !f.state.CompareAndSwap(frameQueued, frameClaimed) {
				continue
			}
			if err := f.ctx.Err(); err != nil {
				f.done <- err
				continue
			}
			_ = c.conn.SetWriteDeadline(writeDeadline(f.ctx))
			err := c.conn.WriteMessage(websocket.TextMessage, f.data)
			f.done <- err
			if err != nil {
				c.log.Warn().Err(err).Msg("write failed, closing connection")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closed:
			_ = c.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(time.Second))
			return
		}
	}
}

// handleDeviceSocket upgrades a device's live channel.
func (s *Server) handleDeviceSocket(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	exists, err := s.fleet.DeviceExists(r.Context(), deviceID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !exists {
		writeDetail(w, http.StatusNotFound, "Device not found")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	dc := newDeviceConn(conn, deviceID, s.log)
	s.fleet.BindLiveConnection(deviceID, dc)
	dc.log.Info().Msg("device connected")

	go dc.writePump()
	s.deviceReadPump(dc)
}

// deviceReadPump reads device reports until the connection ends and then
// unbinds the channel.
func (s *Server) deviceReadPump(c *deviceConn) {
	defer func() {
		s.fleet.UnbindLiveConnection(c.deviceID, c)
		_ = c.Close()
		c.log.Info().Msg("device disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Error().Err(err).Msg("read error")
			}
			return
		}

		// Reset read deadline on any received message
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn().Err(err).Msg("failed to parse message")
			continue
		}

		switch msg.Type {
		case protocol.TypeCommandResult:
			var res protocol.CommandResultPayload
			if err := msg.ParsePayload(&res); err != nil {
				c.log.Warn().Err(err).Msg("failed to parse command result")
				continue
			}
			if _, err := s.fleet.ReportFromDevice(context.Background(), c.deviceID, res); err != nil {
				c.log.Warn().Err(err).Str("command_id", res.CommandID).Msg("command result rejected")
			}
		default:
			c.log.Debug().Str("type", msg.Type).Msg("ignoring message")
		}
	}
}

// observerConn is a mobile client receiving fleet updates.
type observerConn struct {
	conn *websocket.Conn
	send chan []byte
}

// Notify queues data without blocking.
func (o *observerConn) Notify(data []byte) bool {
	select {
	case o.send <- data:
		return true
	default:
		return false
	}
}

// handleObserverSocket upgrades a mobile observer connection.
func (s *Server) handleObserverSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	o := &observerConn{conn: conn, send: make(chan []byte, s.cfg.ObserverBuffer)}
	s.sessions.AddObserver(o)
	s.log.Debug().Msg("observer connected")

	done := make(chan struct{})
	go s.observerWritePump(o, done)

	// Observers only listen; reading keeps pongs and close frames flowing.
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	}

	s.sessions.RemoveObserver(o)
	close(done)
	_ = conn.Close()
	s.log.Debug().Msg("observer disconnected")
}

func (s *Server) observerWritePump(o *observerConn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = o.conn.Close()
	}()

	for {
		select {
		case data := <-o.send:
			_ = o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := o.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := o.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
