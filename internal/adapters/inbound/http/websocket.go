package http

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tims-exe/dex-order-engine/internal/ports/inbound"
)

// Compile-time check that wsConn implements inbound.Connection
var _ inbound.Connection = (*wsConn)(nil)

var errConnClosed = errors.New("websocket connection closed")

// WebsocketConfig tunes keepalive and write deadlines of status streams.
type WebsocketConfig struct {
	// WriteWait is the deadline for a single frame write.
	WriteWait time.Duration

	// PongWait is how long the peer may stay silent before it is considered
	// gone.
	PongWait time.Duration

	// PingPeriod is how often pings are sent. Must be less than PongWait.
	PingPeriod time.Duration
}

// WebsocketConfigDefaults returns a config with default values.
func WebsocketConfigDefaults() WebsocketConfig {
	return WebsocketConfig{
		WriteWait:  10 * time.Second,
		PongWait:   60 * time.Second,
		PingPeriod: 54 * time.Second,
	}
}

func (c WebsocketConfig) withDefaults() WebsocketConfig {
	d := WebsocketConfigDefaults()
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	return c
}

// wsConn adapts a gorilla websocket to inbound.Connection. Frames are
// written under a mutex; a read pump detects the peer going away.
type wsConn struct {
	conn   *websocket.Conn
	config WebsocketConfig
	logger *slog.Logger

	writeMu sync.Mutex

	closed     chan struct{}
	closedOnce sync.Once
	closeOnce  sync.Once
}

func newWSConn(conn *websocket.Conn, config WebsocketConfig, readLimit int64, logger *slog.Logger) *wsConn {
	conn.SetReadLimit(readLimit)
	return &wsConn{
		conn:   conn,
		config: config,
		logger: logger,
		closed: make(chan struct{}),
	}
}

// readFirst reads one text frame before the pumps start.
func (c *wsConn) readFirst(timeout time.Duration) ([]byte, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return data, nil
}

// start launches the read pump and the keepalive pinger.
func (c *wsConn) start() {
	go c.readPump()
	go c.pingLoop()
}

// readPump discards inbound frames and marks the connection closed when the
// peer disconnects or stops answering pings.
func (c *wsConn) readPump() {
	defer c.markClosed()

	_ = c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error", "error", err)
			}
			return
		}
	}
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(c.config.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.config.WriteWait))
			c.writeMu.Unlock()
			if err != nil {
				c.markClosed()
				return
			}
		}
	}
}

// Send writes v as one JSON text frame.
func (c *wsConn) Send(v any) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

// Closed is closed once the peer has gone away or Close was called.
func (c *wsConn) Closed() <-chan struct{} { return c.closed }

// Close sends a normal close frame and releases the socket.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.config.WriteWait))
		c.writeMu.Unlock()
		err = c.conn.Close()
		c.markClosed()
	})
	return err
}

func (c *wsConn) markClosed() {
	c.closedOnce.Do(func() { close(c.closed) })
}
