package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/voxpeer/voxpeer/internal/protocol"
)

var ErrBackpressure = errors.New("backpressure")

const (
	sendQueue     = 32
	writeDeadline = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn wraps one signaling websocket with a bounded send queue.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// Controller upgrades signaling websockets and dispatches their envelopes
// into the room registry.
type Controller struct {
	Registry *Registry
}

func NewController(registry *Registry) *Controller {
	return &Controller{Registry: registry}
}

// HandleSignal serves one signaling connection for its whole lifetime.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "server.signal").Msg("ws upgrade")
		return
	}

	wc := &wsConn{
		conn: ws,
		send: make(chan []byte, sendQueue),
	}
	conn := NewConnection(uuid.NewString(), wc)
	log.Info().Str("module", "server.signal").Str("conn", conn.ID).Msg("new signaling connection")

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, wc)
	go ctl.readPump(ctx, cancel, conn, wc)
}

func (ctl *Controller) writePump(ctx context.Context, c *wsConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				log.Error().Err(err).Str("module", "server.signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "server.signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, conn *Connection, c *wsConn) {
	defer func() {
		log.Info().Str("module", "server.signal").Str("conn", conn.ID).Msg("signaling connection closing")
		ctl.Registry.Leave(conn.ID)
		cancel()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warn().Err(err).Str("module", "server.signal").Str("conn", conn.ID).Msg("readPump read error")
				}
				return
			}
			ctl.dispatch(conn, data)
		}
	}
}

// dispatch routes one decoded envelope. Malformed messages are dropped
// with a log line and never mutate any room.
func (ctl *Controller) dispatch(conn *Connection, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "server.signal").Str("conn", conn.ID).Msg("dropping malformed signal")
		return
	}
	switch m := msg.(type) {
	case protocol.CreateSession:
		ctl.Registry.CreateSession(conn, m.IpEndPoint)
	case protocol.ConnectToSession:
		ctl.Registry.ConnectToSession(conn, m.Code, m.IpEndPoint)
	case protocol.HangupSession:
		ctl.Registry.Leave(conn.ID)
	case protocol.SuccessConnectedSession:
		log.Info().Str("module", "server.signal").Str("conn", conn.ID).Msg("peer reports connected")
	default:
		log.Warn().Str("module", "server.signal").Str("conn", conn.ID).Msgf("dropping unexpected signal %T", msg)
	}
}
