// Package signalclient is the peer side of the signaling channel: a
// websocket to the relay carrying protocol envelopes, with dedicated read
// and write pumps.
package signalclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/voxpeer/voxpeer/internal/protocol"
)

var (
	ErrClosed       = errors.New("signal connection closed")
	ErrBackpressure = errors.New("backpressure")
)

const (
	writeDeadline = 5 * time.Second
	sendQueue     = 32
)

// Client is one live signaling connection. Messages() delivers decoded
// catalogue messages in arrival order; the channel closes when the
// connection dies.
type Client struct {
	conn     *websocket.Conn
	send     chan []byte
	incoming chan any
	done     chan struct{}

	mu     sync.Mutex
	closed bool
}

// Dial connects to the relay's signaling endpoint and starts both pumps.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:     conn,
		send:     make(chan []byte, sendQueue),
		incoming: make(chan any, sendQueue),
		done:     make(chan struct{}),
	}
	go c.writePump()
	go c.readPump()
	log.Info().Str("module", "signalclient").Str("url", url).Msg("signaling connected")
	return c, nil
}

// Send encodes a catalogue message and queues it for the write pump.
func (c *Client) Send(msg any) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

// Messages delivers decoded pushes and responses in arrival order.
func (c *Client) Messages() <-chan any { return c.incoming }

// Done closes when the connection is gone, whichever side ended it.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close tears the connection down. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	_ = c.conn.Close()
}

func (c *Client) writePump() {
	for data := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
			log.Error().Err(err).Str("module", "signalclient").Msg("writePump set deadline")
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Error().Err(err).Str("module", "signalclient").Msg("writePump write error")
			return
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.Close()
		close(c.incoming)
		close(c.done)
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "signalclient").Msg("readPump read error")
			}
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "signalclient").Msg("dropping malformed signal")
			continue
		}
		select {
		case c.incoming <- msg:
		default:
			log.Warn().Str("module", "signalclient").Msg("incoming queue full, dropping signal")
		}
	}
}
