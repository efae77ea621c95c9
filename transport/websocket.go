package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mousefox/mousefox/wire"
)

// WSConn is a Conn over a gorilla WebSocket connection. A read pump decodes
// inbound frames into a bounded inbox; a write pump drains a bounded outbox
// and keeps the connection alive with pings.
type WSConn struct {
	conn   *websocket.Conn
	opts   Options
	logger zerolog.Logger

	outbox chan wire.Frame
	inbox  chan wire.Frame

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to a server at a ws:// or wss:// URL.
func Dial(ctx context.Context, url string, opts Options) (*WSConn, error) {
	opts = opts.withDefaults()
	dialer := websocket.Dialer{
		ReadBufferSize:   opts.ReadBufferSize,
		WriteBufferSize:  opts.WriteBufferSize,
		HandshakeTimeout: opts.WriteTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnect, url, err)
	}
	return newWSConn(conn, opts), nil
}

// Accept upgrades an HTTP request to a WebSocket Conn. The caller owns the
// returned connection.
func Accept(w http.ResponseWriter, r *http.Request, opts Options) (*WSConn, error) {
	opts = opts.withDefaults()
	upgrader := websocket.Upgrader{
		ReadBufferSize:  opts.ReadBufferSize,
		WriteBufferSize: opts.WriteBufferSize,
		CheckOrigin:     opts.CheckOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: upgrade: %v", ErrConnect, err)
	}
	return newWSConn(conn, opts), nil
}

func newWSConn(conn *websocket.Conn, opts Options) *WSConn {
	c := &WSConn{
		conn:   conn,
		opts:   opts,
		logger: opts.Logger.With().Str("remote", conn.RemoteAddr().String()).Logger(),
		outbox: make(chan wire.Frame, opts.OutboxSize),
		inbox:  make(chan wire.Frame, opts.InboxSize),
		done:   make(chan struct{}),
	}
	go c.writePump()
	go c.readPump()
	return c
}

func (c *WSConn) Send(ctx context.Context, f wire.Frame) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.outbox <- f:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctxErr(ctx.Err())
	}
}

func (c *WSConn) TrySend(f wire.Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.outbox <- f:
		return true
	default:
		return false
	}
}

func (c *WSConn) Receive(ctx context.Context) (wire.Frame, error) {
	// Deliver frames buffered before closure first.
	select {
	case f := <-c.inbox:
		return f, nil
	default:
	}
	select {
	case f := <-c.inbox:
		return f, nil
	case <-c.done:
		return wire.Frame{}, ErrClosed
	case <-ctx.Done():
		return wire.Frame{}, ctxErr(ctx.Err())
	}
}

// Close tears the connection down and stops both pumps. The write pump
// flushes frames already queued before closing the socket.
func (c *WSConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *WSConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// readPump reads frames from the socket into the inbox until the connection
// fails. It owns the read deadline: every successful read or pong extends it.
func (c *WSConn) readPump() {
	defer c.Close()

	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))

		var f wire.Frame
		if err := json.Unmarshal(message, &f); err != nil {
			c.logger.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}
		select {
		case c.inbox <- f:
		case <-c.done:
			return
		}
	}
}

// writePump drains the outbox to the socket and pings on an interval. It
// owns the underlying socket: whatever stops the pump also closes it, which
// in turn unblocks the read pump.
func (c *WSConn) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
		c.conn.Close()
	}()

	for {
		select {
		case f := <-c.outbox:
			if err := c.writeFrame(f); err != nil {
				c.logger.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			// Flush frames queued before closure, then say goodbye.
			for flushed := true; flushed; {
				select {
				case f := <-c.outbox:
					if err := c.writeFrame(f); err != nil {
						flushed = false
					}
				default:
					flushed = false
				}
			}
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *WSConn) writeFrame(f wire.Frame) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	message, err := json.Marshal(f)
	if err != nil {
		c.logger.Error().Err(err).Msg("dropping unencodable frame")
		return nil
	}
	return c.conn.WriteMessage(websocket.TextMessage, message)
}
