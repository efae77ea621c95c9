// Package transport carries wire frames between client and server. It
// provides a WebSocket transport for real networks and an in-process pipe
// for running a server and client inside one binary.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/mousefox/mousefox/wire"
)

// Errors reported by transports. Callers match them with errors.Is.
var (
	ErrConnect = errors.New("cannot establish connection")
	ErrClosed  = errors.New("connection closed")
	ErrTimeout = errors.New("operation timed out")
)

// Conn is a frame-oriented bidirectional connection. Send and TrySend are
// safe from any goroutine; Receive must only be called from one.
type Conn interface {
	// Send queues a frame for delivery, blocking until it is queued, ctx is
	// done or the connection closes.
	Send(ctx context.Context, f wire.Frame) error

	// TrySend queues a frame without blocking and reports false when the
	// outbox is full or the connection is closed. Senders of droppable
	// traffic use it to shed load instead of stalling.
	TrySend(f wire.Frame) bool

	// Receive returns the next inbound frame, blocking until one arrives,
	// ctx is done or the connection closes. Frames already buffered when
	// the connection closes are still delivered.
	Receive(ctx context.Context) (wire.Frame, error)

	// Close tears the connection down. Safe to call more than once.
	Close() error

	// RemoteAddr describes the peer for logging.
	RemoteAddr() string
}

// Options tunes a connection. Zero fields take the defaults.
type Options struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	OutboxSize      int
	InboxSize       int
	CheckOrigin     func(r *http.Request) bool
	Logger          zerolog.Logger
}

// DefaultOptions returns the connection tuning used when a field is zero.
func DefaultOptions() Options {
	return Options{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1 << 20, // snapshots ride frames, allow 1MB
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		OutboxSize:      256,
		InboxSize:       64,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = def.ReadTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = def.PingInterval
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = def.MaxMessageSize
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = def.ReadBufferSize
	}
	if o.WriteBufferSize <= 0 {
		o.WriteBufferSize = def.WriteBufferSize
	}
	if o.OutboxSize <= 0 {
		o.OutboxSize = def.OutboxSize
	}
	if o.InboxSize <= 0 {
		o.InboxSize = def.InboxSize
	}
	if o.CheckOrigin == nil {
		o.CheckOrigin = def.CheckOrigin
	}
	return o
}

func ctxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
