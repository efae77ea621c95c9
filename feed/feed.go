// Package feed publishes game lifecycle events to an external bus so
// operators can watch a fleet of servers without polling them. The feed is
// optional: a server with no publisher configured skips it entirely.
package feed

import (
	"context"
	"time"
)

// Type names a lifecycle event.
type Type string

const (
	SessionCreated Type = "game_created"
	SessionClosed  Type = "game_closed"
	ClientJoined   Type = "client_joined"
	ClientLeft     Type = "client_left"
	ServerStopped  Type = "server_stopped"
)

// Event is one lifecycle notification.
type Event struct {
	Type     Type      `json:"type"`
	Game     string    `json:"game,omitempty"`
	Username string    `json:"username,omitempty"`
	Revision uint64    `json:"revision,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher ships lifecycle events somewhere. Implementations must not
// block the caller beyond a local buffer write: publishing sits on the
// session hot path.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// Subject returns the bus subject an event type lands on.
func Subject(prefix string, typ Type) string {
	return prefix + "." + string(typ)
}
