package server

import (
	"fmt"
	"time"
)

// DefaultPort is the port clients try when none is configured.
const DefaultPort = 38929

// Scope says which interfaces a server binds.
type Scope string

const (
	// ScopeLocal listens on loopback only.
	ScopeLocal Scope = "local"
	// ScopeGlobal listens on all interfaces.
	ScopeGlobal Scope = "global"
)

// Policy is the process-wide configuration every component reads. Build it
// once before starting a server; it is never mutated afterwards.
type Policy struct {
	// Scope picks loopback-only or all-interfaces listening.
	Scope Scope

	// AdminPassword guards the close, status and shutdown verbs. Empty
	// disables admin access entirely.
	AdminPassword string

	// CreateRequiresAdmin reserves game creation for admins. Joining stays
	// open to everyone.
	CreateRequiresAdmin bool

	// MaxSessions caps concurrently hosted games. Zero means unlimited.
	MaxSessions int

	// MaxClientsPerSession caps members per game. Zero means unlimited.
	MaxClientsPerSession int

	// SessionIdleTimeout closes games that sit empty this long. Zero keeps
	// them until an admin closes them.
	SessionIdleTimeout time.Duration

	// PushSnapshots fans out full state instead of replayable deltas on
	// every update. Required when the game rules are not deterministic.
	PushSnapshots bool
}

// DefaultPolicy returns the settings a zero-config server runs with.
func DefaultPolicy() Policy {
	return Policy{
		Scope:              ScopeLocal,
		MaxSessions:        64,
		SessionIdleTimeout: 10 * time.Minute,
	}
}

// Validate reports configuration values the server cannot run with.
func (p Policy) Validate() error {
	switch p.Scope {
	case ScopeLocal, ScopeGlobal, "":
	default:
		return fmt.Errorf("unknown listen scope %q", p.Scope)
	}
	if p.MaxSessions < 0 {
		return fmt.Errorf("max sessions must not be negative, got %d", p.MaxSessions)
	}
	if p.MaxClientsPerSession < 0 {
		return fmt.Errorf("max clients per session must not be negative, got %d", p.MaxClientsPerSession)
	}
	return nil
}

// BindAddr returns the listen address for port under this policy's scope.
func (p Policy) BindAddr(port int) string {
	if p.Scope == ScopeGlobal {
		return fmt.Sprintf(":%d", port)
	}
	return fmt.Sprintf("127.0.0.1:%d", port)
}
