package wire

import (
	"encoding/json"
	"time"
)

// HelloData opens a connection. It must be the first request on the wire.
// Password is only consulted when Admin is set.
type HelloData struct {
	Protocol int    `json:"protocol"`
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
	Admin    bool   `json:"admin,omitempty"`
}

// WelcomeData answers a successful hello.
type WelcomeData struct {
	ClientID string `json:"client_id"`
	Admin    bool   `json:"admin"`
	Instance string `json:"instance"`
	Version  string `json:"version"`
}

// GameInfo describes one listed game in the directory.
type GameInfo struct {
	Name      string    `json:"name"`
	Users     int       `json:"users"`
	Protected bool      `json:"protected"`
	Revision  uint64    `json:"revision"`
	CreatedAt time.Time `json:"created_at"`
}

// GamesData lists the games visible in the directory.
type GamesData struct {
	Games []GameInfo `json:"games"`
}

// CreateData asks for a new game. Unlisted games are joinable by name but
// hidden from the directory.
type CreateData struct {
	Name     string `json:"name"`
	Password string `json:"password,omitempty"`
	Unlisted bool   `json:"unlisted,omitempty"`
}

// JoinData asks to join an existing game.
type JoinData struct {
	Name     string `json:"name"`
	Password string `json:"password,omitempty"`
}

// SnapshotData carries a full state snapshot at a revision. It answers
// create, join and snapshot requests.
type SnapshotData struct {
	Game     string          `json:"game"`
	Revision uint64          `json:"revision"`
	State    json.RawMessage `json:"state"`
	Digest   string          `json:"digest"`
}

// MoveData submits a move to the server. Data is opaque to the sync layer
// and interpreted only by the game rules.
type MoveData struct {
	Data json.RawMessage `json:"data"`
}

// AckData answers an accepted move with the revision it produced.
type AckData struct {
	Revision uint64 `json:"revision"`
}

// MoveEcho is the replayable form of an applied move.
type MoveEcho struct {
	Player string          `json:"player"`
	Data   json.RawMessage `json:"data"`
}

// UpdateData is pushed to every member of a game when its state advances.
// Exactly one of Move, Joined, Left or State is set: the first three replay
// as deltas on top of Revision-1, State carries a full snapshot.
type UpdateData struct {
	Game     string          `json:"game"`
	Revision uint64          `json:"revision"`
	Move     *MoveEcho       `json:"move,omitempty"`
	Joined   string          `json:"joined,omitempty"`
	Left     string          `json:"left,omitempty"`
	State    json.RawMessage `json:"state,omitempty"`
	Digest   string          `json:"digest"`
}

// CloseData names the game an admin wants to close.
type CloseData struct {
	Name string `json:"name"`
}

// EvictedData tells a member its game is gone.
type EvictedData struct {
	Game   string `json:"game"`
	Reason string `json:"reason"`
}

// StatusData reports server health to an admin.
type StatusData struct {
	Instance      string `json:"instance"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Sessions      int    `json:"sessions"`
	Clients       int    `json:"clients"`
	MaxSessions   int    `json:"max_sessions"`
}
