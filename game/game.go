// Package game defines the contract a game implementation satisfies to run
// on top of the mousefox sync layer. The sync layer never inspects game
// state: it asks the rules to produce, evolve and encode it, and ships the
// encoded bytes around.
package game

import (
	"encoding/json"
	"errors"
)

// State is an opaque game state value owned by the rules that produced it.
type State any

// Move is a player intent. Data is defined entirely by the game. Player is
// stamped by the server from the submitting connection and cannot be forged.
type Move struct {
	Player string
	Data   json.RawMessage
}

// Rules produces and evolves game state. Apply must behave as a pure
// function: it never mutates the state it was handed, and the same state and
// move produce the same encoded bytes on every replica. That determinism is
// what lets clients replay deltas instead of fetching snapshots.
type Rules interface {
	// NewState returns the initial state of a fresh game.
	NewState() State

	// Apply returns the state after m. Returning an error rejects the move
	// and leaves the authoritative state untouched.
	Apply(s State, m Move) (State, error)

	// EncodeState and DecodeState convert states to and from the canonical
	// byte form used for snapshots and digests.
	EncodeState(s State) ([]byte, error)
	DecodeState(data []byte) (State, error)
}

// MemberRules is optionally implemented by rules that track who is in the
// game. When a hook returns a new state, the join or leave advances the
// revision exactly like a move. Returning ErrNoChange leaves the state and
// revision untouched.
type MemberRules interface {
	MemberJoined(s State, player string) (State, error)
	MemberLeft(s State, player string) (State, error)
}

// ErrNoChange reports that a membership hook does not affect this game's
// state. The sync layer skips the revision bump and pushes nothing.
var ErrNoChange = errors.New("no state change")
