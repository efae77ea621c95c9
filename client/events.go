package client

// EventKind names the client lifecycle notifications.
type EventKind string

const (
	// EventConnected fires when the link to the server is up, including
	// after a reconnect.
	EventConnected EventKind = "connected"
	// EventDisconnected fires when the link drops. Err carries the cause.
	EventDisconnected EventKind = "disconnected"
	// EventGameJoined fires when a reconnect put the client back into its
	// game. Joins requested through the API report through their return
	// value instead.
	EventGameJoined EventKind = "game_joined"
	// EventGameLeft fires when a game was lost without the client asking,
	// for example when it vanished across a reconnect.
	EventGameLeft EventKind = "game_left"
	// EventStateChanged fires whenever the local replica advanced.
	EventStateChanged EventKind = "state_changed"
	// EventEvicted fires when the server removed the client from its game.
	EventEvicted EventKind = "evicted"
)

// Event is a lifecycle notification delivered on Client.Events. Fields
// beyond Kind are set where they apply.
type Event struct {
	Kind     EventKind
	Game     string
	Revision uint64
	Reason   string
	Err      error
}
