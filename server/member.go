package server

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/mousefox/mousefox/transport"
)

// member is one connected client: its identity plus the connection updates
// are pushed down. The session pointer is the client's at-most-one game
// membership; it is loaded lock-free on the move path and stored by the
// member's own dispatch goroutine or by whoever closes the session.
type member struct {
	id       uuid.UUID
	username string
	admin    bool
	conn     transport.Conn
	session  atomic.Pointer[session]
}

func newMember(username string, admin bool, conn transport.Conn) *member {
	return &member{
		id:       uuid.New(),
		username: username,
		admin:    admin,
		conn:     conn,
	}
}
