// Package mousefox is scaffolding for multiplayer turn-based games: a server
// that hosts named games and keeps every connected client's replica of the
// game state in sync, and a client that connects, joins and submits moves.
// Game authors implement game.Rules; rendering and input stay in their code.
//
// Remote play dials a server with client.Dial. Local single-process play
// skips the network entirely: Local starts an in-process server and returns
// an admin client wired to it over a pipe.
package mousefox

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mousefox/mousefox/client"
	"github.com/mousefox/mousefox/game"
	"github.com/mousefox/mousefox/server"
	"github.com/mousefox/mousefox/transport"
)

// LocalConfig tunes Local. The zero value works.
type LocalConfig struct {
	// Username identifies the local player. Defaults to "local".
	Username string

	// Policy overrides the server policy; the zero value means
	// server.DefaultPolicy(). The admin password is replaced either way
	// with a generated one shared with the returned client.
	Policy server.Policy

	// Logger receives server and client logs. The zero value is silent.
	Logger zerolog.Logger
}

// Local starts an in-process server hosting rules and returns an admin
// client connected to it, so the local player administers its own server.
// Shutting down the server ends the client too.
func Local(ctx context.Context, rules game.Rules, cfg LocalConfig) (*client.Client, *server.Server, error) {
	if cfg.Username == "" {
		cfg.Username = "local"
	}
	policy := cfg.Policy
	if policy == (server.Policy{}) {
		policy = server.DefaultPolicy()
	}
	policy.AdminPassword = uuid.New().String()

	srv := server.New(policy, rules, server.WithLogger(cfg.Logger))
	a, b := transport.Pipe()
	go srv.ServeConn(context.Background(), a)

	cl, err := client.New(ctx, b, client.Config{
		Username: cfg.Username,
		Password: policy.AdminPassword,
		Admin:    true,
		Rules:    rules,
		Logger:   cfg.Logger,
	})
	if err != nil {
		b.Close()
		srv.Shutdown("local bootstrap failed")
		return nil, nil, err
	}
	return cl, srv, nil
}
