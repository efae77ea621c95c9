package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mousefox/mousefox/feed"
	"github.com/mousefox/mousefox/game"
	"github.com/mousefox/mousefox/transport"
	"github.com/mousefox/mousefox/wire"
)

// tally is the test game: a shared click counter that tracks membership.
type tally struct {
	Clicks  int      `json:"clicks"`
	Players []string `json:"players"`
}

func testRules() game.Rules {
	return game.JSON[tally]{
		Initial: func() tally { return tally{} },
		Move: func(s tally, m game.Move) (tally, error) {
			var req struct {
				Op string `json:"op"`
			}
			if err := json.Unmarshal(m.Data, &req); err != nil {
				return s, err
			}
			if req.Op != "click" {
				return s, fmt.Errorf("unknown op %q", req.Op)
			}
			s.Clicks++
			return s, nil
		},
		Joined: func(s tally, player string) (tally, error) {
			s.Players = append(append([]string(nil), s.Players...), player)
			return s, nil
		},
		Left: func(s tally, player string) (tally, error) {
			kept := make([]string, 0, len(s.Players))
			for _, p := range s.Players {
				if p != player {
					kept = append(kept, p)
				}
			}
			s.Players = kept
			return s, nil
		},
	}
}

func clickData() json.RawMessage {
	return json.RawMessage(`{"op":"click"}`)
}

// fakeConn is a transport.Conn whose outbound frames pile up in a buffered
// channel the test reads directly.
type fakeConn struct {
	frames chan wire.Frame
	closed chan struct{}
	once   sync.Once
}

func newFakeConn(buf int) *fakeConn {
	return &fakeConn{frames: make(chan wire.Frame, buf), closed: make(chan struct{})}
}

func (c *fakeConn) Send(ctx context.Context, f wire.Frame) error {
	select {
	case c.frames <- f:
		return nil
	case <-c.closed:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) TrySend(f wire.Frame) bool {
	select {
	case c.frames <- f:
		return true
	default:
		return false
	}
}

func (c *fakeConn) Receive(ctx context.Context) (wire.Frame, error) {
	select {
	case <-c.closed:
		return wire.Frame{}, transport.ErrClosed
	case <-ctx.Done():
		return wire.Frame{}, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) RemoteAddr() string { return "fake" }

// nextUpdate pops the next update push from a fake conn.
func nextUpdate(t *testing.T, c *fakeConn) wire.UpdateData {
	t.Helper()
	select {
	case f := <-c.frames:
		if f.Type != wire.FramePush || f.Verb != wire.PushUpdate {
			t.Fatalf("expected update push, got %+v", f)
		}
		var u wire.UpdateData
		if err := f.Decode(&u); err != nil {
			t.Fatalf("decode update: %v", err)
		}
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("no update push arrived")
		return wire.UpdateData{}
	}
}

// capturingFeed records published lifecycle events.
type capturingFeed struct {
	mu     sync.Mutex
	events []feed.Event
}

func (c *capturingFeed) Publish(ctx context.Context, evt feed.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func (c *capturingFeed) Close() error { return nil }

func (c *capturingFeed) types() []feed.Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]feed.Type, len(c.events))
	for i, evt := range c.events {
		types[i] = evt.Type
	}
	return types
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, within time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition never held")
}
