package server

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/mousefox/mousefox/feed"
	"github.com/mousefox/mousefox/game"
	"github.com/mousefox/mousefox/wire"
)

// reapEvery is how often the registry sweeps for idle sessions.
const reapEvery = 30 * time.Second

// registry owns every live session: name uniqueness, the directory, session
// lifecycle and the idle reaper.
type registry struct {
	policy Policy
	rules  game.Rules
	clock  clockwork.Clock
	logger zerolog.Logger
	feed   feed.Publisher

	mu       sync.Mutex
	sessions map[string]*session
}

func newRegistry(policy Policy, rules game.Rules, clock clockwork.Clock, logger zerolog.Logger, pub feed.Publisher) *registry {
	return &registry{
		policy:   policy,
		rules:    rules,
		clock:    clock,
		logger:   logger,
		feed:     pub,
		sessions: make(map[string]*session),
	}
}

// create registers a new session and joins the creator to it. Of two
// concurrent creates for the same name exactly one wins; the loser changes
// nothing.
func (r *registry) create(m *member, req wire.CreateData) (wire.SnapshotData, error) {
	if req.Name == "" {
		return wire.SnapshotData{}, fmt.Errorf("create: %w: game name required", wire.ErrBadRequest)
	}
	if r.policy.CreateRequiresAdmin && !m.admin {
		return wire.SnapshotData{}, fmt.Errorf("create %q: %w: admin only", req.Name, wire.ErrPermissionDenied)
	}
	if m.session.Load() != nil {
		return wire.SnapshotData{}, fmt.Errorf("create %q: %w: already in a game", req.Name, wire.ErrBadRequest)
	}

	s, err := newSession(req.Name, r.rules, req, r.policy, r.clock, r.logger)
	if err != nil {
		return wire.SnapshotData{}, err
	}

	r.mu.Lock()
	if _, ok := r.sessions[req.Name]; ok {
		r.mu.Unlock()
		return wire.SnapshotData{}, fmt.Errorf("create %q: %w", req.Name, wire.ErrNameConflict)
	}
	if r.policy.MaxSessions > 0 && len(r.sessions) >= r.policy.MaxSessions {
		r.mu.Unlock()
		return wire.SnapshotData{}, fmt.Errorf("create %q: %w", req.Name, wire.ErrServerFull)
	}
	r.sessions[req.Name] = s
	r.mu.Unlock()

	snap, err := s.join(m, req.Password)
	if err != nil {
		// The creator could not enter its own game; drop the empty shell.
		r.remove(req.Name)
		return wire.SnapshotData{}, err
	}
	m.session.Store(s)

	r.logger.Info().
		Str("game", req.Name).
		Str("username", m.username).
		Bool("unlisted", req.Unlisted).
		Msg("game created")
	r.publish(feed.SessionCreated, req.Name, m.username, snap.Revision)
	r.publish(feed.ClientJoined, req.Name, m.username, snap.Revision)
	return snap, nil
}

func (r *registry) join(m *member, req wire.JoinData) (wire.SnapshotData, error) {
	if m.session.Load() != nil {
		return wire.SnapshotData{}, fmt.Errorf("join %q: %w: already in a game", req.Name, wire.ErrBadRequest)
	}
	r.mu.Lock()
	s, ok := r.sessions[req.Name]
	r.mu.Unlock()
	if !ok {
		return wire.SnapshotData{}, fmt.Errorf("join %q: %w", req.Name, wire.ErrNotFound)
	}

	snap, err := s.join(m, req.Password)
	if err != nil {
		return wire.SnapshotData{}, err
	}
	m.session.Store(s)

	r.logger.Info().Str("game", req.Name).Str("username", m.username).Msg("client joined game")
	r.publish(feed.ClientJoined, req.Name, m.username, snap.Revision)
	return snap, nil
}

// leave detaches m from its session, if any. Leaving twice is a no-op.
func (r *registry) leave(m *member) {
	s := m.session.Load()
	if s == nil {
		return
	}
	m.session.Store(nil)
	s.leave(m)

	r.logger.Info().Str("game", s.name).Str("username", m.username).Msg("client left game")
	r.publish(feed.ClientLeft, s.name, m.username, s.snapshot().Revision)
}

// close evicts every member and removes the session.
func (r *registry) close(name, reason string) error {
	r.mu.Lock()
	s, ok := r.sessions[name]
	if ok {
		delete(r.sessions, name)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("close %q: %w", name, wire.ErrNotFound)
	}

	for _, m := range s.closeAndEvict(reason) {
		// Clear membership only if the member has not already moved on.
		m.session.CompareAndSwap(s, nil)
	}
	r.logger.Info().Str("game", name).Str("reason", reason).Msg("game closed")
	r.publish(feed.SessionClosed, name, "", 0)
	return nil
}

func (r *registry) closeAll(reason string) {
	r.mu.Lock()
	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	r.mu.Unlock()
	for _, name := range names {
		r.close(name, reason)
	}
}

func (r *registry) remove(name string) {
	r.mu.Lock()
	delete(r.sessions, name)
	r.mu.Unlock()
}

// directory lists joinable games sorted by name. Unlisted games are left
// out; they remain joinable by anyone who knows the name.
func (r *registry) directory() wire.GamesData {
	r.mu.Lock()
	listed := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if !s.unlisted {
			listed = append(listed, s)
		}
	}
	r.mu.Unlock()

	games := make([]wire.GameInfo, 0, len(listed))
	for _, s := range listed {
		games = append(games, s.info())
	}
	sort.Slice(games, func(i, j int) bool { return games[i].Name < games[j].Name })
	return wire.GamesData{Games: games}
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// runReaper closes sessions that sit empty past the idle timeout. It runs
// until ctx is done.
func (r *registry) runReaper(ctx context.Context) {
	if r.policy.SessionIdleTimeout <= 0 {
		return
	}
	ticker := r.clock.NewTicker(reapEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.reapIdle()
		}
	}
}

// reapIdle sweeps once for expired sessions.
func (r *registry) reapIdle() {
	timeout := r.policy.SessionIdleTimeout
	var expired []string
	r.mu.Lock()
	for name, s := range r.sessions {
		if at, ok := s.idleSince(); ok && r.clock.Since(at) >= timeout {
			expired = append(expired, name)
		}
	}
	r.mu.Unlock()

	for _, name := range expired {
		r.logger.Info().Str("game", name).Dur("idle_timeout", timeout).Msg("closing idle game")
		r.close(name, "game expired while empty")
	}
}

func (r *registry) publish(typ feed.Type, gameName, username string, rev uint64) {
	if r.feed == nil {
		return
	}
	evt := feed.Event{
		Type:     typ,
		Game:     gameName,
		Username: username,
		Revision: rev,
		At:       r.clock.Now(),
	}
	if err := r.feed.Publish(context.Background(), evt); err != nil {
		r.logger.Warn().Err(err).Str("event", string(typ)).Msg("feed publish failed")
	}
}
