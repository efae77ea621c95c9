package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/mousefox/mousefox/game"
	"github.com/mousefox/mousefox/wire"
)

// session is one hosted game: the authoritative state, its revision counter
// and the members updates fan out to. Every mutation serializes through mu,
// so members observe a single gapless revision stream per game. Distinct
// sessions share nothing and proceed in parallel.
type session struct {
	name       string
	rules      game.Rules
	password   string
	unlisted   bool
	maxMembers int
	pushState  bool
	createdAt  time.Time
	clock      clockwork.Clock
	logger     zerolog.Logger

	mu      sync.Mutex
	state   game.State
	rev     uint64
	encoded []byte
	digest  string
	members map[string]*member
	closed  bool
	idleAt  time.Time
}

func newSession(name string, rules game.Rules, req wire.CreateData, policy Policy, clock clockwork.Clock, logger zerolog.Logger) (*session, error) {
	state := rules.NewState()
	encoded, err := rules.EncodeState(state)
	if err != nil {
		return nil, fmt.Errorf("%w: encode initial state: %v", wire.ErrInternal, err)
	}
	now := clock.Now()
	return &session{
		name:       name,
		rules:      rules,
		password:   req.Password,
		unlisted:   req.Unlisted,
		maxMembers: policy.MaxClientsPerSession,
		pushState:  policy.PushSnapshots,
		createdAt:  now,
		clock:      clock,
		logger:     logger.With().Str("game", name).Logger(),
		state:      state,
		encoded:    encoded,
		digest:     wire.Digest(encoded),
		members:    make(map[string]*member),
		idleAt:     now,
	}, nil
}

// apply runs one move through the rules, bumps the revision and fans the
// update out to every member.
func (s *session) apply(player string, data json.RawMessage) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("move in %q: %w", s.name, wire.ErrNotFound)
	}
	next, err := s.rules.Apply(s.state, game.Move{Player: player, Data: data})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", wire.ErrRejected, err)
	}
	if err := s.commitLocked(next); err != nil {
		return 0, err
	}
	s.broadcastLocked(wire.UpdateData{
		Game:     s.name,
		Revision: s.rev,
		Move:     &wire.MoveEcho{Player: player, Data: data},
		Digest:   s.digest,
	})
	return s.rev, nil
}

// join admits a member and returns the snapshot it should adopt. Existing
// members see the join as a delta before the snapshot is cut, so both views
// land on the same revision.
func (s *session) join(m *member, password string) (wire.SnapshotData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return wire.SnapshotData{}, fmt.Errorf("join %q: %w", s.name, wire.ErrNotFound)
	}
	if s.password != "" && password != s.password {
		return wire.SnapshotData{}, fmt.Errorf("join %q: %w: wrong game password", s.name, wire.ErrPermissionDenied)
	}
	if _, ok := s.members[m.username]; ok {
		return wire.SnapshotData{}, fmt.Errorf("join %q: %w: already a member", s.name, wire.ErrBadRequest)
	}
	if s.maxMembers > 0 && len(s.members) >= s.maxMembers {
		return wire.SnapshotData{}, fmt.Errorf("join %q: %w", s.name, wire.ErrSessionFull)
	}

	if mr, ok := s.rules.(game.MemberRules); ok {
		next, err := mr.MemberJoined(s.state, m.username)
		switch {
		case err == nil:
			if err := s.commitLocked(next); err != nil {
				return wire.SnapshotData{}, err
			}
			s.broadcastLocked(wire.UpdateData{
				Game:     s.name,
				Revision: s.rev,
				Joined:   m.username,
				Digest:   s.digest,
			})
		case errors.Is(err, game.ErrNoChange):
		default:
			return wire.SnapshotData{}, fmt.Errorf("join %q: %w: %v", s.name, wire.ErrSessionFull, err)
		}
	}

	s.members[m.username] = m
	s.idleAt = time.Time{}
	return s.snapshotLocked(), nil
}

// leave removes a member. It never fails: a member that is not present is
// already gone.
func (s *session) leave(m *member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[m.username]; !ok {
		return
	}
	delete(s.members, m.username)

	if !s.closed {
		if mr, ok := s.rules.(game.MemberRules); ok {
			next, err := mr.MemberLeft(s.state, m.username)
			switch {
			case err == nil:
				if err := s.commitLocked(next); err != nil {
					s.logger.Error().Err(err).Str("username", m.username).Msg("leave mutation failed")
					break
				}
				s.broadcastLocked(wire.UpdateData{
					Game:     s.name,
					Revision: s.rev,
					Left:     m.username,
					Digest:   s.digest,
				})
			case errors.Is(err, game.ErrNoChange):
			default:
				s.logger.Warn().Err(err).Str("username", m.username).Msg("leave hook rejected, state unchanged")
			}
		}
	}

	if len(s.members) == 0 {
		s.idleAt = s.clock.Now()
	}
}

// closeAndEvict marks the session closed and tells every member why. It
// returns the evicted members so the registry can clear their membership.
func (s *session) closeAndEvict(reason string) []*member {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	frame, err := wire.NewPush(wire.PushEvicted, wire.EvictedData{Game: s.name, Reason: reason})
	evicted := make([]*member, 0, len(s.members))
	for username, m := range s.members {
		if err == nil && !m.conn.TrySend(frame) {
			s.logger.Warn().Str("username", username).Msg("member outbox full, eviction notice dropped")
		}
		evicted = append(evicted, m)
	}
	s.members = make(map[string]*member)
	return evicted
}

func (s *session) snapshot() wire.SnapshotData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *session) info() wire.GameInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return wire.GameInfo{
		Name:      s.name,
		Users:     len(s.members),
		Protected: s.password != "",
		Revision:  s.rev,
		CreatedAt: s.createdAt,
	}
}

func (s *session) userCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members)
}

// idleSince reports when the session became empty, or false while occupied.
func (s *session) idleSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.members) > 0 || s.idleAt.IsZero() {
		return time.Time{}, false
	}
	return s.idleAt, true
}

// commitLocked swaps in the post-mutation state and advances the revision.
func (s *session) commitLocked(next game.State) error {
	encoded, err := s.rules.EncodeState(next)
	if err != nil {
		return fmt.Errorf("%w: encode state: %v", wire.ErrInternal, err)
	}
	s.state = next
	s.encoded = encoded
	s.digest = wire.Digest(encoded)
	s.rev++
	return nil
}

// broadcastLocked pushes an update to every member without blocking. A full
// member outbox drops the frame; the client notices the revision gap and
// resyncs from a snapshot.
func (s *session) broadcastLocked(update wire.UpdateData) {
	if s.pushState {
		update.Move = nil
		update.Joined = ""
		update.Left = ""
		update.State = s.encoded
	}
	frame, err := wire.NewPush(wire.PushUpdate, update)
	if err != nil {
		s.logger.Error().Err(err).Msg("encode update push")
		return
	}
	for username, m := range s.members {
		if !m.conn.TrySend(frame) {
			s.logger.Warn().
				Str("username", username).
				Uint64("revision", update.Revision).
				Msg("member outbox full, dropping update")
		}
	}
}

func (s *session) snapshotLocked() wire.SnapshotData {
	return wire.SnapshotData{
		Game:     s.name,
		Revision: s.rev,
		State:    json.RawMessage(s.encoded),
		Digest:   s.digest,
	}
}
