package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/mousefox/mousefox/game"
	"github.com/mousefox/mousefox/wire"
)

// Phase describes the state of the local replica.
type Phase string

const (
	// PhaseDisconnected means there is no live replica: the client is not
	// in a game, or the link is down.
	PhaseDisconnected Phase = "disconnected"
	// PhaseSynced means the replica tracks the server revision by revision.
	PhaseSynced Phase = "synced"
	// PhaseResyncing means a gap was detected and a fresh snapshot is on
	// its way.
	PhaseResyncing Phase = "resyncing"
)

// errOutOfSync means the replica cannot follow the revision stream anymore
// and must adopt a fresh snapshot.
var errOutOfSync = errors.New("replica out of sync")

// reconciler maintains the local replica of the joined game's state. Deltas
// are replayed through the game rules and verified against the server's
// digest; anything it cannot follow surfaces as errOutOfSync.
type reconciler struct {
	rules game.Rules

	mu    sync.Mutex
	game  string
	state game.State
	rev   uint64
	phase Phase
}

func newReconciler(rules game.Rules) *reconciler {
	return &reconciler{rules: rules, phase: PhaseDisconnected}
}

// adopt replaces the replica with a server snapshot.
func (r *reconciler) adopt(snap wire.SnapshotData) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.adoptLocked(snap.Game, snap.Revision, snap.State)
}

func (r *reconciler) adoptLocked(gameName string, rev uint64, raw json.RawMessage) error {
	state, err := r.rules.DecodeState(raw)
	if err != nil {
		return fmt.Errorf("decode state for %q: %w", gameName, err)
	}
	r.game, r.state, r.rev, r.phase = gameName, state, rev, PhaseSynced
	return nil
}

// apply folds one update push into the replica and reports whether it
// advanced. Stale updates and updates for other games are dropped silently;
// errOutOfSync asks the caller to resync from a snapshot.
func (r *reconciler) apply(u wire.UpdateData) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase == PhaseDisconnected || u.Game != r.game {
		return false, nil
	}
	if u.Revision <= r.rev {
		return false, nil
	}

	// Full-state pushes carry everything needed regardless of gaps.
	if u.State != nil {
		if err := r.adoptLocked(u.Game, u.Revision, u.State); err != nil {
			return false, fmt.Errorf("%w: %v", errOutOfSync, err)
		}
		return true, nil
	}

	if u.Revision != r.rev+1 {
		return false, fmt.Errorf("%w: revision gap, have %d got %d", errOutOfSync, r.rev, u.Revision)
	}
	next, err := r.replayLocked(u)
	if err != nil {
		return false, err
	}
	if u.Digest != "" {
		enc, err := r.rules.EncodeState(next)
		if err != nil {
			return false, fmt.Errorf("%w: encode replica: %v", errOutOfSync, err)
		}
		if wire.Digest(enc) != u.Digest {
			return false, fmt.Errorf("%w: digest mismatch at revision %d", errOutOfSync, u.Revision)
		}
	}
	r.state, r.rev = next, u.Revision
	return true, nil
}

// replayLocked runs the delta through the same rules the server used.
func (r *reconciler) replayLocked(u wire.UpdateData) (game.State, error) {
	switch {
	case u.Move != nil:
		next, err := r.rules.Apply(r.state, game.Move{Player: u.Move.Player, Data: u.Move.Data})
		if err != nil {
			if errors.Is(err, game.ErrNoChange) {
				return r.state, nil
			}
			return nil, fmt.Errorf("%w: replay move by %q: %v", errOutOfSync, u.Move.Player, err)
		}
		return next, nil

	case u.Joined != "" || u.Left != "":
		mr, ok := r.rules.(game.MemberRules)
		if !ok {
			return nil, fmt.Errorf("%w: membership delta without member rules", errOutOfSync)
		}
		var (
			next game.State
			err  error
		)
		if u.Joined != "" {
			next, err = mr.MemberJoined(r.state, u.Joined)
		} else {
			next, err = mr.MemberLeft(r.state, u.Left)
		}
		if err != nil {
			if errors.Is(err, game.ErrNoChange) {
				return r.state, nil
			}
			return nil, fmt.Errorf("%w: replay membership delta: %v", errOutOfSync, err)
		}
		return next, nil
	}

	// An empty delta still advances the revision.
	return r.state, nil
}

// suspend keeps the replica readable while the link is down.
func (r *reconciler) suspend() {
	r.mu.Lock()
	r.phase = PhaseDisconnected
	r.mu.Unlock()
}

// markResyncing flags the replica while a snapshot is in flight.
func (r *reconciler) markResyncing() {
	r.mu.Lock()
	if r.phase == PhaseSynced {
		r.phase = PhaseResyncing
	}
	r.mu.Unlock()
}

// reset drops the replica entirely, for leaves and evictions.
func (r *reconciler) reset() {
	r.mu.Lock()
	r.game, r.state, r.rev, r.phase = "", nil, 0, PhaseDisconnected
	r.mu.Unlock()
}

func (r *reconciler) current() (game.State, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, r.rev
}

func (r *reconciler) currentPhase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}
