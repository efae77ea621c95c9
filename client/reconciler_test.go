package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/mousefox/mousefox/game"
	"github.com/mousefox/mousefox/wire"
)

// counter is the test game: a shared click counter that tracks membership.
type counter struct {
	Clicks  int      `json:"clicks"`
	Players []string `json:"players"`
}

func counterRules() game.Rules {
	return game.JSON[counter]{
		Initial: func() counter { return counter{} },
		Move: func(s counter, m game.Move) (counter, error) {
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
		Joined: func(s counter, player string) (counter, error) {
			s.Players = append(append([]string(nil), s.Players...), player)
			return s, nil
		},
		Left: func(s counter, player string) (counter, error) {
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

func click() json.RawMessage {
	return json.RawMessage(`{"op":"click"}`)
}

// encoded returns the canonical encoding of s and its digest, the same way
// the server computes them.
func encoded(t *testing.T, s counter) (json.RawMessage, string) {
	t.Helper()
	raw, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal state: %v", err)
	}
	return raw, wire.Digest(raw)
}

func syncedReconciler(t *testing.T, s counter, rev uint64) *reconciler {
	t.Helper()
	r := newReconciler(counterRules())
	raw, _ := encoded(t, s)
	if err := r.adopt(wire.SnapshotData{Game: "skirmish", Revision: rev, State: raw}); err != nil {
		t.Fatalf("adopt: %v", err)
	}
	return r
}

func TestReconcilerReplaysDeltas(t *testing.T) {
	r := syncedReconciler(t, counter{Players: []string{"ada"}}, 1)

	_, d2 := encoded(t, counter{Players: []string{"ada", "brin"}})
	applied, err := r.apply(wire.UpdateData{Game: "skirmish", Revision: 2, Joined: "brin", Digest: d2})
	if err != nil || !applied {
		t.Fatalf("join delta: applied=%v err=%v", applied, err)
	}

	_, d3 := encoded(t, counter{Clicks: 1, Players: []string{"ada", "brin"}})
	applied, err = r.apply(wire.UpdateData{
		Game:     "skirmish",
		Revision: 3,
		Move:     &wire.MoveEcho{Player: "ada", Data: click()},
		Digest:   d3,
	})
	if err != nil || !applied {
		t.Fatalf("move delta: applied=%v err=%v", applied, err)
	}

	_, d4 := encoded(t, counter{Clicks: 1, Players: []string{"ada"}})
	applied, err = r.apply(wire.UpdateData{Game: "skirmish", Revision: 4, Left: "brin", Digest: d4})
	if err != nil || !applied {
		t.Fatalf("leave delta: applied=%v err=%v", applied, err)
	}

	state, rev := r.current()
	if rev != 4 {
		t.Fatalf("expected revision 4, got %d", rev)
	}
	got := state.(counter)
	if got.Clicks != 1 || len(got.Players) != 1 || got.Players[0] != "ada" {
		t.Fatalf("unexpected replica: %+v", got)
	}
	if r.currentPhase() != PhaseSynced {
		t.Fatalf("expected synced, got %s", r.currentPhase())
	}
}

func TestReconcilerDropsStaleAndForeignUpdates(t *testing.T) {
	r := syncedReconciler(t, counter{}, 5)

	for name, u := range map[string]wire.UpdateData{
		"stale":      {Game: "skirmish", Revision: 5, Joined: "brin"},
		"older":      {Game: "skirmish", Revision: 2, Joined: "brin"},
		"other game": {Game: "elsewhere", Revision: 6, Joined: "brin"},
	} {
		applied, err := r.apply(u)
		if err != nil || applied {
			t.Fatalf("%s update: applied=%v err=%v", name, applied, err)
		}
	}
	if _, rev := r.current(); rev != 5 {
		t.Fatalf("expected revision still 5, got %d", rev)
	}
}

func TestReconcilerFlagsRevisionGap(t *testing.T) {
	r := syncedReconciler(t, counter{}, 5)

	_, d := encoded(t, counter{Clicks: 1})
	_, err := r.apply(wire.UpdateData{
		Game:     "skirmish",
		Revision: 7,
		Move:     &wire.MoveEcho{Player: "ada", Data: click()},
		Digest:   d,
	})
	if !errors.Is(err, errOutOfSync) {
		t.Fatalf("expected out of sync, got %v", err)
	}
	if _, rev := r.current(); rev != 5 {
		t.Fatalf("expected revision still 5, got %d", rev)
	}
}

func TestReconcilerFlagsDigestMismatch(t *testing.T) {
	r := syncedReconciler(t, counter{}, 1)

	_, err := r.apply(wire.UpdateData{
		Game:     "skirmish",
		Revision: 2,
		Move:     &wire.MoveEcho{Player: "ada", Data: click()},
		Digest:   "not the real digest",
	})
	if !errors.Is(err, errOutOfSync) {
		t.Fatalf("expected out of sync, got %v", err)
	}
	state, rev := r.current()
	if rev != 1 || state.(counter).Clicks != 0 {
		t.Fatalf("mismatched delta must not stick: rev=%d state=%+v", rev, state)
	}
}

func TestReconcilerAdoptsFullStatePush(t *testing.T) {
	r := syncedReconciler(t, counter{}, 1)

	// Full-state pushes may jump revisions.
	raw, d := encoded(t, counter{Clicks: 9})
	applied, err := r.apply(wire.UpdateData{Game: "skirmish", Revision: 12, State: raw, Digest: d})
	if err != nil || !applied {
		t.Fatalf("full-state update: applied=%v err=%v", applied, err)
	}
	state, rev := r.current()
	if rev != 12 || state.(counter).Clicks != 9 {
		t.Fatalf("unexpected replica: rev=%d state=%+v", rev, state)
	}
}

func TestReconcilerPhases(t *testing.T) {
	r := newReconciler(counterRules())
	if r.currentPhase() != PhaseDisconnected {
		t.Fatalf("expected disconnected, got %s", r.currentPhase())
	}

	raw, _ := encoded(t, counter{Clicks: 3})
	if err := r.adopt(wire.SnapshotData{Game: "skirmish", Revision: 4, State: raw}); err != nil {
		t.Fatalf("adopt: %v", err)
	}
	if r.currentPhase() != PhaseSynced {
		t.Fatalf("expected synced, got %s", r.currentPhase())
	}

	r.markResyncing()
	if r.currentPhase() != PhaseResyncing {
		t.Fatalf("expected resyncing, got %s", r.currentPhase())
	}

	// The replica survives a suspend so UIs can keep rendering it.
	r.suspend()
	if state, rev := r.current(); rev != 4 || state.(counter).Clicks != 3 {
		t.Fatalf("suspend must keep the replica: rev=%d state=%+v", rev, state)
	}

	r.reset()
	if state, rev := r.current(); rev != 0 || state != nil {
		t.Fatalf("reset must drop the replica: rev=%d state=%+v", rev, state)
	}
	if r.currentPhase() != PhaseDisconnected {
		t.Fatalf("expected disconnected, got %s", r.currentPhase())
	}
}

func TestReconcilerIgnoresUpdatesWhileDisconnected(t *testing.T) {
	r := newReconciler(counterRules())

	applied, err := r.apply(wire.UpdateData{Game: "skirmish", Revision: 1, Joined: "ada"})
	if err != nil || applied {
		t.Fatalf("expected silent drop, got applied=%v err=%v", applied, err)
	}
}
