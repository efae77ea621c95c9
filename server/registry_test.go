package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/mousefox/mousefox/feed"
	"github.com/mousefox/mousefox/wire"
)

func testRegistry(t *testing.T, policy Policy, pub feed.Publisher) (*registry, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	return newRegistry(policy, testRules(), clock, zerolog.Nop(), pub), clock
}

func registryMember(username string) *member {
	return newMember(username, false, newFakeConn(64))
}

func TestRegistryCreateJoinsCreator(t *testing.T) {
	r, _ := testRegistry(t, Policy{}, nil)
	m := registryMember("ada")

	snap, err := r.create(m, wire.CreateData{Name: "skirmish"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if snap.Game != "skirmish" || snap.Revision != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if m.session.Load() == nil {
		t.Fatal("expected creator to be joined")
	}
	if r.count() != 1 {
		t.Fatalf("expected 1 session, got %d", r.count())
	}
}

func TestRegistryCreateConflict(t *testing.T) {
	r, _ := testRegistry(t, Policy{}, nil)
	if _, err := r.create(registryMember("ada"), wire.CreateData{Name: "skirmish"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err := r.create(registryMember("brin"), wire.CreateData{Name: "skirmish"})
	if !errors.Is(err, wire.ErrNameConflict) {
		t.Fatalf("expected ErrNameConflict, got %v", err)
	}
}

func TestRegistryCreateReservedForAdmins(t *testing.T) {
	r, _ := testRegistry(t, Policy{CreateRequiresAdmin: true}, nil)

	_, err := r.create(registryMember("ada"), wire.CreateData{Name: "skirmish"})
	if !errors.Is(err, wire.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if r.count() != 0 {
		t.Fatalf("expected no sessions, got %d", r.count())
	}

	root := newMember("root", true, newFakeConn(64))
	if _, err := r.create(root, wire.CreateData{Name: "skirmish"}); err != nil {
		t.Fatalf("admin create: %v", err)
	}

	// Joining stays open to everyone.
	brin := registryMember("brin")
	if _, err := r.join(brin, wire.JoinData{Name: "skirmish"}); err != nil {
		t.Fatalf("join: %v", err)
	}
}

func TestRegistryConcurrentCreateOneWinner(t *testing.T) {
	r, _ := testRegistry(t, Policy{}, nil)

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	members := make([]*member, racers)
	for i := 0; i < racers; i++ {
		members[i] = registryMember(string(rune('a' + i)))
	}
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.create(members[i], wire.CreateData{Name: "skirmish"})
		}(i)
	}
	wg.Wait()

	winners := 0
	for i, err := range errs {
		switch {
		case err == nil:
			winners++
			if members[i].session.Load() == nil {
				t.Errorf("winner %d has no session", i)
			}
		case errors.Is(err, wire.ErrNameConflict):
			if members[i].session.Load() != nil {
				t.Errorf("loser %d was joined anyway", i)
			}
		default:
			t.Errorf("racer %d: unexpected error %v", i, err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
	if r.count() != 1 {
		t.Fatalf("expected 1 session, got %d", r.count())
	}
}

func TestRegistryCreateServerFull(t *testing.T) {
	r, _ := testRegistry(t, Policy{MaxSessions: 1}, nil)
	if _, err := r.create(registryMember("ada"), wire.CreateData{Name: "one"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err := r.create(registryMember("brin"), wire.CreateData{Name: "two"})
	if !errors.Is(err, wire.ErrServerFull) {
		t.Fatalf("expected ErrServerFull, got %v", err)
	}
}

func TestRegistryCreateRequiresName(t *testing.T) {
	r, _ := testRegistry(t, Policy{}, nil)
	_, err := r.create(registryMember("ada"), wire.CreateData{})
	if !errors.Is(err, wire.ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
}

func TestRegistryJoinNotFound(t *testing.T) {
	r, _ := testRegistry(t, Policy{}, nil)
	_, err := r.join(registryMember("ada"), wire.JoinData{Name: "nowhere"})
	if !errors.Is(err, wire.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistryJoinWhileJoined(t *testing.T) {
	r, _ := testRegistry(t, Policy{}, nil)
	ada := registryMember("ada")
	if _, err := r.create(ada, wire.CreateData{Name: "one"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.create(registryMember("brin"), wire.CreateData{Name: "two"}); err != nil {
		t.Fatalf("create two: %v", err)
	}

	if _, err := r.join(ada, wire.JoinData{Name: "two"}); !errors.Is(err, wire.ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
	if _, err := r.create(ada, wire.CreateData{Name: "three"}); !errors.Is(err, wire.ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest on create while joined, got %v", err)
	}
}

func TestRegistryLeaveIsIdempotent(t *testing.T) {
	r, _ := testRegistry(t, Policy{}, nil)
	ada := registryMember("ada")
	if _, err := r.create(ada, wire.CreateData{Name: "skirmish"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	r.leave(ada)
	if ada.session.Load() != nil {
		t.Fatal("expected membership cleared")
	}
	r.leave(ada) // second leave is a no-op

	// The empty session stays in the directory until the reaper expires it.
	if r.count() != 1 {
		t.Fatalf("expected session kept, got %d", r.count())
	}
}

func TestRegistryCloseEvictsMembers(t *testing.T) {
	r, _ := testRegistry(t, Policy{}, nil)
	ada := registryMember("ada")
	if _, err := r.create(ada, wire.CreateData{Name: "skirmish"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := r.close("skirmish", "closed by admin"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if ada.session.Load() != nil {
		t.Fatal("expected membership cleared on close")
	}
	if r.count() != 0 {
		t.Fatalf("expected no sessions, got %d", r.count())
	}
	if err := r.close("skirmish", "again"); !errors.Is(err, wire.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistryDirectory(t *testing.T) {
	r, _ := testRegistry(t, Policy{}, nil)
	if _, err := r.create(registryMember("ada"), wire.CreateData{Name: "zulu"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.create(registryMember("brin"), wire.CreateData{Name: "alpha", Password: "pw"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.create(registryMember("ceres"), wire.CreateData{Name: "hidden", Unlisted: true}); err != nil {
		t.Fatalf("create: %v", err)
	}

	dir := r.directory()
	if len(dir.Games) != 2 {
		t.Fatalf("expected 2 listed games, got %d", len(dir.Games))
	}
	if dir.Games[0].Name != "alpha" || dir.Games[1].Name != "zulu" {
		t.Fatalf("expected sorted directory, got %+v", dir.Games)
	}
	if !dir.Games[0].Protected {
		t.Fatal("expected alpha to be password protected")
	}
	if dir.Games[0].Users != 1 {
		t.Fatalf("expected 1 user in alpha, got %d", dir.Games[0].Users)
	}

	// Unlisted games stay joinable by name.
	if _, err := r.join(registryMember("dot"), wire.JoinData{Name: "hidden"}); err != nil {
		t.Fatalf("join unlisted: %v", err)
	}
}

func TestRegistryReapsIdleSessions(t *testing.T) {
	policy := Policy{SessionIdleTimeout: time.Minute}
	r, clock := testRegistry(t, policy, nil)

	ada := registryMember("ada")
	if _, err := r.create(ada, wire.CreateData{Name: "skirmish"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	r.leave(ada)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.runReaper(ctx)
	clock.BlockUntil(1)

	// Not expired yet after half the timeout.
	clock.Advance(reapEvery)
	eventually(t, time.Second, func() bool { return r.count() == 1 })

	clock.Advance(policy.SessionIdleTimeout + reapEvery)
	eventually(t, time.Second, func() bool { return r.count() == 0 })
}

func TestRegistryReapSkipsOccupiedSessions(t *testing.T) {
	policy := Policy{SessionIdleTimeout: time.Minute}
	r, clock := testRegistry(t, policy, nil)

	if _, err := r.create(registryMember("ada"), wire.CreateData{Name: "busy"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	clock.Advance(policy.SessionIdleTimeout * 3)
	r.reapIdle()
	if r.count() != 1 {
		t.Fatal("expected occupied session to survive the reaper")
	}
}

func TestRegistryPublishesLifecycleEvents(t *testing.T) {
	pub := &capturingFeed{}
	r, _ := testRegistry(t, Policy{}, pub)

	ada := registryMember("ada")
	if _, err := r.create(ada, wire.CreateData{Name: "skirmish"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	brin := registryMember("brin")
	if _, err := r.join(brin, wire.JoinData{Name: "skirmish"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	r.leave(brin)
	if err := r.close("skirmish", "done"); err != nil {
		t.Fatalf("close: %v", err)
	}

	want := []feed.Type{
		feed.SessionCreated,
		feed.ClientJoined,
		feed.ClientJoined,
		feed.ClientLeft,
		feed.SessionClosed,
	}
	got := pub.types()
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}
