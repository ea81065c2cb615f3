package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adwski/gamehub/model"
)

func newTestRegistry(interval time.Duration) *Registry {
	logger := zerolog.Nop()
	return NewRegistry(Config{Logger: &logger, HeartbeatInterval: interval})
}

func bufferedWire() model.Wire {
	return model.Wire{
		RX: make(chan model.Envelope, 16),
		TX: make(chan model.Envelope, 16),
	}
}

func TestSnapshotHasNoDuplicates(t *testing.T) {
	r := newTestRegistry(time.Minute)

	for _, userID := range []string{"alice", "bob", "alice", "alice"} {
		r.Register(model.Identity{UserID: userID, DisplayName: userID}, bufferedWire(), func() {})
	}

	snapshot := r.Snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snapshot))
	}
	seen := make(map[string]bool)
	for _, id := range snapshot {
		if seen[id.UserID] {
			t.Fatalf("duplicate userID in snapshot: %s", id.UserID)
		}
		seen[id.UserID] = true
	}
}

func TestDuplicateRegistrationEvictsOldConnection(t *testing.T) {
	r := newTestRegistry(time.Minute)

	evicted := make(chan struct{}, 1)
	r.Register(model.Identity{UserID: "alice"}, bufferedWire(), func() { evicted <- struct{}{} })

	second := bufferedWire()
	r.Register(model.Identity{UserID: "alice"}, second, func() {})

	select {
	case <-evicted:
	case <-time.After(time.Second):
		t.Fatal("expected old connection to be canceled")
	}

	if !r.Send("alice", model.Envelope{Type: model.TypeHeartbeatAck}) {
		t.Fatal("send to re-registered user failed")
	}
	select {
	case <-second.TX:
	default:
		t.Fatal("expected envelope on the new wire")
	}
}

func TestUnregisterFiresOfflineHookOnce(t *testing.T) {
	r := newTestRegistry(time.Minute)

	var (
		mx    sync.Mutex
		calls []string
	)
	r.SetOfflineHook(func(userID string) {
		mx.Lock()
		calls = append(calls, userID)
		mx.Unlock()
	})

	r.Register(model.Identity{UserID: "alice"}, bufferedWire(), func() {})
	r.Unregister("alice")
	r.Unregister("alice")
	r.Unregister("nobody")

	mx.Lock()
	defer mx.Unlock()
	if len(calls) != 1 || calls[0] != "alice" {
		t.Fatalf("expected exactly one offline cascade for alice, got %v", calls)
	}
	if r.Online("alice") {
		t.Fatal("alice should be offline")
	}
}

func TestUnregisterWireIgnoresReplacedConnection(t *testing.T) {
	r := newTestRegistry(time.Minute)

	first := bufferedWire()
	second := bufferedWire()
	r.Register(model.Identity{UserID: "alice"}, first, func() {})
	r.Register(model.Identity{UserID: "alice"}, second, func() {})

	// the replaced connection's late teardown must not evict the new one
	r.UnregisterWire("alice", first)
	if !r.Online("alice") {
		t.Fatal("re-registered user must survive the old connection's teardown")
	}

	r.UnregisterWire("alice", second)
	if r.Online("alice") {
		t.Fatal("alice should be offline")
	}
}

func TestSendToUnknownUser(t *testing.T) {
	r := newTestRegistry(time.Minute)
	if r.Send("nobody", model.Envelope{Type: model.TypeHeartbeatAck}) {
		t.Fatal("send to unknown user must fail")
	}
}

func TestIdentityLookup(t *testing.T) {
	r := newTestRegistry(time.Minute)
	r.Register(model.Identity{UserID: "alice", DisplayName: "Alice"}, bufferedWire(), func() {})

	id, err := r.Identity("alice")
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	if id.DisplayName != "Alice" {
		t.Fatalf("expected display name Alice, got %s", id.DisplayName)
	}
	if _, err = r.Identity("nobody"); err != ErrNotRegistered {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}

func TestSupervisionEvictsSilentConnections(t *testing.T) {
	r := newTestRegistry(10 * time.Millisecond)

	offline := make(chan string, 2)
	r.SetOfflineHook(func(userID string) { offline <- userID })

	r.Register(model.Identity{UserID: "silent"}, bufferedWire(), func() {})
	r.Register(model.Identity{UserID: "chatty"}, bufferedWire(), func() {})

	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go r.Supervise(ctx, wg)

	// keep one connection warm past the 2x interval deadline
	keepAlive := time.NewTicker(5 * time.Millisecond)
	defer keepAlive.Stop()
	deadline := time.After(2 * time.Second)

	var evictedUser string
WaitLoop:
	for {
		select {
		case <-keepAlive.C:
			r.Touch("chatty")
		case evictedUser = <-offline:
			break WaitLoop
		case <-deadline:
			t.Fatal("expected silent connection to be evicted")
		}
	}
	cancel()
	wg.Wait()

	if evictedUser != "silent" {
		t.Fatalf("expected silent to be evicted, got %s", evictedUser)
	}
	if !r.Online("chatty") {
		t.Fatal("connection with inbound traffic must survive supervision")
	}
}
