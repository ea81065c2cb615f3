package relay

import (
	"bytes"
	"encoding/json"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/adwski/gamehub/model"
)

type captureSender struct {
	mx   sync.Mutex
	sent map[string][]model.Envelope
}

func newCaptureSender() *captureSender {
	return &captureSender{sent: make(map[string][]model.Envelope)}
}

func (cs *captureSender) Send(userID string, env model.Envelope) bool {
	cs.mx.Lock()
	defer cs.mx.Unlock()
	cs.sent[userID] = append(cs.sent[userID], env)
	return true
}

func (cs *captureSender) last(t *testing.T, userID string) model.Envelope {
	t.Helper()
	cs.mx.Lock()
	defer cs.mx.Unlock()
	envs := cs.sent[userID]
	if len(envs) == 0 {
		t.Fatalf("no envelopes sent to %s", userID)
	}
	return envs[len(envs)-1]
}

func (cs *captureSender) count(userID string) int {
	cs.mx.Lock()
	defer cs.mx.Unlock()
	return len(cs.sent[userID])
}

var (
	alice = model.Identity{UserID: "alice", DisplayName: "Alice"}
	bob   = model.Identity{UserID: "bob", DisplayName: "Bob"}
)

func newTestRelay() (*Relay, *captureSender) {
	logger := zerolog.Nop()
	cs := newCaptureSender()
	return NewRelay(Config{Logger: &logger, Sender: cs}), cs
}

func mustStart(t *testing.T, r *Relay, inviteID, gameType string, a, b model.Identity) Session {
	t.Helper()
	sess, err := r.Start(inviteID, gameType, a, b)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return sess
}

func TestStartNotifiesBothParticipants(t *testing.T) {
	r, cs := newTestRelay()

	sess := mustStart(t, r, "invite-1", "chess", alice, bob)
	if sess.GameID == "" {
		t.Fatal("expected non-empty game id")
	}
	if sess.CreatedFromInviteID != "invite-1" {
		t.Fatalf("expected session created from invite-1, got %s", sess.CreatedFromInviteID)
	}

	forAlice := cs.last(t, "alice")
	forBob := cs.last(t, "bob")
	if forAlice.Type != model.TypeGameStart || forBob.Type != model.TypeGameStart {
		t.Fatal("both participants must receive game_start")
	}
	if forAlice.GameID != sess.GameID || forBob.GameID != sess.GameID {
		t.Fatal("game_start must carry the same game id for both participants")
	}
	if forAlice.From.UserID != "bob" || forBob.From.UserID != "alice" {
		t.Fatal("game_start must name the opponent")
	}

	if !r.InSession("alice") || !r.InSession("bob") {
		t.Fatal("both participants must be marked in-session")
	}
}

func TestStartRejectsBusyParticipant(t *testing.T) {
	r, cs := newTestRelay()
	carol := model.Identity{UserID: "carol", DisplayName: "Carol"}

	sess := mustStart(t, r, "invite-1", "chess", alice, bob)

	if _, err := r.Start("invite-2", "chess", alice, carol); err != ErrParticipantBusy {
		t.Fatalf("expected ErrParticipantBusy, got %v", err)
	}
	if _, err := r.Start("invite-3", "chess", carol, bob); err != ErrParticipantBusy {
		t.Fatalf("expected ErrParticipantBusy, got %v", err)
	}
	if cs.count("carol") != 0 {
		t.Fatal("a rejected start must not notify anyone")
	}
	if r.InSession("carol") {
		t.Fatal("carol must not be marked in-session by a rejected start")
	}

	// the surviving session is the first one: alice's disconnect must end
	// it and reach bob
	r.DropParticipant("alice")
	got := cs.last(t, "bob")
	if got.Type != model.TypeOpponentDisconnected || got.GameID != sess.GameID {
		t.Fatalf("expected opponent_disconnected for the first game, got %+v", got)
	}
	if r.InSession("alice") || r.InSession("bob") {
		t.Fatal("no session must survive the disconnect")
	}
}

func TestConcurrentStartsShareOneParticipant(t *testing.T) {
	r, _ := newTestRelay()
	carol := model.Identity{UserID: "carol", DisplayName: "Carol"}

	var (
		wg   sync.WaitGroup
		mx   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		peer := bob
		if i%2 == 1 {
			peer = carol
		}
		go func(peer model.Identity) {
			defer wg.Done()
			if _, err := r.Start("invite", "chess", alice, peer); err == nil {
				mx.Lock()
				wins++
				mx.Unlock()
			}
		}(peer)
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one start to win, got %d", wins)
	}
	if !r.InSession("alice") {
		t.Fatal("the winning session must hold alice's slot")
	}
}

func TestMoveReachesOnlyTheOtherParticipant(t *testing.T) {
	r, cs := newTestRelay()
	carol := model.Identity{UserID: "carol", DisplayName: "Carol"}

	sess := mustStart(t, r, "invite-1", "chess", alice, bob)
	mustStart(t, r, "invite-2", "checkers", carol, model.Identity{UserID: "dave"})

	payload := json.RawMessage(`{"from":"e2","to":"e4"}`)
	bobBefore := cs.count("bob")
	carolBefore := cs.count("carol")
	aliceBefore := cs.count("alice")

	if err := r.Move(sess.GameID, "alice", payload); err != nil {
		t.Fatalf("move: %v", err)
	}

	got := cs.last(t, "bob")
	if got.Type != model.TypeGameMove || got.GameID != sess.GameID {
		t.Fatalf("unexpected envelope for bob: %+v", got)
	}
	if !bytes.Equal(got.Move, payload) {
		t.Fatalf("move payload must be forwarded verbatim, got %s", got.Move)
	}
	if got.From.UserID != "alice" {
		t.Fatalf("expected sender alice, got %s", got.From.UserID)
	}

	if cs.count("bob") != bobBefore+1 {
		t.Fatal("expected exactly one new envelope for bob")
	}
	if cs.count("carol") != carolBefore || cs.count("alice") != aliceBefore {
		t.Fatal("move must not reach anyone but the other participant")
	}
}

func TestMoveValidation(t *testing.T) {
	r, _ := newTestRelay()
	sess := mustStart(t, r, "invite-1", "chess", alice, bob)

	if err := r.Move("no-such-game", "alice", nil); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if err := r.Move(sess.GameID, "carol", nil); err != ErrNotAParticipant {
		t.Fatalf("expected ErrNotAParticipant, got %v", err)
	}
}

func TestChatForwarding(t *testing.T) {
	r, cs := newTestRelay()
	sess := mustStart(t, r, "invite-1", "chess", alice, bob)

	if err := r.Chat(sess.GameID, "bob", "gg"); err != nil {
		t.Fatalf("chat: %v", err)
	}
	got := cs.last(t, "alice")
	if got.Type != model.TypeChatMessage || got.Message != "gg" {
		t.Fatalf("unexpected chat envelope: %+v", got)
	}
	if got.From.UserID != "bob" {
		t.Fatalf("expected sender bob, got %s", got.From.UserID)
	}

	if err := r.Chat(sess.GameID, "carol", "hi"); err != ErrNotAParticipant {
		t.Fatalf("expected ErrNotAParticipant, got %v", err)
	}
}

func TestLeaveEndsSession(t *testing.T) {
	r, cs := newTestRelay()
	sess := mustStart(t, r, "invite-1", "chess", alice, bob)

	if err := r.Leave(sess.GameID, "alice"); err != nil {
		t.Fatalf("leave: %v", err)
	}

	got := cs.last(t, "bob")
	if got.Type != model.TypeOpponentLeft || got.GameID != sess.GameID {
		t.Fatalf("expected opponent_left for bob, got %+v", got)
	}
	if r.InSession("alice") || r.InSession("bob") {
		t.Fatal("participants must be released after leave")
	}
	if err := r.Move(sess.GameID, "bob", nil); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound after leave, got %v", err)
	}
	if err := r.Leave(sess.GameID, "alice"); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound for second leave, got %v", err)
	}
}

func TestLeaveValidation(t *testing.T) {
	r, _ := newTestRelay()
	sess := mustStart(t, r, "invite-1", "chess", alice, bob)
	if err := r.Leave(sess.GameID, "carol"); err != ErrNotAParticipant {
		t.Fatalf("expected ErrNotAParticipant, got %v", err)
	}
	if !r.InSession("alice") {
		t.Fatal("failed leave must not end the session")
	}
}

func TestDropParticipant(t *testing.T) {
	r, cs := newTestRelay()
	sess := mustStart(t, r, "invite-1", "chess", alice, bob)

	r.DropParticipant("bob")

	got := cs.last(t, "alice")
	if got.Type != model.TypeOpponentDisconnected || got.GameID != sess.GameID {
		t.Fatalf("expected opponent_disconnected for alice, got %+v", got)
	}
	if r.InSession("alice") || r.InSession("bob") {
		t.Fatal("session must end when a participant disconnects")
	}

	// users without a session are a no-op
	r.DropParticipant("bob")
	r.DropParticipant("carol")
}
