// Package relay forwards opaque move and chat payloads between the two
// participants of an active game session. Payloads are never interpreted
// and never reach a third connection.
package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adwski/gamehub/model"
)

var (
	ErrSessionNotFound = errors.New("no active session for this game id")
	ErrNotAParticipant = errors.New("user is not a participant of this session")
	ErrParticipantBusy = errors.New("participant is already in an active session")
)

// Sender delivers an envelope to one connected user, best effort.
type Sender interface {
	Send(userID string, env model.Envelope) bool
}

// Session is one active two-party game.
type Session struct {
	GameID              string
	GameType            string
	Participants        [2]model.Identity
	CreatedFromInviteID string
	CreatedAt           time.Time
}

func (s *Session) peerOf(userID string) (model.Identity, bool) {
	switch userID {
	case s.Participants[0].UserID:
		return s.Participants[1], true
	case s.Participants[1].UserID:
		return s.Participants[0], true
	}
	return model.Identity{}, false
}

type (
	Config struct {
		Logger *zerolog.Logger
		Sender Sender
	}

	Relay struct {
		logger   zerolog.Logger
		mx       *sync.Mutex
		sessions map[string]*Session
		byUser   map[string]string
		sender   Sender
		newID    func() string
	}
)

func NewRelay(cfg Config) *Relay {
	return &Relay{
		logger:   cfg.Logger.With().Str("component", "relay").Logger(),
		mx:       &sync.Mutex{},
		sessions: make(map[string]*Session),
		byUser:   make(map[string]string),
		sender:   cfg.Sender,
		newID:    uuid.NewString,
	}
}

// InSession reports whether userID participates in an active session.
func (r *Relay) InSession(userID string) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	_, ok := r.byUser[userID]
	return ok
}

// Start creates an active session for an accepted invitation and pushes
// game_start to both participants. Each user holds at most one active
// session; both slots are claimed under the mutex, so concurrent accepts
// sharing a participant cannot both start. ErrParticipantBusy is returned
// when either slot is taken.
func (r *Relay) Start(inviteID, gameType string, a, b model.Identity) (Session, error) {
	sess := &Session{
		GameID:              r.newID(),
		GameType:            gameType,
		Participants:        [2]model.Identity{a, b},
		CreatedFromInviteID: inviteID,
		CreatedAt:           time.Now(),
	}

	r.mx.Lock()
	if _, busy := r.byUser[a.UserID]; busy {
		r.mx.Unlock()
		return Session{}, ErrParticipantBusy
	}
	if _, busy := r.byUser[b.UserID]; busy {
		r.mx.Unlock()
		return Session{}, ErrParticipantBusy
	}
	r.sessions[sess.GameID] = sess
	r.byUser[a.UserID] = sess.GameID
	r.byUser[b.UserID] = sess.GameID
	r.mx.Unlock()

	r.logger.Debug().
		Str("gameID", sess.GameID).
		Str("gameType", gameType).
		Str("a", a.UserID).
		Str("b", b.UserID).
		Msg("session started")

	for _, p := range sess.Participants {
		opp, _ := sess.peerOf(p.UserID)
		r.sender.Send(p.UserID, model.Envelope{
			Type:     model.TypeGameStart,
			GameID:   sess.GameID,
			GameType: gameType,
			From:     &model.Player{UserID: opp.UserID, DisplayName: opp.DisplayName},
		})
	}
	return *sess, nil
}

// Move forwards an opaque move payload to the other participant.
func (r *Relay) Move(gameID, byUserID string, payload json.RawMessage) error {
	from, peer, err := r.lookup(gameID, byUserID)
	if err != nil {
		return err
	}
	r.sender.Send(peer.UserID, model.Envelope{
		Type:   model.TypeGameMove,
		GameID: gameID,
		Move:   payload,
		From:   &model.Player{UserID: from.UserID, DisplayName: from.DisplayName},
	})
	return nil
}

// Chat forwards a chat message to the other participant.
func (r *Relay) Chat(gameID, byUserID, message string) error {
	from, peer, err := r.lookup(gameID, byUserID)
	if err != nil {
		return err
	}
	r.sender.Send(peer.UserID, model.Envelope{
		Type:    model.TypeChatMessage,
		GameID:  gameID,
		Message: message,
		From:    &model.Player{UserID: from.UserID, DisplayName: from.DisplayName},
	})
	return nil
}

// Leave ends the session and notifies the remaining participant.
func (r *Relay) Leave(gameID, byUserID string) error {
	r.mx.Lock()
	sess, ok := r.sessions[gameID]
	if !ok {
		r.mx.Unlock()
		return ErrSessionNotFound
	}
	peer, isMember := sess.peerOf(byUserID)
	if !isMember {
		r.mx.Unlock()
		return ErrNotAParticipant
	}
	r.end(sess)
	r.mx.Unlock()

	r.logger.Debug().Str("gameID", gameID).Str("by", byUserID).Msg("session left")
	r.sender.Send(peer.UserID, model.Envelope{
		Type:   model.TypeOpponentLeft,
		GameID: gameID,
	})
	return nil
}

// DropParticipant tears down the active session of a disconnected user
// and notifies the other side. No-op for users without a session.
func (r *Relay) DropParticipant(userID string) {
	r.mx.Lock()
	gameID, ok := r.byUser[userID]
	if !ok {
		r.mx.Unlock()
		return
	}
	sess := r.sessions[gameID]
	peer, _ := sess.peerOf(userID)
	r.end(sess)
	r.mx.Unlock()

	r.logger.Debug().Str("gameID", gameID).Str("userID", userID).Msg("session ended on disconnect")
	r.sender.Send(peer.UserID, model.Envelope{
		Type:   model.TypeOpponentDisconnected,
		GameID: gameID,
	})
}

// end removes the session from the active maps. Caller holds the mutex.
func (r *Relay) end(sess *Session) {
	delete(r.sessions, sess.GameID)
	delete(r.byUser, sess.Participants[0].UserID)
	delete(r.byUser, sess.Participants[1].UserID)
}

func (r *Relay) lookup(gameID, byUserID string) (from, peer model.Identity, err error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	sess, ok := r.sessions[gameID]
	if !ok {
		return model.Identity{}, model.Identity{}, ErrSessionNotFound
	}
	peer, ok = sess.peerOf(byUserID)
	if !ok {
		return model.Identity{}, model.Identity{}, ErrNotAParticipant
	}
	from, _ = sess.peerOf(peer.UserID)
	return from, peer, nil
}
