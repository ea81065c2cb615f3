// Package service routes inbound envelopes to the presence registry, the
// invitation coordinator, and the session relay. One dispatch call runs
// per inbound message; component mutexes serialize state mutations.
package service

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/adwski/gamehub/invite"
	"github.com/adwski/gamehub/model"
	"github.com/adwski/gamehub/presence"
	"github.com/adwski/gamehub/relay"
)

// A connection is closed after this many unknown-type envelopes.
const maxProtocolErrors = 3

var (
	ErrEmptyIdentity = errors.New("identity has no user id")
)

type (
	Config struct {
		Logger      *zerolog.Logger
		Registry    *presence.Registry
		Coordinator *invite.Coordinator
		Relay       *relay.Relay
	}

	Service struct {
		logger   zerolog.Logger
		registry *presence.Registry
		invites  *invite.Coordinator
		relay    *relay.Relay
	}
)

func NewService(cfg Config) *Service {
	svc := &Service{
		logger:   cfg.Logger.With().Str("component", "service").Logger(),
		registry: cfg.Registry,
		invites:  cfg.Coordinator,
		relay:    cfg.Relay,
	}
	svc.registry.SetOfflineHook(svc.handleOffline)
	svc.invites.SetExpiryHook(svc.handleInviteExpired)
	return svc
}

// CreateSession registers a connected identity and starts consuming its
// inbound wire. cancel tears down the connection's pumps; the registry
// invokes it when the user is evicted.
func (svc *Service) CreateSession(ctx context.Context, identity model.Identity, wire model.Wire, cancel context.CancelFunc) error {
	if identity.UserID == "" {
		return ErrEmptyIdentity
	}
	svc.registry.Register(identity, wire, cancel)
	svc.broadcastPlayers()
	go svc.consume(ctx, cancel, identity, wire)

	svc.logger.Debug().
		Str("userID", identity.UserID).
		Str("displayName", identity.DisplayName).
		Msg("session created")
	return nil
}

// DeleteSession removes the identity from presence, provided wire still
// owns its slot. Invite and game cleanup cascades off the registry's
// offline hook.
func (svc *Service) DeleteSession(_ context.Context, userID string, wire model.Wire) error {
	svc.registry.UnregisterWire(userID, wire)
	svc.logger.Debug().Str("userID", userID).Msg("session deleted")
	return nil
}

func (svc *Service) consume(ctx context.Context, cancel context.CancelFunc, identity model.Identity, wire model.Wire) {
	var protoErrors int
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-wire.RX:
			if svc.dispatch(identity, env) {
				protoErrors = 0
				continue
			}
			protoErrors++
			if protoErrors >= maxProtocolErrors {
				svc.logger.Warn().
					Str("userID", identity.UserID).
					Msg("too many protocol errors, closing connection")
				cancel()
				return
			}
		}
	}
}

// dispatch handles one inbound envelope. Returns false for protocol
// errors (unknown type); request-scoped failures become typed responses
// and count as handled.
func (svc *Service) dispatch(identity model.Identity, env model.Envelope) bool {
	svc.registry.Touch(identity.UserID)

	switch env.Type {
	case model.TypeHeartbeat:
		svc.registry.Send(identity.UserID, model.Envelope{Type: model.TypeHeartbeatAck})

	case model.TypeGetOnlinePlayers:
		svc.registry.Send(identity.UserID, model.Envelope{
			Type:    model.TypeOnlinePlayers,
			Players: svc.playersFor(identity.UserID),
		})

	case model.TypeInvitePlayer:
		svc.handleInvite(identity, env)

	case model.TypeAcceptInvite:
		svc.handleAnswer(identity, env, true)

	case model.TypeDeclineInvite:
		svc.handleAnswer(identity, env, false)

	case model.TypeGameMove:
		if err := svc.relay.Move(env.GameID, identity.UserID, env.Move); err != nil {
			svc.sendSessionError(identity.UserID, env.GameID, err)
		}

	case model.TypeChatMessage:
		if err := svc.relay.Chat(env.GameID, identity.UserID, env.Message); err != nil {
			svc.sendSessionError(identity.UserID, env.GameID, err)
		}

	case model.TypeLeaveGame:
		if err := svc.relay.Leave(env.GameID, identity.UserID); err != nil {
			svc.sendSessionError(identity.UserID, env.GameID, err)
		} else {
			svc.broadcastPlayers()
		}

	default:
		svc.logger.Warn().
			Str("userID", identity.UserID).
			Str("type", env.Type).
			Msg("unknown message type")
		svc.registry.Send(identity.UserID, model.Envelope{
			Type:    model.TypeProtocolError,
			Message: "unknown message type: " + env.Type,
		})
		return false
	}
	return true
}

func (svc *Service) handleInvite(identity model.Identity, env model.Envelope) {
	target := env.TargetUserID
	if !svc.registry.Online(target) {
		svc.registry.Send(identity.UserID, model.Envelope{
			Type:   model.TypeInviteError,
			Reason: model.ReasonTargetOffline,
		})
		return
	}
	if svc.relay.InSession(target) {
		svc.registry.Send(identity.UserID, model.Envelope{
			Type:   model.TypeInviteError,
			Reason: model.ReasonTargetBusy,
		})
		return
	}

	inv := svc.invites.Create(identity.UserID, target, env.GameType)
	svc.registry.Send(target, model.Envelope{
		Type:       model.TypeGameInvite,
		InviteID:   inv.ID,
		FromUserID: identity.UserID,
		GameType:   inv.GameType,
		From:       &model.Player{UserID: identity.UserID, DisplayName: identity.DisplayName},
	})
	svc.registry.Send(identity.UserID, model.Envelope{
		Type:         model.TypeInviteSent,
		InviteID:     inv.ID,
		TargetUserID: target,
		GameType:     inv.GameType,
	})
}

func (svc *Service) handleAnswer(identity model.Identity, env model.Envelope, accept bool) {
	inv, err := svc.invites.Answer(env.InviteID, identity.UserID, accept)
	if err != nil {
		svc.registry.Send(identity.UserID, model.Envelope{
			Type:     model.TypeInviteError,
			InviteID: env.InviteID,
			Reason:   model.ReasonInvalidInvite,
		})
		return
	}

	if !accept {
		svc.registry.Send(inv.FromUserID, model.Envelope{
			Type:     model.TypeInviteDeclined,
			InviteID: inv.ID,
			From:     &model.Player{UserID: identity.UserID, DisplayName: identity.DisplayName},
		})
		return
	}

	inviter, err := svc.registry.Identity(inv.FromUserID)
	if err != nil {
		// inviter vanished since the invite was sent; the invitation is
		// already terminal
		svc.registry.Send(identity.UserID, model.Envelope{
			Type:     model.TypeInviteError,
			InviteID: inv.ID,
			Reason:   model.ReasonInvalidInvite,
		})
		return
	}

	// the relay claims both participants atomically, so a concurrent
	// accept sharing a participant loses here, not after the fact
	sess, err := svc.relay.Start(inv.ID, inv.GameType, inviter, identity)
	if err != nil {
		svc.registry.Send(identity.UserID, model.Envelope{
			Type:     model.TypeInviteError,
			InviteID: inv.ID,
			Reason:   model.ReasonInvalidInvite,
		})
		return
	}
	svc.logger.Info().
		Str("gameID", sess.GameID).
		Str("inviteID", inv.ID).
		Str("gameType", inv.GameType).
		Msg("game started")
	svc.broadcastPlayers()
}

func (svc *Service) handleInviteExpired(inv invite.Invitation) {
	svc.registry.Send(inv.FromUserID, model.Envelope{
		Type:     model.TypeInviteError,
		InviteID: inv.ID,
		Reason:   model.ReasonTimeout,
	})
}

func (svc *Service) handleOffline(userID string) {
	svc.invites.CancelFor(userID)
	svc.relay.DropParticipant(userID)
	svc.broadcastPlayers()
}

func (svc *Service) sendSessionError(userID, gameID string, err error) {
	reason := model.ReasonSessionNotFound
	if errors.Is(err, relay.ErrNotAParticipant) {
		reason = model.ReasonNotAParticipant
	}
	svc.registry.Send(userID, model.Envelope{
		Type:   model.TypeSessionError,
		GameID: gameID,
		Reason: reason,
	})
}

// playersFor builds the online list seen by one user: everyone but the
// requester, with in_game status for active-session participants.
func (svc *Service) playersFor(userID string) []model.Player {
	snapshot := svc.registry.Snapshot()
	players := make([]model.Player, 0, len(snapshot))
	for _, id := range snapshot {
		if id.UserID == userID {
			continue
		}
		status := model.PlayerStatusOnline
		if svc.relay.InSession(id.UserID) {
			status = model.PlayerStatusInGame
		}
		players = append(players, model.Player{
			UserID:      id.UserID,
			DisplayName: id.DisplayName,
			Status:      status,
		})
	}
	return players
}

// broadcastPlayers pushes a fresh online_players snapshot to everyone.
// Runs after every membership or session change.
func (svc *Service) broadcastPlayers() {
	for _, id := range svc.registry.Snapshot() {
		svc.registry.Send(id.UserID, model.Envelope{
			Type:    model.TypeOnlinePlayers,
			Players: svc.playersFor(id.UserID),
		})
	}
}

