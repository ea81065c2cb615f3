package model

import "encoding/json"

// Identity is supplied by the identity provider before a connection is
// opened. UserID is unique per connection.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// Message types exchanged over the wire. Inbound (client->server) and
// outbound (server->client) share the single "type" discriminator.
const (
	// inbound
	TypeGetOnlinePlayers = "get_online_players"
	TypeInvitePlayer     = "invite_player"
	TypeAcceptInvite     = "accept_invite"
	TypeDeclineInvite    = "decline_invite"
	TypeLeaveGame        = "leave_game"
	TypeHeartbeat        = "heartbeat"

	// outbound
	TypeOnlinePlayers        = "online_players"
	TypeGameInvite           = "game_invite"
	TypeInviteSent           = "invite_sent"
	TypeInviteDeclined       = "invite_declined"
	TypeInviteError          = "invite_error"
	TypeGameStart            = "game_start"
	TypeOpponentDisconnected = "opponent_disconnected"
	TypeOpponentLeft         = "opponent_left"
	TypeHeartbeatAck         = "heartbeat_ack"
	TypeSessionError         = "session_error"
	TypeProtocolError        = "protocol_error"

	// both directions
	TypeGameMove    = "game_move"
	TypeChatMessage = "chat_message"
)

// Player statuses reported in online_players.
const (
	PlayerStatusOnline = "online"
	PlayerStatusInGame = "in_game"
)

// Invite/session error reasons.
const (
	ReasonTargetOffline   = "target-offline"
	ReasonTargetBusy      = "target-busy"
	ReasonInvalidInvite   = "invalid-invite"
	ReasonTimeout         = "timeout"
	ReasonNotAParticipant = "not-a-participant"
	ReasonSessionNotFound = "session-not-found"
)

// Player is one entry of an online_players snapshot.
type Player struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Status      string `json:"status,omitempty"`
}

// Envelope is the wire record for every message in both directions.
// Move payloads stay opaque and are forwarded verbatim. From is assigned
// by the server on forwarded messages based on the websocket session.
type Envelope struct {
	Type         string          `json:"type"`
	InviteID     string          `json:"inviteId,omitempty"`
	FromUserID   string          `json:"fromUserId,omitempty"`
	TargetUserID string          `json:"targetUserId,omitempty"`
	GameType     string          `json:"gameType,omitempty"`
	GameID       string          `json:"gameId,omitempty"`
	Move         json.RawMessage `json:"move,omitempty"`
	Message      string          `json:"message,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Players      []Player        `json:"players,omitempty"`
	From         *Player         `json:"from,omitempty"`
}

// Wire is the channel pair connecting one websocket session to the
// dispatch loop. RX carries inbound envelopes, TX outbound ones.
type Wire struct {
	RX chan Envelope
	TX chan Envelope
}

func NewWire() Wire {
	return Wire{
		RX: make(chan Envelope),
		TX: make(chan Envelope),
	}
}
