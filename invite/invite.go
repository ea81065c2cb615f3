// Package invite implements the invitation handshake that precedes a game
// session. Every invitation moves out of pending exactly once; the TTL
// timer and answer paths synchronize on the coordinator mutex and
// re-validate state before transitioning.
package invite

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultTTL = 60 * time.Second

var (
	ErrInvalidInvite = errors.New("invite does not exist, was already answered, or responder mismatch")
)

// State of one invitation.
type State int

const (
	StatePending State = iota
	StateAccepted
	StateDeclined
	StateExpired
	StateErrored
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAccepted:
		return "accepted"
	case StateDeclined:
		return "declined"
	case StateExpired:
		return "expired"
	case StateErrored:
		return "errored"
	}
	return "unknown"
}

// Invitation is a snapshot of one handshake. Copies handed out by the
// coordinator are detached from its internal state.
type Invitation struct {
	ID         string
	FromUserID string
	ToUserID   string
	GameType   string
	CreatedAt  time.Time
	State      State
}

type tracked struct {
	Invitation
	timer *time.Timer
}

type (
	Config struct {
		Logger *zerolog.Logger
		TTL    time.Duration
	}

	Coordinator struct {
		logger    zerolog.Logger
		mx        *sync.Mutex
		invites   map[string]*tracked
		ttl       time.Duration
		newID     func() string
		now       func() time.Time
		onExpired func(inv Invitation)
	}
)

func NewCoordinator(cfg Config) *Coordinator {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Coordinator{
		logger:  cfg.Logger.With().Str("component", "invite").Logger(),
		mx:      &sync.Mutex{},
		invites: make(map[string]*tracked),
		ttl:     ttl,
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

// SetExpiryHook registers the callback fired when a pending invitation
// hits its TTL. Disconnect cascades do not fire it.
func (c *Coordinator) SetExpiryHook(fn func(inv Invitation)) {
	c.onExpired = fn
}

// Create opens a pending invitation and starts its TTL timer. Presence
// and busy checks are the caller's concern.
func (c *Coordinator) Create(fromUserID, toUserID, gameType string) Invitation {
	c.mx.Lock()
	defer c.mx.Unlock()

	inv := &tracked{
		Invitation: Invitation{
			ID:         c.newID(),
			FromUserID: fromUserID,
			ToUserID:   toUserID,
			GameType:   gameType,
			CreatedAt:  c.now(),
			State:      StatePending,
		},
	}
	inv.timer = time.AfterFunc(c.ttl, func() { c.expire(inv.ID) })
	c.invites[inv.ID] = inv

	c.logger.Debug().
		Str("inviteID", inv.ID).
		Str("from", fromUserID).
		Str("to", toUserID).
		Str("gameType", gameType).
		Msg("invitation created")
	return inv.Invitation
}

// Answer transitions a pending invitation to accepted or declined. Only
// the invitee may answer; anything else leaves state untouched and
// returns ErrInvalidInvite. Terminal invitations are garbage collected
// here.
func (c *Coordinator) Answer(inviteID, byUserID string, accept bool) (Invitation, error) {
	c.mx.Lock()
	defer c.mx.Unlock()

	inv, ok := c.invites[inviteID]
	if !ok || inv.State != StatePending || inv.ToUserID != byUserID {
		return Invitation{}, ErrInvalidInvite
	}

	if accept {
		inv.State = StateAccepted
	} else {
		inv.State = StateDeclined
	}
	inv.timer.Stop()
	delete(c.invites, inviteID)

	c.logger.Debug().
		Str("inviteID", inviteID).
		Str("by", byUserID).
		Str("state", inv.State.String()).
		Msg("invitation answered")
	return inv.Invitation, nil
}

// CancelFor force-expires every pending invitation involving userID.
// Timers are stopped so a disconnect leaks nothing. The cascade is an
// internal side effect: no expiry hook fires.
func (c *Coordinator) CancelFor(userID string) {
	c.mx.Lock()
	defer c.mx.Unlock()

	for id, inv := range c.invites {
		if inv.FromUserID != userID && inv.ToUserID != userID {
			continue
		}
		inv.State = StateErrored
		inv.timer.Stop()
		delete(c.invites, id)
		c.logger.Debug().
			Str("inviteID", id).
			Str("userID", userID).
			Msg("invitation canceled on disconnect")
	}
}

// Pending reports whether inviteID is still awaiting an answer.
func (c *Coordinator) Pending(inviteID string) bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	_, ok := c.invites[inviteID]
	return ok
}

func (c *Coordinator) expire(inviteID string) {
	c.mx.Lock()
	inv, ok := c.invites[inviteID]
	if !ok || inv.State != StatePending {
		// answered or canceled between timer fire and lock acquisition
		c.mx.Unlock()
		return
	}
	inv.State = StateExpired
	delete(c.invites, inviteID)
	snapshot := inv.Invitation
	c.mx.Unlock()

	c.logger.Debug().Str("inviteID", inviteID).Msg("invitation expired")
	if c.onExpired != nil {
		c.onExpired(snapshot)
	}
}
