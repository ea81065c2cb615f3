// Package presence keeps the authoritative table of currently connected
// identities. All removals funnel through the registry so that invite and
// session cleanup can hang off a single offline hook.
package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adwski/gamehub/model"
)

const (
	defaultSendTimeout       = time.Second
	defaultHeartbeatInterval = 30 * time.Second
)

var (
	ErrNotRegistered = errors.New("user is not registered")
)

type session struct {
	identity model.Identity
	wire     model.Wire
	cancel   context.CancelFunc
	lastSeen time.Time
}

type (
	Config struct {
		Logger            *zerolog.Logger
		HeartbeatInterval time.Duration
	}

	Registry struct {
		logger            zerolog.Logger
		mx                *sync.Mutex
		sessions          map[string]*session
		heartbeatInterval time.Duration
		onOffline         func(userID string)
	}
)

func NewRegistry(cfg Config) *Registry {
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	return &Registry{
		logger:            cfg.Logger.With().Str("component", "presence").Logger(),
		mx:                &sync.Mutex{},
		sessions:          make(map[string]*session),
		heartbeatInterval: interval,
	}
}

// SetOfflineHook registers the cascade callback invoked after a user is
// removed from the registry. Must be set before Register is first called.
func (r *Registry) SetOfflineHook(fn func(userID string)) {
	r.onOffline = fn
}

// Register adds a connected identity. A duplicate userID evicts the old
// connection: its context is canceled and the new wire takes the slot.
// The user never goes offline from the registry's point of view, so no
// cascade fires for the replaced connection.
func (r *Registry) Register(identity model.Identity, wire model.Wire, cancel context.CancelFunc) {
	r.mx.Lock()
	old, ok := r.sessions[identity.UserID]
	r.sessions[identity.UserID] = &session{
		identity: identity,
		wire:     wire,
		cancel:   cancel,
		lastSeen: time.Now(),
	}
	r.mx.Unlock()

	if ok {
		r.logger.Warn().Str("userID", identity.UserID).Msg("duplicate registration, evicting old connection")
		old.cancel()
	}
	r.logger.Debug().Str("userID", identity.UserID).Msg("registered")
}

// Unregister removes a user and fires the offline cascade. Safe to call
// for users that already left.
func (r *Registry) Unregister(userID string) {
	r.remove(userID, nil)
}

// UnregisterWire removes a user only while wire still owns the slot.
// Connection teardown must use it: a replaced connection dying late must
// not evict the re-registered one.
func (r *Registry) UnregisterWire(userID string, wire model.Wire) {
	r.remove(userID, &wire)
}

func (r *Registry) remove(userID string, wire *model.Wire) {
	r.mx.Lock()
	sess, ok := r.sessions[userID]
	if ok && wire != nil && sess.wire != *wire {
		ok = false
	}
	if ok {
		delete(r.sessions, userID)
	}
	r.mx.Unlock()

	if !ok {
		return
	}
	sess.cancel()
	r.logger.Debug().Str("userID", userID).Msg("unregistered")
	if r.onOffline != nil {
		r.onOffline(userID)
	}
}

// Touch refreshes liveness bookkeeping for any inbound traffic.
func (r *Registry) Touch(userID string) {
	r.mx.Lock()
	if sess, ok := r.sessions[userID]; ok {
		sess.lastSeen = time.Now()
	}
	r.mx.Unlock()
}

// Online reports whether userID currently holds a connection.
func (r *Registry) Online(userID string) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	_, ok := r.sessions[userID]
	return ok
}

// Snapshot returns the identities of all connected users.
func (r *Registry) Snapshot() []model.Identity {
	r.mx.Lock()
	defer r.mx.Unlock()
	out := make([]model.Identity, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess.identity)
	}
	return out
}

// Identity resolves a connected user's identity.
func (r *Registry) Identity(userID string) (model.Identity, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	sess, ok := r.sessions[userID]
	if !ok {
		return model.Identity{}, ErrNotRegistered
	}
	return sess.identity, nil
}

// Send delivers an envelope to one connection, best effort. A TX that
// stays blocked past the send timeout marks a dead endpoint: the
// connection is evicted just like a disconnect.
func (r *Registry) Send(userID string, env model.Envelope) bool {
	r.mx.Lock()
	sess, ok := r.sessions[userID]
	r.mx.Unlock()
	if !ok {
		return false
	}

	t := time.NewTimer(defaultSendTimeout)
	defer t.Stop()
	select {
	case sess.wire.TX <- env:
		return true
	case <-t.C:
		r.logger.Error().Str("userID", userID).Str("type", env.Type).Msg("dead endpoint")
		r.UnregisterWire(userID, sess.wire)
		return false
	}
}

// Supervise evicts connections with no inbound traffic for twice the
// heartbeat interval. Runs until ctx is canceled.
func (r *Registry) Supervise(ctx context.Context, wg *sync.WaitGroup) {
	defer func() {
		r.logger.Debug().Msg("supervision stopped")
		wg.Done()
	}()

	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, userID := range r.stale(2 * r.heartbeatInterval) {
				r.logger.Warn().Str("userID", userID).Msg("heartbeat timeout, evicting")
				r.Unregister(userID)
			}
		}
	}
}

func (r *Registry) stale(maxIdle time.Duration) []string {
	deadline := time.Now().Add(-maxIdle)
	r.mx.Lock()
	defer r.mx.Unlock()
	var out []string
	for userID, sess := range r.sessions {
		if sess.lastSeen.Before(deadline) {
			out = append(out, userID)
		}
	}
	return out
}
