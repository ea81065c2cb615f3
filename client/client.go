// Package client maintains one logical session to the game server across
// physical reconnects. It owns a single websocket connection, keeps it
// warm with heartbeats, retries involuntary disconnects with exponential
// backoff, and fans inbound messages out to typed event handlers.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adwski/gamehub/model"
)

const (
	defaultMaxReconnectAttempts = 5
	defaultReconnectBaseDelay   = 2 * time.Second
	defaultHeartbeatInterval    = 30 * time.Second

	defaultDialTimeout   = 3 * time.Second
	defaultWriteDeadline = 5 * time.Second

	// DisconnectReasonUserInitiated marks an intentional Disconnect call;
	// no reconnect is scheduled for it.
	DisconnectReasonUserInitiated = "user-initiated"
)

var (
	ErrAlreadyConnected = errors.New("a connection is already open")
	ErrConnect          = errors.New("unable to connect")
)

// State of the logical session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

// EventType discriminates events delivered to handlers. Message events
// reuse the wire type names; lifecycle events have their own.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventGiveUp       EventType = "give-up"
	EventError        EventType = "error"

	EventOnlinePlayers        EventType = model.TypeOnlinePlayers
	EventGameInvite           EventType = model.TypeGameInvite
	EventInviteSent           EventType = model.TypeInviteSent
	EventInviteDeclined       EventType = model.TypeInviteDeclined
	EventInviteError          EventType = model.TypeInviteError
	EventGameStart            EventType = model.TypeGameStart
	EventGameMove             EventType = model.TypeGameMove
	EventChatMessage          EventType = model.TypeChatMessage
	EventOpponentDisconnected EventType = model.TypeOpponentDisconnected
	EventOpponentLeft         EventType = model.TypeOpponentLeft
	EventSessionError         EventType = model.TypeSessionError
	EventProtocolError        EventType = model.TypeProtocolError
)

// Event is delivered to subscribed handlers. Envelope is zero for
// lifecycle events; Reason is set on disconnects, Err on errors.
type Event struct {
	Type     EventType
	Envelope model.Envelope
	Reason   string
	Err      error
}

// Handler consumes one event. A panicking handler is logged and never
// prevents other handlers from running.
type Handler func(Event)

// Subscription identifies one registered handler for Off.
type Subscription struct {
	event EventType
	id    uint64
}

type (
	Config struct {
		Logger *zerolog.Logger
		// URL of the websocket endpoint, e.g. ws://host:8888/ws.
		URL string
		// Token is the pre-validated identity token presented on dial.
		Token string

		MaxReconnectAttempts int
		ReconnectBaseDelay   time.Duration
		HeartbeatInterval    time.Duration
	}

	Session struct {
		logger zerolog.Logger
		url    string
		token  string

		maxAttempts       int
		baseDelay         time.Duration
		heartbeatInterval time.Duration

		dialer *websocket.Dialer

		mx             sync.Mutex
		state          State
		conn           *websocket.Conn
		cancel         context.CancelFunc
		gen            uint64
		attempts       int
		intentional    bool
		reconnectTimer *time.Timer
		currentGameID  string

		lastHeartbeatSentAt time.Time
		lastHeartbeatAckAt  time.Time

		wmx sync.Mutex // serializes websocket writes

		hmx      sync.Mutex
		handlers map[EventType]map[uint64]Handler
		nextSub  uint64
	}
)

func NewSession(cfg Config) *Session {
	s := &Session{
		logger:            cfg.Logger.With().Str("component", "game-client").Logger(),
		url:               cfg.URL,
		token:             cfg.Token,
		maxAttempts:       cfg.MaxReconnectAttempts,
		baseDelay:         cfg.ReconnectBaseDelay,
		heartbeatInterval: cfg.HeartbeatInterval,
		dialer: &websocket.Dialer{
			HandshakeTimeout: defaultDialTimeout,
		},
		handlers: make(map[EventType]map[uint64]Handler),
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = defaultMaxReconnectAttempts
	}
	if s.baseDelay <= 0 {
		s.baseDelay = defaultReconnectBaseDelay
	}
	if s.heartbeatInterval <= 0 {
		s.heartbeatInterval = defaultHeartbeatInterval
	}
	return s
}

// State returns the current logical session state.
func (s *Session) State() State {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.state
}

// CurrentGameID returns the active game id, if any.
func (s *Session) CurrentGameID() string {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.currentGameID
}

// Connect opens the websocket connection. Only one connection may be
// open at a time; a second call while connected or connecting fails
// with ErrAlreadyConnected. On success the reconnect budget resets and
// a connected event fires. An explicit Connect also clears the stop
// flag left by a previous Disconnect.
func (s *Session) Connect() error {
	s.mx.Lock()
	s.intentional = false
	s.mx.Unlock()
	return s.connect()
}

func (s *Session) connect() error {
	s.mx.Lock()
	if s.state != StateDisconnected {
		s.mx.Unlock()
		return ErrAlreadyConnected
	}
	s.state = StateConnecting
	s.mx.Unlock()

	header := http.Header{"Authorization": []string{"Bearer " + s.token}}
	conn, resp, err := s.dialer.Dial(s.url, header)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		s.mx.Lock()
		s.state = StateDisconnected
		s.mx.Unlock()
		s.logger.Error().Err(err).Str("url", s.url).Msg("dial failed")
		s.emit(Event{Type: EventError, Err: err})
		return errors.Join(ErrConnect, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mx.Lock()
	if s.intentional {
		// Disconnect landed while the dial was in flight
		s.state = StateDisconnected
		s.mx.Unlock()
		cancel()
		_ = conn.Close()
		s.logger.Debug().Msg("discarding connection established after user-initiated disconnect")
		return nil
	}
	s.conn = conn
	s.cancel = cancel
	s.state = StateConnected
	s.attempts = 0
	s.gen++
	gen := s.gen
	s.mx.Unlock()

	go s.readLoop(conn, gen)
	go s.heartbeatLoop(ctx)

	s.logger.Info().Str("url", s.url).Msg("connected")
	s.emit(Event{Type: EventConnected})
	return nil
}

// Disconnect closes the connection intentionally. No reconnect happens
// afterwards: a pending reconnect timer is stopped, and the stop flag is
// sticky so an attempt already in flight does not reschedule either.
// Only an explicit Connect clears it.
func (s *Session) Disconnect() {
	s.mx.Lock()
	s.intentional = true
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	if s.state != StateConnected {
		s.mx.Unlock()
		return
	}
	conn := s.conn
	s.mx.Unlock()

	deadline := time.Now().Add(defaultWriteDeadline)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, DisconnectReasonUserInitiated)
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		s.logger.Debug().Err(err).Msg("close message write failed")
	}
	_ = conn.Close()
}

// Send writes one envelope. It fails fast (returns false) when no open
// connection exists; no buffering or retry happens at this layer.
func (s *Session) Send(env model.Envelope) bool {
	s.mx.Lock()
	conn := s.conn
	connected := s.state == StateConnected
	s.mx.Unlock()
	if !connected || conn == nil {
		s.logger.Warn().Str("type", env.Type).Msg("send while not connected")
		return false
	}

	s.wmx.Lock()
	defer s.wmx.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
		s.logger.Error().Err(err).Msg("failed to set write deadline")
		return false
	}
	if err := conn.WriteJSON(&env); err != nil {
		s.logger.Error().Err(err).Str("type", env.Type).Msg("send failed")
		return false
	}
	return true
}

// On subscribes a handler to one event type.
func (s *Session) On(event EventType, h Handler) Subscription {
	s.hmx.Lock()
	defer s.hmx.Unlock()
	s.nextSub++
	if s.handlers[event] == nil {
		s.handlers[event] = make(map[uint64]Handler)
	}
	s.handlers[event][s.nextSub] = h
	return Subscription{event: event, id: s.nextSub}
}

// Off removes a previously registered handler.
func (s *Session) Off(sub Subscription) {
	s.hmx.Lock()
	defer s.hmx.Unlock()
	if hs, ok := s.handlers[sub.event]; ok {
		delete(hs, sub.id)
	}
}

func (s *Session) emit(ev Event) {
	s.hmx.Lock()
	hs := make([]Handler, 0, len(s.handlers[ev.Type]))
	for _, h := range s.handlers[ev.Type] {
		hs = append(hs, h)
	}
	s.hmx.Unlock()

	for _, h := range hs {
		s.callHandler(ev, h)
	}
}

func (s *Session) callHandler(ev Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("event", string(ev.Type)).
				Any("panic", r).
				Msg("event handler panicked")
		}
	}()
	h(ev)
}

func (s *Session) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			s.handleClose(gen, err)
			return
		}

		var env model.Envelope
		if err = json.Unmarshal(msg, &env); err != nil {
			s.logger.Error().Err(err).Msg("failed to unmarshall incoming message")
			continue
		}
		s.logger.Trace().Str("dump", spew.Sdump(env)).Msg("received")
		s.route(env)
	}
}

func (s *Session) route(env model.Envelope) {
	switch env.Type {
	case model.TypeGameStart:
		s.mx.Lock()
		s.currentGameID = env.GameID
		s.mx.Unlock()
	case model.TypeOpponentLeft, model.TypeOpponentDisconnected:
		s.mx.Lock()
		if s.currentGameID == env.GameID {
			s.currentGameID = ""
		}
		s.mx.Unlock()
	case model.TypeHeartbeatAck:
		s.mx.Lock()
		s.lastHeartbeatAckAt = time.Now()
		s.mx.Unlock()
		return // bookkeeping only, not surfaced as an event
	}
	s.emit(Event{Type: EventType(env.Type), Envelope: env})
}

// handleClose runs once per physical connection. It tears the session
// down to Disconnected and schedules a reconnect unless the disconnect
// was user-initiated.
func (s *Session) handleClose(gen uint64, cause error) {
	s.mx.Lock()
	if s.gen != gen || s.state != StateConnected {
		s.mx.Unlock()
		return
	}
	s.state = StateDisconnected
	s.conn = nil
	s.currentGameID = ""
	cancel := s.cancel
	s.cancel = nil
	intentional := s.intentional
	s.mx.Unlock()

	cancel()

	reason := cause.Error()
	if intentional {
		reason = DisconnectReasonUserInitiated
	}
	s.logger.Warn().Str("reason", reason).Msg("disconnected")
	s.emit(Event{Type: EventDisconnected, Reason: reason, Err: cause})

	if !intentional {
		s.scheduleReconnect()
	}
}

// backoffDelay returns the wait before reconnect attempt n (0-based):
// baseDelay * 2^n.
func (s *Session) backoffDelay(attempt int) time.Duration {
	return s.baseDelay << attempt
}

func (s *Session) scheduleReconnect() {
	s.mx.Lock()
	if s.intentional {
		s.mx.Unlock()
		s.logger.Debug().Msg("reconnect suppressed after user-initiated disconnect")
		return
	}
	if s.attempts >= s.maxAttempts {
		s.mx.Unlock()
		s.logger.Error().Int("attempts", s.maxAttempts).Msg("reconnect budget exhausted")
		s.emit(Event{Type: EventGiveUp})
		return
	}
	delay := s.backoffDelay(s.attempts)
	s.attempts++
	attempt := s.attempts
	s.reconnectTimer = time.AfterFunc(delay, s.tryReconnect)
	s.mx.Unlock()

	s.logger.Info().
		Int("attempt", attempt).
		Int("max", s.maxAttempts).
		Dur("delay", delay).
		Msg("reconnect scheduled")
}

func (s *Session) tryReconnect() {
	s.mx.Lock()
	if s.intentional {
		s.mx.Unlock()
		return
	}
	s.mx.Unlock()

	err := s.connect()
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyConnected):
		// the caller reconnected manually in the meantime
	default:
		s.scheduleReconnect()
	}
}

// heartbeatLoop keeps the connection warm while Connected. Eviction on
// missed acks is the server's job; the client only sends.
func (s *Session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.Send(model.Envelope{Type: model.TypeHeartbeat}) {
				s.mx.Lock()
				s.lastHeartbeatSentAt = time.Now()
				s.mx.Unlock()
				s.logger.Trace().Msg("heartbeat sent")
			}
		}
	}
}

// Convenience API mirroring the wire surface.

func (s *Session) GetOnlinePlayers() bool {
	return s.Send(model.Envelope{Type: model.TypeGetOnlinePlayers})
}

func (s *Session) InvitePlayer(targetUserID, gameType string) bool {
	return s.Send(model.Envelope{
		Type:         model.TypeInvitePlayer,
		TargetUserID: targetUserID,
		GameType:     gameType,
	})
}

func (s *Session) AcceptInvite(inviteID, fromUserID, gameType string) bool {
	return s.Send(model.Envelope{
		Type:       model.TypeAcceptInvite,
		InviteID:   inviteID,
		FromUserID: fromUserID,
		GameType:   gameType,
	})
}

func (s *Session) DeclineInvite(inviteID, fromUserID string) bool {
	return s.Send(model.Envelope{
		Type:       model.TypeDeclineInvite,
		InviteID:   inviteID,
		FromUserID: fromUserID,
	})
}

func (s *Session) SendMove(gameID string, move json.RawMessage) bool {
	return s.Send(model.Envelope{
		Type:   model.TypeGameMove,
		GameID: gameID,
		Move:   move,
	})
}

func (s *Session) SendChat(gameID, message string) bool {
	return s.Send(model.Envelope{
		Type:    model.TypeChatMessage,
		GameID:  gameID,
		Message: message,
	})
}

func (s *Session) LeaveGame(gameID string) bool {
	s.mx.Lock()
	if s.currentGameID == gameID {
		s.currentGameID = ""
	}
	s.mx.Unlock()
	return s.Send(model.Envelope{
		Type:   model.TypeLeaveGame,
		GameID: gameID,
	})
}
