// Package eventsub maintains the long-lived Twitch EventSub websocket session
// and the registry of event subscriptions bound to it. The session owns the
// connection state machine: handshake, keepalive watchdog, server-initiated
// reconnect migration, and backoff-driven recovery from hard drops.
package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/onnwee/streamwatch/telemetry"
)

// DefaultEndpoint is the Twitch EventSub websocket endpoint.
const DefaultEndpoint = "wss://eventsub.wss.twitch.tv/ws"

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultKeepaliveGrace   = 5 * time.Second
	defaultKeepalive        = 10 * time.Second
	defaultBackoffBase      = 1 * time.Second
	defaultBackoffCap       = 60 * time.Second
	defaultDispatchBuffer   = 64
)

// ErrHandshakeFailed indicates a new transport did not produce a welcome
// message within the handshake window. Recovered via reconnect, never fatal.
var ErrHandshakeFailed = errors.New("eventsub handshake failed")

// ErrNotActive is returned by ResubscribeNow when no session is live.
var ErrNotActive = errors.New("no active eventsub session")

// State is the session lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateWelcomed
	StateActive
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateWelcomed:
		return "welcomed"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Dispatcher receives decoded event notifications. Calls are made from a
// dedicated goroutine, never from the websocket read loop, so a slow consumer
// cannot starve the keepalive watchdog.
type Dispatcher interface {
	OnEvent(topic, target string, payload json.RawMessage, occurredAt time.Time)
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(topic, target string, payload json.RawMessage, occurredAt time.Time)

func (f DispatcherFunc) OnEvent(topic, target string, payload json.RawMessage, occurredAt time.Time) {
	f(topic, target, payload, occurredAt)
}

type event struct {
	topic      string
	target     string
	payload    json.RawMessage
	occurredAt time.Time
}

// SessionConfig carries the tunables of the session state machine. Zero
// values fall back to the Twitch defaults.
type SessionConfig struct {
	Endpoint         string
	HandshakeTimeout time.Duration
	KeepaliveGrace   time.Duration
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	DispatchBuffer   int
}

// SessionStatus is a point-in-time snapshot for the status surface.
type SessionStatus struct {
	State            string    `json:"state"`
	SessionID        string    `json:"session_id,omitempty"`
	Endpoint         string    `json:"endpoint"`
	LastMessageAt    time.Time `json:"last_message_at,omitzero"`
	KeepaliveTimeout string    `json:"keepalive_timeout,omitempty"`
}

// Session owns the persistent EventSub connection. Exactly one transport is
// live at a time except during a server-initiated reconnect migration, where
// the new transport is welcomed before the old one is closed. All state
// transitions happen on the Run goroutine.
type Session struct {
	tokens     TokenProvider
	registry   *Registry
	dispatcher Dispatcher

	defaultEndpoint  string
	handshakeTimeout time.Duration
	keepaliveGrace   time.Duration
	dispatchBuffer   int

	// newBackoff builds the reconnect backoff policy; replaced in tests.
	newBackoff func() *backoff.ExponentialBackOff

	mu            sync.Mutex
	state         State
	sessionID     string
	endpoint      string
	keepalive     time.Duration
	lastMessageAt time.Time
}

func NewSession(tokens TokenProvider, registry *Registry, dispatcher Dispatcher, cfg SessionConfig) *Session {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.KeepaliveGrace <= 0 {
		cfg.KeepaliveGrace = defaultKeepaliveGrace
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = defaultBackoffCap
	}
	if cfg.DispatchBuffer <= 0 {
		cfg.DispatchBuffer = defaultDispatchBuffer
	}
	return &Session{
		tokens:           tokens,
		registry:         registry,
		dispatcher:       dispatcher,
		defaultEndpoint:  cfg.Endpoint,
		handshakeTimeout: cfg.HandshakeTimeout,
		keepaliveGrace:   cfg.KeepaliveGrace,
		dispatchBuffer:   cfg.DispatchBuffer,
		endpoint:         cfg.Endpoint,
		newBackoff: func() *backoff.ExponentialBackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = cfg.BackoffBase
			bo.MaxInterval = cfg.BackoffCap
			bo.Multiplier = 2
			bo.RandomizationFactor = 0.5
			return bo
		},
	}
}

// Status returns a snapshot of the session record.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := SessionStatus{
		State:         s.state.String(),
		SessionID:     s.sessionID,
		Endpoint:      s.endpoint,
		LastMessageAt: s.lastMessageAt,
	}
	if s.keepalive > 0 {
		st.KeepaliveTimeout = s.keepalive.String()
	}
	return st
}

// ResubscribeNow reconciles the registry against the live session. Used by
// the command surface after a new Want; a no-op error when no session is
// active, since the next connect reconciles anyway.
func (s *Session) ResubscribeNow(ctx context.Context) error {
	s.mu.Lock()
	state, sessionID := s.state, s.sessionID
	s.mu.Unlock()
	if state != StateActive || sessionID == "" {
		return ErrNotActive
	}
	grant, err := s.tokens.EnsureValidAny(ctx)
	if err != nil {
		return err
	}
	return s.registry.Reconcile(ctx, sessionID, grant)
}

// Run connects and keeps the session alive until ctx is canceled, recovering
// from every transport failure with capped exponential backoff. It is the
// single writer of the session record.
func (s *Session) Run(ctx context.Context) error {
	events := make(chan event, s.dispatchBuffer)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.dispatchLoop(ctx, events)
	}()
	defer func() {
		close(events)
		wg.Wait()
		s.setState(StateClosed)
		telemetry.UpdateSessionGauge(false)
	}()

	bo := s.newBackoff()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.setState(StateConnecting)
		telemetry.IncSessionConnects()
		conn, sp, err := s.dialAndWelcome(ctx, s.currentEndpoint())
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrHandshakeFailed) {
				telemetry.IncHandshakeFailures()
			}
			s.enterReconnecting()
			delay := bo.NextBackOff()
			slog.Warn("eventsub connect failed", slog.Any("err", err), slog.Duration("retry_in", delay))
			if !sleepCtx(ctx, delay) {
				return ctx.Err()
			}
			continue
		}
		// Successful welcome: retry delays start over from the base.
		bo = s.newBackoff()
		s.adoptSession(sp)
		s.setState(StateWelcomed)
		slog.Info("eventsub session welcomed", slog.String("session_id", sp.Session.ID))

		// New session: every wanted subscription must be (re-)registered.
		s.reconcileSession(ctx, sp.Session.ID)
		s.setState(StateActive)
		telemetry.UpdateSessionGauge(true)

		err = s.readLoop(ctx, conn, events)
		conn.CloseNow()
		telemetry.UpdateSessionGauge(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Hard drop: the reconnect-supplied endpoint (if any) is single-use,
		// so retries always go back to the default endpoint. Subscriptions
		// are not preserved; the next welcome triggers reconciliation.
		s.resetEndpoint()
		s.enterReconnecting()
		telemetry.IncSessionReconnects()
		delay := bo.NextBackOff()
		slog.Warn("eventsub session lost", slog.Any("err", err), slog.Duration("retry_in", delay))
		if !sleepCtx(ctx, delay) {
			return ctx.Err()
		}
	}
}

// dialAndWelcome opens a transport and requires the first message to be a
// welcome within the handshake window. It does not touch the session record.
func (s *Session) dialAndWelcome(ctx context.Context, endpoint string) (*websocket.Conn, *sessionPayload, error) {
	hctx, cancel := context.WithTimeout(ctx, s.handshakeTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(hctx, endpoint, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	_, data, err := conn.Read(hctx)
	if err != nil {
		conn.CloseNow()
		return nil, nil, fmt.Errorf("%w: no welcome within %s: %v", ErrHandshakeFailed, s.handshakeTimeout, err)
	}
	env, err := decodeEnvelope(data)
	if err != nil {
		conn.CloseNow()
		return nil, nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if env.Metadata.MessageType != msgWelcome {
		conn.CloseNow()
		return nil, nil, fmt.Errorf("%w: first message was %q", ErrHandshakeFailed, env.Metadata.MessageType)
	}
	sp, err := env.sessionPayload()
	if err != nil || sp.Session.ID == "" {
		conn.CloseNow()
		return nil, nil, fmt.Errorf("%w: welcome missing session id", ErrHandshakeFailed)
	}
	return conn, sp, nil
}

// readLoop processes inbound messages until the transport dies, the watchdog
// fires, or ctx is canceled. A server reconnect message migrates the
// transport in place: the new connection is welcomed before the old one is
// closed, and no re-reconciliation happens because the platform preserves
// subscriptions across the migration.
func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn, events chan<- event) error {
	for {
		rctx, cancel := context.WithTimeout(ctx, s.readDeadline())
		_, data, err := conn.Read(rctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				telemetry.IncWatchdogTimeouts()
				return fmt.Errorf("keepalive watchdog: no message within %s", s.readDeadline())
			}
			return fmt.Errorf("transport read: %w", err)
		}
		telemetry.IncMessagesReceived()
		s.touch()

		env, err := decodeEnvelope(data)
		if err != nil {
			slog.Warn("undecodable eventsub message", slog.Any("err", err))
			continue
		}
		switch env.Metadata.MessageType {
		case msgKeepalive:
			// Nothing beyond the timestamp reset above.
		case msgNotification:
			p, err := env.notificationPayload()
			if err != nil {
				slog.Warn("bad notification payload", slog.Any("err", err))
				continue
			}
			ev := event{
				topic:      p.Subscription.Type,
				target:     targetOf(p.Subscription.Condition),
				payload:    p.Event,
				occurredAt: env.Metadata.MessageTimestamp,
			}
			select {
			case events <- ev:
			default:
				telemetry.IncNotificationsDropped()
				slog.Warn("dispatch buffer full, dropping event", slog.String("topic", ev.topic))
			}
		case msgRevocation:
			p, err := env.notificationPayload()
			if err != nil {
				slog.Warn("bad revocation payload", slog.Any("err", err))
				continue
			}
			slog.Warn("subscription revoked by remote",
				slog.String("topic", p.Subscription.Type),
				slog.String("status", p.Subscription.Status))
			s.registry.MarkRevoked(p.Subscription.Type, targetOf(p.Subscription.Condition))
		case msgReconnect:
			sp, err := env.sessionPayload()
			if err != nil || sp.Session.ReconnectURL == "" {
				slog.Warn("reconnect message missing url")
				continue
			}
			newConn, err := s.migrate(ctx, sp.Session.ReconnectURL)
			if err != nil {
				// Migration failed: fall back to the hard-drop path.
				return fmt.Errorf("reconnect migration: %w", err)
			}
			// The old peer already handed the session off and may never
			// answer a close handshake; drop it without blocking the loop.
			conn.CloseNow()
			conn = newConn
		case msgWelcome:
			// Only valid as the first message; already handled at connect.
			slog.Warn("unexpected welcome on established session")
		default:
			slog.Warn("unknown eventsub message type", slog.String("type", env.Metadata.MessageType))
		}
	}
}

// migrate dials the server-supplied endpoint and waits for its welcome while
// the old transport stays open, so delivery has no gap. On success the
// session record is replaced atomically; the subscription set is untouched.
func (s *Session) migrate(ctx context.Context, reconnectURL string) (*websocket.Conn, error) {
	newConn, sp, err := s.dialAndWelcome(ctx, reconnectURL)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.sessionID = sp.Session.ID
	s.endpoint = reconnectURL
	if sp.Session.KeepaliveTimeoutSeconds > 0 {
		s.keepalive = time.Duration(sp.Session.KeepaliveTimeoutSeconds) * time.Second
	}
	s.lastMessageAt = time.Now()
	s.mu.Unlock()
	telemetry.IncSessionReconnects()
	slog.Info("eventsub session migrated", slog.String("session_id", sp.Session.ID))
	return newConn, nil
}

// reconcileSession registers all wanted subscriptions against a fresh
// session. Per-subscription failures are logged, not fatal: the session stays
// up and serves whatever did register.
func (s *Session) reconcileSession(ctx context.Context, sessionID string) {
	grant, err := s.tokens.EnsureValidAny(ctx)
	if err != nil {
		slog.Warn("no token for subscription reconcile", slog.Any("err", err))
		return
	}
	if grant.Degraded {
		slog.Warn("reconciling with degraded app token; user-scoped topics will fail")
	}
	telemetry.TimeFunc(telemetry.ReconcileDuration, func() {
		if err := s.registry.Reconcile(ctx, sessionID, grant); err != nil {
			slog.Warn("subscription reconcile incomplete", slog.Any("err", err))
		}
	})
}

func (s *Session) dispatchLoop(ctx context.Context, events <-chan event) {
	for ev := range events {
		if ctx.Err() != nil {
			return
		}
		s.dispatcher.OnEvent(ev.topic, ev.target, ev.payload, ev.occurredAt)
		telemetry.IncNotificationsDispatched()
	}
}

func (s *Session) adoptSession(sp *sessionPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = sp.Session.ID
	s.keepalive = defaultKeepalive
	if sp.Session.KeepaliveTimeoutSeconds > 0 {
		s.keepalive = time.Duration(sp.Session.KeepaliveTimeoutSeconds) * time.Second
	}
	s.lastMessageAt = time.Now()
}

func (s *Session) enterReconnecting() {
	s.mu.Lock()
	s.state = StateReconnecting
	s.sessionID = ""
	s.mu.Unlock()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastMessageAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) currentEndpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

func (s *Session) resetEndpoint() {
	s.mu.Lock()
	s.endpoint = s.defaultEndpoint
	s.mu.Unlock()
}

func (s *Session) readDeadline() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	ka := s.keepalive
	if ka <= 0 {
		ka = defaultKeepalive
	}
	return ka + s.keepaliveGrace
}

// sleepCtx waits for d or until ctx is canceled; false means canceled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
