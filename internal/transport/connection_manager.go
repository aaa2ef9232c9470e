package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-live/internal/dto"
	"github.com/noah-isme/gema-live/internal/observability"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
	sendBufferSize      = 64

	// AnyEvent subscribes a handler to every inbound kind.
	AnyEvent = "*"
)

var (
	// ErrNotConnected is returned by Emit while the push channel is down.
	ErrNotConnected = errors.New("push channel not connected")
	// ErrAlreadyConnected is returned when Connect is called on a running manager.
	ErrAlreadyConnected = errors.New("push channel already connected")
	// ErrUnauthorized reports a dial rejected by the relay with 401 or 403.
	ErrUnauthorized = errors.New("push channel rejected credentials")
	// ErrSendQueueFull reports a slow connection that cannot accept more frames.
	ErrSendQueueFull = errors.New("push channel send queue full")
)

// Credentials identify the authenticated session that owns the connection.
type Credentials struct {
	UserID string
	Role   string
	Token  string
}

// Handler receives inbound envelopes on the connection's read loop.
type Handler func(dto.Envelope)

// Dialer opens websocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Options configures a ConnectionManager.
type Options struct {
	URL          string
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	PingInterval time.Duration
	// ReadTimeout bounds the silence tolerated between frames or pongs.
	ReadTimeout time.Duration
	Dialer      Dialer
	Logger      zerolog.Logger
}

// ConnectionManager owns the single push connection of a session.
type ConnectionManager struct {
	opts      Options
	validator *dto.EnvelopeValidator
	logger    zerolog.Logger

	mu             sync.Mutex
	running        bool
	cancel         context.CancelFunc
	done           chan struct{}
	conn           *websocket.Conn
	send           chan dto.Envelope
	connected      chan struct{}
	scopes         map[string]struct{}
	handlers       map[string]map[uint64]Handler
	nextHandler    uint64
	onConnected    []func(reconnect bool)
	onDisconnected []func(err error)
}

// NewConnectionManager constructs a manager; nothing is dialled until Connect.
func NewConnectionManager(opts Options) (*ConnectionManager, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("push url must not be empty")
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = 500 * time.Millisecond
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = opts.ReconnectMin
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 2 * opts.PingInterval
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}

	validator, err := dto.NewEnvelopeValidator()
	if err != nil {
		return nil, err
	}

	return &ConnectionManager{
		opts:      opts,
		validator: validator,
		logger:    opts.Logger.With().Str("component", "connection_manager").Logger(),
		connected: make(chan struct{}),
		scopes:    make(map[string]struct{}),
		handlers:  make(map[string]map[uint64]Handler),
	}, nil
}

// Connect dials the relay and keeps the connection alive until ctx ends or Close is called.
// The first dial is synchronous so credential problems surface to the caller.
func (m *ConnectionManager) Connect(ctx context.Context, credentials Credentials) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	m.running = true
	m.mu.Unlock()

	conn, err := m.dial(ctx, credentials)
	if err != nil {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	m.mu.Lock()
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	go m.run(runCtx, credentials, conn, done)
	return nil
}

// Close stops the reconnect loop and tears the connection down.
func (m *ConnectionManager) Close() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
}

// Connected reports whether a connection is currently established.
func (m *ConnectionManager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// WaitConnected blocks until a connection is established or ctx ends.
func (m *ConnectionManager) WaitConnected(ctx context.Context) error {
	m.mu.Lock()
	ready := m.connected
	m.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// JoinScope subscribes the session to a scope. The scope is remembered and
// joined again after every reconnect.
func (m *ConnectionManager) JoinScope(scopeID string) error {
	m.mu.Lock()
	m.scopes[scopeID] = struct{}{}
	m.mu.Unlock()

	if err := m.Emit(dto.EventJoinScope, scopeID, nil); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

// LeaveScope unsubscribes the session from a scope.
func (m *ConnectionManager) LeaveScope(scopeID string) error {
	m.mu.Lock()
	delete(m.scopes, scopeID)
	m.mu.Unlock()

	if err := m.Emit(dto.EventLeaveScope, scopeID, nil); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

// Scopes lists the scopes joined on every (re)connect.
func (m *ConnectionManager) Scopes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scopeListLocked()
}

// On registers a handler for an inbound kind, or AnyEvent for all of them.
// The returned func removes the handler.
func (m *ConnectionManager) On(kind string, handler Handler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextHandler++
	id := m.nextHandler
	if _, ok := m.handlers[kind]; !ok {
		m.handlers[kind] = make(map[uint64]Handler)
	}
	m.handlers[kind][id] = handler

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.handlers[kind], id)
		if len(m.handlers[kind]) == 0 {
			delete(m.handlers, kind)
		}
	}
}

// OnConnected registers a hook invoked after every successful connect, before
// any inbound frame of that connection is dispatched.
func (m *ConnectionManager) OnConnected(hook func(reconnect bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnected = append(m.onConnected, hook)
}

// OnDisconnected registers a hook invoked whenever an established connection drops.
func (m *ConnectionManager) OnDisconnected(hook func(err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisconnected = append(m.onDisconnected, hook)
}

// Emit queues an outbound client action. Frames emitted while disconnected are lost.
func (m *ConnectionManager) Emit(kind, scope string, payload interface{}) error {
	envelope, err := dto.NewEnvelope(kind, scope, "", payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil {
		return ErrNotConnected
	}

	select {
	case m.send <- envelope:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (m *ConnectionManager) run(ctx context.Context, credentials Credentials, conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	reconnect := false
	for {
		err := m.serve(ctx, conn, reconnect)
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn().Err(err).Msg("push channel lost, reconnecting")
		reconnect = true

		conn = nil
		for attempt := 0; conn == nil; attempt++ {
			delay := m.backoff(attempt)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			observability.Reconnects().Inc()
			conn, err = m.dial(ctx, credentials)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				m.logger.Warn().Err(err).Int("attempt", attempt+1).Dur("next_delay", m.backoff(attempt+1)).Msg("push channel reconnect failed")
			}
		}
	}
}

// backoff doubles from ReconnectMin per failed attempt, capped at ReconnectMax.
func (m *ConnectionManager) backoff(attempt int) time.Duration {
	delay := m.opts.ReconnectMin
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= m.opts.ReconnectMax {
			return m.opts.ReconnectMax
		}
	}
	return delay
}

func (m *ConnectionManager) dial(ctx context.Context, credentials Credentials) (*websocket.Conn, error) {
	header := http.Header{}
	if credentials.Token != "" {
		header.Set("Authorization", "Bearer "+credentials.Token)
	}

	conn, resp, err := m.opts.Dialer.DialContext(ctx, m.opts.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("dial %s: %w", m.opts.URL, ErrUnauthorized)
		}
		return nil, fmt.Errorf("dial %s: %w", m.opts.URL, err)
	}
	return conn, nil
}

// serve runs one connection until it fails or ctx ends.
func (m *ConnectionManager) serve(ctx context.Context, conn *websocket.Conn, reconnect bool) error {
	send := make(chan dto.Envelope, sendBufferSize)

	// A JoinScope racing this block is either in the list or queued on send
	// behind the rejoin frames, which are written before the writer starts.
	m.mu.Lock()
	scopes := m.scopeListLocked()
	m.conn = conn
	m.send = send
	m.mu.Unlock()

	for _, scope := range scopes {
		if err := m.writeJoin(conn, scope); err != nil {
			m.mu.Lock()
			m.conn = nil
			m.send = nil
			m.mu.Unlock()
			_ = conn.Close()
			return err
		}
	}

	m.mu.Lock()
	ready := m.connected
	hooks := append([]func(bool){}, m.onConnected...)
	m.mu.Unlock()
	close(ready)

	m.logger.Info().Bool("reconnect", reconnect).Int("scopes", len(scopes)).Msg("push channel connected")

	stop := make(chan struct{})
	writerDone := make(chan struct{})
	go m.writer(conn, send, stop, writerDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-stop:
		}
	}()

	for _, hook := range hooks {
		hook(reconnect)
	}

	err := m.readLoop(conn)

	m.mu.Lock()
	m.conn = nil
	m.send = nil
	m.connected = make(chan struct{})
	disconnectHooks := append([]func(error){}, m.onDisconnected...)
	m.mu.Unlock()

	close(stop)
	_ = conn.Close()
	<-writerDone

	for _, hook := range disconnectHooks {
		hook(err)
	}
	return err
}

func (m *ConnectionManager) writeJoin(conn *websocket.Conn, scope string) error {
	envelope, err := dto.NewEnvelope(dto.EventJoinScope, scope, "", nil)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	if err := conn.WriteJSON(envelope); err != nil {
		return fmt.Errorf("rejoin %s: %w", scope, err)
	}
	return nil
}

func (m *ConnectionManager) writer(conn *websocket.Conn, send <-chan dto.Envelope, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case envelope := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
			if err := conn.WriteJSON(envelope); err != nil {
				m.logger.Debug().Err(err).Msg("push write loop terminated")
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(defaultWriteTimeout)); err != nil {
				m.logger.Debug().Err(err).Msg("push ping failed")
				_ = conn.Close()
				return
			}
		case <-stop:
			return
		}
	}
}

func (m *ConnectionManager) readLoop(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(m.opts.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(m.opts.ReadTimeout))
	})

	for {
		messageType, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(m.opts.ReadTimeout))

		if messageType != websocket.TextMessage {
			continue
		}

		envelope, err := m.validator.Parse(raw)
		if err != nil {
			observability.EventsDropped().WithLabelValues("malformed").Inc()
			m.logger.Warn().Err(err).Int("bytes", len(raw)).Msg("dropping malformed push frame")
			continue
		}

		m.dispatch(envelope)
	}
}

func (m *ConnectionManager) dispatch(envelope dto.Envelope) {
	m.mu.Lock()
	handlers := make([]Handler, 0, len(m.handlers[envelope.Type])+len(m.handlers[AnyEvent]))
	for _, kind := range []string{envelope.Type, AnyEvent} {
		ids := make([]uint64, 0, len(m.handlers[kind]))
		for id := range m.handlers[kind] {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			handlers = append(handlers, m.handlers[kind][id])
		}
	}
	m.mu.Unlock()

	for _, handler := range handlers {
		m.invoke(handler, envelope)
	}
}

func (m *ConnectionManager) invoke(handler Handler, envelope dto.Envelope) {
	defer func() {
		if recovered := recover(); recovered != nil {
			observability.EventsDropped().WithLabelValues("handler_panic").Inc()
			m.logger.Error().
				Str("type", envelope.Type).
				Str("scope_id", envelope.Scope).
				RawJSON("data", safeRaw(envelope.Data)).
				Interface("panic", recovered).
				Msg("push handler panicked")
		}
	}()
	handler(envelope)
}

func (m *ConnectionManager) scopeListLocked() []string {
	scopes := make([]string, 0, len(m.scopes))
	for scope := range m.scopes {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	return scopes
}

func safeRaw(data json.RawMessage) []byte {
	if len(data) == 0 || !json.Valid(data) {
		return []byte("null")
	}
	return data
}
