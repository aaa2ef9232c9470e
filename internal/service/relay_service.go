package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-live/internal/dto"
	"github.com/noah-isme/gema-live/internal/observability"
)

const (
	relayPresenceTTL   = 30 * time.Minute
	relaySendBuffer    = 64
	relayPingInterval  = 30 * time.Second
	relayMaxFrameBytes = 64 << 10
)

// ErrScopeNotJoined rejects typing frames for a scope the connection never joined.
var ErrScopeNotJoined = errors.New("scope not joined on this connection")

// RelayConnectionOptions wraps metadata extracted during the HTTP upgrade.
type RelayConnectionOptions struct {
	UserID        string
	Role          string
	CorrelationID string
	Context       context.Context
}

// RelayService manages push connections, scope membership and event fan-out.
type RelayService interface {
	EventPublisher
	ServeConnection(conn *websocket.Conn, opts RelayConnectionOptions)
	Online(ctx context.Context, scope string) []string
	Start(ctx context.Context)
}

type relayService struct {
	redis          *redis.Client
	redisChannel   string
	presencePrefix string
	nats           *nats.Conn
	natsSubject    string
	frames         *dto.EnvelopeValidator
	validator      *validator.Validate
	logger         zerolog.Logger
	tracer         trace.Tracer
	hub            *relayHub
	nodeID         string
}

// relayHub keeps track of connected clients per scope.
type relayHub struct {
	mu     sync.RWMutex
	scopes map[string]map[*relayClient]struct{}
	joined map[*relayClient]map[string]struct{}
	log    zerolog.Logger
}

type relayClient struct {
	conn    *websocket.Conn
	send    chan dto.Envelope
	options RelayConnectionOptions
	service *relayService
	closed  chan struct{}
	once    sync.Once
}

// relayEvent is the cross-node wire form of a broadcast.
type relayEvent struct {
	Source   string       `json:"source"`
	Envelope dto.Envelope `json:"envelope"`
}

// NewRelayService creates the push relay. Redis and NATS are optional; without
// either the relay only fans out to its own connections.
func NewRelayService(redisClient *redis.Client, channelBase string, natsConn *nats.Conn, frames *dto.EnvelopeValidator, validate *validator.Validate, logger zerolog.Logger) RelayService {
	redisChannel := ""
	presencePrefix := ""
	natsSubject := ""
	if channelBase != "" {
		redisChannel = channelBase + ":events"
		presencePrefix = channelBase + ":presence"
		natsSubject = strings.ReplaceAll(channelBase, ":", ".") + ".events"
	}
	// NATS carries events between nodes when present; redis then only holds presence.
	if natsConn != nil {
		redisChannel = ""
	}

	return &relayService{
		redis:          redisClient,
		redisChannel:   redisChannel,
		presencePrefix: presencePrefix,
		nats:           natsConn,
		natsSubject:    natsSubject,
		frames:         frames,
		validator:      validate,
		logger:         logger.With().Str("component", "relay_service").Logger(),
		tracer:         otel.Tracer("github.com/noah-isme/gema-live/internal/service/relay"),
		hub: &relayHub{
			scopes: make(map[string]map[*relayClient]struct{}),
			joined: make(map[*relayClient]map[string]struct{}),
			log:    logger.With().Str("component", "relay_hub").Logger(),
		},
		nodeID: uuid.NewString(),
	}
}

func (s *relayService) Start(ctx context.Context) {
	if s.redis != nil && s.redisChannel != "" {
		go s.consumeRedis(ctx)
	}
	if s.nats != nil && s.natsSubject != "" {
		go s.consumeNATS(ctx)
	}
}

func (s *relayService) ServeConnection(conn *websocket.Conn, opts RelayConnectionOptions) {
	if opts.Context == nil {
		opts.Context = context.Background()
	}

	client := &relayClient{
		conn:    conn,
		send:    make(chan dto.Envelope, relaySendBuffer),
		options: opts,
		service: s,
		closed:  make(chan struct{}),
	}

	s.hub.register(client)
	observability.RelayConnectionsActive().Inc()
	s.logger.Debug().Str("user_id", opts.UserID).Str("correlation_id", opts.CorrelationID).Msg("relay client connected")

	go client.writer()
	client.reader()
}

// Publish fans an envelope out to local subscribers and to the other relay nodes.
func (s *relayService) Publish(ctx context.Context, envelope dto.Envelope) error {
	return s.fanout(ctx, envelope, nil)
}

func (s *relayService) Online(ctx context.Context, scope string) []string {
	users := make(map[string]struct{})
	for _, user := range s.hub.users(scope) {
		users[user] = struct{}{}
	}

	if s.redis != nil && s.presencePrefix != "" {
		members, err := s.redis.SMembers(ctx, s.presenceKey(scope)).Result()
		if err != nil {
			s.logger.Warn().Err(err).Str("scope_id", scope).Msg("failed to read presence cache")
		}
		for _, member := range members {
			users[member] = struct{}{}
		}
	}

	out := make([]string, 0, len(users))
	for user := range users {
		out = append(out, user)
	}
	sort.Strings(out)
	return out
}

func (s *relayService) fanout(ctx context.Context, envelope dto.Envelope, except *relayClient) error {
	if envelope.SentAt.IsZero() {
		envelope.SentAt = time.Now().UTC()
	}

	_, span := s.tracer.Start(ctx, "relay.broadcast", trace.WithAttributes(
		attribute.String("relay.type", envelope.Type),
		attribute.String("relay.scope_id", envelope.Scope),
		attribute.String("correlation_id", envelope.CorrelationID),
	))
	defer span.End()

	s.hub.broadcast(envelope, except)
	observability.RelayEvents().WithLabelValues(envelope.Type).Inc()

	payload, err := json.Marshal(relayEvent{Source: s.nodeID, Envelope: envelope})
	if err != nil {
		return err
	}

	if s.redis != nil && s.redisChannel != "" {
		if err := s.redis.Publish(ctx, s.redisChannel, payload).Err(); err != nil {
			span.RecordError(err)
			return fmt.Errorf("publish to redis: %w", err)
		}
	}
	if s.nats != nil && s.natsSubject != "" {
		if err := s.nats.Publish(s.natsSubject, payload); err != nil {
			span.RecordError(err)
			return fmt.Errorf("publish to nats: %w", err)
		}
	}
	return nil
}

func (s *relayService) handleFrame(client *relayClient, raw []byte) {
	envelope, err := s.frames.Parse(raw)
	if err != nil {
		observability.EventsDropped().WithLabelValues("relay_invalid_frame").Inc()
		client.deliver(errorEnvelope("", err.Error()))
		return
	}

	ctx := client.options.Context
	switch envelope.Type {
	case dto.EventJoinScope:
		s.join(ctx, client, envelope.Scope)
	case dto.EventLeaveScope:
		s.leave(ctx, client, envelope.Scope)
	case dto.EventTyping, dto.EventStopTyping:
		if err := s.relayTyping(ctx, client, envelope); err != nil {
			client.deliver(errorEnvelope(envelope.Scope, err.Error()))
		}
	default:
		observability.EventsDropped().WithLabelValues("relay_unexpected_kind").Inc()
		client.deliver(errorEnvelope(envelope.Scope, fmt.Sprintf("%s frames are not accepted from clients", envelope.Type)))
	}
}

func (s *relayService) join(ctx context.Context, client *relayClient, scope string) {
	first := s.hub.join(client, scope)
	if first {
		s.cachePresence(ctx, scope, client.options.UserID, true)
	}

	online, err := dto.NewEnvelope(dto.EventUsersOnline, scope, "", dto.UsersOnlinePayload{Users: s.Online(ctx, scope)})
	if err == nil {
		client.deliver(online)
	}

	if first {
		s.announce(ctx, dto.EventUserJoined, scope, client.options.UserID, client)
	}
}

func (s *relayService) leave(ctx context.Context, client *relayClient, scope string) {
	if !s.hub.leave(client, scope) {
		return
	}
	s.cachePresence(ctx, scope, client.options.UserID, false)
	s.announce(ctx, dto.EventUserLeft, scope, client.options.UserID, client)
}

func (s *relayService) disconnect(client *relayClient) {
	ctx := context.Background()
	for _, scope := range s.hub.unregister(client) {
		s.cachePresence(ctx, scope, client.options.UserID, false)
		s.announce(ctx, dto.EventUserDisconnected, scope, client.options.UserID, nil)
	}
}

func (s *relayService) relayTyping(ctx context.Context, client *relayClient, envelope dto.Envelope) error {
	if !s.hub.member(client, envelope.Scope) {
		return ErrScopeNotJoined
	}

	var payload dto.TypingPayload
	if err := envelope.Decode(&payload); err != nil {
		return err
	}
	if err := s.validator.Struct(payload); err != nil {
		return err
	}
	payload.UserID = client.options.UserID

	out, err := dto.NewEnvelope(envelope.Type, envelope.Scope, "", payload)
	if err != nil {
		return err
	}
	return s.fanout(ctx, out, client)
}

func (s *relayService) announce(ctx context.Context, kind, scope, userID string, except *relayClient) {
	envelope, err := dto.NewEnvelope(kind, scope, "", dto.PresencePayload{UserID: userID})
	if err != nil {
		return
	}
	if err := s.fanout(ctx, envelope, except); err != nil {
		s.logger.Warn().Err(err).Str("type", kind).Str("scope_id", scope).Msg("failed to publish presence event")
	}
}

func (s *relayService) cachePresence(ctx context.Context, scope, userID string, online bool) {
	if s.redis == nil || s.presencePrefix == "" || userID == "" {
		return
	}

	key := s.presenceKey(scope)
	var err error
	if online {
		pipe := s.redis.TxPipeline()
		pipe.SAdd(ctx, key, userID)
		pipe.Expire(ctx, key, relayPresenceTTL)
		_, err = pipe.Exec(ctx)
	} else {
		err = s.redis.SRem(ctx, key, userID).Err()
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("scope_id", scope).Msg("failed to update presence cache")
	}
}

func (s *relayService) presenceKey(scope string) string {
	return fmt.Sprintf("%s:%s", s.presencePrefix, scope)
}

func (s *relayService) consumeRedis(ctx context.Context) {
	pubsub := s.redis.Subscribe(ctx, s.redisChannel)
	defer func() {
		_ = pubsub.Close()
	}()
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Error().Err(err).Msg("relay redis subscription closed")
			return
		}
		s.handleEvent([]byte(msg.Payload))
	}
}

func (s *relayService) consumeNATS(ctx context.Context) {
	// Every node needs every event, so this is a plain subscription rather than a queue group.
	sub, err := s.nats.Subscribe(s.natsSubject, func(msg *nats.Msg) {
		s.handleEvent(msg.Data)
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to subscribe to nats relay subject")
		return
	}
	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to drain relay nats subscription")
		}
	}()
}

func (s *relayService) handleEvent(data []byte) {
	var event relayEvent
	if err := json.Unmarshal(data, &event); err != nil {
		s.logger.Warn().Err(err).Msg("invalid relay event")
		return
	}
	if event.Source == s.nodeID {
		return
	}

	observability.RelayEvents().WithLabelValues(event.Envelope.Type).Inc()
	s.hub.broadcast(event.Envelope, nil)
}

func errorEnvelope(scope, message string) dto.Envelope {
	envelope, _ := dto.NewEnvelope(dto.EventError, scope, "", dto.ErrorPayload{Message: message})
	return envelope
}

func (h *relayHub) register(client *relayClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.joined[client] = make(map[string]struct{})
}

// unregister removes client everywhere and returns the scopes its user has left entirely.
func (h *relayHub) unregister(client *relayClient) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var gone []string
	for scope := range h.joined[client] {
		h.removeLocked(client, scope)
		if !h.userPresentLocked(scope, client.options.UserID) {
			gone = append(gone, scope)
		}
	}
	delete(h.joined, client)
	sort.Strings(gone)
	return gone
}

// join adds client to scope and reports whether its user just came online there.
func (h *relayHub) join(client *relayClient, scope string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	scopes, ok := h.joined[client]
	if !ok {
		return false
	}
	if _, already := scopes[scope]; already {
		return false
	}

	first := !h.userPresentLocked(scope, client.options.UserID)
	if _, exists := h.scopes[scope]; !exists {
		h.scopes[scope] = make(map[*relayClient]struct{})
	}
	h.scopes[scope][client] = struct{}{}
	scopes[scope] = struct{}{}
	h.log.Debug().Str("scope_id", scope).Str("user_id", client.options.UserID).Msg("relay client joined scope")
	return first
}

// leave removes client from scope and reports whether its user is now gone from it.
func (h *relayHub) leave(client *relayClient, scope string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.joined[client][scope]; !ok {
		return false
	}
	h.removeLocked(client, scope)
	delete(h.joined[client], scope)
	return !h.userPresentLocked(scope, client.options.UserID)
}

func (h *relayHub) member(client *relayClient, scope string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.joined[client][scope]
	return ok
}

func (h *relayHub) users(scope string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]struct{})
	for client := range h.scopes[scope] {
		seen[client.options.UserID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for user := range seen {
		out = append(out, user)
	}
	sort.Strings(out)
	return out
}

func (h *relayHub) broadcast(envelope dto.Envelope, except *relayClient) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.scopes[envelope.Scope] {
		if client == except {
			continue
		}
		select {
		case client.send <- envelope:
		default:
			h.log.Warn().Str("scope_id", envelope.Scope).Str("user_id", client.options.UserID).Msg("dropping relay event for slow client")
		}
	}
}

func (h *relayHub) removeLocked(client *relayClient, scope string) {
	if clients, ok := h.scopes[scope]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.scopes, scope)
		}
	}
}

func (h *relayHub) userPresentLocked(scope, userID string) bool {
	for client := range h.scopes[scope] {
		if client.options.UserID == userID {
			return true
		}
	}
	return false
}

func (c *relayClient) deliver(envelope dto.Envelope) {
	select {
	case <-c.closed:
	case c.send <- envelope:
	default:
		c.service.logger.Warn().Str("user_id", c.options.UserID).Msg("relay queue full, dropping direct frame")
	}
}

func (c *relayClient) reader() {
	defer c.close()

	c.conn.SetReadLimit(relayMaxFrameBytes)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.service.logger.Debug().Err(err).Str("user_id", c.options.UserID).Msg("relay read loop ended")
			return
		}
		c.service.handleFrame(c, raw)
	}
}

func (c *relayClient) writer() {
	defer c.close()

	ticker := time.NewTicker(relayPingInterval)
	defer ticker.Stop()

	for {
		select {
		case envelope := <-c.send:
			if err := c.conn.WriteJSON(envelope); err != nil {
				c.service.logger.Debug().Err(err).Msg("relay write loop terminated")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, []byte("keepalive")); err != nil {
				c.service.logger.Debug().Err(err).Msg("relay ping failed")
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *relayClient) close() {
	c.once.Do(func() {
		close(c.closed)
		c.service.disconnect(c)
		observability.RelayConnectionsActive().Dec()
		_ = c.conn.Close()
	})
}
