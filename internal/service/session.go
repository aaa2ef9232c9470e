package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-live/internal/config"
	"github.com/noah-isme/gema-live/internal/dto"
	"github.com/noah-isme/gema-live/internal/models"
	"github.com/noah-isme/gema-live/internal/observability"
	"github.com/noah-isme/gema-live/internal/transport"
)

const maxSnapshotAttempts = 3

// SessionDeps are the collaborators a session talks to.
type SessionDeps struct {
	Source    DiscussionSource
	Writer    WriteAPI
	Dialer    transport.Dialer
	Validator *validator.Validate
	Logger    zerolog.Logger
}

// Session owns the push connection of one authenticated user together with
// every component built on it. Closing the session tears all of it down.
type Session struct {
	cfg         config.Config
	credentials transport.Credentials
	conn        *transport.ConnectionManager
	feed        *ChangeFeed
	reconciler  *EventReconciler
	loader      *SnapshotLoader
	presence    *PresenceTracker
	mutator     *OptimisticMutator
	logger      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	started     bool
	closed      bool
	signals     map[*TypingSignal]string
	unsubscribe func()
}

// NewSession wires a session for credentials. Nothing touches the network until Start.
func NewSession(cfg config.Config, credentials transport.Credentials, deps SessionDeps) (*Session, error) {
	if deps.Source == nil || deps.Writer == nil {
		return nil, errors.New("session requires a discussion source and a write api")
	}
	if credentials.UserID == "" {
		return nil, errors.New("session requires a user id")
	}

	logger := deps.Logger.With().Str("user_id", credentials.UserID).Logger()

	conn, err := transport.NewConnectionManager(transport.Options{
		URL:          cfg.PushURL,
		ReconnectMin: cfg.ReconnectMin,
		ReconnectMax: cfg.ReconnectMax,
		Dialer:       deps.Dialer,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create connection manager: %w", err)
	}

	feed := NewChangeFeed()
	reconciler := NewEventReconciler(NewReactionAggregator(), feed, cfg.BufferLimit, logger)
	ctx, cancel := context.WithCancel(context.Background())

	session := &Session{
		cfg:         cfg,
		credentials: credentials,
		conn:        conn,
		feed:        feed,
		reconciler:  reconciler,
		loader:      NewSnapshotLoader(deps.Source, cfg.SnapshotTimeout, logger),
		presence:    NewPresenceTracker(cfg.TypingTimeout, feed, logger),
		mutator:     NewOptimisticMutator(reconciler, deps.Writer, credentials.UserID, cfg.EchoWindow, deps.Validator, logger),
		logger:      logger.With().Str("component", "session").Logger(),
		ctx:         ctx,
		cancel:      cancel,
		signals:     make(map[*TypingSignal]string),
	}

	session.unsubscribe = conn.On(transport.AnyEvent, session.handleEnvelope)
	conn.OnConnected(session.handleConnected)
	conn.OnDisconnected(session.handleDisconnected)
	return session, nil
}

// Start opens the push connection and the presence sweeper.
func (s *Session) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.started {
		s.mu.Unlock()
		return transport.ErrAlreadyConnected
	}
	s.started = true
	s.mu.Unlock()

	if err := s.conn.Connect(s.ctx, s.credentials); err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return fmt.Errorf("connect push channel: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.presence.Run(s.ctx, s.cfg.SweepInterval)
	}()
	return nil
}

// OpenScope joins a scope and loads its snapshot. Events arriving during the
// fetch are buffered and replayed on top of it.
func (s *Session) OpenScope(ctx context.Context, scope string, filter models.DiscussionFilter) error {
	if s.isClosed() {
		return ErrSessionClosed
	}

	token := s.reconciler.Open(scope, filter)
	if err := s.conn.JoinScope(scope); err != nil {
		s.logger.Warn().Err(err).Str("scope_id", scope).Msg("join scope not sent, will join on reconnect")
	}
	return s.load(ctx, token)
}

// Refresh refetches a scope's snapshot. It is the retry path after a failed load.
func (s *Session) Refresh(ctx context.Context, scope string) error {
	if s.isClosed() {
		return ErrSessionClosed
	}

	token, err := s.reconciler.BeginSnapshot(scope)
	if err != nil {
		return err
	}
	if err := s.load(ctx, token); err != nil {
		return err
	}
	return s.reloadReplies(ctx, scope)
}

// SetFilter changes the listing filter of a scope and refetches it.
func (s *Session) SetFilter(ctx context.Context, scope string, filter models.DiscussionFilter) error {
	if err := s.reconciler.SetFilter(scope, filter); err != nil {
		return err
	}
	return s.Refresh(ctx, scope)
}

// LoadReplies fetches the replies of one discussion on demand.
func (s *Session) LoadReplies(ctx context.Context, scope, discussionID string) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	if err := s.reconciler.BeginReplies(scope, discussionID); err != nil {
		return err
	}

	snapshot, err := s.loader.LoadReplies(ctx, scope, discussionID)
	if err != nil {
		s.reconciler.AbortReplies(discussionID)
		return err
	}
	return s.reconciler.MergeReplies(scope, discussionID, snapshot.Replies)
}

// CloseScope leaves a scope, dropping its state and typing timers.
func (s *Session) CloseScope(scope string) error {
	s.mu.Lock()
	signals := make([]*TypingSignal, 0)
	for signal, signalScope := range s.signals {
		if signalScope == scope {
			signals = append(signals, signal)
		}
	}
	s.mu.Unlock()

	for _, signal := range signals {
		signal.Close()
	}

	err := s.conn.LeaveScope(scope)
	s.reconciler.Leave(scope)
	s.presence.ClearScope(scope)
	return err
}

// Watch subscribes to change signals of a scope.
func (s *Session) Watch(scope string) (<-chan struct{}, func()) {
	return s.feed.Subscribe(scope)
}

// State returns the subscription state of a scope.
func (s *Session) State(scope string) models.ScopeState {
	return s.reconciler.State(scope)
}

// Discussions lists the reconciled discussions of a scope.
func (s *Session) Discussions(scope string) []models.Discussion {
	return s.reconciler.Discussions(scope)
}

// Discussion returns one reconciled discussion.
func (s *Session) Discussion(id string) (models.Discussion, bool) {
	return s.reconciler.Discussion(id)
}

// Replies lists the reconciled replies of a discussion.
func (s *Session) Replies(discussionID string) []models.Reply {
	return s.reconciler.Replies(discussionID)
}

// Online lists the users online in a scope.
func (s *Session) Online(scope string) []string {
	return s.presence.Online(scope)
}

// TypingUsers lists who is typing on a discussion.
func (s *Session) TypingUsers(scope, discussionID string) []models.TypingEntry {
	return s.presence.Typing(scope, discussionID)
}

// Typing returns the outbound typing signal for a discussion input. The
// caller closes it when the input goes away.
func (s *Session) Typing(scope, discussionID string) *TypingSignal {
	signal := NewTypingSignal(s.conn, scope, discussionID, s.cfg.TypingThrottle, s.cfg.TypingTimeout, s.logger)
	signal.onClose = func() {
		s.mu.Lock()
		delete(s.signals, signal)
		s.mu.Unlock()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		signal.Close()
		return signal
	}
	s.signals[signal] = scope
	s.mu.Unlock()
	return signal
}

// CreateDiscussion posts a discussion optimistically.
func (s *Session) CreateDiscussion(ctx context.Context, scope string, payload dto.DiscussionCreateRequest) (models.Discussion, error) {
	return s.mutator.CreateDiscussion(ctx, scope, payload)
}

// UpdateDiscussion edits a discussion.
func (s *Session) UpdateDiscussion(ctx context.Context, discussionID string, payload dto.DiscussionUpdateRequest) (models.Discussion, error) {
	return s.mutator.UpdateDiscussion(ctx, discussionID, payload)
}

// DeleteDiscussion removes a discussion.
func (s *Session) DeleteDiscussion(ctx context.Context, discussionID string) error {
	return s.mutator.DeleteDiscussion(ctx, discussionID)
}

// CreateReply posts a reply optimistically.
func (s *Session) CreateReply(ctx context.Context, discussionID string, payload dto.ReplyCreateRequest) (models.Reply, error) {
	return s.mutator.CreateReply(ctx, discussionID, payload)
}

// DeleteReply removes a reply.
func (s *Session) DeleteReply(ctx context.Context, replyID string) error {
	return s.mutator.DeleteReply(ctx, replyID)
}

// React reacts to a discussion or reply optimistically.
func (s *Session) React(ctx context.Context, payload dto.ReactionRequest) (models.Reaction, error) {
	return s.mutator.React(ctx, payload)
}

// SetPin toggles the pinned flag optimistically.
func (s *Session) SetPin(ctx context.Context, discussionID string, pinned bool) (models.Discussion, error) {
	return s.mutator.SetPin(ctx, discussionID, pinned)
}

// Close tears down the connection, timers and feeds. It is safe to call twice.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	signals := make([]*TypingSignal, 0, len(s.signals))
	for signal := range s.signals {
		signals = append(signals, signal)
	}
	s.mu.Unlock()

	for _, signal := range signals {
		signal.Close()
	}

	s.cancel()
	s.conn.Close()
	s.unsubscribe()
	s.wg.Wait()
	s.feed.Close()
}

func (s *Session) load(ctx context.Context, token SnapshotToken) error {
	for attempt := 1; ; attempt++ {
		snapshot, err := s.loader.Load(ctx, token.Scope, s.reconciler.Filter(token.Scope))
		if err != nil {
			if failErr := s.reconciler.FailSnapshot(token, err); errors.Is(failErr, ErrSnapshotSuperseded) {
				return nil
			}
			return err
		}

		err = s.reconciler.ApplySnapshot(token, snapshot)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrSnapshotSuperseded):
			return nil
		case errors.Is(err, ErrBufferOverflow) && attempt < maxSnapshotAttempts:
			s.logger.Warn().Str("scope_id", token.Scope).Int("attempt", attempt).Msg("retrying snapshot after buffer overflow")
			next, beginErr := s.reconciler.BeginSnapshot(token.Scope)
			if beginErr != nil {
				return beginErr
			}
			token = next
		default:
			_ = s.reconciler.FailSnapshot(token, err)
			return err
		}
	}
}

func (s *Session) reloadReplies(ctx context.Context, scope string) error {
	for _, discussionID := range s.reconciler.LoadedReplies(scope) {
		if err := s.LoadReplies(ctx, scope, discussionID); err != nil && !errors.Is(err, ErrUnknownTarget) {
			return err
		}
	}
	return nil
}

func (s *Session) handleEnvelope(envelope dto.Envelope) {
	switch envelope.Type {
	case dto.EventDiscussionAdded, dto.EventDiscussionUpdated, dto.EventDiscussionDeleted,
		dto.EventReplyAdded, dto.EventReplyUpdated, dto.EventReplyDeleted, dto.EventReactionAdded:
		event, err := DecodeEvent(envelope)
		if err != nil {
			observability.EventsDropped().WithLabelValues("unrecognized_shape").Inc()
			s.logger.Warn().Err(err).Str("type", envelope.Type).Str("scope_id", envelope.Scope).Msg("dropping undecodable event")
			return
		}
		s.reconciler.Apply(event)
	case dto.EventTyping, dto.EventStopTyping:
		var payload dto.TypingPayload
		if err := envelope.Decode(&payload); err != nil {
			observability.EventsDropped().WithLabelValues("malformed").Inc()
			return
		}
		if payload.UserID == "" || payload.UserID == s.credentials.UserID {
			return
		}
		if envelope.Type == dto.EventTyping {
			s.presence.NoteTyping(envelope.Scope, payload.DiscussionID, payload.UserID)
		} else {
			s.presence.StopTyping(envelope.Scope, payload.DiscussionID, payload.UserID)
		}
	case dto.EventUsersOnline:
		var payload dto.UsersOnlinePayload
		if err := envelope.Decode(&payload); err != nil {
			observability.EventsDropped().WithLabelValues("malformed").Inc()
			return
		}
		s.presence.ReplaceOnline(envelope.Scope, payload.Users)
	case dto.EventUserJoined, dto.EventUserLeft, dto.EventUserDisconnected:
		var payload dto.PresencePayload
		if err := envelope.Decode(&payload); err != nil {
			observability.EventsDropped().WithLabelValues("malformed").Inc()
			return
		}
		switch envelope.Type {
		case dto.EventUserJoined:
			s.presence.MarkOnline(envelope.Scope, payload.UserID)
		case dto.EventUserLeft:
			s.presence.MarkOffline(envelope.Scope, payload.UserID)
		case envelope.Scope != "":
			// the relay announces a disconnect per scope the user fully left
			s.presence.MarkOffline(envelope.Scope, payload.UserID)
		default:
			s.presence.Disconnected(payload.UserID)
		}
	case dto.EventError:
		var payload dto.ErrorPayload
		_ = envelope.Decode(&payload)
		s.logger.Warn().Str("scope_id", envelope.Scope).Str("message", payload.Message).Msg("relay rejected client action")
	default:
		s.logger.Debug().Str("type", envelope.Type).Msg("ignoring push event")
	}
}

// handleConnected runs before the new connection dispatches anything, so
// every scope is buffering again when the first event arrives.
func (s *Session) handleConnected(reconnect bool) {
	if !reconnect {
		return
	}

	for _, scope := range s.reconciler.OpenScopes() {
		token, err := s.reconciler.Resync(scope)
		if err != nil {
			continue
		}
		s.wg.Add(1)
		go func(token SnapshotToken) {
			defer s.wg.Done()
			if err := s.load(s.ctx, token); err != nil {
				s.logger.Warn().Err(err).Str("scope_id", token.Scope).Msg("resync snapshot failed")
				return
			}
			if err := s.reloadReplies(s.ctx, token.Scope); err != nil {
				s.logger.Warn().Err(err).Str("scope_id", token.Scope).Msg("resync replies failed")
			}
		}(token)
	}
}

func (s *Session) handleDisconnected(err error) {
	s.reconciler.MarkStale()
	s.presence.Reset()
	if !s.isClosed() {
		s.logger.Warn().Err(err).Msg("push channel dropped, scopes are stale")
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
