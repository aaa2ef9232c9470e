package service

import (
	"context"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-live/internal/dto"
	"github.com/noah-isme/gema-live/internal/models"
	"github.com/noah-isme/gema-live/internal/observability"
)

// DefaultEchoWindow bounds how far apart a speculative entity and its
// authoritative echo may be created when no correlation id is echoed.
const DefaultEchoWindow = 10 * time.Second

// WriteAPI is the write side of the collaborator API. Every call carries the
// correlation id of the write so the push echo can be matched.
type WriteAPI interface {
	CreateDiscussion(ctx context.Context, scope string, payload dto.DiscussionCreateRequest, correlationID string) (models.Discussion, error)
	UpdateDiscussion(ctx context.Context, discussionID string, payload dto.DiscussionUpdateRequest, correlationID string) (models.Discussion, error)
	DeleteDiscussion(ctx context.Context, discussionID, correlationID string) error
	CreateReply(ctx context.Context, discussionID string, payload dto.ReplyCreateRequest, correlationID string) (models.Reply, error)
	DeleteReply(ctx context.Context, replyID, correlationID string) error
	React(ctx context.Context, payload dto.ReactionRequest, correlationID string) (models.Reaction, error)
	SetPin(ctx context.Context, discussionID string, pinned bool, correlationID string) (models.Discussion, error)
}

type writeKind string

const (
	writeDiscussion writeKind = "create_discussion"
	writeReply      writeKind = "create_reply"
	writeReaction   writeKind = "react"
	writePin        writeKind = "pin"
	writeUpdate     writeKind = "update_discussion"
	writeDelete     writeKind = "delete"
)

type pendingWrite struct {
	kind          writeKind
	specID        string
	scope         string
	authorID      string
	title         string
	body          string
	discussionID  string
	parentReplyID string
	createdAt     time.Time
}

// OptimisticMutator applies user writes locally before the collaborator
// confirms them and reconciles them with the authoritative copy.
type OptimisticMutator struct {
	mu         sync.Mutex
	pending    map[string]*pendingWrite
	reconciler *EventReconciler
	writer     WriteAPI
	actorID    string
	echoWindow time.Duration
	content    *bluemonday.Policy
	validator  *validator.Validate
	logger     zerolog.Logger
	tracer     trace.Tracer
	now        func() time.Time
	newID      func() string
}

// NewOptimisticMutator constructs a mutator acting as actorID and registers
// it as the reconciler's echo matcher.
func NewOptimisticMutator(reconciler *EventReconciler, writer WriteAPI, actorID string, echoWindow time.Duration, validate *validator.Validate, logger zerolog.Logger) *OptimisticMutator {
	if echoWindow <= 0 {
		echoWindow = DefaultEchoWindow
	}
	if validate == nil {
		validate = validator.New()
	}
	mutator := &OptimisticMutator{
		pending:    make(map[string]*pendingWrite),
		reconciler: reconciler,
		writer:     writer,
		actorID:    actorID,
		echoWindow: echoWindow,
		content:    newContentPolicy(),
		validator:  validate,
		logger:     logger.With().Str("component", "optimistic_mutator").Logger(),
		tracer:     otel.Tracer("github.com/noah-isme/gema-live/internal/service/optimistic"),
		now:        time.Now,
		newID:      func() string { return ulid.Make().String() },
	}
	reconciler.SetEchoMatcher(mutator)
	return mutator
}

// CreateDiscussion posts a discussion, showing it in the scope immediately.
func (m *OptimisticMutator) CreateDiscussion(ctx context.Context, scope string, payload dto.DiscussionCreateRequest) (models.Discussion, error) {
	if err := m.validator.Struct(payload); err != nil {
		return models.Discussion{}, err
	}

	correlationID := m.newID()
	specID := speculativeID(correlationID)
	now := m.now().UTC()

	speculative := models.Discussion{
		ID:            specID,
		ScopeID:       scope,
		Title:         strings.TrimSpace(payload.Title),
		Body:          strings.TrimSpace(payload.Body),
		Category:      strings.TrimSpace(payload.Category),
		AuthorID:      m.actorID,
		CreatedAt:     now,
		UpdatedAt:     now,
		CorrelationID: correlationID,
	}
	if err := m.reconciler.InsertSpeculativeDiscussion(speculative); err != nil {
		return models.Discussion{}, err
	}
	m.track(correlationID, &pendingWrite{
		kind:      writeDiscussion,
		specID:    specID,
		scope:     scope,
		authorID:  m.actorID,
		title:     m.echoText(speculative.Title),
		body:      m.echoText(speculative.Body),
		createdAt: now,
	})

	spanCtx, span := m.startSpan(ctx, writeDiscussion, correlationID, attribute.String("scope_id", scope))
	defer span.End()

	confirmed, err := m.writer.CreateDiscussion(spanCtx, scope, payload, correlationID)
	m.untrack(correlationID)
	if err != nil {
		m.reconciler.DropSpeculativeDiscussion(specID)
		return models.Discussion{}, m.fail(span, writeDiscussion, correlationID, err)
	}

	outcome := m.reconciler.ConfirmDiscussion(specID, confirmed)
	m.succeed(writeDiscussion, correlationID, outcome)
	return confirmed, nil
}

// CreateReply posts a reply, showing it under its discussion immediately.
func (m *OptimisticMutator) CreateReply(ctx context.Context, discussionID string, payload dto.ReplyCreateRequest) (models.Reply, error) {
	if err := m.validator.Struct(payload); err != nil {
		return models.Reply{}, err
	}

	correlationID := m.newID()
	specID := speculativeID(correlationID)
	now := m.now().UTC()

	speculative := models.Reply{
		ID:            specID,
		DiscussionID:  discussionID,
		ParentReplyID: strings.TrimSpace(payload.ParentReplyID),
		Body:          strings.TrimSpace(payload.Body),
		AuthorID:      m.actorID,
		CreatedAt:     now,
		UpdatedAt:     now,
		CorrelationID: correlationID,
	}
	scope, err := m.reconciler.InsertSpeculativeReply(speculative)
	if err != nil {
		return models.Reply{}, err
	}
	m.track(correlationID, &pendingWrite{
		kind:          writeReply,
		specID:        specID,
		scope:         scope,
		authorID:      m.actorID,
		body:          m.echoText(speculative.Body),
		discussionID:  discussionID,
		parentReplyID: speculative.ParentReplyID,
		createdAt:     now,
	})

	spanCtx, span := m.startSpan(ctx, writeReply, correlationID, attribute.String("discussion_id", discussionID))
	defer span.End()

	confirmed, err := m.writer.CreateReply(spanCtx, discussionID, payload, correlationID)
	m.untrack(correlationID)
	if err != nil {
		m.reconciler.DropSpeculativeReply(specID)
		return models.Reply{}, m.fail(span, writeReply, correlationID, err)
	}

	outcome := m.reconciler.ConfirmReply(specID, confirmed)
	m.succeed(writeReply, correlationID, outcome)
	return confirmed, nil
}

// React sets, replaces or withdraws the local actor's reaction on a target.
func (m *OptimisticMutator) React(ctx context.Context, payload dto.ReactionRequest) (models.Reaction, error) {
	if err := m.validator.Struct(payload); err != nil {
		return models.Reaction{}, err
	}

	correlationID := m.newID()
	reaction := models.Reaction{
		TargetType: models.TargetType(payload.TargetType),
		TargetID:   payload.TargetID,
		ActorID:    m.actorID,
		Emoji:      payload.Emoji,
		Removed:    payload.Removed,
	}
	undo, scope, err := m.reconciler.ApplyLocalReaction(reaction)
	if err != nil {
		return models.Reaction{}, err
	}
	m.track(correlationID, &pendingWrite{kind: writeReaction, scope: scope, authorID: m.actorID, createdAt: m.now().UTC()})

	spanCtx, span := m.startSpan(ctx, writeReaction, correlationID, attribute.String("reaction.target", reaction.TargetKey()))
	defer span.End()

	confirmed, err := m.writer.React(spanCtx, payload, correlationID)
	m.untrack(correlationID)
	if err != nil {
		m.reconciler.RollbackReaction(undo)
		return models.Reaction{}, m.fail(span, writeReaction, correlationID, err)
	}

	if confirmed.ActorID == "" {
		confirmed.ActorID = m.actorID
	}
	outcome := m.reconciler.ConfirmReaction(confirmed)
	m.succeed(writeReaction, correlationID, outcome)
	return confirmed, nil
}

// SetPin toggles the pinned flag. The collaborator only accepts it from
// organizer-capable actors; a rejection restores the previous flag.
func (m *OptimisticMutator) SetPin(ctx context.Context, discussionID string, pinned bool) (models.Discussion, error) {
	correlationID := m.newID()
	previous, scope, err := m.reconciler.SetPinSpeculative(discussionID, pinned, correlationID)
	if err != nil {
		return models.Discussion{}, err
	}
	m.track(correlationID, &pendingWrite{kind: writePin, scope: scope, discussionID: discussionID, createdAt: m.now().UTC()})

	spanCtx, span := m.startSpan(ctx, writePin, correlationID,
		attribute.String("discussion_id", discussionID),
		attribute.Bool("discussion.pinned", pinned),
	)
	defer span.End()

	confirmed, err := m.writer.SetPin(spanCtx, discussionID, pinned, correlationID)
	m.untrack(correlationID)
	if err != nil {
		m.reconciler.RollbackPin(discussionID, correlationID, previous)
		return models.Discussion{}, m.fail(span, writePin, correlationID, err)
	}

	outcome := m.reconciler.ConfirmDiscussionUpdate(confirmed, correlationID)
	m.succeed(writePin, correlationID, outcome)
	return confirmed, nil
}

// UpdateDiscussion edits a discussion. Edits are not applied speculatively;
// the returned copy goes through the reconciler like any update event.
func (m *OptimisticMutator) UpdateDiscussion(ctx context.Context, discussionID string, payload dto.DiscussionUpdateRequest) (models.Discussion, error) {
	if err := m.validator.Struct(payload); err != nil {
		return models.Discussion{}, err
	}

	correlationID := m.newID()
	spanCtx, span := m.startSpan(ctx, writeUpdate, correlationID, attribute.String("discussion_id", discussionID))
	defer span.End()

	updated, err := m.writer.UpdateDiscussion(spanCtx, discussionID, payload, correlationID)
	if err != nil {
		return models.Discussion{}, m.fail(span, writeUpdate, correlationID, err)
	}

	outcome := m.reconciler.Apply(Event{
		Kind:          dto.EventDiscussionUpdated,
		Scope:         updated.ScopeID,
		CorrelationID: correlationID,
		Discussion:    &updated,
		ReceivedAt:    m.now().UTC(),
	})
	m.succeed(writeUpdate, correlationID, outcome)
	return updated, nil
}

// DeleteDiscussion removes a discussion and, through the cascade, its replies.
func (m *OptimisticMutator) DeleteDiscussion(ctx context.Context, discussionID string) error {
	current, ok := m.reconciler.Discussion(discussionID)
	if !ok || isSpeculative(discussionID) {
		return ErrUnknownTarget
	}

	correlationID := m.newID()
	spanCtx, span := m.startSpan(ctx, writeDelete, correlationID, attribute.String("discussion_id", discussionID))
	defer span.End()

	if err := m.writer.DeleteDiscussion(spanCtx, discussionID, correlationID); err != nil {
		return m.fail(span, writeDelete, correlationID, err)
	}

	outcome := m.reconciler.Apply(Event{
		Kind:          dto.EventDiscussionDeleted,
		Scope:         current.ScopeID,
		CorrelationID: correlationID,
		Deleted:       &dto.DeletedRef{ID: discussionID},
		ReceivedAt:    m.now().UTC(),
	})
	m.succeed(writeDelete, correlationID, outcome)
	return nil
}

// DeleteReply removes a reply and its descendants.
func (m *OptimisticMutator) DeleteReply(ctx context.Context, replyID string) error {
	scope, discussionID, ok := m.reconciler.ReplyScope(replyID)
	if !ok || isSpeculative(replyID) {
		return ErrUnknownTarget
	}

	correlationID := m.newID()
	spanCtx, span := m.startSpan(ctx, writeDelete, correlationID, attribute.String("reply_id", replyID))
	defer span.End()

	if err := m.writer.DeleteReply(spanCtx, replyID, correlationID); err != nil {
		return m.fail(span, writeDelete, correlationID, err)
	}

	outcome := m.reconciler.Apply(Event{
		Kind:          dto.EventReplyDeleted,
		Scope:         scope,
		CorrelationID: correlationID,
		Deleted:       &dto.DeletedRef{ID: replyID, DiscussionID: discussionID},
		ReceivedAt:    m.now().UTC(),
	})
	m.succeed(writeDelete, correlationID, outcome)
	return nil
}

// Pending reports how many writes still wait for a collaborator response.
func (m *OptimisticMutator) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// MatchDiscussion implements EchoMatcher. An echoed correlation id is
// authoritative; without one the write is matched on author and content.
func (m *OptimisticMutator) MatchDiscussion(scope string, discussion models.Discussion, correlationID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if correlationID != "" {
		return m.claimLocked(correlationID, writeDiscussion)
	}

	for id, write := range m.pending {
		if write.kind != writeDiscussion || write.scope != scope || write.authorID != discussion.AuthorID {
			continue
		}
		if write.title != m.echoText(discussion.Title) || write.body != m.echoText(discussion.Body) {
			continue
		}
		if !m.withinWindow(write.createdAt, discussion.CreatedAt) {
			continue
		}
		delete(m.pending, id)
		m.logger.Debug().Str("correlation_id", id).Str("discussion_id", discussion.ID).Msg("discussion echo matched by content")
		return write.specID, true
	}
	return "", false
}

// MatchReply implements EchoMatcher for replies.
func (m *OptimisticMutator) MatchReply(reply models.Reply, correlationID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if correlationID != "" {
		return m.claimLocked(correlationID, writeReply)
	}

	for id, write := range m.pending {
		if write.kind != writeReply || write.discussionID != reply.DiscussionID || write.authorID != reply.AuthorID {
			continue
		}
		if write.parentReplyID != reply.ParentReplyID || write.body != m.echoText(reply.Body) {
			continue
		}
		if !m.withinWindow(write.createdAt, reply.CreatedAt) {
			continue
		}
		delete(m.pending, id)
		m.logger.Debug().Str("correlation_id", id).Str("reply_id", reply.ID).Msg("reply echo matched by content")
		return write.specID, true
	}
	return "", false
}

// MatchWrite implements EchoMatcher for writes that do not create entities.
func (m *OptimisticMutator) MatchWrite(correlationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pending[correlationID]; ok {
		delete(m.pending, correlationID)
		m.logger.Debug().Str("correlation_id", correlationID).Msg("write echo observed")
	}
}

// echoText reduces a title or body to what survives the collaborator's
// sanitiser, so a local draft compares equal to its stored echo.
func (m *OptimisticMutator) echoText(value string) string {
	return strings.TrimSpace(html.UnescapeString(m.content.Sanitize(value)))
}

func (m *OptimisticMutator) claimLocked(correlationID string, kind writeKind) (string, bool) {
	write, ok := m.pending[correlationID]
	if !ok || write.kind != kind {
		return "", false
	}
	delete(m.pending, correlationID)
	return write.specID, true
}

func (m *OptimisticMutator) withinWindow(local, remote time.Time) bool {
	if remote.IsZero() {
		return true
	}
	delta := remote.Sub(local)
	if delta < 0 {
		delta = -delta
	}
	return delta <= m.echoWindow
}

func (m *OptimisticMutator) track(correlationID string, write *pendingWrite) {
	m.mu.Lock()
	m.pending[correlationID] = write
	m.mu.Unlock()
}

func (m *OptimisticMutator) untrack(correlationID string) {
	m.mu.Lock()
	delete(m.pending, correlationID)
	m.mu.Unlock()
}

func (m *OptimisticMutator) startSpan(ctx context.Context, kind writeKind, correlationID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String("correlation_id", correlationID),
		attribute.String("actor_id", m.actorID),
	)
	return m.tracer.Start(ctx, "optimistic."+string(kind), trace.WithAttributes(attrs...))
}

func (m *OptimisticMutator) fail(span trace.Span, kind writeKind, correlationID string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, "write rejected")
	observability.OptimisticWrites().WithLabelValues(string(kind), "rolled_back").Inc()
	m.logger.Warn().
		Err(err).
		Str("operation", string(kind)).
		Str("correlation_id", correlationID).
		Msg("write failed, local change rolled back")
	return fmt.Errorf("%s: %w", strings.ReplaceAll(string(kind), "_", " "), err)
}

func (m *OptimisticMutator) succeed(kind writeKind, correlationID string, outcome ApplyOutcome) {
	observability.OptimisticWrites().WithLabelValues(string(kind), "confirmed").Inc()
	m.logger.Debug().
		Str("operation", string(kind)).
		Str("correlation_id", correlationID).
		Str("outcome", string(outcome)).
		Msg("write confirmed")
}
