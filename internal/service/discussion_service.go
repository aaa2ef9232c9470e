package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"

	"github.com/noah-isme/gema-live/internal/dto"
	"github.com/noah-isme/gema-live/internal/models"
	"github.com/noah-isme/gema-live/internal/repository"
)

var (
	// ErrDiscussionForbidden indicates the user attempted an operation they are not allowed to perform.
	ErrDiscussionForbidden = errors.New("insufficient permissions for discussion operation")
	// ErrDiscussionNotFound is returned when the discussion, reply or reaction does not exist.
	ErrDiscussionNotFound = errors.New("discussion entity not found")
	// ErrReplyParentMismatch rejects a nested reply whose parent sits on another discussion.
	ErrReplyParentMismatch = errors.New("parent reply belongs to another discussion")
	// ErrEmptyContent is returned when sanitization leaves nothing to store.
	ErrEmptyContent = errors.New("content empty after sanitization")
)

// Actor is the authenticated caller of a relay write.
type Actor struct {
	ID   string
	Role string
}

// IsOrganizer reports whether the actor may moderate a scope.
func (a Actor) IsOrganizer() bool {
	switch strings.ToLower(strings.TrimSpace(a.Role)) {
	case "organizer", "admin", "moderator":
		return true
	default:
		return false
	}
}

// EventPublisher delivers an envelope to every subscriber of its scope.
type EventPublisher interface {
	Publish(ctx context.Context, envelope dto.Envelope) error
}

// DiscussionService exposes the collaborator use-cases behind the REST surface.
type DiscussionService interface {
	List(ctx context.Context, scope string, query dto.DiscussionListQuery) ([]models.Discussion, error)
	Get(ctx context.Context, id string) (models.Discussion, error)
	ListReplies(ctx context.Context, discussionID string) ([]models.Reply, error)
	Create(ctx context.Context, actor Actor, scope string, payload dto.DiscussionCreateRequest, correlationID string) (models.Discussion, error)
	Update(ctx context.Context, actor Actor, id string, payload dto.DiscussionUpdateRequest, correlationID string) (models.Discussion, error)
	Delete(ctx context.Context, actor Actor, id, correlationID string) error
	CreateReply(ctx context.Context, actor Actor, discussionID string, payload dto.ReplyCreateRequest, correlationID string) (models.Reply, error)
	DeleteReply(ctx context.Context, actor Actor, replyID, correlationID string) error
	React(ctx context.Context, actor Actor, payload dto.ReactionRequest, correlationID string) (models.Reaction, error)
	SetPin(ctx context.Context, actor Actor, id string, pinned bool, correlationID string) (models.Discussion, error)
}

type discussionService struct {
	repo      repository.DiscussionRepository
	publisher EventPublisher
	validator *validator.Validate
	logger    zerolog.Logger
	tracer    trace.Tracer
	sanitizer *bluemonday.Policy
	now       func() time.Time
}

// NewDiscussionService constructs a discussion service.
func NewDiscussionService(repo repository.DiscussionRepository, publisher EventPublisher, validate *validator.Validate, logger zerolog.Logger) DiscussionService {
	return &discussionService{
		repo:      repo,
		publisher: publisher,
		validator: validate,
		logger:    logger.With().Str("component", "discussion_service").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-live/internal/service/discussion"),
		sanitizer: newContentPolicy(),
		now:       time.Now,
	}
}

func (s *discussionService) List(ctx context.Context, scope string, query dto.DiscussionListQuery) ([]models.Discussion, error) {
	if err := s.validator.Struct(query); err != nil {
		return nil, err
	}
	return s.repo.ListDiscussions(ctx, scope, query.Filter(), query.Limit, query.Offset)
}

func (s *discussionService) Get(ctx context.Context, id string) (models.Discussion, error) {
	discussion, err := s.repo.GetDiscussion(ctx, id)
	if err != nil {
		return models.Discussion{}, notFound(err)
	}
	return discussion, nil
}

func (s *discussionService) ListReplies(ctx context.Context, discussionID string) ([]models.Reply, error) {
	if _, err := s.repo.GetDiscussion(ctx, discussionID); err != nil {
		return nil, notFound(err)
	}
	return s.repo.ListReplies(ctx, discussionID)
}

func (s *discussionService) Create(ctx context.Context, actor Actor, scope string, payload dto.DiscussionCreateRequest, correlationID string) (models.Discussion, error) {
	if err := s.validator.Struct(payload); err != nil {
		return models.Discussion{}, err
	}

	title, err := s.clean(payload.Title)
	if err != nil {
		return models.Discussion{}, err
	}
	body, err := s.clean(payload.Body)
	if err != nil {
		return models.Discussion{}, err
	}

	spanCtx, span := s.startSpan(ctx, "discussion.create", actor, correlationID, attribute.String("discussion.scope_id", scope))
	defer span.End()

	now := s.now().UTC()
	discussion := models.Discussion{
		ScopeID:   scope,
		Title:     title,
		Body:      body,
		Category:  strings.TrimSpace(payload.Category),
		AuthorID:  actor.ID,
		Metadata:  datatypes.JSONMap{"created_by_role": actor.Role},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateDiscussion(spanCtx, &discussion); err != nil {
		recordSpanError(span, err)
		return models.Discussion{}, err
	}

	s.logger.Info().
		Str("discussion_id", discussion.ID).
		Str("scope_id", scope).
		Str("author_id", actor.ID).
		Str("correlation_id", correlationID).
		Msg("discussion created")

	s.publish(spanCtx, dto.EventDiscussionAdded, scope, correlationID, discussion)
	return discussion, nil
}

func (s *discussionService) Update(ctx context.Context, actor Actor, id string, payload dto.DiscussionUpdateRequest, correlationID string) (models.Discussion, error) {
	if err := s.validator.Struct(payload); err != nil {
		return models.Discussion{}, err
	}

	discussion, err := s.repo.GetDiscussion(ctx, id)
	if err != nil {
		return models.Discussion{}, notFound(err)
	}
	if err := authorizeMutation(discussion.AuthorID, actor); err != nil {
		return models.Discussion{}, err
	}

	if payload.Title != nil {
		if discussion.Title, err = s.clean(*payload.Title); err != nil {
			return models.Discussion{}, err
		}
	}
	if payload.Body != nil {
		if discussion.Body, err = s.clean(*payload.Body); err != nil {
			return models.Discussion{}, err
		}
	}
	if payload.Category != nil {
		discussion.Category = strings.TrimSpace(*payload.Category)
	}

	spanCtx, span := s.startSpan(ctx, "discussion.update", actor, correlationID, attribute.String("discussion.id", id))
	defer span.End()

	discussion.UpdatedAt = s.now().UTC()
	if err := s.repo.UpdateDiscussion(spanCtx, &discussion); err != nil {
		recordSpanError(span, err)
		return models.Discussion{}, notFound(err)
	}

	s.publish(spanCtx, dto.EventDiscussionUpdated, discussion.ScopeID, correlationID, discussion)
	return discussion, nil
}

func (s *discussionService) Delete(ctx context.Context, actor Actor, id, correlationID string) error {
	discussion, err := s.repo.GetDiscussion(ctx, id)
	if err != nil {
		return notFound(err)
	}
	if err := authorizeMutation(discussion.AuthorID, actor); err != nil {
		return err
	}

	spanCtx, span := s.startSpan(ctx, "discussion.delete", actor, correlationID, attribute.String("discussion.id", id))
	defer span.End()

	if err := s.repo.DeleteDiscussion(spanCtx, id); err != nil {
		recordSpanError(span, err)
		return notFound(err)
	}

	s.logger.Info().Str("discussion_id", id).Str("actor_id", actor.ID).Msg("discussion deleted")
	s.publish(spanCtx, dto.EventDiscussionDeleted, discussion.ScopeID, correlationID, dto.DeletedRef{ID: id})
	return nil
}

func (s *discussionService) CreateReply(ctx context.Context, actor Actor, discussionID string, payload dto.ReplyCreateRequest, correlationID string) (models.Reply, error) {
	if err := s.validator.Struct(payload); err != nil {
		return models.Reply{}, err
	}

	body, err := s.clean(payload.Body)
	if err != nil {
		return models.Reply{}, err
	}

	discussion, err := s.repo.GetDiscussion(ctx, discussionID)
	if err != nil {
		return models.Reply{}, notFound(err)
	}

	parentID := strings.TrimSpace(payload.ParentReplyID)
	if parentID != "" {
		parent, err := s.repo.GetReply(ctx, parentID)
		if err != nil {
			return models.Reply{}, notFound(err)
		}
		if parent.DiscussionID != discussionID {
			return models.Reply{}, ErrReplyParentMismatch
		}
	}

	spanCtx, span := s.startSpan(ctx, "discussion.reply", actor, correlationID, attribute.String("discussion.id", discussionID))
	defer span.End()

	now := s.now().UTC()
	reply := models.Reply{
		DiscussionID:  discussionID,
		ParentReplyID: parentID,
		Body:          body,
		AuthorID:      actor.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.CreateReply(spanCtx, &reply); err != nil {
		recordSpanError(span, err)
		return models.Reply{}, err
	}

	s.publish(spanCtx, dto.EventReplyAdded, discussion.ScopeID, correlationID, reply)
	s.republishDiscussion(spanCtx, discussionID)
	return reply, nil
}

func (s *discussionService) DeleteReply(ctx context.Context, actor Actor, replyID, correlationID string) error {
	reply, err := s.repo.GetReply(ctx, replyID)
	if err != nil {
		return notFound(err)
	}
	if err := authorizeMutation(reply.AuthorID, actor); err != nil {
		return err
	}
	discussion, err := s.repo.GetDiscussion(ctx, reply.DiscussionID)
	if err != nil {
		return notFound(err)
	}

	spanCtx, span := s.startSpan(ctx, "discussion.reply_delete", actor, correlationID, attribute.String("reply.id", replyID))
	defer span.End()

	removed, err := s.repo.DeleteReply(spanCtx, replyID)
	if err != nil {
		recordSpanError(span, err)
		return notFound(err)
	}

	s.logger.Info().Str("reply_id", replyID).Int("removed", len(removed)).Msg("reply deleted")
	s.publish(spanCtx, dto.EventReplyDeleted, discussion.ScopeID, correlationID, dto.DeletedRef{ID: replyID, DiscussionID: reply.DiscussionID})
	s.republishDiscussion(spanCtx, reply.DiscussionID)
	return nil
}

func (s *discussionService) React(ctx context.Context, actor Actor, payload dto.ReactionRequest, correlationID string) (models.Reaction, error) {
	if err := s.validator.Struct(payload); err != nil {
		return models.Reaction{}, err
	}

	targetType := models.TargetType(payload.TargetType)
	scope, err := s.targetScope(ctx, targetType, payload.TargetID)
	if err != nil {
		return models.Reaction{}, err
	}

	spanCtx, span := s.startSpan(ctx, "discussion.react", actor, correlationID,
		attribute.String("reaction.target_type", payload.TargetType),
		attribute.String("reaction.target_id", payload.TargetID),
	)
	defer span.End()

	now := s.now().UTC()
	var reaction models.Reaction
	if payload.Removed {
		reaction, err = s.repo.DeleteReaction(spanCtx, targetType, payload.TargetID, actor.ID)
		if err != nil {
			recordSpanError(span, err)
			return models.Reaction{}, notFound(err)
		}
		reaction.Removed = true
		reaction.UpdatedAt = now
	} else {
		reaction = models.Reaction{
			TargetType: targetType,
			TargetID:   payload.TargetID,
			ActorID:    actor.ID,
			Emoji:      strings.TrimSpace(payload.Emoji),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := s.repo.UpsertReaction(spanCtx, &reaction); err != nil {
			recordSpanError(span, err)
			return models.Reaction{}, err
		}
	}

	s.publish(spanCtx, dto.EventReactionAdded, scope, correlationID, reaction)
	return reaction, nil
}

func (s *discussionService) SetPin(ctx context.Context, actor Actor, id string, pinned bool, correlationID string) (models.Discussion, error) {
	if !actor.IsOrganizer() {
		s.logger.Warn().Str("discussion_id", id).Str("actor_id", actor.ID).Str("correlation_id", correlationID).Msg("pin rejected for non-organizer")
		return models.Discussion{}, ErrDiscussionForbidden
	}

	discussion, err := s.repo.GetDiscussion(ctx, id)
	if err != nil {
		return models.Discussion{}, notFound(err)
	}

	spanCtx, span := s.startSpan(ctx, "discussion.pin", actor, correlationID,
		attribute.String("discussion.id", id),
		attribute.Bool("discussion.pinned", pinned),
	)
	defer span.End()

	discussion.IsPinned = pinned
	discussion.UpdatedAt = s.now().UTC()
	if err := s.repo.UpdateDiscussion(spanCtx, &discussion); err != nil {
		recordSpanError(span, err)
		return models.Discussion{}, notFound(err)
	}

	s.publish(spanCtx, dto.EventDiscussionUpdated, discussion.ScopeID, correlationID, discussion)
	return discussion, nil
}

func (s *discussionService) targetScope(ctx context.Context, targetType models.TargetType, targetID string) (string, error) {
	switch targetType {
	case models.TargetDiscussion:
		discussion, err := s.repo.GetDiscussion(ctx, targetID)
		if err != nil {
			return "", notFound(err)
		}
		return discussion.ScopeID, nil
	case models.TargetReply:
		reply, err := s.repo.GetReply(ctx, targetID)
		if err != nil {
			return "", notFound(err)
		}
		discussion, err := s.repo.GetDiscussion(ctx, reply.DiscussionID)
		if err != nil {
			return "", notFound(err)
		}
		return discussion.ScopeID, nil
	default:
		return "", ErrDiscussionNotFound
	}
}

// republishDiscussion pushes the discussion's new reply count. It carries no
// correlation id so clients never mistake it for the echo of their write.
func (s *discussionService) republishDiscussion(ctx context.Context, id string) {
	discussion, err := s.repo.GetDiscussion(ctx, id)
	if err != nil {
		s.logger.Warn().Err(err).Str("discussion_id", id).Msg("failed to reload discussion after reply change")
		return
	}
	s.publish(ctx, dto.EventDiscussionUpdated, discussion.ScopeID, "", discussion)
}

func (s *discussionService) publish(ctx context.Context, kind, scope, correlationID string, payload interface{}) {
	if s.publisher == nil {
		return
	}

	envelope, err := dto.NewEnvelope(kind, scope, correlationID, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("type", kind).Msg("failed to encode push event")
		return
	}
	if err := s.publisher.Publish(ctx, envelope); err != nil {
		s.logger.Warn().Err(err).Str("type", kind).Str("scope_id", scope).Msg("failed to publish push event")
	}
}

// newContentPolicy is the sanitiser applied to titles and bodies before they are stored.
func newContentPolicy() *bluemonday.Policy {
	policy := bluemonday.UGCPolicy()
	policy.AllowElements("br")
	return policy
}

func (s *discussionService) clean(value string) (string, error) {
	sanitized := strings.TrimSpace(s.sanitizer.Sanitize(value))
	if sanitized == "" {
		return "", ErrEmptyContent
	}
	return sanitized, nil
}

func (s *discussionService) startSpan(ctx context.Context, name string, actor Actor, correlationID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String("discussion.actor_id", actor.ID),
		attribute.String("discussion.role", actor.Role),
	)
	if correlationID != "" {
		attrs = append(attrs, attribute.String("correlation_id", correlationID))
	}
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func authorizeMutation(ownerID string, actor Actor) error {
	if actor.ID != "" && actor.ID == ownerID {
		return nil
	}
	if actor.IsOrganizer() {
		return nil
	}
	return ErrDiscussionForbidden
}

func notFound(err error) error {
	if repository.IsNotFound(err) {
		return ErrDiscussionNotFound
	}
	return err
}
