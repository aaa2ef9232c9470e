package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-live/internal/models"
	"github.com/noah-isme/gema-live/internal/observability"
)

// DiscussionSource is the read side of the collaborator API.
type DiscussionSource interface {
	ListDiscussions(ctx context.Context, scope string, filter models.DiscussionFilter) ([]models.Discussion, error)
	ListReplies(ctx context.Context, discussionID string) ([]models.Reply, error)
}

// Snapshot is a point-in-time fetch of a scope's discussions.
type Snapshot struct {
	Scope       string
	Filter      models.DiscussionFilter
	Discussions []models.Discussion
	FetchedAt   time.Time
}

// ReplySnapshot is a point-in-time fetch of one discussion's replies.
type ReplySnapshot struct {
	DiscussionID string
	Replies      []models.Reply
	FetchedAt    time.Time
}

// SnapshotLoader pulls authoritative baselines from the collaborator.
type SnapshotLoader struct {
	source  DiscussionSource
	timeout time.Duration
	logger  zerolog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewSnapshotLoader constructs a loader. A zero timeout leaves deadlines to the caller.
func NewSnapshotLoader(source DiscussionSource, timeout time.Duration, logger zerolog.Logger) *SnapshotLoader {
	return &SnapshotLoader{
		source:  source,
		timeout: timeout,
		logger:  logger.With().Str("component", "snapshot_loader").Logger(),
		tracer:  otel.Tracer("github.com/noah-isme/gema-live/internal/service/snapshot"),
		now:     time.Now,
	}
}

// Load fetches the discussions of a scope matching filter.
func (l *SnapshotLoader) Load(ctx context.Context, scope string, filter models.DiscussionFilter) (Snapshot, error) {
	filter = filter.Normalize()

	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	spanCtx, span := l.tracer.Start(ctx, "snapshot.load", trace.WithAttributes(
		attribute.String("scope_id", scope),
		attribute.String("filter.category", filter.Category),
		attribute.String("filter.sort", string(filter.Sort)),
	))
	defer span.End()

	fetchedAt := l.now().UTC()
	started := time.Now()
	discussions, err := l.source.ListDiscussions(spanCtx, scope, filter)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "snapshot fetch failed")
		observability.SnapshotLoads().WithLabelValues("error").Observe(time.Since(started).Seconds())
		return Snapshot{}, fmt.Errorf("load snapshot for %s: %w", scope, err)
	}
	observability.SnapshotLoads().WithLabelValues("ok").Observe(time.Since(started).Seconds())
	span.SetAttributes(attribute.Int("snapshot.discussions", len(discussions)))

	l.logger.Debug().Str("scope_id", scope).Int("discussions", len(discussions)).Msg("snapshot fetched")

	return Snapshot{
		Scope:       scope,
		Filter:      filter,
		Discussions: discussions,
		FetchedAt:   fetchedAt,
	}, nil
}

// LoadReplies fetches the replies of one discussion.
func (l *SnapshotLoader) LoadReplies(ctx context.Context, scope, discussionID string) (ReplySnapshot, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	spanCtx, span := l.tracer.Start(ctx, "snapshot.load_replies", trace.WithAttributes(
		attribute.String("scope_id", scope),
		attribute.String("discussion_id", discussionID),
	))
	defer span.End()

	fetchedAt := l.now().UTC()
	replies, err := l.source.ListReplies(spanCtx, discussionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reply fetch failed")
		return ReplySnapshot{}, fmt.Errorf("load replies for %s: %w", discussionID, err)
	}
	span.SetAttributes(attribute.Int("snapshot.replies", len(replies)))

	return ReplySnapshot{
		DiscussionID: discussionID,
		Replies:      replies,
		FetchedAt:    fetchedAt,
	}, nil
}

func (l *SnapshotLoader) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, l.timeout)
}
