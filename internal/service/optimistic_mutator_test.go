package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-live/internal/dto"
	"github.com/noah-isme/gema-live/internal/models"
)

var errTestForbidden = errors.New("forbidden")

type stubWriteAPI struct {
	createDiscussion func(ctx context.Context, scope string, payload dto.DiscussionCreateRequest, correlationID string) (models.Discussion, error)
	updateDiscussion func(ctx context.Context, discussionID string, payload dto.DiscussionUpdateRequest, correlationID string) (models.Discussion, error)
	createReply      func(ctx context.Context, discussionID string, payload dto.ReplyCreateRequest, correlationID string) (models.Reply, error)
	react            func(ctx context.Context, payload dto.ReactionRequest, correlationID string) (models.Reaction, error)
	setPin           func(ctx context.Context, discussionID string, pinned bool, correlationID string) (models.Discussion, error)
	deleteErr        error
	deleted          []string
}

func (s *stubWriteAPI) CreateDiscussion(ctx context.Context, scope string, payload dto.DiscussionCreateRequest, correlationID string) (models.Discussion, error) {
	return s.createDiscussion(ctx, scope, payload, correlationID)
}

func (s *stubWriteAPI) UpdateDiscussion(ctx context.Context, discussionID string, payload dto.DiscussionUpdateRequest, correlationID string) (models.Discussion, error) {
	return s.updateDiscussion(ctx, discussionID, payload, correlationID)
}

func (s *stubWriteAPI) DeleteDiscussion(ctx context.Context, discussionID, correlationID string) error {
	s.deleted = append(s.deleted, discussionID)
	return s.deleteErr
}

func (s *stubWriteAPI) CreateReply(ctx context.Context, discussionID string, payload dto.ReplyCreateRequest, correlationID string) (models.Reply, error) {
	return s.createReply(ctx, discussionID, payload, correlationID)
}

func (s *stubWriteAPI) DeleteReply(ctx context.Context, replyID, correlationID string) error {
	s.deleted = append(s.deleted, replyID)
	return s.deleteErr
}

func (s *stubWriteAPI) React(ctx context.Context, payload dto.ReactionRequest, correlationID string) (models.Reaction, error) {
	return s.react(ctx, payload, correlationID)
}

func (s *stubWriteAPI) SetPin(ctx context.Context, discussionID string, pinned bool, correlationID string) (models.Discussion, error) {
	return s.setPin(ctx, discussionID, pinned, correlationID)
}

func newTestMutator(t *testing.T, writer WriteAPI, discussions ...models.Discussion) (*OptimisticMutator, *EventReconciler) {
	t.Helper()
	reconciler := newTestReconciler(16)
	syncScope(t, reconciler, discussions...)

	mutator := NewOptimisticMutator(reconciler, writer, "me", 10*time.Second, validator.New(), zerolog.Nop())
	mutator.now = func() time.Time { return baseTime }
	sequence := 0
	mutator.newID = func() string {
		sequence++
		return fmt.Sprintf("corr-%d", sequence)
	}
	return mutator, reconciler
}

func serverDiscussion(payload dto.DiscussionCreateRequest) models.Discussion {
	return models.Discussion{
		ID:        "srv-1",
		ScopeID:   testScope,
		Title:     payload.Title,
		Body:      payload.Body,
		Category:  payload.Category,
		AuthorID:  "me",
		CreatedAt: baseTime.Add(time.Second),
		UpdatedAt: baseTime.Add(time.Second),
	}
}

func TestMutatorCreateDiscussionEchoBeforeResponse(t *testing.T) {
	for name, echoCorrelation := range map[string]bool{"matched by correlation id": true, "matched by content": false} {
		t.Run(name, func(t *testing.T) {
			writer := &stubWriteAPI{}
			mutator, reconciler := newTestMutator(t, writer)

			writer.createDiscussion = func(ctx context.Context, scope string, payload dto.DiscussionCreateRequest, correlationID string) (models.Discussion, error) {
				listed := reconciler.Discussions(testScope)
				require.Len(t, listed, 1)
				require.True(t, listed[0].Pending)
				require.Equal(t, "local-"+correlationID, listed[0].ID)

				confirmed := serverDiscussion(payload)
				echo := Event{Kind: dto.EventDiscussionAdded, Scope: testScope, Discussion: &confirmed}
				if echoCorrelation {
					echo.CorrelationID = correlationID
				}
				require.Equal(t, OutcomeConfirmed, reconciler.Apply(echo))

				listed = reconciler.Discussions(testScope)
				require.Len(t, listed, 1)
				require.Equal(t, "srv-1", listed[0].ID)
				require.False(t, listed[0].Pending)
				return confirmed, nil
			}

			created, err := mutator.CreateDiscussion(context.Background(), testScope, dto.DiscussionCreateRequest{Title: "Shuttle schedule", Body: "When does it leave?"})
			require.NoError(t, err)
			require.Equal(t, "srv-1", created.ID)
			require.Equal(t, []string{"srv-1"}, discussionIDs(reconciler.Discussions(testScope)))
			require.Zero(t, mutator.Pending())
		})
	}
}

func TestMutatorCreateDiscussionEchoAfterResponse(t *testing.T) {
	writer := &stubWriteAPI{}
	mutator, reconciler := newTestMutator(t, writer)

	var correlation string
	writer.createDiscussion = func(ctx context.Context, scope string, payload dto.DiscussionCreateRequest, correlationID string) (models.Discussion, error) {
		correlation = correlationID
		return serverDiscussion(payload), nil
	}

	created, err := mutator.CreateDiscussion(context.Background(), testScope, dto.DiscussionCreateRequest{Title: "Shuttle schedule", Body: "When does it leave?"})
	require.NoError(t, err)
	require.Equal(t, []string{"srv-1"}, discussionIDs(reconciler.Discussions(testScope)))

	require.Equal(t, OutcomeDuplicate, reconciler.Apply(Event{Kind: dto.EventDiscussionAdded, Scope: testScope, CorrelationID: correlation, Discussion: &created}))
	require.Equal(t, []string{"srv-1"}, discussionIDs(reconciler.Discussions(testScope)))
}

func TestMutatorContentFallbackRespectsWindow(t *testing.T) {
	writer := &stubWriteAPI{}
	mutator, reconciler := newTestMutator(t, writer)

	writer.createDiscussion = func(ctx context.Context, scope string, payload dto.DiscussionCreateRequest, correlationID string) (models.Discussion, error) {
		late := serverDiscussion(payload)
		late.CreatedAt = baseTime.Add(time.Hour)
		late.UpdatedAt = late.CreatedAt
		require.Equal(t, OutcomeApplied, reconciler.Apply(Event{Kind: dto.EventDiscussionAdded, Scope: testScope, Discussion: &late}))
		require.Len(t, reconciler.Discussions(testScope), 2, "an unrelated look-alike is not an echo")
		return late, nil
	}

	_, err := mutator.CreateDiscussion(context.Background(), testScope, dto.DiscussionCreateRequest{Title: "Shuttle schedule", Body: "When does it leave?"})
	require.NoError(t, err)
	require.Len(t, reconciler.Discussions(testScope), 1)
}

func TestMutatorContentFallbackMatchesSanitizedEcho(t *testing.T) {
	writer := &stubWriteAPI{}
	mutator, reconciler := newTestMutator(t, writer)
	policy := newContentPolicy()

	writer.createDiscussion = func(ctx context.Context, scope string, payload dto.DiscussionCreateRequest, correlationID string) (models.Discussion, error) {
		stored := serverDiscussion(payload)
		stored.Title = policy.Sanitize(payload.Title)
		stored.Body = policy.Sanitize(payload.Body)
		require.Equal(t, "Q&amp;A <b>panel</b>", stored.Title)

		require.Equal(t, OutcomeConfirmed, reconciler.Apply(Event{Kind: dto.EventDiscussionAdded, Scope: testScope, Discussion: &stored}))
		require.Equal(t, []string{"srv-1"}, discussionIDs(reconciler.Discussions(testScope)))
		return stored, nil
	}

	_, err := mutator.CreateDiscussion(context.Background(), testScope, dto.DiscussionCreateRequest{
		Title: "Q&A <b>panel</b>",
		Body:  "Is 3 < 4? <script>alert(1)</script>",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"srv-1"}, discussionIDs(reconciler.Discussions(testScope)))
	require.Zero(t, mutator.Pending())
}

func TestMutatorCreateDiscussionFailureRollsBack(t *testing.T) {
	writer := &stubWriteAPI{
		createDiscussion: func(ctx context.Context, scope string, payload dto.DiscussionCreateRequest, correlationID string) (models.Discussion, error) {
			return models.Discussion{}, errTestUnavailable
		},
	}
	mutator, reconciler := newTestMutator(t, writer)

	_, err := mutator.CreateDiscussion(context.Background(), testScope, dto.DiscussionCreateRequest{Title: "Shuttle schedule", Body: "When does it leave?"})
	require.ErrorIs(t, err, errTestUnavailable)
	require.Empty(t, reconciler.Discussions(testScope))
	require.Zero(t, mutator.Pending())
}

func TestMutatorValidatesBeforeApplying(t *testing.T) {
	mutator, reconciler := newTestMutator(t, &stubWriteAPI{})

	_, err := mutator.CreateDiscussion(context.Background(), testScope, dto.DiscussionCreateRequest{Title: "x"})
	var validationErrs validator.ValidationErrors
	require.ErrorAs(t, err, &validationErrs)
	require.Empty(t, reconciler.Discussions(testScope))

	_, err = mutator.CreateDiscussion(context.Background(), "not-open", dto.DiscussionCreateRequest{Title: "Shuttle", Body: "?"})
	require.ErrorIs(t, err, ErrScopeNotOpen)
}

func TestMutatorCreateReply(t *testing.T) {
	writer := &stubWriteAPI{}
	mutator, reconciler := newTestMutator(t, writer, testDiscussion("A", "Agenda", baseTime))

	writer.createReply = func(ctx context.Context, discussionID string, payload dto.ReplyCreateRequest, correlationID string) (models.Reply, error) {
		discussion, _ := reconciler.Discussion("A")
		require.Equal(t, 1, discussion.ReplyCount)

		confirmed := models.Reply{ID: "srv-r1", DiscussionID: discussionID, Body: payload.Body, AuthorID: "me", CreatedAt: baseTime, UpdatedAt: baseTime}
		require.Equal(t, OutcomeConfirmed, reconciler.Apply(Event{Kind: dto.EventReplyAdded, Scope: testScope, CorrelationID: correlationID, Reply: &confirmed}))
		return confirmed, nil
	}

	_, err := mutator.CreateReply(context.Background(), "A", dto.ReplyCreateRequest{Body: "Count me in"})
	require.NoError(t, err)

	replies := reconciler.Replies("A")
	require.Len(t, replies, 1)
	require.Equal(t, "srv-r1", replies[0].ID)
	discussion, _ := reconciler.Discussion("A")
	require.Equal(t, 1, discussion.ReplyCount)

	writer.createReply = func(ctx context.Context, discussionID string, payload dto.ReplyCreateRequest, correlationID string) (models.Reply, error) {
		return models.Reply{}, errTestUnavailable
	}
	_, err = mutator.CreateReply(context.Background(), "A", dto.ReplyCreateRequest{Body: "Second thoughts", ParentReplyID: "srv-r1"})
	require.ErrorIs(t, err, errTestUnavailable)
	require.Len(t, reconciler.Replies("A"), 1)
	discussion, _ = reconciler.Discussion("A")
	require.Equal(t, 1, discussion.ReplyCount)

	_, err = mutator.CreateReply(context.Background(), "missing", dto.ReplyCreateRequest{Body: "Hello"})
	require.ErrorIs(t, err, ErrUnknownTarget)
}

func TestMutatorReact(t *testing.T) {
	writer := &stubWriteAPI{}
	mutator, reconciler := newTestMutator(t, writer, testDiscussion("A", "Agenda", baseTime))

	writer.react = func(ctx context.Context, payload dto.ReactionRequest, correlationID string) (models.Reaction, error) {
		discussion, _ := reconciler.Discussion("A")
		require.Equal(t, map[string]int{"👍": 1}, discussion.ReactionCounts)
		return models.Reaction{}, errTestUnavailable
	}
	_, err := mutator.React(context.Background(), dto.ReactionRequest{TargetType: "discussion", TargetID: "A", Emoji: "👍"})
	require.ErrorIs(t, err, errTestUnavailable)
	discussion, _ := reconciler.Discussion("A")
	require.Empty(t, discussion.ReactionCounts)

	writer.react = func(ctx context.Context, payload dto.ReactionRequest, correlationID string) (models.Reaction, error) {
		return models.Reaction{
			TargetType: models.TargetDiscussion,
			TargetID:   payload.TargetID,
			Emoji:      payload.Emoji,
			UpdatedAt:  baseTime.Add(time.Minute),
		}, nil
	}
	confirmed, err := mutator.React(context.Background(), dto.ReactionRequest{TargetType: "discussion", TargetID: "A", Emoji: "👍"})
	require.NoError(t, err)
	require.Equal(t, "me", confirmed.ActorID)
	discussion, _ = reconciler.Discussion("A")
	require.Equal(t, map[string]int{"👍": 1}, discussion.ReactionCounts)

	require.Equal(t, OutcomeDuplicate, reconciler.Apply(reactionEvent(confirmed)))

	_, err = mutator.React(context.Background(), dto.ReactionRequest{TargetType: "discussion", TargetID: "missing", Emoji: "👍"})
	require.ErrorIs(t, err, ErrUnknownTarget)
}

func TestMutatorPinRejectedByCollaboratorRollsBack(t *testing.T) {
	writer := &stubWriteAPI{
		setPin: func(ctx context.Context, discussionID string, pinned bool, correlationID string) (models.Discussion, error) {
			return models.Discussion{}, errTestForbidden
		},
	}
	mutator, reconciler := newTestMutator(t, writer, testDiscussion("A", "Agenda", baseTime))

	_, err := mutator.SetPin(context.Background(), "A", true)
	require.ErrorIs(t, err, errTestForbidden)

	discussion, ok := reconciler.Discussion("A")
	require.True(t, ok)
	require.False(t, discussion.IsPinned)
	require.False(t, discussion.Pending)
}

func TestMutatorPinConfirmed(t *testing.T) {
	writer := &stubWriteAPI{}
	mutator, reconciler := newTestMutator(t, writer, testDiscussion("A", "Agenda", baseTime))

	writer.setPin = func(ctx context.Context, discussionID string, pinned bool, correlationID string) (models.Discussion, error) {
		local, _ := reconciler.Discussion(discussionID)
		require.True(t, local.IsPinned)
		require.True(t, local.Pending)

		confirmed := testDiscussion(discussionID, "Agenda", baseTime.Add(time.Minute))
		confirmed.IsPinned = pinned
		return confirmed, nil
	}

	_, err := mutator.SetPin(context.Background(), "A", true)
	require.NoError(t, err)

	discussion, _ := reconciler.Discussion("A")
	require.True(t, discussion.IsPinned)
	require.False(t, discussion.Pending)
}

func TestMutatorEditsAndDeletes(t *testing.T) {
	writer := &stubWriteAPI{}
	mutator, reconciler := newTestMutator(t, writer, testDiscussion("A", "Agenda", baseTime), testDiscussion("B", "Bus", baseTime))
	require.Equal(t, OutcomeApplied, reconciler.Apply(replyEvent(dto.EventReplyAdded, testReply("R1", "B", "", baseTime))))

	title := "Agenda (final)"
	writer.updateDiscussion = func(ctx context.Context, discussionID string, payload dto.DiscussionUpdateRequest, correlationID string) (models.Discussion, error) {
		updated := testDiscussion(discussionID, *payload.Title, baseTime.Add(time.Minute))
		return updated, nil
	}
	_, err := mutator.UpdateDiscussion(context.Background(), "A", dto.DiscussionUpdateRequest{Title: &title})
	require.NoError(t, err)
	discussion, _ := reconciler.Discussion("A")
	require.Equal(t, title, discussion.Title)

	require.NoError(t, mutator.DeleteReply(context.Background(), "R1"))
	require.Empty(t, reconciler.Replies("B"))

	require.NoError(t, mutator.DeleteDiscussion(context.Background(), "A"))
	_, ok := reconciler.Discussion("A")
	require.False(t, ok)
	require.Equal(t, []string{"R1", "A"}, writer.deleted)

	writer.deleteErr = errTestForbidden
	require.ErrorIs(t, mutator.DeleteDiscussion(context.Background(), "B"), errTestForbidden)
	_, ok = reconciler.Discussion("B")
	require.True(t, ok)

	require.ErrorIs(t, mutator.DeleteDiscussion(context.Background(), "missing"), ErrUnknownTarget)
}
