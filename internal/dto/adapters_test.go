package dto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-live/internal/models"
)

func TestNormalizeDiscussionCanonicalShape(t *testing.T) {
	raw := json.RawMessage(`{"id":"d1","scope_id":"event-1","title":"Agenda","body":"b","created_at":"2026-03-01T09:00:00Z",
		"reactions":[{"target_type":"discussion","target_id":"d1","actor_id":"u1","emoji":"👍"},{"target_type":"discussion","target_id":"d1","actor_id":"u1","emoji":"🎉"}]}`)

	discussion, err := NormalizeDiscussion(raw)
	require.NoError(t, err)
	require.Equal(t, "d1", discussion.ID)
	require.Equal(t, discussion.CreatedAt, discussion.UpdatedAt)
	require.Equal(t, map[string]int{"🎉": 1}, discussion.ReactionCounts)
	require.Len(t, discussion.Reactions, 1)
}

func TestNormalizeDiscussionLegacyWrappedShape(t *testing.T) {
	raw := json.RawMessage(`{"discussion":{"_id":"d9","eventId":"event-1","title":"Old","content":"c","userId":"u2","pinned":true,"repliesCount":3,
		"updatedAt":"2026-03-01T10:00:00Z","reactions":[{"emoji":"🔥","userId":"u1"},{"emoji":"🔥","userId":"u3"}]}}`)

	discussion, err := NormalizeDiscussion(raw)
	require.NoError(t, err)
	require.Equal(t, "event-1", discussion.ScopeID)
	require.Equal(t, "c", discussion.Body)
	require.True(t, discussion.IsPinned)
	require.Equal(t, 3, discussion.ReplyCount)
	require.Equal(t, 2, discussion.ReactionCounts["🔥"])
	require.Equal(t, models.TargetDiscussion, discussion.Reactions[0].TargetType)
	require.False(t, discussion.Reactions[0].UpdatedAt.IsZero())
}

func TestNormalizeDiscussionRejectsUnknownShape(t *testing.T) {
	_, err := NormalizeDiscussion(json.RawMessage(`{"name":"x","value":1}`))
	require.ErrorIs(t, err, ErrUnrecognizedShape)

	var shapeErr *UnrecognizedShapeError
	require.ErrorAs(t, err, &shapeErr)
	require.Equal(t, []string{"name", "value"}, shapeErr.Keys)

	_, err = NormalizeDiscussion(json.RawMessage(`null`))
	require.ErrorIs(t, err, ErrUnrecognizedShape)

	_, err = NormalizeDiscussion(json.RawMessage(`{"id":" ","title":"x"}`))
	require.ErrorIs(t, err, ErrInvalidPayload)
}

func TestNormalizeReplyShapes(t *testing.T) {
	reply, err := NormalizeReply(json.RawMessage(`{"id":"r1","discussion_id":"d1","body":"hi"}`))
	require.NoError(t, err)
	require.Equal(t, "d1", reply.DiscussionID)

	legacy, err := NormalizeReply(json.RawMessage(`{"_id":"r2","discussionId":"d1","parentId":"r1","content":"nested","userId":"u1"}`))
	require.NoError(t, err)
	require.Equal(t, "r1", legacy.ParentReplyID)
	require.Equal(t, "nested", legacy.Body)

	_, err = NormalizeReply(json.RawMessage(`{"id":"r3","discussion_id":""}`))
	require.ErrorIs(t, err, ErrInvalidPayload)
}

func TestNormalizeReactionShapes(t *testing.T) {
	reaction, err := NormalizeReaction(json.RawMessage(`{"target_type":"reply","target_id":"r1","actor_id":"u1","emoji":"👍"}`))
	require.NoError(t, err)
	require.Equal(t, "reply:r1", reaction.TargetKey())

	legacy, err := NormalizeReaction(json.RawMessage(`{"postId":"d1","replyId":"r7","userId":"u1","removed":true}`))
	require.NoError(t, err)
	require.Equal(t, models.TargetReply, legacy.TargetType)
	require.Equal(t, "r7", legacy.TargetID)
	require.True(t, legacy.Removed)

	_, err = NormalizeReaction(json.RawMessage(`{"target_type":"discussion","target_id":"d1","actor_id":"u1"}`))
	require.ErrorIs(t, err, ErrInvalidPayload)

	_, err = NormalizeReaction(json.RawMessage(`{"target_type":"poll","target_id":"d1","actor_id":"u1","emoji":"👍"}`))
	require.ErrorIs(t, err, ErrInvalidPayload)
}

func TestNormalizeDeletedShapes(t *testing.T) {
	ref, err := NormalizeDeleted(json.RawMessage(`{"id":"r1","discussion_id":"d1"}`))
	require.NoError(t, err)
	require.Equal(t, DeletedRef{ID: "r1", DiscussionID: "d1"}, ref)

	legacy, err := NormalizeDeleted(json.RawMessage(`{"_id":"d2"}`))
	require.NoError(t, err)
	require.Equal(t, "d2", legacy.ID)

	_, err = NormalizeDeleted(json.RawMessage(`{"ref":"x"}`))
	require.ErrorIs(t, err, ErrUnrecognizedShape)
}
