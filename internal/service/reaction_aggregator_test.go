package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-live/internal/models"
)

func TestReactionAggregatorReplacesActorReaction(t *testing.T) {
	aggregator := NewReactionAggregator()
	key := models.TargetKey(models.TargetDiscussion, "A")

	counts := aggregator.Reseed(key, []models.Reaction{
		{TargetType: models.TargetDiscussion, TargetID: "A", ActorID: "u1", Emoji: "👍", UpdatedAt: baseTime},
		{TargetType: models.TargetDiscussion, TargetID: "A", ActorID: "u2", Emoji: "👍", UpdatedAt: baseTime},
	}, map[string]int{"ignored": 9})
	require.Equal(t, map[string]int{"👍": 2}, counts)

	counts, changed := aggregator.Apply(models.Reaction{TargetType: models.TargetDiscussion, TargetID: "A", ActorID: "u1", Emoji: "🎉", UpdatedAt: baseTime.Add(time.Second)})
	require.True(t, changed)
	require.Equal(t, map[string]int{"👍": 1, "🎉": 1}, counts)

	counts, changed = aggregator.Apply(models.Reaction{TargetType: models.TargetDiscussion, TargetID: "A", ActorID: "u1", Emoji: "🎉", UpdatedAt: baseTime.Add(time.Second)})
	require.False(t, changed)
	require.Equal(t, map[string]int{"👍": 1, "🎉": 1}, counts)

	counts, changed = aggregator.Apply(models.Reaction{TargetType: models.TargetDiscussion, TargetID: "A", ActorID: "u2", Removed: true, UpdatedAt: baseTime.Add(2 * time.Second)})
	require.True(t, changed)
	require.Equal(t, map[string]int{"🎉": 1}, counts)

	emoji, ok := aggregator.ActorEmoji(key, "u1")
	require.True(t, ok)
	require.Equal(t, "🎉", emoji)
	_, ok = aggregator.ActorEmoji(key, "u2")
	require.False(t, ok)
}

func TestReactionAggregatorCountsOnlyBase(t *testing.T) {
	aggregator := NewReactionAggregator()
	key := models.TargetKey(models.TargetReply, "R1")

	require.Equal(t, map[string]int{"👍": 3}, aggregator.Reseed(key, nil, map[string]int{"👍": 3, "🙃": 0}))

	counts, _ := aggregator.Apply(models.Reaction{TargetType: models.TargetReply, TargetID: "R1", ActorID: "u9", Emoji: "👍", UpdatedAt: baseTime})
	require.Equal(t, map[string]int{"👍": 4}, counts)
}

func TestReactionAggregatorLocalRollback(t *testing.T) {
	aggregator := NewReactionAggregator()
	key := models.TargetKey(models.TargetDiscussion, "A")
	aggregator.Reseed(key, []models.Reaction{
		{TargetType: models.TargetDiscussion, TargetID: "A", ActorID: "me", Emoji: "👍", UpdatedAt: baseTime},
	}, nil)

	counts, undo := aggregator.ApplyLocal(models.Reaction{TargetType: models.TargetDiscussion, TargetID: "A", ActorID: "me", Emoji: "❤️"})
	require.Equal(t, map[string]int{"❤️": 1}, counts)

	counts, reverted := aggregator.Rollback(undo)
	require.True(t, reverted)
	require.Equal(t, map[string]int{"👍": 1}, counts)

	_, undo = aggregator.ApplyLocal(models.Reaction{TargetType: models.TargetDiscussion, TargetID: "A", ActorID: "me", Emoji: "❤️"})
	_, changed := aggregator.Apply(models.Reaction{TargetType: models.TargetDiscussion, TargetID: "A", ActorID: "me", Emoji: "❤️", UpdatedAt: baseTime.Add(time.Minute)})
	require.True(t, changed, "authoritative copy replaces the local one")

	counts, reverted = aggregator.Rollback(undo)
	require.False(t, reverted)
	require.Equal(t, map[string]int{"❤️": 1}, counts)
}

func TestReactionAggregatorRollbackOfFirstReaction(t *testing.T) {
	aggregator := NewReactionAggregator()
	key := models.TargetKey(models.TargetDiscussion, "A")
	aggregator.Reseed(key, nil, nil)

	_, undo := aggregator.ApplyLocal(models.Reaction{TargetType: models.TargetDiscussion, TargetID: "A", ActorID: "me", Emoji: "👍"})
	require.Equal(t, map[string]int{"👍": 1}, aggregator.Counts(key))

	counts, reverted := aggregator.Rollback(undo)
	require.True(t, reverted)
	require.Empty(t, counts)

	aggregator.Drop(key)
	require.Nil(t, aggregator.Counts(key))
}
