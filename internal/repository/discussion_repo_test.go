package repository

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-live/internal/models"
)

func setupDiscussionRepo(t *testing.T) (DiscussionRepository, *gorm.DB) {
	t.Helper()
	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Discussion{}, &models.Reply{}, &models.Reaction{}))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	return NewDiscussionRepository(db), db
}

func seedDiscussion(t *testing.T, repo DiscussionRepository, discussion models.Discussion) models.Discussion {
	t.Helper()
	if discussion.ScopeID == "" {
		discussion.ScopeID = "event-1"
	}
	if discussion.AuthorID == "" {
		discussion.AuthorID = "author"
	}
	if discussion.UpdatedAt.IsZero() {
		discussion.UpdatedAt = discussion.CreatedAt
	}
	require.NoError(t, repo.CreateDiscussion(context.Background(), &discussion))
	return discussion
}

func discussionIDs(discussions []models.Discussion) []string {
	ids := make([]string, 0, len(discussions))
	for _, discussion := range discussions {
		ids = append(ids, discussion.ID)
	}
	return ids
}

func TestListDiscussionsFiltersAndOrders(t *testing.T) {
	repo, _ := setupDiscussionRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	seedDiscussion(t, repo, models.Discussion{ID: "old", Title: "Venue parking", Body: "Where to park?", Category: "Logistics", CreatedAt: base})
	seedDiscussion(t, repo, models.Discussion{ID: "new", Title: "Slides", Body: "Will slides be shared?", Category: "talks", CreatedAt: base.Add(time.Hour)})
	seedDiscussion(t, repo, models.Discussion{ID: "pinned", Title: "Welcome", Body: "Read me first", CreatedAt: base.Add(-time.Hour), IsPinned: true})
	seedDiscussion(t, repo, models.Discussion{ID: "elsewhere", ScopeID: "event-2", Title: "Other", Body: "Other scope", CreatedAt: base})

	all, err := repo.ListDiscussions(ctx, "event-1", models.DiscussionFilter{}, 0, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"pinned", "new", "old"}, discussionIDs(all))

	byCategory, err := repo.ListDiscussions(ctx, "event-1", models.DiscussionFilter{Category: "logistics"}, 0, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"old"}, discussionIDs(byCategory))

	bySearch, err := repo.ListDiscussions(ctx, "event-1", models.DiscussionFilter{Search: "SLIDES"}, 0, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"new"}, discussionIDs(bySearch))

	paged, err := repo.ListDiscussions(ctx, "event-1", models.DiscussionFilter{}, 1, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"new"}, discussionIDs(paged))

	beyond, err := repo.ListDiscussions(ctx, "event-1", models.DiscussionFilter{}, 10, 10)
	require.NoError(t, err)
	require.Empty(t, beyond)
}

func TestListDiscussionsPopularUsesReactionTotals(t *testing.T) {
	repo, _ := setupDiscussionRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	seedDiscussion(t, repo, models.Discussion{ID: "quiet", Title: "Quiet", Body: "x", CreatedAt: base.Add(time.Hour)})
	seedDiscussion(t, repo, models.Discussion{ID: "loud", Title: "Loud", Body: "y", CreatedAt: base})

	for _, actor := range []string{"a", "b"} {
		require.NoError(t, repo.UpsertReaction(ctx, &models.Reaction{TargetType: models.TargetDiscussion, TargetID: "loud", ActorID: actor, Emoji: "🔥", UpdatedAt: base}))
	}

	popular, err := repo.ListDiscussions(ctx, "event-1", models.DiscussionFilter{Sort: models.SortPopular}, 0, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"loud", "quiet"}, discussionIDs(popular))
	require.Equal(t, 2, popular[0].ReactionCounts["🔥"])
}

func TestUpdateDiscussionMissingReturnsNotFound(t *testing.T) {
	repo, _ := setupDiscussionRepo(t)

	err := repo.UpdateDiscussion(context.Background(), &models.Discussion{ID: "missing", Title: "x"})
	require.True(t, IsNotFound(err))
}

func TestCreateReplyIncrementsCount(t *testing.T) {
	repo, _ := setupDiscussionRepo(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	seedDiscussion(t, repo, models.Discussion{ID: "d1", Title: "Topic", Body: "b", CreatedAt: created})

	replyAt := created.Add(time.Minute)
	require.NoError(t, repo.CreateReply(ctx, &models.Reply{ID: "r1", DiscussionID: "d1", Body: "first", AuthorID: "u1", CreatedAt: replyAt, UpdatedAt: replyAt}))
	require.NoError(t, repo.CreateReply(ctx, &models.Reply{ID: "r2", DiscussionID: "d1", ParentReplyID: "r1", Body: "nested", AuthorID: "u2", CreatedAt: replyAt.Add(time.Second), UpdatedAt: replyAt.Add(time.Second)}))

	discussion, err := repo.GetDiscussion(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, 2, discussion.ReplyCount)
	require.True(t, discussion.UpdatedAt.After(created))

	replies, err := repo.ListReplies(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, replies, 2)
	require.Equal(t, "r1", replies[0].ID)
}

func TestDeleteReplyRemovesSubtree(t *testing.T) {
	repo, db := setupDiscussionRepo(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	seedDiscussion(t, repo, models.Discussion{ID: "d1", Title: "Topic", Body: "b", CreatedAt: now})

	for _, reply := range []models.Reply{
		{ID: "root", DiscussionID: "d1", Body: "root"},
		{ID: "child", DiscussionID: "d1", ParentReplyID: "root", Body: "child"},
		{ID: "grandchild", DiscussionID: "d1", ParentReplyID: "child", Body: "grandchild"},
		{ID: "sibling", DiscussionID: "d1", Body: "sibling"},
	} {
		reply.CreatedAt = now
		reply.UpdatedAt = now
		require.NoError(t, repo.CreateReply(ctx, &reply))
	}
	require.NoError(t, repo.UpsertReaction(ctx, &models.Reaction{TargetType: models.TargetReply, TargetID: "child", ActorID: "u1", Emoji: "👍"}))

	removed, err := repo.DeleteReply(ctx, "root")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"root", "child", "grandchild"}, removed)

	discussion, err := repo.GetDiscussion(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, 1, discussion.ReplyCount)

	var reactions int64
	require.NoError(t, db.Model(&models.Reaction{}).Count(&reactions).Error)
	require.Zero(t, reactions)

	_, err = repo.DeleteReply(ctx, "root")
	require.True(t, IsNotFound(err))
}

func TestUpsertReactionReplacesEmoji(t *testing.T) {
	repo, _ := setupDiscussionRepo(t)
	ctx := context.Background()
	seedDiscussion(t, repo, models.Discussion{ID: "d1", Title: "Topic", Body: "b", CreatedAt: time.Now().UTC()})

	require.NoError(t, repo.UpsertReaction(ctx, &models.Reaction{TargetType: models.TargetDiscussion, TargetID: "d1", ActorID: "u1", Emoji: "👍"}))
	require.NoError(t, repo.UpsertReaction(ctx, &models.Reaction{TargetType: models.TargetDiscussion, TargetID: "d1", ActorID: "u1", Emoji: "🎉"}))

	discussion, err := repo.GetDiscussion(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, map[string]int{"🎉": 1}, discussion.ReactionCounts)

	removed, err := repo.DeleteReaction(ctx, models.TargetDiscussion, "d1", "u1")
	require.NoError(t, err)
	require.Equal(t, "🎉", removed.Emoji)

	_, err = repo.DeleteReaction(ctx, models.TargetDiscussion, "d1", "u1")
	require.True(t, IsNotFound(err))
}

func TestDeleteDiscussionCascades(t *testing.T) {
	repo, db := setupDiscussionRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()
	seedDiscussion(t, repo, models.Discussion{ID: "d1", Title: "Topic", Body: "b", CreatedAt: now})
	require.NoError(t, repo.CreateReply(ctx, &models.Reply{ID: "r1", DiscussionID: "d1", Body: "reply", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, repo.UpsertReaction(ctx, &models.Reaction{TargetType: models.TargetReply, TargetID: "r1", ActorID: "u1", Emoji: "👍"}))
	require.NoError(t, repo.UpsertReaction(ctx, &models.Reaction{TargetType: models.TargetDiscussion, TargetID: "d1", ActorID: "u1", Emoji: "👍"}))

	require.NoError(t, repo.DeleteDiscussion(ctx, "d1"))

	var replies, reactions int64
	require.NoError(t, db.Model(&models.Reply{}).Count(&replies).Error)
	require.NoError(t, db.Model(&models.Reaction{}).Count(&reactions).Error)
	require.Zero(t, replies)
	require.Zero(t, reactions)

	require.True(t, IsNotFound(repo.DeleteDiscussion(ctx, "d1")))
}

func TestReplySubtreeWalksBreadthFirst(t *testing.T) {
	replies := []models.Reply{
		{ID: "a"}, {ID: "b", ParentReplyID: "a"}, {ID: "c", ParentReplyID: "b"}, {ID: "d", ParentReplyID: "a"}, {ID: "e"},
	}
	require.Equal(t, []string{"a", "b", "d", "c"}, replySubtree("a", replies))
}
