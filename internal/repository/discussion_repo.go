package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-live/internal/models"
)

// DiscussionRepository persists discussions, replies and reactions.
type DiscussionRepository interface {
	ListDiscussions(ctx context.Context, scope string, filter models.DiscussionFilter, limit, offset int) ([]models.Discussion, error)
	GetDiscussion(ctx context.Context, id string) (models.Discussion, error)
	CreateDiscussion(ctx context.Context, discussion *models.Discussion) error
	UpdateDiscussion(ctx context.Context, discussion *models.Discussion) error
	DeleteDiscussion(ctx context.Context, id string) error
	GetReply(ctx context.Context, id string) (models.Reply, error)
	ListReplies(ctx context.Context, discussionID string) ([]models.Reply, error)
	CreateReply(ctx context.Context, reply *models.Reply) error
	DeleteReply(ctx context.Context, id string) ([]string, error)
	UpsertReaction(ctx context.Context, reaction *models.Reaction) error
	DeleteReaction(ctx context.Context, targetType models.TargetType, targetID, actorID string) (models.Reaction, error)
}

type discussionRepository struct {
	db *gorm.DB
}

// NewDiscussionRepository constructs a GORM-backed repository.
func NewDiscussionRepository(db *gorm.DB) DiscussionRepository {
	return &discussionRepository{db: db}
}

func (r *discussionRepository) ListDiscussions(ctx context.Context, scope string, filter models.DiscussionFilter, limit, offset int) ([]models.Discussion, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	filter = filter.Normalize()

	query := r.db.WithContext(ctx).Where("scope_id = ?", scope)
	if filter.Category != "" {
		query = query.Where("LOWER(category) = ?", strings.ToLower(filter.Category))
	}
	if filter.Search != "" {
		like := "%" + strings.ToLower(filter.Search) + "%"
		query = query.Where("LOWER(title) LIKE ? OR LOWER(body) LIKE ?", like, like)
	}

	var discussions []models.Discussion
	if err := query.Order("created_at DESC").Find(&discussions).Error; err != nil {
		return nil, err
	}

	if err := r.attachDiscussionReactions(ctx, discussions); err != nil {
		return nil, err
	}

	// Popularity depends on reaction totals, so ordering and paging happen after aggregation.
	models.SortDiscussions(discussions, filter.Sort)
	if offset >= len(discussions) {
		return []models.Discussion{}, nil
	}
	end := offset + limit
	if end > len(discussions) {
		end = len(discussions)
	}
	return discussions[offset:end], nil
}

func (r *discussionRepository) GetDiscussion(ctx context.Context, id string) (models.Discussion, error) {
	var discussion models.Discussion
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&discussion).Error; err != nil {
		return models.Discussion{}, err
	}

	list := []models.Discussion{discussion}
	if err := r.attachDiscussionReactions(ctx, list); err != nil {
		return models.Discussion{}, err
	}
	return list[0], nil
}

func (r *discussionRepository) CreateDiscussion(ctx context.Context, discussion *models.Discussion) error {
	return r.db.WithContext(ctx).Create(discussion).Error
}

func (r *discussionRepository) UpdateDiscussion(ctx context.Context, discussion *models.Discussion) error {
	result := r.db.WithContext(ctx).
		Model(discussion).
		Select("title", "body", "category", "is_pinned", "metadata", "updated_at").
		Updates(discussion)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *discussionRepository) DeleteDiscussion(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var replyIDs []string
		if err := tx.Model(&models.Reply{}).Where("discussion_id = ?", id).Pluck("id", &replyIDs).Error; err != nil {
			return err
		}

		result := tx.Where("id = ?", id).Delete(&models.Discussion{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}

		if err := tx.Where("discussion_id = ?", id).Delete(&models.Reply{}).Error; err != nil {
			return err
		}
		if err := tx.Where("target_type = ? AND target_id = ?", models.TargetDiscussion, id).Delete(&models.Reaction{}).Error; err != nil {
			return err
		}
		if len(replyIDs) > 0 {
			if err := tx.Where("target_type = ? AND target_id IN ?", models.TargetReply, replyIDs).Delete(&models.Reaction{}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *discussionRepository) GetReply(ctx context.Context, id string) (models.Reply, error) {
	var reply models.Reply
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&reply).Error; err != nil {
		return models.Reply{}, err
	}

	list := []models.Reply{reply}
	if err := r.attachReplyReactions(ctx, list); err != nil {
		return models.Reply{}, err
	}
	return list[0], nil
}

func (r *discussionRepository) ListReplies(ctx context.Context, discussionID string) ([]models.Reply, error) {
	var replies []models.Reply
	if err := r.db.WithContext(ctx).
		Where("discussion_id = ?", discussionID).
		Order("created_at ASC").
		Find(&replies).Error; err != nil {
		return nil, err
	}

	if err := r.attachReplyReactions(ctx, replies); err != nil {
		return nil, err
	}
	return replies, nil
}

func (r *discussionRepository) CreateReply(ctx context.Context, reply *models.Reply) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(reply).Error; err != nil {
			return err
		}

		return tx.Model(&models.Discussion{}).
			Where("id = ?", reply.DiscussionID).
			UpdateColumns(map[string]interface{}{
				"reply_count": gorm.Expr("reply_count + ?", 1),
				"updated_at":  reply.CreatedAt,
			}).Error
	})
}

// DeleteReply removes the reply with every nested reply below it and returns
// the removed identifiers.
func (r *discussionRepository) DeleteReply(ctx context.Context, id string) ([]string, error) {
	var removed []string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var root models.Reply
		if err := tx.Where("id = ?", id).First(&root).Error; err != nil {
			return err
		}

		var siblings []models.Reply
		if err := tx.Select("id", "parent_reply_id").Where("discussion_id = ?", root.DiscussionID).Find(&siblings).Error; err != nil {
			return err
		}
		removed = replySubtree(root.ID, siblings)

		if err := tx.Where("id IN ?", removed).Delete(&models.Reply{}).Error; err != nil {
			return err
		}
		if err := tx.Where("target_type = ? AND target_id IN ?", models.TargetReply, removed).Delete(&models.Reaction{}).Error; err != nil {
			return err
		}

		return tx.Model(&models.Discussion{}).
			Where("id = ?", root.DiscussionID).
			UpdateColumns(map[string]interface{}{
				"reply_count": gorm.Expr("CASE WHEN reply_count > ? THEN reply_count - ? ELSE 0 END", len(removed), len(removed)),
				"updated_at":  time.Now().UTC(),
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (r *discussionRepository) UpsertReaction(ctx context.Context, reaction *models.Reaction) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "target_type"}, {Name: "target_id"}, {Name: "actor_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"emoji", "updated_at"}),
	}).Create(reaction).Error
}

func (r *discussionRepository) DeleteReaction(ctx context.Context, targetType models.TargetType, targetID, actorID string) (models.Reaction, error) {
	var existing models.Reaction
	err := r.db.WithContext(ctx).
		Where("target_type = ? AND target_id = ? AND actor_id = ?", targetType, targetID, actorID).
		First(&existing).Error
	if err != nil {
		return models.Reaction{}, err
	}

	if err := r.db.WithContext(ctx).Delete(&existing).Error; err != nil {
		return models.Reaction{}, err
	}
	return existing, nil
}

func (r *discussionRepository) attachDiscussionReactions(ctx context.Context, discussions []models.Discussion) error {
	if len(discussions) == 0 {
		return nil
	}
	ids := make([]string, 0, len(discussions))
	for _, discussion := range discussions {
		ids = append(ids, discussion.ID)
	}

	grouped, err := r.loadReactions(ctx, models.TargetDiscussion, ids)
	if err != nil {
		return err
	}
	for i := range discussions {
		discussions[i].Reactions, discussions[i].ReactionCounts = countReactions(grouped[discussions[i].ID])
	}
	return nil
}

func (r *discussionRepository) attachReplyReactions(ctx context.Context, replies []models.Reply) error {
	if len(replies) == 0 {
		return nil
	}
	ids := make([]string, 0, len(replies))
	for _, reply := range replies {
		ids = append(ids, reply.ID)
	}

	grouped, err := r.loadReactions(ctx, models.TargetReply, ids)
	if err != nil {
		return err
	}
	for i := range replies {
		replies[i].Reactions, replies[i].ReactionCounts = countReactions(grouped[replies[i].ID])
	}
	return nil
}

func (r *discussionRepository) loadReactions(ctx context.Context, targetType models.TargetType, ids []string) (map[string][]models.Reaction, error) {
	var reactions []models.Reaction
	if err := r.db.WithContext(ctx).
		Where("target_type = ? AND target_id IN ?", targetType, ids).
		Order("updated_at ASC").
		Find(&reactions).Error; err != nil {
		return nil, err
	}

	grouped := make(map[string][]models.Reaction, len(ids))
	for _, reaction := range reactions {
		grouped[reaction.TargetID] = append(grouped[reaction.TargetID], reaction)
	}
	return grouped, nil
}

func countReactions(reactions []models.Reaction) ([]models.Reaction, map[string]int) {
	counts := make(map[string]int, len(reactions))
	for _, reaction := range reactions {
		counts[reaction.Emoji]++
	}
	return reactions, counts
}

func replySubtree(rootID string, replies []models.Reply) []string {
	children := make(map[string][]string, len(replies))
	for _, reply := range replies {
		if reply.ParentReplyID != "" {
			children[reply.ParentReplyID] = append(children[reply.ParentReplyID], reply.ID)
		}
	}

	out := []string{rootID}
	for i := 0; i < len(out); i++ {
		out = append(out, children[out[i]]...)
	}
	return out
}

// IsNotFound reports whether err means the requested row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
