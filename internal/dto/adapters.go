package dto

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/noah-isme/gema-live/internal/models"
)

var (
	// ErrUnrecognizedShape matches payloads that fit none of the known wire shapes.
	ErrUnrecognizedShape = errors.New("unrecognized payload shape")
	// ErrInvalidPayload matches payloads with a known shape but unusable values.
	ErrInvalidPayload = errors.New("invalid payload")
)

// UnrecognizedShapeError reports the top-level keys of a payload no adapter accepted.
type UnrecognizedShapeError struct {
	Entity string
	Keys   []string
}

func (e *UnrecognizedShapeError) Error() string {
	if len(e.Keys) == 0 {
		return fmt.Sprintf("%s: %s", e.Entity, ErrUnrecognizedShape)
	}
	return fmt.Sprintf("%s: %s (keys: %s)", e.Entity, ErrUnrecognizedShape, strings.Join(e.Keys, ","))
}

// Is lets errors.Is match ErrUnrecognizedShape.
func (e *UnrecognizedShapeError) Is(target error) bool {
	return target == ErrUnrecognizedShape
}

type legacyReaction struct {
	Emoji     string    `json:"emoji"`
	UserID    string    `json:"userId"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type legacyDiscussion struct {
	ID           string           `json:"_id"`
	EventID      string           `json:"eventId"`
	Title        string           `json:"title"`
	Content      string           `json:"content"`
	Category     string           `json:"category"`
	UserID       string           `json:"userId"`
	Pinned       bool             `json:"pinned"`
	RepliesCount int              `json:"repliesCount"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
	Reactions    []legacyReaction `json:"reactions"`
}

type legacyReply struct {
	ID           string           `json:"_id"`
	DiscussionID string           `json:"discussionId"`
	ParentID     string           `json:"parentId"`
	Content      string           `json:"content"`
	UserID       string           `json:"userId"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
	Reactions    []legacyReaction `json:"reactions"`
}

type legacyReactionEvent struct {
	PostID    string    `json:"postId"`
	ReplyID   string    `json:"replyId"`
	UserID    string    `json:"userId"`
	Emoji     string    `json:"emoji"`
	Removed   bool      `json:"removed"`
	CreatedAt time.Time `json:"createdAt"`
}

type legacyDeleted struct {
	ID           string `json:"_id"`
	DiscussionID string `json:"discussionId"`
}

// NormalizeDiscussion converts any known discussion wire shape into the canonical model.
func NormalizeDiscussion(raw json.RawMessage) (models.Discussion, error) {
	body, keys, err := unwrap("discussion", raw)
	if err != nil {
		return models.Discussion{}, err
	}

	var discussion models.Discussion
	switch {
	case keys.has("id", "title"):
		if err := json.Unmarshal(body, &discussion); err != nil {
			return models.Discussion{}, fmt.Errorf("discussion: %w", err)
		}
		if discussion.ReactionCounts == nil && len(discussion.Reactions) > 0 {
			discussion.Reactions, discussion.ReactionCounts = dedupeReactions(discussion.Reactions)
		}
	case keys.has("_id"):
		var legacy legacyDiscussion
		if err := json.Unmarshal(body, &legacy); err != nil {
			return models.Discussion{}, fmt.Errorf("discussion: %w", err)
		}
		discussion = models.Discussion{
			ID:         legacy.ID,
			ScopeID:    legacy.EventID,
			Title:      legacy.Title,
			Body:       legacy.Content,
			Category:   legacy.Category,
			AuthorID:   legacy.UserID,
			IsPinned:   legacy.Pinned,
			ReplyCount: legacy.RepliesCount,
			CreatedAt:  legacy.CreatedAt,
			UpdatedAt:  legacy.UpdatedAt,
		}
		discussion.Reactions, discussion.ReactionCounts = convertLegacyReactions(models.TargetDiscussion, legacy.ID, legacy.Reactions, legacy.UpdatedAt)
	default:
		return models.Discussion{}, &UnrecognizedShapeError{Entity: "discussion", Keys: keys.sorted()}
	}

	if strings.TrimSpace(discussion.ID) == "" {
		return models.Discussion{}, fmt.Errorf("discussion: missing id: %w", ErrInvalidPayload)
	}
	if discussion.UpdatedAt.IsZero() {
		discussion.UpdatedAt = discussion.CreatedAt
	}
	return discussion, nil
}

// NormalizeReply converts any known reply wire shape into the canonical model.
func NormalizeReply(raw json.RawMessage) (models.Reply, error) {
	body, keys, err := unwrap("reply", raw)
	if err != nil {
		return models.Reply{}, err
	}

	var reply models.Reply
	switch {
	case keys.has("id", "discussion_id"):
		if err := json.Unmarshal(body, &reply); err != nil {
			return models.Reply{}, fmt.Errorf("reply: %w", err)
		}
		if reply.ReactionCounts == nil && len(reply.Reactions) > 0 {
			reply.Reactions, reply.ReactionCounts = dedupeReactions(reply.Reactions)
		}
	case keys.has("_id", "discussionId"):
		var legacy legacyReply
		if err := json.Unmarshal(body, &legacy); err != nil {
			return models.Reply{}, fmt.Errorf("reply: %w", err)
		}
		reply = models.Reply{
			ID:            legacy.ID,
			DiscussionID:  legacy.DiscussionID,
			ParentReplyID: legacy.ParentID,
			Body:          legacy.Content,
			AuthorID:      legacy.UserID,
			CreatedAt:     legacy.CreatedAt,
			UpdatedAt:     legacy.UpdatedAt,
		}
		reply.Reactions, reply.ReactionCounts = convertLegacyReactions(models.TargetReply, legacy.ID, legacy.Reactions, legacy.UpdatedAt)
	default:
		return models.Reply{}, &UnrecognizedShapeError{Entity: "reply", Keys: keys.sorted()}
	}

	if strings.TrimSpace(reply.ID) == "" || strings.TrimSpace(reply.DiscussionID) == "" {
		return models.Reply{}, fmt.Errorf("reply: missing id or discussion id: %w", ErrInvalidPayload)
	}
	if reply.UpdatedAt.IsZero() {
		reply.UpdatedAt = reply.CreatedAt
	}
	return reply, nil
}

// NormalizeReaction converts any known reaction wire shape into the canonical model.
func NormalizeReaction(raw json.RawMessage) (models.Reaction, error) {
	body, keys, err := unwrap("reaction", raw)
	if err != nil {
		return models.Reaction{}, err
	}

	var reaction models.Reaction
	switch {
	case keys.has("target_type", "target_id", "actor_id"):
		if err := json.Unmarshal(body, &reaction); err != nil {
			return models.Reaction{}, fmt.Errorf("reaction: %w", err)
		}
	case keys.has("userId") && (keys.has("postId") || keys.has("replyId")):
		var legacy legacyReactionEvent
		if err := json.Unmarshal(body, &legacy); err != nil {
			return models.Reaction{}, fmt.Errorf("reaction: %w", err)
		}
		reaction = models.Reaction{
			TargetType: models.TargetDiscussion,
			TargetID:   legacy.PostID,
			ActorID:    legacy.UserID,
			Emoji:      legacy.Emoji,
			Removed:    legacy.Removed,
			UpdatedAt:  legacy.CreatedAt,
		}
		if legacy.ReplyID != "" {
			reaction.TargetType = models.TargetReply
			reaction.TargetID = legacy.ReplyID
		}
	default:
		return models.Reaction{}, &UnrecognizedShapeError{Entity: "reaction", Keys: keys.sorted()}
	}

	if !reaction.TargetType.Valid() || reaction.TargetID == "" || reaction.ActorID == "" {
		return models.Reaction{}, fmt.Errorf("reaction: missing target or actor: %w", ErrInvalidPayload)
	}
	if !reaction.Removed && reaction.Emoji == "" {
		return models.Reaction{}, fmt.Errorf("reaction: missing emoji: %w", ErrInvalidPayload)
	}
	return reaction, nil
}

// NormalizeDeleted extracts the identifier carried by a deletion event.
func NormalizeDeleted(raw json.RawMessage) (DeletedRef, error) {
	body, keys, err := unwrap("deleted", raw)
	if err != nil {
		return DeletedRef{}, err
	}

	var ref DeletedRef
	switch {
	case keys.has("id"):
		if err := json.Unmarshal(body, &ref); err != nil {
			return DeletedRef{}, fmt.Errorf("deleted: %w", err)
		}
	case keys.has("_id"):
		var legacy legacyDeleted
		if err := json.Unmarshal(body, &legacy); err != nil {
			return DeletedRef{}, fmt.Errorf("deleted: %w", err)
		}
		ref = DeletedRef{ID: legacy.ID, DiscussionID: legacy.DiscussionID}
	default:
		return DeletedRef{}, &UnrecognizedShapeError{Entity: "deleted", Keys: keys.sorted()}
	}

	if strings.TrimSpace(ref.ID) == "" {
		return DeletedRef{}, fmt.Errorf("deleted: missing id: %w", ErrInvalidPayload)
	}
	return ref, nil
}

type keySet map[string]struct{}

func (k keySet) has(names ...string) bool {
	for _, name := range names {
		if _, ok := k[name]; !ok {
			return false
		}
	}
	return true
}

func (k keySet) sorted() []string {
	out := make([]string, 0, len(k))
	for key := range k {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// unwrap peels a single {"<entity>": {...}} wrapper and returns the object with its keys.
func unwrap(entity string, raw json.RawMessage) (json.RawMessage, keySet, error) {
	object, err := decodeObject(raw)
	if err != nil {
		return nil, nil, &UnrecognizedShapeError{Entity: entity}
	}
	if inner, ok := object[entity]; ok && len(object) == 1 {
		raw = inner
		object, err = decodeObject(raw)
		if err != nil {
			return nil, nil, &UnrecognizedShapeError{Entity: entity, Keys: []string{entity}}
		}
	}

	keys := make(keySet, len(object))
	for key := range object {
		keys[key] = struct{}{}
	}
	return raw, keys, nil
}

func decodeObject(raw json.RawMessage) (map[string]json.RawMessage, error) {
	var object map[string]json.RawMessage
	if err := json.Unmarshal(raw, &object); err != nil {
		return nil, err
	}
	if object == nil {
		return nil, errors.New("null payload")
	}
	return object, nil
}

// dedupeReactions keeps the last reaction per actor and derives the emoji counts.
func dedupeReactions(reactions []models.Reaction) ([]models.Reaction, map[string]int) {
	index := make(map[string]int, len(reactions))
	out := make([]models.Reaction, 0, len(reactions))
	for _, reaction := range reactions {
		if reaction.Removed || reaction.ActorID == "" || reaction.Emoji == "" {
			continue
		}
		if position, ok := index[reaction.ActorID]; ok {
			out[position] = reaction
			continue
		}
		index[reaction.ActorID] = len(out)
		out = append(out, reaction)
	}

	counts := make(map[string]int)
	for _, reaction := range out {
		counts[reaction.Emoji]++
	}
	return out, counts
}

func convertLegacyReactions(targetType models.TargetType, targetID string, legacy []legacyReaction, fallback time.Time) ([]models.Reaction, map[string]int) {
	if len(legacy) == 0 {
		return nil, nil
	}
	reactions := make([]models.Reaction, 0, len(legacy))
	for _, item := range legacy {
		at := item.UpdatedAt
		if at.IsZero() {
			at = fallback
		}
		reactions = append(reactions, models.Reaction{
			TargetType: targetType,
			TargetID:   targetID,
			ActorID:    item.UserID,
			Emoji:      item.Emoji,
			UpdatedAt:  at,
		})
	}
	return dedupeReactions(reactions)
}
