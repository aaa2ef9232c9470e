package models

import (
	"maps"
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TargetType identifies the entity a reaction is attached to.
type TargetType string

const (
	TargetDiscussion TargetType = "discussion"
	TargetReply      TargetType = "reply"
)

// Valid reports whether the target type is one of the known kinds.
func (t TargetType) Valid() bool {
	return t == TargetDiscussion || t == TargetReply
}

// Discussion is a topic posted inside an event scope.
//
// Pending and CorrelationID only exist on the client while a speculative
// write waits for its authoritative echo.
type Discussion struct {
	ID             string            `gorm:"primaryKey;size:64" json:"id"`
	ScopeID        string            `gorm:"size:128;index" json:"scope_id"`
	Title          string            `gorm:"size:255;not null" json:"title"`
	Body           string            `gorm:"type:text" json:"body"`
	Category       string            `gorm:"size:64;index" json:"category"`
	AuthorID       string            `gorm:"size:64;index" json:"author_id"`
	IsPinned       bool              `gorm:"not null;default:false" json:"is_pinned"`
	ReplyCount     int               `gorm:"not null;default:0" json:"reply_count"`
	Metadata       datatypes.JSONMap `gorm:"type:json" json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	ReactionCounts map[string]int    `gorm:"-" json:"reaction_counts,omitempty"`
	Reactions      []Reaction        `gorm:"-" json:"reactions,omitempty"`
	Pending        bool              `gorm:"-" json:"-"`
	CorrelationID  string            `gorm:"-" json:"-"`
}

// BeforeCreate assigns a random identifier when the caller did not supply one.
func (d *Discussion) BeforeCreate(_ *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	return nil
}

// Clone returns a deep copy that shares no maps or slices with d.
func (d Discussion) Clone() Discussion {
	out := d
	out.ReactionCounts = maps.Clone(d.ReactionCounts)
	if d.Metadata != nil {
		out.Metadata = make(datatypes.JSONMap, len(d.Metadata))
		for key, value := range d.Metadata {
			out.Metadata[key] = value
		}
	}
	if d.Reactions != nil {
		out.Reactions = append([]Reaction(nil), d.Reactions...)
	}
	return out
}

// TotalReactions sums every emoji count.
func (d Discussion) TotalReactions() int {
	total := 0
	for _, count := range d.ReactionCounts {
		total += count
	}
	return total
}

// SameContent compares the authoritative fields of two discussions.
func (d Discussion) SameContent(other Discussion) bool {
	return d.ID == other.ID &&
		d.ScopeID == other.ScopeID &&
		d.Title == other.Title &&
		d.Body == other.Body &&
		d.Category == other.Category &&
		d.AuthorID == other.AuthorID &&
		d.IsPinned == other.IsPinned &&
		d.ReplyCount == other.ReplyCount &&
		d.CreatedAt.Equal(other.CreatedAt) &&
		d.UpdatedAt.Equal(other.UpdatedAt) &&
		maps.Equal(d.ReactionCounts, other.ReactionCounts) &&
		reflect.DeepEqual(map[string]interface{}(d.Metadata), map[string]interface{}(other.Metadata))
}

// Reply is a response posted on a discussion, optionally nested under another reply.
type Reply struct {
	ID             string         `gorm:"primaryKey;size:64" json:"id"`
	DiscussionID   string         `gorm:"size:64;index;not null" json:"discussion_id"`
	ParentReplyID  string         `gorm:"size:64;index" json:"parent_reply_id,omitempty"`
	Body           string         `gorm:"type:text" json:"body"`
	AuthorID       string         `gorm:"size:64;index" json:"author_id"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	ReactionCounts map[string]int `gorm:"-" json:"reaction_counts,omitempty"`
	Reactions      []Reaction     `gorm:"-" json:"reactions,omitempty"`
	Pending        bool           `gorm:"-" json:"-"`
	CorrelationID  string         `gorm:"-" json:"-"`
}

// BeforeCreate assigns a random identifier when the caller did not supply one.
func (r *Reply) BeforeCreate(_ *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// Clone returns a deep copy that shares no maps or slices with r.
func (r Reply) Clone() Reply {
	out := r
	out.ReactionCounts = maps.Clone(r.ReactionCounts)
	if r.Reactions != nil {
		out.Reactions = append([]Reaction(nil), r.Reactions...)
	}
	return out
}

// SameContent compares the authoritative fields of two replies.
func (r Reply) SameContent(other Reply) bool {
	return r.ID == other.ID &&
		r.DiscussionID == other.DiscussionID &&
		r.ParentReplyID == other.ParentReplyID &&
		r.Body == other.Body &&
		r.AuthorID == other.AuthorID &&
		r.CreatedAt.Equal(other.CreatedAt) &&
		r.UpdatedAt.Equal(other.UpdatedAt) &&
		maps.Equal(r.ReactionCounts, other.ReactionCounts)
}

// Reaction is one actor's emoji on a discussion or reply. An actor holds at
// most one reaction per target; reacting again replaces the previous emoji.
type Reaction struct {
	ID         uint       `gorm:"primaryKey" json:"-"`
	TargetType TargetType `gorm:"size:16;not null;uniqueIndex:ux_reaction_actor_target,priority:1" json:"target_type"`
	TargetID   string     `gorm:"size:64;not null;uniqueIndex:ux_reaction_actor_target,priority:2" json:"target_id"`
	ActorID    string     `gorm:"size:64;not null;uniqueIndex:ux_reaction_actor_target,priority:3" json:"actor_id"`
	Emoji      string     `gorm:"size:32;not null" json:"emoji"`
	Removed    bool       `gorm:"-" json:"removed,omitempty"`
	CreatedAt  time.Time  `json:"-"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// TargetKey is the aggregation key for the reaction's target.
func (r Reaction) TargetKey() string {
	return TargetKey(r.TargetType, r.TargetID)
}

// TargetKey builds the aggregation key for a target.
func TargetKey(targetType TargetType, targetID string) string {
	return string(targetType) + ":" + targetID
}

// SortedEmojis returns the emojis of counts, most used first.
func SortedEmojis(counts map[string]int) []string {
	emojis := make([]string, 0, len(counts))
	for emoji := range counts {
		emojis = append(emojis, emoji)
	}
	sort.Slice(emojis, func(i, j int) bool {
		if counts[emojis[i]] != counts[emojis[j]] {
			return counts[emojis[i]] > counts[emojis[j]]
		}
		return emojis[i] < emojis[j]
	})
	return emojis
}
