package dto

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/noah-isme/gema-live/internal/models"
)

// Push channel event kinds.
const (
	EventJoinScope  = "join-scope"
	EventLeaveScope = "leave-scope"
	EventTyping     = "typing"
	EventStopTyping = "stop-typing"

	EventDiscussionAdded   = "discussion-added"
	EventDiscussionUpdated = "discussion-updated"
	EventDiscussionDeleted = "discussion-deleted"
	EventReplyAdded        = "reply-added"
	EventReplyUpdated      = "reply-updated"
	EventReplyDeleted      = "reply-deleted"
	EventReactionAdded     = "reaction-added"
	EventUsersOnline       = "users-online"
	EventUserJoined        = "user-joined"
	EventUserLeft          = "user-left"
	EventUserDisconnected  = "user-disconnected"
	EventError             = "error"
)

// EntityEventKinds lists the inbound kinds that mutate reconciled entity state.
var EntityEventKinds = []string{
	EventDiscussionAdded,
	EventDiscussionUpdated,
	EventDiscussionDeleted,
	EventReplyAdded,
	EventReplyUpdated,
	EventReplyDeleted,
	EventReactionAdded,
}

// Envelope is the frame exchanged on the push channel in both directions.
type Envelope struct {
	Type          string          `json:"type"`
	Scope         string          `json:"scope,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	SentAt        time.Time       `json:"sent_at"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an envelope of the given kind.
func NewEnvelope(kind, scope, correlationID string, payload interface{}) (Envelope, error) {
	envelope := Envelope{
		Type:          kind,
		Scope:         scope,
		CorrelationID: correlationID,
		SentAt:        time.Now().UTC(),
	}
	if payload == nil {
		return envelope, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	envelope.Data = data
	return envelope, nil
}

// Decode unmarshals the envelope data into target.
func (e Envelope) Decode(target interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s event carries no data", e.Type)
	}
	if err := json.Unmarshal(e.Data, target); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// TypingPayload is carried by typing and stop-typing frames.
type TypingPayload struct {
	DiscussionID string `json:"discussion_id" validate:"required,max=64"`
	UserID       string `json:"user_id,omitempty"`
}

// UsersOnlinePayload is the full online set of a scope.
type UsersOnlinePayload struct {
	Users []string `json:"users"`
}

// PresencePayload names the user affected by a join, leave or disconnect.
type PresencePayload struct {
	UserID string `json:"user_id"`
}

// ErrorPayload reports a rejected client action.
type ErrorPayload struct {
	Message string `json:"message"`
}

// DeletedRef identifies a removed discussion or reply.
type DeletedRef struct {
	ID           string `json:"id"`
	DiscussionID string `json:"discussion_id,omitempty"`
}

// DiscussionCreateRequest is the payload to create a discussion.
type DiscussionCreateRequest struct {
	Title    string `json:"title" validate:"required,min=3,max=255"`
	Body     string `json:"body" validate:"required,min=1,max=10000"`
	Category string `json:"category" validate:"omitempty,max=64"`
}

// DiscussionUpdateRequest edits an existing discussion.
type DiscussionUpdateRequest struct {
	Title    *string `json:"title" validate:"omitempty,min=3,max=255"`
	Body     *string `json:"body" validate:"omitempty,min=1,max=10000"`
	Category *string `json:"category" validate:"omitempty,max=64"`
}

// ReplyCreateRequest creates a reply on a discussion.
type ReplyCreateRequest struct {
	Body          string `json:"body" validate:"required,min=1,max=5000"`
	ParentReplyID string `json:"parent_reply_id" validate:"omitempty,max=64"`
}

// ReactionRequest creates, replaces or withdraws the caller's reaction.
type ReactionRequest struct {
	TargetType string `json:"target_type" validate:"required,oneof=discussion reply"`
	TargetID   string `json:"target_id" validate:"required,max=64"`
	Emoji      string `json:"emoji" validate:"required_without=Removed,max=32"`
	Removed    bool   `json:"removed"`
}

// PinRequest toggles the pinned flag on a discussion.
type PinRequest struct {
	Pinned bool `json:"pinned"`
}

// DiscussionListQuery holds the list filters accepted by the collaborator.
type DiscussionListQuery struct {
	Category string `query:"category" validate:"omitempty,max=64"`
	Sort     string `query:"sort" validate:"omitempty,oneof=latest active popular"`
	Search   string `query:"q" validate:"omitempty,max=200"`
	Limit    int    `query:"limit" validate:"omitempty,min=1,max=200"`
	Offset   int    `query:"offset" validate:"omitempty,min=0"`
}

// Filter converts the query into the model filter.
func (q DiscussionListQuery) Filter() models.DiscussionFilter {
	return models.DiscussionFilter{
		Category: q.Category,
		Sort:     models.SortOrder(q.Sort),
		Search:   q.Search,
	}.Normalize()
}
