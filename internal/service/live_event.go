package service

import (
	"fmt"
	"time"

	"github.com/noah-isme/gema-live/internal/dto"
	"github.com/noah-isme/gema-live/internal/models"
)

// Event is a decoded inbound entity mutation ready for reconciliation.
type Event struct {
	Kind          string
	Scope         string
	CorrelationID string
	Discussion    *models.Discussion
	Reply         *models.Reply
	Reaction      *models.Reaction
	Deleted       *dto.DeletedRef
	ReceivedAt    time.Time
}

// DecodeEvent normalizes the payload of an entity envelope.
func DecodeEvent(envelope dto.Envelope) (Event, error) {
	event := Event{
		Kind:          envelope.Type,
		Scope:         envelope.Scope,
		CorrelationID: envelope.CorrelationID,
		ReceivedAt:    time.Now().UTC(),
	}

	switch envelope.Type {
	case dto.EventDiscussionAdded, dto.EventDiscussionUpdated:
		discussion, err := dto.NormalizeDiscussion(envelope.Data)
		if err != nil {
			return Event{}, err
		}
		event.Discussion = &discussion
	case dto.EventReplyAdded, dto.EventReplyUpdated:
		reply, err := dto.NormalizeReply(envelope.Data)
		if err != nil {
			return Event{}, err
		}
		event.Reply = &reply
	case dto.EventDiscussionDeleted, dto.EventReplyDeleted:
		ref, err := dto.NormalizeDeleted(envelope.Data)
		if err != nil {
			return Event{}, err
		}
		event.Deleted = &ref
	case dto.EventReactionAdded:
		reaction, err := dto.NormalizeReaction(envelope.Data)
		if err != nil {
			return Event{}, err
		}
		event.Reaction = &reaction
	default:
		return Event{}, fmt.Errorf("%s is not an entity event: %w", envelope.Type, dto.ErrInvalidPayload)
	}

	return event, nil
}
