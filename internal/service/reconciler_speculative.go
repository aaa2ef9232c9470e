package service

import (
	"github.com/noah-isme/gema-live/internal/dto"
	"github.com/noah-isme/gema-live/internal/models"
)

// InsertSpeculativeDiscussion shows a locally created discussion before the
// collaborator confirms it.
func (r *EventReconciler) InsertSpeculativeDiscussion(discussion models.Discussion) error {
	r.mu.Lock()
	entry, ok := r.scopes[discussion.ScopeID]
	if !ok {
		r.mu.Unlock()
		return ErrScopeNotOpen
	}
	discussion.Pending = true
	discussion.ReactionCounts = r.aggregator.Reseed(models.TargetKey(models.TargetDiscussion, discussion.ID), nil, nil)
	entry.discussions[discussion.ID] = discussion
	r.owner[discussion.ID] = entry.id
	r.mu.Unlock()

	r.notify(discussion.ScopeID)
	return nil
}

// ConfirmDiscussion swaps a speculative discussion for the collaborator's
// copy. It is a no-op when the push echo already did so.
func (r *EventReconciler) ConfirmDiscussion(specID string, confirmed models.Discussion) ApplyOutcome {
	r.mu.Lock()
	scope := confirmed.ScopeID
	if owner, ok := r.owner[specID]; ok {
		scope = owner
	}
	entry, ok := r.scopes[scope]
	if !ok {
		r.mu.Unlock()
		return OutcomeIgnored
	}

	outcome, _ := r.mergeDiscussionLocked(entry, dto.EventDiscussionAdded, confirmed, specID)
	if _, left := entry.discussions[specID]; left {
		r.forgetDiscussionLocked(entry, specID, false)
	}
	r.mu.Unlock()

	r.notify(scope)
	return outcome
}

// DropSpeculativeDiscussion removes a speculative discussion after its write failed.
func (r *EventReconciler) DropSpeculativeDiscussion(specID string) {
	r.mu.Lock()
	scope, ok := r.owner[specID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if entry, ok := r.scopes[scope]; ok {
		r.forgetDiscussionLocked(entry, specID, false)
	}
	r.mu.Unlock()

	r.notify(scope)
}

// InsertSpeculativeReply shows a locally created reply and bumps the parent's reply count.
func (r *EventReconciler) InsertSpeculativeReply(reply models.Reply) (string, error) {
	r.mu.Lock()
	scope, ok := r.owner[reply.DiscussionID]
	if !ok || isSpeculative(reply.DiscussionID) {
		r.mu.Unlock()
		return "", ErrUnknownTarget
	}
	entry, ok := r.scopes[scope]
	if !ok {
		r.mu.Unlock()
		return "", ErrScopeNotOpen
	}
	if reply.ParentReplyID != "" {
		if owner, ok := r.replyOwner[reply.ParentReplyID]; !ok || owner != reply.DiscussionID || isSpeculative(reply.ParentReplyID) {
			r.mu.Unlock()
			return "", ErrUnknownTarget
		}
	}

	replies := r.replies[reply.DiscussionID]
	if replies == nil {
		replies = make(map[string]models.Reply)
		r.replies[reply.DiscussionID] = replies
	}
	reply.Pending = true
	reply.ReactionCounts = r.aggregator.Reseed(models.TargetKey(models.TargetReply, reply.ID), nil, nil)
	replies[reply.ID] = reply
	r.replyOwner[reply.ID] = reply.DiscussionID

	discussion := entry.discussions[reply.DiscussionID]
	discussion.ReplyCount++
	entry.discussions[reply.DiscussionID] = discussion
	r.mu.Unlock()

	r.notify(scope)
	return scope, nil
}

// ConfirmReply swaps a speculative reply for the collaborator's copy.
func (r *EventReconciler) ConfirmReply(specID string, confirmed models.Reply) ApplyOutcome {
	r.mu.Lock()
	scope, ok := r.owner[confirmed.DiscussionID]
	if !ok {
		r.mu.Unlock()
		return OutcomeIgnored
	}
	entry, ok := r.scopes[scope]
	if !ok {
		r.mu.Unlock()
		return OutcomeIgnored
	}

	outcome, _ := r.mergeReplyLocked(entry, dto.EventReplyAdded, confirmed, specID)
	if _, left := r.replies[confirmed.DiscussionID][specID]; left {
		r.dropSpeculativeReplyLocked(entry, confirmed.DiscussionID, specID)
	}
	r.mu.Unlock()

	r.notify(scope)
	return outcome
}

// DropSpeculativeReply removes a speculative reply after its write failed.
func (r *EventReconciler) DropSpeculativeReply(specID string) {
	r.mu.Lock()
	discussionID, ok := r.replyOwner[specID]
	if !ok {
		r.mu.Unlock()
		return
	}
	scope := r.owner[discussionID]
	if entry, ok := r.scopes[scope]; ok {
		r.dropSpeculativeReplyLocked(entry, discussionID, specID)
	}
	r.mu.Unlock()

	r.notify(scope)
}

func (r *EventReconciler) dropSpeculativeReplyLocked(entry *scopeEntry, discussionID, specID string) {
	delete(r.replies[discussionID], specID)
	delete(r.replyOwner, specID)
	r.aggregator.Drop(models.TargetKey(models.TargetReply, specID))

	if discussion, ok := entry.discussions[discussionID]; ok && discussion.ReplyCount > 0 {
		discussion.ReplyCount--
		entry.discussions[discussionID] = discussion
	}
}

// SetPinSpeculative flips the pinned flag locally and returns the previous value.
func (r *EventReconciler) SetPinSpeculative(discussionID string, pinned bool, correlationID string) (bool, string, error) {
	r.mu.Lock()
	scope, ok := r.owner[discussionID]
	if !ok || isSpeculative(discussionID) {
		r.mu.Unlock()
		return false, "", ErrUnknownTarget
	}
	entry := r.scopes[scope]
	discussion := entry.discussions[discussionID]
	previous := discussion.IsPinned
	discussion.IsPinned = pinned
	discussion.Pending = true
	discussion.CorrelationID = correlationID
	entry.discussions[discussionID] = discussion
	r.mu.Unlock()

	r.notify(scope)
	return previous, scope, nil
}

// RollbackPin restores the pinned flag unless an authoritative update already replaced the speculative one.
func (r *EventReconciler) RollbackPin(discussionID, correlationID string, previous bool) bool {
	r.mu.Lock()
	scope, ok := r.owner[discussionID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	entry := r.scopes[scope]
	discussion := entry.discussions[discussionID]
	if discussion.CorrelationID != correlationID {
		r.mu.Unlock()
		return false
	}
	discussion.IsPinned = previous
	discussion.Pending = false
	discussion.CorrelationID = ""
	entry.discussions[discussionID] = discussion
	r.mu.Unlock()

	r.notify(scope)
	return true
}

// ConfirmDiscussionUpdate applies the collaborator's copy after an update
// write and clears the pending marker left by correlationID.
func (r *EventReconciler) ConfirmDiscussionUpdate(confirmed models.Discussion, correlationID string) ApplyOutcome {
	r.mu.Lock()
	scope, ok := r.owner[confirmed.ID]
	if !ok {
		r.mu.Unlock()
		return OutcomeIgnored
	}
	entry := r.scopes[scope]

	outcome, _ := r.mergeDiscussionLocked(entry, dto.EventDiscussionUpdated, confirmed, "")
	if discussion, ok := entry.discussions[confirmed.ID]; ok && discussion.CorrelationID == correlationID && discussion.Pending {
		discussion.Pending = false
		discussion.CorrelationID = ""
		entry.discussions[confirmed.ID] = discussion
	}
	r.mu.Unlock()

	r.notify(scope)
	return outcome
}

// ApplyLocalReaction shows the local actor's reaction before the collaborator confirms it.
func (r *EventReconciler) ApplyLocalReaction(reaction models.Reaction) (ReactionUndo, string, error) {
	r.mu.Lock()
	entry, ok := r.scopeOfTargetLocked(reaction.TargetType, reaction.TargetID)
	if !ok || isSpeculative(reaction.TargetID) {
		r.mu.Unlock()
		return ReactionUndo{}, "", ErrUnknownTarget
	}
	counts, undo := r.aggregator.ApplyLocal(reaction)
	r.setCountsLocked(entry, reaction.TargetType, reaction.TargetID, counts)
	scope := entry.id
	r.mu.Unlock()

	r.notify(scope)
	return undo, scope, nil
}

// RollbackReaction reverts a local reaction after its write failed.
func (r *EventReconciler) RollbackReaction(undo ReactionUndo) bool {
	r.mu.Lock()
	entry, ok := r.scopeOfTargetLocked(undo.targetType, undo.targetID)
	if !ok {
		r.mu.Unlock()
		return false
	}
	counts, reverted := r.aggregator.Rollback(undo)
	if reverted {
		r.setCountsLocked(entry, undo.targetType, undo.targetID, counts)
	}
	scope := entry.id
	r.mu.Unlock()

	if reverted {
		r.notify(scope)
	}
	return reverted
}

// ConfirmReaction folds the collaborator's copy of a reaction into the aggregate.
func (r *EventReconciler) ConfirmReaction(reaction models.Reaction) ApplyOutcome {
	r.mu.Lock()
	entry, ok := r.scopeOfTargetLocked(reaction.TargetType, reaction.TargetID)
	if !ok {
		r.mu.Unlock()
		return OutcomeIgnored
	}
	outcome, _ := r.mergeReactionLocked(entry, reaction)
	scope := entry.id
	r.mu.Unlock()

	if outcome == OutcomeApplied {
		r.notify(scope)
	}
	return outcome
}
