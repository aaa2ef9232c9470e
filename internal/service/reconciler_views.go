package service

import (
	"sort"
	"time"

	"github.com/noah-isme/gema-live/internal/models"
)

// State reports the subscription state of a scope.
func (r *EventReconciler) State(scope string) models.ScopeState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.scopes[scope]
	if !ok {
		return models.ScopeUnsubscribed
	}
	return entry.state
}

// SyncedAt returns the fetch time of the last applied snapshot.
func (r *EventReconciler) SyncedAt(scope string) time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry, ok := r.scopes[scope]; ok {
		return entry.syncedAt
	}
	return time.Time{}
}

// Filter returns the active filter of a scope.
func (r *EventReconciler) Filter(scope string) models.DiscussionFilter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry, ok := r.scopes[scope]; ok {
		return entry.filter
	}
	return models.DiscussionFilter{}.Normalize()
}

// OpenScopes lists every scope that is currently open.
func (r *EventReconciler) OpenScopes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	scopes := make([]string, 0, len(r.scopes))
	for id := range r.scopes {
		scopes = append(scopes, id)
	}
	sort.Strings(scopes)
	return scopes
}

// Discussions lists copies of the scope's discussions matching its filter,
// pinned discussions first.
func (r *EventReconciler) Discussions(scope string) []models.Discussion {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.scopes[scope]
	if !ok {
		return nil
	}

	out := make([]models.Discussion, 0, len(entry.discussions))
	for _, discussion := range entry.discussions {
		if !entry.filter.Matches(discussion) {
			continue
		}
		out = append(out, discussion.Clone())
	}
	models.SortDiscussions(out, entry.filter.Sort)
	return out
}

// Discussion returns a copy of one discussion.
func (r *EventReconciler) Discussion(id string) (models.Discussion, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	scope, ok := r.owner[id]
	if !ok {
		return models.Discussion{}, false
	}
	discussion, ok := r.scopes[scope].discussions[id]
	if !ok {
		return models.Discussion{}, false
	}
	return discussion.Clone(), true
}

// Replies lists copies of a discussion's replies in creation order.
func (r *EventReconciler) Replies(discussionID string) []models.Reply {
	r.mu.RLock()
	defer r.mu.RUnlock()

	replies := r.replies[discussionID]
	out := make([]models.Reply, 0, len(replies))
	for _, reply := range replies {
		out = append(out, reply.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// LoadedReplies lists the discussions of a scope whose replies were fetched.
func (r *EventReconciler) LoadedReplies(scope string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.scopes[scope]
	if !ok {
		return nil
	}
	out := make([]string, 0)
	for discussionID := range r.repliesLoaded {
		if _, ok := entry.discussions[discussionID]; ok {
			out = append(out, discussionID)
		}
	}
	sort.Strings(out)
	return out
}

// BeginReplies starts tracking live replies so a concurrent fetch does not drop them.
func (r *EventReconciler) BeginReplies(scope, discussionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.owner[discussionID]; !ok || owner != scope {
		return ErrUnknownTarget
	}
	r.replyLoads[discussionID] = make(map[string]struct{})
	return nil
}

// AbortReplies stops tracking live replies after a failed fetch.
func (r *EventReconciler) AbortReplies(discussionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.replyLoads, discussionID)
}

// MergeReplies installs a fetched reply list. Replies deleted locally stay
// deleted; replies that arrived live during the fetch, or are still
// speculative, are kept; a newer local copy wins over the fetched one.
func (r *EventReconciler) MergeReplies(scope, discussionID string, fetched []models.Reply) error {
	r.mu.Lock()
	entry, ok := r.scopes[scope]
	if !ok {
		r.mu.Unlock()
		return ErrScopeNotOpen
	}
	if _, ok := entry.discussions[discussionID]; !ok {
		r.mu.Unlock()
		return ErrUnknownTarget
	}

	current := r.replies[discussionID]
	live := r.replyLoads[discussionID]
	delete(r.replyLoads, discussionID)

	fresh := make(map[string]models.Reply, len(fetched))
	for _, incoming := range fetched {
		reply := incoming.Clone()
		if reply.DiscussionID != discussionID {
			continue
		}
		if _, gone := entry.tombstones[reply.ID]; gone {
			continue
		}
		if local, ok := current[reply.ID]; ok && local.UpdatedAt.After(reply.UpdatedAt) {
			fresh[reply.ID] = local
			continue
		}
		reply.Pending = false
		reply.CorrelationID = ""
		reply.ReactionCounts = r.aggregator.Reseed(models.TargetKey(models.TargetReply, reply.ID), reply.Reactions, reply.ReactionCounts)
		reply.Reactions = nil
		fresh[reply.ID] = reply
	}

	for id, reply := range current {
		if _, ok := fresh[id]; ok {
			continue
		}
		if _, arrived := live[id]; arrived || isSpeculative(id) {
			fresh[id] = reply
			continue
		}
		delete(r.replyOwner, id)
		r.aggregator.Drop(models.TargetKey(models.TargetReply, id))
	}
	for id := range fresh {
		r.replyOwner[id] = discussionID
	}

	r.replies[discussionID] = fresh
	r.repliesLoaded[discussionID] = struct{}{}
	r.mu.Unlock()

	r.notify(scope)
	return nil
}

// ReplyScope returns the scope and discussion holding a reply.
func (r *EventReconciler) ReplyScope(replyID string) (string, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	discussionID, ok := r.replyOwner[replyID]
	if !ok {
		return "", "", false
	}
	scope, ok := r.owner[discussionID]
	return scope, discussionID, ok
}
