package models

import (
	"sort"
	"strings"
	"time"
)

// ScopeState tracks a scope subscription through join, disconnect and resync.
type ScopeState string

const (
	ScopeUnsubscribed ScopeState = "unsubscribed"
	ScopeJoining      ScopeState = "joining"
	ScopeSynced       ScopeState = "synced"
	ScopeStale        ScopeState = "stale"
	ScopeResyncing    ScopeState = "resyncing"
)

// TypingEntry marks a user composing input on a discussion until ExpiresAt.
type TypingEntry struct {
	ScopeID      string    `json:"scope_id"`
	DiscussionID string    `json:"discussion_id"`
	UserID       string    `json:"user_id"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// SortOrder controls how a scope's discussions are listed.
type SortOrder string

const (
	SortLatest  SortOrder = "latest"
	SortActive  SortOrder = "active"
	SortPopular SortOrder = "popular"
)

// DiscussionFilter narrows the discussions of a scope.
type DiscussionFilter struct {
	Category string    `json:"category,omitempty"`
	Sort     SortOrder `json:"sort,omitempty"`
	Search   string    `json:"search,omitempty"`
}

// Normalize trims input and applies the default sort order.
func (f DiscussionFilter) Normalize() DiscussionFilter {
	f.Category = strings.TrimSpace(f.Category)
	f.Search = strings.TrimSpace(f.Search)
	switch SortOrder(strings.ToLower(string(f.Sort))) {
	case SortActive:
		f.Sort = SortActive
	case SortPopular:
		f.Sort = SortPopular
	default:
		f.Sort = SortLatest
	}
	return f
}

// Matches reports whether d belongs in a listing using this filter.
func (f DiscussionFilter) Matches(d Discussion) bool {
	if f.Category != "" && !strings.EqualFold(f.Category, d.Category) {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(d.Title), needle) && !strings.Contains(strings.ToLower(d.Body), needle) {
			return false
		}
	}
	return true
}

// SortDiscussions orders a listing: pinned first, then by order, then newest.
func SortDiscussions(discussions []Discussion, order SortOrder) {
	sort.SliceStable(discussions, func(i, j int) bool {
		a, b := discussions[i], discussions[j]
		if a.IsPinned != b.IsPinned {
			return a.IsPinned
		}
		switch order {
		case SortActive:
			if !a.UpdatedAt.Equal(b.UpdatedAt) {
				return a.UpdatedAt.After(b.UpdatedAt)
			}
		case SortPopular:
			if ta, tb := a.TotalReactions(), b.TotalReactions(); ta != tb {
				return ta > tb
			}
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
