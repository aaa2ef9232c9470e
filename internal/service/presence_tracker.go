package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-live/internal/models"
)

// DefaultTypingTimeout is how long a typing indicator lives without a refresh.
const DefaultTypingTimeout = 4 * time.Second

type typingKey struct {
	discussionID string
	userID       string
}

// PresenceTracker holds online sets and typing indicators per scope. All of
// it is rebuilt from the push channel and never persisted.
type PresenceTracker struct {
	mu      sync.Mutex
	online  map[string]map[string]struct{}
	typing  map[string]map[typingKey]time.Time
	timeout time.Duration
	feed    *ChangeFeed
	logger  zerolog.Logger
	now     func() time.Time
}

// NewPresenceTracker constructs a tracker. feed may be nil.
func NewPresenceTracker(timeout time.Duration, feed *ChangeFeed, logger zerolog.Logger) *PresenceTracker {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	return &PresenceTracker{
		online:  make(map[string]map[string]struct{}),
		typing:  make(map[string]map[typingKey]time.Time),
		timeout: timeout,
		feed:    feed,
		logger:  logger.With().Str("component", "presence_tracker").Logger(),
		now:     time.Now,
	}
}

// MarkOnline adds a user to a scope's online set.
func (p *PresenceTracker) MarkOnline(scope, userID string) {
	if userID == "" {
		return
	}
	p.mu.Lock()
	users, ok := p.online[scope]
	if !ok {
		users = make(map[string]struct{})
		p.online[scope] = users
	}
	_, known := users[userID]
	users[userID] = struct{}{}
	p.mu.Unlock()

	if !known {
		p.notify(scope)
	}
}

// MarkOffline removes a user from a scope's online set and clears their typing entries there.
func (p *PresenceTracker) MarkOffline(scope, userID string) {
	p.mu.Lock()
	changed := p.removeLocked(scope, userID)
	p.mu.Unlock()

	if changed {
		p.notify(scope)
	}
}

// ReplaceOnline installs the authoritative online set of a scope.
func (p *PresenceTracker) ReplaceOnline(scope string, users []string) {
	set := make(map[string]struct{}, len(users))
	for _, user := range users {
		if user != "" {
			set[user] = struct{}{}
		}
	}

	p.mu.Lock()
	p.online[scope] = set
	for key := range p.typing[scope] {
		if _, ok := set[key.userID]; !ok {
			delete(p.typing[scope], key)
		}
	}
	p.mu.Unlock()

	p.notify(scope)
}

// Disconnected removes a user from every scope after an implicit disconnect.
func (p *PresenceTracker) Disconnected(userID string) {
	p.mu.Lock()
	changed := make([]string, 0)
	for scope := range p.online {
		if p.removeLocked(scope, userID) {
			changed = append(changed, scope)
		}
	}
	for scope := range p.typing {
		if _, seen := p.online[scope]; seen {
			continue
		}
		if p.removeLocked(scope, userID) {
			changed = append(changed, scope)
		}
	}
	p.mu.Unlock()

	for _, scope := range changed {
		p.notify(scope)
	}
}

// Reset forgets everything. Used when our own connection drops, since every
// set was derived from it.
func (p *PresenceTracker) Reset() {
	p.mu.Lock()
	scopes := make(map[string]struct{}, len(p.online)+len(p.typing))
	for scope := range p.online {
		scopes[scope] = struct{}{}
	}
	for scope := range p.typing {
		scopes[scope] = struct{}{}
	}
	p.online = make(map[string]map[string]struct{})
	p.typing = make(map[string]map[typingKey]time.Time)
	p.mu.Unlock()

	for scope := range scopes {
		p.notify(scope)
	}
}

// ClearScope forgets a scope after it is left.
func (p *PresenceTracker) ClearScope(scope string) {
	p.mu.Lock()
	delete(p.online, scope)
	delete(p.typing, scope)
	p.mu.Unlock()
}

// NoteTyping inserts or refreshes a typing indicator.
func (p *PresenceTracker) NoteTyping(scope, discussionID, userID string) {
	if userID == "" || discussionID == "" {
		return
	}
	p.mu.Lock()
	entries, ok := p.typing[scope]
	if !ok {
		entries = make(map[typingKey]time.Time)
		p.typing[scope] = entries
	}
	key := typingKey{discussionID: discussionID, userID: userID}
	_, refreshed := entries[key]
	entries[key] = p.now().Add(p.timeout)
	p.mu.Unlock()

	if !refreshed {
		p.notify(scope)
	}
}

// StopTyping removes an indicator immediately.
func (p *PresenceTracker) StopTyping(scope, discussionID, userID string) {
	p.mu.Lock()
	key := typingKey{discussionID: discussionID, userID: userID}
	_, ok := p.typing[scope][key]
	delete(p.typing[scope], key)
	p.mu.Unlock()

	if ok {
		p.notify(scope)
	}
}

// Typing lists unexpired typing indicators on a discussion, sweeping expired ones.
func (p *PresenceTracker) Typing(scope, discussionID string) []models.TypingEntry {
	now := p.now()

	p.mu.Lock()
	out := make([]models.TypingEntry, 0)
	for key, expiresAt := range p.typing[scope] {
		if !now.Before(expiresAt) {
			delete(p.typing[scope], key)
			continue
		}
		if key.discussionID != discussionID {
			continue
		}
		out = append(out, models.TypingEntry{
			ScopeID:      scope,
			DiscussionID: key.discussionID,
			UserID:       key.userID,
			ExpiresAt:    expiresAt,
		})
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Online lists the users online in a scope.
func (p *PresenceTracker) Online(scope string) []string {
	p.mu.Lock()
	users := make([]string, 0, len(p.online[scope]))
	for user := range p.online[scope] {
		users = append(users, user)
	}
	p.mu.Unlock()

	sort.Strings(users)
	return users
}

// Sweep drops every expired typing indicator and returns how many were removed.
func (p *PresenceTracker) Sweep() int {
	now := p.now()

	p.mu.Lock()
	removed := 0
	changed := make([]string, 0)
	for scope, entries := range p.typing {
		before := removed
		for key, expiresAt := range entries {
			if !now.Before(expiresAt) {
				delete(entries, key)
				removed++
			}
		}
		if removed > before {
			changed = append(changed, scope)
		}
	}
	p.mu.Unlock()

	for _, scope := range changed {
		p.notify(scope)
	}
	return removed
}

// Run sweeps on a coarse timer until ctx is cancelled.
func (p *PresenceTracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := p.Sweep(); removed > 0 {
				p.logger.Debug().Int("expired", removed).Msg("typing indicators expired")
			}
		}
	}
}

func (p *PresenceTracker) removeLocked(scope, userID string) bool {
	changed := false
	if users, ok := p.online[scope]; ok {
		if _, present := users[userID]; present {
			delete(users, userID)
			changed = true
		}
	}
	for key := range p.typing[scope] {
		if key.userID == userID {
			delete(p.typing[scope], key)
			changed = true
		}
	}
	return changed
}

func (p *PresenceTracker) notify(scope string) {
	if p.feed != nil {
		p.feed.Notify(scope)
	}
}
