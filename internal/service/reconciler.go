package service

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-live/internal/dto"
	"github.com/noah-isme/gema-live/internal/models"
	"github.com/noah-isme/gema-live/internal/observability"
)

// ApplyOutcome describes what the reconciler did with one event.
type ApplyOutcome string

const (
	OutcomeApplied   ApplyOutcome = "applied"
	OutcomeConfirmed ApplyOutcome = "confirmed"
	OutcomeDuplicate ApplyOutcome = "duplicate"
	OutcomeStale     ApplyOutcome = "stale"
	OutcomeBuffered  ApplyOutcome = "buffered"
	OutcomeDropped   ApplyOutcome = "dropped"
	OutcomeIgnored   ApplyOutcome = "ignored"
)

const speculativePrefix = "local-"

func speculativeID(correlationID string) string {
	return speculativePrefix + correlationID
}

func isSpeculative(id string) bool {
	return strings.HasPrefix(id, speculativePrefix)
}

// EchoMatcher pairs authoritative events with pending speculative writes.
// It is called while the reconciler holds its lock and must not call back into it.
type EchoMatcher interface {
	MatchDiscussion(scope string, discussion models.Discussion, correlationID string) (string, bool)
	MatchReply(reply models.Reply, correlationID string) (string, bool)
	MatchWrite(correlationID string)
}

// SnapshotToken identifies one snapshot attempt for a scope.
type SnapshotToken struct {
	Scope   string
	Attempt uint64
}

type scopeEntry struct {
	id          string
	state       models.ScopeState
	filter      models.DiscussionFilter
	discussions map[string]models.Discussion
	tombstones  map[string]struct{}
	buffering   bool
	buffer      []Event
	overflow    bool
	attempt     uint64
	syncedAt    time.Time
}

// EventReconciler owns the per-scope entity maps and is the only writer to them.
type EventReconciler struct {
	mu            sync.RWMutex
	scopes        map[string]*scopeEntry
	owner         map[string]string
	replies       map[string]map[string]models.Reply
	replyOwner    map[string]string
	repliesLoaded map[string]struct{}
	replyLoads    map[string]map[string]struct{}
	aggregator    *ReactionAggregator
	echo          EchoMatcher
	feed          *ChangeFeed
	bufferLimit   int
	logger        zerolog.Logger
}

// NewEventReconciler constructs a reconciler. feed may be nil.
func NewEventReconciler(aggregator *ReactionAggregator, feed *ChangeFeed, bufferLimit int, logger zerolog.Logger) *EventReconciler {
	if aggregator == nil {
		aggregator = NewReactionAggregator()
	}
	if bufferLimit <= 0 {
		bufferLimit = 1024
	}
	return &EventReconciler{
		scopes:        make(map[string]*scopeEntry),
		owner:         make(map[string]string),
		replies:       make(map[string]map[string]models.Reply),
		replyOwner:    make(map[string]string),
		repliesLoaded: make(map[string]struct{}),
		replyLoads:    make(map[string]map[string]struct{}),
		aggregator:    aggregator,
		feed:          feed,
		bufferLimit:   bufferLimit,
		logger:        logger.With().Str("component", "event_reconciler").Logger(),
	}
}

// SetEchoMatcher installs the matcher consulted for added events.
func (r *EventReconciler) SetEchoMatcher(matcher EchoMatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.echo = matcher
}

// Open subscribes a scope and starts buffering for its first snapshot.
// Opening an already open scope updates its filter and starts a new attempt.
func (r *EventReconciler) Open(scope string, filter models.DiscussionFilter) SnapshotToken {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.scopes[scope]
	if !ok {
		entry = &scopeEntry{
			id:          scope,
			state:       models.ScopeJoining,
			discussions: make(map[string]models.Discussion),
			tombstones:  make(map[string]struct{}),
		}
		r.scopes[scope] = entry
	}
	entry.filter = filter.Normalize()
	return r.beginLocked(entry, false)
}

// BeginSnapshot starts a new snapshot attempt, superseding any in flight.
func (r *EventReconciler) BeginSnapshot(scope string) (SnapshotToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.scopes[scope]
	if !ok {
		return SnapshotToken{}, ErrScopeNotOpen
	}
	return r.beginLocked(entry, false), nil
}

// Resync restarts a scope after reconnect: buffered events are discarded and
// the scope waits for a fresh snapshot.
func (r *EventReconciler) Resync(scope string) (SnapshotToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.scopes[scope]
	if !ok {
		return SnapshotToken{}, ErrScopeNotOpen
	}
	if discarded := len(entry.buffer); discarded > 0 {
		r.logger.Debug().Str("scope_id", scope).Int("discarded", discarded).Msg("discarding buffered events for resync")
	}
	return r.beginLocked(entry, true), nil
}

func (r *EventReconciler) beginLocked(entry *scopeEntry, resync bool) SnapshotToken {
	entry.attempt++
	entry.buffering = true
	entry.buffer = nil
	entry.overflow = false
	if resync || !entry.syncedAt.IsZero() {
		entry.state = models.ScopeResyncing
	} else {
		entry.state = models.ScopeJoining
	}
	return SnapshotToken{Scope: entry.id, Attempt: entry.attempt}
}

// ApplySnapshot installs a snapshot as the scope baseline and replays the
// events buffered while it was fetched.
func (r *EventReconciler) ApplySnapshot(token SnapshotToken, snapshot Snapshot) error {
	r.mu.Lock()
	entry, ok := r.scopes[token.Scope]
	if !ok {
		r.mu.Unlock()
		return ErrScopeNotOpen
	}
	if entry.attempt != token.Attempt || !entry.buffering {
		r.mu.Unlock()
		return ErrSnapshotSuperseded
	}
	if entry.overflow {
		entry.buffer = nil
		r.mu.Unlock()
		observability.EventsDropped().WithLabelValues("buffer_overflow").Inc()
		return ErrBufferOverflow
	}

	previous := entry.discussions
	fresh := make(map[string]models.Discussion, len(snapshot.Discussions))
	for _, incoming := range snapshot.Discussions {
		discussion := incoming.Clone()
		if discussion.ScopeID == "" {
			discussion.ScopeID = entry.id
		}
		if discussion.ScopeID != entry.id {
			r.logger.Warn().Str("scope_id", entry.id).Str("discussion_id", discussion.ID).Msg("snapshot discussion belongs to another scope")
			continue
		}
		if owner, ok := r.owner[discussion.ID]; ok && owner != entry.id {
			continue
		}
		discussion.Pending = false
		discussion.CorrelationID = ""
		discussion.ReactionCounts = r.aggregator.Reseed(models.TargetKey(models.TargetDiscussion, discussion.ID), discussion.Reactions, discussion.ReactionCounts)
		discussion.Reactions = nil
		fresh[discussion.ID] = discussion
	}

	for id, discussion := range previous {
		if _, ok := fresh[id]; ok {
			continue
		}
		if isSpeculative(id) {
			fresh[id] = discussion
			continue
		}
		r.forgetDiscussionLocked(entry, id, false)
	}
	for id := range fresh {
		r.owner[id] = entry.id
	}

	entry.discussions = fresh
	entry.tombstones = make(map[string]struct{})
	entry.buffering = false
	entry.state = models.ScopeSynced
	entry.syncedAt = snapshot.FetchedAt
	if entry.syncedAt.IsZero() {
		entry.syncedAt = time.Now().UTC()
	}

	buffered := entry.buffer
	entry.buffer = nil
	for _, event := range buffered {
		r.recordLocked(entry, event)
	}
	r.mu.Unlock()

	r.logger.Debug().Str("scope_id", token.Scope).Int("discussions", len(fresh)).Int("replayed", len(buffered)).Msg("snapshot applied")
	r.notify(token.Scope)
	return nil
}

// FailSnapshot ends a failed attempt. Cached state is kept, buffered events
// are replayed onto it, and the scope is marked stale until a retry.
func (r *EventReconciler) FailSnapshot(token SnapshotToken, cause error) error {
	r.mu.Lock()
	entry, ok := r.scopes[token.Scope]
	if !ok {
		r.mu.Unlock()
		return ErrScopeNotOpen
	}
	if entry.attempt != token.Attempt || !entry.buffering {
		r.mu.Unlock()
		return ErrSnapshotSuperseded
	}

	buffered := entry.buffer
	if entry.overflow {
		buffered = nil
	}
	entry.buffer = nil
	entry.overflow = false
	entry.buffering = false
	entry.state = models.ScopeStale
	for _, event := range buffered {
		r.recordLocked(entry, event)
	}
	r.mu.Unlock()

	r.logger.Warn().Err(cause).Str("scope_id", token.Scope).Msg("snapshot failed, keeping cached state")
	r.notify(token.Scope)
	return nil
}

// MarkStale flags every open scope after the push channel drops.
func (r *EventReconciler) MarkStale() {
	r.mu.Lock()
	scopes := make([]string, 0, len(r.scopes))
	for id, entry := range r.scopes {
		entry.state = models.ScopeStale
		scopes = append(scopes, id)
	}
	r.mu.Unlock()

	for _, scope := range scopes {
		r.notify(scope)
	}
}

// Leave drops a scope and everything reconciled for it.
func (r *EventReconciler) Leave(scope string) {
	r.mu.Lock()
	entry, ok := r.scopes[scope]
	if !ok {
		r.mu.Unlock()
		return
	}
	for id := range entry.discussions {
		r.forgetDiscussionLocked(entry, id, false)
	}
	delete(r.scopes, scope)
	r.mu.Unlock()

	r.notify(scope)
}

// SetFilter changes the listing filter of an open scope.
func (r *EventReconciler) SetFilter(scope string, filter models.DiscussionFilter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.scopes[scope]
	if !ok {
		return ErrScopeNotOpen
	}
	entry.filter = filter.Normalize()
	return nil
}

// Apply merges one live event. It is idempotent and tolerates duplicates,
// stale updates and late deliveries for deleted entities.
func (r *EventReconciler) Apply(event Event) ApplyOutcome {
	r.mu.Lock()
	entry, ok := r.scopes[event.Scope]
	if !ok {
		r.mu.Unlock()
		observability.EventsApplied().WithLabelValues(event.Kind, string(OutcomeIgnored)).Inc()
		return OutcomeIgnored
	}

	if entry.buffering {
		outcome := OutcomeBuffered
		if len(entry.buffer) >= r.bufferLimit {
			if !entry.overflow {
				r.logger.Warn().Str("scope_id", entry.id).Int("limit", r.bufferLimit).Msg("snapshot buffer overflow, snapshot will be retried")
			}
			entry.overflow = true
			outcome = OutcomeDropped
		} else {
			entry.buffer = append(entry.buffer, event)
		}
		r.mu.Unlock()
		observability.EventsApplied().WithLabelValues(event.Kind, string(outcome)).Inc()
		return outcome
	}

	outcome := r.recordLocked(entry, event)
	r.mu.Unlock()

	if outcome == OutcomeApplied || outcome == OutcomeConfirmed {
		r.notify(event.Scope)
	}
	return outcome
}

func (r *EventReconciler) recordLocked(entry *scopeEntry, event Event) ApplyOutcome {
	outcome, reason := r.mergeLocked(entry, event)
	observability.EventsApplied().WithLabelValues(event.Kind, string(outcome)).Inc()
	if outcome == OutcomeDropped {
		r.logger.Warn().
			Str("scope_id", entry.id).
			Str("type", event.Kind).
			Str("correlation_id", event.CorrelationID).
			Str("reason", reason).
			Msg("dropping push event")
	}
	return outcome
}

func (r *EventReconciler) mergeLocked(entry *scopeEntry, event Event) (ApplyOutcome, string) {
	switch event.Kind {
	case dto.EventDiscussionAdded, dto.EventDiscussionUpdated:
		if event.Discussion == nil {
			return OutcomeDropped, "missing discussion"
		}
		specID := ""
		if event.Kind == dto.EventDiscussionAdded && r.echo != nil {
			if matched, ok := r.echo.MatchDiscussion(entry.id, *event.Discussion, event.CorrelationID); ok {
				specID = matched
			}
		}
		if event.Kind == dto.EventDiscussionUpdated && event.CorrelationID != "" && r.echo != nil {
			r.echo.MatchWrite(event.CorrelationID)
		}
		return r.mergeDiscussionLocked(entry, event.Kind, *event.Discussion, specID)
	case dto.EventDiscussionDeleted:
		if event.Deleted == nil {
			return OutcomeDropped, "missing reference"
		}
		return r.deleteDiscussionLocked(entry, event.Deleted.ID)
	case dto.EventReplyAdded, dto.EventReplyUpdated:
		if event.Reply == nil {
			return OutcomeDropped, "missing reply"
		}
		specID := ""
		if event.Kind == dto.EventReplyAdded && r.echo != nil {
			if matched, ok := r.echo.MatchReply(*event.Reply, event.CorrelationID); ok {
				specID = matched
			}
		}
		return r.mergeReplyLocked(entry, event.Kind, *event.Reply, specID)
	case dto.EventReplyDeleted:
		if event.Deleted == nil {
			return OutcomeDropped, "missing reference"
		}
		return r.deleteReplyLocked(entry, event.Deleted.ID)
	case dto.EventReactionAdded:
		if event.Reaction == nil {
			return OutcomeDropped, "missing reaction"
		}
		if event.CorrelationID != "" && r.echo != nil {
			r.echo.MatchWrite(event.CorrelationID)
		}
		return r.mergeReactionLocked(entry, *event.Reaction)
	default:
		return OutcomeIgnored, "not an entity event"
	}
}

func (r *EventReconciler) mergeDiscussionLocked(entry *scopeEntry, kind string, incoming models.Discussion, specID string) (ApplyOutcome, string) {
	discussion := incoming.Clone()
	if discussion.ScopeID == "" {
		discussion.ScopeID = entry.id
	}
	if discussion.ScopeID != entry.id {
		return OutcomeDropped, "scope mismatch"
	}
	if owner, ok := r.owner[discussion.ID]; ok && owner != entry.id {
		return OutcomeDropped, "discussion owned by another scope"
	}
	if _, gone := entry.tombstones[discussion.ID]; gone {
		return OutcomeStale, ""
	}
	discussion.Pending = false
	discussion.CorrelationID = ""

	confirmed := false
	if specID != "" && specID != discussion.ID {
		if _, ok := entry.discussions[specID]; ok {
			r.forgetDiscussionLocked(entry, specID, false)
		}
		confirmed = true
	}

	key := models.TargetKey(models.TargetDiscussion, discussion.ID)
	carriesReactions := hasReactionState(discussion.Reactions, discussion.ReactionCounts)
	current, exists := entry.discussions[discussion.ID]
	if exists {
		if kind == dto.EventDiscussionAdded {
			if confirmed {
				return OutcomeConfirmed, ""
			}
			return OutcomeDuplicate, ""
		}
		if discussion.UpdatedAt.Before(current.UpdatedAt) {
			return OutcomeStale, ""
		}
		if !carriesReactions {
			discussion.ReactionCounts = current.ReactionCounts
		}
		if discussion.UpdatedAt.Equal(current.UpdatedAt) && !current.Pending && discussion.SameContent(current) {
			return OutcomeDuplicate, ""
		}
	}

	if carriesReactions || !exists {
		discussion.ReactionCounts = r.aggregator.Reseed(key, discussion.Reactions, discussion.ReactionCounts)
	}
	discussion.Reactions = nil

	entry.discussions[discussion.ID] = discussion
	r.owner[discussion.ID] = entry.id

	if confirmed {
		return OutcomeConfirmed, ""
	}
	return OutcomeApplied, ""
}

func (r *EventReconciler) deleteDiscussionLocked(entry *scopeEntry, id string) (ApplyOutcome, string) {
	if owner, ok := r.owner[id]; ok && owner != entry.id {
		return OutcomeDropped, "discussion owned by another scope"
	}
	entry.tombstones[id] = struct{}{}
	if _, ok := entry.discussions[id]; !ok {
		return OutcomeDuplicate, ""
	}
	r.forgetDiscussionLocked(entry, id, true)
	return OutcomeApplied, ""
}

// forgetDiscussionLocked removes a discussion with all of its replies.
func (r *EventReconciler) forgetDiscussionLocked(entry *scopeEntry, id string, tombstone bool) {
	delete(entry.discussions, id)
	delete(r.owner, id)
	r.aggregator.Drop(models.TargetKey(models.TargetDiscussion, id))

	for replyID := range r.replies[id] {
		delete(r.replyOwner, replyID)
		r.aggregator.Drop(models.TargetKey(models.TargetReply, replyID))
		if tombstone {
			entry.tombstones[replyID] = struct{}{}
		}
	}
	delete(r.replies, id)
	delete(r.repliesLoaded, id)
	delete(r.replyLoads, id)
}

func (r *EventReconciler) mergeReplyLocked(entry *scopeEntry, kind string, incoming models.Reply, specID string) (ApplyOutcome, string) {
	reply := incoming.Clone()
	discussion, ok := entry.discussions[reply.DiscussionID]
	if !ok {
		return OutcomeDropped, "reply references unknown discussion"
	}
	if _, gone := entry.tombstones[reply.ID]; gone {
		return OutcomeStale, ""
	}
	if owner, ok := r.replyOwner[reply.ID]; ok && owner != reply.DiscussionID {
		return OutcomeDropped, "reply owned by another discussion"
	}
	if reply.ParentReplyID != "" {
		parentDiscussion, known := r.replyOwner[reply.ParentReplyID]
		if known && parentDiscussion != reply.DiscussionID {
			return OutcomeDropped, "parent reply belongs to another discussion"
		}
		_, loaded := r.repliesLoaded[reply.DiscussionID]
		_, parentGone := entry.tombstones[reply.ParentReplyID]
		if !known && (loaded || parentGone) {
			return OutcomeDropped, "parent reply unknown"
		}
	}
	reply.Pending = false
	reply.CorrelationID = ""

	replies := r.replies[reply.DiscussionID]
	if replies == nil {
		replies = make(map[string]models.Reply)
		r.replies[reply.DiscussionID] = replies
	}

	replacedLocal := false
	if specID != "" && specID != reply.ID {
		if _, ok := replies[specID]; ok {
			delete(replies, specID)
			delete(r.replyOwner, specID)
			r.aggregator.Drop(models.TargetKey(models.TargetReply, specID))
			replacedLocal = true
		}
	}
	confirmed := specID != ""

	key := models.TargetKey(models.TargetReply, reply.ID)
	carriesReactions := hasReactionState(reply.Reactions, reply.ReactionCounts)
	current, exists := replies[reply.ID]
	if exists {
		if kind == dto.EventReplyAdded {
			if confirmed {
				return OutcomeConfirmed, ""
			}
			return OutcomeDuplicate, ""
		}
		if reply.UpdatedAt.Before(current.UpdatedAt) {
			return OutcomeStale, ""
		}
		if !carriesReactions {
			reply.ReactionCounts = current.ReactionCounts
		}
		if reply.UpdatedAt.Equal(current.UpdatedAt) && !current.Pending && reply.SameContent(current) {
			return OutcomeDuplicate, ""
		}
	}

	if carriesReactions || !exists {
		reply.ReactionCounts = r.aggregator.Reseed(key, reply.Reactions, reply.ReactionCounts)
	}
	reply.Reactions = nil

	replies[reply.ID] = reply
	r.replyOwner[reply.ID] = reply.DiscussionID
	if live, ok := r.replyLoads[reply.DiscussionID]; ok {
		live[reply.ID] = struct{}{}
	}

	if kind == dto.EventReplyAdded && !exists && !replacedLocal {
		discussion.ReplyCount++
		entry.discussions[discussion.ID] = discussion
	}

	if confirmed {
		return OutcomeConfirmed, ""
	}
	return OutcomeApplied, ""
}

func (r *EventReconciler) deleteReplyLocked(entry *scopeEntry, id string) (ApplyOutcome, string) {
	discussionID, ok := r.replyOwner[id]
	if !ok {
		entry.tombstones[id] = struct{}{}
		return OutcomeDuplicate, ""
	}
	discussion, ok := entry.discussions[discussionID]
	if !ok {
		return OutcomeDropped, "reply belongs to another scope"
	}

	removed := r.removeReplyTreeLocked(entry, discussionID, id)
	discussion.ReplyCount -= removed
	if discussion.ReplyCount < 0 {
		discussion.ReplyCount = 0
	}
	entry.discussions[discussionID] = discussion
	return OutcomeApplied, ""
}

// removeReplyTreeLocked deletes a reply and its descendants, returning how many were removed.
func (r *EventReconciler) removeReplyTreeLocked(entry *scopeEntry, discussionID, rootID string) int {
	replies := r.replies[discussionID]
	queue := []string{rootID}
	removed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, ok := replies[id]; !ok {
			continue
		}
		delete(replies, id)
		delete(r.replyOwner, id)
		r.aggregator.Drop(models.TargetKey(models.TargetReply, id))
		entry.tombstones[id] = struct{}{}
		removed++

		for childID, child := range replies {
			if child.ParentReplyID == id {
				queue = append(queue, childID)
			}
		}
	}
	return removed
}

func (r *EventReconciler) mergeReactionLocked(entry *scopeEntry, reaction models.Reaction) (ApplyOutcome, string) {
	if !r.targetInScopeLocked(entry, reaction.TargetType, reaction.TargetID) {
		return OutcomeIgnored, "unknown target"
	}

	counts, changed := r.aggregator.Apply(reaction)
	if !changed {
		return OutcomeDuplicate, ""
	}
	r.setCountsLocked(entry, reaction.TargetType, reaction.TargetID, counts)
	return OutcomeApplied, ""
}

func (r *EventReconciler) targetInScopeLocked(entry *scopeEntry, targetType models.TargetType, targetID string) bool {
	switch targetType {
	case models.TargetDiscussion:
		_, ok := entry.discussions[targetID]
		return ok
	case models.TargetReply:
		discussionID, ok := r.replyOwner[targetID]
		if !ok {
			return false
		}
		_, ok = entry.discussions[discussionID]
		return ok
	default:
		return false
	}
}

func (r *EventReconciler) setCountsLocked(entry *scopeEntry, targetType models.TargetType, targetID string, counts map[string]int) {
	switch targetType {
	case models.TargetDiscussion:
		if discussion, ok := entry.discussions[targetID]; ok {
			discussion.ReactionCounts = counts
			entry.discussions[targetID] = discussion
		}
	case models.TargetReply:
		discussionID := r.replyOwner[targetID]
		if reply, ok := r.replies[discussionID][targetID]; ok {
			reply.ReactionCounts = counts
			r.replies[discussionID][targetID] = reply
		}
	}
}

// scopeOfTargetLocked finds the open scope holding a reaction target.
func (r *EventReconciler) scopeOfTargetLocked(targetType models.TargetType, targetID string) (*scopeEntry, bool) {
	discussionID := targetID
	if targetType == models.TargetReply {
		owner, ok := r.replyOwner[targetID]
		if !ok {
			return nil, false
		}
		discussionID = owner
	}
	scope, ok := r.owner[discussionID]
	if !ok {
		return nil, false
	}
	entry, ok := r.scopes[scope]
	return entry, ok
}

func hasReactionState(reactions []models.Reaction, counts map[string]int) bool {
	return reactions != nil || counts != nil
}

func (r *EventReconciler) notify(scope string) {
	if r.feed != nil {
		r.feed.Notify(scope)
	}
}
