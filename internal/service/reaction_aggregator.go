package service

import (
	"maps"
	"sync"
	"time"

	"github.com/noah-isme/gema-live/internal/models"
)

type actorReaction struct {
	emoji   string
	removed bool
	at      time.Time
}

type reactionTarget struct {
	actors map[string]actorReaction
	counts map[string]int
}

// ReactionUndo restores an actor's reaction after a rejected local write.
type ReactionUndo struct {
	key        string
	targetType models.TargetType
	targetID   string
	actorID    string
	existed    bool
	previous   actorReaction
	applied    actorReaction
}

// ReactionAggregator keeps per-target emoji counts and updates them once per
// reaction event instead of recounting raw reaction history.
//
// Counts seeded from a payload that carries no per-actor list act as an
// anonymous base; actors observed afterwards adjust it incrementally.
type ReactionAggregator struct {
	mu      sync.Mutex
	targets map[string]*reactionTarget
}

// NewReactionAggregator constructs an empty aggregator.
func NewReactionAggregator() *ReactionAggregator {
	return &ReactionAggregator{targets: make(map[string]*reactionTarget)}
}

// Reseed replaces the aggregate of a target with authoritative entity state.
func (a *ReactionAggregator) Reseed(key string, reactions []models.Reaction, counts map[string]int) map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()

	target := &reactionTarget{
		actors: make(map[string]actorReaction),
		counts: make(map[string]int),
	}
	if len(reactions) > 0 {
		for _, reaction := range reactions {
			if reaction.Removed || reaction.ActorID == "" || reaction.Emoji == "" {
				continue
			}
			if previous, ok := target.actors[reaction.ActorID]; ok {
				target.decrement(previous.emoji)
			}
			target.actors[reaction.ActorID] = actorReaction{emoji: reaction.Emoji, at: reaction.UpdatedAt}
			target.counts[reaction.Emoji]++
		}
	} else {
		for emoji, count := range counts {
			if count > 0 {
				target.counts[emoji] = count
			}
		}
	}

	a.targets[key] = target
	return maps.Clone(target.counts)
}

// Apply folds one authoritative reaction into its target. It reports false
// when the reaction is older than, or identical to, what the actor already holds.
func (a *ReactionAggregator) Apply(reaction models.Reaction) (map[string]int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	target := a.target(reaction.TargetKey())
	next := actorReaction{emoji: reaction.Emoji, removed: reaction.Removed, at: reaction.UpdatedAt}

	if previous, ok := target.actors[reaction.ActorID]; ok {
		if next.at.Before(previous.at) {
			return maps.Clone(target.counts), false
		}
		if next.at.Equal(previous.at) && previous.removed == next.removed && (next.removed || previous.emoji == next.emoji) {
			return maps.Clone(target.counts), false
		}
	}

	target.set(reaction.ActorID, next)
	return maps.Clone(target.counts), true
}

// ApplyLocal records a speculative reaction. It is stamped with the actor's
// previous timestamp so any authoritative event for the same actor wins.
func (a *ReactionAggregator) ApplyLocal(reaction models.Reaction) (map[string]int, ReactionUndo) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := reaction.TargetKey()
	target := a.target(key)
	previous, existed := target.actors[reaction.ActorID]

	next := actorReaction{emoji: reaction.Emoji, removed: reaction.Removed, at: previous.at}
	target.set(reaction.ActorID, next)

	return maps.Clone(target.counts), ReactionUndo{
		key:        key,
		targetType: reaction.TargetType,
		targetID:   reaction.TargetID,
		actorID:    reaction.ActorID,
		existed:    existed,
		previous:   previous,
		applied:    next,
	}
}

// Rollback reverts a speculative reaction unless an authoritative one replaced it.
func (a *ReactionAggregator) Rollback(undo ReactionUndo) (map[string]int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	target, ok := a.targets[undo.key]
	if !ok {
		return nil, false
	}
	current, ok := target.actors[undo.actorID]
	if !ok || current != undo.applied {
		return maps.Clone(target.counts), false
	}

	if undo.existed {
		target.set(undo.actorID, undo.previous)
	} else {
		if !current.removed {
			target.decrement(current.emoji)
		}
		delete(target.actors, undo.actorID)
	}
	return maps.Clone(target.counts), true
}

// Counts returns the current counts of a target.
func (a *ReactionAggregator) Counts(key string) map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()

	target, ok := a.targets[key]
	if !ok {
		return nil
	}
	return maps.Clone(target.counts)
}

// ActorEmoji returns the live emoji an actor holds on a target.
func (a *ReactionAggregator) ActorEmoji(key, actorID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	target, ok := a.targets[key]
	if !ok {
		return "", false
	}
	reaction, ok := target.actors[actorID]
	if !ok || reaction.removed {
		return "", false
	}
	return reaction.emoji, true
}

// Drop forgets a target.
func (a *ReactionAggregator) Drop(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.targets, key)
}

func (a *ReactionAggregator) target(key string) *reactionTarget {
	target, ok := a.targets[key]
	if !ok {
		target = &reactionTarget{
			actors: make(map[string]actorReaction),
			counts: make(map[string]int),
		}
		a.targets[key] = target
	}
	return target
}

func (t *reactionTarget) set(actorID string, next actorReaction) {
	if previous, ok := t.actors[actorID]; ok && !previous.removed {
		t.decrement(previous.emoji)
	}
	if !next.removed {
		t.counts[next.emoji]++
	}
	t.actors[actorID] = next
}

func (t *reactionTarget) decrement(emoji string) {
	if t.counts[emoji] <= 1 {
		delete(t.counts, emoji)
		return
	}
	t.counts[emoji]--
}
