package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/noah-isme/gema-live/internal/models"
)

type scopeView interface {
	State(scope string) models.ScopeState
	Discussions(scope string) []models.Discussion
	Online(scope string) []string
	TypingUsers(scope, discussionID string) []models.TypingEntry
}

func render(w io.Writer, view scopeView, scope string) {
	discussions := view.Discussions(scope)
	online := view.Online(scope)

	fmt.Fprintf(w, "== %s [%s] %d discussions, online: %s\n",
		scope, view.State(scope), len(discussions), strings.Join(online, ", "))

	for _, discussion := range discussions {
		marker := " "
		switch {
		case discussion.Pending:
			marker = "~"
		case discussion.IsPinned:
			marker = "*"
		}

		fmt.Fprintf(w, "%s %-40s %3d replies %s\n", marker, clip(discussion.Title, 40), discussion.ReplyCount, reactionSummary(discussion.ReactionCounts))

		typing := view.TypingUsers(scope, discussion.ID)
		if len(typing) > 0 {
			users := make([]string, 0, len(typing))
			for _, entry := range typing {
				users = append(users, entry.UserID)
			}
			fmt.Fprintf(w, "    %s typing...\n", strings.Join(users, ", "))
		}
	}
}

func reactionSummary(counts map[string]int) string {
	if len(counts) == 0 {
		return ""
	}
	parts := make([]string, 0, len(counts))
	for _, emoji := range models.SortedEmojis(counts) {
		parts = append(parts, fmt.Sprintf("%s %d", emoji, counts[emoji]))
	}
	return strings.Join(parts, " ")
}

func clip(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit-1]) + "…"
}
