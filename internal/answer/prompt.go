package answer

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/koopa0/stash/internal/retrieval"
	"github.com/koopa0/stash/internal/store"
)

const systemInstructions = `You answer questions about the user's saved social-media posts using only the sources below.

Rules:
- When a claim comes from a source, cite it inline as [TWEET:<id>]@<handle>[/TWEET] using the id and handle shown for that source.
- Cite only ids that appear in the sources. Never invent ids.
- If the sources do not cover the question, say so plainly.
- After the answer, write the line ---FOLLOWUPS--- followed by two or three short follow-up questions, one per line.`

// estimateTokens approximates the token count of s. Two runes per
// token is a conservative ratio for mixed prose.
func estimateTokens(s string) int {
	return utf8.RuneCountInString(s) / 2
}

// truncateHistory drops the oldest turns until the remainder fits the
// token budget. The newest turn is kept even when it alone exceeds the
// budget, so the model always sees the immediate exchange.
func truncateHistory(turns []store.Turn, maxTokens int) []store.Turn {
	if maxTokens <= 0 || len(turns) == 0 {
		return turns
	}

	total := 0
	for i := len(turns) - 1; i >= 0; i-- {
		total += estimateTokens(turns[i].Text)
		if total > maxTokens && i < len(turns)-1 {
			return turns[i+1:]
		}
	}
	return turns
}

// buildPrompt assembles the single prompt for one answer stream:
// instructions, tagged sources, bounded history, then the question.
func buildPrompt(question string, history []store.Turn, context []retrieval.Candidate, maxHistoryTokens int) string {
	var b strings.Builder
	b.WriteString(systemInstructions)
	b.WriteString("\n\n")

	if len(context) == 0 {
		b.WriteString("Sources: none found for this question.\n")
	} else {
		b.WriteString("Sources:\n")
		for _, c := range context {
			bm := c.Bookmark
			fmt.Fprintf(&b, "[%s] @%s (%s): %s\n",
				bm.ID, bm.AuthorHandle, bm.PostedAt.Format("2006-01-02"), bm.Text)
		}
	}

	if trimmed := truncateHistory(history, maxHistoryTokens); len(trimmed) > 0 {
		b.WriteString("\nConversation so far:\n")
		for _, t := range trimmed {
			fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Text)
		}
	}

	b.WriteString("\nQuestion: ")
	b.WriteString(question)
	return b.String()
}

// contextIDs extracts the citation ids offered to the model, in rank
// order.
func contextIDs(context []retrieval.Candidate) []string {
	ids := make([]string, len(context))
	for i, c := range context {
		ids[i] = c.Bookmark.ID
	}
	return ids
}
