// Package query turns a raw user question into a structured retrieval
// intent with a single cheap model call.
//
// Analysis is best-effort. When the call fails, times out, or returns
// output that does not match the expected shape, the caller falls back
// to Degraded, which treats the whole question as one keyword with no
// filters. A user question is never failed because extraction failed.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/koopa0/stash/internal/llm"
)

// ErrAnalysisUnavailable indicates the analysis model call failed or
// timed out. Callers recover with Degraded.
var ErrAnalysisUnavailable = errors.New("query analysis unavailable")

// Intent is the structured form of one user question. Ephemeral,
// rebuilt per question, never persisted.
type Intent struct {
	// Keywords drive the lexical pass, in extraction order.
	Keywords []string

	// Author restricts results to one handle when non-empty.
	Author string

	// From and To bound posted_at inclusively when non-nil.
	From *time.Time
	To   *time.Time

	// Topic is the text embedded for the semantic pass. Empty means
	// the semantic pass runs only when no keywords were extracted.
	Topic string
}

// Degraded builds the fallback intent: the raw question as a single
// keyword, no author, unbounded dates, no topic.
func Degraded(question string) Intent {
	return Intent{Keywords: []string{strings.TrimSpace(question)}}
}

// Analyzer extracts Intents using a completion model.
type Analyzer struct {
	completer llm.Completer
	timeout   time.Duration
	logger    *slog.Logger
}

// NewAnalyzer creates an Analyzer. A non-positive timeout defaults to
// ten seconds.
func NewAnalyzer(completer llm.Completer, timeout time.Duration, logger *slog.Logger) *Analyzer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{completer: completer, timeout: timeout, logger: logger}
}

const analysisPrompt = `Extract search parameters from the user's question about their saved posts.

Respond with exactly these five lines, using "-" for any absent value:
KEYWORDS: comma-separated search terms
AUTHOR: one author handle mentioned in the question, without @
FROM: earliest date mentioned, as YYYY-MM-DD
TO: latest date mentioned, as YYYY-MM-DD
TOPIC: a short phrase naming the question's subject, for similarity search

No other text.%s

Question: %s`

// Analyze extracts an Intent from question. recentAuthors, when
// non-empty, is offered to the model as a hint for resolving partial
// author mentions. Returns ErrAnalysisUnavailable when the model call
// fails; returns the degraded intent (and no error) when the call
// succeeds but the output cannot be parsed.
func (a *Analyzer) Analyze(ctx context.Context, question string, recentAuthors []string) (Intent, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var hint string
	if len(recentAuthors) > 0 {
		authors := append([]string(nil), recentAuthors...)
		sort.Strings(authors)
		hint = "\nKnown author handles: " + strings.Join(authors, ", ")
	}

	out, err := a.completer.Complete(ctx, fmt.Sprintf(analysisPrompt, hint, question))
	if err != nil {
		return Intent{}, fmt.Errorf("%w: %s", ErrAnalysisUnavailable, err)
	}

	intent, ok := parseIntent(out)
	if !ok {
		a.logger.Debug("analysis output unparseable, degrading", "output_len", len(out))
		return Degraded(question), nil
	}
	if len(intent.Keywords) == 0 && intent.Topic == "" {
		return Degraded(question), nil
	}
	return intent, nil
}

// parseIntent reads the constrained line format defensively. Unknown
// lines are ignored; a malformed date voids only that field.
func parseIntent(out string) (Intent, bool) {
	var (
		intent  Intent
		matched bool
	)
	for _, line := range strings.Split(out, "\n") {
		label, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		if value == "-" || value == "" {
			continue
		}

		switch strings.ToUpper(strings.TrimSpace(label)) {
		case "KEYWORDS":
			matched = true
			for _, kw := range strings.Split(value, ",") {
				if kw = strings.TrimSpace(kw); kw != "" {
					intent.Keywords = append(intent.Keywords, kw)
				}
			}
		case "AUTHOR":
			matched = true
			intent.Author = strings.TrimPrefix(value, "@")
		case "FROM":
			matched = true
			if t, err := time.Parse("2006-01-02", value); err == nil {
				intent.From = &t
			}
		case "TO":
			matched = true
			if t, err := time.Parse("2006-01-02", value); err == nil {
				end := t.Add(24*time.Hour - time.Nanosecond)
				intent.To = &end
			}
		case "TOPIC":
			matched = true
			intent.Topic = value
		}
	}
	return intent, matched
}
