package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/koopa0/stash/internal/answer"
	"github.com/koopa0/stash/internal/llm"
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a single question and print the answer",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

func init() {
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	p, err := newPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.close()

	conv, err := p.store.CreateConversation(ctx, "")
	if err != nil {
		return err
	}

	question := strings.Join(args, " ")
	events, err := p.session.Ask(ctx, conv.ID, question)
	if err != nil {
		return err
	}
	return renderEvents(cmd.OutOrStdout(), events)
}

// renderEvents writes one answer stream to w, returning an error for a
// failed stream. Citations and follow-ups print after the answer body.
func renderEvents(w io.Writer, events <-chan answer.Event) error {
	var (
		citations []answer.Citation
		followUps []string
		failure   error
	)
	for ev := range events {
		switch ev.Type {
		case answer.EventTextDelta:
			fmt.Fprint(w, ev.Text)
		case answer.EventCitation:
			citations = append(citations, ev.Citation)
		case answer.EventFollowUps:
			followUps = ev.FollowUps
		case answer.EventCancelled:
			fmt.Fprintln(w, "\n[stopped]")
		case answer.EventFailed:
			failure = renderFailure(ev)
		}
	}
	fmt.Fprintln(w)

	if len(citations) > 0 {
		fmt.Fprintln(w, "\nSources:")
		for _, c := range citations {
			fmt.Fprintf(w, "  [%s] @%s\n", c.ID, c.Handle)
		}
	}
	if len(followUps) > 0 {
		fmt.Fprintln(w, "\nFollow-ups:")
		for i, q := range followUps {
			fmt.Fprintf(w, "  %d. %s\n", i+1, q)
		}
	}
	return failure
}

// renderFailure turns a Failed event into a user-facing error that
// distinguishes "try again" from "fix configuration".
func renderFailure(ev answer.Event) error {
	switch ev.ErrKind {
	case llm.KindAuthInvalid:
		return fmt.Errorf("authentication failed, check GEMINI_API_KEY: %w", ev.Err)
	case llm.KindRateLimited:
		return fmt.Errorf("rate limited, try again in a moment: %w", ev.Err)
	case llm.KindNetworkUnavailable:
		return fmt.Errorf("network unavailable, try again: %w", ev.Err)
	default:
		return fmt.Errorf("answer failed: %w", ev.Err)
	}
}
