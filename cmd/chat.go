package cmd

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive question session",
	RunE:  runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	p, err := newPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.close()

	conv, err := p.store.CreateConversation(ctx, "")
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "Ask about your bookmarks. Empty line or Ctrl-D exits.")

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		fmt.Fprint(out, "\n> ")
		if !scanner.Scan() {
			break
		}
		question := strings.TrimSpace(scanner.Text())
		if question == "" {
			break
		}

		events, err := p.session.Ask(ctx, conv.ID, question)
		if err != nil {
			return err
		}
		if err := renderEvents(out, events); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
	return scanner.Err()
}
