package cmd

import (
	"github.com/spf13/cobra"
)

var conversationsLimit int32

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List recent conversations",
	RunE:  runConversations,
}

func init() {
	conversationsCmd.Flags().Int32VarP(&conversationsLimit, "limit", "n", 20, "maximum conversations to show")
	rootCmd.AddCommand(conversationsCmd)
}

func runConversations(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	list, err := a.store.ListConversations(ctx, conversationsLimit, 0)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		cmd.Println("no conversations yet")
		return nil
	}

	for _, c := range list {
		title := c.Title
		if title == "" {
			title = "(untitled)"
		}
		cmd.Printf("%s  %s  %s\n", c.ID, c.UpdatedAt.Local().Format("2006-01-02 15:04"), title)
	}
	return nil
}
