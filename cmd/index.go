package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/koopa0/stash/internal/embedding"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Bring the vector index up to date",
	Long: `Index computes embeddings for bookmarks that are new or whose text no
longer matches the stored vector. Up-to-date bookmarks are skipped, so
running it repeatedly is cheap.`,
	RunE: runIndex,
}

func init() {
	rootCmd.AddCommand(indexCmd)
}

func runIndex(cmd *cobra.Command, _ []string) error {
	p, err := newPipeline(cmd.Context())
	if err != nil {
		return err
	}
	defer p.close()

	return indexCorpus(cmd, p)
}

func indexCorpus(cmd *cobra.Command, p *pipeline) error {
	ctx := cmd.Context()

	bookmarks, err := p.store.AllCurrent(ctx)
	if err != nil {
		return err
	}

	stats, err := p.embeddings.EnsureAll(ctx, bookmarks)
	cmd.Printf("checked %d, embedded %d, skipped %d\n", stats.Checked, stats.Embedded, stats.Skipped)

	if errors.Is(err, embedding.ErrBatchFailure) {
		// Failed items stay out of semantic search until the next run.
		cmd.Printf("failed: %d (will retry on next index run)\n", len(stats.FailedIDs))
		return nil
	}
	return err
}
