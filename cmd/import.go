package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/koopa0/stash/internal/importer"
)

var importEmbed bool

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a bookmark export file",
	Long: `Import reads a JSON export produced by the browser extension and stores
every new bookmark. Records whose external id is already stored are
skipped. With --embed, vectors for the new bookmarks are computed
immediately instead of on first search.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	importCmd.Flags().BoolVar(&importEmbed, "embed", false, "compute embeddings for imported bookmarks now")
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("opening export file: %w", err)
	}
	defer f.Close()

	if !importEmbed {
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		stats, err := importer.New(a.store, a.logger).Run(ctx, f)
		printImportStats(cmd, stats)
		printCorpusSize(cmd, a)
		return err
	}

	p, err := newPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.close()

	stats, err := importer.New(p.store, p.logger).Run(ctx, f)
	printImportStats(cmd, stats)
	printCorpusSize(cmd, p.app)
	if err != nil {
		return err
	}
	return indexCorpus(cmd, p)
}

func printImportStats(cmd *cobra.Command, stats importer.Stats) {
	cmd.Printf("read %d, imported %d, duplicate %d, invalid %d\n",
		stats.Read, stats.Imported, stats.Duplicate, stats.Invalid)
}

func printCorpusSize(cmd *cobra.Command, a *app) {
	n, err := a.store.Count(cmd.Context())
	if err != nil {
		a.logger.Warn("counting bookmarks", "error", err)
		return
	}
	cmd.Printf("corpus: %d bookmarks\n", n)
}
