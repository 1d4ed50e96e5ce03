package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kilupskalvis/rewind/internal/core"
	"github.com/kilupskalvis/rewind/internal/models"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete old checkpoints and reclaim storage",
	Long: `Keep the newest checkpoints and delete the rest, then remove file
contents no surviving checkpoint references. With --max-age, checkpoints
younger than the given age are kept as well.`,
	Args: cobra.NoArgs,
	Run:  runCleanup,
}

var (
	cleanupKeep   int
	cleanupMaxAge string
)

func init() {
	cleanupCmd.Flags().IntVar(&cleanupKeep, "keep-checkpoints", -1, "Number of recent checkpoints to keep (default from config)")
	cleanupCmd.Flags().StringVar(&cleanupMaxAge, "max-age", "", "Also keep checkpoints younger than this (e.g. 72h, 14d)")
}

func runCleanup(cmd *cobra.Command, args []string) {
	ctx, cancel := commandContext()
	defer cancel()
	repo := openRepo(ctx)
	defer closeRepo()

	keep := cleanupKeep
	if keep < 0 {
		keep = repo.Config().Cleanup.KeepCheckpoints
	}

	opts := core.CleanupOptions{Keep: keep}
	if cleanupMaxAge != "" {
		age, err := parseAge(cleanupMaxAge)
		if err != nil {
			exitError("invalid --max-age: %v", err)
		}
		opts.MaxAge = age
	}

	res, err := repo.Cleanup(ctx, opts)
	if err != nil {
		exitErr(err, "cleanup failed")
	}

	for _, id := range res.Deleted {
		fmt.Printf("  deleted %s\n", models.ShortID(id))
	}
	fmt.Printf("Kept %d checkpoint(s), deleted %d\n", res.Kept, len(res.Deleted))
	printReclaimed(res)
}
