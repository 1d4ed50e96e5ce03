package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kilupskalvis/rewind/internal/core"
	"github.com/kilupskalvis/rewind/internal/models"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback --to <checkpoint> [--files path...]",
	Short: "Restore the project tree to a checkpoint",
	Long: `Restore the project tree to a checkpoint.

A full rollback makes every tracked file match the checkpoint, deleting files
the checkpoint does not contain. With --files only the listed files and
directories are restored and nothing is deleted.

Files modified since the last rollback to the same checkpoint are conflicts.
By default conflicts abort the rollback; use --force to overwrite them or
--keep-current to leave them as they are.`,
	Args: cobra.NoArgs,
	Run:  runRollback,
}

var (
	rollbackTo          string
	rollbackFiles       []string
	rollbackDryRun      bool
	rollbackForce       bool
	rollbackKeepCurrent bool
	rollbackDiff        bool
)

func init() {
	rollbackCmd.Flags().StringVar(&rollbackTo, "to", "", "Checkpoint ID or unique prefix")
	rollbackCmd.Flags().StringSliceVar(&rollbackFiles, "files", nil, "Restrict the rollback to these paths")
	rollbackCmd.Flags().BoolVar(&rollbackDryRun, "dry-run", false, "Show what would change without writing")
	rollbackCmd.Flags().BoolVar(&rollbackForce, "force", false, "Overwrite conflicting files")
	rollbackCmd.Flags().BoolVar(&rollbackKeepCurrent, "keep-current", false, "Leave conflicting files untouched")
	rollbackCmd.Flags().BoolVar(&rollbackDiff, "diff", false, "Include text diffs in the dry-run preview")
	rollbackCmd.MarkFlagRequired("to")
	rollbackCmd.MarkFlagsMutuallyExclusive("force", "keep-current")
}

func runRollback(cmd *cobra.Command, args []string) {
	ctx, cancel := commandContext()
	defer cancel()
	repo := openRepo(ctx)
	defer closeRepo()

	policy := models.ConflictAbort
	switch {
	case rollbackForce:
		policy = models.ConflictForce
	case rollbackKeepCurrent:
		policy = models.ConflictKeepCurrent
	}

	res, err := repo.Rollback(ctx, core.RollbackOptions{
		CheckpointID: rollbackTo,
		Targets:      rollbackFiles,
		DryRun:       rollbackDryRun,
		Conflicts:    policy,
		Diff:         rollbackDiff,
	})
	if err != nil {
		var ce *models.ConflictError
		if errors.As(err, &ce) {
			red := color.New(color.FgRed)
			red.Fprintf(os.Stderr, "Rollback aborted: %d file(s) changed since the last restore:\n", len(ce.Paths))
			for _, p := range ce.Paths {
				fmt.Fprintf(os.Stderr, "    %s\n", p)
			}
			fmt.Fprintf(os.Stderr, "Use --force to overwrite them or --keep-current to keep them.\n")
			exit(exitConflict)
		}
		exitErr(err, "rollback failed")
	}

	if res.DryRun {
		if err := core.WritePreview(os.Stdout, res.Preview); err != nil {
			exitError("failed to write preview: %v", err)
		}
		return
	}

	printRollbackResult(res)
}

func printRollbackResult(res *models.RollbackResult) {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	for _, p := range res.Restored {
		green.Printf("  restored %s\n", p)
	}
	for _, p := range res.Deleted {
		red.Printf("  deleted  %s\n", p)
	}
	for _, p := range res.SkippedConflicts {
		yellow.Printf("  kept     %s\n", p)
	}

	if len(res.Restored) == 0 && len(res.Deleted) == 0 {
		fmt.Printf("Already at checkpoint %s\n", models.ShortID(res.CheckpointID))
		return
	}

	fmt.Printf("\nRolled back to %s: %d restored, %d deleted", models.ShortID(res.CheckpointID), len(res.Restored), len(res.Deleted))
	if n := len(res.OverwrittenConflicts); n > 0 {
		fmt.Printf(", %d conflict(s) overwritten", n)
	}
	if n := len(res.SkippedConflicts); n > 0 {
		fmt.Printf(", %d conflict(s) kept", n)
	}
	fmt.Println()
	if res.BackupCheckpointID != "" {
		fmt.Printf("Previous state saved as checkpoint %s\n", models.ShortID(res.BackupCheckpointID))
	}
}
