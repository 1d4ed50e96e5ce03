package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kilupskalvis/rewind/internal/config"
	"github.com/kilupskalvis/rewind/internal/core"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize checkpointing for a project",
	Long: `Initialize rewind in the project directory.
This creates a .migration-backups directory holding checkpoints, file
contents and configuration.`,
	Run: runInit,
}

var initCheckpoint bool

func init() {
	initCmd.Flags().BoolVar(&initCheckpoint, "checkpoint", false, "Take an initial checkpoint after initializing")
}

func runInit(cmd *cobra.Command, args []string) {
	root := rootDir
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			exitError("%v", err)
		}
		root = wd
	}

	repo, err := core.Init(root, core.WithLogger(logger))
	if err != nil {
		exitError("failed to initialize: %v", err)
	}
	openedRepo = repo
	defer closeRepo()

	fmt.Printf("Initialized rewind in %s/%s/\n", repo.Root(), config.MetaDir)

	if !initCheckpoint {
		fmt.Printf("\nRun 'rewind checkpoint create -m \"Initial state\"' to take the first checkpoint.\n")
		return
	}

	ctx, cancel := commandContext()
	defer cancel()

	cp, err := repo.CreateCheckpoint(ctx, core.CreateOptions{Description: "Initial state"})
	if err != nil {
		exitErr(err, "failed to create checkpoint")
	}
	fmt.Printf("Created checkpoint %s (%d files)\n", cp.ShortID(), cp.FileCount)
}
