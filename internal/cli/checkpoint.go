package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kilupskalvis/rewind/internal/core"
	"github.com/kilupskalvis/rewind/internal/models"
)

var checkpointCmd = &cobra.Command{
	Use:     "checkpoint",
	Aliases: []string{"cp"},
	Short:   "Create and inspect checkpoints",
}

var checkpointCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Take a checkpoint of the project tree",
	Args:  cobra.NoArgs,
	Run:   runCheckpointCreate,
}

var checkpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List checkpoints, newest first",
	Args:  cobra.NoArgs,
	Run:   runCheckpointList,
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show <checkpoint>",
	Short: "Show checkpoint details and its files",
	Args:  cobra.ExactArgs(1),
	Run:   runCheckpointShow,
}

var checkpointVerifyCmd = &cobra.Command{
	Use:   "verify [checkpoint]",
	Short: "Verify checkpoint integrity",
	Long: `Verify that every blob a checkpoint references exists and that its
manifest matches the recorded aggregate hash. With --deep each blob is also
re-hashed. Without an argument every checkpoint is verified.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runCheckpointVerify,
}

var checkpointDeleteCmd = &cobra.Command{
	Use:   "delete <checkpoint>",
	Short: "Delete a checkpoint and reclaim its storage",
	Args:  cobra.ExactArgs(1),
	Run:   runCheckpointDelete,
}

var checkpointDiffCmd = &cobra.Command{
	Use:   "diff <from> <to>",
	Short: "Compare the manifests of two checkpoints",
	Args:  cobra.ExactArgs(2),
	Run:   runCheckpointDiff,
}

var (
	createMessage string
	createTags    []string
	createAuto    bool
	listLimit     int
	listJSON      bool
	verifyDeep    bool
)

func init() {
	checkpointCreateCmd.Flags().StringVarP(&createMessage, "message", "m", "", "Checkpoint description")
	checkpointCreateCmd.Flags().StringSliceVarP(&createTags, "tag", "t", nil, "Tag to attach (repeatable)")
	checkpointCreateCmd.Flags().BoolVar(&createAuto, "auto", false, "Mark as an automatic checkpoint")

	checkpointListCmd.Flags().IntVarP(&listLimit, "n", "n", 0, "Limit the number of checkpoints to show")
	checkpointListCmd.Flags().BoolVar(&listJSON, "json", false, "Print as JSON")

	checkpointVerifyCmd.Flags().BoolVar(&verifyDeep, "deep", false, "Re-hash every blob")

	checkpointCmd.AddCommand(checkpointCreateCmd)
	checkpointCmd.AddCommand(checkpointListCmd)
	checkpointCmd.AddCommand(checkpointShowCmd)
	checkpointCmd.AddCommand(checkpointVerifyCmd)
	checkpointCmd.AddCommand(checkpointDeleteCmd)
	checkpointCmd.AddCommand(checkpointDiffCmd)
}

func runCheckpointCreate(cmd *cobra.Command, args []string) {
	ctx, cancel := commandContext()
	defer cancel()
	repo := openRepo(ctx)
	defer closeRepo()

	kind := models.KindManual
	if createAuto {
		kind = models.KindAuto
	}

	cp, err := repo.CreateCheckpoint(ctx, core.CreateOptions{
		Description: createMessage,
		Kind:        kind,
		Tags:        createTags,
	})
	if err != nil {
		exitErr(err, "failed to create checkpoint")
	}

	green := color.New(color.FgGreen)
	green.Printf("Created checkpoint %s", cp.ShortID())
	fmt.Printf(" (%d files, %s)\n", cp.FileCount, humanize.IBytes(uint64(cp.TotalSize)))
}

func runCheckpointList(cmd *cobra.Command, args []string) {
	ctx, cancel := commandContext()
	defer cancel()
	repo := openRepo(ctx)
	defer closeRepo()

	list, err := repo.ListCheckpoints(ctx, listLimit)
	if err != nil {
		exitErr(err, "failed to list checkpoints")
	}

	if listJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summaries(list)); err != nil {
			exitError("failed to encode: %v", err)
		}
		return
	}

	if len(list) == 0 {
		fmt.Println("No checkpoints yet")
		return
	}

	yellow := color.New(color.FgYellow)
	cyan := color.New(color.FgCyan)
	for _, cp := range list {
		yellow.Printf("%s ", cp.ShortID())
		fmt.Printf("%-12s %6d files %9s  ", humanize.Time(cp.CreatedAt), cp.FileCount, humanize.IBytes(uint64(cp.TotalSize)))
		if cp.Kind != models.KindManual {
			cyan.Printf("[%s] ", cp.Kind)
		}
		fmt.Print(cp.Description)
		if len(cp.Tags) > 0 {
			fmt.Printf(" (%s)", strings.Join(cp.Tags, ", "))
		}
		fmt.Println()
	}
}

type checkpointSummary struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Kind        string   `json:"kind"`
	Tags        []string `json:"tags,omitempty"`
	CreatedAt   string   `json:"created_at"`
	ParentID    string   `json:"parent_id,omitempty"`
	FileCount   int      `json:"file_count"`
	TotalSize   int64    `json:"total_size"`
}

func summaries(list []*models.Checkpoint) []checkpointSummary {
	out := make([]checkpointSummary, 0, len(list))
	for _, cp := range list {
		out = append(out, checkpointSummary{
			ID:          cp.ID,
			Description: cp.Description,
			Kind:        string(cp.Kind),
			Tags:        cp.Tags,
			CreatedAt:   cp.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			ParentID:    cp.ParentID,
			FileCount:   cp.FileCount,
			TotalSize:   cp.TotalSize,
		})
	}
	return out
}

func runCheckpointShow(cmd *cobra.Command, args []string) {
	ctx, cancel := commandContext()
	defer cancel()
	repo := openRepo(ctx)
	defer closeRepo()

	cp, err := repo.GetCheckpoint(ctx, args[0])
	if err != nil {
		exitErr(err, "failed to find checkpoint")
	}

	yellow := color.New(color.FgYellow)
	yellow.Printf("checkpoint %s\n", cp.ID)
	if cp.ParentID != "" {
		fmt.Printf("Parent:  %s\n", models.ShortID(cp.ParentID))
	}
	fmt.Printf("Kind:    %s\n", cp.Kind)
	fmt.Printf("Date:    %s\n", cp.CreatedAt.Local().Format("Mon Jan 2 15:04:05 2006"))
	if len(cp.Tags) > 0 {
		fmt.Printf("Tags:    %s\n", strings.Join(cp.Tags, ", "))
	}
	fmt.Printf("Files:   %d (%s)\n", cp.FileCount, humanize.IBytes(uint64(cp.TotalSize)))
	fmt.Printf("Hash:    %s\n", cp.AggregateHash)
	if cp.Description != "" {
		fmt.Printf("\n    %s\n", cp.Description)
	}
	fmt.Println()

	for _, e := range cp.Manifest {
		fmt.Printf("  %s %9s  %s\n", e.Blob.Mode.Perm(), humanize.IBytes(uint64(e.Blob.Size)), e.Path)
	}
}

func runCheckpointVerify(cmd *cobra.Command, args []string) {
	ctx, cancel := commandContext()
	defer cancel()
	repo := openRepo(ctx)
	defer closeRepo()

	var reports []*models.VerificationReport
	if len(args) == 1 {
		report, err := repo.Verify(ctx, args[0], verifyDeep)
		if err != nil {
			exitErr(err, "failed to verify checkpoint")
		}
		reports = append(reports, report)
	} else {
		var err error
		reports, err = repo.VerifyAll(ctx, verifyDeep)
		if err != nil {
			exitErr(err, "failed to verify checkpoints")
		}
	}

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	failed := 0
	for _, r := range reports {
		if r.Valid {
			green.Printf("ok      ")
			fmt.Printf("%s (%d files)\n", models.ShortID(r.CheckpointID), r.Checked)
			continue
		}
		failed++
		red.Printf("FAILED  ")
		fmt.Printf("%s\n", models.ShortID(r.CheckpointID))
		for _, h := range r.MissingBlobs {
			fmt.Printf("    missing blob %s\n", h)
		}
		for _, p := range r.CorruptedPaths {
			fmt.Printf("    corrupted %s\n", p)
		}
		if !r.AggregateValid {
			fmt.Printf("    manifest does not match aggregate hash\n")
		}
	}

	if failed > 0 {
		fmt.Fprintf(os.Stderr, "%d of %d checkpoint(s) failed verification\n", failed, len(reports))
		exit(exitIntegrity)
	}
}

func runCheckpointDelete(cmd *cobra.Command, args []string) {
	ctx, cancel := commandContext()
	defer cancel()
	repo := openRepo(ctx)
	defer closeRepo()

	res, err := repo.DeleteCheckpoint(ctx, args[0])
	if err != nil {
		exitErr(err, "failed to delete checkpoint")
	}
	fmt.Printf("Deleted checkpoint %s\n", models.ShortID(res.Deleted[0]))
	printReclaimed(res)
}

func runCheckpointDiff(cmd *cobra.Command, args []string) {
	ctx, cancel := commandContext()
	defer cancel()
	repo := openRepo(ctx)
	defer closeRepo()

	d, err := repo.CompareCheckpoints(ctx, args[0], args[1])
	if err != nil {
		exitErr(err, "failed to compare checkpoints")
	}

	if !d.HasChanges() {
		fmt.Println("No differences")
		return
	}

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)
	for _, p := range d.Added {
		green.Printf("  + %s\n", p)
	}
	for _, p := range d.Modified {
		yellow.Printf("  ~ %s\n", p)
	}
	for _, p := range d.Removed {
		red.Printf("  - %s\n", p)
	}
	fmt.Printf("\n%d added, %d modified, %d removed, %d unchanged\n",
		len(d.Added), len(d.Modified), len(d.Removed), d.Unchanged)
}

func printReclaimed(res *models.CleanupResult) {
	fmt.Printf("Removed %d blob(s), freed %s", res.BlobsRemoved, humanize.IBytes(uint64(res.BytesFreed)))
	if res.TempRemoved > 0 {
		fmt.Printf(", swept %d staging file(s)", res.TempRemoved)
	}
	fmt.Printf("; %d blob(s) remain\n", res.BlobsRemaining)
}
