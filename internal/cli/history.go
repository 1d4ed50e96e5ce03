package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kilupskalvis/rewind/internal/models"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show past rollbacks",
	Args:  cobra.NoArgs,
	Run:   runHistory,
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Undo a rollback interrupted by a crash",
	Long: `Replay the undo journal of any rollback that did not finish, returning
the affected files to their pre-rollback contents. Every other command does
this automatically before it runs.`,
	Args: cobra.NoArgs,
	Run:  runRecover,
}

var historyLimit int

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "n", "n", 20, "Limit the number of entries to show")
}

func runHistory(cmd *cobra.Command, args []string) {
	ctx, cancel := commandContext()
	defer cancel()
	repo := openRepo(ctx)
	defer closeRepo()

	records, err := repo.History(ctx, historyLimit)
	if err != nil {
		exitErr(err, "failed to read rollback history")
	}
	if len(records) == 0 {
		fmt.Println("No rollbacks yet")
		return
	}

	yellow := color.New(color.FgYellow)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	cyan := color.New(color.FgCyan)

	for _, rec := range records {
		yellow.Printf("%s ", models.ShortID(rec.CheckpointID))
		switch rec.State {
		case models.StateCommitted:
			green.Printf("%-9s ", rec.State)
		case models.StateAborted:
			red.Printf("%-9s ", rec.State)
		default:
			cyan.Printf("%-9s ", rec.State)
		}
		fmt.Printf("%-14s ", humanize.Time(rec.StartedAt))

		scope := "full"
		if rec.Partial {
			scope = "partial"
		}
		fmt.Printf("%-7s %d restored, %d deleted", scope, rec.Restored, rec.Deleted)
		if rec.Conflicts > 0 {
			fmt.Printf(", %d conflict(s)", rec.Conflicts)
		}
		if rec.Error != "" {
			fmt.Printf(": %s", rec.Error)
		}
		fmt.Println()
	}
}

func runRecover(cmd *cobra.Command, args []string) {
	ctx, cancel := commandContext()
	defer cancel()

	// openRepo already replays leftover journals and reports them.
	repo := openRepo(ctx)
	defer closeRepo()

	n, err := repo.RecoverInterrupted(ctx)
	if err != nil {
		exitErr(err, "recovery failed")
	}
	if n == 0 {
		fmt.Println("No interrupted rollbacks")
	}
}

// parseAge accepts Go durations plus a whole-day suffix, e.g. "14d".
func parseAge(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid day count %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("age must not be negative")
	}
	return d, nil
}
