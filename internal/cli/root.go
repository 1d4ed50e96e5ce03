// Package cli implements the command-line interface for rewind.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kilupskalvis/rewind/internal/config"
	"github.com/kilupskalvis/rewind/internal/core"
	"github.com/kilupskalvis/rewind/internal/models"
)

// Exit codes beyond the generic failure.
const (
	exitFailure   = 1
	exitConflict  = 2
	exitIntegrity = 3
	exitSecurity  = 4
)

var (
	rootDir   string
	logLevel  string
	logFormat string
	logger    = slog.Default()

	// openedRepo is the project handle of the running command. It is closed
	// before the process exits so pending audit deliveries are flushed.
	openedRepo *core.Repo
	osExit     = os.Exit
)

var rootCmd = &cobra.Command{
	Use:   "rewind",
	Short: "Checkpoint and restore a project tree",
	Long: `rewind takes content-addressed checkpoints of a project directory and
restores them on demand. Rollbacks are atomic: they either complete or leave
the tree exactly as it was.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger = newLogger(logLevel, logFormat)
		slog.SetDefault(logger)
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootDir, "root", "C", "", "Project root (default: search upward from the current directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", envOrDefault("REWIND_LOG_LEVEL", "warn"), "Log level (debug, info, warn, error); audit events are logged at info")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", envOrDefault("REWIND_LOG_FORMAT", "text"), "Log format (json, text)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(recoverCmd)
}

// newLogger builds the diagnostic logger. Output goes to stderr so command
// output on stdout stays parseable.
func newLogger(levelName, format string) *slog.Logger {
	var level slog.Level
	switch levelName {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// projectRoot returns --root or the nearest initialized ancestor.
func projectRoot() string {
	if rootDir != "" {
		return rootDir
	}
	wd, err := os.Getwd()
	if err != nil {
		exitError("%v", err)
	}
	root, err := config.FindRoot(wd)
	if err != nil {
		exitError("%v", err)
	}
	return root
}

// openRepo opens the project, recovering any rollback interrupted by a crash.
func openRepo(ctx context.Context) *core.Repo {
	repo, err := core.Open(projectRoot(), core.WithLogger(logger))
	if err != nil {
		exitError("failed to open project: %v", err)
	}
	openedRepo = repo

	n, err := repo.RecoverInterrupted(ctx)
	if err != nil {
		exitErr(err, "failed to recover interrupted rollback")
	}
	if n > 0 {
		fmt.Fprintf(os.Stderr, "Recovered %d interrupted rollback(s)\n", n)
	}
	return repo
}

// commandContext is cancelled on SIGINT or SIGTERM.
func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// closeRepo closes the command's project handle, if any. It is safe to call
// more than once.
func closeRepo() {
	if openedRepo == nil {
		return
	}
	if err := openedRepo.Close(); err != nil {
		logger.Warn("close project", "error", err)
	}
	openedRepo = nil
}

// exit closes the project handle and terminates with code.
func exit(code int) {
	closeRepo()
	osExit(code)
}

// exitError prints an error and exits
func exitError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	exit(exitFailure)
}

// exitErr prints err with context and exits with the code for its category.
func exitErr(err error, msg string) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	exit(exitCode(err))
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, models.ErrConflict):
		return exitConflict
	case errors.Is(err, models.ErrIntegrity):
		return exitIntegrity
	case errors.Is(err, models.ErrSecurity):
		return exitSecurity
	default:
		return exitFailure
	}
}
