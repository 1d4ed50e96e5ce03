package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/rewind/internal/core"
	"github.com/kilupskalvis/rewind/internal/models"
)

func TestParseAge(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"72h", 72 * time.Hour},
		{"14d", 14 * 24 * time.Hour},
		{"0d", 0},
		{"90m", 90 * time.Minute},
		{" 1d ", 24 * time.Hour},
	}
	for _, tt := range tests {
		got, err := parseAge(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", "d", "-1d", "-5h", "soon", "1.5d"} {
		_, err := parseAge(bad)
		assert.Error(t, err, bad)
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitConflict, exitCode(&models.ConflictError{Paths: []string{"a"}}))
	assert.Equal(t, exitIntegrity, exitCode(fmt.Errorf("wrapped: %w", &models.IntegrityError{Path: "a"})))
	assert.Equal(t, exitSecurity, exitCode(&models.SecurityError{Path: "../x"}))
	assert.Equal(t, exitFailure, exitCode(errors.New("boom")))
	assert.Equal(t, exitFailure, exitCode(&models.NotFoundError{Kind: "checkpoint", ID: "X"}))
}

func TestNewLogger_Levels(t *testing.T) {
	assert.True(t, newLogger("debug", "text").Enabled(context.Background(), slog.LevelDebug))
	assert.False(t, newLogger("info", "json").Enabled(context.Background(), slog.LevelDebug))
	assert.False(t, newLogger("", "text").Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, newLogger("", "text").Enabled(context.Background(), slog.LevelWarn))
	assert.False(t, newLogger("error", "text").Enabled(context.Background(), slog.LevelWarn))
}

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"init"},
		{"checkpoint", "create"},
		{"checkpoint", "list"},
		{"checkpoint", "verify"},
		{"checkpoint", "diff"},
		{"cp", "delete"},
		{"rollback"},
		{"cleanup"},
		{"history"},
		{"recover"},
		{"completion"},
	} {
		cmd, _, err := rootCmd.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}

	f := rollbackCmd.Flags().Lookup("to")
	require.NotNil(t, f)
	assert.NotNil(t, rollbackCmd.Flags().Lookup("keep-current"))
	assert.NotNil(t, rootCmd.PersistentFlags().ShorthandLookup("C"))

	level := rootCmd.PersistentFlags().Lookup("log-level")
	require.NotNil(t, level)
	assert.Contains(t, level.Usage, "audit events are logged at info")
}

func TestExitErr_FlushesAuditEvents(t *testing.T) {
	var (
		mu     sync.Mutex
		events []models.Event
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var e models.Event
		if err := json.NewDecoder(r.Body).Decode(&e); err == nil {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	root := t.TempDir()
	repo, err := core.Init(root)
	require.NoError(t, err)
	cfg := repo.Config()
	cfg.Audit.WebhookURLs = []string{srv.URL}
	require.NoError(t, cfg.Save())
	require.NoError(t, repo.Close())

	repo, err = core.Open(root)
	require.NoError(t, err)
	openedRepo = repo

	var code int
	osExit = func(c int) { code = c }
	defer func() { osExit = os.Exit }()

	_, rbErr := repo.Rollback(context.Background(), core.RollbackOptions{CheckpointID: "NOSUCHCHECKPOINT"})
	require.Error(t, rbErr)
	exitErr(rbErr, "rollback failed")

	assert.Equal(t, exitFailure, code)
	assert.Nil(t, openedRepo)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1, "delivery completes before exit")
	assert.Equal(t, models.EventRollbackApply, events[0].Type)
	assert.Equal(t, models.OutcomeFailure, events[0].Outcome)
}
