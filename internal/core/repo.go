// Package core implements checkpoint creation, verification, cleanup and
// rollback for a single project root.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/kilupskalvis/rewind/internal/audit"
	"github.com/kilupskalvis/rewind/internal/blobstore"
	"github.com/kilupskalvis/rewind/internal/config"
	"github.com/kilupskalvis/rewind/internal/ignore"
	"github.com/kilupskalvis/rewind/internal/index"
	"github.com/kilupskalvis/rewind/internal/lock"
	"github.com/kilupskalvis/rewind/internal/models"
	"github.com/kilupskalvis/rewind/internal/pathsafe"
	"github.com/kilupskalvis/rewind/internal/store"
)

// Repo is the handle for one project root. Every operation on it takes the
// project's exclusive lock; handles for different roots are independent.
type Repo struct {
	root      string
	cfg       *config.Config
	blobs     blobstore.BlobStore
	index     *index.Log
	state     *store.Store
	ignore    *ignore.Matcher
	verifier  *Verifier
	sanitizer pathsafe.Sanitizer
	sink      audit.Sink
	webhook   *audit.WebhookSink
	logger    *slog.Logger
	now       func() time.Time

	// beforeWrite is called before each working-tree mutation during apply.
	beforeWrite func(path string) error
	// beforeRead is called before each file is copied into a checkpoint.
	beforeRead func(path string)
}

// Option configures a Repo.
type Option func(*Repo)

// WithLogger sets the logger used for engine diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Repo) { r.logger = logger }
}

// WithSink replaces the default audit sink.
func WithSink(sink audit.Sink) Option {
	return func(r *Repo) { r.sink = sink }
}

// WithSanitizer replaces the default path containment check.
func WithSanitizer(s pathsafe.Sanitizer) Option {
	return func(r *Repo) { r.sanitizer = s }
}

// WithClock overrides the time source for checkpoint timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Repo) { r.now = now }
}

// Init creates the metadata directory under root and opens the project.
func Init(root string, opts ...Option) (*Repo, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if _, err := config.Initialize(abs); err != nil {
		return nil, err
	}
	return Open(abs, opts...)
}

// Open opens an initialized project rooted at root.
func Open(root string, opts ...Option) (*Repo, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(abs)
	if err != nil {
		return nil, err
	}

	blobs, err := blobstore.NewFSStore(cfg.BlobsPath())
	if err != nil {
		return nil, err
	}

	matcher, err := ignore.NewMatcher(abs, cfg.Checkpoint.Ignore)
	if err != nil {
		return nil, fmt.Errorf("load ignore rules: %w", err)
	}

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}

	r := &Repo{
		root:      abs,
		cfg:       cfg,
		blobs:     blobs,
		index:     index.Open(cfg.IndexPath()),
		state:     st,
		ignore:    matcher,
		verifier:  NewVerifier(blobs),
		sanitizer: pathsafe.Containment{},
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.sink == nil {
		r.webhook = audit.NewWebhookSink(&audit.WebhookConfig{URLs: cfg.Audit.WebhookURLs}, r.logger)
		if r.webhook != nil {
			r.sink = audit.Multi{audit.NewSlogSink(r.logger), r.webhook}
		} else {
			r.sink = audit.NewSlogSink(r.logger)
		}
	}

	return r, nil
}

// Close flushes pending audit deliveries and releases the state database.
func (r *Repo) Close() error {
	if r.webhook != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := r.webhook.Flush(ctx); err != nil {
			r.logger.Warn("audit webhook flush incomplete", "error", err)
		}
	}
	return r.state.Close()
}

// Root returns the absolute project root.
func (r *Repo) Root() string {
	return r.root
}

// Config returns the loaded project configuration.
func (r *Repo) Config() *config.Config {
	return r.cfg
}

// withLock runs fn while holding the project lock.
func (r *Repo) withLock(ctx context.Context, fn func() error) error {
	l, err := lock.Acquire(ctx, r.cfg.LockPath(), r.cfg.LockTimeout())
	if err != nil {
		return fmt.Errorf("acquire project lock: %w", err)
	}
	defer func() {
		if err := l.Release(); err != nil {
			r.logger.Warn("release project lock", "error", err)
		}
	}()
	return fn()
}

// emit sends an audit event, deriving the outcome from err.
func (r *Repo) emit(ctx context.Context, e models.Event, err error) {
	e.Root = r.root
	e.Time = r.now().UTC()
	e.Outcome = models.OutcomeSuccess
	if err != nil {
		e.Outcome = models.OutcomeFailure
		e.Error = err.Error()
	}
	r.sink.Emit(ctx, e)
}

// abs converts a manifest path to an absolute working-tree path.
func (r *Repo) abs(path string) string {
	return filepath.Join(r.root, filepath.FromSlash(path))
}

// checkPath rejects manifest paths that are malformed, point into the
// metadata directory, or fail the sanitizer.
func (r *Repo) checkPath(path string) error {
	norm, err := models.NormalizePath(path)
	if err != nil {
		return err
	}
	if norm != path {
		return &models.SecurityError{Path: path, Reason: "path is not normalized"}
	}
	if ignore.Reserved(path) {
		return &models.SecurityError{Path: path, Reason: "inside the metadata directory"}
	}
	if !r.sanitizer.Contains(r.root, path) {
		return &models.SecurityError{Path: path}
	}
	return nil
}
