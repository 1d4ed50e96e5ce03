// Package ignore decides which working-tree paths are left out of checkpoints.
package ignore

import (
	"os"
	"path/filepath"

	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/kilupskalvis/rewind/internal/config"
)

// defaultRules always apply. The metadata directory must never be captured
// or restored over.
var defaultRules = []string{
	config.MetaDir,
	".git",
}

// Matcher wraps gitignore-style rules for one project.
type Matcher struct {
	ignorer *gitignore.GitIgnore
}

// NewMatcher compiles the default rules, the extra patterns from config and,
// if present, the project's .rewindignore file.
func NewMatcher(root string, patterns []string) (*Matcher, error) {
	rules := append(append([]string{}, defaultRules...), patterns...)

	ignoreFilePath := filepath.Join(root, config.IgnoreFile)
	if _, err := os.Stat(ignoreFilePath); err == nil {
		ignorer, err := gitignore.CompileIgnoreFileAndLines(ignoreFilePath, rules...)
		if err != nil {
			return nil, err
		}
		return &Matcher{ignorer: ignorer}, nil
	}

	return &Matcher{ignorer: gitignore.CompileIgnoreLines(rules...)}, nil
}

// Matches reports whether a root-relative, slash-separated path is ignored.
// Directories may be passed with or without a trailing slash.
func (m *Matcher) Matches(path string) bool {
	if m == nil || m.ignorer == nil {
		return false
	}
	return m.ignorer.MatchesPath(path)
}

// Reserved reports whether path lies inside the metadata directory. Such
// paths are never written by a rollback regardless of ignore rules.
func Reserved(path string) bool {
	return path == config.MetaDir || len(path) > len(config.MetaDir) && path[:len(config.MetaDir)+1] == config.MetaDir+"/"
}
