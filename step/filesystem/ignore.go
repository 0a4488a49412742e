package filesystem

import (
	"bufio"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// builtinPatterns are excluded from every walk: VCS metadata, language
// caches, editor state, virtualenvs, package caches, build outputs and
// common noise files.
var builtinPatterns = []string{
	".git/",
	"__pycache__/",
	"*.pyc",
	"*.pyo",
	".idea/",
	".vscode/",
	".venv/",
	"node_modules/",
	"build/",
	"dist/",
	"*.log",
	"*.tmp",
}

// rule is one compiled ignore pattern in git wildmatch form.
type rule struct {
	pattern  string
	negate   bool
	dirOnly  bool
	anchored bool
}

// Ruleset evaluates ignore rules against repo-relative POSIX paths.
// Rules are checked in order and the last match wins, so later sources
// (.gitignore, config patterns) extend and can negate earlier ones.
type Ruleset struct {
	rules []rule
}

// NewRuleset compiles the built-in exclusions.
func NewRuleset() *Ruleset {
	rs := &Ruleset{}
	rs.AddPatterns(builtinPatterns)
	return rs
}

// AddPatterns appends gitignore-syntax patterns. Blank lines and
// comments are skipped.
func (rs *Ruleset) AddPatterns(patterns []string) {
	for _, p := range patterns {
		if r, ok := compileRule(p); ok {
			rs.rules = append(rs.rules, r)
		}
	}
}

// LoadGitignore reads the repo root .gitignore if present.
func (rs *Ruleset) LoadGitignore(repoPath string) error {
	f, err := os.Open(filepath.Join(repoPath, ".gitignore"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if r, ok := compileRule(scanner.Text()); ok {
			rs.rules = append(rs.rules, r)
		}
	}
	return scanner.Err()
}

// Match reports whether the repo-relative POSIX path is ignored.
// Directory patterns (trailing slash) only match directories; the
// walker prunes matched directories so their descendants are never
// evaluated.
func (rs *Ruleset) Match(rel string, isDir bool) bool {
	ignored := false
	for _, r := range rs.rules {
		if r.dirOnly && !isDir {
			continue
		}
		if r.matches(rel) {
			ignored = !r.negate
		}
	}
	return ignored
}

func (r rule) matches(rel string) bool {
	pat := r.pattern
	if !r.anchored {
		// Unanchored patterns match at any depth, like git.
		pat = "**/" + pat
	}
	ok, err := doublestar.Match(pat, rel)
	return err == nil && ok
}

// compileRule parses one gitignore line. The supported syntax is the
// git wildmatch subset: `**`, `?`, character classes, `!` negation,
// leading `/` anchoring and trailing `/` for directory-only patterns.
func compileRule(line string) (rule, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return rule{}, false
	}

	var r rule
	if strings.HasPrefix(line, "!") {
		r.negate = true
		line = line[1:]
	}
	if strings.HasSuffix(line, "/") {
		r.dirOnly = true
		line = strings.TrimSuffix(line, "/")
	}
	if strings.HasPrefix(line, "/") {
		line = strings.TrimPrefix(line, "/")
		r.anchored = true
	} else if strings.Contains(line, "/") {
		// A separator anywhere in the pattern anchors it to the root.
		r.anchored = true
	}
	if line == "" {
		return rule{}, false
	}

	r.pattern = line
	return r, true
}
