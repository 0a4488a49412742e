package summarizer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
)

const truncationMarker = "\n... [content truncated]"

// binaryExtensions lists suffixes summarized without a content fetch.
var binaryExtensions = map[string]struct{}{
	// images
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".bmp": {}, ".ico": {}, ".webp": {}, ".tiff": {},
	// archives
	".zip": {}, ".tar": {}, ".gz": {}, ".tgz": {}, ".bz2": {}, ".xz": {}, ".7z": {}, ".rar": {}, ".jar": {},
	// compiled objects
	".o": {}, ".a": {}, ".so": {}, ".dll": {}, ".dylib": {}, ".exe": {}, ".bin": {}, ".wasm": {},
	".pyc": {}, ".pyo": {}, ".class": {},
	// media and fonts
	".mp3": {}, ".mp4": {}, ".avi": {}, ".mov": {}, ".wav": {}, ".pdf": {},
	".ttf": {}, ".otf": {}, ".woff": {}, ".woff2": {}, ".eot": {},
	// opaque data
	".db": {}, ".sqlite": {}, ".sqlite3": {}, ".parquet": {},
}

func isBinaryPath(p string) bool {
	_, ok := binaryExtensions[strings.ToLower(filepath.Ext(p))]
	return ok
}

// extractor builds (content, context) pairs for nodes. File reads are
// cached so the many code nodes sharing a file hit the disk once.
type extractor struct {
	repoPath string
	maxChars int // ~4x max_tokens_per_file

	mu    sync.Mutex
	cache map[string]string
}

func newExtractor(repoPath string, maxTokensPerFile int) *extractor {
	if maxTokensPerFile <= 0 {
		maxTokensPerFile = 8000
	}
	return &extractor{
		repoPath: repoPath,
		maxChars: maxTokensPerFile * 4,
		cache:    make(map[string]string),
	}
}

// fileContent returns the cached, truncated UTF-8 content of a
// repo-relative file.
func (e *extractor) fileContent(rel string) (string, error) {
	abs := filepath.Join(e.repoPath, filepath.FromSlash(rel))

	e.mu.Lock()
	if cached, ok := e.cache[abs]; ok {
		e.mu.Unlock()
		return cached, nil
	}
	e.mu.Unlock()

	raw, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	content := string(raw)
	if len(content) > e.maxChars {
		cut := e.maxChars
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		content = content[:cut] + truncationMarker
	}

	e.mu.Lock()
	e.cache[abs] = content
	e.mu.Unlock()
	return content, nil
}

// nodeContent describes what goes into a node's prompt.
type nodeContent struct {
	Content string   // fenced source or document text
	Context []string // bullet descriptors
}

// extract builds the prompt inputs for one node.
func (e *extractor) extract(d *dag, n *Node) (nodeContent, error) {
	switch n.Kind {
	case KindRepository:
		return e.repositoryContent(d)
	case KindDirectory:
		return e.directoryContent(d, n), nil
	case KindFile:
		return e.fileNodeContent(n)
	case KindModule:
		return e.moduleContent(d, n), nil
	case KindClass:
		return e.classContent(n)
	case KindFunction, KindMethod:
		return e.callableContent(n)
	}
	return nodeContent{}, fmt.Errorf("unknown node kind %q", n.Kind)
}

func (e *extractor) repositoryContent(d *dag) (nodeContent, error) {
	out := nodeContent{
		Context: []string{
			fmt.Sprintf("Repository contains %d directories and %d files", d.totalDirs, d.totalFiles),
		},
	}
	if len(d.topLevel) > 0 {
		out.Context = append(out.Context, "Top-level directories: "+strings.Join(d.topLevel, ", "))
	}
	if readme := e.readmeContent(); readme != "" {
		out.Content = readme
	}
	return out, nil
}

// readmeContent finds a root README by case-insensitive prefix.
func (e *extractor) readmeContent() string {
	entries, err := os.ReadDir(e.repoPath)
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasPrefix(strings.ToLower(entry.Name()), "readme") {
			content, err := e.fileContent(entry.Name())
			if err == nil {
				return content
			}
		}
	}
	return ""
}

func (e *extractor) directoryContent(d *dag, n *Node) nodeContent {
	var files, dirs []string
	for _, child := range n.children {
		c := d.nodes[child]
		switch c.Kind {
		case KindDirectory:
			dirs = append(dirs, childDisplayName(c))
		case KindFile:
			files = append(files, childDisplayName(c))
		}
	}
	out := nodeContent{Context: []string{"Directory path: " + n.Path}}
	if len(dirs) > 0 {
		out.Context = append(out.Context, "Subdirectories: "+strings.Join(dirs, ", "))
	}
	if len(files) > 0 {
		out.Context = append(out.Context, "Files: "+strings.Join(files, ", "))
	}
	return out
}

func (e *extractor) fileNodeContent(n *Node) (nodeContent, error) {
	out := nodeContent{Context: []string{"File path: " + n.Path}}
	if isBinaryPath(n.Path) {
		out.Content = "Binary file: " + n.Path
		return out, nil
	}
	content, err := e.fileContent(n.Path)
	if err != nil {
		return nodeContent{}, err
	}
	out.Content = content
	return out, nil
}

func (e *extractor) moduleContent(d *dag, n *Node) nodeContent {
	out := nodeContent{Context: []string{"Module name: " + n.Name}}
	if n.Path != "" {
		out.Context = append(out.Context, "Defined in: "+n.Path)
	}
	var members []string
	for _, child := range n.children {
		members = append(members, d.nodes[child].QualifiedName)
	}
	if len(members) > 0 {
		out.Context = append(out.Context, "Members: "+strings.Join(members, ", "))
	}
	return out
}

func (e *extractor) classContent(n *Node) (nodeContent, error) {
	out := nodeContent{Context: []string{"Class: " + n.QualifiedName}}
	if len(n.Parents) > 0 {
		out.Context = append(out.Context, "Inherits from: "+strings.Join(n.Parents, ", "))
	}
	if len(n.MethodNames) > 0 {
		out.Context = append(out.Context, "Methods: "+strings.Join(n.MethodNames, ", "))
	}
	if n.Docstring != "" {
		out.Context = append(out.Context, "Docstring: "+n.Docstring)
	}
	out.Content = e.sourceSlice(n)
	return out, nil
}

func (e *extractor) callableContent(n *Node) (nodeContent, error) {
	kindLabel := "Function"
	if n.Kind == KindMethod {
		kindLabel = "Method"
	}
	out := nodeContent{Context: []string{kindLabel + ": " + n.QualifiedName}}
	if n.Docstring != "" {
		out.Context = append(out.Context, "Docstring: "+n.Docstring)
	}
	out.Content = e.sourceSlice(n)
	return out, nil
}

// sourceSlice cuts the node's definition out of its containing file.
// With line metadata the cut is exact; otherwise it starts at the
// definition line and ends at the first dedent back to the definition
// indent (or the close of the brace block it opens).
func (e *extractor) sourceSlice(n *Node) string {
	if n.Path == "" {
		return ""
	}
	content, err := e.fileContent(n.Path)
	if err != nil {
		return ""
	}
	lines := strings.Split(content, "\n")

	start := n.StartLine
	if start <= 0 {
		start = findDefinitionLine(lines, n.Name)
		if start <= 0 {
			return ""
		}
	}
	if start > len(lines) {
		return ""
	}

	end := n.EndLine
	if end <= 0 || end > len(lines) || end < start {
		end = findBlockEnd(lines, start)
	}
	return strings.Join(lines[start-1:end], "\n")
}

// findDefinitionLine locates the 1-based line that introduces name.
func findDefinitionLine(lines []string, name string) int {
	needles := []string{
		"def " + name,
		"class " + name,
		"function " + name,
		"func " + name,
	}
	for i, line := range lines {
		for _, needle := range needles {
			if idx := strings.Index(line, needle); idx >= 0 {
				after := idx + len(needle)
				if after >= len(line) || !isIdentChar(rune(line[after])) {
					return i + 1
				}
			}
		}
	}
	return 0
}

// findBlockEnd returns the 1-based last line of the block starting at
// the 1-based start line. Brace blocks end when the braces balance;
// indent blocks end at the first non-blank line at or under the
// definition indent.
func findBlockEnd(lines []string, start int) int {
	defLine := lines[start-1]
	if braced, end := braceBlockEnd(lines, start); braced {
		return end
	}

	defIndent := indentWidth(defLine)
	end := start
	for i := start; i < len(lines); i++ {
		line := lines[i]
		if strings.TrimSpace(line) == "" {
			continue
		}
		if indentWidth(line) <= defIndent {
			break
		}
		end = i + 1
	}
	return end
}

// braceBlockEnd tracks brace balance from the start line; it reports
// false when the definition opens no brace block nearby.
func braceBlockEnd(lines []string, start int) (bool, int) {
	depth := 0
	opened := false
	// The opening brace must appear within a couple of lines of the
	// definition, or this is an indentation language.
	for i := start - 1; i < len(lines); i++ {
		for _, r := range lines[i] {
			switch r {
			case '{':
				depth++
				opened = true
			case '}':
				depth--
			}
		}
		if opened && depth <= 0 {
			return true, i + 1
		}
		if !opened && i >= start+1 {
			return false, 0
		}
	}
	if !opened {
		return false, 0
	}
	return true, len(lines)
}

func indentWidth(line string) int {
	width := 0
	for _, r := range line {
		switch r {
		case ' ':
			width++
		case '\t':
			width += 4
		default:
			return width
		}
	}
	return width
}

func isIdentChar(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// matchesAny reports whether a repo-relative path matches any of the
// ignore patterns; bare patterns match at any depth.
func matchesAny(patterns []string, rel string) bool {
	for _, pattern := range patterns {
		pattern = strings.TrimSuffix(strings.TrimSpace(pattern), "/")
		if pattern == "" {
			continue
		}
		if !strings.Contains(pattern, "/") {
			pattern = "**/" + pattern
		}
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
		if ok, err := doublestar.Match(pattern+"/**", rel); err == nil && ok {
			return true
		}
	}
	return false
}
