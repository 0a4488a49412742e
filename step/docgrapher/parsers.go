package docgrapher

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"golang.org/x/net/html"
	"gopkg.in/yaml.v3"
)

// Document is one parsed documentation source, normalized to
// markdown-ish text regardless of the input format.
type Document struct {
	Path        string // repo-relative source path
	Title       string
	ContentType string // markdown, rst, html, text, docstring
	Content     string
}

// Parser turns one raw documentation file into a Document.
type Parser interface {
	Parse(path string, raw []byte) (Document, error)
	Extensions() []string
}

// Registry maps file extensions to parsers.
type Registry struct {
	mu    sync.RWMutex
	byExt map[string]Parser
}

// NewRegistry returns a registry with the default documentation
// parsers registered.
func NewRegistry() *Registry {
	r := &Registry{byExt: make(map[string]Parser)}
	r.Register(&markdownParser{})
	r.Register(&rstParser{})
	r.Register(newHTMLParser())
	r.Register(&plainParser{})
	return r
}

// Register adds a parser for each extension it declares.
func (r *Registry) Register(p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ext := range p.Extensions() {
		r.byExt[strings.ToLower(ext)] = p
	}
}

// ForPath returns the parser for a file, or nil when the extension is
// not a documentation format.
func (r *Registry) ForPath(path string) Parser {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byExt[strings.ToLower(filepath.Ext(path))]
}

// Parse parses one file with the parser its extension selects.
func (r *Registry) Parse(path string, raw []byte) (Document, error) {
	p := r.ForPath(path)
	if p == nil {
		return Document{}, fmt.Errorf("no documentation parser for %q", filepath.Ext(path))
	}
	return p.Parse(path, raw)
}

// markdownTitle returns the first H1 heading, if any.
func markdownTitle(content string) string {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:])
		}
	}
	return ""
}

var excessiveBlankLines = regexp.MustCompile(`\n{4,}`)

func collapseBlankLines(content string) string {
	return excessiveBlankLines.ReplaceAllString(content, "\n\n\n")
}

// markdownParser handles .md files with optional YAML frontmatter.
type markdownParser struct{}

func (p *markdownParser) Extensions() []string { return []string{".md", ".markdown"} }

func (p *markdownParser) Parse(path string, raw []byte) (Document, error) {
	frontmatter, body := splitFrontmatter(string(raw))

	title := ""
	if t, ok := frontmatter["title"].(string); ok {
		title = t
	}
	if title == "" {
		title = markdownTitle(body)
	}
	return Document{
		Path:        path,
		Title:       title,
		ContentType: "markdown",
		Content:     strings.TrimSpace(body),
	}, nil
}

// splitFrontmatter strips a leading YAML frontmatter block. Malformed
// frontmatter is left in the body untouched.
func splitFrontmatter(content string) (map[string]any, string) {
	if !strings.HasPrefix(content, "---\n") && !strings.HasPrefix(content, "---\r\n") {
		return nil, content
	}
	rest := content[strings.IndexByte(content, '\n')+1:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return nil, content
	}

	var frontmatter map[string]any
	if err := yaml.Unmarshal([]byte(rest[:end]), &frontmatter); err != nil {
		return nil, content
	}

	body := rest[end+len("\n---"):]
	if i := strings.IndexByte(body, '\n'); i >= 0 {
		body = body[i+1:]
	} else {
		body = ""
	}
	return frontmatter, body
}

// rstParser converts reStructuredText far enough for entity scanning:
// section underlines become markdown headings, literal blocks become
// fences, directives are dropped.
type rstParser struct{}

func (p *rstParser) Extensions() []string { return []string{".rst"} }

var (
	rstUnderline = regexp.MustCompile(`^[=\-~^"'+#*]{3,}$`)
	rstDirective = regexp.MustCompile(`^\.\.\s`)
)

func (p *rstParser) Parse(path string, raw []byte) (Document, error) {
	content := convertRST(string(raw))
	return Document{
		Path:        path,
		Title:       markdownTitle(content),
		ContentType: "rst",
		Content:     content,
	}, nil
}

func convertRST(content string) string {
	lines := strings.Split(content, "\n")
	out := make([]string, 0, len(lines))

	// Underline characters map to heading levels in order of first
	// appearance.
	levels := make(map[byte]int)
	nextLevel := 1

	inBlock := false
	blockIndent := 0

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		trimmed := strings.TrimSpace(line)

		if inBlock {
			if trimmed != "" && indentOf(line) < blockIndent {
				out = append(out, "```")
				inBlock = false
			} else {
				if len(line) >= blockIndent {
					line = line[blockIndent:]
				}
				out = append(out, line)
				continue
			}
		}

		// Section title: a text line whose next line is an underline
		// at least as long.
		if trimmed != "" && i+1 < len(lines) {
			underline := strings.TrimSpace(lines[i+1])
			if rstUnderline.MatchString(underline) && len(underline) >= len(trimmed) {
				ch := underline[0]
				level, ok := levels[ch]
				if !ok {
					level = nextLevel
					levels[ch] = level
					if nextLevel < 6 {
						nextLevel++
					}
				}
				out = append(out, strings.Repeat("#", level)+" "+trimmed)
				i++
				continue
			}
		}

		if rstDirective.MatchString(trimmed) {
			if lang, ok := codeDirective(trimmed); ok {
				if indent := nextIndent(lines, i+1); indent > 0 {
					out = append(out, "```"+lang)
					inBlock = true
					blockIndent = indent
				}
			}
			continue
		}

		if strings.HasSuffix(trimmed, "::") {
			if text := strings.TrimSuffix(trimmed, "::"); text != "" {
				out = append(out, text+":")
			}
			if indent := nextIndent(lines, i+1); indent > 0 {
				out = append(out, "```")
				inBlock = true
				blockIndent = indent
			}
			continue
		}

		// RST double-backtick literals read as markdown code spans.
		out = append(out, strings.ReplaceAll(line, "``", "`"))
	}
	if inBlock {
		out = append(out, "```")
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// codeDirective matches ".. code-block:: lang" and ".. code:: lang".
func codeDirective(line string) (string, bool) {
	for _, prefix := range []string{".. code-block::", ".. code::"} {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix)), true
		}
	}
	return "", false
}

func indentOf(line string) int {
	return len(line) - len(strings.TrimLeft(line, " \t"))
}

// nextIndent finds the indent of the first non-blank line at or after
// start.
func nextIndent(lines []string, start int) int {
	for i := start; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) != "" {
			return indentOf(lines[i])
		}
	}
	return 0
}

// htmlParser converts HTML documentation to markdown.
type htmlParser struct {
	conv *md.Converter
}

func newHTMLParser() *htmlParser {
	conv := md.NewConverter("", true, nil)
	conv.Use(plugin.GitHubFlavored())
	return &htmlParser{conv: conv}
}

func (p *htmlParser) Extensions() []string { return []string{".html", ".htm"} }

func (p *htmlParser) Parse(path string, raw []byte) (Document, error) {
	title := htmlTitle(raw)

	markdown, err := p.conv.ConvertString(string(raw))
	if err != nil {
		return Document{}, fmt.Errorf("convert %s: %w", path, err)
	}
	markdown = strings.TrimSpace(collapseBlankLines(markdown))
	if title == "" {
		title = markdownTitle(markdown)
	}
	return Document{
		Path:        path,
		Title:       title,
		ContentType: "html",
		Content:     markdown,
	}, nil
}

// htmlTitle extracts the <title> text.
func htmlTitle(raw []byte) string {
	doc, err := html.Parse(strings.NewReader(string(raw)))
	if err != nil {
		return ""
	}
	var title string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if title != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
			title = strings.TrimSpace(n.FirstChild.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title
}

// plainParser passes .txt docs through unchanged.
type plainParser struct{}

func (p *plainParser) Extensions() []string { return []string{".txt"} }

func (p *plainParser) Parse(path string, raw []byte) (Document, error) {
	return Document{
		Path:        path,
		ContentType: "text",
		Content:     strings.TrimSpace(string(raw)),
	}, nil
}
