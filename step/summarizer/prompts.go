package summarizer

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/codestoryhq/codestory/llm"
)

const systemPrompt = "You are an expert code summarizer. You produce precise, " +
	"technical summaries of code and repository structure for engineers " +
	"navigating an unfamiliar codebase. Never speculate beyond the provided " +
	"material."

const (
	defaultTemperature   = 0.2
	defaultSummaryTokens = 500
)

// kindAsk phrases the summary request per node kind.
var kindAsk = map[Kind]string{
	KindRepository: "this repository: its purpose, the major areas of the codebase, and how they fit together",
	KindDirectory:  "this directory: its role in the repository and how its contents relate",
	KindModule:     "this module: its responsibility and the abstractions it provides",
	KindFile:       "this file: what it implements, why it exists, and how its pieces work together",
	KindClass:      "this class: its responsibility, its collaborators, and how its methods work together",
	KindFunction:   "this function: what it computes, why callers need it, and how it works",
	KindMethod:     "this method: what it does for its class, why it exists, and how it works",
}

const configFileAsk = "this configuration file: what it configures, the meaning " +
	"of its significant settings, and how they affect the system"

// configFileNames identifies well-known config files without an
// indicative extension.
var configFileNames = map[string]struct{}{
	"dockerfile": {}, "makefile": {}, "rakefile": {}, "gemfile": {},
	"vagrantfile": {}, "procfile": {}, "justfile": {},
	".gitignore": {}, ".dockerignore": {}, ".editorconfig": {}, ".env": {},
}

var configExtensions = map[string]struct{}{
	".yaml": {}, ".yml": {}, ".toml": {}, ".ini": {}, ".cfg": {}, ".conf": {},
	".json": {}, ".properties": {}, ".env": {}, ".lock": {}, ".tfvars": {},
}

func isConfigFile(p string) bool {
	base := strings.ToLower(filepath.Base(p))
	if _, ok := configFileNames[base]; ok {
		return true
	}
	_, ok := configExtensions[filepath.Ext(base)]
	return ok
}

// buildPrompt assembles the chat request for one node.
func buildPrompt(n *Node, content nodeContent, children []childSummary, maxTokens int) llm.ChatRequest {
	var b strings.Builder

	fmt.Fprintf(&b, "Summarize the %s `%s`.\n\n", n.Kind, n.QualifiedName)

	if len(content.Context) > 0 {
		b.WriteString("Context:\n")
		for _, item := range content.Context {
			b.WriteString("- ")
			b.WriteString(item)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}

	if len(children) > 0 {
		b.WriteString("Summaries of contained and depended-on entities:\n")
		for _, child := range children {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", child.Kind, child.Name, child.Text)
		}
		b.WriteByte('\n')
	}

	if content.Content != "" {
		b.WriteString("Content:\n```\n")
		b.WriteString(content.Content)
		if !strings.HasSuffix(content.Content, "\n") {
			b.WriteByte('\n')
		}
		b.WriteString("```\n\n")
	}

	ask := kindAsk[n.Kind]
	if n.Kind == KindFile && isConfigFile(n.Path) {
		ask = configFileAsk
	}
	fmt.Fprintf(&b, "Write a concise, technical summary in 3-5 paragraphs explaining "+
		"WHAT, WHY and HOW for %s.", ask)

	temp := defaultTemperature
	if maxTokens <= 0 {
		maxTokens = defaultSummaryTokens
	}
	return llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: b.String()},
		},
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	}
}
