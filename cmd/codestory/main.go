// Package main provides the codestory binary entry point.
// Codestory ingests source repositories into a Neo4j knowledge graph
// and serves the result over an HTTP and WebSocket API.
package main

import (
	"fmt"
	"os"
	"runtime"

	// Register LLM providers via init()
	_ "github.com/codestoryhq/codestory/llm/providers"

	// Register ingestion steps via init()
	_ "github.com/codestoryhq/codestory/step/astrunner"
	_ "github.com/codestoryhq/codestory/step/docgrapher"
	_ "github.com/codestoryhq/codestory/step/filesystem"
	_ "github.com/codestoryhq/codestory/step/summarizer"

	"github.com/codestoryhq/codestory/commands"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := commands.Root().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
