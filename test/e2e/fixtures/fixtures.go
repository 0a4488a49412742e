// Package fixtures materializes small sample repositories for e2e
// scenarios to ingest. Generating them at runtime keeps fixture code
// out of the module proper, so the toolchain never tries to build it.
package fixtures

import (
	"fmt"
	"os"
	"path/filepath"
)

// goProjectFiles is a minimal but realistic Go repository: a binary,
// an internal package, a test, and a README for the docs pipeline.
var goProjectFiles = map[string]string{
	"go.mod": `module example.com/calculator

go 1.22
`,
	"main.go": `package main

import (
	"fmt"
	"os"
	"strconv"

	"example.com/calculator/internal/calc"
)

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintln(os.Stderr, "usage: calculator A B")
		os.Exit(1)
	}
	a, _ := strconv.Atoi(os.Args[1])
	b, _ := strconv.Atoi(os.Args[2])
	fmt.Println(calc.Add(a, b))
}
`,
	"internal/calc/calc.go": `// Package calc implements integer arithmetic.
package calc

// Add returns the sum of a and b.
func Add(a, b int) int {
	return a + b
}

// Mul returns the product of a and b.
func Mul(a, b int) int {
	return a * b
}
`,
	"internal/calc/calc_test.go": `package calc

import "testing"

func TestAdd(t *testing.T) {
	if got := Add(2, 3); got != 5 {
		t.Errorf("Add(2, 3) = %d, want 5", got)
	}
}
`,
	"README.md": `# calculator

A sample CLI that adds two integers.

## Usage

	calculator 2 3
`,
	".gitignore": `bin/
`,
}

// WriteGoProject writes the sample Go repository under dir.
func WriteGoProject(dir string) error {
	for name, content := range goProjectFiles {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create fixture dir: %w", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write fixture %s: %w", name, err)
		}
	}
	return nil
}
