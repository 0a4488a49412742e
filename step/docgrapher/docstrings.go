package docgrapher

import (
	"context"
	"path"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// docstring is one extracted Python docstring with its owning entity.
type docstring struct {
	Kind          string // module, class, function, method
	Name          string
	Module        string
	QualifiedName string
	Text          string
}

// docstringExtractor parses Python sources and pulls module, class,
// function and method docstrings. Not safe for concurrent use; the
// step processes files sequentially.
type docstringExtractor struct {
	parser *sitter.Parser
}

func newDocstringExtractor() *docstringExtractor {
	p := sitter.NewParser()
	p.SetLanguage(python.GetLanguage())
	return &docstringExtractor{parser: p}
}

// extract returns every docstring in one Python file.
func (e *docstringExtractor) extract(ctx context.Context, relPath string, content []byte) ([]docstring, error) {
	tree, err := e.parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	module := pythonModuleName(relPath)
	root := tree.RootNode()

	var out []docstring
	if text := bodyDocstring(root, content); text != "" {
		out = append(out, docstring{
			Kind: "module", Name: module, QualifiedName: module, Text: text,
		})
	}
	for i := 0; i < int(root.NamedChildCount()); i++ {
		out = append(out, e.topLevel(root.NamedChild(i), content, module)...)
	}
	return out, nil
}

func (e *docstringExtractor) topLevel(node *sitter.Node, content []byte, module string) []docstring {
	switch node.Type() {
	case "class_definition":
		return e.classDocstrings(node, content, module)
	case "function_definition":
		if d, ok := definitionDocstring(node, content, "function", module); ok {
			return []docstring{d}
		}
	case "decorated_definition":
		if def := decoratedDefinition(node); def != nil {
			return e.topLevel(def, content, module)
		}
	}
	return nil
}

func (e *docstringExtractor) classDocstrings(node *sitter.Node, content []byte, module string) []docstring {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return nil
	}
	className := nodeText(nameNode, content)

	var out []docstring
	body := node.ChildByFieldName("body")
	if body == nil {
		return nil
	}
	if text := bodyDocstring(body, content); text != "" {
		out = append(out, docstring{
			Kind:          "class",
			Name:          className,
			Module:        module,
			QualifiedName: module + "." + className,
			Text:          text,
		})
	}

	methodModule := module + "." + className
	for i := 0; i < int(body.NamedChildCount()); i++ {
		child := body.NamedChild(i)
		if child.Type() == "decorated_definition" {
			child = decoratedDefinition(child)
			if child == nil {
				continue
			}
		}
		if child.Type() != "function_definition" {
			continue
		}
		if d, ok := definitionDocstring(child, content, "method", methodModule); ok {
			out = append(out, d)
		}
	}
	return out
}

// definitionDocstring extracts the docstring of one function or method
// definition.
func definitionDocstring(node *sitter.Node, content []byte, kind, module string) (docstring, bool) {
	nameNode := node.ChildByFieldName("name")
	body := node.ChildByFieldName("body")
	if nameNode == nil || body == nil {
		return docstring{}, false
	}
	text := bodyDocstring(body, content)
	if text == "" {
		return docstring{}, false
	}
	name := nodeText(nameNode, content)
	return docstring{
		Kind:          kind,
		Name:          name,
		Module:        module,
		QualifiedName: module + "." + name,
		Text:          text,
	}, true
}

// bodyDocstring returns the leading string literal of a block, if any.
func bodyDocstring(body *sitter.Node, content []byte) string {
	if body.NamedChildCount() == 0 {
		return ""
	}
	first := body.NamedChild(0)
	if first.Type() != "expression_statement" || first.NamedChildCount() == 0 {
		return ""
	}
	expr := first.NamedChild(0)
	if expr.Type() != "string" {
		return ""
	}
	return stripStringQuotes(nodeText(expr, content))
}

// decoratedDefinition unwraps a decorated_definition to the class or
// function it decorates.
func decoratedDefinition(node *sitter.Node) *sitter.Node {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		switch child.Type() {
		case "class_definition", "function_definition":
			return child
		}
	}
	return nil
}

func nodeText(node *sitter.Node, content []byte) string {
	return string(content[node.StartByte():node.EndByte()])
}

func stripStringQuotes(raw string) string {
	for _, prefix := range []string{"r", "b", "f", "u", "R", "B", "F", "U"} {
		raw = strings.TrimPrefix(raw, prefix)
	}
	for _, q := range []string{`"""`, `'''`, `"`, `'`} {
		if strings.HasPrefix(raw, q) && strings.HasSuffix(raw, q) && len(raw) >= 2*len(q) {
			return strings.TrimSpace(raw[len(q) : len(raw)-len(q)])
		}
	}
	return strings.TrimSpace(raw)
}

// pythonModuleName converts a repo-relative path to a dotted module
// name, collapsing package __init__ files onto the package itself.
func pythonModuleName(relPath string) string {
	mod := strings.TrimSuffix(path.Clean(relPath), ".py")
	mod = strings.ReplaceAll(mod, "/", ".")
	return strings.TrimSuffix(mod, ".__init__")
}
