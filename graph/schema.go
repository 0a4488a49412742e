package graph

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/codestoryhq/codestory/cserr"
)

// DefaultVectorDimensions matches the embedding width of the default
// embedding models (OpenAI text-embedding-3-small, nomic-embed-text
// padded).
const DefaultVectorDimensions = 1536

// schemaElement names a schema object together with the statements
// that create and drop it. Names are stable so force re-initialization
// can target them.
type schemaElement struct {
	name   string
	create string
	drop   string
}

func schemaElements() []schemaElement {
	uniqueness := []struct {
		name  string
		label string
		props string
	}{
		{"repository_path_unique", "Repository", "n.path"},
		{"directory_path_unique", "Directory", "n.path"},
		{"file_path_unique", "File", "n.path"},
		{"module_name_unique", "Module", "n.name"},
		{"class_name_module_unique", "Class", "n.name, n.module"},
		{"function_name_module_unique", "Function", "n.name, n.module"},
		{"summary_id_unique", "Summary", "n.id"},
	}

	var elements []schemaElement
	for _, u := range uniqueness {
		elements = append(elements, schemaElement{
			name: u.name,
			create: fmt.Sprintf("CREATE CONSTRAINT %s IF NOT EXISTS FOR (n:%s) REQUIRE (%s) IS UNIQUE",
				u.name, u.label, u.props),
			drop: fmt.Sprintf("DROP CONSTRAINT %s IF EXISTS", u.name),
		})
	}

	fulltext := []struct {
		name   string
		labels string
		props  string
	}{
		{"file_content_fts", "File", "n.content"},
		{"code_names_fts", "Class|Function|Module", "n.name"},
		{"documentation_content_fts", "Documentation", "n.content"},
	}
	for _, f := range fulltext {
		elements = append(elements, schemaElement{
			name: f.name,
			create: fmt.Sprintf("CREATE FULLTEXT INDEX %s IF NOT EXISTS FOR (n:%s) ON EACH [%s]",
				f.name, f.labels, f.props),
			drop: fmt.Sprintf("DROP INDEX %s IF EXISTS", f.name),
		})
	}

	property := []struct {
		name  string
		label string
		prop  string
	}{
		{"file_extension_idx", "File", "extension"},
		{"summary_created_at_idx", "Summary", "created_at"},
		{"processing_record_created_at_idx", "ProcessingRecord", "created_at"},
	}
	for _, p := range property {
		elements = append(elements, schemaElement{
			name: p.name,
			create: fmt.Sprintf("CREATE INDEX %s IF NOT EXISTS FOR (n:%s) ON (n.%s)",
				p.name, p.label, p.prop),
			drop: fmt.Sprintf("DROP INDEX %s IF EXISTS", p.name),
		})
	}

	return elements
}

// vectorIndexes lists the labels that carry an embedding property.
var vectorIndexes = []string{"Summary", "Documentation"}

// InitializeSchema creates the uniqueness constraints, fulltext and
// property indexes, and vector indexes the ingestion steps rely on.
// Existing elements are left alone; force drops and recreates them.
func (s *Store) InitializeSchema(ctx context.Context, force bool) error {
	elements := schemaElements()

	if force {
		for _, el := range elements {
			if _, err := s.Execute(ctx, el.drop, nil, true); err != nil {
				s.logger.Warn("schema drop failed", "element", el.name, "error", err)
			}
		}
		for _, label := range vectorIndexes {
			drop := fmt.Sprintf("DROP INDEX %s IF EXISTS", vectorIndexName(label))
			if _, err := s.Execute(ctx, drop, nil, true); err != nil {
				s.logger.Warn("schema drop failed", "element", vectorIndexName(label), "error", err)
			}
		}
	}

	for _, el := range elements {
		if _, err := s.Execute(ctx, el.create, nil, true); err != nil {
			if schemaAlreadyExists(err) {
				s.logger.Debug("schema element already exists", "element", el.name)
				continue
			}
			return cserr.NewSchemaError(el.name, err)
		}
	}

	for _, label := range vectorIndexes {
		if err := s.CreateVectorIndex(ctx, label, "embedding", DefaultVectorDimensions, "cosine"); err != nil {
			return err
		}
	}

	s.logger.Info("graph schema initialized", "elements", len(elements)+len(vectorIndexes), "force", force)
	return nil
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// CreateVectorIndex creates a vector index over label.prop. Schema
// statements cannot be parameterized, so label, property and dims are
// validated and formatted into the statement text.
func (s *Store) CreateVectorIndex(ctx context.Context, label, prop string, dims int, similarity string) error {
	if !identifierPattern.MatchString(label) {
		return cserr.NewConfigError("vector index label", fmt.Errorf("invalid label %q", label))
	}
	if !identifierPattern.MatchString(prop) {
		return cserr.NewConfigError("vector index property", fmt.Errorf("invalid property %q", prop))
	}
	if dims <= 0 {
		return cserr.NewConfigError("vector index dimensions", fmt.Errorf("dimensions must be positive, got %d", dims))
	}
	switch similarity {
	case "":
		similarity = "cosine"
	case "cosine", "euclidean":
	default:
		return cserr.NewConfigError("vector index similarity", fmt.Errorf("unsupported similarity %q", similarity))
	}

	name := vectorIndexName(label)
	stmt := fmt.Sprintf(
		"CREATE VECTOR INDEX %s IF NOT EXISTS FOR (n:%s) ON (n.%s) "+
			"OPTIONS {indexConfig: {`vector.dimensions`: %d, `vector.similarity_function`: '%s'}}",
		name, label, prop, dims, similarity)

	if _, err := s.Execute(ctx, stmt, nil, true); err != nil {
		if schemaAlreadyExists(err) {
			s.logger.Debug("vector index already exists", "index", name)
			return nil
		}
		return cserr.NewSchemaError(name, err)
	}
	return nil
}

// schemaAlreadyExists matches the server's equivalent-schema errors so
// repeated initialization stays a no-op on servers that predate
// IF NOT EXISTS support for an element kind.
func schemaAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	var neoErr *neo4j.Neo4jError
	if errors.As(err, &neoErr) {
		code := neoErr.Code
		if strings.HasPrefix(code, "Neo.ClientError.Schema.") && strings.Contains(code, "AlreadyExists") {
			return true
		}
		if strings.Contains(code, "EquivalentSchemaRule") {
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}
