package contracts

import (
	"bytes"
	"embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var schemaFiles = map[string]string{
	EvalSummarySchema: "schemas/eval_summary.v1.json",
	ResidualSchema:    "schemas/residual.v1.json",
	CoverageSchema:    "schemas/coverage.v1.json",
	ViolationsSchema:  "schemas/violations.v1.json",
}

var (
	compileOnce sync.Once
	compiled    map[string]*jsonschema.Schema
	compileErr  error
)

func compiledSchemas() (map[string]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		out := make(map[string]*jsonschema.Schema, len(schemaFiles))
		for id, path := range schemaFiles {
			raw, err := schemaFS.ReadFile(path)
			if err != nil {
				compileErr = fmt.Errorf("read schema %s: %w", id, err)
				return
			}
			if err := c.AddResource(id, bytes.NewReader(raw)); err != nil {
				compileErr = fmt.Errorf("add schema %s: %w", id, err)
				return
			}
			s, err := c.Compile(id)
			if err != nil {
				compileErr = fmt.Errorf("compile schema %s: %w", id, err)
				return
			}
			out[id] = s
		}
		compiled = out
	})
	return compiled, compileErr
}

// KnownSchema reports whether the id names one of the declared report schemas.
func KnownSchema(id string) bool {
	_, ok := schemaFiles[id]
	return ok
}

// ValidateReport validates a decoded report document against the declared
// schema id. doc must be the result of json.Unmarshal into interface{}.
func ValidateReport(schemaID string, doc interface{}) error {
	schemas, err := compiledSchemas()
	if err != nil {
		return err
	}
	s, ok := schemas[schemaID]
	if !ok {
		return fmt.Errorf("unknown report schema %q", schemaID)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("report does not conform to %s: %w", schemaID, err)
	}
	return nil
}
