// Package validate checks parsed LLM responses against per-stage JSON
// schemas before anything is persisted.
package validate

import (
	"bytes"
	"embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var stageSchemas = map[string]string{
	"filter":     "schemas/filter.json",
	"categorize": "schemas/categorize.json",
	"summarize":  "schemas/summarize.json",
	"extract":    "schemas/extract.json",
	"format":     "schemas/format.json",
}

var (
	compileOnce sync.Once
	compiled    map[string]*jsonschema.Schema
	compileErr  error
)

func schemas() (map[string]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiled = make(map[string]*jsonschema.Schema, len(stageSchemas))
		c := jsonschema.NewCompiler()
		for stage, path := range stageSchemas {
			data, err := schemaFS.ReadFile(path)
			if err != nil {
				compileErr = fmt.Errorf("read schema %s: %w", path, err)
				return
			}
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
			if err != nil {
				compileErr = fmt.Errorf("parse schema %s: %w", path, err)
				return
			}
			if err := c.AddResource(path, doc); err != nil {
				compileErr = fmt.Errorf("add schema %s: %w", path, err)
				return
			}
			sch, err := c.Compile(path)
			if err != nil {
				compileErr = fmt.Errorf("compile schema %s: %w", path, err)
				return
			}
			compiled[stage] = sch
		}
	})
	return compiled, compileErr
}

// Response validates raw JSON bytes against the schema for stage.
// Returns the decoded value on success so callers decode only once.
func Response(stage string, raw []byte) (any, error) {
	schs, err := schemas()
	if err != nil {
		return nil, err
	}
	sch, ok := schs[stage]
	if !ok {
		return nil, fmt.Errorf("no schema for stage %q", stage)
	}

	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("stage %s: response is not valid JSON: %w", stage, err)
	}
	if err := sch.Validate(value); err != nil {
		return nil, fmt.Errorf("stage %s: response failed schema validation: %w", stage, err)
	}
	return value, nil
}
