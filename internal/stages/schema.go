package stages

import (
	"embed"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	schemaOnce sync.Once
	schemas    map[Stage]*gojsonschema.Schema
	schemaErr  error
)

func compileSchemas() {
	schemas = make(map[Stage]*gojsonschema.Schema, 4)
	for _, stage := range []Stage{StageClassify, StageExtract, StageAnalyze, StageSynthesize} {
		raw, err := schemaFS.ReadFile(fmt.Sprintf("schemas/%s.json", stage))
		if err != nil {
			schemaErr = fmt.Errorf("load %s schema: %w", stage, err)
			return
		}

		compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			schemaErr = fmt.Errorf("compile %s schema: %w", stage, err)
			return
		}
		schemas[stage] = compiled
	}
}

// ValidatePayload checks a raw JSON payload against the stage's
// required-field schema. The analyze schema covers a single theme's
// response; merged payloads are assembled from validated pieces and are
// not re-checked.
func ValidatePayload(stage Stage, raw []byte) error {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return schemaErr
	}

	schema, ok := schemas[stage]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("%s payload: %w: %v", stage, ErrPayloadInvalid, err)
	}
	if result.Valid() {
		return nil
	}

	issues := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		issues = append(issues, e.String())
	}
	return fmt.Errorf("%s payload: %w: %s", stage, ErrPayloadInvalid, strings.Join(issues, "; "))
}
