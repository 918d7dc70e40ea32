package evidenceschema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed match_evidence.schema.json
var matchEvidenceSchemaJSON string

const EvidenceVersion = "v1"

var (
	compileOnce       sync.Once
	compiledSchema    *jsonschema.Schema
	compiledSchemaErr error
)

// ValidateMatchEvidence checks a serialized match evidence blob before it is
// stored on a place relation.
func ValidateMatchEvidence(payload json.RawMessage) error {
	value, err := decodeStrictJSON(payload)
	if err != nil {
		return fmt.Errorf("decode evidence JSON: %w", err)
	}

	schema, err := loadSchema()
	if err != nil {
		return fmt.Errorf("load schema: %w", err)
	}

	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("evidence schema validation failed: %w", err)
	}
	return validateSemantics(value)
}

func loadSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020

		if err := compiler.AddResource("match_evidence.schema.json", strings.NewReader(matchEvidenceSchemaJSON)); err != nil {
			compiledSchemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}

		schema, err := compiler.Compile("match_evidence.schema.json")
		if err != nil {
			compiledSchemaErr = fmt.Errorf("compile schema: %w", err)
			return
		}

		compiledSchema = schema
	})

	if compiledSchemaErr != nil {
		return nil, compiledSchemaErr
	}
	if compiledSchema == nil {
		return nil, fmt.Errorf("schema not initialized")
	}
	return compiledSchema, nil
}

func decodeStrictJSON(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("evidence is empty")
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("evidence contains trailing content")
	}

	return value, nil
}

// validateSemantics covers the cross-field rules JSON schema cannot express.
func validateSemantics(value any) error {
	obj, ok := value.(map[string]any)
	if !ok {
		return fmt.Errorf("evidence must be an object")
	}

	firstPosition, err := intField(obj, "first_position")
	if err != nil {
		return err
	}
	textLength, err := intField(obj, "text_length")
	if err != nil {
		return err
	}
	if firstPosition >= textLength {
		return fmt.Errorf("first_position (%d) must be < text_length (%d)", firstPosition, textLength)
	}

	matchCount, err := intField(obj, "match_count")
	if err != nil {
		return err
	}
	matches, _ := obj["matches"].([]any)
	if int64(len(matches)) != matchCount {
		return fmt.Errorf("match_count (%d) does not equal len(matches) (%d)", matchCount, len(matches))
	}
	return nil
}

func intField(obj map[string]any, key string) (int64, error) {
	raw, ok := obj[key].(json.Number)
	if !ok {
		return 0, fmt.Errorf("%s must be a number", key)
	}
	v, err := raw.Int64()
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return v, nil
}
