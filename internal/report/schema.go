package report

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// reportSchema describes the JSON form of a Report. Consumers integrating
// with the JSON output can validate against the same schema.
const reportSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "nsmcheck/report-v1.schema.json",
  "type": "object",
  "required": ["schema_version", "started_at", "finished_at", "device", "scenarios", "pass"],
  "properties": {
    "schema_version": {"const": 1},
    "started_at": {"type": "string", "format": "date-time"},
    "finished_at": {"type": "string", "format": "date-time"},
    "device": {
      "type": "object",
      "required": ["module_id", "version", "max_pcrs", "digest", "digest_width"],
      "properties": {
        "module_id": {"type": "string", "minLength": 1},
        "version": {"type": "string"},
        "max_pcrs": {"type": "integer", "minimum": 0},
        "digest": {"type": "string"},
        "digest_width": {"type": "integer", "enum": [32, 48, 64]}
      }
    },
    "scenarios": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "passed", "duration_ms"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "passed": {"type": "boolean"},
          "duration_ms": {"type": "number", "minimum": 0}
        }
      }
    },
    "violation": {
      "type": "object",
      "required": ["check", "expected", "observed"],
      "properties": {
        "check": {"type": "string", "minLength": 1},
        "pcr": {"type": "integer", "minimum": 0},
        "expected": {"type": "string"},
        "observed": {"type": "string"}
      }
    },
    "pass": {"type": "boolean"}
  }
}`

// compiledSchema is built lazily on first validation.
var compiledSchema *jsonschema.Schema

func schema() (*jsonschema.Schema, error) {
	if compiledSchema != nil {
		return compiledSchema, nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("report-v1.schema.json", strings.NewReader(reportSchema)); err != nil {
		return nil, fmt.Errorf("report: add schema resource: %w", err)
	}
	s, err := compiler.Compile("report-v1.schema.json")
	if err != nil {
		return nil, fmt.Errorf("report: compile schema: %w", err)
	}
	compiledSchema = s
	return s, nil
}

// ValidateJSON checks a rendered JSON report against the report schema.
func ValidateJSON(data []byte) error {
	s, err := schema()
	if err != nil {
		return err
	}
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("report: unmarshal report: %w", err)
	}
	if err := s.Validate(instance); err != nil {
		return fmt.Errorf("report: schema validation: %w", err)
	}
	return nil
}
