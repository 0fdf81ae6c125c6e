package tools

import (
	"encoding/json"
	"fmt"
	"math"
)

// validateArgs checks tool arguments against the declared parameter schema
// before dispatch: required fields present, declared primitive types
// matched. This is fail-fast validation, not full JSON Schema.
func validateArgs(args map[string]any, schema map[string]any) error {
	if schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}

	for _, field := range requiredFields(schema) {
		if _, exists := args[field]; !exists {
			return fmt.Errorf("missing required field: %s", field)
		}
	}

	props, _ := schema["properties"].(map[string]any)
	for key, value := range args {
		propDef, ok := props[key]
		if !ok {
			continue
		}
		expected := expectedType(propDef)
		if expected == "" {
			continue
		}
		if err := checkType(value, expected); err != nil {
			return fmt.Errorf("field %s: %w", key, err)
		}
	}
	return nil
}

func requiredFields(schema map[string]any) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, f := range req {
			if s, ok := f.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func expectedType(definition any) string {
	if def, ok := definition.(map[string]any); ok {
		if t, ok := def["type"].(string); ok {
			return t
		}
	}
	return ""
}

func checkType(value any, expected string) error {
	switch expected {
	case "string":
		if _, ok := value.(string); ok {
			return nil
		}
	case "number":
		if isNumber(value) {
			return nil
		}
	case "integer":
		if isInteger(value) {
			return nil
		}
	case "boolean":
		if _, ok := value.(bool); ok {
			return nil
		}
	case "object":
		if _, ok := value.(map[string]any); ok {
			return nil
		}
	case "array":
		if _, ok := value.([]any); ok {
			return nil
		}
	case "null":
		if value == nil {
			return nil
		}
	default:
		// Unknown declared type: let the handler decide.
		return nil
	}
	return fmt.Errorf("expected %s but got %T", expected, value)
}

func isNumber(value any) bool {
	switch v := value.(type) {
	case float32, float64:
		return true
	case int, int8, int16, int32, int64:
		return true
	case uint, uint8, uint16, uint32, uint64:
		return true
	case json.Number:
		_, err := v.Float64()
		return err == nil
	}
	return false
}

func isInteger(value any) bool {
	switch v := value.(type) {
	case int, int8, int16, int32, int64:
		return true
	case uint, uint8, uint16, uint32, uint64:
		return true
	case float32:
		return math.Trunc(float64(v)) == float64(v)
	case float64:
		return math.Trunc(v) == v
	case json.Number:
		_, err := v.Int64()
		return err == nil
	}
	return false
}
