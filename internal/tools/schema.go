package tools

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/hyperifyio/goscrape/internal/scraperr"
)

// validateArgs checks a decoded argument object against a restricted JSON
// Schema subset: type (object, array, string, integer, number, boolean),
// properties, required, additionalProperties (boolean), items, enum,
// minimum and maximum. Violations come back as INVALID_ARGUMENT with the
// offending field in details.
func validateArgs(args map[string]any, schema json.RawMessage) error {
	return validateValue(args, schema, "")
}

func invalidArg(field, format string, a ...any) error {
	return scraperr.Newf(scraperr.KindValidation, scraperr.CodeInvalidArgument, format, a...).
		WithDetail("field", field)
}

func validateValue(value any, schema json.RawMessage, path string) error {
	if len(schema) == 0 {
		return nil
	}
	var s map[string]any
	if err := json.Unmarshal(schema, &s); err != nil {
		return scraperr.Wrap(scraperr.KindInternal, scraperr.CodeInternalError, "bad tool schema", err)
	}
	expected, _ := s["type"].(string)
	switch expected {
	case "object", "":
		obj, ok := value.(map[string]any)
		if !ok {
			return invalidArg(path, "%s must be an object", name(path))
		}
		if req, ok := s["required"].([]any); ok {
			for _, r := range req {
				field, _ := r.(string)
				if _, present := obj[field]; !present {
					return invalidArg(join(path, field), "missing required argument %q", field)
				}
			}
		}
		props, _ := s["properties"].(map[string]any)
		for k, v := range obj {
			if raw, ok := props[k]; ok {
				sub, _ := json.Marshal(raw)
				if err := validateValue(v, sub, join(path, k)); err != nil {
					return err
				}
				continue
			}
			if ap, ok := s["additionalProperties"].(bool); ok && !ap {
				return invalidArg(join(path, k), "unknown argument %q", k)
			}
		}
		return nil
	case "array":
		arr, ok := value.([]any)
		if !ok {
			return invalidArg(path, "%s must be an array", name(path))
		}
		if items, ok := s["items"]; ok {
			sub, _ := json.Marshal(items)
			for i, elem := range arr {
				if err := validateValue(elem, sub, path+"["+strconv.Itoa(i)+"]"); err != nil {
					return err
				}
			}
		}
		return nil
	case "string":
		str, ok := value.(string)
		if !ok {
			return invalidArg(path, "%s must be a string", name(path))
		}
		return checkEnum(s, str, path)
	case "integer":
		f, ok := asFloat(value)
		if !ok || f != float64(int64(f)) {
			return invalidArg(path, "%s must be an integer", name(path))
		}
		return checkBounds(s, f, path)
	case "number":
		f, ok := asFloat(value)
		if !ok {
			return invalidArg(path, "%s must be a number", name(path))
		}
		return checkBounds(s, f, path)
	case "boolean":
		if _, ok := value.(bool); !ok {
			return invalidArg(path, "%s must be a boolean", name(path))
		}
		return nil
	default:
		return nil
	}
}

func checkEnum(s map[string]any, str, path string) error {
	enum, ok := s["enum"].([]any)
	if !ok {
		return nil
	}
	for _, e := range enum {
		if v, ok := e.(string); ok && v == str {
			return nil
		}
	}
	return invalidArg(path, "%s must be one of %v", name(path), enum)
}

func checkBounds(s map[string]any, f float64, path string) error {
	if min, ok := asFloat(s["minimum"]); ok && f < min {
		return invalidArg(path, "%s must be >= %v", name(path), min)
	}
	if max, ok := asFloat(s["maximum"]); ok && f > max {
		return invalidArg(path, "%s must be <= %v", name(path), max)
	}
	return nil
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func join(path, field string) string {
	if path == "" {
		return field
	}
	return path + "." + field
}

func name(path string) string {
	if path == "" {
		return "arguments"
	}
	return fmt.Sprintf("argument %q", path)
}
