package destinations

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/caravel-ai/caravel/pkg/models"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// RenderTemplate resolves {{path.to.field}} placeholders in tmpl against
// the payload by dotted path. An absent path renders as the empty string.
// Non-string values render as their JSON encoding.
func RenderTemplate(tmpl string, payload models.JSONMap) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		path := placeholderPattern.FindStringSubmatch(match)[1]
		value, ok := lookupPath(payload, path)
		if !ok {
			return ""
		}
		return renderValue(value)
	})
}

// ApplyFieldMapping shapes the payload for the destination. A nil or
// empty mapping is the identity: the raw payload is forwarded. Otherwise
// the result contains exactly the mapped keys, string templates rendered
// against the payload and other values passed through as literals.
func ApplyFieldMapping(mapping models.JSONMap, payload models.JSONMap) models.JSONMap {
	if len(mapping) == 0 {
		return payload
	}
	out := make(models.JSONMap, len(mapping))
	for field, tmpl := range mapping {
		if s, ok := tmpl.(string); ok {
			out[field] = RenderTemplate(s, payload)
			continue
		}
		out[field] = tmpl
	}
	return out
}

// lookupPath walks a dotted path through nested JSON objects.
func lookupPath(payload models.JSONMap, path string) (interface{}, bool) {
	var current interface{} = map[string]interface{}(payload)
	for _, segment := range strings.Split(path, ".") {
		obj, ok := toObject(current)
		if !ok {
			return nil, false
		}
		current, ok = obj[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func toObject(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case models.JSONMap:
		return m, true
	}
	return nil, false
}

func renderValue(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(encoded)
}
