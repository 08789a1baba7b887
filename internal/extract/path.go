package extract

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/go-openapi/jsonpointer"
)

// ValueAtPath resolves path against node. Paths with a leading slash use JSON
// Pointer semantics (RFC 6901) against the full node; anything else is a
// single-segment field lookup at the current node. Dotted paths are not
// decomposed.
func ValueAtPath(node interface{}, path string) (interface{}, bool) {
	if strings.HasPrefix(path, "/") {
		ptr, err := jsonpointer.New(path)
		if err != nil {
			return nil, false
		}
		value, _, err := ptr.Get(node)
		if err != nil {
			return nil, false
		}
		return value, true
	}

	obj, ok := node.(map[string]interface{})
	if !ok {
		return nil, false
	}
	value, ok := obj[path]
	return value, ok
}

// stringifyScalar renders a JSON string, number or boolean as text. Strings
// are trimmed; an empty trimmed string yields no content. Objects, arrays
// and nulls yield no content.
func stringifyScalar(value interface{}) (string, bool) {
	switch v := value.(type) {
	case string:
		trimmed := strings.TrimSpace(v)
		return trimmed, trimmed != ""
	case json.Number:
		return v.String(), true
	case bool:
		return strconv.FormatBool(v), true
	default:
		return "", false
	}
}

// stringifyAny renders any JSON value as text: strings pass through, other
// values use their JSON serialization. Used by the record filter, which
// compares against operator-supplied literals.
func stringifyAny(value interface{}) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	case bool:
		return strconv.FormatBool(v), true
	case nil:
		return "null", true
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return string(raw), true
	}
}
