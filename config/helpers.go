package config

import "strings"

// Safe accessors for dynamic configuration documents. Dotted key paths
// ("db.host") address nested maps.

// ValueAtPath returns the value at a dotted key path in a raw document
func ValueAtPath(doc map[string]any, path string) (any, bool) {
	keys := strings.Split(path, ".")
	current := doc
	for i, key := range keys {
		val, ok := current[key]
		if !ok {
			return nil, false
		}

		if i == len(keys)-1 {
			return val, true
		}

		nested, ok := val.(map[string]any)
		if !ok {
			return nil, false
		}
		current = nested
	}
	return nil, false
}

// SetValueAtPath sets the value at a dotted key path, creating intermediate
// maps as needed. A non-map value in the middle of the path is replaced.
func SetValueAtPath(doc map[string]any, path string, value any) {
	keys := strings.Split(path, ".")
	current := doc
	for i, key := range keys {
		if i == len(keys)-1 {
			current[key] = value
			return
		}

		nested, ok := current[key].(map[string]any)
		if !ok {
			nested = make(map[string]any)
			current[key] = nested
		}
		current = nested
	}
}

// HasPath checks if a dotted key path exists in a raw document
func HasPath(doc map[string]any, path string) bool {
	_, ok := ValueAtPath(doc, path)
	return ok
}

// GetString safely extracts a string value from a raw document
func GetString(doc map[string]any, key string, defaultVal string) string {
	if val, ok := doc[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return defaultVal
}

// GetInt safely extracts an integer value from a raw document
func GetInt(doc map[string]any, key string, defaultVal int) int {
	if val, ok := doc[key]; ok {
		return asInt(val, defaultVal)
	}
	return defaultVal
}

// GetBool safely extracts a boolean value from a raw document
func GetBool(doc map[string]any, key string, defaultVal bool) bool {
	if val, ok := doc[key]; ok {
		if b, ok := val.(bool); ok {
			return b
		}
	}
	return defaultVal
}

// asInt converts the numeric representations produced by the YAML and JSON
// decoders to an int
func asInt(val any, defaultVal int) int {
	switch v := val.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case int32:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	case float32:
		return int(v)
	}
	return defaultVal
}
