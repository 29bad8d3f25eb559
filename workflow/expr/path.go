package expr

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/flowmesh/flowd/common/models"
	"github.com/flowmesh/flowd/common/rules"
)

// GetPath reads a dotted path from the data document.
func GetPath(data models.Data, path string) (any, bool) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, false
	}
	res := gjson.GetBytes(b, path)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

// SetPath writes a value at a dotted path, creating intermediate objects.
// Existing non-object intermediates are replaced.
func SetPath(data models.Data, path string, value any) {
	parts := strings.Split(path, ".")
	cur := data
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

// DeletePath removes a dotted path. Missing paths are a no-op.
func DeletePath(data models.Data, path string) {
	parts := strings.Split(path, ".")
	cur := data
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, parts[len(parts)-1])
}

// MovePath relocates source to target. A missing source is a no-op.
func MovePath(data models.Data, source, target string) {
	v, ok := GetPath(data, source)
	if !ok {
		return
	}
	DeletePath(data, source)
	SetPath(data, target, v)
}

// DeepCopy copies a data document via a JSON round trip.
func DeepCopy(data models.Data) (models.Data, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var out models.Data
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = models.Data{}
	}
	return out, nil
}

// Cast converts a value to the given datatype: string, number, integer or
// boolean.
func Cast(v any, datatype string) (any, error) {
	switch datatype {
	case "", "none":
		return v, nil
	case "string":
		switch t := v.(type) {
		case string:
			return t, nil
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64), nil
		case int64:
			return strconv.FormatInt(t, 10), nil
		case bool:
			return strconv.FormatBool(t), nil
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("cast to string: %w", err)
			}
			return string(b), nil
		}
	case "number":
		switch t := v.(type) {
		case float64:
			return t, nil
		case int64:
			return float64(t), nil
		case string:
			f, err := strconv.ParseFloat(t, 64)
			if err != nil {
				return nil, fmt.Errorf("cast to number: %w", err)
			}
			return f, nil
		case bool:
			if t {
				return float64(1), nil
			}
			return float64(0), nil
		}
		return nil, fmt.Errorf("cannot cast %T to number", v)
	case "integer":
		switch t := v.(type) {
		case float64:
			return int64(t), nil
		case int64:
			return t, nil
		case string:
			i, err := strconv.ParseInt(t, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("cast to integer: %w", err)
			}
			return i, nil
		case bool:
			if t {
				return int64(1), nil
			}
			return int64(0), nil
		}
		return nil, fmt.Errorf("cannot cast %T to integer", v)
	case "boolean":
		if s, ok := v.(string); ok {
			if b, err := strconv.ParseBool(s); err == nil {
				return b, nil
			}
		}
		return rules.IsTruthy(v), nil
	}
	return nil, fmt.Errorf("unknown datatype %q", datatype)
}
