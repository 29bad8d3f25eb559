// Package rules implements the typed predicates workflow nodes use for
// branching. A rule is a tagged union discriminated by Type and tests a
// single value.
package rules

import (
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

// Rule types.
const (
	Any         = "any"
	GreaterThan = "gt"
	LessThan    = "lt"
	GreaterEq   = "gte"
	LessEq      = "lte"
	Equal       = "eq"
	NotEqual    = "neq"
	Between     = "between"
	Contains    = "contains"
	RegexMatch  = "regex_match"
	RegexSearch = "regex_search"
	Truthy      = "truthy"
	Falsy       = "falsy"
)

// Rule is a boolean predicate over a value. Value2 is only used by "between"
// (inclusive on both ends).
type Rule struct {
	Type   string `json:"type"`
	Value  any    `json:"value,omitempty"`
	Value2 any    `json:"value2,omitempty"`
}

// Test evaluates the rule against v. Unknown rule types and malformed
// patterns evaluate to false.
func (r Rule) Test(v any) bool {
	switch r.Type {
	case Any:
		return true
	case Truthy:
		return IsTruthy(v)
	case Falsy:
		return !IsTruthy(v)
	case GreaterThan:
		a, b, ok := floats(v, r.Value)
		return ok && a > b
	case LessThan:
		a, b, ok := floats(v, r.Value)
		return ok && a < b
	case GreaterEq:
		a, b, ok := floats(v, r.Value)
		return ok && a >= b
	case LessEq:
		a, b, ok := floats(v, r.Value)
		return ok && a <= b
	case Equal:
		return looseEqual(v, r.Value)
	case NotEqual:
		return !looseEqual(v, r.Value)
	case Between:
		a, lo, ok := floats(v, r.Value)
		if !ok {
			return false
		}
		hi, ok2 := toFloat(r.Value2)
		return ok2 && a >= lo && a <= hi
	case Contains:
		return contains(v, r.Value)
	case RegexMatch:
		s, ok := v.(string)
		if !ok {
			return false
		}
		re, err := regexp.Compile(pattern(r.Value))
		if err != nil {
			return false
		}
		// Anchored at the start, like a match (vs search).
		loc := re.FindStringIndex(s)
		return loc != nil && loc[0] == 0
	case RegexSearch:
		s, ok := v.(string)
		if !ok {
			return false
		}
		re, err := regexp.Compile(pattern(r.Value))
		if err != nil {
			return false
		}
		return re.MatchString(s)
	}
	return false
}

// IsTruthy applies Python-like truthiness: nil, false, zero numbers, empty
// strings and empty containers are falsy.
func IsTruthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case float32:
		return t != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Ptr, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}

func pattern(v any) string {
	s, _ := v.(string)
	return s
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}

func floats(a, b any) (float64, float64, bool) {
	fa, ok := toFloat(a)
	if !ok {
		return 0, 0, false
	}
	fb, ok := toFloat(b)
	if !ok {
		return 0, 0, false
	}
	return fa, fb, true
}

// looseEqual compares numerically when both sides are numbers, otherwise by
// deep equality.
func looseEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok2 := toFloat(b); ok2 {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}

// contains implements membership: element of a sequence, substring of a
// string, or key of a map.
func contains(v, needle any) bool {
	switch t := v.(type) {
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(t, s)
	case []any:
		for _, item := range t {
			if looseEqual(item, needle) {
				return true
			}
		}
		return false
	case map[string]any:
		s, ok := needle.(string)
		if !ok {
			return false
		}
		_, found := t[s]
		return found
	}
	return false
}
