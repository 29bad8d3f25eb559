package expr

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// isoNaive accepts an ISO 8601 timestamp without a UTC offset.
const isoNaive = "2006-01-02T15:04:05"

var errNaiveDatetime = errors.New("datetime must be timezone-aware")

// helperFunctions returns the workflow helper functions: parse (JSON),
// parse_utc, to_tz and now_utc.
func helperFunctions() []cel.EnvOption {
	adapter := types.DefaultTypeAdapter

	return []cel.EnvOption{
		cel.Function("parse",
			cel.Overload("parse_string", []*cel.Type{cel.StringType}, cel.DynType,
				cel.UnaryBinding(func(arg ref.Val) ref.Val {
					s, ok := arg.Value().(string)
					if !ok {
						return types.MaybeNoSuchOverloadErr(arg)
					}
					var v any
					if err := json.Unmarshal([]byte(s), &v); err != nil {
						return types.NewErr("parse: %v", err)
					}
					return adapter.NativeToValue(v)
				}))),
		cel.Function("parse_utc",
			cel.Overload("parse_utc_string", []*cel.Type{cel.StringType}, cel.StringType,
				cel.UnaryBinding(func(arg ref.Val) ref.Val {
					s, ok := arg.Value().(string)
					if !ok {
						return types.MaybeNoSuchOverloadErr(arg)
					}
					t, err := parseUTC(s)
					if err != nil {
						return types.NewErr("parse_utc: %v", err)
					}
					return types.String(t.Format(time.RFC3339))
				}))),
		cel.Function("to_tz",
			cel.Overload("to_tz_string_string", []*cel.Type{cel.StringType, cel.StringType}, cel.StringType,
				cel.BinaryBinding(func(lhs, rhs ref.Val) ref.Val {
					s, ok := lhs.Value().(string)
					if !ok {
						return types.MaybeNoSuchOverloadErr(lhs)
					}
					zone, ok := rhs.Value().(string)
					if !ok {
						return types.MaybeNoSuchOverloadErr(rhs)
					}
					out, err := toTZ(s, zone)
					if err != nil {
						return types.NewErr("%v", err)
					}
					return types.String(out)
				}))),
		cel.Function("now_utc",
			cel.Overload("now_utc", nil, cel.StringType,
				cel.FunctionBinding(func(_ ...ref.Val) ref.Val {
					return types.String(time.Now().UTC().Format(time.RFC3339))
				}))),
	}
}

// parseUTC parses an ISO timestamp; a naive timestamp is taken as UTC.
func parseUTC(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(isoNaive, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// toTZ converts a timezone-aware ISO timestamp into an IANA zone. A naive
// input is an error.
func toTZ(s, zone string) (string, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		if _, naiveErr := time.Parse(isoNaive, s); naiveErr == nil {
			return "", errNaiveDatetime
		}
		return "", fmt.Errorf("to_tz: %w", err)
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return "", fmt.Errorf("to_tz: %w", err)
	}
	return t.In(loc).Format(time.RFC3339), nil
}

// nativeValue converts a CEL value into a JSON-shaped Go value.
func nativeValue(v ref.Val) (any, error) {
	switch t := v.(type) {
	case types.Null:
		return nil, nil
	case types.Bool:
		return bool(t), nil
	case types.Int:
		return int64(t), nil
	case types.Uint:
		return int64(t), nil
	case types.Double:
		return float64(t), nil
	case types.String:
		return string(t), nil
	case types.Bytes:
		return []byte(t), nil
	}

	if lister, ok := v.(traits.Lister); ok {
		size, _ := lister.Size().(types.Int)
		out := make([]any, 0, int(size))
		it := lister.Iterator()
		for it.HasNext() == types.True {
			item, err := nativeValue(it.Next())
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
		return out, nil
	}

	if mapper, ok := v.(traits.Mapper); ok {
		out := make(map[string]any)
		it := mapper.Iterator()
		for it.HasNext() == types.True {
			key := it.Next()
			val, found := mapper.Find(key)
			if !found {
				continue
			}
			ks := fmt.Sprintf("%v", key.Value())
			nv, err := nativeValue(val)
			if err != nil {
				return nil, err
			}
			out[ks] = nv
		}
		return out, nil
	}

	return v.Value(), nil
}
