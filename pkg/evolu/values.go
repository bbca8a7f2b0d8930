package evolu

import (
	"fmt"

	"github.com/evolu-sh/evolu-core/internal/changes"
)

// toValues converts application-supplied Go values into the core's
// Value sum type. A nil value (including an explicitly-nil map entry)
// becomes NullValue, matching SQL NULL semantics.
func toValues(values map[string]interface{}) (map[string]changes.Value, error) {
	out := make(map[string]changes.Value, len(values))
	for column, v := range values {
		val, err := toValue(v)
		if err != nil {
			return nil, &Error{Kind: KindUnknown, Msg: fmt.Sprintf("column %q: %v", column, err)}
		}
		out[column] = val
	}
	return out, nil
}

func toValue(v interface{}) (changes.Value, error) {
	switch x := v.(type) {
	case nil:
		return changes.NullValue(), nil
	case int:
		return changes.IntValue(int64(x)), nil
	case int32:
		return changes.IntValue(int64(x)), nil
	case int64:
		return changes.IntValue(x), nil
	case bool:
		if x {
			return changes.IntValue(1), nil
		}
		return changes.IntValue(0), nil
	case float32:
		return changes.FloatValue(float64(x)), nil
	case float64:
		return changes.FloatValue(x), nil
	case string:
		return changes.TextValue(x), nil
	case []byte:
		return changes.BlobValue(x), nil
	default:
		return changes.Value{}, fmt.Errorf("unsupported value type %T", v)
	}
}

// fromValue converts a stored Value back into the plain Go type
// ListRows callers expect, the inverse of toValue.
func fromValue(v changes.Value) interface{} {
	switch v.Kind {
	case changes.ValueNull:
		return nil
	case changes.ValueInt64:
		return v.Int
	case changes.ValueFloat64:
		return v.Float
	case changes.ValueText:
		return v.Text
	case changes.ValueBlob:
		return v.Blob
	default:
		return nil
	}
}
