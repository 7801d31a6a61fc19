package graph

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Row is a single record returned by a connector.
type Row map[string]any

// Clone returns a deep copy of the row. Nested objects and arrays are copied
// so callers can filter or mask the clone without touching the original.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	return Row(cloneValue(map[string]any(r)).(map[string]any))
}

func cloneValue(v any) any {
	if obj, ok := AsObject(v); ok {
		out := make(map[string]any, len(obj))
		for k, val := range obj {
			out[k] = cloneValue(val)
		}
		return out
	}
	if arr, ok := AsArray(v); ok {
		out := make([]any, len(arr))
		for i, val := range arr {
			out[i] = cloneValue(val)
		}
		return out
	}
	return v
}

// CloneRows deep-copies a row set.
func CloneRows(rows []Row) []Row {
	if rows == nil {
		return nil
	}
	out := make([]Row, len(rows))
	for i, r := range rows {
		out[i] = r.Clone()
	}
	return out
}

// AsObject normalizes the object representations a row value may carry.
func AsObject(v any) (map[string]any, bool) {
	switch obj := v.(type) {
	case map[string]any:
		return obj, true
	case Row:
		return obj, true
	default:
		return nil, false
	}
}

// AsArray normalizes any slice value except []byte into []any.
func AsArray(v any) ([]any, bool) {
	switch arr := v.(type) {
	case nil:
		return nil, false
	case []any:
		return arr, true
	case []byte:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// DataType is the declared semantic type of a field. An optional "[]"
// suffix marks an array of that type, e.g. "string[]".
type DataType string

// Supported scalar data types.
const (
	TypeString  DataType = "string"
	TypeInteger DataType = "integer"
	TypeFloat   DataType = "float"
	TypeBoolean DataType = "boolean"
	TypeObject  DataType = "object"
)

// IsArray reports whether the type carries the "[]" suffix.
func (t DataType) IsArray() bool {
	return strings.HasSuffix(string(t), "[]")
}

// Element returns the element type of an array type, or t itself.
func (t DataType) Element() DataType {
	return DataType(strings.TrimSuffix(string(t), "[]"))
}

// Valid reports whether t is empty or a known type.
func (t DataType) Valid() bool {
	switch t.Element() {
	case "", TypeString, TypeInteger, TypeFloat, TypeBoolean, TypeObject:
		return true
	default:
		return false
	}
}

// Coerce converts v to the Go representation of the element type.
// Returns false when the value cannot be represented. An empty or object
// type passes the value through unchanged.
func (t DataType) Coerce(v any) (any, bool) {
	if v == nil {
		return nil, false
	}
	switch t.Element() {
	case TypeString:
		switch val := v.(type) {
		case string:
			return val, true
		case []byte:
			return string(val), true
		case float64:
			return strconv.FormatFloat(val, 'f', -1, 64), true
		default:
			return fmt.Sprint(val), true
		}
	case TypeInteger:
		return toInt(v)
	case TypeFloat:
		return toFloat(v)
	case TypeBoolean:
		switch val := v.(type) {
		case bool:
			return val, true
		case string:
			b, err := strconv.ParseBool(val)
			return b, err == nil
		default:
			if i, ok := toInt(v); ok {
				return i.(int64) != 0, true
			}
			return nil, false
		}
	default:
		return v, true
	}
}

func toInt(v any) (any, bool) {
	switch val := v.(type) {
	case int:
		return int64(val), true
	case int8:
		return int64(val), true
	case int16:
		return int64(val), true
	case int32:
		return int64(val), true
	case int64:
		return val, true
	case uint:
		return int64(val), true
	case uint8:
		return int64(val), true
	case uint16:
		return int64(val), true
	case uint32:
		return int64(val), true
	case uint64:
		if val > math.MaxInt64 {
			return nil, false
		}
		return int64(val), true
	case float32:
		return toInt(float64(val))
	case float64:
		if val != math.Trunc(val) || val < math.MinInt64 || val >= math.MaxInt64 {
			return nil, false
		}
		return int64(val), true
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		return i, err == nil
	case []byte:
		return toInt(string(val))
	default:
		return nil, false
	}
}

func toFloat(v any) (any, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		if i, ok := toInt(v); ok {
			return float64(i.(int64)), true
		}
		return nil, false
	}
}

// maxExactFloat bounds the integral float64 values that still denote a
// unique integer.
const maxExactFloat = 1 << 53

// ValueKey returns a comparable key for v so values decoded from different
// sources (JSON float64, SQL int64, Go int) compare equal when they denote
// the same scalar. Integers are keyed exactly; integral floats share the
// integer key only within the range float64 represents without rounding.
// Composite values fall back to their printed form.
func ValueKey(v any) string {
	switch val := v.(type) {
	case nil:
		return "n:"
	case string:
		return "s:" + val
	case []byte:
		return "s:" + string(val)
	case bool:
		return "b:" + strconv.FormatBool(val)
	case uint64:
		return "i:" + strconv.FormatUint(val, 10)
	case uint:
		return "i:" + strconv.FormatUint(uint64(val), 10)
	case float32:
		return floatKey(float64(val))
	case float64:
		return floatKey(val)
	}
	if i, ok := toInt(v); ok {
		return "i:" + strconv.FormatInt(i.(int64), 10)
	}
	return fmt.Sprintf("x:%v", v)
}

func floatKey(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) <= maxExactFloat {
		return "i:" + strconv.FormatInt(int64(f), 10)
	}
	return "f:" + strconv.FormatFloat(f, 'g', -1, 64)
}
