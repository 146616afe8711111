package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ValueType marks numeric or string payload in Value.
type ValueType string

const (
	// ValueNumber marks numeric value.
	ValueNumber ValueType = "n"
	// ValueString marks string value.
	ValueString ValueType = "s"
)

// Value stores one typed metric value or threshold.
// Params: Type selects one payload among N/S.
// Returns: strict typed value for aggregation and comparisons.
type Value struct {
	Type ValueType
	N    float64
	S    string
}

// Number builds numeric value.
func Number(n float64) Value {
	return Value{Type: ValueNumber, N: n}
}

// String builds string value.
func String(s string) Value {
	return Value{Type: ValueString, S: s}
}

// FromAny converts decoded TOML/JSON scalar into typed value.
// Params: float/int/string/bool scalar.
// Returns: typed value or error for unsupported input.
func FromAny(raw any) (Value, error) {
	switch typed := raw.(type) {
	case float64:
		return Number(typed), nil
	case float32:
		return Number(float64(typed)), nil
	case int:
		return Number(float64(typed)), nil
	case int64:
		return Number(float64(typed)), nil
	case uint64:
		return Number(float64(typed)), nil
	case string:
		return String(typed), nil
	case bool:
		return String(strconv.FormatBool(typed)), nil
	case nil:
		return Value{}, errors.New("value is required")
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", raw)
	}
}

// IsZero reports whether value was never set.
func (v Value) IsZero() bool {
	return v.Type == ""
}

// Float returns numeric payload.
// Params: none.
// Returns: number and true only for numeric values.
func (v Value) Float() (float64, bool) {
	if v.Type != ValueNumber {
		return 0, false
	}
	return v.N, true
}

// String renders value for string operators and templates.
// Params: none.
// Returns: compact string representation.
func (v Value) String() string {
	switch v.Type {
	case ValueNumber:
		return strconv.FormatFloat(v.N, 'f', -1, 64)
	case ValueString:
		return v.S
	default:
		return ""
	}
}

// MarshalJSON encodes value as plain JSON number or string.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Type {
	case ValueNumber:
		return json.Marshal(v.N)
	case ValueString:
		return json.Marshal(v.S)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON decodes plain JSON number or string.
func (v *Value) UnmarshalJSON(raw []byte) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*v = Value{}
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*v = String(s)
		return nil
	}
	var n float64
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return fmt.Errorf("value must be number or string: %w", err)
	}
	*v = Number(n)
	return nil
}
