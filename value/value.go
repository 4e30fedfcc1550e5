// Package value implements the dynamic parameter tree that Task.Params is
// built from, plus the "${task_id.path}" substitution language described in
// spec §4.3. Providers exchange opaque JSON payloads (the teacher's
// toolregistry.ToolCallMessage carries params as json.RawMessage); the core
// instead needs to walk and rewrite the tree before dispatch, so params are
// decoded into this explicit variant type rather than passed through as
// opaque bytes.
package value

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Kind discriminates the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindSequence
	KindMapping
)

// Value is a scalar, sequence, or mapping node in a task's parameter tree.
// The zero Value is KindNull.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	seq  []Value
	m    map[string]Value
}

// Null returns the null Value.
func Null() Value { return Value{kind: KindNull} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number wraps a float64. Gleitzeit, like the JSON it round-trips through,
// does not distinguish integers from floats at the Value level.
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Sequence wraps an ordered list of Values.
func Sequence(items []Value) Value { return Value{kind: KindSequence, seq: items} }

// Mapping wraps a string-keyed map of Values.
func Mapping(m map[string]Value) Value { return Value{kind: KindMapping, m: m} }

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the wrapped bool and whether v is KindBool.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsNumber returns the wrapped float64 and whether v is KindNumber.
func (v Value) AsNumber() (float64, bool) { return v.n, v.kind == KindNumber }

// AsString returns the wrapped string and whether v is KindString.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// AsSequence returns the wrapped slice and whether v is KindSequence.
func (v Value) AsSequence() ([]Value, bool) { return v.seq, v.kind == KindSequence }

// AsMapping returns the wrapped map and whether v is KindMapping.
func (v Value) AsMapping() (map[string]Value, bool) { return v.m, v.kind == KindMapping }

// Keys returns the sorted keys of a mapping Value, or nil otherwise. Used to
// build the "available top-level keys" list for field_not_found errors.
func (v Value) Keys() []string {
	if v.kind != KindMapping {
		return nil
	}
	keys := make([]string, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FromJSON decodes raw JSON into a Value tree.
func FromJSON(raw json.RawMessage) (Value, error) {
	var any any
	if len(raw) == 0 {
		return Null(), nil
	}
	if err := json.Unmarshal(raw, &any); err != nil {
		return Value{}, fmt.Errorf("decode json value: %w", err)
	}
	return FromAny(any), nil
}

// FromAny converts a generic Go value (as produced by encoding/json or
// gopkg.in/yaml.v3 unmarshalling into `any`) into a Value tree.
func FromAny(a any) Value {
	switch t := a.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case float64:
		return Number(t)
	case int:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case string:
		return String(t)
	case []any:
		items := make([]Value, len(t))
		for i, e := range t {
			items[i] = FromAny(e)
		}
		return Sequence(items)
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			m[k] = FromAny(e)
		}
		return Mapping(m)
	case map[any]any: // gopkg.in/yaml.v3 decodes mapping keys as any in some modes
		m := make(map[string]Value, len(t))
		for k, e := range t {
			m[fmt.Sprintf("%v", k)] = FromAny(e)
		}
		return Mapping(m)
	default:
		return String(fmt.Sprintf("%v", t))
	}
}

// ToAny converts a Value back into a generic Go value suitable for
// encoding/json.Marshal or for handing to a provider.
func (v Value) ToAny() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindSequence:
		out := make([]any, len(v.seq))
		for i, e := range v.seq {
			out[i] = e.ToAny()
		}
		return out
	case KindMapping:
		out := make(map[string]any, len(v.m))
		for k, e := range v.m {
			out[k] = e.ToAny()
		}
		return out
	default:
		return nil
	}
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.ToAny())
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	decoded, err := FromJSON(data)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

// Lexical renders a scalar Value in its compact lexical form for text
// splicing (spec §4.3 case 2: "text plus one or more tokens"). Complex
// values (sequence/mapping) render as compact JSON.
func (v Value) Lexical() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		if v.b {
			return "true"
		}
		return "false"
	case KindNumber:
		return strconv.FormatFloat(v.n, 'g', -1, 64)
	case KindString:
		return v.s
	default:
		raw, err := json.Marshal(v.ToAny())
		if err != nil {
			return ""
		}
		return string(raw)
	}
}
