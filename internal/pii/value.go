// Package pii redacts personally identifiable fields from nested payloads.
package pii

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Kind is the shape of a Value.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindArray
	KindObject
)

// Field is one key of an object value.
type Field struct {
	Key   string
	Value Value
}

// Value is a small tagged tree covering everything a JSON document can hold.
// Object fields keep a stable (sorted) key order.
type Value struct {
	kind   Kind
	str    string
	num    json.Number
	boolv  bool
	items  []Value
	fields []Field
}

// Null returns the null value.
func Null() Value { return Value{kind: KindNull} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number returns a numeric value.
func Number(n json.Number) Value { return Value{kind: KindNumber, num: n} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, boolv: b} }

// Array returns an array value.
func Array(items ...Value) Value { return Value{kind: KindArray, items: items} }

// Object returns an object value.
func Object(fields ...Field) Value { return Value{kind: KindObject, fields: fields} }

// Kind reports the value's shape.
func (v Value) Kind() Kind { return v.kind }

// Items returns the elements of an array value.
func (v Value) Items() []Value { return v.items }

// Fields returns the fields of an object value.
func (v Value) Fields() []Field { return v.fields }

// Get returns the value stored under key in an object.
func (v Value) Get(key string) (Value, bool) {
	for _, f := range v.fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return Value{}, false
}

// Text returns the scalar's string form. Composite values render as JSON.
func (v Value) Text() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num.String()
	case KindBool:
		return strconv.FormatBool(v.boolv)
	case KindNull:
		return ""
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

// IsEmpty reports whether the value is null, zero or has no content.
func (v Value) IsEmpty() bool {
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == ""
	case KindNumber:
		f, err := v.num.Float64()
		return err == nil && f == 0
	case KindBool:
		return !v.boolv
	case KindArray:
		return len(v.items) == 0
	default:
		return len(v.fields) == 0
	}
}

// FromAny converts decoded JSON or plain Go values into a Value. Types it does
// not know are converted through their JSON encoding.
func FromAny(x any) Value {
	switch t := x.(type) {
	case nil:
		return Null()
	case Value:
		return t
	case string:
		return String(t)
	case bool:
		return Bool(t)
	case json.Number:
		return Number(t)
	case float64:
		return Number(json.Number(strconv.FormatFloat(t, 'f', -1, 64)))
	case float32:
		return Number(json.Number(strconv.FormatFloat(float64(t), 'f', -1, 32)))
	case int:
		return Number(json.Number(strconv.Itoa(t)))
	case int64:
		return Number(json.Number(strconv.FormatInt(t, 10)))
	case int32:
		return Number(json.Number(strconv.FormatInt(int64(t), 10)))
	case uint64:
		return Number(json.Number(strconv.FormatUint(t, 10)))
	case []any:
		items := make([]Value, len(t))
		for i, e := range t {
			items[i] = FromAny(e)
		}
		return Array(items...)
	case []string:
		items := make([]Value, len(t))
		for i, e := range t {
			items[i] = String(e)
		}
		return Array(items...)
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fields := make([]Field, len(keys))
		for i, k := range keys {
			fields[i] = Field{Key: k, Value: FromAny(t[k])}
		}
		return Object(fields...)
	case map[string]string:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = e
		}
		return FromAny(m)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return String(fmt.Sprint(t))
		}
		var v Value
		if err := v.UnmarshalJSON(b); err != nil {
			return String(string(b))
		}
		return v
	}
}

// Any converts the value back to plain Go values (map[string]any, []any,
// string, json.Number, bool, nil).
func (v Value) Any() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.boolv
	case KindArray:
		out := make([]any, len(v.items))
		for i, e := range v.items {
			out[i] = e.Any()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.fields))
		for _, f := range v.fields {
			out[f.Key] = f.Value.Any()
		}
		return out
	default:
		return nil
	}
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		if v.num == "" {
			return []byte("0"), nil
		}
		return []byte(v.num), nil
	case KindBool:
		return json.Marshal(v.boolv)
	case KindArray:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, e := range v.items {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := e.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case KindObject:
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, f := range v.fields {
			if i > 0 {
				buf.WriteByte(',')
			}
			k, _ := json.Marshal(f.Key)
			buf.Write(k)
			buf.WriteByte(':')
			b, err := f.Value.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON implements json.Unmarshaler. Numbers keep their literal text.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var x any
	if err := dec.Decode(&x); err != nil {
		return err
	}
	*v = FromAny(x)
	return nil
}
