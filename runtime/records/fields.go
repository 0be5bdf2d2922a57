package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrFieldMissing is returned by the typed accessors when a field is absent.
	ErrFieldMissing = errors.New("field missing")
	// ErrFieldType is returned when a field holds a different kind of value.
	ErrFieldType = errors.New("field has unexpected type")
)

// FieldError names the field a typed accessor failed on.
type FieldError struct {
	Field string
	Want  Kind
	Got   Kind
	Err   error
}

func (e *FieldError) Error() string {
	if errors.Is(e.Err, ErrFieldType) {
		return fmt.Sprintf("field %q: expected %s, got %s", e.Field, e.Want, e.Got)
	}
	return fmt.Sprintf("field %q: %v", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// Kind enumerates the value types a record field can hold.
type Kind string

const (
	KindFloat  Kind = "float"
	KindInt    Kind = "int"
	KindString Kind = "string"
	KindAsset  Kind = "asset"
	KindTime   Kind = "time"
)

// Value is a single typed field value.
type Value struct {
	kind Kind
	num  float64
	i    int64
	str  string
	t    time.Time
}

// FloatValue wraps a floating point number.
func FloatValue(v float64) Value { return Value{kind: KindFloat, num: v} }

// IntValue wraps an integer.
func IntValue(v int64) Value { return Value{kind: KindInt, i: v} }

// StringValue wraps a string.
func StringValue(v string) Value { return Value{kind: KindString, str: v} }

// AssetValue wraps an asset reference.
func AssetValue(ref AssetReference) Value { return Value{kind: KindAsset, str: ref.ID} }

// TimeValue wraps a timestamp. Timestamps travel with millisecond precision.
func TimeValue(v time.Time) Value { return Value{kind: KindTime, t: v.UTC().Truncate(time.Millisecond)} }

// Kind returns the type tag of the value.
func (v Value) Kind() Kind { return v.kind }

// Equal reports whether both values carry the same kind and content.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindFloat:
		return v.num == o.num || (math.IsNaN(v.num) && math.IsNaN(o.num))
	case KindInt:
		return v.i == o.i
	case KindString, KindAsset:
		return v.str == o.str
	case KindTime:
		return v.t.Equal(o.t)
	default:
		return true
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindFloat:
		return fmt.Sprintf("%g", v.num)
	case KindInt:
		return fmt.Sprintf("%d", v.i)
	case KindString, KindAsset:
		return v.str
	case KindTime:
		return v.t.Format(time.RFC3339Nano)
	default:
		return ""
	}
}

type wireValue struct {
	Kind  Kind            `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes the value as {"kind": ..., "value": ...}.
func (v Value) MarshalJSON() ([]byte, error) {
	var (
		raw []byte
		err error
	)
	switch v.kind {
	case KindFloat:
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			return nil, fmt.Errorf("records: float value %v is not representable", v.num)
		}
		raw, err = json.Marshal(v.num)
	case KindInt:
		raw, err = json.Marshal(v.i)
	case KindString, KindAsset:
		raw, err = json.Marshal(v.str)
	case KindTime:
		raw, err = json.Marshal(v.t.UnixMilli())
	default:
		return nil, fmt.Errorf("records: cannot encode value of kind %q", v.kind)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireValue{Kind: v.kind, Value: raw})
}

// UnmarshalJSON decodes the representation produced by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if len(w.Value) == 0 {
		return fmt.Errorf("records: value of kind %q has no content", w.Kind)
	}
	switch w.Kind {
	case KindFloat:
		var f float64
		if err := json.Unmarshal(w.Value, &f); err != nil {
			return err
		}
		*v = FloatValue(f)
	case KindInt:
		var i int64
		if err := json.Unmarshal(w.Value, &i); err != nil {
			return err
		}
		*v = IntValue(i)
	case KindString:
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return err
		}
		*v = StringValue(s)
	case KindAsset:
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return err
		}
		*v = AssetValue(AssetReference{ID: s})
	case KindTime:
		var ms int64
		if err := json.Unmarshal(w.Value, &ms); err != nil {
			return err
		}
		*v = TimeValue(time.UnixMilli(ms))
	default:
		return fmt.Errorf("records: unknown value kind %q", w.Kind)
	}
	return nil
}

// Fields maps field names to typed values.
type Fields map[string]Value

// Equal reports whether both field sets hold the same names and values.
func (f Fields) Equal(o Fields) bool {
	if len(f) != len(o) {
		return false
	}
	for name, v := range f {
		ov, ok := o[name]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Clone returns a shallow copy of the field set.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

func (f Fields) lookup(name string, want Kind) (Value, error) {
	v, ok := f[name]
	if !ok {
		return Value{}, &FieldError{Field: name, Want: want, Err: ErrFieldMissing}
	}
	if v.kind != want {
		return Value{}, &FieldError{Field: name, Want: want, Got: v.kind, Err: ErrFieldType}
	}
	return v, nil
}

// Float returns the named float field.
func (f Fields) Float(name string) (float64, error) {
	v, err := f.lookup(name, KindFloat)
	return v.num, err
}

// Int returns the named integer field.
func (f Fields) Int(name string) (int64, error) {
	v, err := f.lookup(name, KindInt)
	return v.i, err
}

// Text returns the named string field.
func (f Fields) Text(name string) (string, error) {
	v, err := f.lookup(name, KindString)
	return v.str, err
}

// Asset returns the named asset reference field.
func (f Fields) Asset(name string) (AssetReference, error) {
	v, err := f.lookup(name, KindAsset)
	return AssetReference{ID: v.str}, err
}

// Time returns the named timestamp field.
func (f Fields) Time(name string) (time.Time, error) {
	v, err := f.lookup(name, KindTime)
	return v.t, err
}
