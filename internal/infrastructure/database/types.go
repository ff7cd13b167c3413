package database

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONMap is a map column stored as a JSON object.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshalling json map: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	data, err := textBytes(src)
	if err != nil || len(data) == 0 {
		*m = JSONMap{}
		return err
	}
	out := JSONMap{}
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("unmarshalling json map: %w", err)
	}
	*m = out
	return nil
}

// StringList is a string slice column stored as a JSON array.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, fmt.Errorf("marshalling string list: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	data, err := textBytes(src)
	if err != nil || len(data) == 0 {
		*l = StringList{}
		return err
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("unmarshalling string list: %w", err)
	}
	*l = out
	return nil
}

// JSONValue is an arbitrary JSON document column. A nil Raw stores SQL NULL.
type JSONValue struct {
	Raw json.RawMessage
}

// NewJSONValue marshals v into a JSONValue.
func NewJSONValue(v any) (JSONValue, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return JSONValue{}, fmt.Errorf("marshalling json value: %w", err)
	}
	return JSONValue{Raw: b}, nil
}

// Decode unmarshals the stored document into a generic Go value.
func (v JSONValue) Decode() (any, error) {
	if len(v.Raw) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(v.Raw, &out); err != nil {
		return nil, fmt.Errorf("decoding json value: %w", err)
	}
	return out, nil
}

// Value implements driver.Valuer.
func (v JSONValue) Value() (driver.Value, error) {
	if len(v.Raw) == 0 {
		return nil, nil
	}
	return string(v.Raw), nil
}

// Scan implements sql.Scanner.
func (v *JSONValue) Scan(src any) error {
	data, err := textBytes(src)
	if err != nil {
		return err
	}
	if data == nil {
		v.Raw = nil
		return nil
	}
	v.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON emits the stored document, or null.
func (v JSONValue) MarshalJSON() ([]byte, error) {
	if len(v.Raw) == 0 {
		return []byte("null"), nil
	}
	return v.Raw, nil
}

// UnmarshalJSON stores the raw document.
func (v *JSONValue) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		v.Raw = nil
		return nil
	}
	v.Raw = append(json.RawMessage(nil), data...)
	return nil
}

func textBytes(src any) ([]byte, error) {
	switch s := src.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(s), nil
	case []byte:
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported column type %T", src)
	}
}

// PartitionMonth returns the YYYY-MM retention bucket for t (in UTC).
func PartitionMonth(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// UTC normalises t for storage. All timestamps are stored in UTC so
// lexical comparison in SQL matches chronological order.
func UTC(t time.Time) time.Time {
	return t.UTC()
}

// UTCPtr normalises an optional timestamp.
func UTCPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
