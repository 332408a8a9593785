package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestID is a JSON-RPC id: a string, an integer or (rarely) a fractional
// number. The zero value and a nil pointer both stand for the null id.
type RequestID struct {
	value any // string, int64 or float64
}

// NewRequestID wraps a string or any Go integer or float. Other types give
// the null id.
func NewRequestID(v any) *RequestID {
	switch v := v.(type) {
	case string, int64, float64:
		return &RequestID{value: v}
	case float32:
		return &RequestID{value: float64(v)}
	case int:
		return &RequestID{value: int64(v)}
	case int32:
		return &RequestID{value: int64(v)}
	case uint32:
		return &RequestID{value: int64(v)}
	case uint64:
		return &RequestID{value: int64(v)}
	default:
		return &RequestID{}
	}
}

// String renders the id for logs. The string "5" and the number 5 render
// alike; use Key to tell them apart.
func (id *RequestID) String() string {
	switch v := id.Value().(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return ""
	}
}

// Key is the id's canonical JSON text, distinct for "5" and 5.
func (id *RequestID) Key() string {
	b, _ := id.MarshalJSON()
	return string(b)
}

// Int64 reports the id's value when it is an integer.
func (id *RequestID) Int64() (int64, bool) {
	v, ok := id.Value().(int64)
	return v, ok
}

func (id *RequestID) Value() any {
	if id == nil {
		return nil
	}
	return id.value
}

func (id *RequestID) IsNil() bool {
	return id.Value() == nil
}

func (id *RequestID) MarshalJSON() ([]byte, error) {
	switch v := id.Value().(type) {
	case nil:
		return []byte("null"), nil
	case int64:
		return strconv.AppendInt(nil, v, 10), nil
	default:
		return json.Marshal(v)
	}
}

func (id *RequestID) UnmarshalJSON(data []byte) error {
	var v any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("invalid JSON-RPC id: %w", err)
	}
	switch v := v.(type) {
	case string:
		id.value = v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			id.value = n
		} else if f, err := v.Float64(); err == nil {
			id.value = f
		} else {
			return fmt.Errorf("JSON-RPC id out of range: %s", v)
		}
	case nil:
		id.value = nil
	default:
		return fmt.Errorf("JSON-RPC id must be a string or number, got: %s", data)
	}
	return nil
}
