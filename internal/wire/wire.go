// Package wire provides accessors over raw JSON request/response bodies.
// The proxy never maps upstream payloads onto structs: bodies are kept as
// decoded maps so unknown fields and content blocks survive passthrough
// untouched. All lookups go through explicit typed accessors.
package wire

import "encoding/json"

// Obj is a decoded JSON object.
type Obj map[string]any

// AsObj converts a decoded JSON value to an Obj.
func AsObj(v any) (Obj, bool) {
	switch m := v.(type) {
	case Obj:
		return m, true
	case map[string]any:
		return Obj(m), true
	default:
		return nil, false
	}
}

// Decode parses raw JSON bytes into an Obj.
func Decode(data []byte) (Obj, error) {
	var o Obj
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, err
	}
	return o, nil
}

// Str returns a string field.
func (o Obj) Str(key string) (string, bool) {
	v, ok := o[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// StrOr returns a string field or a default.
func (o Obj) StrOr(key, def string) string {
	if s, ok := o.Str(key); ok {
		return s
	}
	return def
}

// Bool returns a boolean field.
func (o Obj) Bool(key string) (bool, bool) {
	v, ok := o[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// BoolOr returns a boolean field or a default.
func (o Obj) BoolOr(key string, def bool) bool {
	if b, ok := o.Bool(key); ok {
		return b
	}
	return def
}

// Int returns a numeric field as an int. JSON numbers decode as float64;
// integer-typed values are accepted too so synthetic bodies built in code
// round-trip.
func (o Obj) Int(key string) (int, bool) {
	v, ok := o[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// IntOr returns a numeric field or a default.
func (o Obj) IntOr(key string, def int) int {
	if n, ok := o.Int(key); ok {
		return n
	}
	return def
}

// Map returns an object-valued field.
func (o Obj) Map(key string) (Obj, bool) {
	v, ok := o[key]
	if !ok {
		return nil, false
	}
	return AsObj(v)
}

// List returns a list-valued field.
func (o Obj) List(key string) ([]any, bool) {
	v, ok := o[key]
	if !ok {
		return nil, false
	}
	l, ok := v.([]any)
	return l, ok
}

// Messages returns the body's messages list with non-object entries dropped.
func (o Obj) Messages() []Obj {
	raw, _ := o.List("messages")
	msgs := make([]Obj, 0, len(raw))
	for _, v := range raw {
		if m, ok := AsObj(v); ok {
			msgs = append(msgs, m)
		}
	}
	return msgs
}

// DeepCopy clones an Obj through a JSON round trip. Wire bodies are always
// JSON-derived, so the round trip is lossless; on a marshal failure the
// original is returned.
func DeepCopy(o Obj) Obj {
	b, err := json.Marshal(o)
	if err != nil {
		return o
	}
	var out Obj
	if err := json.Unmarshal(b, &out); err != nil {
		return o
	}
	return out
}

// ErrorBody builds the JSON error payload shape used for proxy-originated
// errors (invalid_request, proxy_error).
func ErrorBody(errType, message string) Obj {
	return Obj{
		"error": Obj{
			"type":    errType,
			"message": message,
		},
	}
}
