// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package redact removes sensitive content from outbound JSON payloads.
//
// Bodies are parsed into a Value tree that keeps object member order, every
// string leaf is passed to a Detector, and detected ranges are replaced with
// a labelled placeholder such as "[REDACTED:email]". A body with nothing to
// redact is returned byte-for-byte unchanged.
package redact

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// maxDepth bounds nesting so hostile payloads cannot exhaust the stack.
const maxDepth = 1000

// ErrTooDeep is returned when a document nests deeper than the parser allows.
var ErrTooDeep = errors.New("redact: JSON nesting too deep")

// Kind identifies which field of a Value is populated.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// String returns the JSON type name.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Member is one key/value pair of an object, in document order.
type Member struct {
	Key   string
	Value *Value
}

// Value is a JSON value as a tagged union.
//
// Description:
//
//	Exactly one payload field is meaningful, selected by Kind. Numbers keep
//	their original text so that re-encoding never changes precision.
//	Objects are an ordered member list, which also preserves duplicate keys.
type Value struct {
	Kind   Kind
	Bool   bool
	Number json.Number
	Str    string
	Array  []*Value
	Object []Member
}

// Parse decodes a single JSON document into a Value tree.
//
// Inputs:
//   - data: The JSON text. Trailing non-whitespace is an error.
//
// Outputs:
//   - *Value: The root value.
//   - error: Non-nil on malformed input or excessive nesting.
func Parse(data []byte) (*Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	v, err := parseValue(dec, 0)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		if err == nil {
			return nil, errors.New("redact: trailing data after JSON value")
		}
		return nil, fmt.Errorf("redact: trailing data after JSON value: %w", err)
	}
	return v, nil
}

func parseValue(dec *json.Decoder, depth int) (*Value, error) {
	if depth > maxDepth {
		return nil, ErrTooDeep
	}
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("redact: reading token: %w", err)
	}
	switch t := tok.(type) {
	case nil:
		return &Value{Kind: KindNull}, nil
	case bool:
		return &Value{Kind: KindBool, Bool: t}, nil
	case json.Number:
		return &Value{Kind: KindNumber, Number: t}, nil
	case string:
		return &Value{Kind: KindString, Str: t}, nil
	case json.Delim:
		switch t {
		case '[':
			v := &Value{Kind: KindArray, Array: []*Value{}}
			for dec.More() {
				elem, err := parseValue(dec, depth+1)
				if err != nil {
					return nil, err
				}
				v.Array = append(v.Array, elem)
			}
			if _, err := dec.Token(); err != nil {
				return nil, fmt.Errorf("redact: closing array: %w", err)
			}
			return v, nil
		case '{':
			v := &Value{Kind: KindObject, Object: []Member{}}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, fmt.Errorf("redact: reading object key: %w", err)
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("redact: object key is %T", keyTok)
				}
				elem, err := parseValue(dec, depth+1)
				if err != nil {
					return nil, err
				}
				v.Object = append(v.Object, Member{Key: key, Value: elem})
			}
			if _, err := dec.Token(); err != nil {
				return nil, fmt.Errorf("redact: closing object: %w", err)
			}
			return v, nil
		}
	}
	return nil, fmt.Errorf("redact: unexpected token %v", tok)
}

// Encode serializes the tree as compact JSON. HTML characters are not
// escaped so that text round-trips as the sender wrote it.
func (v *Value) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := v.encode(&buf, enc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v *Value) encode(buf *bytes.Buffer, enc *json.Encoder) error {
	if v == nil {
		buf.WriteString("null")
		return nil
	}
	switch v.Kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		if v.Bool {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case KindNumber:
		buf.WriteString(v.Number.String())
	case KindString:
		return writeString(buf, enc, v.Str)
	case KindArray:
		buf.WriteByte('[')
		for i, elem := range v.Array {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := elem.encode(buf, enc); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindObject:
		buf.WriteByte('{')
		for i, m := range v.Object {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, enc, m.Key); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := m.Value.encode(buf, enc); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("redact: cannot encode %v", v.Kind)
	}
	return nil
}

// writeString appends a quoted JSON string. The encoder terminates every
// value with a newline, which is trimmed.
func writeString(buf *bytes.Buffer, enc *json.Encoder, s string) error {
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("redact: encoding string: %w", err)
	}
	buf.Truncate(buf.Len() - 1)
	return nil
}

// MapStrings replaces every string leaf with fn(leaf). Object keys are left
// alone. It reports whether any leaf changed.
func (v *Value) MapStrings(fn func(string) (string, bool)) bool {
	if v == nil {
		return false
	}
	changed := false
	switch v.Kind {
	case KindString:
		if out, ok := fn(v.Str); ok {
			v.Str = out
			changed = true
		}
	case KindArray:
		for _, elem := range v.Array {
			if elem.MapStrings(fn) {
				changed = true
			}
		}
	case KindObject:
		for _, m := range v.Object {
			if m.Value.MapStrings(fn) {
				changed = true
			}
		}
	}
	return changed
}
