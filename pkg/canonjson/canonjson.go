// Package canonjson renders JSON in a canonical form suitable for hashing
// and signing: object keys sorted lexicographically, ASCII-only output,
// no insignificant whitespace, and NaN/Infinity rejected.
//
// The canonical form is stable: Canonicalize(Canonicalize(x)) == Canonicalize(x).
// Signed payloads and plan hashes depend on this byte-level stability, so the
// encoder is deliberately self-contained.
package canonjson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"unicode/utf16"
)

// Marshal encodes v as canonical JSON.
func Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonjson: %w", err)
	}
	return Canonicalize(data)
}

// Canonicalize re-encodes a JSON document in canonical form.
// Numbers are preserved token-for-token, so the operation is idempotent.
func Canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonjson: invalid JSON: %w", err)
	}
	// Reject trailing garbage after the first document.
	if dec.More() {
		return nil, fmt.Errorf("canonjson: trailing data after JSON document")
	}

	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(val.String())
	case string:
		encodeString(buf, val)
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeValue(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodeString(buf, k)
			buf.WriteByte(':')
			if err := encodeValue(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonjson: unsupported value type %T", v)
	}
	return nil
}

const hexDigits = "0123456789abcdef"

// encodeString writes s as a JSON string with ASCII-safe escaping: control
// characters and everything above U+007F become \uXXXX sequences.
func encodeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			switch {
			case r < 0x20:
				writeEscaped(buf, uint16(r))
			case r < 0x80:
				buf.WriteByte(byte(r))
			case r <= 0xFFFF:
				writeEscaped(buf, uint16(r))
			default:
				hi, lo := utf16.EncodeRune(r)
				writeEscaped(buf, uint16(hi))
				writeEscaped(buf, uint16(lo))
			}
		}
	}
	buf.WriteByte('"')
}

func writeEscaped(buf *bytes.Buffer, u uint16) {
	buf.WriteString(`\u`)
	buf.WriteByte(hexDigits[(u>>12)&0xf])
	buf.WriteByte(hexDigits[(u>>8)&0xf])
	buf.WriteByte(hexDigits[(u>>4)&0xf])
	buf.WriteByte(hexDigits[u&0xf])
}
