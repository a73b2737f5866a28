// Package canonical produces the deterministic byte encoding that every
// payload hash and signature in the node is computed over.
//
// The encoding is JSON with object keys sorted by code point, no insignificant
// whitespace, and non-ASCII text written as raw UTF-8. Only '"', '\' and
// control characters below U+0020 are escaped. Integral numbers are written as
// base-10 integers of arbitrary size; floating-point values are written in
// their shortest round-trip form with a mandatory fractional part ("1500.0"),
// switching to exponent notation ("1e+16", "1e-05") outside [1e-4, 1e16).
// This matches the output of the federation's other node implementations, so
// signatures produced by either side verify on both.
package canonical

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// maxDepth bounds nesting. Cyclic values hit it instead of recursing forever.
const maxDepth = 512

// EncodingError reports a value that has no canonical encoding.
type EncodingError struct {
	Path   string
	Reason string
}

func (e *EncodingError) Error() string {
	if e.Path == "" {
		return "canonical: " + e.Reason
	}
	return fmt.Sprintf("canonical: %s at %s", e.Reason, e.Path)
}

// Valuer is implemented by types that expose a plain JSON-shaped value
// (maps, slices, strings, numbers, bools, nil) as their canonical form.
type Valuer interface {
	CanonicalValue() any
}

// Marshal returns the canonical encoding of v.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v, "$", 0); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Parse decodes a single JSON document, keeping numbers as json.Number so
// integers of any size survive re-encoding. Trailing content is an error.
func Parse(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("parse json: trailing data after document")
	}
	return v, nil
}

// Canonicalize re-encodes a JSON document in canonical form.
func Canonicalize(data []byte) ([]byte, error) {
	v, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return Marshal(v)
}

func encode(buf *bytes.Buffer, v any, path string, depth int) error {
	if depth > maxDepth {
		return &EncodingError{Path: path, Reason: "nesting too deep or cyclic value"}
	}

	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case Valuer:
		if isNilPointer(x) {
			buf.WriteString("null")
			return nil
		}
		return encode(buf, x.CanonicalValue(), path, depth+1)
	case bool:
		if x {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case string:
		return writeString(buf, x, path)
	case json.Number:
		return writeNumber(buf, string(x), path)
	case json.RawMessage:
		parsed, err := Parse(x)
		if err != nil {
			return &EncodingError{Path: path, Reason: err.Error()}
		}
		return encode(buf, parsed, path, depth+1)
	case float64:
		return writeFloat(buf, x, 64, path)
	case float32:
		return writeFloat(buf, float64(x), 32, path)
	case int:
		buf.WriteString(strconv.FormatInt(int64(x), 10))
		return nil
	case int64:
		buf.WriteString(strconv.FormatInt(x, 10))
		return nil
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, k, path); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := encode(buf, x[k], path+"."+k, depth+1); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, el := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, el, path+"["+strconv.Itoa(i)+"]", depth+1); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	}

	return encodeReflect(buf, reflect.ValueOf(v), path, depth)
}

func encodeReflect(buf *bytes.Buffer, rv reflect.Value, path string, depth int) error {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			buf.WriteString("null")
			return nil
		}
		return encode(buf, rv.Elem().Interface(), path, depth+1)
	case reflect.Bool:
		return encode(buf, rv.Bool(), path, depth)
	case reflect.String:
		return writeString(buf, rv.String(), path)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		buf.WriteString(strconv.FormatInt(rv.Int(), 10))
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		buf.WriteString(strconv.FormatUint(rv.Uint(), 10))
		return nil
	case reflect.Float32:
		return writeFloat(buf, rv.Float(), 32, path)
	case reflect.Float64:
		return writeFloat(buf, rv.Float(), 64, path)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return &EncodingError{Path: path, Reason: "map key type " + rv.Type().Key().String() + " is not a string"}
		}
		if rv.IsNil() {
			buf.WriteString("null")
			return nil
		}
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return encode(buf, m, path, depth+1)
	case reflect.Slice:
		if rv.IsNil() {
			buf.WriteString("null")
			return nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			// Byte slices follow encoding/json: a base64 string.
			return viaJSON(buf, rv.Interface(), path, depth)
		}
		fallthrough
	case reflect.Array:
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		return encode(buf, items, path, depth+1)
	case reflect.Struct:
		return viaJSON(buf, rv.Interface(), path, depth)
	default:
		return &EncodingError{Path: path, Reason: "unsupported type " + rv.Type().String()}
	}
}

// viaJSON encodes v with encoding/json, honouring struct tags and custom
// marshalers, then re-encodes the result canonically.
func viaJSON(buf *bytes.Buffer, v any, path string, depth int) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return &EncodingError{Path: path, Reason: err.Error()}
	}
	parsed, err := Parse(raw)
	if err != nil {
		return &EncodingError{Path: path, Reason: err.Error()}
	}
	return encode(buf, parsed, path, depth+1)
}

func isNilPointer(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}

func writeString(buf *bytes.Buffer, s, path string) error {
	if !utf8.ValidString(s) {
		return &EncodingError{Path: path, Reason: "invalid UTF-8 in string"}
	}
	buf.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			buf.WriteString(`\"`)
		case c == '\\':
			buf.WriteString(`\\`)
		case c == '\b':
			buf.WriteString(`\b`)
		case c == '\f':
			buf.WriteString(`\f`)
		case c == '\n':
			buf.WriteString(`\n`)
		case c == '\r':
			buf.WriteString(`\r`)
		case c == '\t':
			buf.WriteString(`\t`)
		case c < 0x20:
			fmt.Fprintf(buf, `\u%04x`, c)
		default:
			buf.WriteByte(c)
		}
	}
	buf.WriteByte('"')
	return nil
}

// writeNumber renders a JSON number literal. Literals without a fraction or
// exponent are integers and keep every digit; anything else is a float.
func writeNumber(buf *bytes.Buffer, lit, path string) error {
	if lit == "" {
		return &EncodingError{Path: path, Reason: "empty number"}
	}
	if !strings.ContainsAny(lit, ".eE") {
		n, ok := new(big.Int).SetString(lit, 10)
		if !ok {
			return &EncodingError{Path: path, Reason: "invalid integer " + strconv.Quote(lit)}
		}
		buf.WriteString(n.String())
		return nil
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return &EncodingError{Path: path, Reason: "number out of range " + strconv.Quote(lit)}
	}
	return writeFloat(buf, f, 64, path)
}

func writeFloat(buf *bytes.Buffer, f float64, bits int, path string) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return &EncodingError{Path: path, Reason: "NaN and infinite numbers are not representable"}
	}
	buf.WriteString(FormatFloat(f, bits))
	return nil
}

// FormatFloat returns the canonical text of a finite float.
func FormatFloat(f float64, bits int) string {
	sci := strconv.FormatFloat(f, 'e', -1, bits)
	exp, _ := strconv.Atoi(sci[strings.IndexByte(sci, 'e')+1:])
	if f != 0 && (exp < -4 || exp >= 16) {
		return sci
	}
	s := strconv.FormatFloat(f, 'f', -1, bits)
	if !strings.ContainsRune(s, '.') {
		s += ".0"
	}
	return s
}
