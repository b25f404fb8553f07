// Package bencode implements a canonical encoder/decoder for the bencode
// value language used on the wire inside KRPC messages: integers, byte
// strings, lists, and byte-string-keyed dictionaries.
//
// Encoding always emits dictionary keys in lexicographic order. Decoding
// rejects any dictionary whose keys are not strictly increasing, and any
// dictionary with a duplicate key — there is no silent repair of
// non-canonical input.
package bencode

import (
	"bytes"
	"fmt"
	"sort"
)

// Kind classifies a BencodeError.
type Kind int

const (
	ErrEmptyInput Kind = iota
	ErrTruncated
	ErrBadLength
	ErrBadTerminator
	ErrDuplicateKey
	ErrKeyOrder
	ErrBadKeyType
	ErrUnsupportedType
)

// BencodeError is returned for any malformed input or unencodable value.
type BencodeError struct {
	Kind Kind
	Msg  string
}

func (e *BencodeError) Error() string { return "bencode: " + e.Msg }

func newErr(k Kind, format string, args ...interface{}) *BencodeError {
	return &BencodeError{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

// Value is the sum type of all bencodeable values.
//
// Exactly one of the typed accessors applies to a given Value; callers
// switch on the concrete Go type (Int, Bytes, List, Dict).
type Value interface {
	isValue()
}

type Int int64

func (Int) isValue() {}

type Bytes []byte

func (Bytes) isValue() {}

type List []Value

func (List) isValue() {}

type Dict map[string]Value

func (Dict) isValue() {}

// Encode serializes v in canonical form.
func Encode(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encode(buf *bytes.Buffer, v Value) error {
	switch t := v.(type) {
	case Int:
		fmt.Fprintf(buf, "i%de", int64(t))
	case Bytes:
		fmt.Fprintf(buf, "%d:", len(t))
		buf.Write(t)
	case List:
		buf.WriteByte('l')
		for _, item := range t {
			if err := encode(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte('e')
	case Dict:
		buf.WriteByte('d')
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := encode(buf, Bytes(k)); err != nil {
				return err
			}
			if err := encode(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('e')
	default:
		return newErr(ErrUnsupportedType, "unsupported value %T", v)
	}
	return nil
}

// Decode parses exactly one value from the front of b and returns it along
// with the unconsumed remainder.
func Decode(b []byte) (Value, []byte, error) {
	if len(b) == 0 {
		return nil, nil, newErr(ErrEmptyInput, "empty input")
	}
	return decode(b)
}

func decode(b []byte) (Value, []byte, error) {
	if len(b) == 0 {
		return nil, nil, newErr(ErrTruncated, "truncated input")
	}
	switch {
	case b[0] == 'i':
		return decodeInt(b)
	case b[0] == 'l':
		return decodeList(b)
	case b[0] == 'd':
		return decodeDict(b)
	case b[0] >= '0' && b[0] <= '9':
		return decodeBytes(b)
	default:
		return nil, nil, newErr(ErrBadTerminator, "unexpected byte %q", b[0])
	}
}

func decodeInt(b []byte) (Value, []byte, error) {
	end := bytes.IndexByte(b, 'e')
	if end < 0 {
		return nil, nil, newErr(ErrTruncated, "unterminated integer")
	}
	digits := b[1:end]
	if len(digits) == 0 {
		return nil, nil, newErr(ErrBadLength, "empty integer")
	}
	neg := false
	if digits[0] == '-' {
		neg = true
		digits = digits[1:]
	}
	if len(digits) == 0 || (len(digits) > 1 && digits[0] == '0') {
		return nil, nil, newErr(ErrBadLength, "malformed integer")
	}
	var n int64
	for _, c := range digits {
		if c < '0' || c > '9' {
			return nil, nil, newErr(ErrBadLength, "non-digit in integer")
		}
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}
	return Int(n), b[end+1:], nil
}

func decodeBytes(b []byte) (Value, []byte, error) {
	colon := bytes.IndexByte(b, ':')
	if colon < 0 {
		return nil, nil, newErr(ErrBadLength, "missing length terminator")
	}
	lenDigits := b[:colon]
	if len(lenDigits) == 0 || (len(lenDigits) > 1 && lenDigits[0] == '0') {
		return nil, nil, newErr(ErrBadLength, "malformed string length")
	}
	var n int
	for _, c := range lenDigits {
		if c < '0' || c > '9' {
			return nil, nil, newErr(ErrBadLength, "non-digit in string length")
		}
		n = n*10 + int(c-'0')
	}
	rest := b[colon+1:]
	if len(rest) < n {
		return nil, nil, newErr(ErrTruncated, "string shorter than declared length")
	}
	out := make([]byte, n)
	copy(out, rest[:n])
	return Bytes(out), rest[n:], nil
}

func decodeList(b []byte) (Value, []byte, error) {
	rest := b[1:]
	var out List
	for {
		if len(rest) == 0 {
			return nil, nil, newErr(ErrTruncated, "unterminated list")
		}
		if rest[0] == 'e' {
			return out, rest[1:], nil
		}
		v, r, err := decode(rest)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, v)
		rest = r
	}
}

func decodeDict(b []byte) (Value, []byte, error) {
	rest := b[1:]
	out := make(Dict)
	lastKey := ""
	first := true
	for {
		if len(rest) == 0 {
			return nil, nil, newErr(ErrTruncated, "unterminated dict")
		}
		if rest[0] == 'e' {
			return out, rest[1:], nil
		}
		kv, r, err := decode(rest)
		if err != nil {
			return nil, nil, err
		}
		keyBytes, ok := kv.(Bytes)
		if !ok {
			return nil, nil, newErr(ErrBadKeyType, "dict key must be a byte string")
		}
		key := string(keyBytes)
		if !first {
			if key == lastKey {
				return nil, nil, newErr(ErrDuplicateKey, "duplicate key %q", key)
			}
			if key < lastKey {
				return nil, nil, newErr(ErrKeyOrder, "non-canonical key order at %q", key)
			}
		}
		first = false
		lastKey = key
		rest = r
		v, r2, err := decode(rest)
		if err != nil {
			return nil, nil, err
		}
		out[key] = v
		rest = r2
	}
}
