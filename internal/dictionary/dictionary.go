// Package dictionary implements the typed key/value bag used throughout the
// daemon for session parameters, UI payloads, and method-specific cached
// blobs. It plays the role the teacher's runtime.Identity attribute map
// plays for consumer identities: a small closed set of value kinds with a
// stable, order-independent binary encoding so it can be persisted verbatim
// as a MethodBlob.
package dictionary

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// Kind identifies the type of value stored under a key.
type Kind uint8

const (
	KindString Kind = iota
	KindBool
	KindInt32
	KindUint32
	KindInt64
	KindUint64
	KindStringArray
	KindDictionary
)

// Value is a single typed entry. Zero Value is an empty string, matching the
// original dictionary's ease of use with unset optional fields.
type Value struct {
	kind Kind
	s    string
	b    bool
	i32  int32
	u32  uint32
	i64  int64
	u64  uint64
	sa   []string
	d    *Dictionary
}

func NewString(v string) Value        { return Value{kind: KindString, s: v} }
func NewBool(v bool) Value            { return Value{kind: KindBool, b: v} }
func NewInt32(v int32) Value          { return Value{kind: KindInt32, i32: v} }
func NewUint32(v uint32) Value        { return Value{kind: KindUint32, u32: v} }
func NewInt64(v int64) Value          { return Value{kind: KindInt64, i64: v} }
func NewUint64(v uint64) Value        { return Value{kind: KindUint64, u64: v} }
func NewStringArray(v []string) Value { return Value{kind: KindStringArray, sa: slices.Clone(v)} }
func NewDictionary(v *Dictionary) Value {
	if v == nil {
		v = New()
	}
	return Value{kind: KindDictionary, d: v.Clone()}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) String() (string, bool) { return v.s, v.kind == KindString }
func (v Value) Bool() (bool, bool)     { return v.b, v.kind == KindBool }
func (v Value) Int32() (int32, bool)   { return v.i32, v.kind == KindInt32 }
func (v Value) Uint32() (uint32, bool) { return v.u32, v.kind == KindUint32 }
func (v Value) Int64() (int64, bool)   { return v.i64, v.kind == KindInt64 }
func (v Value) Uint64() (uint64, bool) { return v.u64, v.kind == KindUint64 }
func (v Value) StringArray() ([]string, bool) {
	return slices.Clone(v.sa), v.kind == KindStringArray
}
func (v Value) Dictionary() (*Dictionary, bool) {
	if v.kind != KindDictionary {
		return nil, false
	}
	return v.d.Clone(), true
}

// Equal reports whether two values have the same kind and content.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.s == o.s
	case KindBool:
		return v.b == o.b
	case KindInt32:
		return v.i32 == o.i32
	case KindUint32:
		return v.u32 == o.u32
	case KindInt64:
		return v.i64 == o.i64
	case KindUint64:
		return v.u64 == o.u64
	case KindStringArray:
		return slices.Equal(v.sa, o.sa)
	case KindDictionary:
		return v.d.Equal(o.d)
	default:
		return false
	}
}

// Dictionary is an ordered-by-key, typed map. The zero value is not usable;
// construct with New.
type Dictionary struct {
	entries map[string]Value
}

// New returns an empty Dictionary.
func New() *Dictionary {
	return &Dictionary{entries: make(map[string]Value)}
}

// Set stores v under key, overwriting any previous value.
func (d *Dictionary) Set(key string, v Value) {
	d.entries[key] = v
}

// SetString is a convenience wrapper for the overwhelmingly common case.
func (d *Dictionary) SetString(key, v string) { d.Set(key, NewString(v)) }

// SetBool is a convenience wrapper.
func (d *Dictionary) SetBool(key string, v bool) { d.Set(key, NewBool(v)) }

// Get returns the value stored under key.
func (d *Dictionary) Get(key string) (Value, bool) {
	v, ok := d.entries[key]
	return v, ok
}

// GetString returns the string stored under key, or "" if absent or of a
// different kind.
func (d *Dictionary) GetString(key string) (string, bool) {
	v, ok := d.entries[key]
	if !ok {
		return "", false
	}
	return v.String()
}

// Remove deletes key from the dictionary. No-op if absent.
func (d *Dictionary) Remove(key string) { delete(d.entries, key) }

// Contains reports whether key is present.
func (d *Dictionary) Contains(key string) bool {
	_, ok := d.entries[key]
	return ok
}

// Keys returns the dictionary's keys in sorted order.
func (d *Dictionary) Keys() []string {
	return slices.Sorted(maps.Keys(d.entries))
}

// Len returns the number of entries.
func (d *Dictionary) Len() int { return len(d.entries) }

// Clone returns a deep copy.
func (d *Dictionary) Clone() *Dictionary {
	if d == nil {
		return New()
	}
	out := New()
	for k, v := range d.entries {
		out.entries[k] = v
	}
	return out
}

// Equal reports whether two dictionaries contain the same keys mapped to
// equal values. Key order never affects equality.
func (d *Dictionary) Equal(o *Dictionary) bool {
	if d == nil || o == nil {
		return d == o
	}
	if len(d.entries) != len(o.entries) {
		return false
	}
	for k, v := range d.entries {
		ov, ok := o.entries[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the dictionary as a base64 string of its canonical
// binary wire form, so it can travel inside a plugin request/response
// body (contracts package) without JSON having to model each Kind.
func (d *Dictionary) MarshalJSON() ([]byte, error) {
	raw, err := Encode(d)
	if err != nil {
		return nil, err
	}
	return json.Marshal(base64.StdEncoding.EncodeToString(raw))
}

// UnmarshalJSON decodes a dictionary previously produced by MarshalJSON.
func (d *Dictionary) UnmarshalJSON(data []byte) error {
	var encoded string
	if err := json.Unmarshal(data, &encoded); err != nil {
		return fmt.Errorf("dictionary: unmarshal base64 envelope: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("dictionary: decode base64: %w", err)
	}
	decoded, err := Decode(raw)
	if err != nil {
		return err
	}
	*d = *decoded
	return nil
}

// Encode serializes the dictionary to its canonical binary wire form. Keys
// are written in sorted order so that two dictionaries with the same
// content always produce byte-identical output, which matters because the
// encoded form is what gets persisted as a MethodBlob.
func Encode(d *Dictionary) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := encodeInto(buf, d); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeInto(buf *bytes.Buffer, d *Dictionary) error {
	keys := d.Keys()
	if err := binary.Write(buf, binary.BigEndian, uint32(len(keys))); err != nil {
		return err
	}
	for _, k := range keys {
		if err := writeString(buf, k); err != nil {
			return err
		}
		v := d.entries[k]
		buf.WriteByte(byte(v.kind))
		if err := encodeValue(buf, v); err != nil {
			return fmt.Errorf("encode key %q: %w", k, err)
		}
	}
	return nil
}

func encodeValue(buf *bytes.Buffer, v Value) error {
	switch v.kind {
	case KindString:
		return writeString(buf, v.s)
	case KindBool:
		b := byte(0)
		if v.b {
			b = 1
		}
		buf.WriteByte(b)
		return nil
	case KindInt32:
		return binary.Write(buf, binary.BigEndian, v.i32)
	case KindUint32:
		return binary.Write(buf, binary.BigEndian, v.u32)
	case KindInt64:
		return binary.Write(buf, binary.BigEndian, v.i64)
	case KindUint64:
		return binary.Write(buf, binary.BigEndian, v.u64)
	case KindStringArray:
		if err := binary.Write(buf, binary.BigEndian, uint32(len(v.sa))); err != nil {
			return err
		}
		for _, s := range v.sa {
			if err := writeString(buf, s); err != nil {
				return err
			}
		}
		return nil
	case KindDictionary:
		inner := &bytes.Buffer{}
		if err := encodeInto(inner, v.d); err != nil {
			return err
		}
		if err := binary.Write(buf, binary.BigEndian, uint32(inner.Len())); err != nil {
			return err
		}
		_, err := buf.Write(inner.Bytes())
		return err
	default:
		return fmt.Errorf("unknown value kind %d", v.kind)
	}
}

func writeString(buf *bytes.Buffer, s string) error {
	if err := binary.Write(buf, binary.BigEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := buf.WriteString(s)
	return err
}

// Decode parses the canonical binary wire form produced by Encode.
func Decode(data []byte) (*Dictionary, error) {
	r := bytes.NewReader(data)
	d, err := decodeFrom(r)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("dictionary: %d trailing bytes", r.Len())
	}
	return d, nil
}

func decodeFrom(r *bytes.Reader) (*Dictionary, error) {
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("read entry count: %w", err)
	}
	d := New()
	for i := uint32(0); i < count; i++ {
		key, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("read key %d: %w", i, err)
		}
		kindByte, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("read kind for %q: %w", key, err)
		}
		v, err := decodeValue(r, Kind(kindByte))
		if err != nil {
			return nil, fmt.Errorf("decode value for %q: %w", key, err)
		}
		d.entries[key] = v
	}
	return d, nil
}

func decodeValue(r *bytes.Reader, kind Kind) (Value, error) {
	switch kind {
	case KindString:
		s, err := readString(r)
		return Value{kind: kind, s: s}, err
	case KindBool:
		b, err := r.ReadByte()
		return Value{kind: kind, b: b != 0}, err
	case KindInt32:
		var v int32
		err := binary.Read(r, binary.BigEndian, &v)
		return Value{kind: kind, i32: v}, err
	case KindUint32:
		var v uint32
		err := binary.Read(r, binary.BigEndian, &v)
		return Value{kind: kind, u32: v}, err
	case KindInt64:
		var v int64
		err := binary.Read(r, binary.BigEndian, &v)
		return Value{kind: kind, i64: v}, err
	case KindUint64:
		var v uint64
		err := binary.Read(r, binary.BigEndian, &v)
		return Value{kind: kind, u64: v}, err
	case KindStringArray:
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return Value{}, err
		}
		sa := make([]string, n)
		for i := range sa {
			s, err := readString(r)
			if err != nil {
				return Value{}, err
			}
			sa[i] = s
		}
		return Value{kind: kind, sa: sa}, nil
	case KindDictionary:
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return Value{}, err
		}
		raw := make([]byte, n)
		if _, err := r.Read(raw); err != nil {
			return Value{}, err
		}
		inner, err := Decode(raw)
		if err != nil {
			return Value{}, err
		}
		return Value{kind: kind, d: inner}, nil
	default:
		return Value{}, fmt.Errorf("unknown value kind %d", kind)
	}
}

func readString(r *bytes.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := r.Read(buf); err != nil {
			return "", err
		}
	}
	return string(buf), nil
}
