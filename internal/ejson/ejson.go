// Package ejson maps domain-specific scalars between their storage-native
// form and the tagged-object encoding the sync protocol uses on the wire:
//
//	binary blob         {"$binary": <base64 string>}
//	timestamp           {"$date": <int64 ms since epoch>}
//	decimal             {"$type": "Decimal", "$value": <string>}
//	object identifier   {"$type": "oid", "$value": <hex string>}
//	regular expression  {"$regexp": <pattern>, "$flags": <options>}
//	infinity / NaN      {"$InfNaN": -1 | 0 | 1}
//
// The codec is total: a scalar it does not recognize becomes null and is
// logged at warn level, never a panic.
package ejson

import (
	"encoding/base64"
	"math"

	"github.com/rs/zerolog"
	"github.com/syncrouter/syncrouter/internal/value"
)

// Kind identifies a recognized tagged scalar.
type Kind int

const (
	KindNone Kind = iota
	KindBinary
	KindDate
	KindDecimal
	KindObjectID
	KindRegExp
	KindInfNaN
)

// Codec converts values between storage-native and EJSON form.
type Codec struct {
	log zerolog.Logger
}

// NewCodec returns a codec that logs unrecognized scalars through log.
func NewCodec(log zerolog.Logger) *Codec {
	return &Codec{log: log}
}

// FromStorage canonicalizes a storage value into its EJSON form. Non-finite
// doubles become {"$InfNaN": n} tags, tagged scalars are validated, and
// containers are walked recursively. Unrecognized scalars become null.
func (c *Codec) FromStorage(v value.Value) value.Value {
	switch t := v.(type) {
	case float64:
		if math.IsInf(t, 1) {
			return InfNaN(1)
		}
		if math.IsInf(t, -1) {
			return InfNaN(-1)
		}
		if math.IsNaN(t) {
			return InfNaN(0)
		}
		return t
	case value.Array:
		out := make(value.Array, len(t))
		for i := range t {
			out[i] = c.FromStorage(t[i])
		}
		return out
	case *value.Document:
		return c.documentFromStorage(t)
	}
	return v
}

// FromStorageDocument applies FromStorage to every field of a document.
func (c *Codec) FromStorageDocument(d *value.Document) *value.Document {
	out := value.NewDocument()
	d.Range(func(key string, v value.Value) bool {
		out.Set(key, c.FromStorage(v))
		return true
	})
	return out
}

func (c *Codec) documentFromStorage(d *value.Document) value.Value {
	if !looksTagged(d) {
		out := value.NewDocument()
		d.Range(func(key string, v value.Value) bool {
			out.Set(key, c.FromStorage(v))
			return true
		})
		return out
	}

	kind := TagKind(d)
	switch kind {
	case KindBinary:
		raw, _ := d.Get("$binary")
		s, ok := raw.(string)
		if !ok {
			return c.reject(d)
		}
		if _, err := base64.StdEncoding.DecodeString(s); err != nil {
			return c.reject(d)
		}
		return Binary(s)
	case KindDate:
		raw, _ := d.Get("$date")
		ms, ok := value.AsInt(raw)
		if !ok {
			return c.reject(d)
		}
		return Date(ms)
	case KindDecimal, KindObjectID:
		raw, _ := d.Get("$value")
		s, ok := raw.(string)
		if !ok {
			return c.reject(d)
		}
		if kind == KindDecimal {
			return Decimal(s)
		}
		return ObjectID(s)
	case KindRegExp:
		pat, _ := d.Get("$regexp")
		flags, _ := d.Get("$flags")
		p, pok := pat.(string)
		f, fok := flags.(string)
		if !pok || !fok {
			return c.reject(d)
		}
		return RegExp(p, f)
	case KindInfNaN:
		raw, _ := d.Get("$InfNaN")
		sign, ok := value.AsInt(raw)
		if !ok {
			return c.reject(d)
		}
		switch {
		case sign > 0:
			return InfNaN(1)
		case sign < 0:
			return InfNaN(-1)
		}
		return InfNaN(0)
	}
	return c.reject(d)
}

func (c *Codec) reject(d *value.Document) value.Value {
	data, _ := value.EncodeJSON(d)
	c.log.Warn().RawJSON("value", data).Msg("unrecognized storage scalar replaced with null")
	return nil
}

// ToStorage is the inverse mapping. Tagged non-finite doubles become native
// floats again; every other tag passes through unchanged, since the storage
// wire format keeps them tagged.
func (c *Codec) ToStorage(v value.Value) value.Value {
	switch t := v.(type) {
	case value.Array:
		out := make(value.Array, len(t))
		for i := range t {
			out[i] = c.ToStorage(t[i])
		}
		return out
	case *value.Document:
		if TagKind(t) == KindInfNaN {
			raw, _ := t.Get("$InfNaN")
			sign, _ := value.AsInt(raw)
			switch {
			case sign > 0:
				return math.Inf(1)
			case sign < 0:
				return math.Inf(-1)
			}
			return math.NaN()
		}
		out := value.NewDocument()
		t.Range(func(key string, v value.Value) bool {
			out.Set(key, c.ToStorage(v))
			return true
		})
		return out
	}
	return v
}

// TagKind classifies a document as one of the recognized tagged scalars, or
// KindNone for a plain mapping.
func TagKind(d *value.Document) Kind {
	if d == nil || d.Len() == 0 || d.Len() > 2 {
		return KindNone
	}
	keys := d.SortedKeys()
	switch {
	case len(keys) == 1 && keys[0] == "$InfNaN":
		return KindInfNaN
	case len(keys) == 1 && keys[0] == "$binary":
		return KindBinary
	case len(keys) == 1 && keys[0] == "$date":
		return KindDate
	case len(keys) == 2 && keys[0] == "$flags" && keys[1] == "$regexp":
		return KindRegExp
	case len(keys) == 2 && keys[0] == "$type" && keys[1] == "$value":
		typ, _ := d.Get("$type")
		switch typ {
		case "Decimal":
			return KindDecimal
		case "oid":
			return KindObjectID
		}
	}
	return KindNone
}

func looksTagged(d *value.Document) bool {
	if d.Len() == 0 || d.Len() > 2 {
		return false
	}
	for _, key := range d.Keys() {
		if len(key) == 0 || key[0] != '$' {
			return false
		}
	}
	return true
}

// Binary builds a tagged binary blob from base64 text.
func Binary(base64Text string) *value.Document {
	return value.DocumentOf("$binary", base64Text)
}

// Date builds a tagged timestamp from milliseconds since the epoch.
func Date(ms int64) *value.Document {
	return value.DocumentOf("$date", ms)
}

// Decimal builds a tagged high-precision decimal.
func Decimal(text string) *value.Document {
	return value.DocumentOf("$type", "Decimal", "$value", text)
}

// ObjectID builds a tagged object identifier from hex text.
func ObjectID(hexText string) *value.Document {
	return value.DocumentOf("$type", "oid", "$value", hexText)
}

// RegExp builds a tagged regular expression.
func RegExp(pattern, flags string) *value.Document {
	return value.DocumentOf("$regexp", pattern, "$flags", flags)
}

// InfNaN builds a tagged non-finite double: 1 for +Inf, -1 for -Inf, 0 for NaN.
func InfNaN(sign int64) *value.Document {
	return value.DocumentOf("$InfNaN", sign)
}
