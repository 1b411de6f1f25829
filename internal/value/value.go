// Package value holds the canonical in-memory representation of database
// documents flowing through the router.
//
// A Value is one of:
//   - nil (JSON null)
//   - bool
//   - int64 / float64
//   - string
//   - Array
//   - *Document (string-keyed mapping, insertion order preserved)
//
// Domain scalars (binary blobs, timestamps, decimals, object ids, regular
// expressions, non-finite doubles) are carried as tagged *Document values in
// their EJSON encoding; see the ejson package for the tag table.
package value

// Value is a dynamically typed document value. Callers switch on the concrete
// type; any other dynamic type is a programming error upstream of this package.
type Value = any

// Array is an ordered sequence of values.
type Array = []Value

// IsArray reports whether v is an Array.
func IsArray(v Value) bool {
	_, ok := v.(Array)
	return ok
}

// IsDocument reports whether v is a *Document.
func IsDocument(v Value) bool {
	_, ok := v.(*Document)
	return ok
}

// IsContainer reports whether v can be descended into by a path lookup.
func IsContainer(v Value) bool {
	return IsArray(v) || IsDocument(v)
}

// AsFloat converts numeric values to float64. The second result is false for
// non-numeric values.
func AsFloat(v Value) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// AsInt converts integral numeric values to int64, truncating floats the way
// the legacy query operators do. The second result is false for non-numeric
// values.
func AsInt(v Value) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}

// Equal reports structural equality of two values. Documents compare
// field-by-field in insertion order; a reordered document is not equal.
func Equal(a, b Value) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case int64:
		switch bv := b.(type) {
		case int64:
			return av == bv
		case float64:
			return float64(av) == bv
		}
		return false
	case float64:
		switch bv := b.(type) {
		case int64:
			return av == float64(bv)
		case float64:
			return av == bv
		}
		return false
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case Array:
		bv, ok := b.(Array)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case *Document:
		bv, ok := b.(*Document)
		if !ok || av.Len() != bv.Len() {
			return false
		}
		aKeys, bKeys := av.Keys(), bv.Keys()
		for i, key := range aKeys {
			if key != bKeys[i] {
				return false
			}
			aField, _ := av.Get(key)
			bField, _ := bv.Get(key)
			if !Equal(aField, bField) {
				return false
			}
		}
		return true
	}
	return false
}

// Clone deep-copies a value. Scalars are returned as-is.
func Clone(v Value) Value {
	switch t := v.(type) {
	case Array:
		out := make(Array, len(t))
		for i := range t {
			out[i] = Clone(t[i])
		}
		return out
	case *Document:
		return t.Clone()
	}
	return v
}
