// Package sorter compiles sort specifications into a total order over
// documents and exposes the typed value comparator the range operators share.
package sorter

import (
	"encoding/base64"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/syncrouter/syncrouter/internal/ejson"
	"github.com/syncrouter/syncrouter/internal/lookup"
	"github.com/syncrouter/syncrouter/internal/value"
)

type sortKey struct {
	lookup  *lookup.Lookup
	reverse bool
}

// Sorter is a compiled sort specification.
type Sorter struct {
	keys []sortKey
}

// Compile builds a sorter from an ordered sequence of (path, direction)
// pairs, direction being 1 or -1. Two paths sharing a dotted prefix are
// rejected: sorting parallel nested fields is not supported.
func Compile(sort *value.Document) (*Sorter, error) {
	s := &Sorter{}
	if sort == nil {
		return s, nil
	}

	dottedPrefixes := make(map[string]bool)
	var compileErr error
	sort.Range(func(key string, dir value.Value) bool {
		if prefix, _, dotted := strings.Cut(key, "."); dotted {
			if dottedPrefixes[prefix] {
				compileErr = fmt.Errorf("sort for parallel nested fields is not supported")
				return false
			}
			dottedPrefixes[prefix] = true
		}

		order, ok := value.AsInt(dir)
		if !ok || (order != 1 && order != -1) {
			compileErr = fmt.Errorf("sort order %v for %s is not supported", dir, key)
			return false
		}

		s.keys = append(s.keys, sortKey{
			lookup:  lookup.New(key, true),
			reverse: order == -1,
		})
		return true
	})
	if compileErr != nil {
		return nil, compileErr
	}
	return s, nil
}

// Compare orders two documents per the compiled specification: for each key,
// expand the path's branches (leaf arrays flattened), pick the minimum
// (ascending) or maximum (descending) value, compare the picks, and tie-break
// with the next key.
func (s *Sorter) Compare(a, b *value.Document) int {
	for _, key := range s.keys {
		aPick, aOK := pick(key.lookup.Lookup(a), key.reverse)
		bPick, bOK := pick(key.lookup.Lookup(b), key.reverse)

		ord := compareOption(aPick, aOK, bPick, bOK)
		if ord != 0 {
			if key.reverse {
				return -ord
			}
			return ord
		}
	}
	return 0
}

func pick(branches []lookup.Branch, reverse bool) (value.Value, bool) {
	var best value.Value
	found := false
	for _, branch := range lookup.Expand(branches, true) {
		if !branch.Present {
			continue
		}
		if !found {
			best, found = branch.Value, true
			continue
		}
		ord := CompareValues(branch.Value, best)
		if (reverse && ord > 0) || (!reverse && ord < 0) {
			best = branch.Value
		}
	}
	return best, found
}

func compareOption(a value.Value, aOK bool, b value.Value, bOK bool) int {
	switch {
	case !aOK && !bOK:
		return 0
	case !aOK:
		return -1
	case !bOK:
		return 1
	}
	return CompareValues(a, b)
}

// CompareValues is the total typed value comparator: same-type values compare
// by type-specific rules, values of different types by the canonical
// type-rank table.
func CompareValues(a, b value.Value) int {
	ord, _ := CompareValuesPartial(a, b)
	return ord
}

// CompareValuesPartial compares two values and reports whether their type
// codes were equal. When they were not, the returned ordering is the
// type-rank ordering; range operators treat that case as "not ordered".
func CompareValuesPartial(a, b value.Value) (int, bool) {
	aType := TypeCode(a)
	bType := TypeCode(b)
	if aType != bType {
		return compareInts(typeRank(aType), typeRank(bType)), false
	}
	return compareSameType(a, b, aType), true
}

func compareSameType(a, b value.Value, typeCode int) int {
	switch typeCode {
	case 1:
		af, bf := numericValue(a), numericValue(b)
		if math.IsNaN(af) || math.IsNaN(bf) {
			return 0
		}
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	case 2:
		return strings.Compare(a.(string), b.(string))
	case 4:
		return compareArrays(a.(value.Array), b.(value.Array))
	case 5:
		return compareTaggedBinary(a.(*value.Document), b.(*value.Document))
	case 7:
		return compareTaggedString(a.(*value.Document), b.(*value.Document), "$value")
	case 8:
		ab, bb := a.(bool), b.(bool)
		switch {
		case !ab && bb:
			return -1
		case ab && !bb:
			return 1
		}
		return 0
	case 9:
		return compareTaggedInt(a.(*value.Document), b.(*value.Document), "$date")
	case 10:
		return 0
	case 11:
		ad, bd := a.(*value.Document), b.(*value.Document)
		if ord := compareTaggedString(ad, bd, "$regexp"); ord != 0 {
			return ord
		}
		return compareTaggedString(ad, bd, "$flags")
	}
	return compareDocuments(a.(*value.Document), b.(*value.Document))
}

func compareArrays(a, b value.Array) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		ord, _ := CompareValuesPartial(a[i], b[i])
		if ord != 0 {
			return ord
		}
	}
	return compareInts(len(a), len(b))
}

func compareDocuments(a, b *value.Document) int {
	aKeys, bKeys := a.Keys(), b.Keys()
	for i := 0; i < len(aKeys) && i < len(bKeys); i++ {
		if ord := strings.Compare(aKeys[i], bKeys[i]); ord != 0 {
			return ord
		}
		aField, _ := a.Get(aKeys[i])
		bField, _ := b.Get(bKeys[i])
		ord, _ := CompareValuesPartial(aField, bField)
		if ord != 0 {
			return ord
		}
	}
	return compareInts(len(aKeys), len(bKeys))
}

func compareTaggedBinary(a, b *value.Document) int {
	aRaw, _ := a.Get("$binary")
	bRaw, _ := b.Get("$binary")
	aText, _ := aRaw.(string)
	bText, _ := bRaw.(string)
	aBytes, _ := base64.StdEncoding.DecodeString(aText)
	bBytes, _ := base64.StdEncoding.DecodeString(bText)
	return strings.Compare(string(aBytes), string(bBytes))
}

func compareTaggedString(a, b *value.Document, key string) int {
	aRaw, _ := a.Get(key)
	bRaw, _ := b.Get(key)
	aText, _ := aRaw.(string)
	bText, _ := bRaw.(string)
	return strings.Compare(aText, bText)
}

func compareTaggedInt(a, b *value.Document, key string) int {
	aRaw, _ := a.Get(key)
	bRaw, _ := b.Get(key)
	aInt, _ := value.AsInt(aRaw)
	bInt, _ := value.AsInt(bRaw)
	switch {
	case aInt < bInt:
		return -1
	case aInt > bInt:
		return 1
	}
	return 0
}

// numericValue promotes any value with type code 1 to a float64: plain
// numbers, tagged decimals, and tagged non-finite doubles.
func numericValue(v value.Value) float64 {
	if f, ok := value.AsFloat(v); ok {
		return f
	}
	d, ok := v.(*value.Document)
	if !ok {
		return math.NaN()
	}
	switch ejson.TagKind(d) {
	case ejson.KindDecimal:
		raw, _ := d.Get("$value")
		text, _ := raw.(string)
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	case ejson.KindInfNaN:
		raw, _ := d.Get("$InfNaN")
		sign, _ := value.AsInt(raw)
		switch {
		case sign > 0:
			return math.Inf(1)
		case sign < 0:
			return math.Inf(-1)
		}
		return math.NaN()
	}
	return math.NaN()
}

// TypeCode returns the legacy type code of a value. All numeric
// representations collapse to 1, matching the upstream ecosystem.
func TypeCode(v value.Value) int {
	switch t := v.(type) {
	case nil:
		return 10
	case bool:
		return 8
	case int64, float64:
		return 1
	case string:
		return 2
	case value.Array:
		return 4
	case *value.Document:
		switch ejson.TagKind(t) {
		case ejson.KindInfNaN, ejson.KindDecimal:
			return 1
		case ejson.KindBinary:
			return 5
		case ejson.KindObjectID:
			return 7
		case ejson.KindDate:
			return 9
		case ejson.KindRegExp:
			return 11
		}
		return 3
	}
	return 10
}

func typeRank(typeCode int) int {
	switch typeCode {
	case -1:
		return 0
	case 10:
		return 1
	case 1, 16, 18, 19:
		return 2
	case 2, 14:
		return 3
	case 3:
		return 4
	case 4:
		return 5
	case 5:
		return 6
	case 7:
		return 7
	case 8:
		return 8
	case 9:
		return 9
	case 17:
		return 10
	case 11:
		return 11
	case 127:
		return 12
	}
	return 13
}

func compareInts(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
