// Package matcher compiles query selectors into predicate trees and evaluates
// them against documents. The operator set and its array-branching semantics
// follow the legacy query ecosystem the sync protocol inherits: a field that
// is an array matches a non-array literal if any element matches, while an
// array literal still checks element-wise equality against the whole array.
package matcher

import (
	"fmt"

	"github.com/syncrouter/syncrouter/internal/ejson"
	"github.com/syncrouter/syncrouter/internal/lookup"
	"github.com/syncrouter/syncrouter/internal/value"
)

// Matcher is a compiled selector.
type Matcher struct {
	root documentMatcher
}

// Compile builds a matcher from a selector document. It fails on operators
// outside the supported set; callers fall back to polling in that case.
func Compile(selector *value.Document) (*Matcher, error) {
	root, err := compileDocument(selector)
	if err != nil {
		return nil, err
	}
	return &Matcher{root: root}, nil
}

// Matches evaluates the compiled selector against a document.
func (m *Matcher) Matches(doc *value.Document) bool {
	return m.root.matches(doc)
}

type documentMatcher interface {
	matches(doc *value.Document) bool
}

type allDocuments []documentMatcher

func (a allDocuments) matches(doc *value.Document) bool {
	for _, m := range a {
		if !m.matches(doc) {
			return false
		}
	}
	return true
}

type anyDocuments []documentMatcher

func (a anyDocuments) matches(doc *value.Document) bool {
	for _, m := range a {
		if m.matches(doc) {
			return true
		}
	}
	return false
}

type invertDocument struct{ inner documentMatcher }

func (i invertDocument) matches(doc *value.Document) bool {
	return !i.inner.matches(doc)
}

type lookupMatcher struct {
	lookup  *lookup.Lookup
	matcher branchedMatcher
}

func (l lookupMatcher) matches(doc *value.Document) bool {
	return l.matcher.matches(l.lookup.Lookup(doc))
}

func compileDocument(selector *value.Document) (documentMatcher, error) {
	var matchers []documentMatcher
	var compileErr error
	selector.Range(func(key string, sub value.Value) bool {
		var m documentMatcher
		var err error
		if len(key) > 0 && key[0] == '$' {
			m, err = compileLogicalOperator(key, sub)
			if err == nil && m == nil { // $comment
				return true
			}
		} else {
			var branched branchedMatcher
			branched, err = compileValueSelector(sub)
			if err == nil {
				m = lookupMatcher{lookup: lookup.New(key, false), matcher: branched}
			}
		}
		if err != nil {
			compileErr = err
			return false
		}
		matchers = append(matchers, m)
		return true
	})
	if compileErr != nil {
		return nil, compileErr
	}
	if len(matchers) == 1 {
		return matchers[0], nil
	}
	return allDocuments(matchers), nil
}

func compileLogicalOperator(operator string, sub value.Value) (documentMatcher, error) {
	switch operator {
	case "$and":
		list, err := compileSelectorList(operator, sub)
		if err != nil {
			return nil, err
		}
		return allDocuments(list), nil
	case "$or":
		list, err := compileSelectorList(operator, sub)
		if err != nil {
			return nil, err
		}
		return anyDocuments(list), nil
	case "$nor":
		list, err := compileSelectorList(operator, sub)
		if err != nil {
			return nil, err
		}
		return invertDocument{inner: anyDocuments(list)}, nil
	case "$comment":
		return nil, nil
	}
	return nil, fmt.Errorf("%s is not supported", operator)
}

func compileSelectorList(operator string, sub value.Value) ([]documentMatcher, error) {
	arr, ok := sub.(value.Array)
	if !ok {
		return nil, fmt.Errorf("%s expected an array of selectors, got %T", operator, sub)
	}
	if len(arr) == 0 {
		return nil, fmt.Errorf("%s expected a non-empty array", operator)
	}
	list := make([]documentMatcher, 0, len(arr))
	for _, el := range arr {
		doc, ok := el.(*value.Document)
		if !ok {
			return nil, fmt.Errorf("%s expected document selectors, got %T", operator, el)
		}
		m, err := compileDocument(doc)
		if err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	return list, nil
}

func compileValueSelector(sub value.Value) (branchedMatcher, error) {
	if isOperatorObject(sub) {
		return compileOperatorObject(sub.(*value.Document))
	}
	return valueElement{selector: sub}.intoBranched(false, false), nil
}

func isOperatorObject(sub value.Value) bool {
	doc, ok := sub.(*value.Document)
	if !ok {
		return false
	}
	// Tagged scalars ($date, $binary, ...) are literals, not operators.
	if ejson.TagKind(doc) != ejson.KindNone {
		return false
	}
	keys := doc.Keys()
	return len(keys) > 0 && len(keys[0]) > 0 && keys[0][0] == '$'
}

func compileOperatorObject(selector *value.Document) (branchedMatcher, error) {
	var matchers []branchedMatcher
	var compileErr error
	selector.Range(func(operator string, operand value.Value) bool {
		if len(operator) == 0 || operator[0] != '$' {
			compileErr = fmt.Errorf("non-operator key %q inside operator selector", operator)
			return false
		}
		if operator == "$options" {
			if !selector.Has("$regex") {
				compileErr = fmt.Errorf("$options requires $regex")
				return false
			}
			return true
		}
		m, err := compileOperator(operator, operand, selector)
		if err != nil {
			compileErr = err
			return false
		}
		matchers = append(matchers, m)
		return true
	})
	if compileErr != nil {
		return nil, compileErr
	}
	if len(matchers) == 1 {
		return matchers[0], nil
	}
	return allBranched(matchers), nil
}

func compileOperator(operator string, operand value.Value, selector *value.Document) (branchedMatcher, error) {
	switch operator {
	case "$all":
		arr, ok := operand.(value.Array)
		if !ok || len(arr) == 0 {
			return nil, fmt.Errorf("$all expected a non-empty array, got %v", operand)
		}
		list := make([]branchedMatcher, 0, len(arr))
		for _, el := range arr {
			if isOperatorObject(el) {
				return nil, fmt.Errorf("$all expected plain values, got %v", el)
			}
			list = append(list, valueElement{selector: el}.intoBranched(false, false))
		}
		return allBranched(list), nil

	case "$eq":
		return valueElement{selector: operand}.intoBranched(false, false), nil

	case "$exists":
		want, ok := operand.(bool)
		if !ok {
			return nil, fmt.Errorf("$exists expected a boolean, got %v", operand)
		}
		m := existsElement{}.intoBranched(false, false)
		if !want {
			m = invertBranched{inner: m}
		}
		return m, nil

	case "$gt", "$gte", "$lt", "$lte":
		ordering, isNegated := 1, false
		switch operator {
		case "$gte":
			ordering, isNegated = -1, true
		case "$lt":
			ordering = -1
		case "$lte":
			isNegated = true
		}
		return orderElement{
			selector:  operand,
			ordering:  ordering,
			isNegated: isNegated,
		}.intoBranched(false, false), nil

	case "$in":
		arr, ok := operand.(value.Array)
		if !ok {
			return nil, fmt.Errorf("$in expected an array, got %v", operand)
		}
		if len(arr) == 0 {
			return neverBranched{}, nil
		}
		list := make([]branchedMatcher, 0, len(arr))
		for _, el := range arr {
			if isOperatorObject(el) {
				return nil, fmt.Errorf("$in expected plain values, got %v", el)
			}
			list = append(list, valueElement{selector: el}.intoBranched(false, false))
		}
		return anyBranched(list), nil

	case "$mod":
		arr, ok := operand.(value.Array)
		if !ok || len(arr) != 2 {
			return nil, fmt.Errorf("$mod expected a [divisor, remainder] pair, got %v", operand)
		}
		divisor, dok := value.AsInt(arr[0])
		remainder, rok := value.AsInt(arr[1])
		if !dok || !rok {
			return nil, fmt.Errorf("$mod expected numbers, got %v", operand)
		}
		return modElement{divisor: divisor, remainder: remainder}.intoBranched(false, false), nil

	case "$ne":
		m, err := compileOperator("$eq", operand, selector)
		if err != nil {
			return nil, err
		}
		return invertBranched{inner: m}, nil

	case "$nin":
		m, err := compileOperator("$in", operand, selector)
		if err != nil {
			return nil, err
		}
		return invertBranched{inner: m}, nil

	case "$not":
		m, err := compileValueSelector(operand)
		if err != nil {
			return nil, err
		}
		return invertBranched{inner: m}, nil

	case "$regex":
		var options string
		if raw, ok := selector.Get("$options"); ok {
			options, ok = raw.(string)
			if !ok {
				return nil, fmt.Errorf("$options expected a string")
			}
		}
		return compileRegex(operand, options)

	case "$size":
		size, ok := value.AsInt(operand)
		if !ok || size < 0 {
			return nil, fmt.Errorf("$size expected a non-negative integer, got %v", operand)
		}
		if f, isFloat := operand.(float64); isFloat && f != float64(size) {
			return nil, fmt.Errorf("$size expected an integer, got %v", operand)
		}
		return sizeElement{size: int(size)}.intoBranched(true, false), nil

	case "$type":
		code, err := typeOperand(operand)
		if err != nil {
			return nil, err
		}
		return typeElement{code: code}.intoBranched(false, true), nil
	}
	return nil, fmt.Errorf("%s is not supported", operator)
}

var typeNames = map[string]int{
	"double":   1,
	"string":   2,
	"object":   3,
	"array":    4,
	"binData":  5,
	"objectId": 7,
	"bool":     8,
	"date":     9,
	"null":     10,
	"regex":    11,
}

func typeOperand(operand value.Value) (int, error) {
	if name, ok := operand.(string); ok {
		code, ok := typeNames[name]
		if !ok {
			return 0, fmt.Errorf("$type name %q is not supported", name)
		}
		return code, nil
	}
	code, ok := value.AsInt(operand)
	if !ok || code < 1 || code > 11 || code == 6 {
		return 0, fmt.Errorf("$type %v is not supported", operand)
	}
	return int(code), nil
}
