package matcher

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/syncrouter/syncrouter/internal/ejson"
	"github.com/syncrouter/syncrouter/internal/lookup"
	"github.com/syncrouter/syncrouter/internal/sorter"
	"github.com/syncrouter/syncrouter/internal/value"
)

// branchedMatcher decides over the set of branches a path lookup produced.
type branchedMatcher interface {
	matches(branches []lookup.Branch) bool
}

type allBranchedMatcher []branchedMatcher

func allBranched(list []branchedMatcher) branchedMatcher {
	if len(list) == 1 {
		return list[0]
	}
	return allBranchedMatcher(list)
}

func (a allBranchedMatcher) matches(branches []lookup.Branch) bool {
	for _, m := range a {
		if !m.matches(branches) {
			return false
		}
	}
	return true
}

type anyBranchedMatcher []branchedMatcher

func anyBranched(list []branchedMatcher) branchedMatcher {
	if len(list) == 1 {
		return list[0]
	}
	return anyBranchedMatcher(list)
}

func (a anyBranchedMatcher) matches(branches []lookup.Branch) bool {
	for _, m := range a {
		if m.matches(branches) {
			return true
		}
	}
	return false
}

type invertBranched struct{ inner branchedMatcher }

func (i invertBranched) matches(branches []lookup.Branch) bool {
	return !i.inner.matches(branches)
}

type neverBranched struct{}

func (neverBranched) matches([]lookup.Branch) bool { return false }

// elementBranched expands leaf arrays (unless told not to) and succeeds when
// any resulting branch satisfies the element matcher.
type elementBranched struct {
	inner                 elementMatcher
	dontExpandLeafArrays  bool
	dontIncludeLeafArrays bool
}

func (e elementBranched) matches(branches []lookup.Branch) bool {
	expanded := branches
	if !e.dontExpandLeafArrays {
		expanded = lookup.Expand(branches, e.dontIncludeLeafArrays)
	}
	for _, branch := range expanded {
		if e.inner.matches(branch.Value, branch.Present) {
			return true
		}
	}
	return false
}

// elementMatcher decides over a single branch value.
type elementMatcher interface {
	matches(v value.Value, present bool) bool
}

type valueElement struct{ selector value.Value }

func (m valueElement) intoBranched(dontExpand, dontInclude bool) branchedMatcher {
	return elementBranched{inner: m, dontExpandLeafArrays: dontExpand, dontIncludeLeafArrays: dontInclude}
}

func (m valueElement) matches(v value.Value, present bool) bool {
	if m.selector == nil {
		return !present || v == nil
	}
	return present && sorter.CompareValues(m.selector, v) == 0
}

type existsElement struct{}

func (m existsElement) intoBranched(dontExpand, dontInclude bool) branchedMatcher {
	return elementBranched{inner: m, dontExpandLeafArrays: dontExpand, dontIncludeLeafArrays: dontInclude}
}

func (existsElement) matches(_ value.Value, present bool) bool { return present }

type orderElement struct {
	selector  value.Value
	ordering  int
	isNegated bool
}

func (m orderElement) intoBranched(dontExpand, dontInclude bool) branchedMatcher {
	return elementBranched{inner: m, dontExpandLeafArrays: dontExpand, dontIncludeLeafArrays: dontInclude}
}

func (m orderElement) matches(v value.Value, present bool) bool {
	if value.IsArray(m.selector) {
		return false
	}
	if !present {
		v = nil
	}
	ord, sameType := sorter.CompareValuesPartial(v, m.selector)
	return (sameType && ord == m.ordering) != m.isNegated
}

type modElement struct {
	divisor   int64
	remainder int64
}

func (m modElement) intoBranched(dontExpand, dontInclude bool) branchedMatcher {
	return elementBranched{inner: m, dontExpandLeafArrays: dontExpand, dontIncludeLeafArrays: dontInclude}
}

func (m modElement) matches(v value.Value, present bool) bool {
	if !present || m.divisor == 0 {
		return false
	}
	n, ok := value.AsInt(v)
	if !ok {
		return false
	}
	return n%m.divisor == m.remainder
}

type sizeElement struct{ size int }

func (m sizeElement) intoBranched(dontExpand, dontInclude bool) branchedMatcher {
	return elementBranched{inner: m, dontExpandLeafArrays: dontExpand, dontIncludeLeafArrays: dontInclude}
}

func (m sizeElement) matches(v value.Value, present bool) bool {
	arr, ok := v.(value.Array)
	return present && ok && len(arr) == m.size
}

type typeElement struct{ code int }

func (m typeElement) intoBranched(dontExpand, dontInclude bool) branchedMatcher {
	return elementBranched{inner: m, dontExpandLeafArrays: dontExpand, dontIncludeLeafArrays: dontInclude}
}

func (m typeElement) matches(v value.Value, present bool) bool {
	return present && sorter.TypeCode(v) == m.code
}

type regexElement struct {
	compiled *regexp.Regexp
	selector *value.Document
}

func (m regexElement) intoBranched(dontExpand, dontInclude bool) branchedMatcher {
	return elementBranched{inner: m, dontExpandLeafArrays: dontExpand, dontIncludeLeafArrays: dontInclude}
}

func (m regexElement) matches(v value.Value, present bool) bool {
	if !present {
		return false
	}
	switch t := v.(type) {
	case string:
		return m.compiled.MatchString(t)
	case *value.Document:
		return ejson.TagKind(t) == ejson.KindRegExp && value.Equal(t, m.selector)
	}
	return false
}

// compileRegex accepts a pattern string or a tagged regular expression and an
// optional flags string. Supported flags: i, m, s, x. The x flag (free
// spacing) is emulated by stripping unescaped whitespace and #-comments,
// since the regexp engine has no native equivalent.
func compileRegex(operand value.Value, options string) (branchedMatcher, error) {
	var pattern, flags string
	switch t := operand.(type) {
	case string:
		pattern, flags = t, options
	case *value.Document:
		if ejson.TagKind(t) != ejson.KindRegExp {
			return nil, fmt.Errorf("$regex expected a pattern, got %v", operand)
		}
		raw, _ := t.Get("$regexp")
		pattern, _ = raw.(string)
		rawFlags, _ := t.Get("$flags")
		flags, _ = rawFlags.(string)
		if options != "" {
			flags = options
		}
	default:
		return nil, fmt.Errorf("$regex expected a pattern, got %v", operand)
	}

	var prefix strings.Builder
	for _, flag := range flags {
		switch flag {
		case 'i', 'm', 's':
			prefix.WriteRune(flag)
		case 'x':
			pattern = stripExtendedWhitespace(pattern)
		default:
			return nil, fmt.Errorf("regex flag %q is not supported", string(flag))
		}
	}
	if prefix.Len() > 0 {
		pattern = "(?" + prefix.String() + ")" + pattern
	}

	compiled, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regular expression: %w", err)
	}
	return regexElement{
		compiled: compiled,
		selector: ejson.RegExp(patternOf(operand, pattern), flags),
	}.intoBranched(false, false), nil
}

func patternOf(operand value.Value, fallback string) string {
	if t, ok := operand.(*value.Document); ok {
		if raw, ok := t.Get("$regexp"); ok {
			if s, ok := raw.(string); ok {
				return s
			}
		}
	}
	if s, ok := operand.(string); ok {
		return s
	}
	return fallback
}

func stripExtendedWhitespace(pattern string) string {
	var out strings.Builder
	inComment := false
	escaped := false
	for _, r := range pattern {
		switch {
		case inComment:
			if r == '\n' {
				inComment = false
			}
		case escaped:
			out.WriteRune(r)
			escaped = false
		case r == '\\':
			out.WriteRune(r)
			escaped = true
		case r == '#':
			inComment = true
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
		default:
			out.WriteRune(r)
		}
	}
	return out.String()
}
