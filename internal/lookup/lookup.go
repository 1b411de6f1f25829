// Package lookup resolves dotted field paths against documents, branching
// through arrays the way the legacy query ecosystem does: a path segment that
// meets an array of sub-documents descends into every element, so a single
// path can produce several candidate values.
package lookup

import (
	"strconv"
	"strings"

	"github.com/syncrouter/syncrouter/internal/value"
)

// Branch is one candidate value produced by a path lookup. Present
// distinguishes an absent field from a field holding null. DontIterate marks
// an array value reached through another array; the matcher must not flatten
// it one more level.
type Branch struct {
	Value       value.Value
	Present     bool
	DontIterate bool
}

// Expand flattens each branch whose value is an array into its elements,
// unless the branch is marked DontIterate. With skipLeafArrays set, the array
// branch itself is dropped and only its elements survive.
func Expand(branches []Branch, skipLeafArrays bool) []Branch {
	var out []Branch
	for _, branch := range branches {
		arr, isArray := branch.Value.(value.Array)
		isArray = isArray && branch.Present
		if !(skipLeafArrays && isArray && !branch.DontIterate) {
			out = append(out, branch)
		}
		if isArray && !branch.DontIterate {
			for _, el := range arr {
				out = append(out, Branch{Value: el, Present: true})
			}
		}
	}
	return out
}

// Lookup is a compiled dotted key. Compiling once avoids re-splitting the key
// per document.
type Lookup struct {
	forSort  bool
	key      string
	index    int
	hasIndex bool
	rest     *Lookup
}

// New compiles a dotted key. In sort mode the branch-through-array step is
// suppressed when the next segment is numeric, matching the upstream sort
// semantics for positional paths.
func New(key string, forSort bool) *Lookup {
	head, rest, dotted := strings.Cut(key, ".")
	l := &Lookup{forSort: forSort, key: head}
	if i, err := strconv.ParseUint(head, 10, 31); err == nil {
		l.index = int(i)
		l.hasIndex = true
	}
	if dotted {
		l.rest = New(rest, forSort)
	}
	return l
}

// Lookup resolves the path against v, producing every candidate branch.
func (l *Lookup) Lookup(v value.Value) []Branch {
	if arr, ok := v.(value.Array); ok {
		if !l.hasIndex || l.index >= len(arr) {
			return nil
		}
	}

	var head value.Value
	var headPresent bool
	switch t := v.(type) {
	case value.Array:
		head, headPresent = t[l.index], true
	case *value.Document:
		head, headPresent = t.Get(l.key)
	}

	if l.rest == nil {
		_, parentIsArray := v.(value.Array)
		_, headIsArray := head.(value.Array)
		return []Branch{{
			Value:       head,
			Present:     headPresent,
			DontIterate: parentIsArray && headPresent && headIsArray,
		}}
	}

	if !headPresent || !value.IsContainer(head) {
		if value.IsArray(v) {
			return nil
		}
		return []Branch{{}}
	}

	result := l.rest.Lookup(head)
	if !(l.forSort && l.rest.hasIndex) {
		if arr, ok := head.(value.Array); ok {
			for _, el := range arr {
				if value.IsDocument(el) {
					result = append(result, l.rest.Lookup(el)...)
				}
			}
		}
	}
	return result
}
