// Package projector compiles inclusion/exclusion projections (possibly
// nested via dotted keys) and applies them in place to documents.
package projector

import (
	"fmt"
	"strings"

	"github.com/syncrouter/syncrouter/internal/value"
)

// node is one level of the compiled path trie. A key maps either to a leaf
// (retain or drop per the projector's include flag) or to a deeper subtree.
type node struct {
	leaves   map[string]bool
	children map[string]*node
}

func newNode() *node {
	return &node{leaves: make(map[string]bool), children: make(map[string]*node)}
}

// Projector is a compiled projection.
type Projector struct {
	tree *node
	// include is true for inclusion projections (1-leaves), false for
	// exclusion projections (0-leaves). Identity projections keep it false
	// with an empty tree.
	include bool
	// dropID is set when the projection names _id with an exclusion;
	// otherwise _id is always kept.
	dropID bool
	empty  bool
}

// Compile builds a projector. Every leaf operand must be 0, 1, or a boolean;
// mixing inclusions with exclusions is rejected, except for the _id field
// which may be excluded from an inclusion projection.
func Compile(projection *value.Document) (*Projector, error) {
	p := &Projector{tree: newNode(), empty: true}
	if projection == nil || projection.Len() == 0 {
		return p, nil
	}

	hasInclude := false
	hasExclude := false
	var compileErr error
	projection.Range(func(key string, operand value.Value) bool {
		included, err := leafOperand(key, operand)
		if err != nil {
			compileErr = err
			return false
		}
		if key == "_id" {
			if !included {
				p.dropID = true
			} else {
				hasInclude = true
			}
			if !included {
				return true
			}
		} else if included {
			hasInclude = true
		} else {
			hasExclude = true
		}
		if hasInclude && hasExclude {
			compileErr = fmt.Errorf("projection cannot mix inclusion and exclusion (field %s)", key)
			return false
		}
		if err := insertPath(p.tree, key, included); err != nil {
			compileErr = err
			return false
		}
		return true
	})
	if compileErr != nil {
		return nil, compileErr
	}

	p.include = hasInclude
	p.empty = !hasInclude && !hasExclude && !p.dropID
	return p, nil
}

func leafOperand(key string, operand value.Value) (bool, error) {
	switch t := operand.(type) {
	case bool:
		return t, nil
	case int64:
		if t == 0 || t == 1 {
			return t == 1, nil
		}
	case float64:
		if t == 0 || t == 1 {
			return t == 1, nil
		}
	}
	return false, fmt.Errorf("projection for %s must be 0, 1, or a boolean, got %v", key, operand)
}

func insertPath(root *node, key string, included bool) error {
	segments := strings.Split(key, ".")
	cur := root
	for i, seg := range segments {
		if _, isLeaf := cur.leaves[seg]; isLeaf {
			return fmt.Errorf("projection path %s collides with a shorter path", key)
		}
		if i == len(segments)-1 {
			if _, deeper := cur.children[seg]; deeper {
				return fmt.Errorf("projection path %s collides with a longer path", key)
			}
			cur.leaves[seg] = included
			return nil
		}
		child, ok := cur.children[seg]
		if !ok {
			child = newNode()
			cur.children[seg] = child
		}
		cur = child
	}
	return nil
}

// Apply projects doc in place. The _id field is kept unless the projection
// excluded it explicitly, for both inclusion and exclusion projections.
func (p *Projector) Apply(doc *value.Document) {
	if p.empty {
		return
	}
	p.applyNode(p.tree, doc, true)
}

func (p *Projector) applyNode(n *node, doc *value.Document, root bool) {
	for _, key := range append([]string(nil), doc.Keys()...) {
		if root && key == "_id" {
			if p.dropID {
				doc.Delete("_id")
			}
			continue
		}
		if _, isLeaf := n.leaves[key]; isLeaf {
			// A leaf's fate is uniform across the projection: retained for
			// inclusions, dropped for exclusions.
			if !p.include {
				doc.Delete(key)
			}
			continue
		}
		if child, ok := n.children[key]; ok {
			v, _ := doc.Get(key)
			p.applyChild(child, v)
			continue
		}
		if p.include {
			doc.Delete(key)
		}
	}
}

func (p *Projector) applyChild(n *node, v value.Value) {
	switch t := v.(type) {
	case *value.Document:
		p.applyNode(n, t, false)
	case value.Array:
		for _, el := range t {
			p.applyChild(n, el)
		}
	}
	// Non-container children are untouched.
}
