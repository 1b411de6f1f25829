// Package weakref is a thin wrapper over the runtime's weak pointers, used by
// the subscriptions registry to publish cursors without pinning them alive.
// Dead references are reaped opportunistically by callers during scans.
package weakref

import "weak"

// Ref is a weak reference to a value of type T.
type Ref[T any] struct {
	p weak.Pointer[T]
}

// Make creates a weak reference to v.
func Make[T any](v *T) Ref[T] {
	return Ref[T]{p: weak.Make(v)}
}

// Get upgrades the reference, returning nil when the referent was collected.
func (r Ref[T]) Get() *T {
	return r.p.Value()
}
