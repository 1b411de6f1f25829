// Package inflight tracks subscription requests the router has rewritten as
// remote procedure calls and is awaiting a reply for.
//
// The upstream answers a method call with two independent frames: a result
// carrying the return value, and an updated acknowledging that the method's
// writes have been sent. Either may arrive first. An entry therefore lives
// through two events: whichever arrives second clears it, the first only
// marks it (via the update flag, or by leaving a tombstone after the result).
package inflight

import (
	"encoding/json"
	"sync"

	"github.com/syncrouter/syncrouter/internal/metrics"
)

// Inflight is one rewritten subscription awaiting its reply.
type Inflight struct {
	Name   string
	Params json.RawMessage

	updateReceived bool
}

// Table is a per-session table of in-flight rewritten requests.
type Table struct {
	mu sync.Mutex
	// A nil entry value is a tombstone: the result was consumed and the
	// matching updated frame has not arrived yet.
	entries map[string]*Inflight
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{entries: make(map[string]*Inflight)}
}

// Register records a rewritten request under its method id.
func (t *Table) Register(id, name string, params json.RawMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id] = &Inflight{Name: name, Params: params}
	metrics.AddInflight(1)
}

// ProcessResult consumes the result frame for id. It returns the inflight
// and true when id was a live rewritten request; false means the frame
// belongs to an ordinary method call and must be forwarded untouched.
func (t *Table) ProcessResult(id string) (*Inflight, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[id]
	if !ok || entry == nil {
		return nil, false
	}
	if entry.updateReceived {
		delete(t.entries, id)
		metrics.AddInflight(-1)
	} else {
		t.entries[id] = nil
	}
	return entry, true
}

// ProcessUpdate consumes the updated acknowledgement for id, returning true
// when the id belongs to a rewritten request (and must be hidden from the
// client).
func (t *Table) ProcessUpdate(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[id]
	if !ok {
		return false
	}
	if entry == nil {
		delete(t.entries, id)
		metrics.AddInflight(-1)
	} else {
		entry.updateReceived = true
	}
	return true
}

// Len returns the number of live entries, tombstones included.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
