// Package mergebox is the per-session reconciliation buffer. Several cursors
// (and the upstream server) can assert overlapping documents on one session;
// the mergebox reference-counts documents and fields across those
// contributors and emits only the minimal field-level deltas the client has
// not seen yet.
package mergebox

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/syncrouter/syncrouter/internal/ddp"
	"github.com/syncrouter/syncrouter/internal/metrics"
	"github.com/syncrouter/syncrouter/internal/value"
)

// Mergebox lives exactly one session. All operations serialize on one lock.
type Mergebox struct {
	mu   sync.Mutex
	log  zerolog.Logger
	send func(ddp.Message) error

	collections map[string][]*mergeDocument
	// serverView is the snapshot of what the upstream last told this session,
	// per collection. Upstream change/remove frames describe deltas; this is
	// what turns them back into the absolute document versions the refcounted
	// view needs.
	serverView map[string][]serverDocument
}

type mergeDocument struct {
	id     value.Value
	refs   int
	fields map[string]*mergeField
}

type mergeField struct {
	refs  int
	value value.Value
}

type serverDocument struct {
	id  value.Value
	doc *value.Document
}

// New builds a mergebox that emits deltas through send. A send failure
// propagates to the caller and tears the session down.
func New(log zerolog.Logger, send func(ddp.Message) error) *Mergebox {
	return &Mergebox{
		log:         log,
		send:        send,
		collections: make(map[string][]*mergeDocument),
		serverView:  make(map[string][]serverDocument),
	}
}

func (m *Mergebox) emit(msg ddp.Message) error {
	metrics.RecordMergeboxMessage(msg.Msg)
	return m.send(msg)
}

// Insert records that a contributor asserts (collection, id) with the given
// fields. The _id field must not be part of doc.
func (m *Mergebox) Insert(collection string, id value.Value, doc *value.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(collection, id, doc)
}

func (m *Mergebox) insertLocked(collection string, id value.Value, doc *value.Document) error {
	docs := m.collections[collection]
	existing := findDocument(docs, id)
	if existing == nil {
		entry := &mergeDocument{id: id, refs: 1, fields: make(map[string]*mergeField)}
		doc.Range(func(field string, v value.Value) bool {
			entry.fields[field] = &mergeField{refs: 1, value: value.Clone(v)}
			return true
		})
		m.collections[collection] = append(docs, entry)

		var fields *value.Document
		if doc.Len() > 0 {
			fields = doc.Clone()
		}
		return m.emit(ddp.Added(collection, id, fields))
	}

	existing.refs++
	changed := value.NewDocument()
	doc.Range(func(field string, v value.Value) bool {
		if entry, ok := existing.fields[field]; ok {
			entry.refs++
			if !value.Equal(entry.value, v) {
				entry.value = value.Clone(v)
				changed.Set(field, value.Clone(v))
			}
		} else {
			existing.fields[field] = &mergeField{refs: 1, value: value.Clone(v)}
			changed.Set(field, value.Clone(v))
		}
		return true
	})
	if changed.Len() == 0 {
		return nil
	}
	return m.emit(ddp.Changed(collection, id, changed, nil))
}

// Remove withdraws a contributor's assertion of (collection, id). The doc
// argument is that contributor's last-asserted version; its fields are the
// refcounts to release. An unknown collection, document, or field is not an
// error: the upstream may describe documents this session never held.
func (m *Mergebox) Remove(collection string, id value.Value, doc *value.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(collection, id, doc)
}

func (m *Mergebox) removeLocked(collection string, id value.Value, doc *value.Document) error {
	docs := m.collections[collection]
	existing := findDocument(docs, id)
	if existing == nil {
		m.log.Debug().Str("collection", collection).Msg("remove for a document not held")
		return nil
	}

	existing.refs--
	var cleared []string
	doc.Range(func(field string, _ value.Value) bool {
		entry, ok := existing.fields[field]
		if !ok {
			m.log.Debug().Str("collection", collection).Str("field", field).
				Msg("remove for a field not held")
			return true
		}
		entry.refs--
		if entry.refs == 0 {
			delete(existing.fields, field)
			cleared = append(cleared, field)
		}
		return true
	})

	if existing.refs <= 0 {
		m.collections[collection] = deleteDocument(docs, existing)
		return m.emit(ddp.Removed(collection, id))
	}
	if len(cleared) > 0 {
		return m.emit(ddp.Changed(collection, id, nil, cleared))
	}
	return nil
}

// ServerAdded reconciles an upstream added frame: the upstream becomes one
// more contributor for (collection, id).
func (m *Mergebox) ServerAdded(collection string, id value.Value, fields *value.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if fields == nil {
		fields = value.NewDocument()
	}
	m.serverView[collection] = append(m.serverView[collection], serverDocument{id: id, doc: fields.Clone()})
	return m.insertLocked(collection, id, fields)
}

// ServerChanged reconciles an upstream changed frame. The delta is applied to
// the upstream's previous version; inserting the new version before removing
// the old one moves the upstream contribution without the refcount touching
// zero in between.
func (m *Mergebox) ServerChanged(collection string, id value.Value, fields *value.Document, cleared []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	previous, ok := m.takeServerDocument(collection, id)
	if !ok {
		m.log.Debug().Str("collection", collection).Msg("changed for a document the upstream never added")
		return nil
	}

	applied := previous.Clone()
	for _, field := range cleared {
		applied.Delete(field)
	}
	if fields != nil {
		fields.Range(func(field string, v value.Value) bool {
			applied.Set(field, value.Clone(v))
			return true
		})
	}

	m.serverView[collection] = append(m.serverView[collection], serverDocument{id: id, doc: applied.Clone()})
	if err := m.insertLocked(collection, id, applied); err != nil {
		return err
	}
	return m.removeLocked(collection, id, previous)
}

// ServerRemoved reconciles an upstream removed frame.
func (m *Mergebox) ServerRemoved(collection string, id value.Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	previous, ok := m.takeServerDocument(collection, id)
	if !ok {
		m.log.Debug().Str("collection", collection).Msg("removed for a document the upstream never added")
		return nil
	}
	return m.removeLocked(collection, id, previous)
}

func (m *Mergebox) takeServerDocument(collection string, id value.Value) (*value.Document, bool) {
	view := m.serverView[collection]
	for i, entry := range view {
		if value.Equal(entry.id, id) {
			m.serverView[collection] = append(view[:i], view[i+1:]...)
			return entry.doc, true
		}
	}
	return nil, false
}

func findDocument(docs []*mergeDocument, id value.Value) *mergeDocument {
	for _, doc := range docs {
		if value.Equal(doc.id, id) {
			return doc
		}
	}
	return nil
}

func deleteDocument(docs []*mergeDocument, target *mergeDocument) []*mergeDocument {
	for i, doc := range docs {
		if doc == target {
			return append(docs[:i], docs[i+1:]...)
		}
	}
	return docs
}
