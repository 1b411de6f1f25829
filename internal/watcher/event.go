package watcher

import (
	"fmt"

	"github.com/syncrouter/syncrouter/internal/value"
)

// EventKind discriminates change-notification events.
type EventKind int

const (
	// Clear signals that the whole collection was dropped.
	Clear EventKind = iota
	// Delete carries the key-only document of a removed row.
	Delete
	// Insert carries the full post-image of a new document.
	Insert
	// Update carries the full post-image of a changed document.
	Update
)

func (k EventKind) String() string {
	switch k {
	case Clear:
		return "clear"
	case Delete:
		return "delete"
	case Insert:
		return "insert"
	case Update:
		return "update"
	}
	return "unknown"
}

// Event is one change-notification stream element, already mapped to the
// internal value model.
type Event struct {
	Kind EventKind
	// Doc is the full post-image for Insert/Update and the key-only document
	// for Delete; it is nil for Clear.
	Doc *value.Document
}

// parseEvent maps a raw change-notification payload to an Event. The payload
// mirrors the database's change stream shape:
//
//	{"operationType": "insert", "fullDocument": {...}, "documentKey": {...}}
func parseEvent(payload []byte) (Event, error) {
	doc, err := value.DecodeDocument(payload)
	if err != nil {
		return Event{}, fmt.Errorf("malformed change event: %w", err)
	}

	rawOp, _ := doc.Get("operationType")
	op, _ := rawOp.(string)
	switch op {
	case "drop", "dropDatabase":
		return Event{Kind: Clear}, nil
	case "delete":
		key, ok := doc.Get("documentKey")
		keyDoc, isDoc := key.(*value.Document)
		if !ok || !isDoc {
			return Event{}, fmt.Errorf("delete event without documentKey")
		}
		return Event{Kind: Delete, Doc: keyDoc}, nil
	case "insert", "update":
		full, ok := doc.Get("fullDocument")
		fullDoc, isDoc := full.(*value.Document)
		if !ok || !isDoc {
			return Event{}, fmt.Errorf("%s event without fullDocument", op)
		}
		kind := Insert
		if op == "update" {
			kind = Update
		}
		return Event{Kind: kind, Doc: fullDoc}, nil
	}
	return Event{}, fmt.Errorf("unexpected operationType %q", op)
}
