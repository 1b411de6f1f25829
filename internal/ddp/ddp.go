// Package ddp models the sync-protocol message set. Every frame is a JSON
// object discriminated by its "msg" field; Message is the closed union of the
// shapes the router understands. Frames with an unknown discriminator still
// parse (Msg is set, the rest is left zero) so the session can forward their
// raw bytes unchanged.
package ddp

import (
	"encoding/json"
	"fmt"

	"github.com/syncrouter/syncrouter/internal/value"
)

// Message discriminators.
const (
	MsgConnect     = "connect"
	MsgConnected   = "connected"
	MsgFailed      = "failed"
	MsgPing        = "ping"
	MsgPong        = "pong"
	MsgSub         = "sub"
	MsgUnsub       = "unsub"
	MsgNosub       = "nosub"
	MsgReady       = "ready"
	MsgMethod      = "method"
	MsgResult      = "result"
	MsgUpdated     = "updated"
	MsgAdded       = "added"
	MsgAddedBefore = "addedBefore"
	MsgChanged     = "changed"
	MsgMovedBefore = "movedBefore"
	MsgRemoved     = "removed"
)

// MethodPrefix is prepended to a publication name when the router rewrites a
// client subscription as a remote procedure call.
const MethodPrefix = "__subscription__"

// NotFoundError is the exact error reason the upstream returns when no
// publication handler exists for name; it is the contract for falling back to
// upstream-managed subscriptions.
func NotFoundError(name string) string {
	return fmt.Sprintf("Method '%s%s' not found", MethodPrefix, name)
}

// Message is one sync-protocol frame. Which fields are meaningful depends on
// Msg; unused fields stay zero and are omitted on the wire.
type Message struct {
	Msg string

	// connect / connected / failed
	Session string
	Version string
	Support []string

	// sub / unsub / nosub / method / result / ping / pong
	ID         string
	Name       string
	Method     string
	Params     json.RawMessage
	RandomSeed json.RawMessage
	Error      json.RawMessage
	Result     json.RawMessage

	// ready / updated
	Subs    []string
	Methods []string

	// added / addedBefore / changed / movedBefore / removed
	Collection string
	DocID      value.Value
	Fields     *value.Document
	Cleared    []string
	Before     json.RawMessage
}

// Sub builds a client subscription frame.
func Sub(id, name string, params json.RawMessage) Message {
	return Message{Msg: MsgSub, ID: id, Name: name, Params: params}
}

// MethodCall builds a remote procedure call frame.
func MethodCall(id, method string, params json.RawMessage) Message {
	return Message{Msg: MsgMethod, ID: id, Method: method, Params: params}
}

// Nosub builds a subscription-ended frame.
func Nosub(id string, err json.RawMessage) Message {
	return Message{Msg: MsgNosub, ID: id, Error: err}
}

// Ready builds a subscriptions-ready frame.
func Ready(subs ...string) Message {
	return Message{Msg: MsgReady, Subs: subs}
}

// Updated builds a methods-updated frame.
func Updated(methods []string) Message {
	return Message{Msg: MsgUpdated, Methods: methods}
}

// Added builds a document-added frame. A nil fields document is omitted.
func Added(collection string, id value.Value, fields *value.Document) Message {
	return Message{Msg: MsgAdded, Collection: collection, DocID: id, Fields: fields}
}

// Changed builds a document-changed frame.
func Changed(collection string, id value.Value, fields *value.Document, cleared []string) Message {
	return Message{Msg: MsgChanged, Collection: collection, DocID: id, Fields: fields, Cleared: cleared}
}

// Removed builds a document-removed frame.
func Removed(collection string, id value.Value) Message {
	return Message{Msg: MsgRemoved, Collection: collection, DocID: id}
}
