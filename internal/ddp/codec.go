package ddp

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/syncrouter/syncrouter/internal/value"
)

// wireMessage is the JSON shape shared by every frame. Document ids and
// fields need the ordered value decoding, so they stay raw here and are
// decoded per discriminator.
type wireMessage struct {
	Msg        string          `json:"msg"`
	Session    string          `json:"session,omitempty"`
	Version    string          `json:"version,omitempty"`
	Support    []string        `json:"support,omitempty"`
	ID         json.RawMessage `json:"id,omitempty"`
	Name       string          `json:"name,omitempty"`
	Method     string          `json:"method,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	RandomSeed json.RawMessage `json:"randomSeed,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Subs       []string        `json:"subs,omitempty"`
	Methods    []string        `json:"methods,omitempty"`
	Collection string          `json:"collection,omitempty"`
	Fields     json.RawMessage `json:"fields,omitempty"`
	Cleared    []string        `json:"cleared,omitempty"`
	Before     json.RawMessage `json:"before,omitempty"`
}

// dataMessage reports whether the discriminator carries a document id rather
// than a protocol-level string id.
func dataMessage(msg string) bool {
	switch msg {
	case MsgAdded, MsgAddedBefore, MsgChanged, MsgMovedBefore, MsgRemoved:
		return true
	}
	return false
}

// Parse decodes one frame. Unknown discriminators are not an error: the
// caller keeps the raw bytes around and forwards them unchanged.
func Parse(data []byte) (Message, error) {
	var wire wireMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&wire); err != nil {
		return Message{}, fmt.Errorf("malformed frame: %w", err)
	}
	if wire.Msg == "" {
		return Message{}, fmt.Errorf("frame without msg discriminator")
	}

	m := Message{
		Msg:        wire.Msg,
		Session:    wire.Session,
		Version:    wire.Version,
		Support:    wire.Support,
		Name:       wire.Name,
		Method:     wire.Method,
		Params:     wire.Params,
		RandomSeed: wire.RandomSeed,
		Error:      wire.Error,
		Result:     wire.Result,
		Subs:       wire.Subs,
		Methods:    wire.Methods,
		Collection: wire.Collection,
		Cleared:    wire.Cleared,
		Before:     wire.Before,
	}

	if len(wire.ID) > 0 {
		if dataMessage(wire.Msg) {
			id, err := value.DecodeJSON(wire.ID)
			if err != nil {
				return Message{}, fmt.Errorf("malformed document id: %w", err)
			}
			m.DocID = id
		} else {
			if err := json.Unmarshal(wire.ID, &m.ID); err != nil {
				return Message{}, fmt.Errorf("malformed id: %w", err)
			}
		}
	}

	if len(wire.Fields) > 0 {
		fields, err := value.DecodeDocument(wire.Fields)
		if err != nil {
			return Message{}, fmt.Errorf("malformed fields: %w", err)
		}
		m.Fields = fields
	}

	return m, nil
}

// Encode renders a frame back to JSON.
func (m Message) Encode() ([]byte, error) {
	wire := wireMessage{
		Msg:        m.Msg,
		Session:    m.Session,
		Version:    m.Version,
		Support:    m.Support,
		Name:       m.Name,
		Method:     m.Method,
		Params:     m.Params,
		RandomSeed: m.RandomSeed,
		Error:      m.Error,
		Result:     m.Result,
		Subs:       m.Subs,
		Methods:    m.Methods,
		Collection: m.Collection,
		Cleared:    m.Cleared,
		Before:     m.Before,
	}

	if dataMessage(m.Msg) {
		if m.DocID != nil {
			id, err := value.EncodeJSON(m.DocID)
			if err != nil {
				return nil, err
			}
			wire.ID = id
		}
	} else if m.ID != "" {
		id, err := json.Marshal(m.ID)
		if err != nil {
			return nil, err
		}
		wire.ID = id
	}

	if m.Fields != nil {
		fields, err := value.EncodeJSON(m.Fields)
		if err != nil {
			return nil, err
		}
		wire.Fields = fields
	}

	return json.Marshal(wire)
}

// ErrorReason extracts the "reason" string from a result error payload, if
// the payload is an object carrying one.
func ErrorReason(errPayload json.RawMessage) (string, bool) {
	if len(errPayload) == 0 {
		return "", false
	}
	var shape struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(errPayload, &shape); err != nil {
		return "", false
	}
	return shape.Reason, shape.Reason != ""
}
