package store

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/syncrouter/syncrouter/internal/ejson"
	"github.com/syncrouter/syncrouter/internal/value"
)

// querySubjectPrefix is the request/reply subject space the database gateway
// answers queries on, one subject per collection.
const querySubjectPrefix = "query."

// NATSStore resolves queries through the database gateway's NATS
// request/reply endpoint. The reply is a JSON array of documents.
type NATSStore struct {
	conn  *nats.Conn
	codec *ejson.Codec
	log   zerolog.Logger
}

// NewNATSStore builds a store over an existing NATS connection.
func NewNATSStore(conn *nats.Conn, codec *ejson.Codec, log zerolog.Logger) *NATSStore {
	return &NATSStore{conn: conn, codec: codec, log: log}
}

// Find implements Store.
func (s *NATSStore) Find(ctx context.Context, collection string, selector *value.Document, opts FindOptions) ([]*value.Document, error) {
	request := value.NewDocument()
	if selector == nil {
		selector = value.NewDocument()
	}
	request.Set("selector", selector)

	options := value.NewDocument()
	if opts.Limit != nil {
		options.Set("limit", *opts.Limit)
	}
	if opts.Skip != nil {
		options.Set("skip", int64(*opts.Skip))
	}
	if opts.Sort != nil {
		options.Set("sort", opts.Sort)
	}
	if opts.Projection != nil {
		options.Set("projection", opts.Projection)
	}
	request.Set("options", options)

	payload, err := value.EncodeJSON(request)
	if err != nil {
		return nil, fmt.Errorf("failed to encode query: %w", err)
	}

	reply, err := s.conn.RequestWithContext(ctx, querySubjectPrefix+collection, payload)
	if err != nil {
		return nil, fmt.Errorf("query against %s failed: %w", collection, err)
	}

	decoded, err := value.DecodeJSON(reply.Data)
	if err != nil {
		return nil, fmt.Errorf("malformed query reply for %s: %w", collection, err)
	}
	rows, ok := decoded.(value.Array)
	if !ok {
		return nil, fmt.Errorf("query reply for %s is not an array", collection)
	}

	documents := make([]*value.Document, 0, len(rows))
	for _, row := range rows {
		doc, ok := row.(*value.Document)
		if !ok {
			return nil, fmt.Errorf("query reply for %s contains a non-document row", collection)
		}
		documents = append(documents, s.codec.FromStorageDocument(doc))
	}
	return documents, nil
}
