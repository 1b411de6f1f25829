// Package store is how cursors read the current result set of a query. The
// database driver itself lives behind this interface; the router only needs
// one operation.
package store

import (
	"context"

	"github.com/syncrouter/syncrouter/internal/value"
)

// FindOptions narrows a query the same way the cursor description does.
type FindOptions struct {
	Limit      *int64
	Skip       *uint64
	Sort       *value.Document
	Projection *value.Document
}

// Store executes queries against the backing document database.
type Store interface {
	// Find returns every document matching selector, already mapped through
	// the EJSON codec. Each document carries its _id field.
	Find(ctx context.Context, collection string, selector *value.Document, opts FindOptions) ([]*value.Document, error)
}
