// Package cursor is the live-query engine: per (collection, query) it keeps
// a filtered, projected, optionally sorted-and-bounded document set current,
// and streams document-level add/change/remove transitions into every
// session-level mergebox attached to it.
package cursor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/syncrouter/syncrouter/internal/metrics"
	"github.com/syncrouter/syncrouter/internal/rerror"
	"github.com/syncrouter/syncrouter/internal/store"
	"github.com/syncrouter/syncrouter/internal/value"
	"github.com/syncrouter/syncrouter/internal/watcher"
)

// Mergebox is the slice of the session-level reconciliation buffer a cursor
// writes through.
type Mergebox interface {
	Insert(collection string, id value.Value, doc *value.Document) error
	Remove(collection string, id value.Value, doc *value.Document) error
}

// Pool bounds the concurrency of polling-mode fetches. A submission the pool
// drops just delays freshness until the next tick.
type Pool interface {
	Submit(task func())
}

type sessionEntry struct {
	refs int
	mb   Mergebox
}

// Cursor maintains one live query. It is shared: several sessions attach
// their mergeboxes to the same cursor when their descriptions are equal.
type Cursor struct {
	desc    *Description
	viewer  *viewer // nil: polling mode
	store   store.Store
	watcher *watcher.Watcher
	pool    Pool
	log     zerolog.Logger

	mu        sync.Mutex
	documents []*value.Document
	sessions  map[string]*sessionEntry
	running   bool
	stop      chan struct{}
}

// New builds an idle cursor for the description. Compilation failures are not
// fatal here: they put the cursor permanently in polling mode.
func New(desc *Description, st store.Store, w *watcher.Watcher, pool Pool, log zerolog.Logger) *Cursor {
	log = log.With().Str("collection", desc.Collection).Logger()
	v, err := compileViewer(desc)
	if err != nil {
		log.Info().Err(err).Msg("description not supported by the streaming path, falling back to polling")
		metrics.RecordError(string(rerror.KindCompile), metrics.SeverityWarning)
		v = nil
	}
	return &Cursor{
		desc:     desc,
		viewer:   v,
		store:    st,
		watcher:  w,
		pool:     pool,
		log:      log,
		sessions: make(map[string]*sessionEntry),
	}
}

// Description returns the cursor's description, for dedupe by the registry.
func (c *Cursor) Description() *Description {
	return c.desc
}

func (c *Cursor) mode() string {
	if c.viewer != nil {
		return "streaming"
	}
	return "polling"
}

// Attach registers a session's mergebox. The first attachment runs the
// initial fetch and starts the background task; re-attaching the same
// session only bumps its reference count.
func (c *Cursor) Attach(ctx context.Context, sessionID string, mb Mergebox) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.sessions[sessionID]; ok {
		entry.refs++
		return nil
	}

	first := len(c.sessions) == 0
	c.sessions[sessionID] = &sessionEntry{refs: 1, mb: mb}

	if !first {
		// Catch the new mergebox up with the already-fetched set.
		for _, doc := range c.documents {
			id, fields, err := c.splitDocument(doc)
			if err != nil {
				return err
			}
			if err := mb.Insert(c.desc.Collection, id, fields); err != nil {
				return err
			}
		}
		return nil
	}

	if err := c.startLocked(ctx); err != nil {
		delete(c.sessions, sessionID)
		return err
	}
	return nil
}

// Detach drops one of the session's references; when the session's count and
// then the whole table reach zero, its documents are withdrawn and the
// background task stops.
func (c *Cursor) Detach(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.sessions[sessionID]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs > 0 {
		return
	}
	delete(c.sessions, sessionID)

	for _, doc := range c.documents {
		id, fields, err := c.splitDocument(doc)
		if err != nil {
			continue
		}
		if err := entry.mb.Remove(c.desc.Collection, id, fields); err != nil {
			c.log.Debug().Err(err).Msg("failed to withdraw documents from a detaching session")
		}
	}

	if len(c.sessions) == 0 && c.running {
		close(c.stop)
		c.running = false
		c.documents = nil
		metrics.RecordCursorStopped(c.mode())
	}
}

func (c *Cursor) startLocked(ctx context.Context) error {
	var sub *watcher.Subscriber
	if c.viewer != nil {
		var err error
		sub, err = c.watcher.Watch(c.desc.Collection)
		if err != nil {
			return rerror.Wrap(rerror.KindWatcherStream, err, "failed to watch %s", c.desc.Collection)
		}
	}

	// Populate the set before the task begins so newly attached mergeboxes
	// see a consistent snapshot.
	if err := c.fetchLocked(ctx, "initial"); err != nil {
		if sub != nil {
			sub.Close()
		}
		return err
	}

	c.stop = make(chan struct{})
	c.running = true
	metrics.RecordCursorStarted(c.mode())

	if sub != nil {
		go c.streamLoop(ctx, sub, c.stop)
	} else {
		go c.pollLoop(ctx, c.stop)
	}
	return nil
}

func (c *Cursor) streamLoop(ctx context.Context, sub *watcher.Subscriber, stop chan struct{}) {
	defer sub.Close()
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				metrics.RecordError(string(rerror.KindWatcherStream), metrics.SeverityCritical)
				c.log.Error().Err(sub.Err()).Msg("change stream ended, cursor task exiting")
				return
			}
			if sub.Lagged() {
				metrics.RecordError(string(rerror.KindBroadcastLag), metrics.SeverityWarning)
				c.log.Warn().Msg("subscriber lagged behind the broadcast buffer, re-fetching")
				c.mu.Lock()
				if err := c.fetchLocked(ctx, "lag"); err != nil {
					c.log.Error().Err(err).Msg("re-fetch after lag failed")
				}
				c.mu.Unlock()
			}
			metrics.RecordCursorEvent(ev.Kind.String())
			c.mu.Lock()
			refetch, err := c.processLocked(ev)
			if err == nil && refetch {
				metrics.RecordCursorRefetch()
				err = c.fetchLocked(ctx, "limit_shrink")
			}
			c.mu.Unlock()
			if err != nil {
				c.log.Error().Err(err).Msg("event processing failed, cursor task exiting")
				return
			}
		}
	}
}

func (c *Cursor) pollLoop(ctx context.Context, stop chan struct{}) {
	interval := time.Duration(c.desc.PollingIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Duration(DefaultPollingIntervalMs) * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.pool.Submit(func() {
				c.mu.Lock()
				defer c.mu.Unlock()
				if !c.running {
					return
				}
				if err := c.fetchLocked(ctx, "poll"); err != nil {
					c.log.Error().Err(err).Msg("polling fetch failed")
				}
			})
		}
	}
}

// fetchLocked queries the store and reconciles the fresh result set against
// the held one: every fresh document is (re-)inserted into each mergebox,
// every previously held one removed. The mergebox refcounts turn that
// insert/remove pairing into minimal deltas.
func (c *Cursor) fetchLocked(ctx context.Context, trigger string) error {
	metrics.RecordCursorFetch(trigger)

	documents, err := c.store.Find(ctx, c.desc.Collection, c.desc.Selector, store.FindOptions{
		Limit:      c.desc.Limit,
		Skip:       c.desc.Skip,
		Sort:       c.desc.Sort,
		Projection: c.desc.Projection,
	})
	if err != nil {
		return err
	}

	previous := c.documents
	c.documents = documents

	for _, doc := range documents {
		id, fields, err := c.splitDocument(doc)
		if err != nil {
			return err
		}
		if err := c.eachMergebox(func(mb Mergebox) error {
			return mb.Insert(c.desc.Collection, id, fields)
		}); err != nil {
			return err
		}
	}
	for _, doc := range previous {
		id, fields, err := c.splitDocument(doc)
		if err != nil {
			return err
		}
		if err := c.eachMergebox(func(mb Mergebox) error {
			return mb.Remove(c.desc.Collection, id, fields)
		}); err != nil {
			return err
		}
	}
	return nil
}

// processLocked applies one change-stream event to the held set. It returns
// true when a bounded window shrank and the cursor has to re-fetch to refill
// it.
func (c *Cursor) processLocked(ev watcher.Event) (bool, error) {
	switch ev.Kind {
	case watcher.Clear:
		previous := c.documents
		c.documents = nil
		for _, doc := range previous {
			id, fields, err := c.splitDocument(doc)
			if err != nil {
				return false, err
			}
			if err := c.eachMergebox(func(mb Mergebox) error {
				return mb.Remove(c.desc.Collection, id, fields)
			}); err != nil {
				return false, err
			}
		}
		return false, nil

	case watcher.Delete:
		id, ok := ev.Doc.Get("_id")
		if !ok {
			return false, rerror.New(rerror.KindNotFound, "_id not found in delete event")
		}
		index := c.indexOf(id)
		if index < 0 {
			// A document this cursor never held; legal in the streaming path.
			return false, nil
		}
		if limit := c.desc.limitLen(); limit >= 0 && len(c.documents) == limit {
			// The window just shrank below the limit; refill from the store.
			return true, nil
		}
		doc := c.documents[index]
		c.documents = append(c.documents[:index], c.documents[index+1:]...)
		docID, fields, err := c.splitDocument(doc)
		if err != nil {
			return false, err
		}
		return false, c.eachMergebox(func(mb Mergebox) error {
			return mb.Remove(c.desc.Collection, docID, fields)
		})

	case watcher.Insert:
		return false, c.insertEvent(ev.Doc)

	case watcher.Update:
		return c.updateEvent(ev.Doc)
	}
	return false, nil
}

func (c *Cursor) insertEvent(doc *value.Document) error {
	if !c.viewer.matcher.Matches(doc) {
		return nil
	}

	limit := c.desc.limitLen()
	if limit >= 0 {
		index := c.insertionIndex(doc)
		if index == limit {
			// Out of the bounded window.
			return nil
		}
		c.documents = append(c.documents, nil)
		copy(c.documents[index+1:], c.documents[index:])
		c.documents[index] = doc
	} else {
		c.documents = append(c.documents, doc)
	}

	id, fields, err := c.splitDocument(doc)
	if err != nil {
		return err
	}
	if err := c.eachMergebox(func(mb Mergebox) error {
		return mb.Insert(c.desc.Collection, id, fields)
	}); err != nil {
		return err
	}

	if limit >= 0 && len(c.documents) > limit {
		popped := c.documents[len(c.documents)-1]
		c.documents = c.documents[:len(c.documents)-1]
		popID, popFields, err := c.splitDocument(popped)
		if err != nil {
			return err
		}
		return c.eachMergebox(func(mb Mergebox) error {
			return mb.Remove(c.desc.Collection, popID, popFields)
		})
	}
	return nil
}

// updateEvent handles the subtle case of an update that may move a document
// into, around, or out of the set. The chosen order for a bounded window is:
// insert the new version at its binary-searched position first, then remove
// the old version by id.
func (c *Cursor) updateEvent(doc *value.Document) (bool, error) {
	id, ok := doc.Get("_id")
	if !ok {
		return false, rerror.New(rerror.KindNotFound, "_id not found in update event")
	}

	if !c.viewer.matcher.Matches(doc) {
		index := c.indexOf(id)
		if index < 0 {
			return false, nil
		}
		if limit := c.desc.limitLen(); limit >= 0 && len(c.documents) == limit {
			return true, nil
		}
		old := c.documents[index]
		c.documents = append(c.documents[:index], c.documents[index+1:]...)
		oldID, oldFields, err := c.splitDocument(old)
		if err != nil {
			return false, err
		}
		return false, c.eachMergebox(func(mb Mergebox) error {
			return mb.Remove(c.desc.Collection, oldID, oldFields)
		})
	}

	limit := c.desc.limitLen()
	if limit >= 0 {
		index := c.insertionIndex(doc)
		if index == limit {
			// A newly matching document that does not fit the window.
			return false, nil
		}
		c.documents = append(c.documents, nil)
		copy(c.documents[index+1:], c.documents[index:])
		c.documents[index] = doc
	} else {
		c.documents = append(c.documents, doc)
	}

	id2, fields, err := c.splitDocument(doc)
	if err != nil {
		return false, err
	}
	if err := c.eachMergebox(func(mb Mergebox) error {
		return mb.Insert(c.desc.Collection, id2, fields)
	}); err != nil {
		return false, err
	}

	// Remove the previous version, if the document was already in the set.
	for i, held := range c.documents {
		if held == doc {
			continue
		}
		heldID, heldOK := held.Get("_id")
		if !heldOK || !value.Equal(heldID, id) {
			continue
		}
		c.documents = append(c.documents[:i], c.documents[i+1:]...)
		oldID, oldFields, err := c.splitDocument(held)
		if err != nil {
			return false, err
		}
		if err := c.eachMergebox(func(mb Mergebox) error {
			return mb.Remove(c.desc.Collection, oldID, oldFields)
		}); err != nil {
			return false, err
		}
		break
	}

	// A newly matching document can push a full window one past its bound.
	if limit >= 0 && len(c.documents) > limit {
		popped := c.documents[len(c.documents)-1]
		c.documents = c.documents[:len(c.documents)-1]
		popID, popFields, err := c.splitDocument(popped)
		if err != nil {
			return false, err
		}
		return false, c.eachMergebox(func(mb Mergebox) error {
			return mb.Remove(c.desc.Collection, popID, popFields)
		})
	}
	return false, nil
}

func (c *Cursor) insertionIndex(doc *value.Document) int {
	return sort.Search(len(c.documents), func(i int) bool {
		return c.viewer.sorter.Compare(c.documents[i], doc) >= 0
	})
}

func (c *Cursor) indexOf(id value.Value) int {
	for i, doc := range c.documents {
		if docID, ok := doc.Get("_id"); ok && value.Equal(docID, id) {
			return i
		}
	}
	return -1
}

// splitDocument produces the mergebox-facing version of a held document: a
// projected clone without its _id field, plus the id itself.
func (c *Cursor) splitDocument(doc *value.Document) (value.Value, *value.Document, error) {
	id, ok := doc.Get("_id")
	if !ok {
		return nil, nil, fmt.Errorf("_id not found in document")
	}
	fields := doc.Clone()
	fields.Delete("_id")
	if c.viewer != nil {
		c.viewer.projector.Apply(fields)
	}
	return id, fields, nil
}

func (c *Cursor) eachMergebox(fn func(mb Mergebox) error) error {
	for _, entry := range c.sessions {
		if err := fn(entry.mb); err != nil {
			return err
		}
	}
	return nil
}
