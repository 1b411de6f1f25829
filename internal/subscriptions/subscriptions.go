// Package subscriptions is the process-wide registry of live cursors. It
// deduplicates cursors across sessions by structural description equality,
// holds them only weakly so the last detach can reclaim them, and remembers
// which publication names the upstream admitted no local handler for.
package subscriptions

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
	"github.com/syncrouter/syncrouter/internal/cursor"
	"github.com/syncrouter/syncrouter/internal/ddp"
	"github.com/syncrouter/syncrouter/internal/inflight"
	"github.com/syncrouter/syncrouter/internal/metrics"
	"github.com/syncrouter/syncrouter/internal/rerror"
	"github.com/syncrouter/syncrouter/internal/store"
	"github.com/syncrouter/syncrouter/internal/watcher"
	"github.com/syncrouter/syncrouter/internal/weakref"
)

// Registry owns the two cursor tables and the bypass sentinel set.
type Registry struct {
	ctx     context.Context
	store   store.Store
	watcher *watcher.Watcher
	pool    cursor.Pool
	log     zerolog.Logger

	mu sync.Mutex
	// byCollection publishes weak handles for dedupe; dead ones are reaped
	// on every scan.
	byCollection map[string][]weakref.Ref[cursor.Cursor]
	// bySession holds the strong references: session id → subscription id →
	// attached cursors.
	bySession map[string]map[string][]*cursor.Cursor
	// serverSubscriptions names publications the upstream has no local
	// handler for; subscriptions under these names bypass interception.
	serverSubscriptions map[string]struct{}
}

// New builds an empty registry. The context bounds store fetches issued by
// cursors started through this registry; it should be the process context,
// not a session's.
func New(ctx context.Context, st store.Store, w *watcher.Watcher, pool cursor.Pool, log zerolog.Logger) *Registry {
	return &Registry{
		ctx:                 ctx,
		store:               st,
		watcher:             w,
		pool:                pool,
		log:                 log,
		byCollection:        make(map[string][]weakref.Ref[cursor.Cursor]),
		bySession:           make(map[string]map[string][]*cursor.Cursor),
		serverSubscriptions: make(map[string]struct{}),
	}
}

// IsServerSubscription reports whether name bypasses interception.
func (r *Registry) IsServerSubscription(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.serverSubscriptions[name]
	return ok
}

// Start resolves the upstream's reply to a rewritten subscription. On
// success every description is attached to a shared (or new) cursor and the
// handles are recorded under (sessionID, subscriptionID).
func (r *Registry) Start(sessionID string, mb cursor.Mergebox, inf *inflight.Inflight, subscriptionID string, errPayload, result json.RawMessage) error {
	if len(errPayload) > 0 {
		if reason, ok := ddp.ErrorReason(errPayload); ok && reason == ddp.NotFoundError(inf.Name) {
			r.mu.Lock()
			r.serverSubscriptions[inf.Name] = struct{}{}
			metrics.SetServerSubscriptions(len(r.serverSubscriptions))
			r.mu.Unlock()
			return rerror.New(rerror.KindNotRegistered, "publication for %s was not registered", inf.Name)
		}
		return rerror.New(rerror.KindDescriptionParse, "publication %s failed: %s", inf.Name, errPayload)
	}

	descriptions, err := cursor.ParseDescriptions(result)
	if err != nil {
		return rerror.Wrap(rerror.KindDescriptionParse, err, "publication %s returned an unusable result", inf.Name)
	}

	handles := make([]*cursor.Cursor, 0, len(descriptions))
	attach := func(c *cursor.Cursor) error {
		if err := c.Attach(r.ctx, sessionID, mb); err != nil {
			return err
		}
		handles = append(handles, c)
		return nil
	}

	for _, desc := range descriptions {
		shared := r.findOrPublish(desc)
		if err := attach(shared); err != nil {
			// Roll back whatever already attached so the fallback path does
			// not leave half a subscription behind.
			for _, h := range handles {
				h.Detach(sessionID)
			}
			return err
		}
	}

	r.mu.Lock()
	perSession, ok := r.bySession[sessionID]
	if !ok {
		perSession = make(map[string][]*cursor.Cursor)
		r.bySession[sessionID] = perSession
	}
	perSession[subscriptionID] = handles
	r.mu.Unlock()

	return nil
}

// findOrPublish returns a live cursor with an equal description, reaping
// dead weak handles along the way, or creates and publishes a fresh one.
func (r *Registry) findOrPublish(desc *cursor.Description) *cursor.Cursor {
	r.mu.Lock()
	defer r.mu.Unlock()

	refs := r.byCollection[desc.Collection]
	alive := refs[:0]
	var found *cursor.Cursor
	for _, ref := range refs {
		c := ref.Get()
		if c == nil {
			continue
		}
		alive = append(alive, ref)
		if found == nil && c.Description().Equal(desc) {
			found = c
		}
	}

	if found == nil {
		found = cursor.New(desc, r.store, r.watcher, r.pool, r.log)
		alive = append(alive, weakref.Make(found))
	}
	r.byCollection[desc.Collection] = alive
	return found
}

// Stop detaches every cursor recorded under (sessionID, subscriptionID). A
// missing entry is not an error; Stop returns false and the caller
// forwards the unsubscribe upstream instead.
func (r *Registry) Stop(sessionID string, subscriptionID string) bool {
	r.mu.Lock()
	perSession := r.bySession[sessionID]
	handles, ok := perSession[subscriptionID]
	if ok {
		delete(perSession, subscriptionID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	for _, c := range handles {
		c.Detach(sessionID)
	}
	return true
}

// StopAll detaches everything a session attached; it runs on session
// teardown, error paths included, so shared cursors wind down
// deterministically.
func (r *Registry) StopAll(sessionID string) {
	r.mu.Lock()
	perSession := r.bySession[sessionID]
	delete(r.bySession, sessionID)
	r.mu.Unlock()

	for _, handles := range perSession {
		for _, c := range handles {
			c.Detach(sessionID)
		}
	}
}
