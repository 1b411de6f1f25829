// Package watcher fans change-notification streams out to cursors. One
// publisher task runs per watched collection, no matter how many cursors
// subscribe; each subscriber has its own bounded buffer and observes loss
// explicitly instead of blocking the publisher.
package watcher

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/syncrouter/syncrouter/internal/metrics"
)

// subscriberBuffer bounds each subscriber's event queue. A subscriber that
// falls further behind than this observes a lag signal and re-fetches.
const subscriberBuffer = 1024

// Transport delivers raw change-notification payloads for one collection.
// Implementations push every payload through deliver in stream order and call
// closed exactly once when the underlying stream terminates.
type Transport interface {
	Subscribe(collection string, deliver func(payload []byte), closed func(err error)) (cancel func(), err error)
}

// Subscriber is one cursor's view of a collection's change stream. Events
// closes when the stream terminates.
type Subscriber struct {
	events chan Event
	lagged atomic.Bool
	pub    *publisher
}

// Events returns the subscriber's event channel.
func (s *Subscriber) Events() <-chan Event {
	return s.events
}

// Lagged reports and clears the overflow flag. A true result means events
// were dropped since the last call; the consumer must re-fetch.
func (s *Subscriber) Lagged() bool {
	return s.lagged.Swap(false)
}

// Err returns the terminal stream error, if the stream has ended.
func (s *Subscriber) Err() error {
	return s.pub.err()
}

// Close detaches the subscriber from its publisher.
func (s *Subscriber) Close() {
	s.pub.remove(s)
}

type publisher struct {
	collection string
	log        zerolog.Logger

	mu      sync.Mutex
	subs    []*Subscriber
	closed  bool
	cancel  func()
	termErr error
}

func (p *publisher) broadcast(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sub := range p.subs {
		select {
		case sub.events <- ev:
		default:
			// Slow subscriber: drop the event and let it find out.
			sub.lagged.Store(true)
			metrics.RecordBroadcastLag()
		}
	}
}

func (p *publisher) close(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.termErr = err
	for _, sub := range p.subs {
		close(sub.events)
	}
	p.subs = nil
}

func (p *publisher) err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.termErr
}

func (p *publisher) add() (*Subscriber, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false
	}
	sub := &Subscriber{events: make(chan Event, subscriberBuffer), pub: p}
	p.subs = append(p.subs, sub)
	return sub, true
}

func (p *publisher) remove(sub *Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, other := range p.subs {
		if other == sub {
			p.subs = append(p.subs[:i], p.subs[i+1:]...)
			break
		}
	}
}

// Watcher owns one publisher per watched collection, all sharing a single
// transport connection.
type Watcher struct {
	transport Transport
	log       zerolog.Logger

	mu         sync.Mutex
	publishers map[string]*publisher
}

// New returns a watcher publishing over the given transport.
func New(transport Transport, log zerolog.Logger) *Watcher {
	return &Watcher{
		transport:  transport,
		log:        log,
		publishers: make(map[string]*publisher),
	}
}

// Watch returns a subscription to the collection's change stream, starting
// the shared publisher on first use.
func (w *Watcher) Watch(collection string) (*Subscriber, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if pub, ok := w.publishers[collection]; ok {
		if sub, alive := pub.add(); alive {
			return sub, nil
		}
		// The previous publisher's stream terminated; start a fresh one.
		delete(w.publishers, collection)
	}

	pub := &publisher{
		collection: collection,
		log:        w.log.With().Str("collection", collection).Logger(),
	}

	cancel, err := w.transport.Subscribe(collection,
		func(payload []byte) {
			ev, err := parseEvent(payload)
			if err != nil {
				pub.log.Warn().Err(err).Msg("dropping malformed change event")
				return
			}
			pub.broadcast(ev)
		},
		func(err error) {
			if err != nil {
				pub.log.Error().Err(err).Msg("change stream terminated")
			}
			pub.close(err)
			w.forget(collection, pub)
		},
	)
	if err != nil {
		return nil, err
	}
	pub.cancel = cancel

	w.publishers[collection] = pub
	metrics.SetWatcherPublishers(len(w.publishers))

	sub, _ := pub.add()
	return sub, nil
}

func (w *Watcher) forget(collection string, pub *publisher) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.publishers[collection] == pub {
		delete(w.publishers, collection)
		metrics.SetWatcherPublishers(len(w.publishers))
	}
}

// Close terminates every publisher.
func (w *Watcher) Close() {
	w.mu.Lock()
	pubs := make([]*publisher, 0, len(w.publishers))
	for _, pub := range w.publishers {
		pubs = append(pubs, pub)
	}
	w.publishers = make(map[string]*publisher)
	metrics.SetWatcherPublishers(0)
	w.mu.Unlock()

	for _, pub := range pubs {
		if pub.cancel != nil {
			pub.cancel()
		}
		pub.close(nil)
	}
}
