package watcher

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/syncrouter/syncrouter/internal/value"
)

// manualTransport hands the test the deliver/closed hooks.
type manualTransport struct {
	deliver map[string]func([]byte)
	closed  map[string]func(error)
}

func newManualTransport() *manualTransport {
	return &manualTransport{
		deliver: make(map[string]func([]byte)),
		closed:  make(map[string]func(error)),
	}
}

func (m *manualTransport) Subscribe(collection string, deliver func([]byte), closed func(err error)) (func(), error) {
	m.deliver[collection] = deliver
	m.closed[collection] = closed
	return func() {}, nil
}

func TestParseEvent(t *testing.T) {
	tests := []struct {
		payload string
		want    EventKind
	}{
		{`{"operationType":"insert","fullDocument":{"_id":1}}`, Insert},
		{`{"operationType":"update","fullDocument":{"_id":1,"a":2}}`, Update},
		{`{"operationType":"delete","documentKey":{"_id":1}}`, Delete},
		{`{"operationType":"drop"}`, Clear},
		{`{"operationType":"dropDatabase"}`, Clear},
	}
	for _, tt := range tests {
		ev, err := parseEvent([]byte(tt.payload))
		if err != nil {
			t.Errorf("parseEvent(%s): %v", tt.payload, err)
			continue
		}
		if ev.Kind != tt.want {
			t.Errorf("parseEvent(%s).Kind = %v, want %v", tt.payload, ev.Kind, tt.want)
		}
	}

	for _, payload := range []string{
		`{"operationType":"insert"}`,
		`{"operationType":"rename"}`,
		`not json`,
	} {
		if _, err := parseEvent([]byte(payload)); err == nil {
			t.Errorf("parseEvent(%s) should fail", payload)
		}
	}
}

func TestFanOutSharesOnePublisher(t *testing.T) {
	transport := newManualTransport()
	w := New(transport, zerolog.Nop())

	sub1, err := w.Watch("x")
	if err != nil {
		t.Fatal(err)
	}
	sub2, err := w.Watch("x")
	if err != nil {
		t.Fatal(err)
	}
	if len(transport.deliver) != 1 {
		t.Fatalf("transport subscriptions = %d, want a shared publisher", len(transport.deliver))
	}

	transport.deliver["x"]([]byte(`{"operationType":"insert","fullDocument":{"_id":1}}`))

	for _, sub := range []*Subscriber{sub1, sub2} {
		ev := <-sub.Events()
		if ev.Kind != Insert {
			t.Errorf("event = %+v", ev)
		}
		id, _ := ev.Doc.Get("_id")
		if !value.Equal(id, int64(1)) {
			t.Errorf("doc = %v", ev.Doc)
		}
	}
}

func TestMalformedEventIsDropped(t *testing.T) {
	transport := newManualTransport()
	w := New(transport, zerolog.Nop())

	sub, err := w.Watch("x")
	if err != nil {
		t.Fatal(err)
	}
	transport.deliver["x"]([]byte(`garbage`))
	transport.deliver["x"]([]byte(`{"operationType":"drop"}`))

	if ev := <-sub.Events(); ev.Kind != Clear {
		t.Errorf("event = %+v, want the malformed payload skipped", ev)
	}
}

func TestStreamTerminationClosesSubscribers(t *testing.T) {
	transport := newManualTransport()
	w := New(transport, zerolog.Nop())

	sub, err := w.Watch("x")
	if err != nil {
		t.Fatal(err)
	}
	streamErr := errors.New("stream gone")
	transport.closed["x"](streamErr)

	if _, ok := <-sub.Events(); ok {
		t.Fatal("events channel must close on stream termination")
	}
	if sub.Err() != streamErr {
		t.Errorf("Err() = %v", sub.Err())
	}

	// The next watch starts a fresh publisher.
	if _, err := w.Watch("x"); err != nil {
		t.Fatal(err)
	}
}

func TestSlowSubscriberLags(t *testing.T) {
	transport := newManualTransport()
	w := New(transport, zerolog.Nop())

	sub, err := w.Watch("x")
	if err != nil {
		t.Fatal(err)
	}

	payload := []byte(`{"operationType":"drop"}`)
	for i := 0; i < subscriberBuffer+10; i++ {
		transport.deliver["x"](payload)
	}

	if !sub.Lagged() {
		t.Fatal("overflow must set the lag flag")
	}
	if sub.Lagged() {
		t.Fatal("reading the lag flag must clear it")
	}

	// The buffered events are still all deliverable.
	for i := 0; i < subscriberBuffer; i++ {
		<-sub.Events()
	}
}
