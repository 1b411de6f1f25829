package subscriptions

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/syncrouter/syncrouter/internal/ddp"
	"github.com/syncrouter/syncrouter/internal/inflight"
	"github.com/syncrouter/syncrouter/internal/mergebox"
	"github.com/syncrouter/syncrouter/internal/rerror"
	"github.com/syncrouter/syncrouter/internal/store"
	"github.com/syncrouter/syncrouter/internal/value"
	"github.com/syncrouter/syncrouter/internal/watcher"
)

// idleTransport never delivers anything; cursors still subscribe through it.
type idleTransport struct{}

func (idleTransport) Subscribe(string, func([]byte), func(error)) (func(), error) {
	return func() {}, nil
}

type fixedStore struct {
	rows  []string
	calls int
}

func (f *fixedStore) Find(context.Context, string, *value.Document, store.FindOptions) ([]*value.Document, error) {
	f.calls++
	out := make([]*value.Document, 0, len(f.rows))
	for _, row := range f.rows {
		doc, err := value.DecodeDocument([]byte(row))
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

func testRegistry(st store.Store) *Registry {
	w := watcher.New(idleTransport{}, zerolog.Nop())
	return New(context.Background(), st, w, nil, zerolog.Nop())
}

func recordingBox(messages *[]ddp.Message) *mergebox.Mergebox {
	return mergebox.New(zerolog.Nop(), func(msg ddp.Message) error {
		*messages = append(*messages, msg)
		return nil
	})
}

const oneCursorResult = `[{"collectionName":"x","selector":{},"options":{}}]`

func TestTwoSessionsShareOneCursor(t *testing.T) {
	st := &fixedStore{rows: []string{`{"_id":1,"a":1}`}}
	r := testRegistry(st)

	var msgsA, msgsB []ddp.Message
	infA := &inflight.Inflight{Name: "tasks"}
	infB := &inflight.Inflight{Name: "tasks"}

	if err := r.Start("sessA", recordingBox(&msgsA), infA, "sub1", nil, json.RawMessage(oneCursorResult)); err != nil {
		t.Fatal(err)
	}
	if err := r.Start("sessB", recordingBox(&msgsB), infB, "sub2", nil, json.RawMessage(oneCursorResult)); err != nil {
		t.Fatal(err)
	}

	if len(r.byCollection["x"]) != 1 {
		t.Fatalf("published cursors = %d, want the sessions to share one", len(r.byCollection["x"]))
	}
	if st.calls != 1 {
		t.Fatalf("store fetches = %d, want the shared cursor to fetch once", st.calls)
	}

	// Each mergebox still sees the full set once.
	if len(msgsA) != 1 || msgsA[0].Msg != ddp.MsgAdded {
		t.Errorf("session A messages = %+v", msgsA)
	}
	if len(msgsB) != 1 || msgsB[0].Msg != ddp.MsgAdded {
		t.Errorf("session B messages = %+v", msgsB)
	}
}

func TestStopDetachesAndReportsMissing(t *testing.T) {
	st := &fixedStore{rows: []string{`{"_id":1}`}}
	r := testRegistry(st)

	var msgs []ddp.Message
	mb := recordingBox(&msgs)
	if err := r.Start("sess", mb, &inflight.Inflight{Name: "tasks"}, "sub1", nil, json.RawMessage(oneCursorResult)); err != nil {
		t.Fatal(err)
	}

	if !r.Stop("sess", "sub1") {
		t.Fatal("Stop must report the subscription it removed")
	}
	if r.Stop("sess", "sub1") {
		t.Fatal("a second Stop must report a missing entry")
	}

	// Detach withdrew the document.
	if len(msgs) != 2 || msgs[1].Msg != ddp.MsgRemoved {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestStopAllReleasesEverything(t *testing.T) {
	st := &fixedStore{rows: nil}
	r := testRegistry(st)

	var msgs []ddp.Message
	mb := recordingBox(&msgs)
	result := `[{"collectionName":"x","selector":{},"options":{}},` +
		`{"collectionName":"y","selector":{},"options":{}}]`
	if err := r.Start("sess", mb, &inflight.Inflight{Name: "tasks"}, "sub1", nil, json.RawMessage(result)); err != nil {
		t.Fatal(err)
	}
	if len(r.bySession["sess"]["sub1"]) != 2 {
		t.Fatalf("handles = %d", len(r.bySession["sess"]["sub1"]))
	}

	r.StopAll("sess")
	if len(r.bySession) != 0 {
		t.Errorf("bySession not cleared: %v", r.bySession)
	}
}

func TestNotRegisteredSentinel(t *testing.T) {
	r := testRegistry(&fixedStore{})
	inf := &inflight.Inflight{Name: "tasks"}
	errPayload := json.RawMessage(`{"reason":"Method '__subscription__tasks' not found"}`)

	err := r.Start("sess", recordingBox(&[]ddp.Message{}), inf, "sub1", errPayload, nil)
	if !rerror.Is(err, rerror.KindNotRegistered) {
		t.Fatalf("err = %v, want the not-registered kind", err)
	}
	if !r.IsServerSubscription("tasks") {
		t.Error("the name must join the bypass set")
	}

	// A different error reason propagates as-is, without recording the name.
	otherPayload := json.RawMessage(`{"reason":"Access denied"}`)
	err = r.Start("sess", recordingBox(&[]ddp.Message{}), &inflight.Inflight{Name: "other"}, "sub2", otherPayload, nil)
	if err == nil || rerror.Is(err, rerror.KindNotRegistered) {
		t.Fatalf("err = %v", err)
	}
	if r.IsServerSubscription("other") {
		t.Error("other must not join the bypass set")
	}
}

func TestMalformedResultPropagates(t *testing.T) {
	r := testRegistry(&fixedStore{})
	for _, result := range []string{
		`{"not":"an array"}`,
		`[{"collectionName":"x","selector":{},"options":{"bogus":1}}]`,
		``,
	} {
		err := r.Start("sess", recordingBox(&[]ddp.Message{}), &inflight.Inflight{Name: "tasks"}, "sub1", nil, json.RawMessage(result))
		if !rerror.Is(err, rerror.KindDescriptionParse) {
			t.Errorf("Start with result %q = %v, want a parse error", result, err)
		}
	}
}
