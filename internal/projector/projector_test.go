package projector

import (
	"testing"

	"github.com/syncrouter/syncrouter/internal/value"
)

func mustDoc(t *testing.T, data string) *value.Document {
	t.Helper()
	doc, err := value.DecodeDocument([]byte(data))
	if err != nil {
		t.Fatalf("DecodeDocument(%s): %v", data, err)
	}
	return doc
}

func checkApply(t *testing.T, projection, document, want string) {
	t.Helper()
	p, err := Compile(mustDoc(t, projection))
	if err != nil {
		t.Fatalf("Compile(%s): %v", projection, err)
	}

	doc := mustDoc(t, document)
	p.Apply(doc)
	if !value.Equal(doc, mustDoc(t, want)) {
		got, _ := value.EncodeJSON(doc)
		t.Errorf("%s applied to %s = %s, want %s", projection, document, got, want)
	}

	// Applying a projection twice must not change the result further.
	p.Apply(doc)
	if !value.Equal(doc, mustDoc(t, want)) {
		got, _ := value.EncodeJSON(doc)
		t.Errorf("%s is not idempotent: second apply produced %s", projection, got)
	}
}

func TestInclusion(t *testing.T) {
	checkApply(t, `{"a":1}`, `{"_id":7,"a":"x","b":"y"}`, `{"_id":7,"a":"x"}`)
	checkApply(t, `{"a":1,"b":1}`, `{"a":1,"b":2,"c":3}`, `{"a":1,"b":2}`)
	checkApply(t, `{"a":true}`, `{"a":1,"b":2}`, `{"a":1}`)
	checkApply(t, `{"a":1}`, `{"b":2}`, `{}`)
}

func TestExclusion(t *testing.T) {
	checkApply(t, `{"b":0}`, `{"_id":7,"a":"x","b":"y"}`, `{"_id":7,"a":"x"}`)
	checkApply(t, `{"a":false}`, `{"a":1,"b":2}`, `{"b":2}`)
	checkApply(t, `{"a":0}`, `{"b":2}`, `{"b":2}`)
}

func TestIDHandling(t *testing.T) {
	// Inclusion keeps _id unless excluded explicitly.
	checkApply(t, `{"a":1}`, `{"_id":1,"a":2,"b":3}`, `{"_id":1,"a":2}`)
	checkApply(t, `{"a":1,"_id":0}`, `{"_id":1,"a":2,"b":3}`, `{"a":2}`)
	checkApply(t, `{"a":1,"_id":1}`, `{"_id":1,"a":2,"b":3}`, `{"_id":1,"a":2}`)
	// Exclusion keeps _id too.
	checkApply(t, `{"a":0}`, `{"_id":1,"a":2,"b":3}`, `{"_id":1,"b":3}`)
	checkApply(t, `{"_id":0}`, `{"_id":1,"a":2}`, `{"a":2}`)
}

func TestNestedPaths(t *testing.T) {
	checkApply(t, `{"a.b":1}`, `{"a":{"b":1,"c":2},"d":3}`, `{"a":{"b":1}}`)
	checkApply(t, `{"a.b":0}`, `{"a":{"b":1,"c":2},"d":3}`, `{"a":{"c":2},"d":3}`)
	// Arrays are projected element-wise.
	checkApply(t, `{"a.b":1}`, `{"a":[{"b":1,"c":2},{"b":3}]}`, `{"a":[{"b":1},{"b":3}]}`)
	// Non-container children are untouched.
	checkApply(t, `{"a.b":1}`, `{"a":5,"c":1}`, `{"a":5}`)
}

func TestIdentity(t *testing.T) {
	checkApply(t, `{}`, `{"a":1,"b":2}`, `{"a":1,"b":2}`)
}

func TestCompileFailures(t *testing.T) {
	for _, projection := range []string{
		`{"a":1,"b":0}`,
		`{"a":2}`,
		`{"a":"yes"}`,
		`{"a":1,"a.b":1}`,
	} {
		if _, err := Compile(mustDoc(t, projection)); err == nil {
			t.Errorf("Compile(%s) should fail", projection)
		}
	}
}
