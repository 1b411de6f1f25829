package inflight

import (
	"encoding/json"
	"testing"
)

func TestResultThenUpdate(t *testing.T) {
	table := NewTable()
	table.Register("1", "tasks", json.RawMessage(`[]`))

	inf, ok := table.ProcessResult("1")
	if !ok || inf.Name != "tasks" {
		t.Fatalf("ProcessResult = %+v, %v", inf, ok)
	}

	// The entry lives on as a tombstone until the updated frame lands.
	if table.Len() != 1 {
		t.Fatalf("Len = %d, want tombstone", table.Len())
	}
	if !table.ProcessUpdate("1") {
		t.Fatal("ProcessUpdate must claim the tombstone")
	}
	if table.Len() != 0 {
		t.Fatalf("Len = %d after both events", table.Len())
	}
}

func TestUpdateThenResult(t *testing.T) {
	table := NewTable()
	table.Register("1", "tasks", nil)

	if !table.ProcessUpdate("1") {
		t.Fatal("ProcessUpdate must claim a live entry")
	}
	inf, ok := table.ProcessResult("1")
	if !ok || inf.Name != "tasks" {
		t.Fatalf("ProcessResult = %+v, %v", inf, ok)
	}
	if table.Len() != 0 {
		t.Fatalf("Len = %d after both events", table.Len())
	}
}

func TestUnknownIDs(t *testing.T) {
	table := NewTable()
	if _, ok := table.ProcessResult("nope"); ok {
		t.Error("unknown result must not be claimed")
	}
	if table.ProcessUpdate("nope") {
		t.Error("unknown update must not be claimed")
	}
}

func TestSecondResultIsNotClaimed(t *testing.T) {
	table := NewTable()
	table.Register("1", "tasks", nil)
	if _, ok := table.ProcessResult("1"); !ok {
		t.Fatal("first result must be claimed")
	}
	if _, ok := table.ProcessResult("1"); ok {
		t.Error("a result for a tombstone must be forwarded, not claimed")
	}
}
