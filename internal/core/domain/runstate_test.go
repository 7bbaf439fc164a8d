package domain

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestRunState_JSON(t *testing.T) {
	state := RunState{
		LastRunTimestamp: 1700000000,
		Snapshot: NewKeySet(
			IOCKey{Kind: URL, Value: "http://evil.example/a"},
			IOCKey{Kind: IPv4, Value: "203.0.113.1"},
		),
	}

	data, err := json.Marshal(state)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	want := `{"lastRunTimestamp":1700000000,"previousSnapshot":["ip:203.0.113.1","url:http://evil.example/a"]}`
	if string(data) != want {
		t.Errorf("json = %s\nwant %s", data, want)
	}

	var decoded RunState
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.LastRunTimestamp != state.LastRunTimestamp || !decoded.Snapshot.Equal(state.Snapshot) {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestRunState_EmptySnapshotIsArray(t *testing.T) {
	data, err := json.Marshal(RunState{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"previousSnapshot":[]`) {
		t.Errorf("empty snapshot should encode as [], got %s", data)
	}
}

func TestRunState_RejectsBadKey(t *testing.T) {
	var s RunState
	err := json.Unmarshal([]byte(`{"lastRunTimestamp":1,"previousSnapshot":["bogus"]}`), &s)
	if err == nil {
		t.Error("expected error for malformed snapshot key")
	}
}

func TestRunState_Advance(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	next := RunState{}.Advance(at, NewKeySet(IOCKey{Kind: IPv4, Value: "203.0.113.1"}))

	if !next.LastRun().Equal(at) {
		t.Errorf("LastRun = %v, want %v", next.LastRun(), at)
	}
	if !(RunState{}).LastRun().IsZero() {
		t.Error("never-run state should have a zero LastRun")
	}
}
