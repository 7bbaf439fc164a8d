package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// SnapshotMode tells the runner how a source's batches relate to each other.
type SnapshotMode int

const (
	// SnapshotIncremental sources deliver new files; the snapshot accumulates.
	SnapshotIncremental SnapshotMode = iota
	// SnapshotFull sources deliver the whole list each time; the snapshot is
	// replaced and keys absent from the list count as removed.
	SnapshotFull
)

func (m SnapshotMode) String() string {
	if m == SnapshotFull {
		return "full"
	}
	return "incremental"
}

// RunState is the only durable cross-run state of a connector.
type RunState struct {
	LastRunTimestamp int64
	Snapshot         KeySet
}

// LastRun returns the last successful run time, zero if never run.
func (s RunState) LastRun() time.Time {
	if s.LastRunTimestamp == 0 {
		return time.Time{}
	}
	return time.Unix(s.LastRunTimestamp, 0).UTC()
}

// Advance returns the state after a successful cycle at t.
func (s RunState) Advance(t time.Time, snapshot KeySet) RunState {
	return RunState{LastRunTimestamp: t.Unix(), Snapshot: snapshot}
}

type runStateJSON struct {
	LastRunTimestamp int64    `json:"lastRunTimestamp"`
	PreviousSnapshot []string `json:"previousSnapshot"`
}

func (s RunState) MarshalJSON() ([]byte, error) {
	snap := s.Snapshot.Strings()
	if snap == nil {
		snap = []string{}
	}
	return json.Marshal(runStateJSON{LastRunTimestamp: s.LastRunTimestamp, PreviousSnapshot: snap})
}

func (s *RunState) UnmarshalJSON(data []byte) error {
	var raw runStateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	snap := make(KeySet, len(raw.PreviousSnapshot))
	for _, entry := range raw.PreviousSnapshot {
		k, err := ParseKey(entry)
		if err != nil {
			return fmt.Errorf("decode run state: %w", err)
		}
		snap[k] = struct{}{}
	}
	s.LastRunTimestamp = raw.LastRunTimestamp
	s.Snapshot = snap
	return nil
}
