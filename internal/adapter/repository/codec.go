package repository

import (
	"encoding/json"
	"fmt"

	"github.com/hive-corporation/ioc-connectors/internal/core/domain"
)

func marshalState(state domain.RunState) ([]byte, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode run state: %w", err)
	}
	return data, nil
}

func unmarshalState(data []byte) (domain.RunState, error) {
	var state domain.RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return domain.RunState{}, fmt.Errorf("failed to decode run state: %w", err)
	}
	if state.Snapshot == nil {
		state.Snapshot = make(domain.KeySet)
	}
	return state, nil
}

// encodeSnapshot and decodeState split the state for stores that keep the
// timestamp in its own column.
func encodeSnapshot(state domain.RunState) ([]byte, error) {
	snap := state.Snapshot.Strings()
	if snap == nil {
		snap = []string{}
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

func decodeState(ts int64, snap []byte) (domain.RunState, error) {
	var entries []string
	if err := json.Unmarshal(snap, &entries); err != nil {
		return domain.RunState{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	keys := make(domain.KeySet, len(entries))
	for _, e := range entries {
		k, err := domain.ParseKey(e)
		if err != nil {
			return domain.RunState{}, fmt.Errorf("failed to decode snapshot: %w", err)
		}
		keys[k] = struct{}{}
	}
	return domain.RunState{LastRunTimestamp: ts, Snapshot: keys}, nil
}
