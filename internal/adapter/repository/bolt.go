package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/hive-corporation/ioc-connectors/internal/core/domain"
	"github.com/hive-corporation/ioc-connectors/internal/core/ports"
)

var bucketState = []byte("connector_state")

// BoltStateStore keeps run state in a local BoltDB file. It is the default
// backend: one file, no server.
type BoltStateStore struct {
	db *bbolt.DB
}

var _ ports.StateStore = (*BoltStateStore)(nil)

func NewBoltStateStore(path string) (*BoltStateStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		FreelistType: bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(path, 0o600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketState)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	return &BoltStateStore{db: db}, nil
}

func (s *BoltStateStore) Load(ctx context.Context, connector string) (domain.RunState, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketState).Get([]byte(connector)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return domain.RunState{}, fmt.Errorf("read state of %s: %w", connector, err)
	}
	if data == nil {
		return domain.RunState{Snapshot: make(domain.KeySet)}, nil
	}
	return unmarshalState(data)
}

// Save replaces the stored state in a single write transaction.
func (s *BoltStateStore) Save(ctx context.Context, connector string, state domain.RunState) error {
	data, err := marshalState(state)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketState).Put([]byte(connector), data)
	})
	if err != nil {
		return fmt.Errorf("write state of %s: %w", connector, err)
	}
	return nil
}

func (s *BoltStateStore) Close() error {
	return s.db.Close()
}
