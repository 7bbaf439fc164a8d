package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/hive-corporation/ioc-connectors/internal/core/domain"
	"github.com/hive-corporation/ioc-connectors/internal/core/ports"
)

// RedisStateStore keeps run state as one JSON value per connector.
type RedisStateStore struct {
	client *redis.Client
	prefix string
}

var _ ports.StateStore = (*RedisStateStore)(nil)

func NewRedisStateStore(client *redis.Client, prefix string) *RedisStateStore {
	if prefix == "" {
		prefix = "ioc-connector:state:"
	}
	return &RedisStateStore{client: client, prefix: prefix}
}

// OpenRedisStateStore parses a redis:// URL and checks the server answers.
func OpenRedisStateStore(ctx context.Context, url, prefix string) (*RedisStateStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisStateStore(client, prefix), nil
}

func (s *RedisStateStore) key(connector string) string {
	return s.prefix + connector
}

func (s *RedisStateStore) Load(ctx context.Context, connector string) (domain.RunState, error) {
	data, err := s.client.Get(ctx, s.key(connector)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.RunState{Snapshot: make(domain.KeySet)}, nil
	}
	if err != nil {
		return domain.RunState{}, fmt.Errorf("failed to load state of %s: %w", connector, err)
	}
	return unmarshalState(data)
}

// Save overwrites the value with a single SET, which redis applies atomically.
func (s *RedisStateStore) Save(ctx context.Context, connector string, state domain.RunState) error {
	data, err := marshalState(state)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(connector), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save state of %s: %w", connector, err)
	}
	return nil
}

func (s *RedisStateStore) Close() error {
	return s.client.Close()
}
