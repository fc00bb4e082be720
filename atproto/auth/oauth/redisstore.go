package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// [FlowStore] backed by redis, for deployments with multiple processes. Expiry uses redis key TTLs, and consumption uses GETDEL so it is atomic across processes.
type RedisFlowStore struct {
	Client *redis.Client
	TTL    time.Duration
	Prefix string
}

var _ FlowStore = (*RedisFlowStore)(nil)

func NewRedisFlowStore(client *redis.Client, ttl time.Duration) *RedisFlowStore {
	return &RedisFlowStore{
		Client: client,
		TTL:    ttl,
		Prefix: "atlogin/flow/",
	}
}

func (s *RedisFlowStore) SaveFlowState(ctx context.Context, sessionID string, state FlowState) error {
	b, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding flow state: %w", err)
	}
	if err := s.Client.Set(ctx, s.Prefix+sessionID, b, s.TTL).Err(); err != nil {
		return fmt.Errorf("saving flow state: %w", err)
	}
	return nil
}

func (s *RedisFlowStore) ConsumeFlowState(ctx context.Context, sessionID string) (*FlowState, error) {
	b, err := s.Client.GetDel(ctx, s.Prefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrFlowStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consuming flow state: %w", err)
	}
	var state FlowState
	if err := json.Unmarshal(b, &state); err != nil {
		return nil, fmt.Errorf("decoding flow state: %w", err)
	}
	return &state, nil
}
