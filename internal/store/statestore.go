package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/voltscope/api/internal/model"
	"github.com/voltscope/api/internal/resilience"
)

const shepherdStateKey = "shepherd:state"

func breakerKey(key string) string { return "breaker:" + key }

// BreakerStateStore persists circuit breaker snapshots in Redis so breaker
// state survives process restarts.
type BreakerStateStore struct {
	redis *redis.Client
}

func NewBreakerStateStore(redisClient *redis.Client) *BreakerStateStore {
	return &BreakerStateStore{redis: redisClient}
}

func (s *BreakerStateStore) LoadBreaker(ctx context.Context, key string) (*resilience.BreakerSnapshot, error) {
	data, err := s.redis.Get(ctx, breakerKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap resilience.BreakerSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal breaker state %s: %w", key, err)
	}
	return &snap, nil
}

func (s *BreakerStateStore) SaveBreaker(ctx context.Context, snap *resilience.BreakerSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal breaker state: %w", err)
	}
	return s.redis.Set(ctx, breakerKey(snap.Key), data, 0).Err()
}

// ShepherdStateStore persists the scheduler's singleton self-protection
// record.
type ShepherdStateStore struct {
	redis *redis.Client
}

func NewShepherdStateStore(redisClient *redis.Client) *ShepherdStateStore {
	return &ShepherdStateStore{redis: redisClient}
}

// Load returns the shepherd state, zero-valued when none is stored yet.
func (s *ShepherdStateStore) Load(ctx context.Context) (*model.ShepherdState, error) {
	data, err := s.redis.Get(ctx, shepherdStateKey).Bytes()
	if err == redis.Nil {
		return &model.ShepherdState{}, nil
	}
	if err != nil {
		return nil, err
	}
	var st model.ShepherdState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal shepherd state: %w", err)
	}
	return &st, nil
}

func (s *ShepherdStateStore) Save(ctx context.Context, st *model.ShepherdState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal shepherd state: %w", err)
	}
	return s.redis.Set(ctx, shepherdStateKey, data, 0).Err()
}
