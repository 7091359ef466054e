package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/voltscope/api/internal/model"
)

func systemKey(deviceID string) string {
	return "system:" + strings.ToLower(strings.TrimSpace(deviceID))
}

// SystemStore holds the registered battery installations workers match
// extracted device ids against.
type SystemStore struct {
	redis *redis.Client
}

func NewSystemStore(redisClient *redis.Client) *SystemStore {
	return &SystemStore{redis: redisClient}
}

// Save upserts a system keyed by its normalized device id.
func (s *SystemStore) Save(ctx context.Context, sys *model.System) error {
	data, err := json.Marshal(sys)
	if err != nil {
		return fmt.Errorf("failed to marshal system: %w", err)
	}
	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, systemKey(sys.DeviceID), data, 0)
	pipe.SAdd(ctx, "systems", systemKey(sys.DeviceID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save system: %w", err)
	}
	return nil
}

// FindByDeviceID returns the system registered for a device id, or
// (nil, nil) when none matches. No match is a normal outcome.
func (s *SystemStore) FindByDeviceID(ctx context.Context, deviceID string) (*model.System, error) {
	if strings.TrimSpace(deviceID) == "" {
		return nil, nil
	}
	data, err := s.redis.Get(ctx, systemKey(deviceID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sys model.System
	if err := json.Unmarshal(data, &sys); err != nil {
		return nil, fmt.Errorf("failed to unmarshal system: %w", err)
	}
	return &sys, nil
}

// List returns all registered systems.
func (s *SystemStore) List(ctx context.Context) ([]*model.System, error) {
	keys, err := s.redis.SMembers(ctx, "systems").Result()
	if err != nil {
		return nil, err
	}
	systems := make([]*model.System, 0, len(keys))
	for _, key := range keys {
		data, err := s.redis.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		var sys model.System
		if err := json.Unmarshal(data, &sys); err != nil {
			continue
		}
		systems = append(systems, &sys)
	}
	return systems, nil
}
