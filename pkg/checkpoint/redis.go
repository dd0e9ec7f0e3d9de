package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/agentpool/pkg/types"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on top of Redis lists, one list per
// (instance key, checkpoint type), keyed "checkpoint:{instance_key}:{type}"
// — the same scheme the Python reference used.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisClient dials redisURL and verifies connectivity with Ping.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("checkpoint: pinging redis: %w", err)
	}
	return client, nil
}

// NewRedisStore wraps an already-connected client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, keyPrefix: "checkpoint"}
}

func (s *RedisStore) key(instanceKey string, cType types.CheckpointType) string {
	return fmt.Sprintf("%s:%s:%s", s.keyPrefix, instanceKey, cType)
}

func (s *RedisStore) Push(ctx context.Context, ck Checkpoint, maxCount int, ttl time.Duration) error {
	data, err := json.Marshal(ck)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}
	key := s.key(ck.InstanceKey, ck.Type)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, int64(maxCount-1))
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Latest(ctx context.Context, instanceKey string, cType types.CheckpointType) (*Checkpoint, error) {
	if cType != "" {
		data, err := s.client.LIndex(ctx, s.key(instanceKey, cType), 0).Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		var ck Checkpoint
		if err := json.Unmarshal([]byte(data), &ck); err != nil {
			return nil, err
		}
		return &ck, nil
	}

	var best *Checkpoint
	for _, t := range []types.CheckpointType{
		types.CheckpointLifecycle, types.CheckpointConversation, types.CheckpointExecution,
		types.CheckpointResource, types.CheckpointFull,
	} {
		ck, err := s.Latest(ctx, instanceKey, t)
		if err != nil {
			return nil, err
		}
		if ck != nil && (best == nil || ck.Timestamp.After(best.Timestamp)) {
			best = ck
		}
	}
	return best, nil
}

func (s *RedisStore) List(ctx context.Context, instanceKey string, cType types.CheckpointType, limit int) ([]Checkpoint, error) {
	raw, err := s.client.LRange(ctx, s.key(instanceKey, cType), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Checkpoint, 0, len(raw))
	for _, data := range raw {
		var ck Checkpoint
		if err := json.Unmarshal([]byte(data), &ck); err != nil {
			return nil, err
		}
		out = append(out, ck)
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, instanceKey string) error {
	pattern := fmt.Sprintf("%s:%s:*", s.keyPrefix, instanceKey)
	keys, err := s.client.Keys(ctx, pattern).Result()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisStore) AllInstanceKeys(ctx context.Context) ([]string, error) {
	keys, err := s.client.Keys(ctx, s.keyPrefix+":*").Result()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	for _, k := range keys {
		parts := strings.SplitN(strings.TrimPrefix(k, s.keyPrefix+":"), ":", 2)
		if len(parts) == 0 {
			continue
		}
		instanceKey := strings.TrimSuffix(k, ":"+lastSegment(k))
		instanceKey = strings.TrimPrefix(instanceKey, s.keyPrefix+":")
		seen[instanceKey] = true
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func lastSegment(s string) string {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return s
	}
	return s[idx+1:]
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
