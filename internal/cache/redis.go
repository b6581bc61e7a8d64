package cache

import (
	"context"
	"encoding/json"
	"fmt"

	pkgredis "github.com/sga-jerrylin/DKR-SGA/pkg/redis"
)

// RedisStore keeps entries under <prefix><container-id>:<frame>. Entries
// never expire.
type RedisStore struct {
	client *pkgredis.Client
	prefix string
}

func NewRedisStore(client *pkgredis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "dkr:content:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(c Container, frame int) string {
	return fmt.Sprintf("%s%s:%d", s.prefix, c.ID, frame)
}

func (s *RedisStore) Get(ctx context.Context, c Container, frame int) (Entry, bool, error) {
	data, ok, err := s.client.GetBytes(ctx, s.key(c, frame))
	if err != nil || !ok {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, false, fmt.Errorf("decoding cache entry %s: %w", s.key(c, frame), err)
	}
	return e, true, nil
}

func (s *RedisStore) Put(ctx context.Context, c Container, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.client.SetBytes(ctx, s.key(c, e.Frame), data, 0)
}

func (s *RedisStore) Clear(ctx context.Context, c Container) (int, error) {
	n, err := s.client.FlushByPattern(ctx, s.prefix+c.ID+":*")
	return int(n), err
}

func (s *RedisStore) ClearAll(ctx context.Context) (int, error) {
	n, err := s.client.FlushByPattern(ctx, s.prefix+"*")
	return int(n), err
}

// Stats reports entry counts only; sizes are not tracked in redis.
func (s *RedisStore) Stats(ctx context.Context, c *Container) (StoreStats, error) {
	pattern := s.prefix + "*"
	if c != nil {
		pattern = s.prefix + c.ID + ":*"
	}
	n, err := s.client.CountByPattern(ctx, pattern)
	if err != nil || n == 0 {
		return StoreStats{}, err
	}
	st := StoreStats{Entries: int(n)}
	if c != nil {
		st.Containers = 1
	}
	return st, nil
}
