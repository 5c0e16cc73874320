package crash

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Blacklist holds, per benchmark, the hashes of units that crash the
// coverage binary. Blacklisted units are never run again for that benchmark.
type Blacklist interface {
	Members(ctx context.Context, benchmark string) (map[string]struct{}, error)
	Add(ctx context.Context, benchmark string, hashes ...string) error
}

type MemoryBlacklist struct {
	mu   sync.RWMutex
	sets map[string]map[string]struct{}
}

func NewMemoryBlacklist() *MemoryBlacklist {
	return &MemoryBlacklist{sets: make(map[string]map[string]struct{})}
}

func (m *MemoryBlacklist) Members(ctx context.Context, benchmark string) (map[string]struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]struct{}, len(m.sets[benchmark]))
	for h := range m.sets[benchmark] {
		out[h] = struct{}{}
	}
	return out, nil
}

func (m *MemoryBlacklist) Add(ctx context.Context, benchmark string, hashes ...string) error {
	if len(hashes) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[benchmark]
	if !ok {
		set = make(map[string]struct{})
		m.sets[benchmark] = set
	}
	for _, h := range hashes {
		set[h] = struct{}{}
	}
	return nil
}

const redisKeyPrefix = "b3bench:blacklist:"

// RedisBlacklist shares the blacklist between measurer processes.
type RedisBlacklist struct {
	client *redis.Client
}

func NewRedisBlacklist(client *redis.Client) *RedisBlacklist {
	return &RedisBlacklist{client: client}
}

func redisKey(benchmark string) string {
	return redisKeyPrefix + benchmark
}

func (r *RedisBlacklist) Members(ctx context.Context, benchmark string) (map[string]struct{}, error) {
	members, err := r.client.SMembers(ctx, redisKey(benchmark)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(members))
	for _, h := range members {
		out[h] = struct{}{}
	}
	return out, nil
}

func (r *RedisBlacklist) Add(ctx context.Context, benchmark string, hashes ...string) error {
	if len(hashes) == 0 {
		return nil
	}
	members := make([]any, len(hashes))
	for i, h := range hashes {
		members[i] = h
	}
	return r.client.SAdd(ctx, redisKey(benchmark), members...).Err()
}

type BlacklistParams struct {
	fx.In

	Redis  *redis.Client `optional:"true"`
	Logger *zap.Logger
}

// NewBlacklist picks the redis backed blacklist when a client is available.
func NewBlacklist(p BlacklistParams) Blacklist {
	if p.Redis != nil {
		p.Logger.Info("crash blacklist backed by redis")
		return NewRedisBlacklist(p.Redis)
	}
	p.Logger.Info("crash blacklist kept in memory")
	return NewMemoryBlacklist()
}
