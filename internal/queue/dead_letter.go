// Package queue keeps the dead-letter list of automation jobs that exhausted their attempts.
package queue

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"fno-automation-engine/internal/config"
)

// Entry is one dead-lettered job.
type Entry struct {
	JobID  string `json:"job_id"`
	Tenant string `json:"-"`
	Reason string `json:"reason"`
}

// DeadLetter records failed jobs for operational inspection. Entries are partitioned by
// tenant and read newest first.
type DeadLetter interface {
	Push(ctx context.Context, e Entry) error
	Peek(ctx context.Context, tenant string, count int64) ([]Entry, error)
}

// NewRedisClient builds a client from config, or nil when no address is configured.
func NewRedisClient(cfg config.Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// RedisDeadLetter keeps one list of job ids per tenant and a matching hash of reasons.
type RedisDeadLetter struct {
	client *redis.Client
	prefix string
}

func NewRedisDeadLetter(client *redis.Client, key string) *RedisDeadLetter {
	if key == "" {
		key = "automation:dlq"
	}
	return &RedisDeadLetter{client: client, prefix: key}
}

func (q *RedisDeadLetter) listKey(tenant string) string { return q.prefix + ":" + tenant }
func (q *RedisDeadLetter) reasonKey(tenant string) string {
	return q.prefix + ":" + tenant + ":reasons"
}

// Push appends the entry to its tenant's list.
func (q *RedisDeadLetter) Push(ctx context.Context, e Entry) error {
	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, q.listKey(e.Tenant), e.JobID)
	pipe.HSet(ctx, q.reasonKey(e.Tenant), e.JobID, e.Reason)
	_, err := pipe.Exec(ctx)
	return err
}

// Peek reads up to count of the tenant's most recent entries, newest first.
func (q *RedisDeadLetter) Peek(ctx context.Context, tenant string, count int64) ([]Entry, error) {
	if count <= 0 {
		return []Entry{}, nil
	}
	ids, err := q.client.LRange(ctx, q.listKey(tenant), -count, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []Entry{}, nil
	}
	reasons, err := q.client.HMGet(ctx, q.reasonKey(tenant), ids...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		e := Entry{JobID: ids[i], Tenant: tenant}
		if s, ok := reasons[i].(string); ok {
			e.Reason = s
		}
		out = append(out, e)
	}
	return out, nil
}

// MemoryDeadLetter is used when Redis is not configured.
type MemoryDeadLetter struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryDeadLetter() *MemoryDeadLetter {
	return &MemoryDeadLetter{}
}

func (m *MemoryDeadLetter) Push(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *MemoryDeadLetter) Peek(_ context.Context, tenant string, count int64) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Entry{}
	for i := len(m.entries) - 1; i >= 0 && int64(len(out)) < count; i-- {
		if m.entries[i].Tenant == tenant {
			out = append(out, m.entries[i])
		}
	}
	return out, nil
}
