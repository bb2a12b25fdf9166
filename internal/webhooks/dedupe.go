package webhooks

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/daniallc-1994/TaskUp/internal/apperr"
)

// DefaultDedupeTTL covers the processor's redelivery window.
const DefaultDedupeTTL = 72 * time.Hour

// Deduper remembers processor event ids so exact redeliveries can be
// acknowledged without touching the ledger. It is an optimisation: the
// reconciler's status checks keep ingestion idempotent without it.
type Deduper interface {
	// Claim marks id as being handled and reports whether it was new.
	Claim(ctx context.Context, id string) (bool, error)
	// Forget releases a claim so a failed event can be redelivered.
	Forget(ctx context.Context, id string) error
}

// MemoryDeduper is a process-local Deduper.
type MemoryDeduper struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time // id -> expiry
}

// NewMemoryDeduper creates a MemoryDeduper keeping ids for ttl.
func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &MemoryDeduper{ttl: ttl, now: time.Now, seen: make(map[string]time.Time)}
}

func (m *MemoryDeduper) Claim(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if exp, ok := m.seen[id]; ok && now.Before(exp) {
		return false, nil
	}
	m.seen[id] = now.Add(m.ttl)
	if len(m.seen)%1024 == 0 {
		m.sweep(now)
	}
	return true, nil
}

func (m *MemoryDeduper) Forget(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.seen, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryDeduper) sweep(now time.Time) {
	for id, exp := range m.seen {
		if !now.Before(exp) {
			delete(m.seen, id)
		}
	}
}

// RedisDeduper shares claims across replicas with SET NX.
type RedisDeduper struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisDeduper creates a RedisDeduper keeping ids for ttl.
func NewRedisDeduper(client redis.UniversalClient, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &RedisDeduper{client: client, prefix: "taskup:webhook:", ttl: ttl}
}

func (r *RedisDeduper) Claim(ctx context.Context, id string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+id, 1, r.ttl).Result()
	if err != nil {
		return false, apperr.Storage("claim webhook event", err)
	}
	return ok, nil
}

func (r *RedisDeduper) Forget(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.prefix+id).Err(); err != nil {
		return apperr.Storage("forget webhook event", err)
	}
	return nil
}

var (
	_ Deduper = (*MemoryDeduper)(nil)
	_ Deduper = (*RedisDeduper)(nil)
)
