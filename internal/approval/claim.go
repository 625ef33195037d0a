package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Claimer serializes execute runs for one issue across processes. Claim
// returns ok=false when another run holds the key.
type Claimer interface {
	Claim(ctx context.Context, key string) (release func(), ok bool, err error)
}

// ClaimKey is the claim key for an issue.
func ClaimKey(repo string, issue int) string {
	return fmt.Sprintf("helpdesk:exec:%s#%d", repo, issue)
}

// #region memory-claimer
// MemoryClaimer claims keys within one process.
type MemoryClaimer struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewMemoryClaimer() *MemoryClaimer {
	return &MemoryClaimer{held: map[string]bool{}}
}

func (m *MemoryClaimer) Claim(_ context.Context, key string) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[key] {
		return nil, false, nil
	}
	m.held[key] = true
	return func() {
		m.mu.Lock()
		delete(m.held, key)
		m.mu.Unlock()
	}, true, nil
}

// #endregion memory-claimer

// #region redis-claimer
// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisClaimer claims keys with SET NX. The TTL bounds how long a crashed
// run can block the issue.
type RedisClaimer struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisClaimer(rdb *redis.Client, ttl time.Duration) *RedisClaimer {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisClaimer{rdb: rdb, ttl: ttl}
}

func (r *RedisClaimer) Claim(ctx context.Context, key string) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := r.rdb.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("claim %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return func() {
		// the request context may already be done
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		releaseScript.Run(ctx, r.rdb, []string{key}, token)
	}, true, nil
}

// #endregion redis-claimer
