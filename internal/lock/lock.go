// Package lock provides keyed, expiring leases. Collection runs hold one per merchant and
// syncs hold one per connection so that neither overlaps with itself.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var ErrHeld = errors.New("lease held by another worker")

// Release gives the lease back. It is safe to call more than once.
type Release func()

type Locker interface {
	// Acquire takes the lease for key or fails fast with ErrHeld.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error)
}

// Local is an in-process Locker for single-instance deployments and tests.
type Local struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

func NewLocal() *Local {
	return &Local{held: make(map[string]time.Time), now: time.Now}
}

func (l *Local) Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if exp, ok := l.held[key]; ok && l.now().Before(exp) {
		return nil, ErrHeld
	}
	exp := l.now().Add(ttl)
	l.held[key] = exp

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			if l.held[key] == exp {
				delete(l.held, key)
			}
			l.mu.Unlock()
		})
	}, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker shared across instances: SET NX PX with a token-checked release.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedis(rdb redis.UniversalClient, prefix string) *Redis {
	return &Redis{rdb: rdb, prefix: prefix}
}

func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error) {
	full := r.prefix + key
	token := uuid.NewString()

	ok, err := r.rdb.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrHeld
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, r.rdb, []string{full}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				log.Warn().Err(err).Str("lease", full).Msg("failed to release lease")
			}
		})
	}, nil
}
