package aimd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend shares AIMD window state across a horizontally scaled
// deployment. Each session is one key holding a JSON-encoded WindowState;
// the key TTL is set to 2x the idle TTL on every write, so Redis expires
// abandoned sessions on its own and PruneIdle is a no-op here — there is
// no SCAN sweep to run, unlike the in-memory backend.
type RedisBackend struct {
	client    redis.UniversalClient
	keyPrefix string
	idleTTL   time.Duration
}

// NewRedisBackend wraps an existing client. idleTTL should match the
// controller's configured AIMDConfig.IdleTTL so key expiry and PruneIdle
// semantics agree.
func NewRedisBackend(client redis.UniversalClient, keyPrefix string, idleTTL time.Duration) *RedisBackend {
	if keyPrefix == "" {
		keyPrefix = "agprouter:aimd:"
	}
	return &RedisBackend{client: client, keyPrefix: keyPrefix, idleTTL: idleTTL}
}

func (b *RedisBackend) key(session string) string {
	return b.keyPrefix + session
}

func (b *RedisBackend) Get(ctx context.Context, session string) (WindowState, bool, error) {
	raw, err := b.client.Get(ctx, b.key(session)).Bytes()
	if errors.Is(err, redis.Nil) {
		return WindowState{}, false, nil
	}
	if err != nil {
		return WindowState{}, false, fmt.Errorf("aimd: redis get: %w", err)
	}
	var state WindowState
	if err := json.Unmarshal(raw, &state); err != nil {
		return WindowState{}, false, fmt.Errorf("aimd: decode window state: %w", err)
	}
	return state, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, session string, state WindowState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("aimd: encode window state: %w", err)
	}
	ttl := 2 * b.idleTTL
	if ttl <= 0 {
		ttl = 20 * time.Minute
	}
	if err := b.client.Set(ctx, b.key(session), raw, ttl).Err(); err != nil {
		return fmt.Errorf("aimd: redis set: %w", err)
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, session string) error {
	if err := b.client.Del(ctx, b.key(session)).Err(); err != nil {
		return fmt.Errorf("aimd: redis del: %w", err)
	}
	return nil
}

// PruneIdle is a no-op: key expiry already handles this backend's idle
// cleanup.
func (b *RedisBackend) PruneIdle(context.Context, time.Time, time.Duration) (int, error) {
	return 0, nil
}
