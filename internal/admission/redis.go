package admission

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/matst80/fstunnel/internal/obs"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix  = "fstunnel:admit:"
	defaultTTL = 10 * time.Minute
)

// releaseScript deletes the key only while this instance still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// redisSet shares admissions between responders that scan the same
// directory. Keys expire after ttl so a responder that dies holding a token
// does not block it forever.
type redisSet struct {
	client     *redis.Client
	ttl        time.Duration
	instanceID string

	mu    sync.Mutex
	local map[string]struct{}
}

// NewRedis connects to Redis and returns a shared Set.
func NewRedis(opts Options) (Set, error) {
	rdb := redis.NewClient(&redis.Options{Addr: opts.RedisAddr, Password: opts.RedisPassword, DB: opts.RedisDB})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	host, _ := os.Hostname()
	return &redisSet{
		client:     rdb,
		ttl:        ttl,
		instanceID: fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano()),
		local:      make(map[string]struct{}),
	}, nil
}

func (r *redisSet) Admit(ctx context.Context, token string) (bool, error) {
	ok, err := r.client.SetNX(ctx, keyPrefix+token, r.instanceID, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return false, nil
	}
	r.mu.Lock()
	r.local[token] = struct{}{}
	n := len(r.local)
	r.mu.Unlock()
	obs.AdmittedTokens.Set(float64(n))
	return true, nil
}

func (r *redisSet) Release(ctx context.Context, token string) error {
	r.mu.Lock()
	delete(r.local, token)
	n := len(r.local)
	r.mu.Unlock()
	obs.AdmittedTokens.Set(float64(n))
	deleted, err := releaseScript.Run(ctx, r.client, []string{keyPrefix + token}, r.instanceID).Int()
	if err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	if deleted == 0 {
		// expired, or taken over by another responder after expiry
		obs.Debug("admission.release.not_owner", obs.Fields{"token": token})
	}
	return nil
}

func (r *redisSet) Contains(ctx context.Context, token string) (bool, error) {
	_, err := r.client.Get(ctx, keyPrefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get: %w", err)
	}
	return true, nil
}

func (r *redisSet) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.local)
}

func (r *redisSet) Close() error { return r.client.Close() }
