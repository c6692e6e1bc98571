package coordination

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/R3E-Network/pricewatch/pkg/logger"
)

// compareAndDelete removes KEYS[1] only when it still holds ARGV[1].
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// compareAndExpire extends KEYS[1] to ARGV[2] ms only when it holds ARGV[1].
var compareAndExpire = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// slidingWindow trims, counts and conditionally records a request in one step.
// ARGV: now_ms, window_ms, limit, member.
var slidingWindow = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local count = redis.call("ZCARD", KEYS[1])
if count < limit then
	redis.call("ZADD", KEYS[1], ARGV[1], ARGV[4])
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return {1, limit - count - 1}
end
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return {0, 0}
`)

// RedisOptions configures a Redis coordinator.
type RedisOptions struct {
	KeyPrefix  string
	OpTimeout  time.Duration
	InstanceID string
	Logger     *logger.Logger
}

// Redis implements Coordinator on a shared Redis server.
type Redis struct {
	client     redis.UniversalClient
	prefix     string
	opTimeout  time.Duration
	instanceID string
	log        *logger.Logger
	seq        uint64
	now        func() time.Time
}

// DialRedis parses a redis:// URL and returns a connected client.
func DialRedis(ctx context.Context, rawURL string, poolSize int) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if poolSize > 0 {
		opts.PoolSize = poolSize
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewRedis wraps client as a Coordinator.
func NewRedis(client redis.UniversalClient, opts RedisOptions) *Redis {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 3 * time.Second
	}
	if opts.InstanceID == "" {
		opts.InstanceID = NewInstanceID()
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewDefault("coordination")
	}
	return &Redis{
		client:     client,
		prefix:     opts.KeyPrefix,
		opTimeout:  opts.OpTimeout,
		instanceID: opts.InstanceID,
		log:        opts.Logger,
		now:        time.Now,
	}
}

func (r *Redis) InstanceID() string { return r.instanceID }

func (r *Redis) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.opTimeout)
}

// --- Locks ---

func (r *Redis) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return r.setNX(ctx, lockKey(r.prefix, key), ttl)
}

func (r *Redis) ReleaseLock(ctx context.Context, key string) (bool, error) {
	return r.runOwned(ctx, compareAndDelete, lockKey(r.prefix, key))
}

// --- Leader leases ---

func (r *Redis) AcquireLeaderLease(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := r.setNX(ctx, leaderKey(r.prefix, name), ttl)
	if err != nil {
		r.log.WithError(err).WithField("lease", name).Warn("acquire leader lease failed")
		return false, err
	}
	if ok {
		r.log.WithFields(map[string]interface{}{"lease": name, "instance_id": r.instanceID}).Info("acquired leader lease")
	}
	return ok, nil
}

func (r *Redis) IsLeader(ctx context.Context, name string) (bool, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	owner, err := r.client.Get(ctx, leaderKey(r.prefix, name)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis GET leader %s: %w", name, err)
	}
	return owner == r.instanceID, nil
}

func (r *Redis) RenewLeaderLease(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	res, err := compareAndExpire.Run(ctx, r.client, []string{leaderKey(r.prefix, name)}, r.instanceID, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("renew leader %s: %w", name, err)
	}
	return res == 1, nil
}

func (r *Redis) ReleaseLeaderLease(ctx context.Context, name string) (bool, error) {
	released, err := r.runOwned(ctx, compareAndDelete, leaderKey(r.prefix, name))
	if released {
		r.log.WithField("lease", name).Info("released leader lease")
	}
	return released, err
}

// --- Rate limiting ---

func (r *Redis) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (RateDecision, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	nowMs := r.now().UnixMilli()
	member := r.instanceID + ":" + strconv.FormatInt(nowMs, 10) + ":" + strconv.FormatUint(atomic.AddUint64(&r.seq, 1), 10)
	res, err := slidingWindow.Run(ctx, r.client, []string{rateKey(r.prefix, key)}, nowMs, window.Milliseconds(), limit, member).Slice()
	if err != nil {
		r.log.WithError(err).WithField("key", key).Warn("rate limit check failed, allowing request")
		return RateDecision{Allowed: true}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(res) != 2 {
		return RateDecision{Allowed: true}, fmt.Errorf("rate limit %s: unexpected reply %v", key, res)
	}
	allowed, _ := res[0].(int64)
	remaining, _ := res[1].(int64)
	return RateDecision{Allowed: allowed == 1, Remaining: int(remaining)}, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) setNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	ok, err := r.client.SetNX(ctx, key, r.instanceID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SET NX %s: %w", key, err)
	}
	return ok, nil
}

func (r *Redis) runOwned(ctx context.Context, script *redis.Script, key string) (bool, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	res, err := script.Run(ctx, r.client, []string{key}, r.instanceID).Int64()
	if err != nil {
		return false, fmt.Errorf("release %s: %w", key, err)
	}
	return res == 1, nil
}

var _ Coordinator = (*Redis)(nil)
