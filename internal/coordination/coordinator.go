// Package coordination provides cross-instance leader leases, locks and a
// shared sliding-window rate limit.
package coordination

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RateDecision is the outcome of a shared rate-limit check.
type RateDecision struct {
	Allowed   bool
	Remaining int
}

// Coordinator is the capability set the scheduler depends on. Leadership
// queries fail closed (false) and rate-limit checks fail open (allowed)
// when the backing store is unreachable; the error is returned either way.
type Coordinator interface {
	InstanceID() string

	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) (bool, error)

	AcquireLeaderLease(ctx context.Context, name string, ttl time.Duration) (bool, error)
	IsLeader(ctx context.Context, name string) (bool, error)
	RenewLeaderLease(ctx context.Context, name string, ttl time.Duration) (bool, error)
	ReleaseLeaderLease(ctx context.Context, name string) (bool, error)

	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (RateDecision, error)

	Ping(ctx context.Context) error
	Close() error
}

// NewInstanceID returns a random identifier for this process.
func NewInstanceID() string {
	return uuid.NewString()
}

func leaderKey(prefix, name string) string { return prefix + "leader_lock:" + name }
func lockKey(prefix, key string) string    { return prefix + "lock:" + key }
func rateKey(prefix, key string) string    { return prefix + "ratelimit:" + key }
