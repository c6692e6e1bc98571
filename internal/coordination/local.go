package coordination

import (
	"context"
	"sync"
	"time"

	"github.com/R3E-Network/pricewatch/internal/ratelimit"
)

// Local is the single-instance Coordinator used when no shared store is
// configured. The process is always the leader; locks and rate windows are
// kept in memory.
type Local struct {
	instanceID string
	limiter    *ratelimit.SlidingWindow

	mu    sync.Mutex
	locks map[string]time.Time
	now   func() time.Time
}

// NewLocal returns an in-process coordinator.
func NewLocal(instanceID string) *Local {
	if instanceID == "" {
		instanceID = NewInstanceID()
	}
	return &Local{
		instanceID: instanceID,
		limiter:    ratelimit.NewSlidingWindow(1, time.Second),
		locks:      make(map[string]time.Time),
		now:        time.Now,
	}
}

func (l *Local) InstanceID() string { return l.instanceID }

func (l *Local) AcquireLock(_ context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if expires, held := l.locks[key]; held && now.Before(expires) {
		return false, nil
	}
	l.locks[key] = now.Add(ttl)
	return true, nil
}

func (l *Local) ReleaseLock(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	expires, held := l.locks[key]
	delete(l.locks, key)
	return held && l.now().Before(expires), nil
}

func (l *Local) AcquireLeaderLease(context.Context, string, time.Duration) (bool, error) {
	return true, nil
}

func (l *Local) IsLeader(context.Context, string) (bool, error) { return true, nil }

func (l *Local) RenewLeaderLease(context.Context, string, time.Duration) (bool, error) {
	return true, nil
}

func (l *Local) ReleaseLeaderLease(context.Context, string) (bool, error) { return true, nil }

func (l *Local) CheckRateLimit(_ context.Context, key string, limit int, window time.Duration) (RateDecision, error) {
	if !l.limiter.AcquireN(key, limit, window) {
		return RateDecision{Allowed: false}, nil
	}
	return RateDecision{Allowed: true, Remaining: limit - l.limiter.Count(key, window)}, nil
}

func (l *Local) Ping(context.Context) error { return nil }

func (l *Local) Close() error { return nil }

var _ Coordinator = (*Local)(nil)
