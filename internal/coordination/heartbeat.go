package coordination

import (
	"context"
	"sync"
	"time"

	"github.com/R3E-Network/pricewatch/pkg/logger"
)

// Heartbeat keeps a leader lease alive in the background.
type Heartbeat struct {
	coord    Coordinator
	name     string
	ttl      time.Duration
	interval time.Duration
	log      *logger.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.RWMutex
	leading bool
	stopped bool
}

// StartLeaderHeartbeat tries to take the lease immediately and then, every
// interval, renews it when held or tries to acquire it when not. Stop (or
// cancelling ctx) ends the loop and releases the lease if this instance owns it.
func StartLeaderHeartbeat(ctx context.Context, coord Coordinator, name string, ttl, interval time.Duration, log *logger.Logger) *Heartbeat {
	if log == nil {
		log = logger.NewDefault("coordination")
	}
	if interval <= 0 {
		interval = ttl / 3
	}
	ctx, cancel := context.WithCancel(ctx)
	h := &Heartbeat{
		coord:    coord,
		name:     name,
		ttl:      ttl,
		interval: interval,
		log:      log,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	h.beat(ctx)
	go h.loop(ctx)
	return h
}

// Leading reports the outcome of the most recent beat.
func (h *Heartbeat) Leading() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.leading
}

// Stop ends the heartbeat and waits for the lease to be released.
func (h *Heartbeat) Stop(ctx context.Context) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	h.mu.Unlock()

	h.cancel()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Heartbeat) loop(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.release()
			return
		case <-ticker.C:
			h.beat(ctx)
		}
	}
}

func (h *Heartbeat) beat(ctx context.Context) {
	entry := h.log.WithField("lease", h.name)

	leading, err := h.coord.IsLeader(ctx, h.name)
	if err != nil {
		entry.WithError(err).Warn("leader check failed")
	}
	if leading {
		renewed, err := h.coord.RenewLeaderLease(ctx, h.name, h.ttl)
		if err != nil {
			entry.WithError(err).Warn("lease renewal failed")
		}
		if !renewed {
			entry.Warn("lease renewal rejected, trying to reacquire")
			leading, _ = h.coord.AcquireLeaderLease(ctx, h.name, h.ttl)
		}
	} else if err == nil {
		leading, _ = h.coord.AcquireLeaderLease(ctx, h.name, h.ttl)
	}

	h.mu.Lock()
	h.leading = leading
	h.mu.Unlock()
}

func (h *Heartbeat) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := h.coord.ReleaseLeaderLease(ctx, h.name); err != nil {
		h.log.WithError(err).WithField("lease", h.name).Warn("lease release failed")
	}
	h.mu.Lock()
	h.leading = false
	h.mu.Unlock()
}
