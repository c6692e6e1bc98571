package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/R3E-Network/pricewatch/internal/app/metrics"
	"github.com/R3E-Network/pricewatch/internal/app/services/notify"
	"github.com/R3E-Network/pricewatch/internal/app/services/prices"
	"github.com/R3E-Network/pricewatch/internal/ratelimit"
)

type itemOutcome string

const (
	outcomeSaved     itemOutcome = "saved"
	outcomeDuplicate itemOutcome = "duplicate"
	outcomeSkipped   itemOutcome = "skipped"
	outcomeFailed    itemOutcome = "failed"
)

// RefreshResult counts per-item outcomes of one refresh pass.
type RefreshResult struct {
	Items      int          `json:"items"`
	Saved      int          `json:"saved"`
	Duplicates int          `json:"duplicates"`
	Skipped    int          `json:"skipped"`
	Failed     int          `json:"failed"`
	Sweep      *SweepResult `json:"sweep,omitempty"`
}

func (r *RefreshResult) add(o itemOutcome) {
	switch o {
	case outcomeSaved:
		r.Saved++
	case outcomeDuplicate:
		r.Duplicates++
	case outcomeSkipped:
		r.Skipped++
	default:
		r.Failed++
	}
}

// SweepResult counts notification deliveries of one sweep.
type SweepResult struct {
	Due        int `json:"due"`
	Delivered  int `json:"delivered"`
	Failed     int `json:"failed"`
	MarkErrors int `json:"mark_errors"`
	// Contended is set when another instance held the sweep lock.
	Contended bool `json:"contended,omitempty"`
}

// CleanupResult reports how many snapshots retention removed.
type CleanupResult struct {
	Deleted int64 `json:"deleted"`
}

func (o *Orchestrator) refreshJob(ctx context.Context) (any, error) {
	ids, err := o.items.TrackedItems(ctx, o.cfg.BatchLimit)
	if err != nil {
		return nil, err
	}
	res := o.RefreshItems(ctx, ids)

	sweep, err := o.sweep(ctx)
	res.Sweep = &sweep
	if err != nil {
		return res, err
	}
	return res, nil
}

func (o *Orchestrator) notifyJob(ctx context.Context) (any, error) {
	res, err := o.sweep(ctx)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (o *Orchestrator) cleanupJob(ctx context.Context) (any, error) {
	deleted, err := o.store.CleanupOldHistory(ctx, o.cfg.RetentionDays)
	if err != nil {
		return nil, fmt.Errorf("cleanup history: %w", err)
	}
	o.log.WithField("deleted", deleted).Info("retention cleanup done")
	return CleanupResult{Deleted: deleted}, nil
}

// RefreshItems fetches and records the given items without the leader
// guard. Failures are counted per item and never abort the batch.
func (o *Orchestrator) RefreshItems(ctx context.Context, ids []int64) RefreshResult {
	res := RefreshResult{Items: len(ids)}
	if len(ids) == 0 {
		return res
	}

	pacer := rate.NewLimiter(rate.Inf, 1)
	if o.cfg.Pacing > 0 {
		pacer = rate.NewLimiter(rate.Every(o.cfg.Pacing), 1)
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(o.cfg.Workers)

	for i, id := range ids {
		if err := pacer.Wait(ctx); err != nil {
			mu.Lock()
			res.Failed += len(ids) - i
			mu.Unlock()
			o.log.WithError(err).Warn("refresh interrupted")
			break
		}
		g.Go(func() error {
			outcome := o.safeRefreshItem(ctx, id)
			metrics.RecordItemRefresh(string(outcome))
			mu.Lock()
			res.add(outcome)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	o.log.WithFields(logrus.Fields{
		"items":      res.Items,
		"saved":      res.Saved,
		"duplicates": res.Duplicates,
		"skipped":    res.Skipped,
		"failed":     res.Failed,
	}).Info("refresh pass complete")
	return res
}

func (o *Orchestrator) safeRefreshItem(ctx context.Context, id int64) (outcome itemOutcome) {
	defer func() {
		if r := recover(); r != nil {
			o.log.WithField("item_id", id).WithField("panic", fmt.Sprint(r)).Error("item refresh panicked")
			outcome = outcomeFailed
		}
	}()
	return o.refreshItem(ctx, id)
}

func (o *Orchestrator) refreshItem(ctx context.Context, id int64) itemOutcome {
	entry := o.log.WithFields(logrus.Fields{"item_id": id, "region": o.cfg.Region})

	if err := o.admit(ctx); err != nil {
		entry.WithError(err).Warn("rate limit admission failed")
		return outcomeFailed
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.ItemTimeout)
	defer cancel()

	quote, err := o.quotes.Refresh(ctx, id, o.cfg.Region)
	switch {
	case errors.Is(err, prices.ErrTerminal):
		entry.WithError(err).Info("item skipped")
		return outcomeSkipped
	case err != nil:
		entry.WithError(err).Warn("price fetch failed")
		return outcomeFailed
	}

	snap, ok := quote.Snapshot()
	if !ok {
		entry.Debug("free item, nothing to record")
		return outcomeSkipped
	}
	saved, err := o.store.SaveSnapshot(ctx, snap)
	if err != nil {
		entry.WithError(err).Warn("save snapshot failed")
		return outcomeFailed
	}
	if !saved {
		return outcomeDuplicate
	}
	return outcomeSaved
}

// admit blocks until the shared rate window has room. A coordinator error
// is logged and the call is allowed through.
func (o *Orchestrator) admit(ctx context.Context) error {
	return ratelimit.WaitFor(ctx, func(ctx context.Context) bool {
		decision, err := o.coord.CheckRateLimit(ctx, o.cfg.RateLimitKey, o.cfg.RateLimit, o.cfg.RateWindow)
		if err != nil {
			o.log.WithError(err).Debug("shared rate limit unavailable")
		}
		return decision.Allowed
	}, o.cfg.RateMaxWait, o.cfg.RatePoll)
}

// sweep delivers every due notification once and stamps it whatever the
// delivery outcome. Sweeps never overlap: in-process they queue on sweepMu,
// across instances the loser of the shared lock skips its turn.
func (o *Orchestrator) sweep(ctx context.Context) (SweepResult, error) {
	o.sweepMu.Lock()
	defer o.sweepMu.Unlock()

	locked, err := o.coord.AcquireLock(ctx, sweepLockKey, o.cfg.SweepLockTTL)
	switch {
	case err != nil:
		o.log.WithError(err).Warn("sweep lock unavailable, sweeping under the local lock only")
	case !locked:
		o.log.Info("notification sweep running on another instance, skipping")
		return SweepResult{Contended: true}, nil
	default:
		defer o.releaseSweepLock(ctx)
	}

	due, err := o.store.GetDueNotifications(ctx, o.cfg.Region, o.cfg.CooldownHours)
	if err != nil {
		return SweepResult{}, fmt.Errorf("load due notifications: %w", err)
	}

	res := SweepResult{Due: len(due)}
	for _, n := range due {
		entry := o.log.WithFields(logrus.Fields{"subscriber_id": n.SubscriberID, "item_id": n.ItemID})

		deliverCtx, cancel := context.WithTimeout(ctx, o.cfg.ItemTimeout)
		err := o.sink.Deliver(deliverCtx, notify.EventFromDue(n))
		cancel()

		delivered := err == nil
		metrics.RecordNotification(delivered)
		if delivered {
			res.Delivered++
		} else {
			res.Failed++
			entry.WithError(err).Warn("notification delivery failed")
		}

		if err := o.store.MarkNotified(ctx, n.SubscriptionKey, delivered); err != nil {
			res.MarkErrors++
			entry.WithError(err).Error("mark notified failed")
		}
	}
	return res, nil
}

func (o *Orchestrator) releaseSweepLock(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := o.coord.ReleaseLock(ctx, sweepLockKey); err != nil {
		o.log.WithError(err).Warn("release sweep lock failed")
	}
}
