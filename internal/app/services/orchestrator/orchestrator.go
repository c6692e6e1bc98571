// Package orchestrator schedules the price refresh, notification sweep and
// retention cleanup jobs behind a shared leader lease.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/pricewatch/internal/app/metrics"
	"github.com/R3E-Network/pricewatch/internal/app/services/notify"
	"github.com/R3E-Network/pricewatch/internal/app/services/prices"
	"github.com/R3E-Network/pricewatch/internal/app/storage"
	"github.com/R3E-Network/pricewatch/internal/app/system"
	"github.com/R3E-Network/pricewatch/internal/coordination"
	"github.com/R3E-Network/pricewatch/pkg/logger"
)

// Job names.
const (
	JobRefresh = "refresh"
	JobNotify  = "notify"
	JobCleanup = "cleanup"
)

// sweepLockKey serializes notification sweeps across instances.
const sweepLockKey = "notify-sweep"

var (
	ErrUnknownJob = errors.New("unknown job")
	ErrNotLeader  = errors.New("not leader")
	ErrJobRunning = errors.New("job already running")
)

var _ system.Service = (*Orchestrator)(nil)

// QuoteSource fetches a fresh quote, bypassing any cache.
type QuoteSource interface {
	Refresh(ctx context.Context, itemID int64, region string) (prices.Quote, error)
}

// Store is the persistence the jobs write to.
type Store interface {
	storage.HistoryStore
	storage.SubscriptionStore
}

// Config tunes schedules, fan-out and the leader lease.
type Config struct {
	Region string

	RefreshSchedule string
	NotifySchedule  string
	CleanupSchedule string

	BatchLimit    int
	Workers       int
	Pacing        time.Duration
	ItemTimeout   time.Duration
	RetentionDays int
	CooldownHours int
	SweepLockTTL  time.Duration

	LeaseName         string
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration

	RateLimitKey string
	RateLimit    int
	RateWindow   time.Duration
	RateMaxWait  time.Duration
	RatePoll     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Region == "" {
		c.Region = "us"
	}
	if c.RefreshSchedule == "" {
		c.RefreshSchedule = "@every 12h"
	}
	if c.NotifySchedule == "" {
		c.NotifySchedule = "@every 6h"
	}
	if c.CleanupSchedule == "" {
		c.CleanupSchedule = "0 3 * * *"
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 500
	}
	if c.Workers <= 0 {
		c.Workers = 5
	}
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = 30 * time.Second
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 730
	}
	if c.CooldownHours <= 0 {
		c.CooldownHours = 24
	}
	if c.SweepLockTTL <= 0 {
		c.SweepLockTTL = 10 * time.Minute
	}
	if c.LeaseName == "" {
		c.LeaseName = "pricewatch-scheduler"
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.LeaseTTL / 3
	}
	if c.RateLimitKey == "" {
		c.RateLimitKey = "external-api"
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 100
	}
	if c.RateWindow <= 0 {
		c.RateWindow = 5 * time.Minute
	}
	if c.RateMaxWait <= 0 {
		c.RateMaxWait = time.Minute
	}
	if c.RatePoll <= 0 {
		c.RatePoll = time.Second
	}
	return c
}

// Dependencies are the collaborators the jobs drive.
type Dependencies struct {
	Coordinator coordination.Coordinator
	Store       Store
	Quotes      QuoteSource
	Items       ItemSource
	Sink        notify.Sink
}

type job struct {
	name     string
	schedule string
	run      func(ctx context.Context) (any, error)
	tracker  jobTracker
	entry    cron.EntryID
}

// Orchestrator owns the cron scheduler, the leader heartbeat and the
// supervised state of every job.
type Orchestrator struct {
	cfg    Config
	coord  coordination.Coordinator
	store  Store
	quotes QuoteSource
	items  ItemSource
	sink   notify.Sink
	log    *logger.Logger
	now    func() time.Time

	jobs  map[string]*job
	order []string

	mu        sync.Mutex
	cron      *cron.Cron
	heartbeat *coordination.Heartbeat
	runCtx    context.Context
	cancel    context.CancelFunc
	running   bool
	manual    sync.WaitGroup

	sweepMu sync.Mutex
}

// New wires an orchestrator. Nothing is scheduled until Start.
func New(cfg Config, deps Dependencies, log *logger.Logger) (*Orchestrator, error) {
	if deps.Coordinator == nil || deps.Store == nil || deps.Quotes == nil {
		return nil, fmt.Errorf("orchestrator requires a coordinator, store and quote source")
	}
	if log == nil {
		log = logger.NewDefault("orchestrator")
	}
	if deps.Sink == nil {
		deps.Sink = notify.NewLogSink(log.Named("notify"))
	}
	if deps.Items == nil {
		deps.Items = NewStoreItemSource(deps.Store, nil)
	}

	o := &Orchestrator{
		cfg:    cfg.withDefaults(),
		coord:  deps.Coordinator,
		store:  deps.Store,
		quotes: deps.Quotes,
		items:  deps.Items,
		sink:   deps.Sink,
		log:    log,
		now:    time.Now,
		jobs:   make(map[string]*job),
	}
	o.addJob(JobRefresh, o.cfg.RefreshSchedule, o.refreshJob)
	o.addJob(JobNotify, o.cfg.NotifySchedule, o.notifyJob)
	o.addJob(JobCleanup, o.cfg.CleanupSchedule, o.cleanupJob)
	return o, nil
}

func (o *Orchestrator) addJob(name, schedule string, run func(context.Context) (any, error)) {
	j := &job{name: name, schedule: schedule, run: run}
	j.tracker.status = JobStatus{Name: name, Schedule: schedule, State: StateIdle}
	o.jobs[name] = j
	o.order = append(o.order, name)
}

func (o *Orchestrator) Name() string { return "orchestrator" }

// Start registers the jobs with cron in UTC and starts the leader heartbeat.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	cronLog := cron.PrintfLogger(o.log)
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLog),
		cron.WithChain(cron.SkipIfStillRunning(cronLog)),
	)
	for _, name := range o.order {
		j := o.jobs[name]
		id, err := c.AddFunc(j.schedule, func() { o.tick(runCtx, j) })
		if err != nil {
			cancel()
			return fmt.Errorf("schedule %s %q: %w", name, j.schedule, err)
		}
		j.entry = id
	}

	o.heartbeat = coordination.StartLeaderHeartbeat(runCtx, o.coord, o.cfg.LeaseName, o.cfg.LeaseTTL, o.cfg.HeartbeatInterval, o.log.Named("leader"))
	metrics.SetLeader(o.heartbeat.Leading())
	c.Start()

	o.cron = c
	o.runCtx = runCtx
	o.cancel = cancel
	o.running = true

	o.log.WithField("instance_id", o.coord.InstanceID()).Info("orchestrator started")
	return nil
}

// Stop halts scheduling, waits for in-flight runs and releases the lease.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	c, hb, cancel := o.cron, o.heartbeat, o.cancel
	o.running = false
	o.mu.Unlock()

	cronDone := c.Stop()
	manualDone := make(chan struct{})
	go func() {
		defer close(manualDone)
		o.manual.Wait()
	}()

	var waitErr error
	for _, done := range []<-chan struct{}{cronDone.Done(), manualDone} {
		select {
		case <-done:
		case <-ctx.Done():
			waitErr = ctx.Err()
		}
		if waitErr != nil {
			break
		}
	}
	cancel()

	if err := hb.Stop(ctx); err != nil && waitErr == nil {
		waitErr = err
	}
	metrics.SetLeader(false)

	o.mu.Lock()
	o.cron = nil
	o.heartbeat = nil
	o.mu.Unlock()

	o.log.Info("orchestrator stopped")
	return waitErr
}

// Leading reports whether the heartbeat currently holds the lease.
func (o *Orchestrator) Leading() bool {
	o.mu.Lock()
	hb := o.heartbeat
	o.mu.Unlock()
	return hb != nil && hb.Leading()
}

// Status returns the supervised state of every job in registration order.
func (o *Orchestrator) Status() []JobStatus {
	o.mu.Lock()
	c := o.cron
	o.mu.Unlock()

	out := make([]JobStatus, 0, len(o.order))
	for _, name := range o.order {
		j := o.jobs[name]
		if c != nil {
			j.tracker.setNext(c.Entry(j.entry).Next)
		}
		out = append(out, j.tracker.snapshot())
	}
	return out
}

// RunJob executes a job synchronously behind the leader guard.
func (o *Orchestrator) RunJob(ctx context.Context, name string) (any, error) {
	j, ok := o.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return o.execute(ctx, j)
}

// TriggerJob starts a job in the background and returns immediately.
func (o *Orchestrator) TriggerJob(name string) error {
	j, ok := o.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if st := j.tracker.snapshot().State; st != StateIdle {
		return ErrJobRunning
	}

	o.mu.Lock()
	ctx := o.runCtx
	o.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	o.manual.Add(1)
	go func() {
		defer o.manual.Done()
		o.tick(ctx, j)
	}()
	return nil
}

func (o *Orchestrator) tick(ctx context.Context, j *job) {
	_, err := o.execute(ctx, j)
	switch {
	case err == nil, errors.Is(err, ErrNotLeader):
	case errors.Is(err, ErrJobRunning):
		o.log.WithField("job", j.name).Info("previous run still in progress")
	default:
		o.log.WithError(err).WithField("job", j.name).Error("job failed")
	}
}

func (o *Orchestrator) execute(ctx context.Context, j *job) (any, error) {
	if !j.tracker.begin() {
		return nil, ErrJobRunning
	}
	entry := o.log.WithField("job", j.name)

	if !o.leading(ctx) {
		j.tracker.setState(StateNotLeader)
		j.tracker.skip()
		metrics.RecordJobRun(j.name, "skipped", 0)
		entry.Info("not leader, skipping run")
		return nil, ErrNotLeader
	}
	j.tracker.setState(StateLeading)

	started := o.now()
	j.tracker.start(started)
	entry.Info("job started")

	result, panicked, err := o.invoke(ctx, j)
	finished := o.now()
	j.tracker.finish(finished, result, err, panicked)

	outcome := "ok"
	switch {
	case panicked:
		outcome = "panic"
	case err != nil:
		outcome = "failed"
	}
	metrics.RecordJobRun(j.name, outcome, finished.Sub(started))
	if err == nil {
		entry.WithField("duration", finished.Sub(started).String()).Info("job finished")
	}
	return result, err
}

func (o *Orchestrator) invoke(ctx context.Context, j *job) (result any, panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = fmt.Errorf("panic: %v", r)
			o.log.WithField("job", j.name).WithField("stack", string(debug.Stack())).Error("job panicked")
		}
	}()
	result, err = j.run(ctx)
	return result, false, err
}

// leading checks the lease. With a heartbeat running only ownership is
// checked; otherwise the lease is acquired on demand. Errors count as not
// leading.
func (o *Orchestrator) leading(ctx context.Context) bool {
	o.mu.Lock()
	hb := o.heartbeat
	o.mu.Unlock()

	ok, err := o.coord.IsLeader(ctx, o.cfg.LeaseName)
	if err == nil && !ok && hb == nil {
		ok, err = o.coord.AcquireLeaderLease(ctx, o.cfg.LeaseName, o.cfg.LeaseTTL)
	}
	if err != nil {
		o.log.WithError(err).WithField("lease", o.cfg.LeaseName).Warn("leadership check failed")
		ok = false
	}
	metrics.SetLeader(ok)
	return ok
}
