// Package coordinator drives the refresh cycle of one dataset: staleness
// check, quota-bounded fetch passes, reconciliation and persistence.
package coordinator

import (
	"context"
	stderrors "errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/trailcache/trailcache/internal/errors"
	"github.com/trailcache/trailcache/internal/logging"
	"github.com/trailcache/trailcache/internal/metrics"
	"github.com/trailcache/trailcache/internal/models"
	"github.com/trailcache/trailcache/internal/reconcile"
	"github.com/trailcache/trailcache/internal/scheduler"
	"github.com/trailcache/trailcache/internal/staleness"
	"github.com/trailcache/trailcache/internal/store"
)

// ErrBusy is returned by Invalidate while a cycle is running.
var ErrBusy = stderrors.New("refresh cycle in progress")

// ErrClosed is returned once Close has been called.
var ErrClosed = stderrors.New("coordinator closed")

// Store is the snapshot persistence the coordinator needs.
type Store interface {
	Get(ctx context.Context, dataset models.Dataset) (*models.Snapshot, error)
	Put(ctx context.Context, snap *models.Snapshot) error
	Invalidate(ctx context.Context, dataset models.Dataset) error
	Degraded(dataset models.Dataset) bool
}

var _ Store = (*store.HybridStore)(nil)

// Options configures a Coordinator.
type Options struct {
	Dataset      models.Dataset
	CallsPerItem int

	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time

	// OnStateChange is called under the coordinator lock on every transition.
	// It must not call back into the coordinator.
	OnStateChange func(from, to State)
	// OnCycleEnd is called after every cycle that ran past Checking.
	OnCycleEnd func(dataset models.Dataset, outcome string, err error)
}

// Coordinator is safe for concurrent use. One Coordinator owns one dataset.
type Coordinator struct {
	dataset      models.Dataset
	callsPerItem int
	store        Store
	sched        *scheduler.Scheduler
	policy       *staleness.Policy
	logger       *logging.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
	onChange     func(from, to State)
	onCycleEnd   func(dataset models.Dataset, outcome string, err error)

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu          sync.Mutex
	state       State
	closed      bool
	cycleID     string
	changed     chan struct{}
	resumeTimer *time.Timer
	resumeAt    time.Time
	resumeGen   uint64

	lastErr     error
	lastOutcome string
	lastCycleAt time.Time
	view        snapshotView
}

// snapshotView caches what Stats reports about the last snapshot seen.
type snapshotView struct {
	lastSync  time.Time
	lastFetch time.Time
	items     int
	coverage  float64
}

func viewOf(snap *models.Snapshot) snapshotView {
	return snapshotView{
		lastSync:  snap.LastSync,
		lastFetch: snap.LastFetch,
		items:     snap.Size(),
		coverage:  snap.Coverage(),
	}
}

// New returns an idle Coordinator.
func New(st Store, sched *scheduler.Scheduler, policy *staleness.Policy, opts Options) *Coordinator {
	if opts.CallsPerItem <= 0 {
		opts.CallsPerItem = 1
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Coordinator{
		dataset:      opts.Dataset,
		callsPerItem: opts.CallsPerItem,
		store:        st,
		sched:        sched,
		policy:       policy,
		logger:       opts.Logger.With("component", "coordinator", "dataset", opts.Dataset.String()),
		metrics:      opts.Metrics,
		now:          opts.Now,
		onChange:     opts.OnStateChange,
		onCycleEnd:   opts.OnCycleEnd,
		baseCtx:      ctx,
		cancel:       cancel,
		state:        StateIdle,
		changed:      make(chan struct{}),
	}
}

// Dataset returns the dataset this coordinator owns.
func (c *Coordinator) Dataset() models.Dataset {
	return c.dataset
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CheckAndRefresh runs the staleness check synchronously and, when the
// dataset needs syncing, starts a cycle in the background. A call made while
// a cycle is running changes nothing and reports OutcomeBusy. A pending
// resume is replaced by the new cycle.
func (c *Coordinator) CheckAndRefresh(ctx context.Context, trigger models.Trigger) Status {
	return c.check(ctx, trigger, 0)
}

func (c *Coordinator) check(ctx context.Context, trigger models.Trigger, resumeGen uint64) Status {
	c.mu.Lock()
	if resumeGen != 0 {
		if resumeGen != c.resumeGen || c.resumeTimer == nil {
			// superseded by a newer trigger
			st := c.statusLocked(trigger, OutcomeBusy)
			c.mu.Unlock()
			return st
		}
		c.clearResumeLocked()
	}
	if c.closed {
		st := c.statusLocked(trigger, OutcomeClosed)
		c.mu.Unlock()
		return st
	}
	if c.state != StateIdle {
		st := c.statusLocked(trigger, OutcomeBusy)
		c.mu.Unlock()
		c.logger.DebugWithContext(ctx, "refresh already in progress", "trigger", string(trigger), "state", st.State.String())
		return st
	}
	if c.resumeTimer != nil {
		c.resumeTimer.Stop()
		c.clearResumeLocked()
	}
	ctx, cycleID := logging.StartCycle(ctx)
	c.cycleID = cycleID
	c.setStateLocked(StateChecking)
	c.mu.Unlock()

	snap, err := c.store.Get(ctx, c.dataset)
	if err != nil {
		c.logger.WarnWithContext(ctx, "snapshot load failed", "trigger", string(trigger), "error", err)
		c.mu.Lock()
		c.lastErr = err
		c.lastOutcome = OutcomeFailed
		c.setStateLocked(StateIdle)
		st := c.statusLocked(trigger, OutcomeFailed)
		c.mu.Unlock()
		c.recordCycle(OutcomeFailed, 0)
		return st
	}

	now := c.now()
	resuming := snap.Resume != nil && len(snap.Resume.Pending) > 0
	if !resuming && !c.policy.IsStale(snap, now) {
		c.mu.Lock()
		c.view = viewOf(snap)
		c.lastOutcome = OutcomeFresh
		c.setStateLocked(StateIdle)
		st := c.statusLocked(trigger, OutcomeFresh)
		c.mu.Unlock()
		c.recordCycle(OutcomeFresh, 0)
		c.logger.DebugWithContext(ctx, "snapshot is fresh",
			"trigger", string(trigger),
			"last_sync", snap.LastSync,
			"next_check", c.policy.NextCheck(snap, now),
		)
		return st
	}

	if snap.IsEmpty() && trigger != models.TriggerManual && trigger != models.TriggerResume {
		trigger = models.TriggerEmptyCache
	}

	c.mu.Lock()
	if c.closed {
		c.setStateLocked(StateIdle)
		st := c.statusLocked(trigger, OutcomeClosed)
		c.mu.Unlock()
		return st
	}
	c.view = viewOf(snap)
	c.setStateLocked(StateSyncing)
	st := c.statusLocked(trigger, OutcomeStarted)
	c.wg.Add(1)
	c.mu.Unlock()

	cycleCtx := logging.WithCycleID(c.baseCtx, cycleID)
	c.logger.InfoWithContext(cycleCtx, "refresh cycle started",
		"trigger", string(trigger),
		"resuming", resuming,
		"items", snap.Size(),
	)
	go c.run(cycleCtx, snap, trigger)
	return st
}

// cycleResult is how a cycle ended.
type cycleResult struct {
	outcome  string
	err      error
	resumeAt time.Time
	snap     *models.Snapshot
}

func (c *Coordinator) run(ctx context.Context, snap *models.Snapshot, trigger models.Trigger) {
	defer c.wg.Done()
	start := c.now()

	var res cycleResult
	func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.ErrorWithContext(ctx, "refresh cycle panicked",
					"panic", fmt.Sprint(r),
					"stack", string(debug.Stack()),
				)
				res = cycleResult{outcome: OutcomeFailed, err: fmt.Errorf("refresh cycle panicked: %v", r)}
			}
		}()
		res = c.cycle(ctx, snap)
	}()

	c.finish(ctx, res)
	c.recordCycle(res.outcome, c.now().Sub(start))
	if c.onCycleEnd != nil {
		c.onCycleEnd(c.dataset, res.outcome, res.err)
	}

	fields := []interface{}{
		"trigger", string(trigger),
		"outcome", res.outcome,
		"duration_ms", c.now().Sub(start).Milliseconds(),
	}
	if !res.resumeAt.IsZero() {
		fields = append(fields, "resume_at", res.resumeAt)
	}
	if res.err != nil {
		fields = append(fields, "error", res.err)
		c.logger.WarnWithContext(ctx, "refresh cycle finished", fields...)
		return
	}
	c.logger.InfoWithContext(ctx, "refresh cycle finished", fields...)
}

// cycle performs one pass of the sync. The snapshot is only written when the
// pass produced something to keep.
func (c *Coordinator) cycle(ctx context.Context, snap *models.Snapshot) cycleResult {
	cycleStart := c.now()
	var ids []string
	var listed bool

	if snap.Resume != nil && len(snap.Resume.Pending) > 0 {
		cycleStart = snap.Resume.CycleStartedAt
		ids = snap.Resume.Pending
	} else {
		upstreamIDs, err := c.sched.ListIDs(ctx, c.dataset)
		if err != nil {
			return c.listFailed(err)
		}
		ids = upstreamIDs
		listed = true
	}

	pending := scheduler.Pending(snap, ids, cycleStart)
	pass, err := c.sched.RunPass(ctx, scheduler.Pass{
		Dataset:      c.dataset,
		IDs:          pending,
		CallsPerItem: c.callsPerItem,
	})
	if err != nil {
		if errors.IsAuth(err) {
			return cycleResult{outcome: OutcomeAuthFailed, err: err}
		}
		return cycleResult{outcome: OutcomeFailed, err: err}
	}

	work := snap.Clone()
	work.Degraded = false
	if listed {
		c.recordDecisions(reconcile.MarkMissing(work, ids))
	}

	if ctx.Err() != nil {
		// Close during the pass: keep what was fetched and leave the rest
		// for the next run as a resume point without a timer.
		c.transition(StateSyncingPartial)
		c.recordDecisions(reconcile.MergeInto(work, pass.Fetched))
		work.Resume = c.resumePoint(snap, cycleStart, pass)
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		c.transition(StatePersisting)
		if err := c.store.Put(persistCtx, work); err != nil {
			return cycleResult{outcome: OutcomeDegraded, err: err, snap: work}
		}
		return cycleResult{outcome: OutcomeCancelled, err: ctx.Err(), snap: work}
	}

	if pass.Partial() {
		c.transition(StateSyncingPartial)
		c.recordDecisions(reconcile.MergeInto(work, pass.Fetched))
		work.Resume = c.resumePoint(snap, cycleStart, pass)

		c.transition(StatePersisting)
		if err := c.store.Put(ctx, work); err != nil {
			// the store keeps the snapshot in memory, so resuming still works
			return cycleResult{outcome: OutcomeDegraded, err: err, resumeAt: pass.ResumeAt, snap: work}
		}
		return cycleResult{outcome: OutcomePartial, resumeAt: pass.ResumeAt, snap: work}
	}

	c.transition(StateReconciling)
	summary := reconcile.MergeInto(work, pass.Fetched)
	c.recordDecisions(summary)
	work.LastSync = c.now().UTC()
	work.Resume = nil

	c.transition(StatePersisting)
	if err := c.store.Put(ctx, work); err != nil {
		return cycleResult{outcome: OutcomeDegraded, err: err, snap: work}
	}
	c.logger.InfoWithContext(ctx, "dataset synced",
		"created", summary.Created,
		"updated", summary.Updated,
		"unchanged", summary.Unchanged,
		"failed", len(pass.Failed),
		"skipped", len(pass.Skipped),
	)
	return cycleResult{outcome: OutcomeSynced, snap: work}
}

func (c *Coordinator) listFailed(err error) cycleResult {
	switch {
	case errors.IsAuth(err):
		return cycleResult{outcome: OutcomeAuthFailed, err: err}
	case stderrors.Is(err, scheduler.ErrDailyCap):
		// nothing was fetched; try again once the day rolls over
		return cycleResult{outcome: OutcomeDailyCap, err: err, resumeAt: c.sched.Window().NextAvailable(1)}
	}
	return cycleResult{outcome: OutcomeFailed, err: err}
}

// resumePoint records where the cycle continues. Items that were pending
// before this pass keep counting towards Fetched.
func (c *Coordinator) resumePoint(before *models.Snapshot, cycleStart time.Time, pass *scheduler.PassResult) *models.ResumePoint {
	fetched := len(pass.Fetched)
	if before.Resume != nil {
		fetched += before.Resume.Fetched
	}
	return &models.ResumePoint{
		Pending:        append([]string(nil), pass.Remaining...),
		CycleStartedAt: cycleStart,
		ResumeAt:       pass.ResumeAt,
		Fetched:        fetched,
	}
}

// finish returns the coordinator to Idle and arms the resume timer in the
// same critical section, so Wait never observes Idle between the two.
func (c *Coordinator) finish(ctx context.Context, res cycleResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastOutcome = res.outcome
	c.lastCycleAt = c.now()
	switch {
	case res.err == nil:
		c.lastErr = nil
	case res.outcome == OutcomeCancelled:
	default:
		c.lastErr = res.err
	}
	if res.snap != nil {
		c.view = viewOf(res.snap)
		if c.metrics != nil {
			c.metrics.SetDatasetItems(c.dataset.String(), res.snap.Size())
		}
	}

	if !res.resumeAt.IsZero() && !c.closed {
		c.scheduleResumeLocked(ctx, res.resumeAt)
	}
	c.setStateLocked(StateIdle)
}

func (c *Coordinator) scheduleResumeLocked(ctx context.Context, at time.Time) {
	delay := at.Sub(c.now())
	if delay < 0 {
		delay = 0
	}
	c.resumeGen++
	gen := c.resumeGen
	c.resumeAt = at
	c.resumeTimer = time.AfterFunc(delay, func() {
		c.check(c.baseCtx, models.TriggerResume, gen)
	})
	c.logger.InfoWithContext(ctx, "resume scheduled", "resume_at", at, "delay", delay.String())
}

func (c *Coordinator) clearResumeLocked() {
	c.resumeTimer = nil
	c.resumeAt = time.Time{}
	c.resumeGen++
	c.notifyLocked()
}

func (c *Coordinator) transition(to State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(to)
}

func (c *Coordinator) setStateLocked(to State) {
	from := c.state
	c.state = to
	if c.onChange != nil && from != to {
		c.onChange(from, to)
	}
	c.notifyLocked()
}

// notifyLocked wakes every Wait caller.
func (c *Coordinator) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Coordinator) statusLocked(trigger models.Trigger, outcome string) Status {
	return Status{
		Dataset: c.dataset.String(),
		State:   c.state,
		Outcome: outcome,
		Trigger: string(trigger),
		CycleID: c.cycleID,
	}
}

// Wait blocks until the coordinator is Idle with no resume scheduled.
func (c *Coordinator) Wait(ctx context.Context) error {
	return c.waitUntil(ctx, func() bool { return c.state == StateIdle && c.resumeTimer == nil })
}

// WaitIdle blocks until the running cycle segment ends. A resume scheduled by
// that segment is left pending.
func (c *Coordinator) WaitIdle(ctx context.Context) error {
	return c.waitUntil(ctx, func() bool { return c.state == StateIdle })
}

func (c *Coordinator) waitUntil(ctx context.Context, done func() bool) error {
	for {
		c.mu.Lock()
		if done() {
			c.mu.Unlock()
			return nil
		}
		ch := c.changed
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops the resume timer, cancels a running cycle between item
// boundaries and waits for it to persist its progress.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.resumeTimer != nil {
		c.resumeTimer.Stop()
		c.clearResumeLocked()
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

// Invalidate deletes the dataset's snapshot. It fails with ErrBusy while a
// cycle is running. A pending resume is dropped with the snapshot.
func (c *Coordinator) Invalidate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.state != StateIdle {
		return ErrBusy
	}
	if c.resumeTimer != nil {
		c.resumeTimer.Stop()
		c.clearResumeLocked()
	}
	if err := c.store.Invalidate(ctx, c.dataset); err != nil {
		c.lastErr = err
		return err
	}
	c.view = snapshotView{}
	if c.metrics != nil {
		c.metrics.SetDatasetItems(c.dataset.String(), 0)
	}
	c.logger.InfoWithContext(ctx, "dataset invalidated")
	return nil
}

// Load reads the stored snapshot so Stats is populated before the first
// check. It does nothing while a cycle is running.
func (c *Coordinator) Load(ctx context.Context) error {
	snap, err := c.store.Get(ctx, c.dataset)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateIdle {
		c.view = viewOf(snap)
	}
	if c.metrics != nil {
		c.metrics.SetDatasetItems(c.dataset.String(), snap.Size())
	}
	return nil
}

// Stats reports the dataset as of the last check or cycle.
func (c *Coordinator) Stats() Stats {
	usage := c.sched.Window().Usage()
	degraded := c.store.Degraded(c.dataset)

	c.mu.Lock()
	defer c.mu.Unlock()

	st := Stats{
		Dataset:     c.dataset.String(),
		State:       c.state,
		LastSync:    c.view.lastSync,
		LastFetch:   c.view.lastFetch,
		Items:       c.view.items,
		Coverage:    c.view.coverage,
		Degraded:    degraded,
		LastOutcome: c.lastOutcome,
		LastCycleAt: c.lastCycleAt,
		ResumeAt:    c.resumeAt,
		Window: WindowStats{
			Used:         usage.WindowUsed,
			Limit:        usage.WindowLimit,
			Reserved:     usage.Reserved,
			DailyUsed:    usage.DailyUsed,
			DailyCap:     usage.DailyCap,
			BlockedUntil: usage.BlockedUntil,
		},
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

// Run triggers a startup check, then a scheduled check every interval until
// ctx ends.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	c.CheckAndRefresh(ctx, models.TriggerStartup)
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.baseCtx.Done():
			return
		case <-ticker.C:
			c.CheckAndRefresh(ctx, models.TriggerScheduled)
		}
	}
}

func (c *Coordinator) recordCycle(outcome string, d time.Duration) {
	if c.metrics != nil {
		c.metrics.RecordSyncCycle(c.dataset.String(), outcome, d.Seconds())
	}
}

func (c *Coordinator) recordDecisions(sum reconcile.Summary) {
	if c.metrics == nil {
		return
	}
	for decision, n := range sum.Decisions {
		for i := 0; i < n; i++ {
			c.metrics.RecordReconcileDecision(c.dataset.String(), decision)
		}
	}
}
