// Package scheduler fetches dataset items in batches that fit the upstream
// call quota, continuing across windows when a dataset does not fit in one.
package scheduler

import (
	"context"
	stderrors "errors"
	"net/http"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trailcache/trailcache/internal/errors"
	"github.com/trailcache/trailcache/internal/logging"
	"github.com/trailcache/trailcache/internal/metrics"
	"github.com/trailcache/trailcache/internal/models"
	"github.com/trailcache/trailcache/pkg/headers"
)

// ErrDailyCap is returned when the daily call cap leaves no room for a call.
var ErrDailyCap = stderrors.New("daily call cap reached")

// ErrBudgetExhausted is returned by Budget.Spend once an item used every
// call it reserved.
var ErrBudgetExhausted = stderrors.New("item call budget exhausted")

// Budget meters the upstream calls made on behalf of one item or listing.
// Spend must be called before each call; Observe after each response.
type Budget interface {
	Spend(call string) error
	Observe(h http.Header)
}

// Fetcher talks to upstream.
type Fetcher interface {
	// ListIDs returns every item ID upstream currently has for dataset.
	ListIDs(ctx context.Context, dataset models.Dataset, budget Budget) ([]string, error)
	// FetchItem fetches one item using at most the calls reserved in budget.
	FetchItem(ctx context.Context, dataset models.Dataset, id string, budget Budget) (*models.Record, error)
}

// Options configures a Scheduler.
type Options struct {
	// Concurrency is the worker pool size for item fetches.
	Concurrency int
	// FailureThreshold is the number of failures after which an item is
	// skipped until FailureCooldown has passed. Zero disables suppression.
	FailureThreshold int
	FailureCooldown  time.Duration

	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Scheduler runs fetch passes against a shared Window.
type Scheduler struct {
	window   *Window
	fetcher  Fetcher
	opts     Options
	logger   *logging.Logger
	failures *failureTracker
}

// New returns a Scheduler.
func New(window *Window, fetcher Fetcher, opts Options) *Scheduler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger()
	}
	logger := opts.Logger.With("component", "scheduler")

	return &Scheduler{
		window:   window,
		fetcher:  fetcher,
		opts:     opts,
		logger:   logger,
		failures: newFailureTracker(opts.FailureThreshold, opts.FailureCooldown, logger, opts.Now),
	}
}

// Window returns the shared quota ledger.
func (s *Scheduler) Window() *Window {
	return s.window
}

// ItemsPerBatch is the number of items one window can pay for.
func ItemsPerBatch(maxCallsPerWindow, callsPerItem int) int {
	if callsPerItem <= 0 {
		return 0
	}
	return maxCallsPerWindow / callsPerItem
}

// Pending orders the upstream IDs that still need fetching in the cycle that
// started at cycleStart: never-fetched items first, then the least recently
// refreshed, ties broken by ID. Items already refreshed since cycleStart are
// left out. A zero cycleStart keeps every item.
func Pending(snap *models.Snapshot, upstreamIDs []string, cycleStart time.Time) []string {
	type candidate struct {
		id        string
		refreshed time.Time
	}

	seen := make(map[string]struct{}, len(upstreamIDs))
	candidates := make([]candidate, 0, len(upstreamIDs))
	for _, id := range upstreamIDs {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}

		var refreshed time.Time
		if snap != nil {
			if rec, ok := snap.Records[id]; ok && rec != nil {
				refreshed = rec.RefreshedAt
			}
		}
		if !cycleStart.IsZero() && !refreshed.IsZero() && !refreshed.Before(cycleStart) {
			continue
		}
		candidates = append(candidates, candidate{id: id, refreshed: refreshed})
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.refreshed.IsZero() != b.refreshed.IsZero() {
			return a.refreshed.IsZero()
		}
		if !a.refreshed.Equal(b.refreshed) {
			return a.refreshed.Before(b.refreshed)
		}
		return a.id < b.id
	})

	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.id
	}
	return out
}

// ListIDs lists the dataset upstream. Listing calls do not use the window
// budget but do count against the daily cap.
func (s *Scheduler) ListIDs(ctx context.Context, dataset models.Dataset) ([]string, error) {
	ids, err := s.fetcher.ListIDs(ctx, dataset, &listBudget{s: s})
	s.publishUsage()
	return ids, err
}

// Pass is the input of one RunPass.
type Pass struct {
	Dataset      models.Dataset
	IDs          []string
	CallsPerItem int
}

// ItemFailure is one item that could not be fetched in a pass.
type ItemFailure struct {
	ID  string
	Err error
}

// PassResult is the outcome of one RunPass.
type PassResult struct {
	Dataset models.Dataset
	// Fetched holds records in the order their items were scheduled.
	Fetched []*models.Record
	// Failed items are retried on a later cycle.
	Failed []ItemFailure
	// Skipped items are suppressed after repeated failures.
	Skipped []string
	// Remaining items did not fit in this window.
	Remaining []string
	// ResumeAt is when the window can pay for the next item. Set only when
	// Remaining is not empty.
	ResumeAt    time.Time
	RateLimited bool
}

// Partial reports whether items are left for a later window.
func (r *PassResult) Partial() bool {
	return len(r.Remaining) > 0
}

type itemState int

const (
	itemDeferred itemState = iota
	itemFetched
	itemFailed
	itemRateLimited
)

type itemOutcome struct {
	state  itemState
	record *models.Record
	err    error
}

// RunPass fetches up to one window's worth of pass.IDs. Every item reserves
// its full call budget before it starts, so the pool can never overrun the
// quota whatever its size. An ErrAuth aborts the pass and is returned; all
// other item errors are recorded in the result.
func (s *Scheduler) RunPass(ctx context.Context, pass Pass) (*PassResult, error) {
	res := &PassResult{Dataset: pass.Dataset}

	candidates := make([]string, 0, len(pass.IDs))
	for _, id := range pass.IDs {
		if s.failures.shouldSkip(failureKey(string(pass.Dataset), id)) {
			res.Skipped = append(res.Skipped, id)
			continue
		}
		candidates = append(candidates, id)
	}

	batch, rest := candidates, []string(nil)
	if size := ItemsPerBatch(s.window.MaxCalls(), pass.CallsPerItem); len(batch) > size {
		batch, rest = candidates[:size], candidates[size:]
	}

	outcomes := make([]itemOutcome, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for i, id := range batch {
		g.Go(func() error {
			outcomes[i] = s.fetchOne(gctx, pass, id)
			if errors.IsAuth(outcomes[i].err) {
				return outcomes[i].err
			}
			return nil
		})
	}
	authErr := g.Wait()

	for i, id := range batch {
		o := outcomes[i]
		switch o.state {
		case itemFetched:
			res.Fetched = append(res.Fetched, o.record)
		case itemFailed:
			if errors.IsAuth(o.err) {
				res.Remaining = append(res.Remaining, id)
				continue
			}
			res.Failed = append(res.Failed, ItemFailure{ID: id, Err: o.err})
		case itemRateLimited:
			res.RateLimited = true
			res.Remaining = append(res.Remaining, id)
		default:
			res.Remaining = append(res.Remaining, id)
		}
	}
	res.Remaining = append(res.Remaining, rest...)

	if res.Partial() {
		res.ResumeAt = s.window.NextAvailable(pass.CallsPerItem)
	}
	s.publishUsage()

	s.logger.InfoWithContext(ctx, "sync pass finished",
		"dataset", string(pass.Dataset),
		"fetched", len(res.Fetched),
		"failed", len(res.Failed),
		"skipped", len(res.Skipped),
		"remaining", len(res.Remaining),
		"rate_limited", res.RateLimited,
	)

	if authErr != nil {
		return res, authErr
	}
	return res, nil
}

func (s *Scheduler) fetchOne(ctx context.Context, pass Pass, id string) itemOutcome {
	if ctx.Err() != nil {
		return itemOutcome{state: itemDeferred}
	}

	reservation, ok := s.window.TryReserve(pass.CallsPerItem)
	if !ok {
		return itemOutcome{state: itemDeferred}
	}
	defer reservation.Release()

	key := failureKey(string(pass.Dataset), id)
	budget := &itemBudget{s: s, reservation: reservation}
	rec, err := s.fetcher.FetchItem(ctx, pass.Dataset, id, budget)
	if err == nil && rec == nil {
		err = &errors.ErrUpstream{Op: "fetch", ItemID: id, Err: stderrors.New("empty response")}
	}

	if err != nil {
		var upErr *errors.ErrUpstream
		switch {
		case stderrors.As(err, &upErr) && upErr.RateLimited():
			s.saturate(upErr.RetryAfter)
			s.recordItem(pass.Dataset, "rate_limited")
			return itemOutcome{state: itemRateLimited, err: err}
		case errors.IsAuth(err):
			s.recordItem(pass.Dataset, "auth_failed")
			return itemOutcome{state: itemFailed, err: err}
		case ctx.Err() != nil && stderrors.Is(err, context.Canceled):
			return itemOutcome{state: itemDeferred, err: err}
		}

		s.failures.recordFailure(key, err.Error())
		s.recordItem(pass.Dataset, "failed")
		s.logger.WarnWithContext(ctx, "item fetch failed",
			"dataset", string(pass.Dataset),
			"item", id,
			"error", err,
		)
		return itemOutcome{state: itemFailed, err: err}
	}

	if rec.ID == "" {
		rec.ID = id
	}
	if rec.RefreshedAt.IsZero() {
		rec.RefreshedAt = s.opts.Now()
	}
	s.failures.recordSuccess(key)
	s.recordItem(pass.Dataset, "success")
	return itemOutcome{state: itemFetched, record: rec}
}

// saturate blocks the window after a 429. Without a Retry-After the block
// lasts one full window.
func (s *Scheduler) saturate(retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = s.window.cfg.Size
	}
	until := s.opts.Now().Add(retryAfter)
	s.window.Saturate(until)
	s.logger.Warn("upstream rate limited, window saturated", "until", until)
}

func (s *Scheduler) recordItem(dataset models.Dataset, result string) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordItemFetch(string(dataset), result)
	}
}

func (s *Scheduler) publishUsage() {
	if s.opts.Metrics == nil {
		return
	}
	u := s.window.Usage()
	s.opts.Metrics.SetWindowUsage(u.WindowUsed, u.DailyUsed)
}

func (s *Scheduler) observe(h http.Header) {
	if !headers.HasRateLimitHeaders(h) {
		return
	}
	q, err := headers.Parse(h)
	if err != nil {
		s.logger.Debug("ignoring malformed rate limit headers", "error", err)
		return
	}
	s.window.Observe(q)
}

// itemBudget spends an item's reservation.
type itemBudget struct {
	s           *Scheduler
	reservation *Reservation
}

func (b *itemBudget) Spend(string) error {
	if err := b.reservation.Stamp(); err != nil {
		return ErrBudgetExhausted
	}
	return nil
}

func (b *itemBudget) Observe(h http.Header) { b.s.observe(h) }

// listBudget charges listing calls to the daily cap only.
type listBudget struct {
	s *Scheduler
}

func (b *listBudget) Spend(string) error {
	if !b.s.window.StampUnreserved() {
		return ErrDailyCap
	}
	return nil
}

func (b *listBudget) Observe(h http.Header) { b.s.observe(h) }
