// Package fetcher drains the games queue into the metadata cache.
//
// A single Worker runs for the lifetime of the process. It reads queue
// entries oldest first in batches, fetches each app from a MetadataSource and
// commits the result before moving on. A rate-limited response puts the
// worker into a long backoff during which ordinary wake-ups are ignored;
// any other failure causes a short one. Failed entries go to the back of the
// queue so a single bad app cannot block the rest.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/sge/internal/db"
	"github.com/zulandar/sge/internal/logging"
	"github.com/zulandar/sge/internal/metrics"
	"github.com/zulandar/sge/internal/models"
	"github.com/zulandar/sge/internal/steam"
)

// Default worker settings.
const (
	DefaultBatchSize        = 20
	DefaultIdleTimeout      = 5 * time.Minute
	DefaultRateLimitBackoff = 60 * time.Second
	DefaultErrorBackoff     = 10 * time.Second
)

// State is the worker's position in its run loop.
type State int32

const (
	Idle State = iota
	Draining
	Backoff
	Terminating
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Draining:
		return "draining"
	case Backoff:
		return "backoff"
	case Terminating:
		return "terminating"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MetadataSource fetches metadata for one app. A definitive "does not exist"
// must come back as a row with Unavailable set, not as an error.
type MetadataSource interface {
	AppDetails(ctx context.Context, appID int64) (*models.GameInfo, error)
}

// Options tunes a Worker. Zero values take the defaults above.
type Options struct {
	BatchSize int
	// IdleTimeout re-checks the queue this often without a wake-up. Entries
	// left by a previous process are picked up this way.
	IdleTimeout      time.Duration
	RateLimitBackoff time.Duration
	ErrorBackoff     time.Duration
	Now              func() time.Time
}

// Worker is the queue consumer. Create with New and start with Run.
type Worker struct {
	store  *db.Store
	source MetadataSource
	opts   Options
	log    zerolog.Logger

	wake        chan struct{}
	force       chan struct{}
	rateLimited atomic.Bool
	state       atomic.Int32
}

// New builds a Worker.
func New(store *db.Store, source MetadataSource, opts Options) (*Worker, error) {
	if store == nil {
		return nil, fmt.Errorf("fetcher: store is required")
	}
	if source == nil {
		return nil, fmt.Errorf("fetcher: metadata source is required")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.RateLimitBackoff <= 0 {
		opts.RateLimitBackoff = DefaultRateLimitBackoff
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = DefaultErrorBackoff
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Worker{
		store:  store,
		source: source,
		opts:   opts,
		log:    logging.With().Str("component", "fetcher").Logger(),
		wake:   make(chan struct{}, 1),
		force:  make(chan struct{}, 1),
	}, nil
}

// Notify asks the worker to check the queue. It is a no-op while the worker
// is backing off from a rate limit.
func (w *Worker) Notify() {
	if w.rateLimited.Load() {
		return
	}
	signal(w.wake)
}

// NotifyForce wakes the worker from any wait, including a rate-limit backoff.
func (w *Worker) NotifyForce() {
	signal(w.force)
}

// RateLimited reports whether the worker is backing off after a 429.
func (w *Worker) RateLimited() bool { return w.rateLimited.Load() }

// State reports the worker's current state.
func (w *Worker) State() State { return State(w.state.Load()) }

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
	metrics.SetWorkerState(s.String())
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Run processes the queue until ctx is cancelled. Cancellation is observed
// between items; an item already being fetched is finished and committed
// first. Run never returns because of a failing item.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info().Int("batch_size", w.opts.BatchSize).Msg("fetch worker started")
	defer w.log.Info().Msg("fetch worker stopped")

	for {
		if ctx.Err() != nil {
			w.setState(Terminating)
			return nil
		}

		wait, rateLimited := w.drain(ctx)
		if ctx.Err() != nil {
			w.setState(Terminating)
			return nil
		}
		if wait > 0 {
			w.backoff(ctx, wait, rateLimited)
			continue
		}
		w.idle(ctx)
	}
}

// drain processes batches until the queue is empty or an item asks for a
// backoff, and returns that backoff.
func (w *Worker) drain(ctx context.Context) (time.Duration, bool) {
	for {
		if ctx.Err() != nil {
			return 0, false
		}
		batch, err := w.store.NextBatch(ctx, w.opts.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return 0, false
			}
			w.log.Error().Err(err).Msg("reading queue")
			return w.opts.ErrorBackoff, false
		}
		if len(batch) == 0 {
			metrics.QueueDepth.Set(0)
			return 0, false
		}

		w.setState(Draining)
		start := time.Now()
		w.log.Debug().Int("entries", len(batch)).Msg("processing batch")
		for _, entry := range batch {
			if ctx.Err() != nil {
				return 0, false
			}
			if wait, rateLimited := w.process(ctx, entry); wait > 0 {
				// Other entries may have been resolved meanwhile; start
				// from a fresh batch after the backoff.
				return wait, rateLimited
			}
		}
		metrics.RecordBatch(start)
		if n, err := w.store.CountQueue(ctx); err == nil {
			metrics.QueueDepth.Set(float64(n))
		}
	}
}

// process handles one queue entry. The store writes and the fetch run on a
// context that is not cancelled by shutdown so the entry is either fully
// committed or left untouched.
func (w *Worker) process(ctx context.Context, entry models.QueueEntry) (time.Duration, bool) {
	ctx = context.WithoutCancel(ctx)
	log := w.log.With().Int64("appid", entry.AppID).Str("job", entry.JobToken).Logger()

	cached, err := w.store.HasGameInfo(ctx, entry.AppID)
	if err != nil {
		log.Error().Err(err).Msg("checking cache")
		return w.opts.ErrorBackoff, false
	}
	if cached {
		log.Debug().Msg("already cached, dropping queue entry")
		if err := w.store.DeleteEntry(ctx, entry.ID); err != nil {
			log.Error().Err(err).Msg("deleting queue entry")
			return w.opts.ErrorBackoff, false
		}
		metrics.WorkerItems.WithLabelValues("cached").Inc()
		return 0, false
	}

	info, err := w.fetch(ctx, entry.AppID)
	if err == nil {
		if err := w.store.CompleteEntry(ctx, info); err != nil {
			log.Error().Err(err).Msg("saving game info")
			return w.opts.ErrorBackoff, false
		}
		if info.Unavailable {
			metrics.WorkerItems.WithLabelValues("unavailable").Inc()
		} else {
			metrics.WorkerItems.WithLabelValues("fetched").Inc()
		}
		return 0, false
	}

	rerr := w.store.RequeueEntry(ctx, entry.ID, w.opts.Now().UnixNano())
	switch {
	case errors.Is(rerr, db.ErrNotFound):
		// Job expired or a duplicate entry completed it.
		log.Debug().Msg("queue entry gone before requeue")
	case rerr != nil:
		log.Error().Err(rerr).Msg("requeueing entry")
	default:
		metrics.WorkerItems.WithLabelValues("requeued").Inc()
	}

	switch {
	case steam.IsRateLimited(err):
		log.Warn().Err(err).Dur("backoff", w.opts.RateLimitBackoff).Msg("rate limited")
		return w.opts.RateLimitBackoff, true
	case steam.IsTransient(err):
		log.Warn().Err(err).Dur("backoff", w.opts.ErrorBackoff).Msg("transient fetch error")
	default:
		log.Error().Err(err).Dur("backoff", w.opts.ErrorBackoff).Msg("unexpected fetch error")
	}
	return w.opts.ErrorBackoff, false
}

// fetch calls the source, turning a panic into an error.
func (w *Worker) fetch(ctx context.Context, appID int64) (info *models.GameInfo, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetcher: panic fetching %d: %v", appID, r)
		}
	}()
	info, err = w.source.AppDetails(ctx, appID)
	if err == nil && info == nil {
		err = fmt.Errorf("fetcher: source returned no data for %d", appID)
	}
	if err == nil && info.AppID != appID {
		err = fmt.Errorf("fetcher: source returned app %d for %d", info.AppID, appID)
	}
	return info, err
}

// backoff blocks for d. Only a forced wake-up or cancellation ends it early.
func (w *Worker) backoff(ctx context.Context, d time.Duration, rateLimited bool) {
	reason := "error"
	if rateLimited {
		reason = "rate_limited"
		w.rateLimited.Store(true)
	}
	w.setState(Backoff)
	metrics.WorkerBackoffs.WithLabelValues(reason).Inc()
	defer w.rateLimited.Store(false)

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-w.force:
	}
}

// idle blocks until a wake-up, the idle timeout, or cancellation.
func (w *Worker) idle(ctx context.Context) {
	w.setState(Idle)
	timer := time.NewTimer(w.opts.IdleTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-w.wake:
	case <-w.force:
	}
}
