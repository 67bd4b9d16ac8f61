// Package prefetch warms the cache in the background for pages a user is
// likely to open next. Jobs are deduplicated by key while in flight and share
// a global concurrency ceiling; their failures never reach the caller.
package prefetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-liveboard/pkg/metrics"
	"github.com/illmade-knight/go-liveboard/pkg/upstream"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Job kinds, used as metric labels and key prefixes.
const (
	KindRailService = "nr"
	KindRailBoard   = "nr-board"
	KindTflBoard    = "tfl-board"
	KindTflService  = "tfl"
)

// Job outcomes.
const (
	OutcomeDone      = "done"
	OutcomeUpstream  = "upstream_error"
	OutcomeTimeout   = "timeout"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
)

// ErrClosed is returned by Schedule after Shutdown has begun.
var ErrClosed = errors.New("prefetch coordinator is shut down")

// Config tunes the Coordinator.
type Config struct {
	Enabled        bool
	MaxConcurrency int64
	JobTimeout     time.Duration
}

// Work is the body of one prefetch job.
type Work func(ctx context.Context) error

// Coordinator runs prefetch jobs.
type Coordinator struct {
	cfg    Config
	sem    *semaphore.Weighted
	deps   Dependencies
	logger zerolog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
	closed   bool

	wg           sync.WaitGroup
	shutdownCtx  context.Context
	shutdownFunc context.CancelFunc
}

// New creates a Coordinator. Defaults: concurrency 4, job timeout 12s.
func New(cfg Config, deps Dependencies, logger zerolog.Logger) *Coordinator {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 12 * time.Second
	}
	shutdownCtx, shutdownFunc := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:          cfg,
		sem:          semaphore.NewWeighted(cfg.MaxConcurrency),
		deps:         deps,
		logger:       logger.With().Str("component", "PrefetchCoordinator").Logger(),
		inFlight:     make(map[string]struct{}),
		shutdownCtx:  shutdownCtx,
		shutdownFunc: shutdownFunc,
	}
}

// Enabled reports whether scheduling does anything.
func (c *Coordinator) Enabled() bool {
	return c.cfg.Enabled
}

// Schedule claims jobKey and runs work in the background. It returns false
// when prefetching is disabled or the key is already in flight.
func (c *Coordinator) Schedule(jobKey, kind string, work Work) (bool, error) {
	if !c.cfg.Enabled {
		return false, nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, ErrClosed
	}
	if _, dup := c.inFlight[jobKey]; dup {
		c.mu.Unlock()
		c.logger.Debug().Str("job", jobKey).Msg("Skipping duplicate prefetch job.")
		return false, nil
	}
	c.inFlight[jobKey] = struct{}{}
	c.wg.Add(1)
	c.mu.Unlock()

	metrics.PrefetchInFlight.Inc()
	c.logger.Debug().Str("job", jobKey).Msg("Queued prefetch job.")
	go c.run(jobKey, kind, work)
	return true, nil
}

// InFlight returns the number of claimed jobs.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inFlight)
}

func (c *Coordinator) release(jobKey string) {
	c.mu.Lock()
	delete(c.inFlight, jobKey)
	c.mu.Unlock()
	metrics.PrefetchInFlight.Dec()
	c.wg.Done()
}

func (c *Coordinator) run(jobKey, kind string, work Work) {
	defer c.release(jobKey)

	runID := uuid.NewString()
	log := c.logger.With().Str("job", jobKey).Str("run_id", runID).Logger()

	if err := c.sem.Acquire(c.shutdownCtx, 1); err != nil {
		c.record(log, kind, OutcomeCancelled, err)
		return
	}
	defer c.sem.Release(1)

	log.Debug().Msg("Starting prefetch job.")
	ctx, cancel := context.WithTimeout(c.shutdownCtx, c.cfg.JobTimeout)
	defer cancel()

	err := safely(ctx, work)
	c.record(log, kind, classify(ctx, err), err)
}

// safely runs work, turning a panic into an error.
func safely(ctx context.Context, work Work) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("prefetch job panicked: %v", r)
		}
	}()
	return work(ctx)
}

func classify(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return OutcomeDone
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return OutcomeTimeout
	case errors.Is(err, context.Canceled):
		return OutcomeCancelled
	case errors.Is(err, upstream.ErrNotFound) || errors.Is(err, upstream.ErrUnavailable):
		return OutcomeUpstream
	default:
		return OutcomeError
	}
}

func (c *Coordinator) record(log zerolog.Logger, kind, outcome string, err error) {
	metrics.PrefetchJobs.WithLabelValues(kind, outcome).Inc()
	switch outcome {
	case OutcomeDone:
		log.Debug().Msg("Prefetch job done.")
	case OutcomeUpstream:
		log.Debug().Err(err).Msg("Prefetch job hit an upstream miss or error.")
	case OutcomeTimeout:
		log.Debug().Msg("Prefetch job timed out.")
	case OutcomeCancelled:
		log.Debug().Msg("Prefetch job cancelled by shutdown.")
	default:
		log.Error().Err(err).Msg("Unhandled prefetch job error.")
	}
}

// Shutdown stops accepting jobs and waits for claimed ones. If ctx ends
// first the remaining jobs are cancelled and ctx's error is returned.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.logger.Info().Msg("Stopping prefetch coordinator...")

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.shutdownFunc()
		c.logger.Info().Msg("All prefetch jobs completed.")
		return nil
	case <-ctx.Done():
		c.shutdownFunc()
		<-done
		c.logger.Warn().Err(ctx.Err()).Msg("Prefetch jobs cancelled at shutdown.")
		return ctx.Err()
	}
}
