// Package qa re-submits a sampled fraction of successful URLs as fresh
// batches, so drift in upstream pages (or in the processor itself) surfaces
// without re-crawling everything.
package qa

import (
	"context"
	"math/rand"
	"sync"

	"go.uber.org/zap"

	"github.com/urlsieve/urlsieve/internal/batch"
)

// Submitter starts a new batch from a URL list. The scheduling engine
// satisfies it.
type Submitter interface {
	Submit(urls []string) (string, error)
}

// Config tunes the rechecker.
type Config struct {
	// SampleRate is the fraction of successes re-submitted, in [0, 1].
	SampleRate float64
	// FlushAt is how many sampled URLs accumulate before a recheck batch is
	// submitted.
	FlushAt int
	// Rand overrides the sampling source in tests.
	Rand func() float64
}

// Rechecker wraps a ResultSink: every resolution passes through to the inner
// sink, and a sample of successes is buffered for re-submission.
type Rechecker struct {
	inner     batch.ResultSink
	submitter Submitter
	cfg       Config
	logger    *zap.Logger

	mu      sync.Mutex
	sampled []string
}

// New wraps inner with sampling. A nil inner discards resolutions.
func New(inner batch.ResultSink, submitter Submitter, cfg Config, logger *zap.Logger) *Rechecker {
	if inner == nil {
		inner = batch.NopSink{}
	}
	if cfg.SampleRate < 0 {
		cfg.SampleRate = 0
	}
	if cfg.SampleRate > 1 {
		cfg.SampleRate = 1
	}
	if cfg.FlushAt <= 0 {
		cfg.FlushAt = 20
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rechecker{
		inner:     inner,
		submitter: submitter,
		cfg:       cfg,
		logger:    logger,
	}
}

// OnSuccess forwards to the inner sink and rolls the sampling dice.
func (r *Rechecker) OnSuccess(ctx context.Context, url string, result batch.Result) error {
	err := r.inner.OnSuccess(ctx, url, result)

	if r.cfg.SampleRate > 0 && r.cfg.Rand() < r.cfg.SampleRate {
		r.mu.Lock()
		r.sampled = append(r.sampled, url)
		ready := len(r.sampled) >= r.cfg.FlushAt
		var urls []string
		if ready {
			urls = r.sampled
			r.sampled = nil
		}
		r.mu.Unlock()
		if ready {
			r.submit(urls)
		}
	}
	return err
}

// OnPermanentFailure forwards to the inner sink; failures are never sampled.
func (r *Rechecker) OnPermanentFailure(ctx context.Context, url string, class batch.FailureClass, errText string) error {
	return r.inner.OnPermanentFailure(ctx, url, class, errText)
}

// Flush submits any buffered sample as a final recheck batch.
func (r *Rechecker) Flush() {
	r.mu.Lock()
	urls := r.sampled
	r.sampled = nil
	r.mu.Unlock()
	if len(urls) > 0 {
		r.submit(urls)
	}
}

func (r *Rechecker) submit(urls []string) {
	if r.submitter == nil {
		return
	}
	id, err := r.submitter.Submit(urls)
	if err != nil {
		r.logger.Warn("recheck batch submit failed", zap.Int("urls", len(urls)), zap.Error(err))
		return
	}
	r.logger.Info("recheck batch submitted", zap.String("batch_id", id), zap.Int("urls", len(urls)))
}
