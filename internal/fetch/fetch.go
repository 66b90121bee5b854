// Package fetch provides the reference Processor: a Colly-backed page fetch
// whose failures carry the classification the retry policy acts on.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/urlsieve/urlsieve/internal/batch"
)

// Config parameterizes the fetcher.
type Config struct {
	UserAgent      string
	RequestTimeout time.Duration
	// MaxBodyBytes truncates response bodies; zero means Colly's default.
	MaxBodyBytes int
	// RespectRobots makes the collector honor robots.txt exclusions.
	RespectRobots bool
}

func (c *Config) withDefaults() {
	if c.UserAgent == "" {
		c.UserAgent = "urlsieve/1.0"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
}

// Fetcher implements batch.Processor over a Colly collector. Each Process
// call clones the base collector so per-request callbacks never leak between
// tasks.
type Fetcher struct {
	base   *colly.Collector
	logger *zap.Logger
}

// New constructs a configured Fetcher.
func New(cfg Config, logger *zap.Logger) (*Fetcher, error) {
	cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	base := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
	)
	base.AllowURLRevisit = true
	base.IgnoreRobotsTxt = !cfg.RespectRobots
	if cfg.MaxBodyBytes > 0 {
		base.MaxBodySize = cfg.MaxBodyBytes
	}
	base.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          128,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.RequestTimeout,
		ForceAttemptHTTP2:     true,
	})
	base.SetRequestTimeout(cfg.RequestTimeout)

	return &Fetcher{base: base, logger: logger}, nil
}

type fetchResult struct {
	status     int
	finalURL   string
	bodyBytes  int
	retryAfter time.Duration
	err        error
}

// Process fetches one URL and returns either a populated Result or an error
// wrapped as a *batch.ProcessError carrying the failure class.
func (f *Fetcher) Process(ctx context.Context, rawURL string) (batch.Result, error) {
	start := time.Now()

	collector := f.base.Clone()
	resultCh := make(chan fetchResult, 1)
	var once sync.Once
	send := func(res fetchResult) {
		once.Do(func() { resultCh <- res })
	}

	var title string
	collector.OnHTML("title", func(e *colly.HTMLElement) {
		if title == "" {
			title = strings.TrimSpace(e.Text)
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		send(fetchResult{
			status:    r.StatusCode,
			finalURL:  r.Request.URL.String(),
			bodyBytes: len(r.Body),
		})
	})
	collector.OnError(func(r *colly.Response, err error) {
		if err == nil {
			err = errors.New("unknown fetch error")
		}
		res := fetchResult{err: err}
		if r != nil {
			res.status = r.StatusCode
			res.retryAfter = retryAfterHint(r)
		}
		send(res)
	})

	// On an HTTP error status Visit returns the status error itself, but the
	// OnError callback has already captured the richer view (status code,
	// Retry-After). Always drain resultCh first and fall back to the Visit
	// error only when no callback fired at all (e.g. a rejected URL).
	visitErr := collector.Visit(rawURL)
	collector.Wait()

	if err := ctx.Err(); err != nil {
		return batch.Result{}, classify(err, 0, 0)
	}

	var res fetchResult
	select {
	case res = <-resultCh:
	default:
		if visitErr != nil {
			return batch.Result{}, classify(visitErr, 0, 0)
		}
		return batch.Result{}, classify(errors.New("fetch produced no result"), 0, 0)
	}

	if res.err != nil {
		f.logger.Debug("fetch failed",
			zap.String("url", rawURL),
			zap.Int("status", res.status),
			zap.Error(res.err),
		)
		return batch.Result{}, classify(res.err, res.status, res.retryAfter)
	}

	// OnHTML runs after OnResponse, so the title is read only once the
	// collector has fully drained.
	return batch.Result{
		URL:        rawURL,
		StatusCode: res.status,
		Duration:   time.Since(start),
		Payload: map[string]any{
			"final_url":  res.finalURL,
			"title":      title,
			"body_bytes": res.bodyBytes,
		},
	}, nil
}

// classify wraps a fetch error with its failure class and any server-provided
// retry hint.
func classify(err error, status int, retryAfter time.Duration) error {
	return &batch.ProcessError{
		Class:      batch.ClassifyError(err, status),
		RetryAfter: retryAfter,
		Err:        fmt.Errorf("fetch: %w", err),
	}
}

// retryAfterHint parses the Retry-After header as delay seconds. HTTP-date
// values are ignored; the retry policy falls back to its own backoff.
func retryAfterHint(r *colly.Response) time.Duration {
	if r.Headers == nil {
		return 0
	}
	raw := r.Headers.Get("Retry-After")
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
