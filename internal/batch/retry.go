package batch

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// Decision is the retry policy's verdict for one failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// RetryPolicy turns a classified failure into a scheduling decision with
// bounded attempts and jittered exponential backoff.
type RetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	shedDelay   time.Duration
	jitter      bool
}

// RetryConfig parameterizes a RetryPolicy.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// ShedDelay is the fixed requeue delay for resource-exhausted failures.
	ShedDelay time.Duration
	Jitter    bool
}

// NewRetryPolicy builds a policy, filling zero values with sane defaults.
func NewRetryPolicy(cfg RetryConfig) *RetryPolicy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 250 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.ShedDelay <= 0 {
		cfg.ShedDelay = time.Second
	}
	return &RetryPolicy{
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		shedDelay:   cfg.ShedDelay,
		jitter:      cfg.Jitter,
	}
}

// MaxAttempts exposes the attempt ceiling.
func (p *RetryPolicy) MaxAttempts() int { return p.maxAttempts }

// Decide maps a failed attempt to Retry(delay) or give-up. attempt is the
// zero-based count of attempts already made, including the one that just
// failed. resource-exhausted never consumes an attempt slot: the caller must
// not increment the task's attempt counter when ConsumesAttempt is false for
// the class.
func (p *RetryPolicy) Decide(attempt int, class FailureClass, retryAfterHint time.Duration) Decision {
	switch class {
	case FailureClientError, FailurePermanent:
		return Decision{}
	case FailureResourceExhausted:
		return Decision{Retry: true, Delay: p.shedDelay}
	case FailureTransientNetwork, FailureRateLimited:
		if attempt >= p.maxAttempts {
			return Decision{}
		}
		delay := p.Backoff(attempt)
		if class == FailureRateLimited && retryAfterHint > delay {
			delay = retryAfterHint
		}
		return Decision{Retry: true, Delay: delay}
	default:
		return Decision{}
	}
}

// ConsumesAttempt reports whether a retry for the class counts against the
// attempt budget.
func ConsumesAttempt(class FailureClass) bool {
	return class != FailureResourceExhausted
}

// Backoff returns the wait duration before the next attempt.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	if !p.jitter {
		return time.Duration(delay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func (p *RetryPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
