// Package resource samples host CPU and memory usage and classifies it into
// coarse pressure levels used to throttle task admission.
package resource

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sample is one point-in-time resource reading. Ephemeral, never persisted.
type Sample struct {
	CPUPercent    float64
	MemoryPercent float64
	At            time.Time
}

// Pressure is the coarse load classification consumed by the scheduler.
type Pressure int

// Pressure levels, from least to most loaded.
const (
	PressureNormal Pressure = iota
	PressureElevated
	PressureCritical
)

// String renders the pressure level for logs and metrics labels.
func (p Pressure) String() string {
	switch p {
	case PressureElevated:
		return "elevated"
	case PressureCritical:
		return "critical"
	default:
		return "normal"
	}
}

// Sampler produces instantaneous resource readings. Implementations may keep
// internal state (e.g. previous CPU counters) between calls.
type Sampler interface {
	Sample() (Sample, error)
}

// Limits holds the thresholds against which samples are classified.
type Limits struct {
	CPUPercent float64
	MemPercent float64
	// CriticalMargin is added to MemPercent to form the hard-stop threshold.
	CriticalMargin float64
}

// Classify maps a sample onto a pressure level: normal below both limits,
// elevated once either limit is exceeded, critical once memory exceeds its
// limit by the critical margin.
func Classify(s Sample, limits Limits) Pressure {
	if s.MemoryPercent > limits.MemPercent+limits.CriticalMargin {
		return PressureCritical
	}
	if s.CPUPercent > limits.CPUPercent || s.MemoryPercent > limits.MemPercent {
		return PressureElevated
	}
	return PressureNormal
}

// Monitor caches sampler readings so the scheduler's hot path never pays
// syscall cost. A failed sample degrades to a zero reading, which classifies
// as normal: degraded observability must not block admission.
type Monitor struct {
	sampler  Sampler
	interval time.Duration
	limits   Limits
	logger   *zap.Logger

	mu        sync.Mutex
	last      Sample
	warnedErr bool
}

// Config parameterizes a Monitor.
type Config struct {
	Sampler  Sampler
	Interval time.Duration
	Limits   Limits
	Logger   *zap.Logger
}

// NewMonitor builds a Monitor. A nil sampler yields a monitor that always
// reports normal pressure.
func NewMonitor(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		sampler:  cfg.Sampler,
		interval: cfg.Interval,
		limits:   cfg.Limits,
		logger:   logger,
	}
}

// Sample returns the most recent cached reading, refreshing it when the
// configured interval has elapsed. It never blocks on sampler failure.
func (m *Monitor) Sample() Sample {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if m.sampler == nil {
		return Sample{At: now}
	}
	if now.Sub(m.last.At) < m.interval {
		return m.last
	}

	s, err := m.sampler.Sample()
	if err != nil {
		if !m.warnedErr {
			m.logger.Warn("resource sampling unavailable, admitting at normal pressure", zap.Error(err))
			m.warnedErr = true
		}
		m.last = Sample{At: now}
		return m.last
	}
	m.warnedErr = false
	if s.At.IsZero() {
		s.At = now
	}
	m.last = s
	return m.last
}

// Pressure classifies the current cached sample.
func (m *Monitor) Pressure() Pressure {
	return Classify(m.Sample(), m.limits)
}
