package resource

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/procfs"
)

// ProcSampler reads CPU and memory usage from /proc. CPU percent is derived
// from jiffy deltas between consecutive calls, so the first reading reports
// zero CPU.
type ProcSampler struct {
	fs procfs.FS

	mu      sync.Mutex
	prev    procfs.CPUStat
	prevSet bool
}

// NewProcSampler opens the default /proc mount. On hosts without procfs the
// constructor fails and callers should fall back to a nil sampler.
func NewProcSampler() (*ProcSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return &ProcSampler{fs: fs}, nil
}

// Sample reads /proc/meminfo and /proc/stat and returns current percentages.
func (s *ProcSampler) Sample() (Sample, error) {
	mem, err := s.fs.Meminfo()
	if err != nil {
		return Sample{}, fmt.Errorf("read meminfo: %w", err)
	}
	if mem.MemTotal == nil || mem.MemAvailable == nil || *mem.MemTotal == 0 {
		return Sample{}, fmt.Errorf("meminfo missing MemTotal/MemAvailable")
	}
	memPercent := 100 * (1 - float64(*mem.MemAvailable)/float64(*mem.MemTotal))

	stat, err := s.fs.Stat()
	if err != nil {
		return Sample{}, fmt.Errorf("read stat: %w", err)
	}

	s.mu.Lock()
	cpuPercent := s.cpuDeltaLocked(stat.CPUTotal)
	s.mu.Unlock()

	return Sample{
		CPUPercent:    cpuPercent,
		MemoryPercent: memPercent,
		At:            time.Now(),
	}, nil
}

func (s *ProcSampler) cpuDeltaLocked(cur procfs.CPUStat) float64 {
	defer func() {
		s.prev = cur
		s.prevSet = true
	}()
	if !s.prevSet {
		return 0
	}

	idle := (cur.Idle + cur.Iowait) - (s.prev.Idle + s.prev.Iowait)
	total := cpuTotal(cur) - cpuTotal(s.prev)
	if total <= 0 {
		return 0
	}
	busy := total - idle
	if busy < 0 {
		busy = 0
	}
	return 100 * busy / total
}

func cpuTotal(c procfs.CPUStat) float64 {
	return c.User + c.Nice + c.System + c.Idle + c.Iowait +
		c.IRQ + c.SoftIRQ + c.Steal
}
