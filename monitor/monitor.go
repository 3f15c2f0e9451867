// Package monitor samples system memory and CPU load and forces garbage collection when memory
// pressure rises above a threshold.
package monitor

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/raulk/clock"
	"github.com/rs/zerolog"
	"github.com/samber/mo"

	"github.com/knights-analytics/medinfer/metrics"
)

const (
	DefaultThreshold = 0.8
	DefaultCooldown  = 30 * time.Second
	DefaultCPUWindow = time.Second
)

type Option func(m *Monitor)

// WithThreshold sets the memory fraction (0, 1] above which reclamation fires.
func WithThreshold(threshold float64) Option {
	return func(m *Monitor) {
		m.threshold = threshold
	}
}

// WithCooldown sets the minimum time between two reclamation passes.
func WithCooldown(cooldown time.Duration) Option {
	return func(m *Monitor) {
		m.cooldown = cooldown
	}
}

// WithCPUWindow sets the length of the window CPU utilisation is averaged over.
func WithCPUWindow(window time.Duration) Option {
	return func(m *Monitor) {
		m.cpuWindow = window
	}
}

func WithSource(source Source) Option {
	return func(m *Monitor) {
		m.source = source
	}
}

func WithClock(clk clock.Clock) Option {
	return func(m *Monitor) {
		m.clock = clk
	}
}

// WithReclaimFunc replaces the reclamation pass (debug.FreeOSMemory by default).
func WithReclaimFunc(reclaim func()) Option {
	return func(m *Monitor) {
		m.reclaim = reclaim
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// Monitor is safe for concurrent use. Sample never blocks on a measurement window: CPU utilisation is
// derived from cumulative counters read at the previous window boundary.
type Monitor struct {
	threshold float64
	cooldown  time.Duration
	cpuWindow time.Duration
	source    Source
	clock     clock.Clock
	reclaim   func()
	logger    zerolog.Logger

	mu          sync.Mutex
	last        mo.Option[Snapshot]
	baseline    mo.Option[CPUTimes]
	baselineAt  time.Time
	cpuPercent  float64
	above       bool
	lastReclaim mo.Option[time.Time]
}

func New(opts ...Option) (*Monitor, error) {
	m := &Monitor{
		threshold: DefaultThreshold,
		cooldown:  DefaultCooldown,
		cpuWindow: DefaultCPUWindow,
		source:    SigarSource{},
		clock:     clock.New(),
		reclaim:   debug.FreeOSMemory,
		logger:    zerolog.Nop(),
	}
	for _, o := range opts {
		o(m)
	}
	if m.threshold <= 0 || m.threshold > 1 {
		return nil, fmt.Errorf("reclaim threshold must be in (0, 1], got %v", m.threshold)
	}
	if m.cooldown < 0 || m.cpuWindow <= 0 {
		return nil, fmt.Errorf("cooldown (%s) must not be negative and cpu window (%s) must be positive", m.cooldown, m.cpuWindow)
	}
	if times, err := m.source.CPU(); err == nil {
		m.baseline = mo.Some(times)
		m.baselineAt = m.clock.Now()
	}
	return m, nil
}

func (m *Monitor) Threshold() float64 {
	return m.threshold
}

func (m *Monitor) Cooldown() time.Duration {
	return m.cooldown
}

// Sample returns the current memory figures and the CPU utilisation of the most recent window. It never
// fails: when the operating system cannot be queried the last known snapshot (or a zero snapshot) is
// returned with Degraded set.
func (m *Monitor) Sample() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()

	mem, err := m.source.Memory()
	if err != nil {
		return m.degraded("memory", err)
	}
	cpu, err := m.source.CPU()
	if err != nil {
		return m.degraded("cpu", err)
	}
	m.updateCPU(cpu, now)

	snap := Snapshot{
		MemoryUsedBytes:      mem.Used,
		MemoryAvailableBytes: mem.Available,
		MemoryTotalBytes:     mem.Total,
		CPUPercent:           m.cpuPercent,
		Timestamp:            now,
	}
	if mem.Total > 0 {
		snap.MemoryPercent = clampPercent(float64(mem.Used) / float64(mem.Total) * 100)
	}
	m.last = mo.Some(snap)
	metrics.RecordSample(snap.MemoryPercent, snap.CPUPercent, false)
	return snap
}

func (m *Monitor) updateCPU(cpu CPUTimes, now time.Time) {
	base, ok := m.baseline.Get()
	if !ok || cpu.Total < base.Total || cpu.Busy < base.Busy {
		m.baseline, m.baselineAt = mo.Some(cpu), now
		return
	}
	if total := cpu.Total - base.Total; total > 0 {
		m.cpuPercent = clampPercent(float64(cpu.Busy-base.Busy) / float64(total) * 100)
	}
	if now.Sub(m.baselineAt) >= m.cpuWindow {
		m.baseline, m.baselineAt = mo.Some(cpu), now
	}
}

func (m *Monitor) degraded(what string, err error) Snapshot {
	snap := m.last.OrEmpty()
	snap.Degraded = true
	m.logger.Warn().Err(err).Str("counter", what).Msg("resource query failed, returning last known snapshot")
	metrics.RecordSample(0, 0, true)
	return snap
}

// ReactiveReclaim takes a fresh sample and forces a reclamation pass when memory utilisation crossed
// above the threshold since the previous call and the cooldown since the last pass has elapsed.
// A crossing that happens during the cooldown is not replayed later; memory has to drop below the
// threshold and cross it again. Degraded samples never fire and leave the crossing state untouched.
func (m *Monitor) ReactiveReclaim() bool {
	snap := m.Sample()
	if snap.Degraded {
		return false
	}

	m.mu.Lock()
	above := snap.MemoryPercent > m.threshold*100
	fire := above && !m.above
	if last, ok := m.lastReclaim.Get(); fire && ok && snap.Timestamp.Sub(last) < m.cooldown {
		fire = false
	}
	m.above = above
	if fire {
		m.lastReclaim = mo.Some(snap.Timestamp)
	}
	m.mu.Unlock()

	if !fire {
		return false
	}
	start := m.clock.Now()
	m.reclaim()
	metrics.RecordReclaim()
	m.logger.Info().
		Float64("memory_percent", snap.MemoryPercent).
		Float64("threshold_percent", m.threshold*100).
		Dur("took", m.clock.Since(start)).
		Msg("memory reclaimed")
	return true
}
