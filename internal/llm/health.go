package llm

import (
	"context"
	"log"
	"sync/atomic"
	"time"
)

// Monitor owns the process-level maintenance flag. Completion paths
// report outcomes from any goroutine; only the Run loop flips the
// flag, so reads need no lock.
// maintenanceGauge mirrors the maintenance flag onto an instrument.
// The observability metrics implement it.
type maintenanceGauge interface {
	SetMaintenance(active bool)
}

type noopGauge struct{}

func (noopGauge) SetMaintenance(bool) {}

type Monitor struct {
	providers []Provider
	threshold int
	interval  time.Duration
	gauge     maintenanceGauge

	maintenance atomic.Bool
	outages     atomic.Int64
	enteredAt   atomic.Int64 // unix nanos, 0 when not in maintenance
}

func NewMonitor(threshold int, interval time.Duration, providers ...Provider) *Monitor {
	if threshold < 1 {
		threshold = 1
	}
	return &Monitor{
		providers: providers,
		threshold: threshold,
		interval:  interval,
		gauge:     noopGauge{},
	}
}

// SetMetrics wires the maintenance gauge. Must be called before Run.
func (m *Monitor) SetMetrics(g maintenanceGauge) {
	if g != nil {
		m.gauge = g
	}
}

// InMaintenance reports whether new work should be refused.
func (m *Monitor) InMaintenance() bool { return m.maintenance.Load() }

// ReportOutage records a completion where every provider failed.
func (m *Monitor) ReportOutage() { m.outages.Add(1) }

// ReportSuccess clears the corroboration counter. It does not exit
// maintenance; only a successful probe from the Run loop does that.
func (m *Monitor) ReportSuccess() { m.outages.Store(0) }

// Run drives the health loop until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Evaluate(ctx)
		}
	}
}

// Evaluate performs one health pass. Outside maintenance it enters
// once enough full outages accumulated and a probe confirms every
// provider is down. Inside maintenance it exits as soon as any
// provider answers a probe.
func (m *Monitor) Evaluate(ctx context.Context) {
	if !m.maintenance.Load() {
		if m.outages.Load() < int64(m.threshold) {
			return
		}
		if m.anyHealthy(ctx) {
			m.outages.Store(0)
			return
		}
		m.enteredAt.Store(time.Now().UnixNano())
		m.maintenance.Store(true)
		m.gauge.SetMaintenance(true)
		log.Printf("llm: entering maintenance mode, all providers unreachable")
		return
	}

	if m.anyHealthy(ctx) {
		entered := time.Unix(0, m.enteredAt.Load())
		m.maintenance.Store(false)
		m.enteredAt.Store(0)
		m.outages.Store(0)
		m.gauge.SetMaintenance(false)
		log.Printf("llm: recovered from maintenance mode after %s", time.Since(entered).Round(time.Second))
	}
}

func (m *Monitor) anyHealthy(ctx context.Context) bool {
	for _, p := range m.providers {
		if p == nil {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := p.Probe(probeCtx)
		cancel()
		if err == nil {
			return true
		}
	}
	return false
}
