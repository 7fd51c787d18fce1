package budget

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/metrics"
)

// Warning reports a global counter crossing the warning threshold.
type Warning struct {
	Counter     string
	Used        float64
	Limit       float64
	Utilization float64
}

// CheckWarnings publishes utilization gauges and returns counters that crossed
// the warning threshold since the last call. Each counter warns once.
func (m *Manager) CheckWarnings() []Warning {
	g := m.global.load()
	elapsed := m.Elapsed()
	candidates := []Warning{
		{Counter: "pages", Used: float64(g.Pages), Limit: float64(m.cfg.Global.MaxPages)},
		{Counter: "bytes", Used: float64(g.Bytes), Limit: float64(m.cfg.Global.MaxBytes)},
		{Counter: "wall_clock", Used: elapsed.Seconds(), Limit: m.cfg.Global.MaxWallClock.Seconds()},
	}

	var out []Warning
	m.warnMu.Lock()
	defer m.warnMu.Unlock()
	for _, w := range candidates {
		if w.Limit <= 0 {
			continue
		}
		w.Utilization = w.Used / w.Limit
		metrics.SetBudgetUtilization(w.Counter, w.Utilization)
		if w.Utilization < m.cfg.WarningThreshold || m.warned[w.Counter] {
			continue
		}
		m.warned[w.Counter] = true
		m.logger.Warn("budget nearing limit",
			zap.String("counter", w.Counter),
			zap.Float64("used", w.Used),
			zap.Float64("limit", w.Limit),
			zap.Float64("utilization", w.Utilization),
		)
		out = append(out, w)
	}
	return out
}

// Run checks utilization every MonitorInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckWarnings()
		}
	}
}
