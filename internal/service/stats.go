package service

import (
	"sort"
	"sync"
	"time"

	"manipwatch/internal/features"
	"manipwatch/internal/fetcher"
	"manipwatch/internal/market"
)

// Stats is the read-only snapshot exposed to operators.
type Stats struct {
	Running         bool             `json:"running"`
	Type            market.Type      `json:"type,omitempty"`
	StartedAt       time.Time        `json:"started_at,omitempty"`
	Uptime          string           `json:"uptime"`
	TotalMarkets    int              `json:"total_markets"`
	ActiveMarkets   int              `json:"active_markets"`
	Suspended       []string         `json:"suspended"`
	Tiers           map[string]int   `json:"tiers"`
	Checks          int64            `json:"checks"`
	AlertsEmitted   int64            `json:"alerts_emitted"`
	HighRiskMarkets []string         `json:"high_risk_markets"`
	FetchErrors     map[string]int64 `json:"fetch_errors"`
	Events          map[string]int64 `json:"events"`
	AlertsDropped   int64            `json:"alerts_dropped"`
	PendingAlerts   int              `json:"pending_alerts"`
}

type counters struct {
	mu          sync.Mutex
	checks      int64
	emitted     int64
	fetchErrors map[string]int64
	events      map[string]int64
	risk        map[string]market.RiskLevel
}

func newCounters() *counters {
	return &counters{
		fetchErrors: make(map[string]int64),
		events:      make(map[string]int64),
		risk:        make(map[string]market.RiskLevel),
	}
}

func (c *counters) check(symbol string, risk market.RiskLevel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks++
	c.risk[symbol] = risk
}

func (c *counters) alerts(n int) {
	c.mu.Lock()
	c.emitted += int64(n)
	c.mu.Unlock()
}

func (c *counters) fetchError(kind fetcher.Kind) {
	c.mu.Lock()
	c.fetchErrors[string(kind)]++
	c.mu.Unlock()
}

func (c *counters) forget(symbol string) {
	c.mu.Lock()
	delete(c.risk, symbol)
	c.mu.Unlock()
}

func (c *counters) event(ev market.MonitorEvent) {
	c.mu.Lock()
	c.events[string(ev.Kind)]++
	c.mu.Unlock()
}

// Stats reports monitoring state. It never blocks on running cycles.
func (m *Monitor) Stats() Stats {
	m.runMu.Lock()
	out := Stats{Running: m.active, Type: m.req.Type, StartedAt: m.started}
	m.runMu.Unlock()
	if !out.StartedAt.IsZero() {
		out.Uptime = m.now().Sub(out.StartedAt).Round(time.Second).String()
	}

	sched := m.deps.Scheduler
	out.TotalMarkets = sched.Len()
	out.Suspended = sched.Suspended()
	out.ActiveMarkets = out.TotalMarkets - len(out.Suspended)
	out.Tiers = sched.TierCounts()

	c := m.stats
	c.mu.Lock()
	out.Checks = c.checks
	out.AlertsEmitted = c.emitted
	out.FetchErrors = copyCounts(c.fetchErrors)
	out.Events = copyCounts(c.events)
	out.HighRiskMarkets = []string{}
	for symbol, risk := range c.risk {
		if risk == market.RiskHigh {
			out.HighRiskMarkets = append(out.HighRiskMarkets, symbol)
		}
	}
	c.mu.Unlock()
	sort.Strings(out.HighRiskMarkets)

	if m.deps.Alerts != nil {
		as := m.deps.Alerts.Stats()
		out.AlertsDropped = as.Dropped
		out.PendingAlerts = as.Pending
	}

	states := map[string]int{"active": out.ActiveMarkets, "suspended": len(out.Suspended)}
	for tier, n := range out.Tiers {
		states[tier] = n
	}
	m.deps.Metrics.SetMarkets(states)
	return out
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// windowTable holds one window per market. Each window has a single writer,
// the scheduler task for that market.
type windowTable struct {
	mu      sync.Mutex
	limits  features.Limits
	windows map[string]*features.Window
}

func newWindowTable(limits features.Limits) *windowTable {
	return &windowTable{limits: limits, windows: make(map[string]*features.Window)}
}

func (t *windowTable) ensure(symbol string, typ market.Type) *features.Window {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.windows[symbol]
	if !ok {
		w = features.NewWindow(symbol, typ, t.limits)
		t.windows[symbol] = w
	}
	return w
}

func (t *windowTable) get(symbol string) *features.Window {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.windows[symbol]
}

func (t *windowTable) remove(symbol string) {
	t.mu.Lock()
	delete(t.windows, symbol)
	t.mu.Unlock()
}
