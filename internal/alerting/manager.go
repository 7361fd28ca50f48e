package alerting

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"manipwatch/internal/market"
	"manipwatch/internal/metrics"
)

// Options 控制去重与投递缓冲。
type Options struct {
	Cooldown        time.Duration `mapstructure:"cooldown"`
	BufferSize      int           `mapstructure:"buffer_size"`
	RecentSize      int           `mapstructure:"recent_size"`
	RetryInitial    time.Duration `mapstructure:"retry_initial"`
	RetryMax        time.Duration `mapstructure:"retry_max"`
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"`
}

// DefaultOptions 返回默认配置：冷却 15 分钟，缓冲上限 1000 条。
func DefaultOptions() Options {
	return Options{
		Cooldown:        15 * time.Minute,
		BufferSize:      1000,
		RecentSize:      500,
		RetryInitial:    time.Second,
		RetryMax:        time.Minute,
		DeliveryTimeout: 10 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Cooldown <= 0 {
		o.Cooldown = d.Cooldown
	}
	if o.BufferSize <= 0 {
		o.BufferSize = d.BufferSize
	}
	if o.RecentSize <= 0 {
		o.RecentSize = d.RecentSize
	}
	if o.RetryInitial <= 0 {
		o.RetryInitial = d.RetryInitial
	}
	if o.RetryMax < o.RetryInitial {
		o.RetryMax = max(d.RetryMax, o.RetryInitial)
	}
	if o.DeliveryTimeout <= 0 {
		o.DeliveryTimeout = d.DeliveryTimeout
	}
	return o
}

// Stats 汇总告警管理器计数。
type Stats struct {
	Emitted          int64 `json:"emitted"`
	Suppressed       int64 `json:"suppressed"`
	Delivered        int64 `json:"delivered"`
	DeliveryFailures int64 `json:"delivery_failures"`
	Dropped          int64 `json:"dropped"`
	Pending          int   `json:"pending"`
}

type delivery struct {
	alert    market.Alert
	sinks    []Sink
	next     time.Time
	attempts int
	backoff  backoff.BackOff
	inflight bool
}

// Manager 负责冷却去重、排名以及带重试的多路投递。
type Manager struct {
	opts     Options
	cooldown CooldownStore
	fallback *MemoryCooldown
	sinks    []Sink
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	pending []*delivery
	recent  []market.Alert
	stats   Stats

	notify chan struct{}
}

// NewManager 构造告警管理器；cooldown 为 nil 时使用进程内冷却表。
func NewManager(opts Options, cooldown CooldownStore, sinks []Sink, m *metrics.Metrics, logger zerolog.Logger) *Manager {
	fallback := NewMemoryCooldown()
	if cooldown == nil {
		cooldown = fallback
	}
	return &Manager{
		opts:     opts.withDefaults(),
		cooldown: cooldown,
		fallback: fallback,
		sinks:    sinks,
		metrics:  m,
		logger:   logger.With().Str("component", "alert_manager").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
		notify:   make(chan struct{}, 1),
	}
}

// Submit 对告警去重后入队，返回实际发出的告警。Submit 从不阻塞在投递上。
func (m *Manager) Submit(ctx context.Context, alerts []market.Alert) []market.Alert {
	var emitted []market.Alert
	for _, alert := range alerts {
		if !m.acquire(ctx, alert) {
			m.mu.Lock()
			m.stats.Suppressed++
			m.mu.Unlock()
			m.metrics.AlertSuppressed()
			continue
		}
		emitted = append(emitted, alert)
		m.metrics.AlertEmitted(string(alert.Pattern), string(alert.Risk))

		m.mu.Lock()
		m.stats.Emitted++
		m.recent = append(m.recent, alert)
		if over := len(m.recent) - m.opts.RecentSize; over > 0 {
			m.recent = append([]market.Alert(nil), m.recent[over:]...)
		}
		if len(m.sinks) > 0 {
			m.enqueue(alert)
		}
		pending := len(m.pending)
		m.mu.Unlock()
		m.metrics.PendingDeliveries(pending)
	}
	if len(emitted) > 0 {
		m.signal()
	}
	return emitted
}

func (m *Manager) acquire(ctx context.Context, alert market.Alert) bool {
	ok, err := m.cooldown.Acquire(ctx, alert.DedupKey(), m.opts.Cooldown)
	if err == nil {
		return ok
	}
	m.logger.Warn().Err(err).Str("market", alert.Market).Msg("cooldown store unavailable, using local cooldown")
	ok, _ = m.fallback.Acquire(ctx, alert.DedupKey(), m.opts.Cooldown)
	return ok
}

// enqueue 需持有 m.mu；超过缓冲上限时丢弃最旧的待投递告警。
func (m *Manager) enqueue(alert market.Alert) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.RetryInitial
	b.MaxInterval = m.opts.RetryMax
	b.MaxElapsedTime = 0
	m.pending = append(m.pending, &delivery{
		alert:   alert,
		sinks:   append([]Sink(nil), m.sinks...),
		next:    m.now(),
		backoff: b,
	})
	if over := len(m.pending) - m.opts.BufferSize; over > 0 {
		for _, d := range m.pending[:over] {
			m.logger.Warn().Str("alert_id", d.alert.ID).Str("market", d.alert.Market).Msg("alert buffer full, dropping oldest")
			m.metrics.AlertDropped()
		}
		m.stats.Dropped += int64(over)
		m.pending = append([]*delivery(nil), m.pending[over:]...)
	}
}

// Run 在后台投递缓冲中的告警直到 ctx 取消。
func (m *Manager) Run(ctx context.Context) error {
	for {
		wait := m.deliverDue(ctx, false)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			flushCtx, cancel := context.WithTimeout(context.Background(), m.opts.DeliveryTimeout)
			m.Flush(flushCtx)
			cancel()
			return ctx.Err()
		case <-m.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Flush 立即尝试投递全部缓冲告警一次，返回剩余数量。
func (m *Manager) Flush(ctx context.Context) int {
	m.deliverDue(ctx, true)
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// deliverDue 投递到期条目并返回距离下一次重试的等待时间。
func (m *Manager) deliverDue(ctx context.Context, all bool) time.Duration {
	m.mu.Lock()
	now := m.now()
	var due []*delivery
	for _, d := range m.pending {
		if !d.inflight && (all || !d.next.After(now)) {
			d.inflight = true
			due = append(due, d)
		}
	}
	m.mu.Unlock()

	for _, d := range due {
		if ctx.Err() != nil {
			m.mu.Lock()
			d.inflight = false
			m.mu.Unlock()
			continue
		}
		m.attempt(ctx, d)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.pending[:0]
	for _, d := range m.pending {
		if len(d.sinks) > 0 {
			kept = append(kept, d)
		}
	}
	for i := len(kept); i < len(m.pending); i++ {
		m.pending[i] = nil
	}
	m.pending = kept
	m.metrics.PendingDeliveries(len(m.pending))

	wait := time.Minute
	now = m.now()
	for _, d := range m.pending {
		if w := d.next.Sub(now); w < wait {
			wait = max(w, 0)
		}
	}
	return wait
}

func (m *Manager) attempt(ctx context.Context, d *delivery) {
	var failed []Sink
	var errs []error
	for _, sink := range d.sinks {
		sctx, cancel := context.WithTimeout(ctx, m.opts.DeliveryTimeout)
		err := sink.Deliver(sctx, d.alert)
		cancel()
		if err != nil {
			failed = append(failed, sink)
			errs = append(errs, err)
			m.metrics.SinkFailure(sink.Name())
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	d.inflight = false
	d.attempts++
	m.stats.Delivered += int64(len(d.sinks) - len(failed))
	m.stats.DeliveryFailures += int64(len(failed))
	d.sinks = failed
	if len(failed) > 0 {
		d.next = m.now().Add(d.backoff.NextBackOff())
		m.logger.Warn().Err(errors.Join(errs...)).
			Str("alert_id", d.alert.ID).
			Int("attempts", d.attempts).
			Time("retry_at", d.next).
			Msg("alert delivery failed, will retry")
	}
}

// Recent 返回最近的告警，按分数降序、时间降序排列。
func (m *Manager) Recent(n int) []market.Alert {
	m.mu.Lock()
	out := append([]market.Alert(nil), m.recent...)
	m.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Time.After(out[j].Time)
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Stats 返回计数快照。
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.Pending = len(m.pending)
	return s
}

func (m *Manager) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}
