package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"

	"manipwatch/internal/market"
)

// Tier is a check-frequency class. Lower values are served first.
type Tier int

const (
	TierHigh Tier = iota
	TierMedium
	TierLow
	tierCount
)

func (t Tier) String() string {
	switch t {
	case TierHigh:
		return "high"
	case TierMedium:
		return "medium"
	case TierLow:
		return "low"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// MarshalText renders the tier name in JSON payloads.
func (t Tier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// Options tune scheduler behaviour.
type Options struct {
	MaxConcurrent    int           `mapstructure:"max_concurrent_checks"`
	HighInterval     time.Duration `mapstructure:"high_interval"`
	MediumInterval   time.Duration `mapstructure:"medium_interval"`
	LowInterval      time.Duration `mapstructure:"low_interval"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	FailureCeiling   int           `mapstructure:"failure_ceiling"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
}

// DefaultOptions returns 30s/60s/300s tiers, demotion after 3 failures and suspension after 10.
func DefaultOptions() Options {
	return Options{
		MaxConcurrent:    10,
		HighInterval:     30 * time.Second,
		MediumInterval:   60 * time.Second,
		LowInterval:      300 * time.Second,
		FailureThreshold: 3,
		FailureCeiling:   10,
		MaxBackoff:       30 * time.Minute,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = d.MaxConcurrent
	}
	if o.HighInterval <= 0 {
		o.HighInterval = d.HighInterval
	}
	if o.MediumInterval <= 0 {
		o.MediumInterval = d.MediumInterval
	}
	if o.LowInterval <= 0 {
		o.LowInterval = d.LowInterval
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = d.FailureThreshold
	}
	if o.FailureCeiling < o.FailureThreshold {
		o.FailureCeiling = max(d.FailureCeiling, o.FailureThreshold)
	}
	if o.MaxBackoff < o.LowInterval {
		o.MaxBackoff = max(d.MaxBackoff, o.LowInterval)
	}
	return o
}

func (o Options) interval(t Tier) time.Duration {
	switch t {
	case TierHigh:
		return o.HighInterval
	case TierMedium:
		return o.MediumInterval
	default:
		return o.LowInterval
	}
}

// Outcome reports one task execution back to the scheduler.
type Outcome struct {
	Err error
	// Signal requests promotion to the high tier.
	Signal bool
}

// TaskView is a read-only copy of a task's scheduling state.
type TaskView struct {
	Market    string    `json:"market"`
	Tier      Tier      `json:"tier"`
	Due       time.Time `json:"next_due"`
	Failures  int       `json:"consecutive_failures"`
	Suspended bool      `json:"suspended"`
	Running   bool      `json:"running"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// WorkFunc executes one cycle for a market.
type WorkFunc func(ctx context.Context, task TaskView) Outcome

type task struct {
	TaskView
	queued bool
	index  int
}

// Scheduler owns the task table and the per-tier due queues.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	tasks   map[string]*task
	queues  [tierCount]taskQueue
	onEvent func(market.MonitorEvent)

	wake chan struct{}
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		opts:   opts.withDefaults(),
		logger: logger.With().Str("component", "scheduler").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
		tasks:  make(map[string]*task),
		wake:   make(chan struct{}, 1),
	}
}

// Options returns the effective options.
func (s *Scheduler) Options() Options { return s.opts }

// OnEvent registers the receiver of demotion and suspension events.
func (s *Scheduler) OnEvent(fn func(market.MonitorEvent)) {
	s.mu.Lock()
	s.onEvent = fn
	s.mu.Unlock()
}

// Add registers a market due immediately. It reports false when the market is already known.
func (s *Scheduler) Add(symbol string, tier Tier) bool {
	s.mu.Lock()
	if _, ok := s.tasks[symbol]; ok {
		s.mu.Unlock()
		return false
	}
	t := &task{TaskView: TaskView{Market: symbol, Tier: tier, Due: s.now()}}
	s.tasks[symbol] = t
	s.push(t)
	s.mu.Unlock()
	s.signal()
	return true
}

// Remove drops a market. A running cycle finishes but is not re-queued.
func (s *Scheduler) Remove(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[symbol]
	if !ok {
		return false
	}
	if t.queued {
		heap.Remove(&s.queues[t.Tier], t.index)
		t.queued = false
	}
	delete(s.tasks, symbol)
	return true
}

// Readmit returns a suspended market to the medium tier, due immediately.
func (s *Scheduler) Readmit(symbol string) bool {
	s.mu.Lock()
	t, ok := s.tasks[symbol]
	if !ok || !t.Suspended {
		s.mu.Unlock()
		return false
	}
	t.Suspended = false
	t.Failures = 0
	t.Tier = TierMedium
	t.Due = s.now()
	s.push(t)
	ev := market.MonitorEvent{Market: symbol, Kind: market.EventReadmitted, Time: t.Due, Message: "suspended market re-admitted"}
	fn := s.onEvent
	s.mu.Unlock()

	s.emit(fn, ev)
	s.signal()
	return true
}

// ReadmitSuspended re-admits every suspended market and returns how many were re-admitted.
func (s *Scheduler) ReadmitSuspended() int {
	n := 0
	for _, symbol := range s.Suspended() {
		if s.Readmit(symbol) {
			n++
		}
	}
	return n
}

// Tasks returns a snapshot of every task ordered by market.
func (s *Scheduler) Tasks() []TaskView {
	s.mu.Lock()
	out := make([]TaskView, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.TaskView)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Market < out[j].Market })
	return out
}

// Task returns one task's state.
func (s *Scheduler) Task(symbol string) (TaskView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[symbol]
	if !ok {
		return TaskView{}, false
	}
	return t.TaskView, true
}

// Suspended lists suspended markets.
func (s *Scheduler) Suspended() []string {
	var out []string
	for _, t := range s.Tasks() {
		if t.Suspended {
			out = append(out, t.Market)
		}
	}
	return out
}

// TierCounts counts active (non-suspended) tasks per tier.
func (s *Scheduler) TierCounts() map[string]int {
	out := map[string]int{TierHigh.String(): 0, TierMedium.String(): 0, TierLow.String(): 0}
	for _, t := range s.Tasks() {
		if !t.Suspended {
			out[t.Tier.String()]++
		}
	}
	return out
}

// Len returns the number of known markets.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Run blocks, dispatching due tasks to at most MaxConcurrent workers until ctx is cancelled.
// A slot is acquired before a task is taken, so waiting tasks stay in priority order.
func (s *Scheduler) Run(ctx context.Context, work WorkFunc) error {
	sem := make(chan struct{}, s.opts.MaxConcurrent)
	var wg sync.WaitGroup
	defer wg.Wait()

	s.logger.Info().Int("max_concurrent", s.opts.MaxConcurrent).Int("markets", s.Len()).Msg("scheduler started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sem <- struct{}{}:
		}

		view, err := s.waitNext(ctx)
		if err != nil {
			<-sem
			return err
		}

		wg.Add(1)
		go func(view TaskView) {
			defer wg.Done()
			defer func() { <-sem }()
			out := s.execute(ctx, work, view)
			s.complete(view.Market, out)
		}(view)
	}
}

// waitNext blocks until a task is due.
func (s *Scheduler) waitNext(ctx context.Context) (TaskView, error) {
	for {
		view, wait, ok := s.pop()
		if ok {
			return view, nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return TaskView{}, ctx.Err()
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// pop takes the first due task by tier, then due time, then market id.
// Otherwise it returns how long until the earliest task becomes due.
func (s *Scheduler) pop() (TaskView, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	wait := time.Minute
	for tier := TierHigh; tier < tierCount; tier++ {
		q := &s.queues[tier]
		if q.Len() == 0 {
			continue
		}
		head := (*q)[0]
		if !head.Due.After(now) {
			heap.Pop(q)
			head.queued = false
			head.Running = true
			return head.TaskView, 0, true
		}
		if d := head.Due.Sub(now); d < wait {
			wait = d
		}
	}
	return TaskView{}, wait, false
}

func (s *Scheduler) execute(ctx context.Context, work WorkFunc, view TaskView) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			sentry.CurrentHub().Recover(r)
			s.logger.Error().Str("market", view.Market).Interface("panic", r).Msg("task panicked")
			out = Outcome{Err: fmt.Errorf("task panic: %v", r)}
		}
	}()
	return work(ctx, view)
}

// complete records the outcome and re-queues the task. Only here is a task re-queued,
// so a market never runs concurrently with itself.
func (s *Scheduler) complete(symbol string, out Outcome) {
	s.mu.Lock()
	t, ok := s.tasks[symbol]
	if !ok {
		s.mu.Unlock()
		return
	}
	events := s.applyOutcome(t, out)
	if !t.Suspended {
		s.push(t)
	}
	fn := s.onEvent
	s.mu.Unlock()

	for _, ev := range events {
		s.emit(fn, ev)
	}
	s.signal()
}

func (s *Scheduler) applyOutcome(t *task, out Outcome) []market.MonitorEvent {
	now := s.now()
	t.Running = false
	t.LastRun = now

	if out.Err == nil {
		t.Failures = 0
		t.LastError = ""
		if out.Signal {
			t.Tier = TierHigh
		} else if t.Tier < TierLow {
			t.Tier++
		}
		t.Due = now.Add(s.opts.interval(t.Tier))
		return nil
	}

	t.Failures++
	t.LastError = out.Err.Error()
	var events []market.MonitorEvent

	switch {
	case t.Failures >= s.opts.FailureCeiling:
		t.Suspended = true
		t.Tier = TierLow
		events = append(events, market.MonitorEvent{
			Market: t.Market, Kind: market.EventSuspended, Time: now, Failures: t.Failures,
			Message: fmt.Sprintf("suspended after %d consecutive failures: %s", t.Failures, t.LastError),
		})
		s.logger.Warn().Str("market", t.Market).Int("failures", t.Failures).Msg("market suspended")
	case t.Failures >= s.opts.FailureThreshold:
		t.Tier = TierLow
		backoff := s.opts.LowInterval << min(t.Failures-s.opts.FailureThreshold, 16)
		if backoff > s.opts.MaxBackoff || backoff <= 0 {
			backoff = s.opts.MaxBackoff
		}
		t.Due = now.Add(backoff)
		if t.Failures == s.opts.FailureThreshold {
			events = append(events, market.MonitorEvent{
				Market: t.Market, Kind: market.EventDemoted, Time: now, Failures: t.Failures,
				Message: fmt.Sprintf("demoted to low priority after %d consecutive failures: %s", t.Failures, t.LastError),
			})
			s.logger.Warn().Str("market", t.Market).Int("failures", t.Failures).Msg("market demoted")
		}
	default:
		if t.Tier < TierLow {
			t.Tier++
		}
		t.Due = now.Add(s.opts.interval(t.Tier))
	}
	return events
}

func (s *Scheduler) push(t *task) {
	if t.queued {
		return
	}
	heap.Push(&s.queues[t.Tier], t)
	t.queued = true
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) emit(fn func(market.MonitorEvent), ev market.MonitorEvent) {
	if fn != nil {
		fn(ev)
	}
}

// taskQueue is a min-heap by due time, then market id.
type taskQueue []*task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if !q[i].Due.Equal(q[j].Due) {
		return q[i].Due.Before(q[j].Due)
	}
	return q[i].Market < q[j].Market
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	t := x.(*task)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}
