package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"manipwatch/internal/market"
)

type recordingSink struct {
	mu       sync.Mutex
	failures int
	got      []market.Alert
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(_ context.Context, alert market.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("sink offline")
	}
	s.got = append(s.got, alert)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

type brokenCooldown struct{}

func (brokenCooldown) Acquire(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("redis down")
}

func alertFor(symbol string, pattern market.PatternType, score float64, at time.Time) market.Alert {
	return market.Alert{ID: symbol + string(pattern), Market: symbol, Pattern: pattern, Score: score, Risk: market.RiskLevelFor(score), Time: at}
}

func TestManagerCooldownSuppressesDuplicates(t *testing.T) {
	m := NewManager(Options{}, nil, nil, nil, testLogger())
	now := time.Now()
	a := alertFor("BTCUSDT", market.PatternHFT, 65, now)

	if got := m.Submit(context.Background(), []market.Alert{a}); len(got) != 1 {
		t.Fatalf("首次告警应发出, 实际 %d", len(got))
	}
	if got := m.Submit(context.Background(), []market.Alert{a}); len(got) != 0 {
		t.Fatalf("冷却期内重复告警应被抑制, 实际 %d", len(got))
	}
	other := alertFor("BTCUSDT", market.PatternSpoofing, 70, now)
	if got := m.Submit(context.Background(), []market.Alert{other}); len(got) != 1 {
		t.Fatal("不同模式不应共享冷却")
	}
	stats := m.Stats()
	if stats.Emitted != 2 || stats.Suppressed != 1 {
		t.Fatalf("统计不正确: %+v", stats)
	}
}

func TestMemoryCooldownExpires(t *testing.T) {
	c := NewMemoryCooldown()
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	ok, _ := c.Acquire(context.Background(), "k", time.Minute)
	if !ok {
		t.Fatal("首次应获取成功")
	}
	ok, _ = c.Acquire(context.Background(), "k", time.Minute)
	if ok {
		t.Fatal("冷却期内应获取失败")
	}
	now = now.Add(time.Minute)
	ok, _ = c.Acquire(context.Background(), "k", time.Minute)
	if !ok {
		t.Fatal("冷却结束后应可再次获取")
	}
}

func TestManagerFallsBackWhenCooldownStoreFails(t *testing.T) {
	m := NewManager(Options{}, brokenCooldown{}, nil, nil, testLogger())
	a := alertFor("ETHUSDT", market.PatternPumpDump, 80, time.Now())
	if got := m.Submit(context.Background(), []market.Alert{a}); len(got) != 1 {
		t.Fatal("冷却存储不可用时应回退到本地冷却并发出告警")
	}
	if got := m.Submit(context.Background(), []market.Alert{a}); len(got) != 0 {
		t.Fatal("本地冷却应继续去重")
	}
}

func TestManagerRetriesFailedSink(t *testing.T) {
	sink := &recordingSink{failures: 2}
	m := NewManager(Options{RetryInitial: time.Millisecond, RetryMax: time.Millisecond}, nil, []Sink{sink}, nil, testLogger())
	m.Submit(context.Background(), []market.Alert{alertFor("BTCUSDT", market.PatternHFT, 65, time.Now())})

	for i := 0; i < 2; i++ {
		if left := m.Flush(context.Background()); left != 1 {
			t.Fatalf("第 %d 次投递失败后应保留在缓冲中, 剩余 %d", i+1, left)
		}
	}
	if left := m.Flush(context.Background()); left != 0 {
		t.Fatalf("第三次投递应成功, 剩余 %d", left)
	}
	stats := m.Stats()
	if stats.Delivered != 1 || stats.DeliveryFailures != 2 {
		t.Fatalf("投递统计不正确: %+v", stats)
	}
	if sink.count() != 1 {
		t.Fatalf("sink 应收到 1 条告警, 实际 %d", sink.count())
	}
}

func TestManagerDropsOldestBeyondBuffer(t *testing.T) {
	sink := &recordingSink{failures: 1000}
	m := NewManager(Options{BufferSize: 2}, nil, []Sink{sink}, nil, testLogger())
	now := time.Now()
	m.Submit(context.Background(), []market.Alert{
		alertFor("A", market.PatternHFT, 65, now),
		alertFor("B", market.PatternHFT, 65, now),
		alertFor("C", market.PatternHFT, 65, now),
	})

	stats := m.Stats()
	if stats.Dropped != 1 || stats.Pending != 2 {
		t.Fatalf("超出缓冲上限应丢弃最旧告警: %+v", stats)
	}
	m.mu.Lock()
	first := m.pending[0].alert.Market
	m.mu.Unlock()
	if first != "B" {
		t.Fatalf("最旧告警应被丢弃, 队首为 %s", first)
	}
}

func TestManagerRecentRanking(t *testing.T) {
	m := NewManager(Options{}, nil, nil, nil, testLogger())
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	m.Submit(context.Background(), []market.Alert{
		alertFor("A", market.PatternHFT, 65, base),
		alertFor("B", market.PatternPumpDump, 90, base),
		alertFor("C", market.PatternHFT, 65, base.Add(time.Minute)),
	})

	got := m.Recent(2)
	if len(got) != 2 {
		t.Fatalf("应返回 2 条, 实际 %d", len(got))
	}
	if got[0].Market != "B" || got[1].Market != "C" {
		t.Fatalf("排序应为分数降序、时间降序: %s, %s", got[0].Market, got[1].Market)
	}
}

func TestManagerRunDeliversInBackground(t *testing.T) {
	sink := &recordingSink{}
	m := NewManager(Options{}, nil, []Sink{sink}, nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	m.Submit(context.Background(), []market.Alert{alertFor("BTCUSDT", market.PatternHFT, 65, time.Now())})
	deadline := time.Now().Add(2 * time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run 应在取消后返回 context.Canceled, 实际 %v", err)
	}
	if sink.count() != 1 {
		t.Fatalf("后台应投递 1 条告警, 实际 %d", sink.count())
	}
}
