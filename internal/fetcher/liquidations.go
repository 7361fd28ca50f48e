package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"manipwatch/internal/market"
)

const defaultForceOrderURL = "wss://fstream.binance.com/ws/!forceOrder@arr"

// LiquidationStreamOptions configure the force-order stream.
type LiquidationStreamOptions struct {
	URL string
	// PerMarket bounds the events retained for each symbol.
	PerMarket int
	// Retention drops events older than this.
	Retention time.Duration
}

// LiquidationStream keeps recent liquidation fills from the Binance all-market force-order stream.
type LiquidationStream struct {
	opts   LiquidationStreamOptions
	logger zerolog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	events map[string][]market.LiquidationEvent
}

// NewLiquidationStream constructs an idle stream; call Run to connect.
func NewLiquidationStream(opts LiquidationStreamOptions, logger zerolog.Logger) *LiquidationStream {
	if opts.URL == "" {
		opts.URL = defaultForceOrderURL
	}
	if opts.PerMarket <= 0 {
		opts.PerMarket = 200
	}
	if opts.Retention <= 0 {
		opts.Retention = 15 * time.Minute
	}
	return &LiquidationStream{
		opts:   opts,
		logger: logger.With().Str("component", "liquidation_stream").Logger(),
		now:    time.Now,
		events: make(map[string][]market.LiquidationEvent),
	}
}

// Run connects and reconnects with backoff until ctx is cancelled.
func (s *LiquidationStream) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0

	for {
		started := time.Now()
		err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(started) > time.Minute {
			b.Reset()
		}
		wait := b.NextBackOff()
		s.logger.Warn().Err(err).Dur("retry_in", wait).Msg("force-order stream disconnected")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *LiquidationStream) session(ctx context.Context) error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.DialContext(ctx, s.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial force-order stream: %w", err)
	}
	s.logger.Info().Str("url", s.opts.URL).Msg("force-order stream connected")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		_ = conn.Close()
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errors.New("stream closed by server")
			}
			return fmt.Errorf("read force-order stream: %w", err)
		}
		if err := s.handleMessage(payload); err != nil {
			s.logger.Debug().Err(err).Msg("skip malformed force-order message")
		}
	}
}

type forceOrderMessage struct {
	Event string `json:"e"`
	Order struct {
		Symbol       string `json:"s"`
		Side         string `json:"S"`
		AveragePrice string `json:"ap"`
		Price        string `json:"p"`
		FilledQty    string `json:"z"`
		Qty          string `json:"q"`
		TradeTime    int64  `json:"T"`
	} `json:"o"`
}

func (s *LiquidationStream) handleMessage(payload []byte) error {
	var msg forceOrderMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	if msg.Event != "forceOrder" || msg.Order.Symbol == "" {
		return fmt.Errorf("unexpected event %q", msg.Event)
	}

	price, err := parseNum(firstNonEmpty(msg.Order.AveragePrice, msg.Order.Price))
	if err != nil {
		return err
	}
	qty, err := parseNum(firstNonEmpty(msg.Order.FilledQty, msg.Order.Qty))
	if err != nil {
		return err
	}

	s.Add(market.LiquidationEvent{
		Market: msg.Order.Symbol,
		Side:   strings.ToUpper(msg.Order.Side),
		Price:  price,
		Volume: qty,
		Time:   time.UnixMilli(msg.Order.TradeTime).UTC(),
		Type:   market.LiquidationForced,
	})
	return nil
}

// Add records one event, pruning expired and excess entries for its market.
func (s *LiquidationStream) Add(ev market.LiquidationEvent) {
	cutoff := s.now().Add(-s.opts.Retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	list := append(s.events[ev.Market], ev)
	start := 0
	for start < len(list) && list[start].Time.Before(cutoff) {
		start++
	}
	if over := len(list) - start - s.opts.PerMarket; over > 0 {
		start += over
	}
	s.events[ev.Market] = append([]market.LiquidationEvent(nil), list[start:]...)
}

// Recent returns up to limit of the newest events for symbol, oldest first.
func (s *LiquidationStream) Recent(symbol string, limit int) []market.LiquidationEvent {
	cutoff := s.now().Add(-s.opts.Retention)

	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.events[symbol]
	out := make([]market.LiquidationEvent, 0, len(list))
	for _, ev := range list {
		if !ev.Time.Before(cutoff) {
			out = append(out, ev)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" && v != "0" {
			return v
		}
	}
	return ""
}
