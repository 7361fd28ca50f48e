package fetcher

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// PolicyOptions tune the shared retry and rate-limit policy.
type PolicyOptions struct {
	RequestsPerMinute int
	Burst             int
	MaxRetries        int
	InitialInterval   time.Duration
	MaxInterval       time.Duration
	// Timeout bounds one logical fetch including its retries.
	Timeout time.Duration
}

// Policy is the single retry/backoff and token-bucket gate in front of every source call.
type Policy struct {
	opts    PolicyOptions
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewPolicy constructs a Policy, filling unset options with defaults.
func NewPolicy(opts PolicyOptions, logger zerolog.Logger) *Policy {
	if opts.RequestsPerMinute <= 0 {
		opts.RequestsPerMinute = 1200
	}
	if opts.Burst <= 0 {
		opts.Burst = opts.RequestsPerMinute / 10
		if opts.Burst < 1 {
			opts.Burst = 1
		}
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 200 * time.Millisecond
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = 5 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	return &Policy{
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(float64(opts.RequestsPerMinute)/60.0), opts.Burst),
		logger:  logger.With().Str("component", "fetch_policy").Logger(),
	}
}

// Do runs fn under the rate limiter, retrying retryable failures with exponential backoff.
// The returned error, if any, is always a *FetchError.
func (p *Policy) Do(ctx context.Context, op, symbol string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	operation := func() error {
		if err := p.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return backoff.Permanent(classify(op, symbol, ctxErr))
			}
			return backoff.Permanent(&FetchError{Kind: KindRateLimited, Op: op, Market: symbol, Err: err})
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		fe := classify(op, symbol, err)
		if !fe.Retryable() {
			return backoff.Permanent(fe)
		}
		return fe
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.InitialInterval
	b.MaxInterval = p.opts.MaxInterval
	b.MaxElapsedTime = 0

	notify := func(err error, wait time.Duration) {
		p.logger.Debug().Err(err).Str("op", op).Str("market", symbol).Dur("retry_in", wait).Msg("fetch attempt failed")
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.opts.MaxRetries)), ctx), notify)
	if err == nil {
		return nil
	}
	return classify(op, symbol, err)
}

func call[T any](ctx context.Context, p *Policy, op, symbol string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, op, symbol, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
