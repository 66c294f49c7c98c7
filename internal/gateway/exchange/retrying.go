package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/jpillora/backoff"

	"helmsman/internal/logger"
	"helmsman/internal/market"
	"helmsman/internal/pkg/circuit"
)

type RetryConfig struct {
	MaxAttempts int
	Min         time.Duration
	Max         time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Min <= 0 {
		c.Min = 800 * time.Millisecond
	}
	if c.Max < c.Min {
		c.Max = 8 * time.Second
	}
	return c
}

// Retrying 给任意 Gateway 加上指数退避重试与熔断。
// 下单类请求只在限频时重试，繁忙/超时的结果未知，重试可能重复下单。
type Retrying struct {
	inner   Gateway
	cfg     RetryConfig
	breaker *circuit.CircuitBreaker
	sleep   func(ctx context.Context, d time.Duration) error
}

var _ Gateway = (*Retrying)(nil)

func NewRetrying(inner Gateway, cfg RetryConfig, breaker *circuit.CircuitBreaker) *Retrying {
	return &Retrying{inner: inner, cfg: cfg.withDefaults(), breaker: breaker, sleep: sleepCtx}
}

func (r *Retrying) Name() string { return r.inner.Name() }

// Breaker 暴露熔断器供状态查询。
func (r *Retrying) Breaker() *circuit.CircuitBreaker { return r.breaker }

func (r *Retrying) OpenLong(ctx context.Context, req OpenRequest) (OpenResult, error) {
	return withRetry(ctx, r, "open_long", errRateLimitedOnly, func(ctx context.Context) (OpenResult, error) {
		return r.inner.OpenLong(ctx, req)
	})
}

func (r *Retrying) OpenShort(ctx context.Context, req OpenRequest) (OpenResult, error) {
	return withRetry(ctx, r, "open_short", errRateLimitedOnly, func(ctx context.Context) (OpenResult, error) {
		return r.inner.OpenShort(ctx, req)
	})
}

func (r *Retrying) ClosePosition(ctx context.Context, req CloseRequest) (CloseResult, error) {
	return withRetry(ctx, r, "close_position", errRateLimitedOnly, func(ctx context.Context) (CloseResult, error) {
		return r.inner.ClosePosition(ctx, req)
	})
}

func (r *Retrying) GetAccountBalance(ctx context.Context) (Balance, error) {
	return withRetry(ctx, r, "get_balance", Retryable, r.inner.GetAccountBalance)
}

func (r *Retrying) GetPosition(ctx context.Context, symbol string) (*PositionSnapshot, error) {
	return withRetry(ctx, r, "get_position", Retryable, func(ctx context.Context) (*PositionSnapshot, error) {
		return r.inner.GetPosition(ctx, symbol)
	})
}

func (r *Retrying) GetOrder(ctx context.Context, symbol, orderID string) (OrderStatus, error) {
	return withRetry(ctx, r, "get_order", Retryable, func(ctx context.Context) (OrderStatus, error) {
		return r.inner.GetOrder(ctx, symbol, orderID)
	})
}

func (r *Retrying) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	return withRetry(ctx, r, "get_klines", Retryable, func(ctx context.Context) ([]market.Candle, error) {
		return r.inner.GetKlines(ctx, symbol, interval, limit)
	})
}

func (r *Retrying) GetPrice(ctx context.Context, symbol string) (float64, error) {
	return withRetry(ctx, r, "get_price", Retryable, func(ctx context.Context) (float64, error) {
		return r.inner.GetPrice(ctx, symbol)
	})
}

func errRateLimitedOnly(err error) bool { return errors.Is(err, ErrRateLimited) }

func withRetry[T any](ctx context.Context, r *Retrying, op string, retryable func(error) bool, fn func(context.Context) (T, error)) (T, error) {
	b := &backoff.Backoff{Min: r.cfg.Min, Max: r.cfg.Max, Factor: 2, Jitter: true}
	var (
		out T
		err error
	)
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		call := func() error {
			var callErr error
			out, callErr = fn(ctx)
			return callErr
		}
		if r.breaker != nil {
			err = r.breaker.Do(call, func(e error) bool { return !Business(e) })
		} else {
			err = call()
		}
		if err == nil || errors.Is(err, circuit.ErrOpen) || !retryable(err) || attempt == r.cfg.MaxAttempts {
			return out, err
		}
		wait := b.Duration()
		logger.Warnf("Gateway: %s %s attempt %d/%d failed: %v, retry in %s",
			r.inner.Name(), op, attempt, r.cfg.MaxAttempts, err, wait.Round(time.Millisecond))
		if serr := r.sleep(ctx, wait); serr != nil {
			return out, serr
		}
	}
	return out, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
