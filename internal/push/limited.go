package push

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// LimitedProvider throttles calls to the wrapped provider and bounds each
// call with a timeout.
type LimitedProvider struct {
	next    Provider
	limiter *rate.Limiter
	timeout time.Duration
}

// Limited wraps p. ratePerSec <= 0 disables throttling; timeout <= 0
// defaults to 10s.
func Limited(p Provider, ratePerSec float64, timeout time.Duration) *LimitedProvider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	l := &LimitedProvider{next: p, timeout: timeout, limiter: rate.NewLimiter(rate.Inf, 1)}
	l.SetRate(ratePerSec)
	return l
}

// SetRate applies a new rate limit without dropping in-flight waits.
func (l *LimitedProvider) SetRate(ratePerSec float64) {
	if ratePerSec <= 0 {
		l.limiter.SetLimit(rate.Inf)
		return
	}
	burst := int(ratePerSec)
	if burst < 1 {
		burst = 1
	}
	l.limiter.SetLimit(rate.Limit(ratePerSec))
	l.limiter.SetBurst(burst)
}

func (l *LimitedProvider) Name() string { return l.next.Name() }

func (l *LimitedProvider) Send(ctx context.Context, msg Message) error {
	return l.call(ctx, func(cctx context.Context) error { return l.next.Send(cctx, msg) })
}

func (l *LimitedProvider) Validate(ctx context.Context, endpoint string) error {
	return l.call(ctx, func(cctx context.Context) error { return l.next.Validate(cctx, endpoint) })
}

func (l *LimitedProvider) call(ctx context.Context, fn func(context.Context) error) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	cctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	err := fn(cctx)
	if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w after %s: %v", ErrTimeout, l.timeout, err)
	}
	return err
}
