package external

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"

	"certflow/internal/config"
	"certflow/internal/faults"
	"certflow/internal/telemetry"
)

// Policy applies the uniform external-call discipline: a per-adapter
// circuit breaker inside an exponential-backoff-with-jitter retry loop.
// Permanent failures propagate immediately; rate limits honor the
// dependency's suggested delay; an open breaker fails fast with
// faults.ErrServiceUnavailable without touching the transport.
type Policy struct {
	cfg config.Config

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewPolicy builds a policy from config.
func NewPolicy(cfg config.Config) *Policy {
	return &Policy{cfg: cfg, breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (p *Policy) breaker(adapter string) *gobreaker.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cb, ok := p.breakers[adapter]; ok {
		return cb
	}
	threshold := uint32(p.cfg.BreakerThreshold)
	if threshold == 0 {
		threshold = 5
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        adapter,
		MaxRequests: 1, // one trial call while half-open
		Timeout:     p.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// A dependency rejecting bad input is healthy: permanent
			// failures must not trip the breaker.
			return err == nil || faults.IsPermanent(err)
		},
		OnStateChange: func(name string, _, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				telemetry.BreakerOpen.WithLabelValues(name).Set(1)
			} else {
				telemetry.BreakerOpen.WithLabelValues(name).Set(0)
			}
		},
	})
	p.breakers[adapter] = cb
	return cb
}

// Do invokes fn under the named adapter's breaker with the retry policy.
func (p *Policy) Do(ctx context.Context, adapter string, fn func(ctx context.Context) error) error {
	backoff := retry.NewExponential(p.cfg.AdapterBackoffInitial)
	if p.cfg.AdapterRetryJitter > 0 {
		backoff = retry.WithJitter(p.cfg.AdapterRetryJitter, backoff)
	}
	backoff = retry.WithMaxRetries(uint64(p.cfg.AdapterMaxRetries), backoff)

	cb := p.breaker(adapter)

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		_, err := cb.Execute(func() (any, error) {
			return nil, fn(ctx)
		})
		if err == nil {
			telemetry.AdapterCalls.WithLabelValues(adapter, "ok").Inc()
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Short-circuited: the transport was never invoked. Job-level
			// retry with backoff covers the cool-down, so fail this call
			// chain fast instead of spinning against an open breaker.
			telemetry.AdapterCalls.WithLabelValues(adapter, "short_circuit").Inc()
			return faults.ErrServiceUnavailable
		}

		var rl *faults.RateLimitedError
		if errors.As(err, &rl) {
			telemetry.AdapterCalls.WithLabelValues(adapter, "rate_limited").Inc()
			waitFor(ctx, rl.RetryAfter)
			return retry.RetryableError(err)
		}
		var te *faults.TransientError
		if errors.As(err, &te) {
			telemetry.AdapterCalls.WithLabelValues(adapter, "transient").Inc()
			return retry.RetryableError(err)
		}
		telemetry.AdapterCalls.WithLabelValues(adapter, "permanent").Inc()
		return err
	})
}

// waitFor sleeps for the dependency's suggested delay, bounded so a hostile
// Retry-After cannot park a worker indefinitely.
func waitFor(ctx context.Context, d time.Duration) {
	const maxSuggested = 30 * time.Second
	if d <= 0 {
		return
	}
	if d > maxSuggested {
		d = maxSuggested
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
