package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/feynmed/teachback/internal/reliability"
)

// ErrAllProvidersFailed reports that the primary and fallback providers
// both exhausted their retry budgets for one completion.
var ErrAllProvidersFailed = errors.New("llm: all providers failed")

// outageSink receives outcome reports from the failover client. The
// health monitor implements it.
type outageSink interface {
	ReportOutage()
	ReportSuccess()
}

type noopSink struct{}

func (noopSink) ReportOutage()  {}
func (noopSink) ReportSuccess() {}

// callMetrics receives per-call provider outcome counts. The
// observability metrics implement it.
type callMetrics interface {
	ProviderError(provider, code string)
	ProviderFailover()
}

type noopCallMetrics struct{}

func (noopCallMetrics) ProviderError(string, string) {}
func (noopCallMetrics) ProviderFailover()            {}

// FailoverClient tries the primary provider with bounded exponential
// backoff and falls over to the fallback under the same budget. A
// fallback success is a normal completion, not an error.
type FailoverClient struct {
	primary  Provider
	fallback Provider
	attempts int
	base     time.Duration
	cap      time.Duration
	sink     outageSink
	metrics  callMetrics
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewFailoverClient(primary, fallback Provider, attempts int, base, cap time.Duration) *FailoverClient {
	if attempts < 1 {
		attempts = 1
	}
	return &FailoverClient{
		primary:  primary,
		fallback: fallback,
		attempts: attempts,
		base:     base,
		cap:      cap,
		sink:     noopSink{},
		metrics:  noopCallMetrics{},
		sleep:    sleepCtx,
	}
}

// SetOutageSink wires the health monitor. Must be called before the
// client is shared across goroutines.
func (c *FailoverClient) SetOutageSink(s outageSink) {
	if s != nil {
		c.sink = s
	}
}

// SetMetrics wires the observability counters. Must be called before
// the client is shared across goroutines.
func (c *FailoverClient) SetMetrics(m callMetrics) {
	if m != nil {
		c.metrics = m
	}
}

func (c *FailoverClient) Complete(ctx context.Context, req Request) (Response, error) {
	resp, primaryErr := c.completeWithRetry(ctx, c.primary, req)
	if primaryErr == nil {
		c.sink.ReportSuccess()
		return resp, nil
	}
	if ctx.Err() != nil {
		return Response{}, ctx.Err()
	}
	if c.fallback == nil {
		c.sink.ReportOutage()
		return Response{}, fmt.Errorf("%w: primary: %v", ErrAllProvidersFailed, primaryErr)
	}

	resp, fallbackErr := c.completeWithRetry(ctx, c.fallback, req)
	if fallbackErr == nil {
		c.metrics.ProviderFailover()
		c.sink.ReportSuccess()
		return resp, nil
	}
	if ctx.Err() != nil {
		return Response{}, ctx.Err()
	}
	c.sink.ReportOutage()
	return Response{}, fmt.Errorf("%w: primary: %v; fallback: %v", ErrAllProvidersFailed, primaryErr, fallbackErr)
}

func (c *FailoverClient) completeWithRetry(ctx context.Context, p Provider, req Request) (Response, error) {
	if p == nil {
		return Response{}, errors.New("llm: provider not configured")
	}
	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, reliability.ExponentialBackoff(attempt-1, c.base, c.cap)); err != nil {
				return Response{}, err
			}
		}
		resp, err := p.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		c.metrics.ProviderError(p.Name(), errorCode(err))
		lastErr = err
		if ctx.Err() != nil {
			return Response{}, lastErr
		}
	}
	return Response{}, lastErr
}

func errorCode(err error) string {
	if reliability.IsTimeout(err) {
		return "timeout"
	}
	return "error"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
