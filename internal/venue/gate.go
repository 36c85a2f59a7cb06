package venue

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Gate bounds simultaneous in-flight calls to one venue and paces them with a
// token bucket.
type Gate struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

func NewGate(maxInFlight int, perSecond float64, burst int) *Gate {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Gate{
		sem:     semaphore.NewWeighted(int64(maxInFlight)),
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (g *Gate) Do(ctx context.Context, fn func(context.Context) error) error {
	if g == nil {
		return fn(ctx)
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer g.sem.Release(1)
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return fn(ctx)
}

type RetryPolicy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
	Factor   float64
	// Jitter is the +/- fraction applied to each delay.
	Jitter float64
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.Initial <= 0 {
		p.Initial = time.Second
	}
	if p.Max <= 0 {
		p.Max = 30 * time.Second
	}
	if p.Factor < 1 {
		p.Factor = 2
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// Delay is the wait before retry number attempt (0-based), jitter applied with
// r in [0, 1).
func (p RetryPolicy) Delay(attempt int, r float64) time.Duration {
	p = p.withDefaults()
	base := float64(p.Initial) * math.Pow(p.Factor, float64(attempt))
	if base > float64(p.Max) {
		base = float64(p.Max)
	}
	spread := base * p.Jitter
	d := base - spread + 2*spread*r
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

var (
	jitterMu  sync.Mutex
	jitterRNG = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func jitter() float64 {
	jitterMu.Lock()
	defer jitterMu.Unlock()
	return jitterRNG.Float64()
}

// Retry runs fn through the gate until it succeeds, returns a non-retryable
// error, or the policy's attempts are spent.
func Retry(ctx context.Context, gate *Gate, policy RetryPolicy, fn func(context.Context) error) error {
	return retry(ctx, gate, policy, fn, sleepCtx, jitter)
}

func retry(ctx context.Context, gate *Gate, policy RetryPolicy, fn func(context.Context) error, sleep func(context.Context, time.Duration) error, rnd func() float64) error {
	policy = policy.withDefaults()
	var err error
	for attempt := 0; attempt < policy.Attempts; attempt++ {
		err = gate.Do(ctx, fn)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) || ctx.Err() != nil {
			return err
		}
		if attempt == policy.Attempts-1 {
			break
		}
		if serr := sleep(ctx, policy.Delay(attempt, rnd())); serr != nil {
			return serr
		}
	}
	return fmt.Errorf("retry failed after %d attempts: %w", policy.Attempts, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
