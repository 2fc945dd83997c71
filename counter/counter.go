// Package counter implements atomic integer counters on top of the mirror
// store's single-node transaction, plus the inventory and analytics views
// built on them.
package counter

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/maxpert/syncbridge/common"
	"github.com/maxpert/syncbridge/encoding"
	"github.com/maxpert/syncbridge/mirror"
	"github.com/maxpert/syncbridge/telemetry"
	"github.com/rs/zerolog/log"
)

// ValueField holds the integer of a counter node
const ValueField = "value"

const (
	DefaultMaxAttempts = 25
	DefaultTimeout     = 5 * time.Second
)

// Store is the transactional node store counters run against
type Store interface {
	Get(ctx context.Context, path string) (mirror.Node, error)
	Transaction(ctx context.Context, path string, fn func(cur mirror.Node) (mirror.Write, bool, error)) (mirror.Node, bool, error)
}

// Clamp bounds the value of a counter. Nil bounds are open.
type Clamp struct {
	Min *int64
	Max *int64
}

// StockClamp floors the counter at zero
func StockClamp() Clamp {
	zero := int64(0)
	return Clamp{Min: &zero}
}

// Unclamped leaves the counter unbounded
func Unclamped() Clamp {
	return Clamp{}
}

func (c Clamp) apply(v int64) int64 {
	if c.Min != nil && v < *c.Min {
		return *c.Min
	}
	if c.Max != nil && v > *c.Max {
		return *c.Max
	}
	return v
}

// Options configures retry behaviour
type Options struct {
	MaxAttempts int
	Backoff     common.Backoff
	Timeout     time.Duration // Per attempt
}

// Result of an applied delta
type Result struct {
	Previous int64
	Value    int64
	Attempts int
}

// Counter applies integer deltas with compare-and-retry
type Counter struct {
	store Store
	opts  Options
}

// New creates a counter over store
func New(store Store, opts Options) *Counter {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Counter{store: store, opts: opts}
}

// Apply adds delta to the counter at address and clamps the result. An absent
// node counts as zero. Conflicting writers are retried with backoff until
// MaxAttempts, after which a *common.RetryExhaustedError is returned.
func (c *Counter) Apply(ctx context.Context, address string, delta int64, clamp Clamp) (Result, error) {
	return c.mutate(ctx, "apply", address, func(prev int64) (int64, error) {
		if (delta > 0 && prev > math.MaxInt64-delta) || (delta < 0 && prev < math.MinInt64-delta) {
			return 0, common.Invalid("delta", address, "counter overflow")
		}
		return clamp.apply(prev + delta), nil
	})
}

// Reset sets the counter at address to zero
func (c *Counter) Reset(ctx context.Context, address string) (Result, error) {
	return c.mutate(ctx, "reset", address, func(int64) (int64, error) {
		return 0, nil
	})
}

// Value reads the counter at address. Absent counters read as zero.
func (c *Counter) Value(ctx context.Context, address string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	n, err := c.store.Get(ctx, address)
	if errors.Is(err, common.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return nodeValue(address, n)
}

func nodeValue(address string, n mirror.Node) (int64, error) {
	if !n.Exists() {
		return 0, nil
	}
	v, ok := encoding.ToInt64(n.Data[ValueField])
	if !ok {
		return 0, common.Invalid("counter", address, "node does not hold an integer value")
	}
	return v, nil
}

func (c *Counter) mutate(ctx context.Context, op, address string, next func(prev int64) (int64, error)) (Result, error) {
	if err := common.ValidatePath(address); err != nil {
		telemetry.CounterAppliesTotal.With("invalid").Inc()
		return Result{}, err
	}

	var last error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		res, err := c.attempt(ctx, address, next)
		if err == nil {
			res.Attempts = attempt
			telemetry.CounterAppliesTotal.With("ok").Inc()
			telemetry.CounterAttempts.Observe(float64(attempt))
			return res, nil
		}

		if !common.IsRetryable(err) {
			if errors.Is(err, common.ErrValidation) {
				telemetry.CounterAppliesTotal.With("invalid").Inc()
			} else {
				telemetry.CounterAppliesTotal.With("failed").Inc()
			}
			return Result{}, err
		}
		last = err

		if attempt == c.opts.MaxAttempts {
			break
		}

		delay := c.opts.Backoff.Delay(attempt)
		log.Debug().
			Err(err).
			Str("path", address).
			Int("attempt", attempt).
			Dur("retry_delay", delay).
			Msg("Counter transaction conflicted, retrying")

		if !common.Sleep(ctx, delay) {
			telemetry.CounterAppliesTotal.With("failed").Inc()
			return Result{}, ctx.Err()
		}
	}

	telemetry.CounterAppliesTotal.With("exhausted").Inc()
	log.Warn().
		Err(last).
		Str("path", address).
		Int("attempts", c.opts.MaxAttempts).
		Msg("Counter retries exhausted")
	return Result{}, &common.RetryExhaustedError{
		Op:       "counter " + op,
		Address:  address,
		Attempts: c.opts.MaxAttempts,
		Last:     last,
	}
}

func (c *Counter) attempt(ctx context.Context, address string, next func(prev int64) (int64, error)) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	var res Result
	_, _, err := c.store.Transaction(ctx, address, func(cur mirror.Node) (mirror.Write, bool, error) {
		prev, err := nodeValue(address, cur)
		if err != nil {
			return mirror.Write{}, false, err
		}
		v, err := next(prev)
		if err != nil {
			return mirror.Write{}, false, err
		}
		res = Result{Previous: prev, Value: v}

		if cur.Exists() && v == prev {
			return mirror.Write{}, true, nil
		}
		return mirror.Write{
			Data: common.Payload{
				ValueField:  v,
				"updatedAt": mirror.ServerTimestamp,
			},
			Origin: common.OriginPrimary,
		}, false, nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}
