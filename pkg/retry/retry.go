package retry

import (
	"context"
	"errors"
	"math"
	"net"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("mobilesync/retry")

// Retryable is implemented by errors that know whether repeating the failed operation can succeed.
type Retryable interface {
	Retryable() bool
}

// RetryAfter is implemented by errors that carry a server-provided wait hint (e.g. a Retry-After header).
type RetryAfter interface {
	RetryAfter() time.Duration
}

type Retryer struct {
	attempts     uint
	maxAttempts  uint
	initialDelay time.Duration
	maxDelay     time.Duration
}

type RetryConfig struct {
	MaxAttempts  uint          // 0 means no limit (which is also the default).
	InitialDelay time.Duration // Default is 1 second.
	MaxDelay     time.Duration // Default is 60 seconds. 0 means no limit.
}

func NewRetryer(ctx context.Context, config RetryConfig) *Retryer {
	r := &Retryer{
		attempts:     0,
		maxAttempts:  config.MaxAttempts,
		initialDelay: config.InitialDelay,
		maxDelay:     config.MaxDelay,
	}
	if r.initialDelay == 0 {
		r.initialDelay = time.Second
	}
	if r.maxDelay == 0 {
		r.maxDelay = 60 * time.Second
	}
	return r
}

// IsRetryable reports whether err is worth another attempt: anything marked Retryable, and network timeouts.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func (r *Retryer) ShouldWaitAndRetry(ctx context.Context, err error) bool {
	ctx, span := tracer.Start(ctx, "retry.ShouldWaitAndRetry")
	defer span.End()

	if err == nil {
		r.attempts = 0
		return true
	}
	if !IsRetryable(err) {
		return false
	}

	r.attempts++
	l := ctxzap.Extract(ctx)

	if r.maxAttempts > 0 && r.attempts > r.maxAttempts {
		l.Warn("max attempts reached", zap.Error(err), zap.Uint("max_attempts", r.maxAttempts))
		return false
	}

	// use linear backoff by default
	var wait time.Duration
	if r.attempts > math.MaxInt64 {
		wait = r.maxDelay
	} else {
		wait = time.Duration(int64(r.attempts)) * r.initialDelay
	}

	// If the server told us how long to back off, use that instead
	var ra RetryAfter
	if errors.As(err, &ra) {
		if hint := ra.RetryAfter(); hint > 0 {
			// Round up to the nearest second to make sure we don't hit the limit again
			wait = time.Duration(math.Ceil(hint.Seconds())) * time.Second
		}
	}

	if wait > r.maxDelay {
		wait = r.maxDelay
	}

	l.Warn("retrying operation", zap.Error(err), zap.Duration("wait", wait))

	for {
		select {
		case <-time.After(wait):
			return true
		case <-ctx.Done():
			return false
		}
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, or the retryer gives up.
func (r *Retryer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	for {
		err := fn(ctx)
		if err == nil {
			r.attempts = 0
			return nil
		}
		if !r.ShouldWaitAndRetry(ctx, err) {
			return err
		}
	}
}
