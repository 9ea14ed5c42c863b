package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"time"

	"github.com/lib/pq"
	"github.com/tendant/simple-bootstrap/pkg/domain"
)

// DefaultOpTimeout bounds a single store round-trip. Every check is a single-key lookup.
const DefaultOpTimeout = 500 * time.Millisecond

// IsTransient reports whether err is a store failure worth one retry:
// timeouts, dropped connections, and Postgres connection/serialization/operator-intervention classes.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "57":
			return true
		}
	}
	return false
}

// WithRetry runs op with a per-attempt timeout and retries it once on a transient failure.
// A second transient failure is reported as domain.ErrStoreUnavailable.
// Cancellation of the parent context is never retried.
func WithRetry(ctx context.Context, timeout time.Duration, op func(ctx context.Context) error) error {
	if timeout <= 0 {
		timeout = DefaultOpTimeout
	}

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		err = op(attemptCtx)
		cancel()

		if err == nil || !IsTransient(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return errors.Join(domain.ErrStoreUnavailable, err)
}
