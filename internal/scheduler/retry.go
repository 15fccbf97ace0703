package scheduler

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/alanyoungcy/marketkeeper/internal/domain"
)

// ledgerError is implemented by relayer errors. Ledger outcomes have their
// own drift handling in the state machine and are never retried here.
type ledgerError interface {
	LedgerError() bool
}

// IsTransient reports whether err is an infrastructure failure worth
// retrying within the same run.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var le ledgerError
	if errors.As(err, &le) && le.LedgerError() {
		return false
	}
	if domain.IsTransient(err) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}

// backoff returns the wait before attempt n (1-based retry count) using
// full jitter over base*2^(n-1).
func backoff(base time.Duration, n int) time.Duration {
	ceil := base << (n - 1)
	if ceil <= 0 {
		return base
	}
	return time.Duration(rand.Int64N(int64(ceil) + 1))
}
