package executor

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// Class buckets a submission error for the retry loop.
type Class int

const (
	// ClassFatal ends the attempt immediately.
	ClassFatal Class = iota
	// ClassRetryable re-enters the backoff loop with re-priced gas.
	ClassRetryable
	// ClassNonceInvalid is retryable and additionally forces a nonce refresh.
	ClassNonceInvalid
)

// Substrings of node error messages that indicate the local nonce cursor
// diverged from the network.
var nonceErrors = []string{
	"nonce too low",
	"nonce too high",
	"invalid nonce",
	"nonce gap",
}

// Substrings indicating a transient transport or mempool condition worth
// retrying with fresh gas.
var transientErrors = []string{
	"replacement transaction underpriced",
	"transaction underpriced",
	"already known",
	"connection refused",
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"request timed out",
	"too many requests",
	"EOF",
}

// Classify maps a submission error to its retry class. Anything not
// recognizably transient is fatal: a simulation-predicted revert, a
// malformed payload, or an authorization failure never gets a retry.
func Classify(err error) Class {
	if err == nil {
		return ClassFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassRetryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassRetryable
	}
	msg := err.Error()
	for _, s := range nonceErrors {
		if strings.Contains(msg, s) {
			return ClassNonceInvalid
		}
	}
	for _, s := range transientErrors {
		if strings.Contains(msg, s) {
			return ClassRetryable
		}
	}
	return ClassFatal
}

// Backoff computes the delay before a retry attempt: the base delay grows by
// a fixed multiplier per attempt up to a ceiling.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
}

// Delay returns the wait before the given attempt (attempt 1 = first retry).
func (b Backoff) Delay(attempt int) time.Duration {
	d := float64(b.Base)
	for i := 1; i < attempt; i++ {
		d *= b.Multiplier
		if time.Duration(d) >= b.Max {
			return b.Max
		}
	}
	if time.Duration(d) > b.Max {
		return b.Max
	}
	return time.Duration(d)
}

// sleep waits for d or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
