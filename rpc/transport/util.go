package transport

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"

	"github.com/ValentinKolb/dCtx/lib/store"
)

// RequestContext bounds ctx with the default timeout if ctx carries no deadline.
// A zero timeout leaves ctx unbounded.
func RequestContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// SendError wraps a delivery failure as store.ErrSend.
func SendError(endpoint string, err error) error {
	return store.Errorf(store.RetCSendError, "send to %s: %v", endpoint, err)
}

// TimeoutError maps a missing response to store.ErrTimeout.
func TimeoutError(endpoint string, err error) error {
	return store.Errorf(store.RetCTimeout, "no response from %s: %v", endpoint, err)
}

// IsTimeout reports whether err is a deadline or a net timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Backoff sleeps for the given attempt with exponential backoff and a small
// random jitter (+-10%). It returns false if ctx ended first.
func Backoff(ctx context.Context, attempt int) bool {
	backoffMs := 50 << attempt
	jitter := float64(backoffMs) * (0.9 + 0.2*rand.Float64())
	timer := time.NewTimer(time.Duration(jitter) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
