package network

import (
	"context"
	"time"
)

const (
	retryStart = 500 * time.Millisecond
	retryMax   = 10 * time.Second
)

// Retry is an exponential backoff between reconnection attempts.
type Retry struct {
	t time.Duration
}

func NewRetry() Retry { return Retry{t: retryStart} }

// Fail waits for the current backoff time and doubles it.
// It returns false if the context is done while waiting.
func (r *Retry) Fail(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(r.t):
	}
	r.t *= 2
	if r.t > retryMax {
		r.t = retryMax
	}
	return true
}

func (r *Retry) Success()            { r.t = retryStart }
func (r *Retry) Time() time.Duration { return r.t }
