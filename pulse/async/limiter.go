package async

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/teranos/jobkit/errors"
)

// ErrRateLimited is returned by Allow when the window is exhausted.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimiter gates how many tasks a pool starts
type RateLimiter interface {
	Allow() error
	Stats() (callsInWindow int, callsRemaining int)
}

// MinuteLimiter allows perMinute task starts per rolling minute.
type MinuteLimiter struct {
	limiter   *rate.Limiter
	perMinute int
	window    time.Duration

	mu    sync.Mutex
	calls []time.Time
	now   func() time.Time
}

// NewMinuteLimiter returns a limiter that refills evenly across the minute
// with a burst of perMinute.
func NewMinuteLimiter(perMinute int) *MinuteLimiter {
	perMinute = max(perMinute, 1)
	return &MinuteLimiter{
		limiter:   rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		perMinute: perMinute,
		window:    time.Minute,
		now:       time.Now,
	}
}

// Allow consumes one token, returning ErrRateLimited when none is left.
func (l *MinuteLimiter) Allow() error {
	if !l.limiter.Allow() {
		return ErrRateLimited
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.pruneLocked(), l.now())
	return nil
}

// Stats reports calls made in the last minute and how many remain.
func (l *MinuteLimiter) Stats() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = l.pruneLocked()
	inWindow := len(l.calls)
	return inWindow, max(l.perMinute-inWindow, 0)
}

func (l *MinuteLimiter) pruneLocked() []time.Time {
	cutoff := l.now().Add(-l.window)
	i := 0
	for i < len(l.calls) && l.calls[i].Before(cutoff) {
		i++
	}
	return l.calls[i:]
}
