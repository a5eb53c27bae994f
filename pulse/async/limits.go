package async

import (
	"context"
	"time"
)

type softLimitKey struct{}

// withSoftLimit arms a channel that closes after d. A zero d never closes.
// The returned stop func releases the timer.
func withSoftLimit(ctx context.Context, d time.Duration) (context.Context, func()) {
	ch := make(chan struct{})
	if d <= 0 {
		return context.WithValue(ctx, softLimitKey{}, (<-chan struct{})(ch)), func() {}
	}
	t := time.AfterFunc(d, func() { close(ch) })
	return context.WithValue(ctx, softLimitKey{}, (<-chan struct{})(ch)), func() { t.Stop() }
}

// SoftLimit returns the channel closed once the running task passes its soft
// time limit. Outside a worker it returns nil, which never fires.
func SoftLimit(ctx context.Context) <-chan struct{} {
	ch, _ := ctx.Value(softLimitKey{}).(<-chan struct{})
	return ch
}

// effectiveLimits picks the task's own limits, falling back to the pool's.
func effectiveLimits(task *Task, cfg WorkerPoolConfig) (soft, hard time.Duration) {
	soft, hard = task.SoftTimeLimit, task.TimeLimit
	if soft <= 0 {
		soft = cfg.SoftTimeLimit
	}
	if hard <= 0 {
		hard = cfg.TimeLimit
	}
	return soft, hard
}
