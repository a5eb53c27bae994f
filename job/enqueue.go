package job

import (
	"context"

	"github.com/teranos/jobkit/pulse/async"
)

// Enqueuer hands a job run to the task queue and returns the task id.
type Enqueuer interface {
	Enqueue(ctx context.Context, req async.EnqueueRequest) (string, error)
}
