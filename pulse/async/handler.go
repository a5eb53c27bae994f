package async

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// TaskHandler executes one kind of task.
// Domain packages implement this interface so the queue stays decoupled
// from job semantics.
type TaskHandler interface {
	// Execute runs the task. Handlers must watch ctx.Done() and return
	// promptly once the hard time limit cancels it.
	Execute(ctx context.Context, task *Task) error

	// Name returns the handler name used to route tasks (e.g. "jobs.run_job").
	Name() string
}

// TimeoutHandler is implemented by handlers that need to record a hard
// time-limit expiry themselves. The context passed to OnTimeout is not
// cancelled.
type TimeoutHandler interface {
	OnTimeout(ctx context.Context, task *Task, err error)
}

// TaskExecutor runs a task through whatever handler owns it.
type TaskExecutor interface {
	Execute(ctx context.Context, task *Task) error
}

// HandlerRegistry manages task handlers by name.
// Thread-safe for concurrent handler registration and lookup.
type HandlerRegistry struct {
	handlers map[string]TaskHandler
	mu       sync.RWMutex
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]TaskHandler),
	}
}

// Register adds a handler using its name.
// Panics if a handler is already registered with that name.
func (r *HandlerRegistry) Register(handler TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	handlerName := handler.Name()
	if _, exists := r.handlers[handlerName]; exists {
		panic(fmt.Sprintf("handler already registered for name: %s", handlerName))
	}
	r.handlers[handlerName] = handler
}

// Get retrieves the handler for a handler name.
// Returns nil if no handler is registered.
func (r *HandlerRegistry) Get(handlerName string) TaskHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[handlerName]
}

// Has checks if a handler is registered for a name.
func (r *HandlerRegistry) Has(handlerName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[handlerName]
	return exists
}

// Names returns all registered handler names, sorted.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegistryExecutor adapts a HandlerRegistry to the TaskExecutor interface.
type RegistryExecutor struct {
	registry *HandlerRegistry
}

// NewRegistryExecutor creates an executor backed by a handler registry.
func NewRegistryExecutor(registry *HandlerRegistry) *RegistryExecutor {
	return &RegistryExecutor{registry: registry}
}

// Execute dispatches to the registered handler.
func (e *RegistryExecutor) Execute(ctx context.Context, task *Task) error {
	if task.HandlerName == "" {
		return fmt.Errorf("task missing handler_name")
	}

	handler := e.registry.Get(task.HandlerName)
	if handler == nil {
		return fmt.Errorf("no handler registered for handler name: %s", task.HandlerName)
	}
	return handler.Execute(ctx, task)
}

// OnTimeout forwards to the task's handler when it implements TimeoutHandler.
func (e *RegistryExecutor) OnTimeout(ctx context.Context, task *Task, err error) {
	if th, ok := e.registry.Get(task.HandlerName).(TimeoutHandler); ok {
		th.OnTimeout(ctx, task, err)
	}
}
