package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/sagecrm/drip/errors"
)

// StepHandler performs the side effect of one automation step: send an
// email or SMS, check a meeting, verify a link. Handlers must honor
// context cancellation on blocking calls.
type StepHandler interface {
	Execute(ctx context.Context, job *Job) error
}

// HandlerFunc adapts a function to the StepHandler interface.
type HandlerFunc func(ctx context.Context, job *Job) error

// Execute implements StepHandler.
func (f HandlerFunc) Execute(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

type stepKey struct {
	workflowType Type
	stepName     string
}

// Registry maps (workflow type, step name) to a handler.
// Thread-safe for concurrent registration and lookup.
type Registry struct {
	handlers map[stepKey]StepHandler
	mu       sync.RWMutex
}

// NewRegistry creates an empty step registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[stepKey]StepHandler),
	}
}

// Register adds a handler for a (workflow type, step name) pair.
// Panics if a handler is already registered for that pair.
func (r *Registry) Register(workflowType Type, stepName string, handler StepHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := stepKey{workflowType, stepName}
	if _, exists := r.handlers[key]; exists {
		panic(fmt.Sprintf("handler already registered for %s/%s", workflowType, stepName))
	}
	r.handlers[key] = handler
}

// Lookup retrieves the handler for a (workflow type, step name) pair.
func (r *Registry) Lookup(workflowType Type, stepName string) (StepHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[stepKey{workflowType, stepName}]
	return h, ok
}

// Steps returns all registered (workflow type, step name) pairs.
func (r *Registry) Steps() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	steps := make([]string, 0, len(r.handlers))
	for key := range r.handlers {
		steps = append(steps, fmt.Sprintf("%s/%s", key.workflowType, key.stepName))
	}
	return steps
}

// Executor dispatches jobs to registered handlers and nothing else; all
// business logic lives in the handlers.
type Executor struct {
	registry *Registry
}

// NewExecutor creates an executor backed by a step registry.
func NewExecutor(registry *Registry) *Executor {
	return &Executor{registry: registry}
}

// Execute routes the job to its handler. An unregistered (workflow type,
// step name) pair is a configuration mismatch, not a transient condition:
// it returns ErrUnknownStep and the job must be failed without retry.
func (e *Executor) Execute(ctx context.Context, job *Job) error {
	handler, ok := e.registry.Lookup(job.Type, job.StepName)
	if !ok {
		return errors.Wrapf(errors.ErrUnknownStep, "%s/%s", job.Type, job.StepName)
	}
	return handler.Execute(ctx, job)
}
