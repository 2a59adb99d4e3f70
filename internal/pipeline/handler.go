package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// StepStatus is what a handler reports back. The executor interprets
// nothing beyond this field; Output is opaque payload.
type StepStatus string

const (
	StepSuccess StepStatus = "SUCCESS"
	StepFailed  StepStatus = "FAILED"
)

// StepResult is the outcome of one handler invocation.
type StepResult struct {
	Status StepStatus      `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
}

// RunContext carries run-scoped information into a handler. Outputs holds
// the opaque results of steps from earlier levels; it is never mutated
// while a level is in flight.
type RunContext struct {
	RunID      uuid.UUID
	TenantID   uuid.UUID
	PipelineID uuid.UUID
	Params     map[string]string
	Outputs    map[string]json.RawMessage
}

// Handler executes one step. Transient failures should be reported via
// errclass.NewTransient so the retry manager can tell them apart from
// permanent ones.
type Handler func(ctx context.Context, step Step, rc RunContext) (StepResult, error)

// Registry maps handler references to implementations. Handlers are
// dependency-injected at composition time; there is no process-global
// registry.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler under the given reference name.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return fmt.Errorf("empty handler name")
	}
	if h == nil {
		return fmt.Errorf("nil handler for %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("handler %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// Get looks up a handler by reference name.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}
