package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/autoweave/autoweave/internal/job"
)

// Reporter lets a processor publish progress and log lines that are
// persisted with the job record.
type Reporter interface {
	// Progress reports a 0-100 percentage with optional structured detail
	Progress(ctx context.Context, percent int, detail json.RawMessage) error
	// Log appends a log line to the job record
	Log(ctx context.Context, level, message string) error
}

// ProcessorFunc processes a single job. The returned bytes become the job's
// result payload. Returning an error wrapped with errors.Permanent skips
// remaining retries.
type ProcessorFunc func(ctx context.Context, j *job.Job, rep Reporter) ([]byte, error)

// Registry maps job kinds to their processors. Every kind gets exactly one
// processor; submission of a kind with no processor is rejected upstream.
type Registry struct {
	mu         sync.RWMutex
	processors map[job.Kind]ProcessorFunc
}

// NewRegistry creates an empty processor registry
func NewRegistry() *Registry {
	return &Registry{
		processors: make(map[job.Kind]ProcessorFunc),
	}
}

// Register binds a processor to a kind. Unknown kinds and duplicate
// registrations are errors.
func (r *Registry) Register(kind job.Kind, fn ProcessorFunc) error {
	if !kind.Valid() {
		return fmt.Errorf("cannot register processor for unknown kind %q", kind)
	}
	if fn == nil {
		return fmt.Errorf("processor for kind %q is nil", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.processors[kind]; exists {
		return fmt.Errorf("processor already registered for kind %q", kind)
	}
	r.processors[kind] = fn
	return nil
}

// Get retrieves the processor for a kind
func (r *Registry) Get(kind job.Kind) (ProcessorFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.processors[kind]
	return fn, ok
}

// Has reports whether a processor is registered for the kind
func (r *Registry) Has(kind job.Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.processors[kind]
	return ok
}

// Kinds returns the registered kinds
func (r *Registry) Kinds() []job.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]job.Kind, 0, len(r.processors))
	for k := range r.processors {
		kinds = append(kinds, k)
	}
	return kinds
}

// Count returns the number of registered processors
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.processors)
}
