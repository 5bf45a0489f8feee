// Package handlers maps job names to the code that runs them.
package handlers

import (
	"context"
	"sort"
	"sync"

	"mailflow/internal/domain"
)

// Handler processes jobs with a specific name.
type Handler interface {
	JobName() string
	Handle(ctx context.Context, job *domain.Job, progress func(percent int)) ([]byte, error)
}

// Registry maps job names to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler, replacing any previous one for the same name.
// Safe to call concurrently.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.JobName()] = h
}

// Get returns the handler for name, or InvalidJobNameError.
func (r *Registry) Get(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, &domain.InvalidJobNameError{JobName: name}
	}
	return h, nil
}

func (r *Registry) Has(name string) bool {
	_, err := r.Get(name)
	return err == nil
}

// Names returns the registered job names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Process dispatches job to its handler. An unknown name is a permanent
// failure.
func (r *Registry) Process(ctx context.Context, job *domain.Job, progress func(percent int)) ([]byte, error) {
	h, err := r.Get(job.Name)
	if err != nil {
		return nil, err
	}
	return h.Handle(ctx, job, progress)
}
