package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrHandlerNotFound      = errors.New("handler not found")
	ErrHandlerAlreadyExists = errors.New("handler already registered")
)

// Handler processes one inbound request. The returned value becomes the
// response payload.
type Handler interface {
	Handle(ctx context.Context, msg Message) (any, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, msg Message) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, msg Message) (any, error) { return f(ctx, msg) }

// Registry maps message types to handlers
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates a new handler registry
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for a message type
func (r *Registry) Register(msgType string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[msgType]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerAlreadyExists, msgType)
	}

	r.handlers[msgType] = h
	return nil
}

// Get retrieves the handler for a message type
func (r *Registry) Get(msgType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, exists := r.handlers[msgType]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotFound, msgType)
	}

	return h, nil
}

// List returns all registered message types, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Unregister removes the handler for a message type
func (r *Registry) Unregister(msgType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[msgType]; !exists {
		return fmt.Errorf("%w: %s", ErrHandlerNotFound, msgType)
	}

	delete(r.handlers, msgType)
	return nil
}
