package inbox

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/xraph/backbone/envelope"
)

// Handler processes one envelope. The returned value, if non-nil, is
// stored as the row's result.
type Handler interface {
	Handle(ctx context.Context, env *envelope.Envelope) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env *envelope.Envelope) (any, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, env *envelope.Envelope) (any, error) {
	return f(ctx, env)
}

// Keyed is implemented by handlers whose side effects are identified by a
// business key rather than by the transport event id. An empty key
// disables the secondary check for that envelope.
type Keyed interface {
	IdempotencyKey(env *envelope.Envelope) (string, error)
}

// Registry maps event types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds h to eventType.
func (r *Registry) Register(eventType string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[eventType]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerExists, eventType)
	}
	r.handlers[eventType] = h
	return nil
}

// HandleFunc binds fn to eventType.
func (r *Registry) HandleFunc(eventType string, fn func(ctx context.Context, env *envelope.Envelope) (any, error)) error {
	return r.Register(eventType, HandlerFunc(fn))
}

// Lookup returns the handler bound to eventType.
func (r *Registry) Lookup(eventType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[eventType]
	return h, ok
}

// Types returns the registered event types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
