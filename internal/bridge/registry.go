package bridge

import (
	"sync"

	"github.com/bridgelabs/webbridge/internal/infrastructure/logging"
	"go.uber.org/zap"
)

// Handler implements one named action. It receives the request payload
// and returns a response payload or a typed failure; it may mutate host
// state but must not retain the payload slice.
type Handler func(payload []byte) ([]byte, error)

// Registry maps action names to handlers. Registration is
// last-writer-wins so higher-priority integrators can override defaults;
// an override is logged because silent replacement hides
// misconfiguration when two integrators collide unintentionally.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	log      *logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logging.Logger) *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		log:      log.Named("registry"),
	}
}

// Register adds or replaces the handler for an action.
func (r *Registry) Register(action string, h Handler) {
	if action == "" || h == nil {
		r.log.Warn("ignoring invalid registration", zap.String("action", action))
		return
	}

	r.mu.Lock()
	_, overridden := r.handlers[action]
	r.handlers[action] = h
	r.mu.Unlock()

	if overridden {
		r.log.Warn("handler overridden", zap.String("action", action))
	} else {
		r.log.Debug("handler registered", zap.String("action", action))
	}
}

// Unregister removes the handler for an action.
func (r *Registry) Unregister(action string) {
	r.mu.Lock()
	delete(r.handlers, action)
	r.mu.Unlock()
}

// Lookup returns the handler for an action.
func (r *Registry) Lookup(action string) (Handler, bool) {
	r.mu.RLock()
	h, ok := r.handlers[action]
	r.mu.RUnlock()
	return h, ok
}

// Names returns the registered action names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
