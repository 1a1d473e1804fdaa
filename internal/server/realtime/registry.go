package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/inline-chat/inline-sub015/wire"
)

// Caller identifies the authenticated connection an RPC arrived on.
type Caller struct {
	ConnID    string
	UserID    int64
	SessionID string
}

// Handler executes one RPC method. The returned payload becomes the
// rpcResult body; a returned *Error becomes a typed rpcError, any other
// error maps to an internal rpcError.
type Handler func(ctx context.Context, caller Caller, input json.RawMessage) (json.RawMessage, error)

// Error is a typed RPC application error surfaced verbatim to the caller.
type Error struct {
	Code    wire.RPCErrorCode
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Errorf builds a typed RPC error.
func Errorf(code wire.RPCErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Registry maps RPC method names to handlers in a concurrency-safe way.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a method name, replacing any previous binding.
func (r *Registry) Register(method string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = handler
}

// Lookup returns the handler for a method.
func (r *Registry) Lookup(method string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[method]
	return h, ok
}

// Methods returns the registered method names.
func (r *Registry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	methods := make([]string, 0, len(r.handlers))
	for m := range r.handlers {
		methods = append(methods, m)
	}
	return methods
}
