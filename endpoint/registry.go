package endpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ggoodman/lsp-server-go/internal/jsonrpc"
)

// CallHandler serves one inbound call. It must eventually reply exactly once
// through reply, either before returning or later from another goroutine. A
// non-nil error returned before replying is sent to the peer as the reply.
type CallHandler func(ctx context.Context, params json.RawMessage, reply *Reply) error

// NotificationHandler serves one inbound notification. Notifications are run
// inline in arrival order, so handlers should not block. A returned error is
// logged; notifications have no reply channel.
type NotificationHandler func(ctx context.Context, params json.RawMessage) error

// Registry maps method names to handlers. It is populated before Run and
// frozen for the lifetime of the endpoint once Run starts.
type Registry struct {
	mu            sync.RWMutex
	calls         map[string]CallHandler
	notifications map[string]NotificationHandler
	frozen        bool
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		calls:         make(map[string]CallHandler),
		notifications: make(map[string]NotificationHandler),
	}
}

// HandleCall registers h for method. It panics if the registry is frozen or
// method already has a call handler.
func (r *Registry) HandleCall(method string, h CallHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mustBeOpen(method)
	if _, ok := r.calls[method]; ok {
		panic(fmt.Sprintf("endpoint: duplicate call handler for %q", method))
	}
	r.calls[method] = h
}

// HandleNotification registers h for method. It panics if the registry is
// frozen or method already has a notification handler.
func (r *Registry) HandleNotification(method string, h NotificationHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mustBeOpen(method)
	if _, ok := r.notifications[method]; ok {
		panic(fmt.Sprintf("endpoint: duplicate notification handler for %q", method))
	}
	r.notifications[method] = h
}

func (r *Registry) mustBeOpen(method string) {
	if r.frozen {
		panic(fmt.Sprintf("endpoint: registry is frozen, cannot register %q", method))
	}
}

func (r *Registry) freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

func (r *Registry) call(method string) (CallHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.calls[method]
	return h, ok
}

func (r *Registry) notification(method string) (NotificationHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.notifications[method]
	return h, ok
}

// Method registers a synchronous typed call handler: params are decoded into
// P and the returned R is sent as the result.
func Method[P, R any](r *Registry, method string, fn func(ctx context.Context, params P) (R, error)) {
	r.HandleCall(method, func(ctx context.Context, raw json.RawMessage, reply *Reply) error {
		var params P
		if err := decodeParams(raw, &params); err != nil {
			return err
		}
		res, err := fn(ctx, params)
		if err != nil {
			return err
		}
		reply.Result(res)
		return nil
	})
}

// AsyncMethod registers a typed call handler that owns its Reply and may
// answer after returning.
func AsyncMethod[P any](r *Registry, method string, fn func(ctx context.Context, params P, reply *Reply) error) {
	r.HandleCall(method, func(ctx context.Context, raw json.RawMessage, reply *Reply) error {
		var params P
		if err := decodeParams(raw, &params); err != nil {
			return err
		}
		return fn(ctx, params, reply)
	})
}

// Notification registers a typed notification handler.
func Notification[P any](r *Registry, method string, fn func(ctx context.Context, params P) error) {
	r.HandleNotification(method, func(ctx context.Context, raw json.RawMessage) error {
		var params P
		if err := decodeParams(raw, &params); err != nil {
			return err
		}
		return fn(ctx, params)
	})
}

// decodeParams leaves v untouched for absent or null params.
func decodeParams(raw json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return jsonrpc.Errorf(jsonrpc.ErrorCodeInvalidParams, "invalid params: %v", err)
	}
	return nil
}
