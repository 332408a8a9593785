// Package cancel tracks in-flight inbound calls so the peer can cancel them by
// ID.
//
// Peers may reuse an ID once the call that carried it has completed. Each
// registration is therefore stamped with a cookie drawn from a counter that
// advances once per registration, and an entry is only removed by the
// registration that created it. A late cleanup from an earlier call can never
// delete the entry of a newer call that reused the same ID. If two live calls
// share an ID the most recent one wins and the older one can no longer be
// cancelled.
package cancel

import (
	"context"
	"errors"
	"sync"
)

// ErrCancelled is the cancellation cause attached to contexts cancelled on
// the peer's request.
var ErrCancelled = errors.New("request cancelled by peer")

type entry struct {
	cancel context.CancelCauseFunc
	cookie uint64
}

// Registry maps request keys to cancellation triggers.
type Registry struct {
	mu         sync.Mutex
	entries    map[string]entry
	nextCookie uint64
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register derives a cancellable context for the call identified by key and
// records it. The returned release func must run when the call is finished;
// it is idempotent. The cookie identifies this registration.
func (r *Registry) Register(ctx context.Context, key string) (context.Context, func(), uint64) {
	callCtx, cancel := context.WithCancelCause(ctx)

	r.mu.Lock()
	cookie := r.nextCookie
	r.nextCookie++
	r.entries[key] = entry{cancel: cancel, cookie: cookie}
	r.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			if e, ok := r.entries[key]; ok && e.cookie == cookie {
				delete(r.entries, key)
			}
			r.mu.Unlock()
			cancel(context.Canceled)
		})
	}
	return callCtx, release, cookie
}

// Cancel triggers cancellation of the live call registered under key. It
// reports whether such a call existed; cancelling a completed or unknown call
// is a no-op.
func (r *Registry) Cancel(key string) bool {
	r.mu.Lock()
	e, ok := r.entries[key]
	r.mu.Unlock()
	if !ok {
		return false
	}
	e.cancel(ErrCancelled)
	return true
}

// CancelAll cancels every live call. Entries stay registered until their
// owners release them.
func (r *Registry) CancelAll(cause error) {
	if cause == nil {
		cause = ErrCancelled
	}
	r.mu.Lock()
	cancels := make([]context.CancelCauseFunc, 0, len(r.entries))
	for _, e := range r.entries {
		cancels = append(cancels, e.cancel)
	}
	r.mu.Unlock()

	for _, c := range cancels {
		c(cause)
	}
}

// Len returns the number of live registrations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
