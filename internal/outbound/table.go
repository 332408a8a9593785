// Package outbound correlates calls this endpoint issues to the peer with the
// replies that eventually come back.
package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ggoodman/lsp-server-go/internal/jsonrpc"
)

// DefaultCapacity bounds the number of unanswered outbound calls.
const DefaultCapacity = 100

var (
	// ErrNoReply is delivered to a callback whose call was evicted because too
	// many newer calls were still waiting on the peer.
	ErrNoReply = errors.New("failed to receive a client reply")
	// ErrClosed is delivered to all pending callbacks when the table closes.
	ErrClosed = errors.New("outbound table closed")
)

// Callback receives the outcome of an outbound call exactly once. On success
// err is nil and result holds the raw reply; otherwise err is either a
// *jsonrpc.Error sent by the peer or one of the sentinels above.
type Callback func(result json.RawMessage, err error)

type pendingCall struct {
	id int64
	cb Callback
}

// Table assigns correlation IDs to outbound calls and routes replies back to
// the registered callbacks. It is bounded: once more than capacity calls are
// pending the oldest is failed with ErrNoReply. A genuine reply arriving for
// an evicted call is later discarded by Resolve.
type Table struct {
	log      *slog.Logger
	capacity int

	mu       sync.Mutex
	nextID   int64
	pending  []pendingCall // oldest first
	closed   bool
	closeErr error
}

// Option configures a Table.
type Option func(*Table)

// WithCapacity overrides DefaultCapacity. Non-positive values are ignored.
func WithCapacity(n int) Option {
	return func(t *Table) {
		if n > 0 {
			t.capacity = n
		}
	}
}

// WithLogger sets the logger used for eviction and close diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(t *Table) {
		if l != nil {
			t.log = l
		}
	}
}

// New constructs an empty Table.
func New(opts ...Option) *Table {
	t := &Table{log: slog.Default(), capacity: DefaultCapacity}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Bind registers cb and returns the ID to embed in the outbound call. If the
// table is closed cb is failed immediately and the returned ID is still
// unique.
func (t *Table) Bind(cb Callback) int64 {
	var (
		evicted  *pendingCall
		closeErr error
	)

	t.mu.Lock()
	id := t.nextID
	t.nextID++
	if t.closed {
		closeErr = t.closeErr
	} else {
		t.pending = append(t.pending, pendingCall{id: id, cb: cb})
		if len(t.pending) > t.capacity {
			oldest := t.pending[0]
			t.pending[0] = pendingCall{}
			t.pending = t.pending[1:]
			evicted = &oldest
		}
	}
	t.mu.Unlock()

	if closeErr != nil {
		cb(nil, closeErr)
		return id
	}
	if evicted != nil {
		t.log.Error("outbound.evict",
			slog.Int("capacity", t.capacity),
			slog.Int64("id", evicted.id))
		evicted.cb(nil, fmt.Errorf("%w for request (%d)", ErrNoReply, evicted.id))
	}
	return id
}

// Resolve delivers a reply to the callback registered under id. It reports
// whether a callback was found; unknown, evicted, and already resolved IDs
// are not errors.
func (t *Table) Resolve(id int64, result json.RawMessage, rpcErr *jsonrpc.Error) bool {
	pc, ok := t.take(id)
	if !ok {
		return false
	}
	if rpcErr != nil {
		pc.cb(nil, rpcErr)
	} else {
		pc.cb(result, nil)
	}
	return true
}

// Forget drops the callback for id without invoking it.
func (t *Table) Forget(id int64) bool {
	_, ok := t.take(id)
	return ok
}

func (t *Table) take(id int64) (pendingCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, pc := range t.pending {
		if pc.id == id {
			t.pending = append(t.pending[:i], t.pending[i+1:]...)
			return pc, true
		}
	}
	return pendingCall{}, false
}

// Len returns the number of calls still waiting on the peer.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Close fails every pending callback with err (ErrClosed when nil) and makes
// future Binds fail immediately.
func (t *Table) Close(err error) {
	if err == nil {
		err = ErrClosed
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.closeErr = err
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	for _, pc := range pending {
		pc.cb(nil, err)
	}
}

// Await is a convenience for blocking callers: it binds a callback backed by
// a channel, hands the ID to send, and waits for the reply or ctx. When ctx
// ends first the entry is forgotten and ctx's error is returned alongside the
// ID so the caller can tell the peer to stop.
func (t *Table) Await(ctx context.Context, send func(id int64) error) (json.RawMessage, int64, error) {
	type outcome struct {
		result json.RawMessage
		err    error
	}
	ch := make(chan outcome, 1)
	id := t.Bind(func(result json.RawMessage, err error) {
		ch <- outcome{result: result, err: err}
	})

	// A closed table fails the callback synchronously.
	select {
	case o := <-ch:
		return o.result, id, o.err
	default:
	}

	if err := send(id); err != nil {
		t.Forget(id)
		return nil, id, err
	}

	select {
	case o := <-ch:
		return o.result, id, o.err
	case <-ctx.Done():
		t.Forget(id)
		return nil, id, ctx.Err()
	}
}
