package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/lsp-server-go/internal/cancel"
	"github.com/ggoodman/lsp-server-go/internal/jsonrpc"
	"github.com/ggoodman/lsp-server-go/internal/logctx"
	"github.com/ggoodman/lsp-server-go/internal/outbound"
	"github.com/ggoodman/lsp-server-go/internal/trace"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Lifecycle methods the endpoint understands without a registered handler.
const (
	MethodInitialize    = "initialize"
	MethodShutdown      = "shutdown"
	MethodExit          = "exit"
	MethodCancelRequest = "$/cancelRequest"
)

const (
	stateUninitialized int32 = iota
	stateInitializing
	stateInitialized
)

var errTeardown = errors.New("endpoint shutting down")

// Endpoint dispatches inbound frames to registered handlers and correlates
// outbound calls with their replies. Construct with New, register handlers on
// the Registry, then call Run.
type Endpoint struct {
	id      string
	log     *slog.Logger
	reg     *Registry
	calls   *outbound.Table
	cancels *cancel.Registry
	sem     *semaphore.Weighted

	outboundCapacity   int
	maxConcurrentCalls int64
	strictReplies      bool

	writeMu sync.Mutex
	conn    Conn

	running          atomic.Bool
	closing          atomic.Bool
	state            atomic.Int32
	shutdownReceived atomic.Bool
	handlers         sync.WaitGroup
}

// New constructs an Endpoint serving reg. A nil registry serves only the
// built-in lifecycle methods.
func New(reg *Registry, opts ...Option) *Endpoint {
	if reg == nil {
		reg = NewRegistry()
	}
	e := &Endpoint{
		id:               uuid.NewString(),
		log:              slog.Default(),
		reg:              reg,
		cancels:          cancel.New(),
		outboundCapacity: outbound.DefaultCapacity,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.calls = outbound.New(outbound.WithCapacity(e.outboundCapacity), outbound.WithLogger(e.log))
	if e.maxConcurrentCalls > 0 {
		e.sem = semaphore.NewWeighted(e.maxConcurrentCalls)
	}
	return e
}

// ID returns the endpoint's identifier.
func (e *Endpoint) ID() string { return e.id }

// Initialized reports whether the initialize handshake completed.
func (e *Endpoint) Initialized() bool { return e.state.Load() == stateInitialized }

// ShutdownReceived reports whether a shutdown call was answered successfully.
func (e *Endpoint) ShutdownReceived() bool { return e.shutdownReceived.Load() }

// PendingCalls returns the number of outbound calls awaiting a reply.
func (e *Endpoint) PendingCalls() int { return e.calls.Len() }

// Run reads frames from conn and dispatches them until the peer sends exit,
// the transport fails, or ctx ends. Run closes conn before returning.
//
// It returns nil only when exit followed a successful shutdown. An exit
// without shutdown yields ErrExitWithoutShutdown; framing and decoding
// failures wrap ErrMalformedFrame.
func (e *Endpoint) Run(ctx context.Context, conn Conn) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	e.reg.freeze()

	e.writeMu.Lock()
	e.conn = conn
	e.writeMu.Unlock()

	data := &logctx.EndpointData{EndpointID: e.id}
	if f, ok := conn.(framer); ok {
		data.Framing = f.Framing()
	}
	ctx = logctx.WithEndpointData(ctx, data)
	e.log.InfoContext(ctx, "endpoint.run.start")

	g, gctx := errgroup.WithContext(ctx)
	loopDone := make(chan struct{})
	g.Go(func() error {
		defer close(loopDone)
		return e.readLoop(gctx, conn)
	})
	g.Go(func() error {
		// Close unblocks a Read stuck on a peer that went quiet.
		select {
		case <-gctx.Done():
			if err := conn.Close(); err != nil {
				e.log.DebugContext(ctx, "endpoint.run.close_err", slog.String("err", err.Error()))
			}
		case <-loopDone:
		}
		return nil
	})
	err := g.Wait()

	e.teardown()
	if cerr := conn.Close(); cerr != nil {
		e.log.DebugContext(ctx, "endpoint.run.close_err", slog.String("err", cerr.Error()))
	}

	if err != nil {
		e.log.InfoContext(ctx, "endpoint.run.stop", slog.String("err", err.Error()))
	} else {
		e.log.InfoContext(ctx, "endpoint.run.stop")
	}
	return err
}

func (e *Endpoint) readLoop(ctx context.Context, conn Conn) error {
	for {
		frame, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			if errors.Is(err, ErrMalformedFrame) {
				e.log.ErrorContext(ctx, "endpoint.read.malformed", slog.String("err", err.Error()))
				return err
			}
			return fmt.Errorf("read frame: %w", err)
		}

		stop, err := e.dispatch(ctx, frame)
		if err != nil {
			return err
		}
		if stop {
			if e.shutdownReceived.Load() {
				return nil
			}
			e.log.WarnContext(ctx, "endpoint.exit.without_shutdown")
			return ErrExitWithoutShutdown
		}
	}
}

// dispatch routes one frame and reports whether the loop should stop.
func (e *Endpoint) dispatch(ctx context.Context, frame []byte) (bool, error) {
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		e.log.ErrorContext(ctx, "endpoint.read.malformed", slog.String("err", err.Error()))
		return false, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch msg.Type() {
	case "notification":
		return !e.OnNotification(ctx, msg.Method, msg.Params), nil
	case "request":
		e.OnCall(ctx, msg.Method, msg.Params, msg.ID)
	default:
		e.OnReply(ctx, msg.ID, msg.Result, msg.Error)
	}
	return false, nil
}

func (e *Endpoint) teardown() {
	e.closing.Store(true)
	e.cancels.CancelAll(errTeardown)
	e.handlers.Wait()
	e.calls.Close(outbound.ErrClosed)
}

// OnNotification handles one inbound notification and reports whether the
// endpoint should keep reading. Only exit stops it.
func (e *Endpoint) OnNotification(ctx context.Context, method string, params json.RawMessage) bool {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: method, Type: "notification"})
	e.log.DebugContext(ctx, "endpoint.notify.recv")

	if method == MethodExit {
		return false
	}

	if h, ok := e.reg.notification(method); ok {
		if err := e.runNotification(ctx, h, params); err != nil {
			e.log.ErrorContext(ctx, "endpoint.notify.fail", slog.String("err", err.Error()))
		}
		return true
	}

	if e.state.Load() == stateUninitialized {
		e.log.WarnContext(ctx, "endpoint.notify.before_init")
		return true
	}

	if method == MethodCancelRequest {
		e.onCancel(ctx, params)
		return true
	}

	e.log.InfoContext(ctx, "endpoint.notify.unhandled")
	return true
}

func (e *Endpoint) runNotification(ctx context.Context, h NotificationHandler, params json.RawMessage) (err error) {
	defer func() {
		if p := recover(); p != nil {
			e.log.ErrorContext(ctx, "endpoint.notify.panic", slog.Any("panic", p), slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("notification handler panic: %v", p)
		}
	}()
	return h(ctx, params)
}

type cancelParams struct {
	ID *jsonrpc.RequestID `json:"id"`
}

func (e *Endpoint) onCancel(ctx context.Context, params json.RawMessage) {
	var p cancelParams
	if err := json.Unmarshal(params, &p); err != nil || p.ID.IsNil() {
		e.log.WarnContext(ctx, "endpoint.cancel.invalid", slog.String("params", string(params)))
		return
	}
	found := e.cancels.Cancel(p.ID.Key())
	e.log.DebugContext(ctx, "endpoint.cancel", slog.String("request_id", p.ID.Key()), slog.Bool("had_cancel", found))
}

// OnCall handles one inbound call. Lifecycle and lookup failures are answered
// immediately; otherwise the handler runs on its own goroutine and OnCall
// returns without waiting for it.
func (e *Endpoint) OnCall(ctx context.Context, method string, params json.RawMessage, id *jsonrpc.RequestID) {
	msg := logctx.RPCMessage{Method: method, ID: id.String(), Type: "request"}
	ctx = logctx.WithRPCMessage(ctx, &msg)
	e.log.InfoContext(ctx, "endpoint.call.recv")

	span := trace.Start(e.log, method)
	span.Attach("params", params)

	h, ok := e.reg.call(method)

	var settle func(error)
	switch {
	case method == MethodInitialize:
		if !e.state.CompareAndSwap(stateUninitialized, stateInitializing) {
			e.replyNow(ctx, span, id, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidRequest, "server already initialized"))
			return
		}
		if !ok {
			e.state.Store(stateUninitialized)
			e.replyNow(ctx, span, id, jsonrpc.Errorf(jsonrpc.ErrorCodeMethodNotFound, "method not found: %s", method))
			return
		}
		settle = func(err error) {
			if err != nil {
				e.state.Store(stateUninitialized)
				return
			}
			e.state.Store(stateInitialized)
		}
	case e.state.Load() != stateInitialized:
		e.replyNow(ctx, span, id, jsonrpc.NewError(jsonrpc.ErrorCodeServerNotInitialized, "server not initialized"))
		return
	case method == MethodShutdown:
		if !ok {
			h, ok = replyNull, true
		}
		settle = func(err error) {
			if err == nil {
				e.shutdownReceived.Store(true)
			}
		}
	}

	if !ok {
		e.replyNow(ctx, span, id, jsonrpc.Errorf(jsonrpc.ErrorCodeMethodNotFound, "method not found: %s", method))
		return
	}

	// Registration happens before the next frame is read so a following
	// $/cancelRequest always finds the call.
	callCtx, release, cookie := e.cancels.Register(ctx, id.Key())
	withCookie := msg
	withCookie.Cookie = &cookie
	callCtx = logctx.WithRPCMessage(callCtx, &withCookie)

	reply := newReply(e, callCtx, id, method, span, release, settle)
	e.handlers.Add(1)
	go e.runCall(callCtx, h, params, reply)
}

func replyNull(_ context.Context, _ json.RawMessage, reply *Reply) error {
	reply.Result(nil)
	return nil
}

func (e *Endpoint) runCall(ctx context.Context, h CallHandler, params json.RawMessage, reply *Reply) {
	defer e.handlers.Done()

	if e.sem != nil {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			reply.Error(context.Cause(ctx))
			return
		}
		defer e.sem.Release(1)
	}

	defer func() {
		if p := recover(); p != nil {
			if dre, ok := p.(*DoubleReplyError); ok {
				panic(dre)
			}
			e.log.ErrorContext(ctx, "endpoint.call.panic", slog.Any("panic", p), slog.String("stack", string(debug.Stack())))
			if !reply.Replied() {
				reply.Error(jsonrpc.Errorf(jsonrpc.ErrorCodeInternalError, "handler panic: %v", p))
			}
		}
	}()

	err := h(ctx, params, reply)
	if err == nil {
		return
	}
	if reply.Replied() {
		e.log.WarnContext(ctx, "endpoint.call.err_after_reply", slog.String("err", err.Error()))
		return
	}
	if cause := context.Cause(ctx); errors.Is(cause, cancel.ErrCancelled) {
		err = cause
	}
	reply.Error(err)
}

// replyNow answers a call that never reached a handler.
func (e *Endpoint) replyNow(ctx context.Context, span *trace.Span, id *jsonrpc.RequestID, rpcErr *jsonrpc.Error) {
	span.Attach("error", rpcErr.Message)
	dur := span.End(ctx)
	e.log.InfoContext(ctx, "endpoint.reply",
		slog.String("id", id.String()),
		slog.Int64("dur_ms", dur.Milliseconds()),
		slog.String("err", rpcErr.Error()))
	if err := e.write(ctx, jsonrpc.NewErrorObjectResponse(id, rpcErr)); err != nil {
		e.log.ErrorContext(ctx, "endpoint.reply.write_fail", slog.String("err", err.Error()))
	}
}

// OnReply routes a reply from the peer to the outbound call it answers.
// Replies that match no pending call are logged and discarded.
func (e *Endpoint) OnReply(ctx context.Context, id *jsonrpc.RequestID, result json.RawMessage, rpcErr *jsonrpc.Error) {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{ID: id.String(), Type: "response"})
	if n, ok := id.Int64(); ok && e.calls.Resolve(n, result, rpcErr) {
		e.log.DebugContext(ctx, "endpoint.reply.recv")
		return
	}
	e.log.WarnContext(ctx, "endpoint.reply.unknown", slog.String("id", id.Key()))
}

// Notify sends a notification to the peer.
func (e *Endpoint) Notify(ctx context.Context, method string, params any) error {
	req, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	e.log.DebugContext(ctx, "endpoint.notify.send", slog.String("method", method))
	return e.write(ctx, req)
}

// Call sends a call to the peer and returns its ID. cb runs exactly once:
// with the peer's reply, with outbound.ErrNoReply if the call is evicted by
// newer calls, with outbound.ErrClosed when the endpoint stops, or with the
// write error if the call could not be sent. cb runs on the read loop and
// must not block.
func (e *Endpoint) Call(ctx context.Context, method string, params any, cb outbound.Callback) (int64, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return -1, err
	}
	id := e.calls.Bind(cb)
	if err := e.writeRequest(ctx, id, method, raw); err != nil {
		if e.calls.Forget(id) {
			cb(nil, err)
		}
		return id, err
	}
	return id, nil
}

// CallSync sends a call and waits for its reply. If ctx ends first the call
// is forgotten and the peer is asked to cancel it. A reply carrying an error
// is returned as a *jsonrpc.Error.
func (e *Endpoint) CallSync(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	result, id, err := e.calls.Await(ctx, func(id int64) error {
		return e.writeRequest(ctx, id, method, raw)
	})
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		if nerr := e.Notify(context.WithoutCancel(ctx), MethodCancelRequest, cancelParams{ID: jsonrpc.NewRequestID(id)}); nerr != nil {
			e.log.WarnContext(ctx, "endpoint.call.cancel_fail", slog.String("err", nerr.Error()))
		}
	}
	return result, err
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return b, nil
}

func (e *Endpoint) writeRequest(ctx context.Context, id int64, method string, params json.RawMessage) error {
	req := &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         method,
		Params:         params,
		ID:             jsonrpc.NewRequestID(id),
	}
	e.log.DebugContext(ctx, "endpoint.call.send", slog.String("method", method), slog.Int64("id", id))
	return e.write(ctx, req)
}

// write serializes v and sends it under the endpoint's single write lock.
func (e *Endpoint) write(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if e.conn == nil {
		return ErrNotRunning
	}
	return e.conn.Write(ctx, b)
}
