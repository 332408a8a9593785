package endpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"

	"github.com/ggoodman/lsp-server-go/internal/cancel"
	"github.com/ggoodman/lsp-server-go/internal/jsonrpc"
	"github.com/ggoodman/lsp-server-go/internal/trace"
)

// DoubleReplyError is the panic value raised under WithStrictReplies when a
// Reply is used twice.
type DoubleReplyError struct {
	Method string
	ID     string
}

func (e *DoubleReplyError) Error() string {
	return fmt.Sprintf("replied twice to %s(%s)", e.Method, e.ID)
}

// Reply is the single-use handle through which an inbound call is answered.
// The first use sends the response; later uses are logged and ignored. A
// Reply that is dropped without being used is noticed when it is garbage
// collected and answered with an InternalError on the handler's behalf.
type Reply struct {
	state   *replyState
	cleanup runtime.Cleanup
}

// replyState is everything a Reply needs to answer. It must never point back
// at its Reply, otherwise the Reply could not be collected.
type replyState struct {
	ep      *Endpoint
	ctx     context.Context
	id      *jsonrpc.RequestID
	method  string
	span    *trace.Span
	release func()
	settle  func(err error)
	replied atomic.Bool
}

func newReply(ep *Endpoint, ctx context.Context, id *jsonrpc.RequestID, method string, span *trace.Span, release func(), settle func(error)) *Reply {
	st := &replyState{
		ep:      ep,
		ctx:     ctx,
		id:      id,
		method:  method,
		span:    span,
		release: release,
		settle:  settle,
	}
	r := &Reply{state: st}
	r.cleanup = runtime.AddCleanup(r, (*replyState).dropped, st)
	return r
}

// ID returns the ID of the call being answered.
func (r *Reply) ID() *jsonrpc.RequestID { return r.state.id }

// Method returns the method of the call being answered.
func (r *Reply) Method() string { return r.state.method }

// Replied reports whether the call has been answered.
func (r *Reply) Replied() bool { return r.state.replied.Load() }

// Result answers the call successfully with v.
func (r *Reply) Result(v any) { r.Reply(v, nil) }

// Error answers the call with err. Errors that are not *jsonrpc.Error are
// mapped by jsonrpc.ErrorFrom; cancellation becomes RequestCancelled.
func (r *Reply) Error(err error) { r.Reply(nil, err) }

// Reply answers the call with result, or with err when it is non-nil.
func (r *Reply) Reply(result any, err error) {
	st := r.state
	if !st.replied.CompareAndSwap(false, true) {
		st.ep.log.ErrorContext(st.ctx, "endpoint.reply.twice",
			slog.String("method", st.method),
			slog.String("id", st.id.String()))
		if st.ep.strictReplies {
			panic(&DoubleReplyError{Method: st.method, ID: st.id.String()})
		}
		return
	}
	r.cleanup.Stop()
	st.send(result, err)
}

// dropped runs once the Reply has become unreachable.
func (st *replyState) dropped() {
	if !st.replied.CompareAndSwap(false, true) {
		return
	}
	if st.ep.closing.Load() {
		st.ep.log.DebugContext(st.ctx, "endpoint.reply.missing_on_teardown",
			slog.String("method", st.method),
			slog.String("id", st.id.String()))
		st.release()
		return
	}
	st.ep.log.ErrorContext(st.ctx, "endpoint.reply.missing",
		slog.String("method", st.method),
		slog.String("id", st.id.String()))
	st.send(nil, jsonrpc.NewError(jsonrpc.ErrorCodeInternalError, "server failed to reply"))
}

func (st *replyState) send(result any, err error) {
	defer st.release()

	var resp *jsonrpc.Response
	if err != nil {
		rpcErr := wireError(err)
		st.span.Attach("error", rpcErr.Message)
		resp = jsonrpc.NewErrorObjectResponse(st.id, rpcErr)
	} else {
		var encErr error
		resp, encErr = jsonrpc.NewResultResponse(st.id, result)
		if encErr != nil {
			err = encErr
			st.span.Attach("error", encErr.Error())
			resp = jsonrpc.NewErrorObjectResponse(st.id,
				jsonrpc.Errorf(jsonrpc.ErrorCodeInternalError, "failed to encode result: %v", encErr))
		} else {
			st.span.Attach("result", resp.Result)
		}
	}

	if st.settle != nil {
		st.settle(err)
	}

	dur := st.span.End(st.ctx)
	if err != nil {
		st.ep.log.InfoContext(st.ctx, "endpoint.reply",
			slog.String("method", st.method),
			slog.String("id", st.id.String()),
			slog.Int64("dur_ms", dur.Milliseconds()),
			slog.String("err", err.Error()))
	} else {
		st.ep.log.InfoContext(st.ctx, "endpoint.reply",
			slog.String("method", st.method),
			slog.String("id", st.id.String()),
			slog.Int64("dur_ms", dur.Milliseconds()))
	}

	if werr := st.ep.write(context.WithoutCancel(st.ctx), resp); werr != nil {
		st.ep.log.ErrorContext(st.ctx, "endpoint.reply.write_fail", slog.String("err", werr.Error()))
	}
}

func wireError(err error) *jsonrpc.Error {
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	if errors.Is(err, cancel.ErrCancelled) {
		return jsonrpc.NewError(jsonrpc.ErrorCodeRequestCancelled, "request cancelled")
	}
	return jsonrpc.ErrorFrom(err)
}
