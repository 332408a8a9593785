package endpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/lsp-server-go/internal/jsonrpc"
	"github.com/ggoodman/lsp-server-go/internal/outbound"
	"github.com/google/go-cmp/cmp"
)

// chanConn is an in-memory Conn. Frames the test sends arrive on in; frames
// the endpoint writes land on out.
type chanConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newChanConn() *chanConn {
	return &chanConn{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 512),
		closed: make(chan struct{}),
	}
}

func (c *chanConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *chanConn) Write(_ context.Context, frame []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	c.out <- append([]byte(nil), frame...)
	return nil
}

func (c *chanConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// logBuffer collects log output for assertions; it outlives the test so late
// cleanup logging never touches testing.T.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) Contains(s string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Contains(b.buf.String(), s)
}

type harness struct {
	t       *testing.T
	ep      *Endpoint
	conn    *chanConn
	logs    *logBuffer
	cancel  context.CancelFunc
	stopped chan struct{}
	err     error
}

func start(t *testing.T, reg *Registry, opts ...Option) *harness {
	t.Helper()

	if reg == nil {
		reg = NewRegistry()
	}
	if _, ok := reg.call(MethodInitialize); !ok {
		Method(reg, MethodInitialize, func(ctx context.Context, _ json.RawMessage) (map[string]any, error) {
			return map[string]any{"capabilities": map[string]any{}}, nil
		})
	}

	logs := &logBuffer{}
	log := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ep := New(reg, append([]Option{WithLogger(log)}, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{t: t, ep: ep, conn: newChanConn(), logs: logs, cancel: cancel, stopped: make(chan struct{})}
	go func() {
		h.err = ep.Run(ctx, h.conn)
		close(h.stopped)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-h.stopped:
		case <-time.After(2 * time.Second):
			t.Errorf("Run did not stop")
		}
	})
	return h
}

func (h *harness) send(v any) {
	h.t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		h.t.Fatalf("marshal: %v", err)
	}
	h.conn.in <- b
}

func (h *harness) call(id any, method string, params any) {
	h.t.Helper()
	h.send(map[string]any{"jsonrpc": "2.0", "id": id, "method": method, "params": params})
}

func (h *harness) notify(method string, params any) {
	h.t.Helper()
	h.send(map[string]any{"jsonrpc": "2.0", "method": method, "params": params})
}

func (h *harness) respond(id any, result any) {
	h.t.Helper()
	h.send(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func (h *harness) next() jsonrpc.AnyMessage {
	h.t.Helper()
	select {
	case b := <-h.conn.out:
		var msg jsonrpc.AnyMessage
		if err := json.Unmarshal(b, &msg); err != nil {
			h.t.Fatalf("decode output %s: %v", b, err)
		}
		return msg
	case <-time.After(2 * time.Second):
		h.t.Fatalf("timeout waiting for output frame")
		return jsonrpc.AnyMessage{}
	}
}

func (h *harness) expectNone(d time.Duration) {
	h.t.Helper()
	select {
	case b := <-h.conn.out:
		h.t.Fatalf("unexpected output frame: %s", b)
	case <-time.After(d):
	}
}

func (h *harness) wait() error {
	h.t.Helper()
	select {
	case <-h.stopped:
		return h.err
	case <-time.After(2 * time.Second):
		h.t.Fatalf("Run did not return")
		return nil
	}
}

func (h *harness) initialize() {
	h.t.Helper()
	h.call("init", MethodInitialize, map[string]any{})
	resp := h.next()
	if resp.Error != nil {
		h.t.Fatalf("initialize failed: %v", resp.Error)
	}
}

func errCode(t *testing.T, msg jsonrpc.AnyMessage) jsonrpc.ErrorCode {
	t.Helper()
	if msg.Error == nil {
		t.Fatalf("expected error reply, got result %s", msg.Result)
	}
	return msg.Error.Code
}

func blockingHandler(release <-chan struct{}) CallHandler {
	return func(ctx context.Context, _ json.RawMessage, reply *Reply) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-release:
			reply.Result("done")
			return nil
		}
	}
}

func TestEndpoint_CallBeforeInitialize(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	Method(reg, "textDocument/hover", func(ctx context.Context, _ json.RawMessage) (string, error) { return "hi", nil })
	h := start(t, reg)

	h.call(1, "textDocument/hover", nil)
	if got := errCode(t, h.next()); got != jsonrpc.ErrorCodeServerNotInitialized {
		t.Fatalf("code = %v, want ServerNotInitialized", got)
	}

	h.initialize()
	h.call(2, "textDocument/hover", nil)
	resp := h.next()
	if resp.Error != nil || string(resp.Result) != `"hi"` {
		t.Fatalf("unexpected reply after initialize: %+v", resp)
	}
}

func TestEndpoint_InitializeOnlyOnce(t *testing.T) {
	t.Parallel()

	h := start(t, nil)
	h.initialize()

	h.call(2, MethodInitialize, map[string]any{})
	resp := h.next()
	if got := errCode(t, resp); got != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("code = %v, want InvalidRequest", got)
	}
	if resp.Error.Message != "server already initialized" {
		t.Fatalf("message = %q", resp.Error.Message)
	}
}

func TestEndpoint_FailedInitializeCanBeRetried(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	reg := NewRegistry()
	Method(reg, MethodInitialize, func(ctx context.Context, _ json.RawMessage) (map[string]any, error) {
		if attempts.Add(1) == 1 {
			return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "bad root")
		}
		return map[string]any{}, nil
	})
	h := start(t, reg)

	h.call(1, MethodInitialize, map[string]any{})
	if got := errCode(t, h.next()); got != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("code = %v, want InvalidParams", got)
	}
	if h.ep.Initialized() {
		t.Fatalf("endpoint must not be initialized after a failed initialize")
	}

	h.initialize()
	if !h.ep.Initialized() {
		t.Fatalf("endpoint should be initialized")
	}
}

func TestEndpoint_UnknownMethod(t *testing.T) {
	t.Parallel()

	h := start(t, nil)
	h.initialize()
	h.call(1, "nope", nil)
	if got := errCode(t, h.next()); got != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("code = %v, want MethodNotFound", got)
	}
}

func TestEndpoint_InvalidParams(t *testing.T) {
	t.Parallel()

	type params struct {
		Line int `json:"line"`
	}
	reg := NewRegistry()
	Method(reg, "typed", func(ctx context.Context, p params) (int, error) { return p.Line, nil })
	h := start(t, reg)
	h.initialize()

	h.call(1, "typed", map[string]any{"line": "not a number"})
	if got := errCode(t, h.next()); got != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("code = %v, want InvalidParams", got)
	}

	h.call(2, "typed", map[string]any{"line": 7})
	if resp := h.next(); string(resp.Result) != "7" {
		t.Fatalf("result = %s", resp.Result)
	}
}

func TestEndpoint_EveryCallGetsExactlyOneReply(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	handleOK := func(ctx context.Context, _ json.RawMessage, reply *Reply) error {
		reply.Result("ok")
		return nil
	}
	reg.HandleCall("ok", handleOK)
	reg.HandleCall("fails", func(ctx context.Context, _ json.RawMessage, reply *Reply) error {
		return errors.New("boom")
	})
	reg.HandleCall("panics", func(ctx context.Context, _ json.RawMessage, reply *Reply) error {
		panic("kaboom")
	})
	reg.HandleCall("twice", func(ctx context.Context, _ json.RawMessage, reply *Reply) error {
		reply.Result(1)
		reply.Result(2)
		return nil
	})
	reg.HandleCall("replies-then-fails", func(ctx context.Context, _ json.RawMessage, reply *Reply) error {
		reply.Result("first")
		return errors.New("ignored")
	})
	h := start(t, reg)
	h.initialize()

	methods := []string{"ok", "fails", "panics", "twice", "replies-then-fails"}
	for i, m := range methods {
		h.call(i+1, m, nil)
	}

	seen := map[int64]jsonrpc.AnyMessage{}
	for range methods {
		msg := h.next()
		id, ok := msg.ID.Int64()
		if !ok {
			t.Fatalf("reply without numeric id: %+v", msg)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate reply for %d", id)
		}
		seen[id] = msg
	}
	h.expectNone(50 * time.Millisecond)

	if got := errCode(t, seen[2]); got != jsonrpc.ErrorCodeInternalError || seen[2].Error.Message != "boom" {
		t.Fatalf("fails: %+v", seen[2].Error)
	}
	if got := errCode(t, seen[3]); got != jsonrpc.ErrorCodeInternalError {
		t.Fatalf("panics: code = %v", got)
	}
	if string(seen[4].Result) != "1" {
		t.Fatalf("twice: first reply must win, got %s", seen[4].Result)
	}
	if string(seen[5].Result) != `"first"` {
		t.Fatalf("replies-then-fails: got %+v", seen[5])
	}
	if !h.logs.Contains("endpoint.reply.twice") {
		t.Fatalf("double reply was not logged")
	}
}

func TestEndpoint_DroppedReplyIsAnswered(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.HandleCall("forgetful", func(ctx context.Context, _ json.RawMessage, reply *Reply) error {
		return nil
	})
	h := start(t, reg)
	h.initialize()

	h.call(9, "forgetful", nil)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		runtime.GC()
		select {
		case b := <-h.conn.out:
			var msg jsonrpc.AnyMessage
			if err := json.Unmarshal(b, &msg); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got := errCode(t, msg); got != jsonrpc.ErrorCodeInternalError {
				t.Fatalf("code = %v, want InternalError", got)
			}
			if msg.Error.Message != "server failed to reply" {
				t.Fatalf("message = %q", msg.Error.Message)
			}
			if !h.logs.Contains("endpoint.reply.missing") {
				t.Fatalf("missing reply was not logged")
			}
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
	t.Fatalf("no fallback reply for a dropped Reply")
}

func TestEndpoint_ReplyDroppedAfterTeardownIsNotAnswered(t *testing.T) {
	t.Parallel()

	held := make(chan *Reply, 1)
	reg := NewRegistry()
	AsyncMethod(reg, "hoard", func(ctx context.Context, _ json.RawMessage, reply *Reply) error {
		held <- reply
		return nil
	})
	h := start(t, reg)
	h.initialize()

	h.call(5, "hoard", nil)
	h.call(6, MethodShutdown, nil)
	if resp := h.next(); resp.Error != nil {
		t.Fatalf("shutdown reply = %+v", resp)
	}
	h.notify(MethodExit, nil)
	if err := h.wait(); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}

	// Drop the only reference once the endpoint is gone.
	<-held

	deadline := time.Now().Add(5 * time.Second)
	for !h.logs.Contains("endpoint.reply.missing_on_teardown") {
		if time.Now().After(deadline) {
			t.Fatal("dropped Reply was never collected")
		}
		runtime.GC()
		time.Sleep(10 * time.Millisecond)
	}
	if h.logs.Contains("msg=endpoint.reply.missing ") {
		t.Fatal("dropped Reply during teardown was treated as a handler bug")
	}
	for {
		select {
		case b := <-h.conn.out:
			var msg jsonrpc.AnyMessage
			if err := json.Unmarshal(b, &msg); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if msg.Error != nil {
				t.Fatalf("unexpected error frame after teardown: %s", b)
			}
		default:
			return
		}
	}
}

func TestEndpoint_AsyncReplyAfterHandlerReturns(t *testing.T) {
	t.Parallel()

	later := make(chan *Reply, 1)
	reg := NewRegistry()
	AsyncMethod(reg, "deferred", func(ctx context.Context, _ json.RawMessage, reply *Reply) error {
		later <- reply
		return nil
	})
	h := start(t, reg)
	h.initialize()

	h.call(3, "deferred", nil)
	reply := <-later
	h.expectNone(20 * time.Millisecond)

	reply.Result(map[string]int{"n": 1})
	resp := h.next()
	if resp.Error != nil || string(resp.Result) != `{"n":1}` {
		t.Fatalf("unexpected reply: %+v", resp)
	}
}

func TestEndpoint_CancelInFlightCall(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.HandleCall("slow", blockingHandler(make(chan struct{})))
	h := start(t, reg)
	h.initialize()

	h.call(1, "slow", nil)
	h.notify(MethodCancelRequest, map[string]any{"id": 1})

	resp := h.next()
	if got := errCode(t, resp); got != jsonrpc.ErrorCodeRequestCancelled {
		t.Fatalf("code = %v, want RequestCancelled", got)
	}
	h.expectNone(50 * time.Millisecond)
}

func TestEndpoint_CancelAfterReplyIsNoop(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	Method(reg, "fast", func(ctx context.Context, _ json.RawMessage) (string, error) { return "done", nil })
	h := start(t, reg)
	h.initialize()

	h.call(1, "fast", nil)
	if resp := h.next(); resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	h.notify(MethodCancelRequest, map[string]any{"id": 1})
	h.notify(MethodCancelRequest, map[string]any{"id": "never-issued"})
	h.expectNone(50 * time.Millisecond)

	// The loop is still healthy.
	h.call(2, "fast", nil)
	if resp := h.next(); string(resp.Result) != `"done"` {
		t.Fatalf("unexpected reply: %+v", resp)
	}
}

func TestEndpoint_CancelReusedIDOnlyAffectsLiveCall(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	reg := NewRegistry()
	Method(reg, "fast", func(ctx context.Context, _ json.RawMessage) (string, error) { return "done", nil })
	reg.HandleCall("slow", blockingHandler(release))
	h := start(t, reg)
	h.initialize()

	// "5" completes, then is reused by a live call. A numeric 5 is a
	// different key and must survive the cancellation of "5".
	h.call("5", "fast", nil)
	if resp := h.next(); resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	h.call("5", "slow", nil)
	h.call(5, "slow", nil)

	h.notify(MethodCancelRequest, map[string]any{"id": "5"})
	resp := h.next()
	if diff := cmp.Diff(any("5"), resp.ID.Value()); diff != "" {
		t.Fatalf("cancelled the wrong call (-want +got):\n%s", diff)
	}
	if got := errCode(t, resp); got != jsonrpc.ErrorCodeRequestCancelled {
		t.Fatalf("code = %v, want RequestCancelled", got)
	}
	h.expectNone(50 * time.Millisecond)

	close(release)
	resp = h.next()
	if diff := cmp.Diff(any(int64(5)), resp.ID.Value()); diff != "" {
		t.Fatalf("unexpected reply id (-want +got):\n%s", diff)
	}
	if string(resp.Result) != `"done"` {
		t.Fatalf("numeric 5 should complete normally, got %+v", resp)
	}
}

func TestEndpoint_CancelBeforeInitializeIsDropped(t *testing.T) {
	t.Parallel()

	h := start(t, nil)
	h.notify(MethodCancelRequest, map[string]any{"id": 1})
	h.notify("textDocument/didOpen", map[string]any{})
	h.expectNone(30 * time.Millisecond)
	if !h.logs.Contains("endpoint.notify.before_init") {
		t.Fatalf("pre-init notification was not logged")
	}
}

func TestEndpoint_NotificationsRunInArrivalOrder(t *testing.T) {
	t.Parallel()

	var (
		mu  sync.Mutex
		got []int
	)
	reg := NewRegistry()
	Notification(reg, "note", func(ctx context.Context, n int) error {
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
		return nil
	})
	Method(reg, "sync", func(ctx context.Context, _ json.RawMessage) (bool, error) { return true, nil })
	h := start(t, reg)
	h.initialize()

	want := make([]int, 20)
	for i := range want {
		want[i] = i
		h.notify("note", i)
	}
	h.call(1, "sync", nil)
	h.next()

	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("notification order (-want +got):\n%s", diff)
	}
}

func TestEndpoint_MaxConcurrentCalls(t *testing.T) {
	t.Parallel()

	var active, peak atomic.Int32
	reg := NewRegistry()
	Method(reg, "work", func(ctx context.Context, _ json.RawMessage) (bool, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
		return true, nil
	})
	h := start(t, reg, WithMaxConcurrentCalls(1))
	h.initialize()

	for i := 0; i < 5; i++ {
		h.call(i+1, "work", nil)
	}
	for i := 0; i < 5; i++ {
		h.next()
	}
	if peak.Load() != 1 {
		t.Fatalf("peak concurrency = %d, want 1", peak.Load())
	}
}

func TestEndpoint_OutboundCallRoundTrip(t *testing.T) {
	t.Parallel()

	h := start(t, nil)
	h.initialize()

	type outcome struct {
		result json.RawMessage
		err    error
	}
	got := make(chan outcome, 1)
	id, err := h.ep.Call(context.Background(), "workspace/applyEdit", map[string]any{"label": "fix"}, func(result json.RawMessage, err error) {
		got <- outcome{result, err}
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if id != 0 {
		t.Fatalf("first outbound id = %d, want 0", id)
	}

	req := h.next()
	if req.Method != "workspace/applyEdit" || req.ID == nil {
		t.Fatalf("unexpected outbound frame: %+v", req)
	}
	h.respond(req.ID.Value(), map[string]bool{"applied": true})

	select {
	case o := <-got:
		if o.err != nil || string(o.result) != `{"applied":true}` {
			t.Fatalf("unexpected outcome: %+v", o)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("callback never ran")
	}
	if h.ep.PendingCalls() != 0 {
		t.Fatalf("pending = %d", h.ep.PendingCalls())
	}
}

func TestEndpoint_OutboundCallPeerError(t *testing.T) {
	t.Parallel()

	h := start(t, nil)
	h.initialize()

	got := make(chan error, 1)
	if _, err := h.ep.Call(context.Background(), "workspace/configuration", nil, func(_ json.RawMessage, err error) {
		got <- err
	}); err != nil {
		t.Fatalf("Call: %v", err)
	}
	req := h.next()
	h.send(map[string]any{"jsonrpc": "2.0", "id": req.ID.Value(), "error": map[string]any{"code": -32601, "message": "nope"}})

	err := <-got
	var rpcErr *jsonrpc.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("err = %v, want peer MethodNotFound", err)
	}
}

func TestEndpoint_OutboundEvictionDiscardsLateReply(t *testing.T) {
	t.Parallel()

	h := start(t, nil, WithOutboundCapacity(2))
	h.initialize()

	results := make([]chan error, 3)
	for i := range results {
		ch := make(chan error, 1)
		results[i] = ch
		if _, err := h.ep.Call(context.Background(), "window/workDoneProgress/create", nil, func(_ json.RawMessage, err error) {
			ch <- err
		}); err != nil {
			t.Fatalf("Call %d: %v", i, err)
		}
		h.next()
	}

	select {
	case err := <-results[0]:
		if !errors.Is(err, outbound.ErrNoReply) {
			t.Fatalf("evicted call err = %v, want ErrNoReply", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("oldest call was not evicted")
	}
	if h.ep.PendingCalls() != 2 {
		t.Fatalf("pending = %d, want 2", h.ep.PendingCalls())
	}

	// The genuine reply to the evicted call arrives late and is dropped.
	h.respond(0, "late")
	h.respond(1, "on time")
	select {
	case err := <-results[1]:
		if err != nil {
			t.Fatalf("call 1 err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("call 1 never resolved")
	}
	select {
	case err := <-results[0]:
		t.Fatalf("evicted callback ran twice: %v", err)
	default:
	}
	if !h.logs.Contains("endpoint.reply.unknown") {
		t.Fatalf("late reply was not logged")
	}
}

func TestEndpoint_CallSyncCancellationNotifiesPeer(t *testing.T) {
	t.Parallel()

	h := start(t, nil)
	h.initialize()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.ep.CallSync(ctx, "workspace/configuration", map[string]any{})
		done <- err
	}()

	req := h.next()
	if req.Method != "workspace/configuration" {
		t.Fatalf("unexpected frame: %+v", req)
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("CallSync err = %v, want context.Canceled", err)
	}
	note := h.next()
	if note.Method != MethodCancelRequest {
		t.Fatalf("expected $/cancelRequest, got %+v", note)
	}
	if diff := cmp.Diff(`{"id":0}`, string(note.Params)); diff != "" {
		t.Fatalf("cancel params (-want +got):\n%s", diff)
	}
	if h.ep.PendingCalls() != 0 {
		t.Fatalf("cancelled call still pending")
	}
}

func TestEndpoint_CallSyncResult(t *testing.T) {
	t.Parallel()

	h := start(t, nil)
	h.initialize()

	done := make(chan json.RawMessage, 1)
	go func() {
		res, err := h.ep.CallSync(context.Background(), "workspace/configuration", nil)
		if err != nil {
			t.Errorf("CallSync: %v", err)
		}
		done <- res
	}()
	req := h.next()
	h.respond(req.ID.Value(), []string{"a"})
	if got := <-done; string(got) != `["a"]` {
		t.Fatalf("result = %s", got)
	}
}

func TestEndpoint_ShutdownThenExit(t *testing.T) {
	t.Parallel()

	h := start(t, nil)
	h.initialize()

	h.call(7, MethodShutdown, nil)
	resp := h.next()
	if resp.Error != nil || string(resp.Result) != "null" {
		t.Fatalf("shutdown reply = %+v", resp)
	}
	h.notify(MethodExit, nil)
	if err := h.wait(); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}
}

func TestEndpoint_ExitWithoutShutdown(t *testing.T) {
	t.Parallel()

	h := start(t, nil)
	h.initialize()
	h.notify(MethodExit, nil)
	if err := h.wait(); !errors.Is(err, ErrExitWithoutShutdown) {
		t.Fatalf("Run = %v, want ErrExitWithoutShutdown", err)
	}
}

func TestEndpoint_TeardownCancelsInFlightCalls(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.HandleCall("slow", blockingHandler(make(chan struct{})))
	h := start(t, reg)
	h.initialize()

	pending := make(chan error, 1)
	if _, err := h.ep.Call(context.Background(), "window/showMessageRequest", nil, func(_ json.RawMessage, err error) {
		pending <- err
	}); err != nil {
		t.Fatalf("Call: %v", err)
	}
	h.next()

	h.call(1, "slow", nil)
	h.call(2, MethodShutdown, nil)
	h.next()
	h.notify(MethodExit, nil)

	if err := h.wait(); err != nil {
		t.Fatalf("Run = %v", err)
	}
	if err := <-pending; !errors.Is(err, outbound.ErrClosed) {
		t.Fatalf("pending outbound err = %v, want ErrClosed", err)
	}
}

func TestEndpoint_MalformedFrameStopsRun(t *testing.T) {
	t.Parallel()

	for _, frame := range []string{`{not json`, `{"jsonrpc":"1.0","method":"x"}`, `{"jsonrpc":"2.0"}`} {
		t.Run(frame, func(t *testing.T) {
			t.Parallel()
			h := start(t, nil)
			h.conn.in <- []byte(frame)
			if err := h.wait(); !errors.Is(err, ErrMalformedFrame) {
				t.Fatalf("Run = %v, want ErrMalformedFrame", err)
			}
		})
	}
}

func TestEndpoint_RunTwice(t *testing.T) {
	t.Parallel()

	h := start(t, nil)
	h.initialize()
	if err := h.ep.Run(context.Background(), newChanConn()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Run = %v, want ErrAlreadyRunning", err)
	}
}

func TestEndpoint_RegistryFrozenByRun(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	h := start(t, reg)
	h.initialize()

	defer func() {
		if recover() == nil {
			t.Fatalf("registering after Run must panic")
		}
	}()
	reg.HandleCall("late", replyNull)
}

func TestEndpoint_NotifyBeforeRun(t *testing.T) {
	t.Parallel()

	ep := New(nil, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err := ep.Notify(context.Background(), "window/logMessage", map[string]any{}); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Notify = %v, want ErrNotRunning", err)
	}
}
