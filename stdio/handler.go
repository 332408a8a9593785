package stdio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/ggoodman/lsp-server-go/endpoint"
)

// Runner is satisfied by *endpoint.Endpoint.
type Runner interface {
	Run(ctx context.Context, conn endpoint.Conn) error
}

// Handler is a single-connection stdio transport. It reads frames from an
// io.Reader and writes frames to an io.Writer, by default os.Stdin and
// os.Stdout, and hands the resulting Conn to an endpoint.
//
// The handler is transport-only; it delegates all protocol semantics to the
// Runner.
type Handler struct {
	runner  Runner
	r       io.Reader
	w       io.Writer
	l       *slog.Logger
	framing Framing

	served atomic.Bool
}

// NewHandler constructs a stdio Handler with defaults and applies options.
func NewHandler(runner Runner, opts ...Option) *Handler {
	h := &Handler{
		runner:  runner,
		r:       os.Stdin,
		w:       os.Stdout,
		l:       slog.Default(),
		framing: FramingLines,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Serve runs the endpoint until the peer exits, the input stream ends, or ctx
// is cancelled. It is safe to call at most once per Handler.
func (h *Handler) Serve(ctx context.Context) error {
	if !h.served.CompareAndSwap(false, true) {
		return endpoint.ErrAlreadyRunning
	}

	conn := NewConn(h.r, h.w, h.framing)
	h.l.InfoContext(ctx, "stdio.serve.start", slog.String("framing", string(h.framing)))

	err := h.runner.Run(ctx, conn)
	switch {
	case err == nil:
		h.l.InfoContext(ctx, "stdio.serve.exit")
	case errors.Is(err, io.EOF):
		h.l.InfoContext(ctx, "stdio.serve.eof")
	default:
		h.l.ErrorContext(ctx, "stdio.serve.fail", slog.String("err", err.Error()))
	}
	return err
}
