package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with the endpoint and RPC message found in the
// record's context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if ed, ok := ctx.Value(endpointDataKey{}).(*EndpointData); ok {
		r.AddAttrs(slog.Group("endpoint",
			slog.String("id", ed.EndpointID),
			slog.String("framing", ed.Framing),
		))
	}

	if msg, ok := ctx.Value(rpcMsg{}).(*RPCMessage); ok {
		attrs := []any{
			slog.String("method", msg.Method),
			slog.String("id", msg.ID),
			slog.String("type", msg.Type),
		}
		if msg.Cookie != nil {
			attrs = append(attrs, slog.Uint64("cookie", *msg.Cookie))
		}
		r.AddAttrs(slog.Group("rpc", attrs...))
	}

	if dd, ok := ctx.Value(documentDataKey{}).(*DocumentData); ok {
		r.AddAttrs(slog.Group("doc",
			slog.String("uri", dd.URI),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type rpcMsg struct{}

type RPCMessage struct {
	Method string
	ID     string
	Type   string
	Cookie *uint64
}

func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcMsg{}, msg)
}

type endpointDataKey struct{}

type EndpointData struct {
	EndpointID string
	Framing    string
}

func WithEndpointData(ctx context.Context, data *EndpointData) context.Context {
	return context.WithValue(ctx, endpointDataKey{}, data)
}

type documentDataKey struct{}

type DocumentData struct {
	URI string
}

func WithDocumentData(ctx context.Context, data *DocumentData) context.Context {
	return context.WithValue(ctx, documentDataKey{}, data)
}
