package endpoint

import "log/slog"

// Option customizes an Endpoint.
type Option func(*Endpoint)

// WithLogger overrides the logger. Wrap its handler in logctx.Handler to get
// rpc and endpoint groups on every record.
func WithLogger(l *slog.Logger) Option {
	return func(e *Endpoint) {
		if l != nil {
			e.log = l
		}
	}
}

// WithID overrides the generated endpoint ID.
func WithID(id string) Option {
	return func(e *Endpoint) {
		if id != "" {
			e.id = id
		}
	}
}

// WithOutboundCapacity bounds the number of outbound calls awaiting a reply.
func WithOutboundCapacity(n int) Option {
	return func(e *Endpoint) {
		if n > 0 {
			e.outboundCapacity = n
		}
	}
}

// WithMaxConcurrentCalls bounds the number of call handlers running at once.
// Zero leaves handlers unbounded.
func WithMaxConcurrentCalls(n int64) Option {
	return func(e *Endpoint) {
		if n >= 0 {
			e.maxConcurrentCalls = n
		}
	}
}

// WithStrictReplies makes a second reply to the same call panic instead of
// being logged and ignored.
func WithStrictReplies(strict bool) Option {
	return func(e *Endpoint) {
		e.strictReplies = strict
	}
}
