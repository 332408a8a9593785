// Package endpoint implements the transport-facing half of a bidirectional
// JSON-RPC 2.0 endpoint speaking the Language Server Protocol lifecycle.
//
// An Endpoint reads frames from a Conn, routes inbound notifications and
// calls to handlers held in a Registry, and correlates replies to the calls it
// sends itself. Every inbound call is answered exactly once through a Reply:
//
//	reg := endpoint.NewRegistry()
//	endpoint.Method(reg, "initialize", func(ctx context.Context, p InitializeParams) (InitializeResult, error) {
//	    return InitializeResult{}, nil
//	})
//	ep := endpoint.New(reg, endpoint.WithLogger(log))
//	err := ep.Run(ctx, stdio.NewConn(os.Stdin, os.Stdout))
//
// Lifecycle
//
//	initialize      accepted once; other calls fail with ServerNotInitialized until it replies
//	shutdown        answered with null unless a handler is registered
//	exit            stops Run; nil error only after a successful shutdown
//	$/cancelRequest cancels the context of the in-flight call with that ID
//
// Handlers for calls run on their own goroutines, optionally bounded by
// WithMaxConcurrentCalls. Notifications run inline in arrival order. All
// writes share a single lock so frames never interleave on the wire.
package endpoint
