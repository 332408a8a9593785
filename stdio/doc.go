// Package stdio runs an endpoint over a single byte stream, by default the
// process's stdin and stdout. It is how an editor launches a language server:
// as a subprocess speaking JSON-RPC on its standard streams.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client
//	Framing          : newline-delimited JSON, or Content-Length headers
//	Shutdown         : peer sends exit, stdin closes, or the context ends
//
// Options allow supplying an alternate io.Reader / io.Writer, the framing, or
// a custom logger.
//
// Example:
//
//	ep := endpoint.New(reg)
//	h := stdio.NewHandler(ep, stdio.WithFraming(stdio.FramingHeader))
//	if err := h.Serve(context.Background()); err != nil { log.Fatal(err) }
package stdio
