package stdio

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/lsp-server-go/endpoint"
	"go.uber.org/multierr"
)

// Framing selects how frames are delimited on the byte stream.
type Framing string

const (
	// FramingLines delimits each JSON message by a newline.
	FramingLines Framing = "lines"
	// FramingHeader prefixes each message with a Content-Length header, the
	// way editors speak the Language Server Protocol base protocol.
	FramingHeader Framing = "header"
)

// DefaultMaxFrameSize bounds a single frame, and a single header line.
const DefaultMaxFrameSize = 64 << 20

// frameMediaTypes are the Content-Type values accepted with header framing.
var frameMediaTypes = []contenttype.MediaType{
	contenttype.NewMediaType("application/vscode-jsonrpc"),
	contenttype.NewMediaType("application/json"),
}

// ParseFraming validates a framing name.
func ParseFraming(s string) (Framing, error) {
	switch Framing(strings.ToLower(strings.TrimSpace(s))) {
	case FramingLines, "":
		return FramingLines, nil
	case FramingHeader:
		return FramingHeader, nil
	}
	return "", fmt.Errorf("unknown framing %q (want %q or %q)", s, FramingLines, FramingHeader)
}

// Conn adapts a reader and writer pair to endpoint.Conn.
type Conn struct {
	framing  Framing
	maxFrame int
	r        *bufio.Reader
	w        io.Writer
	closers  []io.Closer

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

var _ endpoint.Conn = (*Conn)(nil)

// NewConn wraps r and w. If either implements io.Closer it is closed by
// Close, which is what unblocks a pending Read.
func NewConn(r io.Reader, w io.Writer, framing Framing) *Conn {
	if framing == "" {
		framing = FramingLines
	}
	c := &Conn{
		framing:  framing,
		maxFrame: DefaultMaxFrameSize,
		r:        bufio.NewReader(r),
		w:        w,
		closed:   make(chan struct{}),
	}
	if rc, ok := r.(io.Closer); ok {
		c.closers = append(c.closers, rc)
	}
	if wc, ok := w.(io.Closer); ok && !sameObject(r, w) {
		c.closers = append(c.closers, wc)
	}
	return c
}

// sameObject reports whether a and b are the same value, treating values of
// uncomparable types as distinct.
func sameObject(a, b any) (same bool) {
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}

// Framing reports the conn's framing for logs.
func (c *Conn) Framing() string { return string(c.framing) }

// Read returns the next frame. Blank lines between line-delimited frames are
// skipped. A clean end of stream yields io.EOF; a broken frame yields an
// error wrapping endpoint.ErrMalformedFrame.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if c.framing == FramingHeader {
		return c.readHeaderFrame()
	}
	return c.readLineFrame()
}

// readLine returns the next line including its newline. It gives up with
// ErrMalformedFrame as soon as the line outgrows maxFrame, before buffering
// the rest of it.
func (c *Conn) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := c.r.ReadSlice('\n')
		if len(line)+len(chunk) > c.maxFrame {
			return nil, fmt.Errorf("%w: line exceeds limit of %d bytes", endpoint.ErrMalformedFrame, c.maxFrame)
		}
		line = append(line, chunk...)
		if !errors.Is(err, bufio.ErrBufferFull) {
			return line, err
		}
	}
}

func (c *Conn) readLineFrame() ([]byte, error) {
	for {
		line, err := c.readLine()
		if errors.Is(err, endpoint.ErrMalformedFrame) {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			// A final frame without a trailing newline is still a frame.
			return line, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (c *Conn) readHeaderFrame() ([]byte, error) {
	contentLength := -1
	sawHeader := false
	for {
		raw, err := c.readLine()
		if err != nil {
			switch {
			case errors.Is(err, endpoint.ErrMalformedFrame):
				return nil, err
			case errors.Is(err, io.EOF) && !sawHeader && len(bytes.TrimSpace(raw)) == 0:
				return nil, io.EOF
			}
			return nil, fmt.Errorf("%w: truncated header: %v", endpoint.ErrMalformedFrame, err)
		}
		line := strings.TrimSpace(string(raw))
		if line == "" {
			if !sawHeader {
				// Tolerate stray blank lines between frames.
				continue
			}
			break
		}
		sawHeader = true

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: invalid header line %q", endpoint.ErrMalformedFrame, line)
		}
		name, value = strings.TrimSpace(name), strings.TrimSpace(value)
		switch {
		case strings.EqualFold(name, "Content-Length"):
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%w: invalid Content-Length %q", endpoint.ErrMalformedFrame, value)
			}
			contentLength = n
		case strings.EqualFold(name, "Content-Type"):
			if err := checkContentType(value); err != nil {
				return nil, err
			}
		}
	}

	if contentLength < 0 {
		return nil, fmt.Errorf("%w: missing Content-Length header", endpoint.ErrMalformedFrame)
	}
	if contentLength > c.maxFrame {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds limit of %d", endpoint.ErrMalformedFrame, contentLength, c.maxFrame)
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return nil, fmt.Errorf("%w: read body: %v", endpoint.ErrMalformedFrame, err)
	}
	return body, nil
}

// checkContentType accepts a JSON-RPC or JSON media type whose charset, if
// given, is UTF-8. "utf8" is tolerated for older clients.
func checkContentType(value string) error {
	mt, err := contenttype.ParseMediaType(value)
	if err != nil {
		return fmt.Errorf("%w: invalid Content-Type %q: %v", endpoint.ErrMalformedFrame, value, err)
	}
	if !slices.ContainsFunc(frameMediaTypes, mt.Matches) {
		return fmt.Errorf("%w: unsupported Content-Type %q", endpoint.ErrMalformedFrame, value)
	}
	if cs, ok := mt.Parameters["charset"]; ok && !strings.EqualFold(cs, "utf-8") && !strings.EqualFold(cs, "utf8") {
		return fmt.Errorf("%w: unsupported charset %q", endpoint.ErrMalformedFrame, cs)
	}
	return nil
}

// Write sends one frame. The Endpoint serializes calls.
func (c *Conn) Write(ctx context.Context, frame []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}

	var buf bytes.Buffer
	switch c.framing {
	case FramingHeader:
		fmt.Fprintf(&buf, "Content-Length: %d\r\n\r\n", len(frame))
		buf.Write(frame)
	default:
		buf.Write(frame)
		buf.WriteByte('\n')
	}
	if _, err := c.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close closes the underlying reader and writer where they support it. It is
// safe to call more than once and from any goroutine.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		var err error
		for _, cl := range c.closers {
			err = multierr.Append(err, cl.Close())
		}
		c.closeErr = err
	})
	return c.closeErr
}
