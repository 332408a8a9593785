package lsp

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/lsp-server-go/endpoint"
	"github.com/ggoodman/lsp-server-go/internal/diagref"
	"github.com/ggoodman/lsp-server-go/internal/semtok"
	"github.com/ggoodman/lsp-server-go/storage"
	"github.com/ggoodman/lsp-server-go/storage/memory"
)

// DefaultTokenCacheSize bounds the in-memory token store used when no store
// is supplied.
const DefaultTokenCacheSize = 1024

// Server binds the language server methods onto an endpoint and keeps the
// per-document state derived from what it publishes.
type Server struct {
	ep      *endpoint.Endpoint
	backend Backend
	store   storage.Storage
	tokens  *semtok.Cache
	diags   *diagref.Table
	log     *slog.Logger
	info    ServerInfo
	epOpts  []endpoint.Option

	snapshotTTL time.Duration
	ownsStore   bool

	mu             sync.Mutex
	literalActions bool
	open           map[string]int32
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger for the server and its endpoint.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithServerInfo sets the name and version reported from initialize.
func WithServerInfo(name, version string) Option {
	return func(s *Server) {
		s.info = ServerInfo{Name: name, Version: version}
	}
}

// WithSnapshotTTL expires stored token snapshots ttl after their last write.
// It bounds what a crashed process leaves behind in a shared store.
func WithSnapshotTTL(ttl time.Duration) Option {
	return func(s *Server) {
		s.snapshotTTL = ttl
	}
}

// WithEndpointOptions passes options through to the underlying endpoint.
func WithEndpointOptions(opts ...endpoint.Option) Option {
	return func(s *Server) {
		s.epOpts = append(s.epOpts, opts...)
	}
}

// NewServer returns a Server answering with backend. Token snapshots are kept
// in store, which the caller still owns and closes. When store is nil the
// server creates a bounded in-memory store and closes it when Run returns.
func NewServer(backend Backend, store storage.Storage, opts ...Option) *Server {
	s := &Server{
		backend: backend,
		diags:   diagref.New(),
		log:     slog.Default(),
		info:    ServerInfo{Name: "lspd"},
		open:    make(map[string]int32),
	}
	for _, opt := range opts {
		opt(s)
	}

	if store == nil {
		// Only a non-positive size fails.
		store, _ = memory.New(DefaultTokenCacheSize)
		s.ownsStore = true
	}
	s.store = store

	reg := endpoint.NewRegistry()
	s.bind(reg)

	epOpts := append([]endpoint.Option{endpoint.WithLogger(s.log)}, s.epOpts...)
	s.ep = endpoint.New(reg, epOpts...)
	s.tokens = semtok.New(store, s.ep.ID(), semtok.WithTTL(s.snapshotTTL))

	return s
}

// Endpoint returns the endpoint the server is bound to.
func (s *Server) Endpoint() *endpoint.Endpoint { return s.ep }

// Run serves conn until the peer exits or ctx ends. Whatever the outcome, the
// token snapshots of documents still open are dropped from the store.
func (s *Server) Run(ctx context.Context, conn endpoint.Conn) error {
	err := s.ep.Run(ctx, conn)
	if errors.Is(err, endpoint.ErrAlreadyRunning) {
		return err
	}

	// ctx is often what ended the run.
	cleanup := context.WithoutCancel(ctx)
	if perr := s.tokens.Purge(cleanup); perr != nil {
		s.log.WarnContext(cleanup, "lsp.store.purge.fail", slog.String("err", perr.Error()))
	}
	if s.ownsStore {
		if cerr := s.store.Close(); cerr != nil {
			s.log.WarnContext(cleanup, "lsp.store.close.fail", slog.String("err", cerr.Error()))
		}
	}
	return err
}

func (s *Server) bind(reg *endpoint.Registry) {
	endpoint.Method(reg, endpoint.MethodInitialize, s.initialize)
	endpoint.Notification(reg, "initialized", s.initialized)
	endpoint.Method(reg, endpoint.MethodShutdown, s.shutdown)

	endpoint.Notification(reg, "textDocument/didOpen", s.didOpen)
	endpoint.Notification(reg, "textDocument/didChange", s.didChange)
	endpoint.Notification(reg, "textDocument/didClose", s.didClose)

	endpoint.Method(reg, "textDocument/semanticTokens/full", s.semanticTokensFull)
	endpoint.Method(reg, "textDocument/semanticTokens/full/delta", s.semanticTokensDelta)
	endpoint.Method(reg, "textDocument/codeAction", s.codeAction)
	endpoint.AsyncMethod(reg, "workspace/executeCommand", s.executeCommand)
}

func (s *Server) usesLiteralActions() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.literalActions
}

func (s *Server) isOpen(uri string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.open[uri]
	return ok
}
