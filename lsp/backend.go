package lsp

import (
	"context"

	"github.com/ggoodman/lsp-server-go/internal/diagref"
	"go.lsp.dev/protocol"
)

// Backend is the analysis engine behind the server. Its methods may be called
// concurrently for different documents.
type Backend interface {
	// Legend names the token types and modifiers the backend emits.
	Legend() Legend
	// Update replaces the text of uri and returns the document's
	// diagnostics.
	Update(ctx context.Context, uri string, version int32, text string) ([]Diagnostic, error)
	// Remove forgets uri.
	Remove(ctx context.Context, uri string) error
	// SemanticTokens returns the encoded token array for uri.
	SemanticTokens(ctx context.Context, uri string) ([]uint32, error)
	// Fixes returns the fixes available in rng. refs lists the diagnostics
	// the peer asked about, as they were published.
	Fixes(ctx context.Context, uri string, rng protocol.Range, refs []diagref.Ref) ([]Fix, error)
}

// Diagnostic is a problem reported by the backend.
type Diagnostic struct {
	Range    protocol.Range
	Severity protocol.DiagnosticSeverity
	Message  string
	Source   string
}

// Ref returns the cross-reference entry that leads back to d.
func (d Diagnostic) Ref() diagref.Ref {
	return diagref.Ref{Range: d.Range, Message: d.Message}
}

// Fix is a set of edits resolving one diagnostic, or a refactoring when
// Diagnostic is nil.
type Fix struct {
	Title      string
	Diagnostic *diagref.Ref
	Edits      []protocol.TextEdit
}
