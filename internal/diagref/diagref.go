// Package diagref remembers, per document, which backend diagnostic each
// published LSP diagnostic came from, so diagnostics echoed back by the peer
// in a code action request can be traced to their source.
//
// A document's table is replaced as a whole on every publication. Keys from
// an earlier publication stop resolving once a newer one lands.
package diagref

import (
	"sync"

	"go.lsp.dev/protocol"
)

// Key identifies a published diagnostic as the peer will echo it back.
type Key struct {
	Range    protocol.Range
	Message  string
	Severity protocol.DiagnosticSeverity
}

// KeyOf derives the lookup key for d.
func KeyOf(d protocol.Diagnostic) Key {
	return Key{Range: d.Range, Message: d.Message, Severity: d.Severity}
}

// Ref points at the backend diagnostic an LSP diagnostic was produced from.
type Ref struct {
	Range   protocol.Range
	Message string
}

// Entry pairs a published diagnostic with its source.
type Entry struct {
	Diagnostic protocol.Diagnostic
	Ref        Ref
}

// Table holds the cross-reference for every open document.
type Table struct {
	mu   sync.Mutex
	docs map[string]map[Key]Ref
}

// New returns an empty Table.
func New() *Table {
	return &Table{docs: make(map[string]map[Key]Ref)}
}

// Replace installs the table for the publication of entries on uri,
// discarding whatever was there.
func (t *Table) Replace(uri string, entries []Entry) {
	fresh := make(map[Key]Ref, len(entries))
	for _, e := range entries {
		fresh[KeyOf(e.Diagnostic)] = e.Ref
	}

	t.mu.Lock()
	t.docs[uri] = fresh
	t.mu.Unlock()
}

// Find resolves an echoed diagnostic to its source.
func (t *Table) Find(uri string, d protocol.Diagnostic) (Ref, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	refs, ok := t.docs[uri]
	if !ok {
		return Ref{}, false
	}
	ref, ok := refs[KeyOf(d)]
	return ref, ok
}

// Forget drops the table for uri.
func (t *Table) Forget(uri string) {
	t.mu.Lock()
	delete(t.docs, uri)
	t.mu.Unlock()
}

// Len returns the number of diagnostics tracked for uri.
func (t *Table) Len(uri string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.docs[uri])
}
