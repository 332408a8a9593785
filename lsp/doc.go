// Package lsp binds the language server methods onto an endpoint.
//
// A Server owns two pieces of derived per-document state: the semantic token
// arrays last sent (so full/delta requests can be answered with edits) and
// the cross-reference from published diagnostics back to the backend's own
// diagnostics (so code action requests only hand the backend what it
// produced). Both are dropped when the document closes.
//
// Analysis is delegated to a Backend. Diagnostics returned from
// Backend.Update are published immediately; backends that compute in the
// background can call Server.PublishDiagnostics themselves.
package lsp
