package lsp

import (
	"encoding/json"

	"go.lsp.dev/protocol"
)

// ApplyFixCommand is the command clients without code action literal support
// execute to apply a fix.
const ApplyFixCommand = "lspd.applyFix"

const codeActionKindQuickFix = "quickfix"

// textDocumentSyncFull announces that every change carries the full text.
const textDocumentSyncFull = 1

// InitializeParams is the subset of the initialize request the server reads.
type InitializeParams struct {
	ProcessID    *int32             `json:"processId"`
	RootURI      string             `json:"rootUri,omitempty"`
	ClientInfo   *ClientInfo        `json:"clientInfo,omitempty"`
	Capabilities ClientCapabilities `json:"capabilities"`
}

// ClientInfo identifies the editor.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// ClientCapabilities is the subset of client capabilities the server reads.
type ClientCapabilities struct {
	TextDocument *TextDocumentClientCapabilities `json:"textDocument,omitempty"`
}

// TextDocumentClientCapabilities holds per-feature client capabilities.
type TextDocumentClientCapabilities struct {
	CodeAction *CodeActionClientCapabilities `json:"codeAction,omitempty"`
}

// CodeActionClientCapabilities tells whether the client accepts CodeAction
// literals or only Commands.
type CodeActionClientCapabilities struct {
	CodeActionLiteralSupport json.RawMessage `json:"codeActionLiteralSupport,omitempty"`
}

func (c ClientCapabilities) codeActionLiterals() bool {
	return c.TextDocument != nil && c.TextDocument.CodeAction != nil &&
		len(c.TextDocument.CodeAction.CodeActionLiteralSupport) > 0
}

// InitializeResult answers initialize.
type InitializeResult struct {
	Capabilities ServerCapabilities `json:"capabilities"`
	ServerInfo   *ServerInfo        `json:"serverInfo,omitempty"`
}

// ServerInfo identifies the server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// ServerCapabilities lists what the server implements.
type ServerCapabilities struct {
	TextDocumentSync       int                    `json:"textDocumentSync"`
	SemanticTokensProvider *SemanticTokensOptions `json:"semanticTokensProvider,omitempty"`
	CodeActionProvider     bool                   `json:"codeActionProvider"`
	ExecuteCommandProvider *ExecuteCommandOptions `json:"executeCommandProvider,omitempty"`
}

// SemanticTokensOptions advertises semantic token support.
type SemanticTokensOptions struct {
	Legend Legend              `json:"legend"`
	Full   SemanticTokensFull `json:"full"`
}

// SemanticTokensFull advertises delta support for full-document requests.
type SemanticTokensFull struct {
	Delta bool `json:"delta"`
}

// Legend names the token types and modifiers by index.
type Legend struct {
	TokenTypes     []string `json:"tokenTypes"`
	TokenModifiers []string `json:"tokenModifiers"`
}

// ExecuteCommandOptions lists supported commands.
type ExecuteCommandOptions struct {
	Commands []string `json:"commands"`
}

// TextDocumentItem is an opened document.
type TextDocumentItem struct {
	URI        string `json:"uri"`
	LanguageID string `json:"languageId"`
	Version    int32  `json:"version"`
	Text       string `json:"text"`
}

// DidOpenParams is the payload of textDocument/didOpen.
type DidOpenParams struct {
	TextDocument TextDocumentItem `json:"textDocument"`
}

// VersionedTextDocumentIdentifier names a document at a version.
type VersionedTextDocumentIdentifier struct {
	URI     string `json:"uri"`
	Version int32  `json:"version"`
}

// ContentChange is one entry of a didChange notification. Only full-text
// changes (no Range) are accepted.
type ContentChange struct {
	Range *protocol.Range `json:"range,omitempty"`
	Text  string          `json:"text"`
}

// DidChangeParams is the payload of textDocument/didChange.
type DidChangeParams struct {
	TextDocument   VersionedTextDocumentIdentifier `json:"textDocument"`
	ContentChanges []ContentChange                 `json:"contentChanges"`
}

// WorkspaceEdit is a set of text edits keyed by document URI.
type WorkspaceEdit struct {
	Changes map[string][]protocol.TextEdit `json:"changes"`
}

// CodeAction is a quick fix offered to clients that support literals.
type CodeAction struct {
	Title       string                `json:"title"`
	Kind        string                `json:"kind,omitempty"`
	Diagnostics []protocol.Diagnostic `json:"diagnostics,omitempty"`
	IsPreferred bool                  `json:"isPreferred,omitempty"`
	Edit        *WorkspaceEdit        `json:"edit,omitempty"`
}

// ApplyWorkspaceEditParams is sent with workspace/applyEdit.
type ApplyWorkspaceEditParams struct {
	Label string        `json:"label,omitempty"`
	Edit  WorkspaceEdit `json:"edit"`
}

// ApplyWorkspaceEditResult is the peer's answer to workspace/applyEdit.
type ApplyWorkspaceEditResult struct {
	Applied       bool   `json:"applied"`
	FailureReason string `json:"failureReason,omitempty"`
}
