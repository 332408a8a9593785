package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ggoodman/lsp-server-go/endpoint"
	"github.com/ggoodman/lsp-server-go/internal/diagref"
	"github.com/ggoodman/lsp-server-go/internal/jsonrpc"
	"github.com/ggoodman/lsp-server-go/internal/logctx"
	"go.lsp.dev/protocol"
)

func (s *Server) initialize(ctx context.Context, p InitializeParams) (*InitializeResult, error) {
	s.mu.Lock()
	s.literalActions = p.Capabilities.codeActionLiterals()
	s.mu.Unlock()

	attrs := []slog.Attr{slog.Bool("code_action_literals", s.usesLiteralActions())}
	if p.ClientInfo != nil {
		attrs = append(attrs, slog.String("client", p.ClientInfo.Name))
	}
	s.log.LogAttrs(ctx, slog.LevelInfo, "lsp.initialize", attrs...)

	info := s.info
	return &InitializeResult{
		Capabilities: ServerCapabilities{
			TextDocumentSync: textDocumentSyncFull,
			SemanticTokensProvider: &SemanticTokensOptions{
				Legend: s.backend.Legend(),
				Full:   SemanticTokensFull{Delta: true},
			},
			CodeActionProvider:     true,
			ExecuteCommandProvider: &ExecuteCommandOptions{Commands: []string{ApplyFixCommand}},
		},
		ServerInfo: &info,
	}, nil
}

func (s *Server) initialized(ctx context.Context, _ json.RawMessage) error {
	s.log.DebugContext(ctx, "lsp.initialized")
	return nil
}

func (s *Server) shutdown(ctx context.Context, _ json.RawMessage) (any, error) {
	s.log.InfoContext(ctx, "lsp.shutdown")
	return nil, nil
}

func (s *Server) didOpen(ctx context.Context, p DidOpenParams) error {
	doc := p.TextDocument
	ctx = logctx.WithDocumentData(ctx, &logctx.DocumentData{URI: doc.URI})

	s.mu.Lock()
	s.open[doc.URI] = doc.Version
	s.mu.Unlock()

	return s.update(ctx, doc.URI, doc.Version, doc.Text)
}

func (s *Server) didChange(ctx context.Context, p DidChangeParams) error {
	uri := p.TextDocument.URI
	ctx = logctx.WithDocumentData(ctx, &logctx.DocumentData{URI: uri})

	if !s.isOpen(uri) {
		s.log.WarnContext(ctx, "lsp.change.not_open")
		return nil
	}
	if len(p.ContentChanges) == 0 {
		return nil
	}
	// Full sync: the last change holds the whole document.
	change := p.ContentChanges[len(p.ContentChanges)-1]
	if change.Range != nil {
		return fmt.Errorf("incremental change to %s: full document sync only", uri)
	}

	s.mu.Lock()
	s.open[uri] = p.TextDocument.Version
	s.mu.Unlock()

	return s.update(ctx, uri, p.TextDocument.Version, change.Text)
}

func (s *Server) update(ctx context.Context, uri string, version int32, text string) error {
	diags, err := s.backend.Update(ctx, uri, version, text)
	if err != nil {
		return fmt.Errorf("update %s: %w", uri, err)
	}
	return s.PublishDiagnostics(ctx, uri, diags)
}

func (s *Server) didClose(ctx context.Context, p protocol.DidCloseTextDocumentParams) error {
	uri := string(p.TextDocument.URI)
	ctx = logctx.WithDocumentData(ctx, &logctx.DocumentData{URI: uri})

	s.mu.Lock()
	delete(s.open, uri)
	s.mu.Unlock()

	if err := s.backend.Remove(ctx, uri); err != nil {
		s.log.WarnContext(ctx, "lsp.close.backend_fail", slog.String("err", err.Error()))
	}
	if err := s.tokens.Forget(ctx, uri); err != nil {
		s.log.WarnContext(ctx, "lsp.close.tokens_fail", slog.String("err", err.Error()))
	}
	// Clear the editor's view; this also drops the cross-reference table.
	if err := s.PublishDiagnostics(ctx, uri, nil); err != nil {
		return err
	}
	s.diags.Forget(uri)
	return nil
}

func (s *Server) semanticTokensFull(ctx context.Context, p protocol.SemanticTokensParams) (*protocol.SemanticTokens, error) {
	uri := string(p.TextDocument.URI)
	tokens, err := s.backend.SemanticTokens(ctx, uri)
	if err != nil {
		return nil, err
	}
	return s.tokens.Full(ctx, uri, tokens)
}

func (s *Server) semanticTokensDelta(ctx context.Context, p protocol.SemanticTokensDeltaParams) (any, error) {
	uri := string(p.TextDocument.URI)
	tokens, err := s.backend.SemanticTokens(ctx, uri)
	if err != nil {
		return nil, err
	}
	return s.tokens.Delta(ctx, uri, p.PreviousResultID, tokens)
}

func (s *Server) codeAction(ctx context.Context, p protocol.CodeActionParams) ([]any, error) {
	uri := string(p.TextDocument.URI)
	ctx = logctx.WithDocumentData(ctx, &logctx.DocumentData{URI: uri})

	// Diagnostics we did not publish, or published before the latest
	// update, are not passed to the backend.
	echoed := make(map[diagref.Ref]protocol.Diagnostic, len(p.Context.Diagnostics))
	refs := make([]diagref.Ref, 0, len(p.Context.Diagnostics))
	for _, d := range p.Context.Diagnostics {
		ref, ok := s.diags.Find(uri, d)
		if !ok {
			continue
		}
		if _, dup := echoed[ref]; !dup {
			refs = append(refs, ref)
		}
		echoed[ref] = d
	}

	fixes, err := s.backend.Fixes(ctx, uri, p.Range, refs)
	if err != nil {
		return nil, err
	}

	literals := s.usesLiteralActions()
	actions := make([]any, 0, len(fixes))
	var quickFixes []*CodeAction
	for _, f := range fixes {
		edit := WorkspaceEdit{Changes: map[string][]protocol.TextEdit{uri: f.Edits}}
		if !literals {
			actions = append(actions, protocol.Command{
				Title:     f.Title,
				Command:   ApplyFixCommand,
				Arguments: []interface{}{edit},
			})
			continue
		}
		action := &CodeAction{Title: f.Title, Kind: codeActionKindQuickFix, Edit: &edit}
		if f.Diagnostic != nil {
			if d, ok := echoed[*f.Diagnostic]; ok {
				action.Diagnostics = []protocol.Diagnostic{d}
			}
		}
		quickFixes = append(quickFixes, action)
		actions = append(actions, action)
	}
	// A lone quick fix is safe to apply without asking.
	if len(quickFixes) == 1 {
		quickFixes[0].IsPreferred = true
	}

	s.log.DebugContext(ctx, "lsp.code_action",
		slog.Int("diagnostics", len(refs)),
		slog.Int("actions", len(actions)),
	)
	return actions, nil
}

func (s *Server) executeCommand(ctx context.Context, p protocol.ExecuteCommandParams, reply *endpoint.Reply) error {
	if p.Command != ApplyFixCommand {
		return jsonrpc.Errorf(jsonrpc.ErrorCodeInvalidParams, "unsupported command %q", p.Command)
	}
	if len(p.Arguments) != 1 {
		return jsonrpc.Errorf(jsonrpc.ErrorCodeInvalidParams, "%s expects one argument, got %d", ApplyFixCommand, len(p.Arguments))
	}

	// Arguments arrive decoded as generic JSON; round-trip into the edit.
	raw, err := json.Marshal(p.Arguments[0])
	if err != nil {
		return jsonrpc.Errorf(jsonrpc.ErrorCodeInvalidParams, "invalid %s argument: %v", ApplyFixCommand, err)
	}
	var edit WorkspaceEdit
	if err := json.Unmarshal(raw, &edit); err != nil {
		return jsonrpc.Errorf(jsonrpc.ErrorCodeInvalidParams, "invalid %s argument: %v", ApplyFixCommand, err)
	}

	err = s.ApplyEdit(ctx, "Apply fix", edit, func(err error) {
		if err != nil {
			reply.Error(err)
			return
		}
		reply.Result("Fix applied.")
	})
	if err != nil && !reply.Replied() {
		return err
	}
	return nil
}

// ApplyEdit asks the peer to apply edit. done runs once with nil when the
// peer applied the edit, otherwise with the reason it did not. If the request
// cannot be encoded, the error is returned and done never runs.
func (s *Server) ApplyEdit(ctx context.Context, label string, edit WorkspaceEdit, done func(error)) error {
	_, err := s.ep.Call(ctx, "workspace/applyEdit", ApplyWorkspaceEditParams{Label: label, Edit: edit},
		func(result json.RawMessage, err error) {
			if err != nil {
				done(err)
				return
			}
			var res ApplyWorkspaceEditResult
			if err := json.Unmarshal(result, &res); err != nil {
				done(jsonrpc.Errorf(jsonrpc.ErrorCodeInternalError, "invalid applyEdit result: %v", err))
				return
			}
			if !res.Applied {
				done(jsonrpc.Errorf(jsonrpc.ErrorCodeInternalError, "edits were not applied: %s", res.FailureReason))
				return
			}
			done(nil)
		})
	return err
}

// PublishDiagnostics sends diags for uri to the peer and replaces the
// cross-reference used to resolve them in later code action requests.
func (s *Server) PublishDiagnostics(ctx context.Context, uri string, diags []Diagnostic) error {
	published := make([]protocol.Diagnostic, 0, len(diags))
	entries := make([]diagref.Entry, 0, len(diags))
	for _, d := range diags {
		pd := protocol.Diagnostic{
			Range:    d.Range,
			Severity: d.Severity,
			Source:   d.Source,
			Message:  d.Message,
		}
		published = append(published, pd)
		entries = append(entries, diagref.Entry{Diagnostic: pd, Ref: d.Ref()})
	}
	s.diags.Replace(uri, entries)

	err := s.ep.Notify(ctx, "textDocument/publishDiagnostics", protocol.PublishDiagnosticsParams{
		URI:         protocol.DocumentURI(uri),
		Diagnostics: published,
	})
	if err != nil {
		return fmt.Errorf("publish diagnostics for %s: %w", uri, err)
	}
	return nil
}

// RefreshSemanticTokens asks the peer to re-request semantic tokens for all
// open documents.
func (s *Server) RefreshSemanticTokens(ctx context.Context) error {
	_, err := s.ep.Call(ctx, "workspace/semanticTokens/refresh", nil, func(_ json.RawMessage, err error) {
		if err != nil {
			s.log.WarnContext(ctx, "lsp.refresh_tokens.fail", slog.String("err", err.Error()))
		}
	})
	return err
}
