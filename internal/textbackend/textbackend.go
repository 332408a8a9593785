// Package textbackend is a small language-agnostic analysis backend. It
// highlights identifiers, numbers and line comments, and flags trailing
// whitespace with a fix. It exists so the server can run end to end without
// a real compiler behind it.
package textbackend

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode/utf16"

	"github.com/ggoodman/lsp-server-go/internal/diagref"
	"github.com/ggoodman/lsp-server-go/lsp"
	"go.lsp.dev/protocol"
)

// Token type indices into the legend.
const (
	TokenKeyword uint32 = iota
	TokenVariable
	TokenNumber
	TokenComment
)

// Source is reported on every diagnostic.
const Source = "lspd"

const trailingWhitespace = "trailing whitespace"

var keywords = map[string]bool{
	"break": true, "case": true, "const": true, "continue": true,
	"default": true, "else": true, "for": true, "func": true,
	"if": true, "import": true, "package": true, "return": true,
	"struct": true, "switch": true, "type": true, "var": true,
}

// Backend keeps the text of every open document in memory.
type Backend struct {
	mu   sync.RWMutex
	docs map[string]string
}

var _ lsp.Backend = (*Backend)(nil)

// New returns an empty Backend.
func New() *Backend {
	return &Backend{docs: make(map[string]string)}
}

func (b *Backend) Legend() lsp.Legend {
	return lsp.Legend{
		TokenTypes:     []string{"keyword", "variable", "number", "comment"},
		TokenModifiers: []string{},
	}
}

func (b *Backend) Update(_ context.Context, uri string, _ int32, text string) ([]lsp.Diagnostic, error) {
	b.mu.Lock()
	b.docs[uri] = text
	b.mu.Unlock()

	var diags []lsp.Diagnostic
	for i, line := range lines(text) {
		trimmed := strings.TrimRight(line, " \t")
		if len(trimmed) == len(line) {
			continue
		}
		diags = append(diags, lsp.Diagnostic{
			Range: protocol.Range{
				Start: protocol.Position{Line: uint32(i), Character: width(trimmed)},
				End:   protocol.Position{Line: uint32(i), Character: width(line)},
			},
			Severity: protocol.DiagnosticSeverityWarning,
			Message:  trailingWhitespace,
			Source:   Source,
		})
	}
	return diags, nil
}

func (b *Backend) Remove(_ context.Context, uri string) error {
	b.mu.Lock()
	delete(b.docs, uri)
	b.mu.Unlock()
	return nil
}

func (b *Backend) SemanticTokens(_ context.Context, uri string) ([]uint32, error) {
	b.mu.RLock()
	text, ok := b.docs[uri]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("textbackend: %s is not open", uri)
	}
	return Tokenize(text), nil
}

func (b *Backend) Fixes(_ context.Context, _ string, _ protocol.Range, refs []diagref.Ref) ([]lsp.Fix, error) {
	var fixes []lsp.Fix
	for _, ref := range refs {
		if ref.Message != trailingWhitespace {
			continue
		}
		fixes = append(fixes, lsp.Fix{
			Title:      "Remove trailing whitespace",
			Diagnostic: &ref,
			Edits:      []protocol.TextEdit{{Range: ref.Range, NewText: ""}},
		})
	}
	return fixes, nil
}

// Tokenize returns the LSP relative encoding of the tokens in text: five
// integers per token (line delta, start delta, length, type, modifiers).
// Positions are in UTF-16 code units.
func Tokenize(text string) []uint32 {
	data := []uint32{}
	var prevLine, prevStart uint32
	emit := func(line, start, length, typ uint32) {
		deltaStart := start
		if line == prevLine {
			deltaStart = start - prevStart
		}
		data = append(data, line-prevLine, deltaStart, length, typ, 0)
		prevLine, prevStart = line, start
	}

	for i, line := range lines(text) {
		var col uint32
		runes := []rune(line)
		for j := 0; j < len(runes); {
			r := runes[j]
			switch {
			case r == '/' && j+1 < len(runes) && runes[j+1] == '/':
				emit(uint32(i), col, width(string(runes[j:])), TokenComment)
				j = len(runes)
			case isIdentStart(r):
				k := j + 1
				for k < len(runes) && (isIdentStart(runes[k]) || isDigit(runes[k])) {
					k++
				}
				word := string(runes[j:k])
				typ := TokenVariable
				if keywords[word] {
					typ = TokenKeyword
				}
				w := width(word)
				emit(uint32(i), col, w, typ)
				col += w
				j = k
			case isDigit(r):
				k := j + 1
				for k < len(runes) && isDigit(runes[k]) {
					k++
				}
				w := width(string(runes[j:k]))
				emit(uint32(i), col, w, TokenNumber)
				col += w
				j = k
			default:
				col += uint32(utf16.RuneLen(r))
				j++
			}
		}
	}
	return data
}

func lines(text string) []string {
	out := strings.Split(text, "\n")
	for i, l := range out {
		out[i] = strings.TrimSuffix(l, "\r")
	}
	return out
}

func width(s string) uint32 {
	var n uint32
	for _, r := range s {
		n += uint32(utf16.RuneLen(r))
	}
	return n
}

func isIdentStart(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }
