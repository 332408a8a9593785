// Package semtok versions the semantic token arrays sent for each open
// document so that later requests can be answered with a delta.
//
// Every computation stores the full array and advances the document's result
// ID. The ID is a decimal string incremented digit by digit, so it never
// overflows and stays readable in logs.
package semtok

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ggoodman/lsp-server-go/storage"
	"go.lsp.dev/protocol"
)

// TokenSize is the number of integers encoding one semantic token.
const TokenSize = 5

const storageKey = "semantic_tokens"

// Increment returns the decimal successor of v. The empty string counts as
// zero.
func Increment(v string) string {
	b := []byte(v)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != '9' {
			b[i]++
			return string(b)
		}
		b[i] = '0'
	}
	return "1" + string(b)
}

// Diff returns the edits turning prev into next. Arrays are compared a whole
// token at a time; the common prefix and suffix are kept and everything in
// between is replaced by a single edit. Equal arrays produce no edits.
// Offsets and counts in the edit are in integers, not tokens.
func Diff(prev, next []uint32) []protocol.SemanticTokensEdit {
	prevN, nextN := len(prev)/TokenSize, len(next)/TokenSize

	prefix := 0
	for prefix < prevN && prefix < nextN && tokenEqual(prev, next, prefix, prefix) {
		prefix++
	}
	suffix := 0
	for suffix < prevN-prefix && suffix < nextN-prefix &&
		tokenEqual(prev, next, prevN-1-suffix, nextN-1-suffix) {
		suffix++
	}

	deleted := prevN - prefix - suffix
	inserted := next[prefix*TokenSize : (nextN-suffix)*TokenSize]
	if deleted == 0 && len(inserted) == 0 {
		return []protocol.SemanticTokensEdit{}
	}
	return []protocol.SemanticTokensEdit{{
		Start:       uint32(prefix * TokenSize),
		DeleteCount: uint32(deleted * TokenSize),
		Data:        slices.Clone(inserted),
	}}
}

func tokenEqual(a, b []uint32, i, j int) bool {
	return slices.Equal(a[i*TokenSize:(i+1)*TokenSize], b[j*TokenSize:(j+1)*TokenSize])
}

// Apply applies edits to tokens, the way a client reconstructs the new array
// from a delta.
func Apply(tokens []uint32, edits []protocol.SemanticTokensEdit) ([]uint32, error) {
	out := slices.Clone(tokens)
	// Edits are applied back to front so earlier offsets stay valid.
	sorted := slices.Clone(edits)
	slices.SortFunc(sorted, func(a, b protocol.SemanticTokensEdit) int { return int(b.Start) - int(a.Start) })
	for _, e := range sorted {
		start, end := int(e.Start), int(e.Start+e.DeleteCount)
		if end > len(out) {
			return nil, fmt.Errorf("edit [%d,%d) out of range for %d integers", start, end, len(out))
		}
		out = slices.Replace(out, start, end, e.Data...)
	}
	return out, nil
}

type snapshot struct {
	ResultID string   `json:"resultId"`
	Data     []uint32 `json:"data"`
}

// Cache remembers the last token array sent for each document of one
// endpoint. Snapshots live in a storage.Storage so several endpoints can
// share one backend.
type Cache struct {
	store      storage.Storage
	endpointID string
	ttl        time.Duration

	mu sync.Mutex
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL expires a snapshot ttl after it was last written, so that a shared
// store sheds the documents of endpoints that died without cleaning up. A
// document whose snapshot expired simply gets a full array on its next delta
// request. Zero keeps snapshots until they are forgotten.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// New returns a Cache storing snapshots for endpointID in store.
func New(store storage.Storage, endpointID string, opts ...Option) *Cache {
	c := &Cache{store: store, endpointID: endpointID}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Full records tokens as the document's latest array and returns them with
// the new result ID.
func (c *Cache) Full(ctx context.Context, uri string, tokens []uint32) (*protocol.SemanticTokens, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	last, err := c.load(ctx, uri)
	if err != nil {
		return nil, err
	}
	next, err := c.save(ctx, uri, last.ResultID, tokens)
	if err != nil {
		return nil, err
	}
	return &protocol.SemanticTokens{ResultID: next.ResultID, Data: next.Data}, nil
}

// Delta records tokens as the document's latest array. When previousResultID
// names the stored array it returns a *protocol.SemanticTokensDelta against
// it; otherwise the peer's copy is stale and a full *protocol.SemanticTokens
// is returned.
func (c *Cache) Delta(ctx context.Context, uri, previousResultID string, tokens []uint32) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	last, err := c.load(ctx, uri)
	if err != nil {
		return nil, err
	}
	next, err := c.save(ctx, uri, last.ResultID, tokens)
	if err != nil {
		return nil, err
	}

	if previousResultID == last.ResultID {
		return &protocol.SemanticTokensDelta{
			ResultID: next.ResultID,
			Edits:    Diff(last.Data, next.Data),
		}, nil
	}
	return &protocol.SemanticTokens{ResultID: next.ResultID, Data: next.Data}, nil
}

// ResultID returns the current result ID for uri, or "" if none was issued.
func (c *Cache) ResultID(ctx context.Context, uri string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, err := c.load(ctx, uri)
	if err != nil {
		return "", err
	}
	return last.ResultID, nil
}

// Purge drops the snapshots of every document of the endpoint. It is called
// once the endpoint stops serving.
func (c *Cache) Purge(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.Delete(ctx, storage.WithEndpoint(c.endpointID)); err != nil {
		return fmt.Errorf("semtok: purge %s: %w", c.endpointID, err)
	}
	return nil
}

// Forget drops the stored array for uri. The next computation starts again
// at result ID "1".
func (c *Cache) Forget(ctx context.Context, uri string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.Delete(ctx, storage.WithDocument(c.endpointID, uri), storage.WithKey(storageKey)); err != nil {
		return fmt.Errorf("semtok: forget %s: %w", uri, err)
	}
	return nil
}

func (c *Cache) load(ctx context.Context, uri string) (snapshot, error) {
	item, err := c.store.Get(ctx, storageKey, storage.WithDocument(c.endpointID, uri))
	if err != nil {
		return snapshot{}, fmt.Errorf("semtok: load %s: %w", uri, err)
	}
	if item == nil {
		return snapshot{}, nil
	}
	var snap snapshot
	if err := json.Unmarshal(item.Data, &snap); err != nil {
		return snapshot{}, fmt.Errorf("semtok: decode %s: %w", uri, err)
	}
	return snap, nil
}

func (c *Cache) save(ctx context.Context, uri, lastID string, tokens []uint32) (snapshot, error) {
	if tokens == nil {
		tokens = []uint32{}
	}
	snap := snapshot{ResultID: Increment(lastID), Data: slices.Clone(tokens)}
	b, err := json.Marshal(snap)
	if err != nil {
		return snapshot{}, fmt.Errorf("semtok: encode %s: %w", uri, err)
	}
	opts := []storage.Option{storage.WithDocument(c.endpointID, uri)}
	if c.ttl > 0 {
		opts = append(opts, storage.WithTTL(c.ttl))
	}
	if err := c.store.Set(ctx, storageKey, b, opts...); err != nil {
		return snapshot{}, fmt.Errorf("semtok: store %s: %w", uri, err)
	}
	return snap, nil
}
