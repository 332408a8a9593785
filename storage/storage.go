// Package storage is the snapshot store behind an endpoint's derived document
// state. Keys live in namespaces so that several endpoints can share one
// backend and a closed document can be dropped with a single Delete.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidOptions is returned when a call's options cannot be honoured.
	ErrInvalidOptions = errors.New("storage: invalid option combination")
	// ErrClosed is returned by a backend used after Close.
	ErrClosed = errors.New("storage: closed")
)

// Storage is implemented by the memory and redis backends.
type Storage interface {
	// Get returns (nil, nil) for a missing or expired key. An error means the
	// backend itself failed.
	Get(ctx context.Context, key string, opts ...Option) (*Item, error)

	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete drops one key when WithKey is given, otherwise every key in the
	// namespace, nested namespaces included.
	Delete(ctx context.Context, opts ...Option) error

	Close() error
}

// Item is one stored value.
type Item struct {
	Data      []byte
	CreatedAt time.Time
	ExpiresAt *time.Time // nil never expires
}

// Expired reports whether the item's TTL has elapsed.
func (it *Item) Expired() bool {
	return it.ExpiresAt != nil && time.Now().After(*it.ExpiresAt)
}

// Namespace is either nil (global), EndpointNamespace or DocumentNamespace.
type Namespace interface {
	isNamespace()
}

// EndpointNamespace holds keys private to one running endpoint.
type EndpointNamespace struct {
	EndpointID string
}

// DocumentNamespace holds keys for one open document of one endpoint. It is
// nested inside the endpoint's namespace.
type DocumentNamespace struct {
	EndpointID string
	URI        string
}

func (EndpointNamespace) isNamespace() {}
func (DocumentNamespace) isNamespace() {}

// Options is the folded result of a call's Option list.
type Options struct {
	Namespace Namespace
	Key       *string
	TTL       *time.Duration
}

type Option func(*Options)

// Apply folds opts in order; later options win.
func Apply(opts ...Option) *Options {
	o := &Options{}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

func WithEndpoint(endpointID string) Option {
	return func(o *Options) { o.Namespace = EndpointNamespace{EndpointID: endpointID} }
}

func WithDocument(endpointID, uri string) Option {
	return func(o *Options) { o.Namespace = DocumentNamespace{EndpointID: endpointID, URI: uri} }
}

// WithKey narrows a Delete to a single key.
func WithKey(key string) Option {
	return func(o *Options) { o.Key = &key }
}

// WithTTL expires a Set after ttl. Non-positive values are rejected.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) { o.TTL = &ttl }
}

// CheckTTL returns ErrInvalidOptions for a non-positive TTL.
func (o *Options) CheckTTL() error {
	if o.TTL != nil && *o.TTL <= 0 {
		return fmt.Errorf("%w: non-positive TTL", ErrInvalidOptions)
	}
	return nil
}

// NamespacePrefix is the key prefix of every key in ns. A document's prefix
// extends its endpoint's, so deleting an endpoint sweeps its documents too.
func NamespacePrefix(ns Namespace) string {
	switch ns := ns.(type) {
	case EndpointNamespace:
		return "endpoint:" + ns.EndpointID + ":"
	case DocumentNamespace:
		return "endpoint:" + ns.EndpointID + ":doc:" + ns.URI + ":"
	default:
		return "global:"
	}
}

// Expiry returns the expiry instant for a TTL starting at now, or nil.
func (o *Options) Expiry(now time.Time) *time.Time {
	if o.TTL == nil {
		return nil
	}
	t := now.Add(*o.TTL)
	return &t
}
