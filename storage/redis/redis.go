// Package redis stores snapshots in Redis so that several lspd processes can
// share derived document state. Each key is a hash with data, created and
// (optionally) expires fields; expiry is also enforced by a Redis TTL.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ggoodman/lsp-server-go/storage"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix is used when Config.KeyPrefix is empty.
const DefaultKeyPrefix = "lspd:storage:"

const (
	fieldData    = "data"
	fieldCreated = "created"
	fieldExpires = "expires"

	scanBatch = 100
)

var _ storage.Storage = (*Storage)(nil)

type Config struct {
	Client    *redis.Client // required
	KeyPrefix string
}

type Storage struct {
	rdb    *redis.Client
	prefix string
}

func New(cfg Config) (*Storage, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	return &Storage{rdb: cfg.Client, prefix: cfg.KeyPrefix}, nil
}

func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	k := s.key(storage.Apply(opts...).Namespace, key)

	fields, err := s.rdb.HGetAll(ctx, k).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", k, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	item, err := decodeItem(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to decode key %s: %w", k, err)
	}
	// Redis expiry has millisecond granularity; the stored deadline is exact.
	if item.Expired() {
		s.rdb.Del(ctx, k)
		return nil, nil
	}
	return item, nil
}

func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	if err := o.CheckTTL(); err != nil {
		return err
	}
	k := s.key(o.Namespace, key)
	now := time.Now()
	values := []any{fieldData, data, fieldCreated, now.UnixNano()}
	if exp := o.Expiry(now); exp != nil {
		values = append(values, fieldExpires, exp.UnixNano())
	}

	// Replace rather than merge so a stale expires field cannot survive.
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, k)
		p.HSet(ctx, k, values...)
		if o.TTL != nil {
			p.PExpire(ctx, k, *o.TTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set key %s: %w", k, err)
	}
	return nil
}

func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	if o.Key != nil {
		k := s.key(o.Namespace, *o.Key)
		if err := s.rdb.Del(ctx, k).Err(); err != nil {
			return fmt.Errorf("failed to delete key %s: %w", k, err)
		}
		return nil
	}

	pattern := escapeGlob(s.prefix+storage.NamespacePrefix(o.Namespace)) + "*"
	iter := s.rdb.Scan(ctx, 0, pattern, scanBatch).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := s.rdb.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("failed to delete keys: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan %s: %w", pattern, err)
	}
	if len(batch) > 0 {
		if err := s.rdb.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("failed to delete keys: %w", err)
		}
	}
	return nil
}

func (s *Storage) Close() error {
	return s.rdb.Close()
}

func (s *Storage) key(ns storage.Namespace, key string) string {
	return s.prefix + storage.NamespacePrefix(ns) + key
}

func decodeItem(fields map[string]string) (*storage.Item, error) {
	created, err := strconv.ParseInt(fields[fieldCreated], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad %s field: %w", fieldCreated, err)
	}
	item := &storage.Item{
		Data:      []byte(fields[fieldData]),
		CreatedAt: time.Unix(0, created),
	}
	if v, ok := fields[fieldExpires]; ok {
		ns, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad %s field: %w", fieldExpires, err)
		}
		exp := time.Unix(0, ns)
		item.ExpiresAt = &exp
	}
	return item, nil
}

// escapeGlob quotes SCAN MATCH metacharacters, which document URIs may contain.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(`*?[]\`, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
