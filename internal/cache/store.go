package cache

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key has never been written.
var ErrNotFound = errors.New("cache: key not found")

// Store is a durable, append-only mapping from cache key to serialized result.
// Implemented by SQLite (default), Redis and memory backends.
//
// Writes may be buffered until Commit; reads always see buffered writes.
// A Store is used by one dispatcher at a time and need not serialize
// concurrent writers across processes.
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error

	// Commit flushes buffered writes. Call it after a batch of Sets and before
	// the process exits.
	Commit(ctx context.Context) error

	// Discard drops buffered writes that were not committed.
	Discard(ctx context.Context) error

	Close() error
}

// pending buffers writes between commits. Backends that batch their writes
// embed it.
type pending struct {
	writes map[string][]byte
	order  []string
}

func (p *pending) put(key string, value []byte) {
	if p.writes == nil {
		p.writes = make(map[string][]byte)
	}
	if _, ok := p.writes[key]; !ok {
		p.order = append(p.order, key)
	}
	// Copy to decouple from caller's buffer
	v := make([]byte, len(value))
	copy(v, value)
	p.writes[key] = v
}

func (p *pending) lookup(key string) ([]byte, bool) {
	v, ok := p.writes[key]
	return v, ok
}

func (p *pending) reset() {
	p.writes = nil
	p.order = nil
}
