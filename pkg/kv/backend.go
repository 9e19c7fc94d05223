package kv

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"net/url"
)

// Backend is the storage behind a Store. Implementations must keep pairs
// unique by key and return normalized values. Put returns the previous pair
// or nil; Delete returns the removed pair or ErrNotFound. Create writes the
// pair only when the key is absent, in one atomic step, and returns the
// pair already stored or nil when it created one.
type Backend interface {
	Get(ctx context.Context, key string) (*Pair, error)
	Put(ctx context.Context, p *Pair) (*Pair, error)
	Create(ctx context.Context, p *Pair) (*Pair, error)
	Delete(ctx context.Context, key string) (*Pair, error)
	Iter(ctx context.Context) iter.Seq2[*Pair, error]
	HasField(ctx context.Context, field string) iter.Seq2[*Pair, error]
	Close() error
}

// Opener builds a backend from a parsed store URL.
type Opener func(ctx context.Context, u *url.URL, logger *slog.Logger) (Backend, error)

// Openers maps URL schemes to backend constructors.
var Openers = map[string]Opener{
	"memory":   openMemory,
	"sqlite":   openSQLite,
	"file":     openSQLite,
	"mongodb":  openMongo,
	"dynamodb": openDynamo,
	"redis":    openRedis,
}

// OpenBackend picks a backend by the scheme of rawURL.
func OpenBackend(ctx context.Context, rawURL string, logger *slog.Logger) (Backend, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse store url: %w", err)
	}
	open, ok := Openers[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("unsupported store scheme %q", u.Scheme)
	}
	return open(ctx, u, logger)
}
