package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

const redisTxRetries = 8

// Redis stores every pair of a collection as a field of one hash, with the
// value serialized as JSON.
type Redis struct {
	client *redis.Client
	hash   string
	logger *slog.Logger
}

// openRedis parses redis://[:password@]host:port/<db>/<collection>.
func openRedis(_ context.Context, u *url.URL, logger *slog.Logger) (Backend, error) {
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 2 || parts[1] == "" {
		return nil, fmt.Errorf("redis url %q needs /<db>/<collection>", u.Redacted())
	}
	db, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid redis db %q: %w", parts[0], err)
	}

	opts := &redis.Options{Addr: u.Host, DB: db}
	if u.User != nil {
		opts.Username = u.User.Username()
		opts.Password, _ = u.User.Password()
	}
	return NewRedis(redis.NewClient(opts), parts[1], logger), nil
}

func NewRedis(client *redis.Client, collection string, logger *slog.Logger) *Redis {
	return &Redis{
		client: client,
		hash:   "stargazer:" + collection,
		logger: logger.With("module", "kv_redis", "collection", collection),
	}
}

func (r *Redis) Get(ctx context.Context, key string) (*Pair, error) {
	raw, err := r.client.HGet(ctx, r.hash, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeValue(key, []byte(raw))
}

func (r *Redis) Put(ctx context.Context, p *Pair) (*Pair, error) {
	raw, err := json.Marshal(p.Value)
	if err != nil {
		return nil, err
	}
	var old *Pair
	err = r.watch(ctx, func(tx *redis.Tx) error {
		old = nil
		prev, err := tx.HGet(ctx, r.hash, p.Key).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if old, err = decodeValue(p.Key, []byte(prev)); err != nil {
				return err
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, r.hash, p.Key, string(raw))
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return old, nil
}

func (r *Redis) Create(ctx context.Context, p *Pair) (*Pair, error) {
	raw, err := json.Marshal(p.Value)
	if err != nil {
		return nil, err
	}
	created, err := r.client.HSetNX(ctx, r.hash, p.Key, string(raw)).Result()
	if err != nil {
		return nil, err
	}
	if created {
		return nil, nil
	}
	return r.Get(ctx, p.Key)
}

func (r *Redis) Delete(ctx context.Context, key string) (*Pair, error) {
	var removed *Pair
	err := r.watch(ctx, func(tx *redis.Tx) error {
		prev, err := tx.HGet(ctx, r.hash, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}
		if removed, err = decodeValue(key, []byte(prev)); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, r.hash, key)
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// watch runs fn as an optimistic transaction on the collection hash,
// retrying when another client modified it concurrently.
func (r *Redis) watch(ctx context.Context, fn func(tx *redis.Tx) error) error {
	for i := 0; i < redisTxRetries; i++ {
		err := r.client.Watch(ctx, fn, r.hash)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("transaction on %s kept conflicting: %w", r.hash, redis.TxFailedErr)
}

func (r *Redis) Iter(ctx context.Context) iter.Seq2[*Pair, error] {
	return r.scan(ctx, "")
}

func (r *Redis) HasField(ctx context.Context, field string) iter.Seq2[*Pair, error] {
	return r.scan(ctx, field)
}

func (r *Redis) scan(ctx context.Context, field string) iter.Seq2[*Pair, error] {
	return func(yield func(*Pair, error) bool) {
		seen := map[string]struct{}{}
		var cursor uint64
		for {
			kvs, next, err := r.client.HScan(ctx, r.hash, cursor, "", 100).Result()
			if err != nil {
				yield(nil, err)
				return
			}
			for i := 0; i+1 < len(kvs); i += 2 {
				key := kvs[i]
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}

				p, err := decodeValue(key, []byte(kvs[i+1]))
				if err == nil && field != "" {
					if _, ok := p.Value[field]; !ok {
						continue
					}
				}
				if !yield(p, err) {
					return
				}
			}
			if next == 0 {
				return
			}
			cursor = next
		}
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}
