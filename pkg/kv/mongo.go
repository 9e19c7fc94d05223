package kv

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/url"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Mongo stores pairs as documents of one collection, {"key": ..., ...value}.
type Mongo struct {
	client *mongo.Client
	coll   *mongo.Collection
	logger *slog.Logger
}

// openMongo parses mongodb://[user:pass@]host[:port]/<database>/<collection>.
// Query parameters are passed through to the driver.
func openMongo(ctx context.Context, u *url.URL, logger *slog.Logger) (Backend, error) {
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("mongodb url %q needs /<database>/<collection>", u.Redacted())
	}
	conn := *u
	conn.Path = "/"
	return NewMongo(ctx, conn.String(), parts[0], parts[1], logger)
}

func NewMongo(ctx context.Context, uri, database, collection string, logger *slog.Logger) (*Mongo, error) {
	logger = logger.With("module", "kv_mongo", "collection", collection)

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	coll := client.Database(database).Collection(collection)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "key", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create key index: %w", err)
	}

	logger.Info("opened mongodb store", "database", database)

	return &Mongo{client: client, coll: coll, logger: logger}, nil
}

func byKey(key string) bson.D {
	return bson.D{{Key: "key", Value: key}}
}

func (m *Mongo) Get(ctx context.Context, key string) (*Pair, error) {
	var doc bson.M
	err := m.coll.FindOne(ctx, byKey(key)).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return pairFromDocument(doc)
}

func (m *Mongo) Put(ctx context.Context, p *Pair) (*Pair, error) {
	opts := options.FindOneAndReplace().SetUpsert(true).SetReturnDocument(options.Before)

	var prev bson.M
	err := m.coll.FindOneAndReplace(ctx, byKey(p.Key), p.document(), opts).Decode(&prev)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return pairFromDocument(prev)
}

func (m *Mongo) Create(ctx context.Context, p *Pair) (*Pair, error) {
	update := bson.D{{Key: "$setOnInsert", Value: p.document()}}
	res, err := m.coll.UpdateOne(ctx, byKey(p.Key), update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return nil, err
	}
	if res.UpsertedCount > 0 {
		return nil, nil
	}
	return m.Get(ctx, p.Key)
}

func (m *Mongo) Delete(ctx context.Context, key string) (*Pair, error) {
	var prev bson.M
	err := m.coll.FindOneAndDelete(ctx, byKey(key)).Decode(&prev)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return pairFromDocument(prev)
}

func (m *Mongo) Iter(ctx context.Context) iter.Seq2[*Pair, error] {
	return m.find(ctx, bson.D{})
}

func (m *Mongo) HasField(ctx context.Context, field string) iter.Seq2[*Pair, error] {
	return m.find(ctx, bson.D{{Key: field, Value: bson.D{{Key: "$exists", Value: true}}}})
}

func (m *Mongo) find(ctx context.Context, filter bson.D) iter.Seq2[*Pair, error] {
	return func(yield func(*Pair, error) bool) {
		cur, err := m.coll.Find(ctx, filter)
		if err != nil {
			yield(nil, err)
			return
		}
		defer cur.Close(context.Background())

		for cur.Next(ctx) {
			var doc bson.M
			if err := cur.Decode(&doc); err != nil {
				yield(nil, err)
				return
			}
			if !yield(pairFromDocument(doc)) {
				return
			}
		}
		if err := cur.Err(); err != nil {
			yield(nil, err)
		}
	}
}

func (m *Mongo) Close() error {
	return m.client.Disconnect(context.Background())
}
