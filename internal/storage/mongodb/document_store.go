// Package mongodb persists crawled documents in MongoDB. Every collection carries a unique
// index on the provider id, which makes re-runs idempotent.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.uber.org/zap"

	"github.com/JakeFAU/convograph-crawler/internal/crawler"
	"github.com/JakeFAU/convograph-crawler/internal/metrics"
)

// Config holds connection settings.
type Config struct {
	URI            string        `mapstructure:"uri"`
	Database       string        `mapstructure:"database"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// Connect dials the server and verifies it with a ping.
func Connect(ctx context.Context, cfg Config) (*mongo.Client, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI).SetConnectTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

// collection is the subset of *mongo.Collection the store uses.
type collection interface {
	InsertMany(ctx context.Context, documents interface{},
		opts ...options.Lister[options.InsertManyOptions]) (*mongo.InsertManyResult, error)
	FindOne(ctx context.Context, filter interface{},
		opts ...options.Lister[options.FindOneOptions]) *mongo.SingleResult
	Find(ctx context.Context, filter interface{},
		opts ...options.Lister[options.FindOptions]) (*mongo.Cursor, error)
	UpdateOne(ctx context.Context, filter interface{}, update interface{},
		opts ...options.Lister[options.UpdateOneOptions]) (*mongo.UpdateResult, error)
}

// DocumentStore implements crawler.DocumentStore on a mongo database.
type DocumentStore struct {
	db      *mongo.Database
	resolve func(name string) collection
	logger  *zap.Logger
}

// NewDocumentStore wraps db.
func NewDocumentStore(db *mongo.Database, logger *zap.Logger) *DocumentStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocumentStore{
		db: db,
		resolve: func(name string) collection {
			return db.Collection(name)
		},
		logger: logger,
	}
}

// EnsureIndexes creates the unique id index on every named collection.
func (s *DocumentStore) EnsureIndexes(ctx context.Context, names ...string) error {
	if s.db == nil {
		return errors.New("mongo database is not configured")
	}
	for _, name := range names {
		_, err := s.db.Collection(name).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: "id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("id_unique"),
		})
		if err != nil {
			return fmt.Errorf("create id index on %s: %w", name, err)
		}
		s.logger.Debug("id index ensured", zap.String("collection", name))
	}
	return nil
}

// InsertMany writes docs unordered so one duplicate does not block the rest of the batch.
func (s *DocumentStore) InsertMany(ctx context.Context, name string, docs []crawler.Document) error {
	if len(docs) == 0 {
		return nil
	}
	items := make([]interface{}, 0, len(docs))
	for _, d := range docs {
		items = append(items, bson.M(d))
	}
	_, err := s.resolve(name).InsertMany(ctx, items, options.InsertMany().SetOrdered(false))
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("insert into %s: %w", name, crawler.ErrDuplicate)
	}
	metrics.ObserveStoreError(name, "insert")
	return fmt.Errorf("insert into %s: %w", name, err)
}

// FindOne returns the first match or crawler.ErrNotFound.
func (s *DocumentStore) FindOne(ctx context.Context, name string, filter crawler.Filter) (crawler.Document, error) {
	opts := options.FindOne().SetProjection(projectionDoc(filter.Projection))
	var raw bson.M
	err := s.resolve(name).FindOne(ctx, filterDoc(filter), opts).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, crawler.ErrNotFound
	}
	if err != nil {
		metrics.ObserveStoreError(name, "find_one")
		return nil, fmt.Errorf("find one in %s: %w", name, err)
	}
	return toDocument(raw), nil
}

// Find returns every match.
func (s *DocumentStore) Find(ctx context.Context, name string, filter crawler.Filter) ([]crawler.Document, error) {
	opts := options.Find().SetProjection(projectionDoc(filter.Projection))
	cur, err := s.resolve(name).Find(ctx, filterDoc(filter), opts)
	if err != nil {
		metrics.ObserveStoreError(name, "find")
		return nil, fmt.Errorf("find in %s: %w", name, err)
	}
	var raw []bson.M
	if err := cur.All(ctx, &raw); err != nil {
		metrics.ObserveStoreError(name, "find")
		return nil, fmt.Errorf("read cursor of %s: %w", name, err)
	}
	out := make([]crawler.Document, 0, len(raw))
	for _, r := range raw {
		out = append(out, toDocument(r))
	}
	return out, nil
}

// UpdateSet applies $set to the document with id.
func (s *DocumentStore) UpdateSet(ctx context.Context, name, id string, fields map[string]any) error {
	return s.updateOne(ctx, name, id, bson.D{{Key: "$set", Value: bson.M(fields)}}, "update_set")
}

// PushUnique applies $addToSet, which never stores a value twice.
func (s *DocumentStore) PushUnique(ctx context.Context, name, id, field, value string) error {
	return s.updateOne(ctx, name, id, bson.D{{Key: "$addToSet", Value: bson.D{{Key: field, Value: value}}}}, "push_unique")
}

func (s *DocumentStore) updateOne(ctx context.Context, name, id string, update bson.D, op string) error {
	res, err := s.resolve(name).UpdateOne(ctx, bson.D{{Key: "id", Value: id}}, update)
	if err != nil {
		metrics.ObserveStoreError(name, op)
		return fmt.Errorf("%s %s/%s: %w", op, name, id, err)
	}
	if res.MatchedCount == 0 {
		return crawler.ErrNotFound
	}
	return nil
}

func filterDoc(f crawler.Filter) bson.D {
	doc := bson.D{}
	if f.ID != "" {
		doc = append(doc, bson.E{Key: "id", Value: f.ID})
	}
	if f.Unset != "" {
		doc = append(doc, bson.E{Key: f.Unset, Value: false})
	}
	if f.Counter != "" {
		switch f.Match {
		case crawler.CounterPositive:
			doc = append(doc, bson.E{Key: f.Counter, Value: bson.D{{Key: "$gt", Value: 0}}})
		case crawler.CounterZero:
			doc = append(doc, bson.E{Key: f.Counter, Value: bson.D{{Key: "$eq", Value: 0}}})
		}
	}
	return doc
}

func projectionDoc(fields []string) bson.D {
	if len(fields) == 0 {
		return bson.D{{Key: "_id", Value: 0}}
	}
	doc := bson.D{{Key: "_id", Value: 0}, {Key: "id", Value: 1}}
	for _, f := range fields {
		if f == "id" {
			continue
		}
		doc = append(doc, bson.E{Key: f, Value: 1})
	}
	return doc
}

// toDocument converts driver values into the plain maps and slices the crawler works with.
func toDocument(raw bson.M) crawler.Document {
	out := make(crawler.Document, len(raw))
	for k, v := range raw {
		if k == "_id" {
			continue
		}
		out[k] = normalize(v)
	}
	return out
}

func normalize(v any) any {
	switch t := v.(type) {
	case bson.M:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = normalize(e)
		}
		return m
	case bson.D:
		m := make(map[string]any, len(t))
		for _, e := range t {
			m[e.Key] = normalize(e.Value)
		}
		return m
	case bson.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case bson.DateTime:
		return t.Time().UTC()
	default:
		return v
	}
}
