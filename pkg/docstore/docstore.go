// Package docstore stages raw source records in MongoDB.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/danhnguyen123/data-engineering-outsource/pkg/tracing"
)

// Store is the document surface used by extract stages.
type Store interface {
	UpsertByID(ctx context.Context, db, coll string, id any, fields map[string]any) error
	SetFields(ctx context.Context, db, coll string, filter, fields map[string]any) error
	InsertMany(ctx context.Context, db, coll string, docs []map[string]any) error
	Find(ctx context.Context, db, coll string, filter map[string]any) ([]map[string]any, error)
	Count(ctx context.Context, db, coll string, filter map[string]any) (int64, error)
	Drop(ctx context.Context, db, coll string) error
}

// Mongo implements Store over the official driver
type Mongo struct {
	client *mongo.Client
	logger ectologger.Logger
}

var _ Store = (*Mongo)(nil)

// Connect dials uri and pings the primary
func Connect(ctx context.Context, uri string, logger ectologger.Logger) (*Mongo, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	logger.Info("Connected to MongoDB")
	return &Mongo{client: client, logger: logger}, nil
}

func (m *Mongo) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func (m *Mongo) collection(db, coll string) *mongo.Collection {
	return m.client.Database(db).Collection(coll)
}

// UpsertByID sets fields on the document with _id=id, creating it when absent
func (m *Mongo) UpsertByID(ctx context.Context, db, coll string, id any, fields map[string]any) error {
	ctx, span := tracing.StartSpan(ctx, "Docstore.UpsertByID")
	defer span.End()

	_, err := m.collection(db, coll).UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M(fields)},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert %s.%s/%v: %w", db, coll, id, err)
	}
	return nil
}

// SetFields updates every document matching filter
func (m *Mongo) SetFields(ctx context.Context, db, coll string, filter, fields map[string]any) error {
	ctx, span := tracing.StartSpan(ctx, "Docstore.SetFields")
	defer span.End()

	_, err := m.collection(db, coll).UpdateMany(ctx, bson.M(filter), bson.M{"$set": bson.M(fields)})
	if err != nil {
		return fmt.Errorf("failed to update %s.%s: %w", db, coll, err)
	}
	return nil
}

func (m *Mongo) InsertMany(ctx context.Context, db, coll string, docs []map[string]any) error {
	if len(docs) == 0 {
		return nil
	}
	ctx, span := tracing.StartSpan(ctx, "Docstore.InsertMany")
	defer span.End()

	items := make([]any, len(docs))
	for i, d := range docs {
		items[i] = bson.M(d)
	}
	if _, err := m.collection(db, coll).InsertMany(ctx, items); err != nil {
		return fmt.Errorf("failed to insert into %s.%s: %w", db, coll, err)
	}
	return nil
}

// Find returns matching documents as plain maps with bson types unwrapped
func (m *Mongo) Find(ctx context.Context, db, coll string, filter map[string]any) ([]map[string]any, error) {
	ctx, span := tracing.StartSpan(ctx, "Docstore.Find")
	defer span.End()

	if filter == nil {
		filter = map[string]any{}
	}
	cursor, err := m.collection(db, coll).Find(ctx, bson.M(filter))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s.%s: %w", db, coll, err)
	}
	defer cursor.Close(ctx)

	var raw []bson.M
	if err := cursor.All(ctx, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode %s.%s: %w", db, coll, err)
	}

	docs := make([]map[string]any, 0, len(raw))
	for _, d := range raw {
		docs = append(docs, Normalize(d).(map[string]any))
	}
	return docs, nil
}

func (m *Mongo) Count(ctx context.Context, db, coll string, filter map[string]any) (int64, error) {
	if filter == nil {
		filter = map[string]any{}
	}
	return m.collection(db, coll).CountDocuments(ctx, bson.M(filter))
}

func (m *Mongo) Drop(ctx context.Context, db, coll string) error {
	err := m.collection(db, coll).Drop(ctx)
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && cmdErr.Name == "NamespaceNotFound" {
		return nil
	}
	return err
}

// Normalize converts driver types into plain Go values
func Normalize(v any) any {
	switch t := v.(type) {
	case bson.M:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Normalize(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Normalize(val)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = Normalize(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Normalize(val)
		}
		return out
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.ObjectID:
		return t.Hex()
	case primitive.Decimal128:
		return t.String()
	default:
		return v
	}
}
