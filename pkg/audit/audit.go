// Package audit keeps a MongoDB trail of rejected submissions. Entries are
// for operators only and never become comparable posts.
package audit

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

type Entry struct {
	ContentHash string             `bson:"content_hash" json:"content_hash"`
	Content     string             `bson:"content" json:"content"`
	Category    string             `bson:"category" json:"category"`
	Scores      map[string]float32 `bson:"scores,omitempty" json:"scores,omitempty"`
	// Set when the content was rejected because no moderation check answered.
	Unavailable bool      `bson:"unavailable" json:"unavailable"`
	Created     time.Time `bson:"created" json:"created"`
}

type Log struct {
	entries IMongoCollection
}

func NewLog(col *mongo.Collection) *Log {
	entries := &MongoCollection{
		Coll: col,
	}
	return &Log{
		entries: entries,
	}
}

func (l *Log) Record(ctx context.Context, e *Entry) error {
	if e.Created.IsZero() {
		e.Created = time.Now().UTC()
	}
	if _, err := l.entries.InsertOne(ctx, e); err != nil {
		return fmt.Errorf("audit: failed inserting entry: %w", err)
	}
	return nil
}

// Recent lists up to limit entries, newest first.
func (l *Log) Recent(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created", Value: -1}}).
		SetLimit(int64(limit))
	cursor, err := l.entries.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("audit: failed finding entries: %w", err)
	}
	defer cursor.Close(ctx)

	entries := []*Entry{}
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, fmt.Errorf("audit: failed getting entries from cursor: %w", err)
	}
	return entries, nil
}
