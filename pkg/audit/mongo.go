package audit

import (
	"context"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

//go:generate mockgen -source=mongo.go -destination=mock_mongo.go -package=audit

type ( // Interfaces
	IMongoCollection interface {
		InsertOne(context.Context, interface{}, ...*options.InsertOneOptions) (IMongoInsertOneResult, error)
		Find(context.Context, interface{}, ...*options.FindOptions) (IMongoCursor, error)
	}

	IMongoCursor interface {
		Close(context.Context) error
		All(context.Context, interface{}) error
	}

	IMongoInsertOneResult interface{}
)

type ( // Structs
	MongoCursor struct{ cur *mongo.Cursor }

	MongoCollection struct {
		Coll *mongo.Collection
	}

	MongoInsertOneResult struct{ res *mongo.InsertOneResult }
)

// MongoCursor

func (cur *MongoCursor) Close(ctx context.Context) error {
	return cur.cur.Close(ctx)
}

func (cur *MongoCursor) All(ctx context.Context, entries interface{}) error {
	return cur.cur.All(ctx, entries)
}

// MongoCollection

func (col *MongoCollection) InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (IMongoInsertOneResult, error) {
	insertOneResult, err := col.Coll.InsertOne(ctx, document, opts...)
	if err != nil {
		return nil, err
	}
	return &MongoInsertOneResult{res: insertOneResult}, nil
}

func (col *MongoCollection) Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (IMongoCursor, error) {
	cursorResult, err := col.Coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return &MongoCursor{cur: cursorResult}, nil
}
