package core

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Document is a single schema-less record
type Document = bson.M

// DialFunc opens a connection to the server at uri
type DialFunc func(ctx context.Context, uri string) (Conn, error)

// Conn is an open connection to a MongoDB deployment
type Conn interface {
	Database(name string) Store
	Ping(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// Store is a database on an open connection
type Store interface {
	Name() string
	Collection(name string) Collection
}

// Collection is the set of driver primitives the facades are built on
type Collection interface {
	Find(ctx context.Context, q FindQuery) (Cursor, error)
	Count(ctx context.Context, q FindQuery) (int64, error)
	Insert(ctx context.Context, doc Document, opts WriteOptions) (InsertResult, error)
	Update(ctx context.Context, filter, update bson.D, opts UpdateOptions) (UpdateResult, error)
	Delete(ctx context.Context, filter bson.D, opts DeleteOptions) (DeleteResult, error)
}

// Cursor is a lazy iterator over find results. *mongo.Cursor implements it.
type Cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

// FindQuery is what a find or count is executed with. The server applies
// Sort first, then Skip, then Limit. Zero Skip or Limit means unset.
type FindQuery struct {
	Filter     bson.D
	Sort       bson.D
	Projection bson.D
	Skip       int64
	Limit      int64
}

// WriteOptions controls insert acknowledgement
type WriteOptions struct {
	// Unacknowledged sends the write without waiting for the server
	Unacknowledged bool
}

// UpdateOptions carries the "multiple documents" flag of an update
type UpdateOptions struct {
	Multiple bool
}

// DeleteOptions carries the "just one" flag of a remove
type DeleteOptions struct {
	JustOne bool
}

// InsertResult is returned by an insert
type InsertResult struct {
	InsertedID any
}

// UpdateResult is returned by an update
type UpdateResult struct {
	MatchedCount  int64
	ModifiedCount int64
}

// DeleteResult is returned by a remove
type DeleteResult struct {
	DeletedCount int64
}
