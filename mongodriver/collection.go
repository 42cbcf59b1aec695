package mongodriver

import (
	"context"
	"fmt"

	"github.com/dosco/mongoqb/core"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/writeconcern"
)

// Database implements core.Store over a mongo.Database
type Database struct {
	db *mongo.Database
}

// Name returns the database name
func (d *Database) Name() string {
	return d.db.Name()
}

// Collection returns a handle on the named collection
func (d *Database) Collection(name string) core.Collection {
	return &Collection{coll: d.db.Collection(name)}
}

// Collection implements core.Collection over a mongo.Collection
type Collection struct {
	coll *mongo.Collection
}

// Find runs a find. Sort, skip and limit are applied by the server in that
// order.
func (c *Collection) Find(ctx context.Context, q core.FindQuery) (core.Cursor, error) {
	opts := options.Find()
	if len(q.Sort) != 0 {
		opts.SetSort(q.Sort)
	}
	if q.Skip > 0 {
		opts.SetSkip(q.Skip)
	}
	if q.Limit > 0 {
		opts.SetLimit(q.Limit)
	}
	if len(q.Projection) != 0 {
		opts.SetProjection(q.Projection)
	}

	cur, err := c.coll.Find(ctx, filterOf(q.Filter), opts)
	if err != nil {
		return nil, fmt.Errorf("mongodriver: find: %w", err)
	}
	return cur, nil
}

// Count counts the documents a find with the same query would return
func (c *Collection) Count(ctx context.Context, q core.FindQuery) (int64, error) {
	opts := options.Count()
	if q.Skip > 0 {
		opts.SetSkip(q.Skip)
	}
	if q.Limit > 0 {
		opts.SetLimit(q.Limit)
	}

	n, err := c.coll.CountDocuments(ctx, filterOf(q.Filter), opts)
	if err != nil {
		return 0, fmt.Errorf("mongodriver: count: %w", err)
	}
	return n, nil
}

// Insert adds a document. An unacknowledged insert returns as soon as the
// write is sent.
func (c *Collection) Insert(ctx context.Context, doc core.Document, opts core.WriteOptions) (core.InsertResult, error) {
	coll := c.coll
	if opts.Unacknowledged {
		coll = coll.Database().Collection(coll.Name(),
			options.Collection().SetWriteConcern(writeconcern.Unacknowledged()))
	}

	res, err := coll.InsertOne(ctx, doc)
	if err != nil {
		return core.InsertResult{}, fmt.Errorf("mongodriver: insertOne: %w", err)
	}
	return core.InsertResult{InsertedID: res.InsertedID}, nil
}

// Update runs updateOne, or updateMany when opts.Multiple is set
func (c *Collection) Update(ctx context.Context, filter, update bson.D, opts core.UpdateOptions) (core.UpdateResult, error) {
	var (
		res *mongo.UpdateResult
		err error
	)
	if opts.Multiple {
		res, err = c.coll.UpdateMany(ctx, filterOf(filter), update)
	} else {
		res, err = c.coll.UpdateOne(ctx, filterOf(filter), update)
	}
	if err != nil {
		return core.UpdateResult{}, fmt.Errorf("mongodriver: update: %w", err)
	}
	return core.UpdateResult{
		MatchedCount:  res.MatchedCount,
		ModifiedCount: res.ModifiedCount,
	}, nil
}

// Delete runs deleteOne, or deleteMany unless opts.JustOne is set
func (c *Collection) Delete(ctx context.Context, filter bson.D, opts core.DeleteOptions) (core.DeleteResult, error) {
	var (
		res *mongo.DeleteResult
		err error
	)
	if opts.JustOne {
		res, err = c.coll.DeleteOne(ctx, filterOf(filter))
	} else {
		res, err = c.coll.DeleteMany(ctx, filterOf(filter))
	}
	if err != nil {
		return core.DeleteResult{}, fmt.Errorf("mongodriver: delete: %w", err)
	}
	return core.DeleteResult{DeletedCount: res.DeletedCount}, nil
}

// filterOf never hands the driver a nil filter, which it rejects
func filterOf(f bson.D) bson.D {
	if f == nil {
		return bson.D{}
	}
	return f
}
