package core

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func findAll(t *testing.T, c Collection, q FindQuery) []Document {
	t.Helper()
	ctx := context.Background()

	cur, err := c.Find(ctx, q)
	require.NoError(t, err)
	defer cur.Close(ctx) //nolint:errcheck

	var out []Document
	for cur.Next(ctx) {
		var d Document
		require.NoError(t, cur.Decode(&d))
		out = append(out, d)
	}
	require.NoError(t, cur.Err())
	return out
}

func TestMockSortMultipleKeys(t *testing.T) {
	s := NewMockStore("app")
	s.Seed("items",
		Document{"n": "a", "group": "y", "rank": 2},
		Document{"n": "b", "group": "x", "rank": 1},
		Document{"n": "c", "group": "y", "rank": 1},
		Document{"n": "d", "group": "x", "rank": 3},
		Document{"n": "e"},
	)

	docs := findAll(t, s.Collection("items"), FindQuery{
		Sort: bson.D{{Key: "group", Value: int32(1)}, {Key: "rank", Value: int32(-1)}},
	})
	assert.Equal(t, []string{"e", "d", "b", "a", "c"}, names(mapNames(docs, "n")))
}

func mapNames(docs []Document, key string) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		out = append(out, Document{"name": d[key]})
	}
	return out
}

func TestMockComparisons(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	s := NewMockStore("app")
	s.Seed("events",
		Document{"n": "old", "at": bson.NewDateTimeFromTime(now.Add(-time.Hour)), "score": int32(5)},
		Document{"n": "new", "at": bson.NewDateTimeFromTime(now.Add(time.Hour)), "score": 7.5},
		Document{"n": "str", "at": "yesterday", "score": "high"},
	)
	c := s.Collection("events")

	docs := findAll(t, c, FindQuery{Filter: bson.D{{Key: "at", Value: bson.D{{Key: "$gt", Value: now}}}}})
	assert.Equal(t, []string{"new"}, names(mapNames(docs, "n")))

	// numbers of different widths compare, strings never match a numeric bound
	docs = findAll(t, c, FindQuery{Filter: bson.D{{Key: "score", Value: bson.D{{Key: "$gte", Value: int64(5)}}}}})
	assert.Equal(t, []string{"old", "new"}, names(mapNames(docs, "n")))
}

func TestMockLogicalOperators(t *testing.T) {
	s := NewMockStore("app")
	s.Seed("users", Document{"n": "a", "x": 1}, Document{"n": "b", "x": 2}, Document{"n": "c", "x": 3})
	c := s.Collection("users")

	docs := findAll(t, c, FindQuery{Filter: bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "x", Value: 1}},
		bson.M{"x": 3},
	}}}})
	assert.Equal(t, []string{"a", "c"}, names(mapNames(docs, "n")))

	docs = findAll(t, c, FindQuery{Filter: bson.D{{Key: "$nor", Value: bson.A{bson.D{{Key: "x", Value: 2}}}}}})
	assert.Equal(t, []string{"a", "c"}, names(mapNames(docs, "n")))

	docs = findAll(t, c, FindQuery{Filter: bson.D{{Key: "missing", Value: bson.D{{Key: "$exists", Value: false}}}}})
	assert.Len(t, docs, 3)
}

func TestMockSkipLimitAndProjection(t *testing.T) {
	s := NewMockStore("app")
	for i := 0; i < 5; i++ {
		s.Seed("nums", Document{"i": i, "sq": i * i})
	}
	c := s.Collection("nums")

	docs := findAll(t, c, FindQuery{
		Skip:       1,
		Limit:      2,
		Projection: bson.D{{Key: "sq", Value: 1}, {Key: "_id", Value: 0}},
	})
	assert.Equal(t, []Document{{"sq": 1}, {"sq": 4}}, docs)

	assert.Empty(t, findAll(t, c, FindQuery{Skip: 9}))

	n, err := c.Count(context.Background(), FindQuery{Skip: 3, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestMockProjectionNestsDottedFields(t *testing.T) {
	s := NewMockStore("app")
	s.Seed("users", Document{
		"_id":     1,
		"name":    "ann",
		"address": bson.M{"city": "x", "zip": "1"},
	})
	c := s.Collection("users")

	docs := findAll(t, c, FindQuery{
		Projection: bson.D{{Key: "address.city", Value: 1}, {Key: "_id", Value: 0}},
	})
	assert.Equal(t, []Document{{"address": Document{"city": "x"}}}, docs)

	docs = findAll(t, c, FindQuery{
		Projection: bson.D{{Key: "name", Value: 1}, {Key: "address.zip", Value: 1}},
	})
	assert.Equal(t, []Document{{"_id": 1, "name": "ann", "address": Document{"zip": "1"}}}, docs)
}

func TestMockUpdateOperators(t *testing.T) {
	ctx := context.Background()
	s := NewMockStore("app")
	s.Seed("c", Document{"k": 1, "hits": 2, "tmp": true})
	c := s.Collection("c")

	res, err := c.Update(ctx, bson.D{{Key: "k", Value: 1}}, bson.D{
		{Key: "$inc", Value: bson.D{{Key: "hits", Value: 3}}},
		{Key: "$unset", Value: bson.D{{Key: "tmp", Value: ""}}},
	}, UpdateOptions{})
	require.NoError(t, err)
	assert.Equal(t, UpdateResult{MatchedCount: 1, ModifiedCount: 1}, res)

	doc := s.Docs("c")[0]
	assert.Equal(t, 5, doc["hits"])
	assert.NotContains(t, doc, "tmp")

	// setting the same value matches but does not modify
	res, err = c.Update(ctx, bson.D{{Key: "k", Value: 1}}, bson.D{{Key: "$set", Value: bson.D{{Key: "k", Value: 1}}}}, UpdateOptions{})
	require.NoError(t, err)
	assert.Equal(t, UpdateResult{MatchedCount: 1}, res)

	_, err = c.Update(ctx, bson.D{}, bson.D{{Key: "k", Value: 2}}, UpdateOptions{})
	assert.Error(t, err)
}

func TestMockDuplicateID(t *testing.T) {
	ctx := context.Background()
	s := NewMockStore("app")
	c := s.Collection("c")

	_, err := c.Insert(ctx, Document{"_id": 1}, WriteOptions{})
	require.NoError(t, err)
	_, err = c.Insert(ctx, Document{"_id": int64(1)}, WriteOptions{})
	assert.ErrorIs(t, err, errMockDuplicateKey)
}

func TestMockDecodeStruct(t *testing.T) {
	ctx := context.Background()
	s := NewMockStore("app")
	s.Seed("users", Document{"name": "ann", "age": int32(25)})

	cur, err := s.Collection("users").Find(ctx, FindQuery{})
	require.NoError(t, err)
	require.True(t, cur.Next(ctx))

	var u struct {
		Name string `bson:"name"`
		Age  int    `bson:"age"`
	}
	require.NoError(t, cur.Decode(&u))
	assert.Equal(t, "ann", u.Name)
	assert.Equal(t, 25, u.Age)

	assert.False(t, cur.Next(ctx))
	assert.Error(t, cur.Decode(&u))
}

func TestMockCursorCancelled(t *testing.T) {
	s := NewMockStore("app")
	s.Seed("c", Document{"a": 1})

	cur, err := s.Collection("c").Find(context.Background(), FindQuery{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, cur.Next(ctx))
	assert.ErrorIs(t, cur.Err(), context.Canceled)
}

func TestMockConnDatabases(t *testing.T) {
	ctx := context.Background()
	conn := NewMockConn()

	a := conn.Database("a")
	assert.Same(t, a, conn.Database("a"))
	assert.Equal(t, "a", a.Name())

	require.NoError(t, conn.Ping(ctx))
	require.NoError(t, conn.Disconnect(ctx))
	assert.ErrorIs(t, conn.Ping(ctx), ErrNotConnected)

	_, err := conn.Dialer()(ctx, "mongodb://localhost:27017")
	require.NoError(t, err)
	require.NoError(t, conn.Ping(ctx))
}

func TestMockCollections(t *testing.T) {
	s := NewMockStore("app")
	s.Seed("b", Document{"x": 1})
	s.Seed("a", Document{"x": 1})
	assert.Equal(t, []string{"a", "b"}, s.Collections())
}

func TestMockConnCollections(t *testing.T) {
	ctx := context.Background()
	conn := NewMockConn()
	conn.Database("app").(*MockStore).Seed("users", Document{"x": 1})

	names, err := conn.Collections(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, []string{"users"}, names)

	require.NoError(t, conn.Disconnect(ctx))
	_, err = conn.Collections(ctx, "app")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestMockIncKeepsNumericType(t *testing.T) {
	tests := []struct {
		name string
		cur  any
		inc  any
		want any
	}{
		{"int", 2, 3, 5},
		{"int32", int32(2), int32(3), int32(5)},
		{"int32 overflow", int32(math.MaxInt32), int32(1), int64(math.MaxInt32) + 1},
		{"int32 and int64", int32(2), int64(3), int64(5)},
		{"int64", int64(2), int64(3), int64(5)},
		{"int and float", 2, 0.5, 2.5},
		{"float", 1.5, 1.0, 2.5},
		{"missing", nil, int32(4), int32(4)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewMockStore("app")
			doc := Document{"k": 1}
			if tt.cur != nil {
				doc["n"] = tt.cur
			}
			s.Seed("c", doc)

			_, err := s.Collection("c").Update(context.Background(), bson.D{{Key: "k", Value: 1}},
				bson.D{{Key: "$inc", Value: bson.D{{Key: "n", Value: tt.inc}}}}, UpdateOptions{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Docs("c")[0]["n"])
		})
	}
}
