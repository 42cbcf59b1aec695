package core

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// spyStore records every query handed to the driver
type spyStore struct {
	*MockStore
	finds  []FindQuery
	counts []FindQuery
}

func (s *spyStore) Collection(name string) Collection {
	return &spyCollection{Collection: s.MockStore.Collection(name), s: s}
}

type spyCollection struct {
	Collection
	s *spyStore
}

func (c *spyCollection) Find(ctx context.Context, q FindQuery) (Cursor, error) {
	c.s.finds = append(c.s.finds, q)
	return c.Collection.Find(ctx, q)
}

func (c *spyCollection) Count(ctx context.Context, q FindQuery) (int64, error) {
	c.s.counts = append(c.s.counts, q)
	return c.Collection.Count(ctx, q)
}

func newUsers(t *testing.T) *spyStore {
	t.Helper()
	s := &spyStore{MockStore: NewMockStore("app")}
	s.Seed("users",
		Document{"name": "ann", "age": 25, "tags": bson.A{"go", "db"}},
		Document{"name": "bob", "age": 30, "tags": bson.A{"go"}},
		Document{"name": "cat", "age": 35},
		Document{"name": "dan", "age": 40, "tags": bson.A{"db"}},
		Document{"name": "eve", "age": 45},
	)
	return s
}

func names(docs []Document) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d["name"].(string))
	}
	return out
}

func TestBuilderGetSendsCursorModifiers(t *testing.T) {
	ctx := context.Background()
	s := newUsers(t)
	b := NewBuilder(s)

	docs, err := b.Select("name", "age").
		WhereGte("age", 30).
		OrderBy("age", Descending).
		Limit(2, 1).
		Get(ctx, "users")
	require.NoError(t, err)

	assert.Equal(t, []Document{
		{"name": "dan", "age": 40},
		{"name": "cat", "age": 35},
	}, docs)

	require.Len(t, s.finds, 1)
	assert.Equal(t, FindQuery{
		Filter:     bson.D{{Key: "age", Value: bson.D{{Key: "$gte", Value: 30}}}},
		Sort:       bson.D{{Key: "age", Value: int32(-1)}},
		Projection: bson.D{{Key: "name", Value: 1}, {Key: "age", Value: 1}, {Key: "_id", Value: 0}},
		Skip:       1,
		Limit:      2,
	}, s.finds[0])
}

func TestBuilderGetKeepsState(t *testing.T) {
	ctx := context.Background()
	b := NewBuilder(newUsers(t))

	b.WhereGt("age", 30).Limit(2, 0)
	_, err := b.Get(ctx, "users")
	require.NoError(t, err)

	q := b.Query()
	assert.Equal(t, int64(2), q.Limit)
	assert.Equal(t, 1, q.Filter.Len())

	// a second Get runs the same query
	docs, err := b.Get(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, []string{"cat", "dan"}, names(docs))
}

func TestBuilderGetEmptyResult(t *testing.T) {
	docs, err := NewBuilder(newUsers(t)).WhereGt("age", 100).Get(context.Background(), "users")
	require.NoError(t, err)
	assert.NotNil(t, docs)
	assert.Empty(t, docs)
}

func TestBuilderGetWhereReplacesFilter(t *testing.T) {
	b := NewBuilder(newUsers(t))
	b.WhereGt("age", 40)

	docs, err := b.GetWhere(context.Background(), "users", map[string]any{"name": "bob"})
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, names(docs))
	assert.Equal(t, []string{"name"}, b.Query().Filter.Fields())
}

func TestBuilderRangeComposition(t *testing.T) {
	b := NewBuilder(newUsers(t))
	docs, err := b.WhereGt("age", 25).WhereLt("age", 45).Get(context.Background(), "users")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "cat", "dan"}, names(docs))

	c, ok := b.Query().Filter.Get("age")
	require.True(t, ok)
	assert.Equal(t, bson.D{{Key: "$gt", Value: 25}, {Key: "$lt", Value: 45}}, c.Value())
}

func TestBuilderSetOperators(t *testing.T) {
	ctx := context.Background()
	s := newUsers(t)

	tests := []struct {
		name  string
		build func(*Builder) *Builder
		want  []string
	}{
		{"in", func(b *Builder) *Builder { return b.WhereIn("name", "ann", "eve", "zed") }, []string{"ann", "eve"}},
		{"in all", func(b *Builder) *Builder { return b.WhereInAll("tags", "go", "db") }, []string{"ann"}},
		{"not in", func(b *Builder) *Builder { return b.WhereNotIn("name", "ann", "bob", "cat") }, []string{"dan", "eve"}},
		{"not equal", func(b *Builder) *Builder { return b.WhereNe("age", 30).WhereLte("age", 35) }, []string{"ann", "cat"}},
		{"array element", func(b *Builder) *Builder { return b.Where(map[string]any{"tags": "db"}) }, []string{"ann", "dan"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs, err := tt.build(NewBuilder(s)).Get(ctx, "users")
			require.NoError(t, err)
			assert.Equal(t, tt.want, names(docs))
		})
	}
}

func TestBuilderWhereInTypedSlice(t *testing.T) {
	ctx := context.Background()
	s := newUsers(t)

	docs, err := NewBuilder(s).WhereIn("name", []string{"ann", "bob"}).Get(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, []string{"ann", "bob"}, names(docs))

	require.Len(t, s.finds, 1)
	assert.Equal(t, bson.D{{Key: "name", Value: bson.D{{Key: "$in", Value: bson.A{"ann", "bob"}}}}}, s.finds[0].Filter)

	docs, err = NewBuilder(s).WhereNotIn("age", []int{25, 30, 35}).Get(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, []string{"dan", "eve"}, names(docs))

	docs, err = NewBuilder(s).WhereInAll("tags", []string{"go", "db"}).Get(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, []string{"ann"}, names(docs))
}

func TestBuilderSelectDottedFields(t *testing.T) {
	ctx := context.Background()
	s := &spyStore{MockStore: NewMockStore("app")}
	s.Seed("users",
		Document{"name": "ann", "address": bson.M{"city": "Oslo", "zip": "0150", "street": "Main"}},
		Document{"name": "bob", "address": bson.D{{Key: "city", Value: "Rome"}}},
		Document{"name": "cat"},
	)

	docs, err := NewBuilder(s).Select("name", "address.city", "address.zip").Get(ctx, "users")
	require.NoError(t, err)

	require.Len(t, s.finds, 1)
	assert.Equal(t, bson.D{
		{Key: "name", Value: 1},
		{Key: "address.city", Value: 1},
		{Key: "address.zip", Value: 1},
		{Key: "_id", Value: 0},
	}, s.finds[0].Projection)

	assert.Equal(t, []Document{
		{"name": "ann", "address": Document{"city": "Oslo", "zip": "0150"}},
		{"name": "bob", "address": Document{"city": "Rome"}},
		{"name": "cat"},
	}, docs)
}

func TestProjectNestedDocuments(t *testing.T) {
	doc := Document{
		"_id":     "x",
		"address": Document{"city": "Oslo", "geo": bson.D{{Key: "lat", Value: 59.9}, {Key: "lng", Value: 10.7}}},
		"tags":    bson.A{"a"},
	}

	tests := []struct {
		name      string
		selection []string
		want      Document
	}{
		{"none", nil, doc},
		{"dotted", []string{"address.city"}, Document{"address": Document{"city": "Oslo"}}},
		{"deep", []string{"address.geo.lat"}, Document{"address": Document{"geo": Document{"lat": 59.9}}}},
		{"whole subdocument", []string{"address"}, Document{"address": doc["address"]}},
		{"missing", []string{"address.zip", "nope.x"}, Document{}},
		{"through scalar", []string{"tags.a"}, Document{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, project(doc, tt.selection))
		})
	}
}

func TestBuilderOrderByDescending(t *testing.T) {
	docs, err := NewBuilder(newUsers(t)).OrderBy("age", Descending).Get(context.Background(), "users")
	require.NoError(t, err)
	require.Len(t, docs, 5)

	for i := 1; i < len(docs); i++ {
		assert.GreaterOrEqual(t, docs[i-1]["age"].(int), docs[i]["age"].(int))
	}
}

func TestBuilderOrderByInvalidDirection(t *testing.T) {
	ctx := context.Background()
	s := newUsers(t)
	b := NewBuilder(s)

	_, err := b.OrderBy("age", Direction(2)).Get(ctx, "users")
	assert.ErrorIs(t, err, ErrInvalidDirection)
	assert.True(t, IsValidation(err))
	assert.Equal(t, 0, s.Calls())

	// Count reports the same error and clears it
	_, err = b.Count(ctx, "users")
	assert.ErrorIs(t, err, ErrInvalidDirection)

	n, err := b.Count(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestParseDirection(t *testing.T) {
	tests := []struct {
		in      string
		want    Direction
		wantErr bool
	}{
		{"asc", Ascending, false},
		{"ASCENDING", Ascending, false},
		{"1", Ascending, false},
		{"desc", Descending, false},
		{" Descending ", Descending, false},
		{"-1", Descending, false},
		{"up", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			d, err := ParseDirection(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidDirection)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d)
		})
	}
}

func TestBuilderSelectAndLimitIgnoreEmpty(t *testing.T) {
	b := NewBuilder(nil)
	b.Select("name").Select("", "").Limit(3, 2).Limit(0, -1)

	q := b.Query()
	assert.Equal(t, []string{"name"}, q.Selection)
	assert.Equal(t, int64(3), q.Limit)
	assert.Equal(t, int64(2), q.Offset)

	b.WhereGt("", 1)
	assert.Equal(t, 0, b.Query().Filter.Len())
}

func TestBuilderCountMatchesGet(t *testing.T) {
	ctx := context.Background()
	s := newUsers(t)
	b := NewBuilder(s)

	b.WhereGte("age", 30).OrderBy("name", Ascending).Limit(2, 1)
	docs, err := b.Get(ctx, "users")
	require.NoError(t, err)

	n, err := b.Count(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, int64(len(docs)), n)

	require.Len(t, s.counts, 1)
	assert.Nil(t, s.counts[0].Projection)
	assert.Equal(t, int64(1), s.counts[0].Skip)
	assert.Equal(t, int64(2), s.counts[0].Limit)
}

func TestBuilderResetPolicy(t *testing.T) {
	ctx := context.Background()

	primed := func(s Store) *Builder {
		return NewBuilder(s).Select("name").WhereGt("age", 1).OrderBy("age", Ascending).Limit(10, 1)
	}

	tests := []struct {
		name  string
		run   func(*Builder) error
		reset bool
	}{
		{"get", func(b *Builder) error { _, err := b.Get(ctx, "users"); return err }, false},
		{"insert", func(b *Builder) error { _, err := b.Insert(ctx, "users", Document{"name": "x"}); return err }, false},
		{"delete", func(b *Builder) error { _, err := b.Delete(ctx, "users", map[string]any{"name": "x"}); return err }, false},
		{"delete all", func(b *Builder) error { _, err := b.DeleteAll(ctx, "users", map[string]any{"name": "x"}); return err }, false},
		{"count", func(b *Builder) error { _, err := b.Count(ctx, "users"); return err }, true},
		{"update", func(b *Builder) error { _, err := b.Update(ctx, "users", Document{"seen": true}); return err }, true},
		{"update all", func(b *Builder) error { _, err := b.UpdateAll(ctx, "users", Document{"seen": true}); return err }, true},
		{"count failure", func(b *Builder) error { _, _ = b.Count(ctx, ""); return nil }, true},
		{"update failure", func(b *Builder) error { _, _ = b.Update(ctx, "users", nil); return nil }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := primed(newUsers(t))
			before := b.Query()

			require.NoError(t, tt.run(b))

			if tt.reset {
				assert.Equal(t, Query{}, b.Query())
			} else {
				assert.Equal(t, before, b.Query())
			}
		})
	}
}

func TestBuilderMissingCollection(t *testing.T) {
	ctx := context.Background()
	s := newUsers(t)
	b := NewBuilder(s)

	ops := map[string]func() error{
		"get":        func() error { _, err := b.Get(ctx, ""); return err },
		"get where":  func() error { _, err := b.GetWhere(ctx, "", nil); return err },
		"count":      func() error { _, err := b.Count(ctx, ""); return err },
		"insert":     func() error { _, err := b.Insert(ctx, "", Document{"a": 1}); return err },
		"update":     func() error { _, err := b.Update(ctx, "", Document{"a": 1}); return err },
		"update all": func() error { _, err := b.UpdateAll(ctx, "", Document{"a": 1}); return err },
		"delete":     func() error { _, err := b.Delete(ctx, "", map[string]any{"a": 1}); return err },
		"delete all": func() error { _, err := b.DeleteAll(ctx, "", map[string]any{"a": 1}); return err },
	}

	for name, run := range ops {
		t.Run(name, func(t *testing.T) {
			err := run()
			assert.ErrorIs(t, err, ErrMissingCollection)
			assert.Equal(t, 0, s.Calls())
		})
	}
}

func TestBuilderNoStore(t *testing.T) {
	_, err := NewBuilder(nil).Get(context.Background(), "users")
	assert.ErrorIs(t, err, ErrDriverUnavailable)
}

func TestBuilderInsert(t *testing.T) {
	ctx := context.Background()
	s := newUsers(t)
	b := NewBuilder(s)

	res, err := b.Insert(ctx, "users", Document{"name": "fay", "age": 50})
	require.NoError(t, err)
	assert.IsType(t, bson.ObjectID{}, res.InsertedID)
	assert.Len(t, s.Docs("users"), 6)

	_, err = b.Insert(ctx, "users", Document{})
	assert.ErrorIs(t, err, ErrEmptyInsert)
	assert.Equal(t, 1, s.Calls())
}

func TestBuilderUpdateVersusUpdateAll(t *testing.T) {
	ctx := context.Background()
	s := NewMockStore("app")
	s.Seed("jobs",
		Document{"n": 1, "status": "new"},
		Document{"n": 2, "status": "old"},
		Document{"n": 3, "status": "new"},
		Document{"n": 4, "status": "old"},
		Document{"n": 5, "status": "new"},
	)
	b := NewBuilder(s)

	statusCount := func(status string) int {
		n := 0
		for _, d := range s.Docs("jobs") {
			if d["status"] == status {
				n++
			}
		}
		return n
	}

	res, err := b.Where(map[string]any{"status": "new"}).Update(ctx, "jobs", Document{"status": "done"})
	require.NoError(t, err)
	assert.Equal(t, UpdateResult{MatchedCount: 1, ModifiedCount: 1}, res)
	assert.Equal(t, 1, statusCount("done"))
	assert.Equal(t, 2, statusCount("new"))

	res, err = b.Where(map[string]any{"status": "new"}).UpdateAll(ctx, "jobs", Document{"status": "done"})
	require.NoError(t, err)
	assert.Equal(t, UpdateResult{MatchedCount: 2, ModifiedCount: 2}, res)
	assert.Equal(t, 3, statusCount("done"))
	assert.Equal(t, 2, statusCount("old"))
}

func TestBuilderUpdateWrapsPatchInSet(t *testing.T) {
	ctx := context.Background()
	s := newUsers(t)

	_, err := NewBuilder(s).Where(map[string]any{"name": "bob"}).Update(ctx, "users", Document{"age": 31})
	require.NoError(t, err)

	for _, d := range s.Docs("users") {
		if d["name"] == "bob" {
			assert.Equal(t, 31, d["age"])
			assert.Equal(t, bson.A{"go"}, d["tags"])
		}
	}
}

func TestBuilderUpdateEmptyPatch(t *testing.T) {
	s := newUsers(t)
	_, err := NewBuilder(s).UpdateAll(context.Background(), "users", Document{})
	assert.ErrorIs(t, err, ErrEmptyUpdate)
	assert.Equal(t, 0, s.Calls())
}

func TestBuilderDeleteVersusDeleteAll(t *testing.T) {
	ctx := context.Background()
	s := NewMockStore("app")
	s.Seed("tmp", Document{"tag": "x"}, Document{"tag": "x"}, Document{"tag": "x"}, Document{"tag": "y"})
	b := NewBuilder(s)

	res, err := b.Delete(ctx, "tmp", map[string]any{"tag": "x"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.DeletedCount)
	assert.Len(t, s.Docs("tmp"), 3)

	res, err = b.DeleteAll(ctx, "tmp", map[string]any{"tag": "x"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.DeletedCount)
	assert.Len(t, s.Docs("tmp"), 1)
}

func TestBuilderDeleteCoercesStringID(t *testing.T) {
	ctx := context.Background()
	id := bson.NewObjectID()
	s := NewMockStore("app")
	s.Seed("users", Document{"_id": id, "name": "ann"}, Document{"name": "bob"})
	b := NewBuilder(s)

	res, err := b.Delete(ctx, "users", map[string]any{"_id": id.Hex()})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.DeletedCount)
	assert.Len(t, s.Docs("users"), 1)

	calls := s.Calls()
	_, err = b.Delete(ctx, "users", map[string]any{"_id": "not-hex"})
	assert.ErrorIs(t, err, ErrInvalidFilter)
	assert.Equal(t, calls, s.Calls())
}

func TestBuilderDeleteEmptyFilter(t *testing.T) {
	s := newUsers(t)
	_, err := NewBuilder(s).DeleteAll(context.Background(), "users", nil)
	assert.ErrorIs(t, err, ErrEmptyDelete)
	assert.Len(t, s.Docs("users"), 5)
}

func TestBuilderDriverFailure(t *testing.T) {
	_, err := NewBuilder(newUsers(t)).
		Where(map[string]any{"age": bson.M{"$regex": "^1"}}).
		Get(context.Background(), "users")

	assert.ErrorIs(t, err, ErrQueryFailed)
	assert.False(t, IsValidation(err))
}

func TestBuilderTracesAtDebug(t *testing.T) {
	obs, logs := observer.New(zap.DebugLevel)
	b := NewBuilder(newUsers(t), WithLogger(zap.New(obs)))

	_, err := b.WhereGt("age", 1).Get(context.Background(), "users")
	require.NoError(t, err)

	entries := logs.FilterMessage("mongodb get").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "users", entries[0].ContextMap()["collection"])
}

func TestBuilderErrorWrapping(t *testing.T) {
	_, err := NewBuilder(nil).Count(context.Background(), "")

	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "count", e.Op)
}
