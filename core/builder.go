package core

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"
)

const idField = "_id"

// Direction is a sort direction
type Direction int

const (
	Ascending  Direction = 1
	Descending Direction = -1
)

func (d Direction) String() string {
	switch d {
	case Ascending:
		return "ascending"
	case Descending:
		return "descending"
	}
	return "Direction(" + strconv.Itoa(int(d)) + ")"
}

// ParseDirection normalizes asc, ascending, 1, desc, descending and -1 in any
// case. Everything else is rejected.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "asc", "ascending", "1":
		return Ascending, nil
	case "desc", "descending", "-1":
		return Descending, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidDirection, s)
}

// Query is a snapshot of the state accumulated by a Builder
type Query struct {
	Selection []string
	Filter    Filter
	Sort      bson.D
	Limit     int64
	Offset    int64
}

func (q Query) findQuery() FindQuery {
	fq := FindQuery{
		Filter: q.Filter.BSON(),
		Skip:   q.Offset,
		Limit:  q.Limit,
	}
	if len(q.Sort) != 0 {
		fq.Sort = q.Sort
	}
	if len(q.Selection) != 0 {
		fq.Projection = projectionOf(q.Selection)
	}
	return fq
}

// Builder accumulates a query through chained calls and runs it against a
// collection. A builder is meant for a single request and is not safe for
// concurrent use.
//
// Get, Insert, Delete and DeleteAll keep the accumulated state. Count, Update
// and UpdateAll clear it once they return, whether they failed or not.
type Builder struct {
	store Store
	log   *zap.Logger
	q     Query

	// sticky error from a chained call, reported by the next terminal operation
	err error
}

// BuilderOption configures a Builder
type BuilderOption func(*Builder)

// WithLogger sets the logger driver calls are traced to at debug level
func WithLogger(log *zap.Logger) BuilderOption {
	return func(b *Builder) {
		if log != nil {
			b.log = log
		}
	}
}

// NewBuilder returns a builder running its queries on store
func NewBuilder(store Store, opts ...BuilderOption) *Builder {
	b := &Builder{store: store, log: zap.NewNop()}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Select sets the fields returned by Get. Empty names are ignored and a call
// without any name leaves the selection unchanged.
func (b *Builder) Select(fields ...string) *Builder {
	sel := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			sel = append(sel, f)
		}
	}
	if len(sel) != 0 {
		b.q.Selection = sel
	}
	return b
}

// Where replaces the whole filter with filter
func (b *Builder) Where(filter map[string]any) *Builder {
	b.q.Filter = NewFilter(filter)
	return b
}

func (b *Builder) where(field string, p Predicate) *Builder {
	if field != "" {
		b.q.Filter.Merge(field, p)
	}
	return b
}

// WhereIn matches documents where field is any of values
func (b *Builder) WhereIn(field string, values ...any) *Builder {
	return b.where(field, In(values...))
}

// WhereInAll matches documents where the array field holds all of values
func (b *Builder) WhereInAll(field string, values ...any) *Builder {
	return b.where(field, All(values...))
}

// WhereNotIn matches documents where field is none of values
func (b *Builder) WhereNotIn(field string, values ...any) *Builder {
	return b.where(field, NotIn(values...))
}

// WhereGt matches documents where field is greater than v
func (b *Builder) WhereGt(field string, v any) *Builder {
	return b.where(field, GreaterThan(v))
}

// WhereGte matches documents where field is greater than or equal to v
func (b *Builder) WhereGte(field string, v any) *Builder {
	return b.where(field, GreaterOrEqual(v))
}

// WhereLt matches documents where field is less than v
func (b *Builder) WhereLt(field string, v any) *Builder {
	return b.where(field, LessThan(v))
}

// WhereLte matches documents where field is less than or equal to v
func (b *Builder) WhereLte(field string, v any) *Builder {
	return b.where(field, LessOrEqual(v))
}

// WhereNe matches documents where field is not equal to v
func (b *Builder) WhereNe(field string, v any) *Builder {
	return b.where(field, NotEqual(v))
}

// OrderBy appends a sort key. Directions other than Ascending and Descending
// fail the next terminal operation with ErrInvalidDirection.
func (b *Builder) OrderBy(field string, dir Direction) *Builder {
	if dir != Ascending && dir != Descending {
		if b.err == nil {
			b.err = fmt.Errorf("%w: %s on %q", ErrInvalidDirection, dir, field)
		}
		return b
	}
	if field != "" {
		b.q.Sort = append(b.q.Sort, bson.E{Key: field, Value: int32(dir)})
	}
	return b
}

// Limit caps the number of documents returned and sets how many matching
// documents are skipped first. Values below 1 leave the previous setting.
func (b *Builder) Limit(n, offset int64) *Builder {
	if n >= 1 {
		b.q.Limit = n
	}
	if offset >= 1 {
		b.q.Offset = offset
	}
	return b
}

// Reset clears all accumulated state
func (b *Builder) Reset() {
	b.q = Query{}
	b.err = nil
}

// Query returns a copy of the accumulated state
func (b *Builder) Query() Query {
	return Query{
		Selection: append([]string(nil), b.q.Selection...),
		Filter:    b.q.Filter.Clone(),
		Sort:      append(bson.D(nil), b.q.Sort...),
		Limit:     b.q.Limit,
		Offset:    b.q.Offset,
	}
}

// GetWhere sets the filter and runs Get
func (b *Builder) GetWhere(ctx context.Context, collection string, filter map[string]any) ([]Document, error) {
	return b.Where(filter).Get(ctx, collection)
}

// Get runs the query on collection and returns every matching document,
// reduced to the selected fields when a selection is set.
func (b *Builder) Get(ctx context.Context, collection string) ([]Document, error) {
	const op = "get"

	if err := b.check(op, collection); err != nil {
		return nil, err
	}

	fq := b.q.findQuery()
	b.trace(op, collection, fq)

	cur, err := b.store.Collection(collection).Find(ctx, fq)
	if err != nil {
		return nil, newError(op, ErrQueryFailed, err)
	}
	defer cur.Close(ctx) //nolint:errcheck

	results := make([]Document, 0)
	for cur.Next(ctx) {
		var doc Document
		if err := cur.Decode(&doc); err != nil {
			return nil, newError(op, ErrQueryFailed, err)
		}
		results = append(results, project(doc, b.q.Selection))
	}
	if err := cur.Err(); err != nil {
		return nil, newError(op, ErrQueryFailed, err)
	}

	return results, nil
}

// Count returns how many documents Get would return
func (b *Builder) Count(ctx context.Context, collection string) (int64, error) {
	const op = "count"
	defer b.Reset()

	if err := b.check(op, collection); err != nil {
		return 0, err
	}

	fq := b.q.findQuery()
	fq.Projection = nil
	b.trace(op, collection, fq)

	n, err := b.store.Collection(collection).Count(ctx, fq)
	if err != nil {
		return 0, newError(op, ErrQueryFailed, err)
	}
	return n, nil
}

// Insert adds doc to collection
func (b *Builder) Insert(ctx context.Context, collection string, doc Document) (InsertResult, error) {
	const op = "insert"

	if err := b.check(op, collection); err != nil {
		return InsertResult{}, err
	}
	if len(doc) == 0 {
		return InsertResult{}, newError(op, ErrEmptyInsert, nil)
	}

	b.log.Debug("mongodb insert", zap.String("collection", collection), zap.Int("fields", len(doc)))

	res, err := b.store.Collection(collection).Insert(ctx, doc, WriteOptions{})
	if err != nil {
		return InsertResult{}, newError(op, ErrQueryFailed, err)
	}
	return res, nil
}

// Update sets the fields of patch on the first document matching the filter
func (b *Builder) Update(ctx context.Context, collection string, patch Document) (UpdateResult, error) {
	defer b.Reset()
	return b.update(ctx, "update", collection, patch, false)
}

// UpdateAll sets the fields of patch on every document matching the filter
func (b *Builder) UpdateAll(ctx context.Context, collection string, patch Document) (UpdateResult, error) {
	defer b.Reset()
	return b.update(ctx, "update_all", collection, patch, true)
}

func (b *Builder) update(ctx context.Context, op, collection string, patch Document, multi bool) (UpdateResult, error) {
	if err := b.check(op, collection); err != nil {
		return UpdateResult{}, err
	}
	if len(patch) == 0 {
		return UpdateResult{}, newError(op, ErrEmptyUpdate, nil)
	}

	filter := b.q.Filter.BSON()
	update := bson.D{{Key: "$set", Value: sortedDoc(patch)}}

	b.log.Debug("mongodb update",
		zap.String("collection", collection),
		zap.Any("filter", filter),
		zap.Bool("multiple", multi))

	res, err := b.store.Collection(collection).Update(ctx, filter, update, UpdateOptions{Multiple: multi})
	if err != nil {
		return UpdateResult{}, newError(op, ErrQueryFailed, err)
	}
	return res, nil
}

// Delete removes the first document matching filter. A string _id is
// converted to an ObjectID.
func (b *Builder) Delete(ctx context.Context, collection string, filter map[string]any) (DeleteResult, error) {
	return b.delete(ctx, "delete", collection, filter, true)
}

// DeleteAll removes every document matching filter
func (b *Builder) DeleteAll(ctx context.Context, collection string, filter map[string]any) (DeleteResult, error) {
	return b.delete(ctx, "delete_all", collection, filter, false)
}

func (b *Builder) delete(ctx context.Context, op, collection string, filter map[string]any, justOne bool) (DeleteResult, error) {
	if err := b.check(op, collection); err != nil {
		return DeleteResult{}, err
	}
	if len(filter) == 0 {
		return DeleteResult{}, newError(op, ErrEmptyDelete, nil)
	}

	filter, err := coerceID(filter)
	if err != nil {
		return DeleteResult{}, newError(op, ErrInvalidFilter, err)
	}
	f := NewFilter(filter).BSON()

	b.log.Debug("mongodb remove",
		zap.String("collection", collection),
		zap.Any("filter", f),
		zap.Bool("just_one", justOne))

	res, err := b.store.Collection(collection).Delete(ctx, f, DeleteOptions{JustOne: justOne})
	if err != nil {
		return DeleteResult{}, newError(op, ErrQueryFailed, err)
	}
	return res, nil
}

// check validates what every terminal operation needs before the driver is
// called.
func (b *Builder) check(op, collection string) error {
	if collection == "" {
		return newError(op, ErrMissingCollection, nil)
	}
	if b.err != nil {
		return newError(op, ErrInvalidDirection, b.err)
	}
	if b.store == nil {
		return newError(op, ErrDriverUnavailable, nil)
	}
	return nil
}

func (b *Builder) trace(op, collection string, fq FindQuery) {
	if ce := b.log.Check(zap.DebugLevel, "mongodb "+op); ce != nil {
		ce.Write(
			zap.String("collection", collection),
			zap.Any("filter", fq.Filter),
			zap.Any("sort", fq.Sort),
			zap.Int64("offset", fq.Skip),
			zap.Int64("limit", fq.Limit))
	}
}

// coerceID returns a copy of filter with a string _id parsed as ObjectID
func coerceID(filter map[string]any) (map[string]any, error) {
	id, ok := filter[idField].(string)
	if !ok {
		return filter, nil
	}

	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("%s %q: %w", idField, id, err)
	}

	out := make(map[string]any, len(filter))
	for k, v := range filter {
		out[k] = v
	}
	out[idField] = oid
	return out, nil
}

// projectionOf asks the server for the selected fields only. _id is
// excluded unless selected since the server returns it by default.
func projectionOf(selection []string) bson.D {
	d := make(bson.D, 0, len(selection)+1)
	withID := false
	for _, f := range selection {
		if f == idField {
			withID = true
		}
		d = append(d, bson.E{Key: f, Value: 1})
	}
	if !withID {
		d = append(d, bson.E{Key: idField, Value: 0})
	}
	return d
}

// project keeps the selected fields present in doc. Dotted fields are read
// from subdocuments and rebuilt nested, the shape the server returns for
// them. Absent fields are not filled in.
func project(doc Document, selection []string) Document {
	if len(selection) == 0 {
		return doc
	}
	out := make(Document, len(selection))
	for _, f := range selection {
		if v, ok := lookup(doc, f); ok {
			setPath(out, f, v)
		}
	}
	return out
}

// setPath stores v at the dotted path in d, creating subdocuments on the way.
// A path under a value that is already set whole is left alone.
func setPath(d Document, path string, v any) {
	parts := strings.Split(path, ".")
	for _, p := range parts[:len(parts)-1] {
		cur, ok := d[p]
		if !ok {
			next := make(Document)
			d[p] = next
			d = next
			continue
		}
		next, ok := cur.(Document)
		if !ok {
			return
		}
		d = next
	}
	d[parts[len(parts)-1]] = v
}

// sortedDoc renders m as a document with its keys in sorted order
func sortedDoc(m map[string]any) bson.D {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	d := make(bson.D, 0, len(keys))
	for _, k := range keys {
		d = append(d, bson.E{Key: k, Value: m[k]})
	}
	return d
}
