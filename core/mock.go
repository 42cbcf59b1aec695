package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

var errMockDuplicateKey = errors.New("E11000 duplicate key error")

// MockConn is an in-memory deployment. It backs tests and --mock dry runs of
// the CLI and understands the subset of the query language the facades emit.
type MockConn struct {
	mu     sync.Mutex
	dbs    map[string]*MockStore
	closed bool
}

// NewMockConn returns an empty in-memory deployment
func NewMockConn() *MockConn {
	return &MockConn{dbs: make(map[string]*MockStore)}
}

// Dialer returns a DialFunc that always hands out c
func (c *MockConn) Dialer() DialFunc {
	return func(ctx context.Context, uri string) (Conn, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.closed = false
		c.mu.Unlock()
		return c, nil
	}
}

// Database returns the named database, creating it on first use
func (c *MockConn) Database(name string) Store {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.dbs[name]
	if !ok {
		s = NewMockStore(name)
		c.dbs[name] = s
	}
	return s
}

// Ping fails once the connection is closed
func (c *MockConn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotConnected
	}
	return ctx.Err()
}

// Disconnect marks the connection closed
func (c *MockConn) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Collections lists the collections of database db
func (c *MockConn) Collections(ctx context.Context, db string) ([]string, error) {
	if err := c.Ping(ctx); err != nil {
		return nil, err
	}
	return c.Database(db).(*MockStore).Collections(), nil
}

// MockStore is an in-memory database
type MockStore struct {
	name  string
	mu    sync.Mutex
	colls map[string][]bson.M
	calls int
}

// NewMockStore returns an empty in-memory database
func NewMockStore(name string) *MockStore {
	return &MockStore{name: name, colls: make(map[string][]bson.M)}
}

// Name returns the database name
func (s *MockStore) Name() string { return s.name }

// Collection returns a handle on the named collection
func (s *MockStore) Collection(name string) Collection {
	return &mockCollection{store: s, name: name}
}

// Calls returns how many driver operations have run against the store
func (s *MockStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Seed inserts docs as-is, generating an _id where missing. It does not
// count as a driver call.
func (s *MockStore) Seed(collection string, docs ...Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range docs {
		doc := copyDoc(d)
		if _, ok := doc[idField]; !ok {
			doc[idField] = bson.NewObjectID()
		}
		s.colls[collection] = append(s.colls[collection], doc)
	}
}

// Docs returns a copy of every document in collection in insertion order
func (s *MockStore) Docs(collection string) []Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Document, 0, len(s.colls[collection]))
	for _, d := range s.colls[collection] {
		out = append(out, copyDoc(d))
	}
	return out
}

// Collections returns the names of the collections holding documents
func (s *MockStore) Collections() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.colls))
	for k := range s.colls {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

type mockCollection struct {
	store *MockStore
	name  string
}

func (c *mockCollection) Find(ctx context.Context, q FindQuery) (Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	docs, err := s.query(c.name, q)
	if err != nil {
		return nil, err
	}
	for i, d := range docs {
		docs[i] = applyProjection(d, q.Projection)
	}
	return &mockCursor{docs: docs, pos: -1}, nil
}

func (c *mockCollection) Count(ctx context.Context, q FindQuery) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	q.Sort = nil
	docs, err := s.query(c.name, q)
	if err != nil {
		return 0, err
	}
	return int64(len(docs)), nil
}

func (c *mockCollection) Insert(ctx context.Context, doc Document, opts WriteOptions) (InsertResult, error) {
	if err := ctx.Err(); err != nil {
		return InsertResult{}, err
	}
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	d := copyDoc(doc)
	id, ok := d[idField]
	if !ok {
		id = bson.NewObjectID()
		d[idField] = id
	}
	for _, e := range s.colls[c.name] {
		if valuesEqual(e[idField], id) {
			return InsertResult{}, fmt.Errorf("%w: %s _id: %v", errMockDuplicateKey, c.name, id)
		}
	}
	s.colls[c.name] = append(s.colls[c.name], d)
	return InsertResult{InsertedID: id}, nil
}

func (c *mockCollection) Update(ctx context.Context, filter, update bson.D, opts UpdateOptions) (UpdateResult, error) {
	if err := ctx.Err(); err != nil {
		return UpdateResult{}, err
	}
	for _, e := range update {
		if !strings.HasPrefix(e.Key, "$") {
			return UpdateResult{}, fmt.Errorf("update document requires atomic operators, got %q", e.Key)
		}
	}

	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	var res UpdateResult
	for _, d := range s.colls[c.name] {
		ok, err := matchDoc(d, filter)
		if err != nil {
			return UpdateResult{}, err
		}
		if !ok {
			continue
		}
		res.MatchedCount++

		changed, err := applyUpdate(d, update)
		if err != nil {
			return res, err
		}
		if changed {
			res.ModifiedCount++
		}
		if !opts.Multiple {
			break
		}
	}
	return res, nil
}

func (c *mockCollection) Delete(ctx context.Context, filter bson.D, opts DeleteOptions) (DeleteResult, error) {
	if err := ctx.Err(); err != nil {
		return DeleteResult{}, err
	}
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	var res DeleteResult
	kept := make([]bson.M, 0, len(s.colls[c.name]))
	for _, d := range s.colls[c.name] {
		if opts.JustOne && res.DeletedCount == 1 {
			kept = append(kept, d)
			continue
		}
		ok, err := matchDoc(d, filter)
		if err != nil {
			return DeleteResult{}, err
		}
		if ok {
			res.DeletedCount++
			continue
		}
		kept = append(kept, d)
	}
	s.colls[c.name] = kept
	return res, nil
}

// query returns copies of the matching documents sorted, skipped and
// limited. Callers hold s.mu.
func (s *MockStore) query(coll string, q FindQuery) ([]bson.M, error) {
	var docs []bson.M
	for _, d := range s.colls[coll] {
		ok, err := matchDoc(d, q.Filter)
		if err != nil {
			return nil, err
		}
		if ok {
			docs = append(docs, copyDoc(d))
		}
	}

	if len(q.Sort) != 0 {
		sort.SliceStable(docs, func(i, j int) bool {
			return lessBySort(docs[i], docs[j], q.Sort)
		})
	}

	if q.Skip > 0 {
		if q.Skip >= int64(len(docs)) {
			return nil, nil
		}
		docs = docs[q.Skip:]
	}
	if q.Limit > 0 && q.Limit < int64(len(docs)) {
		docs = docs[:q.Limit]
	}
	return docs, nil
}

type mockCursor struct {
	docs   []bson.M
	pos    int
	err    error
	closed bool
}

func (c *mockCursor) Next(ctx context.Context) bool {
	if c.closed || c.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		c.err = err
		return false
	}
	c.pos++
	return c.pos < len(c.docs)
}

func (c *mockCursor) Decode(val any) error {
	if c.pos < 0 || c.pos >= len(c.docs) {
		return errors.New("cursor is not positioned on a document")
	}
	doc := c.docs[c.pos]

	switch v := val.(type) {
	case *bson.M:
		*v = copyDoc(doc)
		return nil
	case *map[string]any:
		*v = copyDoc(doc)
		return nil
	}

	raw, err := bson.Marshal(doc)
	if err != nil {
		return err
	}
	return bson.Unmarshal(raw, val)
}

func (c *mockCursor) Err() error { return c.err }

func (c *mockCursor) Close(ctx context.Context) error {
	c.closed = true
	return nil
}

func copyDoc(d map[string]any) bson.M {
	out := make(bson.M, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

func applyProjection(d bson.M, proj bson.D) bson.M {
	if len(proj) == 0 {
		return d
	}
	withID := true
	out := make(bson.M, len(proj))
	for _, e := range proj {
		n, _ := toFloat(e.Value)
		if e.Key == idField {
			withID = n != 0
			continue
		}
		if n == 0 {
			continue
		}
		if v, ok := lookup(d, e.Key); ok {
			setPath(out, e.Key, v)
		}
	}
	if withID {
		if v, ok := d[idField]; ok {
			out[idField] = v
		}
	}
	return out
}

// matchDoc evaluates filter against d
func matchDoc(d bson.M, filter bson.D) (bool, error) {
	for _, e := range filter {
		ok, err := matchElem(d, e)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchElem(d bson.M, e bson.E) (bool, error) {
	switch e.Key {
	case "$and", "$or", "$nor":
		clauses, ok := toSlice(e.Value)
		if !ok {
			return false, fmt.Errorf("%s needs an array", e.Key)
		}
		for _, c := range clauses {
			ok, err := matchDoc(d, toD(c))
			if err != nil {
				return false, err
			}
			switch {
			case e.Key == "$and" && !ok:
				return false, nil
			case e.Key == "$or" && ok:
				return true, nil
			case e.Key == "$nor" && ok:
				return false, nil
			}
		}
		return e.Key != "$or", nil
	}

	val, exists := lookup(d, e.Key)
	cond := conditionOf(e.Value)

	for _, p := range cond {
		ok, err := matchOp(val, exists, p)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchOp(val any, exists bool, p Predicate) (bool, error) {
	switch p.Op {
	case OpEq:
		return matchEq(val, exists, p.Value), nil

	case OpNe:
		return !matchEq(val, exists, p.Value), nil

	case OpIn, OpNin:
		list, ok := toSlice(p.Value)
		if !ok {
			return false, fmt.Errorf("%s needs an array", p.Op)
		}
		found := false
		for _, w := range list {
			if matchEq(val, exists, w) {
				found = true
				break
			}
		}
		return found == (p.Op == OpIn), nil

	case OpAll:
		list, ok := toSlice(p.Value)
		if !ok {
			return false, fmt.Errorf("%s needs an array", p.Op)
		}
		if !exists || len(list) == 0 {
			return false, nil
		}
		for _, w := range list {
			if !matchEq(val, exists, w) {
				return false, nil
			}
		}
		return true, nil

	case OpGt, OpGte, OpLt, OpLte:
		if !exists {
			return false, nil
		}
		return anyElem(val, func(v any) bool {
			c, ok := compareValues(v, p.Value)
			if !ok {
				return false
			}
			switch p.Op {
			case OpGt:
				return c > 0
			case OpGte:
				return c >= 0
			case OpLt:
				return c < 0
			default:
				return c <= 0
			}
		}), nil

	case "$exists":
		want, _ := p.Value.(bool)
		return exists == want, nil
	}
	return false, fmt.Errorf("unsupported query operator %s", p.Op)
}

// matchEq follows the server rule that an array field matches a value equal
// to the whole array or to any of its elements.
func matchEq(val any, exists bool, want any) bool {
	if !exists {
		return want == nil
	}
	if valuesEqual(val, want) {
		return true
	}
	if list, ok := toSlice(val); ok {
		for _, v := range list {
			if valuesEqual(v, want) {
				return true
			}
		}
	}
	return false
}

func anyElem(val any, fn func(any) bool) bool {
	if list, ok := toSlice(val); ok {
		for _, v := range list {
			if fn(v) {
				return true
			}
		}
		return false
	}
	return fn(val)
}

func applyUpdate(d bson.M, update bson.D) (changed bool, err error) {
	for _, e := range update {
		fields := toD(e.Value)
		for _, f := range fields {
			switch e.Key {
			case "$set":
				if old, ok := d[f.Key]; !ok || !valuesEqual(old, f.Value) {
					d[f.Key] = f.Value
					changed = true
				}
			case "$unset":
				if _, ok := d[f.Key]; ok {
					delete(d, f.Key)
					changed = true
				}
			case "$inc":
				inc, ok := toFloat(f.Value)
				if !ok {
					return changed, fmt.Errorf("$inc needs a number for %s", f.Key)
				}
				cur, ok := d[f.Key]
				if !ok {
					d[f.Key] = f.Value
					changed = true
					continue
				}
				sum, addErr := addNumbers(cur, f.Value)
				if addErr != nil {
					return changed, fmt.Errorf("$inc on %s: %w", f.Key, addErr)
				}
				d[f.Key] = sum
				changed = changed || inc != 0
			default:
				return changed, fmt.Errorf("unsupported update operator %s", e.Key)
			}
		}
	}
	return changed, nil
}

// addNumbers adds two numbers keeping integer types the way the server does:
// int32 stays int32 unless it overflows, other integers widen to int64 and
// anything with a fraction is a double.
func addNumbers(a, b any) (any, error) {
	if x, ok := a.(int); ok {
		if y, ok := b.(int); ok {
			return x + y, nil
		}
	}
	x, xok := toInt64(a)
	y, yok := toInt64(b)
	if xok && yok {
		_, a32 := a.(int32)
		_, b32 := b.(int32)
		sum := x + y
		if a32 && b32 && sum >= math.MinInt32 && sum <= math.MaxInt32 {
			return int32(sum), nil
		}
		return sum, nil
	}
	fx, xok := toFloat(a)
	fy, yok := toFloat(b)
	if !xok || !yok {
		return nil, fmt.Errorf("cannot add %T and %T", a, b)
	}
	return fx + fy, nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	}
	return 0, false
}

func lookup(d bson.M, path string) (any, bool) {
	var cur any = d
	for _, part := range strings.Split(path, ".") {
		m, ok := toMap(cur)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func toMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case bson.M:
		return m, true
	case map[string]any:
		return m, true
	case bson.D:
		out := make(map[string]any, len(m))
		for _, e := range m {
			out[e.Key] = e.Value
		}
		return out, true
	}
	return nil, false
}

func toD(v any) bson.D {
	switch m := v.(type) {
	case bson.D:
		return m
	case bson.M:
		return sortedDoc(m)
	case map[string]any:
		return sortedDoc(m)
	}
	return nil
}

func toSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case bson.A:
		return s, true
	case []any:
		return s, true
	case nil, string, []byte:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case bson.DateTime:
		return t.Time(), true
	}
	return time.Time{}, false
}

func valuesEqual(a, b any) bool {
	if c, ok := compareValues(a, b); ok {
		return c == 0
	}
	return reflect.DeepEqual(a, b)
}

// compareValues orders two values of the same kind. ok is false when the
// values are of kinds the server would not compare with $gt and friends.
func compareValues(a, b any) (c int, ok bool) {
	if x, ok := toFloat(a); ok {
		y, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	}

	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true

	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		}
		return 1, true

	case bson.ObjectID:
		y, ok := b.(bson.ObjectID)
		if !ok {
			return 0, false
		}
		return bytes.Compare(x[:], y[:]), true
	}

	if x, ok := toTime(a); ok {
		y, ok := toTime(b)
		if !ok {
			return 0, false
		}
		return x.Compare(y), true
	}
	return 0, false
}

// typeRank orders values of different kinds the way the server does for
// sorting: missing and null first, then numbers, strings, documents, arrays,
// ObjectIDs, booleans and dates.
func typeRank(v any, exists bool) int {
	if !exists || v == nil {
		return 0
	}
	if _, ok := toFloat(v); ok {
		return 1
	}
	switch v.(type) {
	case string:
		return 2
	case bson.M, bson.D, map[string]any:
		return 3
	case bson.A, []any:
		return 4
	case bson.ObjectID:
		return 5
	case bool:
		return 6
	}
	if _, ok := toTime(v); ok {
		return 7
	}
	return 8
}

func lessBySort(a, b bson.M, keys bson.D) bool {
	for _, k := range keys {
		dir, _ := toFloat(k.Value)

		av, aok := lookup(a, k.Key)
		bv, bok := lookup(b, k.Key)

		c := typeRank(av, aok) - typeRank(bv, bok)
		if c == 0 {
			c, _ = compareValues(av, bv)
		}
		if c == 0 {
			continue
		}
		if dir < 0 {
			return c > 0
		}
		return c < 0
	}
	return false
}
