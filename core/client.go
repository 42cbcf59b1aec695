package core

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"
)

const (
	DefaultHost = "localhost"
	DefaultPort = 27017
)

// Client is a thin pass-through to the driver with a single active
// connection, database and collection. It keeps no query state.
type Client struct {
	dial DialFunc
	log  *zap.Logger

	host string
	port int

	conn Conn
	db   Store
	coll Collection
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithClientLogger sets the logger driver calls are traced to
func WithClientLogger(log *zap.Logger) ClientOption {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// NewClient returns a client opening connections with dial
func NewClient(dial DialFunc, opts ...ClientOption) *Client {
	c := &Client{dial: dial, log: zap.NewNop()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect opens a connection to host:port. An empty host means localhost and
// a port below 1 means 27017.
func (c *Client) Connect(ctx context.Context, host string, port int) error {
	const op = "connect"

	if host == "" {
		host = DefaultHost
	}
	if port <= 0 {
		port = DefaultPort
	}
	if c.dial == nil {
		return newError(op, ErrDriverUnavailable, nil)
	}

	uri := "mongodb://" + net.JoinHostPort(host, strconv.Itoa(port))
	c.log.Debug("mongodb connect", zap.String("host", host), zap.Int("port", port))

	conn, err := c.dial(ctx, uri)
	if err != nil {
		return newError(op, ErrConnectionFailed, err)
	}

	c.host, c.port = host, port
	c.conn, c.db, c.coll = conn, nil, nil
	return nil
}

// Addr returns the host and port of the open connection
func (c *Client) Addr() (string, int) {
	return c.host, c.port
}

// DB selects the active database
func (c *Client) DB(name string) error {
	const op = "db"

	if name == "" {
		return newError(op, ErrMissingDatabaseConfig, nil)
	}
	if c.conn == nil {
		return newError(op, ErrNotConnected, nil)
	}
	c.db, c.coll = c.conn.Database(name), nil
	return nil
}

// Collection selects the active collection
func (c *Client) Collection(name string) error {
	const op = "collection"

	if name == "" {
		return newError(op, ErrMissingCollection, nil)
	}
	if c.db == nil {
		return newError(op, ErrMissingDatabaseConfig, nil)
	}
	c.coll = c.db.Collection(name)
	return nil
}

// Insert adds doc to the active collection and returns its _id. With safe
// set the call waits for the server to acknowledge the write.
func (c *Client) Insert(ctx context.Context, doc Document, safe bool) (any, error) {
	const op = "insert"

	if err := c.active(op); err != nil {
		return nil, err
	}
	if len(doc) == 0 {
		return nil, newError(op, ErrEmptyInsert, nil)
	}

	res, err := c.coll.Insert(ctx, doc, WriteOptions{Unacknowledged: !safe})
	if err != nil {
		return nil, newError(op, ErrQueryFailed, err)
	}
	return res.InsertedID, nil
}

// Get returns a live cursor over the documents matching filter. A nil or
// empty filter matches every document. The caller closes the cursor.
func (c *Client) Get(ctx context.Context, filter map[string]any) (Cursor, error) {
	const op = "get"

	if err := c.active(op); err != nil {
		return nil, err
	}

	cur, err := c.coll.Find(ctx, FindQuery{Filter: NewFilter(filter).BSON()})
	if err != nil {
		return nil, newError(op, ErrQueryFailed, err)
	}
	return cur, nil
}

// Update applies updates, a driver-native update document such as
// {"$set": {...}}, to the documents matching filter.
func (c *Client) Update(ctx context.Context, filter, updates map[string]any, opts UpdateOptions) (UpdateResult, error) {
	const op = "update"

	if err := c.active(op); err != nil {
		return UpdateResult{}, err
	}
	if len(filter) == 0 {
		return UpdateResult{}, newError(op, ErrInvalidFilter, fmt.Errorf("empty filter"))
	}
	if len(updates) == 0 {
		return UpdateResult{}, newError(op, ErrEmptyUpdate, nil)
	}

	res, err := c.coll.Update(ctx, NewFilter(filter).BSON(), toDoc(updates), opts)
	if err != nil {
		return UpdateResult{}, newError(op, ErrQueryFailed, err)
	}
	return res, nil
}

// Delete removes the first document matching filter, or all of them when
// multiple is set. A nil filter is rejected while an empty one matches
// everything.
func (c *Client) Delete(ctx context.Context, filter map[string]any, multiple bool) (DeleteResult, error) {
	const op = "delete"

	if err := c.active(op); err != nil {
		return DeleteResult{}, err
	}
	if filter == nil {
		return DeleteResult{}, newError(op, ErrInvalidFilter, fmt.Errorf("nil filter"))
	}

	res, err := c.coll.Delete(ctx, NewFilter(filter).BSON(), DeleteOptions{JustOne: !multiple})
	if err != nil {
		return DeleteResult{}, newError(op, ErrQueryFailed, err)
	}
	return res, nil
}

// Close disconnects the client
func (c *Client) Close(ctx context.Context) error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Disconnect(ctx)
	c.conn, c.db, c.coll = nil, nil, nil
	return err
}

func (c *Client) active(op string) error {
	switch {
	case c.conn == nil:
		return newError(op, ErrNotConnected, nil)
	case c.db == nil:
		return newError(op, ErrMissingDatabaseConfig, nil)
	case c.coll == nil:
		return newError(op, ErrMissingCollection, nil)
	}
	return nil
}

// toDoc renders an update document. Operator sub-documents keep their keys
// sorted.
func toDoc(m map[string]any) bson.D {
	d := sortedDoc(m)
	for i, e := range d {
		switch v := e.Value.(type) {
		case bson.M:
			d[i].Value = sortedDoc(v)
		case map[string]any:
			d[i].Value = sortedDoc(v)
		}
	}
	return d
}
