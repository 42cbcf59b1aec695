package mongodriver

import (
	"context"
	"fmt"

	"github.com/dosco/mongoqb/core"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Conn is an open connection to a MongoDB deployment. The underlying
// mongo.Client pools connections and is safe for concurrent use.
type Conn struct {
	client *mongo.Client
}

// Dial connects to uri and pings the primary
func Dial(ctx context.Context, uri string) (*Conn, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongodriver: connect: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx) //nolint:errcheck
		return nil, fmt.Errorf("mongodriver: ping: %w", err)
	}
	return &Conn{client: client}, nil
}

// NewConn wraps an already connected client
func NewConn(client *mongo.Client) *Conn {
	return &Conn{client: client}
}

// Dialer adapts Dial to the facades
func Dialer() core.DialFunc {
	return func(ctx context.Context, uri string) (core.Conn, error) {
		c, err := Dial(ctx, uri)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Client returns the wrapped driver client
func (c *Conn) Client() *mongo.Client {
	return c.client
}

// Database returns the named database
func (c *Conn) Database(name string) core.Store {
	return &Database{db: c.client.Database(name)}
}

// Ping checks the server is reachable
func (c *Conn) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mongodriver: ping: %w", err)
	}
	return nil
}

// Disconnect closes every pooled connection
func (c *Conn) Disconnect(ctx context.Context) error {
	if err := c.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("mongodriver: disconnect: %w", err)
	}
	return nil
}

// Collections lists the collection names of db
func (c *Conn) Collections(ctx context.Context, db string) ([]string, error) {
	names, err := c.client.Database(db).ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("mongodriver: list collections: %w", err)
	}
	return names, nil
}
