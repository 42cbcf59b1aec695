package serv

import (
	"context"

	"github.com/dosco/mongoqb/core"
	"github.com/dosco/mongoqb/serv/internal/util"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Service owns the shared connection and hands out a fresh builder or
// client per request
type Service struct {
	conf  *Config
	log   *zap.SugaredLogger
	zlog  *zap.Logger
	dial  core.DialFunc
	conn  core.Conn
	store core.Store
}

// Option configures a Service
type Option func(*Service) error

// OptionSetLogger sets the logger used by the service and everything it
// creates
func OptionSetLogger(log *zap.Logger) Option {
	return func(s *Service) error {
		s.zlog = log
		return nil
	}
}

// OptionSetDialer sets the function used to open the connection
func OptionSetDialer(dial core.DialFunc) Option {
	return func(s *Service) error {
		s.dial = dial
		return nil
	}
}

// OptionSetConn uses an already open connection instead of dialing
func OptionSetConn(conn core.Conn) Option {
	return func(s *Service) error {
		s.conn = conn
		return nil
	}
}

// NewService validates conf and opens the connection. Without a connection
// or a dialer it fails with core.ErrDriverUnavailable.
func NewService(ctx context.Context, conf *Config, options ...Option) (*Service, error) {
	s := &Service{conf: conf}

	for _, op := range options {
		if err := op(s); err != nil {
			return nil, err
		}
	}

	if s.zlog == nil {
		s.zlog = NewLogger(conf)
	}
	s.log = s.zlog.Sugar()

	if err := conf.Validate(); err != nil {
		return nil, err
	}

	if s.conn == nil {
		if s.dial == nil {
			return nil, errors.Wrap(core.ErrDriverUnavailable, "no connection or dialer")
		}
		conn, err := NewConn(ctx, conf, s.dial, s.log)
		if err != nil {
			return nil, err
		}
		s.conn = conn
	}

	store, err := core.CacheCollections(s.conn.Database(conf.DB), conf.CacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "collection cache")
	}
	s.store = store

	s.log.Debugf("%s: using database %s on %s:%d", conf.AppName, conf.DB, conf.Host, conf.Port)
	return s, nil
}

// NewLogger builds the logger described by conf
func NewLogger(conf *Config) *zap.Logger {
	level, err := zapcore.ParseLevel(conf.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	return util.NewLogger(conf.ShouldUseJSONLogs(), level)
}

// Builder returns a new query builder on the configured database
func (s *Service) Builder() *core.Builder {
	return core.NewBuilder(s.store, core.WithLogger(s.zlog))
}

// Client returns a new minimal client sharing the service connection.
// Connect on it never dials and Close leaves the connection open.
func (s *Service) Client() *core.Client {
	conn := sharedConn{s.conn}
	dial := func(ctx context.Context, uri string) (core.Conn, error) {
		return conn, nil
	}
	return core.NewClient(dial, core.WithClientLogger(s.zlog))
}

// Conn returns the shared connection
func (s *Service) Conn() core.Conn { return s.conn }

// Store returns the configured database
func (s *Service) Store() core.Store { return s.store }

// Config returns the service configuration
func (s *Service) Config() *Config { return s.conf }

// Log returns the service logger
func (s *Service) Log() *zap.SugaredLogger { return s.log }

// Close disconnects the shared connection
func (s *Service) Close(ctx context.Context) error {
	return s.conn.Disconnect(ctx)
}
