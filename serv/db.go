package serv

import (
	"context"
	"fmt"
	"time"

	"github.com/dosco/mongoqb/core"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// NewConn dials the configured server with a retry loop. Each attempt gets
// conf.ConnectTimeout and attempts back off linearly.
func NewConn(ctx context.Context, conf *Config, dial core.DialFunc, log *zap.SugaredLogger) (core.Conn, error) {
	if dial == nil {
		return nil, errors.WithStack(core.ErrDriverUnavailable)
	}

	uri, err := conf.ConnString()
	if err != nil {
		return nil, err
	}

	retries := conf.ConnectRetries
	if retries < 1 {
		retries = 1
	}

	for i := 0; ; {
		conn, err := dialOnce(ctx, conf, dial, uri)
		if err == nil {
			return conn, nil
		}
		log.Warnf("mongodb connect: %s", err)

		i++
		if i >= retries {
			return nil, errors.Wrapf(fmt.Errorf("%w: %w", core.ErrConnectionFailed, err),
				"%s:%d after %d attempts", conf.Host, conf.Port, i)
		}

		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "mongodb connect")
		case <-time.After(time.Duration(i*100) * time.Millisecond):
		}
	}
}

// dialOnce attempts a single connection and checks it with a ping
func dialOnce(ctx context.Context, conf *Config, dial core.DialFunc, uri string) (core.Conn, error) {
	if conf.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, conf.ConnectTimeout)
		defer cancel()
	}

	conn, err := dial(ctx, uri)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Disconnect(ctx) //nolint:errcheck
		return nil, err
	}
	return conn, nil
}

// sharedConn hands the service connection to clients without letting them
// close it
type sharedConn struct {
	core.Conn
}

func (sharedConn) Disconnect(ctx context.Context) error { return nil }
