// Package store owns the single connection to the backing key-value store
// and provides the backends it can talk to.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// DefaultMaxRetryCount is the number of failed dials tolerated before a
// connection is marked unhealthy.
const DefaultMaxRetryCount = 5

type Options struct {
	// Password is sent with AUTH after connecting, if not empty.
	Password string
	// DB is the namespace to SELECT after connecting, if not zero.
	DB int
	// MaxRetryCount is the number of consecutive failed dials after which
	// the connection stops trying for good.
	MaxRetryCount int
}

// Conn is the one connection to the backing store.
// It dials lazily and redials on demand, but once more than MaxRetryCount
// consecutive dials have failed it latches into an unhealthy state and never
// dials again.
//
// Conn is safe for concurrent use. Commands are serialized over the single handle.
type Conn struct {
	dialer Dialer
	opts   Options
	log    zerolog.Logger

	mu       sync.Mutex
	cmds     Commands
	failures int
	healthy  bool
}

// NewConn creates a connection for the given dialer.
// It does not dial; call Connect or let the first command do it.
func NewConn(dialer Dialer, opts Options, logger zerolog.Logger) *Conn {
	if opts.MaxRetryCount < 0 {
		opts.MaxRetryCount = DefaultMaxRetryCount
	}
	return &Conn{
		dialer:  dialer,
		opts:    opts,
		log:     logger.With().Str("store", dialer.String()).Logger(),
		healthy: true,
	}
}

// Connect (re)establishes the connection, replacing any live handle.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connect(ctx)
}

// EnsureConnected connects if there is no live handle.
func (c *Conn) EnsureConnected(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureConnected(ctx)
}

// Do runs fn with the live handle, connecting first if needed.
// If the store is unavailable fn is not called and the error wraps ErrUnavailable.
// A transport error returned by fn drops the handle, so that the next call redials.
// Errors caused by ctx being cancelled or timing out keep the handle.
func (c *Conn) Do(ctx context.Context, fn func(Commands) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}
	err := fn(c.cmds)
	if err != nil && !errors.Is(err, ErrNil) && !IsReplyError(err) && !isContextError(err) {
		c.log.Warn().Err(err).Msg("Dropping store connection after transport error")
		c.release()
	}
	return err
}

// Healthy reports whether the connection may still dial.
func (c *Conn) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy && c.failures <= c.opts.MaxRetryCount
}

// Failures returns the number of consecutive failed dials.
func (c *Conn) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

// Close releases the live handle. The connection may be used again afterwards.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmds == nil {
		return nil
	}
	err := c.cmds.Close()
	c.cmds = nil
	return err
}

func (c *Conn) ensureConnected(ctx context.Context) error {
	if c.cmds != nil {
		return nil
	}
	return c.connect(ctx)
}

func (c *Conn) connect(ctx context.Context) error {
	if !c.healthy {
		return ErrUnhealthy
	}
	// the latch drops on the attempt after the last allowed failure
	if c.failures > c.opts.MaxRetryCount {
		c.healthy = false
		c.log.Error().Int("failures", c.failures).Msg("Too many failed connects, store marked unhealthy")
		return ErrUnhealthy
	}

	c.release()

	cmds, err := c.dialer.Dial(ctx)
	if err != nil {
		// an abandoned request says nothing about the store
		if ctx.Err() != nil {
			c.log.Debug().Err(err).Msg("Store connect cancelled")
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		c.failures++
		c.log.Error().Err(err).Int("failures", c.failures).Msg("Could not connect to store")
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	if c.opts.Password != "" {
		if err := cmds.Auth(ctx, c.opts.Password); err != nil {
			c.log.Error().Err(err).Msg("Store AUTH failed")
			cmds.Close()
			return fmt.Errorf("%w: auth: %w", ErrUnavailable, err)
		}
	}
	if c.opts.DB != 0 {
		if err := cmds.Select(ctx, c.opts.DB); err != nil {
			c.log.Error().Err(err).Int("db", c.opts.DB).Msg("Store SELECT failed")
			cmds.Close()
			return fmt.Errorf("%w: select %d: %w", ErrUnavailable, c.opts.DB, err)
		}
	}

	c.cmds = cmds
	c.failures = 0
	c.log.Info().Msg("Store connect success")
	return nil
}

// isContextError reports whether err is caused by the caller's context
// rather than by the connection.
func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (c *Conn) release() {
	if c.cmds == nil {
		return
	}
	if err := c.cmds.Close(); err != nil {
		c.log.Debug().Err(err).Msg("Error closing store handle")
	}
	c.cmds = nil
}
