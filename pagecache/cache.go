// Package pagecache stores rendered page bodies in the backing store,
// keyed by their normalized path.
package pagecache

import (
	"context"
	"errors"

	"github.com/always-cache/cacheserver/store"

	"github.com/rs/zerolog"
)

// DefaultKey is the hash holding all cached pages.
const DefaultKey = "cs_pc"

// Status is the outcome of a lookup.
type Status int

const (
	// Miss means the page is not cached (or the reply could not be used).
	Miss Status = iota
	// Hit means the body was returned from the cache.
	Hit
	// Unavailable means the store could not be reached; nothing was looked up.
	Unavailable
)

func (s Status) String() string {
	switch s {
	case Hit:
		return "hit"
	case Unavailable:
		return "unavailable"
	}
	return "miss"
}

// VisitRecorder is notified of every lookup that reaches the store.
type VisitRecorder interface {
	RecordVisit(ctx context.Context, path string)
}

type Cache struct {
	conn   *store.Conn
	key    string
	visits VisitRecorder
	log    zerolog.Logger
}

// New creates a page cache on top of conn.
// If visits is not nil, every lookup records a visit for the looked up path.
func New(conn *store.Conn, key string, visits VisitRecorder, logger zerolog.Logger) *Cache {
	if key == "" {
		key = DefaultKey
	}
	return &Cache{
		conn:   conn,
		key:    key,
		visits: visits,
		log:    logger.With().Str("component", "pagecache").Logger(),
	}
}

// Lookup returns the cached body for path.
// Once the store is reachable the lookup counts as a visit, whether it hits or not.
func (c *Cache) Lookup(ctx context.Context, path string) (string, Status) {
	if err := c.conn.EnsureConnected(ctx); err != nil {
		c.log.Trace().Err(err).Str("path", path).Msg("Store unavailable, skipping cache")
		return "", Unavailable
	}

	if c.visits != nil {
		c.visits.RecordVisit(ctx, path)
	}

	var body string
	err := c.conn.Do(ctx, func(cmds store.Commands) (err error) {
		body, err = cmds.HGet(ctx, c.key, path)
		return err
	})
	switch {
	case err == nil:
		c.log.Trace().Str("path", path).Msg("Cache hit")
		return body, Hit
	case errors.Is(err, store.ErrNil):
		return "", Miss
	case errors.Is(err, store.ErrUnavailable):
		return "", Unavailable
	}
	c.log.Warn().Err(err).Str("path", path).Msg("Unexpected page cache reply")
	return "", Miss
}

// Store writes body for path, overwriting any cached version.
// Failures are logged only: a failed cache fill must not fail the request.
func (c *Cache) Store(ctx context.Context, path, body string) {
	err := c.conn.Do(ctx, func(cmds store.Commands) error {
		return cmds.HSet(ctx, c.key, path, body)
	})
	if err != nil {
		c.log.Warn().Err(err).Str("path", path).Msg("Could not write to cache")
		return
	}
	c.log.Trace().Str("path", path).Int("bytes", len(body)).Msg("Cache write")
}
