// Package analytics counts page visits in the backing store:
// a global counter of all visits and a ranking of pages by visit count.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/always-cache/cacheserver/store"

	"github.com/rs/zerolog"
)

// Unavailable is the visit count reported when the counter cannot be read.
const Unavailable int64 = -1

// DefaultWantVisitCount is the default page size of ranking queries.
const DefaultWantVisitCount = 100

type Keys struct {
	// TotalVisits is the counter of all visits.
	TotalVisits string
	// VisitRanking is the sorted set of paths scored by visit count.
	VisitRanking string
}

// DefaultKeys returns the key names used unless configured otherwise.
func DefaultKeys() Keys {
	return Keys{
		TotalVisits:  "cs_tvc",
		VisitRanking: "cs_vrm",
	}
}

// PageVisits is one entry of the ranking.
type PageVisits struct {
	Path   string
	Visits float64
}

type Analytics struct {
	conn   *store.Conn
	keys   Keys
	atomic bool
	log    zerolog.Logger
}

type Option func(*Analytics)

// WithAtomicVisits records the counter and ranking increments in one
// transaction, if the store supports transactions.
func WithAtomicVisits() Option {
	return func(a *Analytics) {
		a.atomic = true
	}
}

func New(conn *store.Conn, keys Keys, logger zerolog.Logger, opts ...Option) *Analytics {
	defaults := DefaultKeys()
	if keys.TotalVisits == "" {
		keys.TotalVisits = defaults.TotalVisits
	}
	if keys.VisitRanking == "" {
		keys.VisitRanking = defaults.VisitRanking
	}
	a := &Analytics{
		conn: conn,
		keys: keys,
		log:  logger.With().Str("component", "analytics").Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RecordVisit increments the total visit count and the ranking score of path.
//
// The two increments are separate commands. If the second one fails the
// counter is ahead of the ranking by one; this window is accepted.
func (a *Analytics) RecordVisit(ctx context.Context, path string) {
	if a.atomic {
		a.recordVisitTx(ctx, path)
		return
	}
	if err := a.conn.Do(ctx, func(cmds store.Commands) error {
		_, err := cmds.Incr(ctx, a.keys.TotalVisits)
		return err
	}); err != nil {
		a.log.Warn().Err(err).Msg("Could not increment total visit count")
	}
	if err := a.conn.Do(ctx, func(cmds store.Commands) error {
		_, err := cmds.ZIncrBy(ctx, a.keys.VisitRanking, 1, path)
		return err
	}); err != nil {
		a.log.Warn().Err(err).Str("path", path).Msg("Could not increment page visit count")
	}
}

func (a *Analytics) recordVisitTx(ctx context.Context, path string) {
	err := a.conn.Do(ctx, func(cmds store.Commands) error {
		record := func(c store.Commands) error {
			if _, err := c.Incr(ctx, a.keys.TotalVisits); err != nil {
				return err
			}
			_, err := c.ZIncrBy(ctx, a.keys.VisitRanking, 1, path)
			return err
		}
		if tx, ok := cmds.(store.Transactor); ok {
			return tx.Tx(ctx, record)
		}
		a.log.Debug().Msg("Store has no transactions, recording visit non-atomically")
		return record(cmds)
	})
	if err != nil {
		a.log.Warn().Err(err).Str("path", path).Msg("Could not record visit")
	}
}

// TotalVisits returns the number of recorded visits.
// If the counter is absent or cannot be read it returns Unavailable and an error.
func (a *Analytics) TotalVisits(ctx context.Context) (int64, error) {
	var val string
	err := a.conn.Do(ctx, func(cmds store.Commands) (err error) {
		val, err = cmds.Get(ctx, a.keys.TotalVisits)
		return err
	})
	if err != nil {
		if !errors.Is(err, store.ErrNil) {
			a.log.Warn().Err(err).Msg("Could not get total visit count")
		}
		return Unavailable, err
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		a.log.Warn().Err(err).Str("value", val).Msg("Total visit count is not an integer")
		return Unavailable, fmt.Errorf("total visit count: %w", err)
	}
	return n, nil
}

// TopPages returns the ranking entries from offset to offset+limit (both inclusive),
// most visited first. Order among pages with equal counts is up to the store.
// An empty ranking yields an empty slice.
func (a *Analytics) TopPages(ctx context.Context, offset, limit int) ([]PageVisits, error) {
	var zs []store.Z
	err := a.conn.Do(ctx, func(cmds store.Commands) (err error) {
		zs, err = cmds.ZRevRangeWithScores(ctx, a.keys.VisitRanking, int64(offset), int64(offset+limit))
		return err
	})
	if err != nil {
		a.log.Warn().Err(err).Msg("Could not get visit ranking")
		return nil, err
	}
	pages := make([]PageVisits, 0, len(zs))
	for _, z := range zs {
		pages = append(pages, PageVisits{Path: z.Member, Visits: z.Score})
	}
	return pages, nil
}
