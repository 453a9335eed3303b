package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnavailable is returned when no live connection to the store could be obtained.
	ErrUnavailable = errors.New("store unavailable")
	// ErrUnhealthy is returned once the connection has given up on reconnecting for good.
	ErrUnhealthy = fmt.Errorf("%w: marked unhealthy", ErrUnavailable)
	// ErrNil is returned by reads of absent keys or fields.
	ErrNil = errors.New("store: nil reply")
)

// ReplyError is an error reply sent by the store itself, e.g. WRONGTYPE or NOAUTH.
// It means the connection is fine, but the command was rejected.
type ReplyError struct {
	Msg string
}

func (e *ReplyError) Error() string {
	return e.Msg
}

// IsReplyError reports whether err contains an error reply from the store.
func IsReplyError(err error) bool {
	var re *ReplyError
	return errors.As(err, &re)
}

// Z is a sorted set member together with its score.
type Z struct {
	Member string
	Score  float64
}

// Commands is the small part of the key-value vocabulary this server uses.
// All calls are blocking.
//
// Implementations are not required to be safe for concurrent use,
// Conn serializes access to them.
type Commands interface {
	// HGet returns the value of field in the hash at key, or ErrNil.
	HGet(ctx context.Context, key, field string) (string, error)
	// HSet sets field in the hash at key, overwriting any existing value.
	HSet(ctx context.Context, key, field, value string) error
	// Get returns the string value at key, or ErrNil.
	Get(ctx context.Context, key string) (string, error)
	// Incr increments the integer at key by one and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
	// ZIncrBy increments the score of member in the sorted set at key.
	ZIncrBy(ctx context.Context, key string, incr float64, member string) (float64, error)
	// ZRevRangeWithScores returns members from start to stop (inclusive, zero based)
	// ordered by descending score.
	// Negative indexes count from the end of the set.
	ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]Z, error)
	Auth(ctx context.Context, password string) error
	// Select switches to the numbered namespace.
	Select(ctx context.Context, index int) error
	Close() error
}

// Transactor is implemented by Commands that can run several commands atomically.
// Reads issued inside fn return zero values, only writes are meaningful.
type Transactor interface {
	Tx(ctx context.Context, fn func(Commands) error) error
}

// Dialer opens new handles to a backing store.
type Dialer interface {
	// Dial establishes a connection.
	// An error means the endpoint could not be reached at all.
	Dial(ctx context.Context) (Commands, error)
	// String describes the endpoint for logging.
	String() string
}

// revRange converts redis-style inclusive (possibly negative) indexes into
// an offset and count for a set of n members.
// It returns count 0 if the range is empty.
func revRange(start, stop, n int64) (offset, count int64) {
	if start < 0 {
		start = n + start
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return 0, 0
	}
	return start, stop - start + 1
}
