package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis dials a single connection to a Redis (or protocol compatible) server.
type Redis struct {
	// Addr is host:port of the server.
	Addr        string
	DialTimeout time.Duration
}

// Dial opens the connection and checks it with PING.
// A PING answered with an error reply (e.g. NOAUTH) still means the server is reachable.
func (r Redis) Dial(ctx context.Context) (Commands, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        r.Addr,
		DialTimeout: r.DialTimeout,
		// AUTH and SELECT are issued by Conn, so that their failures can be told apart
		Protocol:         2,
		DisableIndentity: true,
		PoolSize:         1,
		MaxRetries:       -1,
	})
	conn := client.Conn()
	if err := conn.Ping(ctx).Err(); err != nil && !isRedisError(err) {
		conn.Close()
		client.Close()
		return nil, err
	}
	return &redisClient{client: client, conn: conn}, nil
}

func (r Redis) String() string {
	return "redis:" + r.Addr
}

func isRedisError(err error) bool {
	var rerr redis.Error
	return errors.As(err, &rerr)
}

// redisError maps go-redis errors onto the store's error values.
func redisError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return ErrNil
	case isRedisError(err):
		return &ReplyError{err.Error()}
	}
	return err
}

type redisClient struct {
	client *redis.Client
	conn   *redis.Conn
}

func (c *redisClient) HGet(ctx context.Context, key, field string) (string, error) {
	val, err := c.conn.HGet(ctx, key, field).Result()
	return val, redisError(err)
}

func (c *redisClient) HSet(ctx context.Context, key, field, value string) error {
	return redisError(c.conn.HSet(ctx, key, field, value).Err())
}

func (c *redisClient) Get(ctx context.Context, key string) (string, error) {
	val, err := c.conn.Get(ctx, key).Result()
	return val, redisError(err)
}

func (c *redisClient) Incr(ctx context.Context, key string) (int64, error) {
	val, err := c.conn.Incr(ctx, key).Result()
	return val, redisError(err)
}

func (c *redisClient) ZIncrBy(ctx context.Context, key string, incr float64, member string) (float64, error) {
	val, err := c.conn.ZIncrBy(ctx, key, incr, member).Result()
	return val, redisError(err)
}

func (c *redisClient) ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]Z, error) {
	zs, err := c.conn.ZRevRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, redisError(err)
	}
	members := make([]Z, 0, len(zs))
	for _, z := range zs {
		member, ok := z.Member.(string)
		if !ok {
			return members, &ReplyError{"unexpected sorted set member type"}
		}
		members = append(members, Z{Member: member, Score: z.Score})
	}
	return members, nil
}

func (c *redisClient) Auth(ctx context.Context, password string) error {
	return redisError(c.conn.Auth(ctx, password).Err())
}

func (c *redisClient) Select(ctx context.Context, index int) error {
	return redisError(c.conn.Select(ctx, index).Err())
}

// Tx wraps the commands issued by fn in MULTI/EXEC.
func (c *redisClient) Tx(ctx context.Context, fn func(Commands) error) error {
	_, err := c.conn.TxPipelined(ctx, func(p redis.Pipeliner) error {
		return fn(pipeCommands{p})
	})
	return redisError(err)
}

func (c *redisClient) Close() error {
	err := c.conn.Close()
	if cerr := c.client.Close(); err == nil {
		err = cerr
	}
	return err
}

// pipeCommands queues commands on a pipeline. Results are only known after
// the pipeline executes, so every call returns zero values.
type pipeCommands struct {
	p redis.Pipeliner
}

func (p pipeCommands) HGet(ctx context.Context, key, field string) (string, error) {
	p.p.HGet(ctx, key, field)
	return "", nil
}

func (p pipeCommands) HSet(ctx context.Context, key, field, value string) error {
	p.p.HSet(ctx, key, field, value)
	return nil
}

func (p pipeCommands) Get(ctx context.Context, key string) (string, error) {
	p.p.Get(ctx, key)
	return "", nil
}

func (p pipeCommands) Incr(ctx context.Context, key string) (int64, error) {
	p.p.Incr(ctx, key)
	return 0, nil
}

func (p pipeCommands) ZIncrBy(ctx context.Context, key string, incr float64, member string) (float64, error) {
	p.p.ZIncrBy(ctx, key, incr, member)
	return 0, nil
}

func (p pipeCommands) ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]Z, error) {
	p.p.ZRevRangeWithScores(ctx, key, start, stop)
	return nil, nil
}

func (p pipeCommands) Auth(ctx context.Context, password string) error {
	return &ReplyError{"ERR AUTH inside MULTI is not allowed"}
}

func (p pipeCommands) Select(ctx context.Context, index int) error {
	p.p.Select(ctx, index)
	return nil
}

func (p pipeCommands) Close() error {
	return nil
}
