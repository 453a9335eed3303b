package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
)

const memoryDatabases = 16

var (
	errNoAuth       = &ReplyError{"NOAUTH Authentication required."}
	errWrongPass    = &ReplyError{"WRONGPASS invalid username-password pair or user is disabled."}
	errWrongType    = &ReplyError{"WRONGTYPE Operation against a key holding the wrong kind of value"}
	errNotInteger   = &ReplyError{"ERR value is not an integer or out of range"}
	errDBOutOfRange = &ReplyError{"ERR DB index is out of range"}
)

// Memory is an in-process store with the same semantics as the Redis
// commands used here, including authentication and numbered databases.
// Handles dialed from the same Memory share its data.
type Memory struct {
	mutex    *sync.RWMutex
	password string
	dbs      [memoryDatabases]*memDB
}

type memDB struct {
	hashes  map[string]map[string]string
	strings map[string]string
	zsets   map[string]map[string]float64
}

// NewMemory creates an empty in-memory store.
// If password is not empty, handles must AUTH before issuing commands.
func NewMemory(password string) *Memory {
	m := &Memory{
		mutex:    &sync.RWMutex{},
		password: password,
	}
	for i := range m.dbs {
		m.dbs[i] = &memDB{
			hashes:  make(map[string]map[string]string),
			strings: make(map[string]string),
			zsets:   make(map[string]map[string]float64),
		}
	}
	return m
}

func (m *Memory) Dial(ctx context.Context) (Commands, error) {
	return &memClient{mem: m, authed: m.password == ""}, nil
}

func (m *Memory) String() string {
	return "memory"
}

type memClient struct {
	mem    *Memory
	db     int
	authed bool
	// inTx is set on handles passed to a transaction, which already hold the lock.
	inTx bool
}

func (c *memClient) lock() func() {
	if c.inTx {
		return func() {}
	}
	c.mem.mutex.Lock()
	return c.mem.mutex.Unlock
}

func (c *memClient) rlock() func() {
	if c.inTx {
		return func() {}
	}
	c.mem.mutex.RLock()
	return c.mem.mutex.RUnlock
}

func (c *memClient) data() (*memDB, error) {
	if !c.authed {
		return nil, errNoAuth
	}
	return c.mem.dbs[c.db], nil
}

// kind returns which structure holds key, or "" if none.
func (d *memDB) kind(key string) string {
	if _, ok := d.hashes[key]; ok {
		return "hash"
	}
	if _, ok := d.strings[key]; ok {
		return "string"
	}
	if _, ok := d.zsets[key]; ok {
		return "zset"
	}
	return ""
}

func (d *memDB) check(key, want string) error {
	if k := d.kind(key); k != "" && k != want {
		return errWrongType
	}
	return nil
}

func (c *memClient) HGet(ctx context.Context, key, field string) (string, error) {
	defer c.rlock()()
	d, err := c.data()
	if err != nil {
		return "", err
	}
	if err := d.check(key, "hash"); err != nil {
		return "", err
	}
	val, ok := d.hashes[key][field]
	if !ok {
		return "", ErrNil
	}
	return val, nil
}

func (c *memClient) HSet(ctx context.Context, key, field, value string) error {
	defer c.lock()()
	d, err := c.data()
	if err != nil {
		return err
	}
	if err := d.check(key, "hash"); err != nil {
		return err
	}
	h, ok := d.hashes[key]
	if !ok {
		h = make(map[string]string)
		d.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (c *memClient) Get(ctx context.Context, key string) (string, error) {
	defer c.rlock()()
	d, err := c.data()
	if err != nil {
		return "", err
	}
	if err := d.check(key, "string"); err != nil {
		return "", err
	}
	val, ok := d.strings[key]
	if !ok {
		return "", ErrNil
	}
	return val, nil
}

func (c *memClient) Incr(ctx context.Context, key string) (int64, error) {
	defer c.lock()()
	d, err := c.data()
	if err != nil {
		return 0, err
	}
	if err := d.check(key, "string"); err != nil {
		return 0, err
	}
	var n int64
	if val, ok := d.strings[key]; ok {
		if n, err = strconv.ParseInt(val, 10, 64); err != nil {
			return 0, errNotInteger
		}
	}
	n++
	d.strings[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func (c *memClient) ZIncrBy(ctx context.Context, key string, incr float64, member string) (float64, error) {
	defer c.lock()()
	d, err := c.data()
	if err != nil {
		return 0, err
	}
	if err := d.check(key, "zset"); err != nil {
		return 0, err
	}
	z, ok := d.zsets[key]
	if !ok {
		z = make(map[string]float64)
		d.zsets[key] = z
	}
	z[member] += incr
	return z[member], nil
}

func (c *memClient) ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]Z, error) {
	defer c.rlock()()
	d, err := c.data()
	if err != nil {
		return nil, err
	}
	if err := d.check(key, "zset"); err != nil {
		return nil, err
	}
	members := make([]Z, 0, len(d.zsets[key]))
	for member, score := range d.zsets[key] {
		members = append(members, Z{Member: member, Score: score})
	}
	// descending by score, ties in reverse lexicographic order like ZREVRANGE
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			return members[i].Score > members[j].Score
		}
		return members[i].Member > members[j].Member
	})
	offset, count := revRange(start, stop, int64(len(members)))
	return members[offset : offset+count], nil
}

func (c *memClient) Auth(ctx context.Context, password string) error {
	if c.mem.password == "" {
		return &ReplyError{"ERR AUTH called without any password configured"}
	}
	if password != c.mem.password {
		c.authed = false
		return errWrongPass
	}
	c.authed = true
	return nil
}

func (c *memClient) Select(ctx context.Context, index int) error {
	if !c.authed {
		return errNoAuth
	}
	if index < 0 || index >= memoryDatabases {
		return errDBOutOfRange
	}
	c.db = index
	return nil
}

// Tx runs fn while holding the store lock, so no other handle observes a partial result.
func (c *memClient) Tx(ctx context.Context, fn func(Commands) error) error {
	defer c.lock()()
	return fn(&memClient{mem: c.mem, db: c.db, authed: c.authed, inTx: true})
}

func (c *memClient) Close() error {
	return nil
}
