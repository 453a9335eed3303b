package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyDialer dials into a Memory store unless told to fail.
type flakyDialer struct {
	mu    sync.Mutex
	mem   *Memory
	down  bool
	dials int
	// wrap lets a test swap the returned handle
	wrap func(Commands) Commands
}

func (d *flakyDialer) Dial(ctx context.Context) (Commands, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.down {
		return nil, errors.New("connection refused")
	}
	cmds, _ := d.mem.Dial(ctx)
	if d.wrap != nil {
		cmds = d.wrap(cmds)
	}
	return cmds, nil
}

func (d *flakyDialer) String() string {
	return "flaky"
}

func (d *flakyDialer) setDown(down bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.down = down
}

func (d *flakyDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// brokenCommands fails every HGet with a transport error.
type brokenCommands struct {
	Commands
}

func (b brokenCommands) HGet(ctx context.Context, key, field string) (string, error) {
	return "", errors.New("broken pipe")
}

func TestConnectSuccess(t *testing.T) {
	d := &flakyDialer{mem: NewMemory("")}
	c := NewConn(d, Options{MaxRetryCount: 3}, zerolog.Nop())

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.Healthy())
	assert.Equal(t, 0, c.Failures())
	assert.Equal(t, 1, d.dialCount())
}

func TestEnsureConnectedReusesHandle(t *testing.T) {
	d := &flakyDialer{mem: NewMemory("")}
	c := NewConn(d, Options{}, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, c.EnsureConnected(ctx))
	require.NoError(t, c.EnsureConnected(ctx))
	require.NoError(t, c.Do(ctx, func(cmds Commands) error {
		return cmds.HSet(ctx, "h", "f", "v")
	}))
	assert.Equal(t, 1, d.dialCount())
}

// TestHealthLatch verifies that after MaxRetryCount+1 failed dials the connection
// gives up for good, even when the store becomes reachable again.
func TestHealthLatch(t *testing.T) {
	const maxRetry = 2
	d := &flakyDialer{mem: NewMemory(""), down: true}
	c := NewConn(d, Options{MaxRetryCount: maxRetry}, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < maxRetry+1; i++ {
		err := c.Connect(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.NotErrorIs(t, err, ErrUnhealthy)
	}
	assert.Equal(t, maxRetry+1, c.Failures())
	assert.False(t, c.Healthy())

	// the store comes back, but the latch holds
	d.setDown(false)
	for i := 0; i < 5; i++ {
		err := c.EnsureConnected(ctx)
		assert.ErrorIs(t, err, ErrUnhealthy)
	}
	called := false
	err := c.Do(ctx, func(Commands) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, called, "commands must not run once unhealthy")
	assert.False(t, c.Healthy())
	assert.Equal(t, maxRetry+1, d.dialCount(), "no dial attempts after the latch")
}

func TestFailureCounterResetsOnSuccess(t *testing.T) {
	d := &flakyDialer{mem: NewMemory(""), down: true}
	c := NewConn(d, Options{MaxRetryCount: 2}, zerolog.Nop())
	ctx := context.Background()

	require.Error(t, c.Connect(ctx))
	require.Error(t, c.Connect(ctx))
	assert.Equal(t, 2, c.Failures())

	d.setDown(false)
	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, 0, c.Failures())
	assert.True(t, c.Healthy())
}

func TestAuthFailureDoesNotCount(t *testing.T) {
	d := &flakyDialer{mem: NewMemory("secret")}
	c := NewConn(d, Options{Password: "wrong", MaxRetryCount: 0}, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := c.Connect(ctx)
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.True(t, IsReplyError(err))
	}
	assert.Equal(t, 0, c.Failures())
	assert.True(t, c.Healthy())
}

func TestAuthAndSelect(t *testing.T) {
	mem := NewMemory("secret")
	ctx := context.Background()
	c := NewConn(&flakyDialer{mem: mem}, Options{Password: "secret", DB: 3}, zerolog.Nop())

	require.NoError(t, c.Do(ctx, func(cmds Commands) error {
		return cmds.HSet(ctx, "h", "f", "in db 3")
	}))

	// a handle on db 0 does not see the value
	other, err := mem.Dial(ctx)
	require.NoError(t, err)
	require.NoError(t, other.Auth(ctx, "secret"))
	_, err = other.HGet(ctx, "h", "f")
	assert.ErrorIs(t, err, ErrNil)
	require.NoError(t, other.Select(ctx, 3))
	val, err := other.HGet(ctx, "h", "f")
	require.NoError(t, err)
	assert.Equal(t, "in db 3", val)
}

func TestSelectFailure(t *testing.T) {
	d := &flakyDialer{mem: NewMemory("")}
	c := NewConn(d, Options{DB: 99}, zerolog.Nop())

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 0, c.Failures())
}

func TestDoDropsHandleOnTransportError(t *testing.T) {
	d := &flakyDialer{mem: NewMemory("")}
	d.wrap = func(c Commands) Commands { return brokenCommands{c} }
	c := NewConn(d, Options{}, zerolog.Nop())
	ctx := context.Background()

	err := c.Do(ctx, func(cmds Commands) error {
		_, err := cmds.HGet(ctx, "h", "f")
		return err
	})
	require.Error(t, err)
	assert.Equal(t, 1, d.dialCount())

	// next call redials
	d.wrap = nil
	require.NoError(t, c.Do(ctx, func(cmds Commands) error {
		return cmds.HSet(ctx, "h", "f", "v")
	}))
	assert.Equal(t, 2, d.dialCount())
}

func TestDoKeepsHandleOnReplyErrors(t *testing.T) {
	d := &flakyDialer{mem: NewMemory("")}
	c := NewConn(d, Options{}, zerolog.Nop())
	ctx := context.Background()

	err := c.Do(ctx, func(cmds Commands) error {
		_, err := cmds.HGet(ctx, "missing", "f")
		return err
	})
	assert.ErrorIs(t, err, ErrNil)

	err = c.Do(ctx, func(cmds Commands) error {
		if err := cmds.HSet(ctx, "h", "f", "v"); err != nil {
			return err
		}
		_, err := cmds.Incr(ctx, "h")
		return err
	})
	assert.True(t, IsReplyError(err))
	assert.Equal(t, 1, d.dialCount())
}

func TestConcurrentDo(t *testing.T) {
	d := &flakyDialer{mem: NewMemory("")}
	c := NewConn(d, Options{}, zerolog.Nop())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Do(ctx, func(cmds Commands) error {
				_, err := cmds.Incr(ctx, "n")
				return err
			})
		}()
	}
	wg.Wait()

	var val string
	require.NoError(t, c.Do(ctx, func(cmds Commands) (err error) {
		val, err = cmds.Get(ctx, "n")
		return err
	}))
	assert.Equal(t, "50", val)
	assert.Equal(t, 1, d.dialCount())
}

// TestCancelledConnectDoesNotCount verifies that abandoned requests cannot trip
// the latch of a reachable store.
func TestCancelledConnectDoesNotCount(t *testing.T) {
	srv := miniredis.RunT(t)
	c := NewConn(Redis{Addr: srv.Addr(), DialTimeout: time.Second}, Options{MaxRetryCount: 2}, zerolog.Nop())
	t.Cleanup(func() { c.Close() })

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 4; i++ {
		err := c.EnsureConnected(cancelled)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.NotErrorIs(t, err, ErrUnhealthy)
	}
	assert.Equal(t, 0, c.Failures())
	assert.True(t, c.Healthy())

	ctx := context.Background()
	require.NoError(t, c.EnsureConnected(ctx))
	require.NoError(t, c.Do(ctx, func(cmds Commands) error {
		return cmds.HSet(ctx, "h", "f", "v")
	}))
	assert.Equal(t, "v", srv.HGet("h", "f"))
}

func TestDoKeepsHandleOnContextErrors(t *testing.T) {
	d := &flakyDialer{mem: NewMemory("")}
	c := NewConn(d, Options{}, zerolog.Nop())
	ctx := context.Background()

	for _, ctxErr := range []error{context.Canceled, context.DeadlineExceeded} {
		err := c.Do(ctx, func(Commands) error {
			return fmt.Errorf("read: %w", ctxErr)
		})
		assert.ErrorIs(t, err, ctxErr)
	}
	require.NoError(t, c.Do(ctx, func(cmds Commands) error {
		return cmds.HSet(ctx, "h", "f", "v")
	}))
	assert.Equal(t, 1, d.dialCount())
}

func TestRevRange(t *testing.T) {
	cases := []struct {
		start, stop, n int64
		offset, count  int64
	}{
		{0, 100, 3, 0, 3},
		{0, 0, 3, 0, 1},
		{1, 2, 3, 1, 2},
		{0, -1, 3, 0, 3},
		{-2, -1, 3, 1, 2},
		{5, 10, 3, 0, 0},
		{2, 1, 3, 0, 0},
		{0, 10, 0, 0, 0},
	}
	for _, tc := range cases {
		offset, count := revRange(tc.start, tc.stop, tc.n)
		assert.Equal(t, tc.offset, offset, "offset for %+v", tc)
		assert.Equal(t, tc.count, count, "count for %+v", tc)
	}
}
