package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/senseeact/notifyd/directory"
	"github.com/senseeact/notifyd/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type trackedStore struct {
	*store.MemoryStore
	mu     sync.Mutex
	closed bool
	closes int
}

func (t *trackedStore) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.closes++
	return nil
}

func (t *trackedStore) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

func (t *trackedStore) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type countingOpener struct {
	mu     sync.Mutex
	opened []*trackedStore
	err    error
}

func (c *countingOpener) open(context.Context) (store.Store, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	st := &trackedStore{MemoryStore: store.NewMemoryStore()}
	c.opened = append(c.opened, st)
	return st, nil
}

func (c *countingOpener) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.opened)
}

func newTestProvider(t *testing.T) (*Provider, *countingOpener, *testclock.Clock) {
	t.Helper()
	clk := testclock.NewClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	op := &countingOpener{}
	cfg := DefaultConfig()
	cfg.Clock = clk
	p := NewProvider(op.open, cfg)
	t.Cleanup(func() { p.Close() })
	return p, op, clk
}

func TestProvider_ReusesYoungConnection(t *testing.T) {
	p, op, clk := newTestProvider(t)
	ctx := context.Background()

	s1, err := p.Open(ctx)
	require.NoError(t, err)
	clk.Advance(4 * time.Minute)
	s2, err := p.Open(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, op.count())
	assert.Equal(t, 1, p.OpenConnections())

	require.NoError(t, s1.Close())
	require.NoError(t, s2.Close())
	// Young connections stay open without sessions
	assert.Equal(t, 1, p.OpenConnections())
	assert.False(t, op.opened[0].isClosed())
}

func TestProvider_OldConnectionNotReused(t *testing.T) {
	p, op, clk := newTestProvider(t)
	ctx := context.Background()

	s1, err := p.Open(ctx)
	require.NoError(t, err)

	clk.Advance(6 * time.Minute)
	s2, err := p.Open(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, op.count())
	assert.Equal(t, 2, p.OpenConnections())

	// Releasing the last session of the old connection closes it
	require.NoError(t, s1.Close())
	assert.True(t, op.opened[0].isClosed())
	assert.Equal(t, 1, p.OpenConnections())

	require.NoError(t, s2.Close())
	assert.False(t, op.opened[1].isClosed())
}

func TestProvider_ForceCloseAfterMaxKeep(t *testing.T) {
	p, op, clk := newTestProvider(t)

	_, err := p.Open(context.Background())
	require.NoError(t, err)

	clk.Advance(9 * time.Minute)
	p.Clean()
	assert.False(t, op.opened[0].isClosed(), "in-use connection survives until max keep")

	clk.Advance(2 * time.Minute)
	p.Clean()
	assert.True(t, op.opened[0].isClosed())
	assert.Equal(t, 0, p.OpenConnections())
}

func TestProvider_ReleaseAfterForceClose(t *testing.T) {
	p, op, clk := newTestProvider(t)

	s, err := p.Open(context.Background())
	require.NoError(t, err)

	clk.Advance(11 * time.Minute)
	p.Clean()
	require.Equal(t, 1, op.opened[0].closeCount())

	require.NoError(t, s.Close())
	assert.Equal(t, 1, op.opened[0].closeCount())
	assert.Equal(t, 0, p.OpenConnections())

	// A new session gets a fresh connection
	s2, err := p.Open(context.Background())
	require.NoError(t, err)
	require.NoError(t, s2.Close())
	assert.Equal(t, 2, op.count())
}

func TestProvider_CleanerLoop(t *testing.T) {
	p, op, clk := newTestProvider(t)

	s, err := p.Open(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	p.Start()
	clk.Advance(5 * time.Minute)
	require.NoError(t, clk.WaitAdvance(time.Minute+time.Second, time.Second, 1))

	assert.Eventually(t, func() bool {
		return op.opened[0].isClosed()
	}, time.Second, 5*time.Millisecond)
}

func TestProvider_CloseClosesAll(t *testing.T) {
	p, op, _ := newTestProvider(t)
	ctx := context.Background()

	_, err := p.Open(ctx)
	require.NoError(t, err)
	p.Start()

	require.NoError(t, p.Close())
	assert.True(t, op.opened[0].isClosed())

	_, err = p.Open(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	// Second close is a no-op
	assert.NoError(t, p.Close())
}

func TestProvider_OpenError(t *testing.T) {
	p, op, _ := newTestProvider(t)
	op.err = errors.New("connection refused")

	_, err := p.Open(context.Background())
	assert.ErrorContains(t, err, "connection refused")
	assert.Equal(t, 0, p.OpenConnections())
}

func TestProvider_Do(t *testing.T) {
	p, _, _ := newTestProvider(t)
	ctx := context.Background()

	err := p.Do(ctx, func(st store.Store) error {
		return st.PutTableWatch(ctx, &store.TableWatch{ID: "w1", Project: "demo", Table: "steps"})
	})
	require.NoError(t, err)

	err = p.Do(ctx, func(st store.Store) error {
		_, err := st.GetTableWatch(ctx, "w1")
		return err
	})
	assert.NoError(t, err, "sessions on the same connection see the same data")
}

func TestShared_CloseKeepsStore(t *testing.T) {
	mem := &trackedStore{MemoryStore: store.NewMemoryStore()}
	cfg := DefaultConfig()
	p := NewProvider(Shared(mem), cfg)

	_, err := p.Open(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Close())
	assert.False(t, mem.isClosed())
}

func TestPartitionName(t *testing.T) {
	assert.Equal(t, "senseeact_demo_samples", PartitionName("senseeact", &directory.Project{Code: "demo", Tables: []string{"steps"}}))
	assert.Equal(t, "", PartitionName("senseeact", &directory.Project{Code: "empty"}))
	assert.Equal(t, "", PartitionName("senseeact", nil))
}
