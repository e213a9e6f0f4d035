package upstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMember struct {
	id      string
	ready   chan struct{}
	done    chan struct{}
	isReady atomic.Bool
	closed  atomic.Bool
	pings   atomic.Int32
	pingErr error

	readyOnce sync.Once
	doneOnce  sync.Once
	mu        sync.Mutex
	err       error
}

func newFakeMember(id string) *fakeMember {
	return &fakeMember{id: id, ready: make(chan struct{}), done: make(chan struct{})}
}

func (f *fakeMember) ID() string             { return f.id }
func (f *fakeMember) IsReady() bool          { return f.isReady.Load() && !f.closed.Load() }
func (f *fakeMember) Ready() <-chan struct{} { return f.ready }
func (f *fakeMember) Done() <-chan struct{}  { return f.done }

func (f *fakeMember) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeMember) Close() error {
	f.fail(errors.New("closed"))
	return nil
}

func (f *fakeMember) Ping() error {
	f.pings.Add(1)
	return f.pingErr
}

func (f *fakeMember) markReady() {
	f.readyOnce.Do(func() {
		f.isReady.Store(true)
		close(f.ready)
	})
}

func (f *fakeMember) fail(err error) {
	f.doneOnce.Do(func() {
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		f.closed.Store(true)
		close(f.done)
	})
}

type memberFactory struct {
	mu       sync.Mutex
	created  []*fakeMember
	onCreate func(*fakeMember)
}

func (mf *memberFactory) factory(ctx context.Context) (*fakeMember, error) {
	mf.mu.Lock()
	m := newFakeMember(fmt.Sprintf("m%d", len(mf.created)+1))
	mf.created = append(mf.created, m)
	hook := mf.onCreate
	mf.mu.Unlock()
	if hook != nil {
		go hook(m)
	}
	return m, nil
}

func (mf *memberFactory) last() *fakeMember {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	return mf.created[len(mf.created)-1]
}

func TestGetCreatesAndWaitsForReady(t *testing.T) {
	mf := &memberFactory{onCreate: func(m *fakeMember) {
		time.Sleep(20 * time.Millisecond)
		m.markReady()
	}}
	pool := New(Options{Name: "test", Capacity: 3}, mf.factory)
	defer pool.Close()

	m, err := pool.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "m1", m.ID())
	assert.Equal(t, 1, pool.Len())

	again, err := pool.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "m1", again.ID(), "a ready member must be reused instead of creating another")
	assert.Equal(t, 1, pool.Len())
}

func TestGetFailsImmediatelyAtCapacity(t *testing.T) {
	mf := &memberFactory{}
	pool := New(Options{Name: "test", Capacity: 1, ReadyTimeout: 2 * time.Second}, mf.factory)
	defer pool.Close()

	firstErr := make(chan error, 1)
	go func() {
		_, err := pool.Get(context.Background())
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return pool.Len() == 1 }, time.Second, 5*time.Millisecond)

	start := time.Now()
	_, err := pool.Get(context.Background())
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	mf.last().markReady()
	require.NoError(t, <-firstErr)
}

func TestGetTimeoutDiscardsHalfBuiltMember(t *testing.T) {
	mf := &memberFactory{}
	pool := New(Options{Name: "test", Capacity: 2, ReadyTimeout: 50 * time.Millisecond}, mf.factory)
	defer pool.Close()

	_, err := pool.Get(context.Background())
	assert.ErrorIs(t, err, ErrReadyTimeout)
	assert.Equal(t, 0, pool.Len())
	assert.True(t, mf.last().closed.Load())
}

func TestGetHandshakeFailure(t *testing.T) {
	mf := &memberFactory{onCreate: func(m *fakeMember) { m.fail(errors.New("rejected")) }}
	pool := New(Options{Name: "test", Capacity: 2}, mf.factory)
	defer pool.Close()

	_, err := pool.Get(context.Background())
	assert.ErrorIs(t, err, ErrHandshake)
	assert.Contains(t, err.Error(), "rejected")
	assert.Equal(t, 0, pool.Len())
}

func TestGetDialError(t *testing.T) {
	boom := errors.New("dial refused")
	pool := New(Options{Name: "test", Capacity: 1}, func(ctx context.Context) (*fakeMember, error) {
		return nil, boom
	})
	defer pool.Close()

	_, err := pool.Get(context.Background())
	assert.ErrorIs(t, err, boom)

	// the reserved creation slot is released
	_, err = pool.Get(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestClosedMemberIsEvicted(t *testing.T) {
	pool := New[*fakeMember](Options{Name: "test"}, nil)
	defer pool.Close()

	a, b := newFakeMember("a"), newFakeMember("b")
	a.markReady()
	b.markReady()
	require.NoError(t, pool.Add(a))
	require.NoError(t, pool.Add(b))

	a.fail(errors.New("eof"))
	require.Eventually(t, func() bool { return pool.Len() == 1 }, time.Second, 5*time.Millisecond)

	for i := 0; i < 20; i++ {
		m, ok := pool.Pick()
		require.True(t, ok)
		assert.Equal(t, "b", m.ID())
	}
}

func TestGetWithoutFactoryAndNoMembers(t *testing.T) {
	pool := New[*fakeMember](Options{Name: "asr"}, nil)
	defer pool.Close()

	_, err := pool.Get(context.Background())
	assert.ErrorIs(t, err, ErrNoMembers)
	_, ok := pool.Pick()
	assert.False(t, ok)
}

func TestSelectionIsUniform(t *testing.T) {
	pool := New[*fakeMember](Options{Name: "test"}, nil)
	defer pool.Close()

	const n, trials = 3, 30000
	for i := 0; i < n; i++ {
		m := newFakeMember(fmt.Sprintf("r%d", i))
		m.markReady()
		require.NoError(t, pool.Add(m))
	}
	notReady := newFakeMember("pending")
	require.NoError(t, pool.Add(notReady))

	counts := map[string]int{}
	for i := 0; i < trials; i++ {
		m, err := pool.Get(context.Background())
		require.NoError(t, err)
		counts[m.ID()]++
	}

	assert.Zero(t, counts["pending"])
	expected := trials / n
	for i := 0; i < n; i++ {
		got := counts[fmt.Sprintf("r%d", i)]
		assert.InDelta(t, expected, got, float64(expected)/10, "member r%d picked %d times", i, got)
	}
}

func TestRenewReplacesMember(t *testing.T) {
	mf := &memberFactory{onCreate: func(m *fakeMember) { m.markReady() }}
	pool := New(Options{Name: "test", Capacity: 1}, mf.factory)
	defer pool.Close()

	first, err := pool.Get(context.Background())
	require.NoError(t, err)

	second, err := pool.Renew(context.Background(), first)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), second.ID())
	assert.True(t, first.closed.Load())
	assert.Equal(t, 1, pool.Len())
}

func TestKeepaliveDiscardsFailingMember(t *testing.T) {
	pool := New[*fakeMember](Options{Name: "test", KeepaliveInterval: 10 * time.Millisecond}, nil)
	defer pool.Close()

	healthy, broken := newFakeMember("healthy"), newFakeMember("broken")
	broken.pingErr = errors.New("write: broken pipe")
	require.NoError(t, pool.Add(healthy))
	require.NoError(t, pool.Add(broken))

	require.Eventually(t, func() bool { return pool.Len() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, broken.closed.Load())
	require.Eventually(t, func() bool { return healthy.pings.Load() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestCloseClosesMembers(t *testing.T) {
	pool := New[*fakeMember](Options{Name: "test"}, nil)
	m := newFakeMember("x")
	require.NoError(t, pool.Add(m))
	pool.Close()

	assert.True(t, m.closed.Load())
	_, err := pool.Get(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.ErrorIs(t, pool.Add(newFakeMember("y")), ErrPoolClosed)
}
