// Package upstream holds the bounded pool of long-lived provider connections
// shared by the speech relays.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/liuscraft/orion-gateway/internal/logging"
	"github.com/liuscraft/orion-gateway/internal/metrics"
)

const DefaultReadyTimeout = 10 * time.Second

var (
	ErrExhausted    = errors.New("upstream: pool at capacity and no connection ready")
	ErrNoMembers    = errors.New("upstream: no connection available")
	ErrReadyTimeout = errors.New("upstream: connection not ready in time")
	ErrHandshake    = errors.New("upstream: connection handshake failed")
	ErrPoolClosed   = errors.New("upstream: pool closed")
)

// Member is one physical upstream connection.
type Member interface {
	ID() string
	// IsReady reports whether the provider handshake has completed and the
	// connection is still open.
	IsReady() bool
	// Ready is closed once, when the handshake completes.
	Ready() <-chan struct{}
	// Done is closed when the connection is gone for good.
	Done() <-chan struct{}
	// Err explains why Done was closed.
	Err() error
	Close() error
}

// Pinger is implemented by members that want keepalive probes.
type Pinger interface {
	Ping() error
}

// Factory starts a new connection. It returns once the transport is open;
// readiness is signalled later through Member.Ready.
type Factory[M Member] func(ctx context.Context) (M, error)

type Options struct {
	// Name labels logs and metrics.
	Name string
	// Capacity bounds the number of members; zero means unbounded.
	Capacity     int
	ReadyTimeout time.Duration
	// KeepaliveInterval enables periodic pings when positive.
	KeepaliveInterval time.Duration
	// Intn picks an index in [0, n); defaults to math/rand/v2.
	Intn func(n int) int
}

// Pool owns a set of connections. Membership is mutated only by the pool.
type Pool[M Member] struct {
	name         string
	capacity     int
	readyTimeout time.Duration
	factory      Factory[M]
	intn         func(int) int
	log          *logging.Logger

	mu       sync.Mutex
	members  []M
	creating int
	closed   bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a pool. factory may be nil for pools whose members connect
// inbound and are registered with Add.
func New[M Member](opts Options, factory Factory[M]) *Pool[M] {
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	if opts.Intn == nil {
		opts.Intn = rand.IntN
	}
	if opts.Name == "" {
		opts.Name = "upstream"
	}
	p := &Pool[M]{
		name:         opts.Name,
		capacity:     opts.Capacity,
		readyTimeout: opts.ReadyTimeout,
		factory:      factory,
		intn:         opts.Intn,
		log:          logging.With("pool", opts.Name),
		stop:         make(chan struct{}),
	}
	if opts.KeepaliveInterval > 0 {
		p.wg.Add(1)
		go p.keepalive(opts.KeepaliveInterval)
	}
	return p
}

// Get returns a uniformly random ready member. With none ready it creates a
// new one if below capacity and waits for its readiness, bounded by the ready
// timeout. At capacity it fails immediately with ErrExhausted.
func (p *Pool[M]) Get(ctx context.Context) (M, error) {
	var zero M

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return zero, ErrPoolClosed
	}
	if m, ok := p.pickLocked(); ok {
		p.mu.Unlock()
		return m, nil
	}
	if p.factory == nil {
		p.mu.Unlock()
		return zero, ErrNoMembers
	}
	if p.atCapacityLocked() {
		p.mu.Unlock()
		metrics.PoolExhaustedTotal.WithLabelValues(p.name).Inc()
		return zero, ErrExhausted
	}
	p.creating++
	p.mu.Unlock()

	return p.create(ctx)
}

// Renew closes old and returns a brand-new member, bypassing selection among
// ready members.
func (p *Pool[M]) Renew(ctx context.Context, old M) (M, error) {
	var zero M
	p.Discard(old)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return zero, ErrPoolClosed
	}
	if p.factory == nil {
		p.mu.Unlock()
		return zero, ErrNoMembers
	}
	if p.atCapacityLocked() {
		p.mu.Unlock()
		metrics.PoolExhaustedTotal.WithLabelValues(p.name).Inc()
		return zero, ErrExhausted
	}
	p.creating++
	p.mu.Unlock()

	return p.create(ctx)
}

// create runs with one creation slot reserved.
func (p *Pool[M]) create(ctx context.Context) (M, error) {
	var zero M

	ctx, cancel := context.WithTimeout(ctx, p.readyTimeout)
	defer cancel()

	m, err := p.factory(ctx)

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.mu.Unlock()
		metrics.PoolCreateTotal.WithLabelValues(p.name, "dial_error").Inc()
		p.log.Errorf("create connection failed: %v", err)
		return zero, err
	}
	if p.closed {
		p.mu.Unlock()
		_ = m.Close()
		return zero, ErrPoolClosed
	}
	p.addLocked(m)
	p.mu.Unlock()

	select {
	case <-m.Ready():
		metrics.PoolCreateTotal.WithLabelValues(p.name, "ok").Inc()
		p.log.Infof("connection %s ready", m.ID())
		return m, nil
	case <-m.Done():
		p.Discard(m)
		metrics.PoolCreateTotal.WithLabelValues(p.name, "handshake_failed").Inc()
		return zero, fmt.Errorf("%w: %s: %v", ErrHandshake, m.ID(), m.Err())
	case <-ctx.Done():
		p.Discard(m)
		metrics.PoolCreateTotal.WithLabelValues(p.name, "timeout").Inc()
		p.log.Warnf("connection %s not ready after %s, discarded", m.ID(), p.readyTimeout)
		return zero, fmt.Errorf("%w: %s", ErrReadyTimeout, m.ID())
	}
}

// Add registers an externally established member.
func (p *Pool[M]) Add(m M) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	if p.capacity > 0 && len(p.members) >= p.capacity {
		return ErrExhausted
	}
	p.addLocked(m)
	return nil
}

// Pick returns a uniformly random ready member without creating one.
func (p *Pool[M]) Pick() (M, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pickLocked()
}

// Discard removes m from the pool and closes it.
func (p *Pool[M]) Discard(m M) {
	if p.remove(m) {
		p.log.Infof("connection %s discarded", m.ID())
	}
	_ = m.Close()
}

func (p *Pool[M]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.members)
}

// Members returns a snapshot of the current members.
func (p *Pool[M]) Members() []M {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]M, len(p.members))
	copy(out, p.members)
	return out
}

// Close stops keepalive and closes every member.
func (p *Pool[M]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	members := p.members
	p.members = nil
	p.mu.Unlock()

	close(p.stop)
	for _, m := range members {
		_ = m.Close()
	}
	p.wg.Wait()
	metrics.PoolConnections.WithLabelValues(p.name).Set(0)
}

func (p *Pool[M]) pickLocked() (M, bool) {
	var zero M
	ready := make([]M, 0, len(p.members))
	for _, m := range p.members {
		if m.IsReady() {
			ready = append(ready, m)
		}
	}
	if len(ready) == 0 {
		return zero, false
	}
	return ready[p.intn(len(ready))], true
}

func (p *Pool[M]) atCapacityLocked() bool {
	return p.capacity > 0 && len(p.members)+p.creating >= p.capacity
}

func (p *Pool[M]) addLocked(m M) {
	p.members = append(p.members, m)
	metrics.PoolConnections.WithLabelValues(p.name).Set(float64(len(p.members)))
	p.wg.Add(1)
	go p.watch(m)
}

// watch evicts m once its transport is gone.
func (p *Pool[M]) watch(m M) {
	defer p.wg.Done()
	select {
	case <-m.Done():
		if p.remove(m) {
			p.log.Infof("connection %s closed (%v), evicted", m.ID(), m.Err())
		}
	case <-p.stop:
	}
}

func (p *Pool[M]) remove(m M) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, member := range p.members {
		if member.ID() == m.ID() {
			p.members = append(p.members[:i], p.members[i+1:]...)
			metrics.PoolConnections.WithLabelValues(p.name).Set(float64(len(p.members)))
			return true
		}
	}
	return false
}

func (p *Pool[M]) keepalive(interval time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			for _, m := range p.Members() {
				pinger, ok := any(m).(Pinger)
				if !ok {
					continue
				}
				if err := pinger.Ping(); err != nil {
					p.log.Warnf("keepalive to %s failed: %v", m.ID(), err)
					p.Discard(m)
				}
			}
		}
	}
}
