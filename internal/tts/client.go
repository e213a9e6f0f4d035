package tts

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/liuscraft/orion-gateway/internal/logging"
	"github.com/liuscraft/orion-gateway/internal/metrics"
	"github.com/liuscraft/orion-gateway/internal/transport"
)

// conn is the provider-independent half of a Client: readiness, shutdown and
// the session registry.
type conn struct {
	id       string
	provider Provider
	tc       *transport.Conn
	log      *logging.Logger

	ready     chan struct{}
	readyOnce sync.Once
	isReady   atomic.Bool

	done     chan struct{}
	doneOnce sync.Once
	err      error

	errors atomic.Int64

	mu       sync.Mutex
	sessions map[string]*session
}

func newConn(id string, provider Provider, tc *transport.Conn) *conn {
	return &conn{
		id:       id,
		provider: provider,
		tc:       tc,
		log:      logging.With("provider", string(provider), "upstream_id", id),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		sessions: make(map[string]*session),
	}
}

func (c *conn) ID() string             { return c.id }
func (c *conn) Provider() Provider     { return c.provider }
func (c *conn) Ready() <-chan struct{} { return c.ready }
func (c *conn) Done() <-chan struct{}  { return c.done }

func (c *conn) IsReady() bool {
	if !c.isReady.Load() {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Err is valid once Done is closed.
func (c *conn) Err() error {
	<-c.done
	return c.err
}

// ErrorCount is the number of provider errors seen on this connection.
func (c *conn) ErrorCount() int64 {
	return c.errors.Load()
}

func (c *conn) Ping() error {
	return c.tc.Ping()
}

func (c *conn) markReady() {
	c.readyOnce.Do(func() {
		c.isReady.Store(true)
		close(c.ready)
	})
}

// shutdown closes the transport and force-notifies every attached session.
func (c *conn) shutdown(err error) {
	c.doneOnce.Do(func() {
		c.isReady.Store(false)
		_ = c.tc.Close()

		c.mu.Lock()
		sessions := c.sessions
		c.sessions = make(map[string]*session)
		c.mu.Unlock()

		for _, s := range sessions {
			s.deliver(Event{Kind: EventClosed, Err: ErrConnectionClosed})
			s.detached.Store(true)
		}
		c.err = err
		close(c.done)
		c.log.Infof("connection closed with %d attached sessions: %v", len(sessions), err)
	})
}

// register adds s under an id unique among live sessions of this connection.
func (c *conn) register(s *session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	id := uuid.NewString()
	for {
		if _, taken := c.sessions[id]; !taken {
			break
		}
		id = uuid.NewString()
	}
	s.id = id
	c.sessions[id] = s
	return nil
}

func (c *conn) lookup(id string) (*session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	return s, ok
}

func (c *conn) unregister(id string) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}

// sessionCount is the number of sessions currently bound.
func (c *conn) sessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

func (c *conn) drop(reason, format string, args ...interface{}) {
	metrics.FramesDropped.WithLabelValues(string(c.provider), reason).Inc()
	c.log.Warnf(format, args...)
}

// sessionOps is implemented per provider to frame session requests.
type sessionOps interface {
	write(s *session, text string) error
	finish(s *session) error
	cancel(s *session) error
	detach(s *session)
}

type session struct {
	id       string
	params   SessionParams
	sink     Sink
	ops      sessionOps
	detached atomic.Bool
}

func (s *session) ID() string      { return s.id }
func (s *session) SampleRate() int { return s.params.SampleRate }

func (s *session) Write(text string) error {
	if s.detached.Load() {
		return ErrSessionDetached
	}
	return s.ops.write(s, text)
}

func (s *session) Finish() error {
	if s.detached.Load() {
		return ErrSessionDetached
	}
	return s.ops.finish(s)
}

func (s *session) Cancel() error {
	if s.detached.Load() {
		return ErrSessionDetached
	}
	return s.ops.cancel(s)
}

func (s *session) Detach() {
	if s.detached.Swap(true) {
		return
	}
	s.ops.detach(s)
}

// finalize unregisters s before delivering its terminal event so observers
// never see a completed session still bound.
func (s *session) finalize(ev Event) {
	if s.detached.Load() {
		return
	}
	s.ops.detach(s)
	ev.SessionID = s.id
	s.sink.Deliver(ev)
	s.detached.Store(true)
}

func (s *session) deliver(ev Event) {
	if s.detached.Load() {
		return
	}
	ev.SessionID = s.id
	s.sink.Deliver(ev)
}
