package ttsrelay

import (
	"sync"
	"sync/atomic"

	"github.com/liuscraft/orion-gateway/internal/tts"
)

// mailbox is the unbounded inbox of one device connection's event loop.
// push never blocks, so a slow device cannot stall the upstream reader that
// feeds it.
type mailbox struct {
	mu     sync.Mutex
	items  []any
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) push(v any) {
	m.mu.Lock()
	m.items = append(m.items, v)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) wait() <-chan struct{} {
	return m.notify
}

func (m *mailbox) drain() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

// binding ties the device session to one upstream connection. It is the
// tts.Sink of the upstream session opened on that connection; once cut, its
// events no longer reach the loop.
type binding struct {
	gen        uint64
	client     tts.Client
	sess       tts.Session
	finishSent bool

	mb   *mailbox
	live atomic.Bool
}

func newBinding(gen uint64, client tts.Client, mb *mailbox) *binding {
	b := &binding{gen: gen, client: client, mb: mb}
	b.live.Store(true)
	return b
}

func (b *binding) Deliver(ev tts.Event) {
	if !b.live.Load() {
		return
	}
	b.mb.push(upstreamEvent{gen: b.gen, ev: ev})
}

func (b *binding) cut() {
	b.live.Store(false)
}

// Loop messages.
type (
	deviceFrame struct {
		messageType int
		data        []byte
	}
	deviceClosed struct {
		err error
	}
	acquired struct {
		gen    uint64
		client tts.Client
		err    error
	}
	upstreamEvent struct {
		gen uint64
		ev  tts.Event
	}
	stopSent struct{}
)
