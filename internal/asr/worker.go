package asr

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/liuscraft/orion-gateway/internal/logging"
	"github.com/liuscraft/orion-gateway/internal/metrics"
	"github.com/liuscraft/orion-gateway/internal/transport"
)

// Worker is one inbound recognition worker connection. It is ready as soon
// as it connects; there is no handshake.
type Worker struct {
	id  string
	tc  *transport.Conn
	log *logging.Logger

	ready chan struct{}
	done  chan struct{}
	once  sync.Once
	err   error

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewWorker wraps an accepted connection and starts its reader. id is the
// worker's remote address.
func NewWorker(id string, tc *transport.Conn) *Worker {
	w := &Worker{
		id:       id,
		tc:       tc,
		log:      logging.With("worker_id", id),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		sessions: make(map[string]*Session),
	}
	close(w.ready)
	go w.readLoop()
	return w
}

func (w *Worker) ID() string             { return w.id }
func (w *Worker) Ready() <-chan struct{} { return w.ready }
func (w *Worker) Done() <-chan struct{}  { return w.done }

func (w *Worker) IsReady() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Err is valid once Done is closed.
func (w *Worker) Err() error {
	<-w.done
	return w.err
}

func (w *Worker) Ping() error {
	return w.tc.Ping()
}

func (w *Worker) Close() error {
	w.shutdown(ErrWorkerClosed)
	return nil
}

// Sessions is the number of logical sessions on the worker.
func (w *Worker) Sessions() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sessions)
}

// NewSession registers a logical session under a fresh id.
func (w *Worker) NewSession(l Listener) (*Session, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.done:
		return nil, ErrWorkerClosed
	default:
	}
	id := uuid.NewString()
	for {
		if _, taken := w.sessions[id]; !taken {
			break
		}
		id = uuid.NewString()
	}
	s := &Session{id: id, worker: w, listener: l}
	w.sessions[id] = s
	return s, nil
}

func (w *Worker) removeSession(id string) {
	w.mu.Lock()
	delete(w.sessions, id)
	w.mu.Unlock()
}

func (w *Worker) readLoop() {
	for {
		messageType, data, err := w.tc.Read()
		if err != nil {
			if transport.IsNormalClose(err) {
				err = ErrWorkerClosed
			}
			w.shutdown(err)
			return
		}
		if messageType != transport.TextMessage {
			w.drop("binary", "ignored %d-byte binary message", len(data))
			continue
		}
		var msg workerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			w.drop("malformed", "malformed worker message: %v", err)
			continue
		}
		w.handleMessage(msg)
	}
}

func (w *Worker) handleMessage(msg workerMessage) {
	switch msg.Type {
	case MessageChat:
		w.mu.Lock()
		s, ok := w.sessions[msg.SessionID]
		w.mu.Unlock()
		if !ok {
			w.drop("unknown_session", "result for unknown session %s", msg.SessionID)
			return
		}
		s.listener.OnResult(Result{Text: msg.Content, Embedding: msg.Embedding, URL: msg.URL})
	default:
		w.drop("unknown_type", "unknown worker message type %q", msg.Type)
	}
}

func (w *Worker) drop(reason, format string, args ...interface{}) {
	metrics.FramesDropped.WithLabelValues("asr_worker", reason).Inc()
	w.log.Warnf(format, args...)
}

// shutdown closes the connection and force-notifies every session.
func (w *Worker) shutdown(err error) {
	w.once.Do(func() {
		_ = w.tc.Close()

		w.mu.Lock()
		sessions := w.sessions
		w.sessions = make(map[string]*Session)
		w.mu.Unlock()

		for _, s := range sessions {
			s.closed.Store(true)
			s.listener.OnClose(err)
		}
		w.err = err
		close(w.done)
		w.log.Infof("worker disconnected with %d sessions: %v", len(sessions), err)
	})
}

// Session is one device's recognition stream on a worker.
type Session struct {
	id       string
	worker   *Worker
	listener Listener
	closed   atomic.Bool
}

func (s *Session) ID() string { return s.id }

// SendAudio forwards one PCM chunk.
func (s *Session) SendAudio(pcm []byte) error {
	if s.closed.Load() {
		return ErrSessionFinished
	}
	return s.worker.tc.WriteBinary(EncodeAudioFrame(s.id, pcm))
}

// Listen forwards a device listen request; params carry its fields.
func (s *Session) Listen(params map[string]any) error {
	return s.send(CommandListen, params)
}

// Detect asks the worker to reply with words as if they had been heard.
func (s *Session) Detect(words string) error {
	return s.send(CommandDetect, map[string]any{"words": words})
}

// Finish tells the worker the device is gone and unregisters the session.
func (s *Session) Finish() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.worker.removeSession(s.id)
	data, err := command(CommandFinish, s.id, nil)
	if err != nil {
		return err
	}
	if err := s.worker.tc.WriteText(data); err != nil && !errors.Is(err, transport.ErrClosed) {
		return err
	}
	return nil
}

func (s *Session) send(kind string, params map[string]any) error {
	if s.closed.Load() {
		return ErrSessionFinished
	}
	data, err := command(kind, s.id, params)
	if err != nil {
		return err
	}
	return s.worker.tc.WriteText(data)
}
