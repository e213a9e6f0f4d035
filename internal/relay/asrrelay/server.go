// Package asrrelay serves the device-facing recognition endpoint: device
// Opus audio is decoded and streamed to a worker session, worker results are
// relayed back as text messages.
package asrrelay

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/liuscraft/orion-gateway/internal/asr"
	"github.com/liuscraft/orion-gateway/internal/audio"
	"github.com/liuscraft/orion-gateway/internal/logging"
	"github.com/liuscraft/orion-gateway/internal/metrics"
	"github.com/liuscraft/orion-gateway/internal/transport"
)

const (
	DefaultSampleRate = 16000

	outboxSize = 64
)

// DeviceConn is the device side of the relay. *transport.Conn satisfies it.
type DeviceConn interface {
	Read() (int, []byte, error)
	WriteText(data []byte) error
	Close() error
}

// Workers hands out a worker per device. *asr.Registry satisfies it.
type Workers interface {
	Pick() (*asr.Worker, error)
}

// TextMessage is a recognition result sent to the device.
type TextMessage struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Embedding json.RawMessage `json:"embedding"`
	URL       string          `json:"url"`
}

type Options struct {
	Workers    Workers
	SampleRate int
	NewDecoder func(sampleRate int) (audio.Decoder, error)
}

type Server struct {
	opts   Options
	log    *logging.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(opts Options) *Server {
	if opts.SampleRate == 0 {
		opts.SampleRate = DefaultSampleRate
	}
	if opts.NewDecoder == nil {
		opts.NewDecoder = func(rate int) (audio.Decoder, error) {
			return audio.NewOpusDecoder(rate)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{opts: opts, log: logging.With("relay", "asr"), ctx: ctx, cancel: cancel}
}

// Close ends every device connection still being served.
func (s *Server) Close() {
	s.cancel()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.Accept(w, r)
	if err != nil {
		s.log.Warnf("upgrade device connection from %s: %v", r.RemoteAddr, err)
		return
	}
	s.Serve(s.ctx, conn)
}

// Serve relays one device until it disconnects, its worker goes away or ctx
// ends.
func (s *Server) Serve(ctx context.Context, dev DeviceConn) {
	log := s.log.With("conn_id", logging.NextConnID("asr"))
	defer dev.Close()

	worker, err := s.opts.Workers.Pick()
	if err != nil {
		log.Errorf("no recognition worker for device: %v", err)
		metrics.SessionOutcomes.WithLabelValues("asr", "rejected").Inc()
		return
	}
	dec, err := s.opts.NewDecoder(s.opts.SampleRate)
	if err != nil {
		log.Errorf("create decoder: %v", err)
		return
	}

	out := &outbox{ch: make(chan []byte, outboxSize), done: make(chan struct{}), log: log}
	sess, err := worker.NewSession(out)
	if err != nil {
		log.Errorf("open session on worker %s: %v", worker.ID(), err)
		metrics.SessionOutcomes.WithLabelValues("asr", "rejected").Inc()
		return
	}
	log = log.With("session_id", sess.ID(), "worker_id", worker.ID())
	log.Infof("device connected")

	metrics.SessionsActive.WithLabelValues("asr").Inc()
	defer metrics.SessionsActive.WithLabelValues("asr").Dec()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go out.run(ctx, dev)
	go func() {
		select {
		case <-ctx.Done():
		case <-out.done:
		}
		_ = dev.Close()
	}()

	outcome := "disconnected"
	for {
		messageType, data, err := dev.Read()
		if err != nil {
			select {
			case <-out.done:
				outcome = "worker_lost"
			default:
			}
			break
		}
		if messageType == transport.BinaryMessage {
			pcm, err := dec.Decode(data)
			if err != nil {
				log.Warnf("decode device audio: %v", err)
				continue
			}
			if err := sess.SendAudio(pcm); err != nil {
				log.Debugf("forward audio: %v", err)
			}
			continue
		}
		handleControl(log, sess, data)
	}

	if err := sess.Finish(); err != nil {
		log.Debugf("finish session: %v", err)
	}
	metrics.SessionOutcomes.WithLabelValues("asr", outcome).Inc()
	log.Infof("device session ended: %s", outcome)
}

func handleControl(log *logging.Logger, sess *asr.Session, data []byte) {
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warnf("malformed device message: %v", err)
		return
	}
	kind, _ := msg["type"].(string)
	var err error
	switch kind {
	case asr.CommandListen:
		err = sess.Listen(msg)
	case asr.CommandDetect:
		words, _ := msg["words"].(string)
		if words == "" {
			words, _ = msg["text"].(string)
		}
		err = sess.Detect(words)
	default:
		log.Warnf("unknown device message type %q", kind)
		return
	}
	if err != nil {
		log.Debugf("forward %s: %v", kind, err)
	}
}

// outbox queues results for the device so the worker's reader never waits
// on a slow device.
type outbox struct {
	ch   chan []byte
	done chan struct{}
	log  *logging.Logger
}

func (o *outbox) OnResult(r asr.Result) {
	data, err := json.Marshal(TextMessage{Type: "text", Text: r.Text, Embedding: r.Embedding, URL: r.URL})
	if err != nil {
		o.log.Errorf("marshal result: %v", err)
		return
	}
	select {
	case o.ch <- data:
	default:
		metrics.FramesDropped.WithLabelValues("asr_worker", "device_backlog").Inc()
		o.log.Warnf("device backlog full, result dropped")
	}
}

func (o *outbox) OnClose(err error) {
	o.log.Warnf("worker gone: %v", err)
	close(o.done)
}

func (o *outbox) run(ctx context.Context, dev DeviceConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-o.ch:
			if err := dev.WriteText(data); err != nil {
				return
			}
		}
	}
}
