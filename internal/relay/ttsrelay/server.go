// Package ttsrelay serves the device-facing synthesis endpoint. Each device
// connection runs one event loop owning its session state machine; upstream
// events and pool results reach the loop through the connection's mailbox.
package ttsrelay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/liuscraft/orion-gateway/internal/audio"
	"github.com/liuscraft/orion-gateway/internal/delivery"
	"github.com/liuscraft/orion-gateway/internal/logging"
	"github.com/liuscraft/orion-gateway/internal/metrics"
	"github.com/liuscraft/orion-gateway/internal/transport"
	"github.com/liuscraft/orion-gateway/internal/tts"
	"github.com/liuscraft/orion-gateway/internal/voices"
)

const (
	DefaultMaxRetries = 3
	DefaultSampleRate = 24000
)

// Device message types.
const (
	MessageStart  = "start"
	MessageText   = "text"
	MessageFinish = "finish"
	MessageConfig = "config"
	MessageAbort  = "abort"
)

// Message is a device control message.
type Message struct {
	Type            string `json:"type"`
	Text            string `json:"text,omitempty"`
	Voice           string `json:"voice,omitempty"`
	SampleRate      int    `json:"sampleRate,omitempty"`
	FrameDuration   int    `json:"frameDuration,omitempty"`
	ProtocolVersion int    `json:"protocolVersion,omitempty"`
}

// DeviceConn is the device side of the relay. *transport.Conn satisfies it.
type DeviceConn interface {
	Read() (int, []byte, error)
	WriteText(data []byte) error
	WriteBinary(data []byte) error
	Close() error
}

type Options struct {
	Catalog   *voices.Catalog
	Upstreams map[tts.Provider]Upstream
	// MaxRetries caps upstream resubmissions per session.
	MaxRetries int
	// Defaults for devices that do not configure their own format.
	SampleRate      int
	FrameDuration   time.Duration
	ProtocolVersion int
	NewEncoder      func(sampleRate int) (audio.Encoder, error)
	Clock           delivery.Clock
	// TextFilter rewrites device text before it is buffered and sent
	// upstream. Nil forwards text unchanged.
	TextFilter TextFilter
}

// TextFilter is satisfied by *text.MarkdownFilter.
type TextFilter interface {
	Filter(s string) string
}

type Server struct {
	opts   Options
	log    *logging.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(opts Options) (*Server, error) {
	if opts.Catalog == nil {
		return nil, errors.New("tts relay: voice catalog is required")
	}
	if len(opts.Upstreams) == 0 {
		return nil, errors.New("tts relay: no upstream provider configured")
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.SampleRate == 0 {
		opts.SampleRate = DefaultSampleRate
	}
	if opts.FrameDuration == 0 {
		opts.FrameDuration = delivery.DefaultFrameDuration
	}
	if opts.ProtocolVersion == 0 {
		opts.ProtocolVersion = delivery.DefaultVersion
	}
	if opts.NewEncoder == nil {
		opts.NewEncoder = func(rate int) (audio.Encoder, error) {
			return audio.NewOpusEncoder(rate)
		}
	}
	if opts.Clock == nil {
		opts.Clock = delivery.SystemClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:   opts,
		log:    logging.With("relay", "tts"),
		ctx:    ctx,
		cancel: cancel,
	}, nil
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

// Serve runs the relay for one device until it disconnects or ctx ends.
func (s *Server) Serve(ctx context.Context, dev DeviceConn) {
	connID := logging.NextConnID("tts")
	log := s.log.With("conn_id", connID)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer dev.Close()

	out, err := newOutput(dev, s.opts, log)
	if err != nil {
		log.Errorf("prepare device output: %v", err)
		return
	}

	metrics.SessionsActive.WithLabelValues("tts").Inc()
	defer metrics.SessionsActive.WithLabelValues("tts").Dec()

	mb := newMailbox()
	sess := &session{
		ctx:         ctx,
		log:         log,
		uid:         connID,
		catalog:     s.opts.Catalog,
		upstreams:   s.opts.Upstreams,
		maxRetries:  s.opts.MaxRetries,
		filter:      s.opts.TextFilter,
		mb:          mb,
		out:         out,
		closeDevice: func() { _ = dev.Close() },
	}
	go readDevice(dev, mb)
	log.Infof("device connected")

	defer func() {
		metrics.SessionOutcomes.WithLabelValues("tts", sess.outcome).Inc()
		log.Infof("device session ended: %s", sess.outcome)
	}()

	for {
		select {
		case <-ctx.Done():
			sess.onDisconnect()
			return
		case <-mb.wait():
			for _, msg := range mb.drain() {
				switch m := msg.(type) {
				case deviceFrame:
					s.dispatch(sess, m)
				case deviceClosed:
					if !transport.IsNormalClose(m.err) {
						log.Debugf("device read: %v", m.err)
					}
					sess.onDisconnect()
					return
				default:
					sess.handle(msg)
				}
			}
		}
	}
}

func readDevice(dev DeviceConn, mb *mailbox) {
	for {
		messageType, data, err := dev.Read()
		if err != nil {
			mb.push(deviceClosed{err: err})
			return
		}
		mb.push(deviceFrame{messageType: messageType, data: data})
	}
}

func (s *Server) dispatch(sess *session, f deviceFrame) {
	if f.messageType != transport.TextMessage {
		sess.log.Debugf("ignored %d-byte binary message", len(f.data))
		return
	}
	var m Message
	if err := json.Unmarshal(f.data, &m); err != nil {
		sess.log.Warnf("malformed device message: %v", err)
		return
	}
	switch m.Type {
	case MessageConfig:
		sess.onConfig(m)
	case MessageStart:
		sess.onStart(m)
	case MessageText:
		sess.onText(m)
	case MessageFinish:
		sess.onFinish()
	case MessageAbort:
		sess.onAbort()
	default:
		sess.log.Warnf("unknown device message type %q", m.Type)
	}
}
