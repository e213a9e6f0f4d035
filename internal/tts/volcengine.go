package tts

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/liuscraft/orion-gateway/internal/protocol/volc"
	"github.com/liuscraft/orion-gateway/internal/transport"
)

const (
	DefaultVolcEndpoint   = "wss://openspeech.bytedance.com/api/v3/tts/bidirection"
	DefaultVolcResourceID = "volc.service_type.10029"
	DefaultVolcVoice      = "zh_female_shuangkuaisisi_moon_bigtts"
	DefaultVolcSampleRate = 24000
)

type VolcConfig struct {
	Endpoint   string
	AppID      string
	AccessKey  string
	ResourceID string
}

func (c VolcConfig) normalize() (VolcConfig, error) {
	if c.AppID == "" || c.AccessKey == "" {
		return VolcConfig{}, errors.New("BYTEDANCE_TTS_APP_ID and BYTEDANCE_TTS_APP_KEY are required")
	}
	if strings.TrimSpace(c.Endpoint) == "" {
		c.Endpoint = DefaultVolcEndpoint
	}
	if c.ResourceID == "" {
		c.ResourceID = DefaultVolcResourceID
	}
	return c, nil
}

// VolcClient is one bidirectional TTS connection. It becomes ready when the
// provider acknowledges the connection start.
type VolcClient struct {
	*conn
}

// VolcFactory returns a pool factory dialing cfg.
func VolcFactory(cfg VolcConfig) func(ctx context.Context) (Client, error) {
	return func(ctx context.Context) (Client, error) {
		return DialVolcengine(ctx, cfg)
	}
}

// DialVolcengine opens the transport and sends the connection start request.
// Readiness is signalled later through Ready.
func DialVolcengine(ctx context.Context, cfg VolcConfig) (*VolcClient, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	reqID := uuid.NewString()
	dial := transport.WebSocketDialer(cfg.Endpoint, func() http.Header {
		h := http.Header{}
		h.Set("X-Api-App-Key", cfg.AppID)
		h.Set("X-Api-Access-Key", cfg.AccessKey)
		h.Set("X-Api-Resource-Id", cfg.ResourceID)
		h.Set("X-Api-Request-Id", reqID)
		return h
	})
	tc, resp, err := dial(ctx)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("volcengine dial: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("volcengine dial: %w", err)
	}

	c := &VolcClient{conn: newConn(reqID, ProviderVolcengine, tc)}
	if resp != nil {
		c.log.Infof("connected, logid=%s", resp.Header.Get("X-Tt-Logid"))
	}
	if err := tc.WriteBinary(volc.StartConnection()); err != nil {
		_ = tc.Close()
		return nil, fmt.Errorf("volcengine start connection: %w", err)
	}
	go c.readLoop()
	return c, nil
}

// Close finishes the connection gracefully when it is ready.
func (c *VolcClient) Close() error {
	if c.IsReady() {
		_ = c.tc.WriteBinary(volc.FinishConnection())
	}
	c.shutdown(ErrConnectionClosed)
	return nil
}

func (c *VolcClient) OpenSession(params SessionParams, sink Sink) (Session, error) {
	if !c.IsReady() {
		return nil, ErrNotReady
	}
	if params.Voice == "" {
		params.Voice = DefaultVolcVoice
	}
	if params.SampleRate == 0 {
		params.SampleRate = DefaultVolcSampleRate
	}
	s := &session{params: params, sink: sink, ops: c}
	if err := c.register(s); err != nil {
		return nil, err
	}
	frame, err := volc.StartSession(s.id, c.volcParams(s))
	if err == nil {
		err = c.tc.WriteBinary(frame)
	}
	if err != nil {
		c.unregister(s.id)
		return nil, fmt.Errorf("volcengine start session: %w", err)
	}
	c.log.Debugf("session %s started, voice=%s", s.id, params.Voice)
	return s, nil
}

func (c *VolcClient) volcParams(s *session) volc.SessionParams {
	return volc.SessionParams{
		Speaker:    s.params.Voice,
		SampleRate: s.params.SampleRate,
		UID:        s.params.UID,
	}
}

func (c *VolcClient) write(s *session, text string) error {
	frame, err := volc.AppendText(s.id, c.volcParams(s), text)
	if err != nil {
		return err
	}
	return c.tc.WriteBinary(frame)
}

func (c *VolcClient) finish(s *session) error {
	frame, err := volc.FinishSession(s.id)
	if err != nil {
		return err
	}
	return c.tc.WriteBinary(frame)
}

func (c *VolcClient) cancel(s *session) error {
	frame, err := volc.CancelSession(s.id)
	if err != nil {
		return err
	}
	return c.tc.WriteBinary(frame)
}

func (c *VolcClient) detach(s *session) {
	c.unregister(s.id)
}

func (c *VolcClient) readLoop() {
	for {
		messageType, data, err := c.tc.Read()
		if err != nil {
			if transport.IsNormalClose(err) {
				c.shutdown(ErrConnectionClosed)
			} else {
				c.shutdown(fmt.Errorf("%w: %v", ErrConnectionClosed, err))
			}
			return
		}
		if messageType != transport.BinaryMessage {
			c.drop("text_message", "unexpected text message: %q", data)
			continue
		}
		frame, err := volc.Decode(data)
		if err != nil {
			c.drop("malformed", "decode frame: %v", err)
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *VolcClient) handleFrame(frame volc.Frame) {
	switch frame.Kind() {
	case volc.KindError:
		c.errors.Add(1)
		c.log.Errorf("provider error: code=%d, message=%s", frame.ErrorCode, frame.Payload)
	case volc.KindConnection:
		c.handleConnectionEvent(frame)
	case volc.KindSession:
		c.handleSessionEvent(frame)
	case volc.KindAudio:
		s, ok := c.lookup(frame.SessionID)
		if !ok {
			c.drop("unknown_session", "audio for unknown session %s", frame.SessionID)
			return
		}
		s.deliver(Event{Kind: EventAudio, Audio: frame.Payload})
	default:
		c.drop("unknown_type", "unhandled message type 0x%02x", byte(frame.Type))
	}
}

func (c *VolcClient) handleConnectionEvent(frame volc.Frame) {
	switch frame.Event {
	case volc.EventConnectionStarted:
		c.markReady()
		c.log.Infof("connection ready")
	case volc.EventConnectionFailed:
		c.errors.Add(1)
		c.shutdown(fmt.Errorf("%w: %s", ErrConnectionFailed, frame.Payload))
	case volc.EventConnectionFinished:
		c.shutdown(ErrConnectionClosed)
	default:
		c.drop("unknown_event", "unhandled connection event %s", frame.Event)
	}
}

func (c *VolcClient) handleSessionEvent(frame volc.Frame) {
	s, ok := c.lookup(frame.SessionID)
	if !ok {
		c.drop("unknown_session", "event %s for unknown session %s", frame.Event, frame.SessionID)
		return
	}
	switch frame.Event {
	case volc.EventSessionStarted:
		s.deliver(Event{Kind: EventStarted})
	case volc.EventTTSSentenceStart:
		s.deliver(Event{Kind: EventSentenceStart, Text: volc.ParseSentence(frame.Payload)})
	case volc.EventTTSSentenceEnd:
		s.deliver(Event{Kind: EventSentenceEnd, Text: volc.ParseSentence(frame.Payload)})
	case volc.EventTTSResponse:
		s.deliver(Event{Kind: EventAudio, Audio: frame.Payload})
	case volc.EventSessionCancelled:
		s.finalize(Event{Kind: EventCancelled, Err: ErrSessionCancelled})
	case volc.EventSessionFinished:
		s.finalize(Event{Kind: EventFinished})
	case volc.EventSessionFailed:
		c.errors.Add(1)
		p := volc.ParseError(frame.Payload)
		s.deliver(Event{Kind: EventFailed, Err: fmt.Errorf("%w: status=%d %s", ErrSessionFailed, p.StatusCode, p.Message)})
	default:
		c.drop("unknown_event", "unhandled session event %s", frame.Event)
	}
}
