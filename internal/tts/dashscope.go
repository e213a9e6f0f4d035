package tts

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/liuscraft/orion-gateway/internal/logging"
	"github.com/liuscraft/orion-gateway/internal/protocol/dashscope"
	"github.com/liuscraft/orion-gateway/internal/transport"
)

const (
	DefaultDashScopeEndpoint   = "wss://dashscope.aliyuncs.com/api-ws/v1/inference"
	DefaultDashScopeModel      = "cosyvoice-v1"
	DefaultDashScopeVoice      = "longjielidou"
	DefaultDashScopeSampleRate = 24000

	dashScopeUserAgent = "orion-gateway/1.0; go"
)

type DashScopeConfig struct {
	APIKey               string
	Endpoint             string
	Workspace            string
	Model                string
	SampleRate           int
	Volume               int
	Rate                 float64
	Pitch                float64
	EnableDataInspection *bool
}

func (c DashScopeConfig) normalize() (DashScopeConfig, error) {
	if c.APIKey == "" {
		return DashScopeConfig{}, errors.New("DASHSCOPE_API_KEY is required")
	}
	if strings.TrimSpace(c.Endpoint) == "" {
		c.Endpoint = DefaultDashScopeEndpoint
	}
	if c.Model == "" {
		c.Model = DefaultDashScopeModel
	}
	if c.SampleRate == 0 {
		c.SampleRate = DefaultDashScopeSampleRate
	}
	return c, nil
}

// DashScopeClient is one duplex synthesis connection. Binary audio carries no
// task id, so packets are attributed to the oldest task that has started and
// not yet finished. A detached task keeps its place in that order until the
// service reports it finished or failed, and its remaining audio is dropped.
type DashScopeClient struct {
	*conn
	cfg DashScopeConfig

	mu    sync.Mutex
	tasks map[string]*dashScopeTask
	order []string
}

type dashScopeTask struct {
	gate      dashscope.AudioGate
	texts     []string
	started   bool
	finishing bool
	draining  bool
}

func DashScopeFactory(cfg DashScopeConfig) func(ctx context.Context) (Client, error) {
	return func(ctx context.Context) (Client, error) {
		return DialDashScope(ctx, cfg)
	}
}

// DialDashScope opens the connection. It is ready as soon as the WebSocket is
// open.
func DialDashScope(ctx context.Context, cfg DashScopeConfig) (*DashScopeClient, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	dial := transport.WebSocketDialer(cfg.Endpoint, func() http.Header {
		header := http.Header{}
		header.Set("Authorization", fmt.Sprintf("bearer %s", cfg.APIKey))
		header.Set("User-Agent", dashScopeUserAgent)
		if cfg.EnableDataInspection != nil && *cfg.EnableDataInspection {
			header.Set("X-DashScope-DataInspection", "enable")
		}
		if strings.TrimSpace(cfg.Workspace) != "" {
			header.Set("X-DashScope-WorkSpace", strings.TrimSpace(cfg.Workspace))
		}
		return header
	})
	tc, resp, err := dial(ctx)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dashscope dial: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("dashscope dial: %w", err)
	}

	c := &DashScopeClient{
		conn:  newConn(uuid.NewString(), ProviderDashScope, tc),
		cfg:   cfg,
		tasks: make(map[string]*dashScopeTask),
	}
	c.markReady()
	go c.readLoop()
	return c, nil
}

func (c *DashScopeClient) Close() error {
	c.shutdown(ErrConnectionClosed)
	return nil
}

// OpenSession sends run-task. The sample rate is fixed by the client config.
func (c *DashScopeClient) OpenSession(params SessionParams, sink Sink) (Session, error) {
	if !c.IsReady() {
		return nil, ErrNotReady
	}
	if params.Voice == "" {
		params.Voice = DefaultDashScopeVoice
	}
	params.SampleRate = c.cfg.SampleRate

	s := &session{params: params, sink: sink, ops: c}
	if err := c.register(s); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.tasks[s.id] = &dashScopeTask{}
	c.order = append(c.order, s.id)
	c.mu.Unlock()

	msg, err := dashscope.RunTask(s.id, dashscope.TaskParams{
		Model:      c.cfg.Model,
		Voice:      params.Voice,
		SampleRate: c.cfg.SampleRate,
		Volume:     c.cfg.Volume,
		Rate:       c.cfg.Rate,
		Pitch:      c.cfg.Pitch,
	})
	if err == nil {
		err = c.tc.WriteText(msg)
	}
	if err != nil {
		c.unregister(s.id)
		c.mu.Lock()
		c.removeTaskLocked(s.id)
		c.mu.Unlock()
		return nil, fmt.Errorf("dashscope run-task: %w", err)
	}
	return s, nil
}

func (c *DashScopeClient) write(s *session, text string) error {
	c.mu.Lock()
	if task, ok := c.tasks[s.id]; ok {
		task.texts = append(task.texts, text)
	}
	c.mu.Unlock()

	msg, err := dashscope.ContinueTask(s.id, text)
	if err != nil {
		return err
	}
	return c.tc.WriteText(msg)
}

// finish announces the whole submitted text as one sentence; the protocol has
// no sentence events of its own.
func (c *DashScopeClient) finish(s *session) error {
	c.mu.Lock()
	var joined string
	if task, ok := c.tasks[s.id]; ok {
		joined = strings.Join(task.texts, "")
	}
	c.mu.Unlock()
	s.deliver(Event{Kind: EventSentenceStart, Text: joined})
	return c.finishTask(s.id)
}

// cancel has no wire equivalent; the task is finished and its output dropped
// once the session detaches.
func (c *DashScopeClient) cancel(s *session) error {
	return c.finishTask(s.id)
}

func (c *DashScopeClient) finishTask(id string) error {
	c.mu.Lock()
	if task, ok := c.tasks[id]; ok {
		task.finishing = true
	}
	c.mu.Unlock()

	msg, err := dashscope.FinishTask(id)
	if err != nil {
		return err
	}
	return c.tc.WriteText(msg)
}

// detach unbinds s but leaves its task draining: the service may still be
// streaming audio for it, and that audio must not shift to the next task.
func (c *DashScopeClient) detach(s *session) {
	c.unregister(s.id)
	c.mu.Lock()
	task, ok := c.tasks[s.id]
	if !ok {
		c.mu.Unlock()
		return
	}
	select {
	case <-c.done:
		// nothing more will arrive for it
		c.removeTaskLocked(s.id)
		c.mu.Unlock()
		return
	default:
	}
	task.draining = true
	needFinish := !task.finishing
	c.mu.Unlock()

	if needFinish {
		if err := c.finishTask(s.id); err != nil {
			c.log.Warnf("finish draining task %s: %v", s.id, err)
		}
	}
}

func (c *DashScopeClient) removeTaskLocked(id string) {
	delete(c.tasks, id)
	for i, taskID := range c.order {
		if taskID == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

func (c *DashScopeClient) readLoop() {
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
		switch messageType {
		case transport.BinaryMessage:
			c.handleAudio(data)
		case transport.TextMessage:
			ev, err := dashscope.DecodeEvent(data)
			if err != nil {
				c.drop("malformed", "decode event: %v", err)
				continue
			}
			c.handleEvent(ev)
		default:
			c.drop("unknown_type", "unexpected message type %d", messageType)
		}
	}
}

func (c *DashScopeClient) handleAudio(packet []byte) {
	c.mu.Lock()
	var (
		owner    string
		draining bool
		released [][]byte
	)
	for _, id := range c.order {
		if task := c.tasks[id]; task != nil && task.started {
			owner, draining = id, task.draining
			if !draining {
				released = task.gate.Push(packet)
			}
			break
		}
	}
	c.mu.Unlock()

	switch {
	case owner == "":
		c.drop("unowned_audio", "audio packet of %d bytes with no started task", len(packet))
	case draining:
		c.drop("draining", "audio packet of %d bytes for detached task %s", len(packet), owner)
	default:
		c.emitAudio(owner, released)
	}
}

// settle updates the task bookkeeping for ev. known is false for tasks this
// client never ran; draining is true for tasks whose session detached.
func (c *DashScopeClient) settle(ev dashscope.Event) (known, draining bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.tasks[ev.TaskID]
	if !ok {
		return false, false
	}
	switch ev.Name {
	case dashscope.EventTaskStarted:
		task.started = true
	case dashscope.EventTaskFinished, dashscope.EventTaskFailed:
		if task.draining {
			c.removeTaskLocked(ev.TaskID)
		}
	}
	return true, task.draining
}

func (c *DashScopeClient) handleEvent(ev dashscope.Event) {
	known, draining := c.settle(ev)
	if draining {
		c.log.Debugf("event %s for detached task %s", ev.Name, ev.TaskID)
		return
	}
	s, ok := c.lookup(ev.TaskID)
	if !known || !ok {
		c.drop("unknown_session", "event %s for unknown task %s", ev.Name, ev.TaskID)
		return
	}

	switch ev.Name {
	case dashscope.EventTaskStarted:
		s.deliver(Event{Kind: EventStarted})
	case dashscope.EventResultGenerated:
		c.mu.Lock()
		var released [][]byte
		if task := c.tasks[ev.TaskID]; task != nil {
			released = task.gate.ResultGenerated()
		}
		c.mu.Unlock()
		c.emitAudio(ev.TaskID, released)
	case dashscope.EventTaskFinished:
		c.mu.Lock()
		var (
			released [][]byte
			joined   string
		)
		if task := c.tasks[ev.TaskID]; task != nil {
			released = task.gate.Finish(c.cfg.SampleRate)
			joined = strings.Join(task.texts, "")
		}
		c.removeTaskLocked(ev.TaskID)
		c.mu.Unlock()
		c.emitAudio(ev.TaskID, released)
		s.deliver(Event{Kind: EventSentenceEnd, Text: joined})
		s.finalize(Event{Kind: EventFinished})
	case dashscope.EventTaskFailed:
		c.mu.Lock()
		c.removeTaskLocked(ev.TaskID)
		c.mu.Unlock()
		c.errors.Add(1)
		s.finalize(Event{Kind: EventFailed, Err: mapDashScopeError(c.log, ev.ErrorCode, ev.ErrorMessage)})
	default:
		c.drop("unknown_event", "unhandled event %s for task %s", ev.Name, ev.TaskID)
	}
}

func (c *DashScopeClient) emitAudio(taskID string, packets [][]byte) {
	if len(packets) == 0 {
		return
	}
	s, ok := c.lookup(taskID)
	if !ok {
		return
	}
	for _, p := range packets {
		s.deliver(Event{Kind: EventAudio, Audio: p})
	}
}

func mapDashScopeError(log *logging.Logger, code, message string) error {
	log.Errorf("TTS error: code=%s, message=%s", code, message)
	lower := strings.ToLower(code + " " + message)
	switch {
	case strings.Contains(lower, "unauthorized"), strings.Contains(lower, "authentication"):
		return fmt.Errorf("%w: %w: %s", ErrSessionFailed, ErrAuth, message)
	case strings.Contains(lower, "invalidparameter"), strings.Contains(lower, "bad request"):
		return fmt.Errorf("%w: %w: %s", ErrSessionFailed, ErrBadRequest, message)
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "tempor"):
		return fmt.Errorf("%w: %w: %s", ErrSessionFailed, ErrTransient, message)
	}
	if message == "" {
		message = "dashscope task failed"
	}
	return fmt.Errorf("%w: %s", ErrSessionFailed, message)
}
