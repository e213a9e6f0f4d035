package ttsrelay

import (
	"context"
	"errors"
	"fmt"

	"github.com/liuscraft/orion-gateway/internal/logging"
	"github.com/liuscraft/orion-gateway/internal/metrics"
	"github.com/liuscraft/orion-gateway/internal/tts"
	"github.com/liuscraft/orion-gateway/internal/voices"
)

var (
	ErrRetriesExhausted = errors.New("tts relay: upstream retries exhausted")
	ErrNoUpstream       = errors.New("tts relay: provider not configured")
)

// Upstream hands out synthesis connections for one provider.
// *upstream.Pool[tts.Client] satisfies it.
type Upstream interface {
	Get(ctx context.Context) (tts.Client, error)
	// Renew closes old and returns a brand-new connection.
	Renew(ctx context.Context, old tts.Client) (tts.Client, error)
}

// action is a device request deferred until an upstream connection is bound.
type action int

const (
	actionStart action = iota
	actionFinish
)

// session is the synthesis state machine of one device connection. All of
// its methods run on the connection's event loop.
type session struct {
	ctx         context.Context
	log         *logging.Logger
	uid         string
	catalog     *voices.Catalog
	upstreams   map[tts.Provider]Upstream
	maxRetries  int
	filter      TextFilter
	mb          *mailbox
	out         *output
	closeDevice func()

	sm              stateMachine
	voice           voices.Voice
	voiceSet        bool
	text            []string
	started         bool
	finishRequested bool
	retries         int
	deferred        []action

	gen       uint64
	acquiring bool
	bind      *binding
	outcome   string
}

func (s *session) handle(msg any) {
	switch m := msg.(type) {
	case acquired:
		s.onAcquired(m)
	case upstreamEvent:
		s.onUpstreamEvent(m)
	case stopSent:
		s.closeDevice()
	default:
		s.log.Warnf("unexpected loop message %T", msg)
	}
}

func (s *session) onConfig(m Message) {
	if s.sm.terminal() {
		return
	}
	voice, err := s.resolveVoice(m.Voice)
	if err != nil {
		s.reject(err)
		return
	}
	if err := s.out.configure(m.SampleRate, m.FrameDuration, m.ProtocolVersion); err != nil {
		s.reject(err)
		return
	}

	s.unbind(true)
	s.voice = voice
	s.voiceSet = true
	s.retries = 0
	s.text = nil
	s.started = false
	s.finishRequested = false
	s.deferred = nil
	s.log.Infof("configured voice=%s source=%s rate=%d", voice.ID, voice.Source, s.out.sampleRate)
	s.acquire(nil)
}

func (s *session) onStart(m Message) {
	if s.sm.terminal() {
		return
	}
	if !s.voiceSet {
		voice, err := s.resolveVoice(m.Voice)
		if err != nil {
			s.reject(err)
			return
		}
		s.voice = voice
		s.voiceSet = true
	}
	if s.bind != nil && s.bind.sess != nil {
		s.log.Debugf("start ignored, upstream session %s already open", s.bind.sess.ID())
		return
	}

	s.out.start()
	s.started = true
	if s.bind != nil {
		s.openUpstream()
		return
	}
	s.deferred = append(s.deferred, actionStart)
	if !s.acquiring {
		s.acquire(nil)
	}
}

func (s *session) onText(m Message) {
	if s.sm.terminal() {
		return
	}
	chunk := m.Text
	if s.filter != nil {
		chunk = s.filter.Filter(chunk)
	}
	if chunk == "" {
		return
	}
	s.text = append(s.text, chunk)
	if b := s.bind; b != nil && b.sess != nil {
		if err := b.sess.Write(chunk); err != nil {
			s.log.Warnf("forward text: %v", err)
		}
	}
}

func (s *session) onFinish() {
	if s.sm.terminal() || s.finishRequested {
		return
	}
	s.finishRequested = true
	if b := s.bind; b != nil && b.sess != nil {
		s.sendFinish()
		return
	}
	s.deferred = append(s.deferred, actionFinish)
}

// onAbort drops pending output, cuts the binding without retry bookkeeping
// and replaces the owning connection with a brand-new one.
func (s *session) onAbort() {
	if s.sm.terminal() {
		return
	}
	s.out.interrupt(stateStop, "")
	old := s.unbind(true)
	s.text = nil
	s.started = false
	s.finishRequested = false
	s.deferred = nil
	s.log.Infof("aborted by device")

	// Without a binding, a pending acquisition already yields a connection
	// this session has never written to.
	if old != nil {
		s.acquire(old)
	}
}

func (s *session) onDisconnect() {
	if b := s.bind; b != nil && b.sess != nil && !b.finishSent && !s.sm.terminal() {
		if err := b.sess.Finish(); err != nil {
			s.log.Debugf("finish on disconnect: %v", err)
		}
	}
	s.unbind(false)
	s.out.close()
	if s.outcome == "" {
		s.outcome = "disconnected"
	}
}

func (s *session) resolveVoice(id string) (voices.Voice, error) {
	voice, err := s.catalog.Resolve(id)
	if err != nil {
		return voices.Voice{}, err
	}
	if _, ok := s.upstreams[voice.Source]; !ok {
		return voices.Voice{}, fmt.Errorf("%w: %s", ErrNoUpstream, voice.Source)
	}
	return voice, nil
}

// acquire asks the voice's pool for a connection off the loop; the result is
// posted back as an acquired message. A non-nil renew is closed and replaced.
func (s *session) acquire(renew tts.Client) {
	up := s.upstreams[s.voice.Source]
	s.gen++
	gen := s.gen
	s.acquiring = true
	s.sm.Transition(StateAwaitingUpstream)

	ctx := s.ctx
	go func() {
		var (
			c   tts.Client
			err error
		)
		if renew != nil {
			c, err = up.Renew(ctx, renew)
		} else {
			c, err = up.Get(ctx)
		}
		s.mb.push(acquired{gen: gen, client: c, err: err})
	}()
}

func (s *session) onAcquired(m acquired) {
	if m.gen != s.gen || !s.acquiring || s.sm.terminal() {
		// superseded; a connection obtained anyway stays with its pool
		return
	}
	s.acquiring = false
	if m.err != nil {
		s.fail(fmt.Errorf("acquire %s connection: %w", s.voice.Source, m.err))
		return
	}

	b := newBinding(s.gen, m.client, s.mb)
	s.bind = b
	s.sm.Transition(StateActive)
	s.log.Debugf("bound to upstream %s", m.client.ID())

	for len(s.deferred) > 0 && s.bind == b {
		a := s.deferred[0]
		s.deferred = s.deferred[1:]
		switch a {
		case actionStart:
			s.openUpstream()
		case actionFinish:
			if b.sess != nil {
				s.sendFinish()
			}
		}
	}
}

// openUpstream starts the upstream session and forwards the whole text
// buffer, plus finish when the device already asked for it.
func (s *session) openUpstream() {
	b := s.bind
	if b.sess != nil {
		return
	}
	params := tts.SessionParams{Voice: s.voice.ID, SampleRate: s.out.sampleRate, UID: s.uid}
	us, err := b.client.OpenSession(params, b)
	if err != nil {
		s.retry(fmt.Errorf("open session: %w", err))
		return
	}
	b.sess = us
	s.log.Debugf("upstream session %s opened on %s", us.ID(), b.client.ID())
	for _, text := range s.text {
		if err := us.Write(text); err != nil {
			s.log.Warnf("resubmit text: %v", err)
			break
		}
	}
	if s.finishRequested {
		s.sendFinish()
	}
}

func (s *session) sendFinish() {
	b := s.bind
	if b.finishSent {
		return
	}
	b.finishSent = true
	if err := b.sess.Finish(); err != nil {
		s.log.Warnf("finish upstream session: %v", err)
	}
	s.sm.Transition(StateFinishing)
}

func (s *session) onUpstreamEvent(m upstreamEvent) {
	b := s.bind
	if b == nil || m.gen != b.gen {
		s.log.Debugf("dropped %s event from a superseded binding", m.ev.Kind)
		return
	}
	ev := m.ev
	switch ev.Kind {
	case tts.EventStarted:
		s.log.Debugf("upstream session %s started", ev.SessionID)
	case tts.EventSentenceStart:
		s.out.control(stateSentenceStart, ev.Text)
	case tts.EventSentenceEnd:
		s.out.control(stateSentenceEnd, ev.Text)
	case tts.EventAudio:
		rate := 0
		if b.sess != nil {
			rate = b.sess.SampleRate()
		}
		s.out.audio(ev.Audio, rate)
	case tts.EventFinished:
		s.complete()
	case tts.EventCancelled, tts.EventFailed, tts.EventClosed:
		err := ev.Err
		if err == nil {
			err = fmt.Errorf("upstream %s", ev.Kind)
		}
		s.retry(err)
	default:
		s.log.Warnf("dropped unknown upstream event %s", ev.Kind)
	}
}

func (s *session) complete() {
	s.unbind(false)
	s.sm.Transition(StateClosed)
	s.outcome = "finished"
	s.out.stop(func() { s.mb.push(stopSent{}) })
}

// retry resubmits the session on a fresh binding until the retry cap is
// exceeded.
func (s *session) retry(cause error) {
	if s.sm.terminal() {
		return
	}
	s.unbind(false)
	s.retries++
	metrics.SessionRetries.WithLabelValues(string(s.voice.Source)).Inc()
	if s.retries > s.maxRetries {
		s.fail(fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, s.retries, cause))
		return
	}
	s.log.Warnf("upstream attempt %d failed, resubmitting %d text chunks: %v", s.retries, len(s.text), cause)

	s.deferred = s.deferred[:0]
	if s.started {
		s.deferred = append(s.deferred, actionStart)
	}
	if s.finishRequested {
		s.deferred = append(s.deferred, actionFinish)
	}
	s.acquire(nil)
}

func (s *session) fail(err error) {
	s.unbind(true)
	s.sm.Transition(StateFailed)
	s.outcome = "failed"
	s.log.Errorf("session failed: %v", err)
	s.out.interrupt(stateError, "")
	s.closeDevice()
}

// reject reports an invalid device request and closes the connection.
func (s *session) reject(err error) {
	s.unbind(true)
	s.sm.Transition(StateFailed)
	s.outcome = "rejected"
	s.log.Warnf("rejected device request: %v", err)
	s.out.interrupt(stateError, err.Error())
	s.closeDevice()
}

// unbind cuts the current binding and returns its connection. cancel asks
// the provider to stop an unfinished session first.
func (s *session) unbind(cancel bool) tts.Client {
	b := s.bind
	if b == nil {
		return nil
	}
	s.bind = nil
	b.cut()
	if b.sess != nil {
		if cancel {
			if err := b.sess.Cancel(); err != nil && !errors.Is(err, tts.ErrSessionDetached) {
				s.log.Debugf("cancel upstream session: %v", err)
			}
		}
		b.sess.Detach()
	}
	return b.client
}
