// Package tts holds the upstream synthesis clients. A Client is one physical
// provider connection multiplexing many synthesis sessions.
package tts

import (
	"errors"
	"fmt"

	"github.com/liuscraft/orion-gateway/internal/upstream"
)

// Provider names an upstream wire protocol.
type Provider string

const (
	ProviderVolcengine Provider = "volcengine"
	ProviderDashScope  Provider = "dashscope"
)

func ParseProvider(s string) (Provider, error) {
	switch Provider(s) {
	case ProviderVolcengine, ProviderDashScope:
		return Provider(s), nil
	default:
		return "", fmt.Errorf("unknown tts provider %q", s)
	}
}

// SessionParams selects the voice and PCM format of one synthesis session.
type SessionParams struct {
	Voice      string
	SampleRate int
	UID        string
}

// EventKind enumerates everything a session can observe from upstream.
type EventKind int

const (
	EventStarted EventKind = iota
	EventSentenceStart
	EventSentenceEnd
	EventAudio
	EventFinished
	EventCancelled
	EventFailed
	// EventClosed is delivered when the connection carrying the session is
	// gone.
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventSentenceStart:
		return "sentence_start"
	case EventSentenceEnd:
		return "sentence_end"
	case EventAudio:
		return "audio"
	case EventFinished:
		return "finished"
	case EventCancelled:
		return "cancelled"
	case EventFailed:
		return "failed"
	case EventClosed:
		return "closed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one decoded upstream occurrence for a session.
type Event struct {
	Kind      EventKind
	SessionID string
	Text      string
	Audio     []byte
	Err       error
}

// Sink receives a session's events. Deliver must not block.
type Sink interface {
	Deliver(Event)
}

// Client is one upstream synthesis connection.
type Client interface {
	upstream.Member
	upstream.Pinger
	Provider() Provider
	// OpenSession registers a session under a fresh id and sends its start
	// request.
	OpenSession(params SessionParams, sink Sink) (Session, error)
}

// Session is one synthesis conversation on a Client.
type Session interface {
	ID() string
	// SampleRate is the PCM rate of the session's audio events.
	SampleRate() int
	Write(text string) error
	Finish() error
	Cancel() error
	// Detach unregisters the session; no event is delivered afterwards.
	Detach()
}

var (
	ErrTransient  = errors.New("tts transient error")
	ErrAuth       = errors.New("tts auth error")
	ErrBadRequest = errors.New("tts bad request")

	ErrNotReady         = errors.New("tts connection not ready")
	ErrConnectionClosed = errors.New("tts connection closed")
	ErrConnectionFailed = errors.New("tts connection rejected by provider")
	ErrSessionCancelled = errors.New("tts session cancelled upstream")
	ErrSessionFailed    = errors.New("tts session failed upstream")
	ErrSessionDetached  = errors.New("tts session detached")
)
