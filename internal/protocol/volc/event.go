package volc

import "fmt"

// Event is an event code of the bidirectional TTS protocol.
type Event uint32

const (
	EventNone Event = 0

	// client -> server, connection scope
	EventStartConnection  Event = 1
	EventFinishConnection Event = 2

	// server -> client, connection scope
	EventConnectionStarted  Event = 50
	EventConnectionFailed   Event = 51
	EventConnectionFinished Event = 52

	// client -> server, session scope
	EventStartSession  Event = 100
	EventCancelSession Event = 101
	EventFinishSession Event = 102
	EventTaskRequest   Event = 200

	// server -> client, session scope
	EventSessionStarted   Event = 150
	EventSessionCancelled Event = 151
	EventSessionFinished  Event = 152
	EventSessionFailed    Event = 153
	EventTTSSentenceStart Event = 350
	EventTTSSentenceEnd   Event = 351
	EventTTSResponse      Event = 352
)

// maxConnectionEvent is the highest connection-scoped event code. Every code
// above it carries a session id.
const maxConnectionEvent Event = 52

// SessionScoped reports whether frames with this event carry a session id.
func (e Event) SessionScoped() bool {
	return e > maxConnectionEvent
}

// Known reports whether e is a member of the protocol's event set.
func (e Event) Known() bool {
	switch e {
	case EventStartConnection, EventFinishConnection,
		EventConnectionStarted, EventConnectionFailed, EventConnectionFinished,
		EventStartSession, EventCancelSession, EventFinishSession, EventTaskRequest,
		EventSessionStarted, EventSessionCancelled, EventSessionFinished, EventSessionFailed,
		EventTTSSentenceStart, EventTTSSentenceEnd, EventTTSResponse:
		return true
	default:
		return false
	}
}

func (e Event) String() string {
	switch e {
	case EventNone:
		return "None"
	case EventStartConnection:
		return "StartConnection"
	case EventFinishConnection:
		return "FinishConnection"
	case EventConnectionStarted:
		return "ConnectionStarted"
	case EventConnectionFailed:
		return "ConnectionFailed"
	case EventConnectionFinished:
		return "ConnectionFinished"
	case EventStartSession:
		return "StartSession"
	case EventCancelSession:
		return "CancelSession"
	case EventFinishSession:
		return "FinishSession"
	case EventTaskRequest:
		return "TaskRequest"
	case EventSessionStarted:
		return "SessionStarted"
	case EventSessionCancelled:
		return "SessionCancelled"
	case EventSessionFinished:
		return "SessionFinished"
	case EventSessionFailed:
		return "SessionFailed"
	case EventTTSSentenceStart:
		return "TTSSentenceStart"
	case EventTTSSentenceEnd:
		return "TTSSentenceEnd"
	case EventTTSResponse:
		return "TTSResponse"
	default:
		return fmt.Sprintf("Event(%d)", uint32(e))
	}
}
