package volc

import "encoding/json"

const namespace = "BidirectionalTTS"

type AudioParams struct {
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
}

type ReqParams struct {
	Speaker     string       `json:"speaker,omitempty"`
	Text        string       `json:"text,omitempty"`
	AudioParams *AudioParams `json:"audio_params,omitempty"`
}

type User struct {
	UID string `json:"uid"`
}

// Request is the JSON body of every session-scoped client request.
type Request struct {
	User      *User     `json:"user,omitempty"`
	Namespace string    `json:"namespace"`
	Event     Event     `json:"event"`
	ReqParams ReqParams `json:"req_params"`
}

// SessionParams selects the voice and output format of one synthesis session.
type SessionParams struct {
	Speaker    string
	SampleRate int
	UID        string
}

func (p SessionParams) reqParams() ReqParams {
	return ReqParams{
		Speaker: p.Speaker,
		AudioParams: &AudioParams{
			Format:     "pcm",
			SampleRate: p.SampleRate,
		},
	}
}

// StartConnection builds the connection handshake frame.
func StartConnection() []byte {
	return EncodeRequest(EventStartConnection, "", []byte("{}"))
}

// FinishConnection builds the graceful connection shutdown frame.
func FinishConnection() []byte {
	return EncodeRequest(EventFinishConnection, "", []byte("{}"))
}

func StartSession(sessionID string, params SessionParams) ([]byte, error) {
	req := Request{
		Namespace: namespace,
		Event:     EventStartSession,
		ReqParams: params.reqParams(),
	}
	if params.UID != "" {
		req.User = &User{UID: params.UID}
	}
	return encodeJSON(EventStartSession, sessionID, req)
}

func AppendText(sessionID string, params SessionParams, text string) ([]byte, error) {
	rp := params.reqParams()
	rp.Text = text
	return encodeJSON(EventTaskRequest, sessionID, Request{
		Namespace: namespace,
		Event:     EventTaskRequest,
		ReqParams: rp,
	})
}

func CancelSession(sessionID string) ([]byte, error) {
	return encodeJSON(EventCancelSession, sessionID, Request{Namespace: namespace, Event: EventCancelSession})
}

func FinishSession(sessionID string) ([]byte, error) {
	return encodeJSON(EventFinishSession, sessionID, Request{Namespace: namespace, Event: EventFinishSession})
}

func encodeJSON(event Event, sessionID string, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return EncodeRequest(event, sessionID, payload), nil
}

// SentencePayload is carried by sentence boundary events.
type SentencePayload struct {
	Text string `json:"text"`
}

// ErrorPayload is carried by session failure events.
type ErrorPayload struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
}

// ParseSentence extracts the sentence text; malformed payloads yield "".
func ParseSentence(payload []byte) string {
	var p SentencePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return ""
	}
	return p.Text
}

// ParseError extracts the failure description of a session error event.
func ParseError(payload []byte) ErrorPayload {
	var p ErrorPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Message == "" {
		p.Message = string(payload)
	}
	return p
}
