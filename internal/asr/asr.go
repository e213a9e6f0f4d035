// Package asr multiplexes device recognition sessions over recognition
// workers. Workers dial in to the gateway; every physical worker connection
// carries many logical sessions, told apart by the session id that prefixes
// each uplink audio frame.
package asr

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrWorkerClosed    = errors.New("asr worker connection closed")
	ErrSessionFinished = errors.New("asr session finished")
	ErrShortFrame      = errors.New("asr uplink frame truncated")
)

// Worker command and message types.
const (
	CommandListen = "listen"
	CommandDetect = "detect"
	CommandFinish = "finish"

	MessageChat = "chat"
)

// Result is one recognized utterance.
type Result struct {
	Text      string          `json:"text"`
	Embedding json.RawMessage `json:"embedding,omitempty"`
	URL       string          `json:"url,omitempty"`
}

// Listener receives a session's results. Both methods are called from the
// worker's reader goroutine and must not block.
type Listener interface {
	OnResult(Result)
	// OnClose is called once when the worker connection carrying the session
	// is gone.
	OnClose(err error)
}

// workerMessage is what workers send back.
type workerMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Content   string          `json:"content"`
	Embedding json.RawMessage `json:"embedding,omitempty"`
	URL       string          `json:"url,omitempty"`
}

// EncodeAudioFrame builds one uplink frame: a 4-byte big-endian session id
// length, the id, a 4-byte big-endian payload length and the PCM payload.
func EncodeAudioFrame(sessionID string, pcm []byte) []byte {
	buf := make([]byte, 8+len(sessionID)+len(pcm))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(sessionID)))
	n := 4 + copy(buf[4:], sessionID)
	binary.BigEndian.PutUint32(buf[n:n+4], uint32(len(pcm)))
	copy(buf[n+4:], pcm)
	return buf
}

// DecodeAudioFrame is the worker-side inverse of EncodeAudioFrame.
func DecodeAudioFrame(data []byte) (sessionID string, pcm []byte, err error) {
	if len(data) < 4 {
		return "", nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(data))
	}
	idLen := int(binary.BigEndian.Uint32(data[0:4]))
	if len(data) < 8+idLen {
		return "", nil, fmt.Errorf("%w: id of %d bytes", ErrShortFrame, idLen)
	}
	sessionID = string(data[4 : 4+idLen])
	n := 4 + idLen
	pcmLen := int(binary.BigEndian.Uint32(data[n : n+4]))
	if len(data)-n-4 < pcmLen {
		return "", nil, fmt.Errorf("%w: payload of %d bytes", ErrShortFrame, pcmLen)
	}
	return sessionID, data[n+4 : n+4+pcmLen], nil
}

// command builds a worker command. params may not override type or
// session_id.
func command(kind, sessionID string, params map[string]any) ([]byte, error) {
	msg := make(map[string]any, len(params)+2)
	for k, v := range params {
		msg[k] = v
	}
	msg["type"] = kind
	msg["session_id"] = sessionID
	return json.Marshal(msg)
}
