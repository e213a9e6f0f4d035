// Package volc implements the binary framing of the Volcengine bidirectional
// streaming TTS protocol.
//
// Every frame is laid out as
//
//	header(4) | event(4, BE) | [session id len(4, BE) | session id] | payload len(4, BE) | payload
//
// where the session id part is present only for session-scoped events. Error
// frames instead carry error code(4, BE) | message len(4, BE) | message.
package volc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MessageType is the second header byte: message type in the high nibble,
// flags in the low nibble.
type MessageType byte

const (
	MsgFullClientRequest  MessageType = 0x14
	MsgFullServerResponse MessageType = 0x94
	MsgAudioOnlyResponse  MessageType = 0xB4
	MsgError              MessageType = 0xF0
)

const (
	protocolVersion     byte = 0x11 // version 1, header size 1*4
	serializationJSON   byte = 0x10
	serializationRaw    byte = 0x00
	headerSize               = 4
	lengthPrefixSize         = 4
	minErrorFrameLength      = headerSize + 8
)

var (
	ErrShortFrame         = errors.New("volc: frame truncated")
	ErrUnknownMessageType = errors.New("volc: unknown message type")
)

// Kind classifies a decoded frame.
type Kind int

const (
	KindConnection Kind = iota
	KindSession
	KindAudio
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindSession:
		return "session"
	case KindAudio:
		return "audio"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Frame is one decoded protocol unit.
type Frame struct {
	Type      MessageType
	Event     Event
	SessionID string
	Payload   []byte

	// Set for error frames only.
	ErrorCode uint32
}

func (f Frame) Kind() Kind {
	switch {
	case f.Type == MsgError:
		return KindError
	case f.Type == MsgAudioOnlyResponse:
		return KindAudio
	case f.Event.SessionScoped():
		return KindSession
	default:
		return KindConnection
	}
}

// EncodeRequest frames a client request carrying a JSON payload. sessionID is
// written only when the event is session scoped.
func EncodeRequest(event Event, sessionID string, payload []byte) []byte {
	return encode(MsgFullClientRequest, serializationJSON, event, sessionID, payload)
}

// EncodeServerEvent frames a server JSON response. It is the inverse of the
// MsgFullServerResponse branch of Decode and is used by loopback providers.
func EncodeServerEvent(event Event, sessionID string, payload []byte) []byte {
	return encode(MsgFullServerResponse, serializationJSON, event, sessionID, payload)
}

// EncodeAudio frames a raw audio response for sessionID.
func EncodeAudio(sessionID string, pcm []byte) []byte {
	return encode(MsgAudioOnlyResponse, serializationRaw, EventTTSResponse, sessionID, pcm)
}

// EncodeError frames a server error.
func EncodeError(code uint32, message string) []byte {
	buf := make([]byte, minErrorFrameLength+len(message))
	copy(buf, []byte{protocolVersion, byte(MsgError), serializationJSON, 0x00})
	binary.BigEndian.PutUint32(buf[4:8], code)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(message)))
	copy(buf[12:], message)
	return buf
}

func encode(msgType MessageType, serialization byte, event Event, sessionID string, payload []byte) []byte {
	size := headerSize + 4 + lengthPrefixSize + len(payload)
	scoped := event.SessionScoped()
	if scoped {
		size += lengthPrefixSize + len(sessionID)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, protocolVersion, byte(msgType), serialization, 0x00)
	buf = binary.BigEndian.AppendUint32(buf, uint32(event))
	if scoped {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(sessionID)))
		buf = append(buf, sessionID...)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	return buf
}

// Decode parses one frame. Unknown message types return ErrUnknownMessageType;
// unknown event codes decode successfully and are reported by Event.Known.
func Decode(data []byte) (Frame, error) {
	if len(data) < headerSize {
		return Frame{}, ErrShortFrame
	}

	msgType := MessageType(data[1])
	switch msgType {
	case MsgError:
		return decodeError(data)
	case MsgFullServerResponse, MsgAudioOnlyResponse, MsgFullClientRequest:
		return decodeEventFrame(msgType, data)
	default:
		return Frame{Type: msgType}, fmt.Errorf("%w: 0x%02X", ErrUnknownMessageType, byte(msgType))
	}
}

func decodeError(data []byte) (Frame, error) {
	if len(data) < minErrorFrameLength {
		return Frame{}, ErrShortFrame
	}
	frame := Frame{
		Type:      MsgError,
		ErrorCode: binary.BigEndian.Uint32(data[4:8]),
	}
	message, _, err := readPrefixed(data, 8)
	if err != nil {
		return Frame{}, err
	}
	frame.Payload = message
	return frame, nil
}

func decodeEventFrame(msgType MessageType, data []byte) (Frame, error) {
	if len(data) < headerSize+4 {
		return Frame{}, ErrShortFrame
	}
	frame := Frame{
		Type:  msgType,
		Event: Event(binary.BigEndian.Uint32(data[4:8])),
	}
	offset := headerSize + 4

	if frame.Event.SessionScoped() {
		id, next, err := readPrefixed(data, offset)
		if err != nil {
			return Frame{}, err
		}
		frame.SessionID = string(id)
		offset = next
	}

	// connection-level responses may omit the payload entirely
	if !frame.Event.SessionScoped() && len(data)-offset < lengthPrefixSize {
		return frame, nil
	}

	payload, _, err := readPrefixed(data, offset)
	if err != nil {
		return Frame{}, err
	}
	frame.Payload = payload
	return frame, nil
}

func readPrefixed(data []byte, offset int) ([]byte, int, error) {
	if len(data)-offset < lengthPrefixSize {
		return nil, 0, ErrShortFrame
	}
	n := int(binary.BigEndian.Uint32(data[offset : offset+lengthPrefixSize]))
	offset += lengthPrefixSize
	if n < 0 || len(data)-offset < n {
		return nil, 0, ErrShortFrame
	}
	out := make([]byte, n)
	copy(out, data[offset:offset+n])
	return out, offset + n, nil
}
