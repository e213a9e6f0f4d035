package volc

import (
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeRequestRoundTrip(t *testing.T) {
	cases := []struct {
		name      string
		event     Event
		sessionID string
		payload   []byte
	}{
		{name: "start connection", event: EventStartConnection, payload: []byte("{}")},
		{name: "finish connection", event: EventFinishConnection, payload: []byte("{}")},
		{name: "start session", event: EventStartSession, sessionID: "9b2f6f0e-1", payload: []byte(`{"speaker":"x"}`)},
		{name: "append text", event: EventTaskRequest, sessionID: "s", payload: []byte(`{"text":"你好"}`)},
		{name: "cancel with empty payload", event: EventCancelSession, sessionID: "s2", payload: []byte{}},
		{name: "finish", event: EventFinishSession, sessionID: "a-much-longer-session-identifier", payload: []byte("{}")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := Decode(EncodeRequest(tc.event, tc.sessionID, tc.payload))
			require.NoError(t, err)
			assert.Equal(t, MsgFullClientRequest, frame.Type)
			assert.Equal(t, tc.event, frame.Event)
			assert.Equal(t, tc.sessionID, frame.SessionID)
			assert.Equal(t, len(tc.payload), len(frame.Payload))
			assert.Equal(t, string(tc.payload), string(frame.Payload))
		})
	}
}

func TestConnectionEventIgnoresSessionID(t *testing.T) {
	data := EncodeRequest(EventStartConnection, "ignored", []byte("{}"))
	frame, err := Decode(data)
	require.NoError(t, err)
	assert.Empty(t, frame.SessionID)
	assert.Equal(t, KindConnection, frame.Kind())
}

func TestHeaderLayout(t *testing.T) {
	data := StartConnection()
	require.Equal(t, []byte{0x11, 0x14, 0x10, 0x00}, data[:4])
	assert.Equal(t, uint32(EventStartConnection), binary.BigEndian.Uint32(data[4:8]))
	assert.Equal(t, uint32(2), binary.BigEndian.Uint32(data[8:12]))
	assert.Equal(t, "{}", string(data[12:]))
}

func TestDecodeServerFrames(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		frame, err := Decode(EncodeServerEvent(EventConnectionStarted, "", nil))
		require.NoError(t, err)
		assert.Equal(t, KindConnection, frame.Kind())
		assert.Equal(t, EventConnectionStarted, frame.Event)
	})

	t.Run("connection event without payload", func(t *testing.T) {
		data := []byte{0x11, 0x94, 0x10, 0x00, 0, 0, 0, 50}
		frame, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, EventConnectionStarted, frame.Event)
		assert.Empty(t, frame.Payload)
	})

	t.Run("sentence start", func(t *testing.T) {
		payload, _ := json.Marshal(SentencePayload{Text: "你好"})
		frame, err := Decode(EncodeServerEvent(EventTTSSentenceStart, "sid", payload))
		require.NoError(t, err)
		assert.Equal(t, KindSession, frame.Kind())
		assert.Equal(t, "sid", frame.SessionID)
		assert.Equal(t, "你好", ParseSentence(frame.Payload))
	})

	t.Run("audio", func(t *testing.T) {
		pcm := []byte{1, 2, 3, 4, 5, 6}
		frame, err := Decode(EncodeAudio("sid", pcm))
		require.NoError(t, err)
		assert.Equal(t, KindAudio, frame.Kind())
		assert.Equal(t, "sid", frame.SessionID)
		assert.Equal(t, pcm, frame.Payload)
	})

	t.Run("error", func(t *testing.T) {
		frame, err := Decode(EncodeError(45000001, "quota exceeded"))
		require.NoError(t, err)
		assert.Equal(t, KindError, frame.Kind())
		assert.Equal(t, uint32(45000001), frame.ErrorCode)
		assert.Equal(t, "quota exceeded", string(frame.Payload))
	})
}

func TestDecodeUnknownEventIsNotFatal(t *testing.T) {
	frame, err := Decode(EncodeServerEvent(Event(999), "sid", []byte("{}")))
	require.NoError(t, err)
	assert.False(t, frame.Event.Known())
	assert.Equal(t, "Event(999)", frame.Event.String())
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode([]byte{0x11, 0x94})
	assert.ErrorIs(t, err, ErrShortFrame)

	_, err = Decode([]byte{0x11, 0x42, 0x10, 0x00, 0, 0, 0, 1})
	assert.ErrorIs(t, err, ErrUnknownMessageType)

	truncated := EncodeServerEvent(EventSessionStarted, "session", []byte("{}"))
	_, err = Decode(truncated[:len(truncated)-1])
	assert.ErrorIs(t, err, ErrShortFrame)

	_, err = Decode(EncodeError(1, "boom")[:10])
	assert.ErrorIs(t, err, ErrShortFrame)
}

func TestRequestPayloads(t *testing.T) {
	params := SessionParams{Speaker: "zh_female_shuangkuaisisi_moon_bigtts", SampleRate: 24000}

	data, err := StartSession("sid", params)
	require.NoError(t, err)
	frame, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, EventStartSession, frame.Event)

	var req Request
	require.NoError(t, json.Unmarshal(frame.Payload, &req))
	assert.Equal(t, "BidirectionalTTS", req.Namespace)
	assert.Equal(t, EventStartSession, req.Event)
	assert.Equal(t, params.Speaker, req.ReqParams.Speaker)
	require.NotNil(t, req.ReqParams.AudioParams)
	assert.Equal(t, 24000, req.ReqParams.AudioParams.SampleRate)

	data, err = AppendText("sid", params, "你好")
	require.NoError(t, err)
	frame, err = Decode(data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(frame.Payload, &req))
	assert.Equal(t, "你好", req.ReqParams.Text)
}

func TestParseError(t *testing.T) {
	p := ParseError([]byte(`{"status_code":55000000,"message":"server busy"}`))
	assert.Equal(t, 55000000, p.StatusCode)
	assert.Equal(t, "server busy", p.Message)

	p = ParseError([]byte("plain text"))
	assert.Equal(t, "plain text", p.Message)
}
