package asr

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanListener struct {
	results chan Result
	closed  chan error
}

func newChanListener() *chanListener {
	return &chanListener{results: make(chan Result, 8), closed: make(chan error, 1)}
}

func (l *chanListener) OnResult(r Result) { l.results <- r }
func (l *chanListener) OnClose(err error) { l.closed <- err }

func startRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	reg := NewRegistry(RegistryOptions{PingInterval: time.Hour})
	srv := httptest.NewServer(reg)
	t.Cleanup(func() {
		reg.Close()
		srv.Close()
	})
	return reg, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// dialWorker connects a fake recognition worker and waits for registration.
func dialWorker(t *testing.T, reg *Registry, url string, want int) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	require.Eventually(t, func() bool { return reg.Len() == want }, 2*time.Second, 5*time.Millisecond)
	return ws
}

func readCommand(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	mt, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, mt)
	var cmd map[string]any
	require.NoError(t, json.Unmarshal(data, &cmd))
	return cmd
}

func TestAudioFrameRoundTrip(t *testing.T) {
	frame := EncodeAudioFrame("abc", []byte{1, 2, 3, 4})
	assert.Equal(t, []byte{0, 0, 0, 3, 'a', 'b', 'c', 0, 0, 0, 4, 1, 2, 3, 4}, frame)

	id, pcm, err := DecodeAudioFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, "abc", id)
	assert.Equal(t, []byte{1, 2, 3, 4}, pcm)

	for _, bad := range [][]byte{{0, 0}, frame[:6], frame[:len(frame)-1]} {
		_, _, err := DecodeAudioFrame(bad)
		assert.True(t, errors.Is(err, ErrShortFrame), "frame %v", bad)
	}
}

func TestCommandCannotOverrideRouting(t *testing.T) {
	data, err := command(CommandListen, "s1", map[string]any{"type": "x", "session_id": "y", "mode": "auto"})
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, map[string]any{"type": "listen", "session_id": "s1", "mode": "auto"}, got)
}

func TestSessionRoundTripThroughWorker(t *testing.T) {
	reg, url := startRegistry(t)
	ws := dialWorker(t, reg, url, 1)

	worker, err := reg.Pick()
	require.NoError(t, err)
	l := newChanListener()
	sess, err := worker.NewSession(l)
	require.NoError(t, err)

	require.NoError(t, sess.SendAudio([]byte{9, 8, 7}))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	mt, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, mt)
	id, pcm, err := DecodeAudioFrame(data)
	require.NoError(t, err)
	assert.Equal(t, sess.ID(), id)
	assert.Equal(t, []byte{9, 8, 7}, pcm)

	require.NoError(t, sess.Listen(map[string]any{"state": "start"}))
	cmd := readCommand(t, ws)
	assert.Equal(t, CommandListen, cmd["type"])
	assert.Equal(t, "start", cmd["state"])

	require.NoError(t, sess.Detect("你好小智"))
	cmd = readCommand(t, ws)
	assert.Equal(t, CommandDetect, cmd["type"])
	assert.Equal(t, sess.ID(), cmd["session_id"])
	assert.Equal(t, "你好小智", cmd["words"])

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "chat", "session_id": "someone-else", "content": "x"}))
	require.NoError(t, ws.WriteJSON(map[string]any{
		"type": "chat", "session_id": sess.ID(), "content": "今天天气", "embedding": []float64{0.5, 0.25}, "url": "asr/1.ogg",
	}))
	select {
	case r := <-l.results:
		assert.Equal(t, "今天天气", r.Text)
		assert.Equal(t, "asr/1.ogg", r.URL)
		assert.JSONEq(t, `[0.5,0.25]`, string(r.Embedding))
	case <-time.After(2 * time.Second):
		t.Fatalf("no result routed to the session")
	}

	require.NoError(t, sess.Finish())
	cmd = readCommand(t, ws)
	assert.Equal(t, CommandFinish, cmd["type"])
	assert.Equal(t, 0, worker.Sessions())
	assert.ErrorIs(t, sess.SendAudio([]byte{1}), ErrSessionFinished)
}

func TestWorkerDisconnectNotifiesSessions(t *testing.T) {
	reg, url := startRegistry(t)
	ws := dialWorker(t, reg, url, 1)
	worker, err := reg.Pick()
	require.NoError(t, err)

	l1, l2 := newChanListener(), newChanListener()
	_, err = worker.NewSession(l1)
	require.NoError(t, err)
	_, err = worker.NewSession(l2)
	require.NoError(t, err)

	require.NoError(t, ws.Close())
	for _, l := range []*chanListener{l1, l2} {
		select {
		case <-l.closed:
		case <-time.After(2 * time.Second):
			t.Fatalf("session was not notified of the worker disconnect")
		}
	}
	require.Eventually(t, func() bool { return reg.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	_, err = worker.NewSession(newChanListener())
	assert.ErrorIs(t, err, ErrWorkerClosed)
	_, err = reg.Pick()
	assert.ErrorIs(t, err, ErrNoWorker)
}

func TestSessionIDsAreUniquePerWorker(t *testing.T) {
	reg, url := startRegistry(t)
	dialWorker(t, reg, url, 1)
	worker, err := reg.Pick()
	require.NoError(t, err)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		s, err := worker.NewSession(newChanListener())
		require.NoError(t, err)
		require.False(t, seen[s.ID()])
		seen[s.ID()] = true
	}
	assert.Equal(t, 100, worker.Sessions())
}
