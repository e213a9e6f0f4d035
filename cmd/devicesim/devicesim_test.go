package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liuscraft/orion-gateway/internal/audio"
	"github.com/liuscraft/orion-gateway/internal/audio/device"
	"github.com/liuscraft/orion-gateway/internal/delivery"
	"github.com/liuscraft/orion-gateway/internal/relay/ttsrelay"
	"github.com/liuscraft/orion-gateway/internal/transport"
)

type frame struct {
	messageType int
	data        []byte
}

// scriptedConn replays queued frames and records everything written.
type scriptedConn struct {
	in        chan frame
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	text   [][]byte
	binary [][]byte
}

func newScriptedConn(frames ...frame) *scriptedConn {
	c := &scriptedConn{in: make(chan frame, len(frames)+4), closed: make(chan struct{})}
	for _, f := range frames {
		c.in <- f
	}
	return c
}

func (c *scriptedConn) Read() (int, []byte, error) {
	select {
	case f := <-c.in:
		return f.messageType, f.data, nil
	case <-c.closed:
		return 0, nil, transport.ErrClosed
	}
}

func (c *scriptedConn) WriteText(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.text = append(c.text, data)
	return nil
}

func (c *scriptedConn) WriteBinary(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.binary = append(c.binary, data)
	return nil
}

func (c *scriptedConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *scriptedConn) binaryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.binary)
}

// passCodec encodes and decodes by copying.
type passCodec struct{ rate int }

func (p passCodec) SampleRate() int                    { return p.rate }
func (passCodec) Encode(pcm []byte) ([]byte, error)    { return append([]byte(nil), pcm...), nil }
func (passCodec) Decode(packet []byte) ([]byte, error) { return append([]byte(nil), packet...), nil }

func notification(t *testing.T, n delivery.Notification) frame {
	t.Helper()
	data, err := json.Marshal(n)
	require.NoError(t, err)
	return frame{transport.TextMessage, data}
}

func audioFrame(t *testing.T, version int, packet []byte) frame {
	t.Helper()
	data, err := delivery.FrameAudio(version, 0, packet)
	require.NoError(t, err)
	return frame{transport.BinaryMessage, data}
}

func TestSynthesizeCollectsAudioUntilStop(t *testing.T) {
	conn := newScriptedConn(
		notification(t, delivery.Notification{Type: "tts", State: "start", SampleRate: 16000}),
		notification(t, delivery.Notification{Type: "tts", State: "sentence_start", Text: "hi"}),
		audioFrame(t, delivery.Version2, []byte{1, 2}),
		audioFrame(t, delivery.Version2, []byte{3, 4}),
		notification(t, delivery.Notification{Type: "tts", State: "sentence_end", Text: "hi"}),
		notification(t, delivery.Notification{Type: "tts", State: "stop"}),
	)
	o := ttsOptions{voice: "v1", text: []string{"hi", "there"}, sampleRate: 24000, frameMs: 60, version: delivery.Version2, segmentMax: -1}

	var rates []int
	var got bytes.Buffer
	err := synthesize(conn, o, func(rate int) (audio.Decoder, error) {
		rates = append(rates, rate)
		return passCodec{rate}, nil
	}, func(rate int, pcm []byte) error {
		assert.Equal(t, 16000, rate)
		got.Write(pcm)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, got.Bytes())
	assert.Equal(t, []int{16000}, rates)

	var types []string
	for _, data := range conn.text {
		var msg ttsrelay.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		types = append(types, msg.Type)
	}
	assert.Equal(t, []string{"config", "start", "text", "text", "finish"}, types)
}

func TestTextChunks(t *testing.T) {
	assert.Equal(t, []string{"a b", "c"}, textChunks([]string{"a b", "c"}, -1))
	assert.Equal(t,
		[]string{"今天天气很好。", "我们去公园吧！", "好的"},
		textChunks([]string{"今天天气很好。我们去", "公园吧！好", "的"}, 0))
}

func TestSynthesizeReportsGatewayError(t *testing.T) {
	conn := newScriptedConn(
		notification(t, delivery.Notification{Type: "tts", State: "error", Text: "unknown voice"}),
	)
	err := synthesize(conn, ttsOptions{version: delivery.Version1}, func(rate int) (audio.Decoder, error) {
		return passCodec{rate}, nil
	}, func(int, []byte) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown voice")
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// frameSource yields n frames and then blocks until ctx ends.
type frameSource struct{ n int }

func (s *frameSource) Read(ctx context.Context) ([]byte, error) {
	if s.n > 0 {
		s.n--
		return []byte{0, 1}, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRecognizeStreamsAndPrintsResults(t *testing.T) {
	result, err := json.Marshal(map[string]any{"type": "text", "text": "打开灯", "embedding": nil, "url": ""})
	require.NoError(t, err)
	conn := newScriptedConn(frame{transport.TextMessage, result})

	ctx, cancel := context.WithCancel(context.Background())
	var out lockedBuffer
	done := make(chan error, 1)
	go func() { done <- recognize(ctx, conn, &frameSource{n: 3}, passCodec{16000}, "小智", &out) }()

	require.Eventually(t, func() bool { return conn.binaryCount() == 3 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return out.String() != "" }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("recognize did not stop")
	}
	assert.Equal(t, "打开灯\n", out.String())

	require.Len(t, conn.text, 2)
	assert.JSONEq(t, `{"type":"listen","state":"start","mode":"auto"}`, string(conn.text[0]))
	assert.JSONEq(t, `{"type":"detect","words":"小智"}`, string(conn.text[1]))
}

func TestPrintDevices(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printDevices(&out, []device.Info{
		{Name: "USB Mic", HostAPI: "ALSA", MaxInputChannels: 1, DefaultSampleRate: 16000, DefaultInput: true},
		{Name: "Speakers", HostAPI: "ALSA", MaxOutputChannels: 2, DefaultSampleRate: 48000, DefaultOutput: true},
	}))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "USB Mic")
	assert.True(t, strings.HasSuffix(lines[1], "input"))
	assert.True(t, strings.HasSuffix(lines[2], "output"))
}

func TestFlagsBindOptions(t *testing.T) {
	require.NoError(t, ttsCmd.ParseFlags([]string{
		"--voice", "longjielidou", "--text", "你好", "--text", "再见",
		"--sample-rate", "16000", "--protocol-version", "3", "--segment-max", "-1", "--play",
	}))
	assert.Equal(t, "longjielidou", ttsOpts.voice)
	assert.Equal(t, []string{"你好", "再见"}, ttsOpts.text)
	assert.Equal(t, 16000, ttsOpts.sampleRate)
	assert.Equal(t, 3, ttsOpts.version)
	assert.Equal(t, -1, ttsOpts.segmentMax)
	assert.Equal(t, 60, ttsOpts.frameMs)
	assert.True(t, ttsOpts.play)

	require.NoError(t, asrCmd.ParseFlags([]string{"--seconds", "3", "--detect", "小智"}))
	assert.Equal(t, 3, asrOpts.seconds)
	assert.Equal(t, "小智", asrOpts.wakeWords)
	assert.Equal(t, "ws://localhost:8082/", asrOpts.url)
}
