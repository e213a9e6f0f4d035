package device

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/liuscraft/orion-gateway/internal/audio"
)

type fakeStream struct {
	buffer  []int16
	fill    int16
	writes  [][]int16
	block   chan struct{}
	readErr error
	started bool
	closed  bool
}

func (f *fakeStream) Start() error { f.started = true; return nil }
func (f *fakeStream) Abort() error { return nil }
func (f *fakeStream) Stop() error  { return nil }
func (f *fakeStream) Close() error { f.closed = true; return nil }

func (f *fakeStream) Read() error {
	if f.block != nil {
		<-f.block
	}
	for i := range f.buffer {
		f.buffer[i] = f.fill
	}
	return f.readErr
}

func (f *fakeStream) Write() error {
	f.writes = append(f.writes, append([]int16(nil), f.buffer...))
	return nil
}

func TestMicrophoneRead(t *testing.T) {
	buffer := make([]int16, 4)
	stream := &fakeStream{buffer: buffer, fill: 7}
	mic := newMicrophone(stream, buffer, 16000)

	pcm, err := mic.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !stream.started {
		t.Fatalf("stream must start on first read")
	}
	if got := audio.BytesToSamples(pcm); len(got) != 4 || got[3] != 7 {
		t.Fatalf("unexpected samples %v", got)
	}

	stream.readErr = errors.New("overflow")
	if _, err := mic.Read(context.Background()); err == nil {
		t.Fatalf("expected read error")
	}
}

func TestMicrophoneCloseUnblocksRead(t *testing.T) {
	buffer := make([]int16, 4)
	stream := &fakeStream{buffer: buffer, block: make(chan struct{})}
	defer close(stream.block)
	mic := newMicrophone(stream, buffer, 16000)

	done := make(chan error, 1)
	go func() {
		_, err := mic.Read(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	_ = mic.Close()

	select {
	case err := <-done:
		if !errors.Is(err, io.EOF) {
			t.Fatalf("expected EOF, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Read did not return after Close")
	}
}

func TestSpeakerBuffersPartialFrames(t *testing.T) {
	buffer := make([]int16, 3)
	stream := &fakeStream{buffer: buffer}
	spk := newSpeaker(stream, buffer)

	if _, err := spk.Write(audio.SamplesToBytes([]int16{1, 2})); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(stream.writes) != 0 {
		t.Fatalf("partial frame must not be played")
	}
	if _, err := spk.Write(audio.SamplesToBytes([]int16{3, 4})); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(stream.writes) != 1 || stream.writes[0][2] != 3 {
		t.Fatalf("unexpected writes %v", stream.writes)
	}

	if err := spk.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	last := stream.writes[len(stream.writes)-1]
	if last[0] != 4 || last[1] != 0 || last[2] != 0 {
		t.Fatalf("remainder must be zero padded, got %v", last)
	}
	if !stream.closed {
		t.Fatalf("stream not closed")
	}
}
