// Package device reads and plays local audio through PortAudio. It backs the
// device simulator; the gateway itself never touches sound hardware.
package device

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/liuscraft/orion-gateway/internal/audio"
	"github.com/liuscraft/orion-gateway/internal/logging"
)

// Initialize must be called once before opening streams; Terminate on exit.
func Initialize() error { return portaudio.Initialize() }

func Terminate() error { return portaudio.Terminate() }

type audioStream interface {
	Start() error
	Read() error
	Write() error
	Abort() error
	Stop() error
	Close() error
}

// Microphone captures mono PCM frames of a fixed size.
type Microphone struct {
	stream     audioStream
	buffer     []int16
	closeCh    chan struct{}
	closeOnce  sync.Once
	startOnce  sync.Once
	startErr   error
	sampleRate int
}

// OpenMicrophone opens the input device whose name contains deviceName, or
// the default device when deviceName is empty. The stream starts on first
// Read.
func OpenMicrophone(sampleRate, frameSamples int, deviceName string) (*Microphone, error) {
	buffer := make([]int16, frameSamples)
	var (
		stream *portaudio.Stream
		err    error
	)
	if deviceName != "" {
		var dev *portaudio.DeviceInfo
		dev, err = findDevice(deviceName, true)
		if err != nil {
			return nil, err
		}
		params := portaudio.LowLatencyParameters(dev, nil)
		params.Input.Channels = 1
		params.SampleRate = float64(sampleRate)
		params.FramesPerBuffer = frameSamples
		stream, err = portaudio.OpenStream(params, &buffer)
	} else {
		stream, err = portaudio.OpenDefaultStream(1, 0, float64(sampleRate), frameSamples, &buffer)
	}
	if err != nil {
		return nil, fmt.Errorf("open input stream: %w", err)
	}
	logging.Infof("microphone opened: sampleRate=%d, frame=%d samples", sampleRate, frameSamples)
	return newMicrophone(stream, buffer, sampleRate), nil
}

func newMicrophone(stream audioStream, buffer []int16, sampleRate int) *Microphone {
	return &Microphone{stream: stream, buffer: buffer, closeCh: make(chan struct{}), sampleRate: sampleRate}
}

// Read blocks for one frame of PCM.
func (m *Microphone) Read(ctx context.Context) ([]byte, error) {
	m.startOnce.Do(func() { m.startErr = m.stream.Start() })
	if m.startErr != nil {
		return nil, m.startErr
	}

	readErr := make(chan error, 1)
	go func() { readErr <- m.stream.Read() }()

	select {
	case <-ctx.Done():
		_ = m.stream.Abort()
		return nil, ctx.Err()
	case <-m.closeCh:
		return nil, io.EOF
	case err := <-readErr:
		if err != nil {
			return nil, err
		}
	}
	return audio.SamplesToBytes(m.buffer), nil
}

func (m *Microphone) Close() error {
	m.closeOnce.Do(func() { close(m.closeCh) })
	if err := m.stream.Stop(); err != nil {
		logging.Warnf("microphone stop: %v", err)
	}
	return m.stream.Close()
}

// Speaker plays mono PCM through the default output device.
type Speaker struct {
	stream audioStream
	buffer []int16
	mu     sync.Mutex
	carry  []int16
}

func OpenSpeaker(sampleRate, frameSamples int) (*Speaker, error) {
	buffer := make([]int16, frameSamples)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), frameSamples, &buffer)
	if err != nil {
		return nil, fmt.Errorf("open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("start output stream: %w", err)
	}
	return newSpeaker(stream, buffer), nil
}

func newSpeaker(stream audioStream, buffer []int16) *Speaker {
	return &Speaker{stream: stream, buffer: buffer}
}

// Write queues pcm and plays every complete buffer.
func (s *Speaker) Write(pcm []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.carry = append(s.carry, audio.BytesToSamples(pcm)...)
	for len(s.carry) >= len(s.buffer) {
		copy(s.buffer, s.carry[:len(s.buffer)])
		s.carry = s.carry[len(s.buffer):]
		if err := s.stream.Write(); err != nil {
			return 0, err
		}
	}
	return len(pcm), nil
}

// Close pads and plays the remainder before closing.
func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.carry) > 0 {
		n := copy(s.buffer, s.carry)
		clear(s.buffer[n:])
		s.carry = nil
		_ = s.stream.Write()
	}
	if err := s.stream.Stop(); err != nil {
		logging.Warnf("speaker stop: %v", err)
	}
	return s.stream.Close()
}

func findDevice(name string, input bool) (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	lower := strings.ToLower(name)
	for _, dev := range devices {
		channels := dev.MaxOutputChannels
		if input {
			channels = dev.MaxInputChannels
		}
		if channels > 0 && strings.Contains(strings.ToLower(dev.Name), lower) {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("no audio device found matching %q", name)
}

// Info describes one PortAudio device.
type Info struct {
	Name              string        `json:"name"`
	HostAPI           string        `json:"host_api"`
	MaxInputChannels  int           `json:"max_input_channels"`
	MaxOutputChannels int           `json:"max_output_channels"`
	DefaultSampleRate float64       `json:"default_sample_rate"`
	InputLatency      time.Duration `json:"input_latency"`
	OutputLatency     time.Duration `json:"output_latency"`
	DefaultInput      bool          `json:"default_input"`
	DefaultOutput     bool          `json:"default_output"`
}

// List reports every device with the high-latency defaults the streams
// opened here use.
func List() ([]Info, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	var defIn, defOut string
	if d, err := portaudio.DefaultInputDevice(); err == nil {
		defIn = d.Name
	}
	if d, err := portaudio.DefaultOutputDevice(); err == nil {
		defOut = d.Name
	}
	out := make([]Info, 0, len(devices))
	for _, dev := range devices {
		info := Info{
			Name:              dev.Name,
			MaxInputChannels:  dev.MaxInputChannels,
			MaxOutputChannels: dev.MaxOutputChannels,
			DefaultSampleRate: dev.DefaultSampleRate,
			InputLatency:      dev.DefaultHighInputLatency,
			OutputLatency:     dev.DefaultHighOutputLatency,
			DefaultInput:      dev.MaxInputChannels > 0 && dev.Name == defIn,
			DefaultOutput:     dev.MaxOutputChannels > 0 && dev.Name == defOut,
		}
		if dev.HostApi != nil {
			info.HostAPI = dev.HostApi.Name
		}
		out = append(out, info)
	}
	return out, nil
}
