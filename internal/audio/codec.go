// Package audio holds the PCM helpers and the Opus codec used on the device
// side of the gateway. PCM is always 16-bit little-endian mono.
package audio

import (
	"errors"
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

// maxPacketSize bounds one encoded Opus packet.
const maxPacketSize = 4000

var ErrFrameSize = errors.New("audio: pcm frame has an invalid size")

// Encoder turns one PCM frame into one compressed packet.
type Encoder interface {
	Encode(pcm []byte) ([]byte, error)
}

// Decoder turns one compressed packet into PCM.
type Decoder interface {
	Decode(packet []byte) ([]byte, error)
}

// OpusEncoder encodes mono voice frames. Frames must be 2.5, 5, 10, 20, 40
// or 60 ms long.
type OpusEncoder struct {
	enc        *opus.Encoder
	sampleRate int
	buf        []byte
}

func NewOpusEncoder(sampleRate int) (*OpusEncoder, error) {
	enc, err := opus.NewEncoder(sampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder at %d Hz: %w", sampleRate, err)
	}
	return &OpusEncoder{enc: enc, sampleRate: sampleRate, buf: make([]byte, maxPacketSize)}, nil
}

func (e *OpusEncoder) SampleRate() int {
	return e.sampleRate
}

func (e *OpusEncoder) Encode(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrFrameSize
	}
	n, err := e.enc.Encode(BytesToSamples(pcm), e.buf)
	if err != nil {
		return nil, fmt.Errorf("opus encode %d bytes: %w", len(pcm), err)
	}
	out := make([]byte, n)
	copy(out, e.buf[:n])
	return out, nil
}

// OpusDecoder decodes mono packets.
type OpusDecoder struct {
	dec        *opus.Decoder
	sampleRate int
	pcm        []int16
}

func NewOpusDecoder(sampleRate int) (*OpusDecoder, error) {
	dec, err := opus.NewDecoder(sampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder at %d Hz: %w", sampleRate, err)
	}
	// 120 ms is the longest Opus packet
	return &OpusDecoder{dec: dec, sampleRate: sampleRate, pcm: make([]int16, sampleRate/1000*120)}, nil
}

func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	n, err := d.dec.Decode(packet, d.pcm)
	if err != nil {
		return nil, fmt.Errorf("opus decode %d bytes: %w", len(packet), err)
	}
	return SamplesToBytes(d.pcm[:n]), nil
}

// ValidSampleRate reports whether rate is one Opus can encode natively.
func ValidSampleRate(rate int) bool {
	switch rate {
	case 8000, 12000, 16000, 24000, 48000:
		return true
	default:
		return false
	}
}

// ValidFrameDuration reports whether ms is an Opus frame length the gateway
// emits.
func ValidFrameDuration(ms int) bool {
	switch ms {
	case 10, 20, 40, 60:
		return true
	default:
		return false
	}
}
