package ttsrelay

import (
	"fmt"
	"time"

	"github.com/liuscraft/orion-gateway/internal/audio"
	"github.com/liuscraft/orion-gateway/internal/delivery"
	"github.com/liuscraft/orion-gateway/internal/logging"
)

// Device notification states.
const (
	stateStart         = "start"
	stateSentenceStart = "sentence_start"
	stateSentenceEnd   = "sentence_end"
	stateStop          = "stop"
	stateError         = "error"
)

// output is the device half of a session: the paced delivery queue plus the
// encoder and resampler feeding it.
type output struct {
	w          delivery.Writer
	newEncoder func(sampleRate int) (audio.Encoder, error)
	clock      delivery.Clock
	resampler  audio.Resampler
	log        *logging.Logger

	sampleRate int
	frameMs    int
	version    int
	queue      *delivery.Queue

	// carry holds a trailing odd byte of resampled input until the next
	// packet completes the sample.
	carry []byte
}

func newOutput(w delivery.Writer, opts Options, log *logging.Logger) (*output, error) {
	o := &output{
		w:          w,
		newEncoder: opts.NewEncoder,
		clock:      opts.Clock,
		resampler:  audio.NewLinearResampler(),
		log:        log,
	}
	if err := o.configure(opts.SampleRate, int(opts.FrameDuration/time.Millisecond), opts.ProtocolVersion); err != nil {
		return nil, err
	}
	return o, nil
}

// configure applies a device's requested format; zero values keep the
// current setting. The queue is rebuilt when anything changes.
func (o *output) configure(sampleRate, frameMs, version int) error {
	rate, frame, ver := o.sampleRate, o.frameMs, o.version
	if sampleRate != 0 {
		if !audio.ValidSampleRate(sampleRate) {
			return fmt.Errorf("unsupported sample rate %d", sampleRate)
		}
		rate = sampleRate
	}
	if frameMs != 0 {
		if !audio.ValidFrameDuration(frameMs) {
			return fmt.Errorf("unsupported frame duration %d ms", frameMs)
		}
		frame = frameMs
	}
	if version != 0 {
		if !delivery.ValidVersion(version) {
			return fmt.Errorf("unsupported protocol version %d", version)
		}
		ver = version
	}
	if o.queue != nil && rate == o.sampleRate && frame == o.frameMs && ver == o.version {
		return nil
	}

	enc, err := o.newEncoder(rate)
	if err != nil {
		return err
	}
	if o.queue != nil {
		o.queue.Close()
	}
	o.sampleRate, o.frameMs, o.version = rate, frame, ver
	o.carry = nil
	o.queue = delivery.New(o.w, enc, delivery.Options{
		SampleRate:    rate,
		FrameDuration: time.Duration(frame) * time.Millisecond,
		Version:       ver,
		Clock:         o.clock,
	})
	return nil
}

func notification(state, text string) delivery.Notification {
	return delivery.Notification{Type: "tts", State: state, Text: text}
}

func (o *output) start() {
	n := notification(stateStart, "")
	n.SampleRate = o.sampleRate
	o.queue.PushControl(n)
}

func (o *output) control(state, text string) {
	o.queue.PushControl(notification(state, text))
}

// audio queues upstream PCM, converting it to the device rate.
func (o *output) audio(pcm []byte, rate int) {
	if rate > 0 && rate != o.sampleRate {
		converted, err := o.resample(pcm, rate)
		if err != nil {
			o.log.Warnf("resample %d -> %d Hz: %v", rate, o.sampleRate, err)
			return
		}
		pcm = converted
	}
	if len(pcm) > 0 {
		o.queue.PushAudio(pcm)
	}
}

// resample converts whole samples only; an odd trailing byte waits for the
// next packet so later samples stay aligned.
func (o *output) resample(pcm []byte, rate int) ([]byte, error) {
	if len(o.carry) > 0 {
		pcm = append(o.carry, pcm...)
		o.carry = nil
	}
	if len(pcm)%2 == 1 {
		o.carry = []byte{pcm[len(pcm)-1]}
		pcm = pcm[:len(pcm)-1]
	}
	return audio.ResamplePCM(o.resampler, pcm, rate, o.sampleRate)
}

// stop queues the final stop behind all pending audio.
func (o *output) stop(onSent func()) {
	o.queue.PushFlush(notification(stateStop, ""), onSent)
}

// interrupt drops everything pending and sends state right away.
func (o *output) interrupt(state, text string) {
	o.carry = nil
	o.queue.Reset(notification(state, text))
}

func (o *output) close() {
	o.queue.Close()
}
