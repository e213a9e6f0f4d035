// Package delivery paces synthesized audio to a device at real-time speed.
//
// A Queue is a FIFO of control notifications and PCM. PCM is cut into fixed
// slices, Opus-encoded and framed for the device's protocol version. Before
// each slice the queue compares the audio already emitted with the wall time
// elapsed since it started emitting; when it is ahead it arms a single timer
// for the deficit. Control items are never delayed once they reach the head.
package delivery

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/liuscraft/orion-gateway/internal/audio"
	"github.com/liuscraft/orion-gateway/internal/logging"
	"github.com/liuscraft/orion-gateway/internal/metrics"
)

const DefaultFrameDuration = 60 * time.Millisecond

// Writer is the device side of the queue. *transport.Conn satisfies it.
type Writer interface {
	WriteText(data []byte) error
	WriteBinary(data []byte) error
}

// Notification is a JSON control message for the device.
type Notification struct {
	Type       string `json:"type"`
	State      string `json:"state,omitempty"`
	Text       string `json:"text,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

// Item is either a control notification or a chunk of PCM.
type Item struct {
	Control *Notification
	Audio   []byte
	// Flush pads and emits any partial audio slice before the control item.
	Flush bool
	// OnSent runs right after the control item is written. It must not call
	// back into the queue.
	OnSent func()
}

type Options struct {
	SampleRate    int
	FrameDuration time.Duration
	Version       int
	Clock         Clock
}

type Queue struct {
	w          Writer
	enc        audio.Encoder
	sampleRate int
	version    int
	versionTag string
	frame      time.Duration
	sliceBytes int
	clock      Clock
	log        *logging.Logger

	mu       sync.Mutex
	items    []Item
	residual []byte
	emitted  int64
	started  bool
	start    time.Time
	timer    Timer
	gen      uint64
	closed   bool
}

func New(w Writer, enc audio.Encoder, opts Options) *Queue {
	if opts.FrameDuration <= 0 {
		opts.FrameDuration = DefaultFrameDuration
	}
	if opts.Version == 0 {
		opts.Version = DefaultVersion
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	return &Queue{
		w:          w,
		enc:        enc,
		sampleRate: opts.SampleRate,
		version:    opts.Version,
		versionTag: strconv.Itoa(opts.Version),
		frame:      opts.FrameDuration,
		sliceBytes: int(int64(opts.SampleRate) * opts.FrameDuration.Milliseconds() / 1000 * 2),
		clock:      opts.Clock,
		log:        logging.With("component", "delivery"),
	}
}

// SliceBytes is the PCM size of one emitted frame.
func (q *Queue) SliceBytes() int {
	return q.sliceBytes
}

func (q *Queue) PushAudio(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	q.push(Item{Audio: pcm})
}

func (q *Queue) PushControl(n Notification) {
	q.push(Item{Control: &n})
}

// PushFlush queues n behind all pending audio; the last partial slice is
// zero padded and emitted first. onSent may be nil.
func (q *Queue) PushFlush(n Notification, onSent func()) {
	q.push(Item{Control: &n, Flush: true, OnSent: onSent})
}

func (q *Queue) push(item Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, item)
	q.pumpLocked()
}

// Reset discards everything pending, cancels the pacing timer, restarts the
// clock and emits stop immediately.
func (q *Queue) Reset(stop Notification) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.cancelTimerLocked()
	q.items = nil
	q.residual = nil
	q.emitted = 0
	q.started = false
	q.sendControlLocked(Item{Control: &stop})
}

// Close drops pending items; later pushes are ignored.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cancelTimerLocked()
	q.items = nil
	q.residual = nil
}

// Pending is the number of queued items plus buffered PCM bytes.
func (q *Queue) Pending() (items, pcmBytes int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), len(q.residual)
}

// Emitted is the audio duration delivered since the last reset.
func (q *Queue) Emitted() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.durationOf(q.emitted)
}

func (q *Queue) durationOf(bytes int64) time.Duration {
	if q.sampleRate <= 0 {
		return 0
	}
	return time.Duration(bytes/2) * time.Second / time.Duration(q.sampleRate)
}

func (q *Queue) pumpLocked() {
	for !q.closed {
		if q.timer != nil {
			return
		}
		if q.sliceBytes > 0 && len(q.residual) >= q.sliceBytes {
			if wait := q.deficitLocked(); wait > 0 {
				q.armLocked(wait)
				return
			}
			q.emitSliceLocked()
			continue
		}
		if len(q.items) == 0 {
			return
		}
		item := q.items[0]
		if item.Control == nil {
			q.items = q.items[1:]
			q.residual = append(q.residual, item.Audio...)
			continue
		}
		if item.Flush && len(q.residual) > 0 {
			q.residual = append(q.residual, make([]byte, q.sliceBytes-len(q.residual))...)
			continue
		}
		q.items = q.items[1:]
		q.sendControlLocked(item)
	}
}

// deficitLocked is how long the next slice has to wait. The clock starts at
// the first slice after construction or reset.
func (q *Queue) deficitLocked() time.Duration {
	now := q.clock.Now()
	if !q.started {
		q.started = true
		q.start = now
		return 0
	}
	required := q.durationOf(q.emitted)
	elapsed := now.Sub(q.start)
	if elapsed < required {
		return required - elapsed
	}
	return 0
}

func (q *Queue) armLocked(wait time.Duration) {
	metrics.PacingWaitSeconds.Observe(wait.Seconds())
	q.gen++
	gen := q.gen
	q.timer = q.clock.AfterFunc(wait, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if gen != q.gen {
			return
		}
		q.timer = nil
		q.pumpLocked()
	})
}

func (q *Queue) cancelTimerLocked() {
	q.gen++
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

func (q *Queue) emitSliceLocked() {
	slice := q.residual[:q.sliceBytes]
	q.residual = q.residual[q.sliceBytes:]
	timestamp := uint32(q.emitted / 2)
	q.emitted += int64(q.sliceBytes)

	packet, err := q.enc.Encode(slice)
	if err != nil {
		q.log.Errorf("encode slice: %v", err)
		return
	}
	data, err := FrameAudio(q.version, timestamp, packet)
	if err != nil {
		q.log.Errorf("frame slice: %v", err)
		return
	}
	if err := q.w.WriteBinary(data); err != nil {
		q.failLocked(err)
		return
	}
	metrics.AudioFramesSent.WithLabelValues(q.versionTag).Inc()
}

func (q *Queue) sendControlLocked(item Item) {
	data, err := json.Marshal(item.Control)
	if err != nil {
		q.log.Errorf("marshal notification: %v", err)
		return
	}
	if err := q.w.WriteText(data); err != nil {
		q.failLocked(err)
		return
	}
	if item.OnSent != nil {
		item.OnSent()
	}
}

// failLocked stops the queue once the device can no longer be written.
func (q *Queue) failLocked(err error) {
	q.log.Debugf("device write failed, dropping queue: %v", err)
	q.closed = true
	q.cancelTimerLocked()
	q.items = nil
	q.residual = nil
}
