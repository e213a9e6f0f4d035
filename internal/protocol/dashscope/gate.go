package dashscope

// TailDurationMs is the length of the silence appended to every finished task.
const TailDurationMs = 240

// AudioGate holds binary audio of one task until the provider has
// acknowledged output with its first result-generated event. Audio on this
// protocol can arrive before the control message announcing it.
//
// An AudioGate is not safe for concurrent use; the owning connection's reader
// goroutine is its only user.
type AudioGate struct {
	pending [][]byte
	open    bool
	done    bool
}

// Push accepts one binary packet and returns the packets releasable now.
func (g *AudioGate) Push(packet []byte) [][]byte {
	if g.done {
		return nil
	}
	if !g.open {
		g.pending = append(g.pending, packet)
		return nil
	}
	return [][]byte{packet}
}

// ResultGenerated opens the gate and drains buffered packets. Further
// result-generated events are no-ops beyond draining.
func (g *AudioGate) ResultGenerated() [][]byte {
	if g.done {
		return nil
	}
	g.open = true
	return g.drain()
}

// Finish drains whatever is left and appends one silence frame for the
// given sample rate. The gate accepts no audio afterwards.
func (g *AudioGate) Finish(sampleRate int) [][]byte {
	if g.done {
		return nil
	}
	out := g.drain()
	g.done = true
	return append(out, Silence(sampleRate, TailDurationMs))
}

// Buffered reports the number of packets held back.
func (g *AudioGate) Buffered() int {
	return len(g.pending)
}

func (g *AudioGate) Open() bool {
	return g.open
}

func (g *AudioGate) drain() [][]byte {
	out := g.pending
	g.pending = nil
	return out
}

// Silence returns durationMs of zeroed 16-bit mono PCM at sampleRate.
func Silence(sampleRate, durationMs int) []byte {
	samples := sampleRate / 1000 * durationMs
	return make([]byte, samples*2)
}
