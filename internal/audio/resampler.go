package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Resampler converts interleaved int16 samples between sample rates.
type Resampler interface {
	Resample(input []int16, inputRate, outputRate, channels int) ([]int16, error)
}

// LinearResampler interpolates linearly between neighbouring frames. Good
// enough for speech.
type LinearResampler struct{}

func NewLinearResampler() *LinearResampler {
	return &LinearResampler{}
}

// ratio = inputRate / outputRate
// position = outputIndex * ratio
// output[outputIndex] = input[i]*(1-frac) + input[i+1]*frac
func (r *LinearResampler) Resample(input []int16, inputRate, outputRate, channels int) ([]int16, error) {
	if inputRate <= 0 || outputRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate: input=%d, output=%d", inputRate, outputRate)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("invalid channels: %d", channels)
	}
	inputFrames := len(input) / channels
	if inputFrames == 0 {
		return []int16{}, nil
	}
	if inputRate == outputRate {
		out := make([]int16, len(input))
		copy(out, input)
		return out, nil
	}

	ratio := float64(inputRate) / float64(outputRate)
	outputFrames := int(math.Ceil(float64(inputFrames) / ratio))
	output := make([]int16, outputFrames*channels)

	for outFrame := 0; outFrame < outputFrames; outFrame++ {
		position := float64(outFrame) * ratio
		inFrame := int(position)
		frac := position - float64(inFrame)
		if inFrame >= inputFrames-1 {
			inFrame = max(inputFrames-2, 0)
			frac = 1.0
		}

		for ch := 0; ch < channels; ch++ {
			i1 := inFrame*channels + ch
			i2 := (inFrame+1)*channels + ch
			if i2 >= len(input) {
				i2 = i1
			}
			v := float64(input[i1])*(1.0-frac) + float64(input[i2])*frac
			output[outFrame*channels+ch] = int16(math.Max(-32768, math.Min(32767, v)))
		}
	}
	return output, nil
}

// ResamplePCM converts little-endian mono PCM bytes. Equal rates return the
// input untouched.
func ResamplePCM(r Resampler, pcm []byte, inputRate, outputRate int) ([]byte, error) {
	if inputRate == outputRate {
		return pcm, nil
	}
	out, err := r.Resample(BytesToSamples(pcm), inputRate, outputRate, 1)
	if err != nil {
		return nil, err
	}
	return SamplesToBytes(out), nil
}

// BytesToSamples decodes little-endian int16 samples; a trailing odd byte is
// ignored.
func BytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

func SamplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, v := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(v))
	}
	return data
}
