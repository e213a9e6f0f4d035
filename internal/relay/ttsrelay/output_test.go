package ttsrelay

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liuscraft/orion-gateway/internal/audio"
)

func TestResampleCarriesOddByte(t *testing.T) {
	o := &output{resampler: audio.NewLinearResampler(), sampleRate: 16000}

	// three samples of 0x0102 split 3+3 bytes across two packets
	first, err := o.resample([]byte{0x02, 0x01, 0x02}, 8000)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02}, o.carry)
	second, err := o.resample([]byte{0x01, 0x02, 0x01}, 8000)
	require.NoError(t, err)
	assert.Empty(t, o.carry)

	out := append(first, second...)
	require.Len(t, out, 3*2*2, "8 kHz to 16 kHz doubles the samples")
	for i := 0; i < len(out); i += 2 {
		assert.Equal(t, uint16(0x0102), binary.LittleEndian.Uint16(out[i:]), "sample %d", i/2)
	}
}

func TestResampleOddByteAloneWaits(t *testing.T) {
	o := &output{resampler: audio.NewLinearResampler(), sampleRate: 16000}
	out, err := o.resample([]byte{0x7f}, 24000)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, []byte{0x7f}, o.carry)
}
