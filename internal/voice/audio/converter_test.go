package audio

import (
	"bytes"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameConstants(t *testing.T) {
	assert.Equal(t, 160, FrameSize)
	assert.Equal(t, int16(0), mulawToLinear(SilenceByte))
	assert.Equal(t, SilenceByte, linearToMulaw(0))
}

func TestMulawRoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 100, -100, 1000, -1000, 8000, -8000, 30000, -30000, 32767, -32768}
	for _, s := range samples {
		got := mulawToLinear(linearToMulaw(s))
		diff := int(got) - int(s)
		if diff < 0 {
			diff = -diff
		}
		abs := int(s)
		if abs < 0 {
			abs = -abs
		}
		assert.LessOrEqualf(t, diff, abs/8+16, "sample %d decoded to %d", s, got)
	}
}

func TestDecodePayload(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    []byte
		wantErr error
	}{
		{name: "empty string", payload: "", wantErr: ErrEmptyPayload},
		{name: "valid", payload: BytesToBase64([]byte{1, 2, 3}), want: []byte{1, 2, 3}},
		{name: "invalid base64", payload: "!!not-base64!!"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodePayload(tt.payload)
			if tt.want != nil {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
				return
			}
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestPadFrame(t *testing.T) {
	padded := PadFrame([]byte{1, 2, 3})
	require.Len(t, padded, FrameSize)
	assert.Equal(t, []byte{1, 2, 3}, padded[:3])
	assert.Equal(t, bytes.Repeat([]byte{SilenceByte}, FrameSize-3), padded[3:])

	full := bytes.Repeat([]byte{7}, FrameSize)
	assert.Equal(t, full, PadFrame(full))
}

func TestPCMToMuLawReaderMatchesBatchConversion(t *testing.T) {
	pcm := make([]byte, 0, 3*2*500)
	for i := 0; i < 1500; i++ {
		s := int16((i * 37) % 20000)
		pcm = append(pcm, byte(s), byte(s>>8))
	}
	want := ConvertPCM24kHzToMuLaw8kHz(pcm)

	// One byte at a time exercises the odd-byte carry.
	got, err := io.ReadAll(NewPCMToMuLawReader(iotest.OneByteReader(bytes.NewReader(pcm)), 3))
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Len(t, got, 500)
}

func TestPCM16RoundTripLength(t *testing.T) {
	mulaw := []byte{0xFF, 0x7F, 0x00, 0x80}
	pcm := MuLawToPCM16(mulaw)
	assert.Len(t, pcm, 8)
	assert.Equal(t, mulaw[0], PCM16ToMuLaw(pcm)[0])
}
