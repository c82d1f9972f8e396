// Package audio provides telephony audio constants and format conversion.
package audio

import (
	"encoding/base64"
	"errors"
	"io"
	"time"
)

const (
	// SampleRate is the telephony sample rate for 8-bit mu-law.
	SampleRate = 8000
	// FrameDuration is the playout length of one outbound frame.
	FrameDuration = 20 * time.Millisecond
	// FrameSize is the byte length of one mu-law frame (one byte per sample).
	FrameSize = SampleRate * int(FrameDuration/time.Millisecond) / 1000
	// SilenceByte is mu-law digital silence.
	SilenceByte byte = 0xFF
)

var ErrEmptyPayload = errors.New("empty audio payload")

// DecodePayload decodes a base64 media payload and rejects empty audio.
func DecodePayload(payload string) ([]byte, error) {
	if payload == "" {
		return nil, ErrEmptyPayload
	}
	data, err := Base64ToBytes(payload)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}
	return data, nil
}

func Base64ToBytes(base64String string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64String)
}

func BytesToBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// PadFrame right-pads a partial frame with silence up to FrameSize.
func PadFrame(frame []byte) []byte {
	if len(frame) >= FrameSize {
		return frame
	}
	padded := make([]byte, FrameSize)
	copy(padded, frame)
	for i := len(frame); i < FrameSize; i++ {
		padded[i] = SilenceByte
	}
	return padded
}

// MuLawToPCM16 expands mu-law samples to 16-bit little-endian PCM at 8kHz.
func MuLawToPCM16(mulaw []byte) []byte {
	pcm := make([]byte, len(mulaw)*2)
	for i, b := range mulaw {
		sample := mulawToLinear(b)
		pcm[i*2] = byte(sample)
		pcm[i*2+1] = byte(sample >> 8)
	}
	return pcm
}

// PCM16ToMuLaw compresses 16-bit little-endian PCM at 8kHz to mu-law.
func PCM16ToMuLaw(pcm []byte) []byte {
	mulaw := make([]byte, len(pcm)/2)
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		mulaw[i/2] = linearToMulaw(sample)
	}
	return mulaw
}

func ConvertPCM24kHzToMuLaw8kHz(pcm24k []byte) []byte {
	return PCM16ToMuLaw(downsamplePCM(pcm24k, 3))
}

// pcmToMuLawReader converts a streamed 16-bit PCM body to 8kHz mu-law,
// keeping one of every factor samples. Odd trailing bytes are carried over
// to the next read.
type pcmToMuLawReader struct {
	src    io.Reader
	factor int
	phase  int
	carry  []byte
	buf    []byte
	out    []byte
	err    error
}

// NewPCMToMuLawReader wraps a PCM stream recorded at 8kHz*factor.
func NewPCMToMuLawReader(src io.Reader, factor int) io.Reader {
	if factor < 1 {
		factor = 1
	}
	return &pcmToMuLawReader{src: src, factor: factor, buf: make([]byte, 4096)}
}

func (r *pcmToMuLawReader) Read(p []byte) (int, error) {
	for len(r.out) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		n, err := r.src.Read(r.buf)
		if n > 0 {
			data := append(r.carry, r.buf[:n]...)
			usable := len(data) - len(data)%2
			for i := 0; i < usable; i += 2 {
				if r.phase == 0 {
					sample := int16(data[i]) | int16(data[i+1])<<8
					r.out = append(r.out, linearToMulaw(sample))
				}
				r.phase = (r.phase + 1) % r.factor
			}
			r.carry = append(r.carry[:0], data[usable:]...)
		}
		if err != nil {
			r.err = err
		}
	}
	n := copy(p, r.out)
	r.out = r.out[n:]
	return n, nil
}

func mulawToLinear(mulawByte byte) int16 {
	const bias = 0x84

	mulawByte = ^mulawByte

	sign := mulawByte & 0x80
	exponent := (mulawByte >> 4) & 0x07
	mantissa := mulawByte & 0x0F

	sample := int16(mantissa<<3 | 0x84)
	sample <<= exponent
	sample -= bias

	if sign != 0 {
		return -sample
	}
	return sample
}

func linearToMulaw(sample int16) byte {
	const bias = 0x84
	const clip = 32635

	sign := uint8(0)
	if sample < 0 {
		sign = 0x80
		if sample < -clip {
			sample = -clip
		}
		sample = -sample
	}

	if sample > clip {
		sample = clip
	}

	sample += bias

	// Position of the most significant bit
	var exponent uint8
	for mask := int16(0x4000); mask != 0 && (sample&mask) == 0; mask >>= 1 {
		exponent++
	}

	mantissa := uint8((sample >> (7 - exponent + 3)) & 0x0F)
	exponent = 7 - exponent

	return ^(sign | (exponent << 4) | mantissa)
}

func downsamplePCM(pcm []byte, factor int) []byte {
	// Take every Nth 16-bit sample
	samples := len(pcm) / 2
	downsampled := make([]byte, 0, (samples/factor+1)*2)

	for i := 0; i+1 < len(pcm); i += 2 * factor {
		downsampled = append(downsampled, pcm[i], pcm[i+1])
	}

	return downsampled
}
