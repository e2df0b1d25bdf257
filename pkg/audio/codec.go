package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeSamples quantises float samples to 16-bit signed little-endian PCM.
// Each sample is multiplied by 32768 and rounded to the nearest integer.
// Out-of-range input (|s| > 1) is clamped to the int16 range rather than
// wrapped: slight overdrive then saturates instead of flipping sign into a
// full-scale click.
func EncodeSamples(samples []float32) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		v := math.Round(float64(s) * 32768)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(v)))
	}
	return out
}

// DecodeSamples reconstructs a [Frame] from 16-bit little-endian PCM bytes.
// Each integer sample is divided by 32768 to recover the float value.
// Returns [ErrMalformedPayload] if the byte length is not a whole number of
// interleaved samples for the given channel count.
func DecodeSamples(data []byte, sampleRate, channels int) (Frame, error) {
	if channels <= 0 || sampleRate <= 0 {
		return Frame{}, fmt.Errorf("%w: invalid format rate=%d channels=%d", ErrMalformedPayload, sampleRate, channels)
	}
	if len(data)%(2*channels) != 0 {
		return Frame{}, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrMalformedPayload, len(data), 2*channels)
	}

	samples := make([]float32, len(data)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(data[2*i:]))
		samples[i] = float32(v) / 32768
	}
	return Frame{Samples: samples, SampleRate: sampleRate, Channels: channels}, nil
}

// ToTransportText wraps raw bytes in the text-safe transport encoding
// (standard base64). Round-trips exactly for all byte sequences.
func ToTransportText(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// FromTransportText reverses [ToTransportText]. Returns [ErrMalformedPayload]
// if the input contains characters outside the base64 alphabet.
func FromTransportText(text string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return data, nil
}
