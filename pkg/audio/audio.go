// Package audio defines the frame types and the PCM codec shared by the
// capture and playback sides of the Andee voice pipeline.
//
// Frames are the atomic unit of audio transport: captured from the input
// source, quantised to 16-bit PCM for the wire, and reconstructed from
// received payloads for playback. The codec is deliberately small — the
// remote agent speaks linear PCM only, base64-wrapped inside JSON frames.
package audio

import "time"

const (
	// CaptureRate is the sample rate (Hz) of audio sent to the remote agent.
	CaptureRate = 16000

	// PlaybackRate is the sample rate (Hz) of audio received from the agent.
	PlaybackRate = 24000

	// DefaultFrameSize is the number of samples pulled per capture frame.
	DefaultFrameSize = 4096

	// CaptureMIMEType tags outbound packets with the agent's expected
	// input format.
	CaptureMIMEType = "audio/pcm;rate=16000"
)

// Frame is a fixed-length run of floating-point samples in [-1, 1].
// A frame is owned by exactly one pipeline stage at a time and is discarded
// after encoding or playback.
type Frame struct {
	// Samples holds interleaved PCM samples. For mono audio this is simply
	// the sample sequence.
	Samples []float32

	// SampleRate in Hz (16000 for capture, 24000 for playback).
	SampleRate int

	// Channels is the channel count. Both directions of the agent protocol
	// are mono.
	Channels int
}

// Duration returns the wall-clock length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	perChannel := len(f.Samples) / f.Channels
	return time.Duration(perChannel) * time.Second / time.Duration(f.SampleRate)
}

// Packet is one wire-ready chunk of captured audio: a text-safe payload plus
// the MIME descriptor identifying format and rate. Packets are created by the
// capture pipeline and consumed exactly once by the session transport.
type Packet struct {
	// Data is the base64-encoded 16-bit little-endian PCM payload.
	Data string

	// MIMEType identifies the payload format (e.g. "audio/pcm;rate=16000").
	MIMEType string
}
