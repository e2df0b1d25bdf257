package audio

import "errors"

// Sentinel errors for the audio pipeline. Callers match them with errors.Is.
var (
	// ErrMalformedPayload reports a payload that cannot be decoded: a byte
	// length that is not a whole number of samples, or transport text outside
	// the base64 alphabet. Malformed payloads are dropped per chunk and are
	// never fatal to a session.
	ErrMalformedPayload = errors.New("audio: malformed payload")

	// ErrPermissionDenied reports that the host environment refused
	// microphone access. Fatal to session establishment.
	ErrPermissionDenied = errors.New("audio: microphone permission denied")

	// ErrDeviceUnavailable reports that no usable input device exists.
	// Fatal to session establishment.
	ErrDeviceUnavailable = errors.New("audio: no input device available")
)
