// Package device provides in-process audio device adapters.
//
// Real deployments supply a platform microphone as a [capture.Source] and a
// platform speaker as a [playback.Sink]. This package ships the adapters that
// need no hardware: a push-based [Mic] for hosts that receive samples from
// elsewhere (a network peer, a file, a test), a silence source for running
// the session loop without input hardware, and a [DiscardSink] that drops
// playback output.
package device

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/andee-ai/andee/pkg/audio"
	"github.com/andee-ai/andee/pkg/audio/capture"
	"github.com/andee-ai/andee/pkg/audio/playback"
)

// Mic is a push-based microphone source. The host feeds sample batches with
// [Mic.Push]; the capture pipeline consumes them via Samples.
//
// Safe for concurrent use.
type Mic struct {
	ch chan []float32

	mu     sync.Mutex
	closed bool
}

var _ capture.Source = (*Mic)(nil)

// NewMic creates a Mic buffering up to buffer pending batches. Values < 1
// fall back to a small default.
func NewMic(buffer int) *Mic {
	if buffer < 1 {
		buffer = 16
	}
	return &Mic{ch: make(chan []float32, buffer)}
}

// Samples implements [capture.Source].
func (m *Mic) Samples() <-chan []float32 { return m.ch }

// Push delivers one batch of samples. It reports false when the mic is
// closed or the buffer is full; in both cases the batch is dropped rather
// than blocking the caller.
func (m *Mic) Push(samples []float32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	select {
	case m.ch <- samples:
		return true
	default:
		slog.Debug("device: mic buffer full, dropping batch", "samples", len(samples))
		return false
	}
}

// Close implements [capture.Source]. Safe to call more than once.
func (m *Mic) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.ch)
	}
	return nil
}

// silenceSource emits zero-valued samples in real time at the capture rate.
type silenceSource struct {
	ch   chan []float32
	stop chan struct{}

	mu     sync.Mutex
	closed bool
}

var _ capture.Source = (*silenceSource)(nil)

// silenceBatch is the emission period for the silence source.
const silenceBatch = 100 * time.Millisecond

// SilenceOpener returns a [capture.Opener] whose sources stream silence at
// [audio.CaptureRate]. Lets the full session loop run on hosts without input
// hardware.
func SilenceOpener() capture.Opener {
	return func(ctx context.Context) (capture.Source, error) {
		s := &silenceSource{
			ch:   make(chan []float32, 4),
			stop: make(chan struct{}),
		}
		go s.run()
		return s, nil
	}
}

func (s *silenceSource) run() {
	samplesPerBatch := audio.CaptureRate * int(silenceBatch) / int(time.Second)
	ticker := time.NewTicker(silenceBatch)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			select {
			case s.ch <- make([]float32, samplesPerBatch):
			case <-s.stop:
				return
			}
		}
	}
}

func (s *silenceSource) Samples() <-chan []float32 { return s.ch }

func (s *silenceSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.stop)
	}
	return nil
}

// DiscardSink is a [playback.Sink] that drops every frame. Used on hosts
// without output hardware; the playback schedule still runs so interruption
// and watermark behaviour stay observable in logs.
type DiscardSink struct {
	mu     sync.Mutex
	frames int
}

var _ playback.Sink = (*DiscardSink)(nil)

// Play implements [playback.Sink].
func (d *DiscardSink) Play(frame audio.Frame) error {
	d.mu.Lock()
	d.frames++
	n := d.frames
	d.mu.Unlock()
	slog.Debug("device: discarding playback frame", "n", n, "duration", frame.Duration())
	return nil
}

// Stop implements [playback.Sink].
func (d *DiscardSink) Stop() error { return nil }

// Close implements [playback.Sink].
func (d *DiscardSink) Close() error { return nil }

// Frames reports how many frames have been discarded.
func (d *DiscardSink) Frames() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames
}
