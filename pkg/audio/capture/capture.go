// Package capture turns a live microphone stream into a sequence of
// wire-ready [audio.Packet] values.
//
// The host supplies a [Source] (typically a platform microphone adapter);
// the [Pipeline] pulls samples from it, slices them into fixed-size frames,
// encodes each frame with the PCM codec, and hands one packet per frame to a
// registered sink callback. The pipeline runs until [Pipeline.Stop] is called
// or the source's sample channel closes.
package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/andee-ai/andee/pkg/audio"
)

// Source is a live stream of microphone samples at [audio.CaptureRate], mono.
// Implementations deliver sample batches of arbitrary size on the Samples
// channel and close it when the device stops producing.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Samples returns the channel on which captured sample batches arrive.
	// Sample values are floats in [-1, 1].
	Samples() <-chan []float32

	// Close releases the underlying device. Safe to call more than once.
	Close() error
}

// Opener acquires a microphone [Source] from the host environment.
// It returns [audio.ErrPermissionDenied] if the user or OS refuses access and
// [audio.ErrDeviceUnavailable] if no input device exists; both are fatal to
// session establishment.
type Opener func(ctx context.Context) (Source, error)

// SinkFunc receives one encoded packet per captured frame. It is invoked
// sequentially from the pipeline's internal goroutine and must not block for
// extended periods.
type SinkFunc func(audio.Packet)

// Option configures a [Pipeline] during construction.
type Option func(*Pipeline)

// WithFrameSize sets the number of samples per emitted frame.
// The default is [audio.DefaultFrameSize]. Values < 1 are ignored.
func WithFrameSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.frameSize = n
		}
	}
}

// Pipeline pulls fixed-size frames from a [Source] and emits one encoded
// [audio.Packet] per frame through the sink callback.
//
// All exported methods are safe for concurrent use.
type Pipeline struct {
	sink      SinkFunc
	frameSize int

	mu      sync.Mutex
	src     Source
	done    chan struct{}
	started bool

	wg sync.WaitGroup
}

// New creates a Pipeline that delivers packets to sink. The pipeline does not
// pull any audio until [Pipeline.Start] is called.
func New(sink SinkFunc, opts ...Option) *Pipeline {
	p := &Pipeline{
		sink:      sink,
		frameSize: audio.DefaultFrameSize,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start begins pulling frames from src. Returns an error if the pipeline is
// already running.
func (p *Pipeline) Start(src Source) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("capture: pipeline already started")
	}
	p.started = true
	p.src = src
	p.done = make(chan struct{})

	p.wg.Add(1)
	go p.run(src, p.done)
	return nil
}

// Stop releases the source and ceases frame emission. Idempotent: calling
// Stop when the pipeline is not running is a no-op. Stop returns once the
// pipeline goroutine has exited, so no sink callback fires after it returns.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	close(p.done)
	src := p.src
	p.src = nil
	p.mu.Unlock()

	_ = src.Close()
	p.wg.Wait()
}

// run accumulates incoming sample batches and emits full frames. A trailing
// partial frame is dropped when the stream ends — it is at most one frame of
// tail audio and the remote agent treats input as an open-ended stream.
func (p *Pipeline) run(src Source, done chan struct{}) {
	defer p.wg.Done()

	buf := make([]float32, 0, 2*p.frameSize)
	for {
		select {
		case <-done:
			return
		case batch, ok := <-src.Samples():
			if !ok {
				return
			}
			buf = append(buf, batch...)
			for len(buf) >= p.frameSize {
				p.emit(buf[:p.frameSize])
				buf = append(buf[:0], buf[p.frameSize:]...)
			}
		}
	}
}

func (p *Pipeline) emit(frame []float32) {
	pcm := audio.EncodeSamples(frame)
	p.sink(audio.Packet{
		Data:     audio.ToTransportText(pcm),
		MIMEType: audio.CaptureMIMEType,
	})
}
